package protocol

import "errors"

var (
	ErrInvalidChannelName = errors.New("protocol: invalid channel name")
	ErrUnknownLabel       = errors.New("protocol: unknown channel label")
	ErrUnknownCode        = errors.New("protocol: unknown error code")
)
