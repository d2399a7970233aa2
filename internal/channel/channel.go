// Package channel is the host boundary: named, single-writer/single-reader
// channels supplied by a host runtime. Each host platform implements Host
// once; the session core depends only on these interfaces.
package channel

import (
	"context"
	"errors"
)

var (
	// ErrDisconnected is returned by Recv and Send once the peer ended the
	// channel or the channel was closed locally.
	ErrDisconnected = errors.New("channel: disconnected")
	// ErrHostUnavailable marks a host whose supervising context is gone.
	ErrHostUnavailable = errors.New("channel: host unavailable")
	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("channel: listener closed")
	// ErrNameInUse is returned by Listen when another listener holds the name.
	ErrNameInUse = errors.New("channel: name in use")
)

// Host opens named channels.
type Host interface {
	// Connect opens a channel to the host side under name.
	Connect(ctx context.Context, name string) (Channel, error)
	// Listen waits for the host side to connect under name.
	Listen(ctx context.Context, name string) (Listener, error)
}

// Channel carries structured payloads in both directions.
type Channel interface {
	Name() string
	Send(ctx context.Context, v any) error
	// Recv blocks for the next payload. Any error means the channel is gone;
	// ErrDisconnected (possibly wrapped) is the normal end.
	Recv(ctx context.Context) (any, error)
	Close() error
}

// Listener yields channels opened toward a listened name.
type Listener interface {
	Name() string
	Accept(ctx context.Context) (Channel, error)
	Close() error
}

// HostFunc adapts a connect function to Host. Listen is unsupported.
type HostFunc func(ctx context.Context, name string) (Channel, error)

var ErrListenUnsupported = errors.New("channel: listen unsupported by host")

func (f HostFunc) Connect(ctx context.Context, name string) (Channel, error) {
	return f(ctx, name)
}

func (f HostFunc) Listen(context.Context, string) (Listener, error) {
	return nil, ErrListenUnsupported
}

// OpenFunc attaches a host peer to a parked page listener and returns the
// host end.
type OpenFunc func(ctx context.Context) (Channel, error)

// Handler is the host side of a transport server.
type Handler interface {
	// ServeChannel owns a channel the page opened and returns when it ends.
	ServeChannel(ctx context.Context, ch Channel)
	// Park holds a page listener under name until open is called. abandon
	// releases the parked connection without opening it.
	Park(name string, open OpenFunc, abandon func()) error
}
