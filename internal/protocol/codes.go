package protocol

import (
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
)

var codeNames = map[codes.Code]string{
	codes.OK:                 "ok",
	codes.Canceled:           "canceled",
	codes.Unknown:            "unknown",
	codes.InvalidArgument:    "invalid_argument",
	codes.DeadlineExceeded:   "deadline_exceeded",
	codes.NotFound:           "not_found",
	codes.AlreadyExists:      "already_exists",
	codes.PermissionDenied:   "permission_denied",
	codes.ResourceExhausted:  "resource_exhausted",
	codes.FailedPrecondition: "failed_precondition",
	codes.Aborted:            "aborted",
	codes.OutOfRange:         "out_of_range",
	codes.Unimplemented:      "unimplemented",
	codes.Internal:           "internal",
	codes.Unavailable:        "unavailable",
	codes.DataLoss:           "data_loss",
	codes.Unauthenticated:    "unauthenticated",
}

var codesByName = func() map[string]codes.Code {
	out := make(map[string]codes.Code, len(codeNames))
	for c, name := range codeNames {
		out[name] = c
	}
	return out
}()

// CodeString renders a code in its wire form ("unavailable").
func CodeString(c codes.Code) string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return codeNames[codes.Unknown]
}

// ParseCode reads a wire code. Matching is case-insensitive.
func ParseCode(s string) (codes.Code, error) {
	if c, ok := codesByName[strings.ToLower(strings.TrimSpace(s))]; ok {
		return c, nil
	}
	return codes.Unknown, fmt.Errorf("%w: %q", ErrUnknownCode, s)
}
