// Package translate turns arbitrary thrown values into error envelopes.
//
// Translation is total: every value, including ones that cannot be encoded in
// the transmission format, ones that contain themselves and ones whose
// formatting panics, yields an envelope that can be delivered.
package translate

import (
	"errors"
	"fmt"

	"github.com/danmuck/portmux/internal/protocol"
	"github.com/danmuck/portmux/internal/protocol/codec"
	pkgerrors "github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxCauseDepth bounds the cause walk for self-referencing error chains.
const maxCauseDepth = 16

type options struct {
	requestID  string
	hasID      bool
	request    any
	hasRequest bool
	fallback   codes.Code
	forced     *codes.Code
}

type Option func(*options)

// WithRequest tags the envelope with the request's id and appends the request
// to the details.
func WithRequest(req protocol.RequestMessage) Option {
	return func(o *options) {
		o.requestID = req.RequestID
		o.hasID = true
		o.request = req
		o.hasRequest = true
	}
}

// WithRequestID tags the envelope without echoing a request.
func WithRequestID(id string) Option {
	return func(o *options) {
		o.requestID = id
		o.hasID = true
	}
}

// WithCode sets the code used when the thrown value carries none.
func WithCode(c codes.Code) Option {
	return func(o *options) {
		o.fallback = c
	}
}

// Forced overrides any code carried by the thrown value.
func Forced(c codes.Code) Option {
	return func(o *options) {
		o.forced = &c
	}
}

// ToEnvelope converts thrown into an envelope. It never panics.
func ToEnvelope(thrown any, opts ...Option) (env protocol.ErrorEnvelope) {
	o := options{fallback: codes.Internal}
	for _, opt := range opts {
		opt(&o)
	}
	defer func() {
		if r := recover(); r != nil {
			env = cannotSerialize(thrown, o)
		}
	}()

	if err := codec.Guard(thrown); err != nil {
		return cannotSerialize(thrown, o)
	}
	env = build(thrown, o)
	if err := codec.Check(env); err != nil {
		return cannotSerialize(thrown, o)
	}
	return env
}

// Unavailable translates a failure to open or keep a host channel. The result
// is channel-scoped.
func Unavailable(thrown any) protocol.ErrorEnvelope {
	return ToEnvelope(thrown, Forced(codes.Unavailable))
}

func build(thrown any, o options) protocol.ErrorEnvelope {
	code := o.fallback
	var message string
	var details []any

	switch v := thrown.(type) {
	case nil:
		message = "nil thrown"
	case protocol.ErrorEnvelope:
		code = v.Code()
		message = v.Error.Message
		details = append(details, v.Error.Details...)
	case error:
		if st, ok := status.FromError(v); ok {
			code = st.Code()
			message = st.Message()
		} else {
			message = v.Error()
		}
		details = causeDetails(v)
	case string:
		message = v
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		message = fmt.Sprint(v)
	default:
		message = fmt.Sprintf("%v", v)
		details = append(details, protocol.ErrorDetail{Type: fmt.Sprintf("%T", v), Value: v})
	}

	if o.forced != nil {
		code = *o.forced
	}
	if o.hasRequest {
		details = append(details, o.request)
	}
	return scoped(protocol.NewErrorEnvelope("", code, message, details...), o)
}

func scoped(env protocol.ErrorEnvelope, o options) protocol.ErrorEnvelope {
	if o.hasID {
		return env.ForRequest(o.requestID)
	}
	return env
}

// causeDetails lists every wrapped cause below err, outermost first, then the
// root cause when the chain does not reach it through Unwrap.
func causeDetails(err error) []any {
	var out []any
	seen := 0
	var walk func(e error)
	walk = func(e error) {
		if e == nil || seen >= maxCauseDepth {
			return
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				if inner == nil {
					continue
				}
				seen++
				out = append(out, detailOf(inner))
				walk(inner)
			}
		default:
			inner := errors.Unwrap(e)
			if inner == nil {
				return
			}
			seen++
			out = append(out, detailOf(inner))
			walk(inner)
		}
	}
	walk(err)

	root := pkgerrors.Cause(err)
	if root != nil && root != err && !containsCause(out, root) {
		out = append(out, detailOf(root))
	}
	return out
}

func detailOf(err error) protocol.ErrorDetail {
	return protocol.ErrorDetail{Type: fmt.Sprintf("%T", err), Value: err.Error()}
}

func containsCause(details []any, root error) bool {
	msg := root.Error()
	typ := fmt.Sprintf("%T", root)
	for _, d := range details {
		if cd, ok := d.(protocol.ErrorDetail); ok && cd.Type == typ && cd.Value == msg {
			return true
		}
	}
	return false
}

func cannotSerialize(thrown any, o options) protocol.ErrorEnvelope {
	code := codes.Internal
	if o.forced != nil {
		code = *o.forced
	}
	return scoped(protocol.NewErrorEnvelope(
		"",
		code,
		fmt.Sprintf("cannot serialize thrown value of type %T", thrown),
	), o)
}
