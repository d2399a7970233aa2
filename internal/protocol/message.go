package protocol

import (
	"context"

	"github.com/danmuck/portmux/internal/protocol/codec"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Item is one classified unit of session traffic.
type Item interface {
	item()
}

// Disconnect is the teardown signal. On the wire it is the literal false, in
// both directions: the page sends it to request teardown and the host side of
// a session delivers it to confirm any teardown.
type Disconnect struct{}

// DisconnectSignal is the only value of Disconnect.
var DisconnectSignal = Disconnect{}

// RequestMessage is an application payload keyed by a caller-chosen id.
type RequestMessage struct {
	RequestID string `cbor:"requestId"`
	Message   any    `cbor:"message"`
}

// Producer yields stream items until it returns io.EOF.
type Producer interface {
	Next(ctx context.Context) (any, error)
}

// TransportStream is a page request whose payload is a producer. It never
// crosses a host channel directly; the session moves it onto a subchannel.
type TransportStream struct {
	RequestID string
	Stream    Producer
}

// Stream is the page-side handle of an open subchannel.
type Stream interface {
	Name() string
	// Recv returns the next item value, or io.EOF once the peer finished.
	Recv(ctx context.Context) (any, error)
	Send(ctx context.Context, v any) error
	Close() error
}

// StreamInit announces that the response to RequestID continues on Channel.
// When delivered to a page endpoint, Stream is the opened subchannel.
type StreamInit struct {
	Channel   string `cbor:"channel"`
	RequestID string `cbor:"requestId"`
	Stream    Stream `cbor:"-"`
}

// ErrorBody is the error half of an ErrorEnvelope.
type ErrorBody struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
	Details []any  `cbor:"details,omitempty"`
}

// ErrorEnvelope is the canonical error delivered to the page. Without HasID
// the error is channel-scoped and the wire form omits requestId.
type ErrorEnvelope struct {
	RequestID string    `cbor:"-"`
	HasID     bool      `cbor:"-"`
	Error     ErrorBody `cbor:"error"`
}

type envelopeWire struct {
	RequestID *string   `cbor:"requestId,omitempty"`
	Error     ErrorBody `cbor:"error"`
}

// MarshalCBOR keeps requestId on the wire whenever HasID is set, including
// the empty id.
func (e ErrorEnvelope) MarshalCBOR() ([]byte, error) {
	w := envelopeWire{Error: e.Error}
	if e.HasID {
		id := e.RequestID
		w.RequestID = &id
	}
	return codec.Marshal(w)
}

// ForRequest scopes the envelope to id, even an empty one.
func (e ErrorEnvelope) ForRequest(id string) ErrorEnvelope {
	e.RequestID = id
	e.HasID = true
	return e
}

// ErrorDetail describes one thrown value or cause inside ErrorBody.Details.
type ErrorDetail struct {
	Type  string `cbor:"type"`
	Value any    `cbor:"value"`
}

// Unrecognized is anything the classifier could not place. HasID is set
// when the raw value was an object with a requestId key, whatever its value;
// RequestID is that value rendered as a string.
type Unrecognized struct {
	RequestID string
	HasID     bool
	Raw       any
}

func (Disconnect) item()      {}
func (RequestMessage) item()  {}
func (TransportStream) item() {}
func (StreamInit) item()      {}
func (ErrorEnvelope) item()   {}
func (Unrecognized) item()    {}

// HasRequestID reports whether the unrecognized value can be tied to a request.
func (u Unrecognized) HasRequestID() bool {
	return u.HasID
}

// Messages carried by classifier-driven envelopes.
const (
	MsgUnsupportedFromClient = "Unsupported request from client"
	MsgUnknownFromClient     = "Unknown item from client"
	MsgUnsupportedFromHost   = "Unsupported response from host"
	MsgUnknownFromHost       = "Unknown item from host"
)

// NewErrorEnvelope builds an envelope with a wire-rendered code. An empty
// requestID yields a channel-scoped envelope; use ForRequest to scope one to
// an empty id.
func NewErrorEnvelope(requestID string, code codes.Code, message string, details ...any) ErrorEnvelope {
	env := ErrorEnvelope{
		RequestID: requestID,
		HasID:     requestID != "",
		Error: ErrorBody{
			Code:    CodeString(code),
			Message: message,
		},
	}
	if len(details) > 0 {
		env.Error.Details = details
	}
	return env
}

// ChannelFatal reports whether the envelope is channel-scoped.
func (e ErrorEnvelope) ChannelFatal() bool {
	return !e.HasID
}

// Code parses the wire code, falling back to codes.Unknown.
func (e ErrorEnvelope) Code() codes.Code {
	c, err := ParseCode(e.Error.Code)
	if err != nil {
		return codes.Unknown
	}
	return c
}

// Err converts the envelope into a grpc status error.
func (e ErrorEnvelope) Err() error {
	return status.Error(e.Code(), e.Error.Message)
}

// ChunkValue wraps one stream item for a subchannel.
func ChunkValue(v any) map[string]any {
	return map[string]any{"value": v}
}

// ChunkDone is the terminal subchannel item.
func ChunkDone() map[string]any {
	return map[string]any{"done": true}
}

// ParseChunk reads a subchannel item. ok is false for anything that is not a
// chunk.
func ParseChunk(raw any) (value any, done bool, ok bool) {
	obj, isObj := asObject(raw)
	if !isObj {
		return nil, false, false
	}
	if d, has := obj["done"].(bool); has && d {
		return nil, true, true
	}
	v, has := obj["value"]
	if !has {
		return nil, false, false
	}
	return v, false, true
}
