package session

import (
	"context"
	"errors"

	"github.com/danmuck/portmux/internal/protocol"
)

var (
	ErrEndpointClosed = errors.New("session: endpoint closed")
	ErrSessionClosed  = errors.New("session: closed")
)

// Endpoint is one page-facing duplex view of a session. Every endpoint of a
// session shares its primary channel; a Disconnect posted by one tears the
// channel down for all of them.
type Endpoint struct {
	session *Session
	mailbox *queue[protocol.Item]
}

func newEndpoint(s *Session) *Endpoint {
	return &Endpoint{
		session: s,
		mailbox: newQueue[protocol.Item](s.cfg.EventBuffer),
	}
}

// Name returns the session name.
func (e *Endpoint) Name() string {
	return e.session.name
}

// Post hands v to the session loop. It accepts RequestMessage,
// TransportStream, Disconnect, false, or any raw value, which is classified.
// Post never waits on the host.
func (e *Endpoint) Post(v any) error {
	if err := e.mailbox.closedErr(); err != nil {
		return err
	}
	if !e.session.events.push(postEvent{from: e, v: v}) {
		return ErrSessionClosed
	}
	return nil
}

// Recv returns the next item delivered to this endpoint: RequestMessage,
// ErrorEnvelope, StreamInit or Disconnect.
func (e *Endpoint) Recv(ctx context.Context) (protocol.Item, error) {
	return e.mailbox.pop(ctx)
}

// Close detaches the endpoint and closes the subchannels it owns. The
// session and its primary channel stay up.
func (e *Endpoint) Close() error {
	if !e.mailbox.close(ErrEndpointClosed) {
		return nil
	}
	e.session.events.push(detachEvent{ep: e})
	return nil
}

func (e *Endpoint) deliver(it protocol.Item) {
	e.mailbox.push(it)
}
