// Package websocket is the websocket host platform. Each named channel is one
// websocket connection carrying binary CBOR messages.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/portmux/internal/channel"
	"github.com/danmuck/portmux/internal/protocol/codec"
	gws "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	PathChannel = "/channel"
	PathAccept  = "/accept"

	// OpenSignal is the text message a server writes on a parked accept
	// connection once a host peer attached to it.
	OpenSignal = "open"

	closeGrace = time.Second
)

// Conn adapts one websocket connection to channel.Channel. It is used on
// both sides: the page dials it, the server upgrades it.
type Conn struct {
	name string
	ws   *gws.Conn

	writeMu sync.Mutex

	in     chan any
	done   chan struct{}
	closed chan struct{}
	err    error
	once   sync.Once
}

// NewConn takes ownership of ws and starts reading from it.
func NewConn(name string, ws *gws.Conn) *Conn {
	c := &Conn{
		name:   name,
		ws:     ws,
		in:     make(chan any),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) Name() string {
	return c.name
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
				c.err = channel.ErrDisconnected
			} else {
				c.err = errors.Wrapf(channel.ErrDisconnected, "websocket %q: %v", c.name, err)
			}
			return
		}
		var v any
		switch mt {
		case gws.BinaryMessage:
			decoded, err := codec.Unmarshal(data)
			if err != nil {
				// Undecodable payloads still reach the classifier as raw bytes.
				log.Warn().Str("channel", c.name).Err(err).Msg("websocket payload not decodable")
				v = data
			} else {
				v = decoded
			}
		default:
			v = string(data)
		}
		select {
		case c.in <- v:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) Recv(ctx context.Context) (any, error) {
	select {
	case v := <-c.in:
		return v, nil
	case <-c.done:
		return nil, c.err
	case <-c.closed:
		return nil, channel.ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send encodes v before touching the connection, so an unrepresentable value
// fails the call and leaves the channel usable.
func (c *Conn) Send(ctx context.Context, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return channel.ErrDisconnected
	case <-c.done:
		return c.err
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteMessage(gws.BinaryMessage, data); err != nil {
		return errors.Wrapf(channel.ErrDisconnected, "websocket %q write: %v", c.name, err)
	}
	return nil
}

// Close sends a normal close frame and releases the connection.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			gws.CloseMessage,
			gws.FormatCloseMessage(gws.CloseNormalClosure, ""),
			time.Now().Add(closeGrace),
		)
		c.writeMu.Unlock()
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

// OpenParked signals a parked accept connection that its peer attached and
// returns it as a channel.
func OpenParked(name string, ws *gws.Conn) (*Conn, error) {
	if err := ws.WriteMessage(gws.TextMessage, []byte(OpenSignal)); err != nil {
		return nil, errors.Wrapf(err, "websocket %q open signal", name)
	}
	return NewConn(name, ws), nil
}
