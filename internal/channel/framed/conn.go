// Package framed is the stream-socket host platform: one TCP (optionally
// TLS) connection per named channel. A connection opens with an Open frame
// naming the channel and role, then carries CBOR payloads in Data frames.
package framed

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/portmux/internal/channel"
	"github.com/danmuck/portmux/internal/protocol/codec"
	"github.com/danmuck/portmux/internal/protocol/frame"
	"github.com/danmuck/portmux/internal/protocol/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const closeGrace = time.Second

// Conn is an open framed channel. Both the client host and the server use
// it after the handshake.
type Conn struct {
	name   string
	nc     net.Conn
	r      *bufio.Reader
	limits frame.Limits

	writeMu sync.Mutex
	seq     atomic.Uint64

	in     chan any
	done   chan struct{}
	closed chan struct{}
	err    error
	once   sync.Once
}

func newConn(name string, nc net.Conn, r *bufio.Reader, limits frame.Limits) *Conn {
	c := &Conn{
		name:   name,
		nc:     nc,
		r:      r,
		limits: limits,
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
		f, err := frame.ReadFrame(c.r, c.limits)
		if err != nil {
			c.err = errors.Wrapf(channel.ErrDisconnected, "framed %q: %v", c.name, err)
			return
		}
		var v any
		switch f.Header.MessageType {
		case schema.MsgData:
			decoded, err := codec.Unmarshal(f.Payload)
			if err != nil {
				log.Warn().Str("channel", c.name).Err(err).Msg("framed payload not decodable")
				v = f.Payload
			} else {
				v = decoded
			}
		case schema.MsgClose:
			c.err = channel.ErrDisconnected
			return
		case schema.MsgError:
			failure, err := schema.DecodeFailure(f.Payload)
			if err != nil {
				c.err = errors.Wrapf(channel.ErrDisconnected, "framed %q: bad error frame: %v", c.name, err)
			} else {
				c.err = errors.Wrapf(channel.ErrDisconnected, "framed %q: %v", c.name, failure)
			}
			return
		default:
			c.err = errors.Wrapf(channel.ErrDisconnected, "framed %q: unexpected message_type=%d", c.name, f.Header.MessageType)
			return
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

// Send encodes v first, so an unrepresentable value fails only this call.
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
	if err := c.write(ctx, schema.MsgData, data); err != nil {
		return errors.Wrapf(channel.ErrDisconnected, "framed %q write: %v", c.name, err)
	}
	return nil
}

func (c *Conn) write(ctx context.Context, messageType uint16, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	_ = c.nc.SetWriteDeadline(deadline)
	return frame.WriteFrame(c.nc, frame.New(messageType, c.seq.Add(1), payload), c.limits)
}

// Close announces the close to the peer, then drops the connection.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		_ = c.write(ctx, schema.MsgClose, nil)
		cancel()
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}
