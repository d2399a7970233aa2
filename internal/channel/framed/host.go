package framed

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/portmux/internal/channel"
	"github.com/danmuck/portmux/internal/protocol/frame"
	"github.com/danmuck/portmux/internal/protocol/schema"
	"github.com/pkg/errors"
)

var (
	ErrHandshake = errors.New("framed: handshake failed")
	ErrRejected  = errors.New("framed: open rejected")
)

const DefaultHandshakeTimeout = 5 * time.Second

type Option func(*options)

type options struct {
	tls              *tls.Config
	limits           frame.Limits
	handshakeTimeout time.Duration
}

func defaultOptions() options {
	return options{
		limits:           frame.DefaultLimits(),
		handshakeTimeout: DefaultHandshakeTimeout,
	}
}

// WithTLS enables TLS. A nil config leaves the connection in plain TCP.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) { o.tls = cfg }
}

func WithLimits(limits frame.Limits) Option {
	return func(o *options) { o.limits = limits }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// Host reaches a framed server at one address.
type Host struct {
	addr string
	opts options
}

func New(addr string, opts ...Option) (*Host, error) {
	addr = strings.TrimSpace(addr)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, errors.Wrapf(err, "framed: address %q", addr)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Host{addr: addr, opts: o}, nil
}

func (h *Host) Addr() string {
	return h.addr
}

func (h *Host) Connect(ctx context.Context, name string) (channel.Channel, error) {
	nc, r, err := h.open(ctx, name, schema.RoleConnect)
	if err != nil {
		return nil, err
	}
	return newConn(name, nc, r, h.opts.limits), nil
}

func (h *Host) Listen(ctx context.Context, name string) (channel.Listener, error) {
	nc, r, err := h.open(ctx, name, schema.RoleAccept)
	if err != nil {
		return nil, err
	}
	return &listener{name: name, nc: nc, r: r, limits: h.opts.limits}, nil
}

func (h *Host) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{}
	if h.opts.tls != nil {
		td := &tls.Dialer{NetDialer: d, Config: h.opts.tls}
		return td.DialContext(ctx, "tcp", h.addr)
	}
	return d.DialContext(ctx, "tcp", h.addr)
}

func (h *Host) open(ctx context.Context, name string, role uint8) (net.Conn, *bufio.Reader, error) {
	nc, err := h.dial(ctx)
	if err != nil {
		return nil, nil, errors.Wrapf(channel.ErrHostUnavailable, "framed dial %s: %v", h.addr, err)
	}
	deadline := time.Now().Add(h.opts.handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = nc.SetDeadline(deadline)

	open := schema.Open{Channel: name, Role: role}
	if err := frame.WriteFrame(nc, frame.New(schema.MsgOpen, 1, open.Encode()), h.opts.limits); err != nil {
		_ = nc.Close()
		return nil, nil, errors.Wrapf(ErrHandshake, "write open: %v", err)
	}
	r := bufio.NewReader(nc)
	reply, err := frame.ReadFrame(r, h.opts.limits)
	if err != nil {
		_ = nc.Close()
		return nil, nil, errors.Wrapf(ErrHandshake, "read open ack: %v", err)
	}
	switch reply.Header.MessageType {
	case schema.MsgOpenAck:
		got, err := schema.DecodeChannel(schema.MsgOpenAck, reply.Payload)
		if err != nil || got != name {
			_ = nc.Close()
			return nil, nil, errors.Wrapf(ErrHandshake, "open ack channel=%q want %q", got, name)
		}
	case schema.MsgError:
		_ = nc.Close()
		failure, err := schema.DecodeFailure(reply.Payload)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrHandshake, "bad error frame: %v", err)
		}
		return nil, nil, errors.Wrapf(ErrRejected, "%s", failure)
	default:
		_ = nc.Close()
		return nil, nil, errors.Wrapf(ErrHandshake, "unexpected message_type=%d", reply.Header.MessageType)
	}
	_ = nc.SetDeadline(time.Time{})
	return nc, r, nil
}

// listener is a parked connection waiting for the server to attach a peer.
type listener struct {
	name   string
	nc     net.Conn
	r      *bufio.Reader
	limits frame.Limits

	mu     sync.Mutex
	used   bool
	closed bool
}

func (l *listener) Name() string {
	return l.name
}

func (l *listener) Accept(ctx context.Context) (channel.Channel, error) {
	l.mu.Lock()
	if l.used || l.closed {
		l.mu.Unlock()
		return nil, channel.ErrListenerClosed
	}
	l.used = true
	l.mu.Unlock()

	type result struct {
		f   frame.Frame
		err error
	}
	got := make(chan result, 1)
	go func() {
		f, err := frame.ReadFrame(l.r, l.limits)
		got <- result{f: f, err: err}
	}()

	select {
	case res := <-got:
		if res.err != nil {
			_ = l.nc.Close()
			return nil, errors.Wrapf(channel.ErrListenerClosed, "framed %q: %v", l.name, res.err)
		}
		if res.f.Header.MessageType == schema.MsgError {
			_ = l.nc.Close()
			failure, err := schema.DecodeFailure(res.f.Payload)
			if err != nil {
				return nil, errors.Wrapf(ErrHandshake, "bad error frame: %v", err)
			}
			return nil, errors.Wrapf(ErrRejected, "%s", failure)
		}
		if res.f.Header.MessageType != schema.MsgAttach {
			_ = l.nc.Close()
			return nil, errors.Wrapf(ErrHandshake, "expected attach, got message_type=%d", res.f.Header.MessageType)
		}
		if _, err := schema.DecodeChannel(schema.MsgAttach, res.f.Payload); err != nil {
			_ = l.nc.Close()
			return nil, errors.Wrap(ErrHandshake, err.Error())
		}
		return newConn(l.name, l.nc, l.r, l.limits), nil
	case <-ctx.Done():
		_ = l.nc.Close()
		<-got
		return nil, ctx.Err()
	}
}

// Close releases the parked connection unless Accept already handed it out.
func (l *listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.used {
		return nil
	}
	return l.nc.Close()
}
