package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/danmuck/portmux/internal/channel"
	gws "github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var ErrUnexpectedSignal = errors.New("websocket: unexpected accept signal")

type Option func(*Host)

func WithDialer(d *gws.Dialer) Option {
	return func(h *Host) {
		if d != nil {
			h.dialer = d
		}
	}
}

func WithHeader(header http.Header) Option {
	return func(h *Host) {
		h.header = header.Clone()
	}
}

// Host dials channels on a portmux server.
type Host struct {
	base   *url.URL
	dialer *gws.Dialer
	header http.Header
}

// New accepts http(s) or ws(s) base URLs.
func New(baseURL string, opts ...Option) (*Host, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("websocket: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	h := &Host{
		base:   u,
		dialer: gws.DefaultDialer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Host) endpoint(path, name string) string {
	u := *h.base
	u.Path += path
	u.RawQuery = url.Values{"name": []string{name}}.Encode()
	return u.String()
}

func (h *Host) dial(ctx context.Context, path, name string) (*gws.Conn, error) {
	ws, resp, err := h.dialer.DialContext(ctx, h.endpoint(path, name), h.header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s %q (status %d)", path, name, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s %q", path, name)
	}
	return ws, nil
}

func (h *Host) Connect(ctx context.Context, name string) (channel.Channel, error) {
	ws, err := h.dial(ctx, PathChannel, name)
	if err != nil {
		return nil, err
	}
	return NewConn(name, ws), nil
}

// Listen parks a connection on the server under name. The server answers a
// host peer attaching with OpenSignal.
func (h *Host) Listen(ctx context.Context, name string) (channel.Listener, error) {
	ws, err := h.dial(ctx, PathAccept, name)
	if err != nil {
		return nil, err
	}
	return &listener{name: name, ws: ws}, nil
}

type listener struct {
	name string
	ws   *gws.Conn

	mu       sync.Mutex
	used     bool
	handed   bool
	isClosed bool
}

func (l *listener) Name() string {
	return l.name
}

// Accept yields the single channel of this listener.
func (l *listener) Accept(ctx context.Context) (channel.Channel, error) {
	l.mu.Lock()
	if l.used || l.isClosed {
		l.mu.Unlock()
		return nil, channel.ErrListenerClosed
	}
	l.used = true
	l.mu.Unlock()

	type result struct {
		mt   int
		data []byte
		err  error
	}
	got := make(chan result, 1)
	go func() {
		mt, data, err := l.ws.ReadMessage()
		got <- result{mt: mt, data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = l.ws.Close()
		return nil, ctx.Err()
	case r := <-got:
		if r.err != nil {
			_ = l.ws.Close()
			return nil, errors.Wrapf(channel.ErrListenerClosed, "websocket %q: %v", l.name, r.err)
		}
		if r.mt != gws.TextMessage || string(r.data) != OpenSignal {
			_ = l.ws.Close()
			return nil, fmt.Errorf("%w: %q", ErrUnexpectedSignal, r.data)
		}
		l.mu.Lock()
		l.handed = true
		l.mu.Unlock()
		return NewConn(l.name, l.ws), nil
	}
}

// Close releases the parked connection unless Accept already handed it out.
func (l *listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isClosed {
		return nil
	}
	l.isClosed = true
	if l.handed {
		return nil
	}
	return l.ws.Close()
}
