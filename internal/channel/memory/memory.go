// Package memory is an in-process host platform. Payloads cross between the
// two ends of a pair through the transmission codec, so anything that could
// not cross a real host channel fails here too.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/portmux/internal/channel"
	"github.com/danmuck/portmux/internal/protocol/codec"
	"github.com/rs/zerolog/log"
)

var ErrNoListener = errors.New("memory: no listener for channel")

// Pair is the two ends of one connected channel.
type Pair struct {
	Page *Port
	Host *Port
}

// Host implements channel.Host in memory and also exposes the host side:
// OnConnect handlers receive the host end of every page-initiated connect,
// and Dial connects toward a page-side listener.
type Host struct {
	mu          sync.Mutex
	onConnect   []func(*Port)
	connectHook func(name string) error
	listeners   map[string]*listener
	pairs       []Pair
}

func New() *Host {
	return &Host{
		listeners: make(map[string]*listener),
	}
}

// OnConnect registers a host-side handler. Handlers run synchronously inside
// Connect, in registration order, before Connect returns.
func (h *Host) OnConnect(fn func(*Port)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, fn)
}

// FailConnect installs a hook consulted before every connect. A non-nil error
// fails the connect. Passing nil removes the hook.
func (h *Host) FailConnect(fn func(name string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectHook = fn
}

func (h *Host) Connect(ctx context.Context, name string) (channel.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	hook := h.connectHook
	h.mu.Unlock()
	if hook != nil {
		if err := hook(name); err != nil {
			log.Debug().Str("channel", name).Err(err).Msg("memory connect refused")
			return nil, err
		}
	}

	page, hostEnd := newPair(name)
	h.mu.Lock()
	h.pairs = append(h.pairs, Pair{Page: page, Host: hostEnd})
	handlers := append([]func(*Port){}, h.onConnect...)
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(hostEnd)
	}
	return page, nil
}

func (h *Host) Listen(ctx context.Context, name string) (channel.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[name]; ok {
		return nil, fmt.Errorf("%w: %q", channel.ErrNameInUse, name)
	}
	l := &listener{
		name:   name,
		host:   h,
		queue:  make(chan *Port, 8),
		closed: make(chan struct{}),
	}
	h.listeners[name] = l
	return l, nil
}

// Dial connects from the host side toward a page listener and returns the
// host end.
func (h *Host) Dial(ctx context.Context, name string) (*Port, error) {
	h.mu.Lock()
	l, ok := h.listeners[name]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoListener, name)
	}
	hostEnd, page := newPair(name)
	select {
	case l.queue <- page:
		return hostEnd, nil
	case <-l.closed:
		return nil, channel.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pairs returns every pair created by Connect, oldest first.
func (h *Host) Pairs() []Pair {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Pair(nil), h.pairs...)
}

// LastPair returns the most recent Connect pair.
func (h *Host) LastPair() (Pair, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pairs) == 0 {
		return Pair{}, false
	}
	return h.pairs[len(h.pairs)-1], true
}

// Connects returns the names of every successful Connect, oldest first.
func (h *Host) Connects() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.pairs))
	for _, p := range h.pairs {
		out = append(out, p.Page.name)
	}
	return out
}

// Listening returns the names with an open listener, sorted.
func (h *Host) Listening() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.listeners))
	for name := range h.listeners {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type listener struct {
	name   string
	host   *Host
	queue  chan *Port
	closed chan struct{}
	once   sync.Once
}

func (l *listener) Name() string {
	return l.name
}

func (l *listener) Accept(ctx context.Context) (channel.Channel, error) {
	select {
	case p := <-l.queue:
		return p, nil
	case <-l.closed:
		return nil, channel.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Close() error {
	l.once.Do(func() {
		l.host.mu.Lock()
		if l.host.listeners[l.name] == l {
			delete(l.host.listeners, l.name)
		}
		l.host.mu.Unlock()
		close(l.closed)
	})
	return nil
}

// Port is one end of an in-memory channel.
type Port struct {
	name   string
	peer   *Port
	notify chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	inbox    []any
	sent     []any
	sendHook func(v any) error
	closes   int
	isDone   bool
}

func newPair(name string) (*Port, *Port) {
	a := newPort(name)
	b := newPort(name)
	a.peer = b
	b.peer = a
	return a, b
}

func newPort(name string) *Port {
	return &Port{
		name:   name,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (p *Port) Name() string {
	return p.name
}

// FailNextSend runs fn on the next Send instead of transmitting when fn
// returns an error. fn may also panic, which propagates to the sender.
func (p *Port) FailNextSend(fn func(v any) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendHook = fn
}

func (p *Port) Send(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.isDone {
		p.mu.Unlock()
		return channel.ErrDisconnected
	}
	hook := p.sendHook
	p.sendHook = nil
	p.mu.Unlock()

	if hook != nil {
		if err := hook(v); err != nil {
			return err
		}
	}
	cloned, err := codec.Clone(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sent = append(p.sent, v)
	p.mu.Unlock()
	return p.peer.deliver(cloned)
}

func (p *Port) deliver(v any) error {
	p.mu.Lock()
	if p.isDone {
		p.mu.Unlock()
		return channel.ErrDisconnected
	}
	p.inbox = append(p.inbox, v)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Recv drains queued payloads before reporting a disconnect.
func (p *Port) Recv(ctx context.Context) (any, error) {
	for {
		p.mu.Lock()
		if len(p.inbox) > 0 {
			v := p.inbox[0]
			p.inbox[0] = nil
			p.inbox = p.inbox[1:]
			p.mu.Unlock()
			return v, nil
		}
		if p.isDone {
			p.mu.Unlock()
			return nil, channel.ErrDisconnected
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-p.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close disconnects both ends. Only the first call has an effect; every call
// is counted.
func (p *Port) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	p.markDone()
	p.peer.markDone()
	return nil
}

// Disconnect ends the channel from this side, as a peer going away would.
func (p *Port) Disconnect() {
	_ = p.Close()
}

func (p *Port) markDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isDone {
		return
	}
	p.isDone = true
	close(p.done)
}

// Done is closed once the channel is disconnected.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

// Sent returns payloads this end transmitted, as passed to Send.
func (p *Port) Sent() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.sent...)
}

// Closes counts Close calls made on this end.
func (p *Port) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}
