package server

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/portmux/internal/channel"
	"github.com/danmuck/portmux/internal/protocol"
	"github.com/rs/zerolog/log"
)

// StreamFunc serves one host-announced stream channel after the page
// connects to it.
type StreamFunc func(ctx context.Context, ch channel.Channel)

type parkedListener struct {
	open    channel.OpenFunc
	abandon func()
	timer   *time.Timer
}

type expectedStream struct {
	serve StreamFunc
	timer *time.Timer
}

// Hub pairs the two ends of subchannels on the host side. Page listeners park
// until the responder dials them; host-announced streams wait for the page
// to connect. Both expire after the park timeout.
type Hub struct {
	parkTimeout time.Duration
	primary     func(ctx context.Context, ch channel.Channel)

	mu       sync.Mutex
	parked   map[string]*parkedListener
	expected map[string]*expectedStream
	changed  chan struct{}
}

var _ channel.Handler = (*Hub)(nil)

func NewHub(parkTimeout time.Duration) *Hub {
	return &Hub{
		parkTimeout: parkTimeout,
		parked:      make(map[string]*parkedListener),
		expected:    make(map[string]*expectedStream),
		changed:     make(chan struct{}),
	}
}

// ServePrimary sets the application that owns SESSION channels.
func (h *Hub) ServePrimary(fn func(ctx context.Context, ch channel.Channel)) {
	h.mu.Lock()
	h.primary = fn
	h.mu.Unlock()
}

// ServeChannel dispatches a page-opened channel by its label and returns
// when the channel is done with.
func (h *Hub) ServeChannel(ctx context.Context, ch channel.Channel) {
	name, err := protocol.ParseName(ch.Name())
	if err != nil {
		log.Warn().Str("channel", ch.Name()).Err(err).Msg("rejecting unlabeled channel")
		return
	}
	switch name.Label {
	case protocol.LabelSession:
		h.mu.Lock()
		primary := h.primary
		h.mu.Unlock()
		if primary == nil {
			log.Warn().Str("channel", ch.Name()).Msg("no primary application")
			return
		}
		primary(ctx, ch)
	case protocol.LabelStream:
		serve, ok := h.claim(ch.Name())
		if !ok {
			log.Warn().Str("channel", ch.Name()).Msg("stream channel not announced")
			return
		}
		serve(ctx, ch)
	}
}

// Park registers a page listener. A second listener under the same name is
// refused while the first is parked.
func (h *Hub) Park(name string, open channel.OpenFunc, abandon func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.parked[name]; ok {
		return channel.ErrNameInUse
	}
	p := &parkedListener{open: open, abandon: abandon}
	p.timer = time.AfterFunc(h.parkTimeout, func() {
		h.mu.Lock()
		current, ok := h.parked[name]
		if ok && current == p {
			delete(h.parked, name)
		}
		h.mu.Unlock()
		if ok && current == p {
			log.Debug().Str("channel", name).Msg("parked listener expired")
			p.abandon()
		}
	})
	h.parked[name] = p
	close(h.changed)
	h.changed = make(chan struct{})
	return nil
}

// Dial attaches to the page listener parked under name, waiting for it to
// park if necessary.
func (h *Hub) Dial(ctx context.Context, name string) (channel.Channel, error) {
	for {
		h.mu.Lock()
		p, ok := h.parked[name]
		if ok {
			delete(h.parked, name)
			p.timer.Stop()
			h.mu.Unlock()
			return p.open(ctx)
		}
		changed := h.changed
		h.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Expect registers serve for a stream channel the host is about to announce.
func (h *Hub) Expect(name string, serve StreamFunc) {
	e := &expectedStream{serve: serve}
	e.timer = time.AfterFunc(h.parkTimeout, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.expected[name] == e {
			delete(h.expected, name)
			log.Debug().Str("channel", name).Msg("announced stream never connected")
		}
	})
	h.mu.Lock()
	h.expected[name] = e
	h.mu.Unlock()
}

func (h *Hub) claim(name string) (StreamFunc, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.expected[name]
	if !ok {
		return nil, false
	}
	delete(h.expected, name)
	e.timer.Stop()
	return e.serve, true
}

// Parked lists the names of listeners waiting for a host peer.
func (h *Hub) Parked() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.parked))
	for name := range h.parked {
		out = append(out, name)
	}
	return out
}

// Close abandons every parked listener and forgets announced streams.
func (h *Hub) Close() {
	h.mu.Lock()
	parked := h.parked
	h.parked = make(map[string]*parkedListener)
	for _, e := range h.expected {
		e.timer.Stop()
	}
	h.expected = make(map[string]*expectedStream)
	h.mu.Unlock()

	for _, p := range parked {
		p.timer.Stop()
		p.abandon()
	}
}
