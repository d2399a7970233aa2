package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/portmux/internal/channel"
	"github.com/danmuck/portmux/internal/observability"
	"github.com/danmuck/portmux/internal/protocol"
	"github.com/danmuck/portmux/internal/protocol/translate"
	"google.golang.org/grpc/codes"
)

// Stream directions.
const (
	DirectionFromHost = "from_host"
	DirectionFromPage = "from_page"
)

// StreamInfo describes one live subchannel.
type StreamInfo struct {
	Name      string
	RequestID string
	Direction string
	OpenedAt  time.Time
}

type streamEntry struct {
	StreamInfo
	owner  *Endpoint
	cancel context.CancelFunc
	closer io.Closer
}

// streamTable holds live subchannels by channel name. Only the session loop
// adds and removes entries.
type streamTable struct {
	mu    sync.RWMutex
	items map[string]*streamEntry
}

func newStreamTable() *streamTable {
	return &streamTable{
		items: make(map[string]*streamEntry),
	}
}

func (t *streamTable) Add(e *streamEntry) (replaced *streamEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	replaced = t.items[e.Name]
	t.items[e.Name] = e
	return replaced
}

func (t *streamTable) Remove(name string) (*streamEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.items[name]
	if ok {
		delete(t.items, name)
	}
	return e, ok
}

func (t *streamTable) RemoveOwnedBy(owner *Endpoint) []*streamEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*streamEntry
	for name, e := range t.items {
		if e.owner == owner {
			out = append(out, e)
			delete(t.items, name)
		}
	}
	return out
}

func (t *streamTable) RemoveAll() []*streamEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*streamEntry, 0, len(t.items))
	for _, e := range t.items {
		out = append(out, e)
	}
	t.items = make(map[string]*streamEntry)
	return out
}

func (t *streamTable) List() []StreamInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]StreamInfo, 0, len(t.items))
	for _, e := range t.items {
		out = append(out, e.StreamInfo)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Session) closeStream(e *streamEntry) {
	e.cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn().Str("channel", e.Name).Msgf("stream close panicked: %v", r)
		}
	}()
	if err := e.closer.Close(); err != nil {
		s.log.Debug().Str("channel", e.Name).Err(err).Msg("stream close")
	}
	observability.RecordStream(e.Direction, s.now().Sub(e.OpenedAt))
}

// openHostStream answers a host StreamInit by connecting to exactly the
// announced name and handing the subchannel to the request's endpoint.
func (s *Session) openHostStream(init protocol.StreamInit) {
	p, _ := s.pending.Get(init.RequestID)
	ch, thrown := s.connect(init.Channel)
	observability.RecordChannelOpen(string(protocol.LabelStream), asError(thrown))
	if thrown != nil {
		s.pending.Remove(init.RequestID)
		s.log.Warn().Str("channel", init.Channel).Msgf("stream open failed: %v", describe(thrown))
		s.deliverTo(p.owner, translate.ToEnvelope(thrown,
			translate.WithRequestID(init.RequestID),
			translate.Forced(codes.Unavailable),
		))
		return
	}
	s.pending.MarkStreaming(init.RequestID)

	name := init.Channel
	hs := &hostStream{
		ch: ch,
		end: func() {
			s.events.push(streamDoneEvent{name: name})
		},
	}
	if old := s.streams.Add(&streamEntry{
		StreamInfo: StreamInfo{
			Name:      name,
			RequestID: init.RequestID,
			Direction: DirectionFromHost,
			OpenedAt:  s.now(),
		},
		owner:  p.owner,
		cancel: func() {},
		closer: hs,
	}); old != nil {
		s.closeStream(old)
	}
	s.deliverTo(p.owner, protocol.StreamInit{
		Channel:   init.Channel,
		RequestID: init.RequestID,
		Stream:    hs,
	})
}

// pushStream moves a page producer onto its own subchannel: listen, announce
// the name on the primary before anything else for the request, then pump
// once the host connects.
func (s *Session) pushStream(from *Endpoint, ts protocol.TransportStream) {
	if !s.ensurePrimary() {
		return
	}
	name := protocol.NewStreamName(s.name)
	l, thrown := s.listen(name)
	observability.RecordChannelOpen(string(protocol.LabelStream), asError(thrown))
	if thrown != nil {
		s.deliverTo(from, translate.ToEnvelope(thrown,
			translate.WithRequestID(ts.RequestID),
			translate.Forced(codes.Unavailable),
		))
		return
	}

	s.pending.Upsert(PendingRequest{RequestID: ts.RequestID, SentAt: s.now(), owner: from})
	announce := protocol.StreamInit{Channel: name, RequestID: ts.RequestID}
	if thrown := s.send(s.primary, announce); thrown != nil {
		_ = l.Close()
		s.pending.Remove(ts.RequestID)
		s.deliverTo(from, translate.ToEnvelope(thrown, translate.WithRequestID(ts.RequestID)))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.streams.Add(&streamEntry{
		StreamInfo: StreamInfo{
			Name:      name,
			RequestID: ts.RequestID,
			Direction: DirectionFromPage,
			OpenedAt:  s.now(),
		},
		owner:  from,
		cancel: cancel,
		closer: l,
	})
	go func() {
		thrown := s.pumpPageStream(ctx, l, ts.Stream)
		s.events.push(streamDoneEvent{name: name, thrown: thrown})
	}()
}

func (s *Session) pumpPageStream(ctx context.Context, l channel.Listener, producer protocol.Producer) (thrown any) {
	defer func() {
		if r := recover(); r != nil {
			thrown = r
		}
	}()
	acceptCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamAcceptTimeout)
	ch, err := l.Accept(acceptCtx)
	cancel()
	_ = l.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("session: accept %q: %w", l.Name(), err)
	}
	defer ch.Close()
	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	for {
		v, err := producer.Next(ctx)
		if errors.Is(err, io.EOF) {
			if err := ch.Send(ctx, protocol.ChunkDone()); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := ch.Send(ctx, protocol.ChunkValue(v)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Session) handleStreamDone(ev streamDoneEvent) {
	e, ok := s.streams.Remove(ev.name)
	if !ok {
		return
	}
	s.closeStream(e)
	switch e.Direction {
	case DirectionFromHost:
		s.pending.Remove(e.RequestID)
	case DirectionFromPage:
		// The host answers a drained stream on the primary; only a failed
		// pump answers here.
		if ev.thrown != nil {
			s.pending.Remove(e.RequestID)
			s.log.Warn().Str("channel", e.Name).Msgf("page stream failed: %v", describe(ev.thrown))
			s.deliverTo(e.owner, translate.ToEnvelope(ev.thrown, translate.WithRequestID(e.RequestID)))
		}
	}
}

// hostStream is the page handle of a host-opened subchannel. Chunks are
// unwrapped; the terminal chunk ends the stream with io.EOF.
type hostStream struct {
	ch    channel.Channel
	end   func()
	ended atomic.Bool
	once  sync.Once
}

func (h *hostStream) Name() string {
	return h.ch.Name()
}

func (h *hostStream) Recv(ctx context.Context) (any, error) {
	if h.ended.Load() {
		return nil, io.EOF
	}
	raw, err := h.ch.Recv(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h.finish()
		return nil, err
	}
	v, done, ok := protocol.ParseChunk(raw)
	if !ok {
		return raw, nil
	}
	if done {
		h.ended.Store(true)
		h.finish()
		_ = h.ch.Close()
		return nil, io.EOF
	}
	return v, nil
}

func (h *hostStream) Send(ctx context.Context, v any) error {
	return h.ch.Send(ctx, v)
}

func (h *hostStream) Close() error {
	h.finish()
	return h.ch.Close()
}

func (h *hostStream) finish() {
	h.once.Do(h.end)
}
