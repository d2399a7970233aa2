package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/portmux/internal/channel"
	"github.com/danmuck/portmux/internal/observability"
	"github.com/danmuck/portmux/internal/protocol"
	"github.com/danmuck/portmux/internal/protocol/codec"
	"github.com/danmuck/portmux/internal/protocol/translate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
)

// State is the primary channel state of a session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type event interface{}

type attachEvent struct{ ep *Endpoint }

type detachEvent struct{ ep *Endpoint }

type postEvent struct {
	from *Endpoint
	v    any
}

type hostEvent struct {
	gen uint64
	v   any
}

type hostGoneEvent struct {
	gen uint64
	err error
}

type streamDoneEvent struct {
	name   string
	thrown any
}

// Session multiplexes page endpoints over one primary host channel.
type Session struct {
	name string
	host channel.Host
	cfg  Config
	now  func() time.Time
	log  zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	events   *queue[event]
	done     chan struct{}
	stopOnce sync.Once

	state   atomic.Int32
	pending *pendingTable
	streams *streamTable

	// Owned by the loop.
	endpoints     []*Endpoint
	primary       channel.Channel
	primaryCancel context.CancelFunc
	gen           uint64
}

func newSession(name string, host channel.Host, cfg Config, now func() time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		name:    name,
		host:    host,
		cfg:     cfg,
		now:     now,
		log:     log.With().Str("session", name).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		events:  newQueue[event](cfg.EventBuffer),
		done:    make(chan struct{}),
		pending: newPendingTable(),
		streams: newStreamTable(),
	}
}

func (s *Session) Name() string {
	return s.name
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// PendingRequests lists unanswered request ids, sorted.
func (s *Session) PendingRequests() []PendingRequest {
	return s.pending.List()
}

// OpenStreams lists live subchannels, sorted by name.
func (s *Session) OpenStreams() []StreamInfo {
	return s.streams.List()
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("session state")
	}
}

func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.events.close(ErrSessionClosed)
		s.cancel()
	})
	<-s.done
}

func (s *Session) run() {
	defer close(s.done)
	for {
		ev, err := s.events.pop(context.Background())
		if err != nil {
			s.shutdown()
			return
		}
		switch ev := ev.(type) {
		case attachEvent:
			s.attach(ev.ep)
		case detachEvent:
			s.detach(ev.ep)
		case postEvent:
			s.handlePost(ev.from, ev.v)
		case hostEvent:
			s.handleHost(ev.gen, ev.v)
		case hostGoneEvent:
			s.handleHostGone(ev.gen, ev.err)
		case streamDoneEvent:
			s.handleStreamDone(ev)
		}
	}
}

func (s *Session) shutdown() {
	if s.primary != nil {
		s.teardown(observability.CauseVoluntary)
	} else {
		for _, e := range s.streams.RemoveAll() {
			s.closeStream(e)
		}
		s.pending.Clear()
	}
	for _, ep := range s.endpoints {
		ep.mailbox.close(ErrSessionClosed)
	}
	s.endpoints = nil
	s.log.Debug().Msg("session closed")
}

func (s *Session) attach(ep *Endpoint) {
	if ep.mailbox.closedErr() != nil {
		return
	}
	s.endpoints = append(s.endpoints, ep)
	if s.State() == StateIdle {
		s.ensurePrimary()
	}
}

func (s *Session) detach(ep *Endpoint) {
	for i, cur := range s.endpoints {
		if cur == ep {
			s.endpoints = append(s.endpoints[:i], s.endpoints[i+1:]...)
			break
		}
	}
	for _, e := range s.streams.RemoveOwnedBy(ep) {
		s.closeStream(e)
	}
	s.pending.ForgetOwner(ep)
}

func (s *Session) handlePost(from *Endpoint, v any) {
	switch it := protocol.Classify(v, s.pending.Has).(type) {
	case protocol.Disconnect:
		s.disconnect()
	case protocol.RequestMessage:
		s.forward(from, it)
	case protocol.TransportStream:
		s.pushStream(from, it)
	case protocol.StreamInit:
		s.rejectFromPage(from, protocol.Unrecognized{RequestID: it.RequestID, HasID: true, Raw: v})
	case protocol.Unrecognized:
		s.rejectFromPage(from, it)
	}
}

// disconnect closes the primary on page request and echoes Disconnect once
// the close returned. Without a primary it does nothing.
func (s *Session) disconnect() {
	if s.primary == nil {
		return
	}
	s.teardown(observability.CauseVoluntary)
	s.broadcast(protocol.DisconnectSignal)
}

func (s *Session) forward(from *Endpoint, req protocol.RequestMessage) {
	if !s.ensurePrimary() {
		return
	}
	s.pending.Upsert(PendingRequest{RequestID: req.RequestID, SentAt: s.now(), owner: from})
	if thrown := s.send(s.primary, req); thrown != nil {
		s.pending.Remove(req.RequestID)
		s.log.Warn().Str("request_id", req.RequestID).Msgf("forward failed: %v", describe(thrown))
		s.deliverTo(from, translate.ToEnvelope(thrown, translate.WithRequest(req)))
	}
}

// rejectFromPage answers an id-bearing item to its sender only. Without an
// id the channel can no longer be trusted.
func (s *Session) rejectFromPage(from *Endpoint, u protocol.Unrecognized) {
	if u.HasRequestID() {
		s.deliverTo(from, protocol.NewErrorEnvelope("", codes.Unimplemented, protocol.MsgUnsupportedFromClient).ForRequest(u.RequestID))
		return
	}
	s.fatal(protocol.NewErrorEnvelope("", codes.Unknown, protocol.MsgUnknownFromClient))
}

// fatal delivers a channel-scoped envelope, tears the primary down and then
// delivers Disconnect.
func (s *Session) fatal(env protocol.ErrorEnvelope) {
	s.broadcast(env)
	s.teardown(observability.CauseFatal)
	s.broadcast(protocol.DisconnectSignal)
}

func (s *Session) handleHost(gen uint64, v any) {
	if gen != s.gen || s.primary == nil {
		return
	}
	switch it := protocol.ClassifyFromHost(v, s.pending.Has).(type) {
	case protocol.Disconnect:
		s.teardown(observability.CausePeer)
		s.broadcast(protocol.DisconnectSignal)
	case protocol.RequestMessage:
		s.deliverTo(s.answer(it.RequestID), it)
	case protocol.ErrorEnvelope:
		if it.ChannelFatal() {
			s.fatal(it)
			return
		}
		s.deliverTo(s.answer(it.RequestID), it)
	case protocol.StreamInit:
		s.openHostStream(it)
	case protocol.Unrecognized:
		if !it.HasRequestID() {
			s.fatal(protocol.NewErrorEnvelope("", codes.Unknown, protocol.MsgUnknownFromHost))
			return
		}
		owner := s.answer(it.RequestID)
		s.deliverTo(owner, protocol.NewErrorEnvelope("", codes.Unimplemented, protocol.MsgUnsupportedFromHost).ForRequest(it.RequestID))
	}
}

// answer resolves the endpoint owning requestID and clears the id unless a
// stream still carries its response.
func (s *Session) answer(requestID string) *Endpoint {
	p, ok := s.pending.Get(requestID)
	if !ok {
		return nil
	}
	if !p.Streaming {
		s.pending.Remove(requestID)
	}
	return p.owner
}

func (s *Session) handleHostGone(gen uint64, err error) {
	if gen != s.gen || s.primary == nil {
		return
	}
	s.log.Info().Err(err).Msg("primary channel ended by host")
	s.teardown(observability.CausePeer)
	s.broadcast(protocol.DisconnectSignal)
}

// ensurePrimary opens the primary channel when there is none. On failure the
// endpoints get an unavailable envelope then Disconnect; there is no retry.
func (s *Session) ensurePrimary() bool {
	if s.primary != nil {
		return true
	}
	name := protocol.Compose(s.name, protocol.LabelSession)
	s.setState(StateConnecting)
	ch, thrown := s.connect(name)
	observability.RecordChannelOpen(string(protocol.LabelSession), asError(thrown))
	if thrown != nil {
		s.setState(StateDisconnected)
		observability.RecordDisconnect(observability.CauseOpenError)
		s.log.Warn().Str("channel", name).Msgf("open failed: %v", describe(thrown))
		s.broadcast(translate.Unavailable(thrown))
		s.broadcast(protocol.DisconnectSignal)
		return false
	}

	s.gen++
	ctx, cancel := context.WithCancel(s.ctx)
	s.primary = ch
	s.primaryCancel = cancel
	go s.readPrimary(ctx, s.gen, ch)
	s.setState(StateConnected)
	return true
}

func (s *Session) readPrimary(ctx context.Context, gen uint64, ch channel.Channel) {
	for {
		v, err := ch.Recv(ctx)
		if err != nil {
			s.events.push(hostGoneEvent{gen: gen, err: err})
			return
		}
		if !s.events.push(hostEvent{gen: gen, v: v}) {
			return
		}
	}
}

// teardown drops the primary, closes every subchannel and cancels every
// pending request. Late events from the dropped channel are ignored.
func (s *Session) teardown(cause string) {
	if s.primary != nil {
		s.primaryCancel()
		s.closeChannel(s.primary)
		s.primary = nil
		s.primaryCancel = nil
		s.gen++
	}
	for _, e := range s.streams.RemoveAll() {
		s.closeStream(e)
	}
	if n := s.pending.Clear(); n > 0 {
		s.log.Debug().Int("pending", n).Msg("pending requests cancelled by disconnect")
	}
	s.setState(StateDisconnected)
	observability.RecordDisconnect(cause)
}

func (s *Session) broadcast(it protocol.Item) {
	s.record(it)
	for _, ep := range s.endpoints {
		ep.deliver(it)
	}
}

// deliverTo sends it to owner when owner is still attached, otherwise to
// every endpoint.
func (s *Session) deliverTo(owner *Endpoint, it protocol.Item) {
	if owner != nil {
		for _, ep := range s.endpoints {
			if ep == owner {
				s.record(it)
				ep.deliver(it)
				return
			}
		}
	}
	s.broadcast(it)
}

func (s *Session) record(it protocol.Item) {
	if env, ok := it.(protocol.ErrorEnvelope); ok {
		observability.RecordEnvelope(env.Error.Code, env.ChannelFatal())
	}
}

// connect, send and closeChannel recover host panics and report them as
// thrown values.
func (s *Session) connect(name string) (ch channel.Channel, thrown any) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			ch = nil
			thrown = r
		}
	}()
	c, err := s.host.Connect(ctx, name)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Session) listen(name string) (l channel.Listener, thrown any) {
	defer func() {
		if r := recover(); r != nil {
			l = nil
			thrown = r
		}
	}()
	ln, err := s.host.Listen(s.ctx, name)
	if err != nil {
		return nil, err
	}
	return ln, nil
}

func (s *Session) send(ch channel.Channel, v any) (thrown any) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			thrown = r
		}
	}()
	if err := ch.Send(ctx, v); err != nil {
		return err
	}
	return nil
}

func (s *Session) closeChannel(ch channel.Channel) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn().Str("channel", ch.Name()).Msgf("close panicked: %v", describe(r))
		}
	}()
	if err := ch.Close(); err != nil {
		s.log.Debug().Str("channel", ch.Name()).Err(err).Msg("close")
	}
}

func asError(thrown any) error {
	switch v := thrown.(type) {
	case nil:
		return nil
	case error:
		return v
	default:
		return errors.New(describe(v))
	}
}

// describe formats a thrown value for logs without trusting its String.
// Values that contain themselves are reported by type.
func describe(thrown any) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("%T", thrown)
		}
	}()
	if err, ok := thrown.(error); ok {
		return err.Error()
	}
	if codec.Guard(thrown) != nil {
		return fmt.Sprintf("%T", thrown)
	}
	return fmt.Sprintf("%v", thrown)
}
