package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/portmux/internal/channel"
	"github.com/danmuck/portmux/internal/config"
	"github.com/danmuck/portmux/internal/protocol"
	"github.com/danmuck/portmux/internal/protocol/translate"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
)

// Responder is the host application behind every SESSION channel. It
// echoes requests, answers {stream: n} with a subchannel of n chunks and
// drains page-pushed streams, replying with the item count. Streams longer
// than maxItems are refused with invalid_argument.
type Responder struct {
	hub         *Hub
	sendTimeout time.Duration
	dialTimeout time.Duration
	maxItems    uint64
}

func NewResponder(hub *Hub, sendTimeout, dialTimeout time.Duration, maxItems int) *Responder {
	if maxItems <= 0 {
		maxItems = config.DefaultMaxStreamItems
	}
	r := &Responder{hub: hub, sendTimeout: sendTimeout, dialTimeout: dialTimeout, maxItems: uint64(maxItems)}
	hub.ServePrimary(r.ServePrimary)
	return r
}

// ServePrimary runs until the page disconnects or the channel fails.
func (r *Responder) ServePrimary(ctx context.Context, ch channel.Channel) {
	name, err := protocol.ParseName(ch.Name())
	if err != nil {
		return
	}
	logger := log.With().Str("session", name.Session).Logger()
	logger.Debug().Msg("primary channel opened")
	defer logger.Debug().Msg("primary channel closed")

	// Every id the page announces is treated as pending on this side.
	classifier := protocol.Classifier{Pending: func(string) bool { return true }}
	for {
		raw, err := ch.Recv(ctx)
		if err != nil {
			return
		}
		switch it := classifier.Classify(raw).(type) {
		case protocol.Disconnect:
			return
		case protocol.RequestMessage:
			r.answer(ctx, ch, name.Session, it)
		case protocol.StreamInit:
			go r.drain(ctx, ch, it)
		case protocol.Unrecognized:
			if it.HasRequestID() {
				r.send(ctx, ch, protocol.NewErrorEnvelope("", codes.Unimplemented, protocol.MsgUnsupportedFromClient).ForRequest(it.RequestID))
				continue
			}
			logger.Warn().Str("raw", fmt.Sprintf("%v", it.Raw)).Msg("unknown item from page")
			r.send(ctx, ch, protocol.NewErrorEnvelope("", codes.Unknown, protocol.MsgUnknownFromClient))
			r.send(ctx, ch, false)
			return
		}
	}
}

func (r *Responder) answer(ctx context.Context, ch channel.Channel, session string, req protocol.RequestMessage) {
	n, ok := streamCount(req.Message)
	if !ok {
		r.send(ctx, ch, req)
		return
	}
	if n > r.maxItems {
		r.send(ctx, ch, protocol.NewErrorEnvelope(req.RequestID, codes.InvalidArgument,
			fmt.Sprintf("stream of %d items exceeds limit of %d", n, r.maxItems)))
		return
	}
	name := protocol.NewStreamName(session)
	r.hub.Expect(name, func(ctx context.Context, sub channel.Channel) {
		r.serveChunks(ctx, sub, n)
	})
	r.send(ctx, ch, protocol.StreamInit{Channel: name, RequestID: req.RequestID})
}

func (r *Responder) serveChunks(ctx context.Context, sub channel.Channel, n uint64) {
	for i := uint64(1); i <= n; i++ {
		if !r.send(ctx, sub, protocol.ChunkValue(i)) {
			return
		}
	}
	if !r.send(ctx, sub, protocol.ChunkDone()) {
		return
	}
	// The page closes its end once it has read the terminal chunk.
	_, _ = sub.Recv(ctx)
}

func (r *Responder) drain(ctx context.Context, primary channel.Channel, init protocol.StreamInit) {
	dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	sub, err := r.hub.Dial(dialCtx, init.Channel)
	cancel()
	if err != nil {
		r.send(ctx, primary, translate.ToEnvelope(err, translate.WithRequestID(init.RequestID), translate.Forced(codes.Unavailable)))
		return
	}
	defer sub.Close()

	count := 0
	for {
		raw, err := sub.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.send(ctx, primary, translate.ToEnvelope(err, translate.WithRequestID(init.RequestID)))
			return
		}
		_, done, ok := protocol.ParseChunk(raw)
		if !ok {
			r.send(ctx, primary, protocol.NewErrorEnvelope(init.RequestID, codes.Unimplemented, protocol.MsgUnsupportedFromClient))
			return
		}
		if done {
			r.send(ctx, primary, protocol.RequestMessage{RequestID: init.RequestID, Message: count})
			return
		}
		count++
	}
}

func (r *Responder) send(ctx context.Context, ch channel.Channel, v any) bool {
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	if err := ch.Send(sendCtx, v); err != nil {
		log.Debug().Str("channel", ch.Name()).Err(err).Msg("responder send failed")
		return false
	}
	return true
}

// streamCount reads {stream: n} request payloads. Negative counts are not
// stream requests.
func streamCount(msg any) (uint64, bool) {
	obj, ok := msg.(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := obj["stream"].(type) {
	case uint64:
		return v, true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}
