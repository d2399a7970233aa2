package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/portmux/internal/channel"
	"github.com/danmuck/portmux/internal/channel/memory"
	"github.com/danmuck/portmux/internal/protocol"
	"github.com/danmuck/portmux/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const testSession = "demo"

var testRequest = protocol.RequestMessage{RequestID: "123", Message: "normal message"}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.SendTimeout = time.Second
	cfg.StreamAcceptTimeout = 2 * time.Second
	return cfg
}

func newTestRegistry(t *testing.T, host channel.Host) *Registry {
	t.Helper()
	reg := NewRegistry(host, testConfig())
	t.Cleanup(reg.CloseAll)
	return reg
}

func mustEndpoint(t *testing.T, reg *Registry) *Endpoint {
	t.Helper()
	ep, err := reg.Endpoint(testSession)
	require.NoError(t, err)
	return ep
}

func recvItem(t *testing.T, ep *Endpoint) protocol.Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	it, err := ep.Recv(ctx)
	require.NoError(t, err)
	return it
}

func recvEnvelope(t *testing.T, ep *Endpoint) protocol.ErrorEnvelope {
	t.Helper()
	it := recvItem(t, ep)
	env, ok := it.(protocol.ErrorEnvelope)
	require.Truef(t, ok, "expected ErrorEnvelope, got %T: %v", it, it)
	return env
}

func expectDisconnect(t *testing.T, ep *Endpoint) {
	t.Helper()
	it := recvItem(t, ep)
	require.Equalf(t, protocol.DisconnectSignal, it, "expected Disconnect, got %T: %v", it, it)
}

func expectQuiet(t *testing.T, ep *Endpoint) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	it, err := ep.Recv(ctx)
	require.ErrorIsf(t, err, context.DeadlineExceeded, "unexpected item %T: %v", it, it)
}

func waitState(t *testing.T, reg *Registry, want State) *Session {
	t.Helper()
	s, ok := reg.Session(testSession)
	require.True(t, ok)
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond)
	return s
}

func echo(p *memory.Port) {
	ctx := context.Background()
	for {
		v, err := p.Recv(ctx)
		if err != nil {
			return
		}
		if err := p.Send(ctx, v); err != nil {
			return
		}
	}
}

func echoHost() *memory.Host {
	h := memory.New()
	h.OnConnect(func(p *memory.Port) { go echo(p) })
	return h
}

// streamingHost echoes requests, answers {message: "stream"} by moving the
// response onto a subchannel of n chunks, and drains page-pushed streams,
// replying with the item count.
func streamingHost(n int) *memory.Host {
	h := memory.New()
	h.OnConnect(func(p *memory.Port) {
		name, err := protocol.ParseName(p.Name())
		if err != nil {
			return
		}
		if name.Label == protocol.LabelStream {
			go serveChunks(p, n)
			return
		}
		go func() {
			ctx := context.Background()
			for {
				raw, err := p.Recv(ctx)
				if err != nil {
					return
				}
				obj, _ := raw.(map[string]any)
				id, _ := obj["requestId"].(string)
				if ch, ok := obj["channel"].(string); ok {
					go drain(h, p, ch, id)
					continue
				}
				if obj["message"] == "stream" {
					_ = p.Send(ctx, protocol.StreamInit{
						Channel:   protocol.ComposeStream(name.Session, "tok-"+id),
						RequestID: id,
					})
					continue
				}
				_ = p.Send(ctx, raw)
			}
		}()
	})
	return h
}

func serveChunks(p *memory.Port, n int) {
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		if err := p.Send(ctx, protocol.ChunkValue(i)); err != nil {
			return
		}
	}
	if n >= 0 {
		_ = p.Send(ctx, protocol.ChunkDone())
	}
}

func drain(h *memory.Host, primary *memory.Port, name, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := h.Dial(ctx, name)
	if err != nil {
		return
	}
	defer sub.Close()
	count := 0
	for {
		raw, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		_, done, ok := protocol.ParseChunk(raw)
		if !ok {
			return
		}
		if done {
			_ = primary.Send(ctx, protocol.RequestMessage{RequestID: requestID, Message: count})
			return
		}
		count++
	}
}

type sliceProducer struct {
	items []any
	err   error
	next  int
}

func (p *sliceProducer) Next(context.Context) (any, error) {
	if p.next >= len(p.items) {
		if p.err != nil {
			return nil, p.err
		}
		return nil, io.EOF
	}
	v := p.items[p.next]
	p.next++
	return v, nil
}

func TestEchoRoundTrip(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)

	require.NoError(t, ep.Post(map[string]any{"requestId": "123", "message": "hello"}))
	it := recvItem(t, ep)
	assert.Equal(t, protocol.RequestMessage{RequestID: "123", Message: "hello"}, it)

	s := waitState(t, reg, StateConnected)
	assert.Empty(t, s.PendingRequests())
	assert.Equal(t, []string{"demo SESSION"}, host.Connects())
}

func TestEachEndpointCallReturnsNewEndpoint(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	first := mustEndpoint(t, reg)
	second := mustEndpoint(t, reg)
	require.NotSame(t, first, second)

	require.NoError(t, second.Post(testRequest))
	assert.Equal(t, testRequest, recvItem(t, second))
	expectQuiet(t, first)
	assert.Len(t, host.Connects(), 1)
	assert.Equal(t, []string{testSession}, reg.Names())
}

func TestInvalidSessionName(t *testing.T) {
	testlog.Start(t)
	reg := newTestRegistry(t, echoHost())
	_, err := reg.Endpoint("  ")
	require.ErrorIs(t, err, ErrInvalidSessionName)
}

func TestMalformedItemsYieldUnknownThenDisconnect(t *testing.T) {
	cases := map[string]any{
		"string":          "just a string",
		"number":          42,
		"nil":             nil,
		"true":            true,
		"object":          map[string]any{"foo": "bar"},
		"list":            []any{"a"},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			testlog.Start(t)
			host := echoHost()
			reg := newTestRegistry(t, host)
			ep := mustEndpoint(t, reg)
			s := waitState(t, reg, StateConnected)

			require.NoError(t, ep.Post(raw))
			env := recvEnvelope(t, ep)
			assert.Equal(t, "unknown", env.Error.Code)
			assert.Equal(t, protocol.MsgUnknownFromClient, env.Error.Message)
			assert.True(t, env.ChannelFatal())
			expectDisconnect(t, ep)
			expectQuiet(t, ep)

			assert.Equal(t, StateDisconnected, s.State())
			pair, ok := host.LastPair()
			require.True(t, ok)
			select {
			case <-pair.Host.Done():
			case <-time.After(time.Second):
				t.Fatalf("primary not closed")
			}
		})
	}
}

func TestUnknownShapeWithRequestIDKeepsChannel(t *testing.T) {
	cases := []struct {
		name   string
		raw    map[string]any
		wantID string
	}{
		{name: "string id", raw: map[string]any{"requestId": "abc", "foo": "bar"}, wantID: "abc"},
		{name: "empty id", raw: map[string]any{"requestId": "", "message": "x"}, wantID: ""},
		{name: "null id", raw: map[string]any{"requestId": nil, "x": 1}, wantID: ""},
		{name: "bool id", raw: map[string]any{"requestId": true, "x": 1}, wantID: "true"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			testlog.Start(t)
			host := echoHost()
			reg := newTestRegistry(t, host)
			ep := mustEndpoint(t, reg)

			require.NoError(t, ep.Post(tc.raw))
			env := recvEnvelope(t, ep)
			assert.Equal(t, tc.wantID, env.RequestID)
			assert.False(t, env.ChannelFatal())
			assert.Equal(t, "unimplemented", env.Error.Code)
			assert.Equal(t, protocol.MsgUnsupportedFromClient, env.Error.Message)

			require.NoError(t, ep.Post(testRequest))
			assert.Equal(t, testRequest, recvItem(t, ep))
			assert.Len(t, host.Connects(), 1)
			assert.Equal(t, StateConnected, waitState(t, reg, StateConnected).State())
		})
	}
}

func TestUnknownShapeIsAnsweredToSenderOnly(t *testing.T) {
	testlog.Start(t)
	reg := newTestRegistry(t, echoHost())
	first := mustEndpoint(t, reg)
	second := mustEndpoint(t, reg)
	waitState(t, reg, StateConnected)

	require.NoError(t, second.Post(map[string]any{"requestId": "mine", "foo": "bar"}))
	env := recvEnvelope(t, second)
	assert.Equal(t, "mine", env.RequestID)
	assert.Equal(t, "unimplemented", env.Error.Code)
	expectQuiet(t, first)
}

func TestNumericRequestIDIsRendered(t *testing.T) {
	testlog.Start(t)
	reg := newTestRegistry(t, echoHost())
	ep := mustEndpoint(t, reg)

	require.NoError(t, ep.Post(map[string]any{"requestId": 7, "message": "n"}))
	assert.Equal(t, protocol.RequestMessage{RequestID: "7", Message: "n"}, recvItem(t, ep))
}

func TestDoubleDisconnectTearsDownOnce(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)
	waitState(t, reg, StateConnected)

	require.NoError(t, ep.Post(false))
	require.NoError(t, ep.Post(protocol.DisconnectSignal))
	// Any id-bearing unknown shape is answered in order and marks the end.
	require.NoError(t, ep.Post(map[string]any{"requestId": "barrier"}))

	expectDisconnect(t, ep)
	env := recvEnvelope(t, ep)
	assert.Equal(t, "barrier", env.RequestID)
	expectQuiet(t, ep)

	pair, _ := host.LastPair()
	assert.Equal(t, 1, pair.Page.Closes())
	assert.Len(t, host.Connects(), 1)
}

func TestSendAfterVoluntaryDisconnectReconnects(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)
	waitState(t, reg, StateConnected)

	require.NoError(t, ep.Post(false))
	expectDisconnect(t, ep)
	first, _ := host.LastPair()

	require.NoError(t, ep.Post(testRequest))
	assert.Equal(t, testRequest, recvItem(t, ep))
	assert.Len(t, host.Connects(), 2)
	assert.Empty(t, first.Page.Sent())
}

func TestThrownObjectDuringForward(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)
	waitState(t, reg, StateConnected)

	thrown := map[string]any{"seriously": "you should probably be throwing errors"}
	pair, _ := host.LastPair()
	pair.Page.FailNextSend(func(any) error { panic(thrown) })

	require.NoError(t, ep.Post(testRequest))
	env := recvEnvelope(t, ep)
	assert.Equal(t, "123", env.RequestID)
	assert.Equal(t, "internal", env.Error.Code)
	assert.Equal(t, fmt.Sprintf("%v", thrown), env.Error.Message)
	require.Len(t, env.Error.Details, 2)
	assert.Equal(t, protocol.ErrorDetail{Type: "map[string]interface {}", Value: thrown}, env.Error.Details[0])
	assert.Equal(t, testRequest, env.Error.Details[1])

	// The channel survives a per-request failure.
	require.NoError(t, ep.Post(testRequest))
	assert.Equal(t, testRequest, recvItem(t, ep))
}

func TestThrownFunctionIsStillDelivered(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)
	waitState(t, reg, StateConnected)

	pair, _ := host.LastPair()
	pair.Page.FailNextSend(func(any) error {
		panic(func() string { return "why would you do this?" })
	})

	require.NoError(t, ep.Post(testRequest))
	env := recvEnvelope(t, ep)
	assert.Equal(t, "123", env.RequestID)
	assert.Equal(t, "internal", env.Error.Code)
	assert.Equal(t, "cannot serialize thrown value of type func() string", env.Error.Message)
}

func TestForwardErrorKeepsStatusCode(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)
	waitState(t, reg, StateConnected)

	pair, _ := host.LastPair()
	pair.Page.FailNextSend(func(any) error { return status.Error(codes.PermissionDenied, "nope") })

	require.NoError(t, ep.Post(testRequest))
	env := recvEnvelope(t, ep)
	assert.Equal(t, "permission_denied", env.Error.Code)
	assert.Equal(t, "nope", env.Error.Message)
	assert.Equal(t, "123", env.RequestID)
}

func TestUnrepresentableMessageIsRejectedPerRequest(t *testing.T) {
	testlog.Start(t)
	reg := newTestRegistry(t, echoHost())
	ep := mustEndpoint(t, reg)

	req := protocol.RequestMessage{RequestID: "fn", Message: func() {}}
	require.NoError(t, ep.Post(req))
	env := recvEnvelope(t, ep)
	assert.Equal(t, "fn", env.RequestID)
	assert.Equal(t, "internal", env.Error.Code)
	assert.Contains(t, env.Error.Message, "cannot serialize thrown value")
}

func TestCyclicMessageIsRejectedPerRequest(t *testing.T) {
	testlog.Start(t)
	reg := newTestRegistry(t, echoHost())
	ep := mustEndpoint(t, reg)

	self := make([]any, 1)
	self[0] = self
	require.NoError(t, ep.Post(map[string]any{"requestId": "loop", "message": self}))
	env := recvEnvelope(t, ep)
	assert.Equal(t, "loop", env.RequestID)
	assert.Equal(t, "internal", env.Error.Code)
	assert.Contains(t, env.Error.Message, "cannot serialize thrown value")

	require.NoError(t, ep.Post(testRequest))
	assert.Equal(t, testRequest, recvItem(t, ep))
}

func TestCyclicThrownValueDuringForward(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)
	waitState(t, reg, StateConnected)

	thrown := map[string]any{}
	thrown["self"] = thrown
	pair, _ := host.LastPair()
	pair.Page.FailNextSend(func(any) error { panic(thrown) })

	require.NoError(t, ep.Post(testRequest))
	env := recvEnvelope(t, ep)
	assert.Equal(t, "123", env.RequestID)
	assert.Equal(t, "internal", env.Error.Code)
	assert.Equal(t, "cannot serialize thrown value of type map[string]interface {}", env.Error.Message)

	require.NoError(t, ep.Post(testRequest))
	assert.Equal(t, testRequest, recvItem(t, ep))
}

func TestPaddedRequestIDCorrelatesExactly(t *testing.T) {
	testlog.Start(t)
	reg := newTestRegistry(t, echoHost())
	first := mustEndpoint(t, reg)
	second := mustEndpoint(t, reg)
	s := waitState(t, reg, StateConnected)

	padded := protocol.RequestMessage{RequestID: " 7", Message: "padded"}
	plain := protocol.RequestMessage{RequestID: "7", Message: "plain"}
	require.NoError(t, first.Post(padded))
	assert.Equal(t, padded, recvItem(t, first))
	expectQuiet(t, second)

	require.NoError(t, second.Post(plain))
	assert.Equal(t, plain, recvItem(t, second))
	expectQuiet(t, first)
	assert.Empty(t, s.PendingRequests())
}

func TestHostDisconnectNotifiesEveryEndpoint(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	first := mustEndpoint(t, reg)
	second := mustEndpoint(t, reg)
	s := waitState(t, reg, StateConnected)

	pair, _ := host.LastPair()
	pair.Host.Disconnect()

	expectDisconnect(t, first)
	expectDisconnect(t, second)
	assert.Equal(t, StateDisconnected, s.State())
	expectQuiet(t, first)
	assert.Len(t, host.Connects(), 1, "must not reconnect without a post")
}

func TestHostFalseIsDisconnect(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)
	waitState(t, reg, StateConnected)

	pair, _ := host.LastPair()
	require.NoError(t, pair.Host.Send(context.Background(), false))
	expectDisconnect(t, ep)
	expectQuiet(t, ep)
}

func TestReconnectOpensExactlyOneChannel(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)
	waitState(t, reg, StateConnected)

	pair, _ := host.LastPair()
	pair.Host.Disconnect()
	expectDisconnect(t, ep)

	require.NoError(t, ep.Post(testRequest))
	assert.Equal(t, testRequest, recvItem(t, ep))
	require.NoError(t, ep.Post(protocol.RequestMessage{RequestID: "124", Message: "again"}))
	recvItem(t, ep)
	assert.Equal(t, []string{"demo SESSION", "demo SESSION"}, host.Connects())
}

func TestReconnectFailureDeliversUnavailableWithoutRetry(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)
	waitState(t, reg, StateConnected)

	pair, _ := host.LastPair()
	pair.Host.Disconnect()
	expectDisconnect(t, ep)

	var attempts atomic.Int32
	host.FailConnect(func(string) error {
		attempts.Add(1)
		return errors.New("Extension context invalidated.")
	})

	require.NoError(t, ep.Post(testRequest))
	env := recvEnvelope(t, ep)
	assert.Equal(t, "unavailable", env.Error.Code)
	assert.Equal(t, "Extension context invalidated.", env.Error.Message)
	assert.Empty(t, env.RequestID)
	expectDisconnect(t, ep)
	expectQuiet(t, ep)
	assert.Equal(t, int32(1), attempts.Load())

	s, _ := reg.Session(testSession)
	assert.Equal(t, StateDisconnected, s.State())

	require.NoError(t, ep.Post(testRequest))
	recvEnvelope(t, ep)
	expectDisconnect(t, ep)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestInitialConnectFailure(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	host.FailConnect(func(string) error { return errors.New("Extension context invalidated.") })
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)

	env := recvEnvelope(t, ep)
	assert.Equal(t, "unavailable", env.Error.Code)
	expectDisconnect(t, ep)
	waitState(t, reg, StateDisconnected)
}

func TestHostPanicOnConnectIsUnavailable(t *testing.T) {
	testlog.Start(t)
	host := channel.HostFunc(func(context.Context, string) (channel.Channel, error) {
		panic("host gone")
	})
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)

	env := recvEnvelope(t, ep)
	assert.Equal(t, "unavailable", env.Error.Code)
	assert.Equal(t, "host gone", env.Error.Message)
	expectDisconnect(t, ep)
}

func TestHostStreamInitOpensChannelByName(t *testing.T) {
	testlog.Start(t)
	host := streamingHost(3)
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)

	require.NoError(t, ep.Post(protocol.RequestMessage{RequestID: "s1", Message: "stream"}))
	it := recvItem(t, ep)
	init, ok := it.(protocol.StreamInit)
	require.Truef(t, ok, "expected StreamInit, got %T", it)
	assert.Equal(t, "s1", init.RequestID)
	assert.Equal(t, "demo STREAM tok-s1", init.Channel)
	require.NotNil(t, init.Stream)

	connects := host.Connects()
	require.Len(t, connects, 2)
	assert.Equal(t, init.Channel, connects[1])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []any
	for {
		v, err := init.Stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []any{uint64(1), uint64(2), uint64(3)}, got)

	s, _ := reg.Session(testSession)
	require.Eventually(t, func() bool {
		return len(s.PendingRequests()) == 0 && len(s.OpenStreams()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamInitForUnknownRequestIsUnsupported(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)
	waitState(t, reg, StateConnected)

	pair, _ := host.LastPair()
	require.NoError(t, pair.Host.Send(context.Background(), protocol.StreamInit{Channel: "demo STREAM x", RequestID: "nobody"}))
	env := recvEnvelope(t, ep)
	assert.Equal(t, "nobody", env.RequestID)
	assert.Equal(t, "unimplemented", env.Error.Code)
	assert.Equal(t, protocol.MsgUnsupportedFromHost, env.Error.Message)
	assert.Len(t, host.Connects(), 1)
}

func TestHostEnvelopesAreForwarded(t *testing.T) {
	testlog.Start(t)
	host := memory.New()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)
	s := waitState(t, reg, StateConnected)
	pair, _ := host.LastPair()
	ctx := context.Background()

	require.NoError(t, ep.Post(testRequest))
	require.Eventually(t, func() bool { return len(s.PendingRequests()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pair.Host.Send(ctx, protocol.NewErrorEnvelope("123", codes.NotFound, "missing")))
	env := recvEnvelope(t, ep)
	assert.Equal(t, "123", env.RequestID)
	assert.Equal(t, "not_found", env.Error.Code)
	assert.Empty(t, s.PendingRequests())

	require.NoError(t, pair.Host.Send(ctx, protocol.NewErrorEnvelope("", codes.Internal, "host crashed")))
	env = recvEnvelope(t, ep)
	assert.True(t, env.ChannelFatal())
	assert.Equal(t, "host crashed", env.Error.Message)
	expectDisconnect(t, ep)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestHostGarbageIsFatal(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)
	waitState(t, reg, StateConnected)

	pair, _ := host.LastPair()
	require.NoError(t, pair.Host.Send(context.Background(), "garbage"))
	env := recvEnvelope(t, ep)
	assert.Equal(t, "unknown", env.Error.Code)
	assert.Equal(t, protocol.MsgUnknownFromHost, env.Error.Message)
	expectDisconnect(t, ep)
}

func TestPendingClearedOnTeardown(t *testing.T) {
	testlog.Start(t)
	host := memory.New()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)
	s := waitState(t, reg, StateConnected)

	require.NoError(t, ep.Post(testRequest))
	require.Eventually(t, func() bool { return len(s.PendingRequests()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "123", s.PendingRequests()[0].RequestID)

	require.NoError(t, ep.Post(false))
	expectDisconnect(t, ep)
	assert.Empty(t, s.PendingRequests())
}

func TestPageStreamIsAnnouncedThenPumped(t *testing.T) {
	testlog.Start(t)
	host := streamingHost(0)
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)

	require.NoError(t, ep.Post(protocol.TransportStream{
		RequestID: "p1",
		Stream:    &sliceProducer{items: []any{"a", "b", "c"}},
	}))
	it := recvItem(t, ep)
	assert.Equal(t, protocol.RequestMessage{RequestID: "p1", Message: uint64(3)}, it)

	pair, _ := host.LastPair()
	sent := pair.Page.Sent()
	require.NotEmpty(t, sent)
	announce, ok := sent[0].(protocol.StreamInit)
	require.Truef(t, ok, "first payload must announce the stream, got %T", sent[0])
	assert.Equal(t, "p1", announce.RequestID)
	assert.True(t, strings.HasPrefix(announce.Channel, "demo STREAM "))
	name, err := protocol.ParseName(announce.Channel)
	require.NoError(t, err)
	assert.NotEmpty(t, name.Token)

	s, _ := reg.Session(testSession)
	require.Eventually(t, func() bool {
		return len(s.PendingRequests()) == 0 && len(s.OpenStreams()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPageStreamProducerErrorIsTranslated(t *testing.T) {
	testlog.Start(t)
	host := streamingHost(0)
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)

	require.NoError(t, ep.Post(protocol.TransportStream{
		RequestID: "p2",
		Stream:    &sliceProducer{items: []any{"a"}, err: errors.New("producer broke")},
	}))
	env := recvEnvelope(t, ep)
	assert.Equal(t, "p2", env.RequestID)
	assert.Equal(t, "internal", env.Error.Code)
	assert.Equal(t, "producer broke", env.Error.Message)
}

func TestPrimaryDisconnectClosesSubchannels(t *testing.T) {
	testlog.Start(t)
	host := streamingHost(-1)
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)

	require.NoError(t, ep.Post(protocol.RequestMessage{RequestID: "s2", Message: "stream"}))
	init, ok := recvItem(t, ep).(protocol.StreamInit)
	require.True(t, ok)
	s, _ := reg.Session(testSession)
	require.Len(t, s.OpenStreams(), 1)
	assert.Equal(t, DirectionFromHost, s.OpenStreams()[0].Direction)

	pairs := host.Pairs()
	require.Len(t, pairs, 2)
	pairs[0].Host.Disconnect()
	expectDisconnect(t, ep)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := init.Stream.Recv(ctx)
	require.ErrorIs(t, err, channel.ErrDisconnected)
	assert.Empty(t, s.OpenStreams())
	select {
	case <-pairs[1].Host.Done():
	case <-time.After(time.Second):
		t.Fatalf("subchannel left open")
	}
}

func TestEndpointCloseDetaches(t *testing.T) {
	testlog.Start(t)
	reg := newTestRegistry(t, echoHost())
	ep := mustEndpoint(t, reg)
	other := mustEndpoint(t, reg)

	require.NoError(t, ep.Close())
	_, err := ep.Recv(context.Background())
	require.ErrorIs(t, err, ErrEndpointClosed)
	require.ErrorIs(t, ep.Post(testRequest), ErrEndpointClosed)

	require.NoError(t, other.Post(testRequest))
	assert.Equal(t, testRequest, recvItem(t, other))
}

func TestCloseAllEndsSessions(t *testing.T) {
	testlog.Start(t)
	host := echoHost()
	reg := newTestRegistry(t, host)
	ep := mustEndpoint(t, reg)
	waitState(t, reg, StateConnected)
	pair, _ := host.LastPair()

	reg.CloseAll()
	_, err := ep.Recv(context.Background())
	require.ErrorIs(t, err, ErrSessionClosed)
	require.ErrorIs(t, ep.Post(testRequest), ErrSessionClosed)
	assert.Empty(t, reg.Names())
	select {
	case <-pair.Host.Done():
	case <-time.After(time.Second):
		t.Fatalf("primary left open")
	}

	fresh := mustEndpoint(t, reg)
	require.NoError(t, fresh.Post(testRequest))
	assert.Equal(t, testRequest, recvItem(t, fresh))
	assert.Len(t, host.Connects(), 2)
}

func TestPendingTableLifecycle(t *testing.T) {
	testlog.Start(t)
	p := newPendingTable()
	now := time.Unix(1700000000, 0)
	p.Upsert(PendingRequest{RequestID: "b", SentAt: now})
	p.Upsert(PendingRequest{RequestID: "a", SentAt: now})
	p.Upsert(PendingRequest{RequestID: ""})

	list := p.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].RequestID)

	item, ok := p.MarkStreaming("b")
	require.True(t, ok)
	assert.True(t, item.Streaming)
	_, ok = p.MarkStreaming("missing")
	assert.False(t, ok)

	p.Remove("a")
	assert.False(t, p.Has("a"))
	assert.Equal(t, 1, p.Clear())
	assert.Empty(t, p.List())
}

func TestPendingTableKeysExactIDs(t *testing.T) {
	testlog.Start(t)
	p := newPendingTable()
	p.Upsert(PendingRequest{RequestID: " 7"})
	p.Upsert(PendingRequest{RequestID: "7"})
	p.Upsert(PendingRequest{RequestID: "  "})

	assert.True(t, p.Has(" 7"))
	assert.True(t, p.Has("7"))
	assert.True(t, p.Has("  "))
	require.Len(t, p.List(), 3)

	item, ok := p.MarkStreaming(" 7")
	require.True(t, ok)
	assert.Equal(t, " 7", item.RequestID)

	p.Remove(" 7")
	assert.False(t, p.Has(" 7"))
	assert.True(t, p.Has("7"))
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	require.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.SendTimeout = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	assert.Equal(t, DefaultConfig(), Config{}.withDefaults())
}

func TestPendingRequestsUseRegistryClock(t *testing.T) {
	testlog.Start(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	reg := NewRegistry(memory.New(), testConfig(), WithClock(func() time.Time { return fixed }))
	t.Cleanup(reg.CloseAll)
	ep := mustEndpoint(t, reg)

	require.NoError(t, ep.Post(testRequest))
	s := waitState(t, reg, StateConnected)
	require.Eventually(t, func() bool { return len(s.PendingRequests()) == 1 }, 2*time.Second, 5*time.Millisecond)
	p := s.PendingRequests()[0]
	assert.Equal(t, "123", p.RequestID)
	assert.Equal(t, fixed, p.SentAt)
	assert.False(t, p.Streaming)
}
