package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/portmux/internal/channel"
	"github.com/danmuck/portmux/internal/channel/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubParkRefusesDuplicateName(t *testing.T) {
	hub := NewHub(time.Second)
	defer hub.Close()
	noop := func(context.Context) (channel.Channel, error) { return nil, nil }

	require.NoError(t, hub.Park("demo STREAM a", noop, func() {}))
	require.ErrorIs(t, hub.Park("demo STREAM a", noop, func() {}), channel.ErrNameInUse)
	assert.Equal(t, []string{"demo STREAM a"}, hub.Parked())
}

func TestHubDialWaitsForPark(t *testing.T) {
	hub := NewHub(time.Second)
	defer hub.Close()
	want := make(chan struct{})
	opened := make(chan channel.Channel, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		close(want)
		ch, err := hub.Dial(ctx, "demo STREAM late")
		if err == nil {
			opened <- ch
		}
		close(opened)
	}()
	<-want
	time.Sleep(20 * time.Millisecond)

	var calls atomic.Int32
	require.NoError(t, hub.Park("demo STREAM late", func(context.Context) (channel.Channel, error) {
		calls.Add(1)
		return nil, nil
	}, func() {}))

	_, ok := <-opened
	require.True(t, ok, "dial failed")
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, hub.Parked())
}

func TestHubDialHonorsContext(t *testing.T) {
	hub := NewHub(time.Second)
	defer hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := hub.Dial(ctx, "demo STREAM never")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubParkedListenerExpires(t *testing.T) {
	hub := NewHub(20 * time.Millisecond)
	defer hub.Close()
	abandoned := make(chan struct{})
	require.NoError(t, hub.Park("demo STREAM idle", nil, func() { close(abandoned) }))

	select {
	case <-abandoned:
	case <-time.After(2 * time.Second):
		t.Fatalf("parked listener never expired")
	}
	assert.Empty(t, hub.Parked())
}

func TestHubCloseAbandonsParked(t *testing.T) {
	hub := NewHub(time.Minute)
	var abandoned atomic.Int32
	require.NoError(t, hub.Park("demo STREAM a", nil, func() { abandoned.Add(1) }))
	require.NoError(t, hub.Park("demo STREAM b", nil, func() { abandoned.Add(1) }))
	hub.Close()
	assert.Equal(t, int32(2), abandoned.Load())
}

func TestHubServesExpectedStreamOnce(t *testing.T) {
	hub := NewHub(time.Second)
	defer hub.Close()
	ctx := context.Background()
	h := memory.New()

	var served atomic.Int32
	hub.Expect("demo STREAM tok", func(context.Context, channel.Channel) { served.Add(1) })

	page, err := h.Connect(ctx, "demo STREAM tok")
	require.NoError(t, err)
	defer page.Close()
	pair, ok := h.LastPair()
	require.True(t, ok)

	hub.ServeChannel(ctx, pair.Host)
	hub.ServeChannel(ctx, pair.Host)
	assert.Equal(t, int32(1), served.Load())
}

func TestHubWithoutPrimaryReturns(t *testing.T) {
	hub := NewHub(time.Second)
	defer hub.Close()
	h := memory.New()
	page, err := h.Connect(context.Background(), "demo SESSION")
	require.NoError(t, err)
	defer page.Close()
	pair, _ := h.LastPair()

	done := make(chan struct{})
	go func() {
		hub.ServeChannel(context.Background(), pair.Host)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("ServeChannel blocked without a primary application")
	}
}
