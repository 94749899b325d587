package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/demoforge/internal/models"
)

func newBus(t *testing.T) (*miniredis.Miniredis, *RedisBus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewRedisBus(rdb)
}

func receive(t *testing.T, ch <-chan *models.SessionDescriptor) *models.SessionDescriptor {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "channel closed early")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no session_ready event")
		return nil
	}
}

func TestRedisBusDeliversToDemoSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, bus := newBus(t)

	d1, closeD1 := bus.SubscribeSessionReady(ctx, "d1")
	defer closeD1()
	d2, closeD2 := bus.SubscribeSessionReady(ctx, "d2")
	defer closeD2()

	// publish straight after subscribing
	want := &models.SessionDescriptor{DemoID: "d1", ConversationID: "conv-1", ConversationURL: "https://join.example/conv-1", Status: models.StatusActive}
	require.NoError(t, bus.PublishSessionReady(ctx, want))

	got := receive(t, d1)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Equal(t, "https://join.example/conv-1", got.ConversationURL)

	select {
	case d := <-d2:
		t.Fatalf("other demo received %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisBusSkipsMalformedPayloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mr, bus := newBus(t)

	ch, closeSub := bus.SubscribeSessionReady(ctx, "d1")
	defer closeSub()

	mr.Publish(Channel("d1"), "{garbage")
	require.NoError(t, bus.PublishSessionReady(ctx, &models.SessionDescriptor{DemoID: "d1", ConversationID: "conv-2"}))

	assert.Equal(t, "conv-2", receive(t, ch).ConversationID)
}

func TestRedisBusCloseEndsChannel(t *testing.T) {
	_, bus := newBus(t)
	ch, closeSub := bus.SubscribeSessionReady(context.Background(), "d1")
	require.NoError(t, closeSub())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestRedisBusUnavailableYieldsClosedChannel(t *testing.T) {
	mr, bus := newBus(t)
	mr.Close()

	ch, closeSub := bus.SubscribeSessionReady(context.Background(), "d1")
	defer closeSub()
	_, ok := <-ch
	assert.False(t, ok)
}
