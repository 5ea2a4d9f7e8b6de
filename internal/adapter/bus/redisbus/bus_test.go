package redisbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/thought-analyzer/internal/event"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "updates")
}

func TestPublishSubscribe_RoundTrip(t *testing.T) {
	t.Parallel()
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "u-1")
	require.NoError(t, err)
	defer sub.Close()

	sent := event.NewThoughtProcessing("th-1", "u-1")
	require.NoError(t, b.Publish(ctx, "u-1", sent))

	select {
	case got := <-sub.C():
		assert.Equal(t, sent.EventType, got.EventType)
		assert.Equal(t, sent.ThoughtID, got.ThoughtID)
		assert.Equal(t, sent.UserID, got.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestSubscribe_ChannelIsolation(t *testing.T) {
	t.Parallel()
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "u-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "u-2", event.NewThoughtProcessing("th-other", "u-2")))
	require.NoError(t, b.Publish(ctx, "u-1", event.NewThoughtProcessing("th-mine", "u-1")))

	select {
	case got := <-sub.C():
		assert.Equal(t, "th-mine", got.ThoughtID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestSubscribe_UndecodablePayloadDropped(t *testing.T) {
	t.Parallel()
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "u-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Client().Publish(ctx, "updates:u-1", "not json").Err())
	require.NoError(t, b.Publish(ctx, "u-1", event.NewThoughtProcessing("th-1", "u-1")))

	select {
	case got := <-sub.C():
		assert.Equal(t, "th-1", got.ThoughtID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestSubscription_CloseEndsStream(t *testing.T) {
	t.Parallel()
	b := newTestBus(t)
	sub, err := b.Subscribe(context.Background(), "u-1")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after Close")
	}
}
