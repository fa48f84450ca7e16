package livefeed

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisSource(t *testing.T) (*RedisSource, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSource(client, "feed:", slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func TestRedisSource_DeliversPublishedEvents(t *testing.T) {
	src, mr := setupRedisSource(t)
	ctx := context.Background()

	sub, err := src.Subscribe(ctx, "flood_reports", Filter{})
	require.NoError(t, err)

	require.NoError(t, src.Publish(ctx, ChangeEvent{
		Table: "flood_reports", Type: Insert, Key: "r1", Payload: Row{"id": "r1", "severity": "high"},
	}))
	mr.Publish("feed:admin_alerts", `{"type":"insert","key":"a1","payload":{}}`)

	select {
	case data := <-sub.Events():
		got, err := DecodeEvent("flood_reports", "id", data)
		require.NoError(t, err)
		assert.Equal(t, "r1", got.Key)
		assert.Equal(t, "high", got.Payload["severity"])
	case <-time.After(waitFor):
		t.Fatal("no event delivered")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestRedisSource_PublishRejectsMalformed(t *testing.T) {
	src, _ := setupRedisSource(t)

	err := src.Publish(context.Background(), ChangeEvent{Table: "flood_reports", Type: Insert})
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestRedisSource_FeedsHub(t *testing.T) {
	src, _ := setupRedisSource(t)
	h, _ := newTestHub(t, src, nil)
	ctx := context.Background()

	coll, release, err := h.Subscribe(ctx, "admin_shelters", Filter{})
	require.NoError(t, err)
	defer release()

	require.NoError(t, src.Publish(ctx, ChangeEvent{Table: "admin_shelters", Type: Insert, Key: "s1", Payload: Row{"id": "s1", "capacity": 300}}))
	require.NoError(t, src.Publish(ctx, ChangeEvent{Table: "admin_shelters", Type: Update, Key: "s1", Payload: Row{"occupancy": 120}}))

	require.Eventually(t, func() bool { return coll.Version() == 2 }, waitFor, tick)
	row, ok := coll.Get("s1")
	require.True(t, ok)
	assert.Equal(t, 300.0, row["capacity"])
	assert.Equal(t, 120.0, row["occupancy"])
}

func TestRedisSource_SubscribeFailsWhenServerDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer client.Close()
	src := NewRedisSource(client, "", nil)
	assert.Equal(t, "feed:flood_reports", src.Channel("flood_reports"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = src.Subscribe(ctx, "flood_reports", Filter{})
	assert.Error(t, err)
}
