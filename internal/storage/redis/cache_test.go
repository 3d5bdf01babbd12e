package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/geo"
)

var _ geo.Cache = (*GeoCache)(nil)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb, nil), mr
}

func TestEventCache(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("事件列表读写和失效", func(t *testing.T) {
		client, mr := newTestClient(t)
		cache := NewEventCache(client)

		_, err := cache.GetEvents(ctx, "abc123")
		assert.ErrorIs(t, err, ErrCacheMiss)

		events := []domain.OpenEvent{
			{ID: 1, TrackingID: "abc123", Kind: domain.EventKindOpen, ObservedAt: at,
				Device: &domain.DeviceInfo{Browser: "Chrome", OS: "Windows", Device: "Desktop"}},
			{ID: 2, TrackingID: "abc123", Kind: domain.EventKindForwardOpen, ObservedAt: at.Add(time.Minute),
				ForwardedBy: "bob@example.com", ClassifiedForwarded: true},
		}
		require.NoError(t, cache.SetEvents(ctx, "abc123", events, time.Minute))
		assert.True(t, mr.Exists(eventsKeyPrefix+"abc123"))

		got, err := cache.GetEvents(ctx, "abc123")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "Chrome", got[0].Device.Browser)
		assert.True(t, got[1].ClassifiedForwarded)
		assert.True(t, got[1].ObservedAt.Equal(at.Add(time.Minute)))

		require.NoError(t, cache.InvalidateEvents(ctx, "abc123"))
		_, err = cache.GetEvents(ctx, "abc123")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("过期后未命中", func(t *testing.T) {
		client, mr := newTestClient(t)
		cache := NewEventCache(client)

		require.NoError(t, cache.SetMessage(ctx, &domain.TrackedMessage{TrackingID: "m1", SentAt: at}, time.Second))
		_, err := cache.GetMessage(ctx, "m1")
		require.NoError(t, err)

		mr.FastForward(2 * time.Second)
		_, err = cache.GetMessage(ctx, "m1")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("损坏的数据返回错误", func(t *testing.T) {
		client, mr := newTestClient(t)
		cache := NewEventCache(client)

		require.NoError(t, mr.Set(messageKeyPrefix+"bad", "{not json"))
		_, err := cache.GetMessage(ctx, "bad")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrCacheMiss)
	})
}

func TestGeoCache(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)
	cache := NewGeoCache(client)

	t.Run("命中", func(t *testing.T) {
		cache.Set(ctx, "1.1.1.1", &domain.Location{Country: "AU", City: "Sydney"}, time.Hour)
		loc, ok := cache.Get(ctx, "1.1.1.1")
		require.True(t, ok)
		assert.Equal(t, "Sydney", loc.City)
	})

	t.Run("否定结果也算命中", func(t *testing.T) {
		cache.Set(ctx, "203.0.113.1", nil, time.Hour)
		loc, ok := cache.Get(ctx, "203.0.113.1")
		assert.True(t, ok)
		assert.Nil(t, loc)
	})

	t.Run("未命中", func(t *testing.T) {
		_, ok := cache.Get(ctx, "9.9.9.9")
		assert.False(t, ok)
	})

	t.Run("TTL生效", func(t *testing.T) {
		cache.Set(ctx, "8.8.8.8", &domain.Location{Country: "US"}, time.Minute)
		mr.FastForward(2 * time.Minute)
		_, ok := cache.Get(ctx, "8.8.8.8")
		assert.False(t, ok)
	})
}
