package hybrid

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/storage"
	"mailtrack/backend/internal/storage/memory"
	"mailtrack/backend/internal/storage/redis"
)

var _ storage.Store = (*Store)(nil)

// countingStore 统计回源次数
type countingStore struct {
	*memory.Store
	listEvents int
	getMessage int
}

func (c *countingStore) ListEvents(ctx context.Context, id string) ([]domain.OpenEvent, error) {
	c.listEvents++
	return c.Store.ListEvents(ctx, id)
}

func (c *countingStore) GetMessage(ctx context.Context, id string) (*domain.TrackedMessage, error) {
	c.getMessage++
	return c.Store.GetMessage(ctx, id)
}

// pausingStore 读取快照后等待放行，用于构造回填与追加交错
type pausingStore struct {
	*memory.Store
	snapshot chan struct{}
	release  chan struct{}
}

func (p *pausingStore) ListEvents(ctx context.Context, id string) ([]domain.OpenEvent, error) {
	events, err := p.Store.ListEvents(ctx, id)
	if p.snapshot != nil {
		close(p.snapshot)
		p.snapshot = nil
		<-p.release
	}
	return events, err
}

func newTestStore(t *testing.T) (*Store, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db := &countingStore{Store: memory.NewStore()}
	return NewStore(db, redis.NewEventCache(redis.NewFromClient(rdb, nil)), time.Minute, nil), db, mr
}

func TestHybridStore(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("事件列表走缓存", func(t *testing.T) {
		store, db, _ := newTestStore(t)
		_, err := store.AppendEvent(ctx, &domain.OpenEvent{TrackingID: "abc123", Kind: domain.EventKindOpen, ObservedAt: at})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			events, err := store.ListEvents(ctx, "abc123")
			require.NoError(t, err)
			assert.Len(t, events, 1)
		}
		assert.Equal(t, 1, db.listEvents)
	})

	t.Run("追加事件使缓存失效", func(t *testing.T) {
		store, db, _ := newTestStore(t)
		_, _ = store.AppendEvent(ctx, &domain.OpenEvent{TrackingID: "abc123", Kind: domain.EventKindOpen, ObservedAt: at})
		_, _ = store.ListEvents(ctx, "abc123")

		_, err := store.AppendEvent(ctx, &domain.OpenEvent{TrackingID: "abc123", Kind: domain.EventKindClick, ObservedAt: at.Add(time.Second)})
		require.NoError(t, err)

		events, err := store.ListEvents(ctx, "abc123")
		require.NoError(t, err)
		assert.Len(t, events, 2)
		assert.Equal(t, 2, db.listEvents)
	})

	t.Run("回填期间追加事件不留旧列表", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })

		db := &pausingStore{Store: memory.NewStore(), snapshot: make(chan struct{}), release: make(chan struct{})}
		store := NewStore(db, redis.NewEventCache(redis.NewFromClient(rdb, nil)), time.Minute, nil)
		snapshot := db.snapshot

		_, err := store.AppendEvent(ctx, &domain.OpenEvent{TrackingID: "abc123", Kind: domain.EventKindOpen, ObservedAt: at})
		require.NoError(t, err)

		done := make(chan []domain.OpenEvent)
		go func() {
			events, _ := store.ListEvents(ctx, "abc123")
			done <- events
		}()

		<-snapshot
		_, err = store.AppendEvent(ctx, &domain.OpenEvent{TrackingID: "abc123", Kind: domain.EventKindOpen, ObservedAt: at.Add(time.Second)})
		require.NoError(t, err)
		close(db.release)

		assert.Len(t, <-done, 1)

		events, err := store.ListEvents(ctx, "abc123")
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("空列表不缓存", func(t *testing.T) {
		store, _, mr := newTestStore(t)
		events, err := store.ListEvents(ctx, "nothing")
		require.NoError(t, err)
		assert.Empty(t, events)
		assert.Empty(t, mr.Keys())
	})

	t.Run("标记转发使邮件缓存失效", func(t *testing.T) {
		store, db, _ := newTestStore(t)
		require.NoError(t, store.SaveMessage(ctx, &domain.TrackedMessage{TrackingID: "m1", SentAt: at}))

		msg, err := store.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.False(t, msg.EverForwarded)
		_, _ = store.GetMessage(ctx, "m1")
		assert.Equal(t, 1, db.getMessage)

		newly, err := store.MarkForwarded(ctx, "m1")
		require.NoError(t, err)
		assert.True(t, newly)

		msg, err = store.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.True(t, msg.EverForwarded)
		assert.Equal(t, 2, db.getMessage)
	})

	t.Run("Redis不可用时回源数据库", func(t *testing.T) {
		store, _, mr := newTestStore(t)
		require.NoError(t, store.SaveMessage(ctx, &domain.TrackedMessage{TrackingID: "m2", SentAt: at}))
		mr.Close()

		msg, err := store.GetMessage(ctx, "m2")
		require.NoError(t, err)
		assert.Equal(t, "m2", msg.TrackingID)

		_, err = store.GetMessage(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	})
}
