package hybrid

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/storage"
	"mailtrack/backend/internal/storage/redis"
)

// Store 混合存储实现，数据库为准，Redis 缓存邮件和事件列表
//
// 缓存失败只记日志，不影响读写结果。
type Store struct {
	db    storage.Store
	cache *redis.EventCache
	ttl   time.Duration
	log   *zap.Logger

	// 事件列表回填按分片代数校验，追加事件会推进代数
	stripes [eventStripes]eventStripe
}

const eventStripes = 64

// eventStripe 同一分片内的追加与回填串行执行
type eventStripe struct {
	mu  sync.Mutex
	gen uint64
}

// NewStore 创建混合存储实例
//
// 参数:
//   - db: 底层数据库存储（gorm 或 database/sql 实现）
//   - cache: Redis 事件缓存
//   - ttl: 缓存有效期，<=0 时取 5 分钟
//   - log: 日志记录器
func NewStore(db storage.Store, cache *redis.EventCache, ttl time.Duration, log *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, cache: cache, ttl: ttl, log: log}
}

// ========== Message Repository ==========

// SaveMessage 保存邮件（不预热缓存，首次读取时再缓存）
func (s *Store) SaveMessage(ctx context.Context, msg *domain.TrackedMessage) error {
	return s.db.SaveMessage(ctx, msg)
}

// GetMessage 先读 Redis，未命中时回源数据库并回填
func (s *Store) GetMessage(ctx context.Context, trackingID string) (*domain.TrackedMessage, error) {
	if msg, err := s.cache.GetMessage(ctx, trackingID); err == nil {
		return msg, nil
	} else if !errors.Is(err, redis.ErrCacheMiss) {
		s.log.Warn("message cache read failed", zap.String("trackingId", trackingID), zap.Error(err))
	}

	msg, err := s.db.GetMessage(ctx, trackingID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetMessage(ctx, msg, s.ttl); err != nil {
		s.log.Warn("message cache write failed", zap.String("trackingId", trackingID), zap.Error(err))
	}
	return msg, nil
}

// ListChildMessages 直接查询数据库（列表查询不缓存）
func (s *Store) ListChildMessages(ctx context.Context, parentID string) ([]domain.TrackedMessage, error) {
	return s.db.ListChildMessages(ctx, parentID)
}

// ListMessages 直接查询数据库
func (s *Store) ListMessages(ctx context.Context, opts storage.ListOptions) ([]domain.MessageOverview, error) {
	return s.db.ListMessages(ctx, opts)
}

// MarkOpened 更新数据库后删除邮件缓存
func (s *Store) MarkOpened(ctx context.Context, trackingID string) error {
	if err := s.db.MarkOpened(ctx, trackingID); err != nil {
		return err
	}
	s.invalidateMessage(ctx, trackingID)
	return nil
}

// MarkForwarded 更新数据库，首次置位时删除邮件缓存
func (s *Store) MarkForwarded(ctx context.Context, trackingID string) (bool, error) {
	newly, err := s.db.MarkForwarded(ctx, trackingID)
	if err != nil {
		return false, err
	}
	if newly {
		s.invalidateMessage(ctx, trackingID)
	}
	return newly, nil
}

// ========== Event Repository ==========

// AppendEvent 写入数据库后推进分片代数并删除事件列表缓存
func (s *Store) AppendEvent(ctx context.Context, ev *domain.OpenEvent) (int64, error) {
	id, err := s.db.AppendEvent(ctx, ev)
	if err != nil {
		return 0, err
	}

	st := s.stripe(ev.TrackingID)
	st.mu.Lock()
	st.gen++
	err = s.cache.InvalidateEvents(ctx, ev.TrackingID)
	st.mu.Unlock()
	if err != nil {
		s.log.Warn("event cache invalidate failed", zap.String("trackingId", ev.TrackingID), zap.Error(err))
	}
	return id, nil
}

// ListEvents 先读 Redis，未命中时回源数据库并回填
func (s *Store) ListEvents(ctx context.Context, trackingID string) ([]domain.OpenEvent, error) {
	if events, err := s.cache.GetEvents(ctx, trackingID); err == nil {
		return events, nil
	} else if !errors.Is(err, redis.ErrCacheMiss) {
		s.log.Warn("event cache read failed", zap.String("trackingId", trackingID), zap.Error(err))
	}

	st := s.stripe(trackingID)
	st.mu.Lock()
	gen := st.gen
	st.mu.Unlock()

	events, err := s.db.ListEvents(ctx, trackingID)
	if err != nil {
		return nil, err
	}

	// 空列表不缓存，追踪 ID 可能尚未产生事件
	if len(events) > 0 {
		s.refillEvents(ctx, st, gen, trackingID, events)
	}
	return events, nil
}

// refillEvents 回填事件列表缓存
//
// 读库期间同分片有追加时放弃回填，避免旧列表覆盖失效结果。
func (s *Store) refillEvents(ctx context.Context, st *eventStripe, gen uint64, trackingID string, events []domain.OpenEvent) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gen != gen {
		s.log.Debug("event cache refill skipped", zap.String("trackingId", trackingID))
		return
	}
	if err := s.cache.SetEvents(ctx, trackingID, events, s.ttl); err != nil {
		s.log.Warn("event cache write failed", zap.String("trackingId", trackingID), zap.Error(err))
	}
}

func (s *Store) stripe(trackingID string) *eventStripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(trackingID))
	return &s.stripes[h.Sum32()%eventStripes]
}

// EventStatistics 直接查询数据库
func (s *Store) EventStatistics(ctx context.Context) ([]domain.TrackingStatistic, error) {
	return s.db.EventStatistics(ctx)
}

// Close 关闭数据库，Redis 客户端由调用方关闭
func (s *Store) Close() error {
	return s.db.Close()
}

// Health 检查数据库健康状态
func (s *Store) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

func (s *Store) invalidateMessage(ctx context.Context, trackingID string) {
	if err := s.cache.InvalidateMessage(ctx, trackingID); err != nil {
		s.log.Warn("message cache invalidate failed", zap.String("trackingId", trackingID), zap.Error(err))
	}
}
