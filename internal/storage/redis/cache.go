package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailtrack/backend/internal/domain"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

const (
	eventsKeyPrefix  = "mailtrack:events:"
	messageKeyPrefix = "mailtrack:message:"
	geoKeyPrefix     = "mailtrack:geo:"
)

// EventCache 追踪邮件和事件列表的读缓存
type EventCache struct {
	client *Client
}

// NewEventCache 创建事件缓存
func NewEventCache(client *Client) *EventCache {
	return &EventCache{client: client}
}

// ========== 事件列表缓存 ==========

// GetEvents 获取缓存的事件列表
func (c *EventCache) GetEvents(ctx context.Context, trackingID string) ([]domain.OpenEvent, error) {
	var events []domain.OpenEvent
	if err := c.get(ctx, eventsKeyPrefix+trackingID, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// SetEvents 缓存事件列表
func (c *EventCache) SetEvents(ctx context.Context, trackingID string, events []domain.OpenEvent, ttl time.Duration) error {
	return c.set(ctx, eventsKeyPrefix+trackingID, events, ttl)
}

// InvalidateEvents 删除事件列表缓存
func (c *EventCache) InvalidateEvents(ctx context.Context, trackingID string) error {
	return c.client.rdb.Del(ctx, eventsKeyPrefix+trackingID).Err()
}

// ========== 邮件缓存 ==========

// GetMessage 获取缓存的邮件
func (c *EventCache) GetMessage(ctx context.Context, trackingID string) (*domain.TrackedMessage, error) {
	var msg domain.TrackedMessage
	if err := c.get(ctx, messageKeyPrefix+trackingID, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SetMessage 缓存邮件
func (c *EventCache) SetMessage(ctx context.Context, msg *domain.TrackedMessage, ttl time.Duration) error {
	return c.set(ctx, messageKeyPrefix+msg.TrackingID, msg, ttl)
}

// InvalidateMessage 删除邮件缓存
func (c *EventCache) InvalidateMessage(ctx context.Context, trackingID string) error {
	return c.client.rdb.Del(ctx, messageKeyPrefix+trackingID).Err()
}

func (c *EventCache) get(ctx context.Context, key string, out interface{}) error {
	return getJSON(ctx, c.client.rdb, key, out)
}

func (c *EventCache) set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return setJSON(ctx, c.client.rdb, key, value, ttl)
}

// ========== 地理位置缓存 ==========

// geoEntry 缓存值，Location 为 nil 表示该 IP 确定无结果
type geoEntry struct {
	Location *domain.Location `json:"location"`
}

// GeoCache 基于 Redis 的地理位置缓存，实现 geo.Cache
type GeoCache struct {
	client *Client
}

// NewGeoCache 创建地理位置缓存
func NewGeoCache(client *Client) *GeoCache {
	return &GeoCache{client: client}
}

// Get 读取缓存，第二个返回值表示是否命中（含否定结果）
func (c *GeoCache) Get(ctx context.Context, ip string) (*domain.Location, bool) {
	var entry geoEntry
	if err := getJSON(ctx, c.client.rdb, geoKeyPrefix+ip, &entry); err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.client.log.Debug("geo cache read failed", zap.String("ip", ip), zap.Error(err))
		}
		return nil, false
	}
	return entry.Location, true
}

// Set 写入缓存，loc 为 nil 时记录否定结果
func (c *GeoCache) Set(ctx context.Context, ip string, loc *domain.Location, ttl time.Duration) {
	_ = setJSON(ctx, c.client.rdb, geoKeyPrefix+ip, geoEntry{Location: loc}, ttl)
}

func getJSON(ctx context.Context, rdb *goredis.Client, key string, out interface{}) error {
	data, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode cached %s: %w", key, err)
	}
	return nil
}

func setJSON(ctx context.Context, rdb *goredis.Client, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, data, ttl).Err()
}
