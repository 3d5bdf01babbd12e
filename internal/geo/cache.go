package geo

import (
	"context"
	"time"

	"mailtrack/backend/internal/cache"
	"mailtrack/backend/internal/domain"
)

// MemoryCache 基于本地缓存的地理位置缓存，未配置 Redis 时使用
type MemoryCache struct {
	local *cache.LocalCache[*domain.Location]
}

// NewMemoryCache 创建本地地理位置缓存
func NewMemoryCache(maxSize int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{local: cache.NewLocalCache[*domain.Location](maxSize, ttl)}
}

// Get 读取缓存
func (m *MemoryCache) Get(_ context.Context, ip string) (*domain.Location, bool) {
	return m.local.Get(ip)
}

// Set 写入缓存
func (m *MemoryCache) Set(_ context.Context, ip string, loc *domain.Location, ttl time.Duration) {
	m.local.Set(ip, loc, ttl)
}

// Close 停止后台清理
func (m *MemoryCache) Close() {
	m.local.Close()
}
