// Package geo 把客户端 IP 解析为地理位置。
//
// 解析失败、超时或地址不可查询时一律返回 nil，调用方无需处理错误。
package geo

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mailtrack/backend/internal/domain"
)

var (
	// ErrNotFound 数据源中没有该地址的记录
	ErrNotFound = errors.New("geo: address not found")
	// ErrRateLimited 数据源限流
	ErrRateLimited = errors.New("geo: provider rate limited")
)

// 查询结果标签，用于监控
const (
	ResultHit      = "hit"
	ResultMiss     = "miss"
	ResultError    = "error"
	ResultCacheHit = "cache_hit"
	ResultSkipped  = "skipped"
)

// Provider 地理位置数据源
type Provider interface {
	Name() string
	Lookup(ctx context.Context, addr netip.Addr) (*domain.Location, error)
}

// Cache 地理位置缓存
//
// Get 的第二个返回值表示是否命中；命中但位置为 nil 表示已知查不到（负缓存）。
type Cache interface {
	Get(ctx context.Context, ip string) (*domain.Location, bool)
	Set(ctx context.Context, ip string, loc *domain.Location, ttl time.Duration)
}

// Observer 记录每次查询的数据源与结果
type Observer func(provider, result string)

// Resolver 按顺序尝试各数据源，结果写入缓存
type Resolver struct {
	providers []Provider
	cache     Cache
	cacheTTL  time.Duration
	timeout   time.Duration
	observe   Observer
	group     singleflight.Group
	log       *zap.Logger
}

// Option 解析器选项
type Option func(*Resolver)

// WithCache 设置缓存及过期时间
func WithCache(c Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithTimeout 设置单次解析的总超时
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithObserver 设置监控回调
func WithObserver(o Observer) Option {
	return func(r *Resolver) { r.observe = o }
}

// NewResolver 创建解析器
//
// 参数:
//   - log: 日志记录器
//   - providers: 数据源，按顺序尝试，第一个命中的结果生效
//   - opts: 缓存、超时、监控等选项
func NewResolver(log *zap.Logger, providers []Provider, opts ...Option) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Resolver{
		providers: providers,
		timeout:   2 * time.Second,
		observe:   func(string, string) {},
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve 解析 IP 的地理位置，任何失败都返回 nil
func (r *Resolver) Resolve(ctx context.Context, raw string) *domain.Location {
	addr, ok := Normalize(raw)
	if !ok {
		r.observe("none", ResultSkipped)
		return nil
	}
	key := addr.String()

	if r.cache != nil {
		if loc, hit := r.cache.Get(ctx, key); hit {
			r.observe("cache", ResultCacheHit)
			return loc
		}
	}

	// 同一 IP 的并发查询合并为一次。共享查询不跟随首个调用方取消，
	// 只受 r.timeout 约束；各调用方仍按自己的 ctx 提前返回。
	ch := r.group.DoChan(key, func() (interface{}, error) {
		return r.lookup(context.WithoutCancel(ctx), addr), nil
	})
	select {
	case res := <-ch:
		loc, _ := res.Val.(*domain.Location)
		return loc
	case <-ctx.Done():
		return nil
	}
}

func (r *Resolver) lookup(ctx context.Context, addr netip.Addr) *domain.Location {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	key := addr.String()
	definitive := len(r.providers) > 0

	for _, p := range r.providers {
		loc, err := p.Lookup(ctx, addr)
		switch {
		case err == nil && loc != nil:
			r.observe(p.Name(), ResultHit)
			r.store(ctx, key, loc)
			return loc
		case err == nil, errors.Is(err, ErrNotFound):
			r.observe(p.Name(), ResultMiss)
		default:
			definitive = false
			r.observe(p.Name(), ResultError)
			r.log.Debug("geo lookup failed",
				zap.String("provider", p.Name()),
				zap.String("ip", key),
				zap.Error(err),
			)
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	// 只有所有数据源都明确查不到时才写负缓存，临时错误不缓存
	if definitive {
		r.store(ctx, key, nil)
	}
	return nil
}

func (r *Resolver) store(ctx context.Context, key string, loc *domain.Location) {
	if r.cache == nil {
		return
	}
	r.cache.Set(context.WithoutCancel(ctx), key, loc, r.cacheTTL)
}
