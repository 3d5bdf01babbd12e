package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"mailtrack/backend/internal/storage"
)

// Pinger 可探活的外部依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器
//
// 存活检查只看进程本身，就绪检查包含存储与可选的外部依赖。
type HealthChecker struct {
	health  healthcheck.Handler
	store   storage.Store
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthChecker 创建健康检查器
//
// 参数:
//   - store: 事件存储
//   - maxGoroutines: 存活检查的 goroutine 上限
//   - logger: 日志记录器
func NewHealthChecker(store storage.Store, maxGoroutines int, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health:  healthcheck.NewHandler(),
		store:   store,
		timeout: 3 * time.Second,
		logger:  logger,
	}

	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	hc.health.AddReadinessCheck("store", healthcheck.Timeout(hc.storeCheck, hc.timeout))

	return hc
}

// AddDependency 增加一个就绪检查项，如 PostgreSQL 连接池或 Redis
func (hc *HealthChecker) AddDependency(name string, p Pinger) {
	if p == nil {
		return
	}
	hc.health.AddReadinessCheck(name, healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
		defer cancel()
		return p.Ping(ctx)
	}, hc.timeout))
}

func (hc *HealthChecker) storeCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
	defer cancel()
	if err := hc.store.Health(ctx); err != nil {
		hc.logger.Warn("store health check failed", zap.Error(err))
		return err
	}
	return nil
}

// LiveHandler 存活检查
func (hc *HealthChecker) LiveHandler() http.Handler {
	return http.HandlerFunc(hc.health.LiveEndpoint)
}

// ReadyHandler 就绪检查
func (hc *HealthChecker) ReadyHandler() http.Handler {
	return http.HandlerFunc(hc.health.ReadyEndpoint)
}

// CheckHealth 执行全部检查，返回每项结果
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := map[string]string{"store": "OK"}
	if err := hc.storeCheck(); err != nil {
		results["store"] = "ERROR: " + err.Error()
	}
	results["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return results
}
