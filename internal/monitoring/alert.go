package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailtrack/backend/internal/storage"
)

// Severity 告警级别
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert 正在生效的告警，ID 与规则 ID 相同
type Alert struct {
	ID        string    `json:"id"`
	Component string    `json:"component"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	FiredAt   time.Time `json:"firedAt"`
}

// AlertRule 告警规则
//
// Check 返回 true 表示条件成立。条件不再成立时告警自动解除；
// 解除后 Cooldown 内不会再次触发。
type AlertRule struct {
	ID        string
	Component string
	Severity  Severity
	Message   string
	Cooldown  time.Duration
	Check     func(ctx context.Context) bool
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager 周期评估规则，维护当前生效的告警
type AlertManager struct {
	mu        sync.RWMutex
	rules     []AlertRule
	receivers []AlertReceiver
	active    map[string]*Alert
	resolved  map[string]time.Time
	now       func() time.Time
	logger    *zap.Logger
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		active:   make(map[string]*Alert),
		resolved: make(map[string]time.Time),
		now:      time.Now,
		logger:   logger,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// Evaluate 评估全部规则一次
//
// 规则检查在锁外执行，存储健康检查可能耗时。
func (am *AlertManager) Evaluate(ctx context.Context) {
	am.mu.RLock()
	rules := append([]AlertRule(nil), am.rules...)
	am.mu.RUnlock()

	for _, rule := range rules {
		firing := rule.Check(ctx)

		am.mu.Lock()
		fired := am.transition(rule, firing)
		receivers := am.receivers
		am.mu.Unlock()

		if fired == nil {
			continue
		}
		for _, r := range receivers {
			if err := r.SendAlert(fired); err != nil {
				am.logger.Error("failed to send alert", zap.String("rule", rule.ID), zap.Error(err))
			}
		}
	}
}

// transition 更新单条规则的状态，返回新触发的告警。调用方持有写锁。
func (am *AlertManager) transition(rule AlertRule, firing bool) *Alert {
	now := am.now()
	_, isActive := am.active[rule.ID]

	switch {
	case firing && !isActive:
		if last, ok := am.resolved[rule.ID]; ok && now.Sub(last) < rule.Cooldown {
			return nil
		}
		alert := &Alert{
			ID:        rule.ID,
			Component: rule.Component,
			Severity:  rule.Severity,
			Message:   rule.Message,
			FiredAt:   now,
		}
		am.active[rule.ID] = alert
		cp := *alert
		return &cp
	case !firing && isActive:
		delete(am.active, rule.ID)
		am.resolved[rule.ID] = now
		am.logger.Info("alert resolved", zap.String("rule", rule.ID))
	}
	return nil
}

// Active 返回当前生效的告警，按 ID 排序
func (am *AlertManager) Active() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	out := make([]Alert, 0, len(am.active))
	for _, a := range am.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run 按间隔评估规则直到 ctx 取消
func (am *AlertManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.Evaluate(ctx)
		}
	}
}

// ========== 内置告警规则 ==========

// HighMemoryUsageRule 堆内存超过阈值
func HighMemoryUsageRule(thresholdMB float64) AlertRule {
	return AlertRule{
		ID:        "high_memory_usage",
		Component: "memory",
		Severity:  SeverityWarning,
		Message:   fmt.Sprintf("Memory usage exceeds %.0f MB", thresholdMB),
		Cooldown:  5 * time.Minute,
		Check: func(context.Context) bool {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return float64(m.Alloc)/1024/1024 > thresholdMB
		},
	}
}

// StoreHealthRule 存储不可用
func StoreHealthRule(store storage.Store, timeout time.Duration) AlertRule {
	return AlertRule{
		ID:        "store_unhealthy",
		Component: "storage",
		Severity:  SeverityCritical,
		Message:   "Event store health check failed",
		Cooldown:  time.Minute,
		Check: func(ctx context.Context) bool {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return store.Health(ctx) != nil
		},
	}
}

// QueueBacklogRule 事件队列积压
//
// pending 返回当前排队数，通常是 Recorder.Pending。threshold 最小为 1，
// 空队列不会触发。
func QueueBacklogRule(pending func() int, threshold int) AlertRule {
	if threshold < 1 {
		threshold = 1
	}
	return AlertRule{
		ID:        "pipeline_backlog",
		Component: "pipeline",
		Severity:  SeverityWarning,
		Message:   fmt.Sprintf("Pipeline queue has at least %d pending captures", threshold),
		Cooldown:  2 * time.Minute,
		Check: func(context.Context) bool {
			return pending() >= threshold
		},
	}
}

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 按级别写日志
func (r *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("component", alert.Component),
		zap.String("message", alert.Message),
		zap.Time("fired_at", alert.FiredAt),
	}
	if alert.Severity == SeverityCritical {
		r.logger.Error("alert fired", fields...)
	} else {
		r.logger.Warn("alert fired", fields...)
	}
	return nil
}
