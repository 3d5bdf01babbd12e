// Package notify 把已落库的追踪事件广播给实时订阅方。
//
// 广播只是附加通知，失败不会影响事件记录。
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailtrack/backend/internal/domain"
)

// Notification 一条事件通知
type Notification struct {
	TrackingID     string           `json:"trackingId"`
	Event          domain.OpenEvent `json:"event"`
	NewlyForwarded bool             `json:"newlyForwarded"`
	PublishedAt    time.Time        `json:"publishedAt"`
}

// Publisher 事件通知的接收方
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Multi 依次投递到多个 Publisher，单个失败只记日志
type Multi struct {
	publishers []Publisher
	log        *zap.Logger
}

// NewMulti 创建组合 Publisher，nil 项会被忽略
func NewMulti(log *zap.Logger, publishers ...Publisher) *Multi {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Multi{log: log}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

// Publish 投递通知，始终返回 nil
func (m *Multi) Publish(ctx context.Context, n Notification) error {
	if n.PublishedAt.IsZero() {
		n.PublishedAt = time.Now().UTC()
	}
	for _, p := range m.publishers {
		if err := p.Publish(ctx, n); err != nil {
			m.log.Warn("failed to publish tracking event",
				zap.String("trackingId", n.TrackingID),
				zap.Int64("eventId", n.Event.ID),
				zap.Error(err))
		}
	}
	return nil
}

// Len 返回下游数量
func (m *Multi) Len() int {
	return len(m.publishers)
}
