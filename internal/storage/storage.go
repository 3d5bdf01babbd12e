package storage

import (
	"context"
	"errors"
	"sort"

	"mailtrack/backend/internal/domain"
)

var (
	// ErrMessageNotFound 追踪邮件不存在
	ErrMessageNotFound = errors.New("tracked message not found")
	// ErrMessageExists 追踪 ID 已被占用
	ErrMessageExists = errors.New("tracked message already exists")
)

// OpenKinds 计入打开次数的事件类型
var OpenKinds = []domain.EventKind{domain.EventKindOpen, domain.EventKindForwardOpen}

// ListOptions 分页参数
type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize 修正分页参数，Limit 取值 1..500，默认 100
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// MessageRepository 定义追踪邮件数据存取操作。
type MessageRepository interface {
	// SaveMessage 登记新邮件，追踪 ID 已存在时返回 ErrMessageExists
	SaveMessage(ctx context.Context, msg *domain.TrackedMessage) error
	GetMessage(ctx context.Context, trackingID string) (*domain.TrackedMessage, error)
	// ListChildMessages 返回 ParentTrackingID 指向 parentID 的邮件，按 SentAt 升序
	ListChildMessages(ctx context.Context, parentID string) ([]domain.TrackedMessage, error)
	// ListMessages 返回邮件及打开次数，按 SentAt 降序
	ListMessages(ctx context.Context, opts ListOptions) ([]domain.MessageOverview, error)
	// MarkOpened 设置 EverOpened，邮件不存在时为空操作
	MarkOpened(ctx context.Context, trackingID string) error
	// MarkForwarded 设置 EverForwarded，返回本次是否由 false 变为 true
	MarkForwarded(ctx context.Context, trackingID string) (bool, error)
}

// EventRepository 定义追踪事件数据存取操作，事件只追加不修改。
type EventRepository interface {
	// AppendEvent 追加事件并回填 ID
	AppendEvent(ctx context.Context, ev *domain.OpenEvent) (int64, error)
	// ListEvents 返回事件，按 (ObservedAt, ID) 升序
	ListEvents(ctx context.Context, trackingID string) ([]domain.OpenEvent, error)
	// EventStatistics 按追踪 ID 聚合全部事件（含点击），按 LastOpen 降序、TrackingID 升序
	EventStatistics(ctx context.Context) ([]domain.TrackingStatistic, error)
}

// Store 定义完整的存储接口。
type Store interface {
	MessageRepository
	EventRepository

	// 工具方法
	Close() error
	Health(ctx context.Context) error
}

// SortStatistics 按 LastOpen 降序排序，相同时按 TrackingID 升序
func SortStatistics(stats []domain.TrackingStatistic) {
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].LastOpen.Equal(stats[j].LastOpen) {
			return stats[i].TrackingID < stats[j].TrackingID
		}
		return stats[i].LastOpen.After(stats[j].LastOpen)
	})
}
