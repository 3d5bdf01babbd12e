package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"mailtrack/backend/internal/classifier"
	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/storage"
)

// EventList 单个追踪 ID 的平铺事件列表，最新在前
type EventList struct {
	TrackingID string                 `json:"trackingId"`
	Message    *domain.TrackedMessage `json:"message,omitempty"`
	Events     []domain.OpenEvent     `json:"events"`
	OpenCount  int                    `json:"openCount"`
}

// TrackingService 追踪数据查询服务
type TrackingService struct {
	store storage.Store
}

// NewTrackingService 创建查询服务
func NewTrackingService(store storage.Store) *TrackingService {
	return &TrackingService{store: store}
}

// GetHistory 重建追踪历史
//
// 第一条事件为锚点，其后每条事件在读取时重新与锚点比较，
// 判定逻辑变化后历史数据也会按新逻辑展示。
//
// 参数:
//   - ctx: 上下文
//   - trackingID: 追踪 ID
//
// 返回值:
//   - *domain.TrackingHistory: 没有事件时 Anchor 为空、Events 为空列表
//   - error: 存储错误
func (s *TrackingService) GetHistory(ctx context.Context, trackingID string) (*domain.TrackingHistory, error) {
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return nil, domain.ErrInvalidTrackingID
	}

	events, err := s.store.ListEvents(ctx, trackingID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	msg, err := s.optionalMessage(ctx, trackingID)
	if err != nil {
		return nil, err
	}

	history := &domain.TrackingHistory{
		TrackingID:  trackingID,
		Message:     msg,
		Events:      nonNilEvents(events),
		TotalEvents: len(events),
	}
	if len(events) == 0 {
		return history, nil
	}

	anchor := events[0]
	anchor.ClassifiedForwarded = false
	view := &domain.AnchorOpen{
		OpenEvent:         anchor,
		ForwardedChildren: make([]domain.ForwardedOpen, 0, len(events)-1),
	}
	for _, ev := range events[1:] {
		result := classifier.Classify(events[:1], ev, ev.ForwardedBy)
		ev.ClassifiedForwarded = result.IsForward
		view.ForwardedChildren = append(view.ForwardedChildren, domain.ForwardedOpen{
			OpenEvent:        ev,
			IsForwarded:      result.IsForward,
			AttributedSender: result.AttributedSender,
		})
	}
	history.Anchor = view

	return history, nil
}

// GetStatistics 按追踪 ID 聚合事件次数，最近活跃的在前
func (s *TrackingService) GetStatistics(ctx context.Context) ([]domain.TrackingStatistic, error) {
	stats, err := s.store.EventStatistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("event statistics: %w", err)
	}
	if stats == nil {
		stats = []domain.TrackingStatistic{}
	}
	return stats, nil
}

// GetEvents 返回平铺事件列表，最新在前
func (s *TrackingService) GetEvents(ctx context.Context, trackingID string) (*EventList, error) {
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return nil, domain.ErrInvalidTrackingID
	}

	events, err := s.store.ListEvents(ctx, trackingID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	msg, err := s.optionalMessage(ctx, trackingID)
	if err != nil {
		return nil, err
	}

	reversed := make([]domain.OpenEvent, len(events))
	for i, ev := range events {
		reversed[len(events)-1-i] = ev
	}

	return &EventList{
		TrackingID: trackingID,
		Message:    msg,
		Events:     reversed,
		OpenCount:  countOpens(events),
	}, nil
}

// GetEmailSummary 返回单封邮件的摘要
//
// 只展开一层子邮件（ParentTrackingID 指向本邮件的邮件），子邮件的子邮件不再展开；
// 没有子邮件时 ForwardedEmails 为空列表。
//
// 返回值:
//   - error: 邮件未登记时返回 storage.ErrMessageNotFound
func (s *TrackingService) GetEmailSummary(ctx context.Context, trackingID string) (*domain.EmailSummary, error) {
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return nil, domain.ErrInvalidTrackingID
	}

	msg, err := s.store.GetMessage(ctx, trackingID)
	if err != nil {
		return nil, err
	}

	events, err := s.store.ListEvents(ctx, trackingID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	children, err := s.store.ListChildMessages(ctx, trackingID)
	if err != nil {
		return nil, fmt.Errorf("list child messages: %w", err)
	}

	childEvents := make([][]domain.OpenEvent, len(children))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range children {
		i := i
		g.Go(func() error {
			evs, err := s.store.ListEvents(gctx, children[i].TrackingID)
			if err != nil {
				return fmt.Errorf("list events of %s: %w", children[i].TrackingID, err)
			}
			childEvents[i] = nonNilEvents(evs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := &domain.EmailSummary{
		Email:                *msg,
		Events:               nonNilEvents(events),
		OpenCount:            countOpens(events),
		ForwardedEmails:      make([]domain.TrackedMessage, 0, len(children)),
		ForwardedEmailEvents: make(map[string][]domain.OpenEvent, len(children)),
	}
	for _, ev := range events {
		if ev.ClassifiedForwarded {
			summary.ForwardCount++
		}
	}
	for i, child := range children {
		summary.ForwardedEmails = append(summary.ForwardedEmails, child)
		summary.ForwardedEmailEvents[child.TrackingID] = childEvents[i]
	}

	return summary, nil
}

// ListMessages 分页列出已登记邮件及打开次数，最新发送的在前
func (s *TrackingService) ListMessages(ctx context.Context, limit, offset int) ([]domain.MessageOverview, error) {
	items, err := s.store.ListMessages(ctx, storage.ListOptions{Limit: limit, Offset: offset}.Normalize())
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if items == nil {
		items = []domain.MessageOverview{}
	}
	return items, nil
}

func (s *TrackingService) optionalMessage(ctx context.Context, trackingID string) (*domain.TrackedMessage, error) {
	msg, err := s.store.GetMessage(ctx, trackingID)
	if errors.Is(err, storage.ErrMessageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func countOpens(events []domain.OpenEvent) int {
	n := 0
	for _, ev := range events {
		if ev.Kind.IsOpen() {
			n++
		}
	}
	return n
}

func nonNilEvents(events []domain.OpenEvent) []domain.OpenEvent {
	if events == nil {
		return []domain.OpenEvent{}
	}
	return events
}
