package memory

import (
	"context"
	"sort"
	"sync"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/storage"
)

// Store 使用内存保存追踪邮件与事件，主要用于开发验证和测试。
type Store struct {
	mu       sync.RWMutex
	messages map[string]*domain.TrackedMessage // trackingID -> message
	children map[string][]string               // parentID -> child trackingIDs
	events   map[string][]domain.OpenEvent     // trackingID -> events（有序）
	nextID   int64
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		messages: make(map[string]*domain.TrackedMessage),
		children: make(map[string][]string),
		events:   make(map[string][]domain.OpenEvent),
	}
}

// SaveMessage 登记追踪邮件。
func (s *Store) SaveMessage(_ context.Context, msg *domain.TrackedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.TrackingID]; exists {
		return storage.ErrMessageExists
	}

	cp := cloneMessage(msg)
	s.messages[msg.TrackingID] = cp
	if cp.ParentTrackingID != nil {
		parent := *cp.ParentTrackingID
		s.children[parent] = append(s.children[parent], cp.TrackingID)
	}
	return nil
}

// GetMessage 根据追踪 ID 获取邮件。
func (s *Store) GetMessage(_ context.Context, trackingID string) (*domain.TrackedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[trackingID]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

// ListChildMessages 返回转发子邮件。
func (s *Store) ListChildMessages(_ context.Context, parentID string) ([]domain.TrackedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.children[parentID]
	out := make([]domain.TrackedMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, *cloneMessage(s.messages[id]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out, nil
}

// ListMessages 返回邮件列表及打开次数。
func (s *Store) ListMessages(_ context.Context, opts storage.ListOptions) ([]domain.MessageOverview, error) {
	opts = opts.Normalize()

	s.mu.RLock()
	all := make([]domain.MessageOverview, 0, len(s.messages))
	for id, msg := range s.messages {
		all = append(all, domain.MessageOverview{
			TrackedMessage: *cloneMessage(msg),
			OpenCount:      countOpens(s.events[id]),
		})
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].SentAt.Equal(all[j].SentAt) {
			return all[i].TrackingID < all[j].TrackingID
		}
		return all[i].SentAt.After(all[j].SentAt)
	})

	if opts.Offset >= len(all) {
		return []domain.MessageOverview{}, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[opts.Offset:end], nil
}

// MarkOpened 设置打开标记。
func (s *Store) MarkOpened(_ context.Context, trackingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg, ok := s.messages[trackingID]; ok {
		msg.EverOpened = true
	}
	return nil
}

// MarkForwarded 设置转发标记。
func (s *Store) MarkForwarded(_ context.Context, trackingID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[trackingID]
	if !ok || msg.EverForwarded {
		return false, nil
	}
	msg.EverForwarded = true
	return true, nil
}

// AppendEvent 追加事件，同一时间戳的事件按写入顺序排列。
func (s *Store) AppendEvent(_ context.Context, ev *domain.OpenEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	ev.ID = s.nextID

	list := s.events[ev.TrackingID]
	i := sort.Search(len(list), func(i int) bool {
		return ev.Before(list[i])
	})
	list = append(list, domain.OpenEvent{})
	copy(list[i+1:], list[i:])
	list[i] = cloneEvent(*ev)
	s.events[ev.TrackingID] = list

	return ev.ID, nil
}

// ListEvents 返回事件副本。
func (s *Store) ListEvents(_ context.Context, trackingID string) ([]domain.OpenEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.events[trackingID]
	out := make([]domain.OpenEvent, len(list))
	for i, ev := range list {
		out[i] = cloneEvent(ev)
	}
	return out, nil
}

// EventStatistics 聚合统计。
func (s *Store) EventStatistics(_ context.Context) ([]domain.TrackingStatistic, error) {
	s.mu.RLock()
	stats := make([]domain.TrackingStatistic, 0, len(s.events))
	for id, list := range s.events {
		if len(list) == 0 {
			continue
		}
		stats = append(stats, domain.TrackingStatistic{
			TrackingID: id,
			OpenCount:  len(list),
			FirstOpen:  list[0].ObservedAt,
			LastOpen:   list[len(list)-1].ObservedAt,
		})
	}
	s.mu.RUnlock()

	storage.SortStatistics(stats)
	return stats, nil
}

// Close 内存存储无需释放资源。
func (s *Store) Close() error { return nil }

// Health 内存存储始终可用。
func (s *Store) Health(context.Context) error { return nil }

func countOpens(list []domain.OpenEvent) int {
	n := 0
	for _, ev := range list {
		if ev.Kind.IsOpen() {
			n++
		}
	}
	return n
}

func cloneMessage(msg *domain.TrackedMessage) *domain.TrackedMessage {
	cp := *msg
	if msg.ParentTrackingID != nil {
		parent := *msg.ParentTrackingID
		cp.ParentTrackingID = &parent
	}
	return &cp
}

func cloneEvent(ev domain.OpenEvent) domain.OpenEvent {
	if ev.Location != nil {
		loc := *ev.Location
		ev.Location = &loc
	}
	if ev.Device != nil {
		dev := *ev.Device
		ev.Device = &dev
	}
	return ev
}
