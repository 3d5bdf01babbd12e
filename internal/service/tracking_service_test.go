package service

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/signals"
	"mailtrack/backend/internal/storage"
	"mailtrack/backend/internal/storage/memory"
)

func appendAt(t *testing.T, store *memory.Store, id string, at time.Time, kind domain.EventKind, ip, ua string) {
	t.Helper()
	_, err := store.AppendEvent(context.Background(), &domain.OpenEvent{
		TrackingID: id, ObservedAt: at, Kind: kind, SourceIP: ip, UserAgent: ua,
	})
	require.NoError(t, err)
}

func TestTrackingService_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	messages := NewMessageService(store, "http://localhost:8080")
	recorder := NewRecorder(store, nil, 2, 16, nil)
	recorder.Start(ctx)
	queries := NewTrackingService(store)

	_, err := messages.CreateTracker(ctx, CreateTrackerInput{Recipient: "owner@example.com", TrackingID: "abc123"})
	require.NoError(t, err)

	pixel := func(ip, ua string) {
		req := httptest.NewRequest("GET", "/api/track?id=abc123", nil)
		req.Header.Set("X-Forwarded-For", ip)
		req.Header.Set("User-Agent", ua)
		require.True(t, recorder.Enqueue(signals.Extract(req), domain.EventKindOpen, ""))
	}
	pixel("1.1.1.1", "UA-A")
	pixel("2.2.2.2", "UA-B")
	recorder.Stop()

	history, err := queries.GetHistory(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, 2, history.TotalEvents)
	require.NotNil(t, history.Anchor)
	require.NotNil(t, history.Message)

	assert.Equal(t, "1.1.1.1", history.Anchor.SourceIP)
	assert.False(t, history.Anchor.ClassifiedForwarded)
	require.Len(t, history.Anchor.ForwardedChildren, 1)
	child := history.Anchor.ForwardedChildren[0]
	assert.True(t, child.ClassifiedForwarded)
	assert.True(t, child.IsForwarded)
	assert.Equal(t, "2.2.2.2", child.SourceIP)

	assert.True(t, history.Message.EverForwarded)
}

func TestTrackingService_GetHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("没有事件返回空历史", func(t *testing.T) {
		h, err := NewTrackingService(memory.NewStore()).GetHistory(ctx, "nothing")
		require.NoError(t, err)
		assert.True(t, h.Empty())
		assert.Nil(t, h.Anchor)
		assert.NotNil(t, h.Events)
		assert.Nil(t, h.Message)
	})

	t.Run("读取时按锚点重新判定", func(t *testing.T) {
		store := memory.NewStore()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		appendAt(t, store, "h1", base, domain.EventKindOpen, "1.1.1.1", "UA-A")
		appendAt(t, store, "h1", base.Add(time.Minute), domain.EventKindForwardOpen, "2.2.2.2", "UA-B")
		// 与前一条相同但与锚点相同，应为非转发
		appendAt(t, store, "h1", base.Add(2*time.Minute), domain.EventKindOpen, "1.1.1.1", "UA-A")
		// 缺少 UA 且 IP 相同，信号不足
		appendAt(t, store, "h1", base.Add(3*time.Minute), domain.EventKindOpen, "1.1.1.1", "")

		h, err := NewTrackingService(store).GetHistory(ctx, "h1")
		require.NoError(t, err)
		require.Len(t, h.Events, 4)
		require.Len(t, h.Anchor.ForwardedChildren, 3)

		got := []bool{}
		for _, c := range h.Anchor.ForwardedChildren {
			got = append(got, c.IsForwarded)
		}
		assert.Equal(t, []bool{true, false, false}, got)

		for i := 1; i < len(h.Events); i++ {
			assert.False(t, h.Events[i].ObservedAt.Before(h.Events[i-1].ObservedAt))
		}
	})

	t.Run("空追踪ID", func(t *testing.T) {
		_, err := NewTrackingService(memory.NewStore()).GetHistory(ctx, "  ")
		assert.ErrorIs(t, err, domain.ErrInvalidTrackingID)
	})
}

func TestTrackingService_GetStatistics(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	counts := map[string]int{"a": 3, "b": 1, "c": 2}
	offset := 0
	for _, id := range []string{"a", "b", "c"} {
		for i := 0; i < counts[id]; i++ {
			offset++
			appendAt(t, store, id, base.Add(time.Duration(offset)*time.Minute), domain.EventKindOpen, "1.1.1.1", "UA")
		}
	}
	// 只有点击的追踪 ID 同样产生一行
	appendAt(t, store, "d", base.Add(time.Hour), domain.EventKindClick, "1.1.1.1", "UA")

	stats, err := NewTrackingService(store).GetStatistics(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 4)

	total := 0
	for i, s := range stats {
		total += s.OpenCount
		if i > 0 {
			assert.False(t, s.LastOpen.After(stats[i-1].LastOpen))
		}
	}
	assert.Equal(t, 7, total)
	assert.Equal(t, "d", stats[0].TrackingID)
	assert.Equal(t, 1, stats[0].OpenCount)
	assert.Equal(t, "c", stats[1].TrackingID)

	empty, err := NewTrackingService(memory.NewStore()).GetStatistics(ctx)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestTrackingService_GetEmailSummary(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	messages := NewMessageService(store, "http://localhost:8080")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := messages.CreateTracker(ctx, CreateTrackerInput{Recipient: "a@example.com", TrackingID: "root"})
	require.NoError(t, err)
	_, err = messages.CreateTracker(ctx, CreateTrackerInput{Recipient: "b@example.com", TrackingID: "child", ParentTrackingID: "root"})
	require.NoError(t, err)
	_, err = messages.CreateTracker(ctx, CreateTrackerInput{Recipient: "c@example.com", TrackingID: "grandchild", ParentTrackingID: "child"})
	require.NoError(t, err)

	appendAt(t, store, "root", base, domain.EventKindOpen, "1.1.1.1", "UA-A")
	_, err = store.AppendEvent(ctx, &domain.OpenEvent{
		TrackingID: "root", ObservedAt: base.Add(time.Minute), Kind: domain.EventKindForwardOpen,
		SourceIP: "2.2.2.2", UserAgent: "UA-B", ClassifiedForwarded: true,
	})
	require.NoError(t, err)
	appendAt(t, store, "child", base.Add(2*time.Minute), domain.EventKindOpen, "3.3.3.3", "UA-C")

	svc := NewTrackingService(store)

	t.Run("展开一层子邮件", func(t *testing.T) {
		s, err := svc.GetEmailSummary(ctx, "root")
		require.NoError(t, err)
		assert.Equal(t, "root", s.Email.TrackingID)
		assert.Equal(t, 2, s.OpenCount)
		assert.Equal(t, 1, s.ForwardCount)
		require.Len(t, s.ForwardedEmails, 1)
		assert.Equal(t, "child", s.ForwardedEmails[0].TrackingID)
		assert.Len(t, s.ForwardedEmailEvents["child"], 1)
		_, expanded := s.ForwardedEmailEvents["grandchild"]
		assert.False(t, expanded)
	})

	t.Run("没有子邮件返回空列表", func(t *testing.T) {
		s, err := svc.GetEmailSummary(ctx, "grandchild")
		require.NoError(t, err)
		assert.NotNil(t, s.ForwardedEmails)
		assert.Empty(t, s.ForwardedEmails)
		assert.Empty(t, s.Events)
	})

	t.Run("未登记邮件", func(t *testing.T) {
		_, err := svc.GetEmailSummary(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	})

	t.Run("平铺事件最新在前", func(t *testing.T) {
		list, err := svc.GetEvents(ctx, "root")
		require.NoError(t, err)
		require.Len(t, list.Events, 2)
		assert.Equal(t, "2.2.2.2", list.Events[0].SourceIP)
		assert.Equal(t, 2, list.OpenCount)
		assert.NotNil(t, list.Message)
	})

	t.Run("邮件列表带打开次数", func(t *testing.T) {
		items, err := svc.ListMessages(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, items, 3)
		counts := map[string]int{}
		for _, it := range items {
			counts[it.TrackingID] = it.OpenCount
		}
		assert.Equal(t, 2, counts["root"])
		assert.Equal(t, 1, counts["child"])
		assert.Equal(t, 0, counts["grandchild"])
	})
}
