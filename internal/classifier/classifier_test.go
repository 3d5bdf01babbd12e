package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mailtrack/backend/internal/domain"
)

func event(ip, ua string, offset time.Duration) domain.OpenEvent {
	return domain.OpenEvent{
		TrackingID: "abc123",
		SourceIP:   ip,
		UserAgent:  ua,
		ObservedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Add(offset),
	}
}

func TestClassify(t *testing.T) {
	anchor := event("1.1.1.1", "UA-A", 0)

	t.Run("空历史为锚点", func(t *testing.T) {
		r := Classify(nil, anchor, "")
		assert.False(t, r.IsForward)
		assert.Empty(t, r.AttributedSender)
	})

	t.Run("空历史忽略转发声明", func(t *testing.T) {
		r := Classify(nil, anchor, "alice@x.com")
		assert.False(t, r.IsForward)
	})

	t.Run("相同指纹为重复打开", func(t *testing.T) {
		r := Classify([]domain.OpenEvent{anchor}, event("1.1.1.1", "UA-A", 365*24*time.Hour), "")
		assert.False(t, r.IsForward)
	})

	t.Run("IP与UA都不同为转发", func(t *testing.T) {
		r := Classify([]domain.OpenEvent{anchor}, event("2.2.2.2", "UA-B", time.Minute), "")
		assert.True(t, r.IsForward)
		assert.Empty(t, r.AttributedSender)
	})

	t.Run("仅IP不同为转发", func(t *testing.T) {
		r := Classify([]domain.OpenEvent{anchor}, event("2.2.2.2", "UA-A", time.Minute), "")
		assert.True(t, r.IsForward)
	})

	t.Run("仅UA不同为转发", func(t *testing.T) {
		r := Classify([]domain.OpenEvent{anchor}, event("1.1.1.1", "UA-B", time.Minute), "")
		assert.True(t, r.IsForward)
	})

	t.Run("声明优先于指纹", func(t *testing.T) {
		r := Classify([]domain.OpenEvent{anchor}, event("1.1.1.1", "UA-A", time.Minute), " alice@x.com ")
		assert.True(t, r.IsForward)
		assert.Equal(t, "alice@x.com", r.AttributedSender)
	})

	t.Run("与锚点比较而非上一条", func(t *testing.T) {
		history := []domain.OpenEvent{anchor, event("2.2.2.2", "UA-B", time.Minute)}
		r := Classify(history, event("2.2.2.2", "UA-B", 2*time.Minute), "")
		assert.True(t, r.IsForward)

		r = Classify(history, event("1.1.1.1", "UA-A", 3*time.Minute), "")
		assert.False(t, r.IsForward)
	})

	t.Run("缺失数据视为信号不足", func(t *testing.T) {
		r := Classify([]domain.OpenEvent{anchor}, event("", "", time.Minute), "")
		assert.False(t, r.IsForward)

		r = Classify([]domain.OpenEvent{event("", "", 0)}, event("2.2.2.2", "UA-B", time.Minute), "")
		assert.False(t, r.IsForward)

		r = Classify([]domain.OpenEvent{anchor}, event("", "UA-B", time.Minute), "")
		assert.True(t, r.IsForward)
	})

	t.Run("重复执行结果一致", func(t *testing.T) {
		history := []domain.OpenEvent{anchor}
		ev := event("2.2.2.2", "UA-B", time.Minute)
		assert.Equal(t, Classify(history, ev, ""), Classify(history, ev, ""))
	})
}

func TestNewlyForwarded(t *testing.T) {
	forward := Result{IsForward: true}

	assert.True(t, NewlyForwarded(&domain.TrackedMessage{}, forward))
	assert.False(t, NewlyForwarded(&domain.TrackedMessage{EverForwarded: true}, forward))
	assert.False(t, NewlyForwarded(&domain.TrackedMessage{}, Result{}))
	assert.False(t, NewlyForwarded(nil, forward))
}

func TestKindFor(t *testing.T) {
	assert.Equal(t, domain.EventKindOpen, KindFor(domain.EventKindOpen, Result{}))
	assert.Equal(t, domain.EventKindForwardOpen, KindFor(domain.EventKindOpen, Result{IsForward: true}))
	assert.Equal(t, domain.EventKindClick, KindFor(domain.EventKindClick, Result{IsForward: true}))
}
