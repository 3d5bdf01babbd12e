package monitoring

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrack/backend/internal/storage/memory"
)

type captureReceiver struct {
	alerts []*Alert
}

func (c *captureReceiver) SendAlert(alert *Alert) error {
	c.alerts = append(c.alerts, alert)
	return nil
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) Health(context.Context) error { return errors.New("connection refused") }

func TestMetrics(t *testing.T) {
	t.Run("独立注册表互不冲突", func(t *testing.T) {
		a := NewMetrics(prometheus.NewRegistry())
		b := NewMetrics(prometheus.NewRegistry())

		a.RecordEvent("open", false, time.Millisecond)
		a.RecordEvent("forward_open", true, time.Millisecond)
		b.RecordEvent("open", false, time.Millisecond)

		assert.Equal(t, 1.0, testutil.ToFloat64(a.EventsRecorded.WithLabelValues("forward_open")))
		assert.Equal(t, 1.0, testutil.ToFloat64(a.ForwardsDetected))
		assert.Equal(t, 0.0, testutil.ToFloat64(b.ForwardsDetected))
	})

	t.Run("地理解析与队列指标", func(t *testing.T) {
		m := NewMetrics(nil)
		m.ObserveGeoLookup("maxmind", "hit")
		m.ObserveGeoLookup("maxmind", "hit")
		m.SetQueueDepth(7)
		m.RecordDrop()
		m.RecordEmailSent(errors.New("smtp down"))

		assert.Equal(t, 2.0, testutil.ToFloat64(m.GeoLookups.WithLabelValues("maxmind", "hit")))
		assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.EmailsSent.WithLabelValues("failure")))
	})

	t.Run("暴露指标端点", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.RecordHTTPRequest("GET", "/api/track", "200", 5*time.Millisecond)

		rec := httptest.NewRecorder()
		m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		body, err := io.ReadAll(rec.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `mailtrack_http_requests_total{endpoint="/api/track",method="GET",status_code="200"} 1`)
	})
}

func TestAlertManager(t *testing.T) {
	ctx := context.Background()

	t.Run("队列积压触发告警并自动解除", func(t *testing.T) {
		am := NewAlertManager(nil)
		rec := &captureReceiver{}
		am.AddReceiver(rec)

		pending := 10
		am.AddRule(QueueBacklogRule(func() int { return pending }, 5))

		am.Evaluate(ctx)
		require.Len(t, rec.alerts, 1)
		assert.Equal(t, "pipeline", rec.alerts[0].Component)
		assert.Equal(t, "pipeline_backlog", rec.alerts[0].ID)

		am.Evaluate(ctx)
		assert.Len(t, rec.alerts, 1)
		require.Len(t, am.Active(), 1)

		pending = 0
		am.Evaluate(ctx)
		assert.Empty(t, am.Active())
	})

	t.Run("解除后冷却期内不重复触发", func(t *testing.T) {
		am := NewAlertManager(nil)
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		am.now = func() time.Time { return now }
		rec := &captureReceiver{}
		am.AddReceiver(rec)

		pending := 10
		am.AddRule(QueueBacklogRule(func() int { return pending }, 5))

		am.Evaluate(ctx)
		pending = 0
		am.Evaluate(ctx)
		pending = 10
		now = now.Add(time.Minute)
		am.Evaluate(ctx)
		assert.Len(t, rec.alerts, 1)
		assert.Empty(t, am.Active())

		now = now.Add(2 * time.Minute)
		am.Evaluate(ctx)
		assert.Len(t, rec.alerts, 2)
	})

	t.Run("积压阈值为零时空队列不告警", func(t *testing.T) {
		am := NewAlertManager(nil)
		rec := &captureReceiver{}
		am.AddReceiver(rec)

		pending := 0
		am.AddRule(QueueBacklogRule(func() int { return pending }, 0))

		am.Evaluate(ctx)
		assert.Empty(t, rec.alerts)

		pending = 1
		am.Evaluate(ctx)
		assert.Len(t, rec.alerts, 1)
	})

	t.Run("存储健康规则", func(t *testing.T) {
		healthy := StoreHealthRule(memory.NewStore(), time.Second)
		assert.False(t, healthy.Check(ctx))

		broken := StoreHealthRule(brokenStore{memory.NewStore()}, time.Second)
		assert.True(t, broken.Check(ctx))
		assert.Equal(t, SeverityCritical, broken.Severity)
	})
}
