package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	PanicsTotal         prometheus.Counter

	// 事件管线指标
	EventsRecorded   *prometheus.CounterVec
	ForwardsDetected prometheus.Counter
	RecordFailures   *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	RecordDuration   prometheus.Histogram
	QueueDepth       prometheus.Gauge

	// 地理解析指标
	GeoLookups *prometheus.CounterVec

	// 实时推送指标
	WebSocketClients prometheus.Gauge

	// 邮件发送指标
	EmailsSent *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics 在 reg 上注册全部指标
//
// 参数:
//   - reg: 注册表，传 nil 时使用一个新的独立注册表
//
// 返回值:
//   - *Metrics: 指标集合
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtrack_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailtrack_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailtrack_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		EventsRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtrack_events_recorded_total",
				Help: "Total number of tracking events persisted, by kind",
			},
			[]string{"kind"},
		),

		ForwardsDetected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailtrack_forwards_detected_total",
				Help: "Total number of messages newly flagged as forwarded",
			},
		),

		RecordFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtrack_record_failures_total",
				Help: "Total number of tracking events that failed to persist",
			},
			[]string{"stage"},
		),

		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailtrack_events_dropped_total",
				Help: "Total number of captures dropped because the pipeline queue was full",
			},
		),

		RecordDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailtrack_record_duration_seconds",
				Help:    "Time spent enriching, classifying and persisting one capture",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailtrack_pipeline_queue_depth",
				Help: "Number of captures waiting in the pipeline queue",
			},
		),

		GeoLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtrack_geo_lookups_total",
				Help: "Total number of geolocation lookups, by provider and result",
			},
			[]string{"provider", "result"},
		),

		WebSocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailtrack_websocket_clients",
				Help: "Number of connected live-feed clients",
			},
		),

		EmailsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtrack_emails_sent_total",
				Help: "Total number of tracked emails handed to SMTP, by result",
			},
			[]string{"result"},
		),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordEvent 记录一条落库事件
func (m *Metrics) RecordEvent(kind string, newlyForwarded bool, duration time.Duration) {
	m.EventsRecorded.WithLabelValues(kind).Inc()
	m.RecordDuration.Observe(duration.Seconds())
	if newlyForwarded {
		m.ForwardsDetected.Inc()
	}
}

// RecordFailure 记录事件处理失败，stage 为失败的步骤
func (m *Metrics) RecordFailure(stage string) {
	m.RecordFailures.WithLabelValues(stage).Inc()
}

// RecordDrop 记录队列满被丢弃的采集
func (m *Metrics) RecordDrop() {
	m.EventsDropped.Inc()
}

// SetQueueDepth 更新队列深度
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// ObserveGeoLookup 记录地理解析结果，签名与 geo.Observer 一致
func (m *Metrics) ObserveGeoLookup(provider, result string) {
	m.GeoLookups.WithLabelValues(provider, result).Inc()
}

// SetWebSocketClients 更新在线订阅数
func (m *Metrics) SetWebSocketClients(n int) {
	m.WebSocketClients.Set(float64(n))
}

// RecordEmailSent 记录一次邮件发送
func (m *Metrics) RecordEmailSent(err error) {
	if err != nil {
		m.EmailsSent.WithLabelValues("failure").Inc()
		return
	}
	m.EmailsSent.WithLabelValues("success").Inc()
}

// HTTPHandler 返回 /metrics 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
