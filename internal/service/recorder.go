package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailtrack/backend/internal/classifier"
	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/monitoring"
	"mailtrack/backend/internal/notify"
	"mailtrack/backend/internal/pool"
	"mailtrack/backend/internal/signals"
	"mailtrack/backend/internal/storage"
)

// 记录失败的步骤，同时用作 record_failures_total 的 stage 标签
const (
	StageLoadHistory = "load_history"
	StageLoadMessage = "load_message"
	StageAppend      = "append"
	StageRollup      = "rollup"
	StagePanic       = "panic"
)

var (
	// ErrMissingTrackingID 采集中没有追踪 ID
	ErrMissingTrackingID = errors.New("missing tracking id")
	// ErrInvalidEventKind 事件类型不合法
	ErrInvalidEventKind = errors.New("invalid event kind")
)

// RecordError 某个步骤的持久化失败
type RecordError struct {
	Stage string
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s: %v", e.Stage, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// GeoResolver IP 地理位置解析，失败时返回 nil
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) *domain.Location
}

// Capture 一次待记录的采集
type Capture struct {
	Signals    signals.Signals
	Kind       domain.EventKind
	LinkURL    string
	ObservedAt time.Time
}

// Recorder 打开事件记录器
//
// Enqueue 在请求路径上调用，只打时间戳并入队；Record 由工作协程执行，
// 完成地理解析、分类、落库、汇总标记与通知。同一追踪 ID 的采集总在同一个
// 工作协程上按到达顺序串行处理。
type Recorder struct {
	store     storage.Store
	geo       GeoResolver
	pool      *pool.KeyedPool
	clock     *Clock
	publisher notify.Publisher
	metrics   *monitoring.Metrics
	timeout   time.Duration
	log       *zap.Logger
}

// RecorderOption 记录器选项
type RecorderOption func(*Recorder)

// WithPublisher 设置事件通知下游
func WithPublisher(p notify.Publisher) RecorderOption {
	return func(r *Recorder) { r.publisher = p }
}

// WithMetrics 设置监控指标
func WithMetrics(m *monitoring.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithClock 替换时钟，用于测试
func WithClock(c *Clock) RecorderOption {
	return func(r *Recorder) { r.clock = c }
}

// WithRecordTimeout 单次记录的超时时间
func WithRecordTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRecorder 创建记录器
//
// 参数:
//   - store: 事件存储
//   - geo: 地理解析器，可为 nil
//   - workers: 工作协程数
//   - queueSize: 每个工作协程的队列长度
//   - log: 日志记录器
func NewRecorder(store storage.Store, geo GeoResolver, workers, queueSize int, log *zap.Logger, opts ...RecorderOption) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{
		store:     store,
		geo:       geo,
		clock:     NewClock(),
		publisher: notify.NewMulti(log),
		timeout:   10 * time.Second,
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.pool = pool.NewKeyedPool(workers, queueSize, r.onPanic)
	return r
}

// Start 启动工作协程
func (r *Recorder) Start(ctx context.Context) {
	r.pool.Start(ctx)
}

// Stop 停止接收新采集，等待队列中的采集处理完
func (r *Recorder) Stop() {
	r.pool.Stop()
	r.setQueueDepth()
}

// Pending 队列中等待处理的采集数
func (r *Recorder) Pending() int {
	return r.pool.Pending()
}

// Enqueue 为采集打时间戳并入队，立即返回
//
// 参数:
//   - sig: 请求信号，TrackingID 为空时不入队
//   - kind: 请求的事件类型，open 或 click
//   - linkURL: 点击的目标地址
//
// 返回值:
//   - bool: 是否入队成功；队列满时丢弃并计数
func (r *Recorder) Enqueue(sig signals.Signals, kind domain.EventKind, linkURL string) bool {
	if sig.TrackingID == "" {
		return false
	}

	c := Capture{
		Signals:    sig,
		Kind:       kind,
		LinkURL:    linkURL,
		ObservedAt: r.clock.Now(),
	}

	ok := r.pool.TrySubmit(sig.TrackingID, func(ctx context.Context) {
		r.process(ctx, c)
	})
	r.setQueueDepth()

	if !ok {
		r.log.Warn("pipeline queue full, capture dropped",
			zap.String("trackingId", sig.TrackingID),
			zap.String("kind", string(kind)))
		if r.metrics != nil {
			r.metrics.RecordDrop()
		}
	}
	return ok
}

func (r *Recorder) process(ctx context.Context, c Capture) {
	// 停机时 ctx 已取消，队列里剩余的采集仍要写完
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	defer r.setQueueDepth()

	id, err := r.Record(ctx, c)
	if err == nil {
		return
	}

	stage := StageAppend
	var re *RecordError
	if errors.As(err, &re) {
		stage = re.Stage
	}
	r.log.Error("failed to record tracking event",
		zap.String("trackingId", c.Signals.TrackingID),
		zap.String("stage", stage),
		zap.Int64("eventId", id),
		zap.Error(err))
	if r.metrics != nil {
		r.metrics.RecordFailure(stage)
	}
}

// Record 同步执行一次采集的完整处理
//
// 地理解析和设备解析失败只留空字段；事件追加成功后再更新汇总标记并通知下游，
// 汇总标记失败时仍返回事件 ID。
//
// 参数:
//   - ctx: 上下文
//   - c: 采集
//
// 返回值:
//   - int64: 事件 ID，追加失败时为 0
//   - error: *RecordError，Stage 标明失败步骤
func (r *Recorder) Record(ctx context.Context, c Capture) (int64, error) {
	start := time.Now()
	sig := c.Signals

	if sig.TrackingID == "" {
		return 0, ErrMissingTrackingID
	}
	if c.Kind == "" {
		c.Kind = domain.EventKindOpen
	}
	if !c.Kind.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidEventKind, c.Kind)
	}
	if c.ObservedAt.IsZero() {
		c.ObservedAt = r.clock.Now()
	}

	ev := domain.OpenEvent{
		TrackingID:       sig.TrackingID,
		ObservedAt:       c.ObservedAt,
		SourceIP:         sig.IP,
		UserAgent:        sig.UserAgent,
		Referrer:         sig.Referrer,
		ClaimedRecipient: sig.ClaimedRecipient,
		ForwardedBy:      sig.ForwardedBy,
		LinkURL:          c.LinkURL,
		Device:           sig.Device,
	}
	if ev.Device == nil {
		ev.Device = signals.ParseUserAgent(sig.UserAgent)
	}
	if r.geo != nil {
		ev.Location = r.geo.Resolve(ctx, sig.IP)
	}

	history, err := r.store.ListEvents(ctx, sig.TrackingID)
	if err != nil {
		return 0, &RecordError{Stage: StageLoadHistory, Err: err}
	}

	msg, err := r.store.GetMessage(ctx, sig.TrackingID)
	if err != nil {
		if !errors.Is(err, storage.ErrMessageNotFound) {
			return 0, &RecordError{Stage: StageLoadMessage, Err: err}
		}
		// 孤立事件照常记录
		msg = nil
	}

	result := classifier.Classify(history, ev, sig.ForwardedBy)
	ev.ClassifiedForwarded = result.IsForward
	if result.AttributedSender != "" {
		ev.ForwardedBy = result.AttributedSender
	}
	ev.Kind = classifier.KindFor(c.Kind, result)

	id, err := r.store.AppendEvent(ctx, &ev)
	if err != nil {
		return 0, &RecordError{Stage: StageAppend, Err: err}
	}
	ev.ID = id

	newlyForwarded, rollupErr := r.updateRollups(ctx, msg, ev, result)

	if r.publisher != nil {
		_ = r.publisher.Publish(ctx, notify.Notification{
			TrackingID:     ev.TrackingID,
			Event:          ev,
			NewlyForwarded: newlyForwarded,
		})
	}

	if r.metrics != nil {
		r.metrics.RecordEvent(string(ev.Kind), newlyForwarded, time.Since(start))
	}

	r.log.Debug("tracking event recorded",
		zap.String("trackingId", ev.TrackingID),
		zap.Int64("eventId", id),
		zap.String("kind", string(ev.Kind)),
		zap.Bool("forwarded", ev.ClassifiedForwarded))

	if rollupErr != nil {
		return id, &RecordError{Stage: StageRollup, Err: rollupErr}
	}
	return id, nil
}

// updateRollups 更新邮件的 EverOpened / EverForwarded
func (r *Recorder) updateRollups(ctx context.Context, msg *domain.TrackedMessage, ev domain.OpenEvent, result classifier.Result) (bool, error) {
	if msg == nil {
		return false, nil
	}

	if ev.Kind.IsOpen() && !msg.EverOpened {
		if err := r.store.MarkOpened(ctx, msg.TrackingID); err != nil {
			return false, err
		}
	}

	if !classifier.NewlyForwarded(msg, result) {
		return false, nil
	}
	changed, err := r.store.MarkForwarded(ctx, msg.TrackingID)
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (r *Recorder) onPanic(key string, recovered interface{}) {
	r.log.Error("panic while recording tracking event",
		zap.String("trackingId", key),
		zap.Any("panic", recovered),
		zap.Stack("stack"))
	if r.metrics != nil {
		r.metrics.RecordFailure(StagePanic)
	}
}

func (r *Recorder) setQueueDepth() {
	if r.metrics != nil {
		r.metrics.SetQueueDepth(r.pool.Pending())
	}
}
