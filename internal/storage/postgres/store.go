package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/storage"
)

// messageModel tracked_messages 表
type messageModel struct {
	TrackingID        string    `gorm:"primaryKey;size:128"`
	OriginalRecipient string    `gorm:"size:320;not null;default:''"`
	Subject           string    `gorm:"size:998;not null;default:''"`
	ParentTrackingID  *string   `gorm:"size:128;index"`
	SentAt            time.Time `gorm:"not null;index;precision:6"`
	EverOpened        bool      `gorm:"not null;default:false"`
	EverForwarded     bool      `gorm:"not null;default:false"`
}

func (messageModel) TableName() string { return "tracked_messages" }

// eventModel open_events 表
type eventModel struct {
	ID                  int64     `gorm:"primaryKey;autoIncrement"`
	TrackingID          string    `gorm:"size:128;not null;index:idx_open_events_tracking,priority:1"`
	Kind                string    `gorm:"size:16;not null"`
	ObservedAt          time.Time `gorm:"not null;precision:6;index:idx_open_events_tracking,priority:2"`
	SourceIP            string    `gorm:"size:64"`
	UserAgent           string    `gorm:"type:text"`
	Referrer            string    `gorm:"type:text"`
	ClaimedRecipient    string    `gorm:"size:320"`
	ForwardedBy         string    `gorm:"size:320"`
	LinkURL             string    `gorm:"type:text"`
	Country             string    `gorm:"size:8"`
	Region              string    `gorm:"size:128"`
	City                string    `gorm:"size:128"`
	Latitude            *float64
	Longitude           *float64
	Browser             string `gorm:"size:64"`
	OS                  string `gorm:"size:64"`
	Device              string `gorm:"size:32"`
	ClassifiedForwarded bool   `gorm:"not null;default:false"`
}

func (eventModel) TableName() string { return "open_events" }

// Store 基于 GORM 的存储实现（PostgreSQL / MySQL）
type Store struct {
	db *gorm.DB
}

// PoolOptions 连接池参数
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string, opts PoolOptions) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn), opts)
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string, opts PoolOptions) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn), opts)
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例并自动迁移表结构
func NewStoreWithDialector(dialector gorm.Dialector, opts PoolOptions) (*Store, error) {
	config := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 5
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(&messageModel{}, &eventModel{})
}

// ========== Message Repository ==========

// SaveMessage 登记追踪邮件
func (s *Store) SaveMessage(ctx context.Context, msg *domain.TrackedMessage) error {
	row := toMessageModel(msg)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return storage.ErrMessageExists
		}
		return err
	}
	return nil
}

// GetMessage 根据追踪 ID 获取邮件
func (s *Store) GetMessage(ctx context.Context, trackingID string) (*domain.TrackedMessage, error) {
	var row messageModel
	err := s.db.WithContext(ctx).Where("tracking_id = ?", trackingID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	msg := row.toDomain()
	return &msg, nil
}

// ListChildMessages 返回转发子邮件
func (s *Store) ListChildMessages(ctx context.Context, parentID string) ([]domain.TrackedMessage, error) {
	var rows []messageModel
	err := s.db.WithContext(ctx).
		Where("parent_tracking_id = ?", parentID).
		Order("sent_at ASC").Order("tracking_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.TrackedMessage, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// overviewRow ListMessages 查询结果
type overviewRow struct {
	messageModel
	OpenCount int
}

// ListMessages 返回邮件列表及打开次数
func (s *Store) ListMessages(ctx context.Context, opts storage.ListOptions) ([]domain.MessageOverview, error) {
	opts = opts.Normalize()

	var rows []overviewRow
	err := s.db.WithContext(ctx).
		Table("tracked_messages AS m").
		Select("m.*, COUNT(e.id) AS open_count").
		Joins("LEFT JOIN open_events e ON e.tracking_id = m.tracking_id AND e.kind IN ?", openKinds()).
		Group("m.tracking_id").
		Order("m.sent_at DESC").Order("m.tracking_id ASC").
		Limit(opts.Limit).Offset(opts.Offset).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.MessageOverview, len(rows))
	for i := range rows {
		out[i] = domain.MessageOverview{
			TrackedMessage: rows[i].messageModel.toDomain(),
			OpenCount:      rows[i].OpenCount,
		}
	}
	return out, nil
}

// MarkOpened 设置打开标记
func (s *Store) MarkOpened(ctx context.Context, trackingID string) error {
	return s.db.WithContext(ctx).
		Model(&messageModel{}).
		Where("tracking_id = ? AND ever_opened = ?", trackingID, false).
		Update("ever_opened", true).Error
}

// MarkForwarded 设置转发标记，返回本次是否首次置位
func (s *Store) MarkForwarded(ctx context.Context, trackingID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&messageModel{}).
		Where("tracking_id = ? AND ever_forwarded = ?", trackingID, false).
		Update("ever_forwarded", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ========== Event Repository ==========

// AppendEvent 追加事件
func (s *Store) AppendEvent(ctx context.Context, ev *domain.OpenEvent) (int64, error) {
	row := toEventModel(ev)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	ev.ID = row.ID
	return row.ID, nil
}

// ListEvents 返回指定追踪 ID 的全部事件
func (s *Store) ListEvents(ctx context.Context, trackingID string) ([]domain.OpenEvent, error) {
	var rows []eventModel
	err := s.db.WithContext(ctx).
		Where("tracking_id = ?", trackingID).
		Order("observed_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.OpenEvent, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// statRow EventStatistics 查询结果
type statRow struct {
	TrackingID string
	OpenCount  int
	FirstOpen  time.Time
	LastOpen   time.Time
}

// EventStatistics 按追踪 ID 聚合全部事件
func (s *Store) EventStatistics(ctx context.Context) ([]domain.TrackingStatistic, error) {
	var rows []statRow
	err := s.db.WithContext(ctx).
		Model(&eventModel{}).
		Select("tracking_id, COUNT(*) AS open_count, MIN(observed_at) AS first_open, MAX(observed_at) AS last_open").
		Group("tracking_id").
		Order("last_open DESC").Order("tracking_id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.TrackingStatistic, len(rows))
	for i, r := range rows {
		out[i] = domain.TrackingStatistic{
			TrackingID: r.TrackingID,
			OpenCount:  r.OpenCount,
			FirstOpen:  r.FirstOpen.UTC(),
			LastOpen:   r.LastOpen.UTC(),
		}
	}
	return out, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库健康状态
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// isDuplicate 判断是否为唯一键冲突
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func openKinds() []string {
	kinds := make([]string, len(storage.OpenKinds))
	for i, k := range storage.OpenKinds {
		kinds[i] = string(k)
	}
	return kinds
}

func toMessageModel(msg *domain.TrackedMessage) messageModel {
	return messageModel{
		TrackingID:        msg.TrackingID,
		OriginalRecipient: msg.OriginalRecipient,
		Subject:           msg.Subject,
		ParentTrackingID:  msg.ParentTrackingID,
		SentAt:            msg.SentAt.UTC(),
		EverOpened:        msg.EverOpened,
		EverForwarded:     msg.EverForwarded,
	}
}

func (m messageModel) toDomain() domain.TrackedMessage {
	return domain.TrackedMessage{
		TrackingID:        m.TrackingID,
		OriginalRecipient: m.OriginalRecipient,
		Subject:           m.Subject,
		ParentTrackingID:  m.ParentTrackingID,
		SentAt:            m.SentAt.UTC(),
		EverOpened:        m.EverOpened,
		EverForwarded:     m.EverForwarded,
	}
}

func toEventModel(ev *domain.OpenEvent) eventModel {
	row := eventModel{
		TrackingID:          ev.TrackingID,
		Kind:                string(ev.Kind),
		ObservedAt:          ev.ObservedAt.UTC(),
		SourceIP:            ev.SourceIP,
		UserAgent:           ev.UserAgent,
		Referrer:            ev.Referrer,
		ClaimedRecipient:    ev.ClaimedRecipient,
		ForwardedBy:         ev.ForwardedBy,
		LinkURL:             ev.LinkURL,
		ClassifiedForwarded: ev.ClassifiedForwarded,
	}
	if loc := ev.Location; loc != nil {
		lat, lon := loc.Latitude, loc.Longitude
		row.Country, row.Region, row.City = loc.Country, loc.Region, loc.City
		row.Latitude, row.Longitude = &lat, &lon
	}
	if dev := ev.Device; dev != nil {
		row.Browser, row.OS, row.Device = dev.Browser, dev.OS, dev.Device
	}
	return row
}

func (e eventModel) toDomain() domain.OpenEvent {
	ev := domain.OpenEvent{
		ID:                  e.ID,
		TrackingID:          e.TrackingID,
		Kind:                domain.EventKind(e.Kind),
		ObservedAt:          e.ObservedAt.UTC(),
		SourceIP:            e.SourceIP,
		UserAgent:           e.UserAgent,
		Referrer:            e.Referrer,
		ClaimedRecipient:    e.ClaimedRecipient,
		ForwardedBy:         e.ForwardedBy,
		LinkURL:             e.LinkURL,
		ClassifiedForwarded: e.ClassifiedForwarded,
	}
	if e.Latitude != nil {
		ev.Location = &domain.Location{
			Country: e.Country,
			Region:  e.Region,
			City:    e.City,
		}
		ev.Location.Latitude = *e.Latitude
		if e.Longitude != nil {
			ev.Location.Longitude = *e.Longitude
		}
	}
	if e.Browser != "" {
		ev.Device = &domain.DeviceInfo{Browser: e.Browser, OS: e.OS, Device: e.Device}
	}
	return ev
}
