package sql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/lib/pq"              // PostgreSQL driver

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/storage"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db         *sql.DB
	driverName string // "mysql" or "postgres"
}

// NewStore 创建 SQL 数据库存储并执行建表
//
// MySQL 的 DSN 必须带 parseTime=true。
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	if err := checkDriver(driverName); err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := Migrate(ctx, db, driverName); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return NewWithDB(db, driverName), nil
}

// NewWithDB 使用已打开的连接创建存储，不执行迁移
func NewWithDB(db *sql.DB, driverName string) *Store {
	return &Store{db: db, driverName: driverName}
}

// Migrate 执行建表脚本，返回执行的语句数
func Migrate(ctx context.Context, db *sql.DB, driverName string) (int, error) {
	return runSchema(ctx, db, driverName, "up")
}

// Rollback 执行删表脚本，返回执行的语句数
func Rollback(ctx context.Context, db *sql.DB, driverName string) (int, error) {
	return runSchema(ctx, db, driverName, "down")
}

// Statements 返回指定驱动和方向的迁移语句
func Statements(driverName, direction string) ([]string, error) {
	if err := checkDriver(driverName); err != nil {
		return nil, err
	}
	content, err := schemaFS.ReadFile(fmt.Sprintf("schema/%s.%s.sql", driverName, direction))
	if err != nil {
		return nil, fmt.Errorf("unknown migration %s.%s: %w", driverName, direction, err)
	}
	return splitStatements(string(content)), nil
}

func runSchema(ctx context.Context, db *sql.DB, driverName, direction string) (int, error) {
	stmts, err := Statements(driverName, direction)
	if err != nil {
		return 0, err
	}
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return i, fmt.Errorf("statement %d failed: %w", i+1, err)
		}
	}
	return len(stmts), nil
}

// splitStatements 按分号拆分 SQL，忽略空语句和纯注释
func splitStatements(content string) []string {
	var out []string
	for _, part := range strings.Split(content, ";") {
		stmt := strings.TrimSpace(part)
		if stmt == "" || strings.HasPrefix(stmt, "--") {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

func checkDriver(driverName string) error {
	if driverName != "mysql" && driverName != "postgres" {
		return fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}
	return nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.PingContext(ctx)
}

// rebind 将 ? 占位符转换为当前数据库的占位符
func (s *Store) rebind(query string) string {
	if s.driverName != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ========== Message Repository ==========

const messageColumns = "tracking_id, original_recipient, subject, parent_tracking_id, sent_at, ever_opened, ever_forwarded"

// SaveMessage 登记追踪邮件
func (s *Store) SaveMessage(ctx context.Context, msg *domain.TrackedMessage) error {
	query := s.rebind(`INSERT INTO tracked_messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		msg.TrackingID,
		msg.OriginalRecipient,
		msg.Subject,
		msg.ParentTrackingID,
		msg.SentAt.UTC(),
		msg.EverOpened,
		msg.EverForwarded,
	)
	if err != nil {
		if isDuplicate(err) {
			return storage.ErrMessageExists
		}
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// GetMessage 根据追踪 ID 获取邮件
func (s *Store) GetMessage(ctx context.Context, trackingID string) (*domain.TrackedMessage, error) {
	query := s.rebind(`SELECT ` + messageColumns + ` FROM tracked_messages WHERE tracking_id = ?`)
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, trackingID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ListChildMessages 返回转发子邮件
func (s *Store) ListChildMessages(ctx context.Context, parentID string) ([]domain.TrackedMessage, error) {
	query := s.rebind(`SELECT ` + messageColumns + ` FROM tracked_messages
		WHERE parent_tracking_id = ? ORDER BY sent_at ASC, tracking_id ASC`)
	rows, err := s.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child messages: %w", err)
	}
	defer rows.Close()

	out := []domain.TrackedMessage{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

// ListMessages 返回邮件列表及打开次数
func (s *Store) ListMessages(ctx context.Context, opts storage.ListOptions) ([]domain.MessageOverview, error) {
	opts = opts.Normalize()
	query := s.rebind(`SELECT m.tracking_id, m.original_recipient, m.subject, m.parent_tracking_id,
			m.sent_at, m.ever_opened, m.ever_forwarded, COUNT(e.id)
		FROM tracked_messages m
		LEFT JOIN open_events e ON e.tracking_id = m.tracking_id AND e.kind IN (?, ?)
		GROUP BY m.tracking_id, m.original_recipient, m.subject, m.parent_tracking_id,
			m.sent_at, m.ever_opened, m.ever_forwarded
		ORDER BY m.sent_at DESC, m.tracking_id ASC
		LIMIT ? OFFSET ?`)

	rows, err := s.db.QueryContext(ctx, query,
		string(domain.EventKindOpen), string(domain.EventKindForwardOpen), opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	out := []domain.MessageOverview{}
	for rows.Next() {
		var (
			o      domain.MessageOverview
			parent sql.NullString
		)
		if err := rows.Scan(&o.TrackingID, &o.OriginalRecipient, &o.Subject, &parent,
			&o.SentAt, &o.EverOpened, &o.EverForwarded, &o.OpenCount); err != nil {
			return nil, err
		}
		if parent.Valid {
			o.ParentTrackingID = &parent.String
		}
		o.SentAt = o.SentAt.UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkOpened 设置打开标记
func (s *Store) MarkOpened(ctx context.Context, trackingID string) error {
	query := s.rebind(`UPDATE tracked_messages SET ever_opened = TRUE WHERE tracking_id = ? AND ever_opened = FALSE`)
	if _, err := s.db.ExecContext(ctx, query, trackingID); err != nil {
		return fmt.Errorf("failed to mark opened: %w", err)
	}
	return nil
}

// MarkForwarded 设置转发标记，返回本次是否首次置位
func (s *Store) MarkForwarded(ctx context.Context, trackingID string) (bool, error) {
	query := s.rebind(`UPDATE tracked_messages SET ever_forwarded = TRUE WHERE tracking_id = ? AND ever_forwarded = FALSE`)
	result, err := s.db.ExecContext(ctx, query, trackingID)
	if err != nil {
		return false, fmt.Errorf("failed to mark forwarded: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ========== Event Repository ==========

const eventColumns = `tracking_id, kind, observed_at, source_ip, user_agent, referrer,
	claimed_recipient, forwarded_by, link_url, country, region, city, latitude, longitude,
	browser, os, device, classified_forwarded`

// AppendEvent 追加事件
func (s *Store) AppendEvent(ctx context.Context, ev *domain.OpenEvent) (int64, error) {
	query := `INSERT INTO open_events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := eventArgs(ev)

	var id int64
	if s.driverName == "postgres" {
		err := s.db.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to append event: %w", err)
		}
	} else {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to append event: %w", err)
		}
		if id, err = result.LastInsertId(); err != nil {
			return 0, err
		}
	}

	ev.ID = id
	return id, nil
}

// ListEvents 返回指定追踪 ID 的全部事件
func (s *Store) ListEvents(ctx context.Context, trackingID string) ([]domain.OpenEvent, error) {
	query := s.rebind(`SELECT id, ` + eventColumns + ` FROM open_events
		WHERE tracking_id = ? ORDER BY observed_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, query, trackingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	out := []domain.OpenEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventStatistics 按追踪 ID 聚合全部事件
func (s *Store) EventStatistics(ctx context.Context) ([]domain.TrackingStatistic, error) {
	query := `SELECT tracking_id, COUNT(*), MIN(observed_at), MAX(observed_at)
		FROM open_events
		GROUP BY tracking_id
		ORDER BY MAX(observed_at) DESC, tracking_id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate statistics: %w", err)
	}
	defer rows.Close()

	out := []domain.TrackingStatistic{}
	for rows.Next() {
		var st domain.TrackingStatistic
		if err := rows.Scan(&st.TrackingID, &st.OpenCount, &st.FirstOpen, &st.LastOpen); err != nil {
			return nil, err
		}
		st.FirstOpen, st.LastOpen = st.FirstOpen.UTC(), st.LastOpen.UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// ========== helpers ==========

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*domain.TrackedMessage, error) {
	var (
		msg    domain.TrackedMessage
		parent sql.NullString
	)
	if err := row.Scan(&msg.TrackingID, &msg.OriginalRecipient, &msg.Subject, &parent,
		&msg.SentAt, &msg.EverOpened, &msg.EverForwarded); err != nil {
		return nil, err
	}
	if parent.Valid {
		msg.ParentTrackingID = &parent.String
	}
	msg.SentAt = msg.SentAt.UTC()
	return &msg, nil
}

func scanEvent(row scanner) (domain.OpenEvent, error) {
	var (
		ev                    domain.OpenEvent
		kind                  string
		country, region, city string
		lat, lon              sql.NullFloat64
		browser, os, device   string
	)
	err := row.Scan(&ev.ID, &ev.TrackingID, &kind, &ev.ObservedAt, &ev.SourceIP, &ev.UserAgent, &ev.Referrer,
		&ev.ClaimedRecipient, &ev.ForwardedBy, &ev.LinkURL, &country, &region, &city, &lat, &lon,
		&browser, &os, &device, &ev.ClassifiedForwarded)
	if err != nil {
		return ev, err
	}

	ev.Kind = domain.EventKind(kind)
	ev.ObservedAt = ev.ObservedAt.UTC()
	if lat.Valid {
		ev.Location = &domain.Location{
			Country:   country,
			Region:    region,
			City:      city,
			Latitude:  lat.Float64,
			Longitude: lon.Float64,
		}
	}
	if browser != "" {
		ev.Device = &domain.DeviceInfo{Browser: browser, OS: os, Device: device}
	}
	return ev, nil
}

func eventArgs(ev *domain.OpenEvent) []any {
	var (
		country, region, city string
		lat, lon              sql.NullFloat64
		browser, os, device   string
	)
	if loc := ev.Location; loc != nil {
		country, region, city = loc.Country, loc.Region, loc.City
		lat = sql.NullFloat64{Float64: loc.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: loc.Longitude, Valid: true}
	}
	if dev := ev.Device; dev != nil {
		browser, os, device = dev.Browser, dev.OS, dev.Device
	}
	return []any{
		ev.TrackingID, string(ev.Kind), ev.ObservedAt.UTC(), ev.SourceIP, ev.UserAgent, ev.Referrer,
		ev.ClaimedRecipient, ev.ForwardedBy, ev.LinkURL, country, region, city, lat, lon,
		browser, os, device, ev.ClassifiedForwarded,
	}
}

// isDuplicate 判断是否为主键冲突
func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}
