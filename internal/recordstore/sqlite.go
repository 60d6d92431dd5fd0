package recordstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/fieldops/internal/inbox"
	"github.com/nao1215/fieldops/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout は日時をTEXT列に保存する形式。固定長のUTCなので文字列順と時刻順が一致する。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("日時の解析に失敗: %w", err)
	}
	return t, nil
}

// SQLiteStore はSQLiteを使うinbox.Storeの実装。
type SQLiteStore struct {
	// db はsqlxでラップしたデータベース接続。
	db *sqlx.DB
	// broker は通知作成イベントの配信先。
	broker Broker
	// logger は構造化ロガー。
	logger *zap.Logger
	// now は作成日時・更新日時に使う時計。
	now func() time.Time
}

var _ inbox.Store = (*SQLiteStore)(nil)

// Open はdsnのSQLiteデータベースを開き、マイグレーションを適用する。
// brokerがnilの場合はプロセス内のMemoryBrokerを使う。
func Open(ctx context.Context, dsn string, broker Broker, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteの書き込みは1接続に直列化する。:memory:でも接続ごとに別DBにならない。
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s の設定に失敗: %w", pragma, err)
		}
	}

	if _, err := migration.Run(ctx, db.DB, migrations, "migrations", logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}

	if broker == nil {
		broker = NewMemoryBroker()
	}
	return &SQLiteStore{
		db:     db,
		broker: broker,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close はデータベース接続を閉じる。Brokerは呼び出し元が閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const notificationColumns = `id, tenant_id, recipient_user_id, target_role, title, message,
	category, severity, metadata, is_read, read_at, created_at`

type notificationRow struct {
	ID              string         `db:"id"`
	TenantID        string         `db:"tenant_id"`
	RecipientUserID sql.NullString `db:"recipient_user_id"`
	TargetRole      sql.NullString `db:"target_role"`
	Title           string         `db:"title"`
	Message         string         `db:"message"`
	Category        string         `db:"category"`
	Severity        string         `db:"severity"`
	Metadata        string         `db:"metadata"`
	IsRead          bool           `db:"is_read"`
	ReadAt          sql.NullString `db:"read_at"`
	CreatedAt       string         `db:"created_at"`
}

func (r notificationRow) toNotification() (inbox.Notification, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return inbox.Notification{}, err
	}
	n := inbox.Notification{
		ID:        r.ID,
		TenantID:  r.TenantID,
		Title:     r.Title,
		Message:   r.Message,
		Category:  inbox.Category(r.Category),
		Severity:  inbox.Severity(r.Severity),
		CreatedAt: createdAt,
		IsRead:    r.IsRead,
	}
	if r.RecipientUserID.Valid {
		n.RecipientUserID = &r.RecipientUserID.String
	}
	if r.TargetRole.Valid {
		n.TargetRole = &r.TargetRole.String
	}
	if r.ReadAt.Valid {
		at, err := parseTime(r.ReadAt.String)
		if err != nil {
			return inbox.Notification{}, err
		}
		n.ReadAt = &at
	}
	if r.Metadata != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
			return inbox.Notification{}, fmt.Errorf("metadataのデコードに失敗: %w", err)
		}
		if len(meta) > 0 {
			n.Metadata = meta
		}
	}
	return n, nil
}

func toNotifications(rows []notificationRow) ([]inbox.Notification, error) {
	out := make([]inbox.Notification, 0, len(rows))
	for _, r := range rows {
		n, err := r.toNotification()
		if err != nil {
			return nil, fmt.Errorf("notification %s: %w", r.ID, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func nullString(p *string) sql.NullString {
	if p == nil || *p == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

// InsertNotification は通知を作成し、NotificationCreatedイベントを配信する。
// IDが空の場合は採番し、作成日時が未設定の場合は現在時刻を使う。作成直後の通知は常に未読である。
// イベントの配信に失敗しても通知の作成は取り消さない。
func (s *SQLiteStore) InsertNotification(ctx context.Context, n inbox.Notification) (inbox.Notification, error) {
	if err := n.ValidateTargeting(); err != nil {
		return inbox.Notification{}, err
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	n.CreatedAt = n.CreatedAt.UTC()
	if n.Severity == "" {
		n.Severity = inbox.SeverityInfo
	}
	n.IsRead = false
	n.ReadAt = nil

	meta := []byte("{}")
	if len(n.Metadata) > 0 {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return inbox.Notification{}, fmt.Errorf("metadataのエンコードに失敗: %w", err)
		}
		meta = b
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, tenant_id, recipient_user_id, target_role, title, message,
			category, severity, metadata, is_read, read_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?)`,
		n.ID, n.TenantID, nullString(n.RecipientUserID), nullString(n.TargetRole), n.Title, n.Message,
		string(n.Category), string(n.Severity), string(meta), formatTime(n.CreatedAt),
	)
	if err != nil {
		return inbox.Notification{}, fmt.Errorf("通知の作成に失敗: %w", err)
	}

	ev, err := inbox.CreatedEvent(n)
	if err != nil {
		s.logger.Warn("通知作成イベントを生成できませんでした", zap.String("notification_id", n.ID), zap.Error(err))
		return n, nil
	}
	if err := s.broker.Publish(ctx, ev); err != nil {
		s.logger.Warn("通知作成イベントの配信に失敗しました", zap.String("notification_id", n.ID), zap.Error(err))
	}
	return n, nil
}

// GetNotification はIDで通知を1件取得する。存在しない場合はinbox.ErrNotFoundを返す。
func (s *SQLiteStore) GetNotification(ctx context.Context, id string) (inbox.Notification, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row, "SELECT "+notificationColumns+" FROM notifications WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return inbox.Notification{}, inbox.ErrNotFound
	}
	if err != nil {
		return inbox.Notification{}, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return row.toNotification()
}

// ListNotifications はinbox.Storeを実装する。
func (s *SQLiteStore) ListNotifications(ctx context.Context, tenantID, userID, role string, limit int) ([]inbox.Notification, error) {
	query := "SELECT " + notificationColumns + ` FROM notifications
		WHERE recipient_user_id = ?
		   OR (recipient_user_id IS NULL AND tenant_id = ? AND target_role IN (?, ?))
		ORDER BY created_at DESC, id DESC`
	args := []any{userID, tenantID, inbox.RoleAll, role}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return toNotifications(rows)
}

// CountUnreadDirect はinbox.Storeを実装する。
func (s *SQLiteStore) CountUnreadDirect(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM notifications WHERE recipient_user_id = ? AND is_read = 0", userID)
	if err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return count, nil
}

// ListBroadcastIDs はinbox.Storeを実装する。
func (s *SQLiteStore) ListBroadcastIDs(ctx context.Context, tenantID, role string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM notifications
		WHERE recipient_user_id IS NULL AND tenant_id = ? AND target_role IN (?, ?)
		ORDER BY created_at DESC, id DESC`,
		tenantID, inbox.RoleAll, role,
	)
	if err != nil {
		return nil, fmt.Errorf("ブロードキャストIDの取得に失敗: %w", err)
	}
	return ids, nil
}
