package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/nao1215/fieldops/internal/inbox"
)

type preferencesRow struct {
	UserID    string `db:"user_id"`
	TenantID  string `db:"tenant_id"`
	Flags     string `db:"flags"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r preferencesRow) toPreferences() (*inbox.Preferences, error) {
	flags, err := r.decodeFlags()
	if err != nil {
		return nil, err
	}
	p := &inbox.Preferences{UserID: r.UserID, TenantID: r.TenantID, Flags: flags}
	if p.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

const selectPreferences = `SELECT user_id, tenant_id, flags, created_at, updated_at
	FROM notification_preferences WHERE tenant_id = ? AND user_id = ?`

// GetPreferences はinbox.Storeを実装する。
func (s *SQLiteStore) GetPreferences(ctx context.Context, tenantID, userID string) (*inbox.Preferences, error) {
	var row preferencesRow
	err := s.db.GetContext(ctx, &row, selectPreferences, tenantID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("受信設定の取得に失敗: %w", err)
	}
	return row.toPreferences()
}

// UpsertPreferences はinbox.Storeを実装する。
func (s *SQLiteStore) UpsertPreferences(ctx context.Context, tenantID, userID string, patch map[string]bool) (*inbox.Preferences, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	var row preferencesRow
	err = tx.GetContext(ctx, &row, selectPreferences, tenantID, userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		row = preferencesRow{UserID: userID, TenantID: tenantID, Flags: "{}", CreatedAt: formatTime(now)}
	case err != nil:
		return nil, fmt.Errorf("受信設定の取得に失敗: %w", err)
	}

	current, err := row.decodeFlags()
	if err != nil {
		return nil, err
	}
	maps.Copy(current, patch)
	flags, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("受信設定のエンコードに失敗: %w", err)
	}
	row.Flags = string(flags)
	row.UpdatedAt = formatTime(now)

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, tenant_id, flags, created_at, updated_at)
		VALUES (:user_id, :tenant_id, :flags, :created_at, :updated_at)
		ON CONFLICT (user_id, tenant_id) DO UPDATE SET flags = excluded.flags, updated_at = excluded.updated_at`,
		row,
	)
	if err != nil {
		return nil, fmt.Errorf("受信設定の保存に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("コミットに失敗: %w", err)
	}
	return row.toPreferences()
}

func (r preferencesRow) decodeFlags() (map[string]bool, error) {
	flags := map[string]bool{}
	if err := json.Unmarshal([]byte(r.Flags), &flags); err != nil {
		return nil, fmt.Errorf("受信設定のデコードに失敗: %w", err)
	}
	return flags, nil
}
