package recordstore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/fieldops/internal/inbox"
)

// maxBindIDs は1つのIN句にバインドするIDの上限。
// SQLiteのバインド変数の上限（既定32766）を超えないよう分割して問い合わせる。
const maxBindIDs = 500

type readStatusRow struct {
	NotificationID string `db:"notification_id"`
	ReadAt         string `db:"read_at"`
}

// ListReadStatus はinbox.Storeを実装する。IDが空の場合はクエリを発行しない。
func (s *SQLiteStore) ListReadStatus(ctx context.Context, userID string, ids []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	for part := range slices.Chunk(ids, maxBindIDs) {
		query, args, err := sqlx.In(
			"SELECT notification_id, read_at FROM notification_read_status WHERE user_id = ? AND notification_id IN (?)",
			userID, part,
		)
		if err != nil {
			return nil, fmt.Errorf("既読台帳クエリの組み立てに失敗: %w", err)
		}

		var rows []readStatusRow
		if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("既読台帳の取得に失敗: %w", err)
		}
		for _, r := range rows {
			at, err := parseTime(r.ReadAt)
			if err != nil {
				return nil, err
			}
			out[r.NotificationID] = at
		}
	}
	return out, nil
}

// MarkDirectRead はinbox.Storeを実装する。
// ブロードキャストのIDが含まれていても共有レコードは更新しない。
func (s *SQLiteStore) MarkDirectRead(ctx context.Context, ids []string, readAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for part := range slices.Chunk(ids, maxBindIDs) {
		query, args, err := sqlx.In(`
			UPDATE notifications SET is_read = 1, read_at = COALESCE(read_at, ?)
			WHERE recipient_user_id IS NOT NULL AND id IN (?)`,
			formatTime(readAt), part,
		)
		if err != nil {
			return fmt.Errorf("既読化クエリの組み立てに失敗: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("個人宛て通知の既読化に失敗: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗: %w", err)
	}
	return nil
}

// InsertReadStatus はinbox.Storeを実装する。
// 既存の行と、ブロードキャストでない通知に対する行は無視する。
func (s *SQLiteStore) InsertReadStatus(ctx context.Context, entries []inbox.ReadStatusEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PreparexContext(ctx, `
		INSERT OR IGNORE INTO notification_read_status (notification_id, user_id, read_at)
		SELECT id, ?, ? FROM notifications WHERE id = ? AND recipient_user_id IS NULL`)
	if err != nil {
		return fmt.Errorf("ステートメントの準備に失敗: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.UserID, formatTime(e.ReadAt), e.NotificationID); err != nil {
			return fmt.Errorf("既読台帳への記録に失敗: notification=%s: %w", e.NotificationID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗: %w", err)
	}
	return nil
}
