package inbox

import (
	"context"
	"time"
)

// Store は通知と既読台帳、受信設定を永続化するRecord Storeとの境界。
type Store interface {
	// ListNotifications はユーザーが受信対象となる通知を新しい順に最大limit件返す。
	// 個人宛てはユーザーIDで、ブロードキャストはテナントとロール（または"all"）で絞り込む。
	// limitが0以下の場合は件数を制限しない。
	ListNotifications(ctx context.Context, tenantID, userID, role string, limit int) ([]Notification, error)
	// ListReadStatus は指定された通知ID群のうち、ユーザーが既読にしたものと既読日時を返す。
	ListReadStatus(ctx context.Context, userID string, notificationIDs []string) (map[string]time.Time, error)
	// CountUnreadDirect はユーザー宛ての未読の個人宛て通知の件数を返す。
	CountUnreadDirect(ctx context.Context, userID string) (int, error)
	// ListBroadcastIDs はテナント内でロール（または"all"）宛てのブロードキャスト通知のIDを返す。
	ListBroadcastIDs(ctx context.Context, tenantID, role string) ([]string, error)
	// MarkDirectRead は個人宛て通知のis_read/read_atを更新する。既に既読のread_atは維持する。
	MarkDirectRead(ctx context.Context, notificationIDs []string, readAt time.Time) error
	// InsertReadStatus はブロードキャスト通知の既読台帳に行を追加する。既存の行は無視する。
	InsertReadStatus(ctx context.Context, entries []ReadStatusEntry) error
	// GetPreferences は受信設定を返す。未作成の場合はnilを返す。
	GetPreferences(ctx context.Context, tenantID, userID string) (*Preferences, error)
	// UpsertPreferences は指定されたキーのみを更新し、未作成の場合は作成する。
	UpsertPreferences(ctx context.Context, tenantID, userID string, patch map[string]bool) (*Preferences, error)
	// SubscribeToInserts はセッションが受信対象となる通知の作成イベントを購読する。
	SubscribeToInserts(ctx context.Context, id Identity, onInsert func(Notification)) (Subscription, error)
}

// UnreadCountSource は未読件数を一括で算出できるStore。
// Counterは、Storeがこれを実装していれば候補IDの取得と既読台帳の照会を行わずに委譲する。
// 実装は個人宛て未読件数と、ブロードキャスト候補から既読台帳を除いた件数の合計を返すこと。
type UnreadCountSource interface {
	CountUnread(ctx context.Context, id Identity) (int, error)
}

// Subscription は通知作成イベントの購読。
type Subscription interface {
	// Close は購読を終了する。複数回呼び出しても安全である。
	Close() error
	// Err は購読が異常終了した場合にエラーを1度だけ送るチャネルを返す。
	Err() <-chan error
}

// SessionProvider は現在のセッションのユーザー情報を提供する。
type SessionProvider interface {
	// Identity は現在のユーザーID・ロール・テナントIDを返す。
	Identity(ctx context.Context) (Identity, error)
}

// StaticSession は固定のユーザー情報を返すSessionProvider。
// 認証済みリクエストやサインイン済みセッションの情報を束縛するのに使う。
type StaticSession Identity

// Identity はSessionProviderを実装する。
func (s StaticSession) Identity(context.Context) (Identity, error) {
	return Identity(s), nil
}
