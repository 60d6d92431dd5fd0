// Package event は通知基盤でやり取りされるイベントの型とシリアライズ処理を提供する。
//
// 通知の作成はイベントとしてブローカーに発行され、WebSocketで購読中の
// セッションへ配信される。
package event

import (
	"encoding/json"
	"time"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeNotificationCreated は通知レコードが作成されたことを表す。
	TypeNotificationCreated Type = "NotificationCreated"
)

// Event はブローカー上を流れる不変のイベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// Type はイベントの種類。
	Type Type `json:"type"`
	// TenantID はイベントが属するテナントの識別子。
	TenantID string `json:"tenant_id"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// NotificationCreatedData はNotificationCreatedイベントのデータ。
// 宛先はRecipientUserIDかTargetRoleのどちらか一方のみが設定される。
type NotificationCreatedData struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// RecipientUserID は個人宛て通知の宛先ユーザーID。ブロードキャストの場合はnil。
	RecipientUserID *string `json:"recipient_user_id,omitempty"`
	// TargetRole はブロードキャスト通知の対象ロール（"all"を含む）。
	TargetRole *string `json:"target_role,omitempty"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Category は通知のカテゴリ。
	Category string `json:"category"`
	// Severity は通知の重要度。
	Severity string `json:"severity"`
	// Metadata は任意の付加情報。
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `json:"created_at"`
}
