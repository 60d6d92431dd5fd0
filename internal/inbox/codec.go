package inbox

import (
	"fmt"

	"github.com/nao1215/fieldops/pkg/event"
)

// CreatedEvent は通知からNotificationCreatedイベントを生成する。
func CreatedEvent(n Notification) (*event.Event, error) {
	ev, err := event.New(event.TypeNotificationCreated, n.TenantID, event.NotificationCreatedData{
		ID:              n.ID,
		RecipientUserID: n.RecipientUserID,
		TargetRole:      n.TargetRole,
		Title:           n.Title,
		Message:         n.Message,
		Category:        string(n.Category),
		Severity:        string(n.Severity),
		Metadata:        n.Metadata,
		CreatedAt:       n.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("NotificationCreatedイベントの生成に失敗: %w", err)
	}
	return ev, nil
}

// FromCreatedEvent はNotificationCreatedイベントから通知を復元する。
// 作成直後の通知として、既読状態は未読で返す。
func FromCreatedEvent(ev *event.Event) (Notification, error) {
	data, err := event.DecodeAs[event.NotificationCreatedData](ev, event.TypeNotificationCreated)
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		ID:              data.ID,
		TenantID:        ev.TenantID,
		RecipientUserID: data.RecipientUserID,
		TargetRole:      data.TargetRole,
		Title:           data.Title,
		Message:         data.Message,
		Category:        Category(data.Category),
		Severity:        Severity(data.Severity),
		Metadata:        data.Metadata,
		CreatedAt:       data.CreatedAt,
	}, nil
}
