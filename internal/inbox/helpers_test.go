package inbox_test

import (
	"time"

	"github.com/nao1215/fieldops/internal/inbox"
)

const testTenant = "tenant-1"

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

// directNotification はテスト用の個人宛て通知を生成する。minuteが大きいほど新しい。
func directNotification(id, userID string, minute int, read bool) inbox.Notification {
	n := inbox.Notification{
		ID:              id,
		TenantID:        testTenant,
		RecipientUserID: strPtr(userID),
		Title:           "ジョブ割り当て",
		Message:         id,
		Category:        inbox.CategoryJob,
		Severity:        inbox.SeverityInfo,
		CreatedAt:       baseTime.Add(time.Duration(minute) * time.Minute),
	}
	if read {
		at := n.CreatedAt.Add(time.Minute)
		n.IsRead = true
		n.ReadAt = &at
	}
	return n
}

// broadcastNotification はテスト用のブロードキャスト通知を生成する。
func broadcastNotification(id, role string, minute int) inbox.Notification {
	return inbox.Notification{
		ID:         id,
		TenantID:   testTenant,
		TargetRole: strPtr(role),
		Title:      "お知らせ",
		Message:    id,
		Category:   inbox.CategorySystem,
		Severity:   inbox.SeverityWarning,
		CreatedAt:  baseTime.Add(time.Duration(minute) * time.Minute),
	}
}

func technician(userID string) inbox.Identity {
	return inbox.Identity{UserID: userID, Role: "technician", TenantID: testTenant}
}
