package session

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/inbox"
	"github.com/nao1215/fieldops/internal/inbox/inboxtest"
)

const testTenant = "tenant-1"

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fixedNow は既読日時として使う固定の時刻。
var fixedNow = baseTime.Add(24 * time.Hour)

func strPtr(s string) *string { return &s }

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

// newTestManager はインメモリStoreを使うManagerを生成する。
func newTestManager(t *testing.T, store *inboxtest.Store) *Manager {
	t.Helper()
	m := NewManager(store, zap.NewNop(), WithClock(func() time.Time { return fixedNow }))
	t.Cleanup(m.Teardown)
	return m
}

// seedScenario は個人宛て未読2件とブロードキャスト2件を登録する。
func seedScenario(store *inboxtest.Store) {
	store.Seed(
		directNotification("d1", "u1", 0, false),
		directNotification("d2", "u1", 1, false),
		broadcastNotification("b1", inbox.RoleAll, 2),
		broadcastNotification("b2", "technician", 3),
	)
}

func ids(ns []inbox.Notification) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}
