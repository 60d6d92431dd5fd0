package inbox_test

import (
	"errors"
	"testing"

	"github.com/nao1215/fieldops/internal/inbox"
	"github.com/nao1215/fieldops/internal/inbox/inboxtest"
)

func TestDirectReadTracker(t *testing.T) {
	t.Parallel()

	t.Run("通知レコードを既読にし既読台帳には書き込まない", func(t *testing.T) {
		t.Parallel()
		store := inboxtest.New()
		d := directNotification("d1", "u1", 0, false)
		store.Seed(d)

		tracker := inbox.NewDirectReadTracker(store)
		if err := tracker.MarkRead(t.Context(), "u1", []inbox.Notification{d}, baseTime); err != nil {
			t.Fatalf("既読化に失敗: %v", err)
		}

		got, _ := store.Notification("d1")
		if !got.IsRead || got.ReadAt == nil || !got.ReadAt.Equal(baseTime) {
			t.Errorf("既読状態: got is_read=%v read_at=%v", got.IsRead, got.ReadAt)
		}
		if store.Calls(inboxtest.OpInsertReadStatus) != 0 {
			t.Error("個人宛ての既読化で既読台帳に書き込んではならない")
		}
	})

	t.Run("ブロードキャストが混入した場合は何も書き込まない", func(t *testing.T) {
		t.Parallel()
		store := inboxtest.New()
		ns := []inbox.Notification{
			directNotification("d1", "u1", 0, false),
			broadcastNotification("b1", inbox.RoleAll, 1),
		}
		store.Seed(ns...)

		err := inbox.NewDirectReadTracker(store).MarkRead(t.Context(), "u1", ns, baseTime)
		if err == nil {
			t.Fatal("エラーが返されるべき")
		}
		if store.Calls(inboxtest.OpMarkDirectRead) != 0 {
			t.Error("Storeが呼ばれてはならない")
		}
	})

	t.Run("空のスライスではStoreを呼ばない", func(t *testing.T) {
		t.Parallel()
		store := inboxtest.New()
		if err := inbox.NewDirectReadTracker(store).MarkRead(t.Context(), "u1", nil, baseTime); err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if store.Calls(inboxtest.OpMarkDirectRead) != 0 {
			t.Error("Storeが呼ばれてはならない")
		}
	})
}

func TestBroadcastReadTracker(t *testing.T) {
	t.Parallel()

	t.Run("既読台帳に記録し共有レコードは変更しない", func(t *testing.T) {
		t.Parallel()
		store := inboxtest.New()
		b := broadcastNotification("b1", inbox.RoleAll, 0)
		store.Seed(b)

		tracker := inbox.NewBroadcastReadTracker(store)
		if err := tracker.MarkRead(t.Context(), "u1", []inbox.Notification{b}, baseTime); err != nil {
			t.Fatalf("既読化に失敗: %v", err)
		}

		if _, ok := store.ReadStatus("u1")["b1"]; !ok {
			t.Error("既読台帳に(b1, u1)が記録されていない")
		}
		row, _ := store.Notification("b1")
		if row.IsRead || row.ReadAt != nil {
			t.Error("ブロードキャストのレコードが変更された")
		}
		if store.Calls(inboxtest.OpMarkDirectRead) != 0 {
			t.Error("ブロードキャストの既読化でレコードを更新してはならない")
		}
	})

	t.Run("個人宛てが混入した場合は何も書き込まない", func(t *testing.T) {
		t.Parallel()
		store := inboxtest.New()
		ns := []inbox.Notification{
			broadcastNotification("b1", inbox.RoleAll, 0),
			directNotification("d1", "u1", 1, false),
		}
		err := inbox.NewBroadcastReadTracker(store).MarkRead(t.Context(), "u1", ns, baseTime)
		if err == nil {
			t.Fatal("エラーが返されるべき")
		}
		if store.Calls(inboxtest.OpInsertReadStatus) != 0 {
			t.Error("Storeが呼ばれてはならない")
		}
	})
}

func TestTrackers(t *testing.T) {
	t.Parallel()

	t.Run("配信形態に応じたTrackerを選択する", func(t *testing.T) {
		t.Parallel()
		trackers := inbox.NewTrackers(inboxtest.New())
		if got := trackers.For(directNotification("d1", "u1", 0, false)).Mode(); got != inbox.ModeDirect {
			t.Errorf("個人宛て: got %v", got)
		}
		if got := trackers.For(broadcastNotification("b1", "admin", 0)).Mode(); got != inbox.ModeBroadcast {
			t.Errorf("ブロードキャスト: got %v", got)
		}
	})

	t.Run("混在した通知を配信形態ごとに1回ずつ書き込む", func(t *testing.T) {
		t.Parallel()
		store := inboxtest.New()
		ns := []inbox.Notification{
			directNotification("d1", "u1", 0, false),
			directNotification("d2", "u1", 1, false),
			broadcastNotification("b1", inbox.RoleAll, 2),
			broadcastNotification("b2", "technician", 3),
		}
		store.Seed(ns...)

		if err := inbox.NewTrackers(store).MarkRead(t.Context(), "u1", ns, baseTime); err != nil {
			t.Fatalf("既読化に失敗: %v", err)
		}
		if got := store.Calls(inboxtest.OpMarkDirectRead); got != 1 {
			t.Errorf("MarkDirectReadの呼び出し回数: got %d, want 1", got)
		}
		if got := store.Calls(inboxtest.OpInsertReadStatus); got != 1 {
			t.Errorf("InsertReadStatusの呼び出し回数: got %d, want 1", got)
		}
		if got := len(store.ReadStatus("u1")); got != 2 {
			t.Errorf("既読台帳の行数: got %d, want 2", got)
		}
	})

	t.Run("個人宛ての更新に失敗した場合はブロードキャストを記録しない", func(t *testing.T) {
		t.Parallel()
		store := inboxtest.New()
		ns := []inbox.Notification{
			directNotification("d1", "u1", 0, false),
			broadcastNotification("b1", inbox.RoleAll, 1),
		}
		store.Seed(ns...)
		boom := errors.New("boom")
		store.FailOn(inboxtest.OpMarkDirectRead, boom)

		err := inbox.NewTrackers(store).MarkRead(t.Context(), "u1", ns, baseTime)
		if !errors.Is(err, boom) {
			t.Fatalf("エラー: got %v, want %v", err, boom)
		}
		if store.Calls(inboxtest.OpInsertReadStatus) != 0 {
			t.Error("InsertReadStatusが呼ばれてはならない")
		}
	})
}
