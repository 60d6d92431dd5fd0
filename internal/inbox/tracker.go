package inbox

import (
	"context"
	"fmt"
	"time"
)

// ReadTracker は配信形態ごとに既読状態を永続化する。
// 個人宛て通知は通知レコード自身を、ブロードキャストは既読台帳を更新する。
// 共有されたブロードキャストのレコードを1人の閲覧者の操作で更新すると
// 他の全受信者の既読状態が変わってしまうため、この2つは決して混同しない。
type ReadTracker interface {
	// Mode は担当する配信形態を返す。
	Mode() Mode
	// MarkRead はuserIDの閲覧者として通知を既読にする。空のスライスでは何もしない。
	MarkRead(ctx context.Context, userID string, notifications []Notification, at time.Time) error
}

// DirectReadTracker は個人宛て通知のis_read/read_atを更新する。
type DirectReadTracker struct {
	store Store
}

// NewDirectReadTracker は新しいDirectReadTrackerを生成する。
func NewDirectReadTracker(store Store) *DirectReadTracker {
	return &DirectReadTracker{store: store}
}

// Mode はModeDirectを返す。
func (t *DirectReadTracker) Mode() Mode { return ModeDirect }

// MarkRead は個人宛て通知を既読にする。ブロードキャストが混入した場合は何も書き込まずにエラーを返す。
func (t *DirectReadTracker) MarkRead(ctx context.Context, _ string, notifications []Notification, at time.Time) error {
	if len(notifications) == 0 {
		return nil
	}
	ids := make([]string, 0, len(notifications))
	for _, n := range notifications {
		if n.Mode() != ModeDirect {
			return fmt.Errorf("notification %s はブロードキャストのためレコードを更新できません", n.ID)
		}
		ids = append(ids, n.ID)
	}
	if err := t.store.MarkDirectRead(ctx, ids, at); err != nil {
		return fmt.Errorf("個人宛て通知の既読化に失敗: %w", err)
	}
	return nil
}

// BroadcastReadTracker はブロードキャスト通知の既読台帳に行を追加する。
type BroadcastReadTracker struct {
	store Store
}

// NewBroadcastReadTracker は新しいBroadcastReadTrackerを生成する。
func NewBroadcastReadTracker(store Store) *BroadcastReadTracker {
	return &BroadcastReadTracker{store: store}
}

// Mode はModeBroadcastを返す。
func (t *BroadcastReadTracker) Mode() Mode { return ModeBroadcast }

// MarkRead は(通知ID, userID)の既読台帳行を追加する。個人宛てが混入した場合は何も書き込まずにエラーを返す。
func (t *BroadcastReadTracker) MarkRead(ctx context.Context, userID string, notifications []Notification, at time.Time) error {
	if len(notifications) == 0 {
		return nil
	}
	entries := make([]ReadStatusEntry, 0, len(notifications))
	for _, n := range notifications {
		if n.Mode() != ModeBroadcast {
			return fmt.Errorf("notification %s は個人宛てのため既読台帳に記録できません", n.ID)
		}
		entries = append(entries, ReadStatusEntry{NotificationID: n.ID, UserID: userID, ReadAt: at})
	}
	if err := t.store.InsertReadStatus(ctx, entries); err != nil {
		return fmt.Errorf("既読台帳への記録に失敗: %w", err)
	}
	return nil
}

// Trackers は配信形態に応じたReadTrackerを選択する。
type Trackers struct {
	direct    ReadTracker
	broadcast ReadTracker
}

// NewTrackers はstoreを共有する2種類のReadTrackerをまとめて生成する。
func NewTrackers(store Store) *Trackers {
	return &Trackers{
		direct:    NewDirectReadTracker(store),
		broadcast: NewBroadcastReadTracker(store),
	}
}

// For は通知の配信形態に対応するReadTrackerを返す。
func (t *Trackers) For(n Notification) ReadTracker {
	if n.Mode() == ModeDirect {
		return t.direct
	}
	return t.broadcast
}

// MarkRead は通知を配信形態ごとに振り分け、それぞれのReadTrackerで1回ずつ既読化する。
// 個人宛ての更新に失敗した場合、ブロードキャストの記録は行わない。
func (t *Trackers) MarkRead(ctx context.Context, userID string, notifications []Notification, at time.Time) error {
	var direct, broadcast []Notification
	for _, n := range notifications {
		if n.Mode() == ModeDirect {
			direct = append(direct, n)
		} else {
			broadcast = append(broadcast, n)
		}
	}
	if err := t.direct.MarkRead(ctx, userID, direct, at); err != nil {
		return err
	}
	return t.broadcast.MarkRead(ctx, userID, broadcast, at)
}
