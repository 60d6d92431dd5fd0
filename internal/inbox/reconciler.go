package inbox

import (
	"context"
	"fmt"
)

// Reconciler は取得した通知の実効的な既読状態を求める。
type Reconciler struct {
	store Store
}

// NewReconciler は新しいReconcilerを生成する。
func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// Fetch はセッションが受信対象となる通知を最大limit件取得し、既読状態を突き合わせて返す。
func (r *Reconciler) Fetch(ctx context.Context, id Identity, limit int) ([]Notification, error) {
	rows, err := r.store.ListNotifications(ctx, id.TenantID, id.UserID, id.Role, limit)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return r.Reconcile(ctx, id.UserID, rows)
}

// Reconcile は通知ごとにuserIDから見た既読状態を設定したコピーを返す。
// 個人宛てはレコードのis_readをそのまま使い、ブロードキャストは既読台帳に
// 行があるかどうかで決める。台帳の参照はバッチ内のブロードキャストIDをまとめて1回だけ行い、
// ブロードキャストが1件も無い場合は参照自体を行わない。
func (r *Reconciler) Reconcile(ctx context.Context, userID string, rows []Notification) ([]Notification, error) {
	out := make([]Notification, len(rows))
	var broadcastIDs []string
	for i, n := range rows {
		out[i] = n
		if n.Mode() == ModeBroadcast {
			broadcastIDs = append(broadcastIDs, n.ID)
		}
	}
	if len(broadcastIDs) == 0 {
		return out, nil
	}

	read, err := r.store.ListReadStatus(ctx, userID, broadcastIDs)
	if err != nil {
		return nil, fmt.Errorf("既読台帳の取得に失敗: %w", err)
	}
	for i := range out {
		if out[i].Mode() != ModeBroadcast {
			continue
		}
		if at, ok := read[out[i].ID]; ok {
			out[i].IsRead = true
			out[i].ReadAt = &at
		} else {
			out[i].IsRead = false
			out[i].ReadAt = nil
		}
	}
	return out, nil
}

// CountUnread は突き合わせ済みの通知のうち未読の件数を返す。
func CountUnread(notifications []Notification) int {
	n := 0
	for _, x := range notifications {
		if !x.IsRead {
			n++
		}
	}
	return n
}
