package inbox

import (
	"context"
	"fmt"
)

// Counter はバッジに表示する未読件数を求める。
// ローカルに取得済みの通知件数とは独立に、Record Store上の全件を対象にする。
type Counter struct {
	store   Store
	session SessionProvider
}

// NewCounter は新しいCounterを生成する。
func NewCounter(store Store, session SessionProvider) *Counter {
	return &Counter{store: store, session: session}
}

// Count は個人宛ての未読件数と、ブロードキャストの未読件数（候補 − 既読台帳）を合算する。
// この値は件数無制限で取得して突き合わせた通知の未読件数と一致しなければならない。
func (c *Counter) Count(ctx context.Context) (int, error) {
	id, err := c.session.Identity(ctx)
	if err != nil {
		return 0, fmt.Errorf("セッション情報の取得に失敗: %w", err)
	}

	if src, ok := c.store.(UnreadCountSource); ok {
		n, err := src.CountUnread(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
		}
		return n, nil
	}

	direct, err := c.store.CountUnreadDirect(ctx, id.UserID)
	if err != nil {
		return 0, fmt.Errorf("個人宛て未読件数の取得に失敗: %w", err)
	}

	broadcast, err := c.countBroadcastUnread(ctx, id)
	if err != nil {
		return 0, err
	}
	return direct + broadcast, nil
}

func (c *Counter) countBroadcastUnread(ctx context.Context, id Identity) (int, error) {
	ids, err := c.store.ListBroadcastIDs(ctx, id.TenantID, id.Role)
	if err != nil {
		return 0, fmt.Errorf("ブロードキャスト候補の取得に失敗: %w", err)
	}

	candidates := make(map[string]struct{}, len(ids))
	for _, nid := range ids {
		candidates[nid] = struct{}{}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	unique := make([]string, 0, len(candidates))
	for nid := range candidates {
		unique = append(unique, nid)
	}
	read, err := c.store.ListReadStatus(ctx, id.UserID, unique)
	if err != nil {
		return 0, fmt.Errorf("既読台帳の取得に失敗: %w", err)
	}

	readCount := 0
	for nid := range read {
		if _, ok := candidates[nid]; ok {
			readCount++
		}
	}
	return len(candidates) - readCount, nil
}
