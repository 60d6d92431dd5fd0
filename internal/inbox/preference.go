package inbox

import (
	"context"
	"fmt"
)

// PreferenceGate はユーザーごとの通知受信設定を保存・提供する。
// 各フラグの意味づけはプロデューサー側の責務で、ここでは真偽値として扱うのみ。
type PreferenceGate struct {
	store   Store
	session SessionProvider
}

// NewPreferenceGate は新しいPreferenceGateを生成する。
func NewPreferenceGate(store Store, session SessionProvider) *PreferenceGate {
	return &PreferenceGate{store: store, session: session}
}

// Fetch はユーザーの受信設定を返す。未作成の場合はnilを返す。
func (g *PreferenceGate) Fetch(ctx context.Context, userID string) (*Preferences, error) {
	id, err := g.session.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("セッション情報の取得に失敗: %w", err)
	}
	p, err := g.store.GetPreferences(ctx, id.TenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("受信設定の取得に失敗: %w", err)
	}
	return p, nil
}

// Update は指定されたキーだけを更新する。設定が未作成の場合はセッションのテナントIDで作成する。
func (g *PreferenceGate) Update(ctx context.Context, userID string, patch map[string]bool) (*Preferences, error) {
	id, err := g.session.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("セッション情報の取得に失敗: %w", err)
	}
	p, err := g.store.UpsertPreferences(ctx, id.TenantID, userID, patch)
	if err != nil {
		return nil, fmt.Errorf("受信設定の更新に失敗: %w", err)
	}
	return p, nil
}

// Allows はプロデューサーが通知を書き込む前に、ユーザーがkeyの通知を受け取るかを確認する。
func (g *PreferenceGate) Allows(ctx context.Context, userID, key string) (bool, error) {
	p, err := g.Fetch(ctx, userID)
	if err != nil {
		return false, err
	}
	return p.Enabled(key), nil
}
