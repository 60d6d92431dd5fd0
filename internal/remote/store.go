package remote

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/inbox"
	"github.com/nao1215/fieldops/pkg/httpclient"
)

const apiPrefix = "/api/v1"

// Store は通知サービスのHTTP APIに対するinbox.Storeの実装。
type Store struct {
	client *httpclient.Client
	logger *zap.Logger
}

var (
	_ inbox.Store             = (*Store)(nil)
	_ inbox.UnreadCountSource = (*Store)(nil)
)

// NewStore は新しいStoreを生成する。baseURLは通知サービスのベースURL、
// tokenは通知サービスが発行したJWT。
func NewStore(baseURL, token string, logger *zap.Logger, opts ...httpclient.Option) *Store {
	opts = append([]httpclient.Option{httpclient.WithToken(token)}, opts...)
	return &Store{
		client: httpclient.New(baseURL, opts...),
		logger: logger,
	}
}

// ListNotifications はトークンのユーザーが受信対象となる通知を新しい順に返す。
// サーバーが既読状態を突き合わせた結果を返す。
func (s *Store) ListNotifications(ctx context.Context, _, _, _ string, limit int) ([]inbox.Notification, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(max(limit, 0)))

	var out []inbox.Notification
	if err := s.client.GetJSON(ctx, apiPrefix+"/notifications?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return out, nil
}

// ListReadStatus は指定されたIDのうち既読のものと既読日時を返す。
func (s *Store) ListReadStatus(ctx context.Context, _ string, notificationIDs []string) (map[string]time.Time, error) {
	if len(notificationIDs) == 0 {
		return map[string]time.Time{}, nil
	}

	var resp struct {
		ReadAt map[string]time.Time `json:"read_at"`
	}
	body := map[string]any{"ids": notificationIDs}
	if err := s.client.PostJSON(ctx, apiPrefix+"/notifications/read-status", body, &resp); err != nil {
		return nil, fmt.Errorf("既読台帳の取得に失敗: %w", err)
	}
	if resp.ReadAt == nil {
		resp.ReadAt = map[string]time.Time{}
	}
	return resp.ReadAt, nil
}

type countResponse struct {
	Count int `json:"count"`
}

// CountUnreadDirect は個人宛て通知の未読件数を返す。
func (s *Store) CountUnreadDirect(ctx context.Context, _ string) (int, error) {
	var resp countResponse
	if err := s.client.GetJSON(ctx, apiPrefix+"/notifications/unread-direct-count", &resp); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return resp.Count, nil
}

// CountUnread はサーバーが算出したバッジ用の未読件数を返す。
// ブロードキャスト候補のIDを取得して照会し直すことはしない。
func (s *Store) CountUnread(ctx context.Context, _ inbox.Identity) (int, error) {
	var resp countResponse
	if err := s.client.GetJSON(ctx, apiPrefix+"/notifications/unread-count", &resp); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return resp.Count, nil
}

// ListBroadcastIDs はトークンのロールが受信対象となるブロードキャスト通知のIDを返す。
func (s *Store) ListBroadcastIDs(ctx context.Context, _, _ string) ([]string, error) {
	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := s.client.GetJSON(ctx, apiPrefix+"/notifications/broadcast-ids", &resp); err != nil {
		return nil, fmt.Errorf("ブロードキャストIDの取得に失敗: %w", err)
	}
	return resp.IDs, nil
}

// markReadRequest はサーバーの一括既読化APIのリクエスト。
type markReadRequest struct {
	DirectIDs    []string  `json:"direct_ids,omitempty"`
	BroadcastIDs []string  `json:"broadcast_ids,omitempty"`
	ReadAt       time.Time `json:"read_at"`
}

// MarkDirectRead は個人宛て通知を既読にする。
func (s *Store) MarkDirectRead(ctx context.Context, notificationIDs []string, readAt time.Time) error {
	if len(notificationIDs) == 0 {
		return nil
	}
	req := markReadRequest{DirectIDs: notificationIDs, ReadAt: readAt}
	if err := s.client.PostJSON(ctx, apiPrefix+"/notifications/read", req, nil); err != nil {
		return fmt.Errorf("個人宛て通知の既読化に失敗: %w", err)
	}
	return nil
}

// InsertReadStatus はブロードキャスト通知の既読台帳に行を追加する。
// 既読日時ごとに1リクエストにまとめて送信する。
func (s *Store) InsertReadStatus(ctx context.Context, entries []inbox.ReadStatusEntry) error {
	var (
		order []time.Time
		byAt  = make(map[time.Time][]string)
	)
	for _, e := range entries {
		at := e.ReadAt.UTC()
		if _, ok := byAt[at]; !ok {
			order = append(order, at)
		}
		byAt[at] = append(byAt[at], e.NotificationID)
	}

	for _, at := range order {
		req := markReadRequest{BroadcastIDs: byAt[at], ReadAt: at}
		if err := s.client.PostJSON(ctx, apiPrefix+"/notifications/read", req, nil); err != nil {
			return fmt.Errorf("既読台帳の追加に失敗: %w", err)
		}
	}
	return nil
}

type preferencesResponse struct {
	Preferences *inbox.Preferences `json:"preferences"`
}

// GetPreferences は受信設定を返す。未作成の場合はnilを返す。
func (s *Store) GetPreferences(ctx context.Context, _, _ string) (*inbox.Preferences, error) {
	var resp preferencesResponse
	if err := s.client.GetJSON(ctx, apiPrefix+"/preferences", &resp); err != nil {
		return nil, fmt.Errorf("受信設定の取得に失敗: %w", err)
	}
	return resp.Preferences, nil
}

// UpsertPreferences は受信設定の指定キーを更新する。patchが空の場合は現在の設定を返す。
func (s *Store) UpsertPreferences(ctx context.Context, tenantID, userID string, patch map[string]bool) (*inbox.Preferences, error) {
	if len(patch) == 0 {
		return s.GetPreferences(ctx, tenantID, userID)
	}

	var resp preferencesResponse
	if err := s.client.PatchJSON(ctx, apiPrefix+"/preferences", patch, &resp); err != nil {
		return nil, fmt.Errorf("受信設定の更新に失敗: %w", err)
	}
	return resp.Preferences, nil
}
