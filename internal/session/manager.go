package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/inbox"
)

// Manager はサインイン中のユーザー1人分の通知購読とローカル状態を管理する。
// 購読の生成と破棄はManagerだけが行う。
type Manager struct {
	state  *State
	handle *SubscriptionHandle
	logger *zap.Logger

	mu          sync.Mutex
	initialized bool
	userID      string
}

// Option はManagerの設定を変更する関数。
type Option func(*options)

type options struct {
	fetchLimit int
	now        func() time.Time
}

// WithFetchLimit は一覧取得の件数上限を設定する。
func WithFetchLimit(n int) Option {
	return func(o *options) { o.fetchLimit = n }
}

// WithClock は既読日時に使う時計を設定する。
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewManager は新しいManagerを生成する。
func NewManager(store inbox.Store, logger *zap.Logger, opts ...Option) *Manager {
	o := options{fetchLimit: DefaultFetchLimit}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		state:  NewState(store, logger, o.fetchLimit, o.now),
		handle: newSubscriptionHandle(store, logger),
		logger: logger,
	}
}

// Initialize はidのユーザーとして通知の購読を開始する。
// 同じユーザーIDで初期化済みの場合は何もしない。別のユーザーで初期化済みの場合は
// 既存の購読と状態を破棄してから、一覧・未読件数・受信設定を読み込み、購読を1つ開始する。
// 読み込みと購読の失敗はログに記録するのみで、エラーは返さない。
func (m *Manager) Initialize(ctx context.Context, id inbox.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized && m.userID == id.UserID {
		return nil
	}

	m.teardownLocked()
	m.initialized = true
	m.userID = id.UserID
	m.state.Begin(id)

	// 失敗はStateがログに記録し、古い状態を維持する。
	_ = m.state.FetchNotifications(ctx)
	_ = m.state.LoadUnreadCount(ctx)
	_ = m.state.LoadPreferences(ctx)

	// 購読はInitializeの呼び出し元のcontextより長く生存する。
	onInsert := func(n inbox.Notification) { m.state.AddNotification(n) }
	if err := m.handle.Open(context.WithoutCancel(ctx), id, onInsert); err != nil {
		m.logger.Error("通知の購読を開始できませんでした", zap.String("user_id", id.UserID), zap.Error(err))
	}
	return nil
}

// Teardown は購読を終了し、ローカル状態を破棄する。
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

func (m *Manager) teardownLocked() {
	if err := m.handle.Close(); err != nil {
		m.logger.Warn("通知の購読終了に失敗しました", zap.String("user_id", m.userID), zap.Error(err))
	}
	m.state.Reset()
	m.initialized = false
	m.userID = ""
}

// Refresh は一覧と未読件数を読み込み直す。
func (m *Manager) Refresh(ctx context.Context) error {
	if err := m.state.FetchNotifications(ctx); err != nil {
		return err
	}
	return m.state.LoadUnreadCount(ctx)
}

// Notifications は通知一覧の複製を返す。
func (m *Manager) Notifications() []inbox.Notification {
	return m.state.Snapshot().Notifications
}

// UnreadCount は未読件数を返す。
func (m *Manager) UnreadCount() int {
	return m.state.Snapshot().UnreadCount
}

// Loading は一覧を取得中かどうかを返す。
func (m *Manager) Loading() bool {
	return m.state.Snapshot().Loading
}

// Preferences は受信設定を返す。
func (m *Manager) Preferences() *inbox.Preferences {
	return m.state.Snapshot().Preferences
}

// Snapshot は状態全体の複製を返す。
func (m *Manager) Snapshot() Snapshot {
	return m.state.Snapshot()
}

// Changes は状態の変化を受け取るチャネルを返す。
func (m *Manager) Changes() <-chan struct{} {
	return m.state.Changes()
}

// Subscribed はリアルタイム購読中かどうかを返す。
func (m *Manager) Subscribed() bool {
	return m.handle.Live()
}

// MarkAsRead は通知を1件既読にする。
func (m *Manager) MarkAsRead(ctx context.Context, id string) error {
	return m.state.MarkAsRead(ctx, id)
}

// MarkAllAsRead は未読の通知を全て既読にする。
func (m *Manager) MarkAllAsRead(ctx context.Context) error {
	return m.state.MarkAllAsRead(ctx)
}

// UpdatePreferences は受信設定を更新する。
func (m *Manager) UpdatePreferences(ctx context.Context, patch map[string]bool) error {
	return m.state.UpdatePreferences(ctx, patch)
}
