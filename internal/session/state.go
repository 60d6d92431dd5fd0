package session

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/inbox"
)

// DefaultFetchLimit は一覧取得の既定の件数上限。
const DefaultFetchLimit = 50

// Snapshot はUIに渡すローカル状態の複製。
type Snapshot struct {
	// UserID は状態の持ち主。未初期化の場合は空文字。
	UserID string `json:"user_id"`
	// Notifications は新しい順の通知一覧。
	Notifications []inbox.Notification `json:"notifications"`
	// UnreadCount はバッジに表示する未読件数。
	UnreadCount int `json:"unread_count"`
	// Preferences は受信設定。未作成の場合はnil。
	Preferences *inbox.Preferences `json:"preferences"`
	// Loading は一覧の取得中かどうか。
	Loading bool `json:"loading"`
}

// State はセッション1つ分の通知一覧・未読件数・受信設定を保持する。
// 全ての操作はgoroutineセーフである。
type State struct {
	store      inbox.Store
	trackers   *inbox.Trackers
	reconciler *inbox.Reconciler
	logger     *zap.Logger
	now        func() time.Time
	fetchLimit int

	mu            sync.Mutex
	active        bool
	identity      inbox.Identity
	notifications []inbox.Notification
	unread        int
	prefs         *inbox.Preferences
	loading       bool
	// epoch はBegin/Resetのたびに進む。古いセッション向けの結果や補償を捨てるのに使う。
	epoch uint64
	// fetchGen は一覧取得を発行するたびに進む。最新でない取得結果は捨てる。
	fetchGen uint64
	changes  chan struct{}
}

// NewState は新しいStateを生成する。
func NewState(store inbox.Store, logger *zap.Logger, fetchLimit int, now func() time.Time) *State {
	if fetchLimit <= 0 {
		fetchLimit = DefaultFetchLimit
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &State{
		store:      store,
		trackers:   inbox.NewTrackers(store),
		reconciler: inbox.NewReconciler(store),
		logger:     logger,
		now:        now,
		fetchLimit: fetchLimit,
		changes:    make(chan struct{}, 1),
	}
}

// Changes は状態が変化したときに通知を受け取るチャネルを返す。
// 連続した変化は1回にまとめられる。
func (s *State) Changes() <-chan struct{} {
	return s.changes
}

func (s *State) notifyLocked() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Begin はidの状態として空の状態から開始する。
func (s *State) Begin(id inbox.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	s.active = true
	s.identity = id
	s.notifyLocked()
}

// Reset は全ての状態を破棄する。
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	s.notifyLocked()
}

func (s *State) clearLocked() {
	s.epoch++
	s.active = false
	s.identity = inbox.Identity{}
	s.notifications = nil
	s.unread = 0
	s.prefs = nil
	s.loading = false
}

// Snapshot は現在の状態の複製を返す。
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]inbox.Notification, len(s.notifications))
	for i, n := range s.notifications {
		list[i] = n.Clone()
	}
	return Snapshot{
		UserID:        s.identity.UserID,
		Notifications: list,
		UnreadCount:   s.unread,
		Preferences:   s.prefs.Clone(),
		Loading:       s.loading,
	}
}

// AddNotification はリアルタイムに受信した通知を先頭に追加する。
// 既に存在するIDや、現在のセッションの受信対象でない通知は無視し、falseを返す。
// ブロードキャストは作成直後に既読台帳の行が存在し得ないため、未読として追加する。
func (s *State) AddNotification(n inbox.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || !n.VisibleTo(s.identity) {
		return false
	}
	if s.indexLocked(n.ID) >= 0 {
		return false
	}

	n = n.Clone()
	if n.Mode() == inbox.ModeBroadcast {
		n.IsRead = false
		n.ReadAt = nil
	}
	s.notifications = append([]inbox.Notification{n}, s.notifications...)
	if !n.IsRead {
		s.unread++
	}
	s.notifyLocked()
	return true
}

func (s *State) indexLocked(id string) int {
	return slices.IndexFunc(s.notifications, func(n inbox.Notification) bool { return n.ID == id })
}

// saved は補償処理のために保存する一覧と未読件数。
type saved struct {
	epoch         uint64
	notifications []inbox.Notification
	unread        int
}

func (s *State) saveLocked() saved {
	return saved{
		epoch:         s.epoch,
		notifications: slices.Clone(s.notifications),
		unread:        s.unread,
	}
}

func (s *State) restore(sv saved) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sv.epoch != s.epoch {
		return
	}
	s.notifications = sv.notifications
	s.unread = sv.unread
	s.notifyLocked()
}

// MarkAsRead は通知を1件既読にする。
// 存在しない、または既に既読の通知に対しては何もしない。
func (s *State) MarkAsRead(ctx context.Context, id string) error {
	return runMutation(ctx, s.logger, Mutation{
		Name: "mark_as_read",
		Apply: func() *Effect {
			s.mu.Lock()
			defer s.mu.Unlock()
			idx := s.indexLocked(id)
			if idx < 0 || s.notifications[idx].IsRead {
				return nil
			}

			sv := s.saveLocked()
			target := s.notifications[idx].Clone()
			userID := s.identity.UserID
			at := s.now()

			s.notifications[idx].IsRead = true
			s.notifications[idx].ReadAt = &at
			s.unread = max(s.unread-1, 0)
			s.notifyLocked()

			return &Effect{
				Commit: func(ctx context.Context) error {
					return s.trackers.For(target).MarkRead(ctx, userID, []inbox.Notification{target}, at)
				},
				Compensate: func() { s.restore(sv) },
			}
		},
	})
}

// MarkAllAsRead は未読の通知を全て既読にする。
// 個人宛てとブロードキャストはそれぞれ1回の書き込みにまとめ、どちらかが失敗した場合は全体を取り消す。
func (s *State) MarkAllAsRead(ctx context.Context) error {
	return runMutation(ctx, s.logger, Mutation{
		Name: "mark_all_as_read",
		Apply: func() *Effect {
			s.mu.Lock()
			defer s.mu.Unlock()
			var targets []inbox.Notification
			for _, n := range s.notifications {
				if !n.IsRead {
					targets = append(targets, n.Clone())
				}
			}
			if len(targets) == 0 {
				return nil
			}

			sv := s.saveLocked()
			userID := s.identity.UserID
			at := s.now()
			for i := range s.notifications {
				if s.notifications[i].IsRead {
					continue
				}
				s.notifications[i].IsRead = true
				s.notifications[i].ReadAt = &at
			}
			s.unread = 0
			s.notifyLocked()

			return &Effect{
				Commit: func(ctx context.Context) error {
					return s.trackers.MarkRead(ctx, userID, targets, at)
				},
				Compensate: func() { s.restore(sv) },
			}
		},
	})
}

// FetchNotifications は通知一覧を取得して突き合わせ、ローカルの一覧を置き換える。
// 後から発行された取得が既にある場合、その結果は捨てる。
// 失敗した場合はloadingを解除し、既存の一覧を維持する。
func (s *State) FetchNotifications(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.fetchGen++
	gen, epoch, id := s.fetchGen, s.epoch, s.identity
	s.loading = true
	s.notifyLocked()
	s.mu.Unlock()

	list, err := s.reconciler.Fetch(ctx, id, s.fetchLimit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || gen != s.fetchGen {
		s.logger.Debug("古い一覧取得の結果を破棄しました", zap.String("user_id", id.UserID))
		return nil
	}
	s.loading = false
	s.notifyLocked()
	if err != nil {
		s.logger.Warn("通知一覧の取得に失敗しました", zap.String("user_id", id.UserID), zap.Error(err))
		return fmt.Errorf("%w: %w", inbox.ErrTransientFetch, err)
	}
	s.notifications = list
	return nil
}

// LoadUnreadCount はRecord Store全体を対象に未読件数を求め直す。
func (s *State) LoadUnreadCount(ctx context.Context) error {
	id, epoch, ok := s.current()
	if !ok {
		return nil
	}
	count, err := inbox.NewCounter(s.store, inbox.StaticSession(id)).Count(ctx)
	if err != nil {
		s.logger.Warn("未読件数の取得に失敗しました", zap.String("user_id", id.UserID), zap.Error(err))
		return fmt.Errorf("%w: %w", inbox.ErrTransientFetch, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch == s.epoch {
		s.unread = count
		s.notifyLocked()
	}
	return nil
}

// LoadPreferences は受信設定を取得する。
func (s *State) LoadPreferences(ctx context.Context) error {
	id, epoch, ok := s.current()
	if !ok {
		return nil
	}
	p, err := inbox.NewPreferenceGate(s.store, inbox.StaticSession(id)).Fetch(ctx, id.UserID)
	if err != nil {
		s.logger.Warn("受信設定の取得に失敗しました", zap.String("user_id", id.UserID), zap.Error(err))
		return fmt.Errorf("%w: %w", inbox.ErrTransientFetch, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch == s.epoch {
		s.prefs = p
		s.notifyLocked()
	}
	return nil
}

// UpdatePreferences は受信設定の指定キーを楽観的に更新する。
func (s *State) UpdatePreferences(ctx context.Context, patch map[string]bool) error {
	return runMutation(ctx, s.logger, Mutation{
		Name: "update_preferences",
		Apply: func() *Effect {
			s.mu.Lock()
			defer s.mu.Unlock()
			if !s.active || len(patch) == 0 {
				return nil
			}

			epoch := s.epoch
			id := s.identity
			before := s.prefs.Clone()
			next := s.prefs.Clone()
			if next == nil {
				next = &inbox.Preferences{UserID: id.UserID, TenantID: id.TenantID, Flags: map[string]bool{}}
			}
			if next.Flags == nil {
				next.Flags = map[string]bool{}
			}
			maps.Copy(next.Flags, patch)
			s.prefs = next
			s.notifyLocked()

			return &Effect{
				Commit: func(ctx context.Context) error {
					p, err := inbox.NewPreferenceGate(s.store, inbox.StaticSession(id)).Update(ctx, id.UserID, patch)
					if err != nil {
						return err
					}
					s.mu.Lock()
					defer s.mu.Unlock()
					if epoch == s.epoch {
						s.prefs = p
						s.notifyLocked()
					}
					return nil
				},
				Compensate: func() {
					s.mu.Lock()
					defer s.mu.Unlock()
					if epoch == s.epoch {
						s.prefs = before
						s.notifyLocked()
					}
				},
			}
		},
	})
}

func (s *State) current() (inbox.Identity, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.epoch, s.active
}
