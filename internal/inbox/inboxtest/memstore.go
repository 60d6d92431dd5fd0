// Package inboxtest はinbox.Storeのテスト用インメモリ実装を提供する。
package inboxtest

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/nao1215/fieldops/internal/inbox"
)

// Op はStoreの操作名。失敗の注入と呼び出し回数の集計に使う。
type Op string

const (
	OpListNotifications  Op = "ListNotifications"
	OpListReadStatus     Op = "ListReadStatus"
	OpCountUnreadDirect  Op = "CountUnreadDirect"
	OpListBroadcastIDs   Op = "ListBroadcastIDs"
	OpMarkDirectRead     Op = "MarkDirectRead"
	OpInsertReadStatus   Op = "InsertReadStatus"
	OpGetPreferences     Op = "GetPreferences"
	OpUpsertPreferences  Op = "UpsertPreferences"
	OpSubscribeToInserts Op = "SubscribeToInserts"
)

// Store はスレッドセーフなインメモリのinbox.Store。
type Store struct {
	mu            sync.Mutex
	notifications map[string]inbox.Notification
	// readStatus はuserID → 通知ID → 既読日時。
	readStatus map[string]map[string]time.Time
	prefs      map[string]*inbox.Preferences
	subs       map[int]*subscription
	nextSub    int
	failures   map[Op]error
	calls      map[Op]int
	onList     func(ctx context.Context)
}

var _ inbox.Store = (*Store)(nil)

// New は空のStoreを生成する。
func New() *Store {
	return &Store{
		notifications: make(map[string]inbox.Notification),
		readStatus:    make(map[string]map[string]time.Time),
		prefs:         make(map[string]*inbox.Preferences),
		subs:          make(map[int]*subscription),
		failures:      make(map[Op]error),
		calls:         make(map[Op]int),
	}
}

// Seed は購読者に通知せずに通知を登録する。
func (s *Store) Seed(ns ...inbox.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range ns {
		s.notifications[n.ID] = n.Clone()
	}
}

// SeedReadStatus は既読台帳に行を直接登録する。
func (s *Store) SeedReadStatus(entries ...inbox.ReadStatusEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.recordRead(e)
	}
}

// Publish は通知を登録し、受信対象となる購読者のコールバックを同期的に呼び出す。
func (s *Store) Publish(n inbox.Notification) {
	s.mu.Lock()
	s.notifications[n.ID] = n.Clone()
	var targets []*subscription
	for _, sub := range s.subs {
		if n.VisibleTo(sub.identity) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.onInsert(n.Clone())
	}
}

// FailOn は以降のopの呼び出しでerrを返すようにする。errがnilの場合は解除する。
func (s *Store) FailOn(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// OnList はListNotificationsが結果を返す直前に呼ばれるフックを設定する。
func (s *Store) OnList(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onList = fn
}

// Calls はopの呼び出し回数を返す。
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// LiveSubscriptions は閉じられていない購読の数を返す。
func (s *Store) LiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// BreakSubscriptions は全ての購読のErrチャネルにerrを送る。
func (s *Store) BreakSubscriptions(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.errCh <- err:
		default:
		}
	}
}

// Notification は保存されている行をそのまま返す。
func (s *Store) Notification(id string) (inbox.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	return n.Clone(), ok
}

// ReadStatus はユーザーの既読台帳の複製を返す。
func (s *Store) ReadStatus(userID string) map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.readStatus[userID])
}

func (s *Store) begin(op Op) error {
	s.calls[op]++
	return s.failures[op]
}

func (s *Store) recordRead(e inbox.ReadStatusEntry) {
	m, ok := s.readStatus[e.UserID]
	if !ok {
		m = make(map[string]time.Time)
		s.readStatus[e.UserID] = m
	}
	if _, exists := m[e.NotificationID]; !exists {
		m[e.NotificationID] = e.ReadAt
	}
}

// ListNotifications はinbox.Storeを実装する。
// OnListで設定したフックは結果を確定した後、返却する前に呼ばれる。
func (s *Store) ListNotifications(ctx context.Context, tenantID, userID, role string, limit int) ([]inbox.Notification, error) {
	out, hook, err := s.listNotifications(tenantID, userID, role, limit)
	if hook != nil {
		hook(ctx)
	}
	return out, err
}

func (s *Store) listNotifications(tenantID, userID, role string, limit int) ([]inbox.Notification, func(context.Context), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpListNotifications); err != nil {
		return nil, s.onList, err
	}
	id := inbox.Identity{UserID: userID, Role: role, TenantID: tenantID}
	var out []inbox.Notification
	for _, n := range s.notifications {
		if n.VisibleTo(id) {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, s.onList, nil
}

// ListReadStatus はinbox.Storeを実装する。
func (s *Store) ListReadStatus(_ context.Context, userID string, ids []string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpListReadStatus); err != nil {
		return nil, err
	}
	out := make(map[string]time.Time)
	for _, id := range ids {
		if at, ok := s.readStatus[userID][id]; ok {
			out[id] = at
		}
	}
	return out, nil
}

// CountUnreadDirect はinbox.Storeを実装する。
func (s *Store) CountUnreadDirect(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpCountUnreadDirect); err != nil {
		return 0, err
	}
	count := 0
	for _, n := range s.notifications {
		if n.Mode() == inbox.ModeDirect && *n.RecipientUserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

// ListBroadcastIDs はinbox.Storeを実装する。
func (s *Store) ListBroadcastIDs(_ context.Context, tenantID, role string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpListBroadcastIDs); err != nil {
		return nil, err
	}
	id := inbox.Identity{Role: role, TenantID: tenantID}
	var out []string
	for _, n := range s.notifications {
		if n.Mode() == inbox.ModeBroadcast && n.VisibleTo(id) {
			out = append(out, n.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MarkDirectRead はinbox.Storeを実装する。
func (s *Store) MarkDirectRead(_ context.Context, ids []string, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpMarkDirectRead); err != nil {
		return err
	}
	for _, id := range ids {
		n, ok := s.notifications[id]
		if !ok || n.Mode() != inbox.ModeDirect {
			continue
		}
		n.IsRead = true
		if n.ReadAt == nil {
			at := readAt
			n.ReadAt = &at
		}
		s.notifications[id] = n
	}
	return nil
}

// InsertReadStatus はinbox.Storeを実装する。
func (s *Store) InsertReadStatus(_ context.Context, entries []inbox.ReadStatusEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpInsertReadStatus); err != nil {
		return err
	}
	for _, e := range entries {
		n, ok := s.notifications[e.NotificationID]
		if !ok || n.Mode() != inbox.ModeBroadcast {
			continue
		}
		s.recordRead(e)
	}
	return nil
}

func prefKey(tenantID, userID string) string { return tenantID + "/" + userID }

// GetPreferences はinbox.Storeを実装する。
func (s *Store) GetPreferences(_ context.Context, tenantID, userID string) (*inbox.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpGetPreferences); err != nil {
		return nil, err
	}
	return s.prefs[prefKey(tenantID, userID)].Clone(), nil
}

// UpsertPreferences はinbox.Storeを実装する。
func (s *Store) UpsertPreferences(_ context.Context, tenantID, userID string, patch map[string]bool) (*inbox.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpUpsertPreferences); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	key := prefKey(tenantID, userID)
	p, ok := s.prefs[key]
	if !ok {
		p = &inbox.Preferences{UserID: userID, TenantID: tenantID, Flags: map[string]bool{}, CreatedAt: now}
		s.prefs[key] = p
	}
	maps.Copy(p.Flags, patch)
	p.UpdatedAt = now
	return p.Clone(), nil
}

// SubscribeToInserts はinbox.Storeを実装する。
func (s *Store) SubscribeToInserts(_ context.Context, id inbox.Identity, onInsert func(inbox.Notification)) (inbox.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpSubscribeToInserts); err != nil {
		return nil, err
	}
	s.nextSub++
	sub := &subscription{
		store:    s,
		key:      s.nextSub,
		identity: id,
		onInsert: onInsert,
		errCh:    make(chan error, 1),
	}
	s.subs[sub.key] = sub
	return sub, nil
}

type subscription struct {
	store    *Store
	key      int
	identity inbox.Identity
	onInsert func(inbox.Notification)
	errCh    chan error
}

func (s *subscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	delete(s.store.subs, s.key)
	return nil
}

func (s *subscription) Err() <-chan error { return s.errCh }
