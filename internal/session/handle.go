package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/inbox"
)

// ErrHandleInUse は購読中のハンドルを再度開こうとしたことを表す。
var ErrHandleInUse = errors.New("通知の購読は既に開始されています")

// SubscriptionHandle はセッションのリアルタイム購読を1つだけ保持する。
type SubscriptionHandle struct {
	store  inbox.Store
	logger *zap.Logger

	mu   sync.Mutex
	sub  inbox.Subscription
	done chan struct{}
	// faulted は購読が異常終了し、Closeされるまでイベントが届かないことを表す。
	faulted bool
}

func newSubscriptionHandle(store inbox.Store, logger *zap.Logger) *SubscriptionHandle {
	return &SubscriptionHandle{store: store, logger: logger}
}

// Open はidの受信対象となる通知作成イベントの購読を開始する。
// 既に購読中の場合はErrHandleInUseを返す。
func (h *SubscriptionHandle) Open(ctx context.Context, id inbox.Identity, onInsert func(inbox.Notification)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub != nil {
		return ErrHandleInUse
	}

	sub, err := h.store.SubscribeToInserts(ctx, id, onInsert)
	if err != nil {
		return fmt.Errorf("通知の購読に失敗: %w", err)
	}
	h.sub = sub
	h.done = make(chan struct{})
	go h.watch(sub, h.done, id.UserID)

	h.logger.Info("通知の購読を開始しました", zap.String("user_id", id.UserID))
	return nil
}

// watch は購読の異常終了をログに記録する。再接続は行わない。
func (h *SubscriptionHandle) watch(sub inbox.Subscription, done <-chan struct{}, userID string) {
	select {
	case err, ok := <-sub.Err():
		if ok && err != nil {
			h.markFaulted(done)
			h.logger.Error("通知の購読が停止しました",
				zap.String("user_id", userID),
				zap.Error(fmt.Errorf("%w: %w", inbox.ErrSubscriptionFault, err)),
			)
		}
	case <-done:
	}
}

// markFaulted はdoneの購読がまだ保持されている場合に異常終了として記録する。
func (h *SubscriptionHandle) markFaulted(done <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub != nil && h.done == done {
		h.faulted = true
	}
}

// Close は購読を終了する。購読していない場合は何もしない。
func (h *SubscriptionHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub == nil {
		return nil
	}
	close(h.done)
	err := h.sub.Close()
	h.sub = nil
	h.done = nil
	h.faulted = false
	if err != nil {
		return fmt.Errorf("通知の購読終了に失敗: %w", err)
	}
	return nil
}

// Live は購読中かどうかを返す。異常終了した購読は購読中とみなさない。
func (h *SubscriptionHandle) Live() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sub != nil && !h.faulted
}
