package recordstore

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/inbox"
	"github.com/nao1215/fieldops/pkg/event"
)

// Broker は通知作成イベントを購読者に配信する。
type Broker interface {
	// Publish はイベントを全ての購読者に配信する。
	Publish(ctx context.Context, ev *event.Event) error
	// Subscribe はイベントを受け取るたびにhandleを呼び出す購読を開始する。
	Subscribe(ctx context.Context, handle func(*event.Event)) (inbox.Subscription, error)
	// Close は全ての購読を終了する。
	Close() error
}

// MemoryBroker はプロセス内で完結するBroker。Publishは購読者のhandleを同期的に呼び出す。
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySubscription
	nextID uint64
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker は新しいMemoryBrokerを生成する。
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[uint64]*memorySubscription)}
}

// Publish はBrokerを実装する。
func (b *MemoryBroker) Publish(_ context.Context, ev *event.Event) error {
	b.mu.RLock()
	handlers := make([]func(*event.Event), 0, len(b.subs))
	for _, sub := range b.subs {
		handlers = append(handlers, sub.handle)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// Subscribe はBrokerを実装する。
func (b *MemoryBroker) Subscribe(_ context.Context, handle func(*event.Event)) (inbox.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &memorySubscription{
		broker: b,
		id:     b.nextID,
		handle: handle,
		errCh:  make(chan error),
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Close はBrokerを実装する。
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	subs := make([]*memorySubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type memorySubscription struct {
	broker *MemoryBroker
	id     uint64
	handle func(*event.Event)
	errCh  chan error
	once   sync.Once
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		s.broker.mu.Unlock()
		close(s.errCh)
	})
	return nil
}

func (s *memorySubscription) Err() <-chan error { return s.errCh }

// SubscribeToInserts はinbox.Storeを実装する。
// Brokerから届いたイベントのうち、idの受信対象となる通知だけをonInsertに渡す。
func (s *SQLiteStore) SubscribeToInserts(ctx context.Context, id inbox.Identity, onInsert func(inbox.Notification)) (inbox.Subscription, error) {
	return s.broker.Subscribe(ctx, func(ev *event.Event) {
		if ev.Type != event.TypeNotificationCreated {
			return
		}
		n, err := inbox.FromCreatedEvent(ev)
		if err != nil {
			s.logger.Warn("通知作成イベントをデコードできませんでした", zap.String("event_id", ev.ID), zap.Error(err))
			return
		}
		if n.VisibleTo(id) {
			onInsert(n)
		}
	})
}
