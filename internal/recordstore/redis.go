package recordstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/inbox"
	"github.com/nao1215/fieldops/pkg/event"
)

// DefaultChannel は通知作成イベントを流すRedisのチャネル名。
const DefaultChannel = "notification_events"

// errChannelClosed はRedisのメッセージチャネルが予期せず閉じられたことを表す。
var errChannelClosed = errors.New("redisの購読チャネルが閉じられました")

// RedisBroker はRedis Pub/Subを使うBroker。複数のサーバープロセス間で通知作成イベントを共有する。
type RedisBroker struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger

	mu   sync.Mutex
	subs map[*redisSubscription]struct{}
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker は新しいRedisBrokerを生成する。channelが空の場合はDefaultChannelを使う。
func NewRedisBroker(rdb *redis.Client, channel string, logger *zap.Logger) *RedisBroker {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroker{
		rdb:     rdb,
		channel: channel,
		logger:  logger,
		subs:    make(map[*redisSubscription]struct{}),
	}
}

// Publish はBrokerを実装する。
func (b *RedisBroker) Publish(ctx context.Context, ev *event.Event) error {
	payload, err := event.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redisへのpublishに失敗: %w", err)
	}
	return nil
}

// Subscribe はBrokerを実装する。購読の確立を待ってから返る。
func (b *RedisBroker) Subscribe(ctx context.Context, handle func(*event.Event)) (inbox.Subscription, error) {
	ps := b.rdb.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisの購読に失敗: %w", err)
	}

	sub := &redisSubscription{
		broker: b,
		pubsub: ps,
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.logger.Info("redisチャネルを購読しました", zap.String("channel", b.channel))
	go sub.listen(handle)
	return sub, nil
}

// Close はBrokerを実装する。Redisクライアント自体は呼び出し元が閉じる。
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type redisSubscription struct {
	broker *RedisBroker
	pubsub *redis.PubSub
	errCh  chan error
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) listen(handle func(*event.Event)) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				select {
				case <-s.done:
				default:
					s.errCh <- errChannelClosed
				}
				return
			}
			ev, err := event.Unmarshal([]byte(msg.Payload))
			if err != nil {
				s.broker.logger.Warn("redisのメッセージを解析できませんでした", zap.Error(err))
				continue
			}
			handle(ev)
		}
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
		err = s.pubsub.Close()
	})
	if err != nil {
		return fmt.Errorf("redisの購読終了に失敗: %w", err)
	}
	return nil
}

func (s *redisSubscription) Err() <-chan error { return s.errCh }
