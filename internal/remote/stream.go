package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/inbox"
	"github.com/nao1215/fieldops/pkg/event"
)

// errStreamClosed はサーバーがストリームを正常に閉じたことを表す。
var errStreamClosed = errors.New("通知ストリームがサーバーにより閉じられました")

// streamURL はベースURLを通知ストリームのWebSocket URLに変換する。
func streamURL(baseURL string) (string, error) {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + apiPrefix + "/notifications/stream", nil
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + apiPrefix + "/notifications/stream", nil
	default:
		return "", fmt.Errorf("未対応のベースURLです: %s", baseURL)
	}
}

// SubscribeToInserts は通知ストリームに接続し、idの受信対象となる通知の作成を
// onInsertに渡す。接続が確立してから戻る。
func (s *Store) SubscribeToInserts(ctx context.Context, id inbox.Identity, onInsert func(inbox.Notification)) (inbox.Subscription, error) {
	u, err := streamURL(s.client.BaseURL())
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.client.Token())
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("通知ストリームへの接続に失敗(status=%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("通知ストリームへの接続に失敗: %w", err)
	}

	sub := &streamSubscription{
		conn:   conn,
		errCh:  make(chan error, 1),
		logger: s.logger,
	}
	go sub.listen(id, onInsert)
	return sub, nil
}

// streamSubscription はWebSocket接続1本による購読。
type streamSubscription struct {
	conn   *websocket.Conn
	errCh  chan error
	logger *zap.Logger

	closed atomic.Bool
	once   sync.Once
}

func (s *streamSubscription) listen(id inbox.Identity, onInsert func(inbox.Notification)) {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = errStreamClosed
			}
			s.errCh <- fmt.Errorf("通知ストリームの受信に失敗: %w", err)
			return
		}

		ev, err := event.Unmarshal(payload)
		if err != nil {
			s.logger.Warn("通知ストリームのメッセージを解析できませんでした", zap.Error(err))
			continue
		}
		if ev.Type != event.TypeNotificationCreated {
			continue
		}
		n, err := inbox.FromCreatedEvent(ev)
		if err != nil {
			s.logger.Warn("通知作成イベントを復元できませんでした", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		if !n.VisibleTo(id) {
			continue
		}
		onInsert(n)
	}
}

// Close は接続を閉じる。
func (s *streamSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}

// Err は接続が異常終了した場合にエラーを1度だけ送る。
func (s *streamSubscription) Err() <-chan error { return s.errCh }
