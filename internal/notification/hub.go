package notification

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/inbox"
	"github.com/nao1215/fieldops/pkg/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
	sendBuffer     = 32
)

// Hub は通知ストリームのWebSocket接続を管理する。
// 接続ごとにRecord Storeの購読を1つ持ち、受信対象の通知作成イベントだけを送る。
type Hub struct {
	store    inbox.Store
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub は新しいHubを生成する。
// Originヘッダーの無い接続（ブラウザ以外）と同一オリジンの接続は常に許可する。
// それ以外はallowedOriginsに含まれるオリジンだけを許可し、"*"を含む場合は全て許可する。
func NewHub(store inbox.Store, allowedOrigins []string, logger *zap.Logger) *Hub {
	allowAll := slices.Contains(allowedOrigins, "*")
	return &Hub{
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if allowAll || origin == "" || slices.Contains(allowedOrigins, origin) {
					return true
				}
				u, err := url.Parse(origin)
				return err == nil && strings.EqualFold(u.Host, r.Host)
			},
		},
		clients: make(map[*client]struct{}),
	}
}

// Handle は通知ストリームのハンドラを返す。接続が切れるまで戻らない。
func (h *Hub) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity(c)
		if !ok {
			return
		}

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("WebSocketへのアップグレードに失敗しました", zap.String("user_id", id.UserID), zap.Error(err))
			return
		}

		cl := &client{conn: conn, id: id, send: make(chan []byte, sendBuffer), done: make(chan struct{}), logger: h.logger}
		sub, err := h.store.SubscribeToInserts(context.WithoutCancel(c.Request.Context()), id, cl.enqueue)
		if err != nil {
			h.logger.Error("通知ストリームの購読に失敗しました", zap.String("user_id", id.UserID), zap.Error(err))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}

		h.add(cl)
		defer h.remove(cl)
		defer sub.Close()

		go cl.watch(sub)
		go cl.writeLoop()
		cl.readLoop()
	}
}

// Clients は接続中のクライアント数を返す。
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close は全ての接続を閉じる。
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	for _, cl := range clients {
		cl.close()
	}
}

func (h *Hub) add(cl *client) {
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	streamClients.Inc()
	h.logger.Info("通知ストリームに接続しました", zap.String("user_id", cl.id.UserID))
}

func (h *Hub) remove(cl *client) {
	cl.close()
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
	streamClients.Dec()
	h.logger.Info("通知ストリームを切断しました", zap.String("user_id", cl.id.UserID))
}

// client はWebSocket接続1本。書き込みはwriteLoopだけが行う。
type client struct {
	conn   *websocket.Conn
	id     inbox.Identity
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// enqueue は通知を作成イベントとして送信キューに積む。キューが溢れた遅いクライアントは切断する。
func (c *client) enqueue(n inbox.Notification) {
	ev, err := inbox.CreatedEvent(n)
	if err != nil {
		c.logger.Warn("通知作成イベントを生成できませんでした", zap.String("notification_id", n.ID), zap.Error(err))
		return
	}
	payload, err := event.Marshal(ev)
	if err != nil {
		c.logger.Warn("通知作成イベントをエンコードできませんでした", zap.String("notification_id", n.ID), zap.Error(err))
		return
	}

	select {
	case c.send <- payload:
	case <-c.done:
	default:
		c.logger.Warn("送信キューが溢れたため切断します", zap.String("user_id", c.id.UserID))
		c.close()
	}
}

// watch は購読が異常終了した場合に接続を閉じ、クライアントに再接続を促す。
func (c *client) watch(sub inbox.Subscription) {
	select {
	case err, ok := <-sub.Err():
		if ok && err != nil {
			c.logger.Error("通知ストリームの購読が停止しました", zap.String("user_id", c.id.UserID), zap.Error(err))
			c.close()
		}
	case <-c.done:
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.close()
			return
		}
	}
}
