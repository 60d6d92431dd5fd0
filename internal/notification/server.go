package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/inbox"
	"github.com/nao1215/fieldops/pkg/middleware"
)

// Store は通知サーバーが使うRecord Store。
type Store interface {
	inbox.Store
	// InsertNotification は通知を作成し、作成イベントを配信する。
	InsertNotification(ctx context.Context, n inbox.Notification) (inbox.Notification, error)
	// GetNotification はIDで通知を1件取得する。
	GetNotification(ctx context.Context, id string) (inbox.Notification, error)
}

// Config は通知サーバーの設定。
type Config struct {
	// Port はサーバーのリッスンポート。
	Port string
	// JWTSecret はJWTの署名検証に使う共通鍵。
	JWTSecret string
	// FetchLimit は一覧取得の既定の件数。
	FetchLimit int
	// AllowedOrigins はCORSとWebSocketで許可するオリジン。
	AllowedOrigins []string
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はGraceful Shutdownのために保持するHTTPサーバー。
	httpServer *http.Server
	// cfg はサーバーの設定。
	cfg Config
	// store は通知の保存先。
	store Store
	// trackers は配信形態ごとの既読化処理。
	trackers *inbox.Trackers
	// reconciler は既読状態の突き合わせ処理。
	reconciler *inbox.Reconciler
	// hub はWebSocketストリームの接続管理。
	hub *Hub
	// logger は構造化ロガー。
	logger *zap.Logger
	// now は既読日時に使う時計。
	now func() time.Time
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(cfg Config, store Store, logger *zap.Logger) *Server {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 50
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:     router,
		cfg:        cfg,
		store:      store,
		trackers:   inbox.NewTrackers(store),
		reconciler: inbox.NewReconciler(store),
		hub:        NewHub(store, cfg.AllowedOrigins, logger),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	s.setupRoutes()
	return s
}

// Handler はルーティング済みのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。Shutdownが呼ばれるまで戻らない。
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("通知サービスを起動します", zap.String("port", s.cfg.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	}
	return nil
}

// Shutdown はWebSocket接続を閉じ、HTTPサーバーを停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// StreamClients は通知ストリームに接続中のクライアント数を返す。
func (s *Server) StreamClients() int {
	return s.hub.Clients()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	{
		notifications := api.Group("/notifications")
		{
			// 既読状態を突き合わせた通知一覧
			notifications.GET("", s.handleList())
			notifications.GET("/unread-count", s.handleUnreadCount())
			notifications.GET("/unread-direct-count", s.handleUnreadDirectCount())
			notifications.GET("/broadcast-ids", s.handleBroadcastIDs())
			notifications.POST("/read-status", s.handleReadStatus())
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
			// リモートクライアント向けの一括既読化
			notifications.POST("/read", s.handleMarkRead())
			notifications.GET("/stream", s.hub.Handle())
		}

		api.GET("/preferences", s.handleGetPreferences())
		api.PATCH("/preferences", s.handleUpdatePreferences())

		// 通知送信（内部API - 各業務サービスから呼び出される）
		internal := api.Group("/internal")
		{
			internal.POST("/send", s.handleSend())
		}
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// identity はJWTから取り出したセッション情報を返す。
// ユーザーIDまたはテナントIDが無い場合は401を返してfalseを返す。
func identity(c *gin.Context) (inbox.Identity, bool) {
	id := inbox.Identity{
		UserID:   middleware.GetUserID(c),
		Role:     middleware.GetRole(c),
		TenantID: middleware.GetTenantID(c),
	}
	if id.UserID == "" || id.TenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return inbox.Identity{}, false
	}
	return id, true
}

// handleList は認証済みユーザーの通知一覧を、閲覧者にとっての既読状態付きで返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity(c)
		if !ok {
			return
		}

		limit := s.cfg.FetchLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 || n > inbox.MaxFetchLimit {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("limitは0以上%d以下で指定してください", inbox.MaxFetchLimit)})
				return
			}
			limit = n
		}

		notifications, err := s.reconciler.Fetch(c.Request.Context(), id, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			s.logger.Error("通知一覧取得エラー", zap.String("user_id", id.UserID), zap.Error(err))
			return
		}
		c.JSON(http.StatusOK, notifications)
	}
}

// handleUnreadCount はバッジ用の未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity(c)
		if !ok {
			return
		}

		count, err := inbox.NewCounter(s.store, inbox.StaticSession(id)).Count(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読件数の取得に失敗しました"})
			s.logger.Error("未読件数取得エラー", zap.String("user_id", id.UserID), zap.Error(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleUnreadDirectCount は個人宛て通知だけの未読件数を返すハンドラ。
func (s *Server) handleUnreadDirectCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity(c)
		if !ok {
			return
		}

		count, err := s.store.CountUnreadDirect(c.Request.Context(), id.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読件数の取得に失敗しました"})
			s.logger.Error("個人宛て未読件数取得エラー", zap.String("user_id", id.UserID), zap.Error(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleBroadcastIDs はユーザーのロールが受信対象となるブロードキャスト通知のIDを返すハンドラ。
func (s *Server) handleBroadcastIDs() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity(c)
		if !ok {
			return
		}

		ids, err := s.store.ListBroadcastIDs(c.Request.Context(), id.TenantID, id.Role)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ブロードキャストIDの取得に失敗しました"})
			s.logger.Error("ブロードキャストID取得エラー", zap.String("user_id", id.UserID), zap.Error(err))
			return
		}
		if ids == nil {
			ids = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"ids": ids})
	}
}

// readStatusRequest は既読台帳の参照リクエストのJSON構造。
type readStatusRequest struct {
	// IDs は確認するブロードキャスト通知のID。
	IDs []string `json:"ids"`
}

// handleReadStatus は指定されたIDのうちユーザーが既読にしたものを返すハンドラ。
func (s *Server) handleReadStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity(c)
		if !ok {
			return
		}

		var req readStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		read, err := s.store.ListReadStatus(c.Request.Context(), id.UserID, req.IDs)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "既読台帳の取得に失敗しました"})
			s.logger.Error("既読台帳取得エラー", zap.String("user_id", id.UserID), zap.Error(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"read_at": read})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 個人宛ては通知レコードを、ブロードキャストは既読台帳を更新する。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity(c)
		if !ok {
			return
		}

		notificationID := c.Param("id")
		n, err := s.store.GetNotification(c.Request.Context(), notificationID)
		if errors.Is(err, inbox.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
			s.logger.Error("通知取得エラー", zap.String("notification_id", notificationID), zap.Error(err))
			return
		}

		// 受信対象でない通知は操作できない
		if !n.VisibleTo(id) {
			c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
			return
		}

		tracker := s.trackers.For(n)
		if err := tracker.MarkRead(c.Request.Context(), id.UserID, []inbox.Notification{n}, s.now()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			s.logger.Error("通知既読処理エラー", zap.String("notification_id", n.ID), zap.Error(err))
			return
		}
		readMarksTotal.WithLabelValues(tracker.Mode().String()).Inc()

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザーの未読通知を全て既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity(c)
		if !ok {
			return
		}

		all, err := s.reconciler.Fetch(c.Request.Context(), id, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			s.logger.Error("通知一覧取得エラー", zap.String("user_id", id.UserID), zap.Error(err))
			return
		}

		var unread []inbox.Notification
		for _, n := range all {
			if !n.IsRead {
				unread = append(unread, n)
			}
		}
		if err := s.trackers.MarkRead(c.Request.Context(), id.UserID, unread, s.now()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			s.logger.Error("全通知既読処理エラー", zap.String("user_id", id.UserID), zap.Error(err))
			return
		}
		for _, n := range unread {
			readMarksTotal.WithLabelValues(n.Mode().String()).Inc()
		}

		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "count": len(unread)})
	}
}

// markReadRequest は一括既読化リクエストのJSON構造。
type markReadRequest struct {
	// DirectIDs は既読にする個人宛て通知のID。
	DirectIDs []string `json:"direct_ids"`
	// BroadcastIDs は既読にするブロードキャスト通知のID。
	BroadcastIDs []string `json:"broadcast_ids"`
	// ReadAt は既読日時。省略時はサーバーの現在時刻。
	ReadAt *time.Time `json:"read_at"`
}

// handleMarkRead は配信形態ごとに指定された通知をまとめて既読にするハンドラ。
// 全てのIDがユーザーの受信対象で、かつ指定された配信形態と一致する場合だけ書き込む。
func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity(c)
		if !ok {
			return
		}

		var req markReadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		at := s.now()
		if req.ReadAt != nil {
			at = req.ReadAt.UTC()
		}

		direct, status, err := s.loadOwned(c.Request.Context(), id, req.DirectIDs, inbox.ModeDirect)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		broadcast, status, err := s.loadOwned(c.Request.Context(), id, req.BroadcastIDs, inbox.ModeBroadcast)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		targets := append(direct, broadcast...)

		if err := s.trackers.MarkRead(c.Request.Context(), id.UserID, targets, at); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			s.logger.Error("一括既読処理エラー", zap.String("user_id", id.UserID), zap.Error(err))
			return
		}
		for _, n := range targets {
			readMarksTotal.WithLabelValues(n.Mode().String()).Inc()
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました", "count": len(targets)})
	}
}

// loadOwned はIDの通知を取得し、ユーザーの受信対象かつ指定の配信形態であることを確認する。
func (s *Server) loadOwned(ctx context.Context, id inbox.Identity, ids []string, mode inbox.Mode) ([]inbox.Notification, int, error) {
	out := make([]inbox.Notification, 0, len(ids))
	for _, nid := range ids {
		n, err := s.store.GetNotification(ctx, nid)
		if errors.Is(err, inbox.ErrNotFound) {
			return nil, http.StatusNotFound, fmt.Errorf("通知が見つかりません: %s", nid)
		}
		if err != nil {
			s.logger.Error("通知取得エラー", zap.String("notification_id", nid), zap.Error(err))
			return nil, http.StatusInternalServerError, errors.New("通知の取得に失敗しました")
		}
		if n.Mode() != mode {
			return nil, http.StatusBadRequest, fmt.Errorf("通知 %s は%sではありません", nid, mode)
		}
		if !n.VisibleTo(id) {
			return nil, http.StatusForbidden, errors.New("この通知を操作する権限がありません")
		}
		out = append(out, n)
	}
	return out, http.StatusOK, nil
}

// handleGetPreferences はユーザーの受信設定を返すハンドラ。未作成の場合はnullを返す。
func (s *Server) handleGetPreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity(c)
		if !ok {
			return
		}

		p, err := inbox.NewPreferenceGate(s.store, inbox.StaticSession(id)).Fetch(c.Request.Context(), id.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "受信設定の取得に失敗しました"})
			s.logger.Error("受信設定取得エラー", zap.String("user_id", id.UserID), zap.Error(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"preferences": p})
	}
}

// handleUpdatePreferences は受信設定の指定キーを更新するハンドラ。
func (s *Server) handleUpdatePreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity(c)
		if !ok {
			return
		}

		var patch map[string]bool
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if len(patch) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "更新する設定がありません"})
			return
		}

		p, err := inbox.NewPreferenceGate(s.store, inbox.StaticSession(id)).Update(c.Request.Context(), id.UserID, patch)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "受信設定の更新に失敗しました"})
			s.logger.Error("受信設定更新エラー", zap.String("user_id", id.UserID), zap.Error(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"preferences": p})
	}
}
