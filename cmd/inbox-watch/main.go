// 通知受信箱のウォッチャー。
// 通知サービスにトークンで接続してセッションを開始し、未読件数と通知一覧の
// 変化をログに出力する。端末アプリの通知バッジと同じ経路で動作する。
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/config"
	"github.com/nao1215/fieldops/internal/remote"
	"github.com/nao1215/fieldops/internal/session"
	"github.com/nao1215/fieldops/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "設定ファイル（YAML）のパス")
	markAll := flag.Bool("mark-all", false, "起動時に全ての通知を既読にする")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}
	logger, err := logging.New(logging.Config{Service: "inbox-watch", Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	sess, err := remote.NewTokenSession(cfg.Remote.Token)
	if err != nil {
		logger.Fatal("トークンが不正です", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id, _ := sess.Identity(ctx)
	store := remote.NewStore(cfg.Remote.BaseURL, cfg.Remote.Token, logger)
	m := session.NewManager(store, logger, session.WithFetchLimit(cfg.Inbox.FetchLimit))
	defer m.Teardown()

	if err := m.Initialize(ctx, id); err != nil {
		logger.Fatal("セッションの開始に失敗", zap.Error(err))
	}
	report(logger, m.Snapshot())

	if *markAll {
		if err := m.MarkAllAsRead(ctx); err != nil {
			logger.Error("全通知の既読化に失敗しました", zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("ウォッチャーを終了します")
			return
		case <-m.Changes():
			report(logger, m.Snapshot())
		}
	}
}

// report はセッションの状態をログに出力する。
func report(logger *zap.Logger, s session.Snapshot) {
	fields := []zap.Field{
		zap.String("user_id", s.UserID),
		zap.Int("unread", s.UnreadCount),
		zap.Int("notifications", len(s.Notifications)),
		zap.Bool("loading", s.Loading),
	}
	if len(s.Notifications) > 0 {
		latest := s.Notifications[0]
		fields = append(fields,
			zap.String("latest_id", latest.ID),
			zap.String("latest_title", latest.Title),
			zap.Bool("latest_read", latest.IsRead),
		)
	}
	logger.Info("受信箱", fields...)
}
