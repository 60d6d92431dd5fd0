// 通知サービスのエントリポイント。
// 通知の作成・一覧・既読化のHTTP APIと、通知作成イベントのWebSocketストリームを提供する。
// redis.addrが設定されている場合は、Redis Pub/Subで複数プロセス間にイベントを配信する。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/config"
	"github.com/nao1215/fieldops/internal/notification"
	"github.com/nao1215/fieldops/internal/recordstore"
	"github.com/nao1215/fieldops/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "設定ファイル（YAML）のパス")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger, err := logging.New(logging.Config{Service: "notification", Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("通知サービスの実行に失敗", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if cfg.JWT.Secret == "" {
		return errors.New("JWT_SECRETが設定されていません")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var broker recordstore.Broker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("Redisへの接続に失敗: %w", err)
		}
		broker = recordstore.NewRedisBroker(rdb, cfg.Redis.Channel, logger)
		logger.Info("Redisブローカーを使用します", zap.String("addr", cfg.Redis.Addr), zap.String("channel", cfg.Redis.Channel))
	} else {
		broker = recordstore.NewMemoryBroker()
	}
	defer broker.Close()

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("データディレクトリの作成に失敗: %w", err)
		}
	}
	store, err := recordstore.Open(ctx, cfg.Database.Path, broker, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	server := notification.NewServer(notification.Config{
		Port:           cfg.Port,
		JWTSecret:      cfg.JWT.Secret,
		FetchLimit:     cfg.Inbox.FetchLimit,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}, store, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("通知サービスを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}
