// Package config は通知サービスと端末クライアントの設定を読み込む。
//
// 設定は既定値、YAMLファイル、環境変数の順に上書きされる。環境変数は
// FIELDOPS_ を接頭辞とし、キーの"."を"_"に置き換えた名前で参照する
// （例: FIELDOPS_DATABASE_PATH）。PORTとJWT_SECRETは接頭辞なしでも読む。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/nao1215/fieldops/internal/inbox"
)

// EnvPrefix は環境変数の接頭辞。
const EnvPrefix = "FIELDOPS"

// Config はアプリケーション全体の設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `mapstructure:"port"`
	// Database はRecord Storeの設定。
	Database DatabaseConfig `mapstructure:"database"`
	// JWT はトークン検証の設定。
	JWT JWTConfig `mapstructure:"jwt"`
	// Redis は通知作成イベントのブローカー設定。Addrが空の場合はプロセス内で配信する。
	Redis RedisConfig `mapstructure:"redis"`
	// Log はロガーの設定。
	Log LogConfig `mapstructure:"log"`
	// Inbox はセッションの設定。
	Inbox InboxConfig `mapstructure:"inbox"`
	// Remote は端末クライアントの接続先。
	Remote RemoteConfig `mapstructure:"remote"`
	// CORS はブラウザからのアクセスを許可するオリジン。
	CORS CORSConfig `mapstructure:"cors"`
}

// CORSConfig はクロスオリジンアクセスの設定。
type CORSConfig struct {
	// AllowedOrigins はHTTP APIと通知ストリームに接続できるオリジン。"*"で全て許可する。
	// 環境変数ではカンマ区切りで指定する。
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig はRecord Storeの設定。
type DatabaseConfig struct {
	// Path はSQLiteのデータベースファイル。
	Path string `mapstructure:"path"`
}

// JWTConfig はトークン検証の設定。
type JWTConfig struct {
	// Secret はHS256の共通鍵。
	Secret string `mapstructure:"secret"`
}

// RedisConfig はRedis Pub/Subの設定。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	Channel  string `mapstructure:"channel"`
}

// LogConfig はロガーの設定。
type LogConfig struct {
	// Level はログレベル。
	Level string `mapstructure:"level"`
	// File はログの出力先ファイル。空の場合は標準エラー出力のみ。
	File string `mapstructure:"file"`
}

// InboxConfig はセッションの設定。
type InboxConfig struct {
	// FetchLimit は通知一覧の取得件数。
	FetchLimit int `mapstructure:"fetch_limit"`
}

// RemoteConfig は端末クライアントの接続先。
type RemoteConfig struct {
	// BaseURL は通知サービスのベースURL。
	BaseURL string `mapstructure:"base_url"`
	// Token は通知サービスが発行したJWT。
	Token string `mapstructure:"token"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8086")
	v.SetDefault("database.path", "data/notification.db")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.channel", "notification_events")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("inbox.fetch_limit", 50)
	v.SetDefault("remote.base_url", "http://localhost:8086")
	v.SetDefault("remote.token", "")
	v.SetDefault("cors.allowed_origins", []string{})
}

// Load は設定を読み込む。pathが空の場合はYAMLファイルを読まない。
// カレントディレクトリに.envがあれば、環境変数として先に読み込む。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".envの読み込みに失敗: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("port", EnvPrefix+"_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("環境変数の割り当てに失敗: %w", err)
	}
	if err := v.BindEnv("jwt.secret", EnvPrefix+"_JWT_SECRET", "JWT_SECRET"); err != nil {
		return nil, fmt.Errorf("環境変数の割り当てに失敗: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}
	if cfg.Inbox.FetchLimit <= 0 || cfg.Inbox.FetchLimit > inbox.MaxFetchLimit {
		return nil, fmt.Errorf("inbox.fetch_limitは1以上%d以下で指定してください: %d", inbox.MaxFetchLimit, cfg.Inbox.FetchLimit)
	}
	return cfg, nil
}
