// Package config は環境変数から読み込むアプリケーション設定を提供する。
//
// 設定はプロセス起動時に一度だけ読み込まれ、リクエストごとに再読込されることはない。
// データベースエンジンの選択、Redis接続情報、レート制限・キャッシュの既定値、
// JWTシークレット、オブジェクトストレージ接続情報を含む。
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Engine はデータベースエンジンの種別。
type Engine string

const (
	// EnginePostgres はPostgreSQLエンジン。
	EnginePostgres Engine = "postgres"
	// EngineSQLite はSQLiteエンジン。
	EngineSQLite Engine = "sqlite"
)

// Config はアプリケーション全体の設定。
// Load()によって環境変数から構築される。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// CORSOrigins はクロスオリジンリクエストを許可するオリジンの一覧。
	CORSOrigins []string

	// DatabaseEngine は使用するデータベースエンジン（postgres または sqlite）。
	// プロセス生存期間中に変更されることはない。
	DatabaseEngine Engine
	// PostgresHost はPostgreSQLサーバーのホスト名。
	PostgresHost string
	// PostgresPort はPostgreSQLサーバーのポート番号。
	PostgresPort string
	// PostgresUser はPostgreSQLの接続ユーザー名。
	PostgresUser string
	// PostgresPassword はPostgreSQLの接続パスワード。
	PostgresPassword string
	// PostgresDB はPostgreSQLのデータベース名。
	PostgresDB string
	// SQLitePath はSQLiteデータベースファイルのパス。
	SQLitePath string
	// DBMaxOpenConns はコネクションプールの最大同時接続数。
	DBMaxOpenConns int
	// DBAcquireTimeout はプールからの接続取得を待つ最大時間。
	DBAcquireTimeout time.Duration

	// RedisAddr はRedisサーバーのアドレス（host:port）。空の場合はインメモリストアを使用する。
	RedisAddr string
	// RedisPassword はRedisの接続パスワード。
	RedisPassword string
	// RedisDB はRedisのデータベース番号。
	RedisDB int

	// RateLimitEnabled はレート制限を有効にするかどうか。
	RateLimitEnabled bool
	// RateLimitRequests はウィンドウあたりの許可リクエスト数の既定値。
	RateLimitRequests int
	// RateLimitWindow はレート制限ウィンドウの長さの既定値。
	RateLimitWindow time.Duration
	// RateLimitFailOpen はカウンタストア到達不能時に通すかどうか。
	// false（既定）の場合はフェイルクローズとして503を返す。
	RateLimitFailOpen bool

	// CacheEnabled はレスポンスキャッシュを有効にするかどうか。
	CacheEnabled bool
	// CacheTTL はキャッシュエントリの既定TTL。
	CacheTTL time.Duration

	// JWTSecret はトークン署名・検証用の共有シークレット。
	JWTSecret string
	// JWTClockSkew はトークン有効期限判定時に許容する時計のずれ。
	JWTClockSkew time.Duration
	// AccessTokenTTL は発行するアクセストークンの有効期間。
	AccessTokenTTL time.Duration

	// MinioEndpoint はオブジェクトストレージのエンドポイント（host:port）。
	MinioEndpoint string
	// MinioAccessKey はオブジェクトストレージのアクセスキー。
	MinioAccessKey string
	// MinioSecretKey はオブジェクトストレージのシークレットキー。
	MinioSecretKey string
	// MinioBucket は既定のバケット名。
	MinioBucket string
	// MinioRegion はバケットのリージョン。署名付きURLの署名計算に使用される。
	MinioRegion string
	// MinioUseSSL はオブジェクトストレージへの接続にTLSを使用するかどうか。
	MinioUseSSL bool
}

// Load は環境変数から設定を読み込む。
// 必須項目が欠けている場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		CORSOrigins:       splitAndTrim(getEnv("CORS_ORIGINS", "")),
		DatabaseEngine:    Engine(getEnv("DATABASE_TYPE", string(EngineSQLite))),
		PostgresHost:      getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:      getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:      getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword:  getEnv("POSTGRES_PASSWORD", "postgres"),
		PostgresDB:        getEnv("POSTGRES_DB", "app"),
		SQLitePath:        getEnv("SQLITE_PATH", "/data/app.db"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBAcquireTimeout:  getEnvSeconds("DB_ACQUIRE_TIMEOUT_SECONDS", 5),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RateLimitEnabled:  getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   getEnvSeconds("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitFailOpen: getEnvBool("RATE_LIMIT_FAIL_OPEN", false),
		CacheEnabled:      getEnvBool("CACHE_ENABLED", true),
		CacheTTL:          getEnvSeconds("CACHE_EXPIRE_SECONDS", 300),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		JWTClockSkew:      getEnvSeconds("JWT_CLOCK_SKEW_SECONDS", 30),
		AccessTokenTTL:    time.Duration(getEnvInt("ACCESS_TOKEN_EXPIRE_MINUTES", 60*24*8)) * time.Minute,
		MinioEndpoint:     getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:    getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey:    getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:       getEnv("MINIO_BUCKET_NAME", "app-bucket"),
		MinioRegion:       getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:       getEnvBool("MINIO_USE_SSL", false),
	}

	if cfg.DatabaseEngine != EnginePostgres && cfg.DatabaseEngine != EngineSQLite {
		return nil, fmt.Errorf("DATABASE_TYPE が不正です: %q (postgres または sqlite を指定してください)", cfg.DatabaseEngine)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET が設定されていません")
	}
	if cfg.RateLimitRequests <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_REQUESTS は正の整数を指定してください: %d", cfg.RateLimitRequests)
	}
	if cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS は正の整数を指定してください")
	}

	return cfg, nil
}

// DatabaseDSN は選択中のエンジンに応じた接続文字列を組み立てる。
func (c *Config) DatabaseDSN() string {
	switch c.DatabaseEngine {
	case EnginePostgres:
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			url.QueryEscape(c.PostgresUser),
			url.QueryEscape(c.PostgresPassword),
			c.PostgresHost, c.PostgresPort, c.PostgresDB,
		)
	default:
		return c.SQLitePath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	}
}

// getEnv は環境変数を取得する。未設定の場合はdefaultValueを返す。
func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getEnvInt は環境変数を整数として取得する。未設定または不正な場合はdefaultValueを返す。
func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvBool は環境変数を真偽値として取得する。未設定または不正な場合はdefaultValueを返す。
func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// getEnvSeconds は秒数指定の環境変数をtime.Durationとして取得する。
func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

// splitAndTrim はカンマ区切りの文字列を分割して空白を除去する。
// 空文字列の場合はnilを返す。
func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
