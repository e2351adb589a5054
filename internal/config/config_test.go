package config

import (
	"strings"
	"testing"
	"time"
)

// TestLoad はLoad関数を検証する。
func TestLoad(t *testing.T) {
	t.Run("既定値で設定を読み込めること", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "test-secret")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}

		if cfg.Port != "8080" {
			t.Errorf("Port = %q, want %q", cfg.Port, "8080")
		}
		if cfg.DatabaseEngine != EngineSQLite {
			t.Errorf("DatabaseEngine = %q, want %q", cfg.DatabaseEngine, EngineSQLite)
		}
		if cfg.RateLimitRequests != 100 {
			t.Errorf("RateLimitRequests = %d, want 100", cfg.RateLimitRequests)
		}
		if cfg.RateLimitWindow != 60*time.Second {
			t.Errorf("RateLimitWindow = %v, want 60s", cfg.RateLimitWindow)
		}
		if cfg.RateLimitFailOpen {
			t.Error("RateLimitFailOpen の既定値はフェイルクローズであるべき")
		}
		if cfg.CacheTTL != 300*time.Second {
			t.Errorf("CacheTTL = %v, want 300s", cfg.CacheTTL)
		}
	})

	t.Run("JWT_SECRETが未設定の場合はエラーになること", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")

		if _, err := Load(); err == nil {
			t.Fatal("JWT_SECRET未設定でエラーが返らなかった")
		}
	})

	t.Run("不正なDATABASE_TYPEはエラーになること", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "test-secret")
		t.Setenv("DATABASE_TYPE", "oracle")

		if _, err := Load(); err == nil {
			t.Fatal("不正なDATABASE_TYPEでエラーが返らなかった")
		}
	})

	t.Run("RATE_LIMIT_REQUESTSが0以下の場合はエラーになること", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "test-secret")
		t.Setenv("RATE_LIMIT_REQUESTS", "0")

		if _, err := Load(); err == nil {
			t.Fatal("RATE_LIMIT_REQUESTS=0でエラーが返らなかった")
		}
	})

	t.Run("CORS_ORIGINSがカンマ区切りで分割されること", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "test-secret")
		t.Setenv("CORS_ORIGINS", "http://localhost:3000, https://example.com")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}

		if len(cfg.CORSOrigins) != 2 {
			t.Fatalf("CORSOrigins の要素数 = %d, want 2", len(cfg.CORSOrigins))
		}
		if cfg.CORSOrigins[0] != "http://localhost:3000" {
			t.Errorf("CORSOrigins[0] = %q, want %q", cfg.CORSOrigins[0], "http://localhost:3000")
		}
		if cfg.CORSOrigins[1] != "https://example.com" {
			t.Errorf("CORSOrigins[1] = %q, want %q", cfg.CORSOrigins[1], "https://example.com")
		}
	})
}

// TestDatabaseDSN はDatabaseDSNメソッドを検証する。
func TestDatabaseDSN(t *testing.T) {
	t.Run("PostgreSQLのDSNが組み立てられること", func(t *testing.T) {
		cfg := &Config{
			DatabaseEngine:   EnginePostgres,
			PostgresHost:     "db.example.com",
			PostgresPort:     "5433",
			PostgresUser:     "app",
			PostgresPassword: "p@ss",
			PostgresDB:       "appdb",
		}

		dsn := cfg.DatabaseDSN()
		if !strings.HasPrefix(dsn, "postgres://") {
			t.Errorf("DSNがpostgres://で始まっていない: %q", dsn)
		}
		if !strings.Contains(dsn, "db.example.com:5433/appdb") {
			t.Errorf("DSNにホスト・ポート・DB名が含まれていない: %q", dsn)
		}
		// パスワードの特殊文字はエスケープされること
		if !strings.Contains(dsn, "p%40ss") {
			t.Errorf("DSNのパスワードがエスケープされていない: %q", dsn)
		}
	})

	t.Run("SQLiteのDSNにWALと外部キー設定が含まれること", func(t *testing.T) {
		cfg := &Config{
			DatabaseEngine: EngineSQLite,
			SQLitePath:     "/data/test.db",
		}

		dsn := cfg.DatabaseDSN()
		if !strings.HasPrefix(dsn, "/data/test.db?") {
			t.Errorf("DSNがファイルパスで始まっていない: %q", dsn)
		}
		if !strings.Contains(dsn, "_journal_mode=WAL") {
			t.Errorf("DSNにWAL設定が含まれていない: %q", dsn)
		}
	})
}
