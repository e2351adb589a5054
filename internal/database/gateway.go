// Package database は2つのSQLエンジンを単一の契約で扱うデータアクセス
// ゲートウェイを提供する。
//
// エンジン（PostgreSQLまたはSQLite）はプロセス起動時に一度だけ選択され、
// 以降のすべての呼び出しは同じインターフェースの背後でそのエンジンの
// ドライバに委譲される。呼び出し側がエンジン種別で分岐することはなく、
// 一方のエンジンへの暗黙のフォールバックも発生しない。
//
// プレースホルダは呼び出し側が常に `?` で記述し、ゲートウェイがエンジンの
// 流儀（PostgreSQLでは $n）に変換する。エラーはエンジン固有の形から
// ErrNotFound / ErrConflict / ErrConnectionLost / ErrTimeout に正規化される。
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/apibase/pkg/migration"
)

//go:embed migrations
var migrationFiles embed.FS

// Engine はデータベースエンジンの種別。
type Engine string

const (
	// EnginePostgres はPostgreSQLエンジン。
	EnginePostgres Engine = "postgres"
	// EngineSQLite はSQLiteエンジン。
	EngineSQLite Engine = "sqlite"
)

// Config はゲートウェイの設定。
type Config struct {
	// Engine は使用するデータベースエンジン。
	Engine Engine
	// DSN はエンジンに応じた接続文字列。
	DSN string
	// MaxOpenConns はコネクションプールの最大同時接続数。ゼロの場合は25。
	MaxOpenConns int
	// AcquireTimeout はプールからの接続取得を待つ最大時間。ゼロの場合は5秒。
	AcquireTimeout time.Duration
}

// Gateway はエンジン非依存のデータアクセスゲートウェイ。
type Gateway struct {
	// db はコネクションプールを持つデータベースハンドル。
	db *sql.DB
	// d は選択されたエンジンの方言アダプタ。
	d dialect
	// acquireTimeout はプールからの接続取得を待つ最大時間。
	acquireTimeout time.Duration
}

// dialect はエンジン固有の差異を吸収するアダプタの契約。
// パラメータバインディング・エラーコード体系・マイグレーションSQLの
// 違いはすべてこの背後に閉じ込める。
type dialect interface {
	// driverName はdatabase/sqlのドライバ名を返す。
	driverName() string
	// rebind は `?` プレースホルダをエンジンの流儀に変換する。
	rebind(query string) string
	// normalize はエンジン固有のエラーを共通の分類に正規化する。
	normalize(err error) error
	// migration はマイグレーション実行用の方言設定を返す。
	migration() (dir string, d migration.Dialect)
}

// Open は設定に従ってエンジンを1つ選択し、ゲートウェイを生成する。
// 接続プールの設定と疎通確認まで行う。
func Open(cfg Config) (*Gateway, error) {
	var d dialect
	switch cfg.Engine {
	case EnginePostgres:
		d = postgresDialect{}
	case EngineSQLite:
		d = sqliteDialect{}
	default:
		return nil, fmt.Errorf("未対応のデータベースエンジン: %q", cfg.Engine)
	}

	db, err := sql.Open(d.driverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	acquireTimeout := cfg.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}

	g := &Gateway{db: db, d: d, acquireTimeout: acquireTimeout}

	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", g.d.normalize(err))
	}

	return g, nil
}

// Close はコネクションプールを閉じる。
func (g *Gateway) Close() error {
	return g.db.Close()
}

// Ping はデータベースへの疎通を確認する。readinessプローブで使用する。
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.db.PingContext(ctx); err != nil {
		return g.d.normalize(err)
	}
	return nil
}

// Engine は選択中のエンジン種別を返す。
func (g *Gateway) Engine() Engine {
	if _, ok := g.d.(postgresDialect); ok {
		return EnginePostgres
	}
	return EngineSQLite
}

// Migrate は埋め込まれたマイグレーションを選択中のエンジンに適用する。
func (g *Gateway) Migrate(ctx context.Context) error {
	dir, md := g.d.migration()
	return migration.Run(ctx, g.db, migrationFiles, dir, md)
}

// WithinTx は1つの論理的な作業単位をトランザクション内で実行する。
// fnが正常に戻るとコミットし、エラーまたはパニックの場合はロールバック
// してから伝播する。部分的なコミットが呼び出し側から観測されることはない。
//
// 接続の取得はAcquireTimeoutで有界であり、プール枯渇時は無限に待たず
// ErrTimeoutを返す。一時的な取得失敗（タイムアウト・接続断）は短い
// バックオフを挟んで内部で一度だけ再試行する。
func (g *Gateway) WithinTx(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := g.acquireConn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	sqlTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", g.d.normalize(err))
	}

	tx := &Tx{tx: sqlTx, d: g.d}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗: %w", g.d.normalize(err))
	}
	return nil
}

// acquireConn はプールから接続を取得する。取得待ちはAcquireTimeoutで
// 有界とし、一時的な失敗は一度だけ再試行する。
func (g *Gateway) acquireConn(ctx context.Context) (*sql.Conn, error) {
	conn, err := g.tryAcquire(ctx)
	if err == nil {
		return conn, nil
	}

	// プール競合による一時的な失敗が多いため、短いバックオフ後に一度だけ再試行する
	norm := g.d.normalize(err)
	if !isTransient(norm) {
		return nil, fmt.Errorf("接続の取得に失敗: %w", norm)
	}

	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return nil, fmt.Errorf("接続の取得に失敗: %w", ErrTimeout)
	}

	conn, err = g.tryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("接続の取得に失敗（再試行後）: %w", g.d.normalize(err))
	}
	return conn, nil
}

// tryAcquire は有界のタイムアウト付きで接続を1回取得する。
func (g *Gateway) tryAcquire(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, g.acquireTimeout)
	defer cancel()
	return g.db.Conn(acquireCtx)
}

// isTransient は内部再試行の対象となる一時的エラーかどうかを返す。
func isTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionLost)
}

// Tx はトランザクションスコープの接続ハンドル。
// 1つの作業単位の間だけ生存し、コミットまたはロールバック後に破棄される。
// リクエストをまたいで保持してはならない。
type Tx struct {
	// tx は下層のトランザクション。
	tx *sql.Tx
	// d は選択されたエンジンの方言アダプタ。
	d dialect
}

// Exec はクエリを実行する。プレースホルダには `?` を使用する。
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	result, err := t.tx.ExecContext(ctx, t.d.rebind(query), args...)
	if err != nil {
		return nil, t.d.normalize(err)
	}
	return result, nil
}

// Query は複数行を返すクエリを実行する。プレースホルダには `?` を使用する。
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, t.d.rebind(query), args...)
	if err != nil {
		return nil, t.d.normalize(err)
	}
	return rows, nil
}

// QueryRow は単一行を返すクエリを実行する。プレースホルダには `?` を使用する。
// 行が存在しない場合、ScanはErrNotFoundを返す。
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *Row {
	return &Row{
		row: t.tx.QueryRowContext(ctx, t.d.rebind(query), args...),
		d:   t.d,
	}
}

// Row は正規化されたエラーを返す単一行の結果。
type Row struct {
	// row は下層の行。
	row *sql.Row
	// d は選択されたエンジンの方言アダプタ。
	d dialect
}

// Scan は行の値をdestに読み込む。エラーは正規化して返す。
func (r *Row) Scan(dest ...any) error {
	if err := r.row.Scan(dest...); err != nil {
		return r.d.normalize(err)
	}
	return nil
}
