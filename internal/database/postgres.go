package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nao1215/apibase/pkg/migration"
)

// postgresDialect はPostgreSQL固有の差異を吸収する方言アダプタ。
type postgresDialect struct{}

// driverName はpgxのdatabase/sql互換ドライバ名を返す。
func (postgresDialect) driverName() string {
	return "pgx"
}

// rebind は `?` プレースホルダを `$n` 形式に変換する。
// シングルクォート内のリテラルは変換対象から除外する。
func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inLiteral := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inLiteral = !inLiteral
			b.WriteByte(ch)
		case ch == '?' && !inLiteral:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// normalize はPostgreSQLのエラーコードを共通の分類に正規化する。
func (postgresDialect) normalize(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, driver.ErrBadConn) {
		return ErrConnectionLost
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		// クラス23: 整合性制約違反（23505=一意性制約、23503=外部キーなど）
		case strings.HasPrefix(pgErr.Code, "23"):
			return errors.Join(ErrConflict, err)
		// クラス08: 接続例外
		case strings.HasPrefix(pgErr.Code, "08"):
			return errors.Join(ErrConnectionLost, err)
		// 57014=クエリキャンセル、55P03=ロック取得不能
		case pgErr.Code == "57014" || pgErr.Code == "55P03":
			return errors.Join(ErrTimeout, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errors.Join(ErrTimeout, err)
		}
		return errors.Join(ErrConnectionLost, err)
	}

	return err
}

// migration はPostgreSQL用のマイグレーション設定を返す。
func (postgresDialect) migration() (string, migration.Dialect) {
	return "migrations/postgres", migration.Postgres
}

// nearestQuery はpgvectorの距離演算子を使った近傍検索クエリを組み立てる。
func (postgresDialect) nearestQuery(table, column string, embedding []float32, limit int) (string, []any) {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')

	query := "SELECT id, " + quoteIdent(column) + " <-> $1::vector AS distance FROM " +
		quoteIdent(table) + " ORDER BY distance LIMIT $2"
	return query, []any{b.String(), limit}
}

// quoteIdent は識別子をPostgreSQLの流儀でクォートする。
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
