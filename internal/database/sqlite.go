package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"

	"modernc.org/sqlite"

	"github.com/nao1215/apibase/pkg/migration"
)

// SQLiteの主要な結果コード。拡張コードは下位8ビットに基本コードを持つ。
const (
	sqliteBusy       = 5  // SQLITE_BUSY: 他の接続がロックを保持している
	sqliteLocked     = 6  // SQLITE_LOCKED: 同一接続内のロック競合
	sqliteConstraint = 19 // SQLITE_CONSTRAINT: 制約違反
)

// sqliteDialect はSQLite固有の差異を吸収する方言アダプタ。
type sqliteDialect struct{}

// driverName はmodernc.org/sqliteのドライバ名を返す。
func (sqliteDialect) driverName() string {
	return "sqlite"
}

// rebind はクエリをそのまま返す。SQLiteは `?` プレースホルダを直接解釈する。
func (sqliteDialect) rebind(query string) string {
	return query
}

// normalize はSQLiteの結果コードを共通の分類に正規化する。
func (sqliteDialect) normalize(err error) error {
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

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqliteConstraint:
			return errors.Join(ErrConflict, err)
		case sqliteBusy, sqliteLocked:
			return errors.Join(ErrTimeout, err)
		}
	}

	return err
}

// migration はSQLite用のマイグレーション設定を返す。
func (sqliteDialect) migration() (string, migration.Dialect) {
	return "migrations/sqlite", migration.SQLite
}
