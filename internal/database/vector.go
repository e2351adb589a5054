package database

import (
	"context"
	"database/sql"
)

// vectorDialect はベクトル類似検索に対応するエンジンの方言が満たす契約。
// 現時点ではPostgreSQL（pgvector）のみが実装する。
type vectorDialect interface {
	nearestQuery(table, column string, embedding []float32, limit int) (string, []any)
}

// VectorCapable は選択中のエンジンがベクトル類似検索に対応しているか
// どうかを返す。呼び出し側は対応を前提とせず、必ずこのメソッドで確認すること。
func (g *Gateway) VectorCapable() bool {
	_, ok := g.d.(vectorDialect)
	return ok
}

// NearestNeighbors は指定カラムのベクトルとの距離が近い順に行を返す。
// 各行は (id, distance) の2列を持つ。ベクトル検索非対応のエンジンでは
// ErrVectorUnsupportedを返す。
func (t *Tx) NearestNeighbors(ctx context.Context, table, column string, embedding []float32, limit int) (*sql.Rows, error) {
	vd, ok := t.d.(vectorDialect)
	if !ok {
		return nil, ErrVectorUnsupported
	}

	query, args := vd.nearestQuery(table, column, embedding, limit)
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, t.d.normalize(err)
	}
	return rows, nil
}
