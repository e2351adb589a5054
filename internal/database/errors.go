package database

import "errors"

// データアクセスエラーの正規化された分類。
// 2つのエンジンはエラーコードの体系が大きく異なるため、ゲートウェイが
// この分類に正規化する。呼び出し側がエンジン固有のエラー型を検査する
// ことはない。分類に当てはまらないエラーはそのまま伝播する。
var (
	// ErrNotFound は対象の行が存在しないことを表す。
	ErrNotFound = errors.New("対象のデータが見つかりません")
	// ErrConflict は一意性制約などの整合性制約違反を表す。
	ErrConflict = errors.New("データの整合性制約に違反しています")
	// ErrConnectionLost はデータベースとの接続が失われたことを表す。
	ErrConnectionLost = errors.New("データベース接続が失われました")
	// ErrTimeout はプール取得待ちまたはクエリ実行のタイムアウトを表す。
	ErrTimeout = errors.New("データベース操作がタイムアウトしました")
	// ErrVectorUnsupported は選択中のエンジンがベクトル類似検索に
	// 対応していないことを表す。
	ErrVectorUnsupported = errors.New("選択中のエンジンはベクトル類似検索に対応していません")
)
