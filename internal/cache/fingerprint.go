package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Fingerprint はリクエストの同一性を表す決定的なキャッシュキーを導出する。
// HTTPメソッド・正規化済みパス・ソート済みクエリパラメータ・（Principal
// スコープのルートでは）subjectから計算するため、クエリパラメータの順序が
// 異なるだけの意味的に同一なリクエストは常に同じキーに写像される。
// subjectをキーに含めることで、レスポンスがPrincipal間で漏洩することはない。
//
// キーは "subject:path:ハッシュ" の形式を取る。先頭のsubjectとpathは
// プレフィックス一致による無効化（書き込み側が同一リソース配下の全
// バリアントをまとめて削除する）のために平文で残し、末尾のハッシュが
// メソッドとクエリを含むリクエスト全体の同一性を担う。
func Fingerprint(method, path string, query url.Values, subject string) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')

	// クエリパラメータをキー順・値順にソートして正規化する
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
			b.WriteByte('&')
		}
	}
	b.WriteByte('\n')
	b.WriteString(subject)

	sum := sha256.Sum256([]byte(b.String()))
	return subject + ":" + path + ":" + hex.EncodeToString(sum[:])
}

// Prefix は指定されたsubjectとパス配下のすべての指紋に一致するプレフィックス
// を返す。書き込み側がクエリバリアントや配下の詳細パスも含めてまとめて
// 無効化する際に使用する。
func Prefix(subject, path string) string {
	return subject + ":" + path
}
