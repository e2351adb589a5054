// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// Bearerトークン認証、固定ウィンドウレート制限、オプトイン方式の
// レスポンスキャッシュ、パニックリカバリ、CORS設定、Prometheusメトリクス
// など、保護対象の全ルートが通過するリクエストパイプラインを構成する
// ミドルウェアを含む。
package middleware
