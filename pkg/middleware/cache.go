package middleware

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/apibase/internal/cache"
)

// CacheResponse は成功レスポンスをキャッシュするGinミドルウェアを返す。
// キャッシュは明示的にこのミドルウェアを適用したルートのみが対象となる
// （ルート単位のオプトイン方式であり、自動適用はしない）。
//
// キーはメソッド・パス・ソート済みクエリパラメータから導出され、
// principalScopedがtrueの場合はPrincipalのsubjectも含める。Principal固有の
// レスポンスを返すルートでは必ずprincipalScopedを指定すること。
//
// キャッシュの保存失敗が元のリクエストを失敗させることはない。
// GET以外のリクエストはキャッシュ対象外としてそのまま通過する。
func CacheResponse(rc *cache.Cache, ttl time.Duration, principalScoped bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rc.Enabled() || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		subject := ""
		if principalScoped {
			if p := GetPrincipal(c); p != nil {
				subject = p.Subject
			}
		}

		fingerprint := cache.Fingerprint(c.Request.Method, c.Request.URL.Path, c.Request.URL.Query(), subject)

		if cached, ok := rc.Get(c.Request.Context(), fingerprint); ok {
			c.Header("X-Cache", "HIT")
			c.Data(cached.Status, cached.ContentType, cached.Body)
			c.Abort()
			return
		}

		c.Header("X-Cache", "MISS")
		writer := &bufferingWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()

		// 成功レスポンスのみ保存する。保存はベストエフォートであり、
		// 失敗してもレスポンスは既にクライアントへ送出されている。
		// レスポンス送出直後にクライアントが切断するとリクエストの
		// コンテキストはキャンセル済みになるため、保存には値だけを
		// 引き継いだキャンセルされないコンテキストを使う。
		if writer.Status() == http.StatusOK {
			rc.Put(context.WithoutCancel(c.Request.Context()), fingerprint, &cache.CachedResponse{
				Status:      writer.Status(),
				ContentType: writer.Header().Get("Content-Type"),
				Body:        writer.body.Bytes(),
				StoredAt:    time.Now(),
			}, ttl)
		}
	}
}

// bufferingWriter はレスポンスボディを複製して保持するResponseWriter。
type bufferingWriter struct {
	gin.ResponseWriter
	// body は書き込まれたボディの複製。
	body bytes.Buffer
}

// Write はボディをクライアントとバッファの両方に書き込む。
func (w *bufferingWriter) Write(data []byte) (int, error) {
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

// WriteString は文字列ボディをクライアントとバッファの両方に書き込む。
func (w *bufferingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
