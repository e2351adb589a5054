package middleware

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/apibase/internal/ratelimit"
)

// KeyFunc はリクエストからレート制限キーを導出する関数。
type KeyFunc func(c *gin.Context) string

// DefaultKeyFunc は既定のキー導出関数を返す。
// 認証済みの場合はPrincipalのsubjectを、未認証の場合はクライアントの
// IPアドレスをキーとして使用する。
func DefaultKeyFunc() KeyFunc {
	return func(c *gin.Context) string {
		if p := GetPrincipal(c); p != nil {
			return "principal:" + p.Subject
		}
		return "addr:" + c.ClientIP()
	}
}

// RateLimit は固定ウィンドウ方式のレート制限を適用するGinミドルウェアを返す。
// 拒否時はRetry-Afterヘッダー付きの429を返す。カウンタストアに到達できず
// フェイルクローズが選択されている場合は503を返す。
// keyFnにnilを渡すとDefaultKeyFuncが使用される。
func RateLimit(limiter *ratelimit.Limiter, keyFn KeyFunc) gin.HandlerFunc {
	if keyFn == nil {
		keyFn = DefaultKeyFunc()
	}

	return func(c *gin.Context) {
		decision, err := limiter.Admit(c.Request.Context(), keyFn(c))
		if err != nil {
			log.Printf("[RateLimit] カウンタストアへのアクセスに失敗: %v", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "レート制限の判定ができません",
				"kind":  "rate_limit_unavailable",
			})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Admitted {
			retryAfter := int(decision.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "リクエスト数が制限を超えました",
				"kind":  "rate_limited",
			})
			return
		}

		c.Next()
	}
}
