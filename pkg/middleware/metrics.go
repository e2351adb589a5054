package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics はリクエスト数とレイテンシを記録するGinミドルウェアを返す。
// コレクタは渡されたレジストリに登録される。
func Metrics(registry *prometheus.Registry) gin.HandlerFunc {
	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "処理したHTTPリクエストの総数",
		},
		[]string{"method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	registry.MustRegister(requestTotal, requestDuration)

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// パスはルートパターン（/api/v1/items/:id）で集計し、カーディナリティの
		// 爆発を防ぐ。マッチしなかったリクエストは生パスを使わずまとめる。
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := strconv.Itoa(c.Writer.Status())
		requestTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
