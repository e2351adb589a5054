package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// TestRecovery はRecoveryミドルウェアを検証する。
func TestRecovery(t *testing.T) {
	t.Parallel()

	t.Run("パニック発生時に500を返すこと", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(Recovery())
		router.GET("/panic", func(_ *gin.Context) {
			panic("想定外のエラー")
		})

		w := doRequest(router, http.MethodGet, "/panic", "")
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
	})

	t.Run("正常なリクエストはそのまま通過すること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(Recovery())
		router.GET("/ok", func(c *gin.Context) {
			c.Status(http.StatusOK)
		})

		w := doRequest(router, http.MethodGet, "/ok", "")
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})
}

// TestCORS はCORSミドルウェアを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	t.Run("許可されたオリジンにCORSヘッダーを付与すること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(CORS([]string{"https://example.com"}))
		router.GET("/items", func(c *gin.Context) {
			c.Status(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/items", nil)
		req.Header.Set("Origin", "https://example.com")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "https://example.com")
		}
		if got := w.Header().Get("Vary"); got != "Origin" {
			t.Errorf("Vary = %q, want %q", got, "Origin")
		}
	})

	t.Run("許可されていないオリジンにはヘッダーを付与しないこと", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(CORS([]string{"https://example.com"}))
		router.GET("/items", func(c *gin.Context) {
			c.Status(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/items", nil)
		req.Header.Set("Origin", "https://evil.example.org")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want 空文字", got)
		}
	})

	t.Run("ワイルドカード指定は任意のオリジンを許可すること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(CORS([]string{"*"}))
		router.GET("/items", func(c *gin.Context) {
			c.Status(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/items", nil)
		req.Header.Set("Origin", "https://anywhere.example.net")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://anywhere.example.net" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "https://anywhere.example.net")
		}
	})

	t.Run("プリフライトリクエストに204を返すこと", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(CORS([]string{"https://example.com"}))
		router.GET("/items", func(c *gin.Context) {
			c.Status(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodOptions, "/items", nil)
		req.Header.Set("Origin", "https://example.com")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
		}
	})
}

// TestMetrics はMetricsミドルウェアを検証する。
func TestMetrics(t *testing.T) {
	t.Parallel()

	t.Run("リクエスト数とレイテンシが記録されること", func(t *testing.T) {
		t.Parallel()

		registry := prometheus.NewRegistry()
		router := gin.New()
		router.Use(Metrics(registry))
		router.GET("/items/:id", func(c *gin.Context) {
			c.Status(http.StatusOK)
		})

		doRequest(router, http.MethodGet, "/items/42", "")
		doRequest(router, http.MethodGet, "/items/43", "")

		metrics, err := registry.Gather()
		if err != nil {
			t.Fatalf("メトリクスの収集に失敗: %v", err)
		}

		found := false
		for _, mf := range metrics {
			if mf.GetName() != "http_requests_total" {
				continue
			}
			found = true
			for _, m := range mf.GetMetric() {
				if got := m.GetCounter().GetValue(); got != 2 {
					t.Errorf("http_requests_total = %v, want 2", got)
				}
				// IDが異なる2件のリクエストはルートパターンに集約される
				for _, label := range m.GetLabel() {
					if label.GetName() == "path" && label.GetValue() != "/items/:id" {
						t.Errorf("path label = %q, want %q", label.GetValue(), "/items/:id")
					}
				}
			}
		}
		if !found {
			t.Error("http_requests_totalが収集されていない")
		}
	})
}
