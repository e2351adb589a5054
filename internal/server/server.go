// Package server はAPIサーバー本体を提供する。
// 設定の読み込み結果から各コンポーネント（データアクセスゲートウェイ、
// レート制限、レスポンスキャッシュ、オブジェクトストレージ、認証）を
// 組み立て、ミドルウェアパイプラインとAPIルーティングを構成する。
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nao1215/apibase/internal/auth"
	"github.com/nao1215/apibase/internal/cache"
	"github.com/nao1215/apibase/internal/config"
	"github.com/nao1215/apibase/internal/database"
	"github.com/nao1215/apibase/internal/health"
	"github.com/nao1215/apibase/internal/ratelimit"
	"github.com/nao1215/apibase/internal/storage"
	"github.com/nao1215/apibase/pkg/middleware"
)

// Server はAPIサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はアプリケーション設定。
	cfg *config.Config
	// gateway はデータアクセスゲートウェイ。
	gateway *database.Gateway
	// limiter は固定ウィンドウ方式のレートリミッター。
	limiter *ratelimit.Limiter
	// counterStore はレート制限のカウンタストア。ルート個別の
	// リミッターを作る際に共有する。
	counterStore ratelimit.CounterStore
	// cache はレスポンスキャッシュ。
	cache *cache.Cache
	// storage はオブジェクトストレージクライアント。未設定の場合はnil。
	storage *storage.Client
	// verifier はJWTトークン検証器。
	verifier *auth.Verifier
	// checker はレディネスチェッカー。
	checker *health.Checker
	// redisClient はRedis接続。インメモリストア使用時はnil。
	redisClient *redis.Client
}

// NewServer は設定から新しいAPIサーバーを組み立てる。
// データベースへの接続とマイグレーションを行い、Redisが設定されていれば
// レート制限とキャッシュのストアとして使用する。未設定の場合は
// インメモリストアにフォールバックする（単一プロセス構成向け）。
func NewServer(cfg *config.Config) (*Server, error) {
	gw, err := database.Open(database.Config{
		Engine:         database.Engine(cfg.DatabaseEngine),
		DSN:            cfg.DatabaseDSN(),
		MaxOpenConns:   cfg.DBMaxOpenConns,
		AcquireTimeout: cfg.DBAcquireTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := gw.Migrate(migrateCtx); err != nil {
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}

	checker := health.NewChecker(3 * time.Second)
	checker.Register("database", health.PingFunc(gw.Ping))

	var redisClient *redis.Client
	var counterStore ratelimit.CounterStore
	var cacheStore cache.Store
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		counterStore = ratelimit.NewRedisStore(redisClient)
		cacheStore = cache.NewRedisStore(redisClient)
		checker.Register("redis", health.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	} else {
		log.Printf("[Server] REDIS_ADDRが未設定のためインメモリストアを使用します")
		counterStore = ratelimit.NewMemoryStore()
		cacheStore = cache.NewMemoryStore()
	}

	limiter := ratelimit.NewLimiter(counterStore, ratelimit.Config{
		Limit:    cfg.RateLimitRequests,
		Window:   cfg.RateLimitWindow,
		FailOpen: cfg.RateLimitFailOpen,
	})

	responseCache := cache.New(cacheStore, cfg.CacheTTL, cfg.CacheEnabled)

	var storageClient *storage.Client
	if cfg.MinioEndpoint != "" {
		storageClient, err = storage.New(storage.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Region:    cfg.MinioRegion,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("オブジェクトストレージクライアントの生成に失敗: %w", err)
		}

		// バケット作成は起動をブロックしない。ストレージが一時的に
		// 落ちていてもAPI本体は提供を続ける。
		bucketCtx, cancelBucket := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelBucket()
		if err := storageClient.EnsureBucket(bucketCtx, cfg.MinioBucket); err != nil {
			log.Printf("[Server] バケット %s の作成に失敗（画像アップロード時に再試行されます）: %v", cfg.MinioBucket, err)
		}
	} else {
		log.Printf("[Server] MINIO_ENDPOINTが未設定のため画像関連のエンドポイントは503を返します")
	}

	registry := prometheus.NewRegistry()

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.CORSOrigins))
	router.Use(middleware.Metrics(registry))

	s := &Server{
		router:       router,
		cfg:          cfg,
		gateway:      gw,
		limiter:      limiter,
		counterStore: counterStore,
		cache:        responseCache,
		storage:      storageClient,
		verifier:     auth.NewVerifier(cfg.JWTSecret, cfg.JWTClockSkew),
		checker:      checker,
		redisClient:  redisClient,
	}
	s.setupRoutes(registry)

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.cfg.Port))
}

// Close は保持している接続をすべて閉じる。
func (s *Server) Close() error {
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			log.Printf("[Server] Redis接続のクローズに失敗: %v", err)
		}
	}
	return s.gateway.Close()
}

// setupRoutes はAPIルーティングを設定する。
// 認証 → レート制限 → キャッシュ参照 → ハンドラの順にミドルウェアを通す。
func (s *Server) setupRoutes(registry *prometheus.Registry) {
	// ヘルスチェック（認証・レート制限の対象外）
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "apibase"})
	})
	s.router.GET("/health/ready", s.handleReady())

	// メトリクス
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := s.router.Group("/api/v1")
	api.Use(middleware.BearerAuth(s.verifier))
	if s.cfg.RateLimitEnabled {
		api.Use(middleware.RateLimit(s.limiter, nil))
	}
	{
		items := api.Group("/items")
		{
			// アイテム作成
			items.POST("", s.handleCreateItem())
			// アイテム一覧取得（キャッシュ対象）
			items.GET("", middleware.CacheResponse(s.cache, s.cfg.CacheTTL, true), s.handleListItems())
			// アイテム詳細取得（キャッシュ対象）
			items.GET("/:id", middleware.CacheResponse(s.cache, s.cfg.CacheTTL, true), s.handleGetItem())
			// アイテム更新
			items.PUT("/:id", s.handleUpdateItem())
			// アイテム削除
			items.DELETE("/:id", s.handleDeleteItem())
			// アイテム画像のアップロード。帯域を消費するためルート個別の
			// 厳しい制限を上書き適用する。
			items.POST("/:id/image", s.uploadRateLimit(), s.handleUploadImage())
			// アイテム画像の署名付きダウンロードURL取得
			items.GET("/:id/image-url", s.handleImageURL())
		}
	}
}

// uploadRateLimit は画像アップロード専用のレート制限ミドルウェアを返す。
// カウンタストアは共有しつつ、ウィンドウあたりの許可数を絞る。
func (s *Server) uploadRateLimit() gin.HandlerFunc {
	if !s.cfg.RateLimitEnabled {
		return func(c *gin.Context) { c.Next() }
	}

	uploadLimit := s.cfg.RateLimitRequests / 10
	if uploadLimit < 1 {
		uploadLimit = 1
	}
	limiter := ratelimit.NewLimiter(s.counterStore, ratelimit.Config{
		Limit:    uploadLimit,
		Window:   s.cfg.RateLimitWindow,
		FailOpen: s.cfg.RateLimitFailOpen,
	})

	keyFn := func(c *gin.Context) string {
		return "upload:" + middleware.DefaultKeyFunc()(c)
	}
	return middleware.RateLimit(limiter, keyFn)
}

// handleReady はレディネスチェックを処理するハンドラを返す。
// データベースとRedisへの到達性を並列に確認し、いずれかが失敗した場合は
// 503を返す。
func (s *Server) handleReady() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.checker.Ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
