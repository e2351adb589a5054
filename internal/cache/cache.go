// Package cache はリクエストの指紋をキーとするレスポンスキャッシュを提供する。
//
// キャッシュはベストエフォートの最適化であり、正しさの依存先ではない。
// ストア障害は常にログに記録して握りつぶし、元のリクエスト処理を失敗させる
// ことはない。TTLはストア側の有効期限で強制されるため、複数リーダー間で
// タイムスタンプ比較の競合は発生しない。
//
// 依存データの変更追跡は行わない。データを書き換えた側が影響する指紋を
// Invalidateで削除する責務を負う。書き込みコミットから削除完了までの間は
// 古いエントリが観測されうることに注意。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"
)

// keyPrefix はキャッシュキーの名前空間プレフィックス。
const keyPrefix = "cache:"

// Store はキャッシュストアの契約。
type Store interface {
	// Get はキーの値を取得する。存在しない・期限切れの場合はfalseを返す。
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put はキーに値をTTL付きで保存する。
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete は指定されたキーを削除する。
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix はプレフィックスに一致するすべてのキーを削除する。
	DeletePrefix(ctx context.Context, prefix string) error
}

// CachedResponse はキャッシュに保存されるレスポンス。
type CachedResponse struct {
	// Status はHTTPステータスコード。
	Status int `json:"status"`
	// ContentType はContent-Typeヘッダーの値。
	ContentType string `json:"content_type"`
	// Body はレスポンスボディ。
	Body []byte `json:"body"`
	// StoredAt は保存日時。
	StoredAt time.Time `json:"stored_at"`
}

// Cache はレスポンスキャッシュ。
type Cache struct {
	// store はバックエンドのキャッシュストア。
	store Store
	// defaultTTL はTTL未指定時に使用する有効期間。
	defaultTTL time.Duration
	// enabled はキャッシュが有効かどうか。無効の場合は全操作がミス扱いになる。
	enabled bool
}

// New は新しいレスポンスキャッシュを生成する。
func New(store Store, defaultTTL time.Duration, enabled bool) *Cache {
	return &Cache{
		store:      store,
		defaultTTL: defaultTTL,
		enabled:    enabled,
	}
}

// Enabled はキャッシュが有効かどうかを返す。
func (c *Cache) Enabled() bool {
	return c.enabled
}

// Get は指紋に対応するレスポンスを取得する。
// ミスまたはストア障害の場合はnilとfalseを返す。ストア障害はログに記録する。
func (c *Cache) Get(ctx context.Context, fingerprint string) (*CachedResponse, bool) {
	if !c.enabled {
		return nil, false
	}

	data, ok, err := c.store.Get(ctx, keyPrefix+fingerprint)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[Cache] 取得に失敗（ミスとして扱う）: %v", err)
		}
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Printf("[Cache] エントリのデシリアライズに失敗（ミスとして扱う）: %v", err)
		return nil, false
	}
	return &resp, true
}

// Put は指紋にレスポンスをTTL付きで保存する。
// ストア障害はログに記録して握りつぶす。ttlがゼロ以下の場合は既定TTLを使用する。
func (c *Cache) Put(ctx context.Context, fingerprint string, resp *CachedResponse, ttl time.Duration) {
	if !c.enabled {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[Cache] エントリのシリアライズに失敗: %v", err)
		return
	}

	if err := c.store.Put(ctx, keyPrefix+fingerprint, data, ttl); err != nil {
		log.Printf("[Cache] 保存に失敗: %v", err)
	}
}

// Invalidate は指定された指紋のエントリを削除する。
// データ変更時に書き込み側の処理から呼び出す。ストア障害はログに記録して
// 握りつぶす（次のTTL失効で整合する）。
func (c *Cache) Invalidate(ctx context.Context, fingerprints ...string) {
	if !c.enabled || len(fingerprints) == 0 {
		return
	}

	keys := make([]string, 0, len(fingerprints))
	for _, f := range fingerprints {
		keys = append(keys, keyPrefix+f)
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		log.Printf("[Cache] 無効化に失敗: %v", err)
	}
}

// InvalidatePrefix はプレフィックスに一致するすべてのエントリを削除する。
// リソース配下のキャッシュ（クエリバリアント・詳細パスを含む）をひとまとめに
// 無効化する用途で、書き込み側の処理から呼び出す。ストア障害はログに記録して
// 握りつぶす（次のTTL失効で整合する）。
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) {
	if !c.enabled || prefix == "" {
		return
	}
	if err := c.store.DeletePrefix(ctx, keyPrefix+prefix); err != nil {
		log.Printf("[Cache] プレフィックス無効化に失敗: %v", err)
	}
}
