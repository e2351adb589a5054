package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript はカウンタのインクリメントと有効期限設定を原子的に行う
// Luaスクリプト。INCRとEXPIREを別々のラウンドトリップで発行すると、
// INCR成功後にクライアントが落ちた場合に期限なしのキーが残留するため、
// サーバーサイドで単一操作として実行する。
var incrementScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisStore はRedisをバックエンドとする共有カウンタストア。
type RedisStore struct {
	// client はRedisクライアント。
	client *redis.Client
}

// NewRedisStore は新しいRedisカウンタストアを生成する。
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Increment はキーのカウンタを原子的に1増やし、増加後の値を返す。
// キーが新規作成された場合はウィンドウ長+1秒の有効期限を設定する。
// 古いウィンドウのキーは有効期限によって自動的に消滅する。
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	// ウィンドウ末尾ぎりぎりのリクエストでも期限内に収まるよう1秒加算する
	expireSeconds := int64(window/time.Second) + 1

	count, err := incrementScript.Run(ctx, s.client, []string{key}, expireSeconds).Int64()
	if err != nil {
		return 0, fmt.Errorf("カウンタのインクリメントに失敗: %w", err)
	}
	return count, nil
}
