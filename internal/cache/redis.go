package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore はRedisをバックエンドとするキャッシュストア。
// TTLはRedisのキー有効期限（SET EX）で強制される。
type RedisStore struct {
	// client はRedisクライアント。
	client *redis.Client
}

// NewRedisStore は新しいRedisキャッシュストアを生成する。
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get はキーの値を取得する。キーが存在しない場合はfalseを返す。
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("キャッシュの取得に失敗: %w", err)
	}
	return data, true, nil
}

// Put はキーに値をTTL付きで保存する。書き込みは単一のSETで行われるため、
// リーダーから部分的な書き込みが観測されることはない。
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("キャッシュの保存に失敗: %w", err)
	}
	return nil
}

// Delete は指定されたキーを削除する。
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("キャッシュの削除に失敗: %w", err)
	}
	return nil
}

// DeletePrefix はプレフィックスに一致するすべてのキーを削除する。
// KEYSはRedisをブロックするため、SCANで走査しながらバッチ削除する。
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()

	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("キャッシュの削除に失敗: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("キャッシュキーの走査に失敗: %w", err)
	}

	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("キャッシュの削除に失敗: %w", err)
		}
	}
	return nil
}
