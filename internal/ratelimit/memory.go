package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore はプロセス内メモリをバックエンドとするカウンタストア。
// Redisが構成されていない開発環境とテストで使用する。複数プロセス間で
// カウンタを共有しないため、水平スケールする本番環境ではRedisStoreを使うこと。
type MemoryStore struct {
	// mu はcountersを保護するミューテックス。
	mu sync.Mutex
	// counters はキーごとのカウンタエントリ。
	counters map[string]*memoryCounter
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// memoryCounter は1キー分のカウンタエントリ。
type memoryCounter struct {
	// count は現在のカウント値。
	count int64
	// expiresAt はエントリの有効期限。
	expiresAt time.Time
}

// NewMemoryStore は新しいインメモリカウンタストアを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// Increment はキーのカウンタを原子的に1増やし、増加後の値を返す。
// 期限切れのエントリは次のアクセス時に破棄される。
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = &memoryCounter{expiresAt: now.Add(window + time.Second)}
		s.counters[key] = c
	}
	c.count++

	// ついでに期限切れエントリを掃除してメモリ残留を防ぐ
	for k, v := range s.counters {
		if now.After(v.expiresAt) {
			delete(s.counters, k)
		}
	}

	return c.count, nil
}
