package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore はプロセス内メモリをバックエンドとするキャッシュストア。
// Redisが構成されていない開発環境とテストで使用する。
type MemoryStore struct {
	// mu はentriesを保護するミューテックス。
	mu sync.RWMutex
	// entries はキーごとのキャッシュエントリ。
	entries map[string]memoryEntry
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// memoryEntry は1キー分のキャッシュエントリ。
type memoryEntry struct {
	// value は保存された値。
	value []byte
	// expiresAt はエントリの有効期限。
	expiresAt time.Time
}

// NewMemoryStore は新しいインメモリキャッシュストアを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get はキーの値を取得する。存在しない・期限切れの場合はfalseを返す。
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || s.now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Put はキーに値をTTL付きで保存する。
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// コピーして保存し、呼び出し元のスライス変更から保護する
	stored := make([]byte, len(value))
	copy(stored, value)

	s.entries[key] = memoryEntry{
		value:     stored,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Delete は指定されたキーを削除する。
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

// DeletePrefix はプレフィックスに一致するすべてのキーを削除する。
func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
		}
	}
	return nil
}
