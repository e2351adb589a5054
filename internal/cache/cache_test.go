package cache

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

// brokenStore は常にエラーを返すキャッシュストアのスタブ。
type brokenStore struct{}

func (brokenStore) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (brokenStore) Put(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return errors.New("connection refused")
}

func (brokenStore) Delete(_ context.Context, _ ...string) error {
	return errors.New("connection refused")
}

func (brokenStore) DeletePrefix(_ context.Context, _ string) error {
	return errors.New("connection refused")
}

// TestFingerprint はFingerprint関数を検証する。
func TestFingerprint(t *testing.T) {
	t.Parallel()

	t.Run("クエリパラメータの順序が違っても同じ指紋になること", func(t *testing.T) {
		t.Parallel()

		q1, _ := url.ParseQuery("limit=10&skip=0&owner=abc")
		q2, _ := url.ParseQuery("owner=abc&limit=10&skip=0")

		f1 := Fingerprint("GET", "/api/v1/items", q1, "")
		f2 := Fingerprint("GET", "/api/v1/items", q2, "")
		if f1 != f2 {
			t.Errorf("順序違いのクエリで指紋が一致しない: %q != %q", f1, f2)
		}
	})

	t.Run("同一キーの複数値も順序に依らず同じ指紋になること", func(t *testing.T) {
		t.Parallel()

		q1, _ := url.ParseQuery("tag=b&tag=a")
		q2, _ := url.ParseQuery("tag=a&tag=b")

		f1 := Fingerprint("GET", "/api/v1/items", q1, "")
		f2 := Fingerprint("GET", "/api/v1/items", q2, "")
		if f1 != f2 {
			t.Errorf("複数値の順序違いで指紋が一致しない: %q != %q", f1, f2)
		}
	})

	t.Run("異なるPrincipalは異なる指紋になること", func(t *testing.T) {
		t.Parallel()

		q := url.Values{}
		f1 := Fingerprint("GET", "/api/v1/items", q, "user-1")
		f2 := Fingerprint("GET", "/api/v1/items", q, "user-2")
		if f1 == f2 {
			t.Error("異なるPrincipalで指紋が一致した（レスポンス漏洩のリスク）")
		}
	})

	t.Run("異なるパラメータ値は異なる指紋になること", func(t *testing.T) {
		t.Parallel()

		q1, _ := url.ParseQuery("limit=10")
		q2, _ := url.ParseQuery("limit=20")

		f1 := Fingerprint("GET", "/api/v1/items", q1, "")
		f2 := Fingerprint("GET", "/api/v1/items", q2, "")
		if f1 == f2 {
			t.Error("異なるパラメータ値で指紋が一致した")
		}
	})

	t.Run("指紋がsubjectとパスのプレフィックスで始まること", func(t *testing.T) {
		t.Parallel()

		q, _ := url.ParseQuery("limit=10&skip=2")
		f := Fingerprint("GET", "/api/v1/items", q, "user-1")
		if !strings.HasPrefix(f, Prefix("user-1", "/api/v1/items")) {
			t.Errorf("指紋 %q がプレフィックス %q で始まらない", f, Prefix("user-1", "/api/v1/items"))
		}

		// 詳細パスも同じリソースプレフィックスに含まれる
		detail := Fingerprint("GET", "/api/v1/items/abc", url.Values{}, "user-1")
		if !strings.HasPrefix(detail, Prefix("user-1", "/api/v1/items")) {
			t.Errorf("詳細パスの指紋 %q がプレフィックス %q で始まらない", detail, Prefix("user-1", "/api/v1/items"))
		}
	})

	t.Run("メソッドとパスが指紋に寄与すること", func(t *testing.T) {
		t.Parallel()

		q := url.Values{}
		base := Fingerprint("GET", "/api/v1/items", q, "")
		if base == Fingerprint("POST", "/api/v1/items", q, "") {
			t.Error("異なるメソッドで指紋が一致した")
		}
		if base == Fingerprint("GET", "/api/v1/users", q, "") {
			t.Error("異なるパスで指紋が一致した")
		}
	})
}

// TestCacheRoundTrip はキャッシュの保存・取得・失効を検証する。
func TestCacheRoundTrip(t *testing.T) {
	t.Parallel()

	t.Run("保存したレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		c := New(NewMemoryStore(), time.Minute, true)
		resp := &CachedResponse{Status: 200, ContentType: "application/json", Body: []byte(`{"ok":true}`)}

		c.Put(context.Background(), "fp-1", resp, time.Minute)

		got, ok := c.Get(context.Background(), "fp-1")
		if !ok {
			t.Fatal("保存直後のGetがミスになった")
		}
		if got.Status != 200 {
			t.Errorf("Status = %d, want 200", got.Status)
		}
		if string(got.Body) != `{"ok":true}` {
			t.Errorf("Body = %q, want %q", got.Body, `{"ok":true}`)
		}
	})

	t.Run("TTL経過後はミスになること", func(t *testing.T) {
		t.Parallel()

		base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
		current := base

		store := NewMemoryStore()
		store.now = func() time.Time { return current }
		c := New(store, time.Minute, true)

		c.Put(context.Background(), "fp-ttl", &CachedResponse{Status: 200}, 10*time.Second)

		if _, ok := c.Get(context.Background(), "fp-ttl"); !ok {
			t.Fatal("TTL内のGetがミスになった")
		}

		current = base.Add(11 * time.Second)
		if _, ok := c.Get(context.Background(), "fp-ttl"); ok {
			t.Error("TTL経過後のGetがヒットした（古いエントリの提供は正しさのバグ）")
		}
	})

	t.Run("Invalidateでエントリが削除されること", func(t *testing.T) {
		t.Parallel()

		c := New(NewMemoryStore(), time.Minute, true)
		c.Put(context.Background(), "fp-inv", &CachedResponse{Status: 200}, time.Minute)

		c.Invalidate(context.Background(), "fp-inv")

		if _, ok := c.Get(context.Background(), "fp-inv"); ok {
			t.Error("Invalidate後のGetがヒットした")
		}
	})

	t.Run("InvalidatePrefixでクエリバリアントもまとめて削除されること", func(t *testing.T) {
		t.Parallel()

		c := New(NewMemoryStore(), time.Minute, true)

		q1, _ := url.ParseQuery("limit=10")
		q2, _ := url.ParseQuery("limit=20&skip=5")
		fpList := Fingerprint("GET", "/api/v1/items", url.Values{}, "user-1")
		fpVariant1 := Fingerprint("GET", "/api/v1/items", q1, "user-1")
		fpVariant2 := Fingerprint("GET", "/api/v1/items", q2, "user-1")
		fpDetail := Fingerprint("GET", "/api/v1/items/abc", url.Values{}, "user-1")
		fpOther := Fingerprint("GET", "/api/v1/items", url.Values{}, "user-2")

		for _, fp := range []string{fpList, fpVariant1, fpVariant2, fpDetail, fpOther} {
			c.Put(context.Background(), fp, &CachedResponse{Status: 200}, time.Minute)
		}

		c.InvalidatePrefix(context.Background(), Prefix("user-1", "/api/v1/items"))

		for _, fp := range []string{fpList, fpVariant1, fpVariant2, fpDetail} {
			if _, ok := c.Get(context.Background(), fp); ok {
				t.Errorf("プレフィックス無効化後もエントリが残っている: %q", fp)
			}
		}

		// 他のPrincipalのエントリは影響を受けない
		if _, ok := c.Get(context.Background(), fpOther); !ok {
			t.Error("別Principalのエントリまで削除された")
		}
	})

	t.Run("無効化されたキャッシュは常にミスになること", func(t *testing.T) {
		t.Parallel()

		c := New(NewMemoryStore(), time.Minute, false)
		c.Put(context.Background(), "fp-disabled", &CachedResponse{Status: 200}, time.Minute)

		if _, ok := c.Get(context.Background(), "fp-disabled"); ok {
			t.Error("無効設定のキャッシュがヒットした")
		}
	})

	t.Run("ストア障害が呼び出し元に伝播しないこと", func(t *testing.T) {
		t.Parallel()

		c := New(brokenStore{}, time.Minute, true)

		// Putはエラーを返さない（ログのみ）
		c.Put(context.Background(), "fp-broken", &CachedResponse{Status: 200}, time.Minute)

		// Getはミスとして扱われる
		if _, ok := c.Get(context.Background(), "fp-broken"); ok {
			t.Error("障害ストアでGetがヒットした")
		}

		// Invalidate / InvalidatePrefixもパニックやエラーにならない
		c.Invalidate(context.Background(), "fp-broken")
		c.InvalidatePrefix(context.Background(), "fp-broken")
	})

	t.Run("ttlゼロ指定時は既定TTLが使われること", func(t *testing.T) {
		t.Parallel()

		base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
		current := base

		store := NewMemoryStore()
		store.now = func() time.Time { return current }
		c := New(store, 30*time.Second, true)

		c.Put(context.Background(), "fp-default", &CachedResponse{Status: 200}, 0)

		current = base.Add(29 * time.Second)
		if _, ok := c.Get(context.Background(), "fp-default"); !ok {
			t.Error("既定TTL内のGetがミスになった")
		}

		current = base.Add(31 * time.Second)
		if _, ok := c.Get(context.Background(), "fp-default"); ok {
			t.Error("既定TTL経過後のGetがヒットした")
		}
	})
}
