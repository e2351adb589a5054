// Package ratelimit は固定ウィンドウ方式のレート制限を提供する。
//
// リクエスト数は共有カウンタストア（通常はRedis）上で管理され、
// 複数プロセスから同じキーに対する制限を一貫して適用できる。
// 固定ウィンドウ方式のため、ウィンドウ境界をまたぐ瞬間には最大で
// 2×limit のリクエストが通過しうる。より滑らかな制限が必要な場合は
// 呼び出し側で複数ウィンドウを組み合わせること。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable はカウンタストアに到達できないことを表す。
// フェイルクローズ設定時にAdmitから返される。
var ErrStoreUnavailable = errors.New("レート制限カウンタストアに到達できません")

// CounterStore は共有カウンタストアの契約。
// Incrementはキーのカウンタを1増やして増加後の値を返す。キーが新規作成された
// 場合はウィンドウ長以上の有効期限を設定する。この操作は同一キーへの並行
// 呼び出しに対して原子的でなければならない。
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Decision はレート制限の判定結果。
type Decision struct {
	// Admitted はリクエストが許可されたかどうか。
	Admitted bool
	// Limit はウィンドウあたりの許可リクエスト数。
	Limit int
	// Remaining はウィンドウ内の残り許可数。
	Remaining int
	// RetryAfter は拒否時に再試行までに待つべき時間。許可時はゼロ。
	RetryAfter time.Duration
}

// Config はLimiterの設定。
type Config struct {
	// Limit はウィンドウあたりの許可リクエスト数。
	Limit int
	// Window はウィンドウの長さ。
	Window time.Duration
	// FailOpen はストア到達不能時にリクエストを通すかどうか。
	// falseの場合はErrStoreUnavailableを返す（フェイルクローズ）。
	FailOpen bool
	// StoreTimeout はストア呼び出しの最大待ち時間。ゼロの場合は1秒。
	StoreTimeout time.Duration
}

// Limiter は固定ウィンドウ方式のレート制限器。
type Limiter struct {
	// store は共有カウンタストア。
	store CounterStore
	// cfg は制限の設定。
	cfg Config
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// NewLimiter は新しいレート制限器を生成する。
func NewLimiter(store CounterStore, cfg Config) *Limiter {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = time.Second
	}
	// ウィンドウはバケット計算で秒単位に切り捨てられるため、1秒未満は
	// ゼロ除算になる。最小値の1秒に丸める。
	if cfg.Window < time.Second {
		cfg.Window = time.Second
	}
	return &Limiter{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Admit はキーに対するリクエストを許可するかどうかを判定する。
// 現在のウィンドウのカウンタを原子的にインクリメントし、増加後の値が
// Limitを超えた場合は拒否する。拒否されたリクエストもカウントに残るため、
// リトライの殺到によってカウンタ圧力がリセットされることはない。
// ストア到達不能時はFailOpen設定に従い、許可するかErrStoreUnavailableを返す。
func (l *Limiter) Admit(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	windowSeconds := int64(l.cfg.Window / time.Second)
	bucket := now.Unix() / windowSeconds
	storeKey := fmt.Sprintf("ratelimit:%s:%d", key, bucket)

	// ストア呼び出しは必ず有界のタイムアウト付きで行う
	storeCtx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()

	count, err := l.store.Increment(storeCtx, storeKey, l.cfg.Window)
	if err != nil {
		if l.cfg.FailOpen {
			return Decision{Admitted: true, Limit: l.cfg.Limit, Remaining: l.cfg.Limit}, nil
		}
		return Decision{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	remaining := l.cfg.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	if count > int64(l.cfg.Limit) {
		// 現在のウィンドウが終わるまでの残り時間（最低1秒）
		windowEnd := time.Unix((bucket+1)*windowSeconds, 0)
		retryAfter := windowEnd.Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Decision{
			Admitted:   false,
			Limit:      l.cfg.Limit,
			Remaining:  0,
			RetryAfter: retryAfter,
		}, nil
	}

	return Decision{Admitted: true, Limit: l.cfg.Limit, Remaining: remaining}, nil
}
