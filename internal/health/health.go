// Package health はliveness/readinessプローブ用のチェックを提供する。
//
// livenessはプロセスの生存のみを報告し、readinessはデータベース接続プールと
// カウンタ/キャッシュストアへの疎通を追加で確認する。
package health

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pinger は疎通確認が可能なバックエンドの契約。
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc は関数をPingerとして扱うアダプタ。
type PingFunc func(ctx context.Context) error

// Ping はラップした関数を呼び出す。
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// Checker はreadinessチェックの実行器。
type Checker struct {
	// targets はチェック対象の名前とPingerの組。
	targets map[string]Pinger
	// timeout はチェック全体の最大実行時間。
	timeout time.Duration
}

// NewChecker は新しいChecker を生成する。
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Checker{
		targets: make(map[string]Pinger),
		timeout: timeout,
	}
}

// Register はチェック対象を名前付きで登録する。
func (c *Checker) Register(name string, p Pinger) {
	c.targets[name] = p
}

// Ready はすべてのチェック対象への疎通を並行して確認する。
// いずれかが失敗した場合は対象名を含むエラーを返す。
func (c *Checker) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for name, p := range c.targets {
		g.Go(func() error {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("%s への疎通確認に失敗: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
