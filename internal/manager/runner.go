package manager

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

// RunOptions 控制 tick 泵。
type RunOptions struct {
	Clock    clock.Clock
	Interval time.Duration
	// OnTick 在每次 Update 之后于同一 goroutine 上调用，可用于驱动消费方逻辑。
	OnTick func() error
}

// Run 在调用方 goroutine 上按固定间隔调用 Update，直到 ctx 结束或 Update/OnTick 返回错误。
// Run 期间调用方 goroutine 即为缓存的拥有者；ctx 结束时返回 nil。
func (m *Manager) Run(ctx context.Context, opts RunOptions) error {
	if opts.Interval <= 0 {
		return errors.New("tick interval must be positive")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	ticker := clk.Ticker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Update(); err != nil {
				return err
			}
			if opts.OnTick != nil {
				if err := opts.OnTick(); err != nil {
					return err
				}
			}
		}
	}
}
