package strategy

import (
	"context"
	"time"

	"github.com/ksred/klear-trader/internal/config"
)

// Strategy is the capability every trading variant implements. The scheduler
// owns the loop; a strategy only decides what to do on each tick.
type Strategy interface {
	Name() string
	Settings() Settings
	Init(ctx context.Context, env Env) error
	Tick(ctx context.Context, env Env) error
	// Flatten exits every position the strategy owns. It is called once on
	// shutdown and must not return before the exit orders were submitted.
	Flatten(ctx context.Context, env Env) error
}

type Settings struct {
	Enabled         bool          `json:"enabled"`
	Interval        time.Duration `json:"interval"`
	Cooldown        time.Duration `json:"cooldown"`
	MaxPositions    int           `json:"max_positions"`
	MaxTradesPerDay int           `json:"max_trades_per_day"`
	PositionSize    int64         `json:"position_size"` // max quantity per trade
	LotSize         int64         `json:"lot_size"`
	StopLossPct     float64       `json:"stop_loss_pct"`
	TargetPct       float64       `json:"target_pct"`
	MaxHold         time.Duration `json:"max_hold"`
}

// SettingsFrom builds Settings from a strategy's config block. lot is the
// exchange lot size every quantity is rounded to.
func SettingsFrom(c config.StrategyConfig, lot int64) Settings {
	if lot <= 0 {
		lot = 1
	}
	size := c.PositionSize
	if size < lot {
		size = lot
	}
	return Settings{
		Enabled:         c.Enabled,
		Interval:        c.Interval,
		Cooldown:        c.Cooldown,
		MaxPositions:    c.MaxPositions,
		MaxTradesPerDay: c.MaxTradesPerDay,
		PositionSize:    size,
		LotSize:         lot,
		StopLossPct:     c.StopLossPct,
		TargetPct:       c.TargetPct,
		MaxHold:         c.MaxHold,
	}
}

// entryLevels returns the stop and target for a long entry at price
func (s Settings) entryLevels(price float64) (stop, target float64) {
	return RoundToTick(price * (1 - s.StopLossPct)), RoundToTick(price * (1 + s.TargetPct))
}

// FlattenAll submits market exits for every position the env's strategy owns.
// The first error is returned after all positions were attempted.
func FlattenAll(ctx context.Context, env Env, reason string) error {
	var first error
	for _, pos := range env.Positions() {
		if _, err := env.ExitPosition(ctx, pos.Symbol, reason, 0, 0); err != nil && first == nil {
			first = err
		}
	}
	return first
}
