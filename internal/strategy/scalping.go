package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ScalpingParams struct {
	MinPremium       float64
	MaxPremium       float64
	Threshold        float64 // points over Periods on the underlying
	Periods          int
	MinVolatility    float64
	VolatilityWindow int
	MinHistory       int
	QuickProfit      float64 // points per unit
}

func DefaultScalpingParams() ScalpingParams {
	return ScalpingParams{
		MinPremium:       20,
		MaxPremium:       200,
		Threshold:        5,
		Periods:          5,
		MinVolatility:    0.02,
		VolatilityWindow: 10,
		MinHistory:       10,
		QuickProfit:      15,
	}
}

// Scalping takes small, fast option trades on short bursts of underlying
// momentum and exits at market.
type Scalping struct {
	settings Settings
	Params   ScalpingParams
	logger   zerolog.Logger
}

func NewScalping(settings Settings) *Scalping {
	return &Scalping{
		settings: settings,
		Params:   DefaultScalpingParams(),
		logger:   log.With().Str("component", "strategy").Str("strategy", "scalping").Logger(),
	}
}

func (s *Scalping) Name() string       { return "scalping" }
func (s *Scalping) Settings() Settings { return s.settings }

func (s *Scalping) Init(ctx context.Context, env Env) error {
	if env.Underlying() == "" {
		return errors.New("scalping: no underlying configured")
	}
	return nil
}

func (s *Scalping) Tick(ctx context.Context, env Env) error {
	manageErr := s.manage(ctx, env)
	entryErr := s.scan(ctx, env)
	return errors.Join(manageErr, entryErr)
}

func (s *Scalping) Flatten(ctx context.Context, env Env) error {
	return FlattenAll(ctx, env, "SHUTDOWN")
}

// burst returns the underlying's short-term move when it is strong and
// volatile enough to scalp
func (s *Scalping) burst(env Env) (float64, bool) {
	p := s.Params
	prices := env.History(env.Underlying(), 20)
	if len(prices) < p.MinHistory {
		return 0, false
	}

	mom, ok := PriceChange(prices, p.Periods)
	if !ok {
		return 0, false
	}
	vol := 0.01
	window := prices
	if len(window) > p.VolatilityWindow {
		window = window[len(window)-p.VolatilityWindow:]
	}
	if len(window) >= 5 {
		vol = Volatility(window)
	}

	if math.Abs(mom) < p.Threshold || vol < p.MinVolatility {
		return 0, false
	}
	return mom, true
}

func (s *Scalping) scan(ctx context.Context, env Env) error {
	if len(env.Positions()) >= s.settings.MaxPositions {
		return nil
	}
	mom, ok := s.burst(env)
	if !ok {
		return nil
	}
	s.logger.Debug().Float64("momentum", mom).Msg("momentum burst")

	insts := append([]types.Instrument(nil), env.Instruments()...)
	sort.Slice(insts, func(i, j int) bool { return insts[i].Symbol < insts[j].Symbol })

	for _, inst := range insts {
		if !(inst.Kind == types.OptionCall && mom > s.Params.Threshold) &&
			!(inst.Kind == types.OptionPut && mom < -s.Params.Threshold) {
			continue
		}
		if _, held := env.Position(inst.Symbol); held {
			continue
		}
		price, ok := env.Last(inst.Symbol)
		if !ok || price < s.Params.MinPremium || price > s.Params.MaxPremium {
			continue
		}

		entry := RoundToTick(price)
		stop, target := s.settings.entryLevels(entry)
		_, err := env.PlaceTrade(ctx, TradeRequest{
			Symbol:    inst.Symbol,
			Side:      types.SideBuy,
			OrderType: types.OrderTypeLimit,
			Price:     entry,
			StopLoss:  stop,
			Target:    target,
			Reason:    "scalp_entry",
		})
		if err == nil {
			return nil
		}
		if !expected(err) {
			return fmt.Errorf("scalp entry %s: %w", inst.Symbol, err)
		}
		if errors.Is(err, ErrTradeBlocked) || errors.Is(err, ErrCooldown) {
			return nil
		}
	}
	return nil
}

func (s *Scalping) manage(ctx context.Context, env Env) error {
	var errs []error
	now := env.Now()

	for _, pos := range env.Positions() {
		price, ok := env.Last(pos.Symbol)
		if !ok {
			continue
		}

		var reason string
		switch {
		case price-pos.AveragePrice >= s.Params.QuickProfit:
			reason = "QUICK_PROFIT"
		case pos.StopLoss > 0 && price <= pos.StopLoss:
			reason = "STOP_LOSS"
		case pos.Target > 0 && price >= pos.Target:
			reason = "TARGET_HIT"
		case s.settings.MaxHold > 0 && now.Sub(pos.OpenedAt) > s.settings.MaxHold:
			reason = "TIME_EXIT"
		default:
			continue
		}

		if _, err := env.ExitPosition(ctx, pos.Symbol, reason, 0, 0); err != nil && !expected(err) {
			errs = append(errs, fmt.Errorf("scalp exit %s: %w", pos.Symbol, err))
		}
	}
	return errors.Join(errs...)
}
