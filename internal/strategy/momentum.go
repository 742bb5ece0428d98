package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ksred/klear-trader/internal/positions"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type MomentumParams struct {
	Threshold        float64 // points of 10-period move on the underlying
	MinTrendStrength float64 // percent
	ShortSMA         int
	LongSMA          int
	RSIPeriod        int
	VolatilityWindow int
	MinVolatility    float64
	MinHistory       int
	SignalDebounce   time.Duration
	MinPremium       float64
	PartialProfitPct float64 // unrealized gain over entry value that books half
	ExitDiscount     float64 // exit limit = price * ExitDiscount
}

func DefaultMomentumParams() MomentumParams {
	return MomentumParams{
		Threshold:        10,
		MinTrendStrength: 0.5,
		ShortSMA:         5,
		LongSMA:          20,
		RSIPeriod:        14,
		VolatilityWindow: 20,
		MinVolatility:    0.01,
		MinHistory:       30,
		SignalDebounce:   5 * time.Minute,
		MinPremium:       10,
		PartialProfitPct: 0.75,
		ExitDiscount:     0.995,
	}
}

type direction int

const (
	neutral direction = iota
	bullish
	bearish
)

func (d direction) String() string {
	switch d {
	case bullish:
		return "bullish"
	case bearish:
		return "bearish"
	}
	return "neutral"
}

// matches reports whether an option kind trades in direction d
func (d direction) matches(k types.OptionKind) bool {
	return (d == bullish && k == types.OptionCall) || (d == bearish && k == types.OptionPut)
}

type momentumAnalysis struct {
	price      float64
	smaShort   float64
	smaLong    float64
	momentum10 float64
	rsi        float64
	volatility float64
	strength   float64
}

func (a momentumAnalysis) direction() direction {
	switch {
	case a.momentum10 > 0:
		return bullish
	case a.momentum10 < 0:
		return bearish
	}
	return neutral
}

// Momentum buys options in the direction of a confirmed trend on the
// underlying and rides it until reversal, stop, target or max hold.
type Momentum struct {
	settings Settings
	Params   MomentumParams

	analysis   momentumAnalysis
	hasSignal  bool
	lastSignal time.Time
	entries    map[string]direction
	partial    map[string]bool
	logger     zerolog.Logger
}

func NewMomentum(settings Settings) *Momentum {
	return &Momentum{
		settings: settings,
		Params:   DefaultMomentumParams(),
		entries:  make(map[string]direction),
		partial:  make(map[string]bool),
		logger:   log.With().Str("component", "strategy").Str("strategy", "momentum").Logger(),
	}
}

func (m *Momentum) Name() string       { return "momentum" }
func (m *Momentum) Settings() Settings { return m.settings }

func (m *Momentum) Init(ctx context.Context, env Env) error {
	if env.Underlying() == "" {
		return errors.New("momentum: no underlying configured")
	}
	if len(env.Instruments()) == 0 {
		m.logger.Warn().Msg("no instruments configured, momentum will only manage positions")
	}
	return nil
}

func (m *Momentum) Tick(ctx context.Context, env Env) error {
	var errs []error

	if a, ok := m.analyse(env); ok {
		m.analysis = a
		m.hasSignal = true
		if dir, fire := m.signal(env.Now()); fire {
			if err := m.enter(ctx, env, dir); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := m.manage(ctx, env); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Momentum) Flatten(ctx context.Context, env Env) error {
	return FlattenAll(ctx, env, "SHUTDOWN")
}

func (m *Momentum) analyse(env Env) (momentumAnalysis, bool) {
	p := m.Params
	prices := env.History(env.Underlying(), 50)
	if len(prices) < p.MinHistory {
		return momentumAnalysis{}, false
	}

	a := momentumAnalysis{price: prices[len(prices)-1]}
	var ok bool
	if a.smaShort, ok = SMA(prices, p.ShortSMA); !ok {
		return a, false
	}
	if a.smaLong, ok = SMA(prices, p.LongSMA); !ok {
		return a, false
	}
	if a.rsi, ok = RSI(prices, p.RSIPeriod); !ok {
		return a, false
	}
	a.momentum10, _ = PriceChange(prices, 10)

	window := prices
	if len(window) > p.VolatilityWindow {
		window = window[len(window)-p.VolatilityWindow:]
	}
	if len(window) >= 10 {
		a.volatility = Volatility(window)
	}
	if a.price > 0 {
		a.strength = math.Abs(a.momentum10) / a.price * 100
	}
	return a, true
}

// signal checks the current analysis and debounces repeated signals
func (m *Momentum) signal(now time.Time) (direction, bool) {
	a, p := m.analysis, m.Params
	if math.Abs(a.momentum10) <= p.Threshold || a.strength <= p.MinTrendStrength {
		return neutral, false
	}

	dir := a.direction()
	aligned := (dir == bullish && a.smaShort > a.smaLong) || (dir == bearish && a.smaShort < a.smaLong)
	if !aligned || a.rsi <= 30 || a.rsi >= 70 || a.volatility <= p.MinVolatility {
		return neutral, false
	}

	if !m.lastSignal.IsZero() && now.Sub(m.lastSignal) <= p.SignalDebounce {
		return neutral, false
	}
	m.lastSignal = now
	m.logger.Info().
		Str("direction", dir.String()).
		Float64("momentum", a.momentum10).
		Float64("strength", a.strength).
		Float64("rsi", a.rsi).
		Msg("momentum signal")
	return dir, true
}

type candidate struct {
	inst  types.Instrument
	price float64
	score float64
}

func (m *Momentum) bestOption(env Env, dir direction) (candidate, bool) {
	spot, ok := env.Last(env.Underlying())
	if !ok {
		return candidate{}, false
	}

	var best candidate
	var found bool
	for _, inst := range env.Instruments() {
		if !dir.matches(inst.Kind) {
			continue
		}
		if _, held := env.Position(inst.Symbol); held {
			continue
		}
		price, ok := env.Last(inst.Symbol)
		if !ok || price < m.Params.MinPremium {
			continue
		}

		c := candidate{inst: inst, price: price, score: optionScore(inst, spot, price, env.Volume(inst.Symbol))}
		if !found || c.score > best.score {
			best, found = c, true
		}
	}
	return best, found
}

// optionScore favours slightly out-of-the-money, liquid options priced near 50
func optionScore(inst types.Instrument, spot, price float64, volume int64) float64 {
	var moneyness float64
	otm := inst.Strike - spot
	if inst.Kind == types.OptionPut {
		otm = -otm
	}
	if otm > 0 && otm <= 100 {
		moneyness = 10 - otm/10
	}

	liquidity := math.Min(float64(volume)/10000, 10)
	premium := math.Max(0, math.Min(10-math.Abs(price-50)/10, 10))
	return moneyness + liquidity + premium
}

func (m *Momentum) enter(ctx context.Context, env Env, dir direction) error {
	if len(env.Positions()) >= m.settings.MaxPositions {
		return nil
	}
	c, ok := m.bestOption(env, dir)
	if !ok {
		return nil
	}

	entry := RoundToTick(c.price)
	stop, target := m.settings.entryLevels(entry)
	_, err := env.PlaceTrade(ctx, TradeRequest{
		Symbol:    c.inst.Symbol,
		Side:      types.SideBuy,
		OrderType: types.OrderTypeLimit,
		Price:     entry,
		StopLoss:  stop,
		Target:    target,
		Reason:    "momentum_entry_" + dir.String(),
	})
	if err != nil {
		if expected(err) {
			m.logger.Debug().Err(err).Str("symbol", c.inst.Symbol).Msg("entry skipped")
			return nil
		}
		return fmt.Errorf("momentum entry %s: %w", c.inst.Symbol, err)
	}
	m.entries[c.inst.Symbol] = dir
	return nil
}

func (m *Momentum) manage(ctx context.Context, env Env) error {
	owned := env.Positions()
	live := make(map[string]bool, len(owned))
	var errs []error

	for _, pos := range owned {
		live[pos.Symbol] = true
		price, ok := env.Last(pos.Symbol)
		if !ok {
			continue
		}

		reason, partial := m.exitReason(env.Now(), pos, price)
		if reason == "" {
			continue
		}

		var qty int64
		if partial {
			qty = pos.AbsQuantity() / 2
			if qty == 0 {
				continue
			}
		}
		_, err := env.ExitPosition(ctx, pos.Symbol, reason, qty, price*m.Params.ExitDiscount)
		switch {
		case err == nil:
			if partial {
				m.partial[pos.Symbol] = true
			}
		case expected(err):
		default:
			errs = append(errs, fmt.Errorf("momentum exit %s: %w", pos.Symbol, err))
		}
	}

	for sym := range m.entries {
		if !live[sym] {
			delete(m.entries, sym)
		}
	}
	for sym := range m.partial {
		if !live[sym] {
			delete(m.partial, sym)
		}
	}
	return errors.Join(errs...)
}

// exitReason decides whether pos should be exited at price. The second result
// is true for a partial profit booking.
func (m *Momentum) exitReason(now time.Time, pos types.Position, price float64) (string, bool) {
	if dir, ok := m.entries[pos.Symbol]; ok && m.hasSignal {
		half := m.Params.Threshold / 2
		mom := m.analysis.momentum10
		if (dir == bullish && mom < -half) || (dir == bearish && mom > half) {
			return "MOMENTUM_REVERSAL", false
		}
	}
	if pos.StopLoss > 0 && price <= pos.StopLoss {
		return "STOP_LOSS", false
	}
	if pos.Target > 0 && price >= pos.Target {
		return "TARGET_HIT", false
	}
	if m.settings.MaxHold > 0 && now.Sub(pos.OpenedAt) > m.settings.MaxHold {
		return "TIME_EXIT", false
	}

	entryValue := pos.AveragePrice * float64(pos.AbsQuantity())
	unrealized := (price - pos.AveragePrice) * float64(pos.Quantity)
	if !m.partial[pos.Symbol] && unrealized > entryValue*m.Params.PartialProfitPct {
		return "PARTIAL_PROFIT", true
	}
	return "", false
}

// expected reports errors that mean "not now" rather than a failure
func expected(err error) bool {
	return errors.Is(err, ErrTradeBlocked) ||
		errors.Is(err, ErrCooldown) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrExitPending) ||
		errors.Is(err, positions.ErrNoPosition)
}
