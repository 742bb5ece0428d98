package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/events"
	"github.com/ksred/klear-trader/internal/orders"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StrategyTag marks orders the guard submits on its own behalf
const StrategyTag = "RiskGuard"

// Ledger is the read side of the position ledger plus the daily reset hook
type Ledger interface {
	Positions() []types.Position
	Count() int
	PortfolioValue() float64
	DailyPnL() float64
	TotalPnL() float64
	RealizedPnL() float64
	UnrealizedPnL() float64
	MarkPrice(symbol string, price float64)
	ResetDaily()
}

// OrderPlacer is how the guard submits closing orders. Working quantities
// span every strategy, so a close never stacks on top of an exit that is
// already at the broker.
type OrderPlacer interface {
	Place(ctx context.Context, req orders.Request) (*types.Order, error)
	WorkingQuantity(symbol string, side types.Side) int64
	CancelWorking(ctx context.Context, symbol string, side types.Side, strategy string) (int, error)
}

type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (types.Quote, error)
}

// Limits are the per-strategy caps checked before a new trade
type Limits struct {
	MaxPositions    int `json:"max_positions"`
	MaxTradesPerDay int `json:"max_trades_per_day"`
}

// Decision is the answer to a pre-trade check
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// StrategyPerformance is a strategy's record for the trading day. Every
// closing fill counts as one trade; a fill that realized nothing is losing.
type StrategyPerformance struct {
	PnLToday      float64 `json:"pnl_today"`
	TradesToday   int     `json:"trades_today"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
}

func winRate(wins, losses int) float64 {
	if wins+losses == 0 {
		return 0
	}
	return float64(wins) / float64(wins+losses) * 100
}

// State is a point-in-time copy of the guard's view
type State struct {
	TradingDay         string         `json:"trading_day"`
	DailyPnL           float64        `json:"daily_pnl"`
	TotalPnL           float64        `json:"total_pnl"`
	PortfolioValue     float64        `json:"portfolio_value"`
	PeakPortfolioValue float64        `json:"peak_portfolio_value"`
	CurrentDrawdown    float64        `json:"current_drawdown"`
	MaxDrawdown        float64        `json:"max_drawdown"`
	ActivePositions    int            `json:"active_positions"`
	MaxPositions       int            `json:"max_positions"`
	MaxPortfolioValue  float64        `json:"max_portfolio_value"`
	DailyLossLimit     float64        `json:"daily_loss_limit"`
	RiskPerTrade       float64        `json:"risk_per_trade"`
	Liquidating        bool           `json:"liquidating"`
	TradeCounts        map[string]int `json:"trade_counts"`

	Performance map[string]StrategyPerformance `json:"strategy_performance"`
}

// Guard watches account-level risk. It never blocks strategies directly;
// strategies ask CanOpenTrade before opening anything.
type Guard struct {
	cfg     config.RiskConfig
	maxPos  int
	session config.SessionConfig

	ledger Ledger
	orders OrderPlacer
	quotes QuoteSource
	bus    *events.Bus

	// serializes Evaluate; mu guards the fields below it
	evalMu sync.Mutex
	mu     sync.Mutex

	day             string
	liquidating     bool
	portfolioBreach bool
	stopHit         map[string]bool
	peak            float64
	drawdown        float64
	maxDrawdown     float64
	lastValue       float64
	strategies      map[string]Limits
	tradeCounts     map[string]int
	results         map[string]StrategyPerformance

	now    func() time.Time
	logger zerolog.Logger
}

func NewGuard(cfg config.Config, ledger Ledger, placer OrderPlacer, quotes QuoteSource, bus *events.Bus) *Guard {
	return &Guard{
		cfg:         cfg.Risk,
		maxPos:      cfg.Trading.MaxPositions,
		session:     cfg.Session,
		ledger:      ledger,
		orders:      placer,
		quotes:      quotes,
		bus:         bus,
		stopHit:     make(map[string]bool),
		strategies:  make(map[string]Limits),
		tradeCounts: make(map[string]int),
		results:     make(map[string]StrategyPerformance),
		now:         time.Now,
		logger:      log.With().Str("component", "risk_guard").Logger(),
	}
}

// Run evaluates risk on every interval tick until ctx is done
func (g *Guard) Run(ctx context.Context) {
	g.logger.Info().Dur("interval", g.cfg.Interval).Msg("starting risk guard")

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info().Msg("shutting down risk guard")
			return
		case <-ticker.C:
			g.safeEvaluate(ctx)
		}
	}
}

func (g *Guard) safeEvaluate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().Interface("panic", r).Msg("risk evaluation panicked")
		}
	}()
	g.Evaluate(ctx, g.now())
}

// Evaluate runs one risk pass and returns the events it raised
func (g *Guard) Evaluate(ctx context.Context, now time.Time) []types.RiskEvent {
	g.evalMu.Lock()
	defer g.evalMu.Unlock()

	var raised []types.RiskEvent
	emit := func(e types.RiskEvent) {
		e.EventID = uuid.New().String()
		e.Time = now
		raised = append(raised, e)
		g.publish(e)
	}

	g.checkDay(now, emit)
	g.checkDailyLoss(ctx, emit)
	g.checkPortfolio(emit)
	g.checkStopLosses(ctx, emit)
	g.updateDrawdown()

	return raised
}

func (g *Guard) checkDay(now time.Time, emit func(types.RiskEvent)) {
	day := g.session.TradingDay(now)

	g.mu.Lock()
	prev := g.day
	if prev == "" {
		g.day = day
		g.mu.Unlock()
		return
	}
	if prev == day {
		g.mu.Unlock()
		return
	}
	perf := g.dailyPerformanceLocked(prev)
	g.day = day
	g.liquidating = false
	g.portfolioBreach = false
	g.tradeCounts = make(map[string]int)
	g.results = make(map[string]StrategyPerformance)
	g.mu.Unlock()

	g.bus.Publish(events.DailyPerformanceEvent(perf))
	g.ledger.ResetDaily()

	emit(types.RiskEvent{
		Type:        types.RiskDailyReset,
		Severity:    types.SeverityLow,
		Action:      types.ActionNone,
		Description: fmt.Sprintf("trading day rolled from %s to %s", prev, day),
	})
}

func (g *Guard) checkDailyLoss(ctx context.Context, emit func(types.RiskEvent)) {
	daily := g.ledger.DailyPnL()
	limit := g.cfg.DailyLossLimit

	g.mu.Lock()
	if daily >= -limit {
		if g.liquidating {
			g.logger.Info().Float64("daily_pnl", daily).Msg("daily loss recovered, liquidation episode ended")
		}
		g.liquidating = false
		g.mu.Unlock()
		return
	}
	first := !g.liquidating
	g.liquidating = true
	g.mu.Unlock()

	if first {
		emit(types.RiskEvent{
			Type:        types.RiskDailyLossBreach,
			Severity:    types.SeverityCritical,
			Value:       daily,
			Limit:       -limit,
			Action:      types.ActionCloseAllPositions,
			Description: fmt.Sprintf("daily PnL %.2f breached loss limit %.2f", daily, limit),
		})
	}

	for _, pos := range g.ledger.Positions() {
		if err := g.closePosition(ctx, pos, "daily_loss_limit"); err != nil {
			emit(types.RiskEvent{
				Type:        types.RiskLiquidationFailed,
				Severity:    types.SeverityHigh,
				Symbol:      pos.Symbol,
				Value:       float64(pos.Quantity),
				Action:      types.ActionClosePosition,
				Description: err.Error(),
			})
		}
	}
}

func (g *Guard) checkPortfolio(emit func(types.RiskEvent)) {
	value := g.ledger.PortfolioValue()

	g.mu.Lock()
	if value <= g.cfg.PortfolioLimit {
		g.portfolioBreach = false
		g.mu.Unlock()
		return
	}
	first := !g.portfolioBreach
	g.portfolioBreach = true
	g.mu.Unlock()

	if first {
		emit(types.RiskEvent{
			Type:        types.RiskPortfolioLimitBreach,
			Severity:    types.SeverityHigh,
			Value:       value,
			Limit:       g.cfg.PortfolioLimit,
			Action:      types.ActionReducePositions,
			Description: fmt.Sprintf("portfolio value %.2f above limit %.2f", value, g.cfg.PortfolioLimit),
		})
	}
}

func (g *Guard) checkStopLosses(ctx context.Context, emit func(types.RiskEvent)) {
	positions := g.ledger.Positions()
	active := make(map[string]bool, len(positions))

	for _, pos := range positions {
		active[pos.Symbol] = true
		if pos.StopLoss <= 0 || pos.MarkPrice <= 0 {
			continue
		}
		breached := (pos.IsLong() && pos.MarkPrice <= pos.StopLoss) ||
			(pos.IsShort() && pos.MarkPrice >= pos.StopLoss)

		g.mu.Lock()
		already := g.stopHit[pos.Symbol]
		if breached {
			g.stopHit[pos.Symbol] = true
		} else {
			delete(g.stopHit, pos.Symbol)
		}
		g.mu.Unlock()

		if !breached || already {
			continue
		}

		action := types.ActionNone
		if g.cfg.AutoCloseStopLoss {
			action = types.ActionClosePosition
		}
		emit(types.RiskEvent{
			Type:        types.RiskStopLossHit,
			Severity:    types.SeverityHigh,
			Symbol:      pos.Symbol,
			Value:       pos.MarkPrice,
			Limit:       pos.StopLoss,
			Action:      action,
			Description: fmt.Sprintf("%s marked at %.2f through stop %.2f", pos.Symbol, pos.MarkPrice, pos.StopLoss),
		})

		if g.cfg.AutoCloseStopLoss {
			if err := g.closePosition(ctx, pos, "stop_loss"); err != nil {
				emit(types.RiskEvent{
					Type:        types.RiskLiquidationFailed,
					Severity:    types.SeverityHigh,
					Symbol:      pos.Symbol,
					Value:       float64(pos.Quantity),
					Action:      types.ActionClosePosition,
					Description: err.Error(),
				})
			}
		}
	}

	g.mu.Lock()
	for symbol := range g.stopHit {
		if !active[symbol] {
			delete(g.stopHit, symbol)
		}
	}
	g.mu.Unlock()
}

func (g *Guard) updateDrawdown() {
	value := g.ledger.PortfolioValue()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastValue = value
	if value > g.peak {
		g.peak = value
	}
	if g.peak > 0 {
		g.drawdown = (g.peak - value) / g.peak
		if g.drawdown > g.maxDrawdown {
			g.maxDrawdown = g.drawdown
		}
	}
}

// closePosition submits a MARKET order for whatever part of pos no working
// order is already closing. Entries still working on the symbol are cancelled
// first so they cannot add back what is being closed.
func (g *Guard) closePosition(ctx context.Context, pos types.Position, reason string) error {
	logger := g.logger.With().Str("symbol", pos.Symbol).Int64("quantity", pos.Quantity).Str("reason", reason).Logger()

	side := pos.ClosingSide()
	if _, err := g.orders.CancelWorking(ctx, pos.Symbol, side.Opposite(), ""); err != nil {
		logger.Warn().Err(err).Msg("failed to cancel working entries")
	}
	qty := pos.AbsQuantity() - g.orders.WorkingQuantity(pos.Symbol, side)
	if qty <= 0 {
		logger.Debug().Msg("position already being closed")
		return nil
	}

	if g.quotes != nil {
		q, err := g.quotes.GetQuote(ctx, pos.Symbol)
		if err != nil {
			logger.Warn().Err(err).Msg("quote unavailable, closing at market without fresh mark")
		} else if q.LastPrice > 0 {
			g.ledger.MarkPrice(pos.Symbol, q.LastPrice)
		}
	}

	order, err := g.orders.Place(ctx, orders.Request{
		Symbol:    pos.Symbol,
		Side:      side,
		OrderType: types.OrderTypeMarket,
		Quantity:  qty,
		Strategy:  StrategyTag,
		Tags:      types.Tags{Reason: reason},
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to place closing order")
		return fmt.Errorf("close %s: %w", pos.Symbol, err)
	}
	logger.Warn().Str("order_id", order.OrderID).Int64("close_quantity", qty).Msg("closing order placed by risk guard")
	return nil
}

func (g *Guard) publish(e types.RiskEvent) {
	ev := g.logger.WithLevel(levelFor(e.Severity)).
		Str("event_type", string(e.Type)).
		Str("severity", string(e.Severity)).
		Str("action", string(e.Action))
	if e.Symbol != "" {
		ev = ev.Str("symbol", e.Symbol)
	}
	ev.Float64("value", e.Value).Float64("limit", e.Limit).Msg(e.Description)

	g.bus.Publish(events.RiskEvent(e))
}

func levelFor(s types.Severity) zerolog.Level {
	switch s {
	case types.SeverityCritical:
		return zerolog.ErrorLevel
	case types.SeverityHigh:
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

// RegisterStrategy sets the caps CanOpenTrade applies to name
func (g *Guard) RegisterStrategy(name string, limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.strategies[name] = limits
}

// CanOpenTrade is the pre-trade gate
func (g *Guard) CanOpenTrade(strategy string) Decision {
	daily := g.ledger.DailyPnL()
	count := g.ledger.Count()

	g.mu.Lock()
	defer g.mu.Unlock()

	if daily <= -g.cfg.DailyLossLimit {
		return Decision{Reason: fmt.Sprintf("daily loss limit reached (%.2f)", daily)}
	}
	if g.liquidating {
		return Decision{Reason: "liquidation in progress"}
	}

	limits := g.strategies[strategy]
	if limits.MaxTradesPerDay > 0 && g.tradeCounts[strategy] >= limits.MaxTradesPerDay {
		return Decision{Reason: fmt.Sprintf("daily trade limit %d reached", limits.MaxTradesPerDay)}
	}

	maxPos := g.maxPos
	if limits.MaxPositions > 0 && (maxPos <= 0 || limits.MaxPositions < maxPos) {
		maxPos = limits.MaxPositions
	}
	if maxPos > 0 && count >= maxPos {
		return Decision{Reason: fmt.Sprintf("position limit %d reached", maxPos)}
	}
	return Decision{Allowed: true}
}

// RecordTrade counts a trade opened by strategy toward its daily limit
func (g *Guard) RecordTrade(strategy string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tradeCounts[strategy]++
}

// RecordFill credits a booked fill that closed part of a position to the
// strategy that owned it, including fills of orders the guard placed. Fills
// that only opened or added are ignored.
func (g *Guard) RecordFill(f types.Fill) {
	if f.ClosedQuantity <= 0 {
		return
	}
	owner := f.PositionStrategy
	if owner == "" {
		owner = f.Strategy
	}
	g.RecordResult(owner, f.RealizedPnL)
}

// RecordResult credits one closing trade and its PnL to strategy
func (g *Guard) RecordResult(strategy string, pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.results[strategy]
	r.PnLToday += pnl
	if pnl > 0 {
		r.WinningTrades++
	} else {
		r.LosingTrades++
	}
	g.results[strategy] = r
}

// Performance returns strategy's record for the current trading day
func (g *Guard) Performance(strategy string) StrategyPerformance {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.performanceLocked(strategy)
}

func (g *Guard) performanceLocked(strategy string) StrategyPerformance {
	p := g.results[strategy]
	p.TradesToday = g.tradeCounts[strategy]
	p.WinRate = winRate(p.WinningTrades, p.LosingTrades)
	return p
}

// Snapshot returns a copy of the current risk state
func (g *Guard) Snapshot() State {
	daily := g.ledger.DailyPnL()
	total := g.ledger.TotalPnL()
	value := g.ledger.PortfolioValue()
	count := g.ledger.Count()

	g.mu.Lock()
	defer g.mu.Unlock()
	counts := make(map[string]int, len(g.tradeCounts))
	perf := make(map[string]StrategyPerformance)
	for k, v := range g.tradeCounts {
		counts[k] = v
		perf[k] = g.performanceLocked(k)
	}
	for k := range g.results {
		perf[k] = g.performanceLocked(k)
	}
	return State{
		TradingDay:         g.day,
		DailyPnL:           daily,
		TotalPnL:           total,
		PortfolioValue:     value,
		PeakPortfolioValue: g.peak,
		CurrentDrawdown:    g.drawdown,
		MaxDrawdown:        g.maxDrawdown,
		ActivePositions:    count,
		MaxPositions:       g.maxPos,
		MaxPortfolioValue:  g.cfg.PortfolioLimit,
		DailyLossLimit:     g.cfg.DailyLossLimit,
		RiskPerTrade:       g.cfg.RiskPerTrade,
		Liquidating:        g.liquidating,
		TradeCounts:        counts,
		Performance:        perf,
	}
}

// DailyPerformance summarises the current trading day
func (g *Guard) DailyPerformance() types.DailyPerformance {
	g.mu.Lock()
	defer g.mu.Unlock()
	day := g.day
	if day == "" {
		day = g.session.TradingDay(g.now())
	}
	return g.dailyPerformanceLocked(day)
}

func (g *Guard) dailyPerformanceLocked(day string) types.DailyPerformance {
	var trades, wins, losses int
	for _, n := range g.tradeCounts {
		trades += n
	}
	for _, r := range g.results {
		wins += r.WinningTrades
		losses += r.LosingTrades
	}
	return types.DailyPerformance{
		Date:           day,
		TotalPnL:       g.ledger.DailyPnL(),
		RealizedPnL:    g.ledger.RealizedPnL(),
		UnrealizedPnL:  g.ledger.UnrealizedPnL(),
		TradesCount:    trades,
		WinningTrades:  wins,
		LosingTrades:   losses,
		WinRate:        winRate(wins, losses),
		MaxDrawdown:    g.maxDrawdown,
		PortfolioValue: g.ledger.PortfolioValue(),
	}
}
