package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/orders"
	"github.com/ksred/klear-trader/internal/positions"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlacer struct {
	placed    []orders.Request
	working   map[string]int64 // symbol|side
	cancelled []string
	failN     int
}

func newFakePlacer() *fakePlacer {
	return &fakePlacer{working: make(map[string]int64)}
}

func (f *fakePlacer) Place(ctx context.Context, req orders.Request) (*types.Order, error) {
	f.placed = append(f.placed, req)
	if f.failN > 0 {
		f.failN--
		return nil, errors.New("broker down")
	}
	f.working[req.Symbol+"|"+string(req.Side)] += req.Quantity
	return &types.Order{OrderID: "o-" + req.Symbol, Symbol: req.Symbol, Status: types.StatusOpen}, nil
}

func (f *fakePlacer) WorkingQuantity(symbol string, side types.Side) int64 {
	return f.working[symbol+"|"+string(side)]
}

func (f *fakePlacer) CancelWorking(ctx context.Context, symbol string, side types.Side, strategy string) (int, error) {
	key := symbol + "|" + string(side)
	if f.working[key] == 0 {
		return 0, nil
	}
	delete(f.working, key)
	f.cancelled = append(f.cancelled, key)
	return 1, nil
}

type fakeQuotes map[string]float64

func (q fakeQuotes) GetQuote(ctx context.Context, symbol string) (types.Quote, error) {
	p, ok := q[symbol]
	if !ok {
		return types.Quote{}, errors.New("no quote")
	}
	return types.Quote{Symbol: symbol, LastPrice: p}, nil
}

var day1 = time.Date(2024, 1, 10, 5, 0, 0, 0, time.UTC) // 10:30 in Asia/Kolkata

func newTestGuard(mutate func(*config.Config)) (*Guard, *positions.Ledger, *fakePlacer) {
	cfg := config.Default()
	cfg.Risk.DailyLossLimit = 100
	cfg.Risk.PortfolioLimit = 1_000_000
	if mutate != nil {
		mutate(&cfg)
	}
	ledger := positions.NewLedger(nil)
	placer := newFakePlacer()
	g := NewGuard(cfg, ledger, placer, fakeQuotes{}, nil)
	return g, ledger, placer
}

func eventTypes(evs []types.RiskEvent) []types.RiskEventType {
	out := make([]types.RiskEventType, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestLiquidationExactlyOncePerEpisode(t *testing.T) {
	g, ledger, placer := newTestGuard(nil)
	ctx := context.Background()

	ledger.Apply("A", 10, 100, "momentum")
	ledger.Apply("B", -5, 50, "scalping")
	ledger.MarkPrices(map[string]float64{"A": 85}) // -150

	evs := g.Evaluate(ctx, day1)
	assert.Equal(t, []types.RiskEventType{types.RiskDailyLossBreach}, eventTypes(evs))
	assert.Equal(t, types.SeverityCritical, evs[0].Severity)
	require.Len(t, placer.placed, 2)
	assert.Equal(t, types.SideSell, placer.placed[0].Side)
	assert.Equal(t, int64(10), placer.placed[0].Quantity)
	assert.Equal(t, types.SideBuy, placer.placed[1].Side)
	assert.Equal(t, StrategyTag, placer.placed[1].Strategy)

	evs = g.Evaluate(ctx, day1.Add(10*time.Second))
	assert.Empty(t, evs)
	assert.Len(t, placer.placed, 2)
	assert.True(t, g.Snapshot().Liquidating)
}

func TestFailedLiquidationIsRetried(t *testing.T) {
	g, ledger, placer := newTestGuard(nil)
	ctx := context.Background()
	placer.failN = 1

	ledger.Apply("A", 10, 100, "momentum")
	ledger.MarkPrice("A", 80)

	evs := g.Evaluate(ctx, day1)
	assert.Equal(t, []types.RiskEventType{types.RiskDailyLossBreach, types.RiskLiquidationFailed}, eventTypes(evs))

	evs = g.Evaluate(ctx, day1.Add(10*time.Second))
	assert.Empty(t, evs)
	assert.Len(t, placer.placed, 2)
	assert.Equal(t, int64(10), placer.WorkingQuantity("A", types.SideSell))
}

func TestLiquidationUsesFreshQuote(t *testing.T) {
	cfg := config.Default()
	cfg.Risk.DailyLossLimit = 100
	ledger := positions.NewLedger(nil)
	placer := newFakePlacer()
	g := NewGuard(cfg, ledger, placer, fakeQuotes{"A": 70}, nil)

	ledger.Apply("A", 10, 100, "momentum")
	ledger.MarkPrice("A", 80)
	g.Evaluate(context.Background(), day1)

	pos, ok := ledger.Get("A")
	require.True(t, ok)
	assert.Equal(t, 70.0, pos.MarkPrice)
}

func TestBreachEpisodeEndsOnRecovery(t *testing.T) {
	g, ledger, placer := newTestGuard(nil)
	ctx := context.Background()

	ledger.Apply("A", 10, 100, "momentum")
	ledger.MarkPrice("A", 80)
	g.Evaluate(ctx, day1)

	ledger.MarkPrice("A", 100)
	assert.Empty(t, g.Evaluate(ctx, day1.Add(time.Minute)))
	assert.False(t, g.Snapshot().Liquidating)

	// a new episode liquidates again once the earlier order is gone
	placer.working = map[string]int64{}
	ledger.MarkPrice("A", 80)
	evs := g.Evaluate(ctx, day1.Add(2*time.Minute))
	assert.Equal(t, []types.RiskEventType{types.RiskDailyLossBreach}, eventTypes(evs))
	assert.Len(t, placer.placed, 2)
}

func TestDailyResetClearsState(t *testing.T) {
	g, ledger, _ := newTestGuard(nil)
	ctx := context.Background()
	g.RegisterStrategy("momentum", Limits{MaxTradesPerDay: 1})

	ledger.Apply("A", 10, 100, "momentum")
	ledger.MarkPrice("A", 80)
	g.Evaluate(ctx, day1)
	g.RecordTrade("momentum")
	assert.False(t, g.CanOpenTrade("momentum").Allowed)

	evs := g.Evaluate(ctx, day1.Add(24*time.Hour))
	assert.Equal(t, []types.RiskEventType{types.RiskDailyReset}, eventTypes(evs))
	assert.InDelta(t, 0, ledger.DailyPnL(), 1e-9)

	state := g.Snapshot()
	assert.Equal(t, "2024-01-11", state.TradingDay)
	assert.False(t, state.Liquidating)
	assert.Empty(t, state.TradeCounts)
	assert.True(t, g.CanOpenTrade("momentum").Allowed)
}

func TestPortfolioBreachOncePerEpisode(t *testing.T) {
	g, ledger, placer := newTestGuard(func(c *config.Config) { c.Risk.PortfolioLimit = 1500 })
	ctx := context.Background()

	ledger.Apply("A", 20, 100, "momentum")

	evs := g.Evaluate(ctx, day1)
	require.Equal(t, []types.RiskEventType{types.RiskPortfolioLimitBreach}, eventTypes(evs))
	assert.Equal(t, types.ActionReducePositions, evs[0].Action)
	assert.Empty(t, g.Evaluate(ctx, day1.Add(time.Second)))
	assert.Empty(t, placer.placed)

	_, err := ledger.ClosePartial("A", 10, 100)
	require.NoError(t, err)
	assert.Empty(t, g.Evaluate(ctx, day1.Add(2*time.Second)))

	ledger.Apply("A", 10, 100, "momentum")
	assert.Len(t, g.Evaluate(ctx, day1.Add(3*time.Second)), 1)
}

func TestStopLossFlagOnly(t *testing.T) {
	g, ledger, placer := newTestGuard(func(c *config.Config) { c.Risk.DailyLossLimit = 1e9 })
	ctx := context.Background()

	ledger.ApplyFill(types.Fill{Symbol: "A", Side: types.SideBuy, Quantity: 10, Price: 100, Tags: types.Tags{StopLoss: 90}})
	ledger.MarkPrice("A", 89)

	evs := g.Evaluate(ctx, day1)
	require.Equal(t, []types.RiskEventType{types.RiskStopLossHit}, eventTypes(evs))
	assert.Equal(t, types.ActionNone, evs[0].Action)
	assert.Empty(t, placer.placed)

	assert.Empty(t, g.Evaluate(ctx, day1.Add(time.Second)))

	// recovers, then breaches again
	ledger.MarkPrice("A", 95)
	assert.Empty(t, g.Evaluate(ctx, day1.Add(2*time.Second)))
	ledger.MarkPrice("A", 88)
	assert.Len(t, g.Evaluate(ctx, day1.Add(3*time.Second)), 1)
}

func TestStopLossAutoClose(t *testing.T) {
	g, ledger, placer := newTestGuard(func(c *config.Config) {
		c.Risk.DailyLossLimit = 1e9
		c.Risk.AutoCloseStopLoss = true
	})

	ledger.ApplyFill(types.Fill{Symbol: "S", Side: types.SideSell, Quantity: 4, Price: 100, Tags: types.Tags{StopLoss: 110}})
	ledger.MarkPrice("S", 111)

	evs := g.Evaluate(context.Background(), day1)
	require.Len(t, evs, 1)
	assert.Equal(t, types.ActionClosePosition, evs[0].Action)
	require.Len(t, placer.placed, 1)
	assert.Equal(t, types.SideBuy, placer.placed[0].Side)
	assert.Equal(t, int64(4), placer.placed[0].Quantity)
}

func TestDrawdownTracking(t *testing.T) {
	g, ledger, _ := newTestGuard(func(c *config.Config) { c.Risk.DailyLossLimit = 1e9 })
	ctx := context.Background()

	ledger.Apply("A", 10, 100, "momentum")
	g.Evaluate(ctx, day1)

	ledger.MarkPrice("A", 80)
	g.Evaluate(ctx, day1)
	assert.InDelta(t, 0.2, g.Snapshot().MaxDrawdown, 1e-9)

	ledger.MarkPrice("A", 90)
	g.Evaluate(ctx, day1)
	s := g.Snapshot()
	assert.InDelta(t, 0.2, s.MaxDrawdown, 1e-9)
	assert.InDelta(t, 0.1, s.CurrentDrawdown, 1e-9)

	ledger.MarkPrice("A", 120)
	g.Evaluate(ctx, day1)
	s = g.Snapshot()
	assert.Equal(t, 1200.0, s.PeakPortfolioValue)
	assert.InDelta(t, 0.2, s.MaxDrawdown, 1e-9)
	assert.InDelta(t, 0, s.CurrentDrawdown, 1e-9)
}

func TestCanOpenTrade(t *testing.T) {
	g, ledger, _ := newTestGuard(func(c *config.Config) { c.Trading.MaxPositions = 3 })
	g.RegisterStrategy("scalping", Limits{MaxPositions: 2, MaxTradesPerDay: 2})
	g.RegisterStrategy("momentum", Limits{MaxPositions: 5})

	assert.True(t, g.CanOpenTrade("scalping").Allowed)

	ledger.Apply("A", 1, 10, "x")
	ledger.Apply("B", 1, 10, "x")
	d := g.CanOpenTrade("scalping")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "position limit 2")

	// global cap is tighter than momentum's own
	assert.True(t, g.CanOpenTrade("momentum").Allowed)
	ledger.Apply("C", 1, 10, "x")
	assert.Contains(t, g.CanOpenTrade("momentum").Reason, "position limit 3")

	g2, ledger2, _ := newTestGuard(nil)
	g2.RegisterStrategy("scalping", Limits{MaxTradesPerDay: 2})
	g2.RecordTrade("scalping")
	g2.RecordTrade("scalping")
	assert.Contains(t, g2.CanOpenTrade("scalping").Reason, "trade limit")
	assert.True(t, g2.CanOpenTrade("other").Allowed)

	ledger2.Apply("Z", 10, 100, "x")
	ledger2.MarkPrice("Z", 90)
	d = g2.CanOpenTrade("other")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "daily loss")
}

func TestLiquidationCancelsWorkingEntries(t *testing.T) {
	g, ledger, placer := newTestGuard(nil)
	placer.working["A|BUY"] = 15

	ledger.Apply("A", 10, 100, "momentum")
	ledger.MarkPrice("A", 80)
	g.Evaluate(context.Background(), day1)

	assert.Equal(t, []string{"A|BUY"}, placer.cancelled)
	require.Len(t, placer.placed, 1)
	assert.Equal(t, int64(10), placer.placed[0].Quantity)
}

func TestStrategyPerformance(t *testing.T) {
	g, _, _ := newTestGuard(nil)
	g.RecordTrade("momentum")
	g.RecordTrade("momentum")

	g.RecordFill(types.Fill{Strategy: "momentum", Quantity: 25})
	g.RecordFill(types.Fill{Strategy: "momentum", Quantity: 25, ClosedQuantity: 25, RealizedPnL: 150, PositionStrategy: "momentum"})
	g.RecordFill(types.Fill{Strategy: "momentum", Quantity: 10, ClosedQuantity: 10, RealizedPnL: -40, PositionStrategy: "momentum"})
	// a guard liquidation is credited to the strategy that held the position
	g.RecordFill(types.Fill{Strategy: StrategyTag, Quantity: 5, ClosedQuantity: 5, RealizedPnL: 0, PositionStrategy: "momentum"})
	g.RecordFill(types.Fill{Strategy: "scalping", Quantity: 5, ClosedQuantity: 5, RealizedPnL: 20})

	p := g.Performance("momentum")
	assert.InDelta(t, 110, p.PnLToday, 1e-9)
	assert.Equal(t, 2, p.TradesToday)
	assert.Equal(t, 1, p.WinningTrades)
	assert.Equal(t, 2, p.LosingTrades)
	assert.InDelta(t, 100.0/3, p.WinRate, 1e-9)

	state := g.Snapshot()
	assert.Equal(t, 1, state.Performance["scalping"].WinningTrades)
	assert.InDelta(t, 100, state.Performance["scalping"].WinRate, 1e-9)

	g.Evaluate(context.Background(), day1)
	daily := g.DailyPerformance()
	assert.Equal(t, 2, daily.WinningTrades)
	assert.Equal(t, 2, daily.LosingTrades)
	assert.InDelta(t, 50, daily.WinRate, 1e-9)

	g.Evaluate(context.Background(), day1.Add(24*time.Hour))
	assert.Equal(t, StrategyPerformance{}, g.Performance("momentum"))
	assert.Empty(t, g.Snapshot().Performance)
}

func paperDesk(t *testing.T, symbol string, price float64) (*broker.Paper, *positions.Ledger, *orders.Registry) {
	t.Helper()
	paper := broker.NewPaper(broker.PaperVenue{AcceptRate: 1, FillRate: 1, LiquidityFactor: 1, Balance: 100000}, 1)
	paper.SetPrice(symbol, price)
	ledger := positions.NewLedger(nil)
	return paper, ledger, orders.NewRegistry(paper, ledger, nil)
}

func settle(t *testing.T, paper *broker.Paper, registry *orders.Registry) {
	t.Helper()
	for i := 0; i < 2; i++ {
		snaps, err := paper.ListOrders(context.Background())
		require.NoError(t, err)
		registry.Reconcile(snaps)
	}
}

func TestLiquidationDoesNotStackOnStrategyExit(t *testing.T) {
	ctx := context.Background()
	paper, ledger, registry := paperDesk(t, "A", 85)
	cfg := config.Default()
	cfg.Risk.DailyLossLimit = 100
	g := NewGuard(cfg, ledger, registry, nil, nil)

	ledger.Apply("A", 10, 100, "momentum")
	ledger.MarkPrice("A", 85)
	_, err := registry.Place(ctx, orders.Request{
		Symbol: "A", Side: types.SideSell, OrderType: types.OrderTypeMarket, Quantity: 10, Strategy: "momentum",
	})
	require.NoError(t, err)

	evs := g.Evaluate(ctx, day1)
	assert.Equal(t, []types.RiskEventType{types.RiskDailyLossBreach}, eventTypes(evs))
	assert.Empty(t, registry.List(orders.Filter{Strategy: StrategyTag}))

	settle(t, paper, registry)
	_, held := ledger.Get("A")
	assert.False(t, held)
	assert.Zero(t, ledger.Count())
}

func TestLiquidationClosesOnlyTheUncoveredRest(t *testing.T) {
	ctx := context.Background()
	paper, ledger, registry := paperDesk(t, "A", 85)
	cfg := config.Default()
	cfg.Risk.DailyLossLimit = 100
	g := NewGuard(cfg, ledger, registry, nil, nil)

	ledger.Apply("A", 10, 100, "momentum")
	ledger.MarkPrice("A", 85)
	_, err := registry.Place(ctx, orders.Request{
		Symbol: "A", Side: types.SideSell, OrderType: types.OrderTypeMarket, Quantity: 4, Strategy: "momentum",
	})
	require.NoError(t, err)

	g.Evaluate(ctx, day1)
	guardOrders := registry.List(orders.Filter{Strategy: StrategyTag})
	require.Len(t, guardOrders, 1)
	assert.Equal(t, int64(6), guardOrders[0].Quantity)

	// a second pass while both are working adds nothing
	g.Evaluate(ctx, day1.Add(time.Second))
	assert.Len(t, registry.List(orders.Filter{Strategy: StrategyTag}), 1)

	settle(t, paper, registry)
	assert.Zero(t, ledger.Count())
}
