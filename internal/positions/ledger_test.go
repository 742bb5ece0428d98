package positions

import (
	"context"
	"errors"
	"testing"

	"github.com/ksred/klear-trader/internal/events"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buy(symbol string, qty int64, price float64) types.Fill {
	return types.Fill{Symbol: symbol, Side: types.SideBuy, Quantity: qty, Price: price, Strategy: "test"}
}

func sell(symbol string, qty int64, price float64) types.Fill {
	return types.Fill{Symbol: symbol, Side: types.SideSell, Quantity: qty, Price: price, Strategy: "test"}
}

func TestWeightedAverageOnSameDirectionFills(t *testing.T) {
	l := NewLedger(nil)

	l.ApplyFill(buy("X", 10, 100))
	l.ApplyFill(buy("X", 5, 130))

	pos, ok := l.Get("X")
	require.True(t, ok)
	assert.Equal(t, int64(15), pos.Quantity)
	assert.InDelta(t, 110, pos.AveragePrice, 1e-9)
}

func TestClosePartialRealizesAndKeepsAverage(t *testing.T) {
	l := NewLedger(nil)
	l.ApplyFill(buy("X", 10, 100))
	l.ApplyFill(buy("X", 5, 130))

	realized, err := l.ClosePartial("X", 5, 140)
	require.NoError(t, err)
	assert.InDelta(t, 150, realized, 1e-9)

	pos, _ := l.Get("X")
	assert.Equal(t, int64(10), pos.Quantity)
	assert.InDelta(t, 110, pos.AveragePrice, 1e-9)
	assert.InDelta(t, 150, l.RealizedPnL(), 1e-9)
}

func TestShortPositionPnL(t *testing.T) {
	l := NewLedger(nil)
	l.ApplyFill(sell("X", 10, 100))

	l.MarkPrice("X", 90)
	pos, _ := l.Get("X")
	assert.True(t, pos.IsShort())
	assert.InDelta(t, 100, pos.UnrealizedPnL, 1e-9)

	rz := l.ApplyFill(buy("X", 4, 95))
	assert.InDelta(t, 20, rz.PnL, 1e-9)
	assert.Equal(t, int64(4), rz.Quantity)
	pos, _ = l.Get("X")
	assert.Equal(t, int64(-6), pos.Quantity)
}

func TestCloseCapsAtPositionAndRemoves(t *testing.T) {
	l := NewLedger(nil)
	l.ApplyFill(buy("X", 10, 100))

	realized, err := l.ClosePartial("X", 25, 90)
	require.NoError(t, err)
	assert.InDelta(t, -100, realized, 1e-9)

	_, ok := l.Get("X")
	assert.False(t, ok)
	assert.Zero(t, l.Count())
	assert.InDelta(t, -100, l.TotalPnL(), 1e-9)
}

func TestClosePartialWithoutPosition(t *testing.T) {
	l := NewLedger(nil)
	_, err := l.ClosePartial("X", 1, 100)
	assert.True(t, errors.Is(err, ErrNoPosition))
}

func TestOversizedClosingFillFlipsPosition(t *testing.T) {
	l := NewLedger(nil)
	l.ApplyFill(buy("X", 10, 100))

	rz := l.ApplyFill(sell("X", 15, 110))
	assert.InDelta(t, 100, rz.PnL, 1e-9)
	assert.Equal(t, int64(10), rz.Quantity)

	pos, ok := l.Get("X")
	require.True(t, ok)
	assert.Equal(t, int64(-5), pos.Quantity)
	assert.InDelta(t, 110, pos.AveragePrice, 1e-9)
}

func TestStopAndTargetTagsStoredOnOpen(t *testing.T) {
	l := NewLedger(nil)
	f := buy("X", 10, 100)
	f.Tags = types.Tags{StopLoss: 80, Target: 130}
	l.ApplyFill(f)

	pos, _ := l.Get("X")
	assert.Equal(t, 80.0, pos.StopLoss)
	assert.Equal(t, 130.0, pos.Target)

	require.NoError(t, l.SetLevels("X", 85, 140))
	pos, _ = l.Get("X")
	assert.Equal(t, 85.0, pos.StopLoss)
	assert.True(t, errors.Is(l.SetLevels("Y", 1, 2), ErrNoPosition))
}

func TestValuationAndDailyPnL(t *testing.T) {
	l := NewLedger(nil)
	l.ApplyFill(buy("A", 10, 100))
	l.ApplyFill(sell("B", 5, 50))

	l.MarkPrices(map[string]float64{"A": 110, "B": 60, "UNKNOWN": 5})

	assert.InDelta(t, 10*110+5*60, l.PortfolioValue(), 1e-9)
	assert.InDelta(t, 100-50, l.UnrealizedPnL(), 1e-9)
	assert.InDelta(t, 50, l.TotalPnL(), 1e-9)
	assert.InDelta(t, 50, l.DailyPnL(), 1e-9)

	l.ResetDaily()
	assert.InDelta(t, 0, l.DailyPnL(), 1e-9)

	l.MarkPrice("A", 100)
	assert.InDelta(t, -100, l.DailyPnL(), 1e-9)
}

func TestByStrategy(t *testing.T) {
	l := NewLedger(nil)
	l.Apply("A", 10, 100, "momentum")
	l.Apply("B", 10, 100, "scalping")
	l.Apply("C", -10, 100, "momentum")

	got := l.ByStrategy("momentum")
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Symbol)
	assert.Equal(t, "C", got[1].Symbol)
}

type staticPositions []types.BrokerPositionSnapshot

func (s staticPositions) GetPositions(ctx context.Context) ([]types.BrokerPositionSnapshot, error) {
	return s, nil
}

func TestSyncSeedsFromBroker(t *testing.T) {
	l := NewLedger(nil)
	err := l.Sync(context.Background(), staticPositions{
		{Symbol: "A", NetQuantity: 25, AveragePrice: 100, LastPrice: 104},
		{Symbol: "B", NetQuantity: 0, AveragePrice: 50},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, l.Count())
	pos, _ := l.Get("A")
	assert.InDelta(t, 100, pos.UnrealizedPnL, 1e-9)
}

func TestSyncDropsPositionsTheBrokerNoLongerHolds(t *testing.T) {
	bus := events.NewBus(16)
	l := NewLedger(bus)
	l.ApplyFill(buy("GONE", 10, 100))
	l.ApplyFill(buy("KEPT", 25, 50))
	require.NoError(t, l.SetLevels("KEPT", 45, 60))

	err := l.Sync(context.Background(), staticPositions{
		{Symbol: "KEPT", NetQuantity: 25, AveragePrice: 50, LastPrice: 52},
		{Symbol: "FLAT", NetQuantity: 0, AveragePrice: 80},
	})
	require.NoError(t, err)
	bus.Close()

	_, ok := l.Get("GONE")
	assert.False(t, ok)
	kept, ok := l.Get("KEPT")
	require.True(t, ok)
	assert.Equal(t, "test", kept.Strategy)
	assert.Equal(t, 45.0, kept.StopLoss)
	assert.Equal(t, 1, l.Count())

	var closed []string
	bus.Subscribe("test", func(e events.Event) {
		if e.Kind == events.KindPositionClosed {
			closed = append(closed, e.Symbol)
		}
	})
	bus.Run(context.Background())
	assert.Equal(t, []string{"GONE"}, closed)
}

func TestMutationsPublishEvents(t *testing.T) {
	bus := events.NewBus(16)
	l := NewLedger(bus)

	l.ApplyFill(buy("X", 10, 100))
	_, err := l.ClosePartial("X", 10, 101)
	require.NoError(t, err)
	bus.Close()

	var kinds []events.Kind
	bus.Subscribe("test", func(e events.Event) { kinds = append(kinds, e.Kind) })
	bus.Run(context.Background())

	assert.Equal(t, []events.Kind{events.KindPosition, events.KindPositionClosed}, kinds)
}
