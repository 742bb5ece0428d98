package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zigzag feeds n underlying prices starting at start, alternating up and down
// moves so that RSI and volatility stay inside the entry bands
func zigzag(h *harness, start float64, n int, up, down float64) {
	p := start
	h.price("NIFTY", p)
	for i := 0; i < n-1; i++ {
		if i%2 == 0 {
			p += up
		} else {
			p += down
		}
		h.price("NIFTY", p)
	}
}

func momentumHarness() (*harness, *Momentum, *strategyEnv) {
	h := newHarness(nil)
	h.desk.instruments = []types.Instrument{
		{Symbol: "CE1330", Kind: types.OptionCall, Strike: 1330},
		{Symbol: "CE1500", Kind: types.OptionCall, Strike: 1500},
		{Symbol: "PE700", Kind: types.OptionPut, Strike: 700},
	}
	for _, inst := range h.desk.instruments {
		h.price(inst.Symbol, 50)
	}
	m := NewMomentum(testSettings())
	return h, m, h.env(m.Name(), m.Settings())
}

func TestMomentumBullishEntry(t *testing.T) {
	h, m, env := momentumHarness()
	ctx := context.Background()
	zigzag(h, 1000, 50, 40, -30) // ends at 1280, momentum10 = +80

	require.NoError(t, m.Init(ctx, env))
	require.NoError(t, m.Tick(ctx, env))

	reqs := h.orders.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "CE1330", reqs[0].Symbol)
	assert.Equal(t, types.SideBuy, reqs[0].Side)
	assert.Equal(t, types.OrderTypeLimit, reqs[0].OrderType)
	assert.Equal(t, 50.0, reqs[0].Price)
	assert.Equal(t, 37.5, reqs[0].Tags.StopLoss)
	assert.Equal(t, 75.0, reqs[0].Tags.Target)
	assert.Equal(t, "momentum_entry_bullish", reqs[0].Tags.Reason)

	// the same signal is debounced
	h.now = h.now.Add(time.Minute)
	require.NoError(t, m.Tick(ctx, env))
	assert.Len(t, h.orders.requests(), 1)
}

func TestMomentumBearishEntry(t *testing.T) {
	h, m, env := momentumHarness()
	zigzag(h, 1000, 50, -40, 30) // ends at 720

	require.NoError(t, m.Tick(context.Background(), env))
	reqs := h.orders.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "PE700", reqs[0].Symbol)
}

func TestMomentumNeedsHistory(t *testing.T) {
	h, m, env := momentumHarness()
	zigzag(h, 1000, 20, 40, -30)

	require.NoError(t, m.Tick(context.Background(), env))
	assert.Empty(t, h.orders.requests())
}

func TestMomentumSkipsWhenFull(t *testing.T) {
	h, m, env := momentumHarness()
	zigzag(h, 1000, 50, 40, -30)
	h.ledger.Apply("X1", 25, 50, "momentum")
	h.ledger.Apply("X2", 25, 50, "momentum")

	require.NoError(t, m.Tick(context.Background(), env))
	assert.Empty(t, h.orders.requests())
}

func TestMomentumExits(t *testing.T) {
	tests := []struct {
		name     string
		tags     types.Tags
		price    float64
		later    bool
		reason   string
		quantity int64
	}{
		{"stop", types.Tags{StopLoss: 75, Target: 150}, 70, false, "STOP_LOSS", 50},
		{"target", types.Tags{StopLoss: 75, Target: 150}, 155, false, "TARGET_HIT", 50},
		{"max hold", types.Tags{StopLoss: 75, Target: 150}, 100, true, "TIME_EXIT", 50},
		{"partial profit", types.Tags{StopLoss: 75}, 180, false, "PARTIAL_PROFIT", 25},
		{"hold", types.Tags{StopLoss: 75, Target: 150}, 110, false, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, m, env := momentumHarness()
			if tt.later {
				h.now = time.Now().Add(3 * time.Hour)
			}
			h.ledger.ApplyFill(types.Fill{Symbol: "CE1", Side: types.SideBuy, Quantity: 50, Price: 100, Strategy: "momentum", Tags: tt.tags})
			h.price("CE1", tt.price)

			require.NoError(t, m.Tick(context.Background(), env))
			reqs := h.orders.requests()
			if tt.reason == "" {
				assert.Empty(t, reqs)
				return
			}
			require.Len(t, reqs, 1)
			assert.Equal(t, tt.reason, reqs[0].Tags.Reason)
			assert.Equal(t, types.SideSell, reqs[0].Side)
			assert.Equal(t, types.OrderTypeLimit, reqs[0].OrderType)
			assert.Equal(t, tt.quantity, reqs[0].Quantity)
			assert.InDelta(t, RoundToTick(tt.price*0.995), reqs[0].Price, 1e-9)
		})
	}
}

func TestMomentumPartialProfitOnce(t *testing.T) {
	h, m, env := momentumHarness()
	h.ledger.ApplyFill(types.Fill{Symbol: "CE1", Side: types.SideBuy, Quantity: 50, Price: 100, Strategy: "momentum"})
	h.price("CE1", 180)

	require.NoError(t, m.Tick(context.Background(), env))
	require.NoError(t, m.Tick(context.Background(), env))
	assert.Len(t, h.orders.requests(), 1)
}

func TestMomentumReversalExit(t *testing.T) {
	h, m, env := momentumHarness()
	h.desk.instruments = nil
	h.ledger.Apply("CE1330", 50, 50, "momentum")
	m.entries["CE1330"] = bullish
	zigzag(h, 1000, 50, -40, 30)

	require.NoError(t, m.Tick(context.Background(), env))
	reqs := h.orders.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "MOMENTUM_REVERSAL", reqs[0].Tags.Reason)
}

func TestMomentumFlatten(t *testing.T) {
	h, m, env := momentumHarness()
	h.ledger.Apply("CE1", 50, 100, "momentum")
	h.ledger.Apply("CE2", 25, 100, "momentum")
	h.ledger.Apply("CE3", 25, 100, "scalping")

	require.NoError(t, m.Flatten(context.Background(), env))
	reqs := h.orders.requests()
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, types.OrderTypeMarket, r.OrderType)
		assert.Equal(t, "SHUTDOWN", r.Tags.Reason)
	}
}

func TestOptionScore(t *testing.T) {
	call := types.Instrument{Kind: types.OptionCall, Strike: 1050}
	put := types.Instrument{Kind: types.OptionPut, Strike: 950}

	assert.InDelta(t, 15, optionScore(call, 1000, 50, 0), 1e-9)
	assert.InDelta(t, 15, optionScore(put, 1000, 50, 0), 1e-9)
	assert.InDelta(t, 25, optionScore(call, 1000, 50, 1_000_000), 1e-9)
	// in the money earns no moneyness score
	assert.InDelta(t, 10, optionScore(call, 1100, 50, 0), 1e-9)
	assert.InDelta(t, 0, optionScore(call, 1100, 200, 0), 1e-9)
}
