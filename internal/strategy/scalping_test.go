package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scalpingHarness() (*harness, *Scalping, *strategyEnv) {
	h := newHarness(nil)
	h.desk.instruments = []types.Instrument{
		{Symbol: "X", Kind: types.OptionCall, Strike: 1100},
		{Symbol: "W", Kind: types.OptionCall, Strike: 1050},
		{Symbol: "P", Kind: types.OptionPut, Strike: 1000},
	}
	h.price("X", 100)
	h.price("W", 250)
	h.price("P", 100)

	s := testSettings()
	s.StopLossPct = 0.15
	s.TargetPct = 0.25
	s.MaxHold = 15 * time.Minute
	sc := NewScalping(s)
	return h, sc, h.env(sc.Name(), sc.Settings())
}

func TestScalpingEntryOnBurst(t *testing.T) {
	h, sc, env := scalpingHarness()
	ctx := context.Background()
	zigzag(h, 1000, 20, 40, -30) // momentum over 5 periods = +20

	require.NoError(t, sc.Init(ctx, env))
	require.NoError(t, sc.Tick(ctx, env))

	reqs := h.orders.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "X", reqs[0].Symbol)
	assert.Equal(t, 100.0, reqs[0].Price)
	assert.Equal(t, 85.0, reqs[0].Tags.StopLoss)
	assert.Equal(t, 125.0, reqs[0].Tags.Target)

	// cooldown holds the next entry back
	require.NoError(t, sc.Tick(ctx, env))
	assert.Len(t, h.orders.requests(), 1)
}

func TestScalpingNeedsBurst(t *testing.T) {
	tests := []struct {
		name     string
		up, down float64
	}{
		{"flat", 0, 0},
		{"weak", 1, -0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, sc, env := scalpingHarness()
			zigzag(h, 1000, 20, tt.up, tt.down)
			require.NoError(t, sc.Tick(context.Background(), env))
			assert.Empty(t, h.orders.requests())
		})
	}
}

func TestScalpingInitRequiresUnderlying(t *testing.T) {
	h, sc, env := scalpingHarness()
	h.desk.underlying = ""
	assert.Error(t, sc.Init(context.Background(), env))
}

func TestScalpingExits(t *testing.T) {
	tests := []struct {
		name   string
		price  float64
		later  bool
		reason string
	}{
		{"quick profit", 66, false, "QUICK_PROFIT"},
		{"stop", 42, false, "STOP_LOSS"},
		{"target", 63, false, "TARGET_HIT"},
		{"max hold", 52, true, "TIME_EXIT"},
		{"hold", 55, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, sc, env := scalpingHarness()
			if tt.later {
				h.now = time.Now().Add(20 * time.Minute)
			}
			h.ledger.ApplyFill(types.Fill{
				Symbol: "Y", Side: types.SideBuy, Quantity: 25, Price: 50, Strategy: "scalping",
				Tags: types.Tags{StopLoss: 42.5, Target: 62.5},
			})
			h.price("Y", tt.price)

			require.NoError(t, sc.Tick(context.Background(), env))
			reqs := h.orders.requests()
			if tt.reason == "" {
				assert.Empty(t, reqs)
				return
			}
			require.Len(t, reqs, 1)
			assert.Equal(t, tt.reason, reqs[0].Tags.Reason)
			assert.Equal(t, types.OrderTypeMarket, reqs[0].OrderType)
			assert.Equal(t, int64(25), reqs[0].Quantity)
		})
	}
}
