package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMA(t *testing.T) {
	v, ok := SMA([]float64{1, 2, 3, 4, 5}, 2)
	assert.True(t, ok)
	assert.Equal(t, 4.5, v)

	_, ok = SMA([]float64{1}, 2)
	assert.False(t, ok)
}

func TestRSI(t *testing.T) {
	v, ok := RSI([]float64{1, 2, 3, 4}, 3)
	assert.True(t, ok)
	assert.Equal(t, 100.0, v)

	// gains 2, losses 1 over 2 periods -> rs 2
	v, ok = RSI([]float64{10, 12, 11}, 2)
	assert.True(t, ok)
	assert.InDelta(t, 66.6667, v, 1e-3)

	_, ok = RSI([]float64{1, 2}, 2)
	assert.False(t, ok)
}

func TestVolatility(t *testing.T) {
	assert.Zero(t, Volatility([]float64{100}))
	assert.Zero(t, Volatility([]float64{100, 101}))
	assert.InDelta(t, 0, Volatility([]float64{100, 110, 121}), 1e-12)

	// returns +10%, -10%: mean 0, sample variance 0.02
	assert.InDelta(t, 0.141421, Volatility([]float64{100, 110, 99}), 1e-6)
}

func TestPriceChange(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	v, ok := PriceChange(prices, 10)
	assert.True(t, ok)
	assert.Equal(t, 9.0, v)

	_, ok = PriceChange(prices[:3], 5)
	assert.False(t, ok)
}

func TestPositionSize(t *testing.T) {
	tests := []struct {
		name                       string
		balance, risk, entry, stop float64
		lot, max                   int64
		want                       int64
	}{
		{"lot rounded", 100000, 0.02, 100, 75, 25, 200, 75},
		{"clamped to max", 100000, 0.02, 100, 99, 25, 100, 100},
		{"max not lot aligned", 100000, 0.02, 100, 99, 25, 110, 100},
		{"at least one lot", 1000, 0.02, 100, 50, 25, 100, 25},
		{"zero distance", 1000, 0.02, 100, 100, 25, 100, 100},
		{"short side", 100000, 0.02, 100, 125, 25, 200, 75},
		{"zero lot", 1000, 0.02, 100, 90, 0, 10, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PositionSize(tt.balance, tt.risk, tt.entry, tt.stop, tt.lot, tt.max)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoundToTick(t *testing.T) {
	assert.Equal(t, 37.5, RoundToTick(37.5))
	assert.Equal(t, 99.5, RoundToTick(99.52))
	assert.Equal(t, 99.55, RoundToTick(99.53))
	assert.Equal(t, 10.0, RoundToTick(9.99))
}
