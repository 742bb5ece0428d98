package strategy

import "github.com/shopspring/decimal"

// TickSize is the minimum price increment for exchange-traded options
var TickSize = decimal.NewFromFloat(0.05)

// RoundToTick rounds price to the nearest TickSize multiple
func RoundToTick(price float64) float64 {
	return decimal.NewFromFloat(price).Div(TickSize).Round(0).Mul(TickSize).InexactFloat64()
}

// PositionSize returns the quantity that risks riskPerTrade of balance between
// entry and stop, rounded down to a lot multiple and clamped to [lot, max].
// A zero risk distance yields max.
func PositionSize(balance, riskPerTrade, entry, stop float64, lot, max int64) int64 {
	if lot <= 0 {
		lot = 1
	}
	if max < lot {
		max = lot
	}

	distance := decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(stop)).Abs()
	if distance.IsZero() {
		return max
	}

	budget := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(riskPerTrade))
	if budget.Sign() <= 0 {
		return lot
	}

	qty := budget.Div(distance).Floor().IntPart()
	qty -= qty % lot
	if qty < lot {
		return lot
	}
	if qty > max {
		return max - max%lot
	}
	return qty
}
