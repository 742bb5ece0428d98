package strategy

import "math"

// SMA is the simple average of the last n prices
func SMA(prices []float64, n int) (float64, bool) {
	if n <= 0 || len(prices) < n {
		return 0, false
	}
	var sum float64
	for _, p := range prices[len(prices)-n:] {
		sum += p
	}
	return sum / float64(n), true
}

// RSI over the last n price changes using simple averages of gains and losses
func RSI(prices []float64, n int) (float64, bool) {
	if n <= 0 || len(prices) < n+1 {
		return 0, false
	}
	window := prices[len(prices)-n-1:]
	var gains, losses float64
	for i := 1; i < len(window); i++ {
		change := window[i] - window[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(n)
	avgLoss := losses / float64(n)
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// Volatility is the sample standard deviation of simple returns
func Volatility(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] > 0 {
			returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
		}
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}

// PriceChange is the last price minus the price k periods back (inclusive of
// the last), so PriceChange(p, 10) compares p[n-1] with p[n-10].
func PriceChange(prices []float64, k int) (float64, bool) {
	if k <= 0 || len(prices) < k {
		return 0, false
	}
	return prices[len(prices)-1] - prices[len(prices)-k], true
}
