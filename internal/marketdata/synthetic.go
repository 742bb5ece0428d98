package marketdata

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ksred/klear-trader/internal/types"
)

// Synthetic generates a random-walk underlying and prices the configured
// option universe off it. Used for paper runs when no live feed is wired.
type Synthetic struct {
	mu          sync.Mutex
	underlying  string
	spot        float64
	instruments []types.Instrument
	rng         *rand.Rand

	// Volatility is the standard deviation of one step's return
	Volatility float64
	// Drift is added to every step's return
	Drift float64

	now func() time.Time
}

func NewSynthetic(underlying string, spot float64, instruments []types.Instrument, seed int64) *Synthetic {
	return &Synthetic{
		underlying:  underlying,
		spot:        spot,
		instruments: append([]types.Instrument(nil), instruments...),
		rng:         rand.New(rand.NewSource(seed)),
		Volatility:  0.001,
		now:         time.Now,
	}
}

// Spot returns the current underlying level
func (s *Synthetic) Spot() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spot
}

// Next advances the walk one step and returns a tick for the underlying
// followed by one per instrument
func (s *Synthetic) Next() []types.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := s.Drift + s.rng.NormFloat64()*s.Volatility
	s.spot = roundTick(s.spot * (1 + ret))
	now := s.now()

	ticks := make([]types.Tick, 0, len(s.instruments)+1)
	ticks = append(ticks, types.Tick{
		Symbol:    s.underlying,
		LastPrice: s.spot,
		Volume:    1000 + s.rng.Int63n(9000),
		Time:      now,
	})
	for _, in := range s.instruments {
		ticks = append(ticks, types.Tick{
			Symbol:       in.Symbol,
			LastPrice:    OptionPrice(s.spot, in),
			Volume:       100 + s.rng.Int63n(4900),
			OpenInterest: 10000 + s.rng.Int63n(90000),
			Time:         now,
		})
	}
	return ticks
}

// Run emits a batch of ticks every interval until ctx is done
func (s *Synthetic) Run(ctx context.Context, interval time.Duration, fn func(types.Tick)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range s.Next() {
				fn(t)
			}
		}
	}
}

// OptionPrice is intrinsic value plus a time value that decays with distance
// from the money. It is a rough stand-in, not a pricing model.
func OptionPrice(spot float64, in types.Instrument) float64 {
	var intrinsic float64
	switch in.Kind {
	case types.OptionCall:
		intrinsic = math.Max(spot-in.Strike, 0)
	case types.OptionPut:
		intrinsic = math.Max(in.Strike-spot, 0)
	}
	distance := math.Abs(spot-in.Strike) / spot
	timeValue := spot * 0.006 * math.Exp(-distance/0.02)
	return math.Max(roundTick(intrinsic+timeValue), 0.05)
}

func roundTick(p float64) float64 {
	return math.Round(p*20) / 20
}

// Chain builds a call and put for every strike within width steps of spot.
// Symbols follow the underlying+strike+CE/PE convention.
func Chain(underlying string, spot, step float64, width int) []types.Instrument {
	if step <= 0 {
		return nil
	}
	atm := math.Round(spot/step) * step
	out := make([]types.Instrument, 0, 2*(2*width+1))
	for i := -width; i <= width; i++ {
		strike := atm + float64(i)*step
		if strike <= 0 {
			continue
		}
		out = append(out,
			types.Instrument{Symbol: fmt.Sprintf("%s%.0fCE", underlying, strike), Kind: types.OptionCall, Strike: strike},
			types.Instrument{Symbol: fmt.Sprintf("%s%.0fPE", underlying, strike), Kind: types.OptionPut, Strike: strike},
		)
	}
	return out
}
