package marketdata

import (
	"sync"
	"time"

	"github.com/ksred/klear-trader/internal/types"
)

const (
	DefaultHistoryCap  = 100
	DefaultHistoryTrim = 50
)

type series struct {
	last    types.Tick
	prices  []float64
	volumes []int64
}

// PriceBook holds the latest tick and a bounded price history per symbol. It
// is fed by a market-data collaborator through OnTick.
type PriceBook struct {
	mu     sync.RWMutex
	data   map[string]*series
	cap    int
	trim   int
	subs   []func(types.Tick)
	subsMu sync.RWMutex
}

// NewPriceBook creates a book. When a symbol's history reaches capacity it is
// trimmed to the most recent trim entries.
func NewPriceBook(capacity, trim int) *PriceBook {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	if trim <= 0 || trim > capacity {
		trim = capacity / 2
	}
	return &PriceBook{
		data: make(map[string]*series),
		cap:  capacity,
		trim: trim,
	}
}

// OnTick records a tick and notifies subscribers
func (b *PriceBook) OnTick(t types.Tick) {
	if t.Symbol == "" || t.LastPrice <= 0 {
		return
	}
	if t.Time.IsZero() {
		t.Time = time.Now()
	}

	b.mu.Lock()
	s, ok := b.data[t.Symbol]
	if !ok {
		s = &series{}
		b.data[t.Symbol] = s
	}
	s.last = t
	s.prices = append(s.prices, t.LastPrice)
	s.volumes = append(s.volumes, t.Volume)
	if len(s.prices) > b.cap {
		s.prices = append([]float64(nil), s.prices[len(s.prices)-b.trim:]...)
		s.volumes = append([]int64(nil), s.volumes[len(s.volumes)-b.trim:]...)
	}
	b.mu.Unlock()

	b.subsMu.RLock()
	subs := b.subs
	b.subsMu.RUnlock()
	for _, fn := range subs {
		fn(t)
	}
}

// Subscribe registers a callback invoked after every accepted tick
func (b *PriceBook) Subscribe(fn func(types.Tick)) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.subs = append(append([]func(types.Tick){}, b.subs...), fn)
}

// Last returns the latest price for symbol
func (b *PriceBook) Last(symbol string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.data[symbol]
	if !ok {
		return 0, false
	}
	return s.last.LastPrice, true
}

// LastTick returns the latest full tick for symbol
func (b *PriceBook) LastTick(symbol string) (types.Tick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.data[symbol]
	if !ok {
		return types.Tick{}, false
	}
	return s.last, true
}

// History returns up to n most recent prices, oldest first. n <= 0 returns all.
func (b *PriceBook) History(symbol string, n int) []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.data[symbol]
	if !ok {
		return nil
	}
	start := 0
	if n > 0 && n < len(s.prices) {
		start = len(s.prices) - n
	}
	return append([]float64(nil), s.prices[start:]...)
}

// Volumes returns up to n most recent tick volumes, oldest first
func (b *PriceBook) Volumes(symbol string, n int) []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.data[symbol]
	if !ok {
		return nil
	}
	start := 0
	if n > 0 && n < len(s.volumes) {
		start = len(s.volumes) - n
	}
	return append([]int64(nil), s.volumes[start:]...)
}

// Snapshot returns the latest price of every known symbol
func (b *PriceBook) Snapshot() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64, len(b.data))
	for sym, s := range b.data {
		out[sym] = s.last.LastPrice
	}
	return out
}
