package positions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ksred/klear-trader/internal/events"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNoPosition = errors.New("no position for symbol")

// PositionSource is the broker capability used to seed the ledger at startup
type PositionSource interface {
	GetPositions(ctx context.Context) ([]types.BrokerPositionSnapshot, error)
}

// Ledger is the single owner of position state. All reads return copies.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*types.Position
	realized  float64 // every realization since process start, including closed positions
	dayBase   float64 // TotalPnL at the last daily reset
	bus       *events.Bus
	now       func() time.Time
	logger    zerolog.Logger
}

// NewLedger creates an empty ledger. bus may be nil.
func NewLedger(bus *events.Bus) *Ledger {
	return &Ledger{
		positions: make(map[string]*types.Position),
		bus:       bus,
		now:       time.Now,
		logger:    log.With().Str("component", "position_ledger").Logger(),
	}
}

// ApplyFill books an execution and reports what it closed
func (l *Ledger) ApplyFill(f types.Fill) types.Realization {
	if f.Quantity <= 0 {
		l.logger.Warn().Str("order_id", f.OrderID).Int64("quantity", f.Quantity).Msg("ignoring non-positive fill")
		return types.Realization{}
	}
	return l.apply(f.Symbol, f.SignedQuantity(), f.Price, f.Strategy, f.Tags)
}

// Apply books a signed quantity change at price and returns the PnL it realized
func (l *Ledger) Apply(symbol string, signedQty int64, price float64, strategy string) float64 {
	return l.apply(symbol, signedQty, price, strategy, types.Tags{}).PnL
}

func (l *Ledger) apply(symbol string, dq int64, price float64, strategy string, tags types.Tags) types.Realization {
	if dq == 0 || symbol == "" {
		return types.Realization{}
	}

	l.mu.Lock()
	rz, evs := l.applyLocked(symbol, dq, price, strategy, tags)
	l.mu.Unlock()

	l.publish(evs)
	return rz
}

func (l *Ledger) applyLocked(symbol string, dq int64, price float64, strategy string, tags types.Tags) (types.Realization, []events.Event) {
	now := l.now()
	pos, ok := l.positions[symbol]

	if !ok || pos.Quantity == 0 {
		p := l.open(symbol, dq, price, strategy, tags, now)
		l.logger.Info().Str("symbol", symbol).Int64("quantity", dq).Float64("price", price).Str("strategy", strategy).Msg("position opened")
		return types.Realization{}, []events.Event{events.PositionEvent(*p)}
	}

	if (pos.Quantity > 0) == (dq > 0) {
		oldQty := abs(pos.Quantity)
		addQty := abs(dq)
		pos.AveragePrice = (float64(oldQty)*pos.AveragePrice + float64(addQty)*price) / float64(oldQty+addQty)
		pos.Quantity += dq
		pos.UpdatedAt = now
		if tags.StopLoss > 0 {
			pos.StopLoss = tags.StopLoss
		}
		if tags.Target > 0 {
			pos.Target = tags.Target
		}
		revalue(pos)
		return types.Realization{}, []events.Event{events.PositionEvent(*pos)}
	}

	closeQty := min(abs(dq), abs(pos.Quantity))
	owner := pos.Strategy
	realized, evs := l.closeLocked(pos, closeQty, price, now)

	if rest := abs(dq) - closeQty; rest > 0 {
		sign := int64(1)
		if dq < 0 {
			sign = -1
		}
		p := l.open(symbol, sign*rest, price, strategy, tags, now)
		l.logger.Info().Str("symbol", symbol).Int64("quantity", p.Quantity).Float64("price", price).Msg("position flipped")
		evs = append(evs, events.PositionEvent(*p))
	}
	return types.Realization{Strategy: owner, Quantity: closeQty, PnL: realized}, evs
}

func (l *Ledger) open(symbol string, qty int64, price float64, strategy string, tags types.Tags, now time.Time) *types.Position {
	p := &types.Position{
		Symbol:       symbol,
		Quantity:     qty,
		AveragePrice: price,
		MarkPrice:    price,
		Strategy:     strategy,
		StopLoss:     tags.StopLoss,
		Target:       tags.Target,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	l.positions[symbol] = p
	return p
}

// closeLocked reduces pos by qty (already capped) at price
func (l *Ledger) closeLocked(pos *types.Position, qty int64, price float64, now time.Time) (float64, []events.Event) {
	realized := (price - pos.AveragePrice) * float64(qty)
	if pos.Quantity < 0 {
		realized = -realized
		pos.Quantity += qty
	} else {
		pos.Quantity -= qty
	}
	pos.RealizedPnL += realized
	pos.UpdatedAt = now
	l.realized += realized

	logger := l.logger.With().Str("symbol", pos.Symbol).Int64("quantity", qty).Float64("price", price).Float64("realized_pnl", realized).Logger()

	if pos.Quantity == 0 {
		delete(l.positions, pos.Symbol)
		logger.Info().Msg("position closed")
		return realized, []events.Event{events.PositionClosedEvent(pos.Symbol)}
	}
	revalue(pos)
	logger.Info().Int64("remaining", pos.Quantity).Msg("position reduced")
	return realized, []events.Event{events.PositionEvent(*pos)}
}

// ClosePartial realizes PnL on up to qty units of the position at price. The
// average price is unchanged; a position reduced to zero is removed.
func (l *Ledger) ClosePartial(symbol string, qty int64, price float64) (float64, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("close quantity must be positive, got %d", qty)
	}

	l.mu.Lock()
	pos, ok := l.positions[symbol]
	if !ok || pos.Quantity == 0 {
		l.mu.Unlock()
		return 0, fmt.Errorf("%s: %w", symbol, ErrNoPosition)
	}
	realized, evs := l.closeLocked(pos, min(qty, abs(pos.Quantity)), price, l.now())
	l.mu.Unlock()

	l.publish(evs)
	return realized, nil
}

// MarkPrice sets the mark for symbol and recomputes unrealized PnL
func (l *Ledger) MarkPrice(symbol string, price float64) {
	l.MarkPrices(map[string]float64{symbol: price})
}

// MarkPrices marks several symbols in one pass; unknown symbols are ignored
func (l *Ledger) MarkPrices(prices map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for symbol, price := range prices {
		pos, ok := l.positions[symbol]
		if !ok || price <= 0 {
			continue
		}
		pos.MarkPrice = price
		revalue(pos)
	}
}

// SetLevels records stop-loss and target prices on an existing position
func (l *Ledger) SetLevels(symbol string, stop, target float64) error {
	l.mu.Lock()
	pos, ok := l.positions[symbol]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%s: %w", symbol, ErrNoPosition)
	}
	pos.StopLoss = stop
	pos.Target = target
	snapshot := *pos
	l.mu.Unlock()

	l.bus.Publish(events.PositionEvent(snapshot))
	return nil
}

// Sync replaces local positions with the broker's view. Used once at startup.
// Local positions the broker no longer reports are dropped. Strategy tags and
// protective levels survive for symbols both sides know.
func (l *Ledger) Sync(ctx context.Context, src PositionSource) error {
	snaps, err := src.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch broker positions: %w", err)
	}

	now := l.now()
	var evs []events.Event

	held := make(map[string]bool, len(snaps))
	l.mu.Lock()
	for _, s := range snaps {
		if s.NetQuantity == 0 || s.Symbol == "" {
			continue
		}
		held[s.Symbol] = true
		mark := s.LastPrice
		if mark <= 0 {
			mark = s.AveragePrice
		}
		pos := &types.Position{
			Symbol:       s.Symbol,
			Quantity:     s.NetQuantity,
			AveragePrice: s.AveragePrice,
			MarkPrice:    mark,
			OpenedAt:     now,
			UpdatedAt:    now,
		}
		if existing, ok := l.positions[s.Symbol]; ok {
			pos.Strategy = existing.Strategy
			pos.StopLoss = existing.StopLoss
			pos.Target = existing.Target
			pos.OpenedAt = existing.OpenedAt
		}
		revalue(pos)
		l.positions[s.Symbol] = pos
		evs = append(evs, events.PositionEvent(*pos))
	}
	for symbol := range l.positions {
		if !held[symbol] {
			delete(l.positions, symbol)
			evs = append(evs, events.PositionClosedEvent(symbol))
		}
	}
	count := len(l.positions)
	l.mu.Unlock()

	l.publish(evs)
	l.logger.Info().Int("broker_positions", len(snaps)).Int("active", count).Msg("positions synced from broker")
	return nil
}

// ResetDaily starts a new daily PnL window from the current total
func (l *Ledger) ResetDaily() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dayBase = l.totalLocked()
}

func (l *Ledger) Get(symbol string) (types.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of every active position ordered by symbol
func (l *Ledger) Positions() []types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ByStrategy returns active positions opened by the named strategy
func (l *Ledger) ByStrategy(name string) []types.Position {
	var out []types.Position
	for _, p := range l.Positions() {
		if p.Strategy == name {
			out = append(out, p)
		}
	}
	return out
}

func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// PortfolioValue is the gross market value of active positions
func (l *Ledger) PortfolioValue() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var v float64
	for _, p := range l.positions {
		v += float64(abs(p.Quantity)) * markOf(p)
	}
	return v
}

func (l *Ledger) RealizedPnL() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized
}

func (l *Ledger) UnrealizedPnL() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unrealizedLocked()
}

// TotalPnL is historical realized PnL plus unrealized PnL of active positions
func (l *Ledger) TotalPnL() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalLocked()
}

// DailyPnL is the change in TotalPnL since the last ResetDaily
func (l *Ledger) DailyPnL() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalLocked() - l.dayBase
}

func (l *Ledger) totalLocked() float64 {
	return l.realized + l.unrealizedLocked()
}

func (l *Ledger) unrealizedLocked() float64 {
	var u float64
	for _, p := range l.positions {
		u += p.UnrealizedPnL
	}
	return u
}

func (l *Ledger) publish(evs []events.Event) {
	for _, e := range evs {
		l.bus.Publish(e)
	}
}

func revalue(p *types.Position) {
	mark := markOf(p)
	sign := 1.0
	if p.Quantity < 0 {
		sign = -1
	}
	p.UnrealizedPnL = (mark - p.AveragePrice) * float64(abs(p.Quantity)) * sign
}

func markOf(p *types.Position) float64 {
	if p.MarkPrice > 0 {
		return p.MarkPrice
	}
	return p.AveragePrice
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
