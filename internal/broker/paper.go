package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PaperVenue describes how the simulated venue behaves
type PaperVenue struct {
	MinLatency      int     // in milliseconds
	MaxLatency      int
	AcceptRate      float64 // 0-1, probability an order is accepted
	FillRate        float64 // 0-1, probability a working order trades on each poll
	LiquidityFactor float64 // 0-1, share of remaining quantity available when liquidity is thin
	PriceVariance   float64 // max relative slippage on market fills, e.g. 0.02 for +/-2%
	Balance         float64
}

// DefaultPaperVenue mirrors a reasonably liquid primary exchange
func DefaultPaperVenue() PaperVenue {
	return PaperVenue{
		MinLatency:      5,
		MaxLatency:      30,
		AcceptRate:      0.98,
		FillRate:        0.9,
		LiquidityFactor: 0.9,
		PriceVariance:   0.02,
		Balance:         500000,
	}
}

type paperOrder struct {
	id     string
	req    types.PlaceRequest
	status string
	filled int64
	avg    float64
	msg    string
}

type paperPosition struct {
	qty      int64
	avg      float64
	realized float64
}

// Paper is an in-memory broker. Working orders trade when the venue is
// polled through ListOrders, so executions surface through the same
// reconciliation path a live broker would use.
type Paper struct {
	mu        sync.Mutex
	venue     PaperVenue
	rng       *rand.Rand
	seq       int64
	orders    map[string]*paperOrder
	order     []string
	prices    map[string]float64
	positions map[string]*paperPosition
	authed    bool
	logger    zerolog.Logger
}

// NewPaper creates a paper venue. seed makes the random choices reproducible.
func NewPaper(venue PaperVenue, seed int64) *Paper {
	return &Paper{
		venue:     venue,
		rng:       rand.New(rand.NewSource(seed)),
		orders:    make(map[string]*paperOrder),
		prices:    make(map[string]float64),
		positions: make(map[string]*paperPosition),
		logger:    log.With().Str("component", "paper_broker").Logger(),
	}
}

// SetPrice sets the last traded price for symbol
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// SetVenue replaces the venue behaviour, e.g. to force rejections in a test
func (p *Paper) SetVenue(v PaperVenue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.venue = v
}

func (p *Paper) latency(ctx context.Context) error {
	p.mu.Lock()
	lo, hi := p.venue.MinLatency, p.venue.MaxLatency
	var ms int
	if hi > lo {
		ms = p.rng.Intn(hi-lo+1) + lo
	} else {
		ms = lo
	}
	p.mu.Unlock()

	if ms <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return Transientf("request cancelled: %v", ctx.Err())
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	}
}

func (p *Paper) Authenticate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authed = true
	p.logger.Info().Msg("paper session authenticated")
	return nil
}

func (p *Paper) PlaceOrder(ctx context.Context, req types.PlaceRequest) (string, error) {
	if err := p.latency(ctx); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	logger := p.logger.With().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int64("quantity", req.Quantity).
		Logger()

	if req.Quantity <= 0 {
		return "", Rejectedf("invalid quantity %d", req.Quantity)
	}
	if _, ok := p.prices[req.Symbol]; !ok {
		return "", Rejectedf("unknown instrument %s", req.Symbol)
	}

	p.seq++
	id := fmt.Sprintf("PAPER-%06d", p.seq)
	o := &paperOrder{id: id, req: req, status: "TRANSIT"}

	if p.rng.Float64() > p.venue.AcceptRate {
		o.status = "REJECTED"
		o.msg = "RMS: order rejected by venue"
		logger.Warn().Str("broker_order_id", id).Msg("order rejected by venue")
	} else {
		logger.Debug().Str("broker_order_id", id).Msg("order accepted")
	}

	p.orders[id] = o
	p.order = append(p.order, id)
	return id, nil
}

func (p *Paper) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := p.latency(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[brokerOrderID]
	if !ok {
		return Rejectedf("unknown order %s", brokerOrderID)
	}
	switch o.status {
	case "TRADED", "REJECTED", "CANCELLED":
		return Rejectedf("order %s is %s", brokerOrderID, o.status)
	}
	o.status = "CANCELLED"
	return nil
}

func (p *Paper) ModifyOrder(ctx context.Context, brokerOrderID string, changes types.OrderChanges) error {
	if err := p.latency(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[brokerOrderID]
	if !ok {
		return Rejectedf("unknown order %s", brokerOrderID)
	}
	if o.status != "PENDING" && o.status != "PART_TRADED" && o.status != "TRANSIT" {
		return Rejectedf("order %s is %s", brokerOrderID, o.status)
	}
	if changes.Quantity > 0 {
		if changes.Quantity < o.filled {
			return Rejectedf("quantity %d below filled %d", changes.Quantity, o.filled)
		}
		o.req.Quantity = changes.Quantity
	}
	if changes.Price > 0 {
		o.req.Price = changes.Price
	}
	if changes.TriggerPrice > 0 {
		o.req.TriggerPrice = changes.TriggerPrice
	}
	if changes.OrderType != "" {
		o.req.OrderType = changes.OrderType
	}
	return nil
}

// ListOrders advances the venue by one step and returns every order it knows
func (p *Paper) ListOrders(ctx context.Context) ([]types.BrokerOrderSnapshot, error) {
	if err := p.latency(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	snaps := make([]types.BrokerOrderSnapshot, 0, len(p.order))
	for _, id := range p.order {
		o := p.orders[id]
		p.step(o)
		snaps = append(snaps, types.BrokerOrderSnapshot{
			BrokerOrderID:  o.id,
			Status:         o.status,
			FilledQuantity: o.filled,
			AveragePrice:   o.avg,
			Message:        o.msg,
		})
	}
	return snaps, nil
}

// step tries to execute a working order against the current price
func (p *Paper) step(o *paperOrder) {
	if o.status == "TRANSIT" {
		o.status = "PENDING"
		return
	}
	if o.status != "PENDING" && o.status != "PART_TRADED" {
		return
	}

	last, ok := p.prices[o.req.Symbol]
	if !ok || last <= 0 {
		return
	}

	px, marketable := p.executionPrice(o.req, last)
	if !marketable {
		return
	}
	if p.rng.Float64() > p.venue.FillRate {
		return
	}

	remaining := o.req.Quantity - o.filled
	qty := remaining
	if p.rng.Float64() > p.venue.LiquidityFactor {
		qty = int64(math.Floor(float64(remaining) * p.venue.LiquidityFactor))
		if qty <= 0 {
			p.logger.Debug().Str("broker_order_id", o.id).Msg("insufficient liquidity for execution")
			return
		}
	}

	o.avg = (o.avg*float64(o.filled) + px*float64(qty)) / float64(o.filled+qty)
	o.filled += qty
	if o.filled == o.req.Quantity {
		o.status = "TRADED"
	} else {
		o.status = "PART_TRADED"
	}
	p.book(o.req.Symbol, o.req.Side.Sign()*qty, px)

	p.logger.Debug().
		Str("broker_order_id", o.id).
		Int64("executed_quantity", qty).
		Float64("executed_price", px).
		Str("status", o.status).
		Msg("paper execution")
}

// executionPrice returns the fill price and whether the order is marketable now
func (p *Paper) executionPrice(req types.PlaceRequest, last float64) (float64, bool) {
	switch req.OrderType {
	case types.OrderTypeLimit:
		if req.Side == types.SideBuy && last <= req.Price {
			return last, true
		}
		if req.Side == types.SideSell && last >= req.Price {
			return last, true
		}
		return 0, false
	case types.OrderTypeStopLoss, types.OrderTypeStopLossMarket:
		triggered := (req.Side == types.SideSell && last <= req.TriggerPrice) ||
			(req.Side == types.SideBuy && last >= req.TriggerPrice)
		if !triggered {
			return 0, false
		}
		if req.OrderType == types.OrderTypeStopLoss {
			return req.Price, true
		}
	}
	variance := p.venue.PriceVariance
	if variance <= 0 {
		return last, true
	}
	return last * (1 + (p.rng.Float64()*2*variance - variance)), true
}

func (p *Paper) book(symbol string, dq int64, price float64) {
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &paperPosition{}
		p.positions[symbol] = pos
	}
	switch {
	case pos.qty == 0 || (pos.qty > 0) == (dq > 0):
		total := abs64(pos.qty) + abs64(dq)
		pos.avg = (pos.avg*float64(abs64(pos.qty)) + price*float64(abs64(dq))) / float64(total)
		pos.qty += dq
	default:
		closing := min64(abs64(dq), abs64(pos.qty))
		sign := 1.0
		if pos.qty < 0 {
			sign = -1
		}
		pos.realized += (price - pos.avg) * float64(closing) * sign
		pos.qty += dq
		if pos.qty != 0 && (pos.qty > 0) == (dq > 0) {
			pos.avg = price
		}
	}
}

func (p *Paper) GetPositions(ctx context.Context) ([]types.BrokerPositionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.BrokerPositionSnapshot, 0, len(p.positions))
	for symbol, pos := range p.positions {
		if pos.qty == 0 {
			continue
		}
		out = append(out, types.BrokerPositionSnapshot{
			Symbol:       symbol,
			NetQuantity:  pos.qty,
			AveragePrice: pos.avg,
			LastPrice:    p.prices[symbol],
		})
	}
	return out, nil
}

func (p *Paper) GetQuote(ctx context.Context, symbol string) (types.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	last, ok := p.prices[symbol]
	if !ok {
		return types.Quote{}, Rejectedf("no quote for %s", symbol)
	}
	return types.Quote{Symbol: symbol, LastPrice: last, Time: time.Now()}, nil
}

func (p *Paper) GetFunds(ctx context.Context) (types.Funds, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var used, realized float64
	for symbol, pos := range p.positions {
		used += float64(abs64(pos.qty)) * p.prices[symbol]
		realized += pos.realized
	}
	return types.Funds{
		AvailableBalance: p.venue.Balance + realized - used,
		UsedMargin:       used,
	}, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
