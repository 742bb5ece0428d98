package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-trader/internal/events"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Broker is the part of the broker client the registry drives
type Broker interface {
	PlaceOrder(ctx context.Context, req types.PlaceRequest) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	ModifyOrder(ctx context.Context, brokerOrderID string, changes types.OrderChanges) error
}

// FillSink receives every newly observed execution, in order, and reports
// what the execution closed
type FillSink interface {
	ApplyFill(f types.Fill) types.Realization
}

// Request describes a new order
type Request struct {
	Symbol       string
	Side         types.Side
	OrderType    types.OrderType
	Quantity     int64
	Price        float64
	TriggerPrice float64
	Strategy     string
	Tags         types.Tags
}

// Filter narrows List; empty fields match everything
type Filter struct {
	Status   types.OrderStatus
	Strategy string
	Symbol   string
}

type Summary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Open      int `json:"open"`
	Filled    int `json:"filled"`
	Cancelled int `json:"cancelled"`
	Rejected  int `json:"rejected"`
}

// Registry owns every order the process has created. Broker calls are made
// outside the registry lock; fills go to the sink after it is released.
type Registry struct {
	mu       sync.Mutex
	orders   map[string]*types.Order
	byBroker map[string]string
	seq      []string

	// serializes Reconcile so fills reach the sink in observation order
	reconcileMu sync.Mutex

	broker Broker
	sink   FillSink
	bus    *events.Bus
	now    func() time.Time
	logger zerolog.Logger
}

// NewRegistry creates a registry. bus may be nil.
func NewRegistry(b Broker, sink FillSink, bus *events.Bus) *Registry {
	return &Registry{
		orders:   make(map[string]*types.Order),
		byBroker: make(map[string]string),
		broker:   b,
		sink:     sink,
		bus:      bus,
		now:      time.Now,
		logger:   log.With().Str("component", "order_registry").Logger(),
	}
}

func validate(req Request) error {
	switch {
	case req.Symbol == "":
		return &ValidationError{Field: "symbol", Reason: "must not be empty"}
	case !req.Side.Valid():
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("%q is not BUY or SELL", req.Side)}
	case !req.OrderType.Valid():
		return &ValidationError{Field: "order_type", Reason: fmt.Sprintf("unsupported order type %q", req.OrderType)}
	case req.Quantity <= 0:
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	case req.OrderType.NeedsPrice() && req.Price <= 0:
		return &ValidationError{Field: "price", Reason: "must be positive for " + string(req.OrderType)}
	case req.OrderType.NeedsTrigger() && req.TriggerPrice <= 0:
		return &ValidationError{Field: "trigger_price", Reason: "must be positive for " + string(req.OrderType)}
	}
	return nil
}

// Place validates and submits a new order. On a broker failure the order is
// recorded as REJECTED and returned together with a *BrokerError.
func (r *Registry) Place(ctx context.Context, req Request) (*types.Order, error) {
	if req.OrderType == "" {
		req.OrderType = types.OrderTypeMarket
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	now := r.now()
	order := &types.Order{
		OrderID:      uuid.New().String(),
		Symbol:       req.Symbol,
		Side:         req.Side,
		OrderType:    req.OrderType,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Strategy:     req.Strategy,
		Status:       types.StatusPending,
		Tags:         req.Tags,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}

	r.mu.Lock()
	r.orders[order.OrderID] = order
	r.seq = append(r.seq, order.OrderID)
	pending := *order
	r.mu.Unlock()
	r.bus.Publish(events.OrderEvent(pending))

	logger := r.logger.With().
		Str("order_id", order.OrderID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int64("quantity", req.Quantity).
		Str("strategy", req.Strategy).
		Logger()

	brokerID, err := r.broker.PlaceOrder(ctx, types.PlaceRequest{
		ClientOrderID: order.OrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Quantity:      req.Quantity,
		Price:         req.Price,
		TriggerPrice:  req.TriggerPrice,
	})

	r.mu.Lock()
	if err != nil {
		r.transitionLocked(order, types.StatusRejected)
		order.LastError = err.Error()
		out := *order
		r.mu.Unlock()

		logger.Error().Err(err).Msg("order rejected")
		r.bus.Publish(events.OrderEvent(out))
		return &out, &BrokerError{Op: "place", OrderID: out.OrderID, Err: err}
	}

	order.BrokerOrderID = brokerID
	r.byBroker[brokerID] = order.OrderID
	cancelledMeanwhile := order.Status == types.StatusCancelled
	if !cancelledMeanwhile {
		r.transitionLocked(order, types.StatusOpen)
	}
	out := *order
	r.mu.Unlock()

	if cancelledMeanwhile {
		// cancelled locally while the placement was in flight
		if cerr := r.broker.CancelOrder(ctx, brokerID); cerr != nil {
			logger.Error().Err(cerr).Str("broker_order_id", brokerID).Msg("failed to cancel order placed after local cancel")
		}
		return &out, nil
	}

	logger.Info().Str("broker_order_id", brokerID).Msg("order placed")
	r.bus.Publish(events.OrderEvent(out))
	return &out, nil
}

// Modify changes a working order at the broker and then locally
func (r *Registry) Modify(ctx context.Context, orderID string, changes types.OrderChanges) (*types.Order, error) {
	r.mu.Lock()
	order, ok := r.orders[orderID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", orderID, ErrNotFound)
	}
	if !order.Status.Working() {
		status := order.Status
		r.mu.Unlock()
		return nil, fmt.Errorf("cannot modify order %s in %s: %w", orderID, status, ErrInvalidState)
	}
	if err := validateChanges(order, changes); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	brokerID := order.BrokerOrderID
	r.mu.Unlock()

	if err := r.broker.ModifyOrder(ctx, brokerID, changes); err != nil {
		r.logger.Error().Err(err).Str("order_id", orderID).Msg("order modification failed")
		return nil, &BrokerError{Op: "modify", OrderID: orderID, Err: err}
	}

	r.mu.Lock()
	if changes.Quantity > 0 {
		order.Quantity = changes.Quantity
	}
	if changes.Price > 0 {
		order.Price = changes.Price
	}
	if changes.TriggerPrice > 0 {
		order.TriggerPrice = changes.TriggerPrice
	}
	if changes.OrderType != "" {
		order.OrderType = changes.OrderType
	}
	order.UpdatedAt = r.now()
	order.Version++
	out := *order
	r.mu.Unlock()

	r.logger.Info().Str("order_id", orderID).Msg("order modified")
	r.bus.Publish(events.OrderEvent(out))
	return &out, nil
}

func validateChanges(order *types.Order, c types.OrderChanges) error {
	if c.IsEmpty() {
		return &ValidationError{Field: "changes", Reason: "nothing to modify"}
	}
	if c.Quantity < 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if c.Quantity > 0 && c.Quantity < order.FilledQuantity {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("below filled quantity %d", order.FilledQuantity)}
	}
	if c.Price < 0 || c.TriggerPrice < 0 {
		return &ValidationError{Field: "price", Reason: "must not be negative"}
	}
	if c.OrderType != "" && !c.OrderType.Valid() {
		return &ValidationError{Field: "order_type", Reason: fmt.Sprintf("unsupported order type %q", c.OrderType)}
	}
	return nil
}

// Cancel cancels an order. Cancelling a terminal order is a no-op.
func (r *Registry) Cancel(ctx context.Context, orderID string) (*types.Order, error) {
	r.mu.Lock()
	order, ok := r.orders[orderID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", orderID, ErrNotFound)
	}
	if order.Status.Terminal() {
		out := *order
		r.mu.Unlock()
		return &out, nil
	}
	if order.BrokerOrderID == "" {
		r.transitionLocked(order, types.StatusCancelled)
		out := *order
		r.mu.Unlock()

		r.logger.Info().Str("order_id", orderID).Msg("order cancelled before submission")
		r.bus.Publish(events.OrderEvent(out))
		return &out, nil
	}
	brokerID := order.BrokerOrderID
	r.mu.Unlock()

	if err := r.broker.CancelOrder(ctx, brokerID); err != nil {
		r.logger.Error().Err(err).Str("order_id", orderID).Str("broker_order_id", brokerID).Msg("order cancellation failed")
		return nil, &BrokerError{Op: "cancel", OrderID: orderID, Err: err}
	}

	r.mu.Lock()
	changed := r.transitionLocked(order, types.StatusCancelled)
	out := *order
	r.mu.Unlock()

	if changed {
		r.logger.Info().Str("order_id", orderID).Int64("filled_quantity", out.FilledQuantity).Msg("order cancelled")
		r.bus.Publish(events.OrderEvent(out))
	}
	return &out, nil
}

// CancelAll cancels every working order and returns how many were cancelled
func (r *Registry) CancelAll(ctx context.Context) int {
	var cancelled int
	for _, o := range r.OpenOrders() {
		if _, err := r.Cancel(ctx, o.OrderID); err != nil {
			continue
		}
		cancelled++
	}
	return cancelled
}

// Reconcile folds broker snapshots into local state and returns the fills
// they reveal. Fills are also delivered to the sink, in the returned order.
func (r *Registry) Reconcile(snapshots []types.BrokerOrderSnapshot) []types.Fill {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	var fills []types.Fill
	var changed []types.Order

	r.mu.Lock()
	now := r.now()
	for _, snap := range snapshots {
		id, ok := r.byBroker[snap.BrokerOrderID]
		if !ok {
			continue
		}
		order := r.orders[id]
		f, filled, updated := r.applySnapshotLocked(order, snap, now)
		if filled {
			fills = append(fills, f)
		}
		if updated {
			changed = append(changed, *order)
		}
	}
	r.mu.Unlock()

	for _, o := range changed {
		r.bus.Publish(events.OrderEvent(o))
	}
	for i := range fills {
		if r.sink != nil {
			rz := r.sink.ApplyFill(fills[i])
			fills[i].RealizedPnL = rz.PnL
			fills[i].ClosedQuantity = rz.Quantity
			fills[i].PositionStrategy = rz.Strategy
		}
		r.bus.Publish(events.TradeEvent(fills[i]))
	}
	return fills
}

func (r *Registry) applySnapshotLocked(order *types.Order, snap types.BrokerOrderSnapshot, now time.Time) (types.Fill, bool, bool) {
	logger := r.logger.With().Str("order_id", order.OrderID).Str("broker_order_id", snap.BrokerOrderID).Logger()

	status, known := MapBrokerStatus(snap.Status)
	if !known {
		logger.Warn().Str("broker_status", snap.Status).Msg("unknown broker status ignored")
	}

	newQty := snap.FilledQuantity
	if known && status == types.StatusFilled && newQty == 0 {
		// some brokers omit the quantity on completed orders
		newQty = order.Quantity
	}
	if newQty > order.Quantity {
		logger.Warn().Int64("reported", newQty).Int64("quantity", order.Quantity).Msg("filled quantity clamped to order quantity")
		newQty = order.Quantity
	}

	var fill types.Fill
	var filled bool
	if newQty > order.FilledQuantity {
		delta := newQty - order.FilledQuantity
		price := deltaPrice(order, snap.AveragePrice, newQty, delta)

		if snap.AveragePrice > 0 {
			order.AveragePrice = snap.AveragePrice
		} else {
			order.AveragePrice = (order.AveragePrice*float64(order.FilledQuantity) + price*float64(delta)) / float64(newQty)
		}
		order.FilledQuantity = newQty
		order.UpdatedAt = now
		order.Version++

		fill = types.Fill{
			TradeID:  uuid.New().String(),
			OrderID:  order.OrderID,
			Symbol:   order.Symbol,
			Side:     order.Side,
			Quantity: delta,
			Price:    price,
			Strategy: order.Strategy,
			Tags:     order.Tags,
			Time:     now,
		}
		filled = true

		if order.Status.Terminal() {
			logger.Warn().Str("status", string(order.Status)).Int64("quantity", delta).Msg("fill reported for terminal order")
		} else {
			logger.Info().Int64("quantity", delta).Float64("price", price).Msg("fill observed")
		}
	}

	target := order.Status
	switch {
	case order.FilledQuantity == order.Quantity:
		target = types.StatusFilled
	case !known:
	case status == types.StatusFilled || status == types.StatusPartiallyFilled:
		if order.FilledQuantity > 0 {
			target = types.StatusPartiallyFilled
		}
	case status == types.StatusOpen:
		if order.FilledQuantity > 0 {
			target = types.StatusPartiallyFilled
		}
	default:
		target = status
	}

	updated := filled
	if target != order.Status && r.transitionLocked(order, target) {
		if target == types.StatusRejected && snap.Message != "" {
			order.LastError = snap.Message
		}
		logger.Info().Str("status", string(target)).Msg("order status updated")
		updated = true
	}
	return fill, filled, updated
}

// deltaPrice derives the price of the newly filled quantity from cumulative averages
func deltaPrice(order *types.Order, newAvg float64, newQty, delta int64) float64 {
	if newAvg > 0 {
		p := (newAvg*float64(newQty) - order.AveragePrice*float64(order.FilledQuantity)) / float64(delta)
		if p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0) {
			return p
		}
		return newAvg
	}
	if order.Price > 0 {
		return order.Price
	}
	return order.AveragePrice
}

// transitionLocked applies a status change if the state machine allows it
func (r *Registry) transitionLocked(order *types.Order, to types.OrderStatus) bool {
	if !CanTransition(order.Status, to) {
		if order.Status != to {
			r.logger.Debug().
				Str("order_id", order.OrderID).
				Str("from", string(order.Status)).
				Str("to", string(to)).
				Msg("transition not allowed")
		}
		return false
	}
	now := r.now()
	order.Status = to
	order.UpdatedAt = now
	order.Version++
	if to == types.StatusFilled {
		order.FilledAt = &now
	}
	return true
}

// EnforceTimeouts cancels working orders that are at least timeout old and
// returns their ids.
func (r *Registry) EnforceTimeouts(ctx context.Context, now time.Time, timeout time.Duration) []string {
	var stale []types.Order
	for _, o := range r.OpenOrders() {
		if now.Sub(o.CreatedAt) >= timeout {
			stale = append(stale, o)
		}
	}

	var cancelled []string
	for _, o := range stale {
		terr := &TimeoutError{OrderID: o.OrderID, Age: now.Sub(o.CreatedAt)}
		r.logger.Warn().Err(terr).Str("symbol", o.Symbol).Str("strategy", o.Strategy).Msg("cancelling stale order")

		if _, err := r.Cancel(ctx, o.OrderID); err != nil {
			var berr *BrokerError
			if errors.As(err, &berr) && berr.Retryable() {
				r.logger.Warn().Err(err).Str("order_id", o.OrderID).Msg("timeout cancel will be retried next pass")
			}
			continue
		}
		cancelled = append(cancelled, o.OrderID)
	}
	return cancelled
}

// Get returns a copy of the order
func (r *Registry) Get(orderID string) (types.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return types.Order{}, fmt.Errorf("%s: %w", orderID, ErrNotFound)
	}
	return *o, nil
}

// List returns copies of matching orders in creation order
func (r *Registry) List(f Filter) []types.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Order
	for _, id := range r.seq {
		o := r.orders[id]
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.Strategy != "" && o.Strategy != f.Strategy {
			continue
		}
		if f.Symbol != "" && o.Symbol != f.Symbol {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// OpenOrders returns orders live at the broker
func (r *Registry) OpenOrders() []types.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Order
	for _, id := range r.seq {
		if o := r.orders[id]; o.Status.Working() {
			out = append(out, *o)
		}
	}
	return out
}

// WorkingQuantity is the unfilled quantity of every non-terminal order on
// symbol and side, whichever strategy placed it
func (r *Registry) WorkingQuantity(symbol string, side types.Side) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var qty int64
	for _, o := range r.orders {
		if o.Symbol == symbol && o.Side == side && !o.Status.Terminal() {
			qty += o.RemainingQuantity()
		}
	}
	return qty
}

// CancelWorking cancels the non-terminal orders on symbol and side. An empty
// strategy matches every strategy. It returns how many were cancelled and the
// first failure.
func (r *Registry) CancelWorking(ctx context.Context, symbol string, side types.Side, strategy string) (int, error) {
	r.mu.Lock()
	var ids []string
	for _, id := range r.seq {
		o := r.orders[id]
		if o.Symbol != symbol || o.Side != side || o.Status.Terminal() {
			continue
		}
		if strategy != "" && o.Strategy != strategy {
			continue
		}
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var cancelled int
	var first error
	for _, id := range ids {
		if _, err := r.Cancel(ctx, id); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		cancelled++
	}
	if cancelled > 0 {
		r.logger.Info().Str("symbol", symbol).Str("side", string(side)).Int("cancelled", cancelled).Msg("working orders cancelled")
	}
	return cancelled, first
}

// HasWorking reports whether a non-terminal order exists for symbol placed
// under strategy
func (r *Registry) HasWorking(symbol, strategy string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.Symbol == symbol && o.Strategy == strategy && !o.Status.Terminal() {
			return true
		}
	}
	return false
}

func (r *Registry) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{Total: len(r.orders)}
	for _, o := range r.orders {
		switch o.Status {
		case types.StatusPending:
			s.Pending++
		case types.StatusOpen, types.StatusPartiallyFilled:
			s.Open++
		case types.StatusFilled:
			s.Filled++
		case types.StatusCancelled:
			s.Cancelled++
		case types.StatusRejected:
			s.Rejected++
		}
	}
	return s
}
