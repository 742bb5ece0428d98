package types

import "time"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is BUY or SELL
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side that closes a position opened with s
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for BUY and -1 for SELL
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

type OrderType string

const (
	OrderTypeMarket         OrderType = "MARKET"
	OrderTypeLimit          OrderType = "LIMIT"
	OrderTypeStopLoss       OrderType = "SL"
	OrderTypeStopLossMarket OrderType = "SL-M"
)

// Valid reports whether the order type is one of the supported variants
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopLoss, OrderTypeStopLossMarket:
		return true
	}
	return false
}

// NeedsPrice reports whether the order type carries a limit price
func (t OrderType) NeedsPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLoss
}

// NeedsTrigger reports whether the order type carries a trigger price
func (t OrderType) NeedsTrigger() bool {
	return t == OrderTypeStopLoss || t == OrderTypeStopLossMarket
}

type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether no further transition is possible
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Working reports whether the order is live at the broker
func (s OrderStatus) Working() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

// Tags is the closed set of optional annotations an order or position can carry
type Tags struct {
	StopLoss float64 `json:"stop_loss,omitempty"`
	Target   float64 `json:"target,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

type Order struct {
	OrderID        string      `json:"order_id"`
	BrokerOrderID  string      `json:"broker_order_id,omitempty"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	OrderType      OrderType   `json:"order_type"`
	Quantity       int64       `json:"quantity"`
	Price          float64     `json:"price,omitempty"`
	TriggerPrice   float64     `json:"trigger_price,omitempty"`
	Strategy       string      `json:"strategy,omitempty"`
	Status         OrderStatus `json:"status"`
	FilledQuantity int64       `json:"filled_quantity"`
	AveragePrice   float64     `json:"average_price"`
	Tags           Tags        `json:"tags"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	FilledAt       *time.Time  `json:"filled_at,omitempty"`

	// Version increases with every change, so stale copies can be told apart
	Version uint64 `json:"version"`
}

// RemainingQuantity returns the unfilled quantity
func (o *Order) RemainingQuantity() int64 {
	return o.Quantity - o.FilledQuantity
}

// Fill is a newly observed execution for an order. Quantity is the delta since
// the previous observation, never the cumulative amount.
type Fill struct {
	TradeID  string    `json:"trade_id"`
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Quantity int64     `json:"quantity"`
	Price    float64   `json:"price"`
	Strategy string    `json:"strategy,omitempty"`
	Tags     Tags      `json:"tags"`
	Time     time.Time `json:"time"`

	// Set once the fill is booked against the ledger. ClosedQuantity is zero
	// for fills that only open or add to a position.
	RealizedPnL      float64 `json:"realized_pnl"`
	ClosedQuantity   int64   `json:"closed_quantity,omitempty"`
	PositionStrategy string  `json:"position_strategy,omitempty"`
}

// Realization is what booking a fill did to an existing position
type Realization struct {
	Strategy string  // owner of the position that was reduced
	Quantity int64   // units closed
	PnL      float64 // realized on those units
}

// SignedQuantity returns the fill quantity with the side's sign applied
func (f Fill) SignedQuantity() int64 {
	return f.Side.Sign() * f.Quantity
}

type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      int64     `json:"quantity"` // positive long, negative short
	AveragePrice  float64   `json:"avg_price"`
	MarkPrice     float64   `json:"market_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Strategy      string    `json:"strategy,omitempty"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	Target        float64   `json:"target,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (p *Position) IsLong() bool  { return p.Quantity > 0 }
func (p *Position) IsShort() bool { return p.Quantity < 0 }
func (p *Position) IsFlat() bool  { return p.Quantity == 0 }

// TotalPnL returns realized plus unrealized PnL for this position
func (p *Position) TotalPnL() float64 {
	return p.RealizedPnL + p.UnrealizedPnL
}

// AbsQuantity returns |Quantity|
func (p *Position) AbsQuantity() int64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// ClosingSide is the order side that reduces this position
func (p *Position) ClosingSide() Side {
	if p.Quantity < 0 {
		return SideBuy
	}
	return SideSell
}
