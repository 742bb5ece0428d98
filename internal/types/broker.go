package types

import "time"

// BrokerOrderSnapshot is the broker's view of one order at poll time. Status is
// the raw broker string; FilledQuantity and AveragePrice are cumulative.
type BrokerOrderSnapshot struct {
	BrokerOrderID  string  `json:"orderId"`
	Status         string  `json:"orderStatus"`
	FilledQuantity int64   `json:"filledQty"`
	AveragePrice   float64 `json:"avgPrice"`
	Message        string  `json:"message,omitempty"`
}

type BrokerPositionSnapshot struct {
	Symbol       string  `json:"trading_symbol"`
	NetQuantity  int64   `json:"net_quantity"`
	AveragePrice float64 `json:"avg_price"`
	LastPrice    float64 `json:"ltp"`
}

type Quote struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"ltp"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Volume    int64     `json:"volume,omitempty"`
	Time      time.Time `json:"timestamp"`
}

type Funds struct {
	AvailableBalance float64 `json:"available_balance"`
	UsedMargin       float64 `json:"used_margin"`
}

// Tick is a market-data push update
type Tick struct {
	Symbol       string    `json:"symbol"`
	LastPrice    float64   `json:"ltp"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"open_interest"`
	Time         time.Time `json:"timestamp"`
}

// PlaceRequest is what gets handed to the broker for a new order
type PlaceRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"trading_symbol"`
	Side          Side      `json:"transaction_type"`
	OrderType     OrderType `json:"order_type"`
	Quantity      int64     `json:"quantity"`
	Price         float64   `json:"price"`
	TriggerPrice  float64   `json:"trigger_price,omitempty"`
}

// OrderChanges lists the modifiable fields of a working order. Zero means unchanged.
type OrderChanges struct {
	Quantity     int64     `json:"quantity,omitempty"`
	Price        float64   `json:"price,omitempty"`
	TriggerPrice float64   `json:"trigger_price,omitempty"`
	OrderType    OrderType `json:"order_type,omitempty"`
}

// IsEmpty reports whether no field would change
func (c OrderChanges) IsEmpty() bool {
	return c.Quantity == 0 && c.Price == 0 && c.TriggerPrice == 0 && c.OrderType == ""
}
