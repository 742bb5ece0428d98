package database

import (
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
)

type OrderRecord struct {
	ID             uint       `gorm:"primaryKey" json:"-"`
	OrderID        string     `gorm:"uniqueIndex;size:64" json:"order_id"`
	BrokerOrderID  string     `gorm:"index;size:64" json:"broker_order_id"`
	Symbol         string     `gorm:"size:64" json:"symbol"`
	Side           string     `gorm:"size:8" json:"side"`
	OrderType      string     `gorm:"size:8" json:"order_type"`
	Quantity       int64      `json:"quantity"`
	Price          float64    `json:"price"`
	TriggerPrice   float64    `json:"trigger_price"`
	Strategy       string     `gorm:"size:64" json:"strategy"`
	Status         string     `gorm:"size:20" json:"status"`
	FilledQuantity int64      `json:"filled_quantity"`
	AveragePrice   float64    `json:"average_price"`
	StopLoss       float64    `json:"stop_loss"`
	Target         float64    `json:"target"`
	Reason         string     `json:"reason"`
	LastError      string     `json:"last_error"`
	CreatedAt      time.Time  `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime:false" json:"updated_at"`
	FilledAt       *time.Time `json:"filled_at"`
	Version        uint64     `gorm:"not null;default:0" json:"-"`
}

func (OrderRecord) TableName() string { return "orders" }

func orderRecord(o types.Order) OrderRecord {
	return OrderRecord{
		OrderID:        o.OrderID,
		BrokerOrderID:  o.BrokerOrderID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		OrderType:      string(o.OrderType),
		Quantity:       o.Quantity,
		Price:          o.Price,
		TriggerPrice:   o.TriggerPrice,
		Strategy:       o.Strategy,
		Status:         string(o.Status),
		FilledQuantity: o.FilledQuantity,
		AveragePrice:   o.AveragePrice,
		StopLoss:       o.Tags.StopLoss,
		Target:         o.Tags.Target,
		Reason:         o.Tags.Reason,
		LastError:      o.LastError,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		FilledAt:       o.FilledAt,
		Version:        o.Version,
	}
}

// TradeRecord is one execution. Notional is quantity times price.
type TradeRecord struct {
	ID          uint            `gorm:"primaryKey" json:"-"`
	TradeID     string          `gorm:"uniqueIndex;size:64" json:"trade_id"`
	OrderID     string          `gorm:"size:64" json:"order_id"`
	Symbol      string          `gorm:"size:64" json:"symbol"`
	Side        string          `gorm:"size:8" json:"side"`
	Quantity    int64           `json:"quantity"`
	Price       float64         `json:"price"`
	Notional    decimal.Decimal `gorm:"type:decimal(20,4)" json:"notional"`
	RealizedPnL float64         `gorm:"column:realized_pnl" json:"realized_pnl"`
	Strategy    string          `gorm:"size:64" json:"strategy"`
	Reason      string          `json:"reason"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

func (TradeRecord) TableName() string { return "trades" }

func tradeRecord(f types.Fill) TradeRecord {
	return TradeRecord{
		TradeID:     f.TradeID,
		OrderID:     f.OrderID,
		Symbol:      f.Symbol,
		Side:        string(f.Side),
		Quantity:    f.Quantity,
		Price:       f.Price,
		Notional:    decimal.NewFromFloat(f.Price).Mul(decimal.NewFromInt(f.Quantity)),
		RealizedPnL: f.RealizedPnL,
		Strategy:    f.Strategy,
		Reason:      f.Tags.Reason,
		ExecutedAt:  f.Time,
	}
}

type PositionRecord struct {
	Symbol        string    `gorm:"primaryKey;size:64" json:"symbol"`
	Quantity      int64     `json:"quantity"`
	AveragePrice  float64   `json:"avg_price"`
	MarkPrice     float64   `json:"market_price"`
	RealizedPnL   float64   `gorm:"column:realized_pnl" json:"realized_pnl"`
	UnrealizedPnL float64   `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	Strategy      string    `gorm:"size:64" json:"strategy"`
	StopLoss      float64   `json:"stop_loss"`
	Target        float64   `json:"target"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

func (PositionRecord) TableName() string { return "positions" }

func positionRecord(p types.Position) PositionRecord {
	return PositionRecord{
		Symbol:        p.Symbol,
		Quantity:      p.Quantity,
		AveragePrice:  p.AveragePrice,
		MarkPrice:     p.MarkPrice,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL,
		Strategy:      p.Strategy,
		StopLoss:      p.StopLoss,
		Target:        p.Target,
		OpenedAt:      p.OpenedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

type RiskEventRecord struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	EventID     string    `gorm:"uniqueIndex;size:64" json:"event_id"`
	Type        string    `gorm:"size:40" json:"event_type"`
	Severity    string    `gorm:"size:10" json:"severity"`
	Symbol      string    `gorm:"size:64" json:"symbol"`
	Value       float64   `json:"current_risk"`
	Limit       float64   `gorm:"column:limit_value" json:"max_risk"`
	Action      string    `gorm:"size:40" json:"action"`
	Description string    `json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false" json:"timestamp"`
}

func (RiskEventRecord) TableName() string { return "risk_events" }

type DailyPerformanceRecord struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	Date           string    `gorm:"uniqueIndex;size:10" json:"date"`
	TotalPnL       float64   `gorm:"column:total_pnl" json:"total_pnl"`
	RealizedPnL    float64   `gorm:"column:realized_pnl" json:"realized_pnl"`
	UnrealizedPnL  float64   `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	TradesCount    int       `json:"trades_count"`
	WinningTrades  int       `json:"winning_trades"`
	LosingTrades   int       `json:"losing_trades"`
	WinRate        float64   `json:"win_rate"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	PortfolioValue float64   `json:"portfolio_value"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (DailyPerformanceRecord) TableName() string { return "daily_performance" }
