package types

import "time"

type RiskEventType string

const (
	RiskDailyLossBreach      RiskEventType = "DAILY_LOSS_LIMIT_BREACH"
	RiskPortfolioLimitBreach RiskEventType = "PORTFOLIO_LIMIT_BREACH"
	RiskStopLossHit          RiskEventType = "STOP_LOSS_HIT"
	RiskLiquidationFailed    RiskEventType = "LIQUIDATION_ORDER_FAILED"
	RiskDailyReset           RiskEventType = "DAILY_RESET"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type RiskAction string

const (
	ActionNone              RiskAction = "NONE"
	ActionCloseAllPositions RiskAction = "CLOSE_ALL_POSITIONS"
	ActionReducePositions   RiskAction = "REDUCE_POSITIONS"
	ActionClosePosition     RiskAction = "CLOSE_POSITION"
)

// RiskEvent is a detected risk condition. It is never returned as an error;
// it is published for logging, persistence and notification.
type RiskEvent struct {
	EventID     string        `json:"event_id"`
	Type        RiskEventType `json:"event_type"`
	Severity    Severity      `json:"severity"`
	Symbol      string        `json:"symbol,omitempty"`
	Value       float64       `json:"current_risk"`
	Limit       float64       `json:"max_risk"`
	Action      RiskAction    `json:"action"`
	Description string        `json:"description"`
	Time        time.Time     `json:"timestamp"`
}

// DailyPerformance is the end-of-day account summary
type DailyPerformance struct {
	Date           string  `json:"date"`
	TotalPnL       float64 `json:"total_pnl"`
	RealizedPnL    float64 `json:"realized_pnl"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	TradesCount    int     `json:"trades_count"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"` // percent of closing trades with positive PnL
	MaxDrawdown    float64 `json:"max_drawdown"`
	PortfolioValue float64 `json:"portfolio_value"`
}
