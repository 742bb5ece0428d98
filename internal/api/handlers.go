package api

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-trader/internal/database"
	"github.com/ksred/klear-trader/internal/orders"
	"github.com/ksred/klear-trader/internal/risk"
	"github.com/ksred/klear-trader/internal/strategy"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/ksred/klear-trader/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type OrderBook interface {
	List(f orders.Filter) []types.Order
	Get(orderID string) (types.Order, error)
	Summary() orders.Summary
	Cancel(ctx context.Context, orderID string) (*types.Order, error)
}

type PositionBook interface {
	Positions() []types.Position
	PortfolioValue() float64
	RealizedPnL() float64
	UnrealizedPnL() float64
	TotalPnL() float64
	DailyPnL() float64
}

type RiskView interface {
	Snapshot() risk.State
}

type StrategyControl interface {
	Statuses() []strategy.Status
	Enable(name string) error
	Disable(name string) error
}

// History serves persisted records. Optional.
type History interface {
	Trades(symbol string, limit int) ([]database.TradeRecord, error)
	RiskEvents(limit int) ([]database.RiskEventRecord, error)
	DailyPerformance(days int) ([]database.DailyPerformanceRecord, error)
}

// PositionsView is the body of GET /positions
type PositionsView struct {
	Positions      []types.Position `json:"positions"`
	PortfolioValue float64          `json:"portfolio_value"`
	RealizedPnL    float64          `json:"realized_pnl"`
	UnrealizedPnL  float64          `json:"unrealized_pnl"`
	TotalPnL       float64          `json:"total_pnl"`
	DailyPnL       float64          `json:"daily_pnl"`
}

// OrdersView is the body of GET /orders
type OrdersView struct {
	Orders  []types.Order  `json:"orders"`
	Summary orders.Summary `json:"summary"`
}

// GinHandlers contains the HTTP handlers of the ops API
type GinHandlers struct {
	orders     OrderBook
	positions  PositionBook
	risk       RiskView
	strategies StrategyControl
	history    History
	logger     zerolog.Logger
}

func NewGinHandlers(deps Deps) *GinHandlers {
	return &GinHandlers{
		orders:     deps.Orders,
		positions:  deps.Positions,
		risk:       deps.Risk,
		strategies: deps.Strategies,
		history:    deps.History,
		logger:     log.With().Str("component", "api").Logger(),
	}
}

// ListOrdersHandler filters by the optional status, strategy and symbol
// query parameters
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := orders.Filter{
			Status:   types.OrderStatus(strings.ToUpper(c.Query("status"))),
			Strategy: c.Query("strategy"),
			Symbol:   c.Query("symbol"),
		}
		list := h.orders.List(filter)
		if list == nil {
			list = []types.Order{}
		}
		response.Success(c, OrdersView{Orders: list, Summary: h.orders.Summary()})
	}
}

func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.orders.Get(c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// CancelOrderHandler cancels a working order at the broker
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		order, err := h.orders.Cancel(c.Request.Context(), orderID)
		if err != nil {
			h.logger.Warn().Err(err).Str("order_id", orderID).Msg("Cancel request failed")
			response.Handle(c, nil, err)
			return
		}
		h.logger.Info().Str("order_id", orderID).Str("client_id", c.GetString("clientID")).Msg("Order cancelled via API")
		response.Success(c, order)
	}
}

func (h *GinHandlers) PositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list := h.positions.Positions()
		if list == nil {
			list = []types.Position{}
		}
		response.Success(c, PositionsView{
			Positions:      list,
			PortfolioValue: h.positions.PortfolioValue(),
			RealizedPnL:    h.positions.RealizedPnL(),
			UnrealizedPnL:  h.positions.UnrealizedPnL(),
			TotalPnL:       h.positions.TotalPnL(),
			DailyPnL:       h.positions.DailyPnL(),
		})
	}
}

func (h *GinHandlers) RiskHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.risk.Snapshot())
	}
}

func (h *GinHandlers) StrategiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.strategies.Statuses())
	}
}

// SetStrategyHandler enables or disables the strategy named in the path
func (h *GinHandlers) SetStrategyHandler(enable bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		var err error
		if enable {
			err = h.strategies.Enable(name)
		} else {
			err = h.strategies.Disable(name)
		}
		if errors.Is(err, strategy.ErrUnknownStrategy) {
			response.NotFound(c, "Strategy not found")
			return
		}
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		h.logger.Info().
			Str("strategy", name).
			Bool("enabled", enable).
			Str("client_id", c.GetString("clientID")).
			Msg("Strategy toggled via API")

		for _, s := range h.strategies.Statuses() {
			if s.Name == name {
				response.Success(c, s)
				return
			}
		}
		response.NotFound(c, "Strategy not found")
	}
}

func (h *GinHandlers) TradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := intQuery(c, "limit")
		if !ok {
			return
		}
		trades, err := h.history.Trades(c.Query("symbol"), limit)
		response.Handle(c, trades, err)
	}
}

func (h *GinHandlers) RiskEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := intQuery(c, "limit")
		if !ok {
			return
		}
		evs, err := h.history.RiskEvents(limit)
		response.Handle(c, evs, err)
	}
}

func (h *GinHandlers) PerformanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		days, ok := intQuery(c, "days")
		if !ok {
			return
		}
		perf, err := h.history.DailyPerformance(days)
		response.Handle(c, perf, err)
	}
}

// intQuery reads an optional non-negative integer parameter. It writes a 400
// and returns false when the value is malformed.
func intQuery(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		response.BadRequest(c, "Invalid "+key)
		return 0, false
	}
	return n, true
}
