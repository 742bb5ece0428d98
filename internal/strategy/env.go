package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/marketdata"
	"github.com/ksred/klear-trader/internal/orders"
	"github.com/ksred/klear-trader/internal/positions"
	"github.com/ksred/klear-trader/internal/risk"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrTradeBlocked = errors.New("trade blocked by risk guard")
	ErrCooldown     = errors.New("strategy cooling down")
	ErrDuplicate    = errors.New("symbol already held or working")
	ErrExitPending  = errors.New("exit already working")
	ErrNoPrice      = errors.New("no price available")
)

type PositionReader interface {
	ByStrategy(name string) []types.Position
	Get(symbol string) (types.Position, bool)
}

type OrderManager interface {
	Place(ctx context.Context, req orders.Request) (*types.Order, error)
	HasWorking(symbol, strategy string) bool
	WorkingQuantity(symbol string, side types.Side) int64
	CancelWorking(ctx context.Context, symbol string, side types.Side, strategy string) (int, error)
}

// Gate is the pre-trade side of the risk guard
type Gate interface {
	CanOpenTrade(strategy string) risk.Decision
	RecordTrade(strategy string)
	RegisterStrategy(name string, limits risk.Limits)
	Performance(strategy string) risk.StrategyPerformance
}

type FundsSource interface {
	GetFunds(ctx context.Context) (types.Funds, error)
}

// Env is the narrow handle a strategy trades through. Each strategy gets its
// own Env; orders placed through it carry the strategy's name.
type Env interface {
	Now() time.Time
	Underlying() string
	Instruments() []types.Instrument
	Last(symbol string) (float64, bool)
	History(symbol string, n int) []float64
	Volume(symbol string) int64
	// Positions returns the positions owned by this strategy
	Positions() []types.Position
	// Position looks a symbol up regardless of owner
	Position(symbol string) (types.Position, bool)
	PlaceTrade(ctx context.Context, req TradeRequest) (*types.Order, error)
	ExitPosition(ctx context.Context, symbol, reason string, qty int64, limit float64) (*types.Order, error)
}

// TradeRequest is an entry a strategy wants to open. A zero Quantity is sized
// from the account balance and the stop distance.
type TradeRequest struct {
	Symbol    string
	Side      types.Side
	OrderType types.OrderType
	Quantity  int64
	Price     float64
	StopLoss  float64
	Target    float64
	Reason    string
}

// Desk holds the shared account state every strategy env trades against
type Desk struct {
	prices       *marketdata.PriceBook
	ledger       PositionReader
	orders       OrderManager
	gate         Gate
	funds        FundsSource
	riskPerTrade float64
	underlying   string
	instruments  []types.Instrument
	now          func() time.Time
}

func NewDesk(cfg config.Config, prices *marketdata.PriceBook, ledger PositionReader, om OrderManager, gate Gate, funds FundsSource) *Desk {
	return &Desk{
		prices:       prices,
		ledger:       ledger,
		orders:       om,
		gate:         gate,
		funds:        funds,
		riskPerTrade: cfg.Risk.RiskPerTrade,
		underlying:   cfg.Strategies.Underlying,
		instruments:  cfg.Strategies.Instruments,
		now:          time.Now,
	}
}

func (d *Desk) envFor(name string, settings Settings) *strategyEnv {
	return &strategyEnv{
		desk:     d,
		name:     name,
		settings: settings,
		logger:   log.With().Str("component", "strategy").Str("strategy", name).Logger(),
	}
}

type strategyEnv struct {
	desk     *Desk
	name     string
	settings Settings
	logger   zerolog.Logger

	mu        sync.Mutex
	lastTrade time.Time
}

func (e *strategyEnv) Now() time.Time { return e.desk.now() }

func (e *strategyEnv) Underlying() string { return e.desk.underlying }

func (e *strategyEnv) Instruments() []types.Instrument { return e.desk.instruments }

func (e *strategyEnv) Last(symbol string) (float64, bool) { return e.desk.prices.Last(symbol) }

func (e *strategyEnv) History(symbol string, n int) []float64 {
	return e.desk.prices.History(symbol, n)
}

func (e *strategyEnv) Volume(symbol string) int64 {
	t, ok := e.desk.prices.LastTick(symbol)
	if !ok {
		return 0
	}
	return t.Volume
}

func (e *strategyEnv) Positions() []types.Position { return e.desk.ledger.ByStrategy(e.name) }

func (e *strategyEnv) Position(symbol string) (types.Position, bool) {
	return e.desk.ledger.Get(symbol)
}

// PlaceTrade runs the entry through the risk gate, cooldown and duplicate
// checks, sizes it, and submits it. A successful placement counts toward the
// strategy's daily trade limit.
func (e *strategyEnv) PlaceTrade(ctx context.Context, req TradeRequest) (*types.Order, error) {
	if d := e.desk.gate.CanOpenTrade(e.name); !d.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrTradeBlocked, d.Reason)
	}

	now := e.desk.now()
	e.mu.Lock()
	last := e.lastTrade
	e.mu.Unlock()
	if !last.IsZero() && e.settings.Cooldown > 0 && now.Sub(last) < e.settings.Cooldown {
		return nil, ErrCooldown
	}

	if _, held := e.desk.ledger.Get(req.Symbol); held || e.desk.orders.HasWorking(req.Symbol, e.name) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, req.Symbol)
	}

	if req.OrderType == "" {
		req.OrderType = types.OrderTypeLimit
	}
	entry := req.Price
	if entry <= 0 {
		p, ok := e.desk.prices.Last(req.Symbol)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoPrice, req.Symbol)
		}
		entry = p
	}

	qty := req.Quantity
	if qty <= 0 {
		qty = e.size(ctx, entry, req.StopLoss)
	}

	order, err := e.desk.orders.Place(ctx, orders.Request{
		Symbol:    req.Symbol,
		Side:      req.Side,
		OrderType: req.OrderType,
		Quantity:  qty,
		Price:     req.Price,
		Strategy:  e.name,
		Tags: types.Tags{
			StopLoss: req.StopLoss,
			Target:   req.Target,
			Reason:   req.Reason,
		},
	})
	if err != nil {
		return order, err
	}

	e.desk.gate.RecordTrade(e.name)
	e.mu.Lock()
	e.lastTrade = now
	e.mu.Unlock()

	e.logger.Info().
		Str("order_id", order.OrderID).
		Str("symbol", req.Symbol).
		Int64("quantity", qty).
		Float64("price", req.Price).
		Str("reason", req.Reason).
		Msg("entry placed")
	return order, nil
}

func (e *strategyEnv) size(ctx context.Context, entry, stop float64) int64 {
	if stop <= 0 || e.desk.funds == nil {
		return e.settings.PositionSize
	}
	funds, err := e.desk.funds.GetFunds(ctx)
	if err != nil || funds.AvailableBalance <= 0 {
		if err != nil {
			e.logger.Warn().Err(err).Msg("funds unavailable, using configured size")
		}
		return e.settings.PositionSize
	}
	return PositionSize(funds.AvailableBalance, e.desk.riskPerTrade, entry, stop, e.settings.LotSize, e.settings.PositionSize)
}

// ExitPosition closes qty of the strategy's position in symbol (all of it when
// qty is zero or too large). A positive limit submits a LIMIT order, otherwise
// MARKET. Exits bypass the risk gate.
//
// The strategy's entries still working on symbol are cancelled first, and the
// exit only covers what no working order, from any strategy, is already
// closing.
func (e *strategyEnv) ExitPosition(ctx context.Context, symbol, reason string, qty int64, limit float64) (*types.Order, error) {
	pos, ok := e.desk.ledger.Get(symbol)
	if !ok || pos.Strategy != e.name || pos.IsFlat() {
		return nil, fmt.Errorf("%w: %s", positions.ErrNoPosition, symbol)
	}

	side := pos.ClosingSide()
	if n, err := e.desk.orders.CancelWorking(ctx, symbol, side.Opposite(), e.name); err != nil {
		e.logger.Warn().Err(err).Str("symbol", symbol).Msg("failed to cancel working entry before exit")
	} else if n > 0 {
		e.logger.Info().Str("symbol", symbol).Int("cancelled", n).Str("reason", reason).Msg("working entry cancelled before exit")
	}

	held := pos.AbsQuantity()
	open := held - e.desk.orders.WorkingQuantity(symbol, side)
	if open <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrExitPending, symbol)
	}
	if qty <= 0 || qty > open {
		qty = open
	}
	req := orders.Request{
		Symbol:    symbol,
		Side:      side,
		OrderType: types.OrderTypeMarket,
		Quantity:  qty,
		Strategy:  e.name,
		Tags:      types.Tags{Reason: reason},
	}
	if limit > 0 {
		req.OrderType = types.OrderTypeLimit
		req.Price = RoundToTick(limit)
	}

	order, err := e.desk.orders.Place(ctx, req)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Str("reason", reason).Msg("exit failed")
		return order, err
	}
	e.logger.Info().
		Str("order_id", order.OrderID).
		Str("symbol", symbol).
		Int64("quantity", qty).
		Float64("pnl", pos.UnrealizedPnL*float64(qty)/float64(held)).
		Str("reason", reason).
		Msg("exit placed")
	return order, nil
}
