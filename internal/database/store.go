package database

import (
	"fmt"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists trading state. Every write is an idempotent upsert keyed by
// the entity's natural id, so replaying an event is harmless.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

var orderColumns = []string{
	"broker_order_id", "status", "quantity", "price", "trigger_price", "order_type",
	"filled_quantity", "average_price", "last_error", "updated_at", "filled_at", "version",
}

// UpdateOrder writes the mutable order fields, inserting the order if it has
// not been seen yet. A copy older than the stored one is ignored, so events
// delivered out of order never move an order backwards.
func (s *Store) UpdateOrder(o types.Order) error {
	rec := orderRecord(o)
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns(orderColumns),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "orders.version <= excluded.version"},
		}},
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.OrderID, err)
	}
	return nil
}

func (s *Store) InsertTrade(f types.Fill) error {
	rec := tradeRecord(f)
	err := s.db.Clauses(clause.OnConflict{DoNothing: true, Columns: []clause.Column{{Name: "trade_id"}}}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", f.TradeID, err)
	}
	return nil
}

func (s *Store) UpsertPosition(p types.Position) error {
	rec := positionRecord(p)
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", p.Symbol, err)
	}
	return nil
}

func (s *Store) DeletePosition(symbol string) error {
	if err := s.db.Where("symbol = ?", symbol).Delete(&PositionRecord{}).Error; err != nil {
		return fmt.Errorf("failed to delete position %s: %w", symbol, err)
	}
	return nil
}

func (s *Store) LogRiskEvent(e types.RiskEvent) error {
	rec := RiskEventRecord{
		EventID:     e.EventID,
		Type:        string(e.Type),
		Severity:    string(e.Severity),
		Symbol:      e.Symbol,
		Value:       e.Value,
		Limit:       e.Limit,
		Action:      string(e.Action),
		Description: e.Description,
		CreatedAt:   e.Time,
	}
	err := s.db.Clauses(clause.OnConflict{DoNothing: true, Columns: []clause.Column{{Name: "event_id"}}}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to log risk event %s: %w", e.EventID, err)
	}
	return nil
}

func (s *Store) UpsertDailyPerformance(d types.DailyPerformance) error {
	rec := DailyPerformanceRecord{
		Date:           d.Date,
		TotalPnL:       d.TotalPnL,
		RealizedPnL:    d.RealizedPnL,
		UnrealizedPnL:  d.UnrealizedPnL,
		TradesCount:    d.TradesCount,
		WinningTrades:  d.WinningTrades,
		LosingTrades:   d.LosingTrades,
		WinRate:        d.WinRate,
		MaxDrawdown:    d.MaxDrawdown,
		PortfolioValue: d.PortfolioValue,
		UpdatedAt:      time.Now(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_pnl", "realized_pnl", "unrealized_pnl", "trades_count",
			"winning_trades", "losing_trades", "win_rate",
			"max_drawdown", "portfolio_value", "updated_at",
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert daily performance %s: %w", d.Date, err)
	}
	return nil
}

// Trades returns the most recent trades, newest first. An empty symbol
// matches every symbol.
func (s *Store) Trades(symbol string, limit int) ([]TradeRecord, error) {
	q := s.db.Order("executed_at DESC").Limit(limitOr(limit))
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var out []TradeRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RiskEvents(limit int) ([]RiskEventRecord, error) {
	var out []RiskEventRecord
	if err := s.db.Order("created_at DESC").Limit(limitOr(limit)).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DailyPerformance returns up to days summaries, newest first
func (s *Store) DailyPerformance(days int) ([]DailyPerformanceRecord, error) {
	var out []DailyPerformanceRecord
	if err := s.db.Order("date DESC").Limit(limitOr(days)).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Positions() ([]PositionRecord, error) {
	var out []PositionRecord
	if err := s.db.Order("symbol").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetOrder(orderID string) (*OrderRecord, error) {
	var rec OrderRecord
	if err := s.db.Where("order_id = ?", orderID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func limitOr(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
