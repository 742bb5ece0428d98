package migrations

import "gorm.io/gorm"

// AddOrderIndexes adds the lookup indexes used by the ops API and the
// end-of-day reports on the orders and trades tables
func AddOrderIndexes(db *gorm.DB) error {
	indexes := []string{
		// working orders per strategy
		`CREATE INDEX IF NOT EXISTS idx_orders_strategy_status
		 ON orders(strategy, status)`,

		`CREATE INDEX IF NOT EXISTS idx_orders_symbol
		 ON orders(symbol)`,

		`CREATE INDEX IF NOT EXISTS idx_orders_created_at
		 ON orders(created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_trades_order_id
		 ON trades(order_id)`,

		// per-symbol trade history in time order
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_executed_at
		 ON trades(symbol, executed_at)`,

		`CREATE INDEX IF NOT EXISTS idx_trades_strategy
		 ON trades(strategy)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
