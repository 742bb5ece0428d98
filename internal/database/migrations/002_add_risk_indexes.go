package migrations

import "gorm.io/gorm"

// AddRiskIndexes indexes risk events for time and type queries
func AddRiskIndexes(db *gorm.DB) error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_risk_events_type_created_at
		 ON risk_events(type, created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_risk_events_created_at
		 ON risk_events(created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
