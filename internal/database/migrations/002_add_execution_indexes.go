package migrations

import (
	"github.com/kmcrae/brokersync/internal/execution"
	"gorm.io/gorm"
)

// AddExecutionIndexes creates the order execution table and the indexes the
// reconciliation join relies on.
func AddExecutionIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&execution.OrderExecutionRecord{}); err != nil {
		return err
	}

	indexes := []string{
		// Index for the non-terminal scan in reconciliation
		`CREATE INDEX IF NOT EXISTS idx_order_execution_records_status
		 ON order_execution_records(status)`,

		// Composite index for per-symbol order history queries
		`CREATE INDEX IF NOT EXISTS idx_order_execution_records_symbol_status
		 ON order_execution_records(symbol, status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
