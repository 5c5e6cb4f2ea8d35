package migrations

import (
	"github.com/kmcrae/brokersync/internal/queue"
	"gorm.io/gorm"
)

// AddQueueIndexes creates the work item table and the indexes the worker's
// claim query depends on.
func AddQueueIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&queue.WorkItem{}); err != nil {
		return err
	}

	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Composite index for the claim query (due PENDING items)
		`CREATE INDEX IF NOT EXISTS idx_work_items_claim
		 ON work_items(status, next_run_at)`,

		// Index for type filtering on the operator list endpoint
		`CREATE INDEX IF NOT EXISTS idx_work_items_type
		 ON work_items(type)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
