package database

import (
	"fmt"

	"github.com/kmcrae/brokersync/internal/database/migrations"
	"github.com/kmcrae/brokersync/internal/reconciliation"
	"github.com/kmcrae/brokersync/internal/risk"
	"github.com/kmcrae/brokersync/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "brokersync.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddQueueIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddExecutionIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.Position{},
		&types.Fill{},
		&types.Asset{},
		&reconciliation.Run{},
		&reconciliation.Finding{},
		&risk.Limits{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
