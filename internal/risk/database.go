package risk

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/kmcrae/brokersync/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// LoadLimits fetches the singleton limits row, creating it with defaults on
// first startup. The persisted kill switch state is what makes the switch
// sticky across restarts.
func (d *Database) LoadLimits() (*Limits, error) {
	var limits Limits
	err := d.db.Where("key = ?", limitsKey).First(&limits).Error
	if err == nil {
		return &limits, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	limits = defaultLimits()
	limits.CreatedAt = time.Now()
	limits.UpdatedAt = time.Now()
	if err := d.db.Create(&limits).Error; err != nil {
		return nil, err
	}
	return &limits, nil
}

// SaveLimits persists the singleton limits row.
func (d *Database) SaveLimits(limits *Limits) error {
	limits.Key = limitsKey
	limits.UpdatedAt = time.Now()
	return d.db.Save(limits).Error
}

// ListPositions returns the reconciled local position ledger, the basis for
// exposure and position-count checks.
func (d *Database) ListPositions() ([]types.Position, error) {
	var positions []types.Position
	if err := d.db.Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}
