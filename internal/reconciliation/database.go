package reconciliation

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/kmcrae/brokersync/internal/execution"
	"github.com/kmcrae/brokersync/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// ListActiveExecutionRecords returns the local ledger's non-terminal orders.
func (d *Database) ListActiveExecutionRecords() ([]execution.OrderExecutionRecord, error) {
	var records []execution.OrderExecutionRecord
	err := d.db.
		Where("status NOT IN ?", []string{
			execution.StatusFilled,
			execution.StatusCanceled,
			execution.StatusRejected,
		}).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetExecutionRecord returns the local record for a client order ID, or nil.
func (d *Database) GetExecutionRecord(clientOrderID string) (*execution.OrderExecutionRecord, error) {
	var record execution.OrderExecutionRecord
	if err := d.db.Where("client_order_id = ?", clientOrderID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// ListPositions returns the local position ledger.
func (d *Database) ListPositions() ([]types.Position, error) {
	var positions []types.Position
	if err := d.db.Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// ApplyRun commits one reconciliation pass: the run row, its finding rows
// and every planned heal, in a single transaction so a reader never sees a
// half-applied pass.
func (d *Database) ApplyRun(run *Run, findings []Finding, mutations []func(tx *gorm.DB) error) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		for i := range findings {
			findings[i].RunID = run.RunID
			if err := tx.Create(&findings[i]).Error; err != nil {
				return err
			}
		}
		for _, mutate := range mutations {
			if err := mutate(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRuns returns recent reconciliation runs, newest first.
func (d *Database) ListRuns(limit int) ([]Run, error) {
	query := d.db.Order("started_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var runs []Run
	if err := query.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// ListFindings returns the findings recorded by one run.
func (d *Database) ListFindings(runID string) ([]Finding, error) {
	var findings []Finding
	if err := d.db.Where("run_id = ?", runID).Find(&findings).Error; err != nil {
		return nil, err
	}
	return findings, nil
}

// ReplaceAssets refreshes the tradable asset universe in one transaction.
func (d *Database) ReplaceAssets(assets []types.Asset) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		for i := range assets {
			assets[i].UpdatedAt = time.Now()
			var existing types.Asset
			err := tx.Where("symbol = ?", assets[i].Symbol).First(&existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				assets[i].CreatedAt = time.Now()
				if err := tx.Create(&assets[i]).Error; err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			existing.Name = assets[i].Name
			existing.Exchange = assets[i].Exchange
			existing.Tradable = assets[i].Tradable
			existing.UpdatedAt = time.Now()
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
