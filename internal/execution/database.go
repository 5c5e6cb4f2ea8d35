package execution

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kmcrae/brokersync/internal/types"
)

// ErrStaleRecord is returned when an optimistic version check fails: a
// concurrent attempt transitioned the record first.
var ErrStaleRecord = errors.New("order execution record was modified concurrently")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Create inserts a fresh record in SUBMITTING state.
func (d *Database) Create(record *OrderExecutionRecord) error {
	record.Version = 1
	record.CreatedAt = time.Now()
	record.UpdatedAt = time.Now()
	return d.db.Create(record).Error
}

// GetByClientOrderID returns the record for a client order ID, or nil when
// none exists.
func (d *Database) GetByClientOrderID(clientOrderID string) (*OrderExecutionRecord, error) {
	var record OrderExecutionRecord
	if err := d.db.Where("client_order_id = ?", clientOrderID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// Transition applies mutate to the record and persists it guarded by the
// optimistic version check. Two concurrent attempts on the same record can
// never both commit; the loser gets ErrStaleRecord.
func (d *Database) Transition(record *OrderExecutionRecord, mutate func(*OrderExecutionRecord)) error {
	currentVersion := record.Version
	mutate(record)
	record.Version = currentVersion + 1
	record.UpdatedAt = time.Now()

	result := d.db.Model(&OrderExecutionRecord{}).
		Where("client_order_id = ? AND version = ?", record.ClientOrderID, currentVersion).
		Updates(map[string]interface{}{
			"broker_order_id":  record.BrokerOrderID,
			"status":           record.Status,
			"attempts":         record.Attempts,
			"filled_quantity":  record.FilledQuantity,
			"filled_avg_price": record.FilledAvgPrice,
			"last_error":       record.LastError,
			"version":          record.Version,
			"updated_at":       record.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleRecord
	}
	return nil
}

// ListActive returns all non-terminal records.
func (d *Database) ListActive() ([]OrderExecutionRecord, error) {
	var records []OrderExecutionRecord
	err := d.db.
		Where("status NOT IN ?", []string{StatusFilled, StatusCanceled, StatusRejected}).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// RecordFill appends a fill row for newly observed executed quantity. Fills
// are the append-only evidence trail behind the execution record.
func (d *Database) RecordFill(record *OrderExecutionRecord, quantity, price float64, filledAt time.Time) error {
	if quantity <= 0 {
		return nil
	}
	fill := types.Fill{
		FillID:        uuid.New().String(),
		ClientOrderID: record.ClientOrderID,
		BrokerOrderID: record.BrokerOrderID,
		Symbol:        record.Symbol,
		Side:          record.Side,
		Price:         price,
		Quantity:      quantity,
		FilledAt:      filledAt,
		CreatedAt:     time.Now(),
	}
	return d.db.Create(&fill).Error
}
