package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultMaxAttempts is the retry budget applied when an enqueue does not
// specify one.
const DefaultMaxAttempts = 5

// ErrNotDeadLetter is returned when a manual retry targets an item that is
// not dead-lettered.
var ErrNotDeadLetter = errors.New("work item is not dead-lettered")

// ErrItemNotFound is returned when a work item lookup matches nothing.
var ErrItemNotFound = errors.New("work item not found")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Enqueue stores a new work item. When opts.IdempotencyKey is set and an
// item already carries that key, the existing item is returned unchanged:
// the unique index on the key column makes this safe against concurrent
// enqueues from multiple processes.
func (d *Database) Enqueue(itemType ItemType, payload interface{}, opts EnqueueOptions) (*WorkItem, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	if opts.IdempotencyKey != "" {
		existing, err := d.getByIdempotencyKey(opts.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	nextRunAt := time.Now()
	if !opts.NotBefore.IsZero() {
		nextRunAt = opts.NotBefore
	}

	item := &WorkItem{
		ItemID:      uuid.New().String(),
		Type:        itemType,
		Payload:     string(body),
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		NextRunAt:   nextRunAt,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if opts.IdempotencyKey != "" {
		key := opts.IdempotencyKey
		item.IdempotencyKey = &key
	}

	if err := d.db.Create(item).Error; err != nil {
		// A concurrent enqueue may have won the unique-index race; the
		// existing item is the correct result either way.
		if opts.IdempotencyKey != "" && isUniqueViolation(err) {
			existing, lookupErr := d.getByIdempotencyKey(opts.IdempotencyKey)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	return item, nil
}

func (d *Database) getByIdempotencyKey(key string) (*WorkItem, error) {
	var item WorkItem
	if err := d.db.Where("idempotency_key = ?", key).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

// GetByItemID retrieves a work item by its public ID.
func (d *Database) GetByItemID(itemID string) (*WorkItem, error) {
	var item WorkItem
	if err := d.db.Where("item_id = ?", itemID).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

// ClaimDue atomically claims up to limit due PENDING items. Each candidate
// is moved to RUNNING with a compare-and-set on status, so two workers
// polling the same store never both claim one item.
func (d *Database) ClaimDue(limit int, now time.Time) ([]WorkItem, error) {
	var candidates []WorkItem
	err := d.db.
		Where("status = ? AND next_run_at <= ?", StatusPending, now).
		Order("next_run_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]WorkItem, 0, len(candidates))
	for _, item := range candidates {
		result := d.db.Model(&WorkItem{}).
			Where("item_id = ? AND status = ?", item.ItemID, StatusPending).
			Updates(map[string]interface{}{
				"status":     StatusRunning,
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			// Lost the race to another worker.
			continue
		}
		item.Status = StatusRunning
		claimed = append(claimed, item)
	}

	return claimed, nil
}

// MarkSucceeded finishes a RUNNING item.
func (d *Database) MarkSucceeded(item *WorkItem) error {
	return d.setTerminal(item, StatusSucceeded, "")
}

// MarkFailed finishes an item that hit a terminal, non-retryable error such
// as a brokerage rejection or a risk policy refusal.
func (d *Database) MarkFailed(item *WorkItem, reason string) error {
	return d.setTerminal(item, StatusFailed, reason)
}

// MarkDeadLetter parks an item whose retry budget is exhausted. Dead-letter
// rows wait for operator action and are never retried automatically.
func (d *Database) MarkDeadLetter(item *WorkItem, lastError string) error {
	return d.setTerminal(item, StatusDeadLetter, lastError)
}

func (d *Database) setTerminal(item *WorkItem, status, lastError string) error {
	result := d.db.Model(&WorkItem{}).
		Where("item_id = ? AND status = ?", item.ItemID, StatusRunning).
		Updates(map[string]interface{}{
			"status":     status,
			"attempts":   item.Attempts,
			"last_error": lastError,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("work item %s not in RUNNING state", item.ItemID)
	}
	item.Status = status
	item.LastError = lastError
	return nil
}

// Reschedule returns a failed RUNNING item to PENDING with a new run time.
func (d *Database) Reschedule(item *WorkItem, nextRunAt time.Time, lastError string) error {
	result := d.db.Model(&WorkItem{}).
		Where("item_id = ? AND status = ?", item.ItemID, StatusRunning).
		Updates(map[string]interface{}{
			"status":      StatusPending,
			"attempts":    item.Attempts,
			"next_run_at": nextRunAt,
			"last_error":  lastError,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("work item %s not in RUNNING state", item.ItemID)
	}
	item.Status = StatusPending
	item.NextRunAt = nextRunAt
	item.LastError = lastError
	return nil
}

// RecoverStale resets RUNNING items whose lease expired back to PENDING.
// Run at worker startup so items stranded by a crash are picked up again.
func (d *Database) RecoverStale(staleBefore time.Time) (int64, error) {
	result := d.db.Model(&WorkItem{}).
		Where("status = ? AND updated_at < ?", StatusRunning, staleBefore).
		Updates(map[string]interface{}{
			"status":      StatusPending,
			"next_run_at": time.Now(),
			"last_error":  "recovered from stale RUNNING state",
			"updated_at":  time.Now(),
		})
	return result.RowsAffected, result.Error
}

// ResetForRetry returns a dead-lettered item to PENDING with a fresh
// attempt budget. Operator-only.
func (d *Database) ResetForRetry(itemID string) (*WorkItem, error) {
	item, err := d.GetByItemID(itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusDeadLetter {
		return nil, ErrNotDeadLetter
	}

	result := d.db.Model(&WorkItem{}).
		Where("item_id = ? AND status = ?", itemID, StatusDeadLetter).
		Updates(map[string]interface{}{
			"status":      StatusPending,
			"attempts":    0,
			"next_run_at": time.Now(),
			"last_error":  "",
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotDeadLetter
	}

	return d.GetByItemID(itemID)
}

// ForceDeadLetter moves a PENDING or RUNNING item straight to DEAD_LETTER.
// Operator-only escape hatch for items that must not run again.
func (d *Database) ForceDeadLetter(itemID, reason string) (*WorkItem, error) {
	result := d.db.Model(&WorkItem{}).
		Where("item_id = ? AND status IN ?", itemID, []string{StatusPending, StatusRunning}).
		Updates(map[string]interface{}{
			"status":     StatusDeadLetter,
			"last_error": reason,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrItemNotFound
	}
	return d.GetByItemID(itemID)
}

// List returns work items filtered by status and/or type, newest first.
func (d *Database) List(status string, itemType ItemType, limit int) ([]WorkItem, error) {
	query := d.db.Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if itemType != "" {
		query = query.Where("type = ?", itemType)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var items []WorkItem
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// CountByStatus returns how many items hold the given status.
func (d *Database) CountByStatus(status string) (int64, error) {
	var count int64
	err := d.db.Model(&WorkItem{}).Where("status = ?", status).Count(&count).Error
	return count, err
}
