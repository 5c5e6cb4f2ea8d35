package queue

import (
	"time"

	"gorm.io/gorm"
)

// ItemType is the closed set of work the queue knows how to execute. Every
// type must have a handler registered on the worker before it starts.
type ItemType string

const (
	TypeOrderSubmit       ItemType = "ORDER_SUBMIT"
	TypeOrderSync         ItemType = "ORDER_SYNC"
	TypeReconcile         ItemType = "RECONCILE"
	TypeAssetUniverseSync ItemType = "ASSET_UNIVERSE_SYNC"
	TypeCloseAllPositions ItemType = "CLOSE_ALL_POSITIONS"
)

// Work item statuses. PENDING items become RUNNING when claimed, then either
// SUCCEEDED, back to PENDING for a retry, FAILED on a terminal error, or
// DEAD_LETTER once attempts are exhausted.
const (
	StatusPending    = "PENDING"
	StatusRunning    = "RUNNING"
	StatusSucceeded  = "SUCCEEDED"
	StatusFailed     = "FAILED"
	StatusDeadLetter = "DEAD_LETTER"
)

// WorkItem is one unit of deferred, retryable work. Items are never deleted;
// terminal rows stay behind as the audit trail.
type WorkItem struct {
	gorm.Model     `json:"-"`
	ItemID         string    `gorm:"uniqueIndex" json:"item_id"`
	Type           ItemType  `json:"type"`
	Payload        string    `json:"payload"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	IdempotencyKey *string   `gorm:"uniqueIndex" json:"idempotency_key,omitempty"`
	NextRunAt      time.Time `json:"next_run_at"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EnqueueOptions carries the optional parts of an enqueue call.
type EnqueueOptions struct {
	// IdempotencyKey collapses duplicate enqueues: a second enqueue with the
	// same key is a no-op returning the existing item.
	IdempotencyKey string
	// MaxAttempts overrides the default retry budget when > 0.
	MaxAttempts int
	// NotBefore delays the first run when set.
	NotBefore time.Time
}
