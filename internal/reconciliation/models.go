package reconciliation

import (
	"time"

	"gorm.io/gorm"
)

// Finding categories. MISSING_LOCAL and status divergences are auto-healed
// from brokerage state; UNREAL records that never reached the brokerage are
// cleaned up; ORPHANED_LOCAL is evidence of a possibly-real trade and waits
// for an operator.
const (
	CategoryMissingLocal  = "MISSING_LOCAL"
	CategoryOrphanedLocal = "ORPHANED_LOCAL"
	CategoryUnreal        = "UNREAL"
	CategorySynced        = "SYNCED"
)

// Finding resolutions.
const (
	ResolutionAutoHealed    = "AUTO_HEALED"
	ResolutionNeedsOperator = "NEEDS_OPERATOR"
)

// Run triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Run statuses.
const (
	RunStatusCompleted = "COMPLETED"
)

// Run is the persisted log of one reconciliation pass. Failed passes leave
// no run row: a brokerage error aborts before any local mutation and the
// owning work item's retry policy takes over.
type Run struct {
	gorm.Model    `json:"-"`
	RunID         string    `gorm:"uniqueIndex" json:"run_id"`
	Trigger       string    `json:"trigger"`
	Status        string    `json:"status"`
	OrdersChecked int       `json:"orders_checked"`
	SyncedCount   int       `json:"synced_count"`
	HealedCount   int       `json:"healed_count"`
	FindingsCount int       `json:"findings_count"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Finding is one recorded divergence. Confirmed-consistent records are
// counted on the run but not persisted as rows, so a pass over an already
// consistent ledger writes nothing.
type Finding struct {
	gorm.Model `json:"-"`
	FindingID  string    `gorm:"uniqueIndex" json:"finding_id"`
	RunID      string    `gorm:"index" json:"run_id"`
	Category   string    `json:"category"`
	Symbol     string    `json:"symbol"`
	LocalRef   string    `json:"local_ref,omitempty"`
	BrokerRef  string    `json:"broker_ref,omitempty"`
	Detail     string    `json:"detail"`
	Resolution string    `json:"resolution"`
	CreatedAt  time.Time `json:"created_at"`
}
