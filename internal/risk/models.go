package risk

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Trading modes. Autonomous enforces every policy check on every origin;
// semi-auto lets an operator override limit refusals on manually triggered
// orders; manual additionally refuses automatically generated orders.
const (
	ModeAutonomous = "autonomous"
	ModeSemiAuto   = "semi_auto"
	ModeManual     = "manual"
)

// Submission origins consulted by the gate.
const (
	OriginAutomatic = "automatic"
	OriginManual    = "manual"
)

// limitsKey pins the Limits table to a single row.
const limitsKey = "risk_limits"

// Limits is the process-wide risk configuration. One persisted row, cached
// in memory by the Gate and refreshed on every mutation. The kill switch is
// part of this row so it survives restarts.
type Limits struct {
	gorm.Model              `json:"-"`
	Key                     string    `gorm:"uniqueIndex" json:"-"`
	KillSwitchActive        bool      `json:"kill_switch_active"`
	KillSwitchReason        string    `json:"kill_switch_reason,omitempty"`
	TradingMode             string    `json:"trading_mode"`
	MaxPositionSizePercent  float64   `json:"max_position_size_percent"`
	MaxTotalExposurePercent float64   `json:"max_total_exposure_percent"`
	MaxPositionsCount       int       `json:"max_positions_count"`
	DailyLossLimitPercent   float64   `json:"daily_loss_limit_percent"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// defaultLimits seeds the singleton row on first startup.
func defaultLimits() Limits {
	return Limits{
		Key:                     limitsKey,
		TradingMode:             ModeSemiAuto,
		MaxPositionSizePercent:  10,
		MaxTotalExposurePercent: 50,
		MaxPositionsCount:       20,
		DailyLossLimitPercent:   5,
	}
}

// PolicyError is a gate refusal. Terminal for the refused submission and
// logged distinctly from brokerage errors, since no external call was made.
type PolicyError struct {
	Rule   string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("risk policy %s: %s", e.Rule, e.Reason)
}

// OrderCheck describes a proposed submission for the gate to evaluate.
type OrderCheck struct {
	Symbol string
	Side   string
	// Notional is the estimated order value in account currency. Zero for a
	// quantity-only market order; the gate then derives a basis from the
	// symbol's position entry price or refuses the order.
	Notional float64
	// Quantity is the order size in shares, used to derive a notional when
	// the caller has no price basis.
	Quantity float64
	// Origin is OriginAutomatic for engine-generated submissions and
	// OriginManual for operator-triggered ones.
	Origin string
}
