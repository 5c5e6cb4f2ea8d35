package execution

import (
	"time"

	"gorm.io/gorm"
)

// Order execution states. SUBMITTING and SUBMITTED are in-flight;
// PARTIALLY_FILLED is in-flight with fills attached; FILLED, CANCELED and
// REJECTED are terminal. FAILED is retryable: the owning work item may
// re-invoke Submit, which resolves the brokerage-side outcome first.
const (
	StatusSubmitting      = "SUBMITTING"
	StatusSubmitted       = "SUBMITTED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusRejected        = "REJECTED"
	StatusFailed          = "FAILED"
)

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

// OrderExecutionRecord is the local view of one brokerage order, keyed by
// the caller-generated client order ID. Exactly one non-terminal record may
// exist per client order ID; resubmission returns the existing record. The
// Version column guards every transition against concurrent attempts.
type OrderExecutionRecord struct {
	gorm.Model     `json:"-"`
	ClientOrderID  string    `gorm:"uniqueIndex" json:"client_order_id"`
	BrokerOrderID  string    `gorm:"index" json:"broker_order_id,omitempty"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	OrderType      string    `json:"order_type"`
	Quantity       float64   `json:"quantity"`
	Notional       float64   `json:"notional"`
	LimitPrice     float64   `json:"limit_price"`
	FilledQuantity float64   `json:"filled_quantity"`
	FilledAvgPrice float64   `json:"filled_avg_price"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	Version        int       `json:"-"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SubmitRequest describes one order submission.
type SubmitRequest struct {
	ClientOrderID string  `json:"client_order_id" binding:"required"`
	Symbol        string  `json:"symbol" binding:"required"`
	Side          string  `json:"side" binding:"required"`
	OrderType     string  `json:"order_type"`
	Quantity      float64 `json:"quantity"`
	Notional      float64 `json:"notional"`
	LimitPrice    float64 `json:"limit_price"`
}

// SubmitPayload is the ORDER_SUBMIT work item payload. Origin records
// whether the decision came from the engine or an operator, which the risk
// gate needs for mode-dependent enforcement.
type SubmitPayload struct {
	SubmitRequest
	Origin string `json:"origin"`
}

// EstimatedNotional returns the order's approximate value in account
// currency for pre-trade exposure checks.
func (p *SubmitPayload) EstimatedNotional() float64 {
	if p.Notional > 0 {
		return p.Notional
	}
	return p.Quantity * p.LimitPrice
}

// SyncPayload is the ORDER_SYNC work item payload.
type SyncPayload struct {
	ClientOrderID string `json:"client_order_id"`
}
