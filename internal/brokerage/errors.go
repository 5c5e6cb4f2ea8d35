package brokerage

import (
	"errors"
	"fmt"
)

// ErrOrderNotFound is returned by order lookups when the brokerage has no
// record of the requested order.
var ErrOrderNotFound = errors.New("brokerage: order not found")

// RejectionError means the brokerage explicitly refused the order (bad
// symbol, insufficient buying power). Terminal: the order must not be
// retried.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("brokerage rejected order: %s", e.Reason)
}

// TransientError covers network, rate-limit and server errors where the
// request is known not to have taken effect. Safe to retry with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient brokerage error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AmbiguousError means the call timed out with unknown server-side effect.
// The order may or may not exist at the brokerage; callers must resolve the
// outcome with a lookup by client order ID before any retry decision.
type AmbiguousError struct {
	Err error
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous brokerage outcome: %v", e.Err)
}

func (e *AmbiguousError) Unwrap() error { return e.Err }

// IsRejection reports whether err is a terminal brokerage rejection.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}

// IsTransient reports whether err is a retryable brokerage failure.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsAmbiguous reports whether err left the brokerage-side outcome unknown.
func IsAmbiguous(err error) bool {
	var a *AmbiguousError
	return errors.As(err, &a)
}
