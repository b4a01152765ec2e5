package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's control flow. Checked with errors.Is.
var (
	// ErrInsufficientBalance is a logic guard: the requested debit or order
	// notional exceeds the available quote balance. Never retried.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrStaleData means a feature window or order book is unusable for this
	// cycle. The pair is skipped, not the cycle.
	ErrStaleData = errors.New("stale data")

	// ErrRiskHalt means the global drawdown gate tripped. The orchestrator
	// stops for the rest of the session.
	ErrRiskHalt = errors.New("risk gate halt")
)

// TransientError wraps a network or rate-limit failure from an exchange.
// The failed step simply did not happen; callers retry with backoff or skip
// the pair for the cycle.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for operation op.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
