package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInstrumentNotFound is returned for operations against an unknown
	// instrument id
	ErrInstrumentNotFound = errors.New("instrument not found")
	// ErrOrderNotFound is returned by cancel when the order id is absent
	// from the book; balances are untouched
	ErrOrderNotFound = errors.New("order not found")
	// ErrNotOwner is returned by cancel when the requester does not own
	// the order; a hard rejection, distinct from ErrOrderNotFound
	ErrNotOwner = errors.New("order not owned by requester")
	// ErrConflict signals an optimistic-concurrency version mismatch from
	// the backing store; callers should re-read and resubmit
	ErrConflict = errors.New("concurrent modification, retry")
)

// ValidationError rejects a submission before any book or ledger mutation.
// The validation path leaves all state untouched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid order: " + e.Reason
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// SettlementError reports a ledger failure mid-settlement. The failed
// chunk's partial effects have been rolled back before this is returned;
// chunks settled earlier in the same submission remain final.
type SettlementError struct {
	Cause error
}

func (e *SettlementError) Error() string {
	return "settlement failed: " + e.Cause.Error()
}

func (e *SettlementError) Unwrap() error {
	return e.Cause
}
