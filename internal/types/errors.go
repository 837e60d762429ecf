package types

import "errors"

// Error classes shared by every engine component. Callers wrap them with
// fmt.Errorf("%w: ...") and test with errors.Is.
var (
	// ErrValidation marks malformed input; never retried
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown loan, holding or scheme
	ErrNotFound = errors.New("not found")
	// ErrExternalData marks stale or missing price data and zero collateral
	ErrExternalData = errors.New("external data error")
	// ErrInconsistentState marks an invariant violation; the loan is taken out of automation
	ErrInconsistentState = errors.New("inconsistent state")
	// ErrConcurrencyConflict marks a lost optimistic or conditional write
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)
