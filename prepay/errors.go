/*
errors.go - Centralized error types for the prepayment domain

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is / errors.As; the API layer maps
  them to HTTP statuses with the helpers at the bottom.

ERROR CATEGORIES:
  1. Not-found errors  - Unknown prepayment/entry identifiers
  2. State errors      - Operation attempted from a disallowed status
  3. Validation errors - Malformed input, wrong amortization method
  4. Dependency errors - Ledger posting failures
  5. Concurrency       - Optimistic-lock conflicts (retryable)

SEE ALSO:
  - ../engine: Wraps these errors with operation context
  - ../api/handlers.go: Maps them to HTTP statuses
*/
package prepay

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrPrepaymentNotFound is returned when a referenced prepayment doesn't exist.
	ErrPrepaymentNotFound = errors.New("prepayment not found")

	// ErrEntryNotFound is returned when a referenced amortization entry doesn't exist.
	ErrEntryNotFound = errors.New("amortization entry not found")

	// ErrInvalidState is returned when an operation is attempted from a
	// disallowed status, e.g. approving a non-pending prepayment or
	// reprocessing a processed entry. The operation performs no mutation.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrValidation is returned for malformed or inapplicable input, e.g.
	// recording usage on a straight-line prepayment.
	ErrValidation = errors.New("validation failed")

	// ErrLedgerPosting is returned when the general-ledger collaborator
	// rejects or fails a journal posting. The unit of work rolls back.
	ErrLedgerPosting = errors.New("ledger posting failed")

	// ErrConcurrentModification is returned when optimistic locking detects
	// a conflicting update to the same prepayment. Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateNumber is returned when a prepayment number collides.
	ErrDuplicateNumber = errors.New("duplicate prepayment number")

	// ErrOutOfOrder is returned when a calendar-scheduled entry is processed
	// before an earlier scheduled entry of the same prepayment.
	ErrOutOfOrder = errors.New("earlier scheduled entries must be processed first")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidStateError reports the status that blocked an operation.
type InvalidStateError struct {
	Op       string // e.g. "approve", "process", "reverse"
	Current  string // current status
	Required string // status the operation requires
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s requires status %s, current status is %s", e.Op, e.Required, e.Current)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ValidationError reports which field or rule failed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// BalanceInvariantError indicates the balance identity was violated. Seeing
// this error means a bug: the unit-of-work discipline should make it
// unreachable.
type BalanceInvariantError struct {
	PrepaymentID     PrepaymentID
	TotalAmount      decimal.Decimal
	AmortizedAmount  decimal.Decimal
	RemainingBalance decimal.Decimal
}

func (e *BalanceInvariantError) Error() string {
	return fmt.Sprintf("balance invariant violated for %s: total=%s amortized=%s remaining=%s",
		e.PrepaymentID, e.TotalAmount, e.AmortizedAmount, e.RemainingBalance)
}

// LedgerError wraps a failure from the ledger collaborator.
type LedgerError struct {
	PrepaymentID PrepaymentID
	EntryID      EntryID
	Err          error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger posting failed for entry %s: %v", e.EntryID, e.Err)
}

func (e *LedgerError) Unwrap() error { return ErrLedgerPosting }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrOutOfOrder) ||
		errors.Is(err, ErrDuplicateNumber)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPrepaymentNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}
