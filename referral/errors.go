/*
errors.go - Centralized error types for the referral engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores return these sentinels; adapters map them to transport codes.

ERROR CATEGORIES:
  1. Validation errors - Bad input, surfaced directly, never retried
  2. Graph errors - Unknown users, duplicate codes, full referrers
  3. Ledger errors - Finalized entries, idempotency collisions
  4. Concurrency errors - Optimistic lock conflicts, retried internally
  5. Commission errors - Purchase recorded, commission outstanding

CALLER CONTRACT:
  A *CommissionError means "the purchase happened, its commission did not
  fully land yet". It must never be treated as success or as "nothing
  happened". Every other error from ProcessPurchase means nothing was
  recorded.

SEE ALSO:
  - engine.go: Produces CommissionError
  - api/handlers.go: Maps errors to HTTP statuses
*/
package referral

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicateCode is returned when a referral code is already taken.
	ErrDuplicateCode = errors.New("duplicate referral code")

	// ErrDuplicateUser is returned when the username or email is taken.
	ErrDuplicateUser = errors.New("user already exists")

	ErrReferrerNotFound = errors.New("referrer not found")

	// ErrReferrerCapacityExceeded is returned when the referrer already holds
	// the maximum number of direct referrals.
	ErrReferrerCapacityExceeded = errors.New("referrer has reached maximum direct referrals")

	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidEntry is returned for structurally malformed ledger writes.
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrAllocationExhausted is returned when no free referral code was found
	// within the attempt budget.
	ErrAllocationExhausted = errors.New("referral code allocation exhausted")

	// ErrAlreadyFinalized is returned when changing the status of a COMPLETED
	// or FAILED entry.
	ErrAlreadyFinalized = errors.New("entry already finalized")

	// ErrPersistenceConflict is returned when an optimistic update lost a race.
	// Retryable.
	ErrPersistenceConflict = errors.New("persistence conflict")

	ErrEntryNotFound = errors.New("entry not found")

	// ErrDuplicateIdempotencyKey is returned by stores when a purchase with the
	// same idempotency key exists. The engine absorbs it.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyMismatch is returned when a key is reused for a different
	// purchase.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different purchase")

	// ErrCommissionIncomplete is the sentinel behind CommissionError.
	ErrCommissionIncomplete = errors.New("commission incomplete")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CapacityError names the full referrer.
type CapacityError struct {
	ReferrerID UserID
	Cap        int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("referrer %s already has %d direct referrals", e.ReferrerID, e.Cap)
}

func (e *CapacityError) Unwrap() error {
	return ErrReferrerCapacityExceeded
}

// CommissionError reports a purchase that was recorded but whose commission
// could not be applied. The purchase is left FAILED_PARTIAL.
type CommissionError struct {
	PurchaseID  EntryID
	Outstanding []Level
	Err         error
}

func (e *CommissionError) Error() string {
	levels := make([]string, len(e.Outstanding))
	for i, l := range e.Outstanding {
		levels[i] = fmt.Sprintf("L%d", l)
	}
	return fmt.Sprintf("commission incomplete for purchase %s (outstanding: %s): %v",
		e.PurchaseID, strings.Join(levels, ","), e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *CommissionError) Unwrap() []error {
	return []error{ErrCommissionIncomplete, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrReferrerCapacityExceeded) ||
		errors.Is(err, ErrDuplicateUser) ||
		errors.Is(err, ErrIdempotencyMismatch) ||
		errors.Is(err, ErrReferrerNotFound)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}
