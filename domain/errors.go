/*
errors.go - Failure taxonomy for the rewards ledger

ERROR CATEGORIES:
  1. Validation      - malformed input, rejected before any transaction starts
  2. Precondition    - detected inside a transaction; the transaction aborts
  3. Not found       - referenced user/task/submission/withdrawal missing
  4. Infrastructure  - store unavailable or write conflict

USAGE:
  Every operation returns a plain error. Callers classify with errors.Is or
  the helpers at the bottom of this file:

    if errors.Is(err, domain.ErrAlreadyReviewed) { ... }
    if domain.IsClientError(err) { status = 400 }

SEE ALSO:
  - api/handlers.go: maps these to HTTP status codes
*/
package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Validation
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidMethod = errors.New("invalid payout method")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidRecord = errors.New("invalid record")

	// Preconditions
	ErrAlreadyReviewed     = errors.New("submission already reviewed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCycleDetected       = errors.New("referral cycle detected")
	ErrCodeNotFound        = errors.New("referral code not found")
	ErrSelfReferral        = errors.New("cannot refer self")
	ErrAlreadyReferred     = errors.New("user already has a referrer")
	ErrTaskUnavailable     = errors.New("task is not available")
	ErrAlreadySubmitted    = errors.New("task already submitted")
	ErrAlreadyCheckedIn    = errors.New("already checked in today")
	ErrAlreadyResolved     = errors.New("withdrawal already resolved")
	ErrCodeSpaceExhausted  = errors.New("could not generate a unique referral code")

	// Not found
	ErrUserNotFound       = errors.New("user not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrWithdrawalNotFound = errors.New("withdrawal not found")

	// Uniqueness (raised by stores)
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrDuplicateReferralCode   = errors.New("duplicate referral code")
	ErrDuplicateEmail          = errors.New("duplicate email")
	ErrDuplicateUser           = errors.New("user already exists")

	// Infrastructure
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    string
	Available Money
	Requested Money
}

func (e *InsufficientBalanceError) Shortfall() Money { return e.Requested.Sub(e.Available) }

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// CycleError names the node that would have become its own ancestor.
type CycleError struct {
	ChildID  string
	ParentID string
	Path     []string // ancestor chain walked from the parent up to the child
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("referral cycle detected: %s is an ancestor of %s (path %v)",
		e.ChildID, e.ParentID, e.Path)
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// RecordError reports a record that failed Validate.
type RecordError struct {
	Kind   string
	Field  string
	Reason string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("invalid %s: %s %s", e.Kind, e.Field, e.Reason)
}

func (e *RecordError) Unwrap() error { return ErrInvalidRecord }

func invalid(kind, field, reason string) error {
	return &RecordError{Kind: kind, Field: field, Reason: reason}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input or a
// failed business precondition.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidMethod) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrCycleDetected) ||
		errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrSelfReferral) ||
		errors.Is(err, ErrAlreadyReferred) ||
		errors.Is(err, ErrTaskUnavailable) ||
		errors.Is(err, ErrAlreadyCheckedIn)
}

// IsConflict returns true for state conflicts: the request was valid but the
// target has already moved on.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyReviewed) ||
		errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrAlreadySubmitted) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrDuplicateReferralCode) ||
		errors.Is(err, ErrDuplicateEmail) ||
		errors.Is(err, ErrDuplicateUser)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrSubmissionNotFound) ||
		errors.Is(err, ErrWithdrawalNotFound)
}
