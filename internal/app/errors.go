/**
 * @description
 * Business-level error taxonomy for command handlers. Storage-level errors
 * (not-found, concurrency) live in internal/store; everything here is a
 * refusal the business rules produce before or instead of a mutation.
 *
 * Caller guidance per kind:
 * - ValidationError / ErrInvalidAmount: fix the input, do not retry as-is.
 * - NotEligibleError: terminal for this command.
 * - ErrInsufficientCredit: terminal, billable refusal.
 * - IdempotencyMismatchError: a client bug (key reused across operations);
 *   never retried, and "use a new key" is the wrong fix.
 * - LimitExceedsPolicyError: needs a smaller limit or a policy change.
 */

package app

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInsufficientCredit = errors.New("purchase amount exceeds available credit")
	ErrInvalidAmount      = errors.New("amount must be positive and within the card balance")
)

// ValidationError reports a malformed command. Non-retryable without fixing
// the input.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid command: %s %s", e.Field, e.Detail)
}

// NotEligibleError is a business-rule refusal of a card request.
type NotEligibleError struct {
	Reason string
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("not eligible: %s", e.Reason)
}

// IdempotencyMismatchError reports the same idempotency key being reused for
// a different operation.
type IdempotencyMismatchError struct {
	KeyHash            string
	RecordedOperation  string
	AttemptedOperation string
}

func (e *IdempotencyMismatchError) Error() string {
	return fmt.Sprintf("idempotency key already used for operation %q, not %q",
		e.RecordedOperation, e.AttemptedOperation)
}

// LimitExceedsPolicyError reports an admin approval above the tier ceiling.
// The violation is reported, never silently clamped.
type LimitExceedsPolicyError struct {
	RequestID      uuid.UUID
	RequestedLimit int64
	Tier           string
	Detail         string
}

func (e *LimitExceedsPolicyError) Error() string {
	return fmt.Sprintf("approved limit %d violates policy for request %s: %s",
		e.RequestedLimit, e.RequestID, e.Detail)
}
