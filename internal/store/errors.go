/**
 * @description
 * Storage-level error taxonomy shared by every repository backend. Sentinel
 * errors cover the not-found class; ConcurrencyError is a typed error so
 * callers can surface the expected/actual version pair to clients deciding
 * whether to re-read and retry.
 */

package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrCardNotFound        = errors.New("card not found")
	ErrRequestNotFound     = errors.New("card request not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrOutboxEventNotFound = errors.New("outbox event not found")

	// ErrIdempotencyKeyExists signals a concurrent first writer already
	// claimed this (scope, key hash) pair.
	ErrIdempotencyKeyExists = errors.New("idempotency record already exists")

	// ErrRequestAlreadyDecided guards the terminal card-request statuses.
	ErrRequestAlreadyDecided = errors.New("card request already decided")

	// ErrPendingRequestExists signals a concurrent writer already holds the
	// user's single allowed pending card request.
	ErrPendingRequestExists = errors.New("user already has a pending card request")
)

// ConcurrencyError reports a stale optimistic-concurrency write. The write
// was rejected and stored state is unchanged; the caller should re-read the
// aggregate and resubmit.
type ConcurrencyError struct {
	CardID          uuid.UUID
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent modification of card %s: expected version %d, actual %d",
		e.CardID, e.ExpectedVersion, e.ActualVersion)
}
