/**
 * @description
 * This file defines the storage ports required by the card-service. Each
 * store is a narrow interface owned by one aggregate; the `Repository`
 * interface aggregates them for convenience when one backend implements all
 * of them. Command handlers depend only on these abstractions, never on a
 * concrete backend, which keeps the Postgres and in-memory implementations
 * interchangeable.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/korecard/card-service/internal/domain"
)

// UserStore persists users, their scores and the denormalized card summary.
type UserStore interface {
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	SaveUser(ctx context.Context, user *domain.User) error
	// UpdateScore persists a new (already clamped) score and records a
	// ScoreRecord explaining the change.
	UpdateScore(ctx context.Context, userID uuid.UUID, newScore int, reason, source string) (*domain.ScoreRecord, error)
	UpdateCardSummary(ctx context.Context, userID uuid.UUID, summary domain.CardSummary) error
}

// CardStore persists the versioned card aggregate. UpdateBalance must
// compare-and-write atomically: the update carries the version the caller
// expects to be writing and the store rejects with *ConcurrencyError when
// the stored version differs, performing no write.
type CardStore interface {
	FindCardByID(ctx context.Context, cardID uuid.UUID) (*domain.Card, error)
	FindCardsByUser(ctx context.Context, userID uuid.UUID, filter domain.CardFilter) ([]domain.Card, error)
	SaveCard(ctx context.Context, card *domain.Card) error
	UpdateBalance(ctx context.Context, cardID uuid.UUID, update domain.CardBalanceUpdate) error
	UpdateCardStatus(ctx context.Context, cardID uuid.UUID, status string) error
}

// CardRequestStore persists card applications and their decisions.
type CardRequestStore interface {
	FindRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.CardRequest, error)
	FindPendingRequestByUser(ctx context.Context, userID uuid.UUID) (*domain.CardRequest, error)
	FindRejectedRequestsByUser(ctx context.Context, userID uuid.UUID, withinDays int) ([]domain.CardRequest, error)
	SaveRequest(ctx context.Context, request *domain.CardRequest) error
	UpdateRequestStatus(ctx context.Context, requestID uuid.UUID, status string, decision *domain.Decision, resultingCardID *uuid.UUID) error
}

// TransactionStore is the append-only purchase/payment ledger.
type TransactionStore interface {
	FindTransactionsByCard(ctx context.Context, cardID uuid.UUID, filter domain.TransactionFilter) ([]domain.Transaction, error)
	SaveTransaction(ctx context.Context, tx *domain.Transaction) error
}

// IdempotencyStore caches command outcomes keyed by (scope, key hash).
// Save must use unique-key-insert semantics so concurrent first writers are
// serialized; the loser receives ErrIdempotencyKeyExists.
type IdempotencyStore interface {
	FindIdempotencyRecord(ctx context.Context, scope uuid.UUID, keyHash string) (*domain.IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, record *domain.IdempotencyRecord) error
	DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
}

// OutboxStore persists domain events with per-entity sequencing and
// delivery bookkeeping. SaveOutboxEvent assigns the next sequence number
// atomically when the event carries domain.AutoSequence.
type OutboxStore interface {
	SaveOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error
	FindPendingOutboxEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	FindOutboxEventsReadyForRetry(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error)
	MarkOutboxEventSent(ctx context.Context, eventID uuid.UUID) error
	MarkOutboxEventFailed(ctx context.Context, eventID uuid.UUID, deliveryError string, nextRetryAt time.Time) error
	MarkOutboxEventDeadLettered(ctx context.Context, eventID uuid.UUID, deliveryError string) error
}

// AuditLogStore records admin-initiated state changes.
type AuditLogStore interface {
	SaveAuditLogEntry(ctx context.Context, entry *domain.AuditLogEntry) error
}

// Repository aggregates every port for backends that implement all of them.
type Repository interface {
	UserStore
	CardStore
	CardRequestStore
	TransactionStore
	IdempotencyStore
	OutboxStore
	AuditLogStore
}
