/**
 * @description
 * This file defines the outbox event model and the domain event payloads
 * emitted by command handlers. Events are persisted to the outbox inside the
 * command flow and delivered asynchronously by the dispatcher, so handlers
 * never block on the notification channel.
 *
 * @notes
 * - SequenceNumber is assigned by the outbox store when the caller passes
 *   the AutoSequence sentinel; numbers are strictly monotonic and gap-free
 *   per (EntityType, EntityID).
 * - Delivery status transitions are pending -> sent, pending/failed ->
 *   failed (with backoff bookkeeping), failed -> dead_lettered. Nothing else.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AutoSequence is the sentinel callers pass so the outbox store assigns the
// next per-entity sequence number atomically at write time.
const AutoSequence int64 = 0

// Outbox delivery statuses.
const (
	DeliveryStatusPending      = "pending"
	DeliveryStatusSent         = "sent"
	DeliveryStatusFailed       = "failed"
	DeliveryStatusDeadLettered = "dead_lettered"
)

// Outbox entity scopes used for per-entity sequencing.
const (
	EntityTypeCard = "card"
	EntityTypeUser = "user"
)

// Domain event types.
const (
	EventCardRequested       = "card.requested"
	EventCardApproved        = "card.approved"
	EventCardRejected        = "card.rejected"
	EventCardCancelled       = "card.cancelled"
	EventCardSuspended       = "card.suspended"
	EventCardReactivated     = "card.reactivated"
	EventTransactionPurchase = "transaction.purchase"
	EventTransactionPayment  = "transaction.payment"
	EventUserScoreChanged    = "user.score_changed"
)

// OutboxEvent is the append-only, per-entity-sequenced record of a domain
// event with retry and dead-letter bookkeeping.
type OutboxEvent struct {
	ID             uuid.UUID       `json:"id"`
	EventType      string          `json:"event_type"`
	EntityType     string          `json:"entity_type"`
	EntityID       uuid.UUID       `json:"entity_id"`
	SequenceNumber int64           `json:"sequence_number"`
	Payload        json.RawMessage `json:"payload"`
	DeliveryStatus string          `json:"delivery_status"`
	RetryCount     int             `json:"retry_count"`
	LastError      *string         `json:"last_error,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
}

// CardRequestedPayload is emitted when a card request is created, whether it
// auto-approves or stays pending for admin review.
type CardRequestedPayload struct {
	RequestID      uuid.UUID `json:"request_id"`
	UserID         uuid.UUID `json:"user_id"`
	Status         string    `json:"status"`
	ScoreAtRequest int       `json:"score_at_request"`
	TierAtRequest  string    `json:"tier_at_request"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// CardDecisionPayload is emitted for card.approved / card.rejected.
type CardDecisionPayload struct {
	RequestID  uuid.UUID  `json:"request_id"`
	UserID     uuid.UUID  `json:"user_id"`
	CardID     *uuid.UUID `json:"card_id,omitempty"`
	Source     string     `json:"source"`
	Limit      int64      `json:"limit,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// CardLifecyclePayload is emitted for cancel / suspend / reactivate.
type CardLifecyclePayload struct {
	CardID     uuid.UUID `json:"card_id"`
	UserID     uuid.UUID `json:"user_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TransactionPayload is emitted for completed purchases and payments.
type TransactionPayload struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	CardID        uuid.UUID `json:"card_id"`
	UserID        uuid.UUID `json:"user_id"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	Balance       int64     `json:"balance"`
	PaymentStatus string    `json:"payment_status,omitempty"`
	DaysOverdue   int       `json:"days_overdue,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// ScoreChangedPayload is the secondary event emitted when a payment or an
// admin adjustment moves a user's score.
type ScoreChangedPayload struct {
	UserID        uuid.UUID `json:"user_id"`
	PreviousScore int       `json:"previous_score"`
	NewScore      int       `json:"new_score"`
	Reason        string    `json:"reason"`
	Source        string    `json:"source"`
	OccurredAt    time.Time `json:"occurred_at"`
}
