/**
 * @description
 * This file defines the core domain models for the card-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API commands, database models, and event
 *   payloads ensures clear separation of concerns and type safety.
 * - Monetary amounts are stored as `int64` in the smallest currency unit,
 *   which avoids floating-point inaccuracies with financial data.
 * - Credit scores are integers clamped to [0, 1000]; the tier is always
 *   derived from the score, never stored independently of it.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Card statuses.
const (
	CardStatusActive    = "active"
	CardStatusSuspended = "suspended"
	CardStatusCancelled = "cancelled"
)

// CardRequest statuses.
const (
	RequestStatusPending  = "pending"
	RequestStatusApproved = "approved"
	RequestStatusRejected = "rejected"
)

// Decision sources.
const (
	DecisionSourceAuto  = "auto"
	DecisionSourceAdmin = "admin"
)

// Transaction types and statuses.
const (
	TransactionTypePurchase = "purchase"
	TransactionTypePayment  = "payment"

	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"

	PaymentStatusOnTime = "on_time"
	PaymentStatusLate   = "late"
)

// Score tiers derived from the user's current score.
const (
	TierLow    = "low"
	TierMedium = "medium"
	TierHigh   = "high"
)

// User represents a card-product customer. The `CardSummary` is a
// denormalized aggregate recomputed after every card lifecycle change.
type User struct {
	EcosystemID  uuid.UUID   `json:"ecosystem_id"`
	CurrentScore int         `json:"current_score"`
	Tier         string      `json:"tier"`
	CardSummary  CardSummary `json:"card_summary"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// CardSummary is the denormalized view of a user's active cards.
type CardSummary struct {
	ActiveCardCount int   `json:"active_card_count"`
	TotalBalance    int64 `json:"total_balance"`
	TotalLimit      int64 `json:"total_limit"`
}

// ScoreRecord captures one score adjustment for audit purposes.
type ScoreRecord struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	PreviousScore int       `json:"previous_score"`
	NewScore      int       `json:"new_score"`
	Reason        string    `json:"reason"`
	Source        string    `json:"source"` // 'auto' or 'admin'
	CreatedAt     time.Time `json:"created_at"`
}

// Card is the versioned financial aggregate. Invariant:
// AvailableCredit == Limit - Balance, always. Version starts at 1 and is
// incremented on every balance mutation; writers supply the version they
// expect and the store rejects stale writes.
type Card struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	Status          string     `json:"status"`
	Limit           int64      `json:"limit"`
	Balance         int64      `json:"balance"`
	AvailableCredit int64      `json:"available_credit"`
	MinimumPayment  int64      `json:"minimum_payment"`
	Version         int64      `json:"version"`
	NextDueDate     time.Time  `json:"next_due_date"`
	ApprovedBy      string     `json:"approved_by"` // 'auto' or 'admin'
	ScoreAtApproval int        `json:"score_at_approval"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CardBalanceUpdate carries the optimistic-concurrency guarded fields for a
// balance mutation. Version is the value the caller expects to be writing
// (last observed version + 1).
type CardBalanceUpdate struct {
	Balance         int64 `json:"balance"`
	AvailableCredit int64 `json:"available_credit"`
	MinimumPayment  int64 `json:"minimum_payment"`
	Version         int64 `json:"version"`
}

// Decision records how a card request was resolved.
type Decision struct {
	Outcome       string     `json:"outcome"` // 'approved' or 'rejected'
	Source        string     `json:"source"`  // 'auto' or 'admin'
	AdminID       *uuid.UUID `json:"admin_id,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	ApprovedLimit int64      `json:"approved_limit,omitempty"`
	DecidedAt     time.Time  `json:"decided_at"`
}

// CardRequest tracks one application for a card. A user holds at most one
// pending request at a time; approved/rejected are terminal.
type CardRequest struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	Status          string     `json:"status"`
	ScoreAtRequest  int        `json:"score_at_request"`
	TierAtRequest   string     `json:"tier_at_request"`
	Decision        *Decision  `json:"decision,omitempty"`
	ResultingCardID *uuid.UUID `json:"resulting_card_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Transaction is the append-only ledger record for a purchase or payment
// against a card. Failed attempts are recorded too, with a failure reason,
// so rejected commands leave an audit trail.
type Transaction struct {
	ID             uuid.UUID `json:"id"`
	CardID         uuid.UUID `json:"card_id"`
	UserID         uuid.UUID `json:"user_id"`
	Type           string    `json:"type"`
	Amount         int64     `json:"amount"`
	Status         string    `json:"status"`
	FailureReason  *string   `json:"failure_reason,omitempty"`
	PaymentStatus  *string   `json:"payment_status,omitempty"` // payments only
	DaysOverdue    int       `json:"days_overdue,omitempty"`
	ScoreImpact    int       `json:"score_impact,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TransactionFilter narrows FindByCard queries.
type TransactionFilter struct {
	Type   string
	Status string
	Limit  int
	Offset int
}

// CardFilter narrows FindByUser queries.
type CardFilter struct {
	Status string
}

// IdempotencyRecord caches the outcome of a completed command, keyed by
// (owner scope, hash of caller key). Immutable until expiry; a record past
// ExpiresAt is treated as absent regardless of physical deletion timing.
type IdempotencyRecord struct {
	Scope      uuid.UUID `json:"scope"`
	KeyHash    string    `json:"key_hash"`
	Operation  string    `json:"operation"`
	Response   []byte    `json:"response"`
	StatusCode int       `json:"status_code"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the record should be treated as absent.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// AuditLogEntry records one admin-initiated state change.
type AuditLogEntry struct {
	ID            uuid.UUID `json:"id"`
	ActorID       uuid.UUID `json:"actor_id"`
	Action        string    `json:"action"`
	TargetType    string    `json:"target_type"`
	TargetID      uuid.UUID `json:"target_id"`
	PreviousValue []byte    `json:"previous_value,omitempty"`
	NewValue      []byte    `json:"new_value,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CanTransitionCardStatus validates the card status state machine:
// active <-> suspended; {active,suspended} -> cancelled (terminal), and
// cancellation is only legal when the balance is zero.
func CanTransitionCardStatus(card *Card, target string) bool {
	switch card.Status {
	case CardStatusActive:
		switch target {
		case CardStatusSuspended:
			return true
		case CardStatusCancelled:
			return card.Balance == 0
		}
	case CardStatusSuspended:
		switch target {
		case CardStatusActive:
			return true
		case CardStatusCancelled:
			return card.Balance == 0
		}
	case CardStatusCancelled:
		// Terminal; no transition out.
		return false
	}
	return false
}

// RequestIsTerminal reports whether a card request can no longer change.
func RequestIsTerminal(status string) bool {
	return status == RequestStatusApproved || status == RequestStatusRejected
}
