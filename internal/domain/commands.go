/**
 * @description
 * Command and result types for every use case the service exposes. Commands
 * carry the caller-supplied idempotency key; results carry a FromIdempotency
 * flag so callers can tell a cached replay from a fresh execution.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Operation names recorded in the idempotency ledger. Reusing a key across
// different operations is a client bug and is rejected.
const (
	OpRequestCard         = "request_card"
	OpPurchase            = "purchase"
	OpPayment             = "payment"
	OpCancelCard          = "cancel_card"
	OpSuspendCard         = "suspend_card"
	OpReactivateCard      = "reactivate_card"
	OpAdminApproveRequest = "admin_approve_request"
	OpAdminRejectRequest  = "admin_reject_request"
	OpAdminAdjustScore    = "admin_adjust_score"
)

// RequestCardCommand asks for a new card on behalf of a user.
type RequestCardCommand struct {
	UserID         uuid.UUID `json:"user_id"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// RequestCardResult is the cached-and-returned outcome of a card request.
type RequestCardResult struct {
	RequestID       uuid.UUID  `json:"request_id"`
	Status          string     `json:"status"`
	Tier            string     `json:"tier"`
	ApprovedLimit   int64      `json:"approved_limit,omitempty"`
	CardID          *uuid.UUID `json:"card_id,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	FromIdempotency bool       `json:"from_idempotency"`
}

// PurchaseCommand debits available credit on a card.
type PurchaseCommand struct {
	UserID         uuid.UUID `json:"user_id"`
	CardID         uuid.UUID `json:"card_id"`
	Amount         int64     `json:"amount"`
	Description    string    `json:"description,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// PaymentCommand pays down a card balance. PaymentDate may be supplied by the
// caller for simulation; it defaults to the current time.
type PaymentCommand struct {
	UserID         uuid.UUID  `json:"user_id"`
	CardID         uuid.UUID  `json:"card_id"`
	Amount         int64      `json:"amount"`
	PaymentDate    *time.Time `json:"payment_date,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// TransactionResult is returned by both purchase and payment.
type TransactionResult struct {
	TransactionID   uuid.UUID `json:"transaction_id"`
	CardID          uuid.UUID `json:"card_id"`
	Type            string    `json:"type"`
	Amount          int64     `json:"amount"`
	Status          string    `json:"status"`
	Balance         int64     `json:"balance"`
	AvailableCredit int64     `json:"available_credit"`
	MinimumPayment  int64     `json:"minimum_payment"`
	PaymentStatus   string    `json:"payment_status,omitempty"`
	DaysOverdue     int       `json:"days_overdue,omitempty"`
	ScoreImpact     int       `json:"score_impact,omitempty"`
	NewScore        int       `json:"new_score,omitempty"`
	FromIdempotency bool      `json:"from_idempotency"`
}

// CancelCardCommand cancels a zero-balance card. Terminal.
type CancelCardCommand struct {
	UserID         uuid.UUID `json:"user_id"`
	CardID         uuid.UUID `json:"card_id"`
	Reason         string    `json:"reason,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// CardStatusCommand suspends or reactivates a card (admin-initiated).
type CardStatusCommand struct {
	AdminID        uuid.UUID `json:"admin_id"`
	CardID         uuid.UUID `json:"card_id"`
	Reason         string    `json:"reason,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// CardStatusResult is returned by cancel, suspend and reactivate.
type CardStatusResult struct {
	CardID          uuid.UUID `json:"card_id"`
	Status          string    `json:"status"`
	FromIdempotency bool      `json:"from_idempotency"`
}

// AdminApproveCommand approves a pending card request with an explicit limit.
type AdminApproveCommand struct {
	AdminID        uuid.UUID `json:"admin_id"`
	RequestID      uuid.UUID `json:"request_id"`
	ApprovedLimit  int64     `json:"approved_limit"`
	Reason         string    `json:"reason,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// AdminRejectCommand rejects a pending card request.
type AdminRejectCommand struct {
	AdminID        uuid.UUID `json:"admin_id"`
	RequestID      uuid.UUID `json:"request_id"`
	Reason         string    `json:"reason"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// AdminDecisionResult is returned by admin approve/reject.
type AdminDecisionResult struct {
	RequestID       uuid.UUID  `json:"request_id"`
	Status          string     `json:"status"`
	CardID          *uuid.UUID `json:"card_id,omitempty"`
	ApprovedLimit   int64      `json:"approved_limit,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	FromIdempotency bool       `json:"from_idempotency"`
}

// AdminAdjustScoreCommand moves a user's score by a signed delta.
type AdminAdjustScoreCommand struct {
	AdminID        uuid.UUID `json:"admin_id"`
	UserID         uuid.UUID `json:"user_id"`
	Delta          int       `json:"delta"`
	Reason         string    `json:"reason"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// AdjustScoreResult is returned by admin score adjustments.
type AdjustScoreResult struct {
	UserID          uuid.UUID `json:"user_id"`
	PreviousScore   int       `json:"previous_score"`
	NewScore        int       `json:"new_score"`
	Tier            string    `json:"tier"`
	FromIdempotency bool      `json:"from_idempotency"`
}
