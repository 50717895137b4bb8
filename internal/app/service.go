/**
 * @description
 * This file contains the core of the card-service application layer: the
 * `Service` struct that every command handler hangs off, and the helpers
 * shared by the handlers (event emission via the outbox, denormalized card
 * summary recomputation, balance arithmetic).
 *
 * Every handler follows one fixed skeleton:
 *   1. validate the command shape,
 *   2. consult the idempotency ledger (short-circuits on hit),
 *   3. load the referenced entities,
 *   4. evaluate the credit decision engine where applicable,
 *   5. mutate the aggregate(s), version-guarded where money moves,
 *   6. emit the domain event(s) through the outbox,
 *   7. write the idempotency record with the final response.
 * The handlers never talk to the notification channel: their responsibility
 * ends at the outbox save, and the dispatcher drains it separately.
 *
 * @dependencies
 * - internal/credit: The pure decision engine.
 * - internal/domain, internal/store: Domain models and storage ports.
 */

package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/korecard/card-service/internal/credit"
	"github.com/korecard/card-service/internal/domain"
	"github.com/korecard/card-service/internal/store"
)

// Billing cycle length used for nextDueDate on creation and payment.
const billingCycleDays = 30

// Service provides the command handlers for the card product.
type Service struct {
	repo           store.Repository
	policy         credit.Policy
	idempotencyTTL time.Duration
	now            func() time.Time
}

// NewService creates a new card service instance. A zero ttl falls back to
// the 24h default.
func NewService(repo store.Repository, policy credit.Policy, idempotencyTTL time.Duration) *Service {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	return &Service{
		repo:           repo,
		policy:         policy,
		idempotencyTTL: idempotencyTTL,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// emitEvent appends one domain event to the outbox with auto-sequencing.
// Outbox failure after a successful mutation is an operational alarm, not a
// business failure: the mutation is not rolled back.
func (s *Service) emitEvent(ctx context.Context, eventType, entityType string, entityID uuid.UUID, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("level=error component=outbox msg=\"event payload serialization failed\" event_type=%s entity_id=%s err=%v", eventType, entityID, err)
		return
	}
	event := &domain.OutboxEvent{
		EventType:      eventType,
		EntityType:     entityType,
		EntityID:       entityID,
		SequenceNumber: domain.AutoSequence,
		Payload:        raw,
		CreatedAt:      s.now(),
	}
	if err := s.repo.SaveOutboxEvent(ctx, event); err != nil {
		log.Printf("CRITICAL: outbox save failed after committed mutation; event lost until manual replay. event_type=%s entity_id=%s err=%v", eventType, entityID, err)
	}
}

// refreshCardSummary recomputes the user's denormalized card aggregate from
// a fresh card list. Called after every card lifecycle change.
func (s *Service) refreshCardSummary(ctx context.Context, userID uuid.UUID) {
	cards, err := s.repo.FindCardsByUser(ctx, userID, domain.CardFilter{})
	if err != nil {
		log.Printf("level=warn component=service msg=\"card summary refresh failed on card list\" user_id=%s err=%v", userID, err)
		return
	}
	var summary domain.CardSummary
	for _, card := range cards {
		if card.Status == domain.CardStatusCancelled {
			continue
		}
		summary.ActiveCardCount++
		summary.TotalBalance += card.Balance
		summary.TotalLimit += card.Limit
	}
	if err := s.repo.UpdateCardSummary(ctx, userID, summary); err != nil {
		log.Printf("level=warn component=service msg=\"card summary write failed\" user_id=%s err=%v", userID, err)
	}
}

// newCardFromApproval builds the aggregate created by an approval decision.
func (s *Service) newCardFromApproval(userID uuid.UUID, limit int64, approvedBy string, scoreAtApproval int) *domain.Card {
	now := s.now()
	return &domain.Card{
		ID:              uuid.New(),
		UserID:          userID,
		Status:          domain.CardStatusActive,
		Limit:           limit,
		Balance:         0,
		AvailableCredit: limit,
		MinimumPayment:  0,
		Version:         1,
		NextDueDate:     now.AddDate(0, 0, billingCycleDays),
		ApprovedBy:      approvedBy,
		ScoreAtApproval: scoreAtApproval,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// recordFailedAttempt persists a failed transaction so rejected commands
// leave an audit trail. Best effort.
func (s *Service) recordFailedAttempt(ctx context.Context, cmdType string, cardID, userID uuid.UUID, amount int64, idempotencyKey, reason string) {
	tx := &domain.Transaction{
		ID:             uuid.New(),
		CardID:         cardID,
		UserID:         userID,
		Type:           cmdType,
		Amount:         amount,
		Status:         domain.TransactionStatusFailed,
		FailureReason:  &reason,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      s.now(),
	}
	if err := s.repo.SaveTransaction(ctx, tx); err != nil {
		log.Printf("level=warn component=service msg=\"failed-attempt ledger write failed\" card_id=%s err=%v", cardID, err)
	}
}
