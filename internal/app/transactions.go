/**
 * @description
 * Purchase and payment handlers. Both mutate the card balance through the
 * version-guarded UpdateBalance write, so two concurrent commands against
 * the same card can never both apply against the same observed state: the
 * loser gets a ConcurrencyError and is expected to re-read and resubmit
 * with the same idempotency key.
 *
 * Refused attempts (insufficient credit, invalid amount) are still recorded
 * as failed transactions so the ledger preserves an audit trail.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/korecard/card-service/internal/credit"
	"github.com/korecard/card-service/internal/domain"
	"github.com/korecard/card-service/internal/store"
)

// Purchase debits available credit on an active card.
func (s *Service) Purchase(ctx context.Context, cmd domain.PurchaseCommand) (*domain.TransactionResult, error) {
	// 1. Validate command shape.
	if cmd.UserID == uuid.Nil || cmd.CardID == uuid.Nil {
		return nil, &ValidationError{Field: "user_id/card_id", Detail: "are required"}
	}
	if cmd.IdempotencyKey == "" {
		return nil, &ValidationError{Field: "idempotency_key", Detail: "is required"}
	}
	if cmd.Amount <= 0 {
		return nil, &ValidationError{Field: "amount", Detail: "must be positive"}
	}

	// 2. Idempotency lookup.
	cached, hit, err := s.checkIdempotency(ctx, cmd.UserID, cmd.IdempotencyKey, domain.OpPurchase)
	if err != nil {
		return nil, err
	}
	if hit {
		var result domain.TransactionResult
		if err := json.Unmarshal(cached, &result); err != nil {
			return nil, fmt.Errorf("failed to decode cached response: %w", err)
		}
		result.FromIdempotency = true
		return &result, nil
	}

	// 3. Load the card and verify ownership.
	card, err := s.loadOwnedCard(ctx, cmd.CardID, cmd.UserID)
	if err != nil {
		return nil, err
	}
	if card.Status != domain.CardStatusActive {
		return nil, &NotEligibleError{Reason: fmt.Sprintf("card is %s, not active", card.Status)}
	}

	// 4. Credit check. A refusal is terminal and leaves a failed ledger row.
	if cmd.Amount > card.AvailableCredit {
		s.recordFailedAttempt(ctx, domain.TransactionTypePurchase, card.ID, cmd.UserID, cmd.Amount,
			cmd.IdempotencyKey, fmt.Sprintf("amount %d exceeds available credit %d", cmd.Amount, card.AvailableCredit))
		return nil, ErrInsufficientCredit
	}

	// 5. Version-guarded balance mutation.
	newBalance := card.Balance + cmd.Amount
	update := domain.CardBalanceUpdate{
		Balance:         newBalance,
		AvailableCredit: card.Limit - newBalance,
		MinimumPayment:  s.policy.MinimumPaymentFor(newBalance),
		Version:         card.Version + 1,
	}
	if err := s.repo.UpdateBalance(ctx, card.ID, update); err != nil {
		return nil, err
	}

	tx := &domain.Transaction{
		ID:             uuid.New(),
		CardID:         card.ID,
		UserID:         cmd.UserID,
		Type:           domain.TransactionTypePurchase,
		Amount:         cmd.Amount,
		Status:         domain.TransactionStatusCompleted,
		IdempotencyKey: cmd.IdempotencyKey,
		Description:    cmd.Description,
		CreatedAt:      s.now(),
	}
	if err := s.repo.SaveTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record purchase: %w", err)
	}

	// 6. Emit the primary domain event.
	s.emitEvent(ctx, domain.EventTransactionPurchase, domain.EntityTypeCard, card.ID, domain.TransactionPayload{
		TransactionID: tx.ID,
		CardID:        card.ID,
		UserID:        cmd.UserID,
		Type:          domain.TransactionTypePurchase,
		Amount:        cmd.Amount,
		Balance:       newBalance,
		OccurredAt:    s.now(),
	})

	result := &domain.TransactionResult{
		TransactionID:   tx.ID,
		CardID:          card.ID,
		Type:            domain.TransactionTypePurchase,
		Amount:          cmd.Amount,
		Status:          domain.TransactionStatusCompleted,
		Balance:         newBalance,
		AvailableCredit: update.AvailableCredit,
		MinimumPayment:  update.MinimumPayment,
	}

	// 7. Record the final response for replay.
	if err := s.recordIdempotency(ctx, cmd.UserID, cmd.IdempotencyKey, domain.OpPurchase, 201, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Payment pays down a card balance and feeds the on-time/late outcome back
// into the user's score through the credit engine. PaymentDate may be
// caller-supplied for simulation and defaults to now.
func (s *Service) Payment(ctx context.Context, cmd domain.PaymentCommand) (*domain.TransactionResult, error) {
	// 1. Validate command shape.
	if cmd.UserID == uuid.Nil || cmd.CardID == uuid.Nil {
		return nil, &ValidationError{Field: "user_id/card_id", Detail: "are required"}
	}
	if cmd.IdempotencyKey == "" {
		return nil, &ValidationError{Field: "idempotency_key", Detail: "is required"}
	}
	if cmd.Amount <= 0 {
		return nil, &ValidationError{Field: "amount", Detail: "must be positive"}
	}

	// 2. Idempotency lookup.
	cached, hit, err := s.checkIdempotency(ctx, cmd.UserID, cmd.IdempotencyKey, domain.OpPayment)
	if err != nil {
		return nil, err
	}
	if hit {
		var result domain.TransactionResult
		if err := json.Unmarshal(cached, &result); err != nil {
			return nil, fmt.Errorf("failed to decode cached response: %w", err)
		}
		result.FromIdempotency = true
		return &result, nil
	}

	// 3. Load the card and the paying user.
	card, err := s.loadOwnedCard(ctx, cmd.CardID, cmd.UserID)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.FindUserByID(ctx, cmd.UserID)
	if err != nil {
		return nil, err
	}

	// 4. A payment above the balance is refused and recorded.
	if cmd.Amount > card.Balance {
		s.recordFailedAttempt(ctx, domain.TransactionTypePayment, card.ID, cmd.UserID, cmd.Amount,
			cmd.IdempotencyKey, fmt.Sprintf("amount %d exceeds balance %d", cmd.Amount, card.Balance))
		return nil, ErrInvalidAmount
	}

	paymentDate := s.now()
	if cmd.PaymentDate != nil {
		paymentDate = cmd.PaymentDate.UTC()
	}
	impact := s.policy.PaymentScoreImpact(cmd.Amount, card.Balance, paymentDate, card.NextDueDate)

	// 5. Version-guarded balance mutation, then the score update.
	newBalance := card.Balance - cmd.Amount
	update := domain.CardBalanceUpdate{
		Balance:         newBalance,
		AvailableCredit: card.Limit - newBalance,
		MinimumPayment:  s.policy.MinimumPaymentFor(newBalance),
		Version:         card.Version + 1,
	}
	if err := s.repo.UpdateBalance(ctx, card.ID, update); err != nil {
		return nil, err
	}

	newScore := credit.ClampScore(user.CurrentScore + impact.ScoreDelta)
	scoreReason := fmt.Sprintf("%s payment on card %s", impact.PaymentStatus, card.ID)
	scoreRecord, err := s.repo.UpdateScore(ctx, cmd.UserID, newScore, scoreReason, domain.DecisionSourceAuto)
	if err != nil {
		return nil, fmt.Errorf("failed to update score after payment: %w", err)
	}

	paymentStatus := impact.PaymentStatus
	tx := &domain.Transaction{
		ID:             uuid.New(),
		CardID:         card.ID,
		UserID:         cmd.UserID,
		Type:           domain.TransactionTypePayment,
		Amount:         cmd.Amount,
		Status:         domain.TransactionStatusCompleted,
		PaymentStatus:  &paymentStatus,
		DaysOverdue:    impact.DaysOverdue,
		ScoreImpact:    impact.ScoreDelta,
		IdempotencyKey: cmd.IdempotencyKey,
		CreatedAt:      s.now(),
	}
	if err := s.repo.SaveTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	// 6. Primary event on the card, secondary score event on the user.
	s.emitEvent(ctx, domain.EventTransactionPayment, domain.EntityTypeCard, card.ID, domain.TransactionPayload{
		TransactionID: tx.ID,
		CardID:        card.ID,
		UserID:        cmd.UserID,
		Type:          domain.TransactionTypePayment,
		Amount:        cmd.Amount,
		Balance:       newBalance,
		PaymentStatus: impact.PaymentStatus,
		DaysOverdue:   impact.DaysOverdue,
		OccurredAt:    s.now(),
	})
	s.emitEvent(ctx, domain.EventUserScoreChanged, domain.EntityTypeUser, cmd.UserID, domain.ScoreChangedPayload{
		UserID:        cmd.UserID,
		PreviousScore: scoreRecord.PreviousScore,
		NewScore:      newScore,
		Reason:        scoreReason,
		Source:        domain.DecisionSourceAuto,
		OccurredAt:    s.now(),
	})

	result := &domain.TransactionResult{
		TransactionID:   tx.ID,
		CardID:          card.ID,
		Type:            domain.TransactionTypePayment,
		Amount:          cmd.Amount,
		Status:          domain.TransactionStatusCompleted,
		Balance:         newBalance,
		AvailableCredit: update.AvailableCredit,
		MinimumPayment:  update.MinimumPayment,
		PaymentStatus:   impact.PaymentStatus,
		DaysOverdue:     impact.DaysOverdue,
		ScoreImpact:     impact.ScoreDelta,
		NewScore:        newScore,
	}

	// 7. Record the final response for replay.
	if err := s.recordIdempotency(ctx, cmd.UserID, cmd.IdempotencyKey, domain.OpPayment, 201, result); err != nil {
		return nil, err
	}
	return result, nil
}

// loadOwnedCard fetches a card and hides other users' cards behind the same
// not-found error.
func (s *Service) loadOwnedCard(ctx context.Context, cardID, userID uuid.UUID) (*domain.Card, error) {
	card, err := s.repo.FindCardByID(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.UserID != userID {
		return nil, store.ErrCardNotFound
	}
	return card, nil
}
