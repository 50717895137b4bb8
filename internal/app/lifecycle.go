/**
 * @description
 * Card lifecycle handlers: user-initiated cancellation and admin-initiated
 * suspend/reactivate. Transition legality is checked by the pure state
 * machine in internal/domain before any write; cancellation additionally
 * requires a zero balance and is terminal.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/korecard/card-service/internal/domain"
)

// CancelCard cancels a zero-balance card owned by the caller.
func (s *Service) CancelCard(ctx context.Context, cmd domain.CancelCardCommand) (*domain.CardStatusResult, error) {
	if cmd.UserID == uuid.Nil || cmd.CardID == uuid.Nil {
		return nil, &ValidationError{Field: "user_id/card_id", Detail: "are required"}
	}
	if cmd.IdempotencyKey == "" {
		return nil, &ValidationError{Field: "idempotency_key", Detail: "is required"}
	}

	cached, hit, err := s.checkIdempotency(ctx, cmd.UserID, cmd.IdempotencyKey, domain.OpCancelCard)
	if err != nil {
		return nil, err
	}
	if hit {
		return cachedStatusResult(cached)
	}

	card, err := s.loadOwnedCard(ctx, cmd.CardID, cmd.UserID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransitionCardStatus(card, domain.CardStatusCancelled) {
		if card.Balance != 0 {
			return nil, &NotEligibleError{Reason: fmt.Sprintf("card balance must be zero to cancel, currently %d", card.Balance)}
		}
		return nil, &NotEligibleError{Reason: fmt.Sprintf("cannot cancel a %s card", card.Status)}
	}

	if err := s.repo.UpdateCardStatus(ctx, card.ID, domain.CardStatusCancelled); err != nil {
		return nil, fmt.Errorf("failed to cancel card: %w", err)
	}
	s.refreshCardSummary(ctx, cmd.UserID)
	s.emitEvent(ctx, domain.EventCardCancelled, domain.EntityTypeCard, card.ID, domain.CardLifecyclePayload{
		CardID:     card.ID,
		UserID:     cmd.UserID,
		Status:     domain.CardStatusCancelled,
		Reason:     cmd.Reason,
		OccurredAt: s.now(),
	})

	result := &domain.CardStatusResult{CardID: card.ID, Status: domain.CardStatusCancelled}
	if err := s.recordIdempotency(ctx, cmd.UserID, cmd.IdempotencyKey, domain.OpCancelCard, 200, result); err != nil {
		return nil, err
	}
	return result, nil
}

// SuspendCard suspends an active card. Admin-initiated; audited.
func (s *Service) SuspendCard(ctx context.Context, cmd domain.CardStatusCommand) (*domain.CardStatusResult, error) {
	return s.transitionCard(ctx, cmd, domain.OpSuspendCard, domain.CardStatusSuspended, domain.EventCardSuspended)
}

// ReactivateCard moves a suspended card back to active. Admin-initiated; audited.
func (s *Service) ReactivateCard(ctx context.Context, cmd domain.CardStatusCommand) (*domain.CardStatusResult, error) {
	return s.transitionCard(ctx, cmd, domain.OpReactivateCard, domain.CardStatusActive, domain.EventCardReactivated)
}

// transitionCard is the shared skeleton for the admin suspend/reactivate pair.
func (s *Service) transitionCard(ctx context.Context, cmd domain.CardStatusCommand, operation, target, eventType string) (*domain.CardStatusResult, error) {
	if cmd.AdminID == uuid.Nil || cmd.CardID == uuid.Nil {
		return nil, &ValidationError{Field: "admin_id/card_id", Detail: "are required"}
	}
	if cmd.IdempotencyKey == "" {
		return nil, &ValidationError{Field: "idempotency_key", Detail: "is required"}
	}

	cached, hit, err := s.checkIdempotency(ctx, cmd.AdminID, cmd.IdempotencyKey, operation)
	if err != nil {
		return nil, err
	}
	if hit {
		return cachedStatusResult(cached)
	}

	card, err := s.repo.FindCardByID(ctx, cmd.CardID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransitionCardStatus(card, target) {
		return nil, &NotEligibleError{Reason: fmt.Sprintf("cannot move a %s card to %s", card.Status, target)}
	}

	if err := s.repo.UpdateCardStatus(ctx, card.ID, target); err != nil {
		return nil, fmt.Errorf("failed to update card status: %w", err)
	}
	s.refreshCardSummary(ctx, card.UserID)
	s.auditStatusChange(ctx, cmd.AdminID, operation, card, target, cmd.Reason)
	s.emitEvent(ctx, eventType, domain.EntityTypeCard, card.ID, domain.CardLifecyclePayload{
		CardID:     card.ID,
		UserID:     card.UserID,
		Status:     target,
		Reason:     cmd.Reason,
		OccurredAt: s.now(),
	})

	result := &domain.CardStatusResult{CardID: card.ID, Status: target}
	if err := s.recordIdempotency(ctx, cmd.AdminID, cmd.IdempotencyKey, operation, 200, result); err != nil {
		return nil, err
	}
	return result, nil
}

// auditStatusChange records one audit entry for an admin card transition.
func (s *Service) auditStatusChange(ctx context.Context, adminID uuid.UUID, action string, card *domain.Card, newStatus, reason string) {
	prev, _ := json.Marshal(map[string]string{"status": card.Status})
	next, _ := json.Marshal(map[string]string{"status": newStatus})
	entry := &domain.AuditLogEntry{
		ID:            uuid.New(),
		ActorID:       adminID,
		Action:        action,
		TargetType:    domain.EntityTypeCard,
		TargetID:      card.ID,
		PreviousValue: prev,
		NewValue:      next,
		Reason:        reason,
		CreatedAt:     s.now(),
	}
	if err := s.repo.SaveAuditLogEntry(ctx, entry); err != nil {
		log.Printf("level=warn component=audit msg=\"audit entry write failed\" action=%s target=%s err=%v", action, card.ID, err)
	}
}

// cachedStatusResult decodes a replayed CardStatusResult.
func cachedStatusResult(cached []byte) (*domain.CardStatusResult, error) {
	var result domain.CardStatusResult
	if err := json.Unmarshal(cached, &result); err != nil {
		return nil, fmt.Errorf("failed to decode cached response: %w", err)
	}
	result.FromIdempotency = true
	return &result, nil
}
