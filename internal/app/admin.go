/**
 * @description
 * Admin command handlers: approving and rejecting pending card requests,
 * and manual score adjustments. Every admin-initiated state change writes
 * one audit-log entry carrying the actor, action, target and a prev/new
 * snapshot alongside the supplied reason.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/korecard/card-service/internal/credit"
	"github.com/korecard/card-service/internal/domain"
	"github.com/korecard/card-service/internal/store"
)

// AdminApproveRequest approves a pending card request with an explicit
// limit. The limit is checked against the tier-indexed policy ceiling and a
// violation is reported, never clamped.
func (s *Service) AdminApproveRequest(ctx context.Context, cmd domain.AdminApproveCommand) (*domain.AdminDecisionResult, error) {
	// 1. Validate command shape.
	if cmd.AdminID == uuid.Nil || cmd.RequestID == uuid.Nil {
		return nil, &ValidationError{Field: "admin_id/request_id", Detail: "are required"}
	}
	if cmd.IdempotencyKey == "" {
		return nil, &ValidationError{Field: "idempotency_key", Detail: "is required"}
	}
	if cmd.ApprovedLimit <= 0 {
		return nil, &ValidationError{Field: "approved_limit", Detail: "must be positive"}
	}

	// 2. Idempotency lookup.
	cached, hit, err := s.checkIdempotency(ctx, cmd.AdminID, cmd.IdempotencyKey, domain.OpAdminApproveRequest)
	if err != nil {
		return nil, err
	}
	if hit {
		return cachedDecisionResult(cached)
	}

	// 3. Load the request. A request that already left pending must be
	// refused here, before any card is created for it; the store's
	// pending-only update below still guards concurrent deciders.
	request, err := s.repo.FindRequestByID(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	if domain.RequestIsTerminal(request.Status) {
		return nil, store.ErrRequestAlreadyDecided
	}

	// 4. Policy ceiling check against the tier captured at request time.
	if err := s.policy.CanApproveWithLimit(cmd.ApprovedLimit, request.TierAtRequest); err != nil {
		return nil, &LimitExceedsPolicyError{
			RequestID:      cmd.RequestID,
			RequestedLimit: cmd.ApprovedLimit,
			Tier:           request.TierAtRequest,
			Detail:         err.Error(),
		}
	}

	// 5. Create the card and finalize the request.
	card := s.newCardFromApproval(request.UserID, cmd.ApprovedLimit, domain.DecisionSourceAdmin, request.ScoreAtRequest)
	if err := s.repo.SaveCard(ctx, card); err != nil {
		return nil, fmt.Errorf("failed to create card: %w", err)
	}
	decision := &domain.Decision{
		Outcome:       domain.RequestStatusApproved,
		Source:        domain.DecisionSourceAdmin,
		AdminID:       &cmd.AdminID,
		Reason:        cmd.Reason,
		ApprovedLimit: cmd.ApprovedLimit,
		DecidedAt:     s.now(),
	}
	if err := s.repo.UpdateRequestStatus(ctx, cmd.RequestID, domain.RequestStatusApproved, decision, &card.ID); err != nil {
		return nil, err
	}
	s.refreshCardSummary(ctx, request.UserID)
	s.auditRequestDecision(ctx, cmd.AdminID, domain.OpAdminApproveRequest, request, domain.RequestStatusApproved, cmd.Reason)

	// 6. Emit the decision event.
	s.emitEvent(ctx, domain.EventCardApproved, domain.EntityTypeCard, card.ID, domain.CardDecisionPayload{
		RequestID:  request.ID,
		UserID:     request.UserID,
		CardID:     &card.ID,
		Source:     domain.DecisionSourceAdmin,
		Limit:      cmd.ApprovedLimit,
		Reason:     cmd.Reason,
		OccurredAt: s.now(),
	})

	result := &domain.AdminDecisionResult{
		RequestID:     request.ID,
		Status:        domain.RequestStatusApproved,
		CardID:        &card.ID,
		ApprovedLimit: cmd.ApprovedLimit,
		Reason:        cmd.Reason,
	}

	// 7. Record the final response for replay.
	if err := s.recordIdempotency(ctx, cmd.AdminID, cmd.IdempotencyKey, domain.OpAdminApproveRequest, 200, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AdminRejectRequest rejects a pending card request. The rejection starts
// the cooldown window blocking the user's next request.
func (s *Service) AdminRejectRequest(ctx context.Context, cmd domain.AdminRejectCommand) (*domain.AdminDecisionResult, error) {
	if cmd.AdminID == uuid.Nil || cmd.RequestID == uuid.Nil {
		return nil, &ValidationError{Field: "admin_id/request_id", Detail: "are required"}
	}
	if cmd.IdempotencyKey == "" {
		return nil, &ValidationError{Field: "idempotency_key", Detail: "is required"}
	}
	if cmd.Reason == "" {
		return nil, &ValidationError{Field: "reason", Detail: "is required for rejections"}
	}

	cached, hit, err := s.checkIdempotency(ctx, cmd.AdminID, cmd.IdempotencyKey, domain.OpAdminRejectRequest)
	if err != nil {
		return nil, err
	}
	if hit {
		return cachedDecisionResult(cached)
	}

	request, err := s.repo.FindRequestByID(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}

	decision := &domain.Decision{
		Outcome:   domain.RequestStatusRejected,
		Source:    domain.DecisionSourceAdmin,
		AdminID:   &cmd.AdminID,
		Reason:    cmd.Reason,
		DecidedAt: s.now(),
	}
	if err := s.repo.UpdateRequestStatus(ctx, cmd.RequestID, domain.RequestStatusRejected, decision, nil); err != nil {
		return nil, err
	}
	s.auditRequestDecision(ctx, cmd.AdminID, domain.OpAdminRejectRequest, request, domain.RequestStatusRejected, cmd.Reason)
	s.emitEvent(ctx, domain.EventCardRejected, domain.EntityTypeUser, request.UserID, domain.CardDecisionPayload{
		RequestID:  request.ID,
		UserID:     request.UserID,
		Source:     domain.DecisionSourceAdmin,
		Reason:     cmd.Reason,
		OccurredAt: s.now(),
	})

	result := &domain.AdminDecisionResult{
		RequestID: request.ID,
		Status:    domain.RequestStatusRejected,
		Reason:    cmd.Reason,
	}
	if err := s.recordIdempotency(ctx, cmd.AdminID, cmd.IdempotencyKey, domain.OpAdminRejectRequest, 200, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AdminAdjustScore moves a user's score by a signed delta, clamped to the
// engine bounds, and emits the score-changed event.
func (s *Service) AdminAdjustScore(ctx context.Context, cmd domain.AdminAdjustScoreCommand) (*domain.AdjustScoreResult, error) {
	if cmd.AdminID == uuid.Nil || cmd.UserID == uuid.Nil {
		return nil, &ValidationError{Field: "admin_id/user_id", Detail: "are required"}
	}
	if cmd.IdempotencyKey == "" {
		return nil, &ValidationError{Field: "idempotency_key", Detail: "is required"}
	}
	if cmd.Delta == 0 {
		return nil, &ValidationError{Field: "delta", Detail: "must be non-zero"}
	}
	if cmd.Reason == "" {
		return nil, &ValidationError{Field: "reason", Detail: "is required for score adjustments"}
	}

	cached, hit, err := s.checkIdempotency(ctx, cmd.AdminID, cmd.IdempotencyKey, domain.OpAdminAdjustScore)
	if err != nil {
		return nil, err
	}
	if hit {
		var result domain.AdjustScoreResult
		if err := json.Unmarshal(cached, &result); err != nil {
			return nil, fmt.Errorf("failed to decode cached response: %w", err)
		}
		result.FromIdempotency = true
		return &result, nil
	}

	user, err := s.repo.FindUserByID(ctx, cmd.UserID)
	if err != nil {
		return nil, err
	}

	newScore := credit.ClampScore(user.CurrentScore + cmd.Delta)
	scoreRecord, err := s.repo.UpdateScore(ctx, cmd.UserID, newScore, cmd.Reason, domain.DecisionSourceAdmin)
	if err != nil {
		return nil, fmt.Errorf("failed to adjust score: %w", err)
	}

	prev, _ := json.Marshal(map[string]int{"current_score": scoreRecord.PreviousScore})
	next, _ := json.Marshal(map[string]int{"current_score": newScore})
	entry := &domain.AuditLogEntry{
		ID:            uuid.New(),
		ActorID:       cmd.AdminID,
		Action:        domain.OpAdminAdjustScore,
		TargetType:    domain.EntityTypeUser,
		TargetID:      cmd.UserID,
		PreviousValue: prev,
		NewValue:      next,
		Reason:        cmd.Reason,
		CreatedAt:     s.now(),
	}
	if err := s.repo.SaveAuditLogEntry(ctx, entry); err != nil {
		log.Printf("level=warn component=audit msg=\"audit entry write failed\" action=%s target=%s err=%v", entry.Action, cmd.UserID, err)
	}

	s.emitEvent(ctx, domain.EventUserScoreChanged, domain.EntityTypeUser, cmd.UserID, domain.ScoreChangedPayload{
		UserID:        cmd.UserID,
		PreviousScore: scoreRecord.PreviousScore,
		NewScore:      newScore,
		Reason:        cmd.Reason,
		Source:        domain.DecisionSourceAdmin,
		OccurredAt:    s.now(),
	})

	result := &domain.AdjustScoreResult{
		UserID:        cmd.UserID,
		PreviousScore: scoreRecord.PreviousScore,
		NewScore:      newScore,
		Tier:          credit.DeriveTier(newScore),
	}
	if err := s.recordIdempotency(ctx, cmd.AdminID, cmd.IdempotencyKey, domain.OpAdminAdjustScore, 200, result); err != nil {
		return nil, err
	}
	return result, nil
}

// auditRequestDecision records one audit entry for an admin request decision.
func (s *Service) auditRequestDecision(ctx context.Context, adminID uuid.UUID, action string, request *domain.CardRequest, newStatus, reason string) {
	prev, _ := json.Marshal(map[string]string{"status": request.Status})
	next, _ := json.Marshal(map[string]string{"status": newStatus})
	entry := &domain.AuditLogEntry{
		ID:            uuid.New(),
		ActorID:       adminID,
		Action:        action,
		TargetType:    "card_request",
		TargetID:      request.ID,
		PreviousValue: prev,
		NewValue:      next,
		Reason:        reason,
		CreatedAt:     s.now(),
	}
	if err := s.repo.SaveAuditLogEntry(ctx, entry); err != nil {
		log.Printf("level=warn component=audit msg=\"audit entry write failed\" action=%s target=%s err=%v", action, request.ID, err)
	}
}

// cachedDecisionResult decodes a replayed AdminDecisionResult.
func cachedDecisionResult(cached []byte) (*domain.AdminDecisionResult, error) {
	var result domain.AdminDecisionResult
	if err := json.Unmarshal(cached, &result); err != nil {
		return nil, fmt.Errorf("failed to decode cached response: %w", err)
	}
	result.FromIdempotency = true
	return &result, nil
}
