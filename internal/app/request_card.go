/**
 * @description
 * The card-request handler: eligibility gating, auto-approval through the
 * credit decision engine, and the pending path that parks borderline
 * applications for admin review.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/korecard/card-service/internal/credit"
	"github.com/korecard/card-service/internal/domain"
	"github.com/korecard/card-service/internal/store"
)

// RequestCard processes a new card application. High and medium scores
// auto-approve at the tier default limit; low scores stay pending and are
// surfaced to reviewers through the card.requested event.
func (s *Service) RequestCard(ctx context.Context, cmd domain.RequestCardCommand) (*domain.RequestCardResult, error) {
	// 1. Validate command shape.
	if cmd.UserID == uuid.Nil {
		return nil, &ValidationError{Field: "user_id", Detail: "is required"}
	}
	if cmd.IdempotencyKey == "" {
		return nil, &ValidationError{Field: "idempotency_key", Detail: "is required"}
	}

	// 2. Idempotency lookup.
	cached, hit, err := s.checkIdempotency(ctx, cmd.UserID, cmd.IdempotencyKey, domain.OpRequestCard)
	if err != nil {
		return nil, err
	}
	if hit {
		var result domain.RequestCardResult
		if err := json.Unmarshal(cached, &result); err != nil {
			return nil, fmt.Errorf("failed to decode cached response: %w", err)
		}
		result.FromIdempotency = true
		return &result, nil
	}

	// 3. Load the user and everything eligibility depends on.
	user, err := s.repo.FindUserByID(ctx, cmd.UserID)
	if err != nil {
		return nil, err
	}
	activeCards, err := s.repo.FindCardsByUser(ctx, cmd.UserID, domain.CardFilter{Status: domain.CardStatusActive})
	if err != nil {
		return nil, fmt.Errorf("failed to list active cards: %w", err)
	}
	pendingCount := 0
	if _, err := s.repo.FindPendingRequestByUser(ctx, cmd.UserID); err == nil {
		pendingCount = 1
	} else if !errors.Is(err, store.ErrRequestNotFound) {
		return nil, fmt.Errorf("failed to check pending requests: %w", err)
	}
	recentRejections, err := s.repo.FindRejectedRequestsByUser(ctx, cmd.UserID, s.policy.RejectionCooldownDays)
	if err != nil {
		return nil, fmt.Errorf("failed to check recent rejections: %w", err)
	}

	// 4. Eligibility gate.
	if refusal := s.policy.CanRequestCard(len(activeCards), pendingCount, len(recentRejections)); refusal != "" {
		return nil, &NotEligibleError{Reason: string(refusal)}
	}

	// 5. Create the request and evaluate the approval outcome.
	tier := credit.DeriveTier(user.CurrentScore)
	request := &domain.CardRequest{
		ID:             uuid.New(),
		UserID:         cmd.UserID,
		Status:         domain.RequestStatusPending,
		ScoreAtRequest: user.CurrentScore,
		TierAtRequest:  tier,
		CreatedAt:      s.now(),
	}
	if err := s.repo.SaveRequest(ctx, request); err != nil {
		// A concurrent request slipped past the eligibility read; the
		// storage-level pending guard is authoritative.
		if errors.Is(err, store.ErrPendingRequestExists) {
			return nil, &NotEligibleError{Reason: string(credit.RefusalPendingRequest)}
		}
		return nil, fmt.Errorf("failed to save card request: %w", err)
	}

	outcome := s.policy.DetermineApprovalOutcome(user.CurrentScore)
	result := &domain.RequestCardResult{
		RequestID: request.ID,
		Tier:      tier,
	}

	// 6. Emit card.requested for every application; the review channel
	// subscribes to it for low/medium tiers.
	s.emitEvent(ctx, domain.EventCardRequested, domain.EntityTypeUser, cmd.UserID, domain.CardRequestedPayload{
		RequestID:      request.ID,
		UserID:         cmd.UserID,
		Status:         request.Status,
		ScoreAtRequest: request.ScoreAtRequest,
		TierAtRequest:  tier,
		OccurredAt:     s.now(),
	})

	if outcome.Approved {
		card := s.newCardFromApproval(cmd.UserID, outcome.Limit, domain.DecisionSourceAuto, user.CurrentScore)
		if err := s.repo.SaveCard(ctx, card); err != nil {
			return nil, fmt.Errorf("failed to create card: %w", err)
		}
		decision := &domain.Decision{
			Outcome:       domain.RequestStatusApproved,
			Source:        domain.DecisionSourceAuto,
			ApprovedLimit: outcome.Limit,
			DecidedAt:     s.now(),
		}
		if err := s.repo.UpdateRequestStatus(ctx, request.ID, domain.RequestStatusApproved, decision, &card.ID); err != nil {
			return nil, fmt.Errorf("failed to finalize approved request: %w", err)
		}
		s.refreshCardSummary(ctx, cmd.UserID)
		s.emitEvent(ctx, domain.EventCardApproved, domain.EntityTypeCard, card.ID, domain.CardDecisionPayload{
			RequestID:  request.ID,
			UserID:     cmd.UserID,
			CardID:     &card.ID,
			Source:     domain.DecisionSourceAuto,
			Limit:      outcome.Limit,
			OccurredAt: s.now(),
		})

		result.Status = domain.RequestStatusApproved
		result.ApprovedLimit = outcome.Limit
		result.CardID = &card.ID
	} else {
		result.Status = domain.RequestStatusPending
		result.Reason = outcome.Reason
	}

	// 7. Record the final response for replay.
	if err := s.recordIdempotency(ctx, cmd.UserID, cmd.IdempotencyKey, domain.OpRequestCard, 201, result); err != nil {
		return nil, err
	}
	return result, nil
}
