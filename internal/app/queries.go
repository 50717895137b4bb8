/**
 * @description
 * Read-side service methods backing the GET endpoints. Queries bypass the
 * idempotency ledger entirely; they never mutate and are safe to repeat.
 */

package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/korecard/card-service/internal/domain"
)

// GetUserProfile returns the user with their current score, tier and
// denormalized card summary.
func (s *Service) GetUserProfile(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return s.repo.FindUserByID(ctx, userID)
}

// GetCard returns one card owned by the caller.
func (s *Service) GetCard(ctx context.Context, userID, cardID uuid.UUID) (*domain.Card, error) {
	return s.loadOwnedCard(ctx, cardID, userID)
}

// ListCards returns the caller's cards, optionally filtered by status.
func (s *Service) ListCards(ctx context.Context, userID uuid.UUID, filter domain.CardFilter) ([]domain.Card, error) {
	return s.repo.FindCardsByUser(ctx, userID, filter)
}

// ListTransactions returns the ledger for one card owned by the caller.
func (s *Service) ListTransactions(ctx context.Context, userID, cardID uuid.UUID, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	if _, err := s.loadOwnedCard(ctx, cardID, userID); err != nil {
		return nil, err
	}
	return s.repo.FindTransactionsByCard(ctx, cardID, filter)
}

// GetRequest returns one card request. Admin-facing; no ownership check.
func (s *Service) GetRequest(ctx context.Context, requestID uuid.UUID) (*domain.CardRequest, error) {
	return s.repo.FindRequestByID(ctx, requestID)
}
