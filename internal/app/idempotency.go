/**
 * @description
 * The idempotency envelope shared by every command handler: check the ledger
 * first, write the result last. Caller keys are hashed with SHA-256 before
 * storage, and cached responses are canonicalized with RFC 8785 (JCS) so a
 * replayed command returns bytes identical to the original response.
 *
 * @dependencies
 * - crypto/sha256, encoding/hex, encoding/json: Standard Go libraries.
 * - github.com/gowebpki/jcs: RFC 8785 canonical JSON.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/korecard/card-service/internal/domain"
	"github.com/korecard/card-service/internal/store"
)

// hashIdempotencyKey derives the storage key from the caller-supplied token.
func hashIdempotencyKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// checkIdempotency consults the ledger before a handler does any work.
// A non-expired record for the same operation short-circuits the handler
// with the cached response; the same key under a different operation is a
// client bug and fails with *IdempotencyMismatchError. Expired records are
// treated as absent regardless of physical deletion timing.
func (s *Service) checkIdempotency(ctx context.Context, scope uuid.UUID, key, operation string) ([]byte, bool, error) {
	keyHash := hashIdempotencyKey(key)
	record, err := s.repo.FindIdempotencyRecord(ctx, scope, keyHash)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if record == nil || record.Expired(s.now()) {
		return nil, false, nil
	}
	if record.Operation != operation {
		return nil, false, &IdempotencyMismatchError{
			KeyHash:            keyHash,
			RecordedOperation:  record.Operation,
			AttemptedOperation: operation,
		}
	}
	return record.Response, true, nil
}

// recordIdempotency caches a completed command's response. Losing the
// first-writer race is fine: the winner cached an identical outcome.
func (s *Service) recordIdempotency(ctx context.Context, scope uuid.UUID, key, operation string, statusCode int, response interface{}) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to serialize idempotent response: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("failed to canonicalize idempotent response: %w", err)
	}

	now := s.now()
	record := &domain.IdempotencyRecord{
		Scope:      scope,
		KeyHash:    hashIdempotencyKey(key),
		Operation:  operation,
		Response:   canonical,
		StatusCode: statusCode,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.idempotencyTTL),
	}
	if err := s.repo.SaveIdempotencyRecord(ctx, record); err != nil {
		if errors.Is(err, store.ErrIdempotencyKeyExists) {
			log.Printf("level=warn component=idempotency msg=\"lost first-writer race; keeping original record\" scope=%s operation=%s", scope, operation)
			return nil
		}
		return fmt.Errorf("failed to save idempotency record: %w", err)
	}
	return nil
}
