/**
 * @description
 * In-memory implementation of the Repository interface. It backs the service
 * in tests and small deployments, and doubles as the reference semantics for
 * any new backend: the optimistic-concurrency check, the per-entity outbox
 * counter and the first-writer-wins idempotency insert behave exactly like
 * the PostgreSQL implementation, just under a mutex instead of SQL.
 */

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/korecard/card-service/internal/domain"
)

// MemoryRepository is a mutex-guarded, map-backed Repository.
type MemoryRepository struct {
	mu sync.Mutex

	users        map[uuid.UUID]domain.User
	scoreRecords []domain.ScoreRecord
	cards        map[uuid.UUID]domain.Card
	requests     map[uuid.UUID]domain.CardRequest
	transactions []domain.Transaction
	idempotency  map[idemKey]domain.IdempotencyRecord
	outbox       map[uuid.UUID]domain.OutboxEvent
	counters     map[counterKey]int64
	auditLog     []domain.AuditLogEntry
}

type idemKey struct {
	scope   uuid.UUID
	keyHash string
}

type counterKey struct {
	entityType string
	entityID   uuid.UUID
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:       make(map[uuid.UUID]domain.User),
		cards:       make(map[uuid.UUID]domain.Card),
		requests:    make(map[uuid.UUID]domain.CardRequest),
		idempotency: make(map[idemKey]domain.IdempotencyRecord),
		outbox:      make(map[uuid.UUID]domain.OutboxEvent),
		counters:    make(map[counterKey]int64),
	}
}

// ---------------------------------------------------------------------------
// UserStore
// ---------------------------------------------------------------------------

func (r *MemoryRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

func (r *MemoryRepository) SaveUser(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *user
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = time.Now().UTC()
	r.users[user.EcosystemID] = stored
	return nil
}

func (r *MemoryRepository) UpdateScore(ctx context.Context, userID uuid.UUID, newScore int, reason, source string) (*domain.ScoreRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	record := domain.ScoreRecord{
		ID:            uuid.New(),
		UserID:        userID,
		PreviousScore: user.CurrentScore,
		NewScore:      newScore,
		Reason:        reason,
		Source:        source,
		CreatedAt:     time.Now().UTC(),
	}
	user.CurrentScore = newScore
	user.Tier = tierFor(newScore)
	user.UpdatedAt = time.Now().UTC()
	r.users[userID] = user
	r.scoreRecords = append(r.scoreRecords, record)
	return &record, nil
}

func (r *MemoryRepository) UpdateCardSummary(ctx context.Context, userID uuid.UUID, summary domain.CardSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.CardSummary = summary
	user.UpdatedAt = time.Now().UTC()
	r.users[userID] = user
	return nil
}

// ScoreRecords returns a copy of the score history, for tests.
func (r *MemoryRepository) ScoreRecords() []domain.ScoreRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ScoreRecord, len(r.scoreRecords))
	copy(out, r.scoreRecords)
	return out
}

// ---------------------------------------------------------------------------
// CardStore
// ---------------------------------------------------------------------------

func (r *MemoryRepository) FindCardByID(ctx context.Context, cardID uuid.UUID) (*domain.Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	card, ok := r.cards[cardID]
	if !ok {
		return nil, ErrCardNotFound
	}
	return &card, nil
}

func (r *MemoryRepository) FindCardsByUser(ctx context.Context, userID uuid.UUID, filter domain.CardFilter) ([]domain.Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var cards []domain.Card
	for _, card := range r.cards {
		if card.UserID != userID {
			continue
		}
		if filter.Status != "" && card.Status != filter.Status {
			continue
		}
		cards = append(cards, card)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].CreatedAt.Before(cards[j].CreatedAt) })
	return cards, nil
}

func (r *MemoryRepository) SaveCard(ctx context.Context, card *domain.Card) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *card
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = time.Now().UTC()
	r.cards[card.ID] = stored
	return nil
}

func (r *MemoryRepository) UpdateBalance(ctx context.Context, cardID uuid.UUID, update domain.CardBalanceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	card, ok := r.cards[cardID]
	if !ok {
		return ErrCardNotFound
	}
	if card.Version != update.Version-1 {
		return &ConcurrencyError{CardID: cardID, ExpectedVersion: update.Version, ActualVersion: card.Version}
	}
	card.Balance = update.Balance
	card.AvailableCredit = update.AvailableCredit
	card.MinimumPayment = update.MinimumPayment
	card.Version = update.Version
	card.UpdatedAt = time.Now().UTC()
	r.cards[cardID] = card
	return nil
}

func (r *MemoryRepository) UpdateCardStatus(ctx context.Context, cardID uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	card, ok := r.cards[cardID]
	if !ok {
		return ErrCardNotFound
	}
	card.Status = status
	if status == domain.CardStatusCancelled {
		now := time.Now().UTC()
		card.CancelledAt = &now
	}
	card.UpdatedAt = time.Now().UTC()
	r.cards[cardID] = card
	return nil
}

// ---------------------------------------------------------------------------
// CardRequestStore
// ---------------------------------------------------------------------------

func (r *MemoryRepository) FindRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.CardRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return &req, nil
}

func (r *MemoryRepository) FindPendingRequestByUser(ctx context.Context, userID uuid.UUID) (*domain.CardRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *domain.CardRequest
	for id := range r.requests {
		req := r.requests[id]
		if req.UserID != userID || req.Status != domain.RequestStatusPending {
			continue
		}
		if latest == nil || req.CreatedAt.After(latest.CreatedAt) {
			copied := req
			latest = &copied
		}
	}
	if latest == nil {
		return nil, ErrRequestNotFound
	}
	return latest, nil
}

func (r *MemoryRepository) FindRejectedRequestsByUser(ctx context.Context, userID uuid.UUID, withinDays int) ([]domain.CardRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -withinDays)
	var rejected []domain.CardRequest
	for _, req := range r.requests {
		if req.UserID != userID || req.Status != domain.RequestStatusRejected {
			continue
		}
		if req.Decision != nil && req.Decision.DecidedAt.After(cutoff) {
			rejected = append(rejected, req)
		}
	}
	return rejected, nil
}

func (r *MemoryRepository) SaveRequest(ctx context.Context, request *domain.CardRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if request.Status == domain.RequestStatusPending {
		for id, existing := range r.requests {
			if id != request.ID && existing.UserID == request.UserID && existing.Status == domain.RequestStatusPending {
				return ErrPendingRequestExists
			}
		}
	}
	stored := *request
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = time.Now().UTC()
	r.requests[request.ID] = stored
	return nil
}

func (r *MemoryRepository) UpdateRequestStatus(ctx context.Context, requestID uuid.UUID, status string, decision *domain.Decision, resultingCardID *uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	if req.Status != domain.RequestStatusPending {
		return ErrRequestAlreadyDecided
	}
	req.Status = status
	req.Decision = decision
	req.ResultingCardID = resultingCardID
	req.UpdatedAt = time.Now().UTC()
	r.requests[requestID] = req
	return nil
}

// ---------------------------------------------------------------------------
// TransactionStore
// ---------------------------------------------------------------------------

func (r *MemoryRepository) FindTransactionsByCard(ctx context.Context, cardID uuid.UUID, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var txs []domain.Transaction
	for _, tx := range r.transactions {
		if tx.CardID != cardID {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		txs = append(txs, tx)
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.After(txs[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(txs) {
			return nil, nil
		}
		txs = txs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(txs) {
		txs = txs[:filter.Limit]
	}
	return txs, nil
}

func (r *MemoryRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *tx
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.transactions = append(r.transactions, stored)
	return nil
}

// ---------------------------------------------------------------------------
// IdempotencyStore
// ---------------------------------------------------------------------------

func (r *MemoryRepository) FindIdempotencyRecord(ctx context.Context, scope uuid.UUID, keyHash string) (*domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.idempotency[idemKey{scope: scope, keyHash: keyHash}]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (r *MemoryRepository) SaveIdempotencyRecord(ctx context.Context, record *domain.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := idemKey{scope: record.Scope, keyHash: record.KeyHash}
	if existing, ok := r.idempotency[key]; ok && !existing.Expired(time.Now().UTC()) {
		return ErrIdempotencyKeyExists
	}
	r.idempotency[key] = *record
	return nil
}

func (r *MemoryRepository) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for key, record := range r.idempotency {
		if record.Expired(now) {
			delete(r.idempotency, key)
			deleted++
		}
	}
	return deleted, nil
}

// ---------------------------------------------------------------------------
// OutboxStore
// ---------------------------------------------------------------------------

func (r *MemoryRepository) SaveOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.SequenceNumber == domain.AutoSequence {
		key := counterKey{entityType: event.EntityType, entityID: event.EntityID}
		r.counters[key]++
		event.SequenceNumber = r.counters[key]
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.DeliveryStatus == "" {
		event.DeliveryStatus = domain.DeliveryStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	r.outbox[event.ID] = *event
	return nil
}

func (r *MemoryRepository) FindPendingOutboxEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	return r.findOutboxByStatus(domain.DeliveryStatusPending, nil, limit), nil
}

func (r *MemoryRepository) FindOutboxEventsReadyForRetry(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	return r.findOutboxByStatus(domain.DeliveryStatusFailed, &now, limit), nil
}

func (r *MemoryRepository) findOutboxByStatus(status string, retryBefore *time.Time, limit int) []domain.OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []domain.OutboxEvent
	for _, ev := range r.outbox {
		if ev.DeliveryStatus != status {
			continue
		}
		if retryBefore != nil {
			if ev.NextRetryAt == nil || ev.NextRetryAt.After(*retryBefore) {
				continue
			}
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].EntityID != events[j].EntityID {
			return events[i].EntityID.String() < events[j].EntityID.String()
		}
		return events[i].SequenceNumber < events[j].SequenceNumber
	})
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}

func (r *MemoryRepository) MarkOutboxEventSent(ctx context.Context, eventID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.outbox[eventID]
	if !ok {
		return ErrOutboxEventNotFound
	}
	now := time.Now().UTC()
	ev.DeliveryStatus = domain.DeliveryStatusSent
	ev.SentAt = &now
	ev.LastError = nil
	ev.NextRetryAt = nil
	r.outbox[eventID] = ev
	return nil
}

func (r *MemoryRepository) MarkOutboxEventFailed(ctx context.Context, eventID uuid.UUID, deliveryError string, nextRetryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.outbox[eventID]
	if !ok {
		return ErrOutboxEventNotFound
	}
	ev.DeliveryStatus = domain.DeliveryStatusFailed
	ev.RetryCount++
	ev.LastError = &deliveryError
	ev.NextRetryAt = &nextRetryAt
	r.outbox[eventID] = ev
	return nil
}

func (r *MemoryRepository) MarkOutboxEventDeadLettered(ctx context.Context, eventID uuid.UUID, deliveryError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.outbox[eventID]
	if !ok {
		return ErrOutboxEventNotFound
	}
	ev.DeliveryStatus = domain.DeliveryStatusDeadLettered
	ev.LastError = &deliveryError
	ev.NextRetryAt = nil
	r.outbox[eventID] = ev
	return nil
}

// OutboxEvents returns every stored event, for tests.
func (r *MemoryRepository) OutboxEvents() []domain.OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]domain.OutboxEvent, 0, len(r.outbox))
	for _, ev := range r.outbox {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].EntityID != events[j].EntityID {
			return events[i].EntityID.String() < events[j].EntityID.String()
		}
		return events[i].SequenceNumber < events[j].SequenceNumber
	})
	return events
}

// Transactions returns a copy of the ledger, for tests.
func (r *MemoryRepository) Transactions() []domain.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Transaction, len(r.transactions))
	copy(out, r.transactions)
	return out
}

// ---------------------------------------------------------------------------
// AuditLogStore
// ---------------------------------------------------------------------------

func (r *MemoryRepository) SaveAuditLogEntry(ctx context.Context, entry *domain.AuditLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *entry
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.auditLog = append(r.auditLog, stored)
	return nil
}

// AuditLogEntries returns a copy of the audit log, for tests.
func (r *MemoryRepository) AuditLogEntries() []domain.AuditLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AuditLogEntry, len(r.auditLog))
	copy(out, r.auditLog)
	return out
}
