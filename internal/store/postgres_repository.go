/**
 * @description
 * This file contains the PostgreSQL implementation of the Repository
 * interface using the pgx/v5 driver. It is responsible for all SQL queries
 * and for translating database-level failures into the storage error
 * taxonomy the rest of the service understands.
 *
 * Two operations carry the service's concurrency guarantees:
 * - UpdateBalance performs a single conditional UPDATE guarded by the card
 *   version column; a zero-row result is surfaced as *ConcurrencyError.
 * - SaveOutboxEvent assigns per-entity sequence numbers through an
 *   INSERT ... ON CONFLICT DO UPDATE ... RETURNING upsert on a dedicated
 *   counter table, inside the same transaction as the event insert.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pooling.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/korecard/card-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// schema holds the DDL for every table this repository owns. Applied by
// Migrate at startup; every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id                uuid PRIMARY KEY,
    current_score     integer NOT NULL,
    tier              text NOT NULL,
    active_card_count integer NOT NULL DEFAULT 0,
    total_balance     bigint NOT NULL DEFAULT 0,
    total_limit       bigint NOT NULL DEFAULT 0,
    created_at        timestamptz NOT NULL DEFAULT now(),
    updated_at        timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS score_records (
    id             uuid PRIMARY KEY,
    user_id        uuid NOT NULL REFERENCES users(id),
    previous_score integer NOT NULL,
    new_score      integer NOT NULL,
    reason         text NOT NULL,
    source         text NOT NULL,
    created_at     timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cards (
    id                uuid PRIMARY KEY,
    user_id           uuid NOT NULL REFERENCES users(id),
    status            text NOT NULL,
    credit_limit      bigint NOT NULL,
    balance           bigint NOT NULL DEFAULT 0,
    available_credit  bigint NOT NULL,
    minimum_payment   bigint NOT NULL DEFAULT 0,
    version           bigint NOT NULL DEFAULT 1,
    next_due_date     timestamptz NOT NULL,
    approved_by       text NOT NULL,
    score_at_approval integer NOT NULL,
    cancelled_at      timestamptz,
    created_at        timestamptz NOT NULL DEFAULT now(),
    updated_at        timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS card_requests (
    id                      uuid PRIMARY KEY,
    user_id                 uuid NOT NULL REFERENCES users(id),
    status                  text NOT NULL,
    score_at_request        integer NOT NULL,
    tier_at_request         text NOT NULL,
    decision_outcome        text,
    decision_source         text,
    decision_admin_id       uuid,
    decision_reason         text,
    decision_approved_limit bigint,
    decided_at              timestamptz,
    resulting_card_id       uuid,
    created_at              timestamptz NOT NULL DEFAULT now(),
    updated_at              timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
    id              uuid PRIMARY KEY,
    card_id         uuid NOT NULL REFERENCES cards(id),
    user_id         uuid NOT NULL REFERENCES users(id),
    type            text NOT NULL,
    amount          bigint NOT NULL,
    status          text NOT NULL,
    failure_reason  text,
    payment_status  text,
    days_overdue    integer NOT NULL DEFAULT 0,
    score_impact    integer NOT NULL DEFAULT 0,
    idempotency_key text NOT NULL,
    description     text NOT NULL DEFAULT '',
    created_at      timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS idempotency_records (
    scope       uuid NOT NULL,
    key_hash    text NOT NULL,
    operation   text NOT NULL,
    response    bytea NOT NULL,
    status_code integer NOT NULL,
    created_at  timestamptz NOT NULL DEFAULT now(),
    expires_at  timestamptz NOT NULL,
    PRIMARY KEY (scope, key_hash)
);

CREATE TABLE IF NOT EXISTS outbox_events (
    id              uuid PRIMARY KEY,
    event_type      text NOT NULL,
    entity_type     text NOT NULL,
    entity_id       uuid NOT NULL,
    sequence_number bigint NOT NULL,
    payload         jsonb NOT NULL,
    delivery_status text NOT NULL DEFAULT 'pending',
    retry_count     integer NOT NULL DEFAULT 0,
    last_error      text,
    next_retry_at   timestamptz,
    created_at      timestamptz NOT NULL DEFAULT now(),
    sent_at         timestamptz,
    UNIQUE (entity_type, entity_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS outbox_counters (
    entity_type text NOT NULL,
    entity_id   uuid NOT NULL,
    value       bigint NOT NULL,
    PRIMARY KEY (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
    id             uuid PRIMARY KEY,
    actor_id       uuid NOT NULL,
    action         text NOT NULL,
    target_type    text NOT NULL,
    target_id      uuid NOT NULL,
    previous_value jsonb,
    new_value      jsonb,
    reason         text NOT NULL DEFAULT '',
    created_at     timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cards_user ON cards(user_id);
CREATE INDEX IF NOT EXISTS idx_card_requests_user_status ON card_requests(user_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_card_requests_one_pending ON card_requests(user_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_transactions_card ON transactions(card_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_events(delivery_status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_idempotency_expiry ON idempotency_records(expires_at);
`

// Migrate applies the schema. Safe to run on every boot.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// UserStore
// ---------------------------------------------------------------------------

// FindUserByID retrieves a user from the database by their ecosystem id.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `
		SELECT id, current_score, tier, active_card_count, total_balance, total_limit, created_at, updated_at
		FROM users WHERE id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&user.EcosystemID,
		&user.CurrentScore,
		&user.Tier,
		&user.CardSummary.ActiveCardCount,
		&user.CardSummary.TotalBalance,
		&user.CardSummary.TotalLimit,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// SaveUser inserts a user or updates its mutable fields.
func (r *PostgresRepository) SaveUser(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (id, current_score, tier, active_card_count, total_balance, total_limit)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			current_score = EXCLUDED.current_score,
			tier = EXCLUDED.tier,
			active_card_count = EXCLUDED.active_card_count,
			total_balance = EXCLUDED.total_balance,
			total_limit = EXCLUDED.total_limit,
			updated_at = now()`
	_, err := r.db.Exec(ctx, query,
		user.EcosystemID, user.CurrentScore, user.Tier,
		user.CardSummary.ActiveCardCount, user.CardSummary.TotalBalance, user.CardSummary.TotalLimit)
	return err
}

// UpdateScore persists a new score and the accompanying score record inside
// one transaction, so the audit trail can never drift from the stored score.
func (r *PostgresRepository) UpdateScore(ctx context.Context, userID uuid.UUID, newScore int, reason, source string) (*domain.ScoreRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var previousScore int
	err = tx.QueryRow(ctx, `SELECT current_score FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&previousScore)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	_, err = tx.Exec(ctx, `UPDATE users SET current_score = $2, tier = $3, updated_at = now() WHERE id = $1`,
		userID, newScore, tierFor(newScore))
	if err != nil {
		return nil, err
	}

	record := &domain.ScoreRecord{
		ID:            uuid.New(),
		UserID:        userID,
		PreviousScore: previousScore,
		NewScore:      newScore,
		Reason:        reason,
		Source:        source,
		CreatedAt:     time.Now().UTC(),
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO score_records (id, user_id, previous_score, new_score, reason, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.UserID, record.PreviousScore, record.NewScore, record.Reason, record.Source, record.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

// tierFor mirrors the credit engine's tier boundaries. Kept local so the
// store package does not depend on the engine package.
func tierFor(score int) string {
	switch {
	case score >= 700:
		return domain.TierHigh
	case score >= 500:
		return domain.TierMedium
	default:
		return domain.TierLow
	}
}

// UpdateCardSummary writes the denormalized card aggregate for a user.
func (r *PostgresRepository) UpdateCardSummary(ctx context.Context, userID uuid.UUID, summary domain.CardSummary) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users SET active_card_count = $2, total_balance = $3, total_limit = $4, updated_at = now()
		WHERE id = $1`,
		userID, summary.ActiveCardCount, summary.TotalBalance, summary.TotalLimit)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// CardStore
// ---------------------------------------------------------------------------

const cardColumns = `id, user_id, status, credit_limit, balance, available_credit, minimum_payment,
	version, next_due_date, approved_by, score_at_approval, cancelled_at, created_at, updated_at`

func scanCard(row pgx.Row) (*domain.Card, error) {
	var card domain.Card
	err := row.Scan(
		&card.ID, &card.UserID, &card.Status, &card.Limit, &card.Balance, &card.AvailableCredit,
		&card.MinimumPayment, &card.Version, &card.NextDueDate, &card.ApprovedBy,
		&card.ScoreAtApproval, &card.CancelledAt, &card.CreatedAt, &card.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// FindCardByID retrieves a card by its id.
func (r *PostgresRepository) FindCardByID(ctx context.Context, cardID uuid.UUID) (*domain.Card, error) {
	card, err := scanCard(r.db.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1`, cardID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return card, nil
}

// FindCardsByUser lists a user's cards, optionally filtered by status.
func (r *PostgresRepository) FindCardsByUser(ctx context.Context, userID uuid.UUID, filter domain.CardFilter) ([]domain.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE user_id = $1`
	args := []interface{}{userID}
	if filter.Status != "" {
		query += ` AND status = $2`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *card)
	}
	return cards, rows.Err()
}

// SaveCard inserts a new card aggregate.
func (r *PostgresRepository) SaveCard(ctx context.Context, card *domain.Card) error {
	query := `
		INSERT INTO cards (id, user_id, status, credit_limit, balance, available_credit, minimum_payment,
			version, next_due_date, approved_by, score_at_approval)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.db.Exec(ctx, query,
		card.ID, card.UserID, card.Status, card.Limit, card.Balance, card.AvailableCredit,
		card.MinimumPayment, card.Version, card.NextDueDate, card.ApprovedBy, card.ScoreAtApproval)
	return err
}

// UpdateBalance performs the optimistic-concurrency guarded balance write.
// The update carries the version the caller expects to be writing; the row
// is only touched when the stored version is exactly one behind. A stale
// write changes nothing and is reported as *ConcurrencyError.
func (r *PostgresRepository) UpdateBalance(ctx context.Context, cardID uuid.UUID, update domain.CardBalanceUpdate) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE cards
		SET balance = $2, available_credit = $3, minimum_payment = $4, version = $5, updated_at = now()
		WHERE id = $1 AND version = $6`,
		cardID, update.Balance, update.AvailableCredit, update.MinimumPayment, update.Version, update.Version-1)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var actualVersion int64
	err = r.db.QueryRow(ctx, `SELECT version FROM cards WHERE id = $1`, cardID).Scan(&actualVersion)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrCardNotFound
		}
		return err
	}
	return &ConcurrencyError{CardID: cardID, ExpectedVersion: update.Version, ActualVersion: actualVersion}
}

// UpdateCardStatus writes a new card status. Cancellation also stamps
// cancelled_at. Transition legality is validated by the caller before the
// write; the store only persists.
func (r *PostgresRepository) UpdateCardStatus(ctx context.Context, cardID uuid.UUID, status string) error {
	query := `UPDATE cards SET status = $2, updated_at = now() WHERE id = $1`
	if status == domain.CardStatusCancelled {
		query = `UPDATE cards SET status = $2, cancelled_at = now(), updated_at = now() WHERE id = $1`
	}
	tag, err := r.db.Exec(ctx, query, cardID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCardNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// CardRequestStore
// ---------------------------------------------------------------------------

const requestColumns = `id, user_id, status, score_at_request, tier_at_request, decision_outcome,
	decision_source, decision_admin_id, decision_reason, decision_approved_limit, decided_at,
	resulting_card_id, created_at, updated_at`

func scanRequest(row pgx.Row) (*domain.CardRequest, error) {
	var req domain.CardRequest
	var outcome, source, reason *string
	var adminID *uuid.UUID
	var approvedLimit *int64
	var decidedAt *time.Time
	err := row.Scan(
		&req.ID, &req.UserID, &req.Status, &req.ScoreAtRequest, &req.TierAtRequest,
		&outcome, &source, &adminID, &reason, &approvedLimit, &decidedAt,
		&req.ResultingCardID, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if outcome != nil && source != nil && decidedAt != nil {
		decision := &domain.Decision{
			Outcome:   *outcome,
			Source:    *source,
			AdminID:   adminID,
			DecidedAt: *decidedAt,
		}
		if reason != nil {
			decision.Reason = *reason
		}
		if approvedLimit != nil {
			decision.ApprovedLimit = *approvedLimit
		}
		req.Decision = decision
	}
	return &req, nil
}

// FindRequestByID retrieves a card request by its id.
func (r *PostgresRepository) FindRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.CardRequest, error) {
	req, err := scanRequest(r.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM card_requests WHERE id = $1`, requestID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// FindPendingRequestByUser returns the user's single pending request, if any.
func (r *PostgresRepository) FindPendingRequestByUser(ctx context.Context, userID uuid.UUID) (*domain.CardRequest, error) {
	req, err := scanRequest(r.db.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM card_requests WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`,
		userID, domain.RequestStatusPending))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// FindRejectedRequestsByUser lists rejections within the cooldown window.
func (r *PostgresRepository) FindRejectedRequestsByUser(ctx context.Context, userID uuid.UUID, withinDays int) ([]domain.CardRequest, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+requestColumns+` FROM card_requests
		 WHERE user_id = $1 AND status = $2 AND decided_at >= now() - ($3 * interval '1 day')
		 ORDER BY decided_at DESC`,
		userID, domain.RequestStatusRejected, withinDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.CardRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// SaveRequest inserts a new card request. The partial unique index on
// pending rows rejects a second concurrent pending request for the same
// user; the violation is surfaced as ErrPendingRequestExists.
func (r *PostgresRepository) SaveRequest(ctx context.Context, request *domain.CardRequest) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO card_requests (id, user_id, status, score_at_request, tier_at_request)
		VALUES ($1, $2, $3, $4, $5)`,
		request.ID, request.UserID, request.Status, request.ScoreAtRequest, request.TierAtRequest)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_card_requests_one_pending" {
		return ErrPendingRequestExists
	}
	return err
}

// UpdateRequestStatus moves a pending request to its terminal status. The
// WHERE clause guards terminality: a request that already left 'pending'
// cannot be decided again.
func (r *PostgresRepository) UpdateRequestStatus(ctx context.Context, requestID uuid.UUID, status string, decision *domain.Decision, resultingCardID *uuid.UUID) error {
	var adminID *uuid.UUID
	var reason string
	var approvedLimit int64
	var decidedAt time.Time
	var outcome, source string
	if decision != nil {
		adminID = decision.AdminID
		reason = decision.Reason
		approvedLimit = decision.ApprovedLimit
		decidedAt = decision.DecidedAt
		outcome = decision.Outcome
		source = decision.Source
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE card_requests
		SET status = $2, decision_outcome = $3, decision_source = $4, decision_admin_id = $5,
			decision_reason = $6, decision_approved_limit = $7, decided_at = $8,
			resulting_card_id = $9, updated_at = now()
		WHERE id = $1 AND status = $10`,
		requestID, status, outcome, source, adminID, reason, approvedLimit, decidedAt,
		resultingCardID, domain.RequestStatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already-decided.
		var current string
		err = r.db.QueryRow(ctx, `SELECT status FROM card_requests WHERE id = $1`, requestID).Scan(&current)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrRequestNotFound
			}
			return err
		}
		return ErrRequestAlreadyDecided
	}
	return nil
}

// ---------------------------------------------------------------------------
// TransactionStore
// ---------------------------------------------------------------------------

// FindTransactionsByCard lists the ledger for one card, newest first.
func (r *PostgresRepository) FindTransactionsByCard(ctx context.Context, cardID uuid.UUID, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	query := `
		SELECT id, card_id, user_id, type, amount, status, failure_reason, payment_status,
			days_overdue, score_impact, idempotency_key, description, created_at
		FROM transactions WHERE card_id = $1`
	args := []interface{}{cardID}
	i := 2
	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", i)
		args = append(args, filter.Type)
		i++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", i)
		args = append(args, filter.Status)
		i++
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", i)
		args = append(args, filter.Limit)
		i++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", i)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		err := rows.Scan(
			&tx.ID, &tx.CardID, &tx.UserID, &tx.Type, &tx.Amount, &tx.Status, &tx.FailureReason,
			&tx.PaymentStatus, &tx.DaysOverdue, &tx.ScoreImpact, &tx.IdempotencyKey,
			&tx.Description, &tx.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SaveTransaction appends one ledger record.
func (r *PostgresRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO transactions (id, card_id, user_id, type, amount, status, failure_reason,
			payment_status, days_overdue, score_impact, idempotency_key, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tx.ID, tx.CardID, tx.UserID, tx.Type, tx.Amount, tx.Status, tx.FailureReason,
		tx.PaymentStatus, tx.DaysOverdue, tx.ScoreImpact, tx.IdempotencyKey, tx.Description)
	return err
}

// ---------------------------------------------------------------------------
// IdempotencyStore
// ---------------------------------------------------------------------------

// FindIdempotencyRecord looks up a cached command outcome. Expiry is
// enforced by the caller; physically expired rows are simply not returned.
func (r *PostgresRepository) FindIdempotencyRecord(ctx context.Context, scope uuid.UUID, keyHash string) (*domain.IdempotencyRecord, error) {
	var record domain.IdempotencyRecord
	err := r.db.QueryRow(ctx, `
		SELECT scope, key_hash, operation, response, status_code, created_at, expires_at
		FROM idempotency_records WHERE scope = $1 AND key_hash = $2`,
		scope, keyHash).Scan(
		&record.Scope, &record.KeyHash, &record.Operation, &record.Response,
		&record.StatusCode, &record.CreatedAt, &record.ExpiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// SaveIdempotencyRecord inserts with first-writer-wins semantics. A
// physically present but expired row does not count as a first writer: the
// upsert overwrites it in place, so a reused key keeps caching fresh
// responses between sweeps. Only a live row reports ErrIdempotencyKeyExists.
func (r *PostgresRepository) SaveIdempotencyRecord(ctx context.Context, record *domain.IdempotencyRecord) error {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO idempotency_records (scope, key_hash, operation, response, status_code, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (scope, key_hash) DO UPDATE SET
			operation = EXCLUDED.operation,
			response = EXCLUDED.response,
			status_code = EXCLUDED.status_code,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= EXCLUDED.created_at`,
		record.Scope, record.KeyHash, record.Operation, record.Response,
		record.StatusCode, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyKeyExists
	}
	return nil
}

// DeleteExpiredIdempotencyRecords sweeps physically expired rows.
func (r *PostgresRepository) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ---------------------------------------------------------------------------
// OutboxStore
// ---------------------------------------------------------------------------

// SaveOutboxEvent appends an event. When the event carries the AutoSequence
// sentinel, the next per-(entity_type, entity_id) number is assigned by an
// atomic upsert on outbox_counters inside the same transaction as the event
// insert, so concurrent writers observe a strict, gap-free order.
func (r *PostgresRepository) SaveOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if event.SequenceNumber == domain.AutoSequence {
		err = tx.QueryRow(ctx, `
			INSERT INTO outbox_counters (entity_type, entity_id, value)
			VALUES ($1, $2, 1)
			ON CONFLICT (entity_type, entity_id) DO UPDATE SET value = outbox_counters.value + 1
			RETURNING value`,
			event.EntityType, event.EntityID).Scan(&event.SequenceNumber)
		if err != nil {
			return fmt.Errorf("failed to assign outbox sequence: %w", err)
		}
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

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (id, event_type, entity_type, entity_id, sequence_number, payload,
			delivery_status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.EventType, event.EntityType, event.EntityID, event.SequenceNumber,
		event.Payload, event.DeliveryStatus, event.RetryCount, event.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

const outboxColumns = `id, event_type, entity_type, entity_id, sequence_number, payload,
	delivery_status, retry_count, last_error, next_retry_at, created_at, sent_at`

func (r *PostgresRepository) queryOutboxEvents(ctx context.Context, query string, args ...interface{}) ([]domain.OutboxEvent, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var ev domain.OutboxEvent
		err := rows.Scan(
			&ev.ID, &ev.EventType, &ev.EntityType, &ev.EntityID, &ev.SequenceNumber, &ev.Payload,
			&ev.DeliveryStatus, &ev.RetryCount, &ev.LastError, &ev.NextRetryAt, &ev.CreatedAt, &ev.SentAt,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// FindPendingOutboxEvents returns undelivered events in per-entity order.
func (r *PostgresRepository) FindPendingOutboxEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	return r.queryOutboxEvents(ctx, `
		SELECT `+outboxColumns+` FROM outbox_events
		WHERE delivery_status = $1
		ORDER BY entity_type, entity_id, sequence_number
		LIMIT $2`,
		domain.DeliveryStatusPending, limit)
}

// FindOutboxEventsReadyForRetry returns failed events whose backoff elapsed.
func (r *PostgresRepository) FindOutboxEventsReadyForRetry(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	return r.queryOutboxEvents(ctx, `
		SELECT `+outboxColumns+` FROM outbox_events
		WHERE delivery_status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY entity_type, entity_id, sequence_number
		LIMIT $3`,
		domain.DeliveryStatusFailed, now, limit)
}

// MarkOutboxEventSent finalizes a delivery.
func (r *PostgresRepository) MarkOutboxEventSent(ctx context.Context, eventID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox_events SET delivery_status = $2, sent_at = now(), last_error = NULL, next_retry_at = NULL
		WHERE id = $1`,
		eventID, domain.DeliveryStatusSent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxEventNotFound
	}
	return nil
}

// MarkOutboxEventFailed records a delivery failure and its next retry time.
func (r *PostgresRepository) MarkOutboxEventFailed(ctx context.Context, eventID uuid.UUID, deliveryError string, nextRetryAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET delivery_status = $2, retry_count = retry_count + 1, last_error = $3, next_retry_at = $4
		WHERE id = $1`,
		eventID, domain.DeliveryStatusFailed, deliveryError, nextRetryAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxEventNotFound
	}
	return nil
}

// MarkOutboxEventDeadLettered parks an event that exhausted its retries.
func (r *PostgresRepository) MarkOutboxEventDeadLettered(ctx context.Context, eventID uuid.UUID, deliveryError string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox_events SET delivery_status = $2, last_error = $3, next_retry_at = NULL
		WHERE id = $1`,
		eventID, domain.DeliveryStatusDeadLettered, deliveryError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxEventNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// AuditLogStore
// ---------------------------------------------------------------------------

// SaveAuditLogEntry records one admin-initiated state change.
func (r *PostgresRepository) SaveAuditLogEntry(ctx context.Context, entry *domain.AuditLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO audit_log (id, actor_id, action, target_type, target_id, previous_value, new_value, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.ActorID, entry.Action, entry.TargetType, entry.TargetID,
		entry.PreviousValue, entry.NewValue, entry.Reason)
	return err
}
