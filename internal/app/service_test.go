package app

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/korecard/card-service/internal/credit"
	"github.com/korecard/card-service/internal/domain"
	"github.com/korecard/card-service/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MemoryRepository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	svc := NewService(repo, credit.DefaultPolicy(), 24*time.Hour)
	return svc, repo
}

func seedUser(t *testing.T, repo *store.MemoryRepository, score int) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	user := &domain.User{
		EcosystemID:  userID,
		CurrentScore: score,
		Tier:         credit.DeriveTier(score),
	}
	if err := repo.SaveUser(context.Background(), user); err != nil {
		t.Fatalf("SaveUser returned error: %v", err)
	}
	return userID
}

func seedActiveCard(t *testing.T, svc *Service, repo *store.MemoryRepository, userID uuid.UUID, limit, balance int64) *domain.Card {
	t.Helper()
	card := svc.newCardFromApproval(userID, limit, domain.DecisionSourceAuto, 750)
	card.Balance = balance
	card.AvailableCredit = limit - balance
	card.MinimumPayment = svc.policy.MinimumPaymentFor(balance)
	if err := repo.SaveCard(context.Background(), card); err != nil {
		t.Fatalf("SaveCard returned error: %v", err)
	}
	return card
}

func eventsOfType(repo *store.MemoryRepository, eventType string) []domain.OutboxEvent {
	var out []domain.OutboxEvent
	for _, ev := range repo.OutboxEvents() {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestRequestCard_AutoApproval(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 750)

	result, err := svc.RequestCard(ctx, domain.RequestCardCommand{
		UserID:         userID,
		IdempotencyKey: "req-1",
	})
	if err != nil {
		t.Fatalf("RequestCard returned error: %v", err)
	}
	if result.Status != domain.RequestStatusApproved {
		t.Fatalf("status = %q, want approved", result.Status)
	}
	if result.ApprovedLimit != 10000 {
		t.Fatalf("approved limit = %d, want 10000", result.ApprovedLimit)
	}
	if result.CardID == nil {
		t.Fatal("approved result must carry a card id")
	}

	card, err := repo.FindCardByID(ctx, *result.CardID)
	if err != nil {
		t.Fatalf("FindCardByID returned error: %v", err)
	}
	if card.ApprovedBy != domain.DecisionSourceAuto {
		t.Fatalf("approved by = %q, want auto", card.ApprovedBy)
	}
	if card.Version != 1 || card.Balance != 0 || card.AvailableCredit != 10000 {
		t.Fatalf("fresh card shape wrong: version=%d balance=%d available=%d", card.Version, card.Balance, card.AvailableCredit)
	}

	request, err := repo.FindRequestByID(ctx, result.RequestID)
	if err != nil {
		t.Fatalf("FindRequestByID returned error: %v", err)
	}
	if request.Status != domain.RequestStatusApproved || request.ResultingCardID == nil {
		t.Fatalf("request not finalized: status=%q card=%v", request.Status, request.ResultingCardID)
	}

	if got := len(eventsOfType(repo, domain.EventCardRequested)); got != 1 {
		t.Fatalf("card.requested events = %d, want 1", got)
	}
	if got := len(eventsOfType(repo, domain.EventCardApproved)); got != 1 {
		t.Fatalf("card.approved events = %d, want 1", got)
	}

	user, err := repo.FindUserByID(ctx, userID)
	if err != nil {
		t.Fatalf("FindUserByID returned error: %v", err)
	}
	if user.CardSummary.ActiveCardCount != 1 || user.CardSummary.TotalLimit != 10000 {
		t.Fatalf("card summary not refreshed: %+v", user.CardSummary)
	}
}

func TestRequestCard_LowScoreStaysPending(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 450)

	result, err := svc.RequestCard(ctx, domain.RequestCardCommand{
		UserID:         userID,
		IdempotencyKey: "req-low",
	})
	if err != nil {
		t.Fatalf("RequestCard returned error: %v", err)
	}
	if result.Status != domain.RequestStatusPending {
		t.Fatalf("status = %q, want pending", result.Status)
	}
	if result.CardID != nil {
		t.Fatal("pending request must not create a card")
	}
	if got := len(eventsOfType(repo, domain.EventCardApproved)); got != 0 {
		t.Fatalf("card.approved events = %d, want 0", got)
	}
	if got := len(eventsOfType(repo, domain.EventCardRequested)); got != 1 {
		t.Fatalf("card.requested events = %d, want 1", got)
	}
}

func TestRequestCard_EligibilityRefusals(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)

	t.Run("active card blocks a new request", func(t *testing.T) {
		userID := seedUser(t, repo, 750)
		if _, err := svc.RequestCard(ctx, domain.RequestCardCommand{UserID: userID, IdempotencyKey: "first"}); err != nil {
			t.Fatalf("first request returned error: %v", err)
		}
		_, err := svc.RequestCard(ctx, domain.RequestCardCommand{UserID: userID, IdempotencyKey: "second"})
		var refusal *NotEligibleError
		if !errors.As(err, &refusal) {
			t.Fatalf("expected *NotEligibleError, got %v", err)
		}
	})

	t.Run("pending request blocks a new request", func(t *testing.T) {
		userID := seedUser(t, repo, 400)
		if _, err := svc.RequestCard(ctx, domain.RequestCardCommand{UserID: userID, IdempotencyKey: "first"}); err != nil {
			t.Fatalf("first request returned error: %v", err)
		}
		_, err := svc.RequestCard(ctx, domain.RequestCardCommand{UserID: userID, IdempotencyKey: "second"})
		var refusal *NotEligibleError
		if !errors.As(err, &refusal) {
			t.Fatalf("expected *NotEligibleError, got %v", err)
		}
	})

	t.Run("recent rejection blocks a new request", func(t *testing.T) {
		userID := seedUser(t, repo, 400)
		request := &domain.CardRequest{
			ID:             uuid.New(),
			UserID:         userID,
			Status:         domain.RequestStatusRejected,
			ScoreAtRequest: 400,
			TierAtRequest:  domain.TierLow,
			Decision: &domain.Decision{
				Outcome:   domain.RequestStatusRejected,
				Source:    domain.DecisionSourceAdmin,
				DecidedAt: time.Now().UTC().AddDate(0, 0, -5),
			},
		}
		if err := repo.SaveRequest(ctx, request); err != nil {
			t.Fatalf("SaveRequest returned error: %v", err)
		}
		_, err := svc.RequestCard(ctx, domain.RequestCardCommand{UserID: userID, IdempotencyKey: "blocked"})
		var refusal *NotEligibleError
		if !errors.As(err, &refusal) {
			t.Fatalf("expected *NotEligibleError, got %v", err)
		}
	})
}

func TestAdminApproveRequest_PendingPath(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 450)
	adminID := uuid.New()

	pending, err := svc.RequestCard(ctx, domain.RequestCardCommand{UserID: userID, IdempotencyKey: "apply"})
	if err != nil {
		t.Fatalf("RequestCard returned error: %v", err)
	}

	result, err := svc.AdminApproveRequest(ctx, domain.AdminApproveCommand{
		AdminID:        adminID,
		RequestID:      pending.RequestID,
		ApprovedLimit:  2000,
		Reason:         "manual review passed",
		IdempotencyKey: "approve-1",
	})
	if err != nil {
		t.Fatalf("AdminApproveRequest returned error: %v", err)
	}
	if result.Status != domain.RequestStatusApproved || result.CardID == nil {
		t.Fatalf("unexpected result: %+v", result)
	}

	card, err := repo.FindCardByID(ctx, *result.CardID)
	if err != nil {
		t.Fatalf("FindCardByID returned error: %v", err)
	}
	if card.ApprovedBy != domain.DecisionSourceAdmin || card.Limit != 2000 {
		t.Fatalf("card shape wrong: approvedBy=%q limit=%d", card.ApprovedBy, card.Limit)
	}

	entries := repo.AuditLogEntries()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].ActorID != adminID || entries[0].Action != domain.OpAdminApproveRequest {
		t.Fatalf("audit entry wrong: %+v", entries[0])
	}

	// A second decision against the same request is refused.
	_, err = svc.AdminApproveRequest(ctx, domain.AdminApproveCommand{
		AdminID:        adminID,
		RequestID:      pending.RequestID,
		ApprovedLimit:  2000,
		IdempotencyKey: "approve-2",
	})
	if !errors.Is(err, store.ErrRequestAlreadyDecided) {
		t.Fatalf("second decision error = %v, want ErrRequestAlreadyDecided", err)
	}

	// The refused decision must not have minted another card.
	cards, err := repo.FindCardsByUser(ctx, userID, domain.CardFilter{})
	if err != nil {
		t.Fatalf("FindCardsByUser returned error: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("cards for user = %d, want 1", len(cards))
	}
}

func TestAdminApproveRequest_CeilingViolationReported(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 450) // low tier, ceiling 3000
	adminID := uuid.New()

	pending, err := svc.RequestCard(ctx, domain.RequestCardCommand{UserID: userID, IdempotencyKey: "apply"})
	if err != nil {
		t.Fatalf("RequestCard returned error: %v", err)
	}

	_, err = svc.AdminApproveRequest(ctx, domain.AdminApproveCommand{
		AdminID:        adminID,
		RequestID:      pending.RequestID,
		ApprovedLimit:  5000,
		IdempotencyKey: "approve-too-high",
	})
	var limitErr *LimitExceedsPolicyError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *LimitExceedsPolicyError, got %v", err)
	}
	if limitErr.Tier != domain.TierLow || limitErr.RequestedLimit != 5000 {
		t.Fatalf("error detail wrong: %+v", limitErr)
	}

	// The request stays pending; no card was created.
	request, err := repo.FindRequestByID(ctx, pending.RequestID)
	if err != nil {
		t.Fatalf("FindRequestByID returned error: %v", err)
	}
	if request.Status != domain.RequestStatusPending {
		t.Fatalf("request status = %q, want pending", request.Status)
	}
}

func TestAdminRejectRequest_StartsCooldown(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 450)
	adminID := uuid.New()

	pending, err := svc.RequestCard(ctx, domain.RequestCardCommand{UserID: userID, IdempotencyKey: "apply"})
	if err != nil {
		t.Fatalf("RequestCard returned error: %v", err)
	}

	if _, err := svc.AdminRejectRequest(ctx, domain.AdminRejectCommand{
		AdminID:        adminID,
		RequestID:      pending.RequestID,
		Reason:         "insufficient history",
		IdempotencyKey: "reject-1",
	}); err != nil {
		t.Fatalf("AdminRejectRequest returned error: %v", err)
	}

	if got := len(eventsOfType(repo, domain.EventCardRejected)); got != 1 {
		t.Fatalf("card.rejected events = %d, want 1", got)
	}

	// The rejection blocks a new request for the cooldown window.
	_, err = svc.RequestCard(ctx, domain.RequestCardCommand{UserID: userID, IdempotencyKey: "apply-again"})
	var refusal *NotEligibleError
	if !errors.As(err, &refusal) {
		t.Fatalf("expected *NotEligibleError, got %v", err)
	}
}

func TestAdminRejectRequest_ReasonRequired(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.AdminRejectRequest(ctx, domain.AdminRejectCommand{
		AdminID:        uuid.New(),
		RequestID:      uuid.New(),
		IdempotencyKey: "reject-no-reason",
	})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

func TestPurchase_HappyPath(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 750)
	card := seedActiveCard(t, svc, repo, userID, 5000, 0)

	result, err := svc.Purchase(ctx, domain.PurchaseCommand{
		UserID:         userID,
		CardID:         card.ID,
		Amount:         1200,
		Description:    "groceries",
		IdempotencyKey: "buy-1",
	})
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}
	if result.Balance != 1200 || result.AvailableCredit != 3800 {
		t.Fatalf("balance/available = %d/%d, want 1200/3800", result.Balance, result.AvailableCredit)
	}
	if result.MinimumPayment != 60 {
		t.Fatalf("minimum payment = %d, want 60", result.MinimumPayment)
	}

	stored, err := repo.FindCardByID(ctx, card.ID)
	if err != nil {
		t.Fatalf("FindCardByID returned error: %v", err)
	}
	if stored.Version != 2 {
		t.Fatalf("card version = %d, want 2", stored.Version)
	}
	if stored.Balance+stored.AvailableCredit != stored.Limit {
		t.Fatalf("balance invariant violated: %d + %d != %d", stored.Balance, stored.AvailableCredit, stored.Limit)
	}
	if got := len(eventsOfType(repo, domain.EventTransactionPurchase)); got != 1 {
		t.Fatalf("transaction.purchase events = %d, want 1", got)
	}
}

func TestPurchase_InsufficientCredit(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 750)
	card := seedActiveCard(t, svc, repo, userID, 5000, 4900) // 100 available

	_, err := svc.Purchase(ctx, domain.PurchaseCommand{
		UserID:         userID,
		CardID:         card.ID,
		Amount:         500,
		IdempotencyKey: "buy-too-much",
	})
	if !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("error = %v, want ErrInsufficientCredit", err)
	}

	// The refusal leaves a failed ledger row and no balance change.
	txs := repo.Transactions()
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1 failed attempt", len(txs))
	}
	if txs[0].Status != domain.TransactionStatusFailed || txs[0].FailureReason == nil {
		t.Fatalf("failed attempt shape wrong: %+v", txs[0])
	}
	stored, err := repo.FindCardByID(ctx, card.ID)
	if err != nil {
		t.Fatalf("FindCardByID returned error: %v", err)
	}
	if stored.Balance != 4900 || stored.Version != 1 {
		t.Fatalf("refused purchase mutated the card: balance=%d version=%d", stored.Balance, stored.Version)
	}
}

func TestPurchase_RefusedOnNonActiveCard(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 750)
	card := seedActiveCard(t, svc, repo, userID, 5000, 0)
	if err := repo.UpdateCardStatus(ctx, card.ID, domain.CardStatusSuspended); err != nil {
		t.Fatalf("UpdateCardStatus returned error: %v", err)
	}

	_, err := svc.Purchase(ctx, domain.PurchaseCommand{
		UserID:         userID,
		CardID:         card.ID,
		Amount:         100,
		IdempotencyKey: "buy-suspended",
	})
	var refusal *NotEligibleError
	if !errors.As(err, &refusal) {
		t.Fatalf("expected *NotEligibleError, got %v", err)
	}
}

func TestPurchase_ForeignCardLooksAbsent(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	owner := seedUser(t, repo, 750)
	stranger := seedUser(t, repo, 750)
	card := seedActiveCard(t, svc, repo, owner, 5000, 0)

	_, err := svc.Purchase(ctx, domain.PurchaseCommand{
		UserID:         stranger,
		CardID:         card.ID,
		Amount:         100,
		IdempotencyKey: "buy-foreign",
	})
	if !errors.Is(err, store.ErrCardNotFound) {
		t.Fatalf("error = %v, want ErrCardNotFound", err)
	}
}

func TestPurchase_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 750)
	card := seedActiveCard(t, svc, repo, userID, 5000, 0)

	cmd := domain.PurchaseCommand{
		UserID:         userID,
		CardID:         card.ID,
		Amount:         300,
		IdempotencyKey: "buy-once",
	}
	first, err := svc.Purchase(ctx, cmd)
	if err != nil {
		t.Fatalf("first purchase returned error: %v", err)
	}
	second, err := svc.Purchase(ctx, cmd)
	if err != nil {
		t.Fatalf("replayed purchase returned error: %v", err)
	}

	if !second.FromIdempotency {
		t.Fatal("replay must be flagged FromIdempotency")
	}
	if second.TransactionID != first.TransactionID || second.Balance != first.Balance {
		t.Fatalf("replay diverged: first=%+v second=%+v", first, second)
	}

	// Exactly one mutation and one ledger row despite two submissions.
	stored, err := repo.FindCardByID(ctx, card.ID)
	if err != nil {
		t.Fatalf("FindCardByID returned error: %v", err)
	}
	if stored.Balance != 300 || stored.Version != 2 {
		t.Fatalf("replay mutated the card again: balance=%d version=%d", stored.Balance, stored.Version)
	}
	if txs := repo.Transactions(); len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if events := eventsOfType(repo, domain.EventTransactionPurchase); len(events) != 1 {
		t.Fatalf("purchase events = %d, want 1", len(events))
	}
}

func TestIdempotencyKeyReuseAcrossOperations(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 750)
	card := seedActiveCard(t, svc, repo, userID, 5000, 0)

	if _, err := svc.Purchase(ctx, domain.PurchaseCommand{
		UserID:         userID,
		CardID:         card.ID,
		Amount:         300,
		IdempotencyKey: "shared-key",
	}); err != nil {
		t.Fatalf("purchase returned error: %v", err)
	}

	_, err := svc.Payment(ctx, domain.PaymentCommand{
		UserID:         userID,
		CardID:         card.ID,
		Amount:         100,
		IdempotencyKey: "shared-key",
	})
	var mismatch *IdempotencyMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *IdempotencyMismatchError, got %v", err)
	}
	if mismatch.RecordedOperation != domain.OpPurchase || mismatch.AttemptedOperation != domain.OpPayment {
		t.Fatalf("mismatch detail wrong: %+v", mismatch)
	}
}

func TestPayment_OnTimeFullPayoff(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 600)
	card := seedActiveCard(t, svc, repo, userID, 5000, 1000)

	paidAt := card.NextDueDate.AddDate(0, 0, -2)
	result, err := svc.Payment(ctx, domain.PaymentCommand{
		UserID:         userID,
		CardID:         card.ID,
		Amount:         1000,
		PaymentDate:    &paidAt,
		IdempotencyKey: "pay-full",
	})
	if err != nil {
		t.Fatalf("Payment returned error: %v", err)
	}
	if result.Balance != 0 || result.AvailableCredit != 5000 {
		t.Fatalf("balance/available = %d/%d, want 0/5000", result.Balance, result.AvailableCredit)
	}
	if result.PaymentStatus != domain.PaymentStatusOnTime || result.ScoreImpact != 20 {
		t.Fatalf("payment impact wrong: status=%q delta=%d", result.PaymentStatus, result.ScoreImpact)
	}
	if result.NewScore != 620 {
		t.Fatalf("new score = %d, want 620", result.NewScore)
	}

	records := repo.ScoreRecords()
	if len(records) != 1 || records[0].PreviousScore != 600 || records[0].NewScore != 620 {
		t.Fatalf("score history wrong: %+v", records)
	}
	if got := len(eventsOfType(repo, domain.EventUserScoreChanged)); got != 1 {
		t.Fatalf("user.score_changed events = %d, want 1", got)
	}
	if got := len(eventsOfType(repo, domain.EventTransactionPayment)); got != 1 {
		t.Fatalf("transaction.payment events = %d, want 1", got)
	}
}

func TestPayment_SeverelyLateTakesFullPenalty(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 520)
	card := seedActiveCard(t, svc, repo, userID, 5000, 2000)

	paidAt := card.NextDueDate.AddDate(0, 0, 35)
	result, err := svc.Payment(ctx, domain.PaymentCommand{
		UserID:         userID,
		CardID:         card.ID,
		Amount:         500,
		PaymentDate:    &paidAt,
		IdempotencyKey: "pay-late",
	})
	if err != nil {
		t.Fatalf("Payment returned error: %v", err)
	}
	if result.PaymentStatus != domain.PaymentStatusLate || result.DaysOverdue != 35 {
		t.Fatalf("payment impact wrong: status=%q overdue=%d", result.PaymentStatus, result.DaysOverdue)
	}
	if result.ScoreImpact != -100 || result.NewScore != 420 {
		t.Fatalf("score effect wrong: delta=%d new=%d", result.ScoreImpact, result.NewScore)
	}

	user, err := repo.FindUserByID(ctx, userID)
	if err != nil {
		t.Fatalf("FindUserByID returned error: %v", err)
	}
	if user.Tier != domain.TierLow {
		t.Fatalf("tier = %q, want low after the penalty", user.Tier)
	}
}

func TestPayment_ScoreClampedAtFloor(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 40)
	card := seedActiveCard(t, svc, repo, userID, 1000, 500)

	paidAt := card.NextDueDate.AddDate(0, 0, 40)
	result, err := svc.Payment(ctx, domain.PaymentCommand{
		UserID:         userID,
		CardID:         card.ID,
		Amount:         100,
		PaymentDate:    &paidAt,
		IdempotencyKey: "pay-clamped",
	})
	if err != nil {
		t.Fatalf("Payment returned error: %v", err)
	}
	if result.NewScore != 0 {
		t.Fatalf("new score = %d, want clamped to 0", result.NewScore)
	}
}

func TestPayment_AboveBalanceIsRefused(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 600)
	card := seedActiveCard(t, svc, repo, userID, 5000, 200)

	_, err := svc.Payment(ctx, domain.PaymentCommand{
		UserID:         userID,
		CardID:         card.ID,
		Amount:         500,
		IdempotencyKey: "overpay",
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("error = %v, want ErrInvalidAmount", err)
	}

	txs := repo.Transactions()
	if len(txs) != 1 || txs[0].Status != domain.TransactionStatusFailed {
		t.Fatalf("expected one failed ledger row, got %+v", txs)
	}
	if records := repo.ScoreRecords(); len(records) != 0 {
		t.Fatalf("refused payment must not touch the score, got %d records", len(records))
	}
}

func TestCancelCard(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 750)

	t.Run("nonzero balance blocks cancellation", func(t *testing.T) {
		card := seedActiveCard(t, svc, repo, userID, 5000, 300)
		_, err := svc.CancelCard(ctx, domain.CancelCardCommand{
			UserID:         userID,
			CardID:         card.ID,
			IdempotencyKey: "cancel-debt",
		})
		var refusal *NotEligibleError
		if !errors.As(err, &refusal) {
			t.Fatalf("expected *NotEligibleError, got %v", err)
		}
	})

	t.Run("zero balance cancels and is terminal", func(t *testing.T) {
		card := seedActiveCard(t, svc, repo, userID, 5000, 0)
		result, err := svc.CancelCard(ctx, domain.CancelCardCommand{
			UserID:         userID,
			CardID:         card.ID,
			Reason:         "no longer needed",
			IdempotencyKey: "cancel-ok",
		})
		if err != nil {
			t.Fatalf("CancelCard returned error: %v", err)
		}
		if result.Status != domain.CardStatusCancelled {
			t.Fatalf("status = %q, want cancelled", result.Status)
		}

		stored, err := repo.FindCardByID(ctx, card.ID)
		if err != nil {
			t.Fatalf("FindCardByID returned error: %v", err)
		}
		if stored.CancelledAt == nil {
			t.Fatal("cancelled card must record CancelledAt")
		}
		if got := len(eventsOfType(repo, domain.EventCardCancelled)); got != 1 {
			t.Fatalf("card.cancelled events = %d, want 1", got)
		}

		// No transition out of cancelled.
		_, err = svc.ReactivateCard(ctx, domain.CardStatusCommand{
			AdminID:        uuid.New(),
			CardID:         card.ID,
			IdempotencyKey: "revive",
		})
		var refusal *NotEligibleError
		if !errors.As(err, &refusal) {
			t.Fatalf("expected *NotEligibleError, got %v", err)
		}
	})
}

func TestSuspendAndReactivate(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 750)
	adminID := uuid.New()
	card := seedActiveCard(t, svc, repo, userID, 5000, 100)

	if _, err := svc.SuspendCard(ctx, domain.CardStatusCommand{
		AdminID:        adminID,
		CardID:         card.ID,
		Reason:         "fraud review",
		IdempotencyKey: "suspend-1",
	}); err != nil {
		t.Fatalf("SuspendCard returned error: %v", err)
	}

	stored, err := repo.FindCardByID(ctx, card.ID)
	if err != nil {
		t.Fatalf("FindCardByID returned error: %v", err)
	}
	if stored.Status != domain.CardStatusSuspended {
		t.Fatalf("status = %q, want suspended", stored.Status)
	}

	// Suspending twice is an illegal transition.
	_, err = svc.SuspendCard(ctx, domain.CardStatusCommand{
		AdminID:        adminID,
		CardID:         card.ID,
		IdempotencyKey: "suspend-2",
	})
	var refusal *NotEligibleError
	if !errors.As(err, &refusal) {
		t.Fatalf("expected *NotEligibleError, got %v", err)
	}

	if _, err := svc.ReactivateCard(ctx, domain.CardStatusCommand{
		AdminID:        adminID,
		CardID:         card.ID,
		Reason:         "review cleared",
		IdempotencyKey: "reactivate-1",
	}); err != nil {
		t.Fatalf("ReactivateCard returned error: %v", err)
	}

	stored, err = repo.FindCardByID(ctx, card.ID)
	if err != nil {
		t.Fatalf("FindCardByID returned error: %v", err)
	}
	if stored.Status != domain.CardStatusActive {
		t.Fatalf("status = %q, want active", stored.Status)
	}

	// Both transitions were audited.
	if entries := repo.AuditLogEntries(); len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
}

func TestAdminAdjustScore(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 950)
	adminID := uuid.New()

	result, err := svc.AdminAdjustScore(ctx, domain.AdminAdjustScoreCommand{
		AdminID:        adminID,
		UserID:         userID,
		Delta:          100,
		Reason:         "goodwill adjustment",
		IdempotencyKey: "adjust-1",
	})
	if err != nil {
		t.Fatalf("AdminAdjustScore returned error: %v", err)
	}
	if result.NewScore != 1000 {
		t.Fatalf("new score = %d, want clamped to 1000", result.NewScore)
	}
	if result.Tier != domain.TierHigh {
		t.Fatalf("tier = %q, want high", result.Tier)
	}

	records := repo.ScoreRecords()
	if len(records) != 1 || records[0].Source != domain.DecisionSourceAdmin {
		t.Fatalf("score history wrong: %+v", records)
	}
	if entries := repo.AuditLogEntries(); len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}

	// Zero delta and missing reason are invalid.
	if _, err := svc.AdminAdjustScore(ctx, domain.AdminAdjustScoreCommand{
		AdminID: adminID, UserID: userID, Delta: 0, Reason: "noop", IdempotencyKey: "adjust-2",
	}); err == nil {
		t.Fatal("zero delta must be rejected")
	}
	if _, err := svc.AdminAdjustScore(ctx, domain.AdminAdjustScoreCommand{
		AdminID: adminID, UserID: userID, Delta: 5, IdempotencyKey: "adjust-3",
	}); err == nil {
		t.Fatal("missing reason must be rejected")
	}
}

func TestRequestCard_IdempotentReplayIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	userID := seedUser(t, repo, 750)

	cmd := domain.RequestCardCommand{UserID: userID, IdempotencyKey: "apply-once"}
	first, err := svc.RequestCard(ctx, cmd)
	if err != nil {
		t.Fatalf("first request returned error: %v", err)
	}
	second, err := svc.RequestCard(ctx, cmd)
	if err != nil {
		t.Fatalf("replayed request returned error: %v", err)
	}
	if !second.FromIdempotency {
		t.Fatal("replay must be flagged FromIdempotency")
	}

	// Same decision, same card, no second application.
	firstCopy := *first
	secondCopy := *second
	firstCopy.FromIdempotency = false
	secondCopy.FromIdempotency = false
	if !reflect.DeepEqual(firstCopy, secondCopy) {
		t.Fatalf("replay diverged: first=%+v second=%+v", firstCopy, secondCopy)
	}
	if got := len(eventsOfType(repo, domain.EventCardRequested)); got != 1 {
		t.Fatalf("card.requested events = %d, want 1", got)
	}
}
