package credit

import (
	"testing"
	"time"

	"github.com/korecard/card-service/internal/domain"
)

func TestDeriveTier(t *testing.T) {
	cases := []struct {
		name  string
		score int
		want  string
	}{
		{"zero score is low", 0, domain.TierLow},
		{"just below medium boundary", 499, domain.TierLow},
		{"medium boundary", 500, domain.TierMedium},
		{"just below high boundary", 699, domain.TierMedium},
		{"high boundary", 700, domain.TierHigh},
		{"maximum score", 1000, domain.TierHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveTier(tc.score); got != tc.want {
				t.Fatalf("DeriveTier(%d) = %q, want %q", tc.score, got, tc.want)
			}
		})
	}
}

func TestClampScore(t *testing.T) {
	cases := []struct {
		name  string
		score int
		want  int
	}{
		{"below floor", -50, 0},
		{"at floor", 0, 0},
		{"in range", 640, 640},
		{"at ceiling", 1000, 1000},
		{"above ceiling", 1200, 1000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClampScore(tc.score); got != tc.want {
				t.Fatalf("ClampScore(%d) = %d, want %d", tc.score, got, tc.want)
			}
		})
	}
}

func TestDetermineApprovalOutcome(t *testing.T) {
	policy := DefaultPolicy()

	cases := []struct {
		name        string
		score       int
		wantPending bool
		wantLimit   int64
	}{
		{"high score approves at high limit", 750, false, 10000},
		{"exactly at threshold approves", 700, false, 10000},
		{"medium score approves at medium limit", 600, false, 5000},
		{"medium boundary approves", 500, false, 5000},
		{"low score stays pending", 499, true, 0},
		{"zero score stays pending", 0, true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome := policy.DetermineApprovalOutcome(tc.score)
			if outcome.Pending != tc.wantPending {
				t.Fatalf("score %d: pending = %t, want %t", tc.score, outcome.Pending, tc.wantPending)
			}
			if outcome.Approved == tc.wantPending {
				t.Fatalf("score %d: approved and pending must be mutually exclusive", tc.score)
			}
			if outcome.Limit != tc.wantLimit {
				t.Fatalf("score %d: limit = %d, want %d", tc.score, outcome.Limit, tc.wantLimit)
			}
			if tc.wantPending && outcome.Reason == "" {
				t.Fatalf("score %d: pending outcome must carry a reason", tc.score)
			}
		})
	}
}

func TestDetermineApprovalOutcome_RaisedThreshold(t *testing.T) {
	policy := DefaultPolicy()
	policy.AutoApproveThreshold = 800

	under := policy.DetermineApprovalOutcome(750)
	if !under.Approved || under.Limit != 5000 {
		t.Fatalf("score 750 under threshold 800: approved=%t limit=%d, want medium limit 5000",
			under.Approved, under.Limit)
	}

	at := policy.DetermineApprovalOutcome(800)
	if !at.Approved || at.Limit != 10000 {
		t.Fatalf("score 800 at threshold: approved=%t limit=%d, want high limit 10000",
			at.Approved, at.Limit)
	}
}

func TestCanApproveWithLimit(t *testing.T) {
	policy := DefaultPolicy()

	cases := []struct {
		name    string
		limit   int64
		tier    string
		wantErr bool
	}{
		{"within high ceiling", 15000, domain.TierHigh, false},
		{"at high ceiling", 20000, domain.TierHigh, false},
		{"above high ceiling", 20001, domain.TierHigh, true},
		{"at low ceiling", 3000, domain.TierLow, false},
		{"above low ceiling", 3001, domain.TierLow, true},
		{"zero limit", 0, domain.TierMedium, true},
		{"negative limit", -100, domain.TierMedium, true},
		{"unknown tier", 100, "platinum", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := policy.CanApproveWithLimit(tc.limit, tc.tier)
			if (err != nil) != tc.wantErr {
				t.Fatalf("CanApproveWithLimit(%d, %q) error = %v, wantErr %t", tc.limit, tc.tier, err, tc.wantErr)
			}
		})
	}
}

func TestCanRequestCard(t *testing.T) {
	policy := DefaultPolicy()

	cases := []struct {
		name       string
		active     int
		pending    int
		rejections int
		want       EligibilityRefusal
	}{
		{"clean slate is eligible", 0, 0, 0, ""},
		{"active card blocks", 1, 0, 0, RefusalActiveCard},
		{"pending request blocks", 0, 1, 0, RefusalPendingRequest},
		{"recent rejection blocks", 0, 0, 1, RefusalCooldown},
		{"active card reported before cooldown", 1, 0, 1, RefusalActiveCard},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := policy.CanRequestCard(tc.active, tc.pending, tc.rejections)
			if got != tc.want {
				t.Fatalf("CanRequestCard(%d, %d, %d) = %q, want %q", tc.active, tc.pending, tc.rejections, got, tc.want)
			}
		})
	}
}

func TestPaymentScoreImpact_OnTime(t *testing.T) {
	policy := DefaultPolicy()
	due := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		amount    int64
		balance   int64
		paidAt    time.Time
		wantDelta int
	}{
		{"full payoff earns max bonus", 1000, 1000, due.AddDate(0, 0, -3), 20},
		{"half payoff interpolates", 500, 1000, due.AddDate(0, 0, -3), 12},
		{"tiny payment earns min bonus", 1, 1000, due.AddDate(0, 0, -3), 5},
		{"payment exactly on due date is on time", 1000, 1000, due, 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			impact := policy.PaymentScoreImpact(tc.amount, tc.balance, tc.paidAt, due)
			if impact.PaymentStatus != domain.PaymentStatusOnTime {
				t.Fatalf("status = %q, want on_time", impact.PaymentStatus)
			}
			if impact.DaysOverdue != 0 {
				t.Fatalf("days overdue = %d, want 0", impact.DaysOverdue)
			}
			if impact.ScoreDelta != tc.wantDelta {
				t.Fatalf("score delta = %d, want %d", impact.ScoreDelta, tc.wantDelta)
			}
		})
	}
}

func TestPaymentScoreImpact_Late(t *testing.T) {
	policy := DefaultPolicy()
	due := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name        string
		daysLate    int
		wantDelta   int
		wantOverdue int
	}{
		{"one day late is mild", 1, -25, 1},
		{"fourteen days late is mild", 14, -25, 14},
		{"fifteen days late is moderate", 15, -50, 15},
		{"twenty-nine days late is moderate", 29, -50, 29},
		{"thirty days late is severe", 30, -100, 30},
		{"thirty-five days late is severe", 35, -100, 35},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			paidAt := due.AddDate(0, 0, tc.daysLate)
			impact := policy.PaymentScoreImpact(500, 1000, paidAt, due)
			if impact.PaymentStatus != domain.PaymentStatusLate {
				t.Fatalf("status = %q, want late", impact.PaymentStatus)
			}
			if impact.DaysOverdue != tc.wantOverdue {
				t.Fatalf("days overdue = %d, want %d", impact.DaysOverdue, tc.wantOverdue)
			}
			if impact.ScoreDelta != tc.wantDelta {
				t.Fatalf("score delta = %d, want %d", impact.ScoreDelta, tc.wantDelta)
			}
		})
	}
}

func TestPaymentScoreImpact_HoursLateRoundsUpToOneDay(t *testing.T) {
	policy := DefaultPolicy()
	due := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	impact := policy.PaymentScoreImpact(500, 1000, due.Add(2*time.Hour), due)
	if impact.PaymentStatus != domain.PaymentStatusLate {
		t.Fatalf("status = %q, want late", impact.PaymentStatus)
	}
	if impact.DaysOverdue != 1 {
		t.Fatalf("days overdue = %d, want 1", impact.DaysOverdue)
	}
	if impact.ScoreDelta != -25 {
		t.Fatalf("score delta = %d, want -25", impact.ScoreDelta)
	}
}

func TestMinimumPaymentFor(t *testing.T) {
	policy := DefaultPolicy()

	cases := []struct {
		name    string
		balance int64
		want    int64
	}{
		{"zero balance", 0, 0},
		{"negative balance", -10, 0},
		{"five percent of large balance", 10000, 500},
		{"floor applies to small balance", 100, 25},
		{"never exceeds the balance itself", 10, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := policy.MinimumPaymentFor(tc.balance); got != tc.want {
				t.Fatalf("MinimumPaymentFor(%d) = %d, want %d", tc.balance, got, tc.want)
			}
		})
	}
}
