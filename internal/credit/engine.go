/**
 * @description
 * This package implements the credit decision engine: pure, side-effect-free
 * functions computing approval outcomes, credit limits, eligibility and score
 * deltas from a user's score/tier and transaction facts.
 *
 * All functions operate over an explicitly constructed Policy value that is
 * injected by the caller. Thresholds, tier limits, bonus ranges and penalty
 * buckets are configuration, not hard physics.
 */

package credit

import (
	"fmt"
	"time"

	"github.com/korecard/card-service/internal/domain"
)

// Score bounds every adjustment is clamped to.
const (
	MinScore = 0
	MaxScore = 1000
)

// Policy carries the tunable credit rules. Construct one with DefaultPolicy
// and override from configuration.
type Policy struct {
	AutoApproveThreshold int

	// Default limits granted on approval, per tier.
	TierLimits map[string]int64

	// Hard ceilings an admin override may not exceed, per tier.
	AdminLimitCeilings map[string]int64

	// On-time payment bonus range; the actual bonus is interpolated by
	// payoff completeness (full payoff earns MaxPaymentBonus).
	MinPaymentBonus int
	MaxPaymentBonus int

	// Late-payment penalty buckets. Days overdue below MildMaxDays is mild,
	// below SevereMinDays is moderate, at or above it severe.
	MildPenalty     int
	ModeratePenalty int
	SeverePenalty   int
	MildMaxDays     int
	SevereMinDays   int

	// A new request is refused while a rejection within this window exists.
	RejectionCooldownDays int

	// Minimum payment as a fraction of the balance, with an absolute floor.
	MinimumPaymentRate  float64
	MinimumPaymentFloor int64
}

// DefaultPolicy returns the baseline rules used when configuration does not
// override them.
func DefaultPolicy() Policy {
	return Policy{
		AutoApproveThreshold: 700,
		TierLimits: map[string]int64{
			domain.TierHigh:   10000,
			domain.TierMedium: 5000,
			domain.TierLow:    1000,
		},
		AdminLimitCeilings: map[string]int64{
			domain.TierHigh:   20000,
			domain.TierMedium: 10000,
			domain.TierLow:    3000,
		},
		MinPaymentBonus:       5,
		MaxPaymentBonus:       20,
		MildPenalty:           -25,
		ModeratePenalty:       -50,
		SeverePenalty:         -100,
		MildMaxDays:           15,
		SevereMinDays:         30,
		RejectionCooldownDays: 30,
		MinimumPaymentRate:    0.05,
		MinimumPaymentFloor:   25,
	}
}

// DeriveTier maps a score to its tier bucket.
func DeriveTier(score int) string {
	switch {
	case score >= 700:
		return domain.TierHigh
	case score >= 500:
		return domain.TierMedium
	default:
		return domain.TierLow
	}
}

// ClampScore bounds a score to [MinScore, MaxScore].
func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// ApprovalOutcome is the result of evaluating a card request against policy.
type ApprovalOutcome struct {
	Approved bool
	Limit    int64
	Pending  bool
	Reason   string
}

// DetermineApprovalOutcome decides whether a request auto-approves, and at
// what limit. Crossing the auto-approve threshold earns the high-tier limit;
// the band from the medium boundary up to the threshold approves at the
// medium-tier limit. Scores below the medium boundary stay pending for
// human review.
func (p Policy) DetermineApprovalOutcome(score int) ApprovalOutcome {
	switch {
	case score >= p.AutoApproveThreshold:
		return ApprovalOutcome{Approved: true, Limit: p.TierLimits[domain.TierHigh]}
	case score >= 500:
		return ApprovalOutcome{Approved: true, Limit: p.TierLimits[domain.TierMedium]}
	}
	return ApprovalOutcome{
		Pending: true,
		Reason:  fmt.Sprintf("score %d below automatic approval threshold; queued for manual review", score),
	}
}

// CanApproveWithLimit checks an admin override against the tier-indexed
// ceiling. Violations are reported, never silently clamped.
func (p Policy) CanApproveWithLimit(requestedLimit int64, tier string) error {
	if requestedLimit <= 0 {
		return fmt.Errorf("approved limit must be positive, got %d", requestedLimit)
	}
	ceiling, ok := p.AdminLimitCeilings[tier]
	if !ok {
		return fmt.Errorf("no approval ceiling configured for tier %q", tier)
	}
	if requestedLimit > ceiling {
		return fmt.Errorf("limit %d exceeds %s-tier ceiling %d", requestedLimit, tier, ceiling)
	}
	return nil
}

// EligibilityRefusal explains why a new card request cannot proceed. Empty
// string means eligible.
type EligibilityRefusal string

// Eligibility refusal reasons.
const (
	RefusalActiveCard     EligibilityRefusal = "user already holds an active card"
	RefusalPendingRequest EligibilityRefusal = "user already has a pending card request"
	RefusalCooldown       EligibilityRefusal = "a rejection within the cooldown window blocks new requests"
)

// CanRequestCard applies the request-eligibility rules: no active card, no
// concurrently pending request, no rejection inside the cooldown window.
func (p Policy) CanRequestCard(activeCards int, pendingRequests int, recentRejections int) EligibilityRefusal {
	if activeCards > 0 {
		return RefusalActiveCard
	}
	if pendingRequests > 0 {
		return RefusalPendingRequest
	}
	if recentRejections > 0 {
		return RefusalCooldown
	}
	return ""
}

// PaymentImpact describes how a payment moves the payer's score.
type PaymentImpact struct {
	PaymentStatus string
	DaysOverdue   int
	ScoreDelta    int
}

// PaymentScoreImpact computes the score effect of a payment. On-time payments
// earn a bonus interpolated between the configured minimum and maximum,
// scaled by payoff completeness: paying the full balance earns the maximum,
// partial payments earn proportionally less, floored at the minimum. Late
// payments incur the bucket penalty for their days overdue.
func (p Policy) PaymentScoreImpact(amount, balanceBefore int64, paymentDate, dueDate time.Time) PaymentImpact {
	if paymentDate.After(dueDate) {
		daysOverdue := int(paymentDate.Sub(dueDate).Hours() / 24)
		if daysOverdue < 1 {
			daysOverdue = 1
		}
		return PaymentImpact{
			PaymentStatus: domain.PaymentStatusLate,
			DaysOverdue:   daysOverdue,
			ScoreDelta:    p.latePenalty(daysOverdue),
		}
	}

	bonus := p.MinPaymentBonus
	if balanceBefore > 0 {
		completeness := float64(amount) / float64(balanceBefore)
		if completeness > 1 {
			completeness = 1
		}
		span := float64(p.MaxPaymentBonus - p.MinPaymentBonus)
		bonus = p.MinPaymentBonus + int(span*completeness)
	}
	return PaymentImpact{
		PaymentStatus: domain.PaymentStatusOnTime,
		ScoreDelta:    bonus,
	}
}

// latePenalty selects the penalty bucket for the given days overdue.
func (p Policy) latePenalty(daysOverdue int) int {
	switch {
	case daysOverdue >= p.SevereMinDays:
		return p.SeverePenalty
	case daysOverdue >= p.MildMaxDays:
		return p.ModeratePenalty
	default:
		return p.MildPenalty
	}
}

// MinimumPaymentFor computes the minimum payment due on a balance.
func (p Policy) MinimumPaymentFor(balance int64) int64 {
	if balance <= 0 {
		return 0
	}
	min := int64(float64(balance) * p.MinimumPaymentRate)
	if min < p.MinimumPaymentFloor {
		min = p.MinimumPaymentFloor
	}
	if min > balance {
		min = balance
	}
	return min
}
