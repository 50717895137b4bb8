package domain

import (
	"testing"
	"time"
)

func TestCanTransitionCardStatus(t *testing.T) {
	cases := []struct {
		name    string
		status  string
		balance int64
		target  string
		want    bool
	}{
		{"active to suspended", CardStatusActive, 100, CardStatusSuspended, true},
		{"active to cancelled with zero balance", CardStatusActive, 0, CardStatusCancelled, true},
		{"active to cancelled with debt", CardStatusActive, 1, CardStatusCancelled, false},
		{"active to active is not a transition", CardStatusActive, 0, CardStatusActive, false},
		{"suspended to active", CardStatusSuspended, 100, CardStatusActive, true},
		{"suspended to cancelled with zero balance", CardStatusSuspended, 0, CardStatusCancelled, true},
		{"suspended to cancelled with debt", CardStatusSuspended, 50, CardStatusCancelled, false},
		{"cancelled is terminal", CardStatusCancelled, 0, CardStatusActive, false},
		{"cancelled cannot re-cancel", CardStatusCancelled, 0, CardStatusCancelled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			card := &Card{Status: tc.status, Balance: tc.balance}
			if got := CanTransitionCardStatus(card, tc.target); got != tc.want {
				t.Fatalf("CanTransitionCardStatus(%s->%s, balance=%d) = %t, want %t",
					tc.status, tc.target, tc.balance, got, tc.want)
			}
		})
	}
}

func TestRequestIsTerminal(t *testing.T) {
	if RequestIsTerminal(RequestStatusPending) {
		t.Fatal("pending must not be terminal")
	}
	if !RequestIsTerminal(RequestStatusApproved) || !RequestIsTerminal(RequestStatusRejected) {
		t.Fatal("approved and rejected must be terminal")
	}
}

func TestIdempotencyRecordExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	record := &IdempotencyRecord{ExpiresAt: now}

	if record.Expired(now.Add(-time.Second)) {
		t.Fatal("record must be live before its expiry")
	}
	if !record.Expired(now) {
		t.Fatal("record must be expired exactly at its expiry instant")
	}
	if !record.Expired(now.Add(time.Second)) {
		t.Fatal("record must be expired after its expiry")
	}
}
