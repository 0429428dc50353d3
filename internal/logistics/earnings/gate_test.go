package earnings

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func plan(ceiling int64, recharged time.Time) Plan {
	exp := recharged.AddDate(0, 0, 30)
	return Plan{Title: "monthly", Expiry: &exp, Ceiling: decimal.NewFromInt(ceiling), RechargedAt: &recharged, Approved: true}
}

func TestApplyCeilingReached(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	state := DriverState{IsAvailable: true, IsPaid: true, Plan: plan(1000, now.AddDate(0, 0, -3))}
	gate := NewGate(decimal.Zero)

	earned := decimal.NewFromInt(950).Add(decimal.NewFromInt(100))
	d := gate.Apply(&state, earned, now)

	if d.Outcome != OutcomeExhausted {
		t.Fatalf("expected exhausted, got %s", d.Outcome)
	}
	if state.IsAvailable || state.IsPaid {
		t.Fatalf("expected driver offline and unpaid, got %+v", state)
	}
	if state.Plan.RechargedAt != nil || state.Plan.Ceiling.IsPositive() || state.Plan.Approved {
		t.Fatalf("expected cleared plan, got %+v", state.Plan)
	}
	if state.Plan.Expiry == nil || !state.Plan.Expiry.Before(now) {
		t.Fatalf("expected expiry in the past, got %v", state.Plan.Expiry)
	}
	if d.Message() == "" {
		t.Fatal("expected exhausted message")
	}
}

func TestDecide(t *testing.T) {
	recharged := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	gate := NewGate(decimal.NewFromInt(300))
	cases := []struct {
		name    string
		plan    Plan
		earned  int64
		outcome Outcome
	}{
		{"headroom", plan(1000, recharged), 500, OutcomeNone},
		{"exactly threshold", plan(1000, recharged), 700, OutcomeNone},
		{"low balance", plan(1000, recharged), 701, OutcomeLowBalance},
		{"at ceiling", plan(1000, recharged), 1000, OutcomeExhausted},
		{"no recharge date", Plan{Ceiling: decimal.NewFromInt(1000)}, 5000, OutcomeUntracked},
		{"no ceiling", Plan{RechargedAt: &recharged}, 5000, OutcomeUntracked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := gate.Decide(tc.plan, decimal.NewFromInt(tc.earned))
			if d.Outcome != tc.outcome {
				t.Fatalf("expected %s got %s", tc.outcome, d.Outcome)
			}
		})
	}
}

func TestApplyLeavesStateOnLowBalance(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	state := DriverState{IsAvailable: true, IsPaid: true, Plan: plan(1000, now.AddDate(0, 0, -1))}
	d := NewGate(decimal.Zero).Apply(&state, decimal.NewFromInt(800), now)
	if d.Outcome != OutcomeLowBalance {
		t.Fatalf("expected low balance, got %s", d.Outcome)
	}
	if !state.IsAvailable || !state.IsPaid {
		t.Fatal("low balance must not change availability")
	}
	if !d.Remaining.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected 200 remaining, got %s", d.Remaining)
	}
}
