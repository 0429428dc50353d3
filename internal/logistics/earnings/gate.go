package earnings

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome of evaluating a driver's plan after a completed request.
type Outcome string

const (
	OutcomeNone       Outcome = "none"
	OutcomeLowBalance Outcome = "low_balance"
	OutcomeExhausted  Outcome = "exhausted"
	// OutcomeUntracked means the plan has no recharge date or no ceiling.
	OutcomeUntracked Outcome = "untracked"
)

// DefaultLowBalance is the headroom under which a reminder is sent.
var DefaultLowBalance = decimal.NewFromInt(300)

// Plan mirrors a driver's recharge data.
type Plan struct {
	Title       string
	Expiry      *time.Time
	Ceiling     decimal.Decimal
	RechargedAt *time.Time
	Approved    bool
}

// DriverState is the part of a driver record the gate may change.
type DriverState struct {
	IsAvailable bool
	IsPaid      bool
	Plan        Plan
}

// Decision describes the evaluation result.
type Decision struct {
	Outcome   Outcome
	Earned    decimal.Decimal
	Ceiling   decimal.Decimal
	Remaining decimal.Decimal
}

// Gate compares cumulative earnings with the plan ceiling.
type Gate struct {
	LowBalance decimal.Decimal
}

// NewGate builds a gate; a non-positive threshold falls back to DefaultLowBalance.
func NewGate(lowBalance decimal.Decimal) Gate {
	if !lowBalance.IsPositive() {
		lowBalance = DefaultLowBalance
	}
	return Gate{LowBalance: lowBalance}
}

// Decide evaluates earned (sum since recharge, including the request just completed).
func (g Gate) Decide(plan Plan, earned decimal.Decimal) Decision {
	d := Decision{Outcome: OutcomeUntracked, Earned: earned, Ceiling: plan.Ceiling}
	if plan.RechargedAt == nil || !plan.Ceiling.IsPositive() {
		return d
	}
	d.Remaining = plan.Ceiling.Sub(earned)
	switch {
	case earned.GreaterThanOrEqual(plan.Ceiling):
		d.Outcome = OutcomeExhausted
	case d.Remaining.LessThan(g.LowBalance):
		d.Outcome = OutcomeLowBalance
	default:
		d.Outcome = OutcomeNone
	}
	return d
}

// Apply decides and mutates state. An exhausted plan takes the driver offline,
// marks them unpaid and leaves the recharge data in an expired state.
func (g Gate) Apply(state *DriverState, earned decimal.Decimal, now time.Time) Decision {
	d := g.Decide(state.Plan, earned)
	if d.Outcome == OutcomeExhausted {
		state.IsAvailable = false
		state.IsPaid = false
		state.Plan = Expired(now)
	}
	return d
}

// Expired returns recharge data that no longer grants work.
func Expired(now time.Time) Plan {
	exp := now.Add(-5 * time.Minute)
	return Plan{Expiry: &exp, Ceiling: decimal.Zero}
}

// Message renders the driver notice for a decision, or "" when none is due.
func (d Decision) Message() string {
	switch d.Outcome {
	case OutcomeExhausted:
		return "You have reached the earning limit of your current plan. Please recharge to continue receiving requests."
	case OutcomeLowBalance:
		return fmt.Sprintf("Reminder: %s earning potential left on your plan. Recharge soon to avoid interruptions.", d.Remaining.StringFixed(2))
	}
	return ""
}
