package plans

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"dispatchBack/internal/logistics/earnings"
)

var (
	// ErrNotPaid means the payment has not succeeded.
	ErrNotPaid = errors.New("payment not completed")
	// ErrWrongDriver means the payment belongs to someone else.
	ErrWrongDriver = errors.New("payment belongs to another driver")
	// ErrBadMetadata means the payment does not describe a plan.
	ErrBadMetadata = errors.New("payment has no plan metadata")
)

// Metadata keys expected on the PaymentIntent.
const (
	MetaDriverID     = "driver_id"
	MetaPlanTitle    = "plan_title"
	MetaCeiling      = "earning_ceiling"
	MetaValidityDays = "validity_days"
)

// Verifier turns a completed payment into a recharge plan.
type Verifier interface {
	Verify(ctx context.Context, driverID int64, paymentID string) (earnings.Plan, error)
}

// StripeVerifier checks PaymentIntents through the Stripe API.
type StripeVerifier struct {
	fetch func(id string) (*stripe.PaymentIntent, error)
	now   func() time.Time
}

// NewStripeVerifier creates a verifier using apiKey.
func NewStripeVerifier(apiKey string, now func() time.Time) *StripeVerifier {
	c := &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}
	return newVerifier(func(id string) (*stripe.PaymentIntent, error) { return c.Get(id, nil) }, now)
}

func newVerifier(fetch func(id string) (*stripe.PaymentIntent, error), now func() time.Time) *StripeVerifier {
	if now == nil {
		now = time.Now
	}
	return &StripeVerifier{fetch: fetch, now: now}
}

// Verify implements Verifier.
func (v *StripeVerifier) Verify(ctx context.Context, driverID int64, paymentID string) (earnings.Plan, error) {
	if err := ctx.Err(); err != nil {
		return earnings.Plan{}, err
	}
	pi, err := v.fetch(paymentID)
	if err != nil {
		return earnings.Plan{}, fmt.Errorf("fetch payment %s: %w", paymentID, err)
	}
	return planFromIntent(pi, driverID, v.now())
}

func planFromIntent(pi *stripe.PaymentIntent, driverID int64, now time.Time) (earnings.Plan, error) {
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return earnings.Plan{}, fmt.Errorf("%w: status %s", ErrNotPaid, pi.Status)
	}
	owner, err := strconv.ParseInt(pi.Metadata[MetaDriverID], 10, 64)
	if err != nil {
		return earnings.Plan{}, ErrBadMetadata
	}
	if owner != driverID {
		return earnings.Plan{}, ErrWrongDriver
	}
	title := pi.Metadata[MetaPlanTitle]
	ceiling, err := decimal.NewFromString(pi.Metadata[MetaCeiling])
	if err != nil || title == "" {
		return earnings.Plan{}, ErrBadMetadata
	}
	days, err := strconv.Atoi(pi.Metadata[MetaValidityDays])
	if err != nil || days <= 0 {
		return earnings.Plan{}, ErrBadMetadata
	}
	recharged := now
	expiry := now.AddDate(0, 0, days)
	return earnings.Plan{
		Title:       title,
		Expiry:      &expiry,
		Ceiling:     ceiling,
		RechargedAt: &recharged,
		Approved:    true,
	}, nil
}
