package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"dispatchBack/internal/logistics/repo"
)

// Rules are the tariff used to quote a fare.
type Rules struct {
	Base         decimal.Decimal
	PerKM        decimal.Decimal
	PerMinute    decimal.Decimal
	PlatformFee  decimal.Decimal
	NightPercent decimal.Decimal
	Rain         decimal.Decimal
	Minimum      decimal.Decimal
	Currency     string
	// Night window in local hours, [NightFrom, NightTo).
	NightFrom int
	NightTo   int
}

// DefaultRules is the tariff used when nothing is configured.
func DefaultRules() Rules {
	return Rules{
		Base:         decimal.NewFromInt(40),
		PerKM:        decimal.NewFromInt(12),
		PerMinute:    decimal.NewFromInt(1),
		PlatformFee:  decimal.NewFromInt(5),
		NightPercent: decimal.NewFromInt(25),
		Rain:         decimal.NewFromInt(20),
		Minimum:      decimal.NewFromInt(50),
		Currency:     "INR",
		NightFrom:    22,
		NightTo:      6,
	}
}

// Input describes the trip being priced.
type Input struct {
	DistanceMeters  int
	DurationSeconds int
	At              time.Time
	Raining         bool
	Toll            decimal.Decimal
	Discount        decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// IsNight reports whether t falls in the night window.
func (r Rules) IsNight(t time.Time) bool {
	h := t.Hour()
	if r.NightFrom == r.NightTo {
		return false
	}
	if r.NightFrom < r.NightTo {
		return h >= r.NightFrom && h < r.NightTo
	}
	return h >= r.NightFrom || h < r.NightTo
}

// Quote computes the fare breakdown. The total never drops below Minimum nor below zero
// after the discount.
func Quote(r Rules, in Input) repo.Fare {
	distance := in.DistanceMeters
	if distance < 0 {
		distance = 0
	}
	duration := in.DurationSeconds
	if duration < 0 {
		duration = 0
	}

	f := repo.Fare{
		Base:        r.Base,
		Distance:    decimal.NewFromInt(int64(distance)).Div(decimal.NewFromInt(1000)).Mul(r.PerKM).Round(2),
		Time:        decimal.NewFromInt(int64(duration)).Div(decimal.NewFromInt(60)).Mul(r.PerMinute).Round(2),
		PlatformFee: r.PlatformFee,
		Toll:        in.Toll,
		Discount:    in.Discount,
		Currency:    r.Currency,
	}
	ride := f.Base.Add(f.Distance).Add(f.Time)
	if r.IsNight(in.At) {
		f.NightSurcharge = ride.Mul(r.NightPercent).Div(hundred).Round(2)
	}
	if in.Raining {
		f.RainSurcharge = r.Rain
	}

	total := ride.Add(f.PlatformFee).Add(f.NightSurcharge).Add(f.RainSurcharge).Add(f.Toll)
	if total.LessThan(r.Minimum) {
		total = r.Minimum
	}
	total = total.Sub(f.Discount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	f.Total = total.Round(2)
	return f
}

// Recompute fills Total for a client supplied breakdown.
func Recompute(f repo.Fare) repo.Fare {
	total := f.Base.Add(f.Distance).Add(f.Time).Add(f.PlatformFee).
		Add(f.NightSurcharge).Add(f.RainSurcharge).Add(f.Toll).Sub(f.Discount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	f.Total = total.Round(2)
	return f
}
