package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"dispatchBack/internal/logistics/earnings"
	"dispatchBack/internal/logistics/geo"
	"dispatchBack/internal/logistics/plans"
	"dispatchBack/internal/logistics/repo"
)

// DriverRecords is the driver store used by Fleet.
type DriverRecords interface {
	Get(ctx context.Context, id int64) (repo.Driver, error)
	SetAvailability(ctx context.Context, id int64, available bool) error
	Plan(ctx context.Context, id int64) (earnings.Plan, bool, error)
	ApplyRecharge(ctx context.Context, id int64, plan earnings.Plan) error
}

// Locator is the geo directory as seen by driver operations.
type Locator interface {
	UpdateLocation(ctx context.Context, driverID int64, category, vehicleType string, p repo.Point, state string) error
	SetState(ctx context.Context, driverID int64, category, state string) error
	GoOffline(ctx context.Context, driverID int64, category string) error
	Count(ctx context.Context, p repo.Point, radiusMeters int, category string) (int, error)
}

// Fleet handles driver-initiated operations outside a request.
type Fleet struct {
	drivers  DriverRecords
	locator  Locator
	verifier plans.Verifier
	logger   Logger
}

// NewFleet creates a Fleet. verifier may be nil when recharges are disabled.
func NewFleet(drivers DriverRecords, locator Locator, verifier plans.Verifier, logger Logger) *Fleet {
	return &Fleet{drivers: drivers, locator: locator, verifier: verifier, logger: logger}
}

func (f *Fleet) driver(ctx context.Context, id int64) (repo.Driver, error) {
	d, err := f.drivers.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return d, fmt.Errorf("driver %d: %w", id, ErrNotFound)
	}
	return d, err
}

// UpdateLocation indexes the driver's position. Offline drivers are not indexed; the
// result reports whether the point was stored.
func (f *Fleet) UpdateLocation(ctx context.Context, driverID int64, p repo.Point) (bool, error) {
	if !p.Valid() {
		return false, invalid("location", "invalid coordinates")
	}
	d, err := f.driver(ctx, driverID)
	if err != nil {
		return false, err
	}
	state := geo.StateFree
	switch {
	case d.IsBlocked:
		return false, nil
	case d.IsOnOrder:
		state = geo.StateBusy
	case !d.IsAvailable:
		return false, nil
	}
	if err := f.locator.UpdateLocation(ctx, driverID, d.Category, d.VehicleType, p, state); err != nil {
		return false, err
	}
	return true, nil
}

// SetAvailability toggles whether the driver receives offers.
func (f *Fleet) SetAvailability(ctx context.Context, driverID int64, available bool) (repo.Driver, error) {
	switch err := f.drivers.SetAvailability(ctx, driverID, available); {
	case errors.Is(err, repo.ErrNotFound):
		return repo.Driver{}, fmt.Errorf("driver %d: %w", driverID, ErrNotFound)
	case errors.Is(err, repo.ErrDriverBusy):
		return repo.Driver{}, fmt.Errorf("%w: unpaid, blocked or on an order", ErrDriverUnavailable)
	case err != nil:
		return repo.Driver{}, err
	}
	d, err := f.driver(ctx, driverID)
	if err != nil {
		return d, err
	}
	if available {
		err = f.locator.SetState(ctx, driverID, d.Category, geo.StateFree)
	} else {
		err = f.locator.GoOffline(ctx, driverID, d.Category)
	}
	if err != nil {
		f.logger.Errorf("fleet: geo state of driver %d: %v", driverID, err)
	}
	f.logger.Infof("fleet: driver %d available=%v", driverID, available)
	return d, nil
}

// PlanView answers checkPlan.
type PlanView struct {
	Plan   earnings.Plan
	Active bool
	IsPaid bool
}

// Plan returns the driver's current recharge data.
func (f *Fleet) Plan(ctx context.Context, driverID int64) (PlanView, error) {
	plan, ok, err := f.drivers.Plan(ctx, driverID)
	if errors.Is(err, repo.ErrNotFound) {
		return PlanView{}, fmt.Errorf("driver %d: %w", driverID, ErrNotFound)
	}
	if err != nil {
		return PlanView{}, err
	}
	d, err := f.driver(ctx, driverID)
	if err != nil {
		return PlanView{}, err
	}
	return PlanView{Plan: plan, Active: ok, IsPaid: d.IsPaid}, nil
}

// Recharge verifies a payment and installs the plan it bought.
func (f *Fleet) Recharge(ctx context.Context, driverID int64, paymentID string) (earnings.Plan, error) {
	if paymentID == "" {
		return earnings.Plan{}, invalid("payment_intent_id", "required")
	}
	if f.verifier == nil {
		return earnings.Plan{}, errors.New("recharge is not configured")
	}
	plan, err := f.verifier.Verify(ctx, driverID, paymentID)
	switch {
	case errors.Is(err, plans.ErrNotPaid), errors.Is(err, plans.ErrBadMetadata):
		return plan, invalid("payment_intent_id", err.Error())
	case errors.Is(err, plans.ErrWrongDriver):
		return plan, ErrForbidden
	case err != nil:
		return plan, err
	}
	if err := f.drivers.ApplyRecharge(ctx, driverID, plan); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return plan, fmt.Errorf("driver %d: %w", driverID, ErrNotFound)
		}
		return plan, err
	}
	f.logger.Infof("fleet: driver %d recharged %s, ceiling %s", driverID, plan.Title, plan.Ceiling)
	return plan, nil
}

// Nearby counts free drivers of category around p.
func (f *Fleet) Nearby(ctx context.Context, p repo.Point, radiusMeters int, category string) (int, error) {
	if !p.Valid() {
		return 0, invalid("point", "invalid coordinates")
	}
	if category != repo.CategoryCab && category != repo.CategoryParcel {
		return 0, invalid("category", "must be cab or parcel")
	}
	if radiusMeters <= 0 || radiusMeters > 50000 {
		radiusMeters = 3000
	}
	return f.locator.Count(ctx, p, radiusMeters, category)
}
