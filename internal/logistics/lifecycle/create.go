package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dispatchBack/internal/logistics/fsm"
	"dispatchBack/internal/logistics/geo"
	"dispatchBack/internal/logistics/otp"
	"dispatchBack/internal/logistics/pricing"
	"dispatchBack/internal/logistics/repo"
)

// CreateInput is a customer's submission.
type CreateInput struct {
	CustomerID  int64
	Kind        string
	Pickup      repo.Place
	Dropoff     repo.Place
	Stops       []repo.Place
	VehicleType string
	Fare        *repo.Fare
	ScheduledAt *time.Time
	Raining     bool
	Discount    decimal.Decimal
	Parcel      *repo.ParcelDetails
}

// Created is the result of Create. OTP is the only place the plain code appears.
type Created struct {
	Request repo.Request
	OTP     string
}

func (in CreateInput) validate() error {
	if in.CustomerID <= 0 {
		return invalid("customer_id", "required")
	}
	switch in.Kind {
	case repo.KindRide, repo.KindParcel:
	default:
		return invalid("kind", "must be ride or parcel")
	}
	if !in.Pickup.Point.Valid() {
		return invalid("pickup", "invalid coordinates")
	}
	if !in.Dropoff.Point.Valid() {
		return invalid("dropoff", "invalid coordinates")
	}
	for _, st := range in.Stops {
		if !st.Point.Valid() {
			return invalid("stops", "invalid coordinates")
		}
	}
	if strings.TrimSpace(in.VehicleType) == "" {
		return invalid("vehicle_type", "required")
	}
	if in.Kind == repo.KindParcel && (in.Parcel == nil || in.Parcel.ReceiverPhone == "") {
		return invalid("parcel.receiver_phone", "required for parcels")
	}
	if in.Fare != nil && in.Fare.Total.IsNegative() {
		return invalid("fare", "must not be negative")
	}
	if in.Discount.IsNegative() {
		return invalid("discount", "must not be negative")
	}
	return nil
}

// Create validates and stores a new request, then starts its search unless it is
// scheduled for later. It returns before the search produces any result.
func (s *Service) Create(ctx context.Context, in CreateInput) (Created, error) {
	if in.Kind == "" {
		in.Kind = repo.KindRide
	}
	if err := in.validate(); err != nil {
		return Created{}, err
	}
	now := s.now()

	route := s.route(ctx, in.Pickup.Point, in.Dropoff.Point)
	var fare repo.Fare
	if in.Fare != nil {
		fare = pricing.Recompute(*in.Fare)
		if fare.Currency == "" {
			fare.Currency = s.cfg.Fares.Currency
		}
	} else {
		fare = pricing.Quote(s.cfg.Fares, pricing.Input{
			DistanceMeters:  route.DistanceMeters,
			DurationSeconds: route.DurationSeconds,
			At:              now,
			Raining:         in.Raining,
			Discount:        in.Discount,
		})
	}

	code, err := s.Codes.Issue(otp.PhasePickup)
	if err != nil {
		return Created{}, err
	}

	req := repo.Request{
		ID:              uuid.NewString(),
		Kind:            in.Kind,
		Status:          fsm.StatusPending,
		CustomerID:      in.CustomerID,
		Pickup:          in.Pickup,
		Dropoff:         in.Dropoff,
		Stops:           in.Stops,
		VehicleType:     strings.ToLower(strings.TrimSpace(in.VehicleType)),
		Fare:            fare,
		DistanceMeters:  route.DistanceMeters,
		DurationSeconds: route.DurationSeconds,
		OTPHash:         code.Hash,
		OTPPhase:        code.Phase,
		OTPExpiresAt:    code.ExpiresAt,
		Parcel:          in.Parcel,
		RequestedAt:     now,
		ScheduledAt:     in.ScheduledAt,
	}
	if s.cfg.FirstRadius != nil {
		req.SearchRadius = s.cfg.FirstRadius(req.Kind)
	}
	if s.cfg.MaxRadius != nil {
		req.MaxSearchRadius = s.cfg.MaxRadius(req.Kind)
	}

	if err := s.Store.Create(ctx, req); err != nil {
		return Created{}, err
	}
	s.logger.Infof("lifecycle: %s %s created by customer %d", req.Kind, req.ID, req.CustomerID)
	s.publish(ctx, req, "", fsm.StatusPending, Actor{Role: RoleCustomer, ID: req.CustomerID}.String())

	if req.ScheduledAt == nil || !req.ScheduledAt.After(now) {
		s.Dispatcher.Spawn(req.ID)
	}
	return Created{Request: req, OTP: code.Plain}, nil
}

func (s *Service) route(ctx context.Context, from, to repo.Point) geo.Route {
	if s.Router == nil {
		r, _ := geo.StraightLineRouter{}.Route(ctx, from, to)
		return r
	}
	r, err := s.Router.Route(ctx, from, to)
	if err != nil {
		s.logger.Errorf("lifecycle: route estimate failed: %v", err)
		r, _ = geo.StraightLineRouter{}.Route(ctx, from, to)
	}
	return r
}
