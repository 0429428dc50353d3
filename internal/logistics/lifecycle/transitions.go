package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"dispatchBack/internal/logistics/earnings"
	"dispatchBack/internal/logistics/fsm"
	"dispatchBack/internal/logistics/metrics"
	"dispatchBack/internal/logistics/notify"
	"dispatchBack/internal/logistics/otp"
	"dispatchBack/internal/logistics/repo"
)

// DriverInfo is the driver summary shown to customers.
type DriverInfo struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Phone         string  `json:"phone"`
	VehicleType   string  `json:"vehicle_type"`
	VehicleNumber string  `json:"vehicle_number"`
	Rating        float64 `json:"rating"`
}

func driverInfo(d repo.Driver) DriverInfo {
	return DriverInfo{
		ID:            d.ID,
		Name:          d.Name,
		Phone:         d.Phone,
		VehicleType:   d.VehicleType,
		VehicleNumber: d.VehicleNumber,
		Rating:        d.Rating,
	}
}

type statusPayload struct {
	RequestID string      `json:"request_id"`
	Status    string      `json:"status"`
	Driver    *DriverInfo `json:"driver,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	By        string      `json:"cancelled_by,omitempty"`
}

// guard refuses a step the state machine does not allow from req's current status.
// The conditional update in the store remains the atomic check.
func guard(req repo.Request, to string) error {
	if fsm.CanTransition(req.Status, to) {
		return nil
	}
	cause := ErrInvalidTransition
	switch {
	case fsm.IsTerminal(req.Status):
		cause = ErrAlreadyFinalized
	case to == fsm.StatusDriverAssigned:
		cause = ErrAlreadyAssigned
	}
	return &ConflictError{Err: cause, Current: &req}
}

// Accept claims the request for driverID. Exactly one of several concurrent callers wins;
// the others get a ConflictError wrapping ErrAlreadyAssigned.
func (s *Service) Accept(ctx context.Context, id string, driverID int64) (repo.Request, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return req, err
	}
	if err := guard(req, fsm.StatusDriverAssigned); err != nil {
		metrics.AcceptConflicts.Inc()
		return req, err
	}
	driver, err := s.Drivers.Get(ctx, driverID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return req, fmt.Errorf("driver %d: %w", driverID, ErrNotFound)
		}
		return req, err
	}
	if driver.Category != req.Category() || !strings.EqualFold(driver.VehicleType, req.VehicleType) {
		return req, fmt.Errorf("%w: vehicle does not match the request", ErrDriverUnavailable)
	}

	now := s.now()
	switch err := s.Store.Assign(ctx, id, driverID, now); {
	case errors.Is(err, repo.ErrConflict):
		metrics.AcceptConflicts.Inc()
		s.logger.Infof("lifecycle: driver %d lost the claim on %s", driverID, id)
		return req, s.conflict(ctx, id, ErrAlreadyAssigned)
	case errors.Is(err, repo.ErrDriverBusy):
		return req, ErrDriverUnavailable
	case errors.Is(err, repo.ErrNotFound):
		return req, fmt.Errorf("request %s: %w", id, ErrNotFound)
	case err != nil:
		return req, err
	}

	from := req.Status
	req.Status = fsm.StatusDriverAssigned
	req.DriverID = &driverID
	req.DriverAssignedAt = &now
	metrics.MatchLatency.Observe(now.Sub(req.RequestedAt).Seconds())
	s.logger.Infof("lifecycle: %s assigned to driver %d", id, driverID)

	s.syncDirectory(ctx, driverID, req.Category())
	s.Dispatcher.Withdraw(ctx, id, driverID)
	info := driverInfo(driver)
	s.CustomerCh.Send(req.CustomerID, EventAssigned, statusPayload{RequestID: id, Status: req.Status, Driver: &info})
	s.notifyCustomer(ctx, req.CustomerID, notify.Message{
		Title: "Driver assigned",
		Body:  fmt.Sprintf("%s is on the way in %s", driver.Name, driver.VehicleNumber),
		Data:  map[string]string{"request_id": id, "status": req.Status},
	})
	s.publish(ctx, req, from, req.Status, Actor{Role: RoleDriver, ID: driverID}.String())
	return req, nil
}

// Reject records that driverID declines the request.
func (s *Service) Reject(ctx context.Context, id string, driverID int64) error {
	switch err := s.Store.Reject(ctx, id, driverID, s.now()); {
	case errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	case errors.Is(err, repo.ErrConflict):
		return s.conflict(ctx, id, ErrAlreadyAssigned)
	case err != nil:
		return err
	}
	s.logger.Infof("lifecycle: driver %d rejected %s", driverID, id)
	return nil
}

// assigned loads the request and checks that driverID holds it.
func (s *Service) assigned(ctx context.Context, id string, driverID int64) (repo.Request, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return req, err
	}
	if !req.HasDriver(driverID) {
		return req, ErrNotAssignedDriver
	}
	return req, nil
}

// Arrive marks the driver at pickup.
func (s *Service) Arrive(ctx context.Context, id string, driverID int64) (repo.Request, error) {
	req, err := s.assigned(ctx, id, driverID)
	if err != nil {
		return req, err
	}
	if err := guard(req, fsm.StatusDriverArrived); err != nil {
		return req, err
	}
	now := s.now()
	if err := s.Store.MarkArrived(ctx, id, driverID, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return req, s.conflict(ctx, id, ErrInvalidTransition)
		}
		return req, err
	}
	req.Status = fsm.StatusDriverArrived
	req.DriverArrivedAt = &now

	s.CustomerCh.Send(req.CustomerID, EventArrived, statusPayload{RequestID: id, Status: req.Status})
	s.notifyCustomer(ctx, req.CustomerID, notify.Message{
		Title: "Driver arrived",
		Body:  "Your driver is at the pickup point. Share your OTP to start.",
		Data:  map[string]string{"request_id": id, "status": req.Status},
	})
	s.publish(ctx, req, fsm.StatusDriverAssigned, req.Status, Actor{Role: RoleDriver, ID: driverID}.String())
	return req, nil
}

func otpError(err error) error {
	switch {
	case errors.Is(err, otp.ErrMalformed):
		return invalid("otp", "must be numeric with the expected length")
	case errors.Is(err, otp.ErrExpired):
		return ErrOTPExpired
	case errors.Is(err, otp.ErrIncorrect), errors.Is(err, otp.ErrNoCode):
		return ErrOTPIncorrect
	}
	return err
}

// Start verifies the pickup OTP and begins the trip. The code is consumed by the same
// conditional update that moves the status, so it cannot be replayed.
func (s *Service) Start(ctx context.Context, id string, driverID int64, code string) (repo.Request, error) {
	req, err := s.assigned(ctx, id, driverID)
	if err != nil {
		return req, err
	}
	if err := guard(req, fsm.StatusInProgress); err != nil {
		return req, err
	}
	if err := s.Codes.Verify(req.OTPHash, otp.PhasePickup, req.OTPPhase, req.OTPExpiresAt, code); err != nil {
		return req, otpError(err)
	}

	var next otp.Code
	if req.Kind == repo.KindParcel && s.cfg.ParcelDropOTP {
		if next, err = s.Codes.Issue(otp.PhaseDelivery); err != nil {
			return req, err
		}
	}

	now := s.now()
	if err := s.Store.Start(ctx, id, driverID, req.OTPHash, next.Hash, next.Phase, next.ExpiresAt, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return req, s.conflict(ctx, id, ErrInvalidTransition)
		}
		return req, err
	}
	req.Status = fsm.StatusInProgress
	req.PickedUpAt = &now
	req.OTPHash, req.OTPPhase, req.OTPExpiresAt = next.Hash, next.Phase, next.ExpiresAt

	s.CustomerCh.Send(req.CustomerID, EventStarted, statusPayload{RequestID: id, Status: req.Status})
	if next.Plain != "" && req.Parcel != nil && s.Notifier != nil {
		s.Notifier.Notify(notify.Recipient{Phone: req.Parcel.ReceiverPhone}, notify.Message{
			Title: "Parcel on the way",
			Body:  fmt.Sprintf("Your delivery code is %s. Share it with the courier on arrival.", next.Plain),
		})
	}
	s.publish(ctx, req, fsm.StatusDriverArrived, req.Status, Actor{Role: RoleDriver, ID: driverID}.String())
	return req, nil
}

// CompleteInput carries the driver's completion report.
type CompleteInput struct {
	ID       string
	DriverID int64
	Amount   decimal.Decimal
	Mode     string
	OTP      string
}

// Completed is the result of Complete.
type Completed struct {
	Request  repo.Request
	Decision earnings.Decision
}

// Complete finishes the trip, frees the driver and runs the earnings gate before
// returning, so the next search already sees the driver's new availability.
func (s *Service) Complete(ctx context.Context, in CompleteInput) (Completed, error) {
	if in.Amount.IsNegative() {
		return Completed{}, invalid("amount", "must not be negative")
	}
	if in.Mode == "" {
		in.Mode = "cash"
	}
	req, err := s.assigned(ctx, in.ID, in.DriverID)
	if err != nil {
		return Completed{Request: req}, err
	}
	if err := guard(req, fsm.StatusCompleted); err != nil {
		return Completed{Request: req}, err
	}
	requireOTP := req.OTPPhase == otp.PhaseDelivery && req.OTPHash != ""
	if requireOTP {
		if err := s.Codes.Verify(req.OTPHash, otp.PhaseDelivery, req.OTPPhase, req.OTPExpiresAt, in.OTP); err != nil {
			return Completed{Request: req}, otpError(err)
		}
	}

	now := s.now()
	decision, err := s.Store.Complete(ctx, repo.Completion{
		ID:              in.ID,
		DriverID:        in.DriverID,
		Amount:          in.Amount,
		Mode:            in.Mode,
		ExpectedOTPHash: req.OTPHash,
		RequireOTP:      requireOTP,
		At:              now,
	}, s.Gate)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return Completed{Request: req}, s.conflict(ctx, in.ID, ErrInvalidTransition)
		}
		return Completed{Request: req}, err
	}
	req.Status = fsm.StatusCompleted
	req.CompletedAt = &now
	req.MoneyCollected = in.Amount
	req.CollectionMode = in.Mode
	req.IsBookingCompleted = true
	req.OTPHash, req.OTPPhase, req.OTPExpiresAt = "", "", nil
	metrics.GateOutcomes.WithLabelValues(string(decision.Outcome)).Inc()
	s.logger.Infof("lifecycle: %s completed by driver %d, gate %s (earned %s of %s)",
		in.ID, in.DriverID, decision.Outcome, decision.Earned, decision.Ceiling)

	driver, err := s.syncDirectory(ctx, in.DriverID, req.Category())
	if err != nil {
		s.logger.Errorf("lifecycle: reload driver %d: %v", in.DriverID, err)
	}
	if msg := decision.Message(); msg != "" {
		s.DriverCh.Send(in.DriverID, EventPlanStatus, map[string]string{
			"outcome":   string(decision.Outcome),
			"remaining": decision.Remaining.StringFixed(2),
			"message":   msg,
		})
		if err == nil {
			s.notifyDriver(driver, notify.Message{Title: "Plan status", Body: msg})
		}
	}
	s.CustomerCh.Send(req.CustomerID, EventCompleted, statusPayload{RequestID: req.ID, Status: req.Status})
	s.publish(ctx, req, fsm.StatusInProgress, req.Status, Actor{Role: RoleDriver, ID: in.DriverID}.String())
	return Completed{Request: req, Decision: decision}, nil
}

// CancelInput carries a cancellation.
type CancelInput struct {
	ID     string
	By     Actor
	Reason string
}

func cancelledBy(a Actor) (string, error) {
	switch a.Role {
	case RoleCustomer:
		return repo.CancelledByCustomer, nil
	case RoleDriver:
		return repo.CancelledByDriver, nil
	case RoleAdmin, "system":
		return repo.CancelledBySystem, nil
	}
	return "", invalid("cancelled_by", "unknown party")
}

// Cancel moves a non-terminal request to cancelled and frees its driver. Cancelling a
// finalized request fails with ErrAlreadyFinalized and has no side effects.
func (s *Service) Cancel(ctx context.Context, in CancelInput) (repo.Request, error) {
	by, err := cancelledBy(in.By)
	if err != nil {
		return repo.Request{}, err
	}
	req, err := s.load(ctx, in.ID)
	if err != nil {
		return req, err
	}
	switch in.By.Role {
	case RoleCustomer:
		if req.CustomerID != in.By.ID {
			return req, ErrForbidden
		}
	case RoleDriver:
		if !req.HasDriver(in.By.ID) {
			return req, ErrNotAssignedDriver
		}
	}
	if err := guard(req, fsm.StatusCancelled); err != nil {
		return req, err
	}

	now := s.now()
	before, err := s.Store.Cancel(ctx, repo.Cancellation{ID: in.ID, By: by, Reason: in.Reason, At: now})
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return req, fmt.Errorf("request %s: %w", in.ID, ErrNotFound)
		case errors.Is(err, repo.ErrConflict):
			if fsm.IsTerminal(before.Status) {
				return before, &ConflictError{Err: ErrAlreadyFinalized, Current: &before}
			}
			return req, s.conflict(ctx, in.ID, ErrInvalidTransition)
		}
		return req, err
	}

	after := before
	after.Status = fsm.StatusCancelled
	after.CancelledAt = &now
	after.CancelledBy = by
	after.CancelReason = in.Reason
	after.OTPHash, after.OTPPhase, after.OTPExpiresAt = "", "", nil
	s.logger.Infof("lifecycle: %s cancelled by %s from %s", in.ID, in.By, before.Status)

	payload := statusPayload{RequestID: in.ID, Status: after.Status, Reason: in.Reason, By: by}
	s.CustomerCh.Send(after.CustomerID, EventCancelled, payload)
	if before.DriverID != nil {
		driverID := *before.DriverID
		s.DriverCh.Send(driverID, EventCancelled, payload)
		driver, err := s.syncDirectory(ctx, driverID, before.Category())
		if err == nil && in.By.Role != RoleDriver {
			s.notifyDriver(driver, notify.Message{Title: "Trip cancelled", Body: "The customer cancelled this trip."})
		}
	} else {
		s.Dispatcher.Withdraw(ctx, in.ID, 0)
	}
	if in.By.Role != RoleCustomer {
		s.notifyCustomer(ctx, after.CustomerID, notify.Message{
			Title: "Trip cancelled",
			Body:  "Your request was cancelled. You can book again.",
			Data:  map[string]string{"request_id": in.ID},
		})
	}
	s.publish(ctx, after, before.Status, after.Status, in.By.String())
	return after, nil
}
