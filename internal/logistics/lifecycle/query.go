package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"dispatchBack/internal/logistics/fsm"
	"dispatchBack/internal/logistics/repo"
)

// StatusView is what requestStatus returns.
type StatusView struct {
	Request    repo.Request
	Driver     *DriverInfo
	ETASeconds *int
	Timeline   []repo.Event
}

func canView(a Actor, req repo.Request) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RoleCustomer:
		return req.CustomerID == a.ID
	case RoleDriver:
		return req.HasDriver(a.ID)
	}
	return false
}

// Status returns the request with its driver and an ETA to the next point when known.
func (s *Service) Status(ctx context.Context, id string, viewer Actor) (StatusView, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	if !canView(viewer, req) {
		return StatusView{}, ErrForbidden
	}
	view := StatusView{Request: req}
	if timeline, err := s.Store.Events(ctx, id); err != nil {
		s.logger.Errorf("lifecycle: timeline of %s: %v", id, err)
	} else {
		view.Timeline = timeline
	}
	if req.DriverID == nil {
		return view, nil
	}

	driver, err := s.Drivers.Get(ctx, *req.DriverID)
	if err != nil {
		s.logger.Errorf("lifecycle: load driver %d: %v", *req.DriverID, err)
		return view, nil
	}
	info := driverInfo(driver)
	view.Driver = &info

	if !fsm.IsActive(req.Status) || s.Directory == nil {
		return view, nil
	}
	pos, ok, err := s.Directory.Position(ctx, driver.ID, req.Category())
	if err != nil || !ok {
		return view, nil
	}
	target := req.Pickup.Point
	if req.Status == fsm.StatusInProgress {
		target = req.Dropoff.Point
	}
	route := s.route(ctx, pos, target)
	eta := route.DurationSeconds
	view.ETASeconds = &eta
	return view, nil
}

// List returns the caller's own requests, newest first.
func (s *Service) List(ctx context.Context, viewer Actor, f repo.ListFilter) ([]repo.Request, error) {
	if f.Status != "" && !fsm.Valid(f.Status) {
		return nil, invalid("status", "unknown status")
	}
	if f.Kind != "" && f.Kind != repo.KindRide && f.Kind != repo.KindParcel {
		return nil, invalid("kind", "must be ride or parcel")
	}
	switch viewer.Role {
	case RoleCustomer:
		f.CustomerID, f.DriverID = viewer.ID, 0
	case RoleDriver:
		f.DriverID, f.CustomerID = viewer.ID, 0
	case RoleAdmin:
	default:
		return nil, ErrForbidden
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.Store.List(ctx, f)
}

// Delete removes a finalized request. Open requests cannot be deleted.
func (s *Service) Delete(ctx context.Context, id string, by Actor) error {
	if by.Role != RoleAdmin {
		return ErrForbidden
	}
	switch err := s.Store.Delete(ctx, id); {
	case errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	case errors.Is(err, repo.ErrConflict):
		return s.conflict(ctx, id, ErrInvalidTransition)
	case err != nil:
		return err
	}
	s.logger.Infof("lifecycle: %s deleted by %s", id, by)
	return nil
}
