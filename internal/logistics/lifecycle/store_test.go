package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"

	"dispatchBack/internal/logistics/earnings"
	"dispatchBack/internal/logistics/fsm"
	"dispatchBack/internal/logistics/repo"
)

// memStore applies the same conditional updates as the SQL store under one mutex.
type memStore struct {
	mu        sync.Mutex
	reqs      map[string]repo.Request
	drivers   map[int64]repo.Driver
	customers map[int64]repo.Customer
	log       []repo.Event
}

func newMemStore() *memStore {
	return &memStore{
		reqs:      make(map[string]repo.Request),
		drivers:   make(map[int64]repo.Driver),
		customers: make(map[int64]repo.Customer),
	}
}

func (m *memStore) addDriver(d repo.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
}

func (m *memStore) driver(id int64) repo.Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drivers[id]
}

func (m *memStore) request(id string) repo.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[id]
}

func (m *memStore) put(r repo.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs[r.ID] = r
}

func (m *memStore) event(id, from, to, actor string, at time.Time) {
	m.log = append(m.log, repo.Event{RequestID: id, From: from, To: to, Actor: actor, At: at})
}

func (m *memStore) Create(_ context.Context, req repo.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs[req.ID] = req
	m.event(req.ID, "", req.Status, "customer", req.RequestedAt)
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (repo.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	if !ok {
		return r, repo.ErrNotFound
	}
	return r, nil
}

func (m *memStore) List(_ context.Context, f repo.ListFilter) ([]repo.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.Request
	for _, r := range m.reqs {
		if f.CustomerID != 0 && r.CustomerID != f.CustomerID {
			continue
		}
		if f.DriverID != 0 && !r.HasDriver(f.DriverID) {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out, nil
}

func (m *memStore) Assign(_ context.Context, id string, driverID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if r.DriverID != nil || !fsm.IsOpen(r.Status) {
		return repo.ErrConflict
	}
	d := m.drivers[driverID]
	if d.IsOnOrder || !d.IsAvailable || !d.IsPaid || d.IsBlocked {
		return repo.ErrDriverBusy
	}
	from := r.Status
	r.DriverID, r.Status, r.DriverAssignedAt = &driverID, fsm.StatusDriverAssigned, &at
	d.IsOnOrder, d.IsAvailable = true, false
	m.reqs[id], m.drivers[driverID] = r, d
	m.event(id, from, r.Status, "driver", at)
	return nil
}

func (m *memStore) MarkArrived(_ context.Context, id string, driverID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.reqs[id]
	if r.Status != fsm.StatusDriverAssigned || !r.HasDriver(driverID) {
		return repo.ErrConflict
	}
	r.Status, r.DriverArrivedAt = fsm.StatusDriverArrived, &at
	m.reqs[id] = r
	m.event(id, fsm.StatusDriverAssigned, r.Status, "driver", at)
	return nil
}

func (m *memStore) Start(_ context.Context, id string, driverID int64, expectedHash, nextHash, nextPhase string, nextExpiry *time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.reqs[id]
	if r.Status != fsm.StatusDriverArrived || !r.HasDriver(driverID) || r.OTPHash != expectedHash {
		return repo.ErrConflict
	}
	r.Status, r.PickedUpAt = fsm.StatusInProgress, &at
	r.OTPHash, r.OTPPhase, r.OTPExpiresAt = nextHash, nextPhase, nextExpiry
	m.reqs[id] = r
	m.event(id, fsm.StatusDriverArrived, r.Status, "driver", at)
	return nil
}

func (m *memStore) Complete(_ context.Context, c repo.Completion, gate earnings.Gate) (earnings.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.reqs[c.ID]
	if r.Status != fsm.StatusInProgress || !r.HasDriver(c.DriverID) || (c.RequireOTP && r.OTPHash != c.ExpectedOTPHash) {
		return earnings.Decision{}, repo.ErrConflict
	}
	r.Status, r.CompletedAt, r.MoneyCollected, r.CollectionMode, r.IsBookingCompleted = fsm.StatusCompleted, &c.At, c.Amount, c.Mode, true
	r.OTPHash, r.OTPPhase, r.OTPExpiresAt = "", "", nil
	m.reqs[c.ID] = r

	d := m.drivers[c.DriverID]
	earned := decimal.Zero
	if d.Plan.RechargedAt != nil {
		for _, other := range m.reqs {
			if other.Status != fsm.StatusCompleted || !other.HasDriver(c.DriverID) || other.CompletedAt.Before(*d.Plan.RechargedAt) {
				continue
			}
			if other.MoneyCollected.IsPositive() {
				earned = earned.Add(other.MoneyCollected)
			} else {
				earned = earned.Add(other.Fare.Total)
			}
		}
	}
	state := earnings.DriverState{IsAvailable: d.IsPaid, IsPaid: d.IsPaid, Plan: d.Plan}
	decision := gate.Apply(&state, earned, c.At)
	d.IsOnOrder, d.IsAvailable, d.IsPaid, d.Plan = false, state.IsAvailable, state.IsPaid, state.Plan
	m.drivers[c.DriverID] = d
	m.event(c.ID, fsm.StatusInProgress, r.Status, "driver", c.At)
	return decision, nil
}

func (m *memStore) Cancel(_ context.Context, c repo.Cancellation) (repo.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before, ok := m.reqs[c.ID]
	if !ok {
		return before, repo.ErrNotFound
	}
	if fsm.IsTerminal(before.Status) {
		return before, repo.ErrConflict
	}
	r := before
	r.Status, r.CancelledAt, r.CancelledBy, r.CancelReason = fsm.StatusCancelled, &c.At, c.By, c.Reason
	r.OTPHash, r.OTPPhase = "", ""
	m.reqs[c.ID] = r
	if before.DriverID != nil && fsm.IsActive(before.Status) {
		d := m.drivers[*before.DriverID]
		d.IsOnOrder, d.IsAvailable = false, d.IsPaid
		m.drivers[d.ID] = d
	}
	m.event(c.ID, before.Status, r.Status, c.By, c.At)
	return before, nil
}

func (m *memStore) Reject(_ context.Context, id string, driverID int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if !fsm.IsOpen(r.Status) {
		return repo.ErrConflict
	}
	if !slices.Contains(r.RejectedBy, driverID) {
		r.RejectedBy = append(r.RejectedBy, driverID)
		d := m.drivers[driverID]
		d.RidesRejected++
		m.drivers[driverID] = d
	}
	m.reqs[id] = r
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if !fsm.IsTerminal(r.Status) {
		return repo.ErrConflict
	}
	delete(m.reqs, id)
	return nil
}

func (m *memStore) Events(_ context.Context, id string) ([]repo.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.Event
	for _, ev := range m.log {
		if ev.RequestID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Search-side methods used when a real searcher runs against this store.

func (m *memStore) UpdateSearch(_ context.Context, u repo.SearchUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[u.ID]
	if !ok || !fsm.IsOpen(r.Status) || r.DriverID != nil {
		return false, nil
	}
	r.Status, r.SearchRadius, r.MaxSearchRadius, r.RetryCount = u.Status, u.Radius, u.MaxRadius, u.RetryCount
	at := u.At
	r.LastSearchAt = &at
	m.reqs[u.ID] = r
	return true, nil
}

func (m *memStore) ListDue(context.Context, time.Time, time.Time, int) ([]repo.Request, error) {
	return nil, nil
}

func (m *memStore) Eligible(_ context.Context, ids []int64, category, vehicleType string) (map[int64]repo.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]repo.Driver)
	for _, id := range ids {
		d, ok := m.drivers[id]
		if !ok || !d.IsAvailable || !d.IsPaid || d.IsOnOrder || d.IsBlocked || d.Category != category {
			continue
		}
		if vehicleType != "" && d.VehicleType != vehicleType {
			continue
		}
		out[id] = d
	}
	return out, nil
}

type memDrivers struct{ *memStore }

func (d memDrivers) Get(_ context.Context, id int64) (repo.Driver, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	drv, ok := d.drivers[id]
	if !ok {
		return drv, repo.ErrNotFound
	}
	return drv, nil
}

type memCustomers struct{ *memStore }

func (c memCustomers) Get(_ context.Context, id int64) (repo.Customer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cu, ok := c.customers[id]
	if !ok {
		return cu, repo.ErrNotFound
	}
	return cu, nil
}
