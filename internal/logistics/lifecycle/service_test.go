package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dispatchBack/internal/logistics/dispatch"
	"dispatchBack/internal/logistics/earnings"
	"dispatchBack/internal/logistics/fsm"
	"dispatchBack/internal/logistics/geo"
	"dispatchBack/internal/logistics/notify"
	"dispatchBack/internal/logistics/otp"
	"dispatchBack/internal/logistics/pricing"
	"dispatchBack/internal/logistics/repo"
)

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// fixedCodes issues a known plain code so tests can type it back.
type fixedCodes struct {
	plain string
	svc   *otp.Service
}

func (c fixedCodes) Issue(phase string) (otp.Code, error) { return c.svc.Seal(c.plain, phase) }
func (c fixedCodes) Verify(hash, phase, storedPhase string, expiresAt *time.Time, input string) error {
	return c.svc.Verify(hash, phase, storedPhase, expiresAt, input)
}

type frame struct {
	id    int64
	event string
}

type recChannel struct {
	mu     sync.Mutex
	frames []frame
}

func (c *recChannel) Send(id int64, event string, _ interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame{id, event})
	return true
}

func (c *recChannel) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.event == event {
			n++
		}
	}
	return n
}

type recDispatcher struct {
	mu        sync.Mutex
	spawned   []string
	withdrawn []string
}

func (d *recDispatcher) Spawn(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spawned = append(d.spawned, id)
}

func (d *recDispatcher) Withdraw(_ context.Context, id string, _ int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.withdrawn = append(d.withdrawn, id)
}

type memDirectory struct {
	mu     sync.Mutex
	states map[int64]string
}

func (d *memDirectory) SetState(_ context.Context, id int64, _ string, state string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[id] = state
	return nil
}

func (d *memDirectory) GoOffline(_ context.Context, id int64, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[id] = "off"
	return nil
}

func (d *memDirectory) Position(context.Context, int64, string) (repo.Point, bool, error) {
	return repo.Point{Lat: 28.71, Lon: 77.10}, true, nil
}

func (d *memDirectory) state(id int64) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.states[id]
}

type recNotifier struct {
	mu  sync.Mutex
	got []notify.Message
}

func (n *recNotifier) Notify(_ notify.Recipient, msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, msg)
}

var (
	pickup  = repo.Place{Address: "Rohini", Point: repo.Point{Lat: 28.70, Lon: 77.10}}
	dropoff = repo.Place{Address: "Connaught Place", Point: repo.Point{Lat: 28.61, Lon: 77.20}}
	clock   = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc       *Service
	store     *memStore
	drivers   *recChannel
	customers *recChannel
	dispatch  *recDispatcher
	directory *memDirectory
	notifier  *recNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemStore(),
		drivers:   &recChannel{},
		customers: &recChannel{},
		dispatch:  &recDispatcher{},
		directory: &memDirectory{states: make(map[int64]string)},
		notifier:  &recNotifier{},
	}
	f.store.customers[100] = repo.Customer{ID: 100, Name: "Asha", Phone: "+919000000001"}
	f.svc = New(Deps{
		Store:      f.store,
		Drivers:    memDrivers{f.store},
		Customers:  memCustomers{f.store},
		Dispatcher: f.dispatch,
		DriverCh:   f.drivers,
		CustomerCh: f.customers,
		Directory:  f.directory,
		Router:     geo.StraightLineRouter{},
		Notifier:   f.notifier,
		Codes:      fixedCodes{plain: "4821", svc: otp.New(4, 0)},
		Gate:       earnings.NewGate(earnings.DefaultLowBalance),
	}, Config{Fares: pricing.DefaultRules()}, nopLogger{}, func() time.Time { return clock })
	return f
}

func paidDriver(id int64, category, vehicle string) repo.Driver {
	recharged := clock.Add(-48 * time.Hour)
	expiry := clock.Add(5 * 24 * time.Hour)
	return repo.Driver{
		ID: id, Name: "Driver", Phone: "+9180000000", Category: category, VehicleType: vehicle,
		IsAvailable: true, IsPaid: true, IsVerified: true,
		Plan: earnings.Plan{Title: "Weekly", Expiry: &expiry, Ceiling: decimal.NewFromInt(5000), RechargedAt: &recharged, Approved: true},
	}
}

func (f *fixture) create(t *testing.T, kind string) Created {
	t.Helper()
	in := CreateInput{CustomerID: 100, Kind: kind, Pickup: pickup, Dropoff: dropoff, VehicleType: "sedan"}
	if kind == repo.KindParcel {
		in.VehicleType = "bike"
		in.Parcel = &repo.ParcelDetails{ReceiverName: "Ravi", ReceiverPhone: "+919000000002"}
	}
	c, err := f.svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func (f *fixture) assignedTo(t *testing.T, driverID int64) repo.Request {
	t.Helper()
	f.store.addDriver(paidDriver(driverID, repo.CategoryCab, "sedan"))
	c := f.create(t, repo.KindRide)
	req, err := f.svc.Accept(context.Background(), c.Request.ID, driverID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return req
}

func TestCreateValidatesBeforeSideEffects(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		in   CreateInput
	}{
		{"missing pickup", CreateInput{CustomerID: 100, Dropoff: dropoff, VehicleType: "sedan"}},
		{"bad latitude", CreateInput{CustomerID: 100, Pickup: repo.Place{Point: repo.Point{Lat: 91, Lon: 77}}, Dropoff: dropoff, VehicleType: "sedan"}},
		{"no vehicle", CreateInput{CustomerID: 100, Pickup: pickup, Dropoff: dropoff}},
		{"parcel without receiver", CreateInput{CustomerID: 100, Kind: repo.KindParcel, Pickup: pickup, Dropoff: dropoff, VehicleType: "bike"}},
		{"unknown kind", CreateInput{CustomerID: 100, Kind: "boat", Pickup: pickup, Dropoff: dropoff, VehicleType: "sedan"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tc.in)
			var ve *ValidationError
			if !errors.As(err, &ve) || !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if len(f.store.reqs) != 0 || len(f.dispatch.spawned) != 0 {
		t.Fatal("invalid input must not create or search")
	}
}

func TestCreateQuotesAndSpawns(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, repo.KindRide)
	if c.OTP != "4821" {
		t.Fatalf("unexpected otp %s", c.OTP)
	}
	if c.Request.Status != fsm.StatusPending || c.Request.OTPHash == "" || c.Request.OTPHash == "4821" {
		t.Fatalf("unexpected request %+v", c.Request)
	}
	if !c.Request.Fare.Total.IsPositive() || c.Request.DistanceMeters == 0 {
		t.Fatalf("fare not quoted: %+v", c.Request.Fare)
	}
	if len(f.dispatch.spawned) != 1 || f.dispatch.spawned[0] != c.Request.ID {
		t.Fatalf("expected a search to be spawned, got %v", f.dispatch.spawned)
	}
}

func TestScheduledRequestDefersSearch(t *testing.T) {
	f := newFixture(t)
	later := clock.Add(2 * time.Hour)
	_, err := f.svc.Create(context.Background(), CreateInput{CustomerID: 100, Pickup: pickup, Dropoff: dropoff, VehicleType: "sedan", ScheduledAt: &later})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(f.dispatch.spawned) != 0 {
		t.Fatal("scheduled request must not be searched yet")
	}
}

func TestAcceptExclusive(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, repo.KindRide)
	const n = 8
	for i := int64(1); i <= n; i++ {
		f.store.addDriver(paidDriver(i, repo.CategoryCab, "sedan"))
	}

	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		mu        sync.Mutex
		winners   []int64
		conflicts int
	)
	for i := int64(1); i <= n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			<-start
			_, err := f.svc.Accept(context.Background(), c.Request.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case errors.Is(err, ErrAlreadyAssigned) && IsConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %v and %d", n-1, winners, conflicts)
	}
	got := f.store.request(c.Request.ID)
	if !got.HasDriver(winners[0]) || got.Status != fsm.StatusDriverAssigned {
		t.Fatalf("request not held by winner: %+v", got)
	}
	for i := int64(1); i <= n; i++ {
		if d := f.store.driver(i); d.IsOnOrder != (i == winners[0]) {
			t.Fatalf("driver %d on order = %v", i, d.IsOnOrder)
		}
	}
	if f.directory.state(winners[0]) != geo.StateBusy {
		t.Fatal("winner should be busy in the directory")
	}
	if f.customers.count(EventAssigned) != 1 {
		t.Fatal("customer should be told once")
	}
}

func TestAcceptRejectsBusyOrMismatchedDriver(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, repo.KindRide)

	bike := paidDriver(1, repo.CategoryCab, "bike")
	f.store.addDriver(bike)
	if _, err := f.svc.Accept(context.Background(), c.Request.ID, 1); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("expected vehicle mismatch, got %v", err)
	}

	unpaid := paidDriver(2, repo.CategoryCab, "sedan")
	unpaid.IsPaid, unpaid.IsAvailable = false, false
	f.store.addDriver(unpaid)
	if _, err := f.svc.Accept(context.Background(), c.Request.ID, 2); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("expected unavailable driver, got %v", err)
	}
	if got := f.store.request(c.Request.ID); got.DriverID != nil {
		t.Fatal("a refused claim must leave the request unassigned")
	}
}

func TestTransitionsAreOrdered(t *testing.T) {
	f := newFixture(t)
	req := f.assignedTo(t, 7)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, req.ID, 7, "4821")
	if !errors.Is(err, ErrInvalidTransition) || !IsConflict(err) {
		t.Fatalf("start before arrive: expected invalid transition, got %v", err)
	}
	_, err = f.svc.Complete(ctx, CompleteInput{ID: req.ID, DriverID: 7, Amount: decimal.NewFromInt(100)})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete before start: expected invalid transition, got %v", err)
	}
	if _, err := f.svc.Arrive(ctx, req.ID, 8); !errors.Is(err, ErrNotAssignedDriver) {
		t.Fatalf("other driver: expected not assigned, got %v", err)
	}
	if _, err := f.svc.Arrive(ctx, req.ID, 7); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := f.svc.Arrive(ctx, req.ID, 7); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second arrive: expected invalid transition, got %v", err)
	}
}

func TestOTPIsSingleUse(t *testing.T) {
	f := newFixture(t)
	req := f.assignedTo(t, 7)
	ctx := context.Background()
	if _, err := f.svc.Arrive(ctx, req.ID, 7); err != nil {
		t.Fatalf("arrive: %v", err)
	}

	if _, err := f.svc.Start(ctx, req.ID, 7, "1111"); !errors.Is(err, ErrOTPIncorrect) {
		t.Fatalf("wrong code: expected ErrOTPIncorrect, got %v", err)
	}
	if _, err := f.svc.Start(ctx, req.ID, 7, "48a1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("malformed code: expected validation error, got %v", err)
	}
	got, err := f.svc.Start(ctx, req.ID, 7, "4821")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got.Status != fsm.StatusInProgress || f.store.request(req.ID).OTPHash != "" {
		t.Fatal("code should be cleared after use")
	}
	if _, err := f.svc.Start(ctx, req.ID, 7, "4821"); err == nil {
		t.Fatal("replaying the code must fail")
	}
}

func TestCancelGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, repo.KindRide)
	customer := Actor{Role: RoleCustomer, ID: 100}

	if _, err := f.svc.Cancel(ctx, CancelInput{ID: c.Request.ID, By: Actor{Role: RoleCustomer, ID: 5}}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger cancel: expected refusal, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, CancelInput{ID: c.Request.ID, By: customer, Reason: "changed plans"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := f.svc.Cancel(ctx, CancelInput{ID: c.Request.ID, By: customer})
	if !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("second cancel: expected ErrAlreadyFinalized, got %v", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Current == nil || ce.Current.Status != fsm.StatusCancelled {
		t.Fatalf("conflict should carry current state, got %v", err)
	}
	if f.customers.count(EventCancelled) != 1 {
		t.Fatalf("expected exactly one cancellation event, got %d", f.customers.count(EventCancelled))
	}
	if len(f.dispatch.withdrawn) != 1 {
		t.Fatal("pending offers should be withdrawn once")
	}
}

func TestCancelCompletedFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.assignedTo(t, 7)
	if _, err := f.svc.Arrive(ctx, req.ID, 7); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, req.ID, 7, "4821"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Complete(ctx, CompleteInput{ID: req.ID, DriverID: 7, Amount: decimal.NewFromInt(150)}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Cancel(ctx, CancelInput{ID: req.ID, By: Actor{Role: RoleCustomer, ID: 100}}); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
	if f.store.request(req.ID).Status != fsm.StatusCompleted {
		t.Fatal("completed request must stay completed")
	}
}

func TestCancelFreesDriver(t *testing.T) {
	f := newFixture(t)
	req := f.assignedTo(t, 7)
	if _, err := f.svc.Cancel(context.Background(), CancelInput{ID: req.ID, By: Actor{Role: RoleDriver, ID: 7}, Reason: "flat tyre"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	d := f.store.driver(7)
	if d.IsOnOrder || !d.IsAvailable {
		t.Fatalf("driver should be free again: %+v", d)
	}
	if f.directory.state(7) != geo.StateFree {
		t.Fatalf("unexpected directory state %s", f.directory.state(7))
	}
	if got := f.store.request(req.ID); got.CancelledBy != repo.CancelledByDriver {
		t.Fatalf("unexpected cancelled_by %s", got.CancelledBy)
	}
}

func TestCompleteTripsEarningsCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := paidDriver(7, repo.CategoryCab, "sedan")
	d.Plan.Ceiling = decimal.NewFromInt(1000)
	f.store.addDriver(d)

	prior := clock.Add(-time.Hour)
	f.store.put(repo.Request{ID: "prior", Kind: repo.KindRide, Status: fsm.StatusCompleted, CustomerID: 100, DriverID: &d.ID,
		CompletedAt: &prior, MoneyCollected: decimal.NewFromInt(950)})

	c := f.create(t, repo.KindRide)
	id := c.Request.ID
	if _, err := f.svc.Accept(ctx, id, 7); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Arrive(ctx, id, 7); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, id, 7, "4821"); err != nil {
		t.Fatal(err)
	}
	done, err := f.svc.Complete(ctx, CompleteInput{ID: id, DriverID: 7, Amount: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Decision.Outcome != earnings.OutcomeExhausted {
		t.Fatalf("expected exhausted, got %s", done.Decision.Outcome)
	}
	got := f.store.driver(7)
	if got.IsAvailable || got.IsPaid || got.IsOnOrder {
		t.Fatalf("driver should be offline and unpaid: %+v", got)
	}
	if f.directory.state(7) != "off" {
		t.Fatalf("driver should leave the directory, got %s", f.directory.state(7))
	}
	if f.drivers.count(EventPlanStatus) != 1 {
		t.Fatal("driver should be told the plan is exhausted")
	}
}

type nearFinder struct {
	courier geo.Candidate
}

func (n nearFinder) Find(_ context.Context, _ repo.Point, radius int, f geo.Filter) ([]geo.Candidate, error) {
	if f.Category != repo.CategoryParcel {
		return nil, nil
	}
	if radius > 0 && float64(radius) < n.courier.DistanceMeters {
		return nil, nil
	}
	return []geo.Candidate{n.courier}, nil
}

type nopLocker struct{}

func (nopLocker) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (nopLocker) Release(context.Context, string) error                        { return nil }

type nopOffers struct{}

func (nopOffers) Record(context.Context, string, int64, time.Duration) error { return nil }
func (nopOffers) Offered(context.Context, string) ([]int64, error)           { return nil, nil }
func (nopOffers) Clear(context.Context, string) error                        { return nil }

func TestParcelScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.addDriver(paidDriver(42, repo.CategoryParcel, "bike"))

	searcher := dispatch.NewSearcher(ctx, dispatch.Deps{
		Requests:  f.store,
		Drivers:   f.store,
		Finder:    nearFinder{courier: geo.Candidate{DriverID: 42, DistanceMeters: 1800}},
		DriverCh:  f.drivers,
		Customers: f.customers,
		Locker:    nopLocker{},
		Offers:    nopOffers{},
	}, dispatch.Config{
		ParcelRadii: []int{5000, 15000, 0}, MaxAttempts: 4, Backoff: time.Millisecond,
		CandidateLimit: 25, OfferTTL: time.Minute,
	}, nopLogger{})
	f.svc.Dispatcher = searcher

	c := f.create(t, repo.KindParcel)
	searcher.Wait()
	id := c.Request.ID

	if f.drivers.count(dispatch.EventOffer) != 1 {
		t.Fatalf("courier should be offered once, got %d", f.drivers.count(dispatch.EventOffer))
	}
	if got := f.store.request(id); got.Status != fsm.StatusSearching || got.SearchRadius != 5000 {
		t.Fatalf("expected first tier search, got %s at %d", got.Status, got.SearchRadius)
	}

	req, err := f.svc.Accept(ctx, id, 42)
	if err != nil || req.Status != fsm.StatusDriverAssigned {
		t.Fatalf("accept: %v %s", err, req.Status)
	}
	if _, err := f.svc.Arrive(ctx, id, 42); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if req, err = f.svc.Start(ctx, id, 42, "4821"); err != nil || req.Status != fsm.StatusInProgress {
		t.Fatalf("start: %v", err)
	}
	done, err := f.svc.Complete(ctx, CompleteInput{ID: id, DriverID: 42, Amount: decimal.NewFromInt(140), Mode: "cash"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Request.Status != fsm.StatusCompleted || !done.Request.IsBookingCompleted {
		t.Fatalf("unexpected final request %+v", done.Request)
	}
	if f.store.driver(42).IsOnOrder {
		t.Fatal("courier should be released")
	}
	if done.Decision.Outcome != earnings.OutcomeNone {
		t.Fatalf("expected gate to pass, got %s", done.Decision.Outcome)
	}

	view, err := f.svc.Status(ctx, id, Actor{Role: RoleCustomer, ID: 100})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Driver == nil || view.Driver.ID != 42 {
		t.Fatal("status should carry the driver")
	}
	if len(view.Timeline) < 5 {
		t.Fatalf("expected full timeline, got %d events", len(view.Timeline))
	}
}

func TestParcelDropOTP(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.ParcelDropOTP = true
	ctx := context.Background()
	f.store.addDriver(paidDriver(42, repo.CategoryParcel, "bike"))
	c := f.create(t, repo.KindParcel)
	id := c.Request.ID
	if _, err := f.svc.Accept(ctx, id, 42); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Arrive(ctx, id, 42); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, id, 42, "4821"); err != nil {
		t.Fatal(err)
	}
	if got := f.store.request(id); got.OTPPhase != otp.PhaseDelivery || got.OTPHash == "" {
		t.Fatal("a delivery code should replace the pickup code")
	}
	if _, err := f.svc.Complete(ctx, CompleteInput{ID: id, DriverID: 42, Amount: decimal.NewFromInt(140), OTP: "0000"}); !errors.Is(err, ErrOTPIncorrect) {
		t.Fatalf("expected ErrOTPIncorrect, got %v", err)
	}
	if _, err := f.svc.Complete(ctx, CompleteInput{ID: id, DriverID: 42, Amount: decimal.NewFromInt(140), OTP: "4821"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestListScopesToCaller(t *testing.T) {
	f := newFixture(t)
	f.create(t, repo.KindRide)
	f.store.customers[200] = repo.Customer{ID: 200}
	if _, err := f.svc.Create(context.Background(), CreateInput{CustomerID: 200, Pickup: pickup, Dropoff: dropoff, VehicleType: "sedan"}); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.List(context.Background(), Actor{Role: RoleCustomer, ID: 100}, repo.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].CustomerID != 100 {
		t.Fatalf("expected only own requests, got %d", len(got))
	}
	if _, err := f.svc.List(context.Background(), Actor{Role: RoleCustomer, ID: 100}, repo.ListFilter{Status: "flying"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDeleteOnlyTerminal(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, repo.KindRide)
	admin := Actor{Role: RoleAdmin, ID: 1}
	if err := f.svc.Delete(context.Background(), c.Request.ID, admin); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected open request to be kept, got %v", err)
	}
	if _, err := f.svc.Cancel(context.Background(), CancelInput{ID: c.Request.ID, By: admin}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Delete(context.Background(), c.Request.ID, Actor{Role: RoleCustomer, ID: 100}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin delete: got %v", err)
	}
	if err := f.svc.Delete(context.Background(), c.Request.ID, admin); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

// writeCounter counts state-changing store calls.
type writeCounter struct {
	*memStore
	writes int
}

func (w *writeCounter) Assign(ctx context.Context, id string, driverID int64, at time.Time) error {
	w.writes++
	return w.memStore.Assign(ctx, id, driverID, at)
}

func (w *writeCounter) MarkArrived(ctx context.Context, id string, driverID int64, at time.Time) error {
	w.writes++
	return w.memStore.MarkArrived(ctx, id, driverID, at)
}

func (w *writeCounter) Start(ctx context.Context, id string, driverID int64, expectedHash, nextHash, nextPhase string, nextExpiry *time.Time, at time.Time) error {
	w.writes++
	return w.memStore.Start(ctx, id, driverID, expectedHash, nextHash, nextPhase, nextExpiry, at)
}

func (w *writeCounter) Complete(ctx context.Context, c repo.Completion, gate earnings.Gate) (earnings.Decision, error) {
	w.writes++
	return w.memStore.Complete(ctx, c, gate)
}

func (w *writeCounter) Cancel(ctx context.Context, c repo.Cancellation) (repo.Request, error) {
	w.writes++
	return w.memStore.Cancel(ctx, c)
}

func TestStateMachineRefusesBeforeWriting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.assignedTo(t, 7)
	w := &writeCounter{memStore: f.store}
	f.svc.Store = w

	arrive := func() error { _, err := f.svc.Arrive(ctx, req.ID, 7); return err }
	start := func() error { _, err := f.svc.Start(ctx, req.ID, 7, "4821"); return err }
	complete := func() error {
		_, err := f.svc.Complete(ctx, CompleteInput{ID: req.ID, DriverID: 7, Amount: decimal.NewFromInt(100)})
		return err
	}
	cancel := func() error {
		_, err := f.svc.Cancel(ctx, CancelInput{ID: req.ID, By: Actor{Role: RoleDriver, ID: 7}})
		return err
	}
	accept := func() error { _, err := f.svc.Accept(ctx, req.ID, 8); return err }

	cases := []struct {
		name   string
		status string
		target string
		step   func() error
		want   error
	}{
		{"start before arrive", fsm.StatusDriverAssigned, fsm.StatusInProgress, start, ErrInvalidTransition},
		{"complete before start", fsm.StatusDriverAssigned, fsm.StatusCompleted, complete, ErrInvalidTransition},
		{"accept held request", fsm.StatusDriverAssigned, fsm.StatusDriverAssigned, accept, ErrAlreadyAssigned},
		{"arrive twice", fsm.StatusDriverArrived, fsm.StatusDriverArrived, arrive, ErrInvalidTransition},
		{"arrive after start", fsm.StatusInProgress, fsm.StatusDriverArrived, arrive, ErrInvalidTransition},
		{"arrive when completed", fsm.StatusCompleted, fsm.StatusDriverArrived, arrive, ErrAlreadyFinalized},
		{"start when completed", fsm.StatusCompleted, fsm.StatusInProgress, start, ErrAlreadyFinalized},
		{"complete twice", fsm.StatusCompleted, fsm.StatusCompleted, complete, ErrAlreadyFinalized},
		{"cancel when cancelled", fsm.StatusCancelled, fsm.StatusCancelled, cancel, ErrAlreadyFinalized},
		{"accept when cancelled", fsm.StatusCancelled, fsm.StatusDriverAssigned, accept, ErrAlreadyFinalized},
	}
	for _, tc := range cases {
		if fsm.CanTransition(tc.status, tc.target) {
			t.Fatalf("%s: %s -> %s is allowed by the table", tc.name, tc.status, tc.target)
		}
		r := f.store.request(req.ID)
		r.Status = tc.status
		f.store.put(r)

		err := tc.step()
		if !errors.Is(err, tc.want) || !IsConflict(err) {
			t.Fatalf("%s: expected conflict %v, got %v", tc.name, tc.want, err)
		}
		var ce *ConflictError
		if !errors.As(err, &ce) || ce.Current == nil || ce.Current.Status != tc.status {
			t.Fatalf("%s: conflict should carry status %s, got %v", tc.name, tc.status, err)
		}
		if got := f.store.request(req.ID).Status; got != tc.status {
			t.Fatalf("%s: status moved to %s", tc.name, got)
		}
	}
	if w.writes != 0 {
		t.Fatalf("refused steps reached the store %d times", w.writes)
	}
}
