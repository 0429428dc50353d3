package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/exp/slices"

	"dispatchBack/internal/logistics/fsm"
	"dispatchBack/internal/logistics/geo"
	"dispatchBack/internal/logistics/repo"
)

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

type memRequests struct {
	mu   sync.Mutex
	reqs map[string]repo.Request
	gets int
}

func newMemRequests(reqs ...repo.Request) *memRequests {
	m := &memRequests{reqs: make(map[string]repo.Request)}
	for _, r := range reqs {
		m.reqs[r.ID] = r
	}
	return m
}

func (m *memRequests) Get(_ context.Context, id string) (repo.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	r, ok := m.reqs[id]
	if !ok {
		return repo.Request{}, repo.ErrNotFound
	}
	return r, nil
}

func (m *memRequests) UpdateSearch(_ context.Context, u repo.SearchUpdate) (bool, error) {
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

func (m *memRequests) ListDue(_ context.Context, now, staleBefore time.Time, _ int) ([]repo.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.Request
	for _, r := range m.reqs {
		if !claimable(r) {
			continue
		}
		if r.ScheduledAt != nil && r.ScheduledAt.After(now) {
			continue
		}
		if r.LastSearchAt != nil && r.LastSearchAt.After(staleBefore) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memRequests) setStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.reqs[id]
	r.Status = status
	m.reqs[id] = r
}

func (m *memRequests) status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[id].Status
}

type allEligible struct{}

func (allEligible) Eligible(_ context.Context, ids []int64, _, _ string) (map[int64]repo.Driver, error) {
	out := make(map[int64]repo.Driver, len(ids))
	for _, id := range ids {
		out[id] = repo.Driver{ID: id}
	}
	return out, nil
}

type tieredFinder struct {
	mu     sync.Mutex
	byRad  map[int][]geo.Candidate
	radii  []int
	filter geo.Filter
}

func (f *tieredFinder) Find(_ context.Context, _ repo.Point, radius int, filter geo.Filter) ([]geo.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.radii = append(f.radii, radius)
	f.filter = filter
	return f.byRad[radius], nil
}

type sent struct {
	id    int64
	event string
}

type fakeChannel struct {
	mu        sync.Mutex
	connected map[int64]bool
	sent      []sent
	onSend    func(id int64, event string)
}

func newChannel(ids ...int64) *fakeChannel {
	c := &fakeChannel{connected: make(map[int64]bool)}
	for _, id := range ids {
		c.connected[id] = true
	}
	return c
}

func (c *fakeChannel) Send(id int64, event string, _ interface{}) bool {
	c.mu.Lock()
	ok := c.connected[id]
	if ok {
		c.sent = append(c.sent, sent{id: id, event: event})
	}
	hook := c.onSend
	c.mu.Unlock()
	if ok && hook != nil {
		hook(id, event)
	}
	return ok
}

func (c *fakeChannel) events(event string) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []int64
	for _, s := range c.sent {
		if s.event == event {
			ids = append(ids, s.id)
		}
	}
	return ids
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) Acquire(_ context.Context, id string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[id] {
		return false, nil
	}
	l.held[id] = true
	return true, nil
}

func (l *memLocker) Release(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
	return nil
}

type memOffers struct {
	mu      sync.Mutex
	offered map[string][]int64
}

func (o *memOffers) Record(_ context.Context, id string, driverID int64, _ time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.offered == nil {
		o.offered = make(map[string][]int64)
	}
	o.offered[id] = append(o.offered[id], driverID)
	return nil
}

func (o *memOffers) Offered(_ context.Context, id string) ([]int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int64(nil), o.offered[id]...), nil
}

func (o *memOffers) Clear(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.offered, id)
	return nil
}

func testConfig() Config {
	return Config{
		RideRadii:      []int{2500, 3000, 3500, 4000},
		ParcelRadii:    []int{5000, 15000, 0},
		MaxAttempts:    4,
		Backoff:        20 * time.Second,
		CandidateLimit: 25,
		RescanInterval: 2 * time.Minute,
		OfferTTL:       10 * time.Minute,
	}
}

func pendingRequest(id, kind string) repo.Request {
	return repo.Request{
		ID:         id,
		Kind:       kind,
		Status:     fsm.StatusPending,
		CustomerID: 100,
		Pickup:     repo.Place{Address: "A", Point: repo.Point{Lat: 28.70, Lon: 77.10}},
		Dropoff:    repo.Place{Address: "B", Point: repo.Point{Lat: 28.61, Lon: 77.20}},
	}
}

type harness struct {
	searcher  *Searcher
	requests  *memRequests
	finder    *tieredFinder
	drivers   *fakeChannel
	customers *fakeChannel
	offers    *memOffers
	locker    *memLocker
	waits     int
}

func newHarness(req repo.Request, byRad map[int][]geo.Candidate, connected ...int64) *harness {
	h := &harness{
		requests:  newMemRequests(req),
		finder:    &tieredFinder{byRad: byRad},
		drivers:   newChannel(connected...),
		customers: newChannel(req.CustomerID),
		offers:    &memOffers{},
		locker:    &memLocker{},
	}
	h.searcher = NewSearcher(context.Background(), Deps{
		Requests:  h.requests,
		Drivers:   allEligible{},
		Finder:    h.finder,
		DriverCh:  h.drivers,
		Customers: h.customers,
		Locker:    h.locker,
		Offers:    h.offers,
	}, testConfig(), nopLogger{})
	h.searcher.wait = func(ctx context.Context, _ time.Duration) error {
		h.waits++
		return ctx.Err()
	}
	return h
}

func TestSearchEscalatesRadius(t *testing.T) {
	h := newHarness(pendingRequest("r1", repo.KindRide), map[int][]geo.Candidate{
		3000: {{DriverID: 7, DistanceMeters: 2800}},
	}, 7)

	outcome, err := h.searcher.Search(context.Background(), "r1")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if outcome != OutcomeOffered {
		t.Fatalf("expected offered, got %s", outcome)
	}
	if len(h.finder.radii) != 2 || h.finder.radii[0] != 2500 || h.finder.radii[1] != 3000 {
		t.Fatalf("unexpected radii %v", h.finder.radii)
	}
	if got := h.drivers.events(EventOffer); len(got) != 1 || got[0] != 7 {
		t.Fatalf("expected exactly one offer to 7, got %v", got)
	}
	if h.waits != 1 {
		t.Fatalf("expected one backoff wait, got %d", h.waits)
	}
	if h.requests.status("r1") != fsm.StatusSearching {
		t.Fatalf("unexpected status %s", h.requests.status("r1"))
	}
}

func TestSearchSkipsCandidatesWithoutChannel(t *testing.T) {
	h := newHarness(pendingRequest("r1", repo.KindParcel), map[int][]geo.Candidate{
		5000: {{DriverID: 1, DistanceMeters: 900}, {DriverID: 2, DistanceMeters: 1800}},
	}, 2)

	outcome, err := h.searcher.Search(context.Background(), "r1")
	if err != nil || outcome != OutcomeOffered {
		t.Fatalf("unexpected %s %v", outcome, err)
	}
	if got := h.drivers.events(EventOffer); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected offer to 2 only, got %v", got)
	}
	if h.finder.filter.Category != repo.CategoryParcel {
		t.Fatalf("unexpected category %s", h.finder.filter.Category)
	}
}

func TestSearchExhaustsWhenNobodyReachable(t *testing.T) {
	// Driver 1 is in range every time but never connected.
	h := newHarness(pendingRequest("r1", repo.KindRide), map[int][]geo.Candidate{
		2500: {{DriverID: 1}}, 3000: {{DriverID: 1}}, 3500: {{DriverID: 1}}, 4000: {{DriverID: 1}},
	})

	outcome, err := h.searcher.Search(context.Background(), "r1")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if outcome != OutcomeExhausted {
		t.Fatalf("expected exhausted, got %s", outcome)
	}
	if len(h.finder.radii) != 4 {
		t.Fatalf("expected 4 attempts, got %v", h.finder.radii)
	}
	if h.requests.status("r1") != fsm.StatusPending {
		t.Fatalf("expected request back in pending, got %s", h.requests.status("r1"))
	}
	if len(h.customers.events(EventNoDriver)) != 1 {
		t.Fatal("customer should be told no driver was found")
	}
}

func TestCancelStopsSearchBeforeNextAttempt(t *testing.T) {
	h := newHarness(pendingRequest("r1", repo.KindRide), map[int][]geo.Candidate{
		3000: {{DriverID: 7}},
	}, 7)
	h.searcher.wait = func(ctx context.Context, _ time.Duration) error {
		h.requests.setStatus("r1", fsm.StatusCancelled)
		return nil
	}

	outcome, err := h.searcher.Search(context.Background(), "r1")
	if err != nil || outcome != OutcomeClosed {
		t.Fatalf("unexpected %s %v", outcome, err)
	}
	if len(h.finder.radii) != 1 {
		t.Fatalf("expected a single attempt, got %v", h.finder.radii)
	}
	if len(h.drivers.events(EventOffer)) != 0 {
		t.Fatal("no offer may follow a cancellation")
	}
}

func TestCancelStopsFurtherOffers(t *testing.T) {
	h := newHarness(pendingRequest("r1", repo.KindRide), map[int][]geo.Candidate{
		2500: {{DriverID: 1}, {DriverID: 2}, {DriverID: 3}},
	}, 1, 2, 3)
	h.drivers.onSend = func(id int64, event string) {
		if event == EventOffer && id == 1 {
			h.requests.setStatus("r1", fsm.StatusCancelled)
		}
	}

	outcome, _ := h.searcher.Search(context.Background(), "r1")
	if outcome != OutcomeClosed {
		t.Fatalf("expected closed, got %s", outcome)
	}
	if got := h.drivers.events(EventOffer); len(got) != 1 {
		t.Fatalf("expected only the first offer, got %v", got)
	}
}

func TestSearchBusyWhenLocked(t *testing.T) {
	h := newHarness(pendingRequest("r1", repo.KindRide), nil)
	if ok, _ := h.locker.Acquire(context.Background(), "r1", time.Minute); !ok {
		t.Fatal("lock should be free")
	}
	outcome, err := h.searcher.Search(context.Background(), "r1")
	if err != nil || outcome != OutcomeBusy {
		t.Fatalf("unexpected %s %v", outcome, err)
	}
	if len(h.finder.radii) != 0 {
		t.Fatal("a locked request must not be searched")
	}
}

func TestSearchInvalidPickup(t *testing.T) {
	req := pendingRequest("r1", repo.KindRide)
	req.Pickup.Point = repo.Point{}
	h := newHarness(req, nil)
	if _, err := h.searcher.Search(context.Background(), "r1"); err != ErrInvalidPickup {
		t.Fatalf("expected ErrInvalidPickup, got %v", err)
	}
	if len(h.finder.radii) != 0 {
		t.Fatal("geo directory must not be queried")
	}
}

func TestSearchExcludesRejectedDrivers(t *testing.T) {
	req := pendingRequest("r1", repo.KindRide)
	req.RejectedBy = []int64{4}
	h := newHarness(req, map[int][]geo.Candidate{2500: {{DriverID: 5}}}, 5)
	if _, err := h.searcher.Search(context.Background(), "r1"); err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(h.finder.filter.Exclude) != 1 || h.finder.filter.Exclude[0] != 4 {
		t.Fatalf("unexpected exclude %v", h.finder.filter.Exclude)
	}
}

func TestWithdrawNotifiesLosers(t *testing.T) {
	h := newHarness(pendingRequest("r1", repo.KindRide), nil, 1, 2, 3)
	for _, id := range []int64{1, 2, 3} {
		_ = h.offers.Record(context.Background(), "r1", id, time.Minute)
	}
	h.searcher.Withdraw(context.Background(), "r1", 2)

	got := h.drivers.events(EventOfferClosed)
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("unexpected withdrawals %v", got)
	}
	if left, _ := h.offers.Offered(context.Background(), "r1"); len(left) != 0 {
		t.Fatal("offered set should be cleared")
	}
}

func TestRescanSpawnsDueRequests(t *testing.T) {
	stale := time.Now().Add(-time.Hour)
	fresh := time.Now()
	future := time.Now().Add(time.Hour)

	due := pendingRequest("due", repo.KindRide)
	due.LastSearchAt = &stale
	recent := pendingRequest("recent", repo.KindRide)
	recent.LastSearchAt = &fresh
	scheduled := pendingRequest("scheduled", repo.KindRide)
	scheduled.ScheduledAt = &future

	h := newHarness(due, map[int][]geo.Candidate{2500: {{DriverID: 9}}}, 9)
	h.requests.reqs["recent"] = recent
	h.requests.reqs["scheduled"] = scheduled

	if n := h.searcher.tick(context.Background()); n != 1 {
		t.Fatalf("expected one due request, got %d", n)
	}
	h.searcher.Wait()
	if got := h.drivers.events(EventOffer); len(got) != 1 {
		t.Fatalf("expected the due request to be offered, got %v", got)
	}
}

func TestConfigRadii(t *testing.T) {
	cfg := testConfig()
	if cfg.RadiusAt(repo.KindRide, 0) != 2500 || cfg.RadiusAt(repo.KindRide, 9) != 4000 {
		t.Fatal("unexpected ride radii")
	}
	if cfg.RadiusAt(repo.KindParcel, 2) != 0 || cfg.MaxRadius(repo.KindParcel) != 0 {
		t.Fatal("parcel last tier should be unlimited")
	}
	if cfg.MaxRadius(repo.KindRide) != 4000 {
		t.Fatalf("unexpected max %d", cfg.MaxRadius(repo.KindRide))
	}
}

// nearestFinder serves candidates nearest first, honouring Exclude and Limit.
type nearestFinder struct {
	cands []geo.Candidate
	calls int
}

func (f *nearestFinder) Find(_ context.Context, _ repo.Point, _ int, filter geo.Filter) ([]geo.Candidate, error) {
	f.calls++
	var out []geo.Candidate
	for _, c := range f.cands {
		if slices.Contains(filter.Exclude, c.DriverID) {
			continue
		}
		out = append(out, c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

type someEligible map[int64]bool

func (e someEligible) Eligible(_ context.Context, ids []int64, _, _ string) (map[int64]repo.Driver, error) {
	out := make(map[int64]repo.Driver)
	for _, id := range ids {
		if e[id] {
			out[id] = repo.Driver{ID: id}
		}
	}
	return out, nil
}

func TestSearchLooksPastIneligibleNeighbours(t *testing.T) {
	req := pendingRequest("r1", repo.KindRide)
	req.RejectedBy = []int64{1}
	finder := &nearestFinder{}
	for i := int64(1); i <= 30; i++ {
		finder.cands = append(finder.cands, geo.Candidate{DriverID: i, DistanceMeters: float64(i * 10)})
	}
	finder.cands = append(finder.cands, geo.Candidate{DriverID: 99, DistanceMeters: 2400})

	h := newHarness(req, nil, 99)
	h.searcher.Finder = finder
	h.searcher.Drivers = someEligible{99: true}

	outcome, err := h.searcher.Search(context.Background(), "r1")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if outcome != OutcomeOffered {
		t.Fatalf("expected offered, got %s", outcome)
	}
	if got := h.drivers.events(EventOffer); len(got) != 1 || got[0] != 99 {
		t.Fatalf("expected the offer to reach driver 99, got %v", got)
	}
	if finder.calls != 2 {
		t.Fatalf("expected a second page after the ineligible drivers, got %d calls", finder.calls)
	}
}
