package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"dispatchBack/internal/logistics/fsm"
	"dispatchBack/internal/logistics/geo"
	"dispatchBack/internal/logistics/metrics"
	"dispatchBack/internal/logistics/repo"
)

// Logger is a minimal logger interface required by the searcher.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// RequestStore is the part of the request store used by searches.
type RequestStore interface {
	Get(ctx context.Context, id string) (repo.Request, error)
	UpdateSearch(ctx context.Context, u repo.SearchUpdate) (bool, error)
	ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]repo.Request, error)
}

// DriverStore filters candidates down to drivers that may take work.
type DriverStore interface {
	Eligible(ctx context.Context, ids []int64, category, vehicleType string) (map[int64]repo.Driver, error)
}

// Finder queries the geo directory.
type Finder interface {
	Find(ctx context.Context, p repo.Point, radiusMeters int, f geo.Filter) ([]geo.Candidate, error)
}

// Channel delivers real-time events to a participant.
type Channel interface {
	Send(id int64, event string, payload interface{}) bool
}

// Locker guards against two search tasks for the same request.
type Locker interface {
	Acquire(ctx context.Context, requestID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, requestID string) error
}

// OfferLog remembers who was offered a request.
type OfferLog interface {
	Record(ctx context.Context, requestID string, driverID int64, ttl time.Duration) error
	Offered(ctx context.Context, requestID string) ([]int64, error)
	Clear(ctx context.Context, requestID string) error
}

// Outcome is how a search task ended.
type Outcome string

const (
	OutcomeOffered   Outcome = "offered"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeClosed    Outcome = "closed"
	OutcomeBusy      Outcome = "busy"
	OutcomeAborted   Outcome = "aborted"
)

// ErrInvalidPickup is returned for requests without a usable pickup point.
var ErrInvalidPickup = errors.New("request has no valid pickup point")

var errClosed = errors.New("request no longer open")

// Events sent over the notification channels.
const (
	EventOffer          = "offer"
	EventOfferClosed    = "offer_closed"
	EventSearchProgress = "search_progress"
	EventNoDriver       = "no_driver_found"
)

// Offer is the payload sent to a candidate.
type Offer struct {
	RequestID        string     `json:"request_id"`
	Kind             string     `json:"kind"`
	Pickup           repo.Place `json:"pickup"`
	Dropoff          repo.Place `json:"dropoff"`
	VehicleType      string     `json:"vehicle_type"`
	FareTotal        string     `json:"fare_total"`
	Currency         string     `json:"currency"`
	DistanceToPickup int        `json:"distance_to_pickup_m"`
	Radius           int        `json:"radius_m"`
	ExpiresInSec     int        `json:"expires_in_sec"`
}

// Progress is the payload sent to the customer while searching.
type Progress struct {
	RequestID string `json:"request_id"`
	Attempt   int    `json:"attempt"`
	Radius    int    `json:"radius_m"`
	Offered   int    `json:"offered,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Deps groups the searcher's collaborators.
type Deps struct {
	Requests  RequestStore
	Drivers   DriverStore
	Finder    Finder
	DriverCh  Channel
	Customers Channel
	Locker    Locker
	Offers    OfferLog
}

// Searcher runs candidate searches as detached tasks.
type Searcher struct {
	Deps
	cfg    Config
	logger Logger
	base   context.Context
	now    func() time.Time
	wait   func(ctx context.Context, d time.Duration) error

	wg sync.WaitGroup
}

// NewSearcher creates a searcher whose tasks live as long as base.
func NewSearcher(base context.Context, deps Deps, cfg Config, logger Logger) *Searcher {
	return &Searcher{Deps: deps, cfg: cfg, logger: logger, base: base, now: time.Now, wait: sleep}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Spawn starts a search for requestID in the background and returns immediately.
func (s *Searcher) Spawn(requestID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		outcome, err := s.Search(s.base, requestID)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Errorf("dispatch: search %s ended with %s: %v", requestID, outcome, err)
			return
		}
		s.logger.Infof("dispatch: search %s ended with %s", requestID, outcome)
	}()
}

// Wait blocks until all spawned searches have returned.
func (s *Searcher) Wait() {
	s.wg.Wait()
}

// Search walks the radius tiers for requestID until at least one candidate is offered
// the request, the request leaves the open states, or the attempts run out.
func (s *Searcher) Search(ctx context.Context, requestID string) (Outcome, error) {
	ok, err := s.Locker.Acquire(ctx, requestID, s.cfg.lockTTL())
	if err != nil {
		return OutcomeAborted, err
	}
	if !ok {
		return OutcomeBusy, nil
	}
	defer func() {
		if err := s.Locker.Release(context.Background(), requestID); err != nil {
			s.logger.Errorf("dispatch: release lock %s: %v", requestID, err)
		}
	}()

	var (
		req     repo.Request
		loaded  bool
		attempt int
	)
	for attempt = 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := s.wait(ctx, s.cfg.Backoff); err != nil {
				return OutcomeAborted, err
			}
		}

		current, err := s.Requests.Get(ctx, requestID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return OutcomeClosed, nil
			}
			s.logger.Errorf("dispatch: load %s (attempt %d): %v", requestID, attempt+1, err)
			continue
		}
		req, loaded = current, true
		if !claimable(req) {
			return OutcomeClosed, nil
		}
		if !req.Pickup.Point.Valid() {
			return OutcomeAborted, ErrInvalidPickup
		}

		radius := s.cfg.RadiusAt(req.Kind, attempt)
		applied, err := s.Requests.UpdateSearch(ctx, repo.SearchUpdate{
			ID:         req.ID,
			Status:     fsm.StatusSearching,
			Radius:     radius,
			MaxRadius:  s.cfg.MaxRadius(req.Kind),
			RetryCount: req.RetryCount + 1,
			At:         s.now(),
		})
		if err != nil {
			s.logger.Errorf("dispatch: record attempt %s: %v", requestID, err)
			continue
		}
		if !applied {
			return OutcomeClosed, nil
		}
		req.RetryCount++
		metrics.SearchAttempts.WithLabelValues(req.Kind).Inc()

		sent, err := s.offerRound(ctx, req, radius)
		if errors.Is(err, errClosed) {
			return OutcomeClosed, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return OutcomeAborted, ctx.Err()
			}
			s.logger.Errorf("dispatch: attempt %d for %s failed: %v", attempt+1, requestID, err)
		}
		s.Customers.Send(req.CustomerID, EventSearchProgress, Progress{
			RequestID: req.ID, Attempt: attempt + 1, Radius: radius, Offered: sent,
		})
		if sent > 0 {
			s.logger.Infof("dispatch: %s offered to %d drivers within %dm", requestID, sent, radius)
			metrics.SearchOutcomes.WithLabelValues(req.Kind, string(OutcomeOffered)).Inc()
			return OutcomeOffered, nil
		}
		s.logger.Infof("dispatch: %s no reachable drivers within %dm (attempt %d/%d)", requestID, radius, attempt+1, s.cfg.MaxAttempts)
	}

	if !loaded {
		return OutcomeAborted, errors.New("request could not be loaded")
	}
	return s.exhaust(ctx, req)
}

// exhaust parks the request back in pending and tells the customer.
func (s *Searcher) exhaust(ctx context.Context, req repo.Request) (Outcome, error) {
	applied, err := s.Requests.UpdateSearch(ctx, repo.SearchUpdate{
		ID:         req.ID,
		Status:     fsm.StatusPending,
		Radius:     s.cfg.RadiusAt(req.Kind, s.cfg.MaxAttempts-1),
		MaxRadius:  s.cfg.MaxRadius(req.Kind),
		RetryCount: req.RetryCount,
		At:         s.now(),
	})
	if err != nil {
		return OutcomeExhausted, err
	}
	if !applied {
		return OutcomeClosed, nil
	}
	metrics.SearchOutcomes.WithLabelValues(req.Kind, string(OutcomeExhausted)).Inc()
	s.Customers.Send(req.CustomerID, EventNoDriver, Progress{
		RequestID: req.ID,
		Attempt:   s.cfg.MaxAttempts,
		Message:   "no drivers found within range yet",
	})
	return OutcomeExhausted, nil
}

// candidates returns up to CandidateLimit eligible drivers within radius, nearest
// first. Drivers the store refuses are excluded and the directory is asked again, so
// ineligible drivers near the pickup cannot hide eligible ones further out.
func (s *Searcher) candidates(ctx context.Context, req repo.Request, radius int) ([]geo.Candidate, error) {
	want := s.cfg.CandidateLimit
	if want <= 0 {
		want = 25
	}
	exclude := append([]int64(nil), req.RejectedBy...)
	var out []geo.Candidate
	for len(out) < want {
		need := want - len(out)
		page, err := s.Finder.Find(ctx, req.Pickup.Point, radius, geo.Filter{
			Category:    req.Category(),
			VehicleType: req.VehicleType,
			Exclude:     exclude,
			Limit:       need,
		})
		if err != nil {
			return nil, err
		}
		fresh := make([]geo.Candidate, 0, len(page))
		ids := make([]int64, 0, len(page))
		for _, c := range page {
			if slices.Contains(exclude, c.DriverID) {
				continue
			}
			exclude = append(exclude, c.DriverID)
			fresh = append(fresh, c)
			ids = append(ids, c.DriverID)
		}
		if len(fresh) == 0 {
			break
		}
		eligible, err := s.Drivers.Eligible(ctx, ids, req.Category(), req.VehicleType)
		if err != nil {
			return nil, err
		}
		for _, c := range fresh {
			if _, ok := eligible[c.DriverID]; ok && len(out) < want {
				out = append(out, c)
			}
		}
		if len(page) < need {
			// The radius holds nobody else.
			break
		}
	}
	return out, nil
}

// offerRound sends the request to every eligible candidate within radius that has a
// live channel and returns how many were reached.
func (s *Searcher) offerRound(ctx context.Context, req repo.Request, radius int) (int, error) {
	cands, err := s.candidates(ctx, req, radius)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, c := range cands {
		current, err := s.Requests.Get(ctx, req.ID)
		if err != nil {
			return sent, err
		}
		if !claimable(current) {
			return sent, errClosed
		}
		offer := Offer{
			RequestID:        req.ID,
			Kind:             req.Kind,
			Pickup:           req.Pickup,
			Dropoff:          req.Dropoff,
			VehicleType:      req.VehicleType,
			FareTotal:        req.Fare.Total.StringFixed(2),
			Currency:         req.Fare.Currency,
			DistanceToPickup: int(c.DistanceMeters),
			Radius:           radius,
			ExpiresInSec:     int(s.cfg.Backoff.Seconds()),
		}
		if !s.DriverCh.Send(c.DriverID, EventOffer, offer) {
			metrics.OffersSkipped.Inc()
			s.logger.Infof("dispatch: driver %d has no live channel, skipping %s", c.DriverID, req.ID)
			continue
		}
		if err := s.Offers.Record(ctx, req.ID, c.DriverID, s.cfg.OfferTTL); err != nil {
			s.logger.Errorf("dispatch: record offer %s -> %d: %v", req.ID, c.DriverID, err)
		}
		metrics.OffersSent.WithLabelValues(req.Kind).Inc()
		sent++
	}
	return sent, nil
}

// Withdraw tells every offered driver except keep that the offer is gone.
func (s *Searcher) Withdraw(ctx context.Context, requestID string, keep int64) {
	ids, err := s.Offers.Offered(ctx, requestID)
	if err != nil {
		s.logger.Errorf("dispatch: list offers %s: %v", requestID, err)
		return
	}
	for _, id := range ids {
		if id == keep {
			continue
		}
		s.DriverCh.Send(id, EventOfferClosed, map[string]string{"request_id": requestID})
	}
	if err := s.Offers.Clear(ctx, requestID); err != nil {
		s.logger.Errorf("dispatch: clear offers %s: %v", requestID, err)
	}
}

func claimable(r repo.Request) bool {
	return fsm.IsOpen(r.Status) && r.DriverID == nil
}
