package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatchBack/internal/logistics/earnings"
	"dispatchBack/internal/logistics/events"
	"dispatchBack/internal/logistics/geo"
	"dispatchBack/internal/logistics/metrics"
	"dispatchBack/internal/logistics/notify"
	"dispatchBack/internal/logistics/otp"
	"dispatchBack/internal/logistics/pricing"
	"dispatchBack/internal/logistics/repo"
)

// Logger is the logging interface used by the service.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Store is the request store.
type Store interface {
	Create(ctx context.Context, req repo.Request) error
	Get(ctx context.Context, id string) (repo.Request, error)
	List(ctx context.Context, f repo.ListFilter) ([]repo.Request, error)
	Assign(ctx context.Context, id string, driverID int64, at time.Time) error
	MarkArrived(ctx context.Context, id string, driverID int64, at time.Time) error
	Start(ctx context.Context, id string, driverID int64, expectedHash, nextHash, nextPhase string, nextExpiry *time.Time, at time.Time) error
	Complete(ctx context.Context, c repo.Completion, gate earnings.Gate) (earnings.Decision, error)
	Cancel(ctx context.Context, c repo.Cancellation) (repo.Request, error)
	Reject(ctx context.Context, id string, driverID int64, at time.Time) error
	Delete(ctx context.Context, id string) error
	Events(ctx context.Context, id string) ([]repo.Event, error)
}

// Drivers reads driver records.
type Drivers interface {
	Get(ctx context.Context, id int64) (repo.Driver, error)
}

// Customers reads customer records.
type Customers interface {
	Get(ctx context.Context, id int64) (repo.Customer, error)
}

// Dispatcher runs candidate searches.
type Dispatcher interface {
	Spawn(requestID string)
	Withdraw(ctx context.Context, requestID string, keep int64)
}

// Channel delivers real-time events.
type Channel interface {
	Send(id int64, event string, payload interface{}) bool
}

// Directory is the geo index of drivers.
type Directory interface {
	SetState(ctx context.Context, driverID int64, category, state string) error
	GoOffline(ctx context.Context, driverID int64, category string) error
	Position(ctx context.Context, driverID int64, category string) (repo.Point, bool, error)
}

// Notifier sends outbound messages without blocking.
type Notifier interface {
	Notify(r notify.Recipient, msg notify.Message)
}

// Codes issues and checks OTPs.
type Codes interface {
	Issue(phase string) (otp.Code, error)
	Verify(hash, phase, storedPhase string, expiresAt *time.Time, input string) error
}

// Config holds service tuning.
type Config struct {
	ParcelDropOTP bool
	FirstRadius   func(kind string) int
	MaxRadius     func(kind string) int
	Fares         pricing.Rules
}

// Deps groups the collaborators of the service.
type Deps struct {
	Store      Store
	Drivers    Drivers
	Customers  Customers
	Dispatcher Dispatcher
	DriverCh   Channel
	CustomerCh Channel
	Directory  Directory
	Router     geo.Router
	Notifier   Notifier
	Events     events.Publisher
	Codes      Codes
	Gate       earnings.Gate
}

// Service applies lifecycle operations on requests.
type Service struct {
	Deps
	cfg    Config
	logger Logger
	now    func() time.Time
}

// New creates a Service.
func New(deps Deps, cfg Config, logger Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	return &Service{Deps: deps, cfg: cfg, logger: logger, now: now}
}

// Roles of callers.
const (
	RoleCustomer = "customer"
	RoleDriver   = "driver"
	RoleAdmin    = "admin"
)

// Actor identifies the caller of an operation.
type Actor struct {
	Role string
	ID   int64
}

func (a Actor) String() string {
	return fmt.Sprintf("%s:%d", a.Role, a.ID)
}

// Channel events sent to participants.
const (
	EventAssigned   = "driver_assigned"
	EventArrived    = "driver_arrived"
	EventStarted    = "trip_started"
	EventCompleted  = "completed"
	EventCancelled  = "cancelled"
	EventPlanStatus = "plan_status"
)

func (s *Service) load(ctx context.Context, id string) (repo.Request, error) {
	req, err := s.Store.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return req, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return req, err
}

// conflict reloads the request and wraps cause with it.
func (s *Service) conflict(ctx context.Context, id string, cause error) error {
	current, err := s.Store.Get(ctx, id)
	if err != nil {
		return &ConflictError{Err: cause}
	}
	return &ConflictError{Err: cause, Current: &current}
}

func (s *Service) publish(ctx context.Context, req repo.Request, from, to string, actor string) {
	metrics.Transitions.WithLabelValues(to).Inc()
	t := events.Transition{
		RequestID:  req.ID,
		Kind:       req.Kind,
		From:       from,
		To:         to,
		CustomerID: req.CustomerID,
		Actor:      actor,
		At:         s.now(),
	}
	if req.DriverID != nil {
		t.DriverID = *req.DriverID
	}
	if err := s.Events.Publish(ctx, t); err != nil {
		s.logger.Errorf("lifecycle: publish %s %s->%s: %v", req.ID, from, to, err)
	}
}

func (s *Service) notifyCustomer(ctx context.Context, customerID int64, msg notify.Message) {
	if s.Notifier == nil || s.Customers == nil {
		return
	}
	c, err := s.Customers.Get(ctx, customerID)
	if err != nil {
		s.logger.Errorf("lifecycle: load customer %d: %v", customerID, err)
		return
	}
	s.Notifier.Notify(notify.Recipient{ID: c.ID, Phone: c.Phone, FCMToken: c.FCMToken}, msg)
}

func (s *Service) notifyDriver(d repo.Driver, msg notify.Message) {
	if s.Notifier == nil {
		return
	}
	s.Notifier.Notify(notify.Recipient{ID: d.ID, Phone: d.Phone, FCMToken: d.FCMToken}, msg)
}

// syncDirectory puts the driver in the geo set matching its stored flags.
func (s *Service) syncDirectory(ctx context.Context, driverID int64, category string) (repo.Driver, error) {
	d, err := s.Drivers.Get(ctx, driverID)
	if err != nil {
		return d, err
	}
	if s.Directory == nil {
		return d, nil
	}
	switch {
	case d.IsOnOrder:
		err = s.Directory.SetState(ctx, driverID, category, geo.StateBusy)
	case d.IsAvailable:
		err = s.Directory.SetState(ctx, driverID, category, geo.StateFree)
	default:
		err = s.Directory.GoOffline(ctx, driverID, category)
	}
	if err != nil {
		s.logger.Errorf("lifecycle: geo state of driver %d: %v", driverID, err)
	}
	return d, nil
}
