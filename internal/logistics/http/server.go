package http

import (
	"context"

	"dispatchBack/internal/logistics/earnings"
	"dispatchBack/internal/logistics/lifecycle"
	"dispatchBack/internal/logistics/repo"
)

// Logger captures the logging contract required by the server.
type Logger interface {
	Infof(string, ...interface{})
	Errorf(string, ...interface{})
}

// Requests is the request lifecycle as used by the handlers.
type Requests interface {
	Create(ctx context.Context, in lifecycle.CreateInput) (lifecycle.Created, error)
	Status(ctx context.Context, id string, viewer lifecycle.Actor) (lifecycle.StatusView, error)
	List(ctx context.Context, viewer lifecycle.Actor, f repo.ListFilter) ([]repo.Request, error)
	Accept(ctx context.Context, id string, driverID int64) (repo.Request, error)
	Reject(ctx context.Context, id string, driverID int64) error
	Arrive(ctx context.Context, id string, driverID int64) (repo.Request, error)
	Start(ctx context.Context, id string, driverID int64, code string) (repo.Request, error)
	Complete(ctx context.Context, in lifecycle.CompleteInput) (lifecycle.Completed, error)
	Cancel(ctx context.Context, in lifecycle.CancelInput) (repo.Request, error)
	Delete(ctx context.Context, id string, by lifecycle.Actor) error
}

// Fleet is the set of driver operations outside a request.
type Fleet interface {
	UpdateLocation(ctx context.Context, driverID int64, p repo.Point) (bool, error)
	SetAvailability(ctx context.Context, driverID int64, available bool) (repo.Driver, error)
	Recharge(ctx context.Context, driverID int64, paymentID string) (earnings.Plan, error)
	Plan(ctx context.Context, driverID int64) (lifecycle.PlanView, error)
	Nearby(ctx context.Context, p repo.Point, radiusMeters int, category string) (int, error)
}

// Server provides HTTP handlers for ride and parcel requests.
type Server struct {
	logger   Logger
	requests Requests
	fleet    Fleet
}

// NewServer constructs a Server instance.
func NewServer(logger Logger, requests Requests, fleet Fleet) *Server {
	return &Server{logger: logger, requests: requests, fleet: fleet}
}

type actorKey struct{}

// WithActor stores the authenticated caller in ctx.
func WithActor(ctx context.Context, a lifecycle.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the caller stored by WithActor.
func ActorFrom(ctx context.Context) (lifecycle.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(lifecycle.Actor)
	return a, ok && a.ID > 0
}
