package logistics

import (
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"dispatchBack/internal/logistics/events"
	"dispatchBack/internal/logistics/geo"
	"dispatchBack/internal/logistics/notify"
	"dispatchBack/internal/logistics/plans"
	"dispatchBack/internal/logistics/ws"
)

// Logger is the minimal logging interface required by the engine.
type Logger interface {
	Infof(string, ...interface{})
	Errorf(string, ...interface{})
}

// Deps aggregates runtime dependencies for the dispatch engine.
type Deps struct {
	DB       *sql.DB
	DBDriver string
	Redis    *redis.Client
	Logger   Logger
	Config   Config

	// Optional collaborators; nil disables the feature or selects a fallback.
	Router   geo.Router
	Pusher   notify.Pusher
	SMS      notify.SMSSender
	Events   events.Publisher
	Verifier plans.Verifier

	DriverIdentity   ws.IdentityFunc
	CustomerIdentity ws.IdentityFunc
	Migrate          bool
}

// Validate ensures that the deps struct contains the essentials before bootstrapping services.
func (d *Deps) Validate() error {
	if d == nil {
		return fmt.Errorf("logistics deps are nil")
	}
	if d.DB == nil {
		return fmt.Errorf("logistics deps DB is required")
	}
	if d.Redis == nil {
		return fmt.Errorf("logistics deps Redis is required")
	}
	if d.Logger == nil {
		return fmt.Errorf("logistics deps Logger is required")
	}
	if d.Router == nil {
		d.Router = geo.StraightLineRouter{}
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	return nil
}
