package logistics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dispatchBack/internal/logistics/dispatch"
	"dispatchBack/internal/logistics/earnings"
	"dispatchBack/internal/logistics/geo"
	logisticshttp "dispatchBack/internal/logistics/http"
	"dispatchBack/internal/logistics/lifecycle"
	"dispatchBack/internal/logistics/notify"
	"dispatchBack/internal/logistics/otp"
	"dispatchBack/internal/logistics/repo"
	"dispatchBack/internal/logistics/sweeper"
	"dispatchBack/internal/logistics/timeutil"
	"dispatchBack/internal/logistics/ws"
)

const locationTimeout = 3 * time.Second

// Engine is the wired dispatch engine.
type Engine struct {
	Server      *logisticshttp.Server
	DriverHub   *ws.Hub
	CustomerHub *ws.Hub
	Service     *lifecycle.Service
	Fleet       *lifecycle.Fleet

	searcher *dispatch.Searcher
	sweeper  *sweeper.Sweeper
	notifier *notify.Notifier
	deps     *Deps
	wg       sync.WaitGroup
}

// Bootstrap builds the engine. Search tasks started by the engine live as long as ctx.
func Bootstrap(ctx context.Context, deps *Deps) (*Engine, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	cfg := deps.Config
	timeutil.SetZone(cfg.Timezone)

	if deps.Migrate {
		if err := repo.Migrate(ctx, deps.DB); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	dialect := repo.DialectFor(deps.DBDriver)
	requests := repo.NewRequestsRepo(deps.DB, dialect)
	drivers := repo.NewDriversRepo(deps.DB, dialect)
	customers := repo.NewCustomersRepo(deps.DB, dialect)
	directory := geo.NewDirectory(deps.Redis)

	e := &Engine{deps: deps}
	e.notifier = notify.New(deps.Pusher, deps.SMS, deps.Logger)
	e.Fleet = lifecycle.NewFleet(drivers, directory, deps.Verifier, deps.Logger)
	e.DriverHub = ws.NewHub("driver", "driver_id", deps.DriverIdentity, e.onDriverMessage, deps.Logger)
	e.CustomerHub = ws.NewHub("customer", "customer_id", deps.CustomerIdentity, nil, deps.Logger)

	e.searcher = dispatch.NewSearcher(ctx, dispatch.Deps{
		Requests:  requests,
		Drivers:   drivers,
		Finder:    directory,
		DriverCh:  e.DriverHub,
		Customers: e.CustomerHub,
		Locker:    dispatch.NewRedisLocker(deps.Redis),
		Offers:    dispatch.NewRedisOfferLog(deps.Redis),
	}, cfg.Dispatch, deps.Logger)

	e.Service = lifecycle.New(lifecycle.Deps{
		Store:      requests,
		Drivers:    drivers,
		Customers:  customers,
		Dispatcher: e.searcher,
		DriverCh:   e.DriverHub,
		CustomerCh: e.CustomerHub,
		Directory:  directory,
		Router:     deps.Router,
		Notifier:   e.notifier,
		Events:     deps.Events,
		Codes:      otp.New(cfg.OTPLength, cfg.OTPTTL),
		Gate:       earnings.NewGate(cfg.LowBalance),
	}, lifecycle.Config{
		ParcelDropOTP: cfg.ParcelDropOTP,
		FirstRadius:   func(kind string) int { return cfg.Dispatch.RadiusAt(kind, 0) },
		MaxRadius:     cfg.Dispatch.MaxRadius,
		Fares:         cfg.Fares,
	}, deps.Logger, timeutil.Now)

	e.sweeper = sweeper.New(drivers, directory, e.notifier, cfg.QuietHours, cfg.SweepInterval, deps.Logger)
	e.Server = logisticshttp.NewServer(deps.Logger, e.Service, e.Fleet)
	return e, nil
}

// StartWorkers launches the rescan worker and the sweeper. Both stop with ctx.
func (e *Engine) StartWorkers(ctx context.Context) {
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.searcher.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.sweeper.Run(ctx)
	}()
}

// Wait blocks until workers, search tasks and pending notifications finish.
func (e *Engine) Wait() {
	e.wg.Wait()
	e.searcher.Wait()
	e.notifier.Wait()
	if err := e.deps.Events.Close(); err != nil {
		e.deps.Logger.Errorf("logistics: close event publisher: %v", err)
	}
}

func (e *Engine) onDriverMessage(driverID int64, msg ws.Inbound) {
	if msg.Event != "location" {
		return
	}
	var p repo.Point
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		e.DriverHub.Send(driverID, "error", map[string]string{"message": "invalid location"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), locationTimeout)
	defer cancel()
	if _, err := e.Fleet.UpdateLocation(ctx, driverID, p); err != nil {
		e.deps.Logger.Errorf("logistics: ws location of driver %d: %v", driverID, err)
	}
}
