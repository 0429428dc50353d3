// Package sweeper expires recharge plans and repairs driver flags on a fixed interval.
package sweeper

import (
	"context"
	"time"

	"dispatchBack/internal/logistics/metrics"
	"dispatchBack/internal/logistics/notify"
	"dispatchBack/internal/logistics/repo"
	"dispatchBack/internal/logistics/timeutil"
)

const runTimeout = 30 * time.Second

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type Drivers interface {
	ListExpiredPaid(ctx context.Context, dayStart time.Time) ([]repo.Driver, error)
	ExpirePlan(ctx context.Context, id int64, now, dayStart time.Time) (bool, error)
	ReleaseStale(ctx context.Context) (int64, error)
}

type Directory interface {
	GoOffline(ctx context.Context, driverID int64, category string) error
}

type Notifier interface {
	Notify(r notify.Recipient, msg notify.Message)
}

// Report summarises one pass.
type Report struct {
	Expired  int
	Notified int
	Released int64
}

type Sweeper struct {
	drivers  Drivers
	dir      Directory
	notifier Notifier
	quiet    QuietHours
	interval time.Duration
	logger   Logger
	now      func() time.Time
}

// New creates a Sweeper. dir and notifier may be nil.
func New(drivers Drivers, dir Directory, notifier Notifier, quiet QuietHours, interval time.Duration, logger Logger) *Sweeper {
	return &Sweeper{
		drivers:  drivers,
		dir:      dir,
		notifier: notifier,
		quiet:    quiet,
		interval: interval,
		logger:   logger,
		now:      timeutil.Now,
	}
}

// RunOnce expires every paid plan that ran out by today. A driver already handled
// today is skipped by the store, so repeated passes on the same day change nothing.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	now := s.now().In(timeutil.Location())
	dayStart := timeutil.StartOfDay(now)

	expired, err := s.drivers.ListExpiredPaid(ctx, dayStart)
	if err != nil {
		return rep, err
	}
	muted := s.quiet.Contains(now)
	for _, d := range expired {
		changed, err := s.drivers.ExpirePlan(ctx, d.ID, now, dayStart)
		if err != nil {
			s.logger.Errorf("sweeper: expire plan of driver %d: %v", d.ID, err)
			continue
		}
		if !changed {
			continue
		}
		rep.Expired++
		metrics.PlansExpired.Inc()
		s.logger.Infof("sweeper: plan of driver %d expired, driver set offline", d.ID)

		if s.dir != nil {
			if err := s.dir.GoOffline(ctx, d.ID, d.Category); err != nil {
				s.logger.Errorf("sweeper: geo offline for driver %d: %v", d.ID, err)
			}
		}
		if muted || s.notifier == nil {
			continue
		}
		s.notifier.Notify(notify.Recipient{ID: d.ID, Phone: d.Phone, FCMToken: d.FCMToken}, notify.Message{
			Title: "Plan expired",
			Body:  "Your plan has expired. Recharge to keep receiving orders.",
			Data:  map[string]string{"event": "plan_expired"},
		})
		rep.Notified++
	}

	released, err := s.drivers.ReleaseStale(ctx)
	if err != nil {
		s.logger.Errorf("sweeper: release stale drivers: %v", err)
	} else if released > 0 {
		rep.Released = released
		s.logger.Infof("sweeper: released %d drivers without an active request", released)
	}
	return rep, nil
}

// Run calls RunOnce immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	run := func() {
		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()
		if _, err := s.RunOnce(runCtx); err != nil {
			s.logger.Errorf("sweeper: %v", err)
		}
	}

	run()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
