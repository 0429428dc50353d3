package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"dispatchBack/internal/logistics/earnings"
	"dispatchBack/internal/logistics/fsm"
)

const driverColumns = `id, name, phone, fcm_token, category, vehicle_type, vehicle_number, rating,
	is_available, is_on_order, is_paid, is_blocked, is_verified, rides_rejected,
	recharge_plan, recharge_expiry, earning_ceiling, recharge_date, recharge_approved, last_notification_sent`

// DriversRepo provides access to driver records.
type DriversRepo struct {
	db      *sql.DB
	dialect Dialect
}

// NewDriversRepo constructs a DriversRepo.
func NewDriversRepo(db *sql.DB, dialect Dialect) *DriversRepo {
	return &DriversRepo{db: db, dialect: dialect}
}

func (r *DriversRepo) q(query string) string { return r.dialect.Rebind(query) }

// Get loads a driver.
func (r *DriversRepo) Get(ctx context.Context, id int64) (Driver, error) {
	d, err := scanDriver(r.db.QueryRowContext(ctx, r.q(`SELECT `+driverColumns+` FROM drivers WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Driver{}, ErrNotFound
	}
	return d, err
}

// Eligible returns the subset of ids that may receive a new offer right now.
func (r *DriversRepo) Eligible(ctx context.Context, ids []int64, category, vehicleType string) (map[int64]Driver, error) {
	out := make(map[int64]Driver, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]interface{}, 0, len(ids)+7)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, true, true, false, false, category, vehicleType, vehicleType)
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+driverColumns+` FROM drivers
		WHERE id IN (`+placeholders(len(ids))+`)
		  AND is_available = ? AND is_paid = ? AND is_on_order = ? AND is_blocked = ?
		  AND category = ? AND (? = '' OR vehicle_type = ?)`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

// SetAvailability toggles is_available. Going online requires a paid, free, unblocked driver.
func (r *DriversRepo) SetAvailability(ctx context.Context, id int64, available bool) error {
	var (
		res sql.Result
		err error
	)
	if available {
		res, err = r.db.ExecContext(ctx, r.q(`UPDATE drivers SET is_available = ?
			WHERE id = ? AND is_paid = ? AND is_on_order = ? AND is_blocked = ?`), true, id, true, false, false)
	} else {
		res, err = r.db.ExecContext(ctx, r.q(`UPDATE drivers SET is_available = ? WHERE id = ?`), false, id)
	}
	if err != nil {
		return err
	}
	ok, err := exactlyOne(res)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if available {
		return ErrDriverBusy
	}
	return nil
}

// Plan returns the driver's recharge data; ok is false when no approved plan exists.
func (r *DriversRepo) Plan(ctx context.Context, id int64) (plan earnings.Plan, ok bool, err error) {
	d, err := r.Get(ctx, id)
	if err != nil {
		return plan, false, err
	}
	if !d.Plan.Approved || d.Plan.RechargedAt == nil {
		return d.Plan, false, nil
	}
	return d.Plan, true, nil
}

// ApplyRecharge installs a new plan and marks the driver paid.
func (r *DriversRepo) ApplyRecharge(ctx context.Context, id int64, plan earnings.Plan) error {
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE drivers
		SET is_paid = ?, recharge_plan = ?, recharge_expiry = ?, earning_ceiling = ?, recharge_date = ?, recharge_approved = ?
		WHERE id = ?`),
		true, plan.Title, ptrToNullTime(plan.Expiry), plan.Ceiling, ptrToNullTime(plan.RechargedAt), plan.Approved, id)
	if err != nil {
		return err
	}
	ok, err := exactlyOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// ListExpiredPaid returns paid drivers whose plan expiry falls on or before the day starting at dayStart.
func (r *DriversRepo) ListExpiredPaid(ctx context.Context, dayStart time.Time) ([]Driver, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+driverColumns+` FROM drivers
		WHERE is_paid = ? AND recharge_expiry IS NOT NULL AND recharge_expiry < ?`),
		true, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ExpirePlan flips a paid driver to unpaid and offline unless already handled today.
func (r *DriversRepo) ExpirePlan(ctx context.Context, id int64, now, dayStart time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE drivers
		SET is_paid = ?, is_available = ?, last_notification_sent = ?
		WHERE id = ? AND is_paid = ? AND (last_notification_sent IS NULL OR last_notification_sent < ?)`),
		false, false, now, id, true, dayStart)
	if err != nil {
		return false, err
	}
	return exactlyOne(res)
}

// ReleaseStale clears is_on_order for drivers that hold no active request.
func (r *DriversRepo) ReleaseStale(ctx context.Context) (int64, error) {
	active := fsm.ActiveStatuses()
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE drivers SET is_on_order = ?, is_available = is_paid
		WHERE is_on_order = ? AND NOT EXISTS (
			SELECT 1 FROM requests WHERE requests.driver_id = drivers.id AND requests.status IN (?, ?, ?))`),
		false, true, active[0], active[1], active[2])
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanDriver(s scanner) (Driver, error) {
	var (
		d        Driver
		fcm      sql.NullString
		vNumber  sql.NullString
		title    sql.NullString
		expiry   sql.NullTime
		ceiling  decimal.Decimal
		recharge sql.NullTime
		approved bool
		notified sql.NullTime
	)
	err := s.Scan(&d.ID, &d.Name, &d.Phone, &fcm, &d.Category, &d.VehicleType, &vNumber, &d.Rating,
		&d.IsAvailable, &d.IsOnOrder, &d.IsPaid, &d.IsBlocked, &d.IsVerified, &d.RidesRejected,
		&title, &expiry, &ceiling, &recharge, &approved, &notified)
	if err != nil {
		return Driver{}, err
	}
	d.FCMToken = fcm.String
	d.VehicleNumber = vNumber.String
	d.Plan = earnings.Plan{
		Title:       title.String,
		Expiry:      nullTimeToPtr(expiry),
		Ceiling:     ceiling,
		RechargedAt: nullTimeToPtr(recharge),
		Approved:    approved,
	}
	d.LastNotificationSent = nullTimeToPtr(notified)
	return d, nil
}

func scanPlanRow(s scanner, available, paid *bool) (earnings.Plan, error) {
	var (
		title    sql.NullString
		expiry   sql.NullTime
		ceiling  decimal.Decimal
		recharge sql.NullTime
		approved bool
	)
	if err := s.Scan(available, paid, &title, &expiry, &ceiling, &recharge, &approved); err != nil {
		return earnings.Plan{}, err
	}
	return earnings.Plan{
		Title:       title.String,
		Expiry:      nullTimeToPtr(expiry),
		Ceiling:     ceiling,
		RechargedAt: nullTimeToPtr(recharge),
		Approved:    approved,
	}, nil
}

func writeDriverState(ctx context.Context, q queryer, d Dialect, id int64, state earnings.DriverState) error {
	_, err := q.ExecContext(ctx, d.Rebind(`UPDATE drivers
		SET is_on_order = ?, is_available = ?, is_paid = ?,
		    recharge_plan = ?, recharge_expiry = ?, earning_ceiling = ?, recharge_date = ?, recharge_approved = ?
		WHERE id = ?`),
		false, state.IsAvailable, state.IsPaid,
		state.Plan.Title, ptrToNullTime(state.Plan.Expiry), state.Plan.Ceiling,
		ptrToNullTime(state.Plan.RechargedAt), state.Plan.Approved, id)
	return err
}
