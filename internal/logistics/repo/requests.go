package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"

	"dispatchBack/internal/logistics/earnings"
	"dispatchBack/internal/logistics/fsm"
)

const requestColumns = `id, kind, status, customer_id, driver_id,
	pickup_address, pickup_lat, pickup_lon, dropoff_address, dropoff_lat, dropoff_lon, stops,
	vehicle_type, fare_base, fare_distance, fare_time, fare_platform_fee, fare_night, fare_rain,
	fare_toll, fare_discount, fare_total, currency, distance_m, duration_s,
	otp_hash, otp_phase, otp_expires_at, search_radius, max_search_radius, retry_count, rejected_by, parcel,
	requested_at, scheduled_at, last_search_at, driver_assigned_at, driver_arrived_at, picked_up_at,
	completed_at, cancelled_at, money_collected, collection_mode, is_booking_completed,
	cancelled_by, cancel_reason, version`

// RequestsRepo stores requests and their transition log.
type RequestsRepo struct {
	db      *sql.DB
	dialect Dialect
}

// NewRequestsRepo constructs a RequestsRepo.
func NewRequestsRepo(db *sql.DB, dialect Dialect) *RequestsRepo {
	return &RequestsRepo{db: db, dialect: dialect}
}

func (r *RequestsRepo) q(query string) string { return r.dialect.Rebind(query) }

// Create inserts a new request and its creation event.
func (r *RequestsRepo) Create(ctx context.Context, req Request) (err error) {
	stops, err := json.Marshal(req.Stops)
	if err != nil {
		return fmt.Errorf("marshal stops: %w", err)
	}
	rejected, err := json.Marshal(req.RejectedBy)
	if err != nil {
		return fmt.Errorf("marshal rejected_by: %w", err)
	}
	var parcel sql.NullString
	if req.Parcel != nil {
		raw, err := json.Marshal(req.Parcel)
		if err != nil {
			return fmt.Errorf("marshal parcel: %w", err)
		}
		parcel = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO requests (`+requestColumns+`)
		VALUES (`+placeholders(47)+`)`),
		req.ID, req.Kind, req.Status, req.CustomerID, nil,
		req.Pickup.Address, req.Pickup.Point.Lat, req.Pickup.Point.Lon,
		req.Dropoff.Address, req.Dropoff.Point.Lat, req.Dropoff.Point.Lon, string(stops),
		req.VehicleType, req.Fare.Base, req.Fare.Distance, req.Fare.Time, req.Fare.PlatformFee,
		req.Fare.NightSurcharge, req.Fare.RainSurcharge, req.Fare.Toll, req.Fare.Discount, req.Fare.Total,
		req.Fare.Currency, req.DistanceMeters, req.DurationSeconds,
		req.OTPHash, req.OTPPhase, ptrToNullTime(req.OTPExpiresAt),
		req.SearchRadius, req.MaxSearchRadius, req.RetryCount, string(rejected), parcel,
		req.RequestedAt, ptrToNullTime(req.ScheduledAt), nil, nil, nil, nil, nil, nil,
		decimal.Zero, "", false, "", "", 0)
	if err != nil {
		return err
	}
	if err = insertEvent(ctx, tx, r.dialect, Event{RequestID: req.ID, To: req.Status, Actor: "customer", At: req.RequestedAt}); err != nil {
		return err
	}
	return tx.Commit()
}

// Get loads a request by id.
func (r *RequestsRepo) Get(ctx context.Context, id string) (Request, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+requestColumns+` FROM requests WHERE id = ?`), id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return req, err
}

// List returns requests matching f, newest first.
func (r *RequestsRepo) List(ctx context.Context, f ListFilter) ([]Request, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.CustomerID > 0 {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.DriverID > 0 {
		where = append(where, "driver_id = ?")
		args = append(args, f.DriverID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY requested_at DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)
	return r.query(ctx, query, args...)
}

// ListDue returns open requests without a driver whose last search is older than staleBefore
// and which are not scheduled in the future.
func (r *RequestsRepo) ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}
	open := fsm.OpenStatuses()
	return r.query(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE status IN (?, ?) AND driver_id IS NULL
		  AND (scheduled_at IS NULL OR scheduled_at <= ?)
		  AND (last_search_at IS NULL OR last_search_at <= ?)
		ORDER BY requested_at ASC LIMIT ?`,
		open[0], open[1], now, staleBefore, limit)
}

func (r *RequestsRepo) query(ctx context.Context, query string, args ...interface{}) ([]Request, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// UpdateSearch records progress of a search attempt. It applies only while the request
// is still open and unassigned and reports whether it did.
func (r *RequestsRepo) UpdateSearch(ctx context.Context, u SearchUpdate) (applied bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !applied {
			_ = tx.Rollback()
		}
	}()

	from, err := currentStatus(ctx, tx, r.dialect, u.ID)
	if err != nil {
		return false, err
	}
	if !fsm.IsOpen(from) {
		return false, nil
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE requests
		SET status = ?, search_radius = ?, max_search_radius = ?, retry_count = ?, last_search_at = ?, version = version + 1
		WHERE id = ? AND status = ? AND driver_id IS NULL`),
		u.Status, u.Radius, u.MaxRadius, u.RetryCount, u.At, u.ID, from)
	if err != nil {
		return false, err
	}
	if applied, err = exactlyOne(res); err != nil || !applied {
		return false, err
	}
	if from != u.Status {
		if err = insertEvent(ctx, tx, r.dialect, Event{RequestID: u.ID, From: from, To: u.Status, Actor: "system", At: u.At}); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// Assign claims an open request for a driver. The request and the driver flags change in
// one transaction; ErrConflict means the request was no longer claimable, ErrDriverBusy means
// the driver was not free.
func (r *RequestsRepo) Assign(ctx context.Context, id string, driverID int64, at time.Time) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	from, err := currentStatus(ctx, tx, r.dialect, id)
	if err != nil {
		return err
	}
	open := fsm.OpenStatuses()
	res, err := tx.ExecContext(ctx, r.q(`UPDATE requests
		SET driver_id = ?, status = ?, driver_assigned_at = ?, version = version + 1
		WHERE id = ? AND driver_id IS NULL AND status IN (?, ?)`),
		driverID, fsm.StatusDriverAssigned, at, id, open[0], open[1])
	if err != nil {
		return err
	}
	ok, err := exactlyOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}

	res, err = tx.ExecContext(ctx, r.q(`UPDATE drivers SET is_on_order = ?, is_available = ?
		WHERE id = ? AND is_on_order = ? AND is_available = ? AND is_paid = ? AND is_blocked = ?`),
		true, false, driverID, false, true, true, false)
	if err != nil {
		return err
	}
	if ok, err = exactlyOne(res); err != nil {
		return err
	}
	if !ok {
		return ErrDriverBusy
	}

	if err = insertEvent(ctx, tx, r.dialect, Event{RequestID: id, From: from, To: fsm.StatusDriverAssigned, Actor: fmt.Sprintf("driver:%d", driverID), At: at}); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkArrived moves driver_assigned to driver_arrived for the assigned driver.
func (r *RequestsRepo) MarkArrived(ctx context.Context, id string, driverID int64, at time.Time) error {
	return r.transition(ctx, id, driverID, fsm.StatusDriverAssigned, fsm.StatusDriverArrived, at,
		`driver_arrived_at = ?`, at)
}

// Start moves driver_arrived to in_progress. The stored OTP hash must still equal
// expectedHash, so a code can be consumed once. next replaces it (empty clears it).
func (r *RequestsRepo) Start(ctx context.Context, id string, driverID int64, expectedHash, nextHash, nextPhase string, nextExpiry *time.Time, at time.Time) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, r.q(`UPDATE requests
		SET status = ?, picked_up_at = ?, otp_hash = ?, otp_phase = ?, otp_expires_at = ?, version = version + 1
		WHERE id = ? AND status = ? AND driver_id = ? AND otp_hash = ?`),
		fsm.StatusInProgress, at, nextHash, nextPhase, ptrToNullTime(nextExpiry),
		id, fsm.StatusDriverArrived, driverID, expectedHash)
	if err != nil {
		return err
	}
	ok, err := exactlyOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	if err = insertEvent(ctx, tx, r.dialect, Event{RequestID: id, From: fsm.StatusDriverArrived, To: fsm.StatusInProgress, Actor: fmt.Sprintf("driver:%d", driverID), At: at}); err != nil {
		return err
	}
	return tx.Commit()
}

// Complete finishes an in-progress request, releases the driver and runs the earnings
// gate against the driver's plan, all in one transaction.
func (r *RequestsRepo) Complete(ctx context.Context, c Completion, gate earnings.Gate) (decision earnings.Decision, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return decision, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `UPDATE requests
		SET status = ?, completed_at = ?, money_collected = ?, collection_mode = ?, is_booking_completed = ?,
		    otp_hash = '', otp_phase = '', otp_expires_at = NULL, version = version + 1
		WHERE id = ? AND status = ? AND driver_id = ?`
	args := []interface{}{fsm.StatusCompleted, c.At, c.Amount, c.Mode, true, c.ID, fsm.StatusInProgress, c.DriverID}
	if c.RequireOTP {
		query += ` AND otp_hash = ?`
		args = append(args, c.ExpectedOTPHash)
	}
	res, err := tx.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return decision, err
	}
	ok, err := exactlyOne(res)
	if err != nil {
		return decision, err
	}
	if !ok {
		return decision, ErrConflict
	}

	row := tx.QueryRowContext(ctx, r.q(`SELECT is_available, is_paid, recharge_plan, recharge_expiry,
		earning_ceiling, recharge_date, recharge_approved FROM drivers WHERE id = ? FOR UPDATE`), c.DriverID)
	var state earnings.DriverState
	if state.Plan, err = scanPlanRow(row, &state.IsAvailable, &state.IsPaid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrNotFound
		}
		return decision, err
	}

	earned := decimal.Zero
	if state.Plan.RechargedAt != nil {
		err = tx.QueryRowContext(ctx, r.q(`SELECT COALESCE(SUM(CASE WHEN money_collected > 0 THEN money_collected ELSE fare_total END), 0)
			FROM requests WHERE driver_id = ? AND status = ? AND completed_at >= ?`),
			c.DriverID, fsm.StatusCompleted, *state.Plan.RechargedAt).Scan(&earned)
		if err != nil {
			return decision, fmt.Errorf("sum earnings: %w", err)
		}
	}

	// Assign took the driver off the available pool; give it back unless the gate says otherwise.
	state.IsAvailable = state.IsPaid
	decision = gate.Apply(&state, earned, c.At)

	if err = writeDriverState(ctx, tx, r.dialect, c.DriverID, state); err != nil {
		return decision, err
	}
	if err = insertEvent(ctx, tx, r.dialect, Event{RequestID: c.ID, From: fsm.StatusInProgress, To: fsm.StatusCompleted, Actor: fmt.Sprintf("driver:%d", c.DriverID), Note: string(decision.Outcome), At: c.At}); err != nil {
		return decision, err
	}
	return decision, tx.Commit()
}

// Cancel cancels a non-terminal request and frees its driver. It returns the request as it
// was before cancelling. A terminal request yields ErrConflict together with its snapshot.
func (r *RequestsRepo) Cancel(ctx context.Context, c Cancellation) (before Request, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return before, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	before, err = scanRequest(tx.QueryRowContext(ctx, r.q(`SELECT `+requestColumns+` FROM requests WHERE id = ?`), c.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return before, ErrNotFound
	}
	if err != nil {
		return before, err
	}
	if fsm.IsTerminal(before.Status) {
		return before, ErrConflict
	}

	res, err := tx.ExecContext(ctx, r.q(`UPDATE requests
		SET status = ?, cancelled_at = ?, cancelled_by = ?, cancel_reason = ?,
		    otp_hash = '', otp_phase = '', otp_expires_at = NULL, version = version + 1
		WHERE id = ? AND status = ?`),
		fsm.StatusCancelled, c.At, c.By, c.Reason, c.ID, before.Status)
	if err != nil {
		return before, err
	}
	ok, err := exactlyOne(res)
	if err != nil {
		return before, err
	}
	if !ok {
		return before, ErrConflict
	}

	if before.DriverID != nil && fsm.IsActive(before.Status) {
		if _, err = tx.ExecContext(ctx, r.q(`UPDATE drivers SET is_on_order = ?, is_available = is_paid
			WHERE id = ? AND is_on_order = ?`), false, *before.DriverID, true); err != nil {
			return before, err
		}
	}
	if err = insertEvent(ctx, tx, r.dialect, Event{RequestID: c.ID, From: before.Status, To: fsm.StatusCancelled, Actor: c.By, Note: c.Reason, At: c.At}); err != nil {
		return before, err
	}
	return before, tx.Commit()
}

// Reject records that driverID declined the request and bumps the driver's counter.
func (r *RequestsRepo) Reject(ctx context.Context, id string, driverID int64, at time.Time) error {
	for attempt := 0; attempt < 3; attempt++ {
		done, err := r.tryReject(ctx, id, driverID)
		if err != nil || done {
			return err
		}
	}
	return ErrConflict
}

func (r *RequestsRepo) tryReject(ctx context.Context, id string, driverID int64) (done bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !done {
			_ = tx.Rollback()
		}
	}()

	var (
		status  string
		raw     sql.NullString
		version int64
	)
	err = tx.QueryRowContext(ctx, r.q(`SELECT status, rejected_by, version FROM requests WHERE id = ?`), id).Scan(&status, &raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if !fsm.IsOpen(status) {
		return false, ErrConflict
	}
	rejected, err := decodeIDs(raw)
	if err != nil {
		return false, err
	}
	if slices.Contains(rejected, driverID) {
		_ = tx.Rollback()
		return true, nil
	}
	encoded, err := json.Marshal(append(rejected, driverID))
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE requests SET rejected_by = ?, version = version + 1
		WHERE id = ? AND version = ?`), string(encoded), id, version)
	if err != nil {
		return false, err
	}
	ok, err := exactlyOne(res)
	if err != nil || !ok {
		return false, err
	}
	if _, err = tx.ExecContext(ctx, r.q(`UPDATE drivers SET rides_rejected = rides_rejected + 1 WHERE id = ?`), driverID); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Delete hard-deletes a terminal request and its log.
func (r *RequestsRepo) Delete(ctx context.Context, id string) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	status, err := currentStatus(ctx, tx, r.dialect, id)
	if err != nil {
		return err
	}
	if !fsm.IsTerminal(status) {
		return ErrConflict
	}
	if _, err = tx.ExecContext(ctx, r.q(`DELETE FROM request_events WHERE request_id = ?`), id); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, r.q(`DELETE FROM requests WHERE id = ? AND status = ?`), id, status); err != nil {
		return err
	}
	return tx.Commit()
}

// Events returns the transition log of a request in order.
func (r *RequestsRepo) Events(ctx context.Context, id string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT request_id, from_status, to_status, actor, note, created_at
		FROM request_events WHERE request_id = ? ORDER BY created_at ASC, id ASC`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.RequestID, &ev.From, &ev.To, &ev.Actor, &ev.Note, &ev.At); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *RequestsRepo) transition(ctx context.Context, id string, driverID int64, from, to string, at time.Time, set string, setArgs ...interface{}) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	args := append([]interface{}{to}, setArgs...)
	args = append(args, id, from, driverID)
	res, err := tx.ExecContext(ctx, r.q(`UPDATE requests SET status = ?, `+set+`, version = version + 1
		WHERE id = ? AND status = ? AND driver_id = ?`), args...)
	if err != nil {
		return err
	}
	ok, err := exactlyOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	if err = insertEvent(ctx, tx, r.dialect, Event{RequestID: id, From: from, To: to, Actor: fmt.Sprintf("driver:%d", driverID), At: at}); err != nil {
		return err
	}
	return tx.Commit()
}

func currentStatus(ctx context.Context, q queryer, d Dialect, id string) (string, error) {
	var status string
	err := q.QueryRowContext(ctx, d.Rebind(`SELECT status FROM requests WHERE id = ?`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}

func insertEvent(ctx context.Context, q queryer, d Dialect, ev Event) error {
	_, err := q.ExecContext(ctx, d.Rebind(`INSERT INTO request_events (request_id, from_status, to_status, actor, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`), ev.RequestID, ev.From, ev.To, ev.Actor, ev.Note, ev.At)
	return err
}

func scanRequest(s scanner) (Request, error) {
	var (
		req                                      Request
		driverID                                 sql.NullInt64
		stops, rejected, parcel                  sql.NullString
		otpExp, scheduled, lastSearch            sql.NullTime
		assigned, arrived, picked, done, cancels sql.NullTime
	)
	err := s.Scan(&req.ID, &req.Kind, &req.Status, &req.CustomerID, &driverID,
		&req.Pickup.Address, &req.Pickup.Point.Lat, &req.Pickup.Point.Lon,
		&req.Dropoff.Address, &req.Dropoff.Point.Lat, &req.Dropoff.Point.Lon, &stops,
		&req.VehicleType, &req.Fare.Base, &req.Fare.Distance, &req.Fare.Time, &req.Fare.PlatformFee,
		&req.Fare.NightSurcharge, &req.Fare.RainSurcharge, &req.Fare.Toll, &req.Fare.Discount, &req.Fare.Total,
		&req.Fare.Currency, &req.DistanceMeters, &req.DurationSeconds,
		&req.OTPHash, &req.OTPPhase, &otpExp, &req.SearchRadius, &req.MaxSearchRadius, &req.RetryCount, &rejected, &parcel,
		&req.RequestedAt, &scheduled, &lastSearch, &assigned, &arrived, &picked,
		&done, &cancels, &req.MoneyCollected, &req.CollectionMode, &req.IsBookingCompleted,
		&req.CancelledBy, &req.CancelReason, &req.Version)
	if err != nil {
		return Request{}, err
	}
	if driverID.Valid {
		id := driverID.Int64
		req.DriverID = &id
	}
	if stops.Valid && stops.String != "" {
		if err := json.Unmarshal([]byte(stops.String), &req.Stops); err != nil {
			return Request{}, fmt.Errorf("decode stops: %w", err)
		}
	}
	if req.RejectedBy, err = decodeIDs(rejected); err != nil {
		return Request{}, err
	}
	if parcel.Valid && parcel.String != "" {
		req.Parcel = &ParcelDetails{}
		if err := json.Unmarshal([]byte(parcel.String), req.Parcel); err != nil {
			return Request{}, fmt.Errorf("decode parcel: %w", err)
		}
	}
	req.OTPExpiresAt = nullTimeToPtr(otpExp)
	req.ScheduledAt = nullTimeToPtr(scheduled)
	req.LastSearchAt = nullTimeToPtr(lastSearch)
	req.DriverAssignedAt = nullTimeToPtr(assigned)
	req.DriverArrivedAt = nullTimeToPtr(arrived)
	req.PickedUpAt = nullTimeToPtr(picked)
	req.CompletedAt = nullTimeToPtr(done)
	req.CancelledAt = nullTimeToPtr(cancels)
	return req, nil
}

func decodeIDs(raw sql.NullString) ([]int64, error) {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw.String), &ids); err != nil {
		return nil, fmt.Errorf("decode rejected_by: %w", err)
	}
	return ids, nil
}
