package trip

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Trip, error) {
	var t Trip
	err := r.db.GetContext(ctx, &t, getTrip, id)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

const getTrip = `SELECT * FROM trips WHERE id = $1`

// GetForUpdate locks the trip row inside tx. Every state transition goes
// through this lock, which serialises concurrent transitions on one trip.
func (r *Repository) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (Trip, error) {
	var t Trip
	err := tx.GetContext(ctx, &t, getTripForUpdate, id)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

const getTripForUpdate = `SELECT * FROM trips WHERE id = $1 FOR UPDATE`

func (r *Repository) Insert(ctx context.Context, ext sqlx.ExtContext, t *Trip) error {
	rows, err := ext.QueryxContext(ctx, insertTrip,
		t.ID, t.CustomerID, t.OperatorID, t.OutsideCustomerName, t.OutsideCustomerPhone,
		t.StartLocation.P.X, t.StartLocation.P.Y, t.ToLocation.P.X, t.ToLocation.P.Y,
		t.StartAddress, t.ToAddress,
		t.DistanceM, t.EstimatedDuration, t.PricePaid, t.DriverEarn)
	if err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		return sql.ErrNoRows
	}
	return rows.StructScan(t)
}

const insertTrip = `
INSERT INTO trips (id, customer_id, operator_id, outside_customer_name, outside_customer_phone,
                   start_location, to_location, start_address, to_address,
                   distance_m, estimated_duration, price_paid, driver_earn,
                   status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, point($6, $7), point($8, $9), $10, $11, $12, $13, $14, $15,
        'AVAILABLE', now(), now())
RETURNING *
`

func (r *Repository) UpdateStatus(ctx context.Context, ext sqlx.ExtContext, id uuid.UUID, status Status) error {
	return execOne(ctx, ext, updateTripStatus, status, id)
}

const updateTripStatus = `UPDATE trips SET status = $1, updated_at = now() WHERE id = $2`

// AssignDriver moves an AVAILABLE trip to PENDING for the given driver. The
// status guard in the query makes concurrent assignment of the same trip
// fail cleanly with ErrPrecondition.
func (r *Repository) AssignDriver(ctx context.Context, ext sqlx.ExtContext, tripID, driverID uuid.UUID) error {
	res, err := ext.ExecContext(ctx, assignDriver, driverID, tripID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPrecondition
	}
	return nil
}

const assignDriver = `
UPDATE trips SET driver_id = $1, status = 'PENDING', updated_at = now()
WHERE id = $2 AND status = 'AVAILABLE'
`

// ClearDriver returns the trip to the dispatch queue with no driver.
func (r *Repository) ClearDriver(ctx context.Context, ext sqlx.ExtContext, tripID uuid.UUID) error {
	return execOne(ctx, ext, clearDriver, tripID)
}

const clearDriver = `
UPDATE trips SET driver_id = NULL, status = 'AVAILABLE', updated_at = now() WHERE id = $1
`

func (r *Repository) MarkDriving(ctx context.Context, ext sqlx.ExtContext, id uuid.UUID) error {
	return execOne(ctx, ext, markDriving, id)
}

const markDriving = `
UPDATE trips SET status = 'DRIVING', start_at = now(), updated_at = now() WHERE id = $1
`

func (r *Repository) Finish(ctx context.Context, ext sqlx.ExtContext, id uuid.UUID) error {
	return execOne(ctx, ext, finishTrip, id)
}

const finishTrip = `
UPDATE trips SET status = 'FINISHED', end_at = now(), updated_at = now() WHERE id = $1
`

// Rate records the customer's rating. The guard enforces one rating per
// finished trip without a separate read.
func (r *Repository) Rate(ctx context.Context, id uuid.UUID, rating int, comment string) error {
	res, err := r.db.ExecContext(ctx, rateTrip, rating, comment, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		t, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if t.Rating.Valid {
			return ErrAlreadyRated
		}
		return ErrPrecondition
	}
	return nil
}

const rateTrip = `
UPDATE trips SET rating = $1, rating_comment = NULLIF($2, ''), updated_at = now()
WHERE id = $3 AND status = 'FINISHED' AND rating IS NULL
`

// AppendLog writes one audit entry. Location is optional.
func (r *Repository) AppendLog(ctx context.Context, ext sqlx.ExtContext, l Log) error {
	var lat, lng *float64
	if l.Location.Valid {
		lat, lng = &l.Location.P.X, &l.Location.P.Y
	}
	_, err := ext.ExecContext(ctx, appendLog, uuid.New(), l.TripID, l.DriverID, l.Status, lat, lng, l.Route)
	return err
}

const appendLog = `
INSERT INTO trip_logs (id, trip_id, driver_id, status, location, route, created_at)
VALUES ($1, $2, $3, $4,
        CASE WHEN $5::float8 IS NULL THEN NULL ELSE point($5, $6) END,
        $7, now())
`

// Logs returns the trip's audit entries, newest first, optionally filtered
// by status.
func (r *Repository) Logs(ctx context.Context, tripID uuid.UUID, statuses ...LogStatus) ([]Log, error) {
	var logs []Log
	if len(statuses) == 0 {
		err := r.db.SelectContext(ctx, &logs, getLogs, tripID)
		return logs, err
	}

	query, args, err := sqlx.In(getLogsByStatus, tripID, statuses)
	if err != nil {
		return nil, err
	}
	err = r.db.SelectContext(ctx, &logs, r.db.Rebind(query), args...)
	return logs, err
}

const getLogs = `SELECT * FROM trip_logs WHERE trip_id = $1 ORDER BY created_at DESC`

const getLogsByStatus = `
SELECT * FROM trip_logs WHERE trip_id = ? AND status IN (?) ORDER BY created_at DESC
`

// LatestRouteLog returns the most recent entry that carries a driver route,
// or ErrNotFound when no route was ever recorded.
func (r *Repository) LatestRouteLog(ctx context.Context, tripID uuid.UUID) (Log, error) {
	logs, err := r.Logs(ctx, tripID,
		LogRouteOnTheWayChanged, LogRouteDrivingChanged, LogOnTheWay, LogDriving)
	if err != nil {
		return Log{}, err
	}
	for _, l := range logs {
		if len(l.Route) > 0 {
			return l, nil
		}
	}
	return Log{}, ErrNotFound
}

// CurrentForCustomer returns the customer's non-terminal trip, if any.
func (r *Repository) CurrentForCustomer(ctx context.Context, customerID uuid.UUID) (Trip, error) {
	var t Trip
	err := r.db.GetContext(ctx, &t, currentForCustomer, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

const currentForCustomer = `
SELECT * FROM trips
WHERE customer_id = $1
  AND status NOT IN ('FINISHED', 'CANCELED', 'CANCELED_BY_DRIVER')
ORDER BY created_at DESC
LIMIT 1
`

func (r *Repository) CurrentForDriver(ctx context.Context, driverID uuid.UUID) (Trip, error) {
	var t Trip
	err := r.db.GetContext(ctx, &t, currentForDriver, driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

const currentForDriver = `
SELECT * FROM trips
WHERE driver_id = $1
  AND status NOT IN ('FINISHED', 'CANCELED', 'CANCELED_BY_DRIVER')
ORDER BY created_at DESC
LIMIT 1
`

// DriverHasActiveTrip reports whether the driver is already mid-trip on
// another trip. PENDING does not count, the driver may hold several offers
// over time but only ever drives one trip.
func (r *Repository) DriverHasActiveTrip(ctx context.Context, ext sqlx.ExtContext, driverID, exceptTripID uuid.UUID) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, ext, &exists, driverHasActiveTrip, driverID, exceptTripID)
	return exists, err
}

const driverHasActiveTrip = `
SELECT EXISTS (
    SELECT 1 FROM trips
    WHERE driver_id = $1 AND id <> $2
      AND status IN ('ON_THE_WAY', 'WAITING_FOR_CUSTOMER', 'DRIVING')
)
`

// ListFilter narrows the operator trip list.
type ListFilter struct {
	OperatorID string
	// Search matches the walk-in customer name, case-insensitively.
	Search string
	Limit  int
	Offset int
}

// List returns trips for the back office, newest first. The second return
// value reports whether more rows exist past the requested page.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]Trip, bool, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}

	var trips []Trip
	err := r.db.SelectContext(ctx, &trips, listTrips,
		sql.NullString{String: f.OperatorID, Valid: f.OperatorID != ""},
		sql.NullString{String: f.Search, Valid: f.Search != ""},
		f.Limit+1, f.Offset)
	if err != nil {
		return nil, false, err
	}

	hasNext := len(trips) > f.Limit
	if hasNext {
		trips = trips[:f.Limit]
	}
	return trips, hasNext, nil
}

const listTrips = `
SELECT * FROM trips
WHERE ($1::text IS NULL OR operator_id = $1)
  AND ($2::text IS NULL OR outside_customer_name ILIKE '%' || $2 || '%')
ORDER BY created_at DESC
LIMIT $3 OFFSET $4
`

func (r *Repository) HistoryForDriver(ctx context.Context, driverID uuid.UUID) ([]Trip, error) {
	var trips []Trip
	err := r.db.SelectContext(ctx, &trips, historyForDriver, driverID)
	return trips, err
}

const historyForDriver = `
SELECT * FROM trips
WHERE driver_id = $1
  AND status IN ('FINISHED', 'CANCELED', 'CANCELED_BY_DRIVER')
ORDER BY created_at DESC
LIMIT 100
`

func (r *Repository) HistoryForCustomer(ctx context.Context, customerID uuid.UUID) ([]Trip, error) {
	var trips []Trip
	err := r.db.SelectContext(ctx, &trips, historyForCustomer, customerID)
	return trips, err
}

const historyForCustomer = `
SELECT * FROM trips
WHERE customer_id = $1
  AND status IN ('FINISHED', 'CANCELED', 'CANCELED_BY_DRIVER')
ORDER BY created_at DESC
LIMIT 100
`

// Earnings summarises a driver's finished trips since a point in time.
type Earnings struct {
	Trips     int     `db:"trips"`
	DistanceM int     `db:"distance_m"`
	Total     float64 `db:"total"`
}

func (r *Repository) EarningsForDriver(ctx context.Context, driverID uuid.UUID, since time.Time) (Earnings, error) {
	var e Earnings
	err := r.db.GetContext(ctx, &e, earningsForDriver, driverID, since)
	return e, err
}

const earningsForDriver = `
SELECT count(*) AS trips,
       COALESCE(sum(distance_m), 0) AS distance_m,
       COALESCE(sum(driver_earn), 0) AS total
FROM trips
WHERE driver_id = $1 AND status = 'FINISHED' AND end_at >= $2
`

func execOne(ctx context.Context, ext sqlx.ExtContext, query string, args ...any) error {
	res, err := ext.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
