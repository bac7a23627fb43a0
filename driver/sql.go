package driver

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("driver not found")

type Repository struct {
	db    *sqlx.DB
	cache *LocationCache
}

// NewRepository wraps db. cache may be nil, in which case location reads
// always hit the database.
func NewRepository(db *sqlx.DB, cache *LocationCache) *Repository {
	return &Repository{db: db, cache: cache}
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Driver, error) {
	var d Driver
	err := r.db.GetContext(ctx, &d, getDriver, id)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

const getDriver = `SELECT * FROM drivers WHERE id = $1`

func (r *Repository) GetByAuthID(ctx context.Context, authID string) (Driver, error) {
	var d Driver
	err := r.db.GetContext(ctx, &d, getDriverByAuthID, authID)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

const getDriverByAuthID = `SELECT * FROM drivers WHERE auth_id = $1`

// UpdateStatus runs against ext so callers can pass a transaction and keep
// the status change atomic with their own writes.
func (r *Repository) UpdateStatus(ctx context.Context, ext sqlx.ExtContext, id uuid.UUID, status Status) error {
	res, err := ext.ExecContext(ctx, updateDriverStatus, status, id)
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

const updateDriverStatus = `UPDATE drivers SET status = $1 WHERE id = $2`

// LockStatus reads the driver's status inside tx and blocks concurrent
// writers until the transaction ends.
func (r *Repository) LockStatus(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (Status, error) {
	var status Status
	err := tx.GetContext(ctx, &status, lockDriverStatus, id)
	if errors.Is(err, sql.ErrNoRows) {
		return status, ErrNotFound
	}
	return status, err
}

const lockDriverStatus = `SELECT status FROM drivers WHERE id = $1 FOR UPDATE`

// UpdateLocation stores the pushed position. Location writes run outside
// trip transactions and may race with dispatch reads; a position up to one
// push interval stale is acceptable. Pushing a location brings an OFFLINE
// driver back to AVAILABLE.
func (r *Repository) UpdateLocation(ctx context.Context, id uuid.UUID, lat, lng float64) error {
	res, err := r.db.ExecContext(ctx, updateDriverLocation, lat, lng, id)
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
	if r.cache != nil {
		r.cache.Put(ctx, id, lat, lng)
	}
	return nil
}

const updateDriverLocation = `
UPDATE drivers
SET location = point($1, $2),
    location_updated_at = now(),
    status = CASE WHEN status = 'OFFLINE' THEN 'AVAILABLE' ELSE status END
WHERE id = $3
`

// CurrentLocation prefers the cache and falls back to the stored row.
func (r *Repository) CurrentLocation(ctx context.Context, id uuid.UUID) (lat, lng float64, err error) {
	if r.cache != nil {
		if lat, lng, ok := r.cache.Get(ctx, id); ok {
			return lat, lng, nil
		}
	}
	d, err := r.Get(ctx, id)
	if err != nil {
		return 0, 0, err
	}
	lat, lng, ok := d.Position()
	if !ok {
		return 0, 0, ErrNotFound
	}
	return lat, lng, nil
}

// Candidate is a driver eligible for a trip offer.
type Candidate struct {
	ID        uuid.UUID `db:"id"`
	Lat       float64   `db:"lat"`
	Lng       float64   `db:"lng"`
	DistanceM float64   `db:"distance_m"`
}

// FindNearby returns available drivers within radiusM metres of the pickup
// point, closest first. Drivers who already rejected or abandoned the given
// trip are excluded so redispatch never re-offers to them.
func (r *Repository) FindNearby(ctx context.Context, tripID uuid.UUID, lat, lng, radiusM float64, limit int) ([]Candidate, error) {
	var out []Candidate
	err := r.db.SelectContext(ctx, &out, findNearbyDrivers, lat, lng, radiusM, tripID, limit)
	return out, err
}

const findNearbyDrivers = `
SELECT id, lat, lng, distance_m FROM (
    SELECT d.id,
           d.location[0] AS lat,
           d.location[1] AS lng,
           2 * 6371000 * asin(sqrt(
               pow(sin(radians(d.location[0] - $1) / 2), 2) +
               cos(radians($1)) * cos(radians(d.location[0])) *
               pow(sin(radians(d.location[1] - $2) / 2), 2)
           )) AS distance_m
    FROM drivers d
    WHERE d.status = 'AVAILABLE'
      AND d.location IS NOT NULL
      AND NOT EXISTS (
          SELECT 1 FROM trip_logs l
          WHERE l.trip_id = $4
            AND l.driver_id = d.id
            AND l.status IN ('REJECTED', 'CANCELED_BY_DRIVER')
      )
) candidates
WHERE distance_m <= $3
ORDER BY distance_m
LIMIT $5
`

// Position is a stored driver coordinate, used to warm the map index at
// startup.
type Position struct {
	ID  uuid.UUID `db:"id"`
	Lat float64   `db:"lat"`
	Lng float64   `db:"lng"`
}

func (r *Repository) AllPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := r.db.SelectContext(ctx, &out, allDriverPositions)
	return out, err
}

const allDriverPositions = `
SELECT id, location[0] AS lat, location[1] AS lng
FROM drivers
WHERE location IS NOT NULL AND status <> 'OFFLINE'
`
