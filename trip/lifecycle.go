package trip

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jmoiron/sqlx"

	"github.com/openride/trips-backend/customer"
	"github.com/openride/trips-backend/driver"
	"github.com/openride/trips-backend/eventbus"
	"github.com/openride/trips-backend/mapapi"
)

// Lifecycle runs every trip state transition. Each transition is one
// database transaction: the trip row is locked first, preconditions are
// checked under the lock, and trip, driver, customer and audit writes
// commit together or not at all.
type Lifecycle struct {
	db        *sqlx.DB
	trips     *Repository
	drivers   *driver.Repository
	customers *customer.Repository
	maps      mapapi.Gateway
	bus       eventbus.Publisher
	price     PriceConfig
}

func NewLifecycle(db *sqlx.DB, trips *Repository, drivers *driver.Repository,
	customers *customer.Repository, maps mapapi.Gateway, bus eventbus.Publisher,
	price PriceConfig) *Lifecycle {
	return &Lifecycle{
		db:        db,
		trips:     trips,
		drivers:   drivers,
		customers: customers,
		maps:      maps,
		bus:       bus,
		price:     price,
	}
}

type Estimate struct {
	DistanceM         int     `json:"distanceM"`
	DistanceText      string  `json:"distanceText"`
	EstimatedDuration int     `json:"estimatedDuration"`
	DurationText      string  `json:"durationText"`
	Price             float64 `json:"price"`
}

// Quote prices a prospective trip without creating anything.
func (l *Lifecycle) Quote(ctx context.Context, start, to mapapi.LatLng) (Estimate, error) {
	el, err := l.maps.DistanceMatrix(ctx, start, to)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{
		DistanceM:         el.Distance.Value,
		DistanceText:      el.Distance.Text,
		EstimatedDuration: el.Duration.Value,
		DurationText:      el.Duration.Text,
		Price:             l.price.Price(el.Distance.Value),
	}, nil
}

// CreateParams describes a new trip request. Either CustomerID or the
// operator fields are set, never both.
type CreateParams struct {
	CustomerID uuid.NullUUID

	OperatorID           string
	OutsideCustomerName  string
	OutsideCustomerPhone string

	Start        mapapi.LatLng
	To           mapapi.LatLng
	StartAddress string
	ToAddress    string
}

// Create prices the trip, persists it as AVAILABLE and hands it to
// dispatch. A customer with a trip already underway gets ErrPrecondition.
func (l *Lifecycle) Create(ctx context.Context, p CreateParams) (Trip, error) {
	el, err := l.maps.DistanceMatrix(ctx, p.Start, p.To)
	if err != nil {
		return Trip{}, err
	}
	price := l.price.Price(el.Distance.Value)

	t := Trip{
		ID:                   uuid.New(),
		CustomerID:           p.CustomerID,
		OperatorID:           nullString(p.OperatorID),
		OutsideCustomerName:  nullString(p.OutsideCustomerName),
		OutsideCustomerPhone: nullString(p.OutsideCustomerPhone),
		StartLocation:        point(p.Start),
		ToLocation:           point(p.To),
		StartAddress:         nullString(p.StartAddress),
		ToAddress:            nullString(p.ToAddress),
		DistanceM:            el.Distance.Value,
		EstimatedDuration:    el.Duration.Value,
		PricePaid:            price,
		DriverEarn:           l.price.Earn(price),
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return Trip{}, err
	}
	defer tx.Rollback()

	if p.CustomerID.Valid {
		status, err := l.customers.LockStatus(ctx, tx, p.CustomerID.UUID)
		if err != nil {
			return Trip{}, err
		}
		if status != customer.StatusAvailable {
			return Trip{}, fmt.Errorf("%w: customer already has a trip underway", ErrPrecondition)
		}
	}

	if err := l.trips.Insert(ctx, tx, &t); err != nil {
		return Trip{}, err
	}
	if err := l.trips.AppendLog(ctx, tx, Log{TripID: t.ID, Status: LogAvailable}); err != nil {
		return Trip{}, err
	}
	if err := tx.Commit(); err != nil {
		return Trip{}, err
	}

	// The trip exists either way; a failed publish only delays dispatch, so
	// it is logged rather than surfaced to the caller.
	if err := l.bus.Publish(ctx, eventbus.TripCreated{TripID: t.ID}); err != nil {
		slog.ErrorContext(ctx, "publish trip.created failed", "trip_id", t.ID, "error", err)
	}
	return t, nil
}

// Assign offers an AVAILABLE trip to an AVAILABLE driver. Called by the
// dispatch coordinator, never by a request handler.
func (l *Lifecycle) Assign(ctx context.Context, tripID, driverID uuid.UUID) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := l.trips.GetForUpdate(ctx, tx, tripID)
	if err != nil {
		return err
	}
	if t.Status != StatusAvailable {
		return fmt.Errorf("%w: trip is %s", ErrPrecondition, t.Status)
	}

	status, err := l.drivers.LockStatus(ctx, tx, driverID)
	if err != nil {
		return err
	}
	if status != driver.StatusAvailable {
		return fmt.Errorf("%w: driver is %s", ErrPrecondition, status)
	}

	if err := l.trips.AssignDriver(ctx, tx, tripID, driverID); err != nil {
		return err
	}
	if err := l.drivers.UpdateStatus(ctx, tx, driverID, driver.StatusBusy); err != nil {
		return err
	}
	if err := l.trips.AppendLog(ctx, tx, Log{
		TripID:   tripID,
		DriverID: uuid.NullUUID{UUID: driverID, Valid: true},
		Status:   LogPending,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// DriverAccept confirms a pending offer and puts the driver on the way.
func (l *Lifecycle) DriverAccept(ctx context.Context, tripID, driverID uuid.UUID, at *mapapi.LatLng) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := l.guardDriver(ctx, tx, tripID, driverID, StatusPending); err != nil {
		return err
	}

	active, err := l.trips.DriverHasActiveTrip(ctx, tx, driverID, tripID)
	if err != nil {
		return err
	}
	if active {
		return fmt.Errorf("%w: driver already has a trip underway", ErrPrecondition)
	}

	if err := l.trips.UpdateStatus(ctx, tx, tripID, StatusOnTheWay); err != nil {
		return err
	}
	if err := l.appendDriverLog(ctx, tx, tripID, driverID, LogOnTheWay, at); err != nil {
		return err
	}
	return tx.Commit()
}

// DriverReject declines a pending offer and returns the trip to the queue.
// The REJECTED log entry keeps this driver out of redispatch for this trip.
func (l *Lifecycle) DriverReject(ctx context.Context, tripID, driverID uuid.UUID) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := l.guardDriver(ctx, tx, tripID, driverID, StatusPending); err != nil {
		return err
	}

	if err := l.trips.ClearDriver(ctx, tx, tripID); err != nil {
		return err
	}
	if err := l.drivers.UpdateStatus(ctx, tx, driverID, driver.StatusAvailable); err != nil {
		return err
	}
	if err := l.appendDriverLog(ctx, tx, tripID, driverID, LogRejected, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if err := l.bus.Publish(ctx, eventbus.TripDriverRejected{TripID: tripID, DriverID: driverID}); err != nil {
		slog.ErrorContext(ctx, "publish trip.driver.rejected failed", "trip_id", tripID, "error", err)
	}
	return nil
}

// DriverReachedStart marks arrival at the pickup point.
func (l *Lifecycle) DriverReachedStart(ctx context.Context, tripID, driverID uuid.UUID, at *mapapi.LatLng) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := l.guardDriver(ctx, tx, tripID, driverID, StatusOnTheWay); err != nil {
		return err
	}
	if err := l.trips.UpdateStatus(ctx, tx, tripID, StatusWaitingForCustomer); err != nil {
		return err
	}
	if err := l.appendDriverLog(ctx, tx, tripID, driverID, LogWaitingForCustomer, at); err != nil {
		return err
	}
	return tx.Commit()
}

// DriverStartTrip begins the ride. The customer goes BUSY until the trip
// ends.
func (l *Lifecycle) DriverStartTrip(ctx context.Context, tripID, driverID uuid.UUID, at *mapapi.LatLng) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := l.guardDriver(ctx, tx, tripID, driverID, StatusWaitingForCustomer)
	if err != nil {
		return err
	}

	if err := l.trips.MarkDriving(ctx, tx, tripID); err != nil {
		return err
	}
	if t.CustomerID.Valid {
		if err := l.customers.UpdateStatus(ctx, tx, t.CustomerID.UUID, customer.StatusBusy); err != nil {
			return err
		}
	}
	if err := l.appendDriverLog(ctx, tx, tripID, driverID, LogDriving, at); err != nil {
		return err
	}
	return tx.Commit()
}

// DriverReachedTo completes the trip. The driver goes OFFLINE until they
// push a location again; the customer is freed.
func (l *Lifecycle) DriverReachedTo(ctx context.Context, tripID, driverID uuid.UUID, at *mapapi.LatLng) (Trip, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return Trip{}, err
	}
	defer tx.Rollback()

	t, err := l.guardDriver(ctx, tx, tripID, driverID, StatusDriving)
	if err != nil {
		return Trip{}, err
	}

	if err := l.trips.Finish(ctx, tx, tripID); err != nil {
		return Trip{}, err
	}
	if err := l.drivers.UpdateStatus(ctx, tx, driverID, driver.StatusOffline); err != nil {
		return Trip{}, err
	}
	if t.CustomerID.Valid {
		if err := l.customers.UpdateStatus(ctx, tx, t.CustomerID.UUID, customer.StatusAvailable); err != nil {
			return Trip{}, err
		}
	}
	if err := l.appendDriverLog(ctx, tx, tripID, driverID, LogFinished, at); err != nil {
		return Trip{}, err
	}
	if err := tx.Commit(); err != nil {
		return Trip{}, err
	}

	t.Status = StatusFinished
	return t, nil
}

// DriverCancel abandons a trip before pickup. The trip returns to the
// dispatch queue; this driver is excluded from its redispatch.
func (l *Lifecycle) DriverCancel(ctx context.Context, tripID, driverID uuid.UUID) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := l.guardDriver(ctx, tx, tripID, driverID, StatusOnTheWay)
	if err != nil {
		return err
	}

	if err := l.trips.ClearDriver(ctx, tx, tripID); err != nil {
		return err
	}
	if err := l.drivers.UpdateStatus(ctx, tx, driverID, driver.StatusOffline); err != nil {
		return err
	}
	if t.CustomerID.Valid {
		if err := l.customers.UpdateStatus(ctx, tx, t.CustomerID.UUID, customer.StatusAvailable); err != nil {
			return err
		}
	}
	if err := l.appendDriverLog(ctx, tx, tripID, driverID, LogCanceledByDriver, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if err := l.bus.Publish(ctx, eventbus.TripDriverRejected{TripID: tripID, DriverID: driverID}); err != nil {
		slog.ErrorContext(ctx, "publish trip.driver.rejected failed", "trip_id", tripID, "error", err)
	}
	return nil
}

// Cancel ends a non-terminal trip on behalf of the customer or an
// operator, freeing any assigned driver.
func (l *Lifecycle) Cancel(ctx context.Context, tripID uuid.UUID) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := l.trips.GetForUpdate(ctx, tx, tripID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: trip is %s", ErrPrecondition, t.Status)
	}

	if err := l.trips.UpdateStatus(ctx, tx, tripID, StatusCanceled); err != nil {
		return err
	}
	if t.DriverID.Valid {
		if err := l.drivers.UpdateStatus(ctx, tx, t.DriverID.UUID, driver.StatusAvailable); err != nil {
			return err
		}
	}
	if t.CustomerID.Valid {
		if err := l.customers.UpdateStatus(ctx, tx, t.CustomerID.UUID, customer.StatusAvailable); err != nil {
			return err
		}
	}
	if err := l.trips.AppendLog(ctx, tx, Log{TripID: tripID, DriverID: t.DriverID, Status: LogCanceled}); err != nil {
		return err
	}
	return tx.Commit()
}

// Rate records the customer's rating of their own finished trip.
func (l *Lifecycle) Rate(ctx context.Context, tripID, customerID uuid.UUID, rating int, comment string) error {
	t, err := l.trips.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if !t.CustomerID.Valid || t.CustomerID.UUID != customerID {
		return ErrNotFound
	}
	return l.trips.Rate(ctx, tripID, rating, comment)
}

// RouteKind selects which leg of the trip a route recomputation covers.
type RouteKind string

const (
	RouteOnTheWay RouteKind = "on_the_way"
	RouteDriving  RouteKind = "driving"
)

// RecomputeRoute asks the map provider for a fresh route from the driver's
// position and records it on the trip's audit log.
func (l *Lifecycle) RecomputeRoute(ctx context.Context, tripID, driverID uuid.UUID, kind RouteKind) (mapapi.Directions, error) {
	t, err := l.trips.Get(ctx, tripID)
	if err != nil {
		return mapapi.Directions{}, err
	}
	if !t.DriverID.Valid || t.DriverID.UUID != driverID {
		return mapapi.Directions{}, fmt.Errorf("%w: trip has a different driver", ErrPrecondition)
	}

	var want Status
	var logStatus LogStatus
	var dest mapapi.LatLng
	switch kind {
	case RouteOnTheWay:
		want, logStatus = StatusOnTheWay, LogRouteOnTheWayChanged
		dest = mapapi.LatLng{Lat: t.StartLocation.P.X, Lng: t.StartLocation.P.Y}
	case RouteDriving:
		want, logStatus = StatusDriving, LogRouteDrivingChanged
		dest = mapapi.LatLng{Lat: t.ToLocation.P.X, Lng: t.ToLocation.P.Y}
	default:
		return mapapi.Directions{}, fmt.Errorf("%w: unknown route kind %q", ErrPrecondition, kind)
	}
	if t.Status != want {
		return mapapi.Directions{}, fmt.Errorf("%w: trip is %s", ErrPrecondition, t.Status)
	}

	lat, lng, err := l.drivers.CurrentLocation(ctx, driverID)
	if err != nil {
		return mapapi.Directions{}, err
	}

	dirs, err := l.maps.Directions(ctx, mapapi.LatLng{Lat: lat, Lng: lng}, dest)
	if err != nil {
		return mapapi.Directions{}, err
	}

	route, err := json.Marshal(dirs)
	if err != nil {
		return mapapi.Directions{}, err
	}
	err = l.trips.AppendLog(ctx, l.db, Log{
		TripID:   tripID,
		DriverID: t.DriverID,
		Status:   logStatus,
		Location: pgtype.Point{P: pgtype.Vec2{X: lat, Y: lng}, Valid: true},
		Route:    route,
	})
	return dirs, err
}

// DriverRoute is the latest recorded route plus the driver's live position.
type DriverRoute struct {
	Driver mapapi.LatLng   `json:"driver"`
	Route  json.RawMessage `json:"route"`
	AsOf   time.Time       `json:"asOf"`
}

// CurrentDriverRoute returns what the customer app draws while waiting.
func (l *Lifecycle) CurrentDriverRoute(ctx context.Context, tripID uuid.UUID) (DriverRoute, error) {
	t, err := l.trips.Get(ctx, tripID)
	if err != nil {
		return DriverRoute{}, err
	}
	if !t.DriverID.Valid {
		return DriverRoute{}, fmt.Errorf("%w: no driver assigned", ErrPrecondition)
	}

	log, err := l.trips.LatestRouteLog(ctx, tripID)
	if err != nil {
		return DriverRoute{}, err
	}
	lat, lng, err := l.drivers.CurrentLocation(ctx, t.DriverID.UUID)
	if err != nil {
		return DriverRoute{}, err
	}
	return DriverRoute{
		Driver: mapapi.LatLng{Lat: lat, Lng: lng},
		Route:  log.Route,
		AsOf:   log.CreatedAt,
	}, nil
}

// guardDriver locks the trip and checks it is in the wanted status with the
// given driver assigned.
func (l *Lifecycle) guardDriver(ctx context.Context, tx *sqlx.Tx, tripID, driverID uuid.UUID, want Status) (Trip, error) {
	t, err := l.trips.GetForUpdate(ctx, tx, tripID)
	if err != nil {
		return t, err
	}
	if t.Status != want {
		return t, fmt.Errorf("%w: trip is %s, want %s", ErrPrecondition, t.Status, want)
	}
	if !t.DriverID.Valid || t.DriverID.UUID != driverID {
		return t, fmt.Errorf("%w: trip has a different driver", ErrPrecondition)
	}
	return t, nil
}

func (l *Lifecycle) appendDriverLog(ctx context.Context, tx *sqlx.Tx, tripID, driverID uuid.UUID, status LogStatus, at *mapapi.LatLng) error {
	log := Log{
		TripID:   tripID,
		DriverID: uuid.NullUUID{UUID: driverID, Valid: true},
		Status:   status,
	}
	if at != nil {
		log.Location = pgtype.Point{P: pgtype.Vec2{X: at.Lat, Y: at.Lng}, Valid: true}
	}
	return l.trips.AppendLog(ctx, tx, log)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func point(p mapapi.LatLng) pgtype.Point {
	return pgtype.Point{P: pgtype.Vec2{X: p.Lat, Y: p.Lng}, Valid: true}
}
