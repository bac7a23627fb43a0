// Package trip holds the trip entity, its state machine and the lifecycle
// operations that move trips between states.
package trip

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type Status string

const (
	// StatusAvailable trips have no driver yet and sit in the dispatch queue.
	StatusAvailable Status = "AVAILABLE"
	// StatusPending trips are offered to one driver who has not answered.
	StatusPending Status = "PENDING"
	// StatusOnTheWay means the driver accepted and is heading to the pickup.
	StatusOnTheWay Status = "ON_THE_WAY"
	// StatusWaitingForCustomer means the driver arrived at the pickup point.
	StatusWaitingForCustomer Status = "WAITING_FOR_CUSTOMER"
	// StatusDriving means the customer is on board.
	StatusDriving Status = "DRIVING"

	StatusFinished         Status = "FINISHED"
	StatusCanceled         Status = "CANCELED"
	StatusCanceledByDriver Status = "CANCELED_BY_DRIVER"
)

// Terminal reports whether a trip in this status can never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusCanceled, StatusCanceledByDriver:
		return true
	}
	return false
}

// LogStatus values include every trip status plus audit-only entries that
// never appear on the trip row itself.
type LogStatus string

const (
	LogAvailable          LogStatus = "AVAILABLE"
	LogPending            LogStatus = "PENDING"
	LogOnTheWay           LogStatus = "ON_THE_WAY"
	LogWaitingForCustomer LogStatus = "WAITING_FOR_CUSTOMER"
	LogDriving            LogStatus = "DRIVING"
	LogFinished           LogStatus = "FINISHED"
	LogCanceled           LogStatus = "CANCELED"
	LogCanceledByDriver   LogStatus = "CANCELED_BY_DRIVER"

	// LogRejected records a driver declining an offer. Dispatch uses these
	// rows to exclude the driver from redispatch of the same trip.
	LogRejected LogStatus = "REJECTED"

	LogRouteOnTheWayChanged LogStatus = "ROUTE_ON_THE_WAY_CHANGED"
	LogRouteDrivingChanged  LogStatus = "ROUTE_DRIVING_CHANGED"
)

var (
	ErrNotFound = errors.New("trip not found")
	// ErrPrecondition means the trip or an involved party is not in a state
	// that permits the requested transition.
	ErrPrecondition = errors.New("precondition failed")
	ErrAlreadyRated = fmt.Errorf("%w: trip already rated", ErrPrecondition)
)

type Trip struct {
	ID uuid.UUID

	CustomerID uuid.NullUUID `db:"customer_id"`
	DriverID   uuid.NullUUID `db:"driver_id"`

	// OperatorID is set on walk-in trips created at a desk rather than
	// through the customer app.
	OperatorID           sql.NullString `db:"operator_id"`
	OutsideCustomerName  sql.NullString `db:"outside_customer_name"`
	OutsideCustomerPhone sql.NullString `db:"outside_customer_phone"`

	Status Status

	// StartLocation and ToLocation are stored as point(lat, lng).
	StartLocation pgtype.Point   `db:"start_location"`
	ToLocation    pgtype.Point   `db:"to_location"`
	StartAddress  sql.NullString `db:"start_address"`
	ToAddress     sql.NullString `db:"to_address"`

	DistanceM         int `db:"distance_m"`
	EstimatedDuration int `db:"estimated_duration"`

	PricePaid     float64        `db:"price_paid"`
	DriverEarn    float64        `db:"driver_earn"`
	Rating        sql.NullInt64  `db:"rating"`
	RatingComment sql.NullString `db:"rating_comment"`

	StartAt sql.NullTime `db:"start_at"`
	EndAt   sql.NullTime `db:"end_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Log is one append-only audit entry for a trip.
type Log struct {
	ID       uuid.UUID
	TripID   uuid.UUID     `db:"trip_id"`
	DriverID uuid.NullUUID `db:"driver_id"`

	Status LogStatus

	// Location is where the event happened, when the reporter sent one.
	Location pgtype.Point

	// Route holds the provider route payload for ROUTE_*_CHANGED entries.
	Route []byte

	CreatedAt time.Time `db:"created_at"`
}
