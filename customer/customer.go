package customer

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type Status string

const (
	// StatusAvailable customers may request a new trip.
	StatusAvailable Status = "AVAILABLE"
	// StatusBusy customers have a trip in progress.
	StatusBusy Status = "BUSY"
)

type Customer struct {
	ID       uuid.UUID
	Auth0ID  string         `db:"auth0_id"`
	StripeID sql.NullString `db:"stripe_id"`
	Email    sql.NullString `db:"email"`
	Name     sql.NullString `db:"name"`
	Phone    sql.NullString `db:"phone"`

	Status Status

	// Location is the last reported position, stored as point(lat, lng).
	Location pgtype.Point

	CreatedAt time.Time `db:"created_at"`
}
