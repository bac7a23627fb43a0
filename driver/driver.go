// Package driver holds the driver entity, their live status and the
// candidate search dispatch matches against.
package driver

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type Status string

const (
	// StatusAvailable drivers can be offered new trips.
	StatusAvailable Status = "AVAILABLE"
	// StatusBusy drivers hold an active trip offer or are mid-trip.
	StatusBusy Status = "BUSY"
	// StatusOffline drivers are invisible to dispatch until they push a
	// location again.
	StatusOffline Status = "OFFLINE"
)

// Driver represents a registered driver and their vehicle.
type Driver struct {
	// ID is the internal identifier for a driver.
	ID uuid.UUID
	// AuthID is the subject claim from the identity provider.
	AuthID string `db:"auth_id"`

	Name  string
	Phone string
	Email string

	VehiclePlate string `db:"vehicle_plate"`
	VehicleModel string `db:"vehicle_model"`
	VehicleColor string `db:"vehicle_color"`

	Status Status

	// Location is stored as point(lat, lng).
	Location          pgtype.Point
	LocationUpdatedAt *time.Time `db:"location_updated_at"`

	CreatedAt time.Time `db:"created_at"`
}

// Position reports the stored coordinates, latitude first.
func (d Driver) Position() (lat, lng float64, ok bool) {
	if !d.Location.Valid {
		return 0, 0, false
	}
	return d.Location.P.X, d.Location.P.Y, true
}
