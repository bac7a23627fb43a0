package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openride/trips-backend/driver"
	"github.com/openride/trips-backend/eventbus"
	"github.com/openride/trips-backend/trip"
)

type fakeTrips struct {
	trips map[uuid.UUID]trip.Trip
}

func (f *fakeTrips) Get(_ context.Context, id uuid.UUID) (trip.Trip, error) {
	t, ok := f.trips[id]
	if !ok {
		return trip.Trip{}, trip.ErrNotFound
	}
	return t, nil
}

type fakeAssigner struct {
	calls []uuid.UUID
	errs  []error
}

func (f *fakeAssigner) Assign(_ context.Context, _, driverID uuid.UUID) error {
	f.calls = append(f.calls, driverID)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

type fakeDrivers struct {
	candidates []driver.Candidate
	err        error
}

func (f *fakeDrivers) FindNearby(_ context.Context, _ uuid.UUID, _, _, _ float64, _ int) ([]driver.Candidate, error) {
	return f.candidates, f.err
}

func availableTrip(id uuid.UUID) trip.Trip {
	return trip.Trip{
		ID:            id,
		Status:        trip.StatusAvailable,
		StartLocation: pgtype.Point{P: pgtype.Vec2{X: 10.77, Y: 106.69}, Valid: true},
	}
}

func newTestCoordinator(trips Trips, assign Assigner, drivers Drivers) *Coordinator {
	c := NewCoordinator(trips, assign, drivers, Config{RadiusM: 10000}, slog.Default())
	c.pick = func(int) int { return 0 }
	return c
}

func created(t *testing.T, tripID uuid.UUID) []byte {
	body, err := json.Marshal(eventbus.TripCreated{TripID: tripID})
	require.NoError(t, err)
	return body
}

func TestMatchOffersNearestPick(t *testing.T) {
	tripID := uuid.New()
	d1 := uuid.New()
	trips := &fakeTrips{trips: map[uuid.UUID]trip.Trip{tripID: availableTrip(tripID)}}
	assign := &fakeAssigner{}
	drivers := &fakeDrivers{candidates: []driver.Candidate{{ID: d1, DistanceM: 120}}}

	c := newTestCoordinator(trips, assign, drivers)
	out := c.handleCreated(context.Background(), created(t, tripID))

	assert.Equal(t, eventbus.Ack, out)
	assert.Equal(t, []uuid.UUID{d1}, assign.calls)
}

func TestMatchUnknownTripRejects(t *testing.T) {
	c := newTestCoordinator(&fakeTrips{trips: map[uuid.UUID]trip.Trip{}}, &fakeAssigner{}, &fakeDrivers{})
	out := c.handleCreated(context.Background(), created(t, uuid.New()))
	assert.Equal(t, eventbus.Reject, out)
}

func TestMatchStaleTripRejects(t *testing.T) {
	tripID := uuid.New()
	tr := availableTrip(tripID)
	tr.Status = trip.StatusDriving
	trips := &fakeTrips{trips: map[uuid.UUID]trip.Trip{tripID: tr}}
	assign := &fakeAssigner{}

	c := newTestCoordinator(trips, assign, &fakeDrivers{})
	out := c.handleCreated(context.Background(), created(t, tripID))

	assert.Equal(t, eventbus.Reject, out)
	assert.Empty(t, assign.calls)
}

func TestMatchNoCandidatesNacks(t *testing.T) {
	tripID := uuid.New()
	trips := &fakeTrips{trips: map[uuid.UUID]trip.Trip{tripID: availableTrip(tripID)}}

	c := newTestCoordinator(trips, &fakeAssigner{}, &fakeDrivers{})
	out := c.handleCreated(context.Background(), created(t, tripID))

	assert.Equal(t, eventbus.Nack, out)
}

func TestMatchRetriesAfterLostRace(t *testing.T) {
	tripID := uuid.New()
	d1, d2 := uuid.New(), uuid.New()
	trips := &fakeTrips{trips: map[uuid.UUID]trip.Trip{tripID: availableTrip(tripID)}}
	assign := &fakeAssigner{errs: []error{trip.ErrPrecondition}}
	drivers := &fakeDrivers{candidates: []driver.Candidate{{ID: d1}, {ID: d2}}}

	c := newTestCoordinator(trips, assign, drivers)
	out := c.handleCreated(context.Background(), created(t, tripID))

	assert.Equal(t, eventbus.Ack, out)
	assert.Equal(t, []uuid.UUID{d1, d2}, assign.calls)
}

func TestMatchRetryBudgetExhaustedNacks(t *testing.T) {
	tripID := uuid.New()
	trips := &fakeTrips{trips: map[uuid.UUID]trip.Trip{tripID: availableTrip(tripID)}}
	assign := &fakeAssigner{errs: []error{trip.ErrPrecondition, trip.ErrPrecondition, trip.ErrPrecondition}}
	drivers := &fakeDrivers{candidates: []driver.Candidate{
		{ID: uuid.New()}, {ID: uuid.New()}, {ID: uuid.New()}, {ID: uuid.New()},
	}}

	c := newTestCoordinator(trips, assign, drivers)
	out := c.handleCreated(context.Background(), created(t, tripID))

	assert.Equal(t, eventbus.Nack, out)
	assert.Len(t, assign.calls, 3)
}

func TestMatchAssignErrorNacks(t *testing.T) {
	tripID := uuid.New()
	trips := &fakeTrips{trips: map[uuid.UUID]trip.Trip{tripID: availableTrip(tripID)}}
	assign := &fakeAssigner{errs: []error{errors.New("db down")}}
	drivers := &fakeDrivers{candidates: []driver.Candidate{{ID: uuid.New()}}}

	c := newTestCoordinator(trips, assign, drivers)
	out := c.handleCreated(context.Background(), created(t, tripID))

	assert.Equal(t, eventbus.Nack, out)
}

func TestMalformedDeliveryRejects(t *testing.T) {
	c := newTestCoordinator(&fakeTrips{}, &fakeAssigner{}, &fakeDrivers{})
	assert.Equal(t, eventbus.Reject, c.handleCreated(context.Background(), []byte("{")))
	assert.Equal(t, eventbus.Reject, c.handleRejected(context.Background(), []byte("not json")))
}

func TestRunMatchesOverBus(t *testing.T) {
	tripID := uuid.New()
	d1 := uuid.New()
	trips := &fakeTrips{trips: map[uuid.UUID]trip.Trip{tripID: availableTrip(tripID)}}
	assigned := make(chan uuid.UUID, 1)
	assign := assignFunc(func(_ context.Context, _, driverID uuid.UUID) error {
		assigned <- driverID
		return nil
	})
	drivers := &fakeDrivers{candidates: []driver.Candidate{{ID: d1}}}

	c := newTestCoordinator(trips, assign, drivers)

	bus := eventbus.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, bus)

	require.NoError(t, bus.Publish(ctx, eventbus.TripCreated{TripID: tripID}))

	select {
	case got := <-assigned:
		assert.Equal(t, d1, got)
	case <-time.After(time.Second):
		t.Fatal("trip never matched")
	}
}

type assignFunc func(ctx context.Context, tripID, driverID uuid.UUID) error

func (f assignFunc) Assign(ctx context.Context, tripID, driverID uuid.UUID) error {
	return f(ctx, tripID, driverID)
}
