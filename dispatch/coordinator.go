// Package dispatch consumes trip events and matches waiting trips to
// nearby drivers.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/openride/trips-backend/driver"
	"github.com/openride/trips-backend/eventbus"
	"github.com/openride/trips-backend/trip"
)

// Trips is the read side the coordinator needs.
type Trips interface {
	Get(ctx context.Context, id uuid.UUID) (trip.Trip, error)
}

// Assigner offers a trip to a driver transactionally.
type Assigner interface {
	Assign(ctx context.Context, tripID, driverID uuid.UUID) error
}

// Drivers finds offer candidates near a pickup point, excluding drivers
// who already turned the trip down.
type Drivers interface {
	FindNearby(ctx context.Context, tripID uuid.UUID, lat, lng, radiusM float64, limit int) ([]driver.Candidate, error)
}

type Config struct {
	// RadiusM bounds the candidate search around the pickup point.
	RadiusM float64
	// CandidateLimit caps how many drivers one search considers.
	CandidateLimit int
	// MatchRetries bounds in-process retries when an assignment loses a
	// race. Past that the delivery is nacked and redelivered.
	MatchRetries int
}

var (
	matchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_matched_total",
		Help: "Trips successfully offered to a driver.",
	})
	rescheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_rescheduled_total",
		Help: "Deliveries nacked for redelivery because no driver could be offered the trip.",
	})
	rejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_rejected_total",
		Help: "Deliveries dropped as stale or malformed.",
	})
)

type Coordinator struct {
	trips   Trips
	assign  Assigner
	drivers Drivers
	cfg     Config
	log     *slog.Logger

	// pick chooses among n candidates. Overridden in tests.
	pick func(n int) int
}

func NewCoordinator(trips Trips, assign Assigner, drivers Drivers, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 50
	}
	if cfg.MatchRetries <= 0 {
		cfg.MatchRetries = 3
	}
	return &Coordinator{
		trips:   trips,
		assign:  assign,
		drivers: drivers,
		cfg:     cfg,
		log:     log,
		pick:    rand.Intn,
	}
}

// Run consumes the dispatch topics until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, bus eventbus.Consumer) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bus.Consume(ctx, eventbus.TopicTripCreated, c.handleCreated)
	})
	g.Go(func() error {
		return bus.Consume(ctx, eventbus.TopicTripDriverRejected, c.handleRejected)
	})
	return g.Wait()
}

func (c *Coordinator) handleCreated(ctx context.Context, body []byte) eventbus.Outcome {
	var ev eventbus.TripCreated
	if err := json.Unmarshal(body, &ev); err != nil || ev.TripID == uuid.Nil {
		c.log.ErrorContext(ctx, "malformed trip.created delivery", "error", err)
		rejectedTotal.Inc()
		return eventbus.Reject
	}
	return c.match(ctx, ev.TripID)
}

func (c *Coordinator) handleRejected(ctx context.Context, body []byte) eventbus.Outcome {
	var ev eventbus.TripDriverRejected
	if err := json.Unmarshal(body, &ev); err != nil || ev.TripID == uuid.Nil {
		c.log.ErrorContext(ctx, "malformed trip.driver.rejected delivery", "error", err)
		rejectedTotal.Inc()
		return eventbus.Reject
	}
	return c.match(ctx, ev.TripID)
}

// match offers the trip to one nearby driver. Candidates are picked
// uniformly at random so a driver parked closest to a hotspot does not
// monopolise offers.
func (c *Coordinator) match(ctx context.Context, tripID uuid.UUID) eventbus.Outcome {
	t, err := c.trips.Get(ctx, tripID)
	if errors.Is(err, trip.ErrNotFound) {
		c.log.WarnContext(ctx, "dispatch for unknown trip", "trip_id", tripID)
		rejectedTotal.Inc()
		return eventbus.Reject
	}
	if err != nil {
		c.log.ErrorContext(ctx, "trip lookup failed", "trip_id", tripID, "error", err)
		return eventbus.Nack
	}
	if t.Status != trip.StatusAvailable {
		// Redelivery of an already-handled event, or the trip moved on.
		rejectedTotal.Inc()
		return eventbus.Reject
	}

	lat, lng := t.StartLocation.P.X, t.StartLocation.P.Y
	candidates, err := c.drivers.FindNearby(ctx, tripID, lat, lng, c.cfg.RadiusM, c.cfg.CandidateLimit)
	if err != nil {
		c.log.ErrorContext(ctx, "candidate search failed", "trip_id", tripID, "error", err)
		return eventbus.Nack
	}
	if len(candidates) == 0 {
		c.log.InfoContext(ctx, "no drivers nearby, rescheduling", "trip_id", tripID)
		rescheduledTotal.Inc()
		return eventbus.Nack
	}

	for attempt := 0; attempt < c.cfg.MatchRetries && len(candidates) > 0; attempt++ {
		i := c.pick(len(candidates))
		cand := candidates[i]

		err := c.assign.Assign(ctx, tripID, cand.ID)
		if err == nil {
			c.log.InfoContext(ctx, "trip offered to driver",
				"trip_id", tripID, "driver_id", cand.ID, "distance_m", int(cand.DistanceM))
			matchedTotal.Inc()
			return eventbus.Ack
		}
		if errors.Is(err, trip.ErrPrecondition) {
			// Lost a race for the driver or the trip. If the trip itself
			// moved on the next loop exits via the retry budget and the
			// redelivery is dropped as stale.
			candidates = append(candidates[:i], candidates[i+1:]...)
			continue
		}
		c.log.ErrorContext(ctx, "assignment failed", "trip_id", tripID, "driver_id", cand.ID, "error", err)
		return eventbus.Nack
	}

	rescheduledTotal.Inc()
	return eventbus.Nack
}
