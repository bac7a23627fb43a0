// Package eventbus carries the dispatch events between the API and the
// matching coordinator. Delivery is at least once: handlers must tolerate
// duplicates, and no ordering is guaranteed, not even within a single trip.
package eventbus

import (
	"context"

	"github.com/google/uuid"
)

const (
	TopicTripCreated        = "trip.created"
	TopicTripDriverRejected = "trip.driver.rejected"
)

// Event is a payload bound to its topic. One payload type per topic.
type Event interface {
	Topic() string
}

// TripCreated is published once a trip row has been committed as AVAILABLE.
type TripCreated struct {
	TripID uuid.UUID `json:"tripId"`
}

func (TripCreated) Topic() string { return TopicTripCreated }

// TripDriverRejected is published when the assigned driver rejects a PENDING
// trip, and when the driver abandons a trip while ON_THE_WAY.
type TripDriverRejected struct {
	TripID   uuid.UUID `json:"tripId"`
	DriverID uuid.UUID `json:"driverId"`
}

func (TripDriverRejected) Topic() string { return TopicTripDriverRejected }

// Outcome tells the consumer what to do with a delivery.
type Outcome int

const (
	// Ack removes the delivery from the queue.
	Ack Outcome = iota
	// Nack requeues the delivery for a later attempt.
	Nack
	// Reject discards the delivery without requeueing.
	Reject
)

// Handler processes a single delivery.
type Handler func(ctx context.Context, body []byte) Outcome

// Publisher publishes events durably to the broker.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Consumer runs a handler against a topic. Consume blocks until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, topic string, h Handler) error
}
