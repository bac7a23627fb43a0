package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishConsume(t *testing.T) {
	bus := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tripID := uuid.New()
	require.NoError(t, bus.Publish(ctx, TripCreated{TripID: tripID}))

	got := make(chan []byte, 1)
	go bus.Consume(ctx, TopicTripCreated, func(_ context.Context, body []byte) Outcome {
		got <- body
		return Ack
	})

	select {
	case body := <-got:
		assert.Contains(t, string(body), tripID.String())
	case <-time.After(time.Second):
		t.Fatal("delivery never arrived")
	}
}

func TestMemoryNackRedelivers(t *testing.T) {
	bus := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Publish(ctx, TripCreated{TripID: uuid.New()}))

	deliveries := make(chan int, 2)
	count := 0
	go bus.Consume(ctx, TopicTripCreated, func(_ context.Context, _ []byte) Outcome {
		count++
		deliveries <- count
		if count == 1 {
			return Nack
		}
		return Ack
	})

	for want := 1; want <= 2; want++ {
		select {
		case got := <-deliveries:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("delivery %d never arrived", want)
		}
	}
}

func TestMemoryRejectDiscards(t *testing.T) {
	bus := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Publish(ctx, TripDriverRejected{TripID: uuid.New(), DriverID: uuid.New()}))

	deliveries := make(chan struct{}, 4)
	go bus.Consume(ctx, TopicTripDriverRejected, func(_ context.Context, _ []byte) Outcome {
		deliveries <- struct{}{}
		return Reject
	})

	select {
	case <-deliveries:
	case <-time.After(time.Second):
		t.Fatal("delivery never arrived")
	}

	select {
	case <-deliveries:
		t.Fatal("rejected delivery came back")
	case <-time.After(100 * time.Millisecond):
	}
}
