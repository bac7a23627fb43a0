package eventbus

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Memory is an in-process bus with the same ack/nack/reject contract as the
// broker-backed bus. Tests and single-process tooling run against it.
type Memory struct {
	mu     sync.Mutex
	queues map[string]chan []byte
}

func NewMemory() *Memory {
	return &Memory{queues: make(map[string]chan []byte)}
}

func (m *Memory) queue(topic string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[topic]
	if !ok {
		q = make(chan []byte, 64)
		m.queues[topic] = q
	}
	return q
}

func (m *Memory) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case m.queue(ev.Topic()) <- body:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, topic string, h Handler) error {
	q := m.queue(topic)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case body := <-q:
			if h(ctx, body) == Nack {
				// Pace redelivery like the broker does, so a handler that
				// cannot make progress yet does not spin.
				select {
				case <-time.After(10 * time.Millisecond):
				case <-ctx.Done():
					return ctx.Err()
				}
				select {
				case q <- body:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
