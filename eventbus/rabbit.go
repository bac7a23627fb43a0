package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrConsumerClosed = errors.New("consumer channel closed")

// Rabbit is a Publisher/Consumer backed by RabbitMQ. Queues are durable and
// deliveries persistent, so events survive a broker restart.
type Rabbit struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	// requeueDelay paces nack redelivery. The broker has no native
	// redelivery backoff, and an unpaced nack loop would spin the consumer
	// while a trip waits for a driver to come online.
	requeueDelay time.Duration
}

func NewRabbit(url string, requeueDelay time.Duration) (*Rabbit, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return &Rabbit{conn: conn, ch: ch, requeueDelay: requeueDelay}, nil
}

func declareQueue(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(topic, true, false, false, false, nil)
	return err
}

func (r *Rabbit) Publish(ctx context.Context, ev Event) error {
	if err := declareQueue(r.ch, ev.Topic()); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.ch.PublishWithContext(ctx, "", ev.Topic(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Consume opens its own channel so a blocked handler cannot starve
// publishes. Prefetch is 1: a delivery is redelivered if the handler nacks it
// or the process dies before acking.
func (r *Rabbit) Consume(ctx context.Context, topic string, h Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := declareQueue(ch, topic); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ErrConsumerClosed
			}
			switch h(ctx, d.Body) {
			case Ack:
				if err := d.Ack(false); err != nil {
					return err
				}
			case Nack:
				if r.requeueDelay > 0 {
					select {
					case <-time.After(r.requeueDelay):
					case <-ctx.Done():
					}
				}
				if err := d.Nack(false, true); err != nil {
					return err
				}
			case Reject:
				if err := d.Reject(false); err != nil {
					return err
				}
			}
		}
	}
}

func (r *Rabbit) Close() error {
	r.ch.Close()
	return r.conn.Close()
}
