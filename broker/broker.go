// Package broker connects the service to its message broker: durable queue
// declaration, persistent publishing and a prefetch-one consume loop with
// explicit acknowledgement. One broker connection serves all peripheral
// loops; publishing shares one channel behind a lock while every consumer
// owns its own.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrClosed indicates the broker connection ended underneath a consumer.
var ErrClosed = errors.New("broker connection closed")

// Broker wraps one AMQP connection.
type Broker struct {
	conn *amqp.Connection

	mu  sync.Mutex
	pub *amqp.Channel
}

// Dial connects to the broker and opens the shared publishing channel.
func Dial(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	return &Broker{conn: conn, pub: pub}, nil
}

// Close shuts the connection down, ending all consume loops.
func (b *Broker) Close() error {
	return b.conn.Close()
}

// DeclareQueue declares a durable queue. Declaration is idempotent; both
// ends of a queue declare it so startup order does not matter.
func (b *Broker) DeclareQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.pub.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// Publish delivers one persistent message to a queue via the default
// exchange. Outbound queues are declared on first use so a response never
// races its consumer's declaration.
func (b *Broker) Publish(queue string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.pub.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	err := b.pub.PublishWithContext(context.Background(), "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume runs handle over each delivery of a queue until ctx is cancelled
// or the connection closes. Prefetch is one: the next command is not taken
// before the current one is settled, keeping per-peripheral processing
// sequential. Handled deliveries are acked; rejected ones are dropped
// without requeue so a poison message cannot loop.
func (b *Broker) Consume(ctx context.Context, queue string, handle func([]byte) error) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set prefetch on %s: %w", queue, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Consume",
		"queue":    queue,
	}).Info("Consuming commands")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: %s", ErrClosed, queue)
			}
			settle(&d, queue, handle(d.Body))
		}
	}
}

// settler is the acknowledgement surface of one delivery.
type settler interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// settle acks a handled delivery and drops a rejected one without requeue.
func settle(d settler, queue string, handleErr error) {
	if handleErr != nil {
		if err := d.Nack(false, false); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "settle",
				"queue":    queue,
				"error":    err.Error(),
			}).Error("Failed to reject delivery")
		}
		return
	}
	if err := d.Ack(false); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "settle",
			"queue":    queue,
			"error":    err.Error(),
		}).Error("Failed to acknowledge delivery")
	}
}
