package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueName is the durable FIFO holding provisioning jobs.
const QueueName = "instance_creation"

// JobPayload is the immutable message enqueued per provisioning request.
type JobPayload struct {
	JobID    string `json:"job_id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Location string `json:"location"`
}

// Publisher publishes jobs over a single lazily-opened connection.
// Publish calls serialize on an internal mutex so the channel is never
// used concurrently.
type Publisher struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher creates a publisher for the broker at url. No connection
// is opened until the first Publish.
func NewPublisher(url string) *Publisher {
	return &Publisher{url: url}
}

// channel returns a usable channel, reconnecting if the previous
// connection died. Caller must hold p.mu.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil {
		return p.ch, nil
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", QueueName, err)
	}

	p.conn = conn
	p.ch = ch
	return ch, nil
}

// Publish enqueues a job persistently; the message survives a broker
// restart. Callers must have initialized the job state first.
func (p *Publisher) Publish(ctx context.Context, payload JobPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", payload.JobID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", QueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		// Drop the dead connection so the next publish redials.
		p.conn.Close()
		p.conn = nil
		p.ch = nil
		return fmt.Errorf("failed to publish job %s: %w", payload.JobID, err)
	}
	return nil
}

// Close closes the publisher connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && !p.conn.IsClosed() {
		_ = p.conn.Close()
	}
	p.conn = nil
	p.ch = nil
}

// Consumer owns a dedicated connection for the worker, configured with
// prefetch=1 so at most one provisioning job is in flight.
type Consumer struct {
	url  string
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer creates a consumer for the broker at url.
func NewConsumer(url string) *Consumer {
	return &Consumer{url: url}
}

// Open dials the broker, declares the durable queue and starts a
// manually-acked delivery stream with prefetch=1.
func (c *Consumer) Open() (<-chan amqp.Delivery, error) {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", QueueName, err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(QueueName, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	c.conn = conn
	c.ch = ch
	return deliveries, nil
}

// Close closes the consumer connection. Unacked deliveries are
// redelivered by the broker.
func (c *Consumer) Close() error {
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}
