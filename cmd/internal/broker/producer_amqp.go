package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	publishTimeout = 5 * time.Second

	// Retry topic delay before a failed envelope is dead-lettered back to
	// the main topic for another consumer attempt.
	retryDelay = 15 * time.Second
)

// AMQPProducer publishes envelopes to RabbitMQ queues.
//
// Topology per topic family (declared on first use):
//   - `<topic>`       main queue, dead-letters to `<topic>.dlq`
//   - `<topic>.retry` delay queue with per-message TTL, dead-letters back to `<topic>`
//   - `<topic>.dlq`   terminal dead-letter queue
//
// All queues are durable and messages are published persistent so staged
// events survive broker restarts.
type AMQPProducer struct {
	log *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
	closed   bool
}

// NewAMQPProducer dials the broker and opens a publish channel.
func NewAMQPProducer(log *slog.Logger, url string) (*AMQPProducer, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &AMQPProducer{
		log:      log,
		conn:     conn,
		ch:       ch,
		declared: make(map[string]bool),
	}, nil
}

// Healthy reports whether the connection is usable. The outbox dispatcher
// gates its tick on this so entries keep accruing retries only while a
// publish could actually be attempted.
func (p *AMQPProducer) Healthy() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.conn != nil && !p.conn.IsClosed()
}

// Close shuts the channel and connection down.
func (p *AMQPProducer) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Publish serializes and publishes one envelope to topic. The aggregate id
// travels as the ordering key so a partitioned broker behind this queue
// keeps per-aggregate order.
func (p *AMQPProducer) Publish(ctx context.Context, topic string, env Envelope) (PublishResult, error) {
	if p == nil {
		return PublishResult{}, errors.New("broker: nil producer")
	}
	if err := env.Validate(); err != nil {
		return PublishResult{}, err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return PublishResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.conn == nil || p.conn.IsClosed() {
		return PublishResult{}, errors.New("broker: connection closed")
	}
	if err := p.declareTopologyLocked(topic); err != nil {
		return PublishResult{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(cctx,
		"",    // default exchange
		topic, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.Metadata.EventID,
			Type:          env.Metadata.EventType,
			CorrelationId: env.Metadata.CorrelationID,
			Timestamp:     env.Metadata.Timestamp,
			Headers: amqp.Table{
				"x-aggregate-type": env.Metadata.AggregateType,
				"x-aggregate-id":   env.Metadata.AggregateID,
				"x-tenant-id":      env.Metadata.TenantID,
				"x-schema-version": int32(env.Metadata.SchemaVersion),
			},
			Body: body,
		},
	)
	if err != nil {
		return PublishResult{}, err
	}
	return PublishResult{Topic: topic, Key: env.Metadata.AggregateID}, nil
}

// declareTopologyLocked declares the main/retry/dlq queue triple for a topic
// family once per producer lifetime. Call with p.mu held.
func (p *AMQPProducer) declareTopologyLocked(topic string) error {
	base := topic
	if isAuxTopic(topic) {
		base = baseTopic(topic)
	}
	if p.declared[base] {
		return nil
	}

	// DLQ first: the main queue references it.
	if _, err := p.ch.QueueDeclare(DLQ(base), true, false, false, false, nil); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue.
	if _, err := p.ch.QueueDeclare(Retry(base), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": base,
		"x-message-ttl":             int32(retryDelay / time.Millisecond),
	}); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false).
	if _, err := p.ch.QueueDeclare(base, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DLQ(base),
	}); err != nil {
		return err
	}

	p.declared[base] = true
	return nil
}

func isAuxTopic(topic string) bool {
	return strings.HasSuffix(topic, DLQSuffix) || strings.HasSuffix(topic, RetrySuffix)
}

func baseTopic(topic string) string {
	topic = strings.TrimSuffix(topic, DLQSuffix)
	return strings.TrimSuffix(topic, RetrySuffix)
}
