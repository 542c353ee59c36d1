package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultConcurrency = 2
	maxConcurrency     = 50

	// Handler retry budget before an envelope is routed to the DLQ.
	defaultHandlerRetries = 5
)

// AMQPConsumer consumes one topic family and dispatches envelopes through a
// handler Registry.
//
// Failure policy:
//   - Envelope decode/validation failure is fatal for that delivery: it is
//     nacked without requeue and lands on the DLQ via queue arguments.
//   - Handler failure is retried with a bounded budget by republishing to
//     the retry topic (delayed re-delivery); once the budget is exhausted
//     the delivery is nacked to the DLQ.
type AMQPConsumer struct {
	log      *slog.Logger
	registry *Registry
	producer *AMQPProducer

	topic       string
	concurrency int
	maxRetries  int

	conn *amqp.Connection
	ch   *amqp.Channel

	closeOnce sync.Once
}

// AMQPConsumerOption configures AMQPConsumer behavior.
type AMQPConsumerOption func(*AMQPConsumer) error

// WithConcurrency sets the worker pool size (default 2, capped at 50).
func WithConcurrency(n int) AMQPConsumerOption {
	return func(c *AMQPConsumer) error {
		if n <= 0 {
			return errors.New("broker: non-positive concurrency")
		}
		if n > maxConcurrency {
			n = maxConcurrency
		}
		c.concurrency = n
		return nil
	}
}

// WithHandlerRetries sets the per-envelope handler retry budget.
func WithHandlerRetries(n int) AMQPConsumerOption {
	return func(c *AMQPConsumer) error {
		if n < 0 {
			return errors.New("broker: negative retry budget")
		}
		c.maxRetries = n
		return nil
	}
}

// NewAMQPConsumer dials the broker and prepares a consumer for topic.
// The producer is reused for retry-topic republishes and must outlive the
// consumer.
func NewAMQPConsumer(log *slog.Logger, url, topic string, registry *Registry, producer *AMQPProducer, opts ...AMQPConsumerOption) (*AMQPConsumer, error) {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		return nil, errors.New("broker: nil registry")
	}
	if producer == nil {
		return nil, errors.New("broker: nil producer")
	}

	c := &AMQPConsumer{
		log:         log,
		registry:    registry,
		producer:    producer,
		topic:       topic,
		concurrency: defaultConcurrency,
		maxRetries:  defaultHandlerRetries,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
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
	if err := ch.Qos(c.concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	c.conn = conn
	c.ch = ch
	return c, nil
}

// Close shuts the consumer connection down.
func (c *AMQPConsumer) Close() error {
	if c == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		if c.ch != nil {
			_ = c.ch.Close()
		}
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Run consumes deliveries until ctx is canceled or the delivery channel
// closes. It blocks.
func (c *AMQPConsumer) Run(ctx context.Context) error {
	if c == nil || c.ch == nil {
		return errors.New("broker: nil consumer")
	}

	deliveries, err := c.ch.Consume(c.topic, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.log.Info("broker.consumer.start", "topic", c.topic, "concurrency", c.concurrency)

	jobs := make(chan amqp.Delivery, c.concurrency*2)

	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func() {
			defer wg.Done()
			for d := range jobs {
				c.handle(ctx, d)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			c.log.Info("broker.consumer.stop", "topic", c.topic)
			close(jobs)
			wg.Wait()
			return nil
		case d, ok := <-deliveries:
			if !ok {
				close(jobs)
				wg.Wait()
				return errors.New("broker: delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery) {
	env, err := DecodeEnvelope(d.Body)
	if err != nil {
		// Fatal for this delivery: the envelope itself is unprocessable.
		c.log.Error("broker.envelope.invalid", "topic", c.topic, "err", err)
		_ = d.Nack(false, false)
		consumedTotal.WithLabelValues(c.topic, "invalid").Inc()
		return
	}

	if err := c.registry.Dispatch(ctx, env); err != nil {
		attempts := deathCount(d.Headers)
		if attempts < int64(c.maxRetries) {
			c.log.Warn("broker.handle.retry",
				"topic", c.topic,
				"event_id", env.Metadata.EventID,
				"attempts", attempts,
				"err", err,
			)
			if _, perr := c.producer.Publish(ctx, Retry(c.topic), env); perr != nil {
				// Retry republish failed: keep the delivery, the broker
				// redelivers it after the channel recovers.
				c.log.Error("broker.retry.publish.fail", "topic", c.topic, "err", perr)
				_ = d.Nack(false, true)
				return
			}
			_ = d.Ack(false)
			consumedTotal.WithLabelValues(c.topic, "retried").Inc()
			return
		}

		c.log.Error("broker.handle.dead_letter",
			"topic", c.topic,
			"event_id", env.Metadata.EventID,
			"attempts", attempts,
			"err", err,
		)
		_ = d.Nack(false, false)
		consumedTotal.WithLabelValues(c.topic, "dead_letter").Inc()
		return
	}

	if err := d.Ack(false); err != nil {
		c.log.Error("broker.ack.fail", "topic", c.topic, "event_id", env.Metadata.EventID, "err", err)
		return
	}
	consumedTotal.WithLabelValues(c.topic, "ok").Inc()
}

// deathCount reads the number of prior dead-letter cycles from the x-death
// header maintained by RabbitMQ.
func deathCount(headers amqp.Table) int64 {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok {
		return 0
	}
	var total int64
	for _, raw := range deaths {
		entry, ok := raw.(amqp.Table)
		if !ok {
			continue
		}
		switch n := entry["count"].(type) {
		case int64:
			total += n
		case int32:
			total += int64(n)
		}
	}
	return total
}
