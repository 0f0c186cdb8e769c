// ABOUTME: RabbitMQ publisher for lifecycle events on a durable topic exchange
// ABOUTME: Dials with exponential backoff and publishes persistent JSON messages

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const maxDialDelay = 60 * time.Second

// DialOptions control connection retries.
type DialOptions struct {
	URL      string
	Attempts int
	Delay    time.Duration
}

// Dial connects to RabbitMQ, retrying with capped exponential backoff until
// attempts are exhausted or ctx is done.
func Dial(ctx context.Context, opts DialOptions, logger *slog.Logger) (*amqp.Connection, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	var lastErr error
	for i := 1; i <= opts.Attempts; i++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				logger.Info("rabbitmq connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err
		if i == opts.Attempts {
			break
		}

		sleep := opts.Delay << (i - 1)
		if sleep > maxDialDelay || sleep <= 0 {
			sleep = maxDialDelay
		}
		logger.Warn("rabbitmq dial failed", "attempt", i, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connecting to rabbitmq after %d attempts: %w", opts.Attempts, lastErr)
}

// AMQPPublisher publishes envelopes to a topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(ctx context.Context, opts DialOptions, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if exchange == "" {
		return nil, errors.New("exchange name required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events.amqp")

	conn, err := Dial(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{conn: conn, exchange: exchange, logger: logger}, nil
}

// Publish implements Publisher. Each publish uses a short-lived channel.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return amqp.ErrClosed
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Timestamp:     env.Meta.Time,
		Type:          env.Meta.Type,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}
	p.logger.Debug("published", "key", key, "exchange", p.exchange)
	return nil
}

// Close closes the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
