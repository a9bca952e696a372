// Package broker consumes chat-transport events from an AMQP exchange.
package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/spec-kit/crm-chat-sync/internal/config"
	"github.com/spec-kit/crm-chat-sync/internal/events"
	"github.com/spec-kit/crm-chat-sync/internal/observability"
)

const maxDialDelay = 60 * time.Second

// DialOptions controls connection retries.
type DialOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *zap.Logger
}

// DialWithRetry connects with exponential backoff until ctx is cancelled or
// the attempts run out.
func DialWithRetry(ctx context.Context, opts DialOptions) (*amqp.Connection, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var lastErr error
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("broker connected", zap.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err

		sleep := opts.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		opts.Logger.Warn("broker dial failed", zap.Int("attempt", i), zap.Duration("sleep", sleep), zap.Error(err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("broker dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connect broker after %d attempts: %w", opts.RetryAttempts, lastErr)
}

// Consumer feeds decoded chat events into the event dispatcher. Deliveries
// are handled one at a time so per-conversation arrival order is kept.
type Consumer struct {
	cfg        config.BrokerConfig
	conn       *amqp.Connection
	ch         *amqp.Channel
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	timeout    time.Duration

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewConsumer opens a channel and declares the topology.
func NewConsumer(conn *amqp.Connection, cfg config.BrokerConfig, dispatcher events.Dispatcher, metrics *observability.Metrics, logger *zap.Logger) (*Consumer, error) {
	if conn == nil {
		return nil, errors.New("broker connection is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open broker channel: %w", err)
	}
	c := &Consumer{
		cfg:        cfg,
		conn:       conn,
		ch:         ch,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger.Named("broker"),
		timeout:    30 * time.Second,
		done:       make(chan struct{}),
	}
	if err := c.declare(); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return c, nil
}

func (c *Consumer) declare() error {
	if err := c.ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	q, err := c.ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := c.ch.QueueBind(q.Name, c.cfg.BindingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Start begins consuming in the background.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case d, ok := <-deliveries:
				if !ok {
					c.logger.Warn("delivery channel closed")
					return
				}
				c.HandleDelivery(ctx, d)
			}
		}
	}()
	c.logger.Info("consumer started", zap.String("queue", c.cfg.Queue), zap.String("binding", c.cfg.BindingKey))
	return nil
}

// HandleDelivery decodes and publishes one delivery. Malformed payloads are
// acked and dropped since redelivery cannot fix them; publish failures are requeued.
func (c *Consumer) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	event, err := events.Decode(d.Body)
	if err != nil {
		c.logger.Warn("dropping malformed chat event",
			zap.String("routing_key", d.RoutingKey),
			zap.String("message_id", d.MessageId),
			zap.Error(err),
		)
		c.metrics.RecordEvent("unknown", "invalid")
		c.metrics.IncSync(ctx, observability.OutcomeInvalidEvent)
		if err := d.Ack(false); err != nil {
			c.logger.Warn("ack failed", zap.Error(err))
		}
		return
	}

	handleCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.dispatcher.Publish(handleCtx, event); err != nil {
		c.logger.Error("dispatch chat event failed", zap.String("type", string(event.Type)), zap.Error(err))
		if err := d.Nack(false, true); err != nil {
			c.logger.Warn("nack failed", zap.Error(err))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.Warn("ack failed", zap.Error(err))
	}
}

// Close stops consuming and closes the channel. The connection is owned by the caller.
func (c *Consumer) Close() error {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
	if c.ch == nil {
		return nil
	}
	return c.ch.Close()
}
