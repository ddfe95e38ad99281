// Package queue consumes notification requests from RabbitMQ and settles
// each delivery with the disposition chosen by the handler.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sungwon/email-notifier/internal/logger"
	"github.com/sungwon/email-notifier/internal/notification"
)

// Disposition is the terminal settlement of a delivery.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// RejectNoRequeue rejects the message; the broker dead-letters it.
	RejectNoRequeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case RejectNoRequeue:
		return "reject"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// ErrDeliveriesClosed is returned by Run when the broker closes the delivery
// stream while the consumer is still expected to run.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// MessageHandler processes a single decoded request.
type MessageHandler interface {
	HandleMessage(ctx context.Context, req *notification.Request) Disposition
}

// Channel is the subset of *amqp091.Channel used by the consumer.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// Consumer runs a single consumption loop and processes up to Prefetch
// deliveries concurrently.
type Consumer struct {
	ch      Channel
	handler MessageHandler
	cfg     Config
	log     zerolog.Logger
}

// NewConsumer creates a Consumer. A non-positive prefetch is treated as 1.
func NewConsumer(ch Channel, handler MessageHandler, cfg Config, log zerolog.Logger) *Consumer {
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		ch:      ch,
		handler: handler,
		cfg:     cfg,
		log:     log.With().Str("queue", cfg.Queue).Logger(),
	}
}

// Run consumes until ctx is cancelled or the broker closes the stream. On
// cancellation it stops the subscription, requeues deliveries that were
// buffered but not started, and waits for in-flight handlers.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := c.ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	c.log.Info().
		Int("prefetch", c.cfg.Prefetch).
		Str("consumer_tag", c.cfg.ConsumerTag).
		Msg("consumer started")

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Prefetch)

	for {
		select {
		case <-ctx.Done():
			c.stop(deliveries)
			_ = g.Wait()
			c.log.Info().Msg("consumer stopped")
			return nil

		case d, ok := <-deliveries:
			if !ok {
				_ = g.Wait()
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}
			g.Go(func() error {
				c.handle(ctx, d)
				return nil
			})
		}
	}
}

func (c *Consumer) stop(deliveries <-chan amqp091.Delivery) {
	if err := c.ch.Cancel(c.cfg.ConsumerTag, false); err != nil {
		c.log.Warn().Err(err).Msg("failed to cancel consumer")
		return
	}
	requeued := 0
	for d := range deliveries {
		if err := d.Nack(false, true); err != nil {
			c.log.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("failed to requeue delivery")
			continue
		}
		requeued++
	}
	if requeued > 0 {
		c.log.Info().Int("requeued", requeued).Msg("requeued unstarted deliveries")
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp091.Delivery) {
	start := time.Now()
	MessagesInFlight.Inc()
	defer MessagesInFlight.Dec()

	disp := c.process(context.WithoutCancel(ctx), d)

	var err error
	switch disp {
	case RejectNoRequeue:
		err = d.Nack(false, false)
	default:
		disp = Ack
		err = d.Ack(false)
	}
	MessageProcessingDuration.Observe(time.Since(start).Seconds())
	MessagesProcessedTotal.WithLabelValues(disp.String()).Inc()

	if err != nil {
		c.log.Error().Err(err).
			Uint64("delivery_tag", d.DeliveryTag).
			Stringer("disposition", disp).
			Msg("failed to settle delivery")
	}
}

// process decodes the body and runs the handler. Malformed payloads and
// panics are acknowledged so they are not redelivered.
func (c *Consumer) process(ctx context.Context, d amqp091.Delivery) (disp Disposition) {
	defer func() {
		if r := recover(); r != nil {
			logger.Critical(c.log).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Uint64("delivery_tag", d.DeliveryTag).
				Msg("handler panic recovered, acknowledging message")
			disp = Ack
		}
	}()

	req, err := notification.Decode(d.Body)
	if err != nil {
		MalformedMessagesTotal.Inc()
		logger.Critical(c.log).Err(err).
			Uint64("delivery_tag", d.DeliveryTag).
			Int("size", len(d.Body)).
			Msg("discarding malformed message")
		return Ack
	}

	return c.handler.HandleMessage(ctx, req)
}
