package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ava-labs/reliable-mq/pkg/broker"
)

var ErrAlreadySettled = errors.New("delivery already settled")

// consumeChannel is the part of *amqp.Channel the Consumer uses.
type consumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Consumer reads one queue with manual acknowledgement and hands each message
// to a broker.DeliveryHandler. A delivery the handler leaves unsettled is
// nacked with requeue.
type Consumer struct {
	ch      consumeChannel
	queue   string
	tag     string
	cfg     Config
	handler broker.DeliveryHandler
	sem     *semaphore.Weighted
	log     *zap.SugaredLogger
}

// NewConsumer opens a channel on conn for consuming queue.
func NewConsumer(conn *amqp.Connection, cfg Config, queue string, handler broker.DeliveryHandler, log *zap.SugaredLogger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return newConsumer(ch, cfg, queue, handler, log), nil
}

func newConsumer(ch consumeChannel, cfg Config, queue string, handler broker.DeliveryHandler, log *zap.SugaredLogger) *Consumer {
	return &Consumer{
		ch:      ch,
		queue:   queue,
		tag:     cfg.ConnectionName + "-" + queue,
		cfg:     cfg,
		handler: handler,
		sem:     semaphore.NewWeighted(cfg.Concurrency),
		log:     log.With("queue", queue),
	}
}

// Start consumes until ctx is done or the channel closes, then cancels the
// subscription, waits for in-flight handlers and closes the channel. Messages
// delivered but not yet handled are requeued by the broker when the channel
// closes.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	closeCh := c.ch.NotifyClose(make(chan *amqp.Error, 1))

	deliveries, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", c.queue, err)
	}
	c.log.Infow("consumer started", "prefetch", c.cfg.Prefetch, "concurrency", c.cfg.Concurrency)

	var runErr error
	run := true
	for run {
		select {
		case <-ctx.Done():
			c.log.Info("context done, shutting down consumer...")
			run = false
		case amqpErr, ok := <-closeCh:
			if ok && amqpErr != nil {
				runErr = fmt.Errorf("rabbitmq channel closed: %w", amqpErr)
			}
			run = false
		case d, ok := <-deliveries:
			if !ok {
				c.log.Warn("delivery channel closed")
				run = false
				continue
			}
			c.dispatch(ctx, d)
		}
	}

	return errors.Join(runErr, c.close())
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	// Handlers settle with a context that outlives shutdown so in-flight
	// deliveries can still be acked.
	handlerCtx := context.WithoutCancel(ctx)
	if err := c.sem.Acquire(ctx, 1); err != nil {
		// Not settled; the broker requeues it when the channel closes.
		return
	}

	go func() {
		defer c.sem.Release(1)
		del := &delivery{d: d, queue: c.queue}
		c.handle(handlerCtx, del)
		if del.settled.Load() {
			return
		}
		c.log.Warnw("handler returned without settling delivery, requeueing", "msgID", d.MessageId, "deliveryTag", d.DeliveryTag)
		if err := del.Nack(true); err != nil {
			c.log.Errorw("failed to requeue unsettled delivery", "msgID", d.MessageId, "error", err)
		}
	}()
}

func (c *Consumer) handle(ctx context.Context, d *delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("delivery handler panicked", "msgID", d.MessageID(), "panic", r)
		}
	}()
	c.handler(ctx, d)
}

func (c *Consumer) close() error {
	if err := c.ch.Cancel(c.tag, false); err != nil {
		c.log.Warnw("failed to cancel consumer", "error", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), c.cfg.WaitTimeout)
	defer cancel()
	if err := c.sem.Acquire(waitCtx, c.cfg.Concurrency); err != nil {
		c.log.Warnw("timed out waiting for in-flight handlers", "timeout", c.cfg.WaitTimeout)
	} else {
		c.sem.Release(c.cfg.Concurrency)
	}

	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	c.log.Info("consumer stopped")
	return nil
}

// delivery adapts amqp.Delivery to broker.Delivery. It can be settled once.
type delivery struct {
	d       amqp.Delivery
	queue   string
	settled atomic.Bool
}

var _ broker.Delivery = (*delivery)(nil)

func (d *delivery) MessageID() string     { return d.d.MessageId }
func (d *delivery) CorrelationID() string { return d.d.CorrelationId }
func (d *delivery) Source() string        { return d.queue }
func (d *delivery) Body() []byte          { return d.d.Body }

func (d *delivery) Header(key string) string {
	v, ok := d.d.Headers[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

func (d *delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.d.Ack(false)
}

// Nack rejects the delivery. Without requeue the broker dead-letters it when
// the queue has a dead-letter exchange and drops it otherwise.
func (d *delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.d.Nack(false, requeue)
}
