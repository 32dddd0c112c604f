package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ava-labs/reliable-mq/pkg/broker"
	"github.com/ava-labs/reliable-mq/pkg/metrics"
)

// Headers added to dead-lettered messages.
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
)

var ErrAlreadySettled = errors.New("delivery already settled")

// messageProducer is the part of *Producer the consumer uses to requeue and
// dead-letter messages.
type messageProducer interface {
	Produce(ctx context.Context, msg Msg) error
	Errors() <-chan error
	Close(timeout time.Duration)
}

// Consumer consumes a Kafka topic and hands each message to a
// broker.DeliveryHandler as a Delivery. A message's offset is committed only
// after it is settled: acked, requeued to the tail of the topic, or
// dead-lettered.
type Consumer struct {
	handler           broker.DeliveryHandler
	consumer          *cKafka.Consumer
	producer          messageProducer
	log               *zap.SugaredLogger
	metrics           *metrics.Metrics
	rebalanceContexts map[int32]rebalanceCtx
	rebalanceMutex    sync.RWMutex
	sem               *semaphore.Weighted
	offsetManager     *OffsetManager
	logsDone          chan struct{}
	doneCh            chan struct{}
	errCh             chan error
	cfg               ConsumerConfig
}

type rebalanceCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewConsumer creates a new Consumer. cfg is completed with WithDefaults.
func NewConsumer(
	ctx context.Context,
	log *zap.SugaredLogger,
	cfg ConsumerConfig,
	handler broker.DeliveryHandler,
	m *metrics.Metrics,
) (*Consumer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	consumer, err := cKafka.NewConsumer(cfg.ConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	producer, err := NewProducer(ctx, cfg.ProducerConfig(), log.Named("requeue"))
	if err != nil {
		_ = consumer.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	c := newConsumer(log, cfg, handler, producer, m)
	c.consumer = consumer
	c.offsetManager = NewOffsetManager(ctx, consumer, cfg.OffsetManagerCommitInterval, cfg.AutoOffsetReset, log, m)
	return c, nil
}

func newConsumer(
	log *zap.SugaredLogger,
	cfg ConsumerConfig,
	handler broker.DeliveryHandler,
	producer messageProducer,
	m *metrics.Metrics,
) *Consumer {
	return &Consumer{
		handler:           handler,
		producer:          producer,
		log:               log,
		metrics:           m,
		cfg:               cfg,
		sem:               semaphore.NewWeighted(cfg.Concurrency),
		rebalanceContexts: make(map[int32]rebalanceCtx),
		logsDone:          make(chan struct{}),
		errCh:             make(chan error, 1),
		doneCh:            make(chan struct{}),
	}
}

// Start consumes the configured topic until ctx is done or a fatal error
// occurs, then waits for in-flight handlers and closes the clients.
func (c *Consumer) Start(ctx context.Context) error {
	ctxWithCancel, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.cfg.IsDLQConsumer {
		c.log.Warnw("consumer is subscribing to a DLQ topic - rejected messages will NOT be re-sent to DLQ",
			"topic", c.cfg.Topic,
		)
	}

	if c.cfg.EnableLogs {
		go c.printKafkaLogs(ctxWithCancel)
	} else {
		close(c.logsDone)
	}

	if err := c.consumer.SubscribeTopics([]string{c.cfg.Topic}, c.getRebalanceCallback(ctxWithCancel)); err != nil {
		close(c.doneCh)
		<-c.logsDone
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}

	var runErr error
	run := true
	for run {
		select {
		case <-ctx.Done():
			c.log.Info("context done, shutting down consumer...")
			run = false
			continue
		case err := <-c.producer.Errors():
			c.log.Errorw("fatal error from requeue producer, shutting down consumer", "error", err)
			runErr = err
			run = false
			continue
		case err := <-c.errCh:
			c.log.Errorw("error from consumer, shutting down consumer", "error", err)
			runErr = err
			run = false
			continue
		default:
			ev := c.consumer.Poll(100)
			if ev == nil {
				continue
			}

			switch msg := ev.(type) {
			case *cKafka.Message:
				c.rebalanceMutex.RLock()
				rCtx, ok := c.rebalanceContexts[msg.TopicPartition.Partition]
				if !ok {
					c.log.Errorw("partition not found in rebalance context", "partition", msg.TopicPartition.Partition)
					c.rebalanceMutex.RUnlock()
					continue
				}
				// A revoked partition cancels rCtx; unsettled offsets are then
				// never committed and the new owner redelivers them.
				c.dispatch(rCtx.ctx, msg)
				c.rebalanceMutex.RUnlock()
			case cKafka.Error:
				c.metrics.RecordKafkaError(msg.IsFatal())
				if msg.IsFatal() {
					c.log.Errorw("fatal kafka error", "error", msg)
					runErr = msg
					run = false
					continue
				}
				c.log.Warnw("kafka error (non-fatal)", "error", msg)
			default:
				c.log.Debugw("ignoring kafka event", "event", msg)
			}
		}
	}

	cancel()
	if err := c.close(); err != nil {
		c.log.Errorw("failed to close consumer", "error", err)
		runErr = errors.Join(runErr, err)
	}

	c.log.Info("consumer shutdown complete")
	return runErr
}

// dispatch acquires a semaphore slot and runs the handler in a goroutine. A
// delivery the handler leaves unsettled is requeued.
func (c *Consumer) dispatch(ctx context.Context, msg *cKafka.Message) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.log.Debugw("partition revoked before dispatch", "partition", msg.TopicPartition.Partition, "error", err)
		return
	}
	c.metrics.IncMessagesInFlight()

	go func() {
		defer c.sem.Release(1)
		defer c.metrics.DecMessagesInFlight()

		d := &delivery{consumer: c, ctx: ctx, msg: msg}
		c.handle(ctx, d)

		if d.settled.Load() {
			return
		}
		c.log.Warnw("handler returned without settling delivery, requeueing",
			"msgID", d.MessageID(),
			"partition", msg.TopicPartition.Partition,
			"offset", msg.TopicPartition.Offset,
		)
		if err := d.Nack(true); err != nil {
			c.log.Errorw("failed to requeue unsettled delivery", "error", err)
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

// requeue appends msg to the tail of its own topic so it is delivered again.
func (c *Consumer) requeue(ctx context.Context, msg *cKafka.Message) error {
	err := c.producer.Produce(ctx, Msg{
		Topic:   *msg.TopicPartition.Topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headerMap(msg.Headers),
	})
	c.metrics.RecordRequeue(err)
	if err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	return nil
}

// publishToDLQ sends a rejected message to the dead letter topic.
func (c *Consumer) publishToDLQ(ctx context.Context, msg *cKafka.Message) error {
	headers := headerMap(msg.Headers)
	headers[HeaderOriginalTopic] = *msg.TopicPartition.Topic
	headers[HeaderOriginalPartition] = strconv.Itoa(int(msg.TopicPartition.Partition))
	headers[HeaderOriginalOffset] = msg.TopicPartition.Offset.String()

	err := c.producer.Produce(ctx, Msg{
		Topic:   c.cfg.DLQTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	c.metrics.RecordDLQProduction(err)
	if err != nil {
		return fmt.Errorf("failed to produce to DLQ: %w", err)
	}

	c.log.Infow("published message to DLQ",
		"originalTopic", *msg.TopicPartition.Topic,
		"originalPartition", msg.TopicPartition.Partition,
		"originalOffset", msg.TopicPartition.Offset,
		"dlqTopic", c.cfg.DLQTopic,
	)
	return nil
}

// fail reports an error that should stop the consumer. Only the first error
// is kept.
func (c *Consumer) fail(err error) {
	select {
	case c.errCh <- err:
	default:
		c.log.Warnw("consumer error dropped, shutdown already pending", "error", err)
	}
}

// close waits for in-flight handlers, commits what is committable, and shuts
// down the producer and consumer.
func (c *Consumer) close() error {
	close(c.doneCh)
	<-c.logsDone

	waitCtx, cancel := context.WithTimeout(context.Background(), *c.cfg.GoroutineWaitTimeout)
	defer cancel()
	if err := c.sem.Acquire(waitCtx, c.cfg.Concurrency); err != nil {
		c.log.Warnw("timed out waiting for in-flight handlers", "timeout", *c.cfg.GoroutineWaitTimeout)
	} else {
		c.sem.Release(c.cfg.Concurrency)
	}

	if c.offsetManager != nil {
		c.offsetManager.Flush()
	}
	c.producer.Close(*c.cfg.FlushTimeout)
	if c.consumer == nil {
		return nil
	}
	return c.consumer.Close()
}

// getRebalanceCallback handles partition assignment and revocation.
func (c *Consumer) getRebalanceCallback(ctx context.Context) cKafka.RebalanceCb {
	return func(kc *cKafka.Consumer, event cKafka.Event) error {
		switch ev := event.(type) {
		case cKafka.AssignedPartitions:
			c.log.Infow("partitions assigned",
				"protocol", kc.GetRebalanceProtocol(),
				"count", len(ev.Partitions),
				"partitions", ev.Partitions,
			)
			c.assign(ctx, ev.Partitions)
			return c.offsetManager.OnAssigned(ev.Partitions)

		case cKafka.RevokedPartitions:
			c.log.Infow("partitions revoked",
				"protocol", kc.GetRebalanceProtocol(),
				"count", len(ev.Partitions),
				"partitions", ev.Partitions,
			)
			if kc.AssignmentLost() {
				c.log.Error("assignment lost involuntarily, commit may fail")
			}
			c.revoke(ev.Partitions)
			c.offsetManager.OnRevoked(ev.Partitions)
		default:
			c.log.Warnw("unexpected rebalance event", "event", event)
		}
		return nil
	}
}

func (c *Consumer) assign(ctx context.Context, partitions []cKafka.TopicPartition) {
	c.rebalanceMutex.Lock()
	defer c.rebalanceMutex.Unlock()
	for _, partition := range partitions {
		rCtx := rebalanceCtx{}
		rCtx.ctx, rCtx.cancel = context.WithCancel(ctx)
		c.rebalanceContexts[partition.Partition] = rCtx
	}
	c.metrics.RecordPartitionAssignment(len(c.rebalanceContexts))
}

func (c *Consumer) revoke(partitions []cKafka.TopicPartition) {
	c.rebalanceMutex.Lock()
	defer c.rebalanceMutex.Unlock()
	for _, partition := range partitions {
		if rCtx, ok := c.rebalanceContexts[partition.Partition]; ok {
			rCtx.cancel()
			delete(c.rebalanceContexts, partition.Partition)
		}
	}
	c.metrics.RecordPartitionRevocation()
}

// printKafkaLogs prints kafka logs to the console.
func (c *Consumer) printKafkaLogs(ctx context.Context) {
	defer close(c.logsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.doneCh:
			return
		case log, ok := <-c.consumer.Logs():
			if !ok {
				return
			}
			c.log.Debugf("consumer level: %d tag: %s message: %s ", log.Level, log.Tag, log.Message)
		}
	}
}

// delivery adapts a consumed message to broker.Delivery. It can be settled
// once.
type delivery struct {
	consumer *Consumer
	ctx      context.Context
	msg      *cKafka.Message
	settled  atomic.Bool
}

var _ broker.Delivery = (*delivery)(nil)

func (d *delivery) MessageID() string     { return d.Header(broker.HeaderMessageID) }
func (d *delivery) CorrelationID() string { return d.Header(broker.HeaderCorrelationID) }
func (d *delivery) Body() []byte          { return d.msg.Value }

func (d *delivery) Source() string {
	if d.msg.TopicPartition.Topic == nil {
		return ""
	}
	return *d.msg.TopicPartition.Topic
}

func (d *delivery) Header(key string) string {
	for _, h := range d.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Ack marks the message processed so its offset can be committed.
func (d *delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	d.consumer.offsetManager.InsertOffsetWithRetry(d.ctx, d.msg)
	return nil
}

// Nack with requeue re-produces the message to the tail of its topic. Without
// requeue it goes to the DLQ topic when one is configured and this is not a
// DLQ consumer; otherwise it is dropped. Either way the original offset is
// committed once the copy is safely produced. A failed produce leaves the
// offset uncommitted and stops the consumer, so the message is redelivered
// after restart.
func (d *delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	c := d.consumer

	var err error
	switch {
	case requeue:
		err = c.requeue(d.ctx, d.msg)
	case c.cfg.DLQTopic != "" && !c.cfg.IsDLQConsumer:
		err = c.publishToDLQ(d.ctx, d.msg)
	default:
		c.log.Warnw("rejected message dropped, no DLQ",
			"msgID", d.MessageID(),
			"topic", d.Source(),
			"partition", d.msg.TopicPartition.Partition,
			"offset", d.msg.TopicPartition.Offset,
		)
	}
	if err != nil {
		if d.ctx.Err() == nil {
			c.fail(err)
		}
		return err
	}

	c.offsetManager.InsertOffsetWithRetry(d.ctx, d.msg)
	return nil
}

func headerMap(headers []cKafka.Header) map[string]string {
	m := make(map[string]string, len(headers)+3)
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}
