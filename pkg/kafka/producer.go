package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/ava-labs/reliable-mq/pkg/broker"
)

// Msg is a message produced synchronously with Produce.
type Msg struct {
	Topic   string
	Value   []byte
	Key     []byte
	Headers map[string]string
}

// deliveryTag rides along as the librdkafka opaque so a delivery report can be
// matched back to the published msg_id.
type deliveryTag struct {
	MessageID     string
	CorrelationID string
	Topic         string
	Key           string
}

const (
	queueFullErrorRetryDelay = time.Second
	callbackBufferSize       = 1024
)

// Producer is a Kafka implementation of broker.Publisher.
//
// Publish is asynchronous: delivery reports arrive on the Events channel and
// are translated into Confirms (acked or nacked) and Returns (unknown topic).
// Produce is a synchronous variant used for requeues and dead-lettering.
//
// Close MUST be called at least once to stop background goroutines and flush
// all in-flight messages.
type Producer struct {
	producer   *kafka.Producer
	log        *zap.SugaredLogger
	confirms   chan broker.Confirmation
	returns    chan broker.Return
	errCh      chan error
	eventsDone chan struct{}
	logsDone   chan struct{}
	closedCh   chan struct{}
	once       sync.Once
}

var _ broker.Publisher = (*Producer)(nil)

// NewProducer creates a Kafka producer from cfg.
//
// The provided context controls the lifetime of background goroutines.
// Callers must call Close to flush messages and release resources.
func NewProducer(ctx context.Context, cfg ProducerConfig, log *zap.SugaredLogger) (*Producer, error) {
	return newProducer(ctx, cfg.ConfigMap(), cfg.EnableLogs, log)
}

func newProducer(ctx context.Context, conf *kafka.ConfigMap, logsEnabled bool, log *zap.SugaredLogger) (*Producer, error) {
	p, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	kq := &Producer{
		producer:   p,
		log:        log,
		confirms:   make(chan broker.Confirmation, callbackBufferSize),
		returns:    make(chan broker.Return, callbackBufferSize),
		errCh:      make(chan error, 1),
		eventsDone: make(chan struct{}),
		logsDone:   make(chan struct{}),
		closedCh:   make(chan struct{}),
	}

	if logsEnabled {
		go kq.printKafkaLogs(ctx)
	} else {
		close(kq.logsDone)
	}

	go kq.monitorProducerEvents(ctx)

	return kq, nil
}

// Publish enqueues m on topic m.Exchange keyed by m.RoutingKey. The outcome
// is reported later on Confirms or Returns.
func (q *Producer) Publish(ctx context.Context, m broker.Message) error {
	select {
	case <-q.closedCh:
		return broker.ErrPublisherClosed
	default:
	}

	topic := m.Exchange
	kMsg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(m.RoutingKey),
		Value:          m.Body,
		Headers:        toKafkaHeaders(m),
		Opaque: deliveryTag{
			MessageID:     m.MessageID,
			CorrelationID: m.CorrelationID,
			Topic:         topic,
			Key:           m.RoutingKey,
		},
	}
	// A nil delivery channel routes the report to Events.
	return q.produceWithRetry(ctx, kMsg, nil)
}

// Confirms implements broker.Publisher.
func (q *Producer) Confirms() <-chan broker.Confirmation { return q.confirms }

// Returns implements broker.Publisher.
func (q *Producer) Returns() <-chan broker.Return { return q.returns }

// Errors returns a channel that receives at most one fatal error.
// The channel is closed when the producer shuts down.
// Non-fatal Kafka errors are logged and ignored.
//
// After receiving an error, the producer is no longer usable.
// Call Close() and create a new producer to recover.
func (q *Producer) Errors() <-chan error {
	return q.errCh
}

// Produce synchronously produces a message to Kafka.
//
// Produce blocks until either a delivery receipt is received from Kafka
// or the provided context is canceled. If the producer queue is full,
// the message will be retried internally with a 1 second delay.
//
// If the context is canceled before delivery confirmation, Produce returns
// ctx.Err(). The message MAY still be delivered after Produce returns.
func (q *Producer) Produce(ctx context.Context, msg Msg) error {
	// Buffered and never closed: librdkafka may still write the report after
	// a cancelled Produce has returned.
	deliveryCh := make(chan kafka.Event, 1)

	kMsg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &msg.Topic,
			Partition: kafka.PartitionAny,
		},
		Value:   msg.Value,
		Key:     msg.Key,
		Headers: headersFromMap(msg.Headers),
	}

	if err := q.produceWithRetry(ctx, kMsg, deliveryCh); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryCh:
		return handleDeliveryEvent(q.log, kMsg, e)
	}
}

// Close flushes pending messages, stops background goroutines, and closes
// the Confirms, Returns and Errors channels.
//
// If the timeout is reached, Close aborts the flush and closes the producer;
// unflushed messages are lost and their send records stay INIT for the
// reconciler. Calling Close multiple times does nothing.
func (q *Producer) Close(timeout time.Duration) {
	q.once.Do(func() {
		q.log.Info("closing kafka producer")

		// Flush while the monitor is still draining delivery reports.
		pending := q.producer.Flush(int(timeout.Milliseconds()))
		if pending > 0 {
			q.log.Warnw("flush incomplete, messages will be lost", "pending", pending)
		}

		close(q.closedCh)
		<-q.eventsDone
		<-q.logsDone

		q.producer.Close()
		close(q.confirms)
		close(q.returns)
		close(q.errCh)
		q.log.Info("kafka producer closed")
	})
}

func (q *Producer) printKafkaLogs(ctx context.Context) {
	defer close(q.logsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closedCh:
			return
		case log, ok := <-q.producer.Logs():
			if !ok {
				return
			}
			q.log.Debugw("librdkafka", "level", log.Level, "tag", log.Tag, "message", log.Message)
		}
	}
}

// produceWithRetry produces a message to Kafka, retrying while the local
// queue is full. Any other error is returned.
func (q *Producer) produceWithRetry(ctx context.Context, msg *kafka.Message, deliveryCh chan kafka.Event) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := q.producer.Produce(msg, deliveryCh)
		if err == nil {
			return nil
		}

		var kafkaErr kafka.Error
		if !errors.As(err, &kafkaErr) {
			return fmt.Errorf("failed to produce: %w", err)
		}

		switch kafkaErr.Code() {
		case kafka.ErrQueueFull:
			q.log.Warnf("producer queue full, retrying in %s", queueFullErrorRetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(queueFullErrorRetryDelay):
			}
			continue
		case kafka.ErrBrokerNotAvailable:
			return fmt.Errorf("broker not available: %w", err)
		case kafka.ErrInvalidMsgSize:
			return fmt.Errorf("invalid message size: %w", err)
		case kafka.ErrInvalidMsg:
			return fmt.Errorf("invalid message: %w", err)
		case kafka.ErrUnknownTopicOrPart:
			return fmt.Errorf("unknown topic or partition: %w", err)
		case kafka.ErrAuthentication:
			return fmt.Errorf("authentication error: %w", err)
		default:
			return fmt.Errorf("failed to produce: %w", err)
		}
	}
}

func (q *Producer) monitorProducerEvents(ctx context.Context) {
	defer close(q.eventsDone)
	for {
		select {
		case <-ctx.Done():
			q.log.Info("stopping kafka producer events monitoring, context done")
			return
		case <-q.closedCh:
			return
		case ev, ok := <-q.producer.Events():
			if !ok {
				q.fail(fmt.Errorf("kafka producer events channel closed"))
				return
			}

			switch e := ev.(type) {
			case *kafka.Message:
				q.report(e)
			case kafka.Error:
				if e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown {
					q.fail(fmt.Errorf("fatal err or ErrAllBrokersDown: %#x, %w", e.Code(), e))
					return
				}
				q.log.Warnf("ignoring unexpected kafka error: %#x, %v", e.Code(), e)
			case kafka.Stats:
				q.log.Debugf("kafka stats event received %s", e.String())
			default:
				q.log.Debugf("ignoring producer event: %v", e)
			}
		}
	}
}

// report forwards a delivery report. Reports for messages produced through
// Produce never reach here since they carry their own channel.
func (q *Producer) report(m *kafka.Message) {
	c, ret := deliveryOutcome(m)
	if ret != nil {
		select {
		case q.returns <- *ret:
		case <-q.closedCh:
		}
		return
	}
	select {
	case q.confirms <- c:
	case <-q.closedCh:
	}
}

func (q *Producer) fail(err error) {
	select {
	case q.errCh <- err:
	default:
		q.log.Warnw("error channel is full", "error", err)
	}
}

// deliveryOutcome maps a delivery report to a confirmation or, when the topic
// does not exist, to a return. Kafka has no routing step, so a missing topic is
// the only unroutable case.
func deliveryOutcome(m *kafka.Message) (broker.Confirmation, *broker.Return) {
	tag, _ := m.Opaque.(deliveryTag)
	if tag.Topic == "" && m.TopicPartition.Topic != nil {
		tag.Topic = *m.TopicPartition.Topic
	}

	err := m.TopicPartition.Error
	if err == nil {
		return broker.Confirmation{MessageID: tag.MessageID, CorrelationID: tag.CorrelationID, Ack: true}, nil
	}

	var kafkaErr kafka.Error
	if errors.As(err, &kafkaErr) {
		switch kafkaErr.Code() {
		case kafka.ErrUnknownTopicOrPart, kafka.ErrUnknownTopic:
			return broker.Confirmation{}, &broker.Return{
				MessageID:     tag.MessageID,
				CorrelationID: tag.CorrelationID,
				Exchange:      tag.Topic,
				RoutingKey:    tag.Key,
				ReplyCode:     int(kafkaErr.Code()),
				ReplyText:     kafkaErr.Error(),
			}
		}
	}
	return broker.Confirmation{
		MessageID:     tag.MessageID,
		CorrelationID: tag.CorrelationID,
		Ack:           false,
		Reason:        err.Error(),
	}, nil
}

func toKafkaHeaders(m broker.Message) []kafka.Header {
	headers := headersFromMap(m.Headers)
	if m.MessageID != "" {
		headers = append(headers, kafka.Header{Key: broker.HeaderMessageID, Value: []byte(m.MessageID)})
	}
	if m.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: broker.HeaderCorrelationID, Value: []byte(m.CorrelationID)})
	}
	return headers
}

func headersFromMap(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	headers := make([]kafka.Header, 0, len(h)+2)
	for k, v := range h {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}

func handleDeliveryEvent(log *zap.SugaredLogger, msg *kafka.Message, ev kafka.Event) error {
	e, ok := ev.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event: %T", ev)
	}

	if err := e.TopicPartition.Error; err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}

	log.Debugf(
		"delivered to topic [%s] partition [%d] at offset [%d]",
		*msg.TopicPartition.Topic,
		e.TopicPartition.Partition,
		e.TopicPartition.Offset,
	)
	return nil
}
