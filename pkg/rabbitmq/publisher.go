package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ava-labs/reliable-mq/pkg/broker"
)

const callbackBufferSize = 1024

// publishChannel is the part of *amqp.Channel the Publisher uses.
type publishChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	GetNextPublishSeqNo() uint64
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type pendingMsg struct {
	MessageID     string
	CorrelationID string
}

// Publisher is a RabbitMQ implementation of broker.Publisher on a channel in
// confirm mode. Every message is published mandatory, so an unroutable message
// comes back on Returns, and it is forwarded before its ack. Confirmations are matched to msg_ids
// by publish sequence number.
//
// Close MUST be called to release the channel.
type Publisher struct {
	ch  publishChannel
	log *zap.SugaredLogger

	// pubMu serializes publishes so sequence numbers match publish order.
	pubMu   sync.Mutex
	mu      sync.Mutex
	pending map[uint64]pendingMsg

	confirms chan broker.Confirmation
	returns  chan broker.Return
	errCh    chan error
	closing  chan struct{}
	done     chan struct{}
	once     sync.Once
}

var _ broker.Publisher = (*Publisher)(nil)

// NewPublisher opens a channel on conn and puts it in confirm mode.
func NewPublisher(conn *amqp.Connection, log *zap.SugaredLogger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	p, err := newPublisher(ch, log)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return p, nil
}

func newPublisher(ch publishChannel, log *zap.SugaredLogger) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	p := &Publisher{
		ch:       ch,
		log:      log,
		pending:  make(map[uint64]pendingMsg),
		confirms: make(chan broker.Confirmation, callbackBufferSize),
		returns:  make(chan broker.Return, callbackBufferSize),
		errCh:    make(chan error, 1),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	confirmCh := ch.NotifyPublish(make(chan amqp.Confirmation, callbackBufferSize))
	returnCh := ch.NotifyReturn(make(chan amqp.Return, callbackBufferSize))
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	go p.loop(confirmCh, returnCh, closeCh)

	return p, nil
}

// Publish publishes m to exchange m.Exchange with routing key m.RoutingKey.
func (p *Publisher) Publish(ctx context.Context, m broker.Message) error {
	select {
	case <-p.closing:
		return broker.ErrPublisherClosed
	default:
	}

	msg := amqp.Publishing{
		MessageId:     m.MessageID,
		CorrelationId: m.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Headers:       toTable(m.Headers),
		Body:          m.Body,
	}
	if m.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	// Register before publishing: the confirm can arrive before
	// PublishWithContext returns.
	seq := p.ch.GetNextPublishSeqNo()
	p.track(seq, pendingMsg{MessageID: m.MessageID, CorrelationID: m.CorrelationID})

	if err := p.ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, true, false, msg); err != nil {
		p.untrack(seq)
		return fmt.Errorf("failed to publish to exchange %q: %w", m.Exchange, err)
	}
	return nil
}

// Confirms implements broker.Publisher.
func (p *Publisher) Confirms() <-chan broker.Confirmation { return p.confirms }

// Returns implements broker.Publisher.
func (p *Publisher) Returns() <-chan broker.Return { return p.returns }

// Errors receives the channel's close reason when the broker closes it.
func (p *Publisher) Errors() <-chan error { return p.errCh }

// Close closes the channel and waits for the callback goroutine. Messages
// still awaiting a confirm are reported as nacks when there is room. Calling
// Close multiple times does nothing.
func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closing)
		err = p.ch.Close()
		<-p.done
		p.log.Info("rabbitmq publisher closed")
	})
	return err
}

func (p *Publisher) track(seq uint64, m pendingMsg) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[seq] = m
}

func (p *Publisher) untrack(seq uint64) (pendingMsg, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.pending[seq]
	delete(p.pending, seq)
	return m, ok
}

// Pending returns the number of messages awaiting a confirm.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Publisher) loop(confirmCh <-chan amqp.Confirmation, returnCh <-chan amqp.Return, closeCh <-chan *amqp.Error) {
	defer close(p.done)
	defer func() {
		p.nackPending("channel closed before confirm")
		close(p.confirms)
		close(p.returns)
		close(p.errCh)
	}()

	for confirmCh != nil || returnCh != nil || closeCh != nil {
		select {
		case c, ok := <-confirmCh:
			if !ok {
				confirmCh = nil
				continue
			}
			// The client reads basic.return before the basic.ack of the same
			// publish, so any return already queued belongs ahead of this ack.
			returnCh = p.drainReturns(returnCh)
			m, found := p.untrack(c.DeliveryTag)
			if !found {
				p.log.Warnw("confirm for unknown delivery tag", "deliveryTag", c.DeliveryTag, "ack", c.Ack)
				continue
			}
			conf := broker.Confirmation{MessageID: m.MessageID, CorrelationID: m.CorrelationID, Ack: c.Ack}
			if !c.Ack {
				conf.Reason = "broker nack"
			}
			p.forwardConfirm(conf)

		case r, ok := <-returnCh:
			if !ok {
				returnCh = nil
				continue
			}
			p.forwardReturn(r)

		case amqpErr, ok := <-closeCh:
			if !ok {
				closeCh = nil
				continue
			}
			if amqpErr != nil {
				select {
				case p.errCh <- fmt.Errorf("rabbitmq channel closed: %w", amqpErr):
				default:
				}
			}
		}
	}
}

// drainReturns forwards every return already queued on returnCh without
// blocking. It returns nil once returnCh is closed.
func (p *Publisher) drainReturns(returnCh <-chan amqp.Return) <-chan amqp.Return {
	for {
		select {
		case r, ok := <-returnCh:
			if !ok {
				return nil
			}
			p.forwardReturn(r)
		default:
			return returnCh
		}
	}
}

func (p *Publisher) forwardReturn(r amqp.Return) {
	ret := broker.Return{
		MessageID:     r.MessageId,
		CorrelationID: r.CorrelationId,
		Exchange:      r.Exchange,
		RoutingKey:    r.RoutingKey,
		ReplyCode:     int(r.ReplyCode),
		ReplyText:     r.ReplyText,
	}
	select {
	case p.returns <- ret:
	case <-p.closing:
		p.log.Warnw("dropping return on close", "msgID", ret.MessageID)
	}
}

func (p *Publisher) forwardConfirm(c broker.Confirmation) {
	select {
	case p.confirms <- c:
	case <-p.closing:
		p.log.Warnw("dropping confirm on close", "msgID", c.MessageID, "ack", c.Ack)
	}
}

func (p *Publisher) nackPending(reason string) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[uint64]pendingMsg)
	p.mu.Unlock()

	for _, m := range pending {
		select {
		case p.confirms <- broker.Confirmation{MessageID: m.MessageID, CorrelationID: m.CorrelationID, Reason: reason}:
		default:
			p.log.Warnw("confirm buffer full, unconfirmed message left to the reconciler", "msgID", m.MessageID)
		}
	}
}

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}
	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}
	return t
}
