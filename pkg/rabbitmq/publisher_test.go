package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/reliable-mq/pkg/broker"
)

type published struct {
	exchange  string
	key       string
	mandatory bool
	msg       amqp.Publishing
}

// fakePublishChannel hands out sequence numbers like a channel in confirm mode
// and lets tests push confirms, returns and close errors.
type fakePublishChannel struct {
	confirmErr error
	publishErr error

	confirmCh chan amqp.Confirmation
	returnCh  chan amqp.Return
	closeCh   chan *amqp.Error

	mu        sync.Mutex
	seq       uint64
	published []published
	closed    bool
}

func (f *fakePublishChannel) Confirm(bool) error { return f.confirmErr }

func (f *fakePublishChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirmCh = c
	return c
}

func (f *fakePublishChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	f.returnCh = c
	return c
}

func (f *fakePublishChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closeCh = c
	return c
}

func (f *fakePublishChannel) GetNextPublishSeqNo() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq + 1
}

func (f *fakePublishChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.published = append(f.published, published{exchange: exchange, key: key, mandatory: mandatory, msg: msg})
	return nil
}

func (f *fakePublishChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.closed = true
	close(f.confirmCh)
	close(f.returnCh)
	close(f.closeCh)
	return nil
}

func newTestPublisher(t *testing.T) (*Publisher, *fakePublishChannel) {
	t.Helper()
	ch := &fakePublishChannel{}
	p, err := newPublisher(ch, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, ch
}

func receiveConfirm(t *testing.T, p *Publisher) broker.Confirmation {
	t.Helper()
	select {
	case c, ok := <-p.Confirms():
		require.True(t, ok, "confirms closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no confirmation")
		return broker.Confirmation{}
	}
}

func TestPublisher_Publish(t *testing.T) {
	p, ch := newTestPublisher(t)

	err := p.Publish(context.Background(), broker.Message{
		Exchange:      "orders",
		RoutingKey:    "orders.created",
		MessageID:     "m-1",
		CorrelationID: "trace-1",
		Headers:       map[string]string{broker.HeaderBusinessType: "orders"},
		Body:          []byte(`{"id":1}`),
		Persistent:    true,
	})
	require.NoError(t, err)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, "orders", got.exchange)
	assert.Equal(t, "orders.created", got.key)
	assert.True(t, got.mandatory)
	assert.Equal(t, "m-1", got.msg.MessageId)
	assert.Equal(t, "trace-1", got.msg.CorrelationId)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, amqp.Table{broker.HeaderBusinessType: "orders"}, got.msg.Headers)
	assert.Equal(t, 1, p.Pending())
}

func TestPublisher_ConfirmsMatchedBySequence(t *testing.T) {
	p, ch := newTestPublisher(t)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, broker.Message{Exchange: "orders", MessageID: "m-1", CorrelationID: "c-1"}))
	require.NoError(t, p.Publish(ctx, broker.Message{Exchange: "orders", MessageID: "m-2", CorrelationID: "c-2"}))

	ch.confirmCh <- amqp.Confirmation{DeliveryTag: 2, Ack: false}
	ch.confirmCh <- amqp.Confirmation{DeliveryTag: 1, Ack: true}

	assert.Equal(t, broker.Confirmation{MessageID: "m-2", CorrelationID: "c-2", Reason: "broker nack"}, receiveConfirm(t, p))
	assert.Equal(t, broker.Confirmation{MessageID: "m-1", CorrelationID: "c-1", Ack: true}, receiveConfirm(t, p))
	assert.Equal(t, 0, p.Pending())
}

func TestPublisher_UnknownConfirmIgnored(t *testing.T) {
	p, ch := newTestPublisher(t)
	require.NoError(t, p.Publish(context.Background(), broker.Message{Exchange: "orders", MessageID: "m-1"}))

	ch.confirmCh <- amqp.Confirmation{DeliveryTag: 42, Ack: true}
	ch.confirmCh <- amqp.Confirmation{DeliveryTag: 1, Ack: true}

	assert.Equal(t, "m-1", receiveConfirm(t, p).MessageID)
}

func TestPublisher_Returns(t *testing.T) {
	p, ch := newTestPublisher(t)

	ch.returnCh <- amqp.Return{
		ReplyCode:     amqp.NoRoute,
		ReplyText:     "NO_ROUTE",
		Exchange:      "orders",
		RoutingKey:    "nowhere",
		MessageId:     "m-1",
		CorrelationId: "c-1",
	}

	select {
	case r := <-p.Returns():
		assert.Equal(t, broker.Return{
			MessageID:     "m-1",
			CorrelationID: "c-1",
			Exchange:      "orders",
			RoutingKey:    "nowhere",
			ReplyCode:     amqp.NoRoute,
			ReplyText:     "NO_ROUTE",
		}, r)
	case <-time.After(2 * time.Second):
		t.Fatal("no return")
	}
}

func TestPublisher_ReturnForwardedBeforeAck(t *testing.T) {
	// Both notifications are queued before the loop runs, which is how the
	// client leaves them for an unroutable mandatory publish.
	for range 50 {
		p := &Publisher{
			log:      zaptest.NewLogger(t).Sugar(),
			pending:  map[uint64]pendingMsg{1: {MessageID: "m-1"}},
			confirms: make(chan broker.Confirmation),
			returns:  make(chan broker.Return, 1),
			errCh:    make(chan error, 1),
			closing:  make(chan struct{}),
			done:     make(chan struct{}),
		}
		returnCh := make(chan amqp.Return, 1)
		confirmCh := make(chan amqp.Confirmation, 1)
		returnCh <- amqp.Return{MessageId: "m-1", ReplyCode: amqp.NoRoute, ReplyText: "NO_ROUTE"}
		confirmCh <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
		close(returnCh)
		close(confirmCh)
		go p.loop(confirmCh, returnCh, nil)

		c := receiveConfirm(t, p)
		require.True(t, c.Ack)
		select {
		case r := <-p.Returns():
			require.Equal(t, "m-1", r.MessageID)
		default:
			t.Fatal("ack forwarded before the return of the same message")
		}
		<-p.done
	}
}

func TestPublisher_PublishErrorUntracks(t *testing.T) {
	p, ch := newTestPublisher(t)
	ch.publishErr = errors.New("channel/connection is not open")

	err := p.Publish(context.Background(), broker.Message{Exchange: "orders", MessageID: "m-1"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "not open")
	assert.Equal(t, 0, p.Pending())
}

func TestPublisher_CloseNacksPending(t *testing.T) {
	p, _ := newTestPublisher(t)
	require.NoError(t, p.Publish(context.Background(), broker.Message{Exchange: "orders", MessageID: "m-1"}))

	require.NoError(t, p.Close())

	c := receiveConfirm(t, p)
	assert.Equal(t, "m-1", c.MessageID)
	assert.False(t, c.Ack)
	assert.Equal(t, "channel closed before confirm", c.Reason)

	_, ok := <-p.Confirms()
	assert.False(t, ok)
	_, ok = <-p.Returns()
	assert.False(t, ok)
	_, ok = <-p.Errors()
	assert.False(t, ok)
}

func TestPublisher_PublishAfterClose(t *testing.T) {
	p, _ := newTestPublisher(t)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.Publish(context.Background(), broker.Message{Exchange: "orders", MessageID: "m-1"})
	assert.ErrorIs(t, err, broker.ErrPublisherClosed)
}

func TestPublisher_ChannelCloseReported(t *testing.T) {
	p, ch := newTestPublisher(t)

	ch.closeCh <- &amqp.Error{Code: amqp.NotFound, Reason: "no exchange 'orders'"}

	select {
	case err := <-p.Errors():
		assert.ErrorContains(t, err, "no exchange")
	case <-time.After(2 * time.Second):
		t.Fatal("no error")
	}
}

func TestNewPublisher_ConfirmModeRefused(t *testing.T) {
	_, err := newPublisher(&fakePublishChannel{confirmErr: errors.New("not supported")}, zaptest.NewLogger(t).Sugar())
	assert.ErrorContains(t, err, "publisher confirms")
}
