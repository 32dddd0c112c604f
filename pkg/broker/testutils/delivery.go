package testutils

import (
	"sync"

	"github.com/ava-labs/reliable-mq/pkg/broker"
)

var _ broker.Delivery = (*FakeDelivery)(nil)

// FakeDelivery is an in-memory broker.Delivery that records how it was settled.
type FakeDelivery struct {
	ID          string
	Correlation string
	Headers     map[string]string
	Queue       string
	Payload     []byte

	AckErr  error
	NackErr error

	mu       sync.Mutex
	acks     int
	nacks    int
	requeues int
}

func (d *FakeDelivery) MessageID() string     { return d.ID }
func (d *FakeDelivery) CorrelationID() string { return d.Correlation }
func (d *FakeDelivery) Source() string        { return d.Queue }
func (d *FakeDelivery) Body() []byte          { return d.Payload }

func (d *FakeDelivery) Header(key string) string {
	return d.Headers[key]
}

func (d *FakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks++
	return d.AckErr
}

func (d *FakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacks++
	if requeue {
		d.requeues++
	}
	return d.NackErr
}

// Settlement returns the number of Ack, Nack and requeueing Nack calls.
func (d *FakeDelivery) Settlement() (acks, nacks, requeues int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acks, d.nacks, d.requeues
}

// Redeliver returns a fresh, unsettled copy of d, as a broker would hand out
// after a requeue.
func (d *FakeDelivery) Redeliver() *FakeDelivery {
	return &FakeDelivery{
		ID:          d.ID,
		Correlation: d.Correlation,
		Headers:     d.Headers,
		Queue:       d.Queue,
		Payload:     d.Payload,
		AckErr:      d.AckErr,
		NackErr:     d.NackErr,
	}
}
