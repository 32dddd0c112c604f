package testutils

import (
	"context"
	"sync"

	"github.com/ava-labs/reliable-mq/pkg/broker"
)

var _ broker.Publisher = (*FakePublisher)(nil)

// FakePublisher records published messages and lets tests inject broker
// callbacks.
type FakePublisher struct {
	mu        sync.Mutex
	published []broker.Message
	err       error

	confirms chan broker.Confirmation
	returns  chan broker.Return
	errs     chan error
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{
		confirms: make(chan broker.Confirmation, 64),
		returns:  make(chan broker.Return, 64),
		errs:     make(chan error, 1),
	}
}

// FailWith makes subsequent Publish calls return err. Pass nil to recover.
func (p *FakePublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *FakePublisher) Publish(_ context.Context, m broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, m)
	return nil
}

// Published returns a copy of every accepted message, in order.
func (p *FakePublisher) Published() []broker.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]broker.Message, len(p.published))
	copy(out, p.published)
	return out
}

// PublishedIDs returns the message ids of every accepted message, in order.
func (p *FakePublisher) PublishedIDs() []string {
	msgs := p.Published()
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MessageID
	}
	return ids
}

func (p *FakePublisher) Confirm(c broker.Confirmation) { p.confirms <- c }
func (p *FakePublisher) Return(r broker.Return)        { p.returns <- r }
func (p *FakePublisher) Fail(err error)                { p.errs <- err }

func (p *FakePublisher) Confirms() <-chan broker.Confirmation { return p.confirms }
func (p *FakePublisher) Returns() <-chan broker.Return        { return p.returns }
func (p *FakePublisher) Errors() <-chan error                 { return p.errs }
