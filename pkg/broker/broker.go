package broker

import (
	"context"
	"errors"
)

// Header names carried on every published message.
const (
	HeaderMessageID     = "message-id"
	HeaderCorrelationID = "correlation-id"
	HeaderBusinessType  = "business-type"
)

var ErrPublisherClosed = errors.New("publisher closed")

// Message is an outgoing broker message.
type Message struct {
	Exchange      string
	RoutingKey    string
	MessageID     string
	CorrelationID string
	Headers       map[string]string
	Body          []byte
	Persistent    bool
}

// Confirmation is the broker's verdict on a published message.
type Confirmation struct {
	MessageID     string
	CorrelationID string
	Ack           bool
	Reason        string
}

// Return reports a message the broker accepted but could not route.
type Return struct {
	MessageID     string
	CorrelationID string
	Exchange      string
	RoutingKey    string
	ReplyCode     int
	ReplyText     string
}

// Publisher publishes messages asynchronously.
type Publisher interface {
	// Publish hands m to the broker client. A nil error means the message was
	// accepted for sending, not that it was delivered.
	Publish(ctx context.Context, m Message) error
	// Confirms delivers one Confirmation per accepted message.
	Confirms() <-chan Confirmation
	// Returns delivers unroutable messages. A message's Return is sent before
	// its Confirmation, so a reader that drains Returns after receiving a
	// Confirmation sees every Return that preceded it.
	Returns() <-chan Return
	// Errors receives at most one fatal error and is closed on shutdown.
	Errors() <-chan error
}

// Delivery is one inbound message.
type Delivery interface {
	MessageID() string
	CorrelationID() string
	Header(key string) string
	// Source is the queue or topic the delivery was consumed from.
	Source() string
	Body() []byte
	Ack() error
	// Nack rejects the delivery. With requeue the broker delivers it again.
	Nack(requeue bool) error
}

// DeliveryHandler processes one delivery and is responsible for settling it.
type DeliveryHandler func(ctx context.Context, d Delivery)
