package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ava-labs/reliable-mq/pkg/topology"
)

// DeadLetterQueueSuffix names the queue bound to a route's dead-letter
// exchange: "<queue>.dlq".
const DeadLetterQueueSuffix = ".dlq"

// declarer is the part of *amqp.Channel used to declare topology.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare creates the durable exchanges, queues and bindings the routes
// describe. Declarations are idempotent on the broker, so every process may
// call Declare at startup.
//
// A route with a dead-letter exchange also gets a direct DLX and a
// "<queue>.dlq" queue bound to it, so rejected messages are kept.
func Declare(ch declarer, routes []topology.Route, log *zap.SugaredLogger) error {
	exchanges := map[string]struct{}{}
	declareExchange := func(name, kind string) error {
		if _, ok := exchanges[name]; ok {
			return nil
		}
		if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %q: %w", name, err)
		}
		exchanges[name] = struct{}{}
		return nil
	}

	for _, r := range routes {
		if err := declareExchange(r.Exchange, string(r.Kind)); err != nil {
			return err
		}
		if r.Queue == "" {
			continue
		}

		if _, err := ch.QueueDeclare(r.Queue, true, false, false, false, amqp.Table(r.Args())); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", r.Queue, err)
		}
		if err := ch.QueueBind(r.Queue, r.RoutingKey, r.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %q to %q: %w", r.Queue, r.Exchange, err)
		}

		if r.DeadLetterExchange != "" {
			if err := declareExchange(r.DeadLetterExchange, string(topology.KindDirect)); err != nil {
				return err
			}
			dlq := r.Queue + DeadLetterQueueSuffix
			key := r.DeadLetterRoutingKey
			if key == "" {
				key = r.RoutingKey
			}
			if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
				return fmt.Errorf("failed to declare dead-letter queue %q: %w", dlq, err)
			}
			if err := ch.QueueBind(dlq, key, r.DeadLetterExchange, false, nil); err != nil {
				return fmt.Errorf("failed to bind dead-letter queue %q: %w", dlq, err)
			}
		}

		log.Infow("declared route",
			"businessType", r.BusinessType,
			"exchange", r.Exchange,
			"kind", r.Kind,
			"routingKey", r.RoutingKey,
			"queue", r.Queue,
			"deadLetterExchange", r.DeadLetterExchange,
		)
	}
	return nil
}
