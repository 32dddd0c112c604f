// Package broker defines the broker-neutral contracts the outbox and inbox are
// written against.
//
// A Publisher accepts messages without waiting for the broker: Publish only
// reports synchronous failures (connection, channel, validation). The final
// outcome of each message arrives later, on a different goroutine, through
// Confirms (broker ack or nack) and Returns (accepted but unroutable).
//
// A Delivery is one inbound message that must be settled exactly once with
// Ack or Nack.
//
// Implementations live in pkg/kafka and pkg/rabbitmq.
package broker
