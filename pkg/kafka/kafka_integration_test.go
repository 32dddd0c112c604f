//go:build integration
// +build integration

package kafka

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	testKafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/ava-labs/reliable-mq/pkg/broker"
	"github.com/ava-labs/reliable-mq/pkg/kafka/testutils"
	"github.com/ava-labs/reliable-mq/pkg/topology"
)

// setupKafka starts a Kafka container and returns the bootstrap servers
func setupKafka(t *testing.T, ctx context.Context) string {
	t.Helper()
	kafkaContainer, err := testKafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		testKafka.WithClusterID("test-cluster"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(kafkaContainer); err != nil {
			t.Logf("failed to terminate kafka container: %s", err)
		}
	})

	bootstrapServers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err)
	return bootstrapServers[0]
}

func ensureTopics(t *testing.T, ctx context.Context, brokers string, routes ...topology.Route) {
	t.Helper()
	admin, err := NewAdminClient(ProducerConfig{BootstrapServers: brokers, ClientID: "admin", Compression: "none"})
	require.NoError(t, err)
	defer admin.Close()
	require.NoError(t, EnsureRouteTopics(ctx, admin, routes, 2, 1, testutils.NewTestLogger(t)))
}

func TestKafkaIntegration_PublishConfirmAndReturn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	brokers := setupKafka(t, ctx)
	ensureTopics(t, ctx, brokers, topology.Route{BusinessType: "orders", Exchange: "orders"})

	producer, err := NewProducer(ctx, ProducerConfig{
		BootstrapServers: brokers,
		ClientID:         "it",
		Compression:      "lz4",
	}, testutils.NewTestLogger(t))
	require.NoError(t, err)
	defer producer.Close(10 * time.Second)

	require.NoError(t, producer.Publish(ctx, broker.Message{
		Exchange:      "orders",
		RoutingKey:    "orders.created",
		MessageID:     "m-1",
		CorrelationID: "trace-1",
		Body:          []byte(`{"n":1}`),
	}))

	select {
	case c := <-producer.Confirms():
		assert.True(t, c.Ack, c.Reason)
		assert.Equal(t, "m-1", c.MessageID)
		assert.Equal(t, "trace-1", c.CorrelationID)
	case <-time.After(30 * time.Second):
		t.Fatal("no confirmation")
	}

	// confluent-local auto-creates topics unless disabled, so a missing topic
	// may still be acked; only check that some outcome arrives.
	require.NoError(t, producer.Publish(ctx, broker.Message{Exchange: "nowhere", MessageID: "m-2"}))
	select {
	case c := <-producer.Confirms():
		assert.Equal(t, "m-2", c.MessageID)
	case r := <-producer.Returns():
		assert.Equal(t, "m-2", r.MessageID)
		assert.Equal(t, "nowhere", r.Exchange)
	case <-time.After(60 * time.Second):
		t.Fatal("no outcome for unknown topic")
	}
}

func TestKafkaIntegration_ConsumeAckAndRequeue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	brokers := setupKafka(t, ctx)
	ensureTopics(t, ctx, brokers, topology.Route{BusinessType: "orders", Exchange: "orders", DeadLetterExchange: "orders.dlq"})

	producer, err := NewProducer(ctx, ProducerConfig{BootstrapServers: brokers, ClientID: "it", Compression: "none"}, testutils.NewTestLogger(t))
	require.NoError(t, err)
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		require.NoError(t, producer.Produce(ctx, Msg{
			Topic:   "orders",
			Key:     []byte(id),
			Value:   []byte(`{"id":"` + id + `"}`),
			Headers: map[string]string{broker.HeaderMessageID: id},
		}))
	}
	producer.Close(10 * time.Second)

	// m-2 is requeued once and acked on redelivery.
	var mu sync.Mutex
	seen := map[string]int{}
	var acked atomic.Int32
	handler := func(_ context.Context, d broker.Delivery) {
		mu.Lock()
		seen[d.MessageID()]++
		n := seen[d.MessageID()]
		mu.Unlock()

		if d.MessageID() == "m-2" && n == 1 {
			assert.NoError(t, d.Nack(true))
			return
		}
		assert.NoError(t, d.Ack())
		acked.Add(1)
	}

	consumer, err := NewConsumer(ctx, testutils.NewTestLogger(t), ConsumerConfig{
		BootstrapServers:            brokers,
		GroupID:                     "it-group",
		Topic:                       "orders",
		DLQTopic:                    "orders.dlq",
		Concurrency:                 2,
		AutoOffsetReset:             "earliest",
		OffsetManagerCommitInterval: time.Second,
	}, handler, nil)
	require.NoError(t, err)

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Start(consumerCtx) }()

	require.Eventually(t, func() bool { return acked.Load() == 3 }, 60*time.Second, 100*time.Millisecond)

	consumerCancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("consumer did not shut down within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"m-1": 1, "m-2": 2, "m-3": 1}, seen)
}
