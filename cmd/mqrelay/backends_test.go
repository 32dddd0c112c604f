package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/reliable-mq/internal/repository/inmemory"
	"github.com/ava-labs/reliable-mq/pkg/lock"
	"github.com/ava-labs/reliable-mq/pkg/topology"
)

func TestBackends_CloseInReverseOrder(t *testing.T) {
	var order []string
	b := &backends{}
	b.onClose(func() { order = append(order, "store") })
	b.onClose(func() { order = append(order, "broker") })

	b.close()
	b.close()
	assert.Equal(t, []string{"broker", "store"}, order)
}

func TestOpenStores_Memory(t *testing.T) {
	b := &backends{}
	err := openStores(context.Background(), &Config{Store: storeMemory}, b, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	assert.IsType(t, &inmemory.RecordRepository{}, b.sends)
	assert.IsType(t, &inmemory.RecordRepository{}, b.receives)
	assert.NotSame(t, b.sends, b.receives)
	assert.Empty(t, b.checks)
}

func TestOpenStores_Invalid(t *testing.T) {
	err := openStores(context.Background(), &Config{Store: "mysql"}, &backends{}, zaptest.NewLogger(t).Sugar())
	assert.ErrorContains(t, err, "invalid store")
}

func TestOpenLocker_Memory(t *testing.T) {
	b := &backends{}
	err := openLocker(context.Background(), &Config{Lock: lockMemory}, b, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.IsType(t, &lock.MemoryLocker{}, b.locker)
}

func TestConsumeSource(t *testing.T) {
	route := topology.Route{BusinessType: "orders", Exchange: "orders.exchange", Queue: "orders.queue"}
	assert.Equal(t, "orders.exchange", consumeSource(&Config{Broker: brokerKafka}, route))
	assert.Equal(t, "orders.queue", consumeSource(&Config{Broker: brokerRabbitMQ}, route))
}
