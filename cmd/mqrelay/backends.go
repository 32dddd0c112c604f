package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ava-labs/reliable-mq/internal/repository/inmemory"
	"github.com/ava-labs/reliable-mq/pkg/broker"
	"github.com/ava-labs/reliable-mq/pkg/clickhouse"
	chrecords "github.com/ava-labs/reliable-mq/pkg/data/clickhouse/recordrepo"
	pgrecords "github.com/ava-labs/reliable-mq/pkg/data/postgres/recordrepo"
	"github.com/ava-labs/reliable-mq/pkg/kafka"
	"github.com/ava-labs/reliable-mq/pkg/lock"
	"github.com/ava-labs/reliable-mq/pkg/metrics"
	"github.com/ava-labs/reliable-mq/pkg/postgres"
	"github.com/ava-labs/reliable-mq/pkg/rabbitmq"
	"github.com/ava-labs/reliable-mq/pkg/record"
	"github.com/ava-labs/reliable-mq/pkg/topology"
)

const flushTimeoutOnClose = 15 * time.Second

// backends holds the opened dependencies of a command. close releases them
// in reverse order of opening.
type backends struct {
	sends    record.Store
	receives record.Store
	locker   lock.Locker
	checks   []metrics.HealthCheck
	closers  []func()
}

func (b *backends) onClose(f func()) {
	b.closers = append(b.closers, f)
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// openStores opens the send and receive record stores of cfg.Store.
func openStores(ctx context.Context, cfg *Config, b *backends, log *zap.SugaredLogger) error {
	switch cfg.Store {
	case storeMemory:
		log.Warn("using in-memory record store, records are lost on exit")
		b.sends = inmemory.NewRecordRepository()
		b.receives = inmemory.NewRecordRepository()
		return nil

	case storeClickHouse:
		client, err := clickhouse.New(ctx, cfg.ClickHouse, log)
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse client: %w", err)
		}
		b.onClose(func() {
			if err := client.Close(); err != nil {
				log.Warnw("failed to close ClickHouse client", "error", err)
			}
		})
		b.checks = append(b.checks, metrics.HealthCheck{Name: "clickhouse", Check: client.Ping})

		sends, err := chrecords.NewRepository(ctx, client, cfg.ClickHouse.Database, cfg.ClickHouse.Cluster, record.KindSend)
		if err != nil {
			return fmt.Errorf("failed to create send record repository: %w", err)
		}
		receives, err := chrecords.NewRepository(ctx, client, cfg.ClickHouse.Database, cfg.ClickHouse.Cluster, record.KindReceive)
		if err != nil {
			return fmt.Errorf("failed to create receive record repository: %w", err)
		}
		log.Infow("ClickHouse record store ready", "sendTable", sends.TableName(), "receiveTable", receives.TableName())
		b.sends, b.receives = sends, receives
		return nil

	case storePostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres, log)
		if err != nil {
			return err
		}
		b.onClose(pool.Close)
		b.checks = append(b.checks, metrics.HealthCheck{Name: "postgres", Check: pool.Ping})

		sends := pgrecords.NewRepository(pool, cfg.Postgres.Schema, record.KindSend)
		receives := pgrecords.NewRepository(pool, cfg.Postgres.Schema, record.KindReceive)
		for _, repo := range []*pgrecords.Repository{sends, receives} {
			if err := repo.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate %s: %w", repo.Table(), err)
			}
		}
		log.Infow("PostgreSQL record store ready", "sendTable", sends.Table(), "receiveTable", receives.Table())
		b.sends, b.receives = sends, receives
		return nil
	}
	return fmt.Errorf("invalid store: %s", cfg.Store)
}

// openLocker opens the reconciler's lock backend.
func openLocker(ctx context.Context, cfg *Config, b *backends, log *zap.SugaredLogger) error {
	switch cfg.Lock {
	case lockMemory:
		log.Warn("using in-process locker, run a single reconciler instance")
		b.locker = lock.NewMemoryLocker()
		return nil

	case lockRedis:
		client := lock.NewRedisClient(cfg.Redis)
		b.onClose(func() {
			if err := client.Close(); err != nil {
				log.Warnw("failed to close redis client", "error", err)
			}
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis at %s: %w", cfg.Redis.Addr, err)
		}
		b.checks = append(b.checks, metrics.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
		b.locker = lock.NewRedisLocker(client, cfg.Redis.KeyPrefix)
		return nil
	}
	return fmt.Errorf("invalid lock: %s", cfg.Lock)
}

// openPublisher opens the broker publisher and prepares the topology it
// publishes to.
func openPublisher(ctx context.Context, cfg *Config, routes *topology.Table, b *backends, log *zap.SugaredLogger) (broker.Publisher, error) {
	switch cfg.Broker {
	case brokerKafka:
		if err := ensureKafkaTopics(ctx, cfg, routes, log); err != nil {
			return nil, err
		}
		producer, err := kafka.NewProducer(ctx, cfg.KafkaProducer, log.Named("producer"))
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka producer: %w", err)
		}
		b.onClose(func() { producer.Close(flushTimeoutOnClose) })
		return producer, nil

	case brokerRabbitMQ:
		conn, err := dialRabbitMQ(cfg, routes, b, log)
		if err != nil {
			return nil, err
		}
		publisher, err := rabbitmq.NewPublisher(conn, log.Named("publisher"))
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq publisher: %w", err)
		}
		b.onClose(func() {
			if err := publisher.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				log.Warnw("failed to close rabbitmq publisher", "error", err)
			}
		})
		return publisher, nil
	}
	return nil, fmt.Errorf("invalid broker: %s", cfg.Broker)
}

// consumer is a broker consumer that runs until ctx is done.
type consumer interface {
	Start(ctx context.Context) error
}

// openConsumer opens a consumer on the route of businessType. Kafka consumes
// the route's exchange as a topic and dead-letters to its dead-letter
// exchange; RabbitMQ consumes the route's queue.
func openConsumer(
	ctx context.Context,
	cfg *Config,
	routes *topology.Table,
	route topology.Route,
	handler broker.DeliveryHandler,
	b *backends,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) (consumer, error) {
	switch cfg.Broker {
	case brokerKafka:
		if err := ensureKafkaTopics(ctx, cfg, routes, log); err != nil {
			return nil, err
		}
		ccfg := kafka.ConsumerConfig{
			Topic:            route.Exchange,
			DLQTopic:         route.DeadLetterExchange,
			BootstrapServers: cfg.KafkaProducer.BootstrapServers,
			GroupID:          cfg.KafkaGroupID,
			AutoOffsetReset:  cfg.KafkaAutoOffsetReset,
			Concurrency:      cfg.ConsumerConcurrency,
			EnableLogs:       cfg.KafkaProducer.EnableLogs,
			SASL:             cfg.KafkaProducer.SASL,
		}
		c, err := kafka.NewConsumer(ctx, log.Named("consumer"), ccfg, handler, m)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		return c, nil

	case brokerRabbitMQ:
		if route.Queue == "" {
			return nil, fmt.Errorf("route %q has no queue to consume", route.BusinessType)
		}
		conn, err := dialRabbitMQ(cfg, routes, b, log)
		if err != nil {
			return nil, err
		}
		c, err := rabbitmq.NewConsumer(conn, cfg.RabbitMQ, route.Queue, handler, log.Named("consumer"))
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq consumer: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("invalid broker: %s", cfg.Broker)
}

// consumeSource names where deliveries of route are read from.
func consumeSource(cfg *Config, route topology.Route) string {
	if cfg.Broker == brokerKafka {
		return route.Exchange
	}
	return route.Queue
}

func ensureKafkaTopics(ctx context.Context, cfg *Config, routes *topology.Table, log *zap.SugaredLogger) error {
	if !cfg.KafkaEnsureTopics {
		return nil
	}
	admin, err := kafka.NewAdminClient(cfg.KafkaProducer)
	if err != nil {
		return err
	}
	defer admin.Close()

	err = kafka.EnsureRouteTopics(ctx, admin, routes.Routes(), cfg.KafkaTopicNumPartitions, cfg.KafkaTopicReplicationFactor, log)
	if err != nil {
		return fmt.Errorf("failed to ensure kafka topics: %w", err)
	}
	return nil
}

// dialRabbitMQ connects to RabbitMQ and declares the topology when enabled.
func dialRabbitMQ(cfg *Config, routes *topology.Table, b *backends, log *zap.SugaredLogger) (*amqp.Connection, error) {
	conn, err := rabbitmq.Dial(cfg.RabbitMQ)
	if err != nil {
		return nil, err
	}
	b.onClose(func() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			log.Warnw("failed to close rabbitmq connection", "error", err)
		}
	})
	b.checks = append(b.checks, metrics.HealthCheck{
		Name: "rabbitmq",
		Check: func(context.Context) error {
			if conn.IsClosed() {
				return amqp.ErrClosed
			}
			return nil
		},
	})

	if !cfg.RabbitMQ.DeclareTopology {
		return conn, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()
	if err := rabbitmq.Declare(ch, routes.Routes(), log); err != nil {
		return nil, fmt.Errorf("failed to declare topology: %w", err)
	}
	return conn, nil
}
