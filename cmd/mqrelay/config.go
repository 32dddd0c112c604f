package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/reliable-mq/pkg/clickhouse"
	"github.com/ava-labs/reliable-mq/pkg/inbox"
	"github.com/ava-labs/reliable-mq/pkg/kafka"
	"github.com/ava-labs/reliable-mq/pkg/lock"
	"github.com/ava-labs/reliable-mq/pkg/outbox"
	"github.com/ava-labs/reliable-mq/pkg/postgres"
	"github.com/ava-labs/reliable-mq/pkg/rabbitmq"
	"github.com/ava-labs/reliable-mq/pkg/reconciler"
)

const (
	storeMemory     = "memory"
	storeClickHouse = "clickhouse"
	storePostgres   = "postgres"

	lockMemory = "memory"
	lockRedis  = "redis"

	brokerKafka    = "kafka"
	brokerRabbitMQ = "rabbitmq"

	// minBlockBufferSize and maxBlockBufferSize bound BlockBufferSize (uint8)
	minBlockBufferSize = 0
	maxBlockBufferSize = 255
)

// Config holds all configuration for the mqrelay commands
type Config struct {
	Verbose      bool
	TopologyFile string

	// Backends
	Store  string
	Lock   string
	Broker string

	Outbox     outbox.Config
	Inbox      inbox.Config
	Reconciler reconciler.Config
	// ReconcileSchedule is the cron spec of the reconciler sweep (run only)
	ReconcileSchedule string
	// ConsumerConcurrency bounds concurrent handlers (consume only)
	ConsumerConcurrency int64

	// Kafka settings
	KafkaProducer               kafka.ProducerConfig
	KafkaGroupID                string
	KafkaAutoOffsetReset        string
	KafkaEnsureTopics           bool
	KafkaTopicNumPartitions     int
	KafkaTopicReplicationFactor int

	RabbitMQ   rabbitmq.Config
	ClickHouse clickhouse.Config
	Postgres   postgres.Config
	Redis      lock.RedisConfig

	// Metrics settings (run and consume)
	MetricsHost   string
	MetricsPort   int
	Service       string
	Environment   string
	Region        string
	CloudProvider string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// Validate checks the backend selection and the settings of the selected
// backends only.
func (c *Config) Validate() error {
	var errs []error
	if c.TopologyFile == "" {
		errs = append(errs, errors.New("topology file is required"))
	}

	switch c.Store {
	case storeMemory:
	case storeClickHouse:
		errs = append(errs, c.ClickHouse.Validate())
	case storePostgres:
		errs = append(errs, c.Postgres.Validate())
	default:
		errs = append(errs, fmt.Errorf("invalid store %q (want %s, %s or %s)", c.Store, storeMemory, storeClickHouse, storePostgres))
	}

	switch c.Lock {
	case lockMemory:
	case lockRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis address is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid lock %q (want %s or %s)", c.Lock, lockMemory, lockRedis))
	}

	switch c.Broker {
	case brokerKafka:
		if c.KafkaProducer.BootstrapServers == "" {
			errs = append(errs, errors.New("kafka brokers are required"))
		}
	case brokerRabbitMQ:
		errs = append(errs, c.RabbitMQ.Validate())
	default:
		errs = append(errs, fmt.Errorf("invalid broker %q (want %s or %s)", c.Broker, brokerKafka, brokerRabbitMQ))
	}

	errs = append(errs, c.Outbox.Validate(), c.Reconciler.Validate())
	if c.Inbox.MaxConsumerRetries < 0 {
		errs = append(errs, fmt.Errorf("consumer max retries must be >= 0, got %d", c.Inbox.MaxConsumerRetries))
	}
	return errors.Join(errs...)
}

// buildConfig builds a Config from CLI context flags
func buildConfig(c *cli.Context) (*Config, error) {
	chCfg, err := buildClickHouseConfig(c)
	if err != nil {
		return nil, fmt.Errorf("failed to build ClickHouse config: %w", err)
	}

	rmqCfg := rabbitmq.DefaultConfig()
	rmqCfg.URL = c.String("rabbitmq-url")
	rmqCfg.Heartbeat = c.Duration("rabbitmq-heartbeat")
	rmqCfg.Prefetch = c.Int("rabbitmq-prefetch")
	rmqCfg.DeclareTopology = c.Bool("rabbitmq-declare-topology")
	if n := c.Int64("concurrency"); n > 0 {
		rmqCfg.Concurrency = n
	}

	pgCfg := postgres.DefaultConfig()
	pgCfg.DSN = c.String("postgres-dsn")
	pgCfg.Schema = c.String("postgres-schema")
	pgCfg.MaxConns = int32(c.Int("postgres-max-conns")) //nolint:gosec // checked by Validate

	providerRetries := c.Int("provider-max-retries")
	consumerRetries := c.Int("consumer-max-retries")

	cfg := &Config{
		Verbose:      c.Bool("verbose"),
		TopologyFile: c.String("topology-file"),
		Store:        strings.ToLower(c.String("store")),
		Lock:         strings.ToLower(c.String("lock")),
		Broker:       strings.ToLower(c.String("broker")),
		Outbox: outbox.Config{
			MaxProviderRetries: providerRetries,
			PromoteOnAck:       c.Bool("promote-on-ack"),
			PublishTimeout:     c.Duration("publish-timeout"),
		},
		Inbox: inbox.Config{MaxConsumerRetries: consumerRetries},
		Reconciler: reconciler.Config{
			BatchSize:         c.Int("reconcile-batch-size"),
			GracePeriod:       c.Duration("reconcile-grace-period"),
			MaxSendRetries:    providerRetries,
			MaxReceiveRetries: consumerRetries,
			LockTTL:           c.Duration("reconcile-lock-ttl"),
		},
		ReconcileSchedule:   c.String("reconcile-schedule"),
		ConsumerConcurrency: rmqCfg.Concurrency,
		KafkaProducer: kafka.ProducerConfig{
			BootstrapServers: c.String("kafka-brokers"),
			ClientID:         c.String("kafka-client-id"),
			LingerMs:         5,
			Compression:      c.String("kafka-compression"),
			EnableLogs:       c.Bool("kafka-enable-logs"),
			SASL: kafka.SASLConfig{
				Username:         c.String("kafka-sasl-username"),
				Password:         c.String("kafka-sasl-password"),
				Mechanism:        c.String("kafka-sasl-mechanism"),
				SecurityProtocol: c.String("kafka-security-protocol"),
			},
		},
		KafkaGroupID:                c.String("kafka-group-id"),
		KafkaAutoOffsetReset:        c.String("kafka-auto-offset-reset"),
		KafkaEnsureTopics:           c.Bool("kafka-ensure-topics"),
		KafkaTopicNumPartitions:     c.Int("kafka-topic-num-partitions"),
		KafkaTopicReplicationFactor: c.Int("kafka-topic-replication-factor"),
		RabbitMQ:                    rmqCfg,
		ClickHouse:                  chCfg,
		Postgres:                    pgCfg,
		Redis: lock.RedisConfig{
			Addr:      c.String("redis-addr"),
			Username:  c.String("redis-username"),
			Password:  c.String("redis-password"),
			DB:        c.Int("redis-db"),
			KeyPrefix: c.String("redis-key-prefix"),
		},
		MetricsHost:   c.String("metrics-host"),
		MetricsPort:   c.Int("metrics-port"),
		Service:       c.String("service"),
		Environment:   c.String("environment"),
		Region:        c.String("region"),
		CloudProvider: c.String("cloud-provider"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildClickHouseConfig builds a clickhouse.Config from CLI context flags
func buildClickHouseConfig(c *cli.Context) (clickhouse.Config, error) {
	// StringSliceFlag keeps "a,b" from an env var as one element
	hosts := c.StringSlice("clickhouse-hosts")
	if len(hosts) == 1 && strings.Contains(hosts[0], ",") {
		hosts = strings.Split(hosts[0], ",")
		for i, host := range hosts {
			hosts[i] = strings.TrimSpace(host)
		}
	}

	blockBufferSize, err := validateBlockBufferSize(c.Int("clickhouse-block-buffer-size"))
	if err != nil {
		return clickhouse.Config{}, err
	}

	return clickhouse.Config{
		Hosts:                hosts,
		Cluster:              c.String("clickhouse-cluster"),
		Database:             c.String("clickhouse-database"),
		Username:             c.String("clickhouse-username"),
		Password:             c.String("clickhouse-password"),
		Debug:                c.Bool("clickhouse-debug"),
		TLS:                  c.Bool("clickhouse-tls"),
		InsecureSkipVerify:   c.Bool("clickhouse-insecure-skip-verify"),
		MaxExecutionTime:     c.Int("clickhouse-max-execution-time"),
		DialTimeout:          c.Duration("clickhouse-dial-timeout"),
		MaxOpenConns:         c.Int("clickhouse-max-open-conns"),
		MaxIdleConns:         c.Int("clickhouse-max-idle-conns"),
		ConnMaxLifetime:      c.Duration("clickhouse-conn-max-lifetime"),
		BlockBufferSize:      blockBufferSize,
		MaxBlockSize:         c.Int("clickhouse-max-block-size"),
		MaxCompressionBuffer: c.Int("clickhouse-max-compression-buffer"),
		ClientName:           appName,
		ClientVersion:        appVersion,
	}, nil
}

// validateBlockBufferSize checks that size fits in a uint8
func validateBlockBufferSize(size int) (uint8, error) {
	if size < minBlockBufferSize || size > maxBlockBufferSize {
		return 0, fmt.Errorf(
			"clickhouse-block-buffer-size must be between %d and %d, got %d",
			minBlockBufferSize, maxBlockBufferSize, size,
		)
	}
	return uint8(size), nil
}
