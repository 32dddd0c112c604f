package kafka

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Default timeout values for Kafka consumer
const (
	DefaultSessionTimeout       = 240 * time.Second
	DefaultMaxPollInterval      = 3400 * time.Second
	DefaultFlushTimeout         = 15 * time.Second
	DefaultGoroutineWaitTimeout = 30 * time.Second
)

// SASLConfig holds optional SASL authentication settings. An empty Username
// disables SASL.
type SASLConfig struct {
	Username         string `env:"SASL_USERNAME"`
	Password         string `env:"SASL_PASSWORD"`
	Mechanism        string `env:"SASL_MECHANISM"         envDefault:"SCRAM-SHA-512"`
	SecurityProtocol string `env:"SASL_SECURITY_PROTOCOL" envDefault:"SASL_SSL"`
}

// ApplyToConfigMap sets the SASL properties on cm when a username is set.
func (s SASLConfig) ApplyToConfigMap(cm *kafka.ConfigMap) {
	if s.Username == "" {
		return
	}
	(*cm)["security.protocol"] = s.SecurityProtocol
	(*cm)["sasl.mechanisms"] = s.Mechanism
	(*cm)["sasl.username"] = s.Username
	(*cm)["sasl.password"] = s.Password
}

// ProducerConfig holds the configuration for the publishing side.
type ProducerConfig struct {
	BootstrapServers string     `env:"KAFKA_BOOTSTRAP_SERVERS" envDefault:"localhost:9092"`
	ClientID         string     `env:"KAFKA_CLIENT_ID"         envDefault:"mqrelay"`
	LingerMs         int        `env:"KAFKA_LINGER_MS"         envDefault:"5"`
	Compression      string     `env:"KAFKA_COMPRESSION"       envDefault:"lz4"`
	EnableLogs       bool       `env:"KAFKA_ENABLE_LOGS"       envDefault:"false"`
	SASL             SASLConfig `envPrefix:"KAFKA_"`
}

// ConfigMap returns librdkafka settings for an idempotent producer that waits
// for all in-sync replicas before reporting delivery.
func (c ProducerConfig) ConfigMap() *kafka.ConfigMap {
	cm := kafka.ConfigMap{
		"bootstrap.servers":      c.BootstrapServers,
		"client.id":              c.ClientID,
		"acks":                   "all",
		"linger.ms":              c.LingerMs,
		"batch.size":             16384,
		"compression.type":       c.Compression,
		"enable.idempotence":     true,
		"go.delivery.reports":    true,
		"go.logs.channel.enable": c.EnableLogs,
	}
	c.SASL.ApplyToConfigMap(&cm)
	return &cm
}

// ConsumerConfig holds the configuration for a Kafka consumer
type ConsumerConfig struct {
	Topic                       string         `env:"KAFKA_TOPIC"`                                             // Topic to consume from
	DLQTopic                    string         `env:"KAFKA_DLQ_TOPIC"`                                         // Topic for rejected messages; empty drops them
	BootstrapServers            string         `env:"KAFKA_BOOTSTRAP_SERVERS"      envDefault:"localhost:9092"` // Kafka broker addresses
	GroupID                     string         `env:"KAFKA_GROUP_ID"               envDefault:"mqrelay"`        // Consumer group ID for offset management
	AutoOffsetReset             string         `env:"KAFKA_AUTO_OFFSET_RESET"      envDefault:"earliest"`       // Offset reset strategy: "earliest" or "latest"
	Concurrency                 int64          `env:"KAFKA_CONCURRENCY"            envDefault:"10"`             // Maximum concurrent handlers
	OffsetManagerCommitInterval time.Duration  `env:"KAFKA_OFFSET_COMMIT_INTERVAL" envDefault:"5s"`             // Interval for committing offsets
	SessionTimeout              *time.Duration `env:"KAFKA_SESSION_TIMEOUT"`                                   // Session timeout for Kafka consumer
	MaxPollInterval             *time.Duration `env:"KAFKA_MAX_POLL_INTERVAL"`                                 // Max poll interval for Kafka consumer
	FlushTimeout                *time.Duration `env:"KAFKA_FLUSH_TIMEOUT"`                                     // Flush timeout for the requeue/DLQ producer
	GoroutineWaitTimeout        *time.Duration `env:"KAFKA_GOROUTINE_WAIT_TIMEOUT"`                            // How long Close waits for in-flight handlers
	EnableLogs                  bool           `env:"KAFKA_ENABLE_LOGS"            envDefault:"false"`          // Enable librdkafka client logs
	IsDLQConsumer               bool           `env:"KAFKA_IS_DLQ_CONSUMER"        envDefault:"false"`          // If true, rejected messages are not re-sent to DLQ
	SASL                        SASLConfig     `envPrefix:"KAFKA_"`
}

// LoadConsumerConfig loads Kafka consumer configuration from environment
// variables, filling unset timeouts with defaults.
func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg, err := env.ParseAs[ConsumerConfig]()
	if err != nil {
		return ConsumerConfig{}, fmt.Errorf("failed to parse consumer config: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// LoadProducerConfig loads Kafka producer configuration from environment variables.
func LoadProducerConfig() (ProducerConfig, error) {
	cfg, err := env.ParseAs[ProducerConfig]()
	if err != nil {
		return ProducerConfig{}, fmt.Errorf("failed to parse producer config: %w", err)
	}
	return cfg, nil
}

// WithDefaults returns a copy of the config with default values filled in for any nil pointer fields.
// This method does not mutate the original config.
func (c ConsumerConfig) WithDefaults() ConsumerConfig {
	if c.SessionTimeout == nil {
		timeout := DefaultSessionTimeout
		c.SessionTimeout = &timeout
	}
	if c.MaxPollInterval == nil {
		interval := DefaultMaxPollInterval
		c.MaxPollInterval = &interval
	}
	if c.FlushTimeout == nil {
		timeout := DefaultFlushTimeout
		c.FlushTimeout = &timeout
	}
	if c.GoroutineWaitTimeout == nil {
		timeout := DefaultGoroutineWaitTimeout
		c.GoroutineWaitTimeout = &timeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.OffsetManagerCommitInterval <= 0 {
		c.OffsetManagerCommitInterval = OffsetManagerCommitInterval
	}
	return c
}

// Validate reports missing required fields.
func (c ConsumerConfig) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("kafka consumer topic is required")
	}
	if c.BootstrapServers == "" {
		return fmt.Errorf("kafka bootstrap servers are required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka group id is required")
	}
	if c.DLQTopic != "" && c.DLQTopic == c.Topic {
		return fmt.Errorf("kafka DLQ topic must differ from the consumed topic %q", c.Topic)
	}
	switch c.AutoOffsetReset {
	case "earliest", "latest":
	default:
		return fmt.Errorf("invalid auto offset reset %q", c.AutoOffsetReset)
	}
	return nil
}

// ConfigMap returns librdkafka consumer settings. Call WithDefaults first.
func (c ConsumerConfig) ConfigMap() *kafka.ConfigMap {
	cm := kafka.ConfigMap{
		"bootstrap.servers":             c.BootstrapServers,
		"group.id":                      c.GroupID,
		"auto.offset.reset":             c.AutoOffsetReset,
		"enable.auto.commit":            false,
		"session.timeout.ms":            int(c.SessionTimeout.Milliseconds()),
		"max.poll.interval.ms":          int(c.MaxPollInterval.Milliseconds()),
		"partition.assignment.strategy": "roundrobin",
		"go.logs.channel.enable":        c.EnableLogs,
	}
	c.SASL.ApplyToConfigMap(&cm)
	return &cm
}

// ProducerConfig derives the settings of the producer the consumer uses for
// requeues and dead-lettering.
func (c ConsumerConfig) ProducerConfig() ProducerConfig {
	return ProducerConfig{
		BootstrapServers: c.BootstrapServers,
		ClientID:         c.GroupID + "-requeue",
		LingerMs:         5,
		Compression:      "lz4",
		EnableLogs:       c.EnableLogs,
		SASL:             c.SASL,
	}
}
