package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ava-labs/reliable-mq/pkg/metrics"
	"github.com/ava-labs/reliable-mq/pkg/topology"
	"github.com/ava-labs/reliable-mq/pkg/utils"
)

const metricsShutdownTimeout = 5 * time.Second

// env is what every command builds before doing its work.
type env struct {
	cfg      *Config
	log      *zap.SugaredLogger
	routes   *topology.Table
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// newEnv builds the configuration, logger, routing table and metrics.
// The caller must call sync on the returned env.
func newEnv(c *cli.Context) (*env, error) {
	cfg, err := buildConfig(c)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	sugar = sugar.With("command", c.Command.Name)

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"topologyFile", cfg.TopologyFile,
		"store", cfg.Store,
		"lock", cfg.Lock,
		"broker", cfg.Broker,
		"providerMaxRetries", cfg.Outbox.MaxProviderRetries,
		"consumerMaxRetries", cfg.Inbox.MaxConsumerRetries,
		"promoteOnAck", cfg.Outbox.PromoteOnAck,
		"publishTimeout", cfg.Outbox.PublishTimeout,
		"reconcileBatchSize", cfg.Reconciler.BatchSize,
		"reconcileGracePeriod", cfg.Reconciler.GracePeriod,
		"reconcileLockTTL", cfg.Reconciler.LockTTL,
		"reconcileSchedule", cfg.ReconcileSchedule,
		"kafkaBrokers", cfg.KafkaProducer.BootstrapServers,
		"kafkaGroupID", cfg.KafkaGroupID,
		"clickhouseDatabase", cfg.ClickHouse.Database,
		"clickhouseCluster", cfg.ClickHouse.Cluster,
		"postgresSchema", cfg.Postgres.Schema,
		"redisAddr", cfg.Redis.Addr,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"region", cfg.Region,
		"cloudProvider", cfg.CloudProvider,
	)

	routes, err := topology.Load(cfg.TopologyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load topology: %w", err)
	}
	sugar.Infow("topology loaded", "routes", len(routes.Routes()))

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		Service:       cfg.Service,
		Environment:   cfg.Environment,
		Region:        cfg.Region,
		CloudProvider: cfg.CloudProvider,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return &env{cfg: cfg, log: sugar, routes: routes, registry: registry, metrics: m}, nil
}

func (e *env) sync() {
	_ = e.log.Desugar().Sync() // best-effort flush; ignore sync errors
}

// startMetricsServer serves /metrics and /health until the returned stop
// function is called.
func (e *env) startMetricsServer(checks []metrics.HealthCheck) (<-chan error, func()) {
	server := metrics.NewServer(e.cfg.MetricsAddr(), e.registry, checks...)
	errCh := server.Start()
	if e.cfg.MetricsHost == "" {
		e.log.Infof("metrics server listening on http://0.0.0.0:%d/metrics", e.cfg.MetricsPort)
	} else {
		e.log.Infof("metrics server listening on http://%s/metrics", e.cfg.MetricsAddr())
	}

	return errCh, func() {
		e.log.Info("shutting down metrics server")
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			e.log.Warnw("metrics server shutdown error", "error", err)
		}
	}
}

// waitMetricsServer returns when ctx is done or the metrics server fails.
func waitMetricsServer(ctx context.Context, errCh <-chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	}
}
