package reconciler

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	BatchSize         int           `env:"MQ_RECONCILE_BATCH_SIZE" envDefault:"100"`
	GracePeriod       time.Duration `env:"MQ_RECONCILE_GRACE_PERIOD" envDefault:"5m"`
	MaxSendRetries    int           `env:"MQ_PROVIDER_MAX_RETRIES" envDefault:"3"`
	MaxReceiveRetries int           `env:"MQ_CONSUMER_MAX_RETRIES" envDefault:"3"`
	// LockTTL must exceed a publish plus confirm round trip.
	LockTTL time.Duration `env:"MQ_RECONCILE_LOCK_TTL" envDefault:"30s"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         100,
		GracePeriod:       5 * time.Minute,
		MaxSendRetries:    3,
		MaxReceiveRetries: 3,
		LockTTL:           30 * time.Second,
	}
}

func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse reconciler config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be > 0, got %d", c.BatchSize))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace period must be >= 0, got %s", c.GracePeriod))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("lock ttl must be > 0, got %s", c.LockTTL))
	}
	if c.MaxSendRetries < 0 || c.MaxReceiveRetries < 0 {
		errs = append(errs, errors.New("retry caps must be >= 0"))
	}
	return errors.Join(errs...)
}
