package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the PostgreSQL connection pool settings.
type Config struct {
	DSN               string        `env:"POSTGRES_DSN"`
	Schema            string        `env:"POSTGRES_SCHEMA"              envDefault:"public"`
	MaxConns          int32         `env:"POSTGRES_MAX_CONNS"           envDefault:"10"`
	MinConns          int32         `env:"POSTGRES_MIN_CONNS"           envDefault:"0"`
	MaxConnLifetime   time.Duration `env:"POSTGRES_MAX_CONN_LIFETIME"   envDefault:"1h"`
	MaxConnIdleTime   time.Duration `env:"POSTGRES_MAX_CONN_IDLE_TIME"  envDefault:"30m"`
	HealthCheckPeriod time.Duration `env:"POSTGRES_HEALTH_CHECK_PERIOD" envDefault:"1m"`
	ConnectTimeout    time.Duration `env:"POSTGRES_CONNECT_TIMEOUT"     envDefault:"10s"`
}

// DefaultConfig returns the pool defaults. DSN is left empty.
func DefaultConfig() Config {
	return Config{
		Schema:            "public",
		MaxConns:          10,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectTimeout:    10 * time.Second,
	}
}

// LoadConfig reads Config from environment variables.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.DSN == "" {
		errs = append(errs, errors.New("postgres dsn is required"))
	}
	if c.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("postgres max conns must be > 0, got %d", c.MaxConns))
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		errs = append(errs, fmt.Errorf("postgres min conns must be in [0, %d], got %d", c.MaxConns, c.MinConns))
	}
	return errors.Join(errs...)
}
