package clickhouse

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the configuration for a ClickHouse client.
//
// ClickHouse processes data in blocks. MaxBlockSize is the recommended maximum
// number of rows per block when reading; too small a block makes the per-block
// overhead noticeable. See https://clickhouse.com/docs/operations/settings/settings
type Config struct {
	Hosts    []string `env:"CLICKHOUSE_HOSTS"    envSeparator:"," envDefault:"localhost:9000"`
	Database string   `env:"CLICKHOUSE_DATABASE" envDefault:"default"`
	Username string   `env:"CLICKHOUSE_USERNAME" envDefault:"default"`
	Password string   `env:"CLICKHOUSE_PASSWORD" envDefault:""`
	// Cluster is used in ON CLUSTER DDL. Empty means a single node.
	Cluster              string        `env:"CLICKHOUSE_CLUSTER"                envDefault:""`
	Debug                bool          `env:"CLICKHOUSE_DEBUG"                  envDefault:"false"`
	TLS                  bool          `env:"CLICKHOUSE_TLS"                    envDefault:"false"`
	InsecureSkipVerify   bool          `env:"CLICKHOUSE_INSECURE_SKIP_VERIFY"   envDefault:"true"`
	MaxExecutionTime     int           `env:"CLICKHOUSE_MAX_EXECUTION_TIME"     envDefault:"60"` // seconds
	DialTimeout          time.Duration `env:"CLICKHOUSE_DIAL_TIMEOUT"           envDefault:"30s"`
	MaxOpenConns         int           `env:"CLICKHOUSE_MAX_OPEN_CONNS"         envDefault:"5"`
	MaxIdleConns         int           `env:"CLICKHOUSE_MAX_IDLE_CONNS"         envDefault:"5"`
	ConnMaxLifetime      time.Duration `env:"CLICKHOUSE_CONN_MAX_LIFETIME"      envDefault:"10m"`
	BlockBufferSize      uint8         `env:"CLICKHOUSE_BLOCK_BUFFER_SIZE"      envDefault:"10"`
	MaxBlockSize         int           `env:"CLICKHOUSE_MAX_BLOCK_SIZE"         envDefault:"1000"`
	MaxCompressionBuffer int           `env:"CLICKHOUSE_MAX_COMPRESSION_BUFFER" envDefault:"10240"` // bytes
	ClientName           string        `env:"CLICKHOUSE_CLIENT_NAME"            envDefault:"mqrelay"`
	ClientVersion        string        `env:"CLICKHOUSE_CLIENT_VERSION"         envDefault:"1.0"`
}

// LoadConfig reads Config from environment variables.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse clickhouse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Hosts) == 0 {
		errs = append(errs, errors.New("clickhouse hosts are required"))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("clickhouse database is required"))
	}
	if c.MaxBlockSize < 0 {
		errs = append(errs, fmt.Errorf("clickhouse max block size must be >= 0, got %d", c.MaxBlockSize))
	}
	return errors.Join(errs...)
}
