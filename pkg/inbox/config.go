package inbox

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// MaxConsumerRetries is how many times a failing delivery is requeued.
	// The delivery after that is acked and its record left FAIL.
	MaxConsumerRetries int `env:"MQ_CONSUMER_MAX_RETRIES" envDefault:"3"`
}

func DefaultConfig() Config {
	return Config{MaxConsumerRetries: 3}
}

func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse inbox config: %w", err)
	}
	if cfg.MaxConsumerRetries < 0 {
		return Config{}, fmt.Errorf("max consumer retries must be >= 0, got %d", cfg.MaxConsumerRetries)
	}
	return cfg, nil
}
