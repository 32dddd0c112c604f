package outbox

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls the Sender's in-process retry behaviour.
type Config struct {
	// MaxProviderRetries caps republishes triggered by broker nacks. A record
	// whose retry_count reaches it is marked FAIL.
	MaxProviderRetries int `env:"MQ_PROVIDER_MAX_RETRIES" envDefault:"3"`
	// PromoteOnAck marks INIT records SUCCESS when the broker acks them.
	// Off by default: ack is logged only, so an acked record stays INIT and
	// the send sweep republishes it once per grace period until the retry
	// cap. Consumers dedup the copies by msg_id.
	PromoteOnAck bool `env:"MQ_PROMOTE_ON_ACK" envDefault:"false"`
	// PublishTimeout bounds a single broker publish call. Zero disables it.
	PublishTimeout time.Duration `env:"MQ_PUBLISH_TIMEOUT" envDefault:"5s"`
}

func DefaultConfig() Config {
	return Config{
		MaxProviderRetries: 3,
		PublishTimeout:     5 * time.Second,
	}
}

// LoadConfig reads the sender configuration from the environment.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse outbox config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxProviderRetries < 0 {
		return fmt.Errorf("max provider retries must be >= 0, got %d", c.MaxProviderRetries)
	}
	if c.PublishTimeout < 0 {
		return fmt.Errorf("publish timeout must be >= 0, got %s", c.PublishTimeout)
	}
	return nil
}
