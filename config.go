package collabrelay

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// EnvPrefix is prepended to every environment variable name below.
const EnvPrefix = "COLLAB_"

var validate = validator.New()

type Config struct {
	Port          int    `env:"PORT" envDefault:"3001" validate:"min=1,max=65535"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN" envDefault:"http://localhost:3000" validate:"required"`

	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s" validate:"gt=0"`
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"60s" validate:"gt=0"`
	// IdleTimeout closes sockets which send nothing at all. Zero means twice SessionTimeout.
	IdleTimeout time.Duration `env:"IDLE_TIMEOUT" validate:"gte=0"`
	SendBuffer  int           `env:"SEND_BUFFER" envDefault:"64" validate:"min=1"`

	NATSURL string `env:"NATS_URL" validate:"omitempty,url"`

	OTLPURL      string `env:"OTLP_URL" validate:"omitempty,url"`
	OTLPUsername string `env:"OTLP_USERNAME"`
	OTLPPassword string `env:"OTLP_PASSWORD"`
	SentryDSN    string `env:"SENTRY_DSN"`
	Metrics      bool   `env:"METRICS" envDefault:"true"`
	Debug        bool   `env:"DEBUG"`

	// Version is reported to Sentry and the tracer. Set by the binary, not the environment.
	Version string
}

// LoadConfig reads COLLAB_* environment variables, applying defaults for anything unset.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: EnvPrefix})
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return 2 * c.SessionTimeout
}

// ClientConfig is the environment for the client side.
type ClientConfig struct {
	// ServerURL is the relay's base URL. Empty means run offline.
	ServerURL string `env:"SERVER_URL" validate:"omitempty,url"`
}

func LoadClientConfig() (ClientConfig, error) {
	cfg, err := env.ParseAsWithOptions[ClientConfig](env.Options{Prefix: EnvPrefix})
	if err != nil {
		return ClientConfig{}, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	if err = validate.Struct(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("invalid client config: %w", err)
	}
	return cfg, nil
}
