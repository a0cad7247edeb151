// Package config loads the reference server's settings from the
// environment.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Prefix is prepended to every variable name, e.g. RENTWHEEL_PORT.
const Prefix = "rentwheel"

type Config struct {
	Port     int    `envconfig:"port" default:"8080" validate:"min=1,max=65535"`
	Env      string `envconfig:"env" default:"development" validate:"oneof=development dev staging production test"`
	LogLevel string `envconfig:"log_level" default:"info"`

	// DatabaseURL selects the driver by scheme: postgres://, mysql://,
	// sqlite:// or a bare file path.
	DatabaseURL string `envconfig:"database_url" default:"sqlite://rentwheel.db" validate:"required"`
	// RedisURL enables cross-instance fan-out when set.
	RedisURL string `envconfig:"redis_url" validate:"omitempty,url"`

	JWTSecret      string   `envconfig:"jwt_secret" validate:"required,min=16"`
	AllowedOrigins []string `envconfig:"allowed_origins" default:"*"`

	// SendRateLimit is the number of messages one user may post per minute.
	SendRateLimit uint `envconfig:"send_rate_limit" default:"30" validate:"min=1"`

	WebhookURL    string `envconfig:"webhook_url" validate:"omitempty,url"`
	WebhookSecret string `envconfig:"webhook_secret" validate:"required_with=WebhookURL"`

	ShutdownTimeout time.Duration `envconfig:"shutdown_timeout" default:"10s"`
}

// Load reads .env files outside release mode, then the environment.
func Load() (*Config, error) {
	if os.Getenv("GIN_MODE") != "release" {
		for _, f := range []string{".env.local", ".env"} {
			if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("file", f).Msg("couldn't load env file")
			}
		}
	}

	c := &Config{}
	if err := envconfig.Process(Prefix, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "dev"
}
