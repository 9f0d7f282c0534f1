package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings for the API service.
type Config struct {
	Addr            string        `env:"COMMUNA_ADDR" envDefault:":8080"`
	PostgresDSN     string        `env:"COMMUNA_PG_DSN"`
	AuthSecret      string        `env:"COMMUNA_AUTH_SECRET"`
	TokenIssuer     string        `env:"COMMUNA_TOKEN_ISSUER" envDefault:"communa"`
	AccessTTL       time.Duration `env:"COMMUNA_ACCESS_TTL" envDefault:"12h"`
	ImpersonateTTL  time.Duration `env:"COMMUNA_IMPERSONATE_TTL" envDefault:"1h"`
	RateBurst       int           `env:"COMMUNA_RATE_BURST" envDefault:"20"`
	RatePerSecond   int           `env:"COMMUNA_RATE_PER_SECOND" envDefault:"10"`
	MaxBodyBytes    int64         `env:"COMMUNA_MAX_BODY_BYTES" envDefault:"1048576"`
	ShutdownTimeout time.Duration `env:"COMMUNA_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.AuthSecret == "" {
		return errors.New("COMMUNA_AUTH_SECRET is required")
	}
	if c.AccessTTL <= 0 || c.ImpersonateTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	return nil
}
