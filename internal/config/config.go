// Package config loads the server configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the server configuration.
type Config struct {
	Port           string        `env:"PORT" envDefault:"8080"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// Store selection: PostgreSQL when DatabaseURL is set, else Badger when
	// BadgerPath is set, else in-memory.
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	BadgerPath  string        `env:"BADGER_PATH"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"kuji.events"`

	// SeedSealingKey is a 64-hex key for sealing seeds at rest. Without it
	// an ephemeral key is generated and sealed seeds do not survive restarts.
	SeedSealingKey string `env:"SEED_SEALING_KEY"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	DrawRetryMaxElapsed time.Duration `env:"DRAW_RETRY_MAX_ELAPSED" envDefault:"2s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the server configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env parsing cannot.
func (c Config) Validate() error {
	var errs []error
	if c.SeedSealingKey != "" && len(c.SeedSealingKey) != 64 {
		errs = append(errs, errors.New("SEED_SEALING_KEY must be 64 hex characters"))
	}
	if c.RedisURL != "" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("REDIS_URL requires DATABASE_URL"))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
