// Package config loads the match server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/park285/match-core/internal/obslog"
)

// Durable backends.
const (
	DurablePostgres = "postgres"
	DurableSQLite   = "sqlite"
)

// Ephemeral backends.
const (
	EphemeralMemory = "memory"
	EphemeralRedis  = "redis"
)

type AppConfig struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	DurableBackend string `env:"DURABLE_BACKEND" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"data/matches.db"`

	EphemeralBackend string        `env:"EPHEMERAL_BACKEND" envDefault:"memory"`
	RedisURL         string        `env:"REDIS_URL"`
	RedisMatchTTL    time.Duration `env:"REDIS_MATCH_TTL" envDefault:"24h"`

	DisconnectGrace time.Duration `env:"DISCONNECT_GRACE" envDefault:"5m"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	JWTSecret        string   `env:"JWT_SECRET"`
	CommandTablePath string   `env:"COMMAND_TABLE_PATH"`
	MessagesDir      string   `env:"MESSAGES_DIR"`
	AllowedOrigins   []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	Log obslog.Config `envPrefix:"LOG_"`
}

// Load parses the environment and checks that the chosen backends are usable.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) normalize() {
	c.DurableBackend = strings.ToLower(strings.TrimSpace(c.DurableBackend))
	c.EphemeralBackend = strings.ToLower(strings.TrimSpace(c.EphemeralBackend))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
}

func (c *AppConfig) validate() error {
	var errs []error
	switch c.DurableBackend {
	case DurablePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case DurableSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("DURABLE_BACKEND %q is not postgres or sqlite", c.DurableBackend))
	}
	switch c.EphemeralBackend {
	case EphemeralMemory:
	case EphemeralRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("EPHEMERAL_BACKEND %q is not memory or redis", c.EphemeralBackend))
	}
	if c.DisconnectGrace < 0 {
		errs = append(errs, errors.New("DISCONNECT_GRACE must not be negative"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// DurableDSN returns the driver name and DSN for the durable store.
func (c *AppConfig) DurableDSN() (driver, dsn string) {
	if c.DurableBackend == DurablePostgres {
		return "postgres", c.DatabaseURL
	}
	return "sqlite", c.SQLitePath
}
