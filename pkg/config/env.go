package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Storage drivers.
const (
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Env holds process settings read from the environment.
type Env struct {
	Manifest      string `env:"CACHE_WORKER_MANIFEST" envDefault:"worker.yaml"`
	Port          string `env:"PORT" envDefault:"8080"`
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"redis"`
	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"sw"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"cache-worker.db"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty     bool   `env:"LOG_PRETTY" envDefault:"false"`
	LogFile       string `env:"LOG_FILE"`
	OTELEndpoint  string `env:"OTEL_ENDPOINT"`
}

// ParseEnv loads Env from the environment and validates it.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}

	e.StorageDriver = strings.ToLower(strings.TrimSpace(e.StorageDriver))
	switch e.StorageDriver {
	case DriverRedis, DriverSQLite, DriverMemory:
	default:
		return Env{}, fmt.Errorf("%w: STORAGE_DRIVER %q must be redis, sqlite or memory", ErrInvalidConfig, e.StorageDriver)
	}
	return e, nil
}
