package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the dispatch server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Dispatch DispatchConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type DispatchConfig struct {
	// WorkerRequestsPerMin rate-limits each simulator's calls to the
	// worker-facing endpoints.
	WorkerRequestsPerMin int
	// StatusCacheTTL bounds how stale the cached status summary may be.
	StatusCacheTTL time.Duration
}

// Load reads configuration from environment variables and returns a
// validated Config. Returns an error with a descriptive message if any
// required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("DISPATCHER_PORT", 32014),
			Env:  envString("DISPATCHER_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Dispatch: DispatchConfig{
			WorkerRequestsPerMin: envInt("WORKER_REQUESTS_PER_MIN", 120),
			StatusCacheTTL:       envDuration("STATUS_CACHE_TTL", 5*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("DISPATCHER_PORT must be a valid port, got %d", c.Server.Port)
	}

	if c.Dispatch.WorkerRequestsPerMin <= 0 {
		return fmt.Errorf("WORKER_REQUESTS_PER_MIN must be positive, got %d", c.Dispatch.WorkerRequestsPerMin)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
