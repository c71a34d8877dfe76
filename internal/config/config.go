package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the agentbus service.
type Config struct {
	// Server configuration
	HTTPPort int    `env:"AGENTBUS_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"AGENTBUS_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Redis configuration
	Redis RedisConfig

	// Bus configuration
	Bus BusConfig

	// Cache configuration
	Cache CacheConfig
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// BusConfig holds event bus configuration.
type BusConfig struct {
	StreamPrefix  string `env:"BUS_STREAM_PREFIX" envDefault:"agent:stream"`
	ConsumerGroup string `env:"BUS_CONSUMER_GROUP" envDefault:"agent-group"`
	ConsumerName  string `env:"BUS_CONSUMER_NAME"`

	BlockInterval time.Duration `env:"BUS_BLOCK_INTERVAL" envDefault:"1s"`
	BatchSize     int64         `env:"BUS_BATCH_SIZE" envDefault:"10"`
	RetryBackoff  time.Duration `env:"BUS_RETRY_BACKOFF" envDefault:"1s"`

	// How long a delivered-but-unacknowledged message stays with its
	// original consumer before another group member may reclaim it.
	RedeliverAfter time.Duration `env:"BUS_REDELIVER_AFTER" envDefault:"30s"`

	// Default deadline for request/reply calls that do not specify one.
	RequestTimeout time.Duration `env:"BUS_REQUEST_TIMEOUT" envDefault:"30s"`

	// How often the consumer's health is logged.
	HealthInterval time.Duration `env:"BUS_HEALTH_INTERVAL" envDefault:"30s"`
}

// CacheConfig holds cache storage configuration.
type CacheConfig struct {
	Prefix string        `env:"CACHE_PREFIX" envDefault:"agent:cache"`
	TTL    time.Duration `env:"CACHE_TTL" envDefault:"1h"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Bus.ConsumerName == "" {
		cfg.Bus.ConsumerName = fmt.Sprintf("agent-%d", os.Getpid())
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Bus.StreamPrefix == "" {
		return fmt.Errorf("stream prefix is required")
	}
	if c.Bus.ConsumerGroup == "" {
		return fmt.Errorf("consumer group is required")
	}
	if c.Bus.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.Bus.BlockInterval <= 0 {
		return fmt.Errorf("block interval must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address.
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
