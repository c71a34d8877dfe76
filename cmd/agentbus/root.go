package main

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dcavero/agentbus/internal/config"
	"github.com/dcavero/agentbus/pkg/adapters/logstore/redis"
	"github.com/dcavero/agentbus/pkg/bus"
	"github.com/dcavero/agentbus/pkg/ports"
)

var rootCmd = &cobra.Command{
	Use:           "agentbus",
	Short:         "Durable event bus for agent pipelines over Redis Streams",
	SilenceUsage:  true,
	SilenceErrors: false,
	Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(requestCmd)
}

// newRedisClient connects to Redis and verifies the connection.
func newRedisClient(ctx context.Context, cfg *config.Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Addr, err)
	}
	return client, nil
}

// newBus builds a bus over the Redis log store using the loaded
// configuration. A nil metrics collector falls back to a no-op one.
func newBus(client *goredis.Client, cfg *config.Config, metrics ports.MetricsCollector, logger *zap.Logger) *bus.Bus {
	store := redis.NewStore(client, cfg.Bus.RedeliverAfter, logger)
	return bus.New(store, &bus.Config{
		StreamPrefix:  cfg.Bus.StreamPrefix,
		BlockInterval: cfg.Bus.BlockInterval,
		BatchSize:     cfg.Bus.BatchSize,
		RetryBackoff:  cfg.Bus.RetryBackoff,
		Metrics:       metrics,
		Logger:        logger,
	})
}

// initLogger initializes the logger based on log level.
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
