package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dcavero/agentbus/internal/application/monitor"
	"github.com/dcavero/agentbus/internal/application/responders"
	"github.com/dcavero/agentbus/internal/config"
	"github.com/dcavero/agentbus/pkg/adapters/metrics/prometheus"
	redisstorage "github.com/dcavero/agentbus/pkg/adapters/storage/redis"
	grpcapi "github.com/dcavero/agentbus/pkg/api/grpc"
	httpapi "github.com/dcavero/agentbus/pkg/api/http"
	wsapi "github.com/dcavero/agentbus/pkg/api/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bus service with its HTTP, WebSocket and gRPC APIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting agentbus",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("log_level", cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis client
	redisClient, err := newRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialize Redis client", zap.Error(err))
	}
	defer func() { _ = redisClient.Close() }()

	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	// Initialize metrics collector
	collector := prometheus.NewCollector()

	// Initialize event bus over the Redis log store
	eventBus := newBus(redisClient, cfg, collector, logger)

	// Initialize cache storage
	cache := redisstorage.NewCacheStorage(redisClient, cfg.Cache.Prefix, logger)

	// Register built-in responders before the consumer starts
	responders.NewEcho(eventBus, logger).Register()

	// Start the consumer loop
	consumerErr := make(chan error, 1)
	go func() {
		if err := eventBus.StartConsumer(ctx, cfg.Bus.ConsumerGroup, cfg.Bus.ConsumerName); err != nil {
			consumerErr <- err
		}
	}()

	// Start the health monitor
	healthMonitor := monitor.NewHealthMonitor(eventBus, cfg.Bus.HealthInterval, logger)
	healthMonitor.Start()

	// Initialize HTTP server
	httpServer := httpapi.NewServer(&httpapi.Config{
		Port:           cfg.HTTPPort,
		Bus:            eventBus,
		Store:          eventBus.Store(),
		Cache:          cache,
		RequestTimeout: cfg.Bus.RequestTimeout,
		CacheTTL:       cfg.Cache.TTL,
		Logger:         logger,
	})
	httpServer.SetupWebSocket(wsapi.NewHandler(eventBus, eventBus.Store(), logger))

	// Initialize gRPC server
	grpcServer, err := grpcapi.NewServer(&grpcapi.Config{
		Port:   cfg.GRPCPort,
		Bus:    eventBus,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to initialize gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error("HTTP server error", zap.Error(err))
			cancel()
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
			cancel()
		}
	}()

	logger.Info("agentbus started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("consumer_group", cfg.Bus.ConsumerGroup),
		zap.String("consumer_name", cfg.Bus.ConsumerName))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-consumerErr:
		logger.Error("consumer stopped unexpectedly", zap.Error(err))
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown gRPC server", zap.Error(err))
	}

	healthMonitor.Stop()
	eventBus.StopConsumer()

	logger.Info("agentbus shut down complete")
	return nil
}
