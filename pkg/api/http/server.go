package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dcavero/agentbus/pkg/bus"
	"github.com/dcavero/agentbus/pkg/ports"
)

// Server represents the HTTP API server.
type Server struct {
	router *gin.Engine
	server *http.Server
	bus    *bus.Bus
	store  ports.LogStore
	cache  ports.CacheStorage
	logger *zap.Logger

	requestTimeout time.Duration
	cacheTTL       time.Duration
}

// Config holds HTTP server configuration.
type Config struct {
	Port  int
	Bus   *bus.Bus
	Store ports.LogStore
	Cache ports.CacheStorage
	// RequestTimeout is the default deadline for request/reply calls
	// that do not carry their own.
	RequestTimeout time.Duration
	// CacheTTL is the default expiry for cache writes that do not carry
	// their own.
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server.
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:         router,
		bus:            cfg.Bus,
		store:          cfg.Store,
		cache:          cfg.Cache,
		logger:         cfg.Logger,
		requestTimeout: cfg.RequestTimeout,
		cacheTTL:       cfg.CacheTTL,
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = 30 * time.Second
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = time.Hour
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// Event endpoints
		v1.POST("/events/:type", s.handlePublish)
		v1.GET("/events/:type", s.handlePeekEvents)
		v1.POST("/requests/:type", s.handleRequest)

		// Cache endpoints
		v1.GET("/cache/:key", s.handleCacheGet)
		v1.PUT("/cache/:key", s.handleCacheSet)
		v1.DELETE("/cache/:key", s.handleCacheDelete)
	}
}

// SetupWebSocket adds the stream-tail WebSocket handler to the server.
func (s *Server) SetupWebSocket(handler interface{}) {
	if wsHandler, ok := handler.(interface {
		HandleStreamTail(*gin.Context)
	}); ok {
		s.router.GET("/api/v1/events/:type/ws", wsHandler.HandleStreamTail)
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLogger is a middleware for request logging.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()))
	}
}
