package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dcavero/agentbus/pkg/bus"
	"github.com/dcavero/agentbus/pkg/ports"
)

// peekCacheTTL bounds how stale the cached stream listing may get.
const peekCacheTTL = 2 * time.Second

// PublishRequest represents an event publication request.
type PublishRequest struct {
	Payload map[string]interface{} `json:"payload" binding:"required"`
}

// PublishResponse represents an event publication response.
type PublishResponse struct {
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	PublishedAt string `json:"published_at"`
}

// DispatchRequest represents a request/reply call.
type DispatchRequest struct {
	Payload map[string]interface{} `json:"payload" binding:"required"`
	Timeout string                 `json:"timeout"`
}

// CacheSetRequest represents a cache write.
type CacheSetRequest struct {
	Value interface{} `json:"value" binding:"required"`
	TTL   string      `json:"ttl"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details.
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"consumer_running": s.bus.Running(),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

// handlePublish appends an event to its stream.
func (s *Server) handlePublish(c *gin.Context) {
	eventType := c.Param("type")

	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Error("invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	eventID, err := s.bus.Publish(c.Request.Context(), eventType, req.Payload)
	if err != nil {
		s.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Code:    "PUBLISH_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusAccepted, PublishResponse{
		EventID:     eventID,
		EventType:   eventType,
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleRequest performs a synchronous request/reply call. A missing
// reply is a 504, distinct from transport failures.
func (s *Server) handleRequest(c *gin.Context) {
	eventType := c.Param("type")

	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	timeout := s.requestTimeout
	if req.Timeout != "" {
		parsed, err := time.ParseDuration(req.Timeout)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: ErrorDetail{
					Code:    "INVALID_TIMEOUT",
					Message: fmt.Sprintf("invalid timeout: %s", req.Timeout),
				},
			})
			return
		}
		timeout = parsed
	}

	reply, err := s.bus.Request(c.Request.Context(), eventType, req.Payload, timeout)
	if err != nil {
		if errors.Is(err, bus.ErrRequestTimeout) {
			c.JSON(http.StatusGatewayTimeout, ErrorResponse{
				Error: ErrorDetail{
					Code:    "REQUEST_TIMEOUT",
					Message: fmt.Sprintf("no reply for %s within %s", eventType, timeout),
				},
			})
			return
		}
		s.logger.Error("request failed",
			zap.String("event_type", eventType),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Code:    "REQUEST_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"event_type": eventType,
		"payload":    reply,
	})
}

// handlePeekEvents lists envelopes from the head of an event stream.
// Listings are briefly cached to keep repeated dashboard polls off the
// log store.
func (s *Server) handlePeekEvents(c *gin.Context) {
	eventType := c.Param("type")

	count, err := strconv.ParseInt(c.DefaultQuery("count", "20"), 10, 64)
	if err != nil || count < 1 || count > 100 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_COUNT",
				Message: "count must be between 1 and 100",
			},
		})
		return
	}

	stream := s.bus.StreamName(eventType)
	cacheKey := fmt.Sprintf("peek:%s:%d", eventType, count)

	events, err := s.cache.GetOrSet(c.Request.Context(), cacheKey, peekCacheTTL,
		func(ctx context.Context) (interface{}, error) {
			msgs, err := s.store.Read(ctx, stream, "0", count, 0)
			if err != nil {
				return nil, err
			}
			envelopes := make([]ports.Envelope, 0, len(msgs))
			for _, m := range msgs {
				envelopes = append(envelopes, m.Envelope)
			}
			return envelopes, nil
		})
	if err != nil {
		s.logger.Error("failed to read stream",
			zap.String("stream", stream),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Code:    "READ_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"event_type": eventType,
		"stream":     stream,
		"events":     events,
	})
}

// handleCacheGet reads a cached value.
func (s *Server) handleCacheGet(c *gin.Context) {
	key := c.Param("key")

	value, err := s.cache.Get(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Code:    "CACHE_FAILED",
				Message: err.Error(),
			},
		})
		return
	}
	if value == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: "cache entry not found",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":   key,
		"value": value,
	})
}

// handleCacheSet writes a cached value.
func (s *Server) handleCacheSet(c *gin.Context) {
	key := c.Param("key")

	var req CacheSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	ttl := s.cacheTTL
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: ErrorDetail{
					Code:    "INVALID_TTL",
					Message: fmt.Sprintf("invalid ttl: %s", req.TTL),
				},
			})
			return
		}
		ttl = parsed
	}

	if err := s.cache.Set(c.Request.Context(), key, req.Value, ttl); err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Code:    "CACHE_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"key": key, "stored": true})
}

// handleCacheDelete removes a cached value.
func (s *Server) handleCacheDelete(c *gin.Context) {
	key := c.Param("key")

	if err := s.cache.Delete(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Code:    "CACHE_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"key": key, "deleted": true})
}
