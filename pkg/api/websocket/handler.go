package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dcavero/agentbus/pkg/bus"
	"github.com/dcavero/agentbus/pkg/ports"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for MVP
	},
}

// Handler streams new envelopes from an event stream to WebSocket
// clients using non-group reads, so tailing never competes with the
// consumer group.
type Handler struct {
	bus    *bus.Bus
	store  ports.LogStore
	logger *zap.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(b *bus.Bus, store ports.LogStore, logger *zap.Logger) *Handler {
	return &Handler{
		bus:    b,
		store:  store,
		logger: logger,
	}
}

// HandleStreamTail tails the stream for a specific event type.
func (h *Handler) HandleStreamTail(c *gin.Context) {
	eventType := c.Param("type")
	stream := h.bus.StreamName(eventType)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("event_type", eventType),
		zap.String("stream", stream),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Drain the client side so a close is noticed promptly.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	// Only envelopes appended from now on; a tail is not a replay. The
	// start position is resolved once so nothing appended between polls
	// is skipped.
	from, err := h.store.LastID(ctx, stream)
	if err != nil {
		h.logger.Error("failed to resolve stream tail",
			zap.String("stream", stream),
			zap.Error(err))
		return
	}
	for {
		msgs, err := h.store.Read(ctx, stream, from, 10, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Error("failed to read stream",
				zap.String("stream", stream),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			data, err := json.Marshal(msg.Envelope)
			if err != nil {
				h.logger.Error("failed to marshal envelope", zap.Error(err))
				continue
			}

			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Error("failed to write message", zap.Error(err))
				return
			}
			from = msg.ID
		}

		if ctx.Err() != nil {
			return
		}
	}
}
