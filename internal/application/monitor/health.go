package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dcavero/agentbus/pkg/bus"
)

// HealthMonitor periodically logs the consumer's health so an operator
// can spot a stopped delivery loop without polling the health endpoint.
type HealthMonitor struct {
	bus      *bus.Bus
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewHealthMonitor creates a new health monitor.
func NewHealthMonitor(b *bus.Bus, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		bus:      b,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the health monitor.
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

// Stop stops the health monitor.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopCh)
}

func (h *HealthMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

func (h *HealthMonitor) checkHealth() {
	running := h.bus.Running()

	h.logger.Info("bus health check", zap.Bool("consumer_running", running))

	if !running {
		h.logger.Warn("event consumer is not running - events are accumulating unconsumed")
	}
}

// IsHealthy reports whether the consumer loop is running.
func (h *HealthMonitor) IsHealthy() bool {
	return h.bus.Running()
}
