package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dcavero/agentbus/pkg/ports"
)

// Collector implements ports.MetricsCollector using Prometheus.
type Collector struct {
	eventsPublished *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	consumerRunning prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector.
func NewCollector() *Collector {
	return &Collector{
		eventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentbus_events_published_total",
				Help: "Total number of envelopes appended to event streams",
			},
			[]string{"event_type", "status"},
		),
		eventsDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentbus_events_delivered_total",
				Help: "Total number of deliveries by outcome (acked, failed, skipped)",
			},
			[]string{"event_type", "status"},
		),
		handlerDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentbus_handler_duration_seconds",
				Help:    "Handler execution duration in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"event_type"},
		),
		requests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentbus_requests_total",
				Help: "Total number of request/reply calls by outcome",
			},
			[]string{"status"},
		),
		requestDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentbus_request_duration_seconds",
				Help:    "Request/reply round-trip duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),
		consumerRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentbus_consumer_running",
				Help: "Whether the consumer loop is running (1) or stopped (0)",
			},
		),
	}
}

// RecordPublished counts an append attempt by outcome.
func (c *Collector) RecordPublished(eventType, status string) {
	c.eventsPublished.WithLabelValues(eventType, status).Inc()
}

// RecordDelivered counts a delivery by outcome and observes the handler
// duration for handled messages.
func (c *Collector) RecordDelivered(eventType, status string, duration time.Duration) {
	c.eventsDelivered.WithLabelValues(eventType, status).Inc()
	if status != "skipped" {
		c.handlerDuration.WithLabelValues(eventType).Observe(duration.Seconds())
	}
}

// RecordRequest counts a request/reply call by outcome.
func (c *Collector) RecordRequest(status string, duration time.Duration) {
	c.requests.WithLabelValues(status).Inc()
	c.requestDuration.Observe(duration.Seconds())
}

// SetConsumerRunning records consumer loop state.
func (c *Collector) SetConsumerRunning(running bool) {
	if running {
		c.consumerRunning.Set(1)
	} else {
		c.consumerRunning.Set(0)
	}
}

var _ ports.MetricsCollector = (*Collector)(nil)
