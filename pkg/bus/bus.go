package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dcavero/agentbus/pkg/ports"
)

// ResponseStreamKey is the payload key carrying the reply-stream name on
// request envelopes. Responders read it and publish their answer there
// via Respond.
const ResponseStreamKey = "response_stream"

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultStreamPrefix  = "agent:stream"
	DefaultBlockInterval = time.Second
	DefaultBatchSize     = 10
	DefaultRetryBackoff  = time.Second
)

// Config holds bus tuning parameters.
type Config struct {
	// StreamPrefix namespaces every stream the bus touches.
	StreamPrefix string

	// BlockInterval bounds each blocking read so stop requests and
	// request deadlines are observed promptly.
	BlockInterval time.Duration

	// BatchSize caps the number of messages fetched per poll.
	BatchSize int64

	// RetryBackoff is the pause after a transport failure before the
	// consumer or a polling request tries again.
	RetryBackoff time.Duration

	Metrics ports.MetricsCollector
	Logger  *zap.Logger
}

// Bus is a durable publish/subscribe layer over a replicated log. It
// owns its handler registry and log-store handle; there is no
// process-wide registry. Publish and Request are safe for concurrent
// use; a single consumer loop runs per instance.
type Bus struct {
	store   ports.LogStore
	logger  *zap.Logger
	metrics ports.MetricsCollector

	prefix        string
	blockInterval time.Duration
	batchSize     int64
	retryBackoff  time.Duration

	mu       sync.RWMutex
	handlers map[string]ports.Handler

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a bus over the given log store.
func New(store ports.LogStore, cfg *Config) *Bus {
	if cfg == nil {
		cfg = &Config{}
	}

	b := &Bus{
		store:         store,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		prefix:        cfg.StreamPrefix,
		blockInterval: cfg.BlockInterval,
		batchSize:     cfg.BatchSize,
		retryBackoff:  cfg.RetryBackoff,
		handlers:      make(map[string]ports.Handler),
	}

	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.metrics == nil {
		b.metrics = noopMetrics{}
	}
	if b.prefix == "" {
		b.prefix = DefaultStreamPrefix
	}
	if b.blockInterval <= 0 {
		b.blockInterval = DefaultBlockInterval
	}
	if b.batchSize <= 0 {
		b.batchSize = DefaultBatchSize
	}
	if b.retryBackoff <= 0 {
		b.retryBackoff = DefaultRetryBackoff
	}

	return b
}

// StreamName returns the stream carrying the given event type.
func (b *Bus) StreamName(eventType string) string {
	return fmt.Sprintf("%s:%s", b.prefix, eventType)
}

// Store returns the underlying log store, for read-only surfaces that
// peek or tail streams outside the consumer group.
func (b *Bus) Store() ports.LogStore {
	return b.store
}

// Publish appends an envelope for the event type and returns the
// generated event id. The stream is created on first write. A failed
// append surfaces as *PublishError with no retry.
func (b *Bus) Publish(ctx context.Context, eventType string, payload ports.Payload) (string, error) {
	return b.append(ctx, eventType, b.StreamName(eventType), payload, uuid.NewString())
}

// PublishCorrelated publishes with a caller-chosen event id, so the
// request path can tag its request envelope with a pre-chosen
// correlation id.
func (b *Bus) PublishCorrelated(ctx context.Context, eventType string, payload ports.Payload, correlationID string) (string, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return b.append(ctx, eventType, b.StreamName(eventType), payload, correlationID)
}

// Respond publishes a reply onto the response stream named in a request
// payload under ResponseStreamKey. The bus does not enforce that a
// response is ever sent; that is the responder's contract.
func (b *Bus) Respond(ctx context.Context, responseStream string, payload ports.Payload) error {
	_, err := b.append(ctx, "response", responseStream, payload, uuid.NewString())
	return err
}

func (b *Bus) append(ctx context.Context, eventType, stream string, payload ports.Payload, eventID string) (string, error) {
	env := ports.Envelope{
		EventID:   eventID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	if _, err := b.store.Append(ctx, stream, env); err != nil {
		b.metrics.RecordPublished(eventType, "failed")
		return "", &PublishError{EventType: eventType, Err: err}
	}

	b.metrics.RecordPublished(eventType, "published")
	b.logger.Debug("event published",
		zap.String("event_id", eventID),
		zap.String("event_type", eventType),
		zap.String("stream", stream))

	return eventID, nil
}

// Subscribe registers the handler for an event type. At most one
// handler per type: a second registration replaces the first, logged at
// warn so the overwrite is visible. Registration is static for the
// process lifetime; registering while the consumer loop runs is not
// guaranteed to take effect.
func (b *Bus) Subscribe(eventType string, handler ports.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[eventType]; exists {
		b.logger.Warn("replacing handler for event type",
			zap.String("event_type", eventType))
	}
	b.handlers[eventType] = handler
}

// Running reports whether the consumer loop is active.
func (b *Bus) Running() bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.running
}

// StartConsumer runs the delivery loop under the named consumer group
// and blocks until the context is canceled or StopConsumer is called.
// Multiple processes may run consumers with the same group name and
// distinct consumer names; the log store's group semantics arbitrate
// delivery between them.
func (b *Bus) StartConsumer(ctx context.Context, group, consumer string) error {
	b.mu.RLock()
	types := make([]string, 0, len(b.handlers))
	for eventType := range b.handlers {
		types = append(types, eventType)
	}
	b.mu.RUnlock()

	if len(types) == 0 {
		return fmt.Errorf("no event types registered")
	}

	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return fmt.Errorf("consumer already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.running = true
	b.cancel = cancel
	b.done = done
	b.runMu.Unlock()

	defer func() {
		cancel()
		b.runMu.Lock()
		b.running = false
		b.runMu.Unlock()
		b.metrics.SetConsumerRunning(false)
		close(done)
	}()

	streams := make([]string, 0, len(types))
	for _, eventType := range types {
		stream := b.StreamName(eventType)
		if err := b.store.EnsureGroup(ctx, stream, group, "0"); err != nil {
			setupErr := &GroupSetupError{Stream: stream, Group: group, Err: err}
			b.logger.Error("consumer group setup failed, skipping event type",
				zap.String("event_type", eventType),
				zap.String("stream", stream),
				zap.Error(setupErr))
			continue
		}
		streams = append(streams, stream)
	}

	if len(streams) == 0 {
		return fmt.Errorf("no event streams available for group %s", group)
	}

	b.metrics.SetConsumerRunning(true)
	b.logger.Info("event consumer started",
		zap.Int("event_types", len(streams)),
		zap.String("consumer_group", group),
		zap.String("consumer", consumer))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("event consumer stopped",
				zap.String("consumer_group", group),
				zap.String("consumer", consumer))
			return nil
		default:
		}

		msgs, err := b.store.ReadGroup(ctx, streams, group, consumer, b.batchSize, b.blockInterval)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			b.logger.Error("consumer read failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(b.retryBackoff):
			}
			continue
		}

		// A stop requested mid-batch is observed at the top of the next
		// iteration: the in-flight batch always completes, and handlers
		// never see the stop as a cancellation.
		dispatchCtx := context.WithoutCancel(ctx)
		for _, msg := range msgs {
			b.dispatch(dispatchCtx, group, msg)
		}
	}
}

// StopConsumer requests a graceful stop and waits for the loop to
// finish its in-flight batch and exit.
func (b *Bus) StopConsumer() {
	b.runMu.Lock()
	cancel, done := b.cancel, b.done
	b.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (b *Bus) dispatch(ctx context.Context, group string, msg ports.Message) {
	eventType := msg.Envelope.EventType

	b.mu.RLock()
	handler := b.handlers[eventType]
	b.mu.RUnlock()

	if handler == nil {
		// Left pending on purpose: an unregistered type should surface
		// as a stuck message, not silently vanish.
		b.logger.Warn("no handler registered, leaving message pending",
			zap.String("event_type", eventType),
			zap.String("stream", msg.Stream),
			zap.String("message_id", msg.ID))
		b.metrics.RecordDelivered(eventType, "skipped", 0)
		return
	}

	start := time.Now()
	if err := handler(ctx, msg.Envelope.Payload); err != nil {
		b.logger.Error("handler failed, message left for redelivery",
			zap.String("event_type", eventType),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		b.metrics.RecordDelivered(eventType, "failed", time.Since(start))
		return
	}

	if err := b.store.Ack(ctx, msg.Stream, group, msg.ID); err != nil {
		b.logger.Error("failed to acknowledge message",
			zap.String("stream", msg.Stream),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
	b.metrics.RecordDelivered(eventType, "acked", time.Since(start))
}

// Request publishes a request tagged with a fresh correlation id, then
// polls the derived response stream until the first reply or the
// deadline. The reply stream is deleted on success and best-effort on
// timeout; exactly one reply is consumed. A missing reply surfaces as
// ErrRequestTimeout, never as a transport error.
func (b *Bus) Request(ctx context.Context, eventType string, payload ports.Payload, timeout time.Duration) (ports.Payload, error) {
	correlationID := uuid.NewString()
	responseStream := fmt.Sprintf("%s:response:%s", b.prefix, correlationID)

	req := make(ports.Payload, len(payload)+1)
	for k, v := range payload {
		req[k] = v
	}
	req[ResponseStreamKey] = responseStream

	start := time.Now()
	if _, err := b.PublishCorrelated(ctx, eventType, req, correlationID); err != nil {
		b.metrics.RecordRequest("publish_failed", time.Since(start))
		return nil, err
	}

	defer func() {
		// Best effort: an abandoned reply stream holds at most the
		// replies nobody will read.
		cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), b.blockInterval)
		defer cleanupCancel()
		if err := b.store.DeleteStream(cleanupCtx, responseStream); err != nil {
			b.logger.Warn("failed to delete response stream",
				zap.String("stream", responseStream),
				zap.Error(err))
		}
	}()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			b.logger.Warn("request timed out",
				zap.String("event_type", eventType),
				zap.String("correlation_id", correlationID),
				zap.Duration("timeout", timeout))
			b.metrics.RecordRequest("timeout", time.Since(start))
			return nil, ErrRequestTimeout
		}

		block := b.blockInterval
		if remaining < block {
			block = remaining
		}

		msgs, err := b.store.Read(ctx, responseStream, "0", 1, block)
		if err != nil {
			if ctx.Err() != nil {
				b.metrics.RecordRequest("canceled", time.Since(start))
				return nil, ctx.Err()
			}
			b.logger.Error("failed to poll response stream",
				zap.String("stream", responseStream),
				zap.Error(err))
			select {
			case <-ctx.Done():
				b.metrics.RecordRequest("canceled", time.Since(start))
				return nil, ctx.Err()
			case <-time.After(b.retryBackoff):
			}
			continue
		}

		if len(msgs) > 0 {
			b.metrics.RecordRequest("completed", time.Since(start))
			return msgs[0].Envelope.Payload, nil
		}
	}
}

// noopMetrics is the collector used when none is configured.
type noopMetrics struct{}

func (noopMetrics) RecordPublished(string, string)                {}
func (noopMetrics) RecordDelivered(string, string, time.Duration) {}
func (noopMetrics) RecordRequest(string, time.Duration)           {}
func (noopMetrics) SetConsumerRunning(bool)                       {}
