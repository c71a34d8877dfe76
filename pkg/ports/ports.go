package ports

import (
	"context"
	"time"
)

// Payload is the opaque key/value body of an envelope. The bus never
// interprets its contents.
type Payload map[string]interface{}

// Envelope is the unit exchanged on every stream.
type Envelope struct {
	// EventID is unique per published message and doubles as the
	// correlation id on the request/reply path.
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	// Timestamp is informational only; the log's own message id is
	// authoritative for ordering.
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// Message is an envelope as delivered from a stream, together with the
// log-assigned message id used for acknowledgment.
type Message struct {
	Stream   string
	ID       string
	Envelope Envelope
}

// Handler processes the decoded payload of a delivered envelope. A nil
// return acknowledges the message; an error leaves it pending for
// redelivery. Handlers must be idempotent under redelivery.
type Handler func(ctx context.Context, payload Payload) error

// LogStore is the durable, partitioned, replayable log the bus is built
// on. Implementations must be safe for concurrent use; the store, not
// the bus, owns connection-level concurrency.
type LogStore interface {
	// Append durably appends an envelope to a stream, creating the
	// stream on first write, and returns the log-assigned message id.
	Append(ctx context.Context, stream string, env Envelope) (string, error)

	// EnsureGroup creates a consumer group on a stream at the given
	// start position. It is idempotent: a group that already exists is
	// a no-op, not an error.
	EnsureGroup(ctx context.Context, stream, group, start string) error

	// ReadGroup performs a blocking read of undelivered messages across
	// the given streams on behalf of a consumer group member. Messages
	// delivered but never acknowledged become eligible for redelivery.
	// Returns an empty slice when the block window elapses quietly.
	ReadGroup(ctx context.Context, streams []string, group, consumer string, maxCount int64, block time.Duration) ([]Message, error)

	// Ack removes a delivered message from the group's pending set.
	Ack(ctx context.Context, stream, group, id string) error

	// Read performs a non-group blocking read from a single stream.
	// A from of "0" reads from the beginning, "$" only messages
	// appended after the call begins, any other value reads messages
	// after that id. A non-positive block returns immediately.
	Read(ctx context.Context, stream, from string, maxCount int64, block time.Duration) ([]Message, error)

	// LastID returns the id of the most recent entry on a stream, or
	// "0" when the stream is missing or empty. Tail readers resolve
	// their start position through it once, so messages appended
	// between polls are never skipped.
	LastID(ctx context.Context, stream string) (string, error)

	// DeleteStream removes a stream and everything in it.
	DeleteStream(ctx context.Context, stream string) error
}

// CacheStorage is a TTL'd JSON value store used for response caching
// and small shared state.
type CacheStorage interface {
	// Get returns the cached value, or nil without error on a miss.
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// GetOrSet returns the cached value, computing and storing it via
	// factory on a miss.
	GetOrSet(ctx context.Context, key string, ttl time.Duration, factory func(ctx context.Context) (interface{}, error)) (interface{}, error)
}

// MetricsCollector receives bus-level measurements.
type MetricsCollector interface {
	RecordPublished(eventType, status string)
	RecordDelivered(eventType, status string, duration time.Duration)
	RecordRequest(status string, duration time.Duration)
	SetConsumerRunning(running bool)
}
