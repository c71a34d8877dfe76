package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dcavero/agentbus/pkg/ports"
)

// Store implements ports.LogStore on Redis Streams.
//
// Stream-level mapping: Append is XADD, EnsureGroup is XGROUP CREATE
// MKSTREAM, ReadGroup is XAUTOCLAIM + XREADGROUP, Ack is XACK, Read is
// XREAD and DeleteStream is DEL.
type Store struct {
	client  *redis.Client
	logger  *zap.Logger
	minIdle time.Duration
}

// NewStore creates a Redis Streams log store. Pending entries idle
// longer than minIdle are reclaimed on the next group read, which is
// what turns an unacknowledged message into a redelivery; minIdle <= 0
// disables reclaiming.
func NewStore(client *redis.Client, minIdle time.Duration, logger *zap.Logger) *Store {
	return &Store{
		client:  client,
		logger:  logger,
		minIdle: minIdle,
	}
}

// Append adds an envelope to the stream, creating it on first write.
func (s *Store) Append(ctx context.Context, stream string, env ports.Envelope) (string, error) {
	data, err := json.Marshal(env.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"event_id":   env.EventID,
			"event_type": env.EventType,
			"timestamp":  env.Timestamp.Format(time.RFC3339Nano),
			"data":       string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add to stream: %w", err)
	}

	return id, nil
}

// EnsureGroup creates a consumer group on the stream, making the stream
// if needed. A group that already exists is a no-op.
func (s *Store) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// ReadGroup reclaims stale pending entries across the streams, then
// blocks for new messages when nothing was reclaimed.
func (s *Store) ReadGroup(ctx context.Context, streams []string, group, consumer string, maxCount int64, block time.Duration) ([]ports.Message, error) {
	msgs := make([]ports.Message, 0, maxCount)

	if s.minIdle > 0 {
		for _, stream := range streams {
			claimed, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    group,
				Consumer: consumer,
				MinIdle:  s.minIdle,
				Start:    "0-0",
				Count:    maxCount - int64(len(msgs)),
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				return nil, fmt.Errorf("failed to claim pending entries: %w", err)
			}
			msgs = s.appendMessages(msgs, stream, claimed)
			if int64(len(msgs)) >= maxCount {
				return msgs, nil
			}
		}
		if len(msgs) > 0 {
			// Reclaimed work first; do not block on top of it.
			return msgs, nil
		}
	}

	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    maxCount,
		Block:    blockArg(block),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return msgs, nil
		}
		return nil, fmt.Errorf("failed to read group: %w", err)
	}

	for _, stream := range res {
		msgs = s.appendMessages(msgs, stream.Stream, stream.Messages)
	}
	return msgs, nil
}

// Ack removes a message from the group's pending set.
func (s *Store) Ack(ctx context.Context, stream, group, id string) error {
	if err := s.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Read performs a non-group read from a single stream. A non-positive
// block returns whatever is immediately available.
func (s *Store) Read(ctx context.Context, stream, from string, maxCount int64, block time.Duration) ([]ports.Message, error) {
	res, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, from},
		Count:   maxCount,
		Block:   blockArg(block),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	var msgs []ports.Message
	for _, str := range res {
		msgs = s.appendMessages(msgs, str.Stream, str.Messages)
	}
	return msgs, nil
}

// LastID returns the id of the stream's most recent entry, "0" when the
// stream does not exist or is empty.
func (s *Store) LastID(ctx context.Context, stream string) (string, error) {
	res, err := s.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		if err == redis.Nil {
			return "0", nil
		}
		return "", fmt.Errorf("failed to read stream tail: %w", err)
	}
	if len(res) == 0 {
		return "0", nil
	}
	return res[0].ID, nil
}

// DeleteStream removes the stream and all its entries.
func (s *Store) DeleteStream(ctx context.Context, stream string) error {
	if err := s.client.Del(ctx, stream).Err(); err != nil {
		return fmt.Errorf("failed to delete stream: %w", err)
	}
	return nil
}

// appendMessages decodes raw stream entries, dropping ones that do not
// parse. A malformed entry is logged and left pending; there is no
// dead-letter stream.
func (s *Store) appendMessages(msgs []ports.Message, stream string, raw []redis.XMessage) []ports.Message {
	for _, m := range raw {
		env, err := envelopeFromValues(m.Values)
		if err != nil {
			s.logger.Error("invalid message format",
				zap.String("stream", stream),
				zap.String("message_id", m.ID),
				zap.Error(err))
			continue
		}
		msgs = append(msgs, ports.Message{
			Stream:   stream,
			ID:       m.ID,
			Envelope: env,
		})
	}
	return msgs
}

func envelopeFromValues(values map[string]interface{}) (ports.Envelope, error) {
	var env ports.Envelope

	eventID, ok := values["event_id"].(string)
	if !ok || eventID == "" {
		return env, fmt.Errorf("missing event_id")
	}
	env.EventID = eventID

	if eventType, ok := values["event_type"].(string); ok {
		env.EventType = eventType
	}

	// Timestamps are informational; a missing or unparsable one is not
	// a reason to drop the message.
	if ts, ok := values["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			env.Timestamp = parsed
		}
	}

	data, ok := values["data"].(string)
	if !ok {
		return env, fmt.Errorf("missing data field")
	}
	if err := json.Unmarshal([]byte(data), &env.Payload); err != nil {
		return env, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return env, nil
}

// blockArg converts the contract's block semantics (non-positive means
// return immediately) to go-redis semantics (zero means block forever).
func blockArg(block time.Duration) time.Duration {
	if block <= 0 {
		return -1
	}
	return block
}

var _ ports.LogStore = (*Store)(nil)
