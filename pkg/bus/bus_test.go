package bus_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dcavero/agentbus/pkg/adapters/logstore/memory"
	"github.com/dcavero/agentbus/pkg/bus"
	"github.com/dcavero/agentbus/pkg/ports"
)

func newTestBus(store *memory.Store) *bus.Bus {
	return bus.New(store, &bus.Config{
		StreamPrefix:  "test:stream",
		BlockInterval: 20 * time.Millisecond,
		BatchSize:     10,
		RetryBackoff:  10 * time.Millisecond,
		Logger:        zap.NewNop(),
	})
}

func startConsumer(t *testing.T, b *bus.Bus, group, consumer string) {
	t.Helper()

	go func() {
		_ = b.StartConsumer(context.Background(), group, consumer)
	}()
	require.Eventually(t, b.Running, time.Second, 5*time.Millisecond)
	t.Cleanup(b.StopConsumer)
}

func TestPublishConsumeAck(t *testing.T) {
	store := memory.NewStore(time.Minute)
	b := newTestBus(store)

	received := make(chan ports.Payload, 1)
	b.Subscribe("order.created", func(ctx context.Context, payload ports.Payload) error {
		received <- payload
		return nil
	})

	startConsumer(t, b, "workers", "c1")

	eventID, err := b.Publish(context.Background(), "order.created", ports.Payload{"order_id": "42"})
	require.NoError(t, err)
	assert.NotEmpty(t, eventID)

	select {
	case payload := <-received:
		assert.Equal(t, "42", payload["order_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	stream := b.StreamName("order.created")
	require.Eventually(t, func() bool {
		return store.AckedCount(stream, "workers") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, store.PendingCount(stream, "workers"))
}

func TestFailingHandlerRedelivered(t *testing.T) {
	store := memory.NewStore(20 * time.Millisecond)
	b := newTestBus(store)

	var attempts atomic.Int64
	b.Subscribe("job.run", func(ctx context.Context, payload ports.Payload) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient failure")
		}
		return nil
	})

	startConsumer(t, b, "workers", "c1")

	_, err := b.Publish(context.Background(), "job.run", ports.Payload{"job": "reindex"})
	require.NoError(t, err)

	stream := b.StreamName("job.run")
	require.Eventually(t, func() bool {
		return store.AckedCount(stream, "workers") == 1
	}, 3*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, attempts.Load(), int64(2))
	assert.Equal(t, 0, store.PendingCount(stream, "workers"))
}

func TestUnhandledEventTypeLeftPending(t *testing.T) {
	store := memory.NewStore(time.Minute)
	b := newTestBus(store)

	b.Subscribe("known.type", func(ctx context.Context, payload ports.Payload) error {
		return nil
	})

	startConsumer(t, b, "workers", "c1")

	// A foreign event type landing on a consumed stream has no handler
	// and must stay pending rather than being acknowledged or dropped.
	stream := b.StreamName("known.type")
	_, err := store.Append(context.Background(), stream, ports.Envelope{
		EventID:   "ev-1",
		EventType: "mystery.type",
		Timestamp: time.Now().UTC(),
		Payload:   ports.Payload{"k": "v"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.PendingCount(stream, "workers") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, store.AckedCount(stream, "workers"))
}

func TestSubscribeLastRegistrationWins(t *testing.T) {
	store := memory.NewStore(time.Minute)
	b := newTestBus(store)

	var first, second atomic.Int64
	b.Subscribe("dup.type", func(ctx context.Context, payload ports.Payload) error {
		first.Add(1)
		return nil
	})
	b.Subscribe("dup.type", func(ctx context.Context, payload ports.Payload) error {
		second.Add(1)
		return nil
	})

	startConsumer(t, b, "workers", "c1")

	_, err := b.Publish(context.Background(), "dup.type", ports.Payload{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return second.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), first.Load())
}

func TestStartConsumerWithoutHandlers(t *testing.T) {
	b := newTestBus(memory.NewStore(time.Minute))

	err := b.StartConsumer(context.Background(), "workers", "c1")
	require.Error(t, err)
	assert.False(t, b.Running())
}

func TestStartConsumerTwice(t *testing.T) {
	b := newTestBus(memory.NewStore(time.Minute))
	b.Subscribe("t", func(ctx context.Context, payload ports.Payload) error { return nil })

	startConsumer(t, b, "workers", "c1")

	err := b.StartConsumer(context.Background(), "workers", "c2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestStopConsumerWithoutStart(t *testing.T) {
	b := newTestBus(memory.NewStore(time.Minute))
	b.StopConsumer()
	assert.False(t, b.Running())
}

func TestRequestReply(t *testing.T) {
	store := memory.NewStore(time.Minute)
	b := newTestBus(store)

	var replyStream atomic.Value
	b.Subscribe("math.square", func(ctx context.Context, payload ports.Payload) error {
		responseStream, ok := payload[bus.ResponseStreamKey].(string)
		if !ok {
			return errors.New("request without response stream")
		}
		replyStream.Store(responseStream)
		n := payload["n"].(int)
		return b.Respond(ctx, responseStream, ports.Payload{"result": n * n})
	})

	startConsumer(t, b, "workers", "c1")

	reply, err := b.Request(context.Background(), "math.square", ports.Payload{"n": 7}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 49, reply["result"])

	// The reply stream is transient and must be gone once the reply has
	// been consumed.
	responseStream, ok := replyStream.Load().(string)
	require.True(t, ok)
	assert.False(t, store.HasStream(responseStream))
}

func TestRequestTimeout(t *testing.T) {
	store := memory.NewStore(time.Minute)
	b := newTestBus(store)

	timeout := 100 * time.Millisecond
	start := time.Now()
	reply, err := b.Request(context.Background(), "void.type", ports.Payload{"q": "anyone"}, timeout)

	require.Error(t, err)
	assert.True(t, errors.Is(err, bus.ErrRequestTimeout))
	assert.Nil(t, reply)
	assert.GreaterOrEqual(t, time.Since(start), timeout)

	// The request envelope itself is durable; only the reply stream is
	// transient.
	msgs, err := store.Read(context.Background(), b.StreamName("void.type"), "0", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// No reply stream survives a timed-out request.
	responseStream, ok := msgs[0].Envelope.Payload[bus.ResponseStreamKey].(string)
	require.True(t, ok)
	assert.False(t, store.HasStream(responseStream))
}

func TestConcurrentRequestsIsolated(t *testing.T) {
	store := memory.NewStore(time.Minute)
	b := newTestBus(store)

	b.Subscribe("echo.n", func(ctx context.Context, payload ports.Payload) error {
		responseStream := payload[bus.ResponseStreamKey].(string)
		return b.Respond(ctx, responseStream, ports.Payload{"n": payload["n"]})
	})

	startConsumer(t, b, "workers", "c1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			reply, err := b.Request(context.Background(), "echo.n", ports.Payload{"n": n}, 2*time.Second)
			assert.NoError(t, err)
			assert.Equal(t, n, reply["n"])
		}(i)
	}
	wg.Wait()
}

func TestCompetingConsumersShareWork(t *testing.T) {
	store := memory.NewStore(time.Minute)

	var processed atomic.Int64
	handler := func(ctx context.Context, payload ports.Payload) error {
		processed.Add(1)
		return nil
	}

	b1 := newTestBus(store)
	b1.Subscribe("work.item", handler)
	b2 := newTestBus(store)
	b2.Subscribe("work.item", handler)

	startConsumer(t, b1, "workers", "c1")
	startConsumer(t, b2, "workers", "c2")

	for i := 0; i < 10; i++ {
		_, err := b1.Publish(context.Background(), "work.item", ports.Payload{"i": i})
		require.NoError(t, err)
	}

	stream := b1.StreamName("work.item")
	require.Eventually(t, func() bool {
		return store.AckedCount(stream, "workers") == 10
	}, 3*time.Second, 5*time.Millisecond)

	// At-least-once with no redelivery window elapsed: each item is
	// processed exactly once across the group.
	assert.Equal(t, int64(10), processed.Load())
	assert.Equal(t, 0, store.PendingCount(stream, "workers"))
}

func TestPublishErrorWrapsStoreFailure(t *testing.T) {
	store := memory.NewStore(time.Minute)
	b := newTestBus(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Publish(ctx, "any.type", ports.Payload{})
	require.Error(t, err)

	var pubErr *bus.PublishError
	require.True(t, errors.As(err, &pubErr))
	assert.Equal(t, "any.type", pubErr.EventType)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStreamName(t *testing.T) {
	b := newTestBus(memory.NewStore(time.Minute))

	tests := []struct {
		eventType string
		expected  string
	}{
		{"order.created", "test:stream:order.created"},
		{"a", "test:stream:a"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, b.StreamName(test.eventType))
	}
}

func TestRunningLifecycle(t *testing.T) {
	b := newTestBus(memory.NewStore(time.Minute))
	b.Subscribe("t", func(ctx context.Context, payload ports.Payload) error { return nil })

	assert.False(t, b.Running())

	go func() {
		_ = b.StartConsumer(context.Background(), "workers", "c1")
	}()
	require.Eventually(t, b.Running, time.Second, 5*time.Millisecond)

	b.StopConsumer()
	assert.False(t, b.Running())
}

func TestRespondTargetsNamedStream(t *testing.T) {
	store := memory.NewStore(time.Minute)
	b := newTestBus(store)

	err := b.Respond(context.Background(), "test:stream:response:abc", ports.Payload{"ok": true})
	require.NoError(t, err)

	msgs, err := store.Read(context.Background(), "test:stream:response:abc", "0", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "response", msgs[0].Envelope.EventType)
	assert.Equal(t, true, msgs[0].Envelope.Payload["ok"])
}

func TestPublishCorrelatedUsesGivenID(t *testing.T) {
	store := memory.NewStore(time.Minute)
	b := newTestBus(store)

	id, err := b.PublishCorrelated(context.Background(), "corr.type", ports.Payload{}, "my-correlation-id")
	require.NoError(t, err)
	assert.Equal(t, "my-correlation-id", id)

	msgs, err := store.Read(context.Background(), b.StreamName("corr.type"), "0", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "my-correlation-id", msgs[0].Envelope.EventID)
}

func ExampleBus_Request() {
	store := memory.NewStore(time.Minute)
	b := bus.New(store, &bus.Config{
		StreamPrefix:  "example",
		BlockInterval: 20 * time.Millisecond,
		Logger:        zap.NewNop(),
	})

	b.Subscribe("greet", func(ctx context.Context, payload ports.Payload) error {
		responseStream := payload[bus.ResponseStreamKey].(string)
		name := payload["name"].(string)
		return b.Respond(ctx, responseStream, ports.Payload{"greeting": "hello " + name})
	})

	go func() { _ = b.StartConsumer(context.Background(), "examples", "c1") }()
	defer b.StopConsumer()

	reply, err := b.Request(context.Background(), "greet", ports.Payload{"name": "world"}, time.Second)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(reply["greeting"])
	// Output: hello world
}
