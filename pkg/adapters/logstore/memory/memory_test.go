package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcavero/agentbus/pkg/ports"
)

func appendEvent(t *testing.T, s *Store, stream, eventID string) string {
	t.Helper()
	id, err := s.Append(context.Background(), stream, ports.Envelope{
		EventID:   eventID,
		EventType: "test.event",
		Timestamp: time.Now().UTC(),
		Payload:   ports.Payload{"id": eventID},
	})
	require.NoError(t, err)
	return id
}

func TestAppendAndRead(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	appendEvent(t, s, "s1", "e1")
	appendEvent(t, s, "s1", "e2")

	msgs, err := s.Read(ctx, "s1", "0", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "e1", msgs[0].Envelope.EventID)
	assert.Equal(t, "e2", msgs[1].Envelope.EventID)
	assert.Equal(t, "s1", msgs[0].Stream)
}

func TestReadFromID(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	appendEvent(t, s, "s1", "e1")
	id2 := appendEvent(t, s, "s1", "e2")
	appendEvent(t, s, "s1", "e3")

	msgs, err := s.Read(ctx, "s1", id2, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "e3", msgs[0].Envelope.EventID)
}

func TestReadMaxCount(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		appendEvent(t, s, "s1", "e")
	}

	msgs, err := s.Read(ctx, "s1", "0", 3, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestReadInvalidPosition(t *testing.T) {
	s := NewStore(time.Minute)

	_, err := s.Read(context.Background(), "s1", "not-a-position", 1, 0)
	require.Error(t, err)
}

func TestReadBlocksUntilAppend(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	done := make(chan []ports.Message, 1)
	go func() {
		msgs, _ := s.Read(ctx, "s1", "$", 1, time.Second)
		done <- msgs
	}()

	time.Sleep(20 * time.Millisecond)
	appendEvent(t, s, "s1", "late")

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
		assert.Equal(t, "late", msgs[0].Envelope.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read never returned")
	}
}

func TestEnsureGroupIdempotent(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	require.NoError(t, s.EnsureGroup(ctx, "s1", "g1", "0"))
	require.NoError(t, s.EnsureGroup(ctx, "s1", "g1", "0"))
	assert.True(t, s.HasStream("s1"))
}

func TestEnsureGroupFromEnd(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	appendEvent(t, s, "s1", "old")
	require.NoError(t, s.EnsureGroup(ctx, "s1", "g1", "$"))
	appendEvent(t, s, "s1", "new")

	msgs, err := s.ReadGroup(ctx, []string{"s1"}, "g1", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].Envelope.EventID)
}

func TestReadGroupPendingUntilAck(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	appendEvent(t, s, "s1", "e1")
	require.NoError(t, s.EnsureGroup(ctx, "s1", "g1", "0"))

	msgs, err := s.ReadGroup(ctx, []string{"s1"}, "g1", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, s.PendingCount("s1", "g1"))

	// Within the redelivery window the pending message is not delivered
	// again.
	msgs, err = s.ReadGroup(ctx, []string{"s1"}, "g1", "c1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, s.Ack(ctx, "s1", "g1", msgsID(t, s)))
	assert.Equal(t, 0, s.PendingCount("s1", "g1"))
	assert.Equal(t, 1, s.AckedCount("s1", "g1"))
}

// msgsID returns the id of the single entry in s1.
func msgsID(t *testing.T, s *Store) string {
	t.Helper()
	msgs, err := s.Read(context.Background(), "s1", "0", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0].ID
}

func TestReadGroupRedeliversStale(t *testing.T) {
	s := NewStore(20 * time.Millisecond)
	ctx := context.Background()

	appendEvent(t, s, "s1", "e1")
	require.NoError(t, s.EnsureGroup(ctx, "s1", "g1", "0"))

	first, err := s.ReadGroup(ctx, []string{"s1"}, "g1", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	time.Sleep(30 * time.Millisecond)

	second, err := s.ReadGroup(ctx, []string{"s1"}, "g1", "c2", 10, 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestReadGroupRedeliveryOrder(t *testing.T) {
	s := NewStore(0)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		appendEvent(t, s, "s1", "e")
	}
	require.NoError(t, s.EnsureGroup(ctx, "s1", "g1", "0"))

	first, err := s.ReadGroup(ctx, []string{"s1"}, "g1", "c1", 12, 0)
	require.NoError(t, err)
	require.Len(t, first, 12)

	// Zero redelivery window: everything is stale immediately and comes
	// back in append order, including ids past the single-digit range.
	second, err := s.ReadGroup(ctx, []string{"s1"}, "g1", "c1", 12, 0)
	require.NoError(t, err)
	require.Len(t, second, 12)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func TestReadGroupMissingStream(t *testing.T) {
	s := NewStore(time.Minute)

	_, err := s.ReadGroup(context.Background(), []string{"nope"}, "g1", "c1", 10, 0)
	require.Error(t, err)
}

func TestReadGroupMissingGroup(t *testing.T) {
	s := NewStore(time.Minute)
	appendEvent(t, s, "s1", "e1")

	_, err := s.ReadGroup(context.Background(), []string{"s1"}, "g1", "c1", 10, 0)
	require.Error(t, err)
}

func TestReadGroupMultipleStreams(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	appendEvent(t, s, "s1", "a")
	appendEvent(t, s, "s2", "b")
	require.NoError(t, s.EnsureGroup(ctx, "s1", "g1", "0"))
	require.NoError(t, s.EnsureGroup(ctx, "s2", "g1", "0"))

	msgs, err := s.ReadGroup(ctx, []string{"s1", "s2"}, "g1", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "s1", msgs[0].Stream)
	assert.Equal(t, "s2", msgs[1].Stream)
}

func TestAckUnknownIDIsNoop(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	appendEvent(t, s, "s1", "e1")
	require.NoError(t, s.EnsureGroup(ctx, "s1", "g1", "0"))

	require.NoError(t, s.Ack(ctx, "s1", "g1", "999-0"))
	assert.Equal(t, 0, s.AckedCount("s1", "g1"))
}

func TestLastID(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	id, err := s.LastID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "0", id)

	appendEvent(t, s, "s1", "e1")
	last := appendEvent(t, s, "s1", "e2")

	id, err = s.LastID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, last, id)

	// Reading from the resolved tail yields only later entries.
	appendEvent(t, s, "s1", "e3")
	msgs, err := s.Read(ctx, "s1", id, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "e3", msgs[0].Envelope.EventID)
}

func TestDeleteStream(t *testing.T) {
	s := NewStore(time.Minute)
	ctx := context.Background()

	appendEvent(t, s, "s1", "e1")
	require.True(t, s.HasStream("s1"))

	require.NoError(t, s.DeleteStream(ctx, "s1"))
	assert.False(t, s.HasStream("s1"))
	assert.Equal(t, 0, s.StreamLen("s1"))
}
