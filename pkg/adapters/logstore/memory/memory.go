package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dcavero/agentbus/pkg/ports"
)

// Store implements ports.LogStore in memory. It mirrors the semantics
// of the Redis Streams adapter closely enough to stand in for it in
// tests and local development: per-stream append order, group cursors,
// a pending set per group, and time-based redelivery of unacknowledged
// messages.
type Store struct {
	mu             sync.Mutex
	streams        map[string]*stream
	notify         chan struct{}
	seq            int64
	redeliverAfter time.Duration
}

type stream struct {
	entries []entry
	groups  map[string]*group
}

type entry struct {
	seq int64
	id  string
	env ports.Envelope
}

type group struct {
	cursor  int64
	pending map[string]*pendingEntry
	acked   int
}

type pendingEntry struct {
	entry       entry
	deliveredAt time.Time
}

// NewStore creates an in-memory log store. Unacknowledged messages are
// redelivered once they have been pending longer than redeliverAfter;
// zero redelivers on the very next read.
func NewStore(redeliverAfter time.Duration) *Store {
	return &Store{
		streams:        make(map[string]*stream),
		notify:         make(chan struct{}),
		redeliverAfter: redeliverAfter,
	}
}

// Append adds an envelope to the stream, creating it on first write.
func (s *Store) Append(ctx context.Context, name string, env ports.Envelope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e := entry{
		seq: s.seq,
		id:  fmt.Sprintf("%d-0", s.seq),
		env: env,
	}
	s.ensureStream(name).entries = append(s.streams[name].entries, e)

	// Wake every blocked reader.
	close(s.notify)
	s.notify = make(chan struct{})

	return e.id, nil
}

// EnsureGroup creates a consumer group at the given start position
// ("0" for the beginning, "$" for new messages only). Idempotent.
func (s *Store) EnsureGroup(ctx context.Context, name, groupName, start string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	str := s.ensureStream(name)
	if _, exists := str.groups[groupName]; exists {
		return nil
	}

	g := &group{pending: make(map[string]*pendingEntry)}
	if start == "$" {
		g.cursor = s.seq
	}
	str.groups[groupName] = g
	return nil
}

// ReadGroup delivers redeliverable pending messages and new messages
// past each group cursor, blocking up to block when nothing is
// available.
func (s *Store) ReadGroup(ctx context.Context, streams []string, groupName, consumer string, maxCount int64, block time.Duration) ([]ports.Message, error) {
	deadline := time.Now().Add(block)
	for {
		s.mu.Lock()
		msgs, err := s.collectGroup(streams, groupName, maxCount)
		notify := s.notify
		s.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || block <= 0 {
			return msgs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (s *Store) collectGroup(streams []string, groupName string, maxCount int64) ([]ports.Message, error) {
	var msgs []ports.Message
	now := time.Now()

	for _, name := range streams {
		str := s.streams[name]
		if str == nil {
			return nil, fmt.Errorf("no such stream: %s", name)
		}
		g := str.groups[groupName]
		if g == nil {
			return nil, fmt.Errorf("no such consumer group %s for stream %s", groupName, name)
		}

		// Redeliver unacknowledged messages whose delivery went stale.
		stale := make([]*pendingEntry, 0, len(g.pending))
		for _, p := range g.pending {
			if now.Sub(p.deliveredAt) >= s.redeliverAfter {
				stale = append(stale, p)
			}
		}
		sort.Slice(stale, func(i, j int) bool { return stale[i].entry.seq < stale[j].entry.seq })
		for _, p := range stale {
			if int64(len(msgs)) >= maxCount {
				return msgs, nil
			}
			p.deliveredAt = now
			msgs = append(msgs, ports.Message{Stream: name, ID: p.entry.id, Envelope: p.entry.env})
		}

		for _, e := range str.entries {
			if int64(len(msgs)) >= maxCount {
				return msgs, nil
			}
			if e.seq <= g.cursor {
				continue
			}
			g.cursor = e.seq
			g.pending[e.id] = &pendingEntry{entry: e, deliveredAt: now}
			msgs = append(msgs, ports.Message{Stream: name, ID: e.id, Envelope: e.env})
		}
	}

	return msgs, nil
}

// Ack removes a delivered message from the group's pending set.
func (s *Store) Ack(ctx context.Context, name, groupName, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	str := s.streams[name]
	if str == nil {
		return fmt.Errorf("no such stream: %s", name)
	}
	g := str.groups[groupName]
	if g == nil {
		return fmt.Errorf("no such consumer group %s for stream %s", groupName, name)
	}
	if _, pending := g.pending[id]; pending {
		delete(g.pending, id)
		g.acked++
	}
	return nil
}

// Read performs a non-group read. "0" reads from the beginning, "$"
// only messages appended after this call, anything else messages after
// that id.
func (s *Store) Read(ctx context.Context, name, from string, maxCount int64, block time.Duration) ([]ports.Message, error) {
	after, err := s.resolveFrom(from)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(block)
	for {
		s.mu.Lock()
		var msgs []ports.Message
		if str := s.streams[name]; str != nil {
			for _, e := range str.entries {
				if e.seq <= after {
					continue
				}
				msgs = append(msgs, ports.Message{Stream: name, ID: e.id, Envelope: e.env})
				if int64(len(msgs)) >= maxCount {
					break
				}
			}
		}
		notify := s.notify
		s.mu.Unlock()

		if len(msgs) > 0 || block <= 0 {
			return msgs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

// LastID returns the id of the stream's most recent entry, "0" when the
// stream does not exist or is empty.
func (s *Store) LastID(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if str := s.streams[name]; str != nil && len(str.entries) > 0 {
		return str.entries[len(str.entries)-1].id, nil
	}
	return "0", nil
}

// DeleteStream removes the stream, its entries and its groups.
func (s *Store) DeleteStream(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, name)
	return nil
}

// StreamLen reports the number of entries in a stream. Diagnostic.
func (s *Store) StreamLen(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if str := s.streams[name]; str != nil {
		return len(str.entries)
	}
	return 0
}

// HasStream reports whether a stream exists. Diagnostic.
func (s *Store) HasStream(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[name]
	return ok
}

// PendingCount reports the group's pending (delivered, unacknowledged)
// messages on a stream. Diagnostic.
func (s *Store) PendingCount(name, groupName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if str := s.streams[name]; str != nil {
		if g := str.groups[groupName]; g != nil {
			return len(g.pending)
		}
	}
	return 0
}

// AckedCount reports how many messages the group has acknowledged on a
// stream. Diagnostic.
func (s *Store) AckedCount(name, groupName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if str := s.streams[name]; str != nil {
		if g := str.groups[groupName]; g != nil {
			return g.acked
		}
	}
	return 0
}

func (s *Store) ensureStream(name string) *stream {
	str := s.streams[name]
	if str == nil {
		str = &stream{groups: make(map[string]*group)}
		s.streams[name] = str
	}
	return str
}

func (s *Store) resolveFrom(from string) (int64, error) {
	switch from {
	case "0":
		return 0, nil
	case "$":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.seq, nil
	default:
		seqPart, _, _ := strings.Cut(from, "-")
		seq, err := strconv.ParseInt(seqPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid stream position %q", from)
		}
		return seq, nil
	}
}

var _ ports.LogStore = (*Store)(nil)
