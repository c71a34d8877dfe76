package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dcavero/agentbus/pkg/ports"
)

// CacheStorage implements ports.CacheStorage in memory.
// This is for testing purposes only.
type CacheStorage struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewCacheStorage creates a new in-memory cache storage.
func NewCacheStorage() *CacheStorage {
	return &CacheStorage{
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached value, or nil on a miss or expired entry.
func (s *CacheStorage) Get(ctx context.Context, key string) (interface{}, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, nil
	}
	return entry.value, nil
}

// Set stores a value with the given TTL. A non-positive TTL keeps the
// entry until deleted.
func (s *CacheStorage) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	entry := cacheEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// Delete removes a cached value.
func (s *CacheStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// GetOrSet returns the cached value, computing and storing it on a
// miss.
func (s *CacheStorage) GetOrSet(ctx context.Context, key string, ttl time.Duration, factory func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if cached, err := s.Get(ctx, key); err != nil || cached != nil {
		return cached, err
	}

	value, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Set(ctx, key, value, ttl); err != nil {
		return nil, err
	}
	return value, nil
}

var _ ports.CacheStorage = (*CacheStorage)(nil)
