package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dcavero/agentbus/pkg/ports"
)

// CacheStorage implements ports.CacheStorage using Redis with TTL'd
// JSON values.
type CacheStorage struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
}

// NewCacheStorage creates a new Redis cache storage. Keys are
// namespaced under prefix.
func NewCacheStorage(client *redis.Client, prefix string, logger *zap.Logger) *CacheStorage {
	return &CacheStorage{
		client: client,
		logger: logger,
		prefix: prefix,
	}
}

// Get returns the cached value, or nil on a miss.
func (s *CacheStorage) Get(ctx context.Context, key string) (interface{}, error) {
	data, err := s.client.Get(ctx, s.makeKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return value, nil
}

// Set stores a value with the given TTL.
func (s *CacheStorage) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := s.client.Set(ctx, s.makeKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}

	s.logger.Debug("cache entry set",
		zap.String("key", key),
		zap.Duration("ttl", ttl))

	return nil
}

// Delete removes a cached value.
func (s *CacheStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.makeKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// GetOrSet returns the cached value, computing and storing it on a
// miss.
func (s *CacheStorage) GetOrSet(ctx context.Context, key string, ttl time.Duration, factory func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	cached, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
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

func (s *CacheStorage) makeKey(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

var _ ports.CacheStorage = (*CacheStorage)(nil)
