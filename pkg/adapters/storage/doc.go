// Package storage provides cache storage implementations.
//
// Implementations:
//   - redis: Redis with TTL'd JSON values
//   - memory: In-memory for testing
package storage
