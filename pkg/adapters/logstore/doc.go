// Package logstore provides log store implementations.
//
// Implementations:
//   - redis: Redis Streams with consumer groups
//   - memory: In-memory for testing and local development
package logstore
