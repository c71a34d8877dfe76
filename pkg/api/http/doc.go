// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Event publication and stream inspection
//   - Synchronous request/reply calls
//   - Cache management
//   - Health checks
//   - Prometheus metrics
package http
