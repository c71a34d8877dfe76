// Package websocket provides live tailing of event streams over
// WebSocket connections.
package websocket
