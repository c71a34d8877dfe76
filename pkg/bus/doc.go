// Package bus implements a durable publish/subscribe layer over a
// replicated log, with at-least-once competing-consumer delivery via
// named consumer groups and a correlation-based request/reply pattern
// layered on top.
//
// Delivery is at-least-once: a message is acknowledged if and only if
// its handler returned nil, and unacknowledged messages are redelivered.
// There is no dead-letter mechanism; a handler that always fails causes
// redelivery forever. Handlers must therefore be idempotent.
package bus
