// Package responders holds the service's built-in event handlers.
//
// Responders are registered on the bus before the consumer starts and
// answer well-known event types, such as the bus.echo diagnostic round
// trip.
package responders
