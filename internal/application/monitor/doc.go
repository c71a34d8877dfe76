// Package monitor implements periodic health reporting for the bus
// consumer.
//
// The health monitor logs the consumer's running state at a fixed
// interval and warns when the delivery loop has stopped.
package monitor
