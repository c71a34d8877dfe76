// Package ports defines the contracts between the bus core and its
// adapters: the log store, cache storage and metrics collection.
//
// Adapters live under pkg/adapters; the bus itself only depends on the
// interfaces declared here.
package ports
