// Package shmipc provides the data types shared by every layer of the
// zero-copy shared-memory transport: the publisher/subscriber fabric,
// the zero-copy connection, the pool allocator and the liveness monitor.
package shmipc

import "errors"

// Errors returned across package boundaries. Each subsystem package
// additionally defines its own sentinel errors for failures that never
// need to be inspected outside that package.
var (
	ErrIllegalArgument  = errors.New("illegal argument")
	ErrOutOfMemory      = errors.New("memory allocation failed")
	ErrTimeout          = errors.New("operation timed out")
	ErrInternal         = errors.New("internal error")
	ErrVersionMismatch  = errors.New("incompatible version")
	ErrAlreadyConnected = errors.New("another instance is already connected")
)
