package models

import "errors"

// Error taxonomy shared across the module. Callers match with errors.Is.
var (
	// ErrInvalidArgument marks a local precondition failure; never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is a typed absence: no matching child, no add message
	// for a tombstone target, unknown feed id.
	ErrNotFound = errors.New("not found")

	// ErrNotReady is returned by synchronous index lookups before the
	// initial replay has completed. A programming error, not self-healing.
	ErrNotReady = errors.New("index not ready, call LoadHistorical first")
)
