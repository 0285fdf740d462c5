package storage

import "errors"

// Storage errors shared across adapters.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyRunning is returned when a singleton background job is
	// started while a previous run is still active.
	ErrAlreadyRunning = errors.New("already running")
)
