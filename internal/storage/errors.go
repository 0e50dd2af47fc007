package storage

import "errors"

// Storage errors shared by all store implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a unique key already exists and the
	// operation is not an idempotent insert.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrIntegrity is returned when a store observes a state its own writes
	// should have made impossible, e.g. a live row surviving its delete.
	ErrIntegrity = errors.New("integrity violation")
)
