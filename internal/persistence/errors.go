package persistence

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("persistence: not found")
	// ErrDuplicate is returned when a record with the same key already exists.
	ErrDuplicate = errors.New("persistence: duplicate record")
	// ErrConstraintViolation is returned when a record fails a schema constraint.
	ErrConstraintViolation = errors.New("persistence: constraint violation")
	// ErrVersionConflict is returned when an optimistic update finds a different stored version.
	ErrVersionConflict = errors.New("persistence: version conflict")
	// ErrBusy is returned when the database stayed locked after retries.
	ErrBusy = errors.New("persistence: database busy")
)
