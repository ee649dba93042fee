package store

import "errors"

// ============================================================================
// Not-found errors
// ============================================================================

var (
	// ErrTaskNotFound is returned when a task ID has no row.
	ErrTaskNotFound = errors.New("task not found")

	// ErrWorkerNotFound is returned when a worker ID has no row.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrEventNotFound is returned when an event ID has no row.
	ErrEventNotFound = errors.New("event not found")

	// ErrSessionNotFound is returned when a session GUID has no row.
	ErrSessionNotFound = errors.New("session not found")
)

// ============================================================================
// Conflict errors
// ============================================================================

var (
	// ErrTaskExists is returned when creating a task whose ID is taken.
	ErrTaskExists = errors.New("task already exists")

	// ErrWorkerExists is returned when registering a worker whose ID is taken.
	ErrWorkerExists = errors.New("worker already exists")

	// ErrIllegalTransition is returned when a status change violates the
	// task lifecycle.
	ErrIllegalTransition = errors.New("illegal task status transition")

	// ErrInvalidEvent is returned when appending an event with an unknown
	// type or a missing ID.
	ErrInvalidEvent = errors.New("invalid event")
)
