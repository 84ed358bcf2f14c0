package engine

import "errors"

// Engine errors.
var (
	// ErrStale marks a continuation that no longer matches the live cursor.
	// Callers discard it.
	ErrStale = errors.New("stale continuation")

	// ErrShapeMismatch marks work that does not fit the declared dimensions.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidCursor marks a cursor with offset beyond total or negative fields.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrInvalidBatchSize marks a non-positive batch limit.
	ErrInvalidBatchSize = errors.New("batch size must be positive")

	// ErrConflictingReport marks a second report for a completed index with a
	// different payload.
	ErrConflictingReport = errors.New("conflicting result report")

	// ErrIndexOutOfRange marks a report or lookup outside the generated rows.
	ErrIndexOutOfRange = errors.New("result index out of range")

	// ErrRosterFrozen marks a roster change after dispatch has begun.
	ErrRosterFrozen = errors.New("worker roster is frozen while dispatching")

	// ErrNotStarted marks an operation on a runner with no computation.
	ErrNotStarted = errors.New("computation not started")

	// ErrUnknownCommand marks an envelope whose kind no handler accepts.
	ErrUnknownCommand = errors.New("unknown command kind")
)
