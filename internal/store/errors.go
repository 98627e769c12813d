package store

import "errors"

// Storage error kinds. Callers match with errors.Is; read paths degrade to
// empty results, write paths fail the originating operation only.
var (
	// ErrUnavailable indicates the durable store could not be reached.
	ErrUnavailable = errors.New("store unavailable")

	// ErrConflict indicates a transactional conflict (commit failure,
	// unique constraint collision).
	ErrConflict = errors.New("store conflict")

	// ErrCorrupt indicates the underlying file is damaged.
	ErrCorrupt = errors.New("store corrupt")

	// ErrMigration indicates schema creation or migration failed.
	ErrMigration = errors.New("store migration failed")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
)
