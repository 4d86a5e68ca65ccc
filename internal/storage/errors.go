package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateRun is returned when an automation run with the same
	// (automation_id, triggering_key) already exists. Callers treat it as
	// success-by-dedup, never as a failure to surface.
	ErrDuplicateRun = errors.New("storage: duplicate automation run")

	// ErrPreconditionFailed is returned when a conditional snapshot update
	// finds the expected field values no longer hold. The caller must not
	// force the write.
	ErrPreconditionFailed = errors.New("storage: precondition failed")
)
