// Package fault defines the error kinds shared across the engine.
//
// Validation and journal faults are fatal and surface before any filesystem
// mutation. Every other kind is per-file (or per-record) recoverable: the
// batch continues and the failure lands in the run result.
package fault

import "gitlab.com/tozd/go/errors"

var (
	// ErrValidation marks bad arguments or missing/invalid paths.
	ErrValidation = errors.Base("validation error")

	// ErrFilesystem marks per-file I/O failures (permissions, disk full,
	// path vanished mid-run).
	ErrFilesystem = errors.Base("filesystem error")

	// ErrConflict marks a deferred conflict with no decision callback
	// registered.
	ErrConflict = errors.Base("conflict error")

	// ErrVerification marks a post-transfer digest mismatch.
	ErrVerification = errors.Base("verification error")

	// ErrJournal marks a missing, corrupt, or duplicate-identifier journal.
	ErrJournal = errors.Base("journal error")

	// ErrUndoConflict marks a destination whose current content diverged
	// from the recorded digest.
	ErrUndoConflict = errors.Base("undo conflict")
)
