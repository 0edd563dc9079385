// Package fault defines the sentinel errors shared across the storage
// and access-control layers. Callers match them with errors.Is.
package fault

import "errors"

var (
	// ErrNotFound covers a missing item, account, or blob.
	ErrNotFound = errors.New("not found")

	// ErrForbidden covers ownership and visibility violations.
	ErrForbidden = errors.New("access denied")

	// ErrSandboxViolation is returned when a physical path escapes the
	// sandbox root. Always logged as a security event, never corrected.
	ErrSandboxViolation = errors.New("path escapes sandbox")

	// ErrQuotaExceeded is returned by quota admission before any blob
	// write is committed.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrBatchTooLarge is returned when a cascade would exceed the
	// atomic batch ceiling.
	ErrBatchTooLarge = errors.New("cascade exceeds batch ceiling")

	// ErrTreeCorruption is returned when a traversal exceeds the sane
	// depth bound, which only happens on a corrupted store.
	ErrTreeCorruption = errors.New("tree traversal depth exceeded")

	// ErrEmptyArchive is returned when a folder export finds no
	// qualifying files.
	ErrEmptyArchive = errors.New("no files qualify for archive")

	// ErrPhysicalMissing marks metadata that references a blob absent
	// from the physical store. Surfaced to callers as ErrNotFound,
	// logged distinctly.
	ErrPhysicalMissing = errors.New("physical content missing")
)
