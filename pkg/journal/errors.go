// Package journal implements an append-only, checksummed log of
// structural writes made through an mptt.Store.
package journal

import "errors"

var (
	// ErrCorrupted is returned when an entry fails its checksum
	ErrCorrupted = errors.New("journal: corrupted entry")

	// ErrInvalidEntry is returned when an entry payload cannot be decoded
	ErrInvalidEntry = errors.New("journal: invalid entry")

	// ErrClosed is returned when writing to a closed journal
	ErrClosed = errors.New("journal: closed")

	// ErrTruncated is returned when an entry is cut short
	ErrTruncated = errors.New("journal: truncated entry")

	// ErrNoBatch is returned by Commit when no batch is open
	ErrNoBatch = errors.New("journal: no open batch")
)
