// Package common holds cross-cutting types and sentinel errors shared
// by every blockkv subsystem package.
package common

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, per the error taxonomy of the on-disk format.
// Callers should compare with errors.Is; lower layers wrap these with
// github.com/pkg/errors to attach call-site context without losing the
// sentinel identity.
var (
	// ErrNoSpace means no Free segment slot exists and GC could not
	// free one.
	ErrNoSpace = errors.New("blockkv: no free segment")

	// ErrTableFull means the hash index's bounded linear probe was
	// exhausted before finding a matching or empty slot.
	ErrTableFull = errors.New("blockkv: hash table probe limit exhausted")

	// ErrIOError wraps a short or failed block-device read/write.
	ErrIOError = errors.New("blockkv: device i/o error")

	// ErrCorrupt means the superblock magic or a persisted CRC did not
	// verify.
	ErrCorrupt = errors.New("blockkv: on-disk structure corrupt")

	// ErrInvalidArgument covers a nil/empty key, an oversize value, or
	// an operation against a closed handle.
	ErrInvalidArgument = errors.New("blockkv: invalid argument")

	// ErrKeyNotFound is returned by Get for a missing or tombstoned key.
	ErrKeyNotFound = errors.New("blockkv: key not found")

	// ErrStale is returned internally when a GC relocation loses a race
	// against a newer write; it must never be surfaced to callers.
	ErrStale = errors.New("blockkv: relocation superseded by newer write")

	// ErrClosed is returned by any operation on a closed handle. It
	// wraps ErrInvalidArgument, so errors.Is matches either sentinel.
	ErrClosed = fmt.Errorf("blockkv: handle closed: %w", ErrInvalidArgument)

	// ErrAlreadyExists is returned by Create when a DB already exists
	// at the given path.
	ErrAlreadyExists = errors.New("blockkv: database already exists")

	// ErrDeviceTooSmall is returned by Create when the backing file or
	// device cannot hold the requested meta and data regions.
	ErrDeviceTooSmall = errors.New("blockkv: device too small for requested geometry")
)
