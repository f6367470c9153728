package ringstore

import "errors"

// Sentinel errors returned by Store operations. Callers should use
// errors.Is, not string comparison.
var (
	// ErrInvalidArgument covers nil/zero-length data, an oversized record,
	// or (for non-critical writes) a tag ref outside the caller's
	// immutable string table.
	ErrInvalidArgument = errors.New("ringstore: invalid argument")

	// ErrInvalidState means init was not called, or init was called twice.
	ErrInvalidState = errors.New("ringstore: invalid state")

	// ErrNoMem means the stream has insufficient free space for the write
	// and the configured overflow policy is drop-new.
	ErrNoMem = errors.New("ringstore: out of memory")

	// ErrBusy means a non-blocking lock acquisition (non-critical writes)
	// found the stream lock already held.
	ErrBusy = errors.New("ringstore: busy")
)
