package wire

import "errors"

// Sentinel errors returned by wire encode/decode operations.
var (
	// ErrInvalidArgument covers a malformed document: a missing/wrong-typed
	// top-level field, or a config entry that isn't {n: [...], v: ...}.
	ErrInvalidArgument = errors.New("wire: invalid argument")

	// ErrTooLarge means a single record (one critical record, or one
	// non-critical group entry) cannot fit in MaxDocumentSize on its own,
	// so no amount of truncation would help.
	ErrTooLarge = errors.New("wire: record exceeds maximum document size")
)
