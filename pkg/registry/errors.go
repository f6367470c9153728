package registry

import "errors"

// Sentinel errors returned by Registry operations.
var (
	// ErrInvalidArgument covers a missing tag/key/label/path or an
	// unsupported DataType.
	ErrInvalidArgument = errors.New("registry: invalid argument")

	// ErrNotInitialized means a Registry method other than the read-only
	// lookups was called after Close.
	ErrNotInitialized = errors.New("registry: not initialized")

	// ErrFull means the descriptor table is already at its fixed
	// capacity (original_source DIAG_METRICS_MAX_COUNT /
	// DIAG_VARIABLES_MAX_COUNT).
	ErrFull = errors.New("registry: descriptor table full")

	// ErrAlreadyRegistered means a descriptor with the same (tag, key)
	// already exists.
	ErrAlreadyRegistered = errors.New("registry: tag/key already registered")

	// ErrNotFound means no descriptor matches the given tag/key (or, in
	// legacy lookup mode, key alone).
	ErrNotFound = errors.New("registry: descriptor not found")
)
