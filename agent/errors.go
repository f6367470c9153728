package agent

import "errors"

// Sentinel errors returned by the Agent facade and its subsystems.
var (
	// ErrInvalidConfig means LoadConfig produced (or was handed) a
	// configuration that fails validation.
	ErrInvalidConfig = errors.New("agent: invalid configuration")

	// ErrNotRegistered means a sampler or LogHook tried to report a
	// value under a (tag, key) that was never registered, matching
	// spec.md §4.E "the registry rejects a sample whose descriptor was
	// not pre-registered at init".
	ErrNotRegistered = errors.New("agent: descriptor not registered")

	// ErrAlreadyRunning means Start was called twice without an
	// intervening Stop.
	ErrAlreadyRunning = errors.New("agent: already running")

	// ErrNotRunning means Stop, or an operation that requires a running
	// agent, was called while stopped.
	ErrNotRunning = errors.New("agent: not running")
)
