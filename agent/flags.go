package agent

import "sync/atomic"

// boolFlag is a concurrency-safe on/off switch, used for the
// whole-agent and per-group reporting toggles the CommandDispatcher
// mutates. The Reporter reads the whole-agent toggle; the per-group
// flags are not read by the Reporter or the samplers.
type boolFlag struct {
	v atomic.Bool
}

// newBoolFlag returns a flag initialized to initial.
func newBoolFlag(initial bool) *boolFlag {
	f := &boolFlag{}
	f.v.Store(initial)
	return f
}

func (f *boolFlag) Load() bool   { return f.v.Load() }
func (f *boolFlag) Store(v bool) { f.v.Store(v) }
