package agent

import (
	"log/slog"
	"sync/atomic"

	"github.com/edgesignal/diagagent/pkg/ringstore"
)

// busSink adapts ringstore's fire-and-forget events into structured log
// lines and a pair of sticky flags the Reporter polls to decide whether
// to wake early (spec.md §7: "the low-memory events, which the Reporter
// consumes to accelerate the next send"). It implements
// ringstore.EventSink.
type busSink struct {
	logger        *slog.Logger
	criticalLow   atomic.Bool
	nonCritLow    atomic.Bool
	logWriteFails atomic.Uint32
}

func newBusSink(logger *slog.Logger) *busSink {
	return &busSink{logger: logger}
}

// Notify implements ringstore.EventSink.
func (b *busSink) Notify(e ringstore.Event) {
	switch e.Kind {
	case ringstore.EventCriticalLowMem:
		b.criticalLow.Store(true)
		b.logger.Warn("ring store low on space", "stream", "critical")
	case ringstore.EventNonCriticalLowMem:
		b.nonCritLow.Store(true)
		b.logger.Warn("ring store low on space", "stream", "non_critical")
	case ringstore.EventCriticalWriteFail:
		b.logWriteFails.Add(1)
		b.logger.Error("critical write dropped for lack of space", "bytes", len(e.Data))
	case ringstore.EventNonCriticalWriteFail:
		b.logger.Warn("non-critical write dropped for lack of space", "bytes", len(e.Data))
	}
}

// takeLowMem reports and clears both sticky low-memory flags. The
// Reporter calls this once per tick to decide whether to shorten the wait
// for the next cycle.
func (b *busSink) takeLowMem() (criticalLow, nonCritLow bool) {
	return b.criticalLow.Swap(false), b.nonCritLow.Swap(false)
}

// logWriteFailCount returns the cumulative count of critical-stream
// writes dropped for lack of space, the Go-native counterpart of the
// original firmware's log_write_fail_cnt (SPEC_FULL.md §4.3). Unlike
// takeLowMem this is not sticky-and-cleared: the Reporter reports it as
// a monotonically increasing variable, not an edge-triggered event.
func (b *busSink) logWriteFailCount() uint32 {
	return b.logWriteFails.Load()
}
