package agent

import (
	"context"
	"log/slog"

	"github.com/edgesignal/diagagent/pkg/ringstore"
	"github.com/edgesignal/diagagent/pkg/wire"
	"github.com/edgesignal/diagagent/platform"
)

// Severity classifies a log-hook record (spec.md §4.D).
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityEvent
)

func (s Severity) slogLevel() slog.Level {
	switch s {
	case SeverityError:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "event"
	}
}

// maxLogMessageLen truncates the hook's message field (spec.md §4.D
// "message[<=64]").
const maxLogMessageLen = 64

// LogHook intercepts platform log calls at or above a configured
// severity and appends a critical-stream record for each one (spec.md
// §4.D). It is also an slog.Handler so it can be installed as one leaf
// of a multi-handler logger without the rest of the codebase needing to
// call it directly.
//
// Grounded on original_source behaviour (the log hook runs inline on the
// caller's stack, must never allocate unboundedly, never recurse into
// its own logging, and never block longer than the critical-stream
// lock): Handle below does exactly one bounded allocation (the encoded
// record) and one WriteCritical call.
type LogHook struct {
	store     *ringstore.Store
	clock     platform.Clock
	threshold Severity
}

// NewLogHook returns a LogHook that forwards records at or above
// threshold to store.
func NewLogHook(store *ringstore.Store, clock platform.Clock, threshold Severity) *LogHook {
	return &LogHook{store: store, clock: clock, threshold: threshold}
}

// Report synthesizes and appends one critical log record. Errors are
// intentionally not returned to the caller: spec.md §7 "runtime data-path failures are silent except for the
// low-memory events" — the ring store's own CRITICAL_WRITE_FAIL event is
// the channel for this failure, not a propagated error here.
func (h *LogHook) Report(tag string, severity Severity, message string) {
	if severity > h.threshold {
		return
	}
	if len(message) > maxLogMessageLen {
		message = message[:maxLogMessageLen]
	}
	rec := wire.DataRecord{
		Kind:      wire.RecordLog,
		Severity:  severity.String(),
		Tag:       tag,
		Timestamp: h.clock.NowMicros(),
		Message:   message,
	}
	raw, err := wire.EncodeCriticalRecord(rec)
	if err != nil {
		return
	}
	_ = h.store.WriteCritical(raw)
}

// Enabled implements slog.Handler.
func (h *LogHook) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.threshold.slogLevel()
}

// Handle implements slog.Handler, translating a log/slog.Record into a
// critical-stream Report call.
func (h *LogHook) Handle(_ context.Context, rec slog.Record) error {
	sev := SeverityEvent
	switch {
	case rec.Level >= slog.LevelError:
		sev = SeverityError
	case rec.Level >= slog.LevelWarn:
		sev = SeverityWarning
	}
	tag := "app"
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "tag" {
			tag = a.Value.String()
			return false
		}
		return true
	})
	h.Report(tag, sev, rec.Message)
	return nil
}

// WithAttrs implements slog.Handler by returning h unchanged: attributes
// added this way are discarded and never reach the wire record, which
// carries only a flat message string.
func (h *LogHook) WithAttrs(_ []slog.Attr) slog.Handler { return h }

// WithGroup implements slog.Handler.
func (h *LogHook) WithGroup(_ string) slog.Handler { return h }
