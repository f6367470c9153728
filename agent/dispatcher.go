package agent

import (
	"log/slog"
	"strings"
	"time"

	"github.com/edgesignal/diagagent/pkg/registry"
	"github.com/edgesignal/diagagent/pkg/wire"
	"github.com/edgesignal/diagagent/platform"
)

// cmdStoreSize bounds the number of distinct command paths a dispatcher
// can hold, matching original_source's CMD_STORE_SIZE (a fixed-capacity
// array, not a map, consistent with the firmware's static allocation).
const cmdStoreSize = 10

// CommandHandler mutates agent state in response to one config entry's
// value. It returns an error only for conditions that should surface as
// `internal_error`; a value the handler simply rejects as malformed
// should be handled by returning false from the dispatcher's own payload
// validation, not by the handler.
type CommandHandler func(value interface{}) error

// commandEntry is one registered command's path and callback, mirroring
// original_source's generic_cmd_t (cmd[MAX_CMD_DEPTH], depth, cb).
type commandEntry struct {
	path    []string
	handler CommandHandler
}

// CommandDispatcher parses inbound command documents and dispatches each
// config entry by walking a small fixed-capacity table of registered
// paths, matching by depth first and then full path equality — the
// first stored entry whose path matches wins (spec.md §4.G; command-table
// shape grounded on original_source esp_insights_cmd_resp.c's
// cmd_store/insights_cmd_resp_search_execute_cmd_store).
type CommandDispatcher struct {
	store         [cmdStoreSize]commandEntry
	count         int
	rebootPending *boolFlag
	logger        *slog.Logger
}

// NewCommandDispatcher returns a dispatcher with the two built-in commands
// (diag.reporting.enabled, the whole-agent reporting toggle, and
// diag.reboot) already registered; per-group toggles are added later with
// RegisterGroupToggle. rebooter may be nil in environments that don't
// support a reboot command (e.g. offline CLI tooling), in which case
// diag.reboot is accepted but does nothing.
func NewCommandDispatcher(
	metrics, variables *registry.Registry,
	reportingEnabled *boolFlag,
	rebooter platform.Rebooter,
	rebootDelay time.Duration,
	logger *slog.Logger,
) *CommandDispatcher {
	d := &CommandDispatcher{
		rebootPending: newBoolFlag(false),
		logger:        logger,
	}

	d.Register("diag.reporting.enabled", func(v interface{}) error {
		b, ok := v.(bool)
		if !ok {
			return nil // payload_error is decided by the caller; nothing to mutate
		}
		reportingEnabled.Store(b)
		return nil
	})

	d.Register("diag.reboot", func(v interface{}) error {
		if rebooter == nil {
			return nil
		}
		d.rebootPending.Store(true)
		rebooter.RebootAfter(rebootDelay)
		return nil
	})

	return d
}

// RebootPending reports whether a reboot command has been received and
// not yet acted on, mirroring the original's reboot_report_pending flag
// (SPEC_FULL.md §4.4). The Reporter surfaces this as a self-reporting
// variable so the cloud sees the pending reboot before the device
// actually restarts.
func (d *CommandDispatcher) RebootPending() bool {
	return d.rebootPending.Load()
}

// Register adds or replaces the handler for a dotted path. A second
// Register call for an already-stored path overwrites that entry in
// place rather than appending a duplicate, so repeated calls (e.g.
// RegisterMetric re-registering the same tag's group toggle) don't burn
// through the table's fixed capacity. Once the table is full and the path
// is new, Register logs a warning and drops the registration; callers are
// expected to stay within cmdStoreSize distinct command paths.
func (d *CommandDispatcher) Register(path string, handler CommandHandler) {
	segments := strings.Split(path, ".")
	for i := 0; i < d.count; i++ {
		if pathEqual(d.store[i].path, segments) {
			d.store[i].handler = handler
			return
		}
	}
	if d.count >= cmdStoreSize {
		d.logger.Warn("command table full, dropping registration", "path", path)
		return
	}
	d.store[d.count] = commandEntry{path: segments, handler: handler}
	d.count++
}

// RegisterGroupToggle wires a "diag.<tag>.enabled" path to a boolFlag:
// a boolean command value is stored in flag. The dispatcher itself does
// not stop or start any reporting; whether the value has any effect
// depends on who reads flag.
func (d *CommandDispatcher) RegisterGroupToggle(tag string, flag *boolFlag) {
	d.Register("diag."+tag+".enabled", func(v interface{}) error {
		b, ok := v.(bool)
		if !ok {
			return nil
		}
		flag.Store(b)
		return nil
	})
}

// find walks the command table for the first entry whose path matches
// segments exactly (same depth, same components in order), mirroring
// insights_cmd_resp_search_execute_cmd_store's depth-gated linear scan.
// Ties are resolved by registration order: the earliest-registered
// matching path wins.
func (d *CommandDispatcher) find(segments []string) (CommandHandler, bool) {
	for i := 0; i < d.count; i++ {
		if pathEqual(d.store[i].path, segments) {
			return d.store[i].handler, true
		}
	}
	return nil, false
}

func pathEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Handle decodes and dispatches an inbound command document, returning
// the wire bytes of the reply to send back. It never returns an error
// itself: every failure mode is represented in the reply's status field,
// matching spec.md §4.G "reply with {status: success | payload_error |
// internal_error}".
func (d *CommandDispatcher) Handle(payload []byte) []byte {
	doc, err := wire.DecodeCommand(payload)
	if err != nil {
		d.logger.Warn("command payload rejected", "error", err)
		return d.reply(wire.StatusPayloadError)
	}

	for _, entry := range doc.Config {
		if len(entry.Path) == 0 {
			return d.reply(wire.StatusPayloadError)
		}
		handler, ok := d.find(entry.Path)
		if !ok {
			return d.reply(wire.StatusPayloadError)
		}
		if err := handler(entry.Value); err != nil {
			d.logger.Error("command handler failed", "path", strings.Join(entry.Path, "."), "error", err)
			return d.reply(wire.StatusInternalError)
		}
	}
	return d.reply(wire.StatusSuccess)
}

func (d *CommandDispatcher) reply(status wire.ReplyStatus) []byte {
	out, err := wire.EncodeReply(status)
	if err != nil {
		// Encoding a two-field reply cannot realistically fail; if it
		// does, there is nothing more specific to say than a bare
		// internal_error string fallback never reaches the wire format,
		// so we log and return nil: the caller simply sends nothing back.
		d.logger.Error("encode reply failed", "error", err)
		return nil
	}
	return out
}
