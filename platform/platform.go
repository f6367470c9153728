// Package platform declares the collaborators the diagnostics core expects
// from its host environment: the reset reason, a monotonic wall clock,
// reset-surviving memory, the node identity source, the application image
// hash, and core-dump/reboot plumbing.
//
// None of these types touch real hardware. Concrete implementations live
// in platform/posix (used by cmd/diagagentd, with a POSIX file standing in
// for RTC no-init memory, per spec.md §9); the core
// packages (ringstore, registry, wire, agent) only ever see the interfaces
// below, so they stay host-agnostic and unit-testable.
package platform

import "time"

// ResetReason classifies why the device came up, mirroring esp_reset_reason_t.
type ResetReason int

const (
	// ResetUnknown means the cause could not be determined.
	ResetUnknown ResetReason = iota
	// ResetPowerOn is a cold power-on reset.
	ResetPowerOn
	// ResetBrownout is a brown-out reset.
	ResetBrownout
	// ResetWarm covers any reset that is expected to preserve RAM contents
	// (software reset, watchdog, deep-sleep wake, panic/exception reboot).
	ResetWarm
)

// IsCold reports whether data in reset-surviving memory must be discarded.
func (r ResetReason) IsCold() bool {
	return r == ResetUnknown || r == ResetPowerOn || r == ResetBrownout
}

// ResetSource reports the reason for the current boot. Implementations are
// expected to be cheap and called at most once during agent startup.
type ResetSource interface {
	ResetReason() ResetReason
}

// Clock supplies the current time in microseconds since the Unix epoch,
// matching the wire format's `ts` field (spec.md §6).
type Clock interface {
	NowMicros() uint64
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// NowMicros implements Clock.
func (SystemClock) NowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// NodeIDSource resolves the device's stable node identifier. Returning ""
// with a nil error tells the caller to fall back to the MAC-derived id
// (spec.md §6 "Persisted state").
type NodeIDSource interface {
	NodeID() (string, error)
}

// StationMAC resolves the 6-byte station MAC address used to derive a
// node id when no factory-provisioned one is available.
type StationMAC interface {
	MAC() ([6]byte, error)
}

// ImageInfo returns identity of the running application image.
type ImageInfo interface {
	// SHA256 returns the 8-hex-byte (4 raw byte) short image hash used in
	// every wire document's `sha256` field (spec.md §6).
	SHA256() [4]byte
}

// CoreDumpSummary describes a crash captured before a warm reset.
type CoreDumpSummary struct {
	Present bool
	Reason  string
	TaskTag string
}

// CoreDump is the injected collaborator for inspecting/erasing a
// previously captured core dump image (original_source esp_core_dump_*).
type CoreDump interface {
	// Check returns the summary of a pending core dump, if any.
	Check() (CoreDumpSummary, bool)
	// Erase discards the stored core dump image.
	Erase() error
}

// Rebooter performs a deferred device reboot, used by CommandDispatcher's
// `reboot` command (original_source esp_insights_cmd_resp.c).
type Rebooter interface {
	RebootAfter(d time.Duration)
}

// HeapRegion is one heap allocator region's current watermarks (spec.md
// §4.E "for every heap region (internal, external): free,
// largest_free_block, min_free_ever").
type HeapRegion struct {
	Name             string
	Free             uint32
	LargestFreeBlock uint32
	MinFreeEver      uint32
}

// HeapSource reports current heap watermarks, one entry per region.
type HeapSource interface {
	HeapRegions() []HeapRegion
}

// WifiSource reports the current and minimum-ever station RSSI (spec.md
// §4.E "Wi-Fi sampler reports current RSSI and minimum-ever RSSI"). ok is
// false when the station isn't currently associated.
type WifiSource interface {
	RSSI() (current int8, minEver int8, ok bool)
}
