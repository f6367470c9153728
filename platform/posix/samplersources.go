package posix

import (
	"runtime"
	"sync"

	"github.com/edgesignal/diagagent/platform"
)

// RuntimeHeapSource reports the Go runtime's own heap watermarks as a
// single "internal" region, standing in for the original's
// heap_caps_get_info over the device's internal/external regions
// (spec.md §4.E).
type RuntimeHeapSource struct{}

// HeapRegions implements platform.HeapSource.
func (RuntimeHeapSource) HeapRegions() []platform.HeapRegion {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return []platform.HeapRegion{{
		Name:             "internal",
		Free:             uint32(stats.HeapIdle - stats.HeapReleased),
		LargestFreeBlock: uint32(stats.HeapIdle),
		MinFreeEver:      uint32(stats.HeapSys - stats.HeapInuse),
	}}
}

// SimulatedWifiSource is a settable RSSI source for environments with no
// real radio, so the daemon and its tests can drive the Wi-Fi sampler
// path deterministically.
type SimulatedWifiSource struct {
	mu          sync.Mutex
	current     int8
	minEver     int8
	associated  bool
}

// NewSimulatedWifiSource starts associated with a plausible default RSSI.
func NewSimulatedWifiSource() *SimulatedWifiSource {
	return &SimulatedWifiSource{current: -50, minEver: -50, associated: true}
}

// SetRSSI updates the current reading and rolls the minimum-ever down if
// needed.
func (s *SimulatedWifiSource) SetRSSI(v int8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = v
	if v < s.minEver {
		s.minEver = v
	}
}

// SetAssociated toggles whether RSSI reports as available at all.
func (s *SimulatedWifiSource) SetAssociated(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.associated = v
}

// RSSI implements platform.WifiSource.
func (s *SimulatedWifiSource) RSSI() (current int8, minEver int8, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.minEver, s.associated
}

var (
	_ platform.HeapSource = RuntimeHeapSource{}
	_ platform.WifiSource = (*SimulatedWifiSource)(nil)
)
