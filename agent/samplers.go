package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgesignal/diagagent/pkg/registry"
	"github.com/edgesignal/diagagent/pkg/ringstore"
	"github.com/edgesignal/diagagent/pkg/wire"
	"github.com/edgesignal/diagagent/platform"
)

// tagHeap and tagWifi are the registry tags the two built-in samplers
// report under, matching the original's fixed "heap"/"wifi" groups.
const (
	tagHeap = "heap"
	tagWifi = "wifi"
)

// HeapSampler periodically reports per-region heap watermarks as
// variables (spec.md §4.E). Each region's three fields must already be
// registered under (tagHeap, "<region>.free") etc. by the caller before
// Run starts, matching spec.md §4.E "the registry rejects a sample whose
// descriptor was not pre-registered at init".
type HeapSampler struct {
	source    platform.HeapSource
	variables *registry.Registry
	store     *ringstore.Store
	tags      *TagTable
	clock     platform.Clock
	period    time.Duration
	logger    *slog.Logger
}

// NewHeapSampler constructs a HeapSampler. period<=0 disables the
// sampler entirely (spec.md §4.E "period 0 disables").
func NewHeapSampler(source platform.HeapSource, variables *registry.Registry, store *ringstore.Store, tags *TagTable, clock platform.Clock, period time.Duration, logger *slog.Logger) *HeapSampler {
	return &HeapSampler{source: source, variables: variables, store: store, tags: tags, clock: clock, period: period, logger: logger}
}

// Run samples on a ticker until ctx is cancelled. It returns immediately
// if the sampler is disabled.
func (h *HeapSampler) Run(ctx context.Context) {
	if h.period <= 0 {
		return
	}
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sampleOnce()
		}
	}
}

func (h *HeapSampler) sampleOnce() {
	for _, region := range h.source.HeapRegions() {
		h.reportUInt(region.Name, "free", region.Free)
		h.reportUInt(region.Name, "largest_free_block", region.LargestFreeBlock)
		h.reportUInt(region.Name, "min_free_ever", region.MinFreeEver)
	}
}

func (h *HeapSampler) reportUInt(region, field string, value uint32) {
	key := fmt.Sprintf("%s.%s", region, field)
	desc, ok := h.variables.Lookup(tagHeap, key)
	if !ok || desc.Type != registry.UInt {
		return
	}
	rec := wire.DataRecord{
		Kind:      wire.RecordVariable,
		Tag:       tagHeap,
		Key:       key,
		Timestamp: h.clock.NowMicros(),
		Value:     &wire.Value{Type: registry.UInt, UInt: value},
	}
	raw, err := wire.EncodeCriticalRecord(rec)
	if err != nil {
		h.logger.Warn("encode heap sample", "error", err)
		return
	}
	if err := h.store.WriteCritical(raw); err != nil {
		h.logger.Debug("heap sample dropped", "error", err)
	}
}

// WifiSampler periodically reports current and minimum-ever RSSI as
// variables (spec.md §4.E).
type WifiSampler struct {
	source    platform.WifiSource
	variables *registry.Registry
	store     *ringstore.Store
	clock     platform.Clock
	period    time.Duration
	logger    *slog.Logger
}

// NewWifiSampler constructs a WifiSampler.
func NewWifiSampler(source platform.WifiSource, variables *registry.Registry, store *ringstore.Store, clock platform.Clock, period time.Duration, logger *slog.Logger) *WifiSampler {
	return &WifiSampler{source: source, variables: variables, store: store, clock: clock, period: period, logger: logger}
}

// Run samples on a ticker until ctx is cancelled.
func (w *WifiSampler) Run(ctx context.Context) {
	if w.period <= 0 {
		return
	}
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sampleOnce()
		}
	}
}

func (w *WifiSampler) sampleOnce() {
	current, minEver, ok := w.source.RSSI()
	if !ok {
		return
	}
	w.reportInt("rssi", int32(current))
	w.reportInt("min_rssi", int32(minEver))
}

func (w *WifiSampler) reportInt(key string, value int32) {
	desc, ok := w.variables.Lookup(tagWifi, key)
	if !ok || desc.Type != registry.Int {
		return
	}
	rec := wire.DataRecord{
		Kind:      wire.RecordVariable,
		Tag:       tagWifi,
		Key:       key,
		Timestamp: w.clock.NowMicros(),
		Value:     &wire.Value{Type: registry.Int, Int: value},
	}
	raw, err := wire.EncodeCriticalRecord(rec)
	if err != nil {
		w.logger.Warn("encode wifi sample", "error", err)
		return
	}
	if err := w.store.WriteCritical(raw); err != nil {
		w.logger.Debug("wifi sample dropped", "error", err)
	}
}
