package registry

import "sync"

// Config configures a Registry at construction time.
type Config struct {
	// Capacity is the maximum number of descriptors the table can hold
	// (original_source DIAG_METRICS_MAX_COUNT / DIAG_VARIABLES_MAX_COUNT,
	// both Kconfig-tunable build-time constants).
	Capacity int
	// LegacyLookup enables Lookup-by-key-only, matching
	// CONFIG_ESP_INSIGHTS_META_VERSION_10's narrower API where the wire
	// format carried no tag field (SPEC_FULL.md §4.2).
	LegacyLookup bool
}

// Registry is a fixed-capacity table of metric or variable descriptors,
// keyed by (tag, key). One Registry instance backs the metrics table and
// a second, independent instance backs the variables table; both are
// the same type because the original's two C tables are structurally
// identical aside from field names.
type Registry struct {
	mu     sync.Mutex
	cap    int
	legacy bool
	descs  []Descriptor
	open   bool
}

// New constructs a Registry ready for Register calls. A zero-value
// Registry is not usable; always go through New, matching the original's
// explicit init/deinit pairing.
func New(cfg Config) (*Registry, error) {
	if cfg.Capacity <= 0 {
		return nil, ErrInvalidArgument
	}
	return &Registry{
		cap:    cfg.Capacity,
		legacy: cfg.LegacyLookup,
		descs:  make([]Descriptor, 0, cfg.Capacity),
		open:   true,
	}, nil
}

// Register adds a new descriptor. It fails with ErrFull once Capacity
// entries are registered, and ErrAlreadyRegistered if the (tag, key) pair
// (or, under LegacyLookup, the key alone) already exists.
func (r *Registry) Register(d Descriptor) error {
	if d.Tag == "" || d.Key == "" || d.Label == "" || d.Path == "" || !d.Type.valid() {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return ErrNotInitialized
	}
	if r.find(d.Tag, d.Key) >= 0 {
		return ErrAlreadyRegistered
	}
	if len(r.descs) >= r.cap {
		return ErrFull
	}
	r.descs = append(r.descs, d)
	return nil
}

// Unregister removes the descriptor matching tag and key. Under
// LegacyLookup, tag is ignored and only key is matched, mirroring
// esp_diag_metrics_unregister's CONFIG_ESP_INSIGHTS_META_VERSION_10
// variant. Removal is swap-with-last, same as the original: the removed
// slot is filled with the table's current last entry, so descriptor order
// is not stable across removals.
func (r *Registry) Unregister(tag, key string) error {
	if key == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return ErrNotInitialized
	}
	i := r.find(tag, key)
	if i < 0 {
		return ErrNotFound
	}
	last := len(r.descs) - 1
	r.descs[i] = r.descs[last]
	r.descs = r.descs[:last]
	return nil
}

// UnregisterAll empties the table, matching esp_diag_metrics_unregister_all.
func (r *Registry) UnregisterAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return ErrNotInitialized
	}
	r.descs = r.descs[:0]
	return nil
}

// Close releases the registry; subsequent calls other than Close itself
// return ErrNotInitialized, matching esp_diag_metrics_deinit.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return ErrNotInitialized
	}
	r.open = false
	r.descs = nil
	return nil
}

// find returns the index of the descriptor matching tag/key, or -1.
// Callers must hold r.mu. Under LegacyLookup, tag is ignored.
func (r *Registry) find(tag, key string) int {
	for i, d := range r.descs {
		if d.Key != key {
			continue
		}
		if r.legacy || d.Tag == tag {
			return i
		}
	}
	return -1
}

// Lookup returns the descriptor for (tag, key), or ok=false.
func (r *Registry) Lookup(tag, key string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.find(tag, key); i >= 0 {
		return r.descs[i], true
	}
	return Descriptor{}, false
}

// LegacyLookup resolves a descriptor by key alone, ignoring tag, for
// callers that need to support meta version 1.0 clients regardless of
// how this Registry was configured.
func (r *Registry) LegacyLookup(key string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.descs {
		if d.Key == key {
			return d, true
		}
	}
	return Descriptor{}, false
}

// All returns a copy of the currently registered descriptors, in their
// current (possibly swap-reordered) table order.
func (r *Registry) All() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, len(r.descs))
	copy(out, r.descs)
	return out
}

// CRC returns metaCRC of the current table, used by the reporter to
// decide whether a fresh meta document must be sent before the next data
// document.
func (r *Registry) CRC() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return metaCRC(r.descs)
}
