// Package ringstore implements the persistent ring-buffer store described
// in spec.md §4.A: two independent, fixed-capacity byte streams ("critical"
// and "non-critical") living in reset-surviving memory, with concurrent-safe
// append/read, in-place defragmentation so every read view is contiguous,
// low-watermark signaling, and post-reset integrity recovery.
//
// Grounded on the teacher's pkg/slotcache: a fixed-capacity, mmap-backed
// store with an explicit on-disk header, per-operation lock discipline, and
// "integrity failure discards, it never panics" recovery semantics
// (calvinalkan-agent-task/pkg/slotcache/open.go, cache.go). ringstore keeps
// that shape — a small binary descriptor plus a validated byte region — but
// trades slotcache's hashed-slot layout for two plain append-only rings,
// per spec.md §4.A.
package ringstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/edgesignal/diagagent/platform"
)

// StreamID selects one of the two independent ring streams.
type StreamID int

const (
	// Critical is the stream for records whose loss is costly: logs,
	// metrics/variables the cloud must see at least once. Released only
	// on transport ack.
	Critical StreamID = iota
	// NonCritical is the best-effort stream for periodic samples.
	// Released unconditionally after being handed to the transport.
	NonCritical
)

func (s StreamID) String() string {
	if s == Critical {
		return "critical"
	}
	return "non_critical"
}

// OverflowPolicy selects what write_non_critical does when there isn't
// room for a new record (spec.md §4.A). It has no effect on the critical
// stream, which is always drop-new.
type OverflowPolicy int

const (
	// DropNew rejects the incoming record and reports ErrNoMem, exactly
	// like the critical stream.
	DropNew OverflowPolicy = iota
	// OverwriteOldest repeatedly consumes the oldest record until the new
	// one fits. It never rejects a record whose size fits within
	// capacity (spec.md §8 property 6).
	OverwriteOldest
)

// descriptorSize is the on-wire size of a stream descriptor: two uint16
// fields, read_offset and filled (spec.md §6: "each descriptor is
// {read_offset:u16, filled:u16} (the agent assumes no stream exceeds
// 64 KiB)").
const descriptorSize = 4

// MaxStreamSize is the largest capacity a single stream may have, imposed
// by the 16-bit descriptor fields (spec.md §6).
const MaxStreamSize = 1<<16 - 1

// TagValidator reports whether a non-critical tag id refers to a known,
// stable group name. This is the Go stand-in for the original's
// esp_ptr_in_drom(dg) precondition (spec.md §9): instead of validating a
// raw pointer into the immutable code segment, callers validate a small
// interned id against their own tag table (see agent's tag registry).
type TagValidator interface {
	ValidTag(id uint16) bool
}

// AllTagsValid accepts every tag id; useful for tests that don't care
// about tag provenance.
type AllTagsValid struct{}

// ValidTag implements TagValidator.
func (AllTagsValid) ValidTag(uint16) bool { return true }

// Config configures a Store at Open time. All fields except Sink and Tags
// are build-time constants in the original firmware.
type Config struct {
	// CriticalSize is the capacity in bytes of the critical stream.
	CriticalSize int
	// NonCriticalSize is the capacity in bytes of the non-critical stream.
	NonCriticalSize int
	// WatermarkPercent is CONFIG_RTC_STORE_REPORTING_WATERMARK_PERCENT:
	// a *_LOW_MEM event fires once free space drops below
	// (100-WatermarkPercent)% of capacity (spec.md §4.A).
	WatermarkPercent int
	// NonCriticalOverflow selects the non-critical stream's overflow
	// policy. The critical stream is always DropNew.
	NonCriticalOverflow OverflowPolicy
	// Tags validates non-critical tag refs at append time; if nil,
	// AllTagsValid{} is used.
	Tags TagValidator
	// Sink receives fire-and-forget bus events. If nil, events are
	// discarded.
	Sink EventSink
}

func (c Config) layoutSize() int {
	return 2*descriptorSize + c.CriticalSize + c.NonCriticalSize
}

// stream holds one ring's mechanics: its descriptor (read_offset, filled)
// and data region, both slices into the shared Memory, plus the mutex that
// makes append/read/release atomic (spec.md §5: "exactly two mutexes, one
// per ring-buffer stream").
type stream struct {
	mu        sync.Mutex
	id        StreamID
	desc      []byte // descriptorSize bytes: LE read_offset, LE filled
	buf       []byte
	size      int
	watermark int // free-space floor below which a *_LOW_MEM event fires
	lowMem    EventKind
	writeFail EventKind
}

func (s *stream) readOffset() int {
	return int(binary.LittleEndian.Uint16(s.desc[0:2]))
}

func (s *stream) filled() int {
	return int(binary.LittleEndian.Uint16(s.desc[2:4]))
}

func (s *stream) setReadOffset(v int) {
	binary.LittleEndian.PutUint16(s.desc[0:2], uint16(v))
}

func (s *stream) setFilled(v int) {
	binary.LittleEndian.PutUint16(s.desc[2:4], uint16(v))
}

func (s *stream) freeAtEnd() int {
	return s.size - (s.filled() + s.readOffset())
}

func (s *stream) free() int {
	return s.size - s.filled()
}

// defrag moves the live span to offset 0 so it is never wrapped. Callers
// must hold s.mu.
func (s *stream) defrag() {
	filled := s.filled()
	if filled > 0 {
		copy(s.buf[0:filled], s.buf[s.readOffset():s.readOffset()+filled])
	}
	s.setReadOffset(0)
}

// rawAppend copies data to the tail of the live span and grows filled.
// Callers must hold s.mu and have already ensured free-at-end >= len(data).
func (s *stream) rawAppend(data []byte) {
	start := s.readOffset() + s.filled()
	copy(s.buf[start:start+len(data)], data)
	s.setFilled(s.filled() + len(data))
}

// integrityCheck mirrors rtc_store_integrity_check: the three predicates
// that must hold after every reset and after every public operation
// (spec.md §3 "Ring-store state", §8 property 1).
func (s *stream) integrityCheck() bool {
	size := s.size
	ro := s.readOffset()
	fl := s.filled()
	if fl > size || ro > size || ro+fl > size {
		return false
	}
	return true
}

func (s *stream) discard() {
	s.setReadOffset(0)
	s.setFilled(0)
	clear(s.buf)
}

// Store is the persistent ring-buffer store (spec.md §4.A component A).
type Store struct {
	cfg      Config
	critical *stream
	nonCrit  *stream
	sink     EventSink
	tags     TagValidator
}

// Open binds a Store to mem. On a cold reset reason, the whole region is
// zeroed. Otherwise each stream's descriptor is validated against the
// three integrity predicates; a stream that fails integrity is discarded
// (its own state zeroed) without affecting the other stream or returning
// an error — "Integrity failure ⇒ discard (zero state), not abort"
// (spec.md §4.A).
func Open(reason platform.ResetReason, mem Memory, cfg Config) (*Store, error) {
	if mem == nil {
		return nil, fmt.Errorf("%w: mem is nil", ErrInvalidArgument)
	}
	if cfg.CriticalSize <= 0 || cfg.NonCriticalSize <= 0 {
		return nil, fmt.Errorf("%w: stream sizes must be positive", ErrInvalidArgument)
	}
	if cfg.CriticalSize > MaxStreamSize || cfg.NonCriticalSize > MaxStreamSize {
		return nil, fmt.Errorf("%w: stream size exceeds %d", ErrInvalidArgument, MaxStreamSize)
	}
	if cfg.WatermarkPercent < 0 || cfg.WatermarkPercent > 100 {
		return nil, fmt.Errorf("%w: watermark percent out of range", ErrInvalidArgument)
	}

	raw := mem.Bytes()
	want := cfg.layoutSize()
	if len(raw) != want {
		return nil, fmt.Errorf("%w: backing memory is %d bytes, want %d", ErrInvalidArgument, len(raw), want)
	}

	if reason.IsCold() {
		clear(raw)
	}

	critDesc := raw[0:descriptorSize]
	critBuf := raw[descriptorSize : descriptorSize+cfg.CriticalSize]
	ncOff := descriptorSize + cfg.CriticalSize
	ncDesc := raw[ncOff : ncOff+descriptorSize]
	ncBuf := raw[ncOff+descriptorSize:]

	sink := cfg.Sink
	if sink == nil {
		sink = discardSink{}
	}
	tags := cfg.Tags
	if tags == nil {
		tags = AllTagsValid{}
	}

	crit := &stream{
		id:        Critical,
		desc:      critDesc,
		buf:       critBuf,
		size:      cfg.CriticalSize,
		watermark: cfg.CriticalSize * (100 - cfg.WatermarkPercent) / 100,
		lowMem:    EventCriticalLowMem,
		writeFail: EventCriticalWriteFail,
	}
	if !crit.integrityCheck() {
		crit.discard()
	}

	nc := &stream{
		id:        NonCritical,
		desc:      ncDesc,
		buf:       ncBuf,
		size:      cfg.NonCriticalSize,
		watermark: cfg.NonCriticalSize * (100 - cfg.WatermarkPercent) / 100,
		lowMem:    EventNonCriticalLowMem,
		writeFail: EventNonCriticalWriteFail,
	}
	if !nc.integrityCheck() {
		nc.discard()
	}

	return &Store{cfg: cfg, critical: crit, nonCrit: nc, sink: sink, tags: tags}, nil
}

func (st *Store) stream(id StreamID) *stream {
	if id == Critical {
		return st.critical
	}
	return st.nonCrit
}

// WriteCritical atomically appends data to the critical stream. If there
// is not enough free space it drops the record and emits
// CRITICAL_WRITE_FAIL (spec.md §4.A, §8 B4). If there's enough total free
// space but not enough contiguous space at the tail, it defragments first.
func (st *Store) WriteCritical(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty record", ErrInvalidArgument)
	}
	s := st.critical
	if len(data) > s.size {
		return fmt.Errorf("%w: record of %d bytes exceeds capacity %d", ErrInvalidArgument, len(data), s.size)
	}

	s.mu.Lock()
	free := s.free()
	if free < len(data) {
		s.mu.Unlock()
		st.sink.Notify(Event{Kind: EventCriticalWriteFail, Data: data})
		return ErrNoMem
	}
	if s.freeAtEnd() < len(data) {
		s.defrag()
	}
	s.rawAppend(data)
	free = s.free()
	s.mu.Unlock()

	if free < s.watermark {
		st.sink.Notify(Event{Kind: EventCriticalLowMem})
	}
	return nil
}

// ncHeaderSize is the 4-byte non-critical record header: {tagID
// uint16, length uint16}. This replaces the original's 8-byte
// {tag_ptr pointer, len uint16, pad uint16} header with the interned
// string-id scheme spec.md §9 recommends for a systems-language rewrite.
const ncHeaderSize = 4

func putNCHeader(buf []byte, tagID uint16, length uint16) {
	binary.LittleEndian.PutUint16(buf[0:2], tagID)
	binary.LittleEndian.PutUint16(buf[2:4], length)
}

func getNCHeader(buf []byte) (tagID uint16, length uint16) {
	return binary.LittleEndian.Uint16(buf[0:2]), binary.LittleEndian.Uint16(buf[2:4])
}

// WriteNonCritical appends a {tagID, data} record to the non-critical
// stream. tagID must be known to the Store's TagValidator (spec.md §3
// "tag_ref must point into the immutable data segment — this is
// validated at append time"). Lock acquisition is non-blocking: if the
// stream is contended, WriteNonCritical fails fast with ErrBusy
// (spec.md §4.A).
func (st *Store) WriteNonCritical(tagID uint16, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty record", ErrInvalidArgument)
	}
	if !st.tags.ValidTag(tagID) {
		return fmt.Errorf("%w: unknown tag id %d", ErrInvalidArgument, tagID)
	}
	s := st.nonCrit
	reqFree := ncHeaderSize + len(data)
	if reqFree > s.size {
		return fmt.Errorf("%w: record of %d bytes (incl. header) exceeds capacity %d", ErrInvalidArgument, reqFree, s.size)
	}
	if !s.mu.TryLock() {
		st.sink.Notify(Event{Kind: EventNonCriticalWriteFail, Data: data})
		return ErrBusy
	}

	if st.cfg.NonCriticalOverflow == OverwriteOldest {
		for s.free() < reqFree {
			_, hdrLen := getNCHeader(s.buf[s.readOffset() : s.readOffset()+ncHeaderSize])
			consume := ncHeaderSize + int(hdrLen)
			s.setReadOffset(s.readOffset() + consume)
			s.setFilled(s.filled() - consume)
		}
	} else if s.free() < reqFree {
		s.mu.Unlock()
		st.sink.Notify(Event{Kind: EventNonCriticalWriteFail, Data: data})
		return ErrNoMem
	}

	if s.freeAtEnd() < reqFree {
		s.defrag()
	}

	hdr := make([]byte, ncHeaderSize)
	putNCHeader(hdr, tagID, uint16(len(data)))
	s.rawAppend(hdr)
	s.rawAppend(data)

	free := s.free()
	s.mu.Unlock()

	if free < s.watermark {
		st.sink.Notify(Event{Kind: EventNonCriticalLowMem})
	}
	return nil
}

// ReadAndLock acquires the stream lock and returns a contiguous view of
// the live span; len(data) may be 0. Because defrag runs on every write
// that would otherwise wrap, the returned slice is never a wrapped view
// (spec.md §4.A). The lock is held until ReleaseAndUnlock is called.
func (st *Store) ReadAndLock(id StreamID) []byte {
	s := st.stream(id)
	s.mu.Lock()
	n := s.filled()
	return s.buf[s.readOffset() : s.readOffset()+n]
}

// ReleaseAndUnlock advances the stream's read offset by consumed bytes
// and releases the lock taken by ReadAndLock.
func (st *Store) ReleaseAndUnlock(id StreamID, consumed int) error {
	s := st.stream(id)
	if consumed < 0 || consumed > s.filled() {
		s.mu.Unlock()
		return fmt.Errorf("%w: consumed %d exceeds filled %d", ErrInvalidArgument, consumed, s.filled())
	}
	s.setReadOffset(s.readOffset() + consumed)
	s.setFilled(s.filled() - consumed)
	s.mu.Unlock()
	return nil
}

// Release is a convenience for ReadAndLock followed by ReleaseAndUnlock
// without observing the data, used by the Reporter to drop
// already-transmitted bytes from either stream.
func (st *Store) Release(id StreamID, consumed int) error {
	st.ReadAndLock(id)
	return st.ReleaseAndUnlock(id, consumed)
}
