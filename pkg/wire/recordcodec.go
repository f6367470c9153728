package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// recordHeaderSize is the 2-byte length prefix placed before each
// CBOR-encoded critical record inside the ring store, so a sequence of
// records can be walked without decoding every byte span blindly.
const recordHeaderSize = 2

// EncodeCriticalRecord serializes one DataRecord as a length-prefixed
// CBOR blob suitable for ringstore.Store.WriteCritical. This keeps the
// ring store's raw bytes in the same self-describing format as the
// documents built from them, rather than inventing a second, parallel
// binary layout the way the original's fixed C struct does.
func EncodeCriticalRecord(rec DataRecord) ([]byte, error) {
	body, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("wire: encode critical record: %w", err)
	}
	if len(body) > 0xFFFF {
		return nil, fmt.Errorf("%w: record body is %d bytes", ErrTooLarge, len(body))
	}
	out := make([]byte, recordHeaderSize+len(body))
	binary.LittleEndian.PutUint16(out[:recordHeaderSize], uint16(len(body)))
	copy(out[recordHeaderSize:], body)
	return out, nil
}

// DecodeCriticalStream parses a contiguous run of length-prefixed CBOR
// records, as produced by repeated EncodeCriticalRecord calls and
// concatenated by the ring store. Alongside each record it returns the
// cumulative byte offset through the end of that record, so a caller that
// only ends up including the first N records in an outbound document
// knows exactly how many raw bytes to release from the store
// (offsets[N-1]) rather than mistaking a record count for a byte count.
//
// A truncated trailing record (the length header claims more bytes than
// remain) ends decoding early rather than causing the whole stream to
// fail: it can only occur if the Reporter read a view mid-write, which
// the store's locking prevents, or after a corruption-recovery discard
// left a partial tail, which should be treated as "no more complete
// records" rather than an error.
func DecodeCriticalStream(raw []byte) (records []DataRecord, offsets []int) {
	consumed := 0
	for len(raw) >= recordHeaderSize {
		n := int(binary.LittleEndian.Uint16(raw[:recordHeaderSize]))
		if n > len(raw)-recordHeaderSize {
			break
		}
		body := raw[recordHeaderSize : recordHeaderSize+n]
		consumed += recordHeaderSize + n
		raw = raw[recordHeaderSize+n:]

		var rec DataRecord
		if err := cbor.Unmarshal(body, &rec); err == nil {
			records = append(records, rec)
			offsets = append(offsets, consumed)
		}
	}
	return records, offsets
}

// nonCriticalHeaderSize mirrors ringstore's internal non-critical record
// header: {tagID uint16, length uint16}.
const nonCriticalHeaderSize = 4

// DecodeNonCriticalStream parses the non-critical ring's raw bytes into
// named groups, resolving each record's interned tag id back to its
// group name via names, and, like DecodeCriticalStream, returns the
// cumulative byte offset through each returned group for partial-release
// accounting. A record whose tag id has no known name is skipped (its
// bytes count toward the next returned group's offset): the tag table is
// in-memory state that has no unregister and is not persisted, so a name
// is missing when the record was written before the current table was
// built, e.g. before a warm reset.
func DecodeNonCriticalStream(raw []byte, names func(uint16) (string, bool)) (groups []NonCriticalGroup, offsets []int) {
	consumed := 0
	for len(raw) >= nonCriticalHeaderSize {
		tagID := binary.LittleEndian.Uint16(raw[0:2])
		length := int(binary.LittleEndian.Uint16(raw[2:4]))
		if length > len(raw)-nonCriticalHeaderSize {
			break
		}
		payload := raw[nonCriticalHeaderSize : nonCriticalHeaderSize+length]
		consumed += nonCriticalHeaderSize + length
		raw = raw[nonCriticalHeaderSize+length:]

		if name, ok := names(tagID); ok {
			cp := make([]byte, length)
			copy(cp, payload)
			groups = append(groups, NonCriticalGroup{Group: name, Bytes: cp})
			offsets = append(offsets, consumed)
		}
	}
	return groups, offsets
}
