package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxDocumentSize bounds every encoded document, matching the original's
// fixed INSIGHTS_DATA_MAX_SIZE scratch buffer (spec.md §4.C, §5 "Resource
// bounds"). SPEC_FULL.md §2 makes this a Config field; this is only the
// package default used when callers don't override it.
const MaxDocumentSize = 4096

var encMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err) // CanonicalEncOptions is a fixed, valid option set
	}
	return mode
}()

// EncodeMeta serializes a meta document. Meta documents are never
// truncated: the Registry's own fixed capacity bounds their size well
// under MaxDocumentSize (SPEC_FULL.md §2), so an oversized meta document
// indicates a misconfigured capacity rather than a normal runtime
// condition.
func EncodeMeta(doc MetaDocument, maxSize int) ([]byte, error) {
	out, err := encMode.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("wire: encode meta: %w", err)
	}
	if len(out) > maxSize {
		return nil, fmt.Errorf("%w: meta document is %d bytes, limit %d", ErrTooLarge, len(out), maxSize)
	}
	return out, nil
}

// EncodeData serializes a data document, truncating the Critical and
// NonCrit arrays from the tail as needed so the result fits within
// maxSize (spec.md §4.C: "the encoder must produce a valid truncated
// document if it would overflow (closing all open containers)"). It
// returns the number of critical records and non-critical groups that
// were actually included, so the caller can release only the bytes that
// were really sent.
//
// An input with zero records produces a header-only document; a caller
// that wants the "nothing to send" signal from spec.md §4.C should check
// len(Critical)==0 && len(NonCrit)==0 before calling, since a bare header
// is never itself zero-length.
func EncodeData(doc DataDocument, maxSize int) (out []byte, critIncluded, nonCritIncluded int, err error) {
	full, err := encMode.Marshal(doc)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("wire: encode data: %w", err)
	}
	if len(full) <= maxSize {
		return full, len(doc.Critical), len(doc.NonCrit), nil
	}

	// Binary-search-free greedy shrink: drop non-critical groups first
	// (they are already best-effort and overwritable in the store), then
	// critical records, re-encoding after each drop. This is O(n) encodes
	// in the worst case but n is bounded by one ring-store drain's record
	// count, which is small relative to MaxDocumentSize.
	trial := doc
	for len(trial.NonCrit) > 0 {
		trial.NonCrit = trial.NonCrit[:len(trial.NonCrit)-1]
		candidate, encErr := encMode.Marshal(trial)
		if encErr != nil {
			return nil, 0, 0, fmt.Errorf("wire: encode data: %w", encErr)
		}
		if len(candidate) <= maxSize {
			return candidate, len(trial.Critical), len(trial.NonCrit), nil
		}
	}
	for len(trial.Critical) > 0 {
		trial.Critical = trial.Critical[:len(trial.Critical)-1]
		candidate, encErr := encMode.Marshal(trial)
		if encErr != nil {
			return nil, 0, 0, fmt.Errorf("wire: encode data: %w", encErr)
		}
		if len(candidate) <= maxSize {
			return candidate, len(trial.Critical), len(trial.NonCrit), nil
		}
	}

	// Even the bare header (no records, no boot section) doesn't fit.
	trial.Boot = nil
	bare, encErr := encMode.Marshal(trial)
	if encErr != nil {
		return nil, 0, 0, fmt.Errorf("wire: encode data: %w", encErr)
	}
	if len(bare) > maxSize {
		return nil, 0, 0, fmt.Errorf("%w: bare document header is %d bytes, limit %d", ErrTooLarge, len(bare), maxSize)
	}
	return bare, 0, 0, nil
}

// DecodeMeta parses a previously encoded meta document, used by tests and
// by any future cloud-side-compatible decoder exercised in this module.
func DecodeMeta(data []byte) (MetaDocument, error) {
	var doc MetaDocument
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return MetaDocument{}, fmt.Errorf("wire: decode meta: %w", err)
	}
	return doc, nil
}

// DecodeData parses a previously encoded data document.
func DecodeData(data []byte) (DataDocument, error) {
	var doc DataDocument
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return DataDocument{}, fmt.Errorf("wire: decode data: %w", err)
	}
	return doc, nil
}
