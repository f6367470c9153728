// Package wire implements the self-describing binary documents exchanged
// with the cloud collector: "meta" (a Registry snapshot) and "data" (a
// batch of log/metric/variable records plus an optional boot section), and
// the inbound command-config document the CommandDispatcher consumes
// (spec.md §4.C, §6, §4.G).
//
// Grounded on original_source/components/esp_insights/src/esp_insights.c
// (meta/data document assembly) and esp_insights_cmd_resp.c (the
// {ver,ts,sha256,config:[...]} command shape). The original builds these
// with a hand-rolled TinyCBOR writer; wire uses fxamacker/cbor/v2, the
// only CBOR implementation available in this project's dependency stack,
// to the same self-describing effect.
package wire

import "github.com/edgesignal/diagagent/pkg/registry"

// protocolVersion is the `ver` field stamped into every outbound document.
const protocolVersion = "1.0"

// MetaDescriptor is one descriptor's wire representation within a meta
// group (spec.md §4.C "per-tag map of per-key map of fields").
type MetaDescriptor struct {
	Label string `cbor:"label"`
	Path  string `cbor:"path"`
	Type  string `cbor:"type"`
	Unit  string `cbor:"unit,omitempty"`
}

// MetaGroup maps tag -> key -> descriptor, matching the original's
// per-tag grouping of the flat descriptor table.
type MetaGroup map[string]map[string]MetaDescriptor

// MetaDocument is the Registry snapshot sent whenever its CRC changes
// (spec.md §4.C).
type MetaDocument struct {
	Ver       string    `cbor:"ver"`
	Timestamp uint64    `cbor:"ts"`
	SHA256    [4]byte   `cbor:"sha256"`
	Metrics   MetaGroup `cbor:"diagmeta_metrics,omitempty"`
	Variables MetaGroup `cbor:"diagmeta_variables,omitempty"`
}

// NewMetaDocument builds a MetaDocument from two descriptor enumerations:
// the metrics table and the variables table. sha256 is the short image
// hash (spec.md §6: "8 hex bytes of the application image hash").
func NewMetaDocument(ts uint64, sha256 [4]byte, metrics, variables []registry.Descriptor) MetaDocument {
	return MetaDocument{
		Ver:       protocolVersion,
		Timestamp: ts,
		SHA256:    sha256,
		Metrics:   groupByTag(metrics),
		Variables: groupByTag(variables),
	}
}

func groupByTag(descs []registry.Descriptor) MetaGroup {
	if len(descs) == 0 {
		return nil
	}
	g := make(MetaGroup)
	for _, d := range descs {
		byKey, ok := g[d.Tag]
		if !ok {
			byKey = make(map[string]MetaDescriptor)
			g[d.Tag] = byKey
		}
		byKey[d.Key] = MetaDescriptor{Label: d.Label, Path: d.Path, Type: d.Type.String()}
	}
	return g
}

// RecordKind discriminates a decoded critical-stream record.
type RecordKind int

const (
	// RecordLog is a LogHook-synthesized record.
	RecordLog RecordKind = iota
	// RecordMetric is a registered-metric report.
	RecordMetric
	// RecordVariable is a registered-variable report.
	RecordVariable
)

// Value carries one typed scalar or string value, tagged by registry.DataType.
type Value struct {
	Type DataType
	Bool bool
	Int  int32
	UInt uint32
	Flt  float32
	Str  string
	IPv4 uint32
	MAC  [6]byte
}

// DataType is an alias of registry.DataType, so values pass between the
// two packages without conversion.
type DataType = registry.DataType

// DataRecord is one entry of a data document's `crit` array: a decoded
// critical-stream record (spec.md §4.C "deserialised record-by-record
// into typed entries").
type DataRecord struct {
	Kind      RecordKind `cbor:"kind"`
	Severity  string     `cbor:"sev,omitempty"`
	Tag       string     `cbor:"tag"`
	Key       string     `cbor:"key,omitempty"`
	Timestamp uint64     `cbor:"ts"`
	Message   string     `cbor:"msg,omitempty"`
	Value     *Value     `cbor:"val,omitempty"`
}

// NonCriticalGroup is one entry of a data document's `non_crit` array:
// the sample bytes for one tag, copied verbatim (spec.md §4.C).
type NonCriticalGroup struct {
	Group string `cbor:"group"`
	Bytes []byte `cbor:"bytes"`
}

// BootSection is attached to the first data document sent after startup
// (spec.md §4.C, §4.F, SPEC_FULL.md §4.1).
type BootSection struct {
	Reason          string `cbor:"reason"`
	BootCount       uint32 `cbor:"count"`
	CoreDumpPresent bool   `cbor:"core_dump,omitempty"`
	CoreDumpReason  string `cbor:"core_dump_reason,omitempty"`
	CoreDumpTask    string `cbor:"core_dump_task,omitempty"`
}

// DataDocument is the per-cycle telemetry batch (spec.md §4.C).
type DataDocument struct {
	Ver       string             `cbor:"ver"`
	Timestamp uint64             `cbor:"ts"`
	SHA256    [4]byte            `cbor:"sha256"`
	Boot      *BootSection       `cbor:"boot,omitempty"`
	Critical  []DataRecord       `cbor:"crit,omitempty"`
	NonCrit   []NonCriticalGroup `cbor:"non_crit,omitempty"`
}
