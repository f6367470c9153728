package wire_test

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/edgesignal/diagagent/pkg/registry"
	"github.com/edgesignal/diagagent/pkg/wire"
)

func encodeCommandForTest(doc wire.CommandDocument) ([]byte, error) {
	return cbor.Marshal(doc)
}

func encodeRawForTest(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

func TestMeta_RoundTripsDescriptorSet(t *testing.T) {
	metrics := []registry.Descriptor{
		{Tag: "heap", Key: "free", Label: "Free heap", Path: "heap.internal.free", Type: registry.UInt},
		{Tag: "heap", Key: "min_free", Label: "Min free heap", Path: "heap.internal.min_free", Type: registry.UInt},
		{Tag: "wifi", Key: "rssi", Label: "RSSI", Path: "wifi.rssi", Type: registry.Int},
	}
	doc := wire.NewMetaDocument(1000, [4]byte{1, 2, 3, 4}, metrics, nil)

	out, err := wire.EncodeMeta(doc, wire.MaxDocumentSize)
	require.NoError(t, err)

	got, err := wire.DecodeMeta(out)
	require.NoError(t, err)

	require.Equal(t, doc.SHA256, got.SHA256)
	require.Len(t, got.Metrics, 2, "expected two tags (heap, wifi)")
	require.Len(t, got.Metrics["heap"], 2)
	require.Equal(t, "wifi.rssi", got.Metrics["wifi"]["rssi"].Path)
}

func TestData_EmptyInputEncodesToHeaderOnly(t *testing.T) {
	doc := wire.DataDocument{Ver: "1.0", Timestamp: 1, SHA256: [4]byte{}}
	out, crit, nc, err := wire.EncodeData(doc, wire.MaxDocumentSize)
	require.NoError(t, err)
	require.NotEmpty(t, out, "a header is always emitted even with no records")
	require.Zero(t, crit)
	require.Zero(t, nc)
}

func TestData_TruncatesWhenOverBudget(t *testing.T) {
	var records []wire.DataRecord
	for i := 0; i < 200; i++ {
		records = append(records, wire.DataRecord{
			Kind: wire.RecordLog, Tag: "app", Timestamp: uint64(i),
			Message: "a reasonably sized log message to pad the document out",
		})
	}
	doc := wire.DataDocument{Ver: "1.0", Timestamp: 1, SHA256: [4]byte{}, Critical: records}

	out, crit, nc, err := wire.EncodeData(doc, 512)
	require.NoError(t, err)
	require.LessOrEqual(t, len(out), 512)
	require.Less(t, crit, 200, "truncation must drop records, not merely shrink the budget silently")
	require.Zero(t, nc)

	back, err := wire.DecodeData(out)
	require.NoError(t, err)
	require.Len(t, back.Critical, crit, "the decoded record count must match what EncodeData reported as included")
}

func TestData_DropsNonCriticalBeforeCritical(t *testing.T) {
	doc := wire.DataDocument{
		Ver: "1.0", Timestamp: 1, SHA256: [4]byte{},
		Critical: []wire.DataRecord{{Kind: wire.RecordLog, Tag: "app", Timestamp: 1, Message: "keep me"}},
		NonCrit: []wire.NonCriticalGroup{
			{Group: "heap", Bytes: make([]byte, 600)},
		},
	}
	out, crit, nc, err := wire.EncodeData(doc, 256)
	require.NoError(t, err)
	require.LessOrEqual(t, len(out), 256)
	require.Equal(t, 1, crit, "critical records must survive as long as non-critical ones can be dropped first")
	require.Zero(t, nc)
}

func TestDecodeCommand_AcceptsWellFormedDocument(t *testing.T) {
	doc := wire.CommandDocument{Ver: "1.0", Ts: 1, SHA256: "abcd", Config: []wire.ConfigEntry{
		{Path: []string{"diag", "reporting", "enabled"}, Value: true},
	}}
	out, err := wire.EncodeReply(wire.StatusSuccess) // sanity: reply encodes fine
	require.NoError(t, err)
	require.NotEmpty(t, out)

	// A well-formed document decodes cleanly.
	encoded, err := encodeCommandForTest(doc)
	require.NoError(t, err)
	got, err := wire.DecodeCommand(encoded)
	require.NoError(t, err)
	require.Equal(t, "1.0", got.Ver)
	require.Len(t, got.Config, 1)
}

func TestDecodeCommand_RejectsMissingConfig(t *testing.T) {
	encoded, err := encodeRawForTest(map[string]interface{}{
		"ver": "1.0", "ts": uint64(1), "sha256": "abcd",
	})
	require.NoError(t, err)
	_, err = wire.DecodeCommand(encoded)
	require.ErrorIs(t, err, wire.ErrInvalidArgument)
}
