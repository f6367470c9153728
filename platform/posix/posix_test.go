package posix

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgesignal/diagagent/platform"
)

func TestFileMemory_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtc.bin")

	m1, err := OpenFileMemory(path, 64)
	require.NoError(t, err)
	m1.Bytes()[0] = 0xAB
	m1.Bytes()[63] = 0xCD
	require.NoError(t, m1.Close())

	m2, err := OpenFileMemory(path, 64)
	require.NoError(t, err)
	defer m2.Close()
	require.Equal(t, byte(0xAB), m2.Bytes()[0])
	require.Equal(t, byte(0xCD), m2.Bytes()[63])
}

func TestResetSource_ColdWhenFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtc.bin")
	rs := NewResetSource(path, 64, "")
	require.Equal(t, platform.ResetPowerOn, rs.ResetReason())
}

func TestResetSource_WarmWhenFileMatchesSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtc.bin")
	m, err := OpenFileMemory(path, 64)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	rs := NewResetSource(path, 64, "")
	require.Equal(t, platform.ResetWarm, rs.ResetReason())
}

func TestResetSource_OverrideWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtc.bin")
	rs := NewResetSource(path, 64, "brownout")
	require.Equal(t, platform.ResetBrownout, rs.ResetReason())
}

func TestFileCoreDump_RecordCheckErase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coredump.json")
	cd := NewFileCoreDump(path)

	_, ok := cd.Check()
	require.False(t, ok)

	require.NoError(t, cd.Record(platform.CoreDumpSummary{Present: true, Reason: "panic", TaskTag: "main"}))
	summary, ok := cd.Check()
	require.True(t, ok)
	require.Equal(t, "panic", summary.Reason)

	require.NoError(t, cd.Erase())
	_, ok = cd.Check()
	require.False(t, ok)
}

func TestInstanceLock_SecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtc.bin")

	l1, err := TryAcquireInstanceLock(path)
	require.NoError(t, err)

	_, err = TryAcquireInstanceLock(path)
	require.Error(t, err)

	require.NoError(t, l1.Release())

	l2, err := TryAcquireInstanceLock(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestSimulatedWifiSource_TracksMinimum(t *testing.T) {
	s := NewSimulatedWifiSource()
	s.SetRSSI(-40)
	s.SetRSSI(-70)
	s.SetRSSI(-55)

	current, minEver, ok := s.RSSI()
	require.True(t, ok)
	require.Equal(t, int8(-55), current)
	require.Equal(t, int8(-70), minEver)

	s.SetAssociated(false)
	_, _, ok = s.RSSI()
	require.False(t, ok)
}

func TestEnvNodeIDSource_ReturnsValue(t *testing.T) {
	src := NewEnvNodeIDSource("AABBCCDDEEFF")
	id, err := src.NodeID()
	require.NoError(t, err)
	require.Equal(t, "AABBCCDDEEFF", id)
}
