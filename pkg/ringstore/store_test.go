package ringstore_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgesignal/diagagent/pkg/ringstore"
	"github.com/edgesignal/diagagent/platform"
)

func newStore(t *testing.T, critSize, ncSize int, policy ringstore.OverflowPolicy) (*ringstore.Store, *ringstore.HeapMemory) {
	t.Helper()
	mem := ringstore.NewHeapMemory(2*4 + critSize + ncSize)
	st, err := ringstore.Open(platform.ResetPowerOn, mem, ringstore.Config{
		CriticalSize:        critSize,
		NonCriticalSize:     ncSize,
		WatermarkPercent:    20,
		NonCriticalOverflow: policy,
	})
	require.NoError(t, err)
	return st, mem
}

func TestOpen_RejectsMismatchedMemorySize(t *testing.T) {
	mem := ringstore.NewHeapMemory(10)
	_, err := ringstore.Open(platform.ResetPowerOn, mem, ringstore.Config{
		CriticalSize: 64, NonCriticalSize: 64, WatermarkPercent: 10,
	})
	require.ErrorIs(t, err, ringstore.ErrInvalidArgument)
}

func TestOpen_ColdResetZeroesPriorContent(t *testing.T) {
	st, mem := newStore(t, 64, 64, ringstore.DropNew)
	require.NoError(t, st.WriteCritical([]byte("hello")))

	st2, err := ringstore.Open(platform.ResetPowerOn, mem, ringstore.Config{
		CriticalSize: 64, NonCriticalSize: 64, WatermarkPercent: 10,
	})
	require.NoError(t, err)
	data := st2.ReadAndLock(ringstore.Critical)
	require.Empty(t, data)
	require.NoError(t, st2.ReleaseAndUnlock(ringstore.Critical, 0))
}

func TestOpen_WarmResetPreservesContent(t *testing.T) {
	_, mem := newStore(t, 64, 64, ringstore.DropNew)

	st1, err := ringstore.Open(platform.ResetPowerOn, mem, ringstore.Config{
		CriticalSize: 64, NonCriticalSize: 64, WatermarkPercent: 10,
	})
	require.NoError(t, err)
	require.NoError(t, st1.WriteCritical([]byte("survive-me")))

	st2, err := ringstore.Open(platform.ResetWarm, mem, ringstore.Config{
		CriticalSize: 64, NonCriticalSize: 64, WatermarkPercent: 10,
	})
	require.NoError(t, err)
	data := st2.ReadAndLock(ringstore.Critical)
	require.Equal(t, "survive-me", string(data))
	require.NoError(t, st2.ReleaseAndUnlock(ringstore.Critical, len(data)))
}

func TestOpen_DiscardsOnlyTheCorruptStream(t *testing.T) {
	_, mem := newStore(t, 64, 64, ringstore.DropNew)

	raw := mem.Bytes()
	// Corrupt the critical descriptor: filled (bytes 2:4) says 1000,
	// impossible for a 64-byte stream. The non-critical descriptor is
	// left untouched and should survive the recovery pass unscathed.
	raw[2] = 0xE8
	raw[3] = 0x03

	st, err := ringstore.Open(platform.ResetWarm, mem, ringstore.Config{
		CriticalSize: 64, NonCriticalSize: 64, WatermarkPercent: 10,
	})
	require.NoError(t, err)

	crit := st.ReadAndLock(ringstore.Critical)
	require.Empty(t, crit, "corrupt stream must be discarded to empty, not left corrupt")
	require.NoError(t, st.ReleaseAndUnlock(ringstore.Critical, 0))

	require.NoError(t, st.WriteNonCritical(1, []byte("ok")))
	nc := st.ReadAndLock(ringstore.NonCritical)
	require.NotEmpty(t, nc, "sibling stream must be unaffected by the other's corruption")
	require.NoError(t, st.ReleaseAndUnlock(ringstore.NonCritical, len(nc)))
}

func TestWriteCritical_RejectsEmptyAndOversized(t *testing.T) {
	st, _ := newStore(t, 16, 16, ringstore.DropNew)

	require.ErrorIs(t, st.WriteCritical(nil), ringstore.ErrInvalidArgument)
	require.ErrorIs(t, st.WriteCritical(make([]byte, 17)), ringstore.ErrInvalidArgument)
}

func TestWriteCritical_DropsWhenFull(t *testing.T) {
	var events []ringstore.Event
	mem := ringstore.NewHeapMemory(2*4 + 8 + 8)
	st, err := ringstore.Open(platform.ResetPowerOn, mem, ringstore.Config{
		CriticalSize: 8, NonCriticalSize: 8, WatermarkPercent: 10,
		Sink: ringstore.EventSinkFunc(func(e ringstore.Event) { events = append(events, e) }),
	})
	require.NoError(t, err)

	require.NoError(t, st.WriteCritical([]byte("12345678")))
	// Filling the stream already fired CRITICAL_LOW_MEM (free 0 is below
	// the 7-byte watermark); only the dropped write's events matter here.
	events = nil
	err = st.WriteCritical([]byte("x"))
	require.ErrorIs(t, err, ringstore.ErrNoMem)
	require.Len(t, events, 1)
	require.Equal(t, ringstore.EventCriticalWriteFail, events[0].Kind)
}

func TestWriteCritical_DefragsInsteadOfWrapping(t *testing.T) {
	st, _ := newStore(t, 10, 10, ringstore.DropNew)

	require.NoError(t, st.WriteCritical([]byte("abcde"))) // filled=5, ro=0
	data := st.ReadAndLock(ringstore.Critical)
	require.Equal(t, "abcde", string(data))
	require.NoError(t, st.ReleaseAndUnlock(ringstore.Critical, 5)) // ro=5, filled=0

	// free-at-end is now only 5 bytes (size 10 - ro 5); a 7-byte write
	// must defrag (move live span, which is empty, to offset 0) to fit.
	require.NoError(t, st.WriteCritical([]byte("1234567")))
	data = st.ReadAndLock(ringstore.Critical)
	require.Equal(t, "1234567", string(data))
	require.NoError(t, st.ReleaseAndUnlock(ringstore.Critical, len(data)))
}

func TestWriteCritical_FiresLowMemBelowWatermark(t *testing.T) {
	var events []ringstore.Event
	mem := ringstore.NewHeapMemory(2*4 + 10 + 10)
	st, err := ringstore.Open(platform.ResetPowerOn, mem, ringstore.Config{
		CriticalSize: 10, NonCriticalSize: 10, WatermarkPercent: 50,
		Sink: ringstore.EventSinkFunc(func(e ringstore.Event) { events = append(events, e) }),
	})
	require.NoError(t, err)

	require.NoError(t, st.WriteCritical([]byte("123456"))) // free=4 < watermark(5)
	require.Len(t, events, 1)
	require.Equal(t, ringstore.EventCriticalLowMem, events[0].Kind)
}

func TestWriteNonCritical_RejectsUnknownTag(t *testing.T) {
	mem := ringstore.NewHeapMemory(2*4 + 16 + 16)
	st, err := ringstore.Open(platform.ResetPowerOn, mem, ringstore.Config{
		CriticalSize: 16, NonCriticalSize: 16, WatermarkPercent: 10,
		Tags: tagSetOf(1, 2),
	})
	require.NoError(t, err)

	require.ErrorIs(t, st.WriteNonCritical(3, []byte("x")), ringstore.ErrInvalidArgument)
	require.NoError(t, st.WriteNonCritical(1, []byte("x")))
}

func TestWriteNonCritical_DropNewRejectsWhenFull(t *testing.T) {
	var events []ringstore.Event
	mem := ringstore.NewHeapMemory(2*4 + 8 + 8)
	st, err := ringstore.Open(platform.ResetPowerOn, mem, ringstore.Config{
		CriticalSize: 8, NonCriticalSize: 8, WatermarkPercent: 10,
		NonCriticalOverflow: ringstore.DropNew,
		Sink:                ringstore.EventSinkFunc(func(e ringstore.Event) { events = append(events, e) }),
	})
	require.NoError(t, err)

	require.NoError(t, st.WriteNonCritical(1, []byte("1234"))) // 4+header(4)=8, fills stream
	err = st.WriteNonCritical(1, []byte("x"))
	require.ErrorIs(t, err, ringstore.ErrNoMem)

	var sawFail bool
	for _, e := range events {
		if e.Kind == ringstore.EventNonCriticalWriteFail {
			sawFail = true
		}
	}
	require.True(t, sawFail, "a dropped drop-new write must fire EventNonCriticalWriteFail")
}

func TestWriteNonCritical_LockBusyFiresWriteFail(t *testing.T) {
	var events []ringstore.Event
	mem := ringstore.NewHeapMemory(2*4 + 8 + 8)
	st, err := ringstore.Open(platform.ResetPowerOn, mem, ringstore.Config{
		CriticalSize: 8, NonCriticalSize: 8, WatermarkPercent: 10,
		Sink: ringstore.EventSinkFunc(func(e ringstore.Event) { events = append(events, e) }),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	release := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = st.ReadAndLock(ringstore.NonCritical)
		<-release
		st.ReleaseAndUnlock(ringstore.NonCritical, 0)
	}()

	require.Eventually(t, func() bool {
		err := st.WriteNonCritical(1, []byte("x"))
		return errors.Is(err, ringstore.ErrBusy)
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	var sawFail bool
	for _, e := range events {
		if e.Kind == ringstore.EventNonCriticalWriteFail {
			sawFail = true
		}
	}
	require.True(t, sawFail, "a lock-busy write must fire EventNonCriticalWriteFail")
}

func TestWriteNonCritical_OverwriteOldestReclaimsSpace(t *testing.T) {
	st, _ := newStore(t, 8, 12, ringstore.OverwriteOldest)

	require.NoError(t, st.WriteNonCritical(1, []byte("aaaa"))) // 8 bytes used
	require.NoError(t, st.WriteNonCritical(1, []byte("bb")))   // would need 6 more, must evict "aaaa"

	data := st.ReadAndLock(ringstore.NonCritical)
	// After eviction only the "bb" record remains: header(4) + "bb"(2) = 6 bytes.
	require.Equal(t, "bb", string(data[len(data)-2:]))
	require.NoError(t, st.ReleaseAndUnlock(ringstore.NonCritical, len(data)))
}

func TestReadAndLock_EmptyStreamReturnsZeroLengthButHoldsLock(t *testing.T) {
	st, _ := newStore(t, 16, 16, ringstore.DropNew)

	data := st.ReadAndLock(ringstore.Critical)
	require.Len(t, data, 0)
	require.NoError(t, st.ReleaseAndUnlock(ringstore.Critical, 0))
}

func TestReleaseAndUnlock_RejectsOverConsumption(t *testing.T) {
	st, _ := newStore(t, 16, 16, ringstore.DropNew)
	require.NoError(t, st.WriteCritical([]byte("abc")))

	st.ReadAndLock(ringstore.Critical)
	err := st.ReleaseAndUnlock(ringstore.Critical, 4)
	require.ErrorIs(t, err, ringstore.ErrInvalidArgument)

	// the stream must still be usable afterwards (lock was released on
	// the error path, not leaked).
	st.ReadAndLock(ringstore.Critical)
	require.NoError(t, st.ReleaseAndUnlock(ringstore.Critical, 3))
}

func TestRelease_ConsumesWithoutObservingData(t *testing.T) {
	st, _ := newStore(t, 16, 16, ringstore.DropNew)
	require.NoError(t, st.WriteCritical([]byte("abc")))
	require.NoError(t, st.Release(ringstore.Critical, 3))

	data := st.ReadAndLock(ringstore.Critical)
	require.Empty(t, data)
	require.NoError(t, st.ReleaseAndUnlock(ringstore.Critical, 0))
}

type fixedTagSet map[uint16]bool

func tagSetOf(ids ...uint16) fixedTagSet {
	s := make(fixedTagSet, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func (s fixedTagSet) ValidTag(id uint16) bool { return s[id] }
