package agent

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgesignal/diagagent/pkg/registry"
	"github.com/edgesignal/diagagent/pkg/ringstore"
	"github.com/edgesignal/diagagent/pkg/wire"
	"github.com/edgesignal/diagagent/platform"
)

type fakeClock struct{ micros uint64 }

func (c fakeClock) NowMicros() uint64 { return c.micros }

type fakeImageInfo struct{ sum [4]byte }

func (f fakeImageInfo) SHA256() [4]byte { return f.sum }

type fakeResetSource struct{ reason platform.ResetReason }

func (f fakeResetSource) ResetReason() platform.ResetReason { return f.reason }

type fakeRebooter struct{}

func (fakeRebooter) RebootAfter(time.Duration) {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestReporter builds a Reporter with a real ring store and registries
// but no-op platform collaborators, for exercising the scheduler and
// meta-change logic without a live device.
func newTestReporter(t *testing.T, minPeriod, maxPeriod time.Duration) (*Reporter, *MemoryTransport, *ringstore.Store) {
	t.Helper()
	mem := ringstore.NewHeapMemory(2*4 + 512 + 512)
	store, err := ringstore.Open(platform.ResetPowerOn, mem, ringstore.Config{
		CriticalSize:        512,
		NonCriticalSize:     512,
		WatermarkPercent:    10,
		NonCriticalOverflow: ringstore.DropNew,
	})
	require.NoError(t, err)

	metrics, err := registry.New(registry.Config{Capacity: 8})
	require.NoError(t, err)
	variables, err := registry.New(registry.Config{Capacity: 8})
	require.NoError(t, err)

	transport := NewMemoryTransport()
	require.NoError(t, transport.Connect(context.Background()))

	state := NewStateStore(filepath.Join(t.TempDir(), "state.json"))
	tags := NewTagTable()
	sink := newBusSink(discardLogger())

	dispatcher := NewCommandDispatcher(metrics, variables, newBoolFlag(true), nil, 0, discardLogger())

	r := NewReporter(
		store, metrics, variables, transport, newPendingTracker(), state,
		fakeClock{micros: 1000}, fakeImageInfo{sum: [4]byte{1, 2, 3, 4}}, nil,
		fakeResetSource{reason: platform.ResetPowerOn}, sink, tags,
		newBoolFlag(true), dispatcher, discardLogger(),
		ReporterConfig{MinPeriod: minPeriod, MaxPeriod: maxPeriod, MaxDocumentSize: 4096},
		0,
	)
	return r, transport, store
}

// TestReporter_AdaptivePeriod_FollowsSentSilentSequence exercises the
// doubling/halving scheduler across a sent/sent/silent/silent/sent
// sequence, clamped to [60s, 960s]: 60 -> 120 -> 240 -> 120 -> 60 -> 120.
func TestReporter_AdaptivePeriod_FollowsSentSilentSequence(t *testing.T) {
	r, _, _ := newTestReporter(t, 60*time.Second, 960*time.Second)
	require.Equal(t, 60*time.Second, r.period)

	sequence := []bool{true, true, false, false, true}
	want := []time.Duration{
		120 * time.Second,
		240 * time.Second,
		120 * time.Second,
		60 * time.Second,
		120 * time.Second,
	}
	for i, sentData := range sequence {
		r.adjustPeriod(sentData)
		require.Equalf(t, want[i], r.period, "after step %d (sentData=%v)", i, sentData)
	}
}

// TestReporter_AdaptivePeriod_ClampsAtMax checks that repeated sends never
// push the period past maxPeriod.
func TestReporter_AdaptivePeriod_ClampsAtMax(t *testing.T) {
	r, _, _ := newTestReporter(t, 60*time.Second, 240*time.Second)
	for i := 0; i < 5; i++ {
		r.adjustPeriod(true)
	}
	require.Equal(t, 240*time.Second, r.period)
}

// TestReporter_AdaptivePeriod_LowMemForcesMinimum checks that a sticky
// low-memory flag accelerates the next cycle to minPeriod even though the
// cycle itself shipped no data, per the Reporter consuming low-memory
// events to wake up sooner.
func TestReporter_AdaptivePeriod_LowMemForcesMinimum(t *testing.T) {
	r, _, _ := newTestReporter(t, 60*time.Second, 960*time.Second)
	r.adjustPeriod(true) // 120s
	require.Equal(t, 120*time.Second, r.period)

	r.sink.criticalLow.Store(true)
	r.adjustPeriod(false)
	require.Equal(t, 60*time.Second, r.period)
}

// resolvePending delivers a successful send outcome to whichever message
// id the Reporter is currently awaiting, the same forwarding
// runEventLoop does between a Transport and the pendingTracker in the
// running Agent. It polls because the awaiting goroutine's register call
// races with this one.
func resolvePending(t *testing.T, r *Reporter, id MessageID) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.pending.resolve(TransportEvent{Kind: EventSendSuccess, ID: id})
	}, time.Second, time.Millisecond)
}

// failPending is resolvePending's failure-outcome counterpart.
func failPending(t *testing.T, r *Reporter, id MessageID) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.pending.resolve(TransportEvent{Kind: EventSendFailed, ID: id})
	}, time.Second, time.Millisecond)
}

// TestReporter_SendMetaIfChanged_PublishesOnFirstRunThenQuiesces covers
// boundary B6: a fresh StateStore (CRC 0) never matches a non-empty
// registry's CRC, so the first call always sends; once the send is acked
// and the CRC persisted, an unchanged registry produces no further sends.
func TestReporter_SendMetaIfChanged_PublishesOnFirstRunThenQuiesces(t *testing.T) {
	r, transport, _ := newTestReporter(t, 60*time.Second, 960*time.Second)
	require.NoError(t, r.metrics.Register(registry.Descriptor{
		Tag: "heap", Key: "free", Label: "Free heap", Path: "diag.heap.free", Type: registry.UInt,
	}))

	done := make(chan error, 1)
	go func() { done <- r.sendMetaIfChanged(context.Background()) }()

	// MemoryTransport hands out sequential ids starting at 1; the first
	// send of the test is always id 1.
	resolvePending(t, r, MessageID(1))
	require.NoError(t, <-done)

	crc, _, err := r.state.Load()
	require.NoError(t, err)
	require.NotZero(t, crc)

	require.NoError(t, r.sendMetaIfChanged(context.Background()))
	_, ok := transport.SentPayload(MessageID(2))
	require.False(t, ok, "no new meta document sent once CRC matches")
}

// TestReporter_SendMetaIfChanged_RepublishesAfterRegistryChange confirms a
// second descriptor added after the first publish triggers a new meta
// document with a different CRC.
func TestReporter_SendMetaIfChanged_RepublishesAfterRegistryChange(t *testing.T) {
	r, _, _ := newTestReporter(t, 60*time.Second, 960*time.Second)
	require.NoError(t, r.metrics.Register(registry.Descriptor{
		Tag: "heap", Key: "free", Label: "Free heap", Path: "diag.heap.free", Type: registry.UInt,
	}))

	done := make(chan error, 1)
	go func() { done <- r.sendMetaIfChanged(context.Background()) }()
	resolvePending(t, r, MessageID(1))
	require.NoError(t, <-done)

	firstCRC, _, err := r.state.Load()
	require.NoError(t, err)

	require.NoError(t, r.variables.Register(registry.Descriptor{
		Tag: "wifi", Key: "rssi", Label: "RSSI", Path: "diag.wifi.rssi", Type: registry.Int,
	}))

	done = make(chan error, 1)
	go func() { done <- r.sendMetaIfChanged(context.Background()) }()
	resolvePending(t, r, MessageID(2))
	require.NoError(t, <-done)

	secondCRC, _, err := r.state.Load()
	require.NoError(t, err)
	require.NotEqual(t, firstCRC, secondCRC)
}

// TestReporter_Cycle_ReleasesOnlyAckedCriticalBytes drives one full
// Idle->Assembling->InFlight->Idle pass and confirms the store's
// critical stream is only drained once the transport acks, using the
// byte-offset accounting cycle relies on to translate "N records
// included" back into an exact release length.
func TestReporter_Cycle_ReleasesOnlyAckedCriticalBytes(t *testing.T) {
	r, _, store := newTestReporter(t, 60*time.Second, 960*time.Second)

	hook := NewLogHook(store, fakeClock{micros: 42}, SeverityEvent)
	hook.Report("app", SeverityEvent, "booted")
	hook.Report("app", SeverityWarning, "low battery")

	before := store.ReadAndLock(ringstore.Critical)
	beforeLen := len(before)
	store.ReleaseAndUnlock(ringstore.Critical, 0)
	require.NotZero(t, beforeLen)

	done := make(chan bool, 1)
	go func() { done <- r.cycle(context.Background()) }()
	resolvePending(t, r, MessageID(1))
	require.True(t, <-done)

	after := store.ReadAndLock(ringstore.Critical)
	afterLen := len(after)
	store.ReleaseAndUnlock(ringstore.Critical, 0)
	require.Zero(t, afterLen, "both records should be released once acked")
}

// TestReporter_Cycle_KeepsCriticalBytesOnSendFailed confirms a cycle whose
// send is reported failed leaves the critical stream untouched, since
// release only happens after a confirmed delivery.
func TestReporter_Cycle_KeepsCriticalBytesOnSendFailed(t *testing.T) {
	r, _, store := newTestReporter(t, 60*time.Second, 960*time.Second)

	hook := NewLogHook(store, fakeClock{micros: 42}, SeverityEvent)
	hook.Report("app", SeverityEvent, "booted")

	before := store.ReadAndLock(ringstore.Critical)
	beforeLen := len(before)
	store.ReleaseAndUnlock(ringstore.Critical, 0)

	done := make(chan bool, 1)
	go func() { done <- r.cycle(context.Background()) }()
	// Fail instead of ack; the cycle should report no data sent and
	// leave the critical stream exactly as it was.
	failPending(t, r, MessageID(1))
	require.False(t, <-done)

	after := store.ReadAndLock(ringstore.Critical)
	afterLen := len(after)
	store.ReleaseAndUnlock(ringstore.Critical, 0)
	require.Equal(t, beforeLen, afterLen)
}

// TestReporter_ReportLogWriteFailIfChanged_WritesOnceThenQuiesces covers
// SPEC_FULL.md §4.3: the critical-write failure count is folded into the
// stream as a variable the first time it changes, and left alone on
// later calls that see no further growth.
func TestReporter_ReportLogWriteFailIfChanged_WritesOnceThenQuiesces(t *testing.T) {
	r, _, store := newTestReporter(t, 60*time.Second, 960*time.Second)
	require.NoError(t, r.variables.Register(registry.Descriptor{
		Tag: diagTag, Key: "log_wr_fail", Label: "write fails", Path: "diag.log_wr_fail", Type: registry.UInt,
	}))

	r.reportLogWriteFailIfChanged()
	before := store.ReadAndLock(ringstore.Critical)
	beforeLen := len(before)
	store.ReleaseAndUnlock(ringstore.Critical, 0)
	require.Zero(t, beforeLen, "no write until the count actually changes")

	r.sink.Notify(ringstore.Event{Kind: ringstore.EventCriticalWriteFail, Data: make([]byte, 8)})
	r.reportLogWriteFailIfChanged()

	after := store.ReadAndLock(ringstore.Critical)
	afterLen := len(after)
	store.ReleaseAndUnlock(ringstore.Critical, 0)
	require.NotZero(t, afterLen, "first change is reported")

	r.reportLogWriteFailIfChanged()
	again := store.ReadAndLock(ringstore.Critical)
	againLen := len(again)
	store.ReleaseAndUnlock(ringstore.Critical, 0)
	require.Equal(t, afterLen, againLen, "unchanged count writes nothing new")
}

// TestReporter_ReportRebootPendingIfChanged_FollowsDispatcherFlag covers
// SPEC_FULL.md §4.4: issuing a diag.reboot command flips the dispatcher's
// sticky flag, and the next cycle's check folds that transition into the
// critical stream exactly once.
func TestReporter_ReportRebootPendingIfChanged_FollowsDispatcherFlag(t *testing.T) {
	r, _, store := newTestReporter(t, 60*time.Second, 960*time.Second)
	// newTestReporter's dispatcher has no rebooter, which makes diag.reboot
	// a no-op; this test needs one that actually accepts the command.
	r.dispatcher = NewCommandDispatcher(r.metrics, r.variables, newBoolFlag(true), fakeRebooter{}, 0, discardLogger())
	require.NoError(t, r.variables.Register(registry.Descriptor{
		Tag: diagTag, Key: "reboot_pending", Label: "reboot pending", Path: "diag.reboot_pending", Type: registry.Bool,
	}))

	r.reportRebootPendingIfChanged()
	before := store.ReadAndLock(ringstore.Critical)
	beforeLen := len(before)
	store.ReleaseAndUnlock(ringstore.Critical, 0)
	require.Zero(t, beforeLen, "flag starts false, nothing to report")

	payload, err := wire.EncodeCommand(wire.CommandDocument{
		Ver: "1.0", SHA256: "00000000",
		Config: []wire.ConfigEntry{{Path: []string{"diag", "reboot"}, Value: true}},
	})
	require.NoError(t, err)
	r.dispatcher.Handle(payload)
	require.True(t, r.dispatcher.RebootPending())

	r.reportRebootPendingIfChanged()
	after := store.ReadAndLock(ringstore.Critical)
	afterLen := len(after)
	store.ReleaseAndUnlock(ringstore.Critical, 0)
	require.NotZero(t, afterLen, "transition to pending is reported")

	r.reportRebootPendingIfChanged()
	again := store.ReadAndLock(ringstore.Critical)
	againLen := len(again)
	store.ReleaseAndUnlock(ringstore.Critical, 0)
	require.Equal(t, afterLen, againLen, "already-reported state writes nothing new")
}
