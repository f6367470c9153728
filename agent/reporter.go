package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgesignal/diagagent/pkg/registry"
	"github.com/edgesignal/diagagent/pkg/ringstore"
	"github.com/edgesignal/diagagent/pkg/wire"
	"github.com/edgesignal/diagagent/platform"
)

// ackTimeout is the InFlight -> TimedOut watchdog (spec.md §4.F
// "InFlight -> TimedOut -> Idle: a 30 s watchdog fires").
const ackTimeout = 30 * time.Second

// ReporterConfig configures the adaptive scheduler.
type ReporterConfig struct {
	MinPeriod       time.Duration
	MaxPeriod       time.Duration
	MaxDocumentSize int
}

// Reporter is the adaptive-interval send cycle (spec.md §4.F): it checks
// connectivity, drains the ring store through the Encoder, hands the
// result to the Transport, and tracks the in-flight message until ack or
// timeout. Grounded on original_source esp_insights.c's
// esp_insights_common_cb/send_insights_data/insights_event_handler timer
// callback and event handler, collapsed into one sequential loop per
// Go's preference for synchronous control flow over callback chains.
type Reporter struct {
	store     *ringstore.Store
	metrics   *registry.Registry
	variables *registry.Registry
	transport Transport
	pending   *pendingTracker
	state     *StateStore
	clock     platform.Clock
	image     platform.ImageInfo
	coreDump  platform.CoreDump
	reset     platform.ResetSource
	sink       *busSink
	tags       *TagTable
	enabled    *boolFlag
	dispatcher *CommandDispatcher
	logger     *slog.Logger

	minPeriod time.Duration
	maxPeriod time.Duration
	maxDocSz  int

	period      time.Duration
	bootPending bool
	bootCount   uint32

	lastLogWriteFails uint32
	lastRebootPending bool
}

// NewReporter constructs a Reporter. bootCount is the number of boots
// the caller has observed so far (persisted outside this package; see
// SPEC_FULL.md §4.1); it is embedded in the boot section verbatim.
func NewReporter(
	store *ringstore.Store,
	metrics, variables *registry.Registry,
	transport Transport,
	pending *pendingTracker,
	state *StateStore,
	clock platform.Clock,
	image platform.ImageInfo,
	coreDump platform.CoreDump,
	reset platform.ResetSource,
	sink *busSink,
	tags *TagTable,
	enabled *boolFlag,
	dispatcher *CommandDispatcher,
	logger *slog.Logger,
	cfg ReporterConfig,
	bootCount uint32,
) *Reporter {
	return &Reporter{
		store: store, metrics: metrics, variables: variables,
		transport: transport, pending: pending, state: state,
		clock: clock, image: image, coreDump: coreDump, reset: reset,
		sink: sink, tags: tags, enabled: enabled, dispatcher: dispatcher, logger: logger,
		minPeriod: cfg.MinPeriod, maxPeriod: cfg.MaxPeriod, maxDocSz: cfg.MaxDocumentSize,
		period:      cfg.MinPeriod,
		bootPending: true,
		bootCount:   bootCount,
	}
}

// Run drives the adaptive cycle until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	timer := time.NewTimer(r.period)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if r.enabled.Load() && r.transport.Connected() {
				sentData := r.cycle(ctx)
				r.adjustPeriod(sentData)
			}
			timer.Reset(r.period)
		}
	}
}

// adjustPeriod implements spec.md §4.F "Adaptive period": doubling on a
// cycle that shipped data, halving on a silent one, clamped to
// [minPeriod, maxPeriod]. A low-memory event observed during a silent
// cycle is reason to accelerate, per spec.md §7's "Reporter consumes
// [low-memory events] to accelerate the next send": the period is then
// reset straight to minPeriod instead of being halved. After a cycle that
// shipped data the period doubles whether or not a low-memory event was
// observed.
func (r *Reporter) adjustPeriod(sentData bool) {
	critLow, nonCritLow := r.sink.takeLowMem()
	if sentData {
		r.period = min(r.period*2, r.maxPeriod)
		return
	}
	if critLow || nonCritLow {
		r.period = r.minPeriod
		return
	}
	r.period = max(r.period/2, r.minPeriod)
}

// cycle runs one Idle->Assembling->(InFlight)->Idle pass and reports
// whether any data bytes were actually delivered.
func (r *Reporter) cycle(ctx context.Context) (sentData bool) {
	cid := newCorrelationID()
	log := r.logger.With("correlation_id", cid)

	if err := r.sendMetaIfChanged(ctx); err != nil {
		log.Warn("meta send failed", "error", err)
	}
	r.reportLogWriteFailIfChanged()
	r.reportRebootPendingIfChanged()

	doc, criticalOffsets, nonCritOffsets, boot := r.assemble()
	if len(doc.Critical) == 0 && len(doc.NonCrit) == 0 && boot == nil {
		return false
	}

	out, critIncluded, nonCritIncluded, err := wire.EncodeData(doc, r.maxDocSz)
	if err != nil {
		log.Error("data encode failed", "error", err)
		return false
	}
	if len(out) == 0 {
		return false
	}

	criticalBytes := bytesFor(criticalOffsets, critIncluded)
	nonCritBytes := bytesFor(nonCritOffsets, nonCritIncluded)

	id, err := r.transport.Send(out)
	if err != nil {
		log.Warn("transport rejected send", "error", err)
		return false
	}
	log.Debug("data document sent", "message_id", id, "bytes", len(out))

	var acked bool
	switch id {
	case MessageID(SendError):
		return false
	case MessageID(SendSyncSuccess):
		acked = true
	default:
		acked = r.awaitAck(ctx, id)
	}

	if nonCritBytes > 0 {
		// Non-critical bytes are best-effort: released unconditionally
		// once handed to the transport, regardless of ack (spec.md §4.F
		// "Non-critical data policy").
		if err := r.releaseNonCritical(nonCritBytes); err != nil {
			log.Error("release non-critical bytes", "error", err)
		}
	}

	if !acked {
		log.Debug("data document not acked")
		if boot != nil {
			// boot-message retry sentinel resets: keep bootPending true
			// so the boot section is re-emitted next cycle.
			r.bootPending = true
		}
		return false
	}

	if criticalBytes > 0 {
		if err := r.store.Release(ringstore.Critical, criticalBytes); err != nil {
			log.Error("release critical bytes", "error", err)
		}
	}
	if boot != nil {
		r.bootPending = false
		if r.coreDump != nil {
			if err := r.coreDump.Erase(); err != nil {
				log.Warn("core dump erase failed", "error", err)
			}
		}
	}
	return criticalBytes > 0 || nonCritBytes > 0
}

func (r *Reporter) awaitAck(ctx context.Context, id MessageID) bool {
	ch := r.pending.register(id)
	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case ev := <-ch:
		return ev.Kind == EventSendSuccess
	case <-timer.C:
		r.pending.forget(id)
		return false
	case <-ctx.Done():
		r.pending.forget(id)
		return false
	}
}

// sendMetaIfChanged publishes a meta document when the Registry's CRC
// has drifted from the last-acknowledged one (spec.md §4.F "Meta-change
// handling").
func (r *Reporter) sendMetaIfChanged(ctx context.Context) error {
	metricDescs := r.metrics.All()
	varDescs := r.variables.All()
	currentCRC := registryCRC(r.metrics, r.variables)

	persistedCRC, _, err := r.state.Load()
	if err != nil {
		return err
	}
	if currentCRC == persistedCRC {
		return nil
	}

	doc := wire.NewMetaDocument(r.clock.NowMicros(), r.image.SHA256(), metricDescs, varDescs)
	out, err := wire.EncodeMeta(doc, r.maxDocSz)
	if err != nil {
		return err
	}

	id, err := r.transport.Send(out)
	if err != nil {
		return err
	}
	var acked bool
	switch id {
	case MessageID(SendError):
		return nil
	case MessageID(SendSyncSuccess):
		acked = true
	default:
		acked = r.awaitAck(ctx, id)
	}
	if acked {
		return r.state.SaveMetaCRC(currentCRC)
	}
	return nil
}

// registryCRC combines both tables' CRCs into one value so either table
// changing triggers a meta re-publish.
func registryCRC(metrics, variables *registry.Registry) uint32 {
	return metrics.CRC()*31 + variables.CRC()
}

func (r *Reporter) releaseNonCritical(bytes int) error {
	return r.store.Release(ringstore.NonCritical, bytes)
}

// diagTag groups the Reporter's own self-reporting variables, distinct
// from the heap/wifi sampler groups (SPEC_FULL.md §4.3, §4.4).
const diagTag = "diag"

// reportLogWriteFailIfChanged folds the ring store's critical-write
// failure count into the stream as a self-reporting variable whenever it
// has grown since the last report, mirroring the original's
// log_write_fail_cnt (SPEC_FULL.md §4.3). Reporting only on change keeps
// a healthy device silent.
func (r *Reporter) reportLogWriteFailIfChanged() {
	count := r.sink.logWriteFailCount()
	if count == r.lastLogWriteFails {
		return
	}
	desc, ok := r.variables.Lookup(diagTag, "log_wr_fail")
	if !ok || desc.Type != registry.UInt {
		return
	}
	rec := wire.DataRecord{
		Kind:      wire.RecordVariable,
		Tag:       diagTag,
		Key:       "log_wr_fail",
		Timestamp: r.clock.NowMicros(),
		Value:     &wire.Value{Type: registry.UInt, UInt: count},
	}
	raw, err := wire.EncodeCriticalRecord(rec)
	if err != nil {
		return
	}
	if err := r.store.WriteCritical(raw); err != nil {
		return
	}
	r.lastLogWriteFails = count
}

// reportRebootPendingIfChanged folds the dispatcher's reboot-pending flag
// into the stream as a self-reporting variable on every transition, so
// the cloud sees the pending reboot before the device actually restarts
// (SPEC_FULL.md §4.4, original_source's reboot_report_pending).
func (r *Reporter) reportRebootPendingIfChanged() {
	if r.dispatcher == nil {
		return
	}
	pending := r.dispatcher.RebootPending()
	if pending == r.lastRebootPending {
		return
	}
	desc, ok := r.variables.Lookup(diagTag, "reboot_pending")
	if !ok || desc.Type != registry.Bool {
		return
	}
	rec := wire.DataRecord{
		Kind:      wire.RecordVariable,
		Tag:       diagTag,
		Key:       "reboot_pending",
		Timestamp: r.clock.NowMicros(),
		Value:     &wire.Value{Type: registry.Bool, Bool: pending},
	}
	raw, err := wire.EncodeCriticalRecord(rec)
	if err != nil {
		return
	}
	if err := r.store.WriteCritical(raw); err != nil {
		return
	}
	r.lastRebootPending = pending
}

// bytesFor maps a count of included records/groups back to the number of
// raw store bytes they occupy, using the cumulative offsets returned
// alongside the decode. offsets[i-1] is the byte count through the i-th
// item; zero included items releases zero bytes.
func bytesFor(offsets []int, included int) int {
	if included <= 0 || included > len(offsets) {
		return 0
	}
	return offsets[included-1]
}

// assemble drains both streams into a DataDocument without releasing
// anything yet — release happens only after the transport outcome is
// known (spec.md §3 "Ownership"). The returned offset slices let cycle
// translate EncodeData's included-item counts back into store byte
// counts for Release.
func (r *Reporter) assemble() (doc wire.DataDocument, criticalOffsets, nonCritOffsets []int, boot *wire.BootSection) {
	crit := r.store.ReadAndLock(ringstore.Critical)
	records, criticalOffsets := wire.DecodeCriticalStream(crit)
	r.store.ReleaseAndUnlock(ringstore.Critical, 0) // peek only; Release happens post-ack

	nc := r.store.ReadAndLock(ringstore.NonCritical)
	groups, nonCritOffsets := wire.DecodeNonCriticalStream(nc, r.tags.Name)
	r.store.ReleaseAndUnlock(ringstore.NonCritical, 0)

	if r.bootPending {
		boot = r.buildBootSection()
	}

	doc = wire.DataDocument{
		Ver:       "1.0",
		Timestamp: r.clock.NowMicros(),
		SHA256:    r.image.SHA256(),
		Boot:      boot,
		Critical:  records,
		NonCrit:   groups,
	}
	return doc, criticalOffsets, nonCritOffsets, boot
}

func (r *Reporter) buildBootSection() *wire.BootSection {
	section := &wire.BootSection{
		Reason:    bootReasonString(r.reset.ResetReason()),
		BootCount: r.bootCount,
	}
	if r.coreDump != nil {
		if summary, ok := r.coreDump.Check(); ok {
			section.CoreDumpPresent = summary.Present
			section.CoreDumpReason = summary.Reason
			section.CoreDumpTask = summary.TaskTag
		}
	}
	return section
}

func bootReasonString(reason platform.ResetReason) string {
	switch reason {
	case platform.ResetPowerOn:
		return "power_on"
	case platform.ResetBrownout:
		return "brownout"
	case platform.ResetWarm:
		return "warm"
	default:
		return "unknown"
	}
}
