// Package agent wires PersistentRingStore, Registry, Encoder, LogHook,
// the periodic samplers, the Reporter, and the CommandDispatcher into one
// value a caller owns and drives (spec.md §9 "Global singleton": "wrap
// as one Agent value owned by the caller").
package agent

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/edgesignal/diagagent/pkg/registry"
	"github.com/edgesignal/diagagent/pkg/ringstore"
	"github.com/edgesignal/diagagent/platform"
)

// Deps are the platform- and transport-level collaborators an Agent
// needs but never constructs itself (spec.md §9's injected-collaborator
// design notes). Only Memory, ResetSource, ImageInfo, and Transport are
// required; everything else degrades gracefully when nil (no samplers
// run, no reboot command is wired, the system clock is used).
type Deps struct {
	Memory      ringstore.Memory
	ResetSource platform.ResetSource
	ImageInfo   platform.ImageInfo
	Transport   Transport

	Clock        platform.Clock
	NodeIDSource platform.NodeIDSource
	StationMAC   platform.StationMAC
	CoreDump     platform.CoreDump
	Rebooter     platform.Rebooter
	HeapSource   platform.HeapSource
	WifiSource   platform.WifiSource

	// StatePath is where meta_crc/node_id are durably persisted (spec.md
	// §6 "Persisted state").
	StatePath string
	Logger    *slog.Logger
}

// Agent is the facade: every subsystem lives behind it, and a caller
// interacts only with Agent's exported methods (Register*, Start, Stop).
type Agent struct {
	cfg   Config
	logger *slog.Logger

	store     *ringstore.Store
	metrics   *registry.Registry
	variables *registry.Registry
	state     *StateStore
	pending   *pendingTracker
	tags      *TagTable
	sink      *busSink
	enabled   *boolFlag

	transport   Transport
	reporter    *Reporter
	heapSampler *HeapSampler
	wifiSampler *WifiSampler
	logHook     *LogHook
	dispatcher  *CommandDispatcher

	nodeID string

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Agent from cfg and deps. It opens the ring store
// against deps.Memory (zeroing it on a cold reset reason) and builds
// both registries, but does not start any goroutines — call Start for
// that.
func New(cfg Config, deps Deps) (*Agent, error) {
	if deps.Memory == nil || deps.ResetSource == nil || deps.ImageInfo == nil || deps.Transport == nil {
		return nil, fmt.Errorf("%w: Memory, ResetSource, ImageInfo and Transport are required", ErrInvalidConfig)
	}
	if deps.Clock == nil {
		deps.Clock = platform.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sink := newBusSink(logger)
	tags := NewTagTable()

	store, err := ringstore.Open(deps.ResetSource.ResetReason(), deps.Memory, ringstore.Config{
		CriticalSize:        cfg.CriticalStreamSize,
		NonCriticalSize:     cfg.NonCriticalStreamSize,
		WatermarkPercent:    cfg.WatermarkPercent,
		NonCriticalOverflow: overflowPolicy(cfg.OverwriteOldest),
		Tags:                tags,
		Sink:                sink,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: open ring store: %w", err)
	}

	metrics, err := registry.New(registry.Config{Capacity: cfg.MaxMetrics})
	if err != nil {
		return nil, fmt.Errorf("agent: create metrics registry: %w", err)
	}
	variables, err := registry.New(registry.Config{Capacity: cfg.MaxVariables})
	if err != nil {
		return nil, fmt.Errorf("agent: create variables registry: %w", err)
	}

	state := NewStateStore(deps.StatePath)
	nodeID, err := resolveNodeID(deps, state)
	if err != nil {
		return nil, err
	}

	pending := newPendingTracker()
	enabled := newBoolFlag(true)

	dispatcher := NewCommandDispatcher(metrics, variables, enabled, deps.Rebooter, time.Duration(cfg.RebootDelaySeconds)*time.Second, logger)

	// Self-reporting variables the Reporter maintains itself, folded in
	// alongside whatever the caller registers (SPEC_FULL.md §4.3, §4.4).
	// Registration failure here only means a full variables table, in
	// which case the Reporter's Lookup simply finds nothing and stays
	// silent about them.
	_ = variables.Register(registry.Descriptor{Tag: diagTag, Key: "log_wr_fail", Label: "Critical-stream write failures", Path: "diag.log_wr_fail", Type: registry.UInt})
	_ = variables.Register(registry.Descriptor{Tag: diagTag, Key: "reboot_pending", Label: "Reboot command pending", Path: "diag.reboot_pending", Type: registry.Bool})

	reporter := NewReporter(
		store, metrics, variables, deps.Transport, pending, state,
		deps.Clock, deps.ImageInfo, deps.CoreDump, deps.ResetSource,
		sink, tags, enabled, dispatcher, logger,
		ReporterConfig{
			MinPeriod:       time.Duration(cfg.MinPeriodSeconds) * time.Second,
			MaxPeriod:       time.Duration(cfg.MaxPeriodSeconds) * time.Second,
			MaxDocumentSize: cfg.MaxDocumentSize,
		},
		0,
	)

	var heapSampler *HeapSampler
	if deps.HeapSource != nil {
		heapSampler = NewHeapSampler(deps.HeapSource, variables, store, tags, deps.Clock, time.Duration(cfg.HeapSampleSeconds)*time.Second, logger)
	}
	var wifiSampler *WifiSampler
	if deps.WifiSource != nil {
		wifiSampler = NewWifiSampler(deps.WifiSource, variables, store, deps.Clock, time.Duration(cfg.WifiSampleSeconds)*time.Second, logger)
	}

	logHook := NewLogHook(store, deps.Clock, severityFromString(cfg.LogSeverity))

	return &Agent{
		cfg: cfg, logger: logger,
		store: store, metrics: metrics, variables: variables,
		state: state, pending: pending, tags: tags, sink: sink, enabled: enabled,
		transport: deps.Transport, reporter: reporter,
		heapSampler: heapSampler, wifiSampler: wifiSampler,
		logHook: logHook, dispatcher: dispatcher,
		nodeID: nodeID,
	}, nil
}

// resolveNodeID returns the persisted node id if one was saved, else the
// factory-provisioned one from NodeIDSource, else a 12-uppercase-hex-char
// id derived from the station MAC (spec.md §6 "Persisted state").
func resolveNodeID(deps Deps, state *StateStore) (string, error) {
	_, persisted, err := state.Load()
	if err != nil {
		return "", err
	}
	if persisted != "" {
		return persisted, nil
	}
	if deps.NodeIDSource != nil {
		if id, err := deps.NodeIDSource.NodeID(); err == nil && id != "" {
			_ = state.SaveNodeID(id)
			return id, nil
		}
	}
	if deps.StationMAC != nil {
		mac, err := deps.StationMAC.MAC()
		if err == nil {
			id := strings.ToUpper(hex.EncodeToString(mac[:]))
			_ = state.SaveNodeID(id)
			return id, nil
		}
	}
	return "", nil
}

func overflowPolicy(overwriteOldest bool) ringstore.OverflowPolicy {
	if overwriteOldest {
		return ringstore.OverwriteOldest
	}
	return ringstore.DropNew
}

func severityFromString(s string) Severity {
	switch s {
	case "error":
		return SeverityError
	case "event":
		return SeverityEvent
	default:
		return SeverityWarning
	}
}

// RegisterMetric adds a metric descriptor (spec.md §4.B). It also wires a
// "diag.<tag>.enabled" command path to a fresh flag; repeated calls for
// the same tag are harmless, Register on the dispatcher's table is
// idempotent overwrite. Nothing reads that flag: the command is accepted
// and replies success, but it does not change what the samplers, the
// LogHook or the Reporter record or send for the tag.
func (a *Agent) RegisterMetric(tag, key, label, path string, dtype registry.DataType) error {
	if err := a.metrics.Register(registry.Descriptor{Tag: tag, Key: key, Label: label, Path: path, Type: dtype}); err != nil {
		return err
	}
	a.dispatcher.RegisterGroupToggle(tag, newBoolFlag(true))
	return nil
}

// RegisterVariable adds a variable descriptor (spec.md §4.B).
func (a *Agent) RegisterVariable(tag, key, label, path string, dtype registry.DataType) error {
	return a.variables.Register(registry.Descriptor{Tag: tag, Key: key, Label: label, Path: path, Type: dtype})
}

// LogHook returns the agent's log interceptor, installable as one leaf
// of the caller's slog handler chain.
func (a *Agent) LogHook() *LogHook { return a.logHook }

// NodeID returns the device identity resolved at construction time.
func (a *Agent) NodeID() string { return a.nodeID }

// Store exposes the underlying ring store, for callers (and tests) that
// need to drive writes directly rather than through a sampler/LogHook.
func (a *Agent) Store() *ringstore.Store { return a.store }

// Tags exposes the non-critical tag table, so callers can intern a group
// name before calling Store().WriteNonCritical.
func (a *Agent) Tags() *TagTable { return a.tags }

// Start connects the transport and launches the Reporter, both
// samplers, and the event-dispatch loop. It returns once the transport
// connect attempt completes; background work continues until Stop.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	if err := a.transport.Connect(runCtx); err != nil {
		cancel()
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
		return fmt.Errorf("agent: connect transport: %w", err)
	}

	a.spawn(func() { a.reporter.Run(runCtx) })
	a.spawn(func() { a.runEventLoop(runCtx) })
	if a.heapSampler != nil {
		a.spawn(func() { a.heapSampler.Run(runCtx) })
	}
	if a.wifiSampler != nil {
		a.spawn(func() { a.wifiSampler.Run(runCtx) })
	}
	return nil
}

func (a *Agent) spawn(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Stop cancels all background work, waits for it to exit, and
// disconnects the transport (spec.md §5 "Cancellation": "stop timers,
// unregister the log hook, disconnect transport, delete locks"; the
// first and third are handled here, the log hook needs no explicit
// unregistration since it is a value the caller stops calling into, and
// the ring store's mutexes are released by the OS on process exit).
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.cancel == nil {
		a.mu.Unlock()
		return ErrNotRunning
	}
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	cancel()
	a.wg.Wait()
	return a.transport.Disconnect()
}

// runEventLoop is the single task that owns the Transport's event
// channel: delivery outcomes route to whichever Send call is waiting on
// them, and inbound command documents route to the CommandDispatcher
// (spec.md §5 "The CommandDispatcher runs on the event-loop task
// delivering inbound transport messages").
func (a *Agent) runEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.transport.Events():
			switch ev.Kind {
			case EventSendSuccess, EventSendFailed:
				if !a.pending.resolve(ev) {
					a.logger.Debug("transport event for unknown message id", "id", ev.ID)
				}
			case EventReceived:
				reply := a.dispatcher.Handle(ev.Bytes)
				if reply != nil {
					if _, err := a.transport.Send(reply); err != nil {
						a.logger.Warn("failed to send command reply", "error", err)
					}
				}
			}
		}
	}
}
