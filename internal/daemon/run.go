// Package daemon implements the simulated device process: it wires an
// agent.Agent to POSIX-backed platform collaborators and a transport
// that logs every outgoing document instead of actually reaching a
// cloud collector, then blocks until asked to stop. Grounded on the
// teacher's cmd/tk thin-main/internal-package split.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/edgesignal/diagagent/agent"
	"github.com/edgesignal/diagagent/pkg/registry"
	"github.com/edgesignal/diagagent/platform"
	"github.com/edgesignal/diagagent/platform/posix"
)

// Run parses args, starts the daemon, and blocks until a signal arrives
// on sigCh or the process is asked to stop. It returns a process exit
// code.
func Run(args []string, env map[string]string, sigCh <-chan os.Signal, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("diagagentd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	stateDir := fs.String("state-dir", defaultStateDir(env), "directory for persisted state and simulated RTC memory")
	configPath := fs.String("config", "", "explicit config file path (overrides project-level discovery)")
	resetOverride := fs.String("force-reset", "", "force the next boot's reset reason: cold, warm, or brownout")
	nodeID := fs.String("node-id", env["DIAGAGENT_NODE_ID"], "factory-provisioned node id (overrides MAC-derived default)")
	if err := fs.Parse(args[1:]); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stdout, nil))

	if err := os.MkdirAll(*stateDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "create state dir: %v\n", err)
		return 1
	}

	cfg, err := agent.LoadConfig(agent.LoadConfigInput{WorkDir: *stateDir, ConfigPath: *configPath, Env: env})
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	lock, err := posix.TryAcquireInstanceLock(filepath.Join(*stateDir, "rtc.bin"))
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	defer lock.Release()

	a, err := buildAgent(*stateDir, cfg, *resetOverride, *nodeID, logger)
	if err != nil {
		fmt.Fprintf(stderr, "build agent: %v\n", err)
		return 1
	}

	registerBuiltinDescriptors(a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "start agent: %v\n", err)
		return 1
	}
	logger.Info("diagagentd started", "node_id", a.NodeID(), "state_dir", *stateDir)

	<-sigCh
	logger.Info("diagagentd stopping")
	if err := a.Stop(); err != nil {
		fmt.Fprintf(stderr, "stop agent: %v\n", err)
		return 1
	}
	return 0
}

func defaultStateDir(env map[string]string) string {
	if dir := env["DIAGAGENT_STATE_DIR"]; dir != "" {
		return dir
	}
	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".local", "state", "diagagent")
	}
	return filepath.Join(os.TempDir(), "diagagent")
}

func buildAgent(stateDir string, cfg agent.Config, resetOverride, nodeID string, logger *slog.Logger) (*agent.Agent, error) {
	memPath := filepath.Join(stateDir, "rtc.bin")
	// Two 4-byte stream descriptors precede the two stream buffers.
	memSize := 2*4 + cfg.CriticalStreamSize + cfg.NonCriticalStreamSize
	// Inspect the file before OpenFileMemory creates or resizes it.
	reset := posix.NewResetSource(memPath, memSize, resetOverride)
	mem, err := posix.OpenFileMemory(memPath, memSize)
	if err != nil {
		return nil, err
	}

	image, err := posix.NewFileImageInfo()
	if err != nil {
		return nil, err
	}
	coreDump := posix.NewFileCoreDump(filepath.Join(stateDir, "coredump.json"))
	wifiSource := posix.NewSimulatedWifiSource()
	transport := newLoggingTransport(logger)

	var restart func()
	a, err := agent.New(cfg, agent.Deps{
		Memory:       mem,
		ResetSource:  reset,
		ImageInfo:    image,
		Transport:    transport,
		Clock:        platform.SystemClock{},
		NodeIDSource: posix.NewEnvNodeIDSource(nodeID),
		StationMAC:   posix.HostStationMAC{},
		CoreDump:     coreDump,
		Rebooter:     posix.NewProcessRebooter(func() { restart() }),
		HeapSource:   posix.RuntimeHeapSource{},
		WifiSource:   wifiSource,
		StatePath:    filepath.Join(stateDir, "state.json"),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	restart = func() {
		logger.Warn("reboot requested; this standalone process only logs it")
	}
	return a, nil
}

// registerBuiltinDescriptors registers the descriptors the bundled
// samplers report under (spec.md §4.E); a real deployment would do this
// once at device-firmware init time, listing whatever the application
// actually measures.
func registerBuiltinDescriptors(a *agent.Agent) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(a.RegisterVariable("heap", "internal.free", "Internal heap free bytes", "diag.heap.internal.free", registry.UInt))
	must(a.RegisterVariable("heap", "internal.largest_free_block", "Internal heap largest free block", "diag.heap.internal.largest_free_block", registry.UInt))
	must(a.RegisterVariable("heap", "internal.min_free_ever", "Internal heap minimum free ever observed", "diag.heap.internal.min_free_ever", registry.UInt))
	must(a.RegisterVariable("wifi", "rssi", "Station RSSI", "diag.wifi.rssi", registry.Int))
	must(a.RegisterVariable("wifi", "min_rssi", "Minimum-ever station RSSI", "diag.wifi.min_rssi", registry.Int))
}

// loggingTransport is a Transport that logs every payload and
// auto-acknowledges it shortly afterward, standing in for a real network
// connection to a cloud collector (spec.md §6 "Transport contract
// (injected)" is explicitly out of the core's scope).
type loggingTransport struct {
	*agent.MemoryTransport
	logger *slog.Logger
}

func newLoggingTransport(logger *slog.Logger) *loggingTransport {
	return &loggingTransport{MemoryTransport: agent.NewMemoryTransport(), logger: logger}
}

func (t *loggingTransport) Send(data []byte) (agent.MessageID, error) {
	id, err := t.MemoryTransport.Send(data)
	if err == nil {
		t.logger.Debug("transport send", "message_id", id, "bytes", len(data))
		go func(id agent.MessageID) {
			time.Sleep(20 * time.Millisecond)
			t.Ack(id)
		}(id)
	}
	return id, err
}
