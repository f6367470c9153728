package ctl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgesignal/diagagent/agent"
	"github.com/edgesignal/diagagent/pkg/wire"
	"github.com/edgesignal/diagagent/platform"
	"github.com/edgesignal/diagagent/platform/posix"
)

// session backs the interactive shell with a fully started Agent against
// the same state directory a diagagentd instance would use, so an
// operator can exercise commands and samplers without real hardware. It
// holds the same instance lock the daemon does, so only one of
// diagagentd/diagagentctl shell can run against a given state dir at a
// time.
type session struct {
	agent     *agent.Agent
	state     *agent.StateStore
	lock      *posix.InstanceLock
	cancel    context.CancelFunc
	transport *ackingTransport
}

// ackingTransport auto-acknowledges every outgoing payload shortly after
// sending it, so the shell's Reporter cycle always observes success
// instead of running to ackTimeout, mirroring internal/daemon's
// loggingTransport. The agent's own runEventLoop (started by a.Start)
// remains the only reader of transport.Events(), so inbound
// EventReceived values from session.deliver always reach
// CommandDispatcher.Handle.
type ackingTransport struct {
	*agent.MemoryTransport
}

func newAckingTransport() *ackingTransport {
	return &ackingTransport{MemoryTransport: agent.NewMemoryTransport()}
}

func (t *ackingTransport) Send(data []byte) (agent.MessageID, error) {
	id, err := t.MemoryTransport.Send(data)
	if err == nil {
		go func(id agent.MessageID) {
			time.Sleep(20 * time.Millisecond)
			t.Ack(id)
		}(id)
	}
	return id, err
}

func newSession(stateDir string, env map[string]string) (*session, error) {
	cfg, err := agent.LoadConfig(agent.LoadConfigInput{WorkDir: stateDir, Env: env})
	if err != nil {
		return nil, err
	}

	memPath := filepath.Join(stateDir, "rtc.bin")
	lock, err := posix.TryAcquireInstanceLock(memPath)
	if err != nil {
		return nil, err
	}

	// Two 4-byte stream descriptors precede the two stream buffers.
	memSize := 2*4 + cfg.CriticalStreamSize + cfg.NonCriticalStreamSize
	// Inspect the file before OpenFileMemory creates or resizes it.
	reset := posix.NewResetSource(memPath, memSize, "")
	mem, err := posix.OpenFileMemory(memPath, memSize)
	if err != nil {
		lock.Release()
		return nil, err
	}
	image, err := posix.NewFileImageInfo()
	if err != nil {
		lock.Release()
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	transport := newAckingTransport()

	a, err := agent.New(cfg, agent.Deps{
		Memory:       mem,
		ResetSource:  reset,
		ImageInfo:    image,
		Transport:    transport,
		Clock:        platform.SystemClock{},
		NodeIDSource: posix.NewEnvNodeIDSource(env["DIAGAGENT_NODE_ID"]),
		StationMAC:   posix.HostStationMAC{},
		HeapSource:   posix.RuntimeHeapSource{},
		WifiSource:   posix.NewSimulatedWifiSource(),
		StatePath:    filepath.Join(stateDir, "state.json"),
		Logger:       logger,
	})
	if err != nil {
		lock.Release()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		cancel()
		lock.Release()
		return nil, err
	}

	state := agent.NewStateStore(filepath.Join(stateDir, "state.json"))
	return &session{agent: a, state: state, lock: lock, cancel: cancel, transport: transport}, nil
}

func (s *session) close() {
	s.agent.Stop()
	s.cancel()
	s.lock.Release()
}

func (s *session) handle(cmd string, args []string, out io.Writer) {
	switch cmd {
	case "help", "?":
		fmt.Fprint(out, `commands:
  status                         show node id and current state
  log <severity> <tag> <msg>     report a log record (severity: error|warning|event)
  enable                         turn periodic reporting on
  disable                        turn periodic reporting off
  reboot                         trigger a simulated reboot command
  help                           show this text
  exit                           leave the shell
`)
	case "status":
		crc, nodeID, err := s.state.Load()
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return
		}
		fmt.Fprintf(out, "node_id: %s\nmeta_crc: %d\n", nodeID, crc)
	case "log":
		if len(args) < 2 {
			fmt.Fprintln(out, "usage: log <severity> <tag> <message...>")
			return
		}
		sev := parseSeverity(args[0])
		tag := args[1]
		message := strings.Join(args[2:], " ")
		s.agent.LogHook().Report(tag, sev, message)
		fmt.Fprintln(out, "ok")
	case "enable", "disable":
		doc := wire.CommandDocument{
			Ver:    "1.0",
			SHA256: "00000000",
			Config: []wire.ConfigEntry{{
				Path:  []string{"diag", "reporting", "enabled"},
				Value: cmd == "enable",
			}},
		}
		if !s.deliver(doc, out) {
			return
		}
		fmt.Fprintln(out, "ok")
	case "reboot":
		doc := wire.CommandDocument{
			Ver:    "1.0",
			SHA256: "00000000",
			Config: []wire.ConfigEntry{{
				Path:  []string{"diag", "reboot"},
				Value: true,
			}},
		}
		if !s.deliver(doc, out) {
			return
		}
		fmt.Fprintln(out, "ok")
	default:
		fmt.Fprintf(out, "unknown command: %s (try 'help')\n", cmd)
	}
}

// deliver encodes a command document and hands it to the transport as
// an inbound payload, the same shape the dispatcher expects off a real
// connection. Reports an encode failure to out and returns false.
func (s *session) deliver(doc wire.CommandDocument, out io.Writer) bool {
	payload, err := wire.EncodeCommand(doc)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return false
	}
	s.transport.Deliver(payload)
	return true
}

func parseSeverity(s string) agent.Severity {
	switch strings.ToLower(s) {
	case "error":
		return agent.SeverityError
	case "event":
		return agent.SeverityEvent
	default:
		return agent.SeverityWarning
	}
}
