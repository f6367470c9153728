// Package ctl implements diagagentctl, an operator tool for inspecting
// and locally exercising a diagagent instance. Grounded on the teacher's
// cmd/mddb subcommand dispatch (run(args) switching on args[0]) and
// cmd/sloty's liner-backed interactive REPL.
package ctl

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/edgesignal/diagagent/agent"
)

// Run dispatches to one of the ctl subcommands and returns a process
// exit code.
func Run(args []string, env map[string]string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "config":
		return runConfig(args[2:], env, stdout, stderr)
	case "state":
		return runState(args[2:], env, stdout, stderr)
	case "shell":
		return runShell(args[2:], env, stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `diagagentctl - operator tool for diagagent instances

Usage:
  diagagentctl config show [--state-dir DIR] [--config PATH]   Print effective configuration
  diagagentctl state show [--state-dir DIR]                    Print persisted meta CRC / node id
  diagagentctl shell [--state-dir DIR]                         Open an interactive local session

`)
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

func runConfig(args []string, env map[string]string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "show" {
		fmt.Fprintln(stderr, "usage: diagagentctl config show [--state-dir DIR] [--config PATH]")
		return 2
	}
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	stateDir := fs.String("state-dir", defaultStateDir(env), "directory a project config is discovered relative to")
	configPath := fs.String("config", "", "explicit config file path")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := agent.LoadConfig(agent.LoadConfigInput{WorkDir: *stateDir, ConfigPath: *configPath, Env: env})
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "encode config: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

func runState(args []string, env map[string]string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "show" {
		fmt.Fprintln(stderr, "usage: diagagentctl state show [--state-dir DIR]")
		return 2
	}
	fs := flag.NewFlagSet("state show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	stateDir := fs.String("state-dir", defaultStateDir(env), "directory holding state.json")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	store := agent.NewStateStore(filepath.Join(*stateDir, "state.json"))
	crc, nodeID, err := store.Load()
	if err != nil {
		fmt.Fprintf(stderr, "load state: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "node_id: %s\nmeta_crc: %d\n", nodeID, crc)
	return 0
}

func runShell(args []string, env map[string]string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("shell", flag.ContinueOnError)
	fs.SetOutput(stderr)
	stateDir := fs.String("state-dir", defaultStateDir(env), "directory for persisted state and simulated RTC memory")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sess, err := newSession(*stateDir, env)
	if err != nil {
		fmt.Fprintf(stderr, "start session: %v\n", err)
		return 1
	}
	defer sess.close()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := filepath.Join(*stateDir, ".diagagentctl_history")
	if f, err := os.Open(historyPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	fmt.Fprintf(stdout, "diagagentctl shell (node_id=%s) - type 'help' for commands\n", sess.agent.NodeID())
	for {
		input, err := line.Prompt("diagagentctl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Fprintln(stdout, "bye")
				break
			}
			fmt.Fprintln(stderr, err)
			return 1
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		cmd, rest := fields[0], fields[1:]
		if cmd == "exit" || cmd == "quit" {
			break
		}
		sess.handle(cmd, rest, stdout)
	}

	if f, err := os.Create(historyPath); err == nil {
		line.WriteHistory(f)
		f.Close()
	}
	return 0
}
