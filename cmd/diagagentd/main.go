// Command diagagentd runs a simulated diagnostics agent daemon: one
// process standing in for the on-device firmware, backed by a regular
// file in place of RTC memory.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/edgesignal/diagagent/internal/daemon"
)

func main() {
	environ := os.Environ()
	env := make(map[string]string, len(environ))
	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(daemon.Run(os.Args, env, sigCh, os.Stdout, os.Stderr))
}
