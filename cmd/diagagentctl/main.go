// Command diagagentctl is an operator tool for inspecting a diagagent
// instance's configuration and persisted state, and for exercising one
// interactively without real hardware.
package main

import (
	"os"
	"strings"

	"github.com/edgesignal/diagagent/internal/ctl"
)

func main() {
	environ := os.Environ()
	env := make(map[string]string, len(environ))
	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	os.Exit(ctl.Run(os.Args, env, os.Stdout, os.Stderr))
}
