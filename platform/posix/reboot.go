package posix

import (
	"os"
	"time"

	"github.com/edgesignal/diagagent/platform"
)

// ProcessRebooter implements platform.Rebooter by calling restart after a
// delay, standing in for the original's esp_restart. A nil restart
// function exits the process instead, approximating a real reboot for a
// standalone daemon with nothing else supervising it.
type ProcessRebooter struct {
	restart func()
}

// NewProcessRebooter wraps restart. internal/daemon supplies a callback
// that only logs the reboot request; the Agent is not torn down or
// re-created and the process keeps running.
func NewProcessRebooter(restart func()) *ProcessRebooter {
	return &ProcessRebooter{restart: restart}
}

// RebootAfter implements platform.Rebooter.
func (r *ProcessRebooter) RebootAfter(d time.Duration) {
	go func() {
		time.Sleep(d)
		if r.restart != nil {
			r.restart()
			return
		}
		os.Exit(0)
	}()
}

var _ platform.Rebooter = (*ProcessRebooter)(nil)
