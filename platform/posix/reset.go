package posix

import (
	"os"

	"github.com/edgesignal/diagagent/platform"
)

// ResetSource infers the boot reason from whether the memory file
// already existed at the expected size when the process started, with
// an optional forced override so the simulated daemon can exercise every
// reset path on demand.
type ResetSource struct {
	reason platform.ResetReason
}

// NewResetSource inspects path once at construction time. override, if
// one of "cold", "warm", or "brownout", takes precedence over the file
// inspection.
func NewResetSource(path string, size int, override string) *ResetSource {
	switch override {
	case "cold":
		return &ResetSource{reason: platform.ResetPowerOn}
	case "warm":
		return &ResetSource{reason: platform.ResetWarm}
	case "brownout":
		return &ResetSource{reason: platform.ResetBrownout}
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() != int64(size) {
		return &ResetSource{reason: platform.ResetPowerOn}
	}
	return &ResetSource{reason: platform.ResetWarm}
}

// ResetReason implements platform.ResetSource.
func (r *ResetSource) ResetReason() platform.ResetReason { return r.reason }

var _ platform.ResetSource = (*ResetSource)(nil)
