package posix

import (
	"encoding/json"
	"os"

	"github.com/edgesignal/diagagent/platform"
)

// FileCoreDump stores a pending core dump summary as a small JSON file,
// standing in for the original's esp_core_dump_image_check/erase pair
// (spec.md §4.F "boot section").
type FileCoreDump struct {
	path string
}

// NewFileCoreDump returns a FileCoreDump backed by path.
func NewFileCoreDump(path string) *FileCoreDump {
	return &FileCoreDump{path: path}
}

// Check implements platform.CoreDump.
func (c *FileCoreDump) Check() (platform.CoreDumpSummary, bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return platform.CoreDumpSummary{}, false
	}
	var summary platform.CoreDumpSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return platform.CoreDumpSummary{}, false
	}
	return summary, summary.Present
}

// Erase implements platform.CoreDump.
func (c *FileCoreDump) Erase() error {
	err := os.Remove(c.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Record writes a new core dump summary for a later Check to find. The
// daemon itself never calls it.
func (c *FileCoreDump) Record(summary platform.CoreDumpSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o600)
}

var _ platform.CoreDump = (*FileCoreDump)(nil)
