// Package posix backs the platform interfaces with a regular POSIX
// filesystem and the host's own network/runtime facilities, for the
// simulated daemon in cmd/diagagentd. None of this is meant to resemble
// real embedded hardware access; it only needs to satisfy the contracts
// the core packages depend on (spec.md §9).
package posix

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/edgesignal/diagagent/pkg/ringstore"
)

// FileMemory backs ringstore.Memory with an mmap'd region of a regular
// file, standing in for the no-init RTC memory segment the original
// firmware pins (spec.md §9 "RTC-memory layout"). The mapping is
// MAP_SHARED, so writes the ring store makes into the returned slice
// land in the page cache immediately and are flushed to disk by the
// kernel: the same "survives a warm reset with no explicit save" shape
// RTC memory has, without this package needing to know anything about
// the ring store's internal layout.
type FileMemory struct {
	file *os.File
	data []byte
}

// OpenFileMemory opens or creates path, resizes it to exactly size
// bytes, and maps it. Callers determine the reset reason (and so
// whether the prior contents matter) themselves via ResetSource before
// constructing a ringstore.Store against the result.
func OpenFileMemory(path string, size int) (*FileMemory, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("posix: open memory file %q: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("posix: size memory file %q: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("posix: mmap memory file %q: %w", path, err)
	}
	return &FileMemory{file: f, data: data}, nil
}

// Bytes implements ringstore.Memory.
func (m *FileMemory) Bytes() []byte { return m.data }

// Close unmaps the region and closes the backing file descriptor.
func (m *FileMemory) Close() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("posix: munmap memory file: %w", err)
		}
		m.data = nil
	}
	return m.file.Close()
}

var _ ringstore.Memory = (*FileMemory)(nil)
