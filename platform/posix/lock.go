package posix

import (
	"fmt"
	"os"
	"syscall"
)

// InstanceLock is an advisory, process-exclusive lock guarding one
// backing memory file against two daemons opening it at once, grounded
// on the teacher's internal/fs.Locker flock pattern (non-blocking,
// exclusive, released by closing the descriptor).
type InstanceLock struct {
	file *os.File
}

// TryAcquireInstanceLock locks path+".lock", failing immediately if
// another process already holds it.
func TryAcquireInstanceLock(path string) (*InstanceLock, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("posix: open lock file %q: %w", lockPath, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("posix: another instance holds %q", lockPath)
	}
	return &InstanceLock{file: f}, nil
}

// Release unlocks and closes the lock file. Safe to call once; a second
// call is a no-op.
func (l *InstanceLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
