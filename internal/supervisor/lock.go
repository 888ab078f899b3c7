package supervisor

import (
	"fmt"
	"os"
	"syscall"
)

// fileLock is an advisory, process-exclusive lock backed by a regular file
// under the data directory. Acquire fails fast if another process already
// holds it; Release is idempotent.
type fileLock struct {
	path string
	file *os.File
}

// acquireLock opens (creating if needed) the file at path and takes a
// non-blocking exclusive flock on it. No third-party flock library is
// grounded anywhere in the example pack, so this is implemented directly
// against syscall.Flock.
func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("supervisor: another instance holds %s: %w", path, err)
	}
	return &fileLock{path: path, file: f}, nil
}

// Release drops the flock and closes the underlying file descriptor.
func (l *fileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
