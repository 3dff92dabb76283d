package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// InstanceLock keeps a single daemon per state directory. It is an flock(2)
// on a file that also records who holds it; the lock lives as long as the
// file descriptor stays open.
type InstanceLock struct {
	path string
	f    *os.File
}

// AcquireInstanceLock takes an exclusive non-blocking flock at lockPath and
// writes the holder record into it.
func AcquireInstanceLock(lockPath string) (*InstanceLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("another mender daemon holds %s: %w", lockPath, err)
	}

	fail := func(step string, err error) (*InstanceLock, error) {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	host, _ := os.Hostname()
	data, err := json.Marshal(Record{PID: os.Getpid(), Hostname: host, AcquiredAt: time.Now().UTC()})
	if err != nil {
		return fail("encode lock record", err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate lock file", err)
	}
	if _, err := f.WriteAt(append(data, '\n'), 0); err != nil {
		return fail("write lock record", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync lock file", err)
	}

	return &InstanceLock{path: lockPath, f: f}, nil
}

func (l *InstanceLock) Path() string { return l.path }

// Release drops the flock. The file is left in place.
func (l *InstanceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
