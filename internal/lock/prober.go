package lock

import (
	"errors"
	"fmt"
	"syscall"
)

// Prober reports whether a local process is running. An error means the
// answer is unknown.
type Prober interface {
	Alive(pid int) (bool, error)
}

// ProcessProber probes with signal 0. EPERM means the process exists but
// belongs to someone else, so it counts as alive.
type ProcessProber struct{}

func (ProcessProber) Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid pid %d", pid)
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, syscall.ESRCH):
		return false, nil
	case errors.Is(err, syscall.EPERM):
		return true, nil
	default:
		return false, err
	}
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(pid int) (bool, error)

func (f ProberFunc) Alive(pid int) (bool, error) { return f(pid) }
