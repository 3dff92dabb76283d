//go:build darwin

package dispatch

import (
	"os"
	"syscall"
)

func usageOf(ps *os.ProcessState) Usage {
	u := Usage{UserCPU: ps.UserTime(), SystemCPU: ps.SystemTime()}
	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru != nil {
		// ru_maxrss is reported in bytes on macOS.
		u.MaxRSS = int64(ru.Maxrss)
	}
	return u
}
