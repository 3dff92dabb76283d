//go:build linux

package dispatch

import (
	"os"
	"syscall"
)

func usageOf(ps *os.ProcessState) Usage {
	u := Usage{UserCPU: ps.UserTime(), SystemCPU: ps.SystemTime()}
	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru != nil {
		// ru_maxrss is reported in kilobytes on Linux.
		u.MaxRSS = int64(ru.Maxrss) * 1024
	}
	return u
}
