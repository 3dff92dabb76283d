//go:build !linux && !darwin

package dispatch

import "os"

func usageOf(ps *os.ProcessState) Usage {
	return Usage{UserCPU: ps.UserTime(), SystemCPU: ps.SystemTime()}
}
