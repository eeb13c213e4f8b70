//go:build linux

// File: control/platform_linux.go
// License: Apache-2.0

package control

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// RegisterPlatformProbes adds CPU count and file descriptor limit probes.
// Every channel holds a descriptor, so the soft limit caps open channels.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any { return runtime.NumCPU() })
	dp.RegisterProbe("platform.nofile", func() any {
		var rl unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
			return err.Error()
		}
		return map[string]uint64{"soft": rl.Cur, "hard": rl.Max}
	})
}
