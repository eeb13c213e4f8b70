//go:build !linux

// File: control/platform_other.go
// License: Apache-2.0

package control

import "runtime"

// RegisterPlatformProbes adds the CPU count probe.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any { return runtime.NumCPU() })
}
