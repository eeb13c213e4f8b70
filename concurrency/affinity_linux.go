//go:build linux

// File: concurrency/affinity_linux.go
// License: Apache-2.0

package concurrency

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pinThread restricts the calling OS thread to cpus.
func pinThread(cpus []int) error {
	var set unix.CPUSet
	for _, c := range cpus {
		if c < 0 {
			return fmt.Errorf("cpu %d out of range", c)
		}
		set.Set(c)
	}
	return unix.SchedSetaffinity(0, &set)
}
