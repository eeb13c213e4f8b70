//go:build !linux

// File: concurrency/affinity_other.go
// License: Apache-2.0

package concurrency

import (
	"fmt"

	"github.com/momentics/hioload-nio/api"
)

func pinThread([]int) error {
	return fmt.Errorf("%w: CPU affinity on this platform", api.ErrNotSupported)
}
