// File: concurrency/goid.go
// License: Apache-2.0

package concurrency

import "runtime"

// goid returns the current goroutine's id, parsed from the runtime stack header
// ("goroutine 123 [running]:").
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
