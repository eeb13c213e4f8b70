// File: channel/size_estimator.go
// License: Apache-2.0

package channel

import "github.com/momentics/hioload-nio/buffer"

// MessageSizeEstimator tells the outbound buffer how many bytes a message holds.
type MessageSizeEstimator interface {
	// Size returns the estimated size of msg. Negative results count as zero.
	Size(msg any) int
}

// SizeEstimatorFunc adapts a function to MessageSizeEstimator.
type SizeEstimatorFunc func(msg any) int

func (f SizeEstimatorFunc) Size(msg any) int { return f(msg) }

// DefaultSizeEstimator counts readable bytes of buffers and byte slices and
// charges unknownSize for anything else.
var DefaultSizeEstimator MessageSizeEstimator = defaultSizeEstimator{unknownSize: 8}

type defaultSizeEstimator struct {
	unknownSize int
}

func (e defaultSizeEstimator) Size(msg any) int {
	switch m := msg.(type) {
	case *buffer.ByteBuf:
		return m.ReadableBytes()
	case []byte:
		return len(m)
	case string:
		return len(m)
	case interface{ Len() int }:
		return m.Len()
	}
	return e.unknownSize
}
