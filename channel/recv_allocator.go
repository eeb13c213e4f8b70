// File: channel/recv_allocator.go
// License: Apache-2.0
//
// Receive buffer sizing. The adaptive allocator follows recent read sizes: a
// read filling its buffer grows the next guess by four size-table steps, two
// consecutive small reads shrink it by one.

package channel

import (
	"fmt"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/buffer"
)

// RecvAllocator creates per-channel receive handles.
type RecvAllocator interface {
	NewHandle() RecvHandle
}

// RecvHandle sizes the buffers of one channel's read loop. It is used only on
// the channel's event loop.
type RecvHandle interface {
	// Reset starts a new read loop with cfg's limits.
	Reset(cfg *Config)
	// Allocate returns a buffer sized by Guess.
	Allocate(alloc buffer.Allocator) *buffer.ByteBuf
	// Guess returns the next buffer size.
	Guess() int
	IncMessagesRead(n int)
	SetLastBytesRead(n int)
	LastBytesRead() int
	SetAttemptedBytesRead(n int)
	AttemptedBytesRead() int
	// ContinueReading reports whether the read loop should go on.
	ContinueReading() bool
	// ReadComplete ends the read loop and records its total.
	ReadComplete()
}

// maxMessagesHandle bounds a read loop by message count.
type maxMessagesHandle struct {
	maxMessagesPerRead int
	ignoreBytesRead    bool
	autoRead           bool
	totalMessages      int
	totalBytesRead     int
	attemptedBytesRead int
	lastBytesRead      int
}

func (h *maxMessagesHandle) Reset(cfg *Config) {
	h.maxMessagesPerRead = cfg.MaxMessagesPerRead()
	h.autoRead = cfg.AutoRead()
	h.totalMessages, h.totalBytesRead = 0, 0
}

func (h *maxMessagesHandle) IncMessagesRead(n int) { h.totalMessages += n }

func (h *maxMessagesHandle) SetLastBytesRead(n int) {
	h.lastBytesRead = n
	if n > 0 {
		h.totalBytesRead += n
	}
}

func (h *maxMessagesHandle) LastBytesRead() int          { return h.lastBytesRead }
func (h *maxMessagesHandle) SetAttemptedBytesRead(n int) { h.attemptedBytesRead = n }
func (h *maxMessagesHandle) AttemptedBytesRead() int     { return h.attemptedBytesRead }

func (h *maxMessagesHandle) ContinueReading() bool {
	if !h.autoRead || h.totalMessages >= h.maxMessagesPerRead {
		return false
	}
	if h.ignoreBytesRead {
		return true
	}
	return h.attemptedBytesRead == h.lastBytesRead && h.totalBytesRead > 0
}

// MessageRecvAllocator bounds read loops by message count only. Server
// channels and message transports use it.
type MessageRecvAllocator struct{}

func (MessageRecvAllocator) NewHandle() RecvHandle {
	return &fixedHandle{maxMessagesHandle: maxMessagesHandle{ignoreBytesRead: true}, size: 128}
}

// FixedRecvAllocator always guesses the same size.
type FixedRecvAllocator struct {
	Size int
}

func (a FixedRecvAllocator) NewHandle() RecvHandle {
	return &fixedHandle{size: a.Size}
}

type fixedHandle struct {
	maxMessagesHandle
	size int
}

func (h *fixedHandle) Guess() int { return h.size }

func (h *fixedHandle) Allocate(alloc buffer.Allocator) *buffer.ByteBuf {
	return alloc.IOBuffer(h.size)
}

func (h *fixedHandle) ReadComplete() {}

// Adaptive allocator bounds.
const (
	DefaultRecvMinimum = 64
	DefaultRecvInitial = 1024
	DefaultRecvMaximum = 65536

	indexIncrement = 4
	indexDecrement = 1
)

// sizeTable holds 16..496 in steps of 16, then powers of two from 512.
var sizeTable = func() []int {
	var t []int
	for i := 16; i < 512; i += 16 {
		t = append(t, i)
	}
	for i := 512; i > 0 && i <= 1<<30; i <<= 1 {
		t = append(t, i)
	}
	return t
}()

// sizeTableIndex returns the index of the smallest entry >= size, or the last index.
func sizeTableIndex(size int) int {
	low, high := 0, len(sizeTable)-1
	for {
		if high < low {
			return low
		}
		if high == low {
			return high
		}
		mid := int(uint(low+high) >> 1)
		a, b := sizeTable[mid], sizeTable[mid+1]
		switch {
		case size > b:
			low = mid + 1
		case size < a:
			high = mid - 1
		case size == a:
			return mid
		default:
			return mid + 1
		}
	}
}

// AdaptiveRecvAllocator adjusts the guessed size to recent reads within
// [minimum, maximum].
type AdaptiveRecvAllocator struct {
	minIndex int
	maxIndex int
	initial  int
}

// NewAdaptiveRecvAllocator uses 64 / 1024 / 65536 bytes.
func NewAdaptiveRecvAllocator() *AdaptiveRecvAllocator {
	a, _ := NewAdaptiveRecvAllocatorSized(DefaultRecvMinimum, DefaultRecvInitial, DefaultRecvMaximum)
	return a
}

// NewAdaptiveRecvAllocatorSized validates 0 < minimum <= initial <= maximum.
func NewAdaptiveRecvAllocatorSized(minimum, initial, maximum int) (*AdaptiveRecvAllocator, error) {
	if minimum <= 0 || initial < minimum || maximum < initial {
		return nil, fmt.Errorf("%w: need 0 < minimum <= initial <= maximum, got %d/%d/%d",
			api.ErrInvalidArgument, minimum, initial, maximum)
	}
	a := &AdaptiveRecvAllocator{initial: initial}
	a.minIndex = sizeTableIndex(minimum)
	if sizeTable[a.minIndex] < minimum {
		a.minIndex++
	}
	a.maxIndex = sizeTableIndex(maximum)
	if sizeTable[a.maxIndex] > maximum {
		a.maxIndex--
	}
	return a, nil
}

func (a *AdaptiveRecvAllocator) NewHandle() RecvHandle {
	h := &adaptiveHandle{minIndex: a.minIndex, maxIndex: a.maxIndex}
	h.index = sizeTableIndex(a.initial)
	h.nextSize = sizeTable[h.index]
	return h
}

type adaptiveHandle struct {
	maxMessagesHandle
	minIndex   int
	maxIndex   int
	index      int
	nextSize   int
	decreaseOK bool
}

func (h *adaptiveHandle) Guess() int { return h.nextSize }

func (h *adaptiveHandle) Allocate(alloc buffer.Allocator) *buffer.ByteBuf {
	return alloc.IOBuffer(h.nextSize)
}

// SetLastBytesRead records a read that filled its buffer right away, so the
// next read in the same loop already uses the larger size.
func (h *adaptiveHandle) SetLastBytesRead(n int) {
	if n == h.attemptedBytesRead {
		h.record(n)
	}
	h.maxMessagesHandle.SetLastBytesRead(n)
}

func (h *adaptiveHandle) ReadComplete() {
	h.record(h.totalBytesRead)
}

func (h *adaptiveHandle) record(actual int) {
	if actual <= sizeTable[max(0, h.index-indexDecrement-1)] {
		if h.decreaseOK {
			h.index = max(h.index-indexDecrement, h.minIndex)
			h.nextSize = sizeTable[h.index]
			h.decreaseOK = false
		} else {
			h.decreaseOK = true
		}
		return
	}
	if actual >= h.nextSize {
		h.index = min(h.index+indexIncrement, h.maxIndex)
		h.nextSize = sizeTable[h.index]
		h.decreaseOK = false
	}
}
