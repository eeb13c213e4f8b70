// File: fake/allocator.go
// License: Apache-2.0

package fake

import (
	"sync"

	"github.com/momentics/hioload-nio/buffer"
)

// Allocator records every buffer it creates so tests can check that all of
// them were released.
type Allocator struct {
	inner buffer.Allocator

	mu   sync.Mutex
	bufs []*buffer.ByteBuf
}

var (
	_ buffer.Allocator     = (*Allocator)(nil)
	_ buffer.StatsProvider = (*Allocator)(nil)
)

// NewAllocator creates a tracking allocator over buffer.Unpooled.
func NewAllocator() *Allocator {
	return &Allocator{inner: buffer.Unpooled}
}

// Wrapping tracks buffers created by inner.
func Wrapping(inner buffer.Allocator) *Allocator {
	return &Allocator{inner: inner}
}

func (a *Allocator) Buffer(initialCapacity, maxCapacity int) *buffer.ByteBuf {
	return a.track(a.inner.Buffer(initialCapacity, maxCapacity))
}

func (a *Allocator) IOBuffer(initialCapacity int) *buffer.ByteBuf {
	return a.track(a.inner.IOBuffer(initialCapacity))
}

func (a *Allocator) track(b *buffer.ByteBuf) *buffer.ByteBuf {
	a.mu.Lock()
	a.bufs = append(a.bufs, b)
	a.mu.Unlock()
	return b
}

// Allocated returns how many buffers were created.
func (a *Allocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bufs)
}

// Outstanding returns the buffers not yet released, oldest first.
func (a *Allocator) Outstanding() []*buffer.ByteBuf {
	a.mu.Lock()
	defer a.mu.Unlock()
	var live []*buffer.ByteBuf
	for _, b := range a.bufs {
		if b.RefCnt() > 0 {
			live = append(live, b)
		}
	}
	return live
}

// Stats implements buffer.StatsProvider.
func (a *Allocator) Stats() buffer.Stats {
	alloc := int64(a.Allocated())
	inUse := int64(len(a.Outstanding()))
	return buffer.Stats{TotalAlloc: alloc, TotalFree: alloc - inUse, InUse: inUse}
}
