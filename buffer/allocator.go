// File: buffer/allocator.go
// License: Apache-2.0
//
// Buffer allocators: plain heap allocation and size-class pooling.

package buffer

import (
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
)

// DefaultMaxCapacity is the maximum capacity of buffers created without one.
const DefaultMaxCapacity = math.MaxInt32

// DefaultInitialCapacity is used by IOBuffer when no size is requested.
const DefaultInitialCapacity = 256

// Allocator creates ByteBufs.
type Allocator interface {
	// Buffer returns a buffer of initialCapacity growable up to maxCapacity.
	// A non-positive maxCapacity means DefaultMaxCapacity.
	Buffer(initialCapacity, maxCapacity int) *ByteBuf

	// IOBuffer returns a buffer suited for socket reads.
	IOBuffer(initialCapacity int) *ByteBuf
}

// Stats reports allocator activity.
type Stats struct {
	TotalAlloc int64
	TotalFree  int64
	InUse      int64
}

// StatsProvider is implemented by allocators keeping counters.
type StatsProvider interface {
	Stats() Stats
}

// storage hands out and takes back backing arrays.
type storage interface {
	get(size int) []byte
	put(b []byte)
}

type heapStorage struct{}

func (heapStorage) get(size int) []byte { return make([]byte, size) }
func (heapStorage) put([]byte)          {}

// Unpooled allocates from the Go heap and leaves reclamation to the GC.
var Unpooled Allocator = unpooledAllocator{}

type unpooledAllocator struct{}

func (unpooledAllocator) Buffer(initialCapacity, maxCapacity int) *ByteBuf {
	return newByteBuf(heapStorage{}, initialCapacity, maxCapacity)
}

func (unpooledAllocator) IOBuffer(initialCapacity int) *ByteBuf {
	if initialCapacity <= 0 {
		initialCapacity = DefaultInitialCapacity
	}
	return newByteBuf(heapStorage{}, initialCapacity, DefaultMaxCapacity)
}

const (
	minClassShift = 6  // 64 bytes
	maxClassShift = 20 // 1 MiB
)

// PooledAllocator recycles backing arrays in power-of-two size classes from
// 64 bytes to 1 MiB. Larger requests fall back to the heap. Storage returns to
// its class when the owning buffer is released or grows.
type PooledAllocator struct {
	classes [maxClassShift - minClassShift + 1]syncPool[*[]byte]

	totalAlloc atomic.Int64
	totalFree  atomic.Int64
}

// NewPooledAllocator creates an empty pooled allocator.
func NewPooledAllocator() *PooledAllocator {
	p := &PooledAllocator{}
	for i := range p.classes {
		size := 1 << (minClassShift + i)
		p.classes[i] = newSyncPool(func() *[]byte {
			b := make([]byte, size)
			return &b
		})
	}
	return p
}

var (
	defaultPooledOnce sync.Once
	defaultPooled     *PooledAllocator
)

// Default returns the process-wide pooled allocator.
func Default() *PooledAllocator {
	defaultPooledOnce.Do(func() {
		defaultPooled = NewPooledAllocator()
	})
	return defaultPooled
}

func (p *PooledAllocator) Buffer(initialCapacity, maxCapacity int) *ByteBuf {
	return newByteBuf(p, initialCapacity, maxCapacity)
}

func (p *PooledAllocator) IOBuffer(initialCapacity int) *ByteBuf {
	if initialCapacity <= 0 {
		initialCapacity = DefaultInitialCapacity
	}
	return newByteBuf(p, initialCapacity, DefaultMaxCapacity)
}

// Stats implements StatsProvider.
func (p *PooledAllocator) Stats() Stats {
	alloc, free := p.totalAlloc.Load(), p.totalFree.Load()
	return Stats{TotalAlloc: alloc, TotalFree: free, InUse: alloc - free}
}

// classIndex returns the size class serving size, or -1 if it is not pooled.
func classIndex(size int) int {
	if size <= 1<<minClassShift {
		return 0
	}
	if size > 1<<maxClassShift {
		return -1
	}
	return bits.Len(uint(size-1)) - minClassShift
}

func (p *PooledAllocator) get(size int) []byte {
	p.totalAlloc.Add(1)
	if size == 0 {
		return nil
	}
	idx := classIndex(size)
	if idx < 0 {
		return make([]byte, size)
	}
	bp := p.classes[idx].Get()
	return (*bp)[:size]
}

func (p *PooledAllocator) put(b []byte) {
	p.totalFree.Add(1)
	c := cap(b)
	if c == 0 {
		return
	}
	idx := classIndex(c)
	if idx < 0 || c != 1<<(minClassShift+idx) {
		return
	}
	b = b[:c]
	p.classes[idx].Put(&b)
}

// syncPool is a typed sync.Pool.
type syncPool[T any] struct {
	pool *sync.Pool
}

func newSyncPool[T any](creator func() T) syncPool[T] {
	return syncPool[T]{pool: &sync.Pool{New: func() any { return creator() }}}
}

func (sp syncPool[T]) Get() T  { return sp.pool.Get().(T) }
func (sp syncPool[T]) Put(v T) { sp.pool.Put(v) }
