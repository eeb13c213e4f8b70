package buffer

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type leakLog struct {
	mu    sync.Mutex
	leaks []Leak
}

func (l *leakLog) add(leak Leak) {
	l.mu.Lock()
	l.leaks = append(l.leaks, leak)
	l.mu.Unlock()
}

func (l *leakLog) all() []Leak {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Leak(nil), l.leaks...)
}

// allocateAndDrop leaves one released and one unreleased buffer unreachable.
//
//go:noinline
func allocateAndDrop(alloc Allocator) {
	released := alloc.Buffer(64, 0)
	released.Touch("released")
	released.Release()

	leaked := alloc.Buffer(128, 0)
	leaked.Touch("decoder")
	_, _ = leaked.WriteString("never released")
}

func collectUntil(t *testing.T, d *LeakDetector, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		runtime.GC()
		return d.Leaks() >= want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLeakDetector_ReportsReclaimedUnreleasedBuffer(t *testing.T) {
	var log leakLog
	d := NewLeakDetector(LeakParanoid, WithLeakReporter(log.add))
	allocateAndDrop(LeakAware(Unpooled, d))
	assert.EqualValues(t, 2, d.Tracked())

	collectUntil(t, d, 1)
	runtime.GC()
	runtime.GC()
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, d.Leaks())

	leaks := log.all()
	require.Len(t, leaks, 1)
	assert.Equal(t, 128, leaks[0].Capacity)
	require.Len(t, leaks[0].Records, 2)
	assert.Contains(t, leaks[0].Records[0], "allocateAndDrop")
	assert.Contains(t, leaks[0].Records[1], "decoder")
	assert.Contains(t, leaks[0].String(), "capacity 128")
}

func TestLeakDetector_SimpleLevelSkipsRecords(t *testing.T) {
	var log leakLog
	d := NewLeakDetector(LeakSimple, WithSamplingInterval(1), WithLeakReporter(log.add))
	allocateAndDrop(LeakAware(NewPooledAllocator(), d))

	collectUntil(t, d, 1)
	leaks := log.all()
	require.Len(t, leaks, 1)
	assert.Empty(t, leaks[0].Records)
}

func TestLeakDetector_TouchKeepsAllocationRecord(t *testing.T) {
	d := NewLeakDetector(LeakParanoid, WithMaxRecords(3))
	b := LeakAware(Unpooled, d).Buffer(16, 0)
	for _, hint := range []string{"a", "b", "c", "d"} {
		b.Touch(hint)
	}
	tr := b.leak
	require.NotNil(t, tr)
	tr.mu.Lock()
	records, dropped := append([]string(nil), tr.records...), tr.dropped
	tr.mu.Unlock()

	require.Len(t, records, 3)
	assert.Contains(t, records[0], "allocated at")
	assert.Contains(t, records[1], "touched: c")
	assert.Contains(t, records[2], "touched: d")
	assert.Equal(t, 2, dropped)

	require.True(t, b.Release())
	assert.Nil(t, b.leak)
}

func TestLeakDetector_SamplingInterval(t *testing.T) {
	d := NewLeakDetector(LeakSimple, WithSamplingInterval(4))
	alloc := LeakAware(Unpooled, d)
	for range 4000 {
		alloc.IOBuffer(0).Release()
	}
	assert.InDelta(t, 1000, d.Tracked(), 250)
	assert.Zero(t, d.Leaks())
}

func TestLeakAware_DisabledReturnsInner(t *testing.T) {
	pooled := NewPooledAllocator()
	assert.Same(t, pooled, LeakAware(pooled, NewLeakDetector(LeakDisabled)).(*PooledAllocator))
	assert.Same(t, pooled, LeakAware(pooled, nil).(*PooledAllocator))

	wrapped := LeakAware(pooled, NewLeakDetector(LeakParanoid))
	wrapped.Buffer(100, 0).Release()
	assert.Equal(t, pooled.Stats(), wrapped.(StatsProvider).Stats())
}

func TestParseLeakLevel(t *testing.T) {
	for _, l := range []LeakLevel{LeakDisabled, LeakSimple, LeakAdvanced, LeakParanoid} {
		got, err := ParseLeakLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	got, err := ParseLeakLevel(" Paranoid ")
	require.NoError(t, err)
	assert.Equal(t, LeakParanoid, got)

	_, err = ParseLeakLevel("loud")
	assert.Error(t, err)
}
