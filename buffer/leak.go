// File: buffer/leak.go
// License: Apache-2.0
//
// Sampled detection of buffers reclaimed by the GC without a final Release.

package buffer

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// LeakLevel selects how many buffers a LeakDetector tracks and how much it
// records about them.
type LeakLevel int32

const (
	// LeakDisabled tracks nothing.
	LeakDisabled LeakLevel = iota
	// LeakSimple tracks a sample of buffers and reports only their capacity.
	LeakSimple
	// LeakAdvanced tracks a sample of buffers and records where they were
	// allocated and touched.
	LeakAdvanced
	// LeakParanoid is LeakAdvanced applied to every buffer.
	LeakParanoid
)

var leakLevelNames = [...]string{"disabled", "simple", "advanced", "paranoid"}

func (l LeakLevel) String() string {
	if l < 0 || int(l) >= len(leakLevelNames) {
		return fmt.Sprintf("LeakLevel(%d)", int32(l))
	}
	return leakLevelNames[l]
}

// ParseLeakLevel parses a level name, ignoring case.
func ParseLeakLevel(s string) (LeakLevel, error) {
	for i, name := range leakLevelNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return LeakLevel(i), nil
		}
	}
	return LeakDisabled, fmt.Errorf("buffer: unknown leak detection level %q", s)
}

const (
	// DefaultLeakSamplingInterval tracks one buffer in this many under the
	// simple and advanced levels.
	DefaultLeakSamplingInterval = 128
	// DefaultLeakMaxRecords bounds the records kept per tracked buffer,
	// allocation included.
	DefaultLeakMaxRecords = 4
)

// Leak describes a tracked buffer that became unreachable while still holding
// references.
type Leak struct {
	Capacity int
	// Records holds the allocation stack first, then the latest touches,
	// oldest first. It is empty under LeakSimple.
	Records []string
	// Dropped counts touches evicted to respect the record limit.
	Dropped int
}

func (l Leak) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "leaked buffer of capacity %d", l.Capacity)
	for i, r := range l.Records {
		fmt.Fprintf(&sb, "\n#%d: %s", i, r)
	}
	if l.Dropped > 0 {
		fmt.Fprintf(&sb, "\n%d records were dropped", l.Dropped)
	}
	return sb.String()
}

// LeakDetector attaches trackers to sampled buffers. A tracker is discarded on
// the buffer's final Release; if the GC reclaims the buffer first, the leak is
// logged and handed to the reporter.
type LeakDetector struct {
	level      LeakLevel
	interval   int
	maxRecords int
	reporter   func(Leak)

	tracked atomic.Int64
	leaks   atomic.Int64
}

// LeakOption configures a LeakDetector.
type LeakOption func(*LeakDetector)

// WithSamplingInterval tracks one buffer in n. Ignored under LeakParanoid.
func WithSamplingInterval(n int) LeakOption {
	return func(d *LeakDetector) {
		if n > 0 {
			d.interval = n
		}
	}
}

// WithMaxRecords bounds the records kept per buffer. The allocation record is
// always kept, so values below 2 mean 2.
func WithMaxRecords(n int) LeakOption {
	return func(d *LeakDetector) {
		d.maxRecords = max(n, 2)
	}
}

// WithLeakReporter calls fn for every leak, after it was logged. fn runs on the
// runtime's cleanup goroutine and must not block.
func WithLeakReporter(fn func(Leak)) LeakOption {
	return func(d *LeakDetector) {
		d.reporter = fn
	}
}

// NewLeakDetector creates a detector at level.
func NewLeakDetector(level LeakLevel, opts ...LeakOption) *LeakDetector {
	d := &LeakDetector{level: level, interval: DefaultLeakSamplingInterval, maxRecords: DefaultLeakMaxRecords}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *LeakDetector) Level() LeakLevel { return d.level }

// Tracked returns how many buffers were tracked so far.
func (d *LeakDetector) Tracked() int64 { return d.tracked.Load() }

// Leaks returns how many tracked buffers were reclaimed without a final Release.
func (d *LeakDetector) Leaks() int64 { return d.leaks.Load() }

// Track starts tracking b when the sampler picks it, and returns b. Buffers
// already tracked or released are left alone.
func (d *LeakDetector) Track(b *ByteBuf) *ByteBuf {
	if d == nil || b == nil || b.leak != nil || b.RefCnt() <= 0 || !d.sample() {
		return b
	}
	t := &leakTracker{d: d, capacity: b.Capacity()}
	if d.level >= LeakAdvanced {
		t.records = append(t.records, "allocated at\n"+stackRecord(1))
	}
	// t must never reference b, or b would stay reachable from its own cleanup.
	t.cleanup = runtime.AddCleanup(b, (*leakTracker).report, t)
	b.leak = t
	d.tracked.Add(1)
	return b
}

func (d *LeakDetector) sample() bool {
	switch d.level {
	case LeakDisabled:
		return false
	case LeakParanoid:
		return true
	default:
		return d.interval <= 1 || rand.IntN(d.interval) == 0
	}
}

func (d *LeakDetector) reportLeak(l Leak) {
	ev := Logger().Error().Int("capacity", l.Capacity).Stringer("level", d.level)
	if len(l.Records) == 0 {
		ev.Msg("buffer reclaimed before its final Release; use the advanced leak level to see where it was allocated")
	} else {
		ev.Strs("records", l.Records).Int("dropped_records", l.Dropped).Msg("buffer reclaimed before its final Release")
	}
	if d.reporter != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					Logger().Warn().Interface("panic", r).Msg("leak reporter panicked")
				}
			}()
			d.reporter(l)
		}()
	}
	d.leaks.Add(1)
}

type leakTracker struct {
	d        *LeakDetector
	capacity int
	cleanup  runtime.Cleanup

	mu      sync.Mutex
	records []string
	dropped int
}

func (t *leakTracker) touch(hint any) {
	if t.d.level < LeakAdvanced {
		return
	}
	rec := fmt.Sprintf("touched: %v\n%s", hint, stackRecord(2))
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.records) >= t.d.maxRecords {
		// keep the allocation record, evict the oldest touch
		t.records = slices.Delete(t.records, 1, 2)
		t.dropped++
	}
	t.records = append(t.records, rec)
}

// close stops leak reporting after the final Release.
func (t *leakTracker) close() {
	t.cleanup.Stop()
}

func (t *leakTracker) report() {
	t.mu.Lock()
	l := Leak{Capacity: t.capacity, Records: slices.Clone(t.records), Dropped: t.dropped}
	t.mu.Unlock()
	t.d.reportLeak(l)
}

// stackRecord formats the stack of its caller, skipping skip more frames.
func stackRecord(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&sb, "\t%s\n\t\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return sb.String()
}

// LeakAware wraps inner so that buffers it allocates are offered to d. A nil or
// disabled detector returns inner unchanged.
func LeakAware(inner Allocator, d *LeakDetector) Allocator {
	if d == nil || d.level == LeakDisabled {
		return inner
	}
	return &leakAwareAllocator{inner: inner, d: d}
}

type leakAwareAllocator struct {
	inner Allocator
	d     *LeakDetector
}

func (a *leakAwareAllocator) Buffer(initialCapacity, maxCapacity int) *ByteBuf {
	return a.d.Track(a.inner.Buffer(initialCapacity, maxCapacity))
}

func (a *leakAwareAllocator) IOBuffer(initialCapacity int) *ByteBuf {
	return a.d.Track(a.inner.IOBuffer(initialCapacity))
}

// Stats forwards the wrapped allocator's counters, if it keeps any.
func (a *leakAwareAllocator) Stats() Stats {
	if sp, ok := a.inner.(StatsProvider); ok {
		return sp.Stats()
	}
	return Stats{}
}
