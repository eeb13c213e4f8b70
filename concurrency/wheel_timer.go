// File: concurrency/wheel_timer.go
// License: Apache-2.0
//
// Hashed wheel timer: approximate timeouts for many short-lived timers, all
// driven by one goroutine.

package concurrency

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-nio/api"
)

// Timer schedules one-shot tasks.
type Timer interface {
	// NewTimeout runs task once after delay.
	NewTimeout(task func(Timeout), delay time.Duration) (Timeout, error)

	// Stop releases the timer's resources and returns the timeouts that never
	// ran. Later NewTimeout calls fail.
	Stop() []Timeout
}

// Timeout is the handle of a task scheduled on a Timer.
type Timeout interface {
	Timer() Timer
	IsExpired() bool
	IsCancelled() bool

	// Cancel prevents the task from running. It returns false once the task
	// ran or was already cancelled.
	Cancel() bool
}

const (
	DefaultTickDuration  = 100 * time.Millisecond
	DefaultTicksPerWheel = 512

	// maxTransfersPerTick bounds the new timeouts moved into the wheel on one
	// tick so a burst of scheduling cannot stall expiry.
	maxTransfersPerTick = 100_000
)

// WheelOption configures a WheelTimer.
type WheelOption func(*WheelTimer)

// WithTickDuration sets the wheel resolution. Timeouts fire up to one tick
// late.
func WithTickDuration(d time.Duration) WheelOption {
	return func(w *WheelTimer) {
		if d > 0 {
			w.tick = int64(max(d, time.Millisecond))
		}
	}
}

// WithTicksPerWheel sets the number of buckets, rounded up to a power of two.
func WithTicksPerWheel(n int) WheelOption {
	return func(w *WheelTimer) {
		if n > 0 && n <= 1<<30 {
			w.ticksPerWheel = n
		}
	}
}

// WithMaxPendingTimeouts rejects NewTimeout while n timeouts are pending. Zero
// means unbounded.
func WithMaxPendingTimeouts(n int64) WheelOption {
	return func(w *WheelTimer) {
		w.maxPending = max(n, 0)
	}
}

const (
	wheelInit int32 = iota
	wheelStarted
	wheelStopped
)

// WheelTimer keeps timeouts in a ring of buckets hashed by deadline tick. A
// worker goroutine, started by the first NewTimeout, advances one bucket per
// tick and runs the tasks due in it. Tasks run on the worker and must not
// block; hand long work to an executor.
type WheelTimer struct {
	tick          int64
	ticksPerWheel int
	maxPending    int64
	wheel         []wheelBucket
	mask          int64

	mu        sync.Mutex
	state     int32
	incoming  *queue.Queue
	cancelled *queue.Queue

	startTime   int64
	workerID    atomic.Uint64
	started     chan struct{}
	stopReq     chan struct{}
	stopped     chan struct{}
	unprocessed []Timeout

	pending atomic.Int64
}

var _ Timer = (*WheelTimer)(nil)

// NewWheelTimer creates a stopped-until-used timer.
func NewWheelTimer(opts ...WheelOption) *WheelTimer {
	w := &WheelTimer{
		tick:          int64(DefaultTickDuration),
		ticksPerWheel: DefaultTicksPerWheel,
		incoming:      queue.New(),
		cancelled:     queue.New(),
		started:       make(chan struct{}),
		stopReq:       make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	size := 1 << bits.Len(uint(w.ticksPerWheel-1))
	w.wheel = make([]wheelBucket, size)
	w.mask = int64(size - 1)
	return w
}

// TickDuration returns the wheel resolution.
func (w *WheelTimer) TickDuration() time.Duration { return time.Duration(w.tick) }

// PendingTimeouts returns the timeouts neither run nor discarded yet.
func (w *WheelTimer) PendingTimeouts() int64 { return w.pending.Load() }

func (w *WheelTimer) NewTimeout(task func(Timeout), delay time.Duration) (Timeout, error) {
	if task == nil {
		return nil, api.ErrInvalidArgument
	}
	if n := w.pending.Add(1); w.maxPending > 0 && n > w.maxPending {
		w.pending.Add(-1)
		return nil, fmt.Errorf("%w: %d pending timeouts, limit %d", api.ErrRejectedExecution, n, w.maxPending)
	}
	if err := w.start(); err != nil {
		w.pending.Add(-1)
		return nil, err
	}

	deadline := MonotonicNanos() + int64(max(delay, 0)) - w.startTime
	if delay > 0 && deadline < 0 {
		deadline = math.MaxInt64
	}
	t := &wheelTimeout{timer: w, task: task, deadline: deadline}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == wheelStopped {
		w.pending.Add(-1)
		return nil, fmt.Errorf("%w: timer stopped", api.ErrRejectedExecution)
	}
	w.incoming.Add(t)
	return t, nil
}

func (w *WheelTimer) start() error {
	w.mu.Lock()
	switch w.state {
	case wheelInit:
		w.state = wheelStarted
		go w.run()
	case wheelStopped:
		w.mu.Unlock()
		return fmt.Errorf("%w: timer stopped", api.ErrRejectedExecution)
	}
	w.mu.Unlock()
	<-w.started
	return nil
}

// Stop halts the worker and returns the timeouts that never ran, neither
// expired nor cancelled. Only the first call returns them. Called from a task,
// Stop cannot wait for the worker and returns nil.
func (w *WheelTimer) Stop() []Timeout {
	w.mu.Lock()
	prev := w.state
	w.state = wheelStopped
	w.mu.Unlock()

	switch prev {
	case wheelInit:
		return nil
	case wheelStopped:
		return nil
	}
	close(w.stopReq)
	if w.workerID.Load() == goid() {
		return nil
	}
	<-w.stopped
	return w.unprocessed
}

func (w *WheelTimer) run() {
	w.workerID.Store(goid())
	w.startTime = MonotonicNanos()
	close(w.started)

	sleep := time.NewTimer(time.Hour)
	defer sleep.Stop()

	var tick int64
	for {
		deadline, ok := w.waitForNextTick(sleep, tick)
		if !ok {
			break
		}
		w.processCancelled()
		w.transfer(tick)
		w.wheel[tick&w.mask].expire(deadline)
		tick++
	}

	var unprocessed []Timeout
	for i := range w.wheel {
		unprocessed = w.wheel[i].drain(unprocessed)
	}
	w.mu.Lock()
	for w.incoming.Length() > 0 {
		t := w.incoming.Remove().(*wheelTimeout)
		if t.state.Load() == timeoutInit {
			t.remove()
			unprocessed = append(unprocessed, t)
		}
	}
	w.mu.Unlock()
	w.processCancelled()
	w.unprocessed = unprocessed
	close(w.stopped)
}

// waitForNextTick sleeps until the end of tick and returns the elapsed time
// since start. ok is false once Stop was requested.
func (w *WheelTimer) waitForNextTick(sleep *time.Timer, tick int64) (elapsed int64, ok bool) {
	deadline := w.tick * (tick + 1)
	for {
		current := MonotonicNanos() - w.startTime
		if current >= deadline {
			return current, true
		}
		sleep.Reset(time.Duration(deadline - current))
		select {
		case <-w.stopReq:
			return 0, false
		case <-sleep.C:
		}
	}
}

func (w *WheelTimer) processCancelled() {
	for {
		w.mu.Lock()
		if w.cancelled.Length() == 0 {
			w.mu.Unlock()
			return
		}
		t := w.cancelled.Remove().(*wheelTimeout)
		w.mu.Unlock()
		t.remove()
	}
}

// transfer hashes new timeouts into their buckets.
func (w *WheelTimer) transfer(tick int64) {
	for range maxTransfersPerTick {
		w.mu.Lock()
		if w.incoming.Length() == 0 {
			w.mu.Unlock()
			return
		}
		t := w.incoming.Remove().(*wheelTimeout)
		w.mu.Unlock()
		if t.state.Load() != timeoutInit {
			continue
		}
		calculated := t.deadline / w.tick
		t.remainingRounds = (calculated - tick) / int64(len(w.wheel))
		// a deadline already in the past goes into the current bucket
		w.wheel[max(calculated, tick)&w.mask].add(t)
	}
}

const (
	timeoutInit int32 = iota
	timeoutCancelled
	timeoutExpired
)

type wheelTimeout struct {
	timer    *WheelTimer
	task     func(Timeout)
	deadline int64
	state    atomic.Int32

	// worker-owned
	remainingRounds int64
	removed         bool
	bucket          *wheelBucket
	prev, next      *wheelTimeout
}

func (t *wheelTimeout) Timer() Timer      { return t.timer }
func (t *wheelTimeout) IsExpired() bool   { return t.state.Load() == timeoutExpired }
func (t *wheelTimeout) IsCancelled() bool { return t.state.Load() == timeoutCancelled }

func (t *wheelTimeout) Cancel() bool {
	if !t.state.CompareAndSwap(timeoutInit, timeoutCancelled) {
		return false
	}
	// the worker unlinks it on the next tick
	t.timer.mu.Lock()
	t.timer.cancelled.Add(t)
	t.timer.mu.Unlock()
	return true
}

func (t *wheelTimeout) String() string {
	state := "pending"
	switch t.state.Load() {
	case timeoutCancelled:
		state = "cancelled"
	case timeoutExpired:
		state = "expired"
	}
	return fmt.Sprintf("Timeout(deadline: %s, %s)", time.Duration(t.deadline), state)
}

// remove unlinks t and gives back its pending slot, once.
func (t *wheelTimeout) remove() {
	if t.removed {
		return
	}
	t.removed = true
	if t.bucket != nil {
		t.bucket.unlink(t)
	}
	t.timer.pending.Add(-1)
}

func (t *wheelTimeout) expire() {
	if !t.state.CompareAndSwap(timeoutInit, timeoutExpired) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			Logger().Warn().Interface("panic", r).Msg("a timer task panicked")
		}
	}()
	t.task(t)
}

// wheelBucket is a doubly linked list of timeouts hashed to one tick.
type wheelBucket struct {
	head, tail *wheelTimeout
}

func (b *wheelBucket) add(t *wheelTimeout) {
	t.bucket = b
	if b.head == nil {
		b.head, b.tail = t, t
		return
	}
	b.tail.next = t
	t.prev = b.tail
	b.tail = t
}

func (b *wheelBucket) unlink(t *wheelTimeout) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		b.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		b.tail = t.prev
	}
	t.prev, t.next, t.bucket = nil, nil, nil
}

// expire runs every timeout of the bucket due by deadline and counts down
// the rounds of the others.
func (b *wheelBucket) expire(deadline int64) {
	for t := b.head; t != nil; {
		next := t.next
		switch {
		case t.remainingRounds <= 0:
			t.remove()
			if t.deadline <= deadline {
				t.expire()
			} else {
				Logger().Error().Int64("deadline", t.deadline).Int64("now", deadline).Msg("timeout placed in the wrong bucket")
			}
		case t.IsCancelled():
			t.remove()
		default:
			t.remainingRounds--
		}
		t = next
	}
}

// drain empties the bucket, appending timeouts that never ran to out.
func (b *wheelBucket) drain(out []Timeout) []Timeout {
	for t := b.head; t != nil; {
		next := t.next
		t.remove()
		if t.state.Load() == timeoutInit {
			out = append(out, t)
		}
		t = next
	}
	return out
}
