// File: concurrency/scheduled.go
// License: Apache-2.0
//
// Delayed and periodic task scheduling shared by threaded and manual executors.

package concurrency

import (
	"container/heap"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-nio/api"
)

// ScheduledFuture is the handle of a delayed or periodic task. Cancelling it
// removes the task from its executor's delayed-task queue.
type ScheduledFuture struct {
	*Promise[struct{}]

	support  *ScheduledSupport
	task     func()
	seq      uint64
	deadline atomic.Int64
	// period > 0 is a fixed rate, < 0 a fixed delay, 0 a one-shot task.
	period int64
	index  int
}

// Deadline returns the absolute deadline on the owner's clock.
func (f *ScheduledFuture) Deadline() int64 {
	return f.deadline.Load()
}

// Delay returns the time left until the task is due.
func (f *ScheduledFuture) Delay() time.Duration {
	d := f.deadline.Load() - f.support.owner.NanoTime()
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// IsPeriodic reports whether the task repeats.
func (f *ScheduledFuture) IsPeriodic() bool {
	return f.period != 0
}

// Cancel cancels the task if it has not started yet.
func (f *ScheduledFuture) Cancel() bool {
	if !f.Promise.Cancel() {
		return false
	}
	f.support.RemoveScheduled(f)
	return true
}

// Run executes the task once. Called on the owner goroutine when the task is due.
func (f *ScheduledFuture) Run() {
	if f.period == 0 {
		if !f.SetUncancellable() {
			return
		}
		f.runTask()
		f.TrySuccess(struct{}{})
		return
	}
	if f.IsDone() {
		return
	}
	f.runTask()
	if f.support.owner.IsShutdown() || f.IsDone() {
		return
	}
	if f.period > 0 {
		f.deadline.Add(f.period)
	} else {
		f.deadline.Store(f.support.owner.NanoTime() - f.period)
	}
	f.support.AddScheduled(f)
}

// runTask fails the future before handing a panic back to the executor.
func (f *ScheduledFuture) runTask() {
	defer func() {
		if r := recover(); r != nil {
			f.TryFailure(api.FromPanic(r))
			panic(r)
		}
	}()
	f.task()
}

// ScheduledTaskQueue orders scheduled tasks by deadline, then by creation order.
// It is not safe for concurrent use.
type ScheduledTaskQueue struct {
	items scheduledHeap
}

func (q *ScheduledTaskQueue) Len() int { return len(q.items) }

func (q *ScheduledTaskQueue) Push(f *ScheduledFuture) {
	heap.Push(&q.items, f)
}

// Peek returns the earliest task without removing it.
func (q *ScheduledTaskQueue) Peek() *ScheduledFuture {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// PollDue removes and returns the earliest task if its deadline is at or before now.
func (q *ScheduledTaskQueue) PollDue(now int64) *ScheduledFuture {
	f := q.Peek()
	if f == nil || f.deadline.Load() > now {
		return nil
	}
	return heap.Pop(&q.items).(*ScheduledFuture)
}

// Remove drops f if it is queued.
func (q *ScheduledTaskQueue) Remove(f *ScheduledFuture) bool {
	if f.index < 0 || f.index >= len(q.items) || q.items[f.index] != f {
		return false
	}
	heap.Remove(&q.items, f.index)
	return true
}

func (q *ScheduledTaskQueue) drain() []*ScheduledFuture {
	out := make([]*ScheduledFuture, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(*ScheduledFuture))
	}
	return out
}

type scheduledHeap []*ScheduledFuture

func (h scheduledHeap) Len() int { return len(h) }

func (h scheduledHeap) Less(i, j int) bool {
	if di, dj := h[i].deadline.Load(), h[j].deadline.Load(); di != dj {
		return di < dj
	}
	return h[i].seq < h[j].seq
}

func (h scheduledHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *scheduledHeap) Push(x any) {
	f := x.(*ScheduledFuture)
	f.index = len(*h)
	*h = append(*h, f)
}

func (h *scheduledHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	f.index = -1
	*h = old[:n-1]
	return f
}

// ScheduledTaskOwner is an executor with its own clock.
type ScheduledTaskOwner interface {
	EventExecutor
	// NanoTime returns the executor's monotonic clock reading in nanoseconds.
	NanoTime() int64
}

// ScheduledSupport implements the Schedule family for an executor. Embed it and
// call InitScheduledSupport from the constructor. The queue is touched only on
// the owner goroutine; calls from elsewhere hop through Execute.
type ScheduledSupport struct {
	owner ScheduledTaskOwner
	queue ScheduledTaskQueue
	seq   atomic.Uint64
}

// InitScheduledSupport binds the scheduler to its owner.
func (s *ScheduledSupport) InitScheduledSupport(owner ScheduledTaskOwner) {
	s.owner = owner
}

func (s *ScheduledSupport) Schedule(task func(), delay time.Duration) *ScheduledFuture {
	return s.schedule(task, delay, 0)
}

func (s *ScheduledSupport) ScheduleAtFixedRate(task func(), initialDelay, period time.Duration) *ScheduledFuture {
	if period <= 0 {
		return s.failed(task)
	}
	return s.schedule(task, initialDelay, int64(period))
}

func (s *ScheduledSupport) ScheduleWithFixedDelay(task func(), initialDelay, delay time.Duration) *ScheduledFuture {
	if delay <= 0 {
		return s.failed(task)
	}
	return s.schedule(task, initialDelay, -int64(delay))
}

func (s *ScheduledSupport) schedule(task func(), delay time.Duration, period int64) *ScheduledFuture {
	if task == nil {
		return s.failed(task)
	}
	if delay < 0 {
		delay = 0
	}
	f := s.newFuture(task, period)
	f.deadline.Store(s.owner.NanoTime() + int64(delay))
	s.AddScheduled(f)
	return f
}

func (s *ScheduledSupport) newFuture(task func(), period int64) *ScheduledFuture {
	return &ScheduledFuture{
		Promise: NewPromise[struct{}](s.owner),
		support: s,
		task:    task,
		seq:     s.seq.Add(1),
		period:  period,
		index:   -1,
	}
}

func (s *ScheduledSupport) failed(task func()) *ScheduledFuture {
	f := s.newFuture(task, 0)
	f.TryFailure(api.ErrInvalidSchedule)
	return f
}

// AddScheduled queues f on the owner goroutine.
func (s *ScheduledSupport) AddScheduled(f *ScheduledFuture) {
	if s.owner.InEventLoop() {
		s.queue.Push(f)
		return
	}
	if err := s.owner.Execute(func() { s.queue.Push(f) }); err != nil {
		f.TryFailure(err)
	}
}

// RemoveScheduled drops f from the queue on the owner goroutine.
func (s *ScheduledSupport) RemoveScheduled(f *ScheduledFuture) {
	if s.owner.InEventLoop() {
		s.queue.Remove(f)
		return
	}
	_ = s.owner.Execute(func() { s.queue.Remove(f) })
}

// PollScheduledTask returns the next task due at now, or nil.
func (s *ScheduledSupport) PollScheduledTask(now int64) *ScheduledFuture {
	return s.queue.PollDue(now)
}

// NextScheduledDeadline returns the earliest queued deadline.
func (s *ScheduledSupport) NextScheduledDeadline() (int64, bool) {
	f := s.queue.Peek()
	if f == nil {
		return 0, false
	}
	return f.deadline.Load(), true
}

func (s *ScheduledSupport) HasScheduledTasks() bool {
	return s.queue.Len() > 0
}

// CancelScheduledTasks empties the queue, cancelling every task in it.
func (s *ScheduledSupport) CancelScheduledTasks() {
	for _, f := range s.queue.drain() {
		f.Promise.Cancel()
	}
}
