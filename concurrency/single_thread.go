// File: concurrency/single_thread.go
// License: Apache-2.0
//
// SingleThreadEventExecutor runs queued, delayed and periodic tasks on one
// lazily started worker goroutine, optionally servicing I/O between batches.

package concurrency

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-nio/api"
)

const (
	stateNotStarted int32 = iota + 1
	stateStarted
	stateShuttingDown
	stateShutdown
	stateTerminated
)

// shutdownPollInterval caps a worker wait while a graceful shutdown is pending.
const shutdownPollInterval = 100 * time.Millisecond

var clockBase = time.Now()

// MonotonicNanos returns nanoseconds elapsed on the process-wide monotonic clock.
func MonotonicNanos() int64 {
	return int64(time.Since(clockBase))
}

// SingleThreadEventExecutor is the default EventExecutor.
type SingleThreadEventExecutor struct {
	ScheduledSupport

	name     string
	parent   EventExecutorGroup
	budget   time.Duration
	io       IOHandler
	logger   *zerolog.Logger
	observer Observer
	cpus     []int

	mu    sync.Mutex
	tasks *queue.Queue

	state   atomic.Int32
	started atomic.Bool
	gid     atomic.Uint64
	wakeCh  chan struct{}
	timer   *time.Timer

	quietPeriod     atomic.Int64
	shutdownTimeout atomic.Int64
	shutdownStart   int64
	lastExecution   int64

	termination *Promise[struct{}]
}

// NewSingleThreadEventExecutor creates an executor. The worker goroutine starts
// with the first submitted task.
func NewSingleThreadEventExecutor(opts ...Option) *SingleThreadEventExecutor {
	o := resolveOptions(opts)
	e := &SingleThreadEventExecutor{
		name:        o.name,
		parent:      o.parent,
		budget:      o.budget,
		io:          o.io,
		logger:      o.logger,
		observer:    o.observer,
		cpus:        o.cpus,
		tasks:       queue.New(),
		wakeCh:      make(chan struct{}, 1),
		termination: NewPromise[struct{}](nil),
	}
	e.state.Store(stateNotStarted)
	e.InitScheduledSupport(e)
	return e
}

// Name returns the executor name.
func (e *SingleThreadEventExecutor) Name() string { return e.name }

// Parent returns the owning group, or nil.
func (e *SingleThreadEventExecutor) Parent() EventExecutorGroup { return e.parent }

// NanoTime implements ScheduledTaskOwner.
func (e *SingleThreadEventExecutor) NanoTime() int64 { return MonotonicNanos() }

func (e *SingleThreadEventExecutor) InEventLoop() bool {
	return e.gid.Load() == goid()
}

func (e *SingleThreadEventExecutor) Execute(task func()) error {
	if task == nil {
		return api.ErrInvalidArgument
	}
	e.mu.Lock()
	if e.state.Load() >= stateShutdown {
		e.mu.Unlock()
		return api.ErrRejectedExecution
	}
	e.tasks.Add(task)
	e.mu.Unlock()

	if e.InEventLoop() {
		return nil
	}
	e.startWorker()
	e.wakeup()
	return nil
}

// PendingTasks returns the number of queued immediate tasks.
func (e *SingleThreadEventExecutor) PendingTasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks.Length()
}

// State returns a short lifecycle label for probes.
func (e *SingleThreadEventExecutor) State() string {
	switch e.state.Load() {
	case stateNotStarted:
		return "not-started"
	case stateStarted:
		return "started"
	case stateShuttingDown:
		return "shutting-down"
	case stateShutdown:
		return "shutdown"
	default:
		return "terminated"
	}
}

func (e *SingleThreadEventExecutor) IsShuttingDown() bool {
	return e.state.Load() >= stateShuttingDown
}

func (e *SingleThreadEventExecutor) IsShutdown() bool {
	return e.state.Load() >= stateShutdown
}

func (e *SingleThreadEventExecutor) IsTerminated() bool {
	return e.state.Load() == stateTerminated
}

func (e *SingleThreadEventExecutor) TerminationFuture() Future[struct{}] {
	return e.termination
}

// AwaitTermination blocks until the worker exited or ctx expires.
func (e *SingleThreadEventExecutor) AwaitTermination(ctx context.Context) error {
	if e.InEventLoop() {
		return api.ErrBlockingOperation
	}
	return e.termination.Await(ctx)
}

// ShutdownGracefully stops accepting new work once no task was submitted for
// quietPeriod, or once timeout elapsed, whichever comes first.
func (e *SingleThreadEventExecutor) ShutdownGracefully(quietPeriod, timeout time.Duration) Future[struct{}] {
	if quietPeriod < 0 {
		quietPeriod = 0
	}
	if timeout < quietPeriod {
		timeout = quietPeriod
	}
	e.mu.Lock()
	if e.state.Load() >= stateShuttingDown {
		e.mu.Unlock()
		return e.termination
	}
	e.quietPeriod.Store(int64(quietPeriod))
	e.shutdownTimeout.Store(int64(timeout))
	e.state.Store(stateShuttingDown)
	e.mu.Unlock()

	e.startWorker()
	e.wakeup()
	return e.termination
}

func (e *SingleThreadEventExecutor) startWorker() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.state.CompareAndSwap(stateNotStarted, stateStarted)
	go e.run()
}

func (e *SingleThreadEventExecutor) wakeup() {
	if e.io != nil {
		e.io.Wakeup()
		return
	}
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

func (e *SingleThreadEventExecutor) run() {
	e.gid.Store(goid())
	if len(e.cpus) > 0 {
		// Never unlocked: the pinned thread exits with the worker.
		runtime.LockOSThread()
		if err := pinThread(e.cpus); err != nil {
			e.logger.Warn().Err(err).Str("executor", e.name).Ints("cpus", e.cpus).Msg("CPU pinning failed")
		}
	}
	e.timer = time.NewTimer(time.Hour)
	e.timer.Stop()
	defer e.cleanup()

	for {
		timeout := e.pollTimeout()
		if e.io != nil {
			if err := e.io.Run(timeout); err != nil {
				e.logger.Warn().Err(err).Str("executor", e.name).Msg("I/O handler failed")
			}
		} else {
			e.await(timeout)
		}
		e.runAllTasks(e.budget)
		if e.IsShuttingDown() && e.confirmShutdown() {
			return
		}
	}
}

// pollTimeout returns 0 when work is pending, the time to the next deadline when
// delayed work exists, and -1 to block until woken.
func (e *SingleThreadEventExecutor) pollTimeout() time.Duration {
	if e.PendingTasks() > 0 {
		return 0
	}
	timeout := time.Duration(-1)
	if deadline, ok := e.NextScheduledDeadline(); ok {
		timeout = time.Duration(deadline - e.NanoTime())
		if timeout < 0 {
			timeout = 0
		}
	}
	if e.IsShuttingDown() && (timeout < 0 || timeout > shutdownPollInterval) {
		timeout = shutdownPollInterval
	}
	return timeout
}

func (e *SingleThreadEventExecutor) await(timeout time.Duration) {
	switch {
	case timeout == 0:
		select {
		case <-e.wakeCh:
		default:
		}
	case timeout < 0:
		<-e.wakeCh
	default:
		e.timer.Reset(timeout)
		select {
		case <-e.wakeCh:
			e.timer.Stop()
		case <-e.timer.C:
		}
	}
}

func (e *SingleThreadEventExecutor) pollTask() func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tasks.Length() == 0 {
		return nil
	}
	return e.tasks.Remove().(func())
}

// fetchDueTasks moves due delayed tasks into the immediate queue.
func (e *SingleThreadEventExecutor) fetchDueTasks() {
	now := e.NanoTime()
	for f := e.PollScheduledTask(now); f != nil; f = e.PollScheduledTask(now) {
		e.mu.Lock()
		e.tasks.Add(f.Run)
		e.mu.Unlock()
	}
}

// runAllTasks runs queued tasks until the queue is empty or budget elapsed. The
// clock is sampled every 64 tasks.
func (e *SingleThreadEventExecutor) runAllTasks(budget time.Duration) bool {
	e.fetchDueTasks()
	start := e.NanoTime()
	ran := 0
	for task := e.pollTask(); task != nil; task = e.pollTask() {
		e.safeExecute(task)
		ran++
		if ran&63 == 0 && budget > 0 && time.Duration(e.NanoTime()-start) >= budget {
			break
		}
	}
	if ran > 0 {
		e.lastExecution = e.NanoTime()
	}
	return ran > 0
}

func (e *SingleThreadEventExecutor) safeExecute(task func()) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn().Str("executor", e.name).Interface("panic", r).Msg("task panicked")
			if e.observer != nil {
				e.observer.TaskPanicked(e.name, r)
			}
		}
	}()
	task()
	if e.observer != nil {
		e.observer.TaskExecuted(e.name, time.Since(start))
	}
}

func (e *SingleThreadEventExecutor) confirmShutdown() bool {
	if !e.IsShuttingDown() {
		return false
	}
	e.CancelScheduledTasks()
	now := e.NanoTime()
	if e.shutdownStart == 0 {
		e.shutdownStart = now
		if e.lastExecution < now {
			e.lastExecution = now
		}
	}
	quiet := e.quietPeriod.Load()
	if e.runAllTasks(0) {
		if e.IsShutdown() || quiet == 0 {
			return true
		}
		return false
	}
	now = e.NanoTime()
	if e.IsShutdown() || now-e.shutdownStart > e.shutdownTimeout.Load() {
		return true
	}
	return now-e.lastExecution > quiet
}

func (e *SingleThreadEventExecutor) cleanup() {
	e.mu.Lock()
	e.state.Store(stateShutdown)
	e.mu.Unlock()

	// Listeners of cancelled tasks and late submissions still run here.
	for e.runAllTasks(0) {
		e.CancelScheduledTasks()
	}
	if e.io != nil {
		if err := e.io.Close(); err != nil {
			e.logger.Warn().Err(err).Str("executor", e.name).Msg("closing I/O handler failed")
		}
	}
	e.state.Store(stateTerminated)
	e.logger.Debug().Str("executor", e.name).Msg("executor terminated")
	e.termination.TrySuccess(struct{}{})
}
