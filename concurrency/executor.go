// File: concurrency/executor.go
// License: Apache-2.0
//
// Executor contracts for serialized task execution and custom I/O integration.

package concurrency

import (
	"context"
	"time"
)

// EventExecutor runs submitted tasks one at a time on a single goroutine.
type EventExecutor interface {
	// Execute enqueues task. It is the only entry point safe to call from any goroutine.
	Execute(task func()) error

	// InEventLoop reports whether the caller runs on the executor's goroutine.
	InEventLoop() bool

	// Schedule runs task once after delay.
	Schedule(task func(), delay time.Duration) *ScheduledFuture

	// ScheduleAtFixedRate runs task every period, measured from the previous deadline.
	ScheduleAtFixedRate(task func(), initialDelay, period time.Duration) *ScheduledFuture

	// ScheduleWithFixedDelay runs task with delay between the end of one run and the next.
	ScheduleWithFixedDelay(task func(), initialDelay, delay time.Duration) *ScheduledFuture

	// ShutdownGracefully cancels delayed tasks, drains queued tasks and stops the worker.
	ShutdownGracefully(quietPeriod, timeout time.Duration) Future[struct{}]

	// TerminationFuture completes once the executor has terminated.
	TerminationFuture() Future[struct{}]

	IsShuttingDown() bool
	IsShutdown() bool
	IsTerminated() bool
}

// EventExecutorGroup owns a set of executors and their shared lifecycle.
type EventExecutorGroup interface {
	ShutdownGracefully(quietPeriod, timeout time.Duration) Future[struct{}]
	TerminationFuture() Future[struct{}]
	AwaitTermination(ctx context.Context) error
	IsShuttingDown() bool
	IsTerminated() bool
}

// IOHandler lets a transport service I/O from inside the executor's worker loop.
type IOHandler interface {
	// Run waits for and dispatches I/O readiness. A negative timeout blocks until
	// woken, zero polls without blocking.
	Run(timeout time.Duration) error

	// Wakeup interrupts a blocking Run. Safe to call from any goroutine.
	Wakeup()

	// Close releases the handler's resources. Called once on the worker goroutine
	// after the executor stopped running tasks.
	Close() error
}

// Observer receives executor telemetry.
type Observer interface {
	TaskExecuted(executor string, elapsed time.Duration)
	TaskPanicked(executor string, cause any)
}

// Default graceful shutdown timings.
const (
	DefaultQuietPeriod     = 2 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
)
