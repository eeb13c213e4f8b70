// File: channel/embedded/eventloop.go
// License: Apache-2.0

package embedded

import (
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/concurrency"
)

// EventLoop is a manually driven event loop. Every caller counts as being on
// the loop; queued tasks run only from RunTasks and scheduled tasks only once
// the simulated clock passed their deadline.
type EventLoop struct {
	concurrency.ScheduledSupport

	tasks       *queue.Queue
	now         int64
	shutdown    bool
	termination *concurrency.Promise[struct{}]
}

// NewEventLoop creates a loop whose clock starts at zero.
func NewEventLoop() *EventLoop {
	l := &EventLoop{tasks: queue.New(), termination: concurrency.NewPromise[struct{}](nil)}
	l.InitScheduledSupport(l)
	return l
}

func (l *EventLoop) Execute(task func()) error {
	if task == nil {
		return api.ErrInvalidArgument
	}
	if l.shutdown {
		return api.ErrRejectedExecution
	}
	l.tasks.Add(task)
	return nil
}

func (l *EventLoop) InEventLoop() bool { return true }

// NanoTime returns the simulated clock.
func (l *EventLoop) NanoTime() int64 { return l.now }

// AdvanceTimeBy moves the simulated clock forward. Due tasks run on the next
// RunScheduledTasks.
func (l *EventLoop) AdvanceTimeBy(d time.Duration) {
	if d > 0 {
		l.now += int64(d)
	}
}

// PendingTasks returns the number of queued immediate tasks.
func (l *EventLoop) PendingTasks() int { return l.tasks.Length() }

// RunTasks runs queued tasks, including those queued while running.
func (l *EventLoop) RunTasks() {
	for l.tasks.Length() > 0 {
		task := l.tasks.Remove().(func())
		safeRun(task)
	}
}

// RunScheduledTasks runs every scheduled task due on the simulated clock and
// returns the delay until the next one, or -1.
func (l *EventLoop) RunScheduledTasks() time.Duration {
	for f := l.PollScheduledTask(l.now); f != nil; f = l.PollScheduledTask(l.now) {
		safeRun(f.Run)
	}
	return l.NextScheduledDelay()
}

// NextScheduledDelay returns the delay until the next scheduled task, or -1.
func (l *EventLoop) NextScheduledDelay() time.Duration {
	deadline, ok := l.NextScheduledDeadline()
	if !ok {
		return -1
	}
	if d := deadline - l.now; d > 0 {
		return time.Duration(d)
	}
	return 0
}

func safeRun(task func()) {
	defer func() {
		if r := recover(); r != nil {
			channel.Logger().Warn().Interface("panic", r).Msg("a task raised an exception on the embedded event loop")
		}
	}()
	task()
}

func (l *EventLoop) Register(ch *channel.Channel) *channel.ChannelPromise {
	return channel.RegisterOn(l, ch)
}

// ShutdownGracefully cancels scheduled tasks, runs queued ones and terminates
// right away.
func (l *EventLoop) ShutdownGracefully(time.Duration, time.Duration) concurrency.Future[struct{}] {
	if !l.shutdown {
		l.CancelScheduledTasks()
		l.RunTasks()
		l.shutdown = true
		l.termination.TrySuccess(struct{}{})
	}
	return l.termination
}

func (l *EventLoop) TerminationFuture() concurrency.Future[struct{}] { return l.termination }

func (l *EventLoop) IsShuttingDown() bool { return l.shutdown }
func (l *EventLoop) IsShutdown() bool     { return l.shutdown }
func (l *EventLoop) IsTerminated() bool   { return l.shutdown }
