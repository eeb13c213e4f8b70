// File: concurrency/progressive.go
// License: Apache-2.0

package concurrency

import (
	"fmt"
	"slices"
	"sync"

	"github.com/momentics/hioload-nio/api"
)

// ProgressiveFuture is a Future that also reports how far the operation got.
type ProgressiveFuture[T any] interface {
	Future[T]

	// AddProgressListener registers fn for progress reported after this call.
	// A negative total means the total is unknown.
	AddProgressListener(fn func(f ProgressiveFuture[T], progress, total int64))
}

// ProgressivePromise is a Promise that notifies progress listeners until it
// completes. Progress notifications run on the promise's executor in the order
// they were reported; without an executor each runs on its own goroutine and
// order is not kept.
type ProgressivePromise[T any] struct {
	*Promise[T]

	pmu       sync.Mutex
	listeners []func(ProgressiveFuture[T], int64, int64)
}

var _ ProgressiveFuture[struct{}] = (*ProgressivePromise[struct{}])(nil)

// NewProgressivePromise creates a pending promise notified on executor.
func NewProgressivePromise[T any](executor EventExecutor) *ProgressivePromise[T] {
	return &ProgressivePromise[T]{Promise: NewPromise[T](executor)}
}

// NewLazyProgressivePromise is NewLazyPromise with progress reporting.
func NewLazyProgressivePromise[T any](resolve func() EventExecutor) *ProgressivePromise[T] {
	return &ProgressivePromise[T]{Promise: NewLazyPromise[T](resolve)}
}

func (p *ProgressivePromise[T]) AddProgressListener(fn func(ProgressiveFuture[T], int64, int64)) {
	if fn == nil {
		return
	}
	p.pmu.Lock()
	p.listeners = append(p.listeners, fn)
	p.pmu.Unlock()
}

// SetProgress reports progress out of total. A negative total means unknown.
// It fails with api.ErrInvalidArgument when progress is negative or exceeds a
// known total, and with api.ErrPromiseAlreadyCompleted once done.
func (p *ProgressivePromise[T]) SetProgress(progress, total int64) error {
	if progress < 0 || (total >= 0 && progress > total) {
		return fmt.Errorf("%w: progress %d of %d", api.ErrInvalidArgument, progress, total)
	}
	if !p.TryProgress(progress, total) {
		return api.ErrPromiseAlreadyCompleted
	}
	return nil
}

// TryProgress is SetProgress reporting success as a bool.
func (p *ProgressivePromise[T]) TryProgress(progress, total int64) bool {
	if total < 0 {
		total = -1
	}
	if progress < 0 || (total >= 0 && progress > total) || p.IsDone() {
		return false
	}
	p.pmu.Lock()
	listeners := slices.Clone(p.listeners)
	p.pmu.Unlock()
	if len(listeners) == 0 {
		return true
	}

	notify := func() {
		for _, fn := range listeners {
			p.notifyProgress(fn, progress, total)
		}
	}
	exec := p.Executor()
	switch {
	case exec != nil && exec.InEventLoop():
		notify()
	case exec != nil && !exec.IsTerminated() && exec.Execute(notify) == nil:
	default:
		go notify()
	}
	return true
}

func (p *ProgressivePromise[T]) notifyProgress(fn func(ProgressiveFuture[T], int64, int64), progress, total int64) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Warn().Interface("panic", r).Msg("a progress listener panicked")
		}
	}()
	fn(p, progress, total)
}
