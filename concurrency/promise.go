// File: concurrency/promise.go
// License: Apache-2.0
//
// Write-once result cell with ordered listener notification.

package concurrency

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-nio/api"
)

// Future is the read side of a Promise.
type Future[T any] interface {
	IsDone() bool
	IsSuccess() bool
	IsCancelled() bool
	IsCancellable() bool

	// Cause returns the failure cause, or nil while pending or on success.
	Cause() error

	// GetNow returns the value without blocking; ok is false unless the future succeeded.
	GetNow() (value T, ok bool)

	// Done is closed on completion.
	Done() <-chan struct{}

	// Await blocks until completion or ctx expiry. Returns api.ErrBlockingOperation
	// when called on the future's own executor goroutine.
	Await(ctx context.Context) error

	// Sync awaits completion and returns the value, or the failure cause.
	Sync(ctx context.Context) (T, error)

	// AddListener registers fn to run once the future completes. Listeners never
	// run inline on the registering goroutine.
	AddListener(fn func(Future[T]))

	Cancel() bool
}

const (
	promisePending uint32 = iota
	promiseSuccess
	promiseFailure
	promiseCancelled
)

// Promise is the writable Future. The zero value is not usable; see NewPromise.
type Promise[T any] struct {
	executor EventExecutor
	resolve  func() EventExecutor

	mu            sync.Mutex
	state         atomic.Uint32
	uncancellable bool
	value         T
	cause         error
	listeners     []func(Future[T])
	notifying     bool
	done          chan struct{}
}

// NewPromise creates a pending promise whose listeners are notified on executor.
// A nil executor notifies on a new goroutine.
func NewPromise[T any](executor EventExecutor) *Promise[T] {
	return &Promise[T]{executor: executor, done: make(chan struct{})}
}

// NewLazyPromise creates a pending promise whose executor is looked up by resolve
// each time it is needed. It serves results of objects bound to an executor
// after the promise was created.
func NewLazyPromise[T any](resolve func() EventExecutor) *Promise[T] {
	return &Promise[T]{resolve: resolve, done: make(chan struct{})}
}

// NewSucceededFuture returns a future already completed with value.
func NewSucceededFuture[T any](executor EventExecutor, value T) *Promise[T] {
	p := NewPromise[T](executor)
	p.TrySuccess(value)
	return p
}

// NewFailedFuture returns a future already failed with cause.
func NewFailedFuture[T any](executor EventExecutor, cause error) *Promise[T] {
	p := NewPromise[T](executor)
	p.TryFailure(cause)
	return p
}

// Executor returns the executor used for listener notification.
func (p *Promise[T]) Executor() EventExecutor {
	if p.resolve != nil {
		return p.resolve()
	}
	return p.executor
}

// SetSuccess completes the promise with value.
func (p *Promise[T]) SetSuccess(value T) error {
	if p.complete(value, nil, promiseSuccess, false) {
		return nil
	}
	return api.ErrPromiseAlreadyCompleted
}

// SetFailure fails the promise with cause.
func (p *Promise[T]) SetFailure(cause error) error {
	if p.complete(p.zero(), cause, promiseFailure, false) {
		return nil
	}
	return api.ErrPromiseAlreadyCompleted
}

// TrySuccess is SetSuccess reporting completion as a bool.
func (p *Promise[T]) TrySuccess(value T) bool {
	return p.complete(value, nil, promiseSuccess, false)
}

// TryFailure is SetFailure reporting completion as a bool.
func (p *Promise[T]) TryFailure(cause error) bool {
	return p.complete(p.zero(), cause, promiseFailure, false)
}

// Cancel fails the promise with api.ErrCancelled if it is still pending and cancellable.
func (p *Promise[T]) Cancel() bool {
	return p.complete(p.zero(), api.ErrCancelled, promiseCancelled, true)
}

// SetUncancellable marks the promise as no longer cancellable. Returns true if the
// promise is pending or completed without being cancelled.
func (p *Promise[T]) SetUncancellable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state.Load() {
	case promisePending:
		p.uncancellable = true
		return true
	case promiseCancelled:
		return false
	default:
		return true
	}
}

func (p *Promise[T]) IsDone() bool      { return p.state.Load() != promisePending }
func (p *Promise[T]) IsSuccess() bool   { return p.state.Load() == promiseSuccess }
func (p *Promise[T]) IsCancelled() bool { return p.state.Load() == promiseCancelled }

func (p *Promise[T]) IsCancellable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Load() == promisePending && !p.uncancellable
}

func (p *Promise[T]) Cause() error {
	switch p.state.Load() {
	case promiseFailure, promiseCancelled:
		return p.cause
	}
	return nil
}

func (p *Promise[T]) GetNow() (T, bool) {
	if p.state.Load() == promiseSuccess {
		return p.value, true
	}
	return p.zero(), false
}

func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

func (p *Promise[T]) Await(ctx context.Context) error {
	if p.IsDone() {
		return nil
	}
	if exec := p.Executor(); exec != nil && exec.InEventLoop() {
		return api.ErrBlockingOperation
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Promise[T]) Sync(ctx context.Context) (T, error) {
	if err := p.Await(ctx); err != nil {
		return p.zero(), err
	}
	if cause := p.Cause(); cause != nil {
		return p.zero(), cause
	}
	return p.value, nil
}

func (p *Promise[T]) AddListener(fn func(Future[T])) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	post := p.state.Load() != promisePending && !p.notifying
	p.mu.Unlock()
	if post {
		p.postNotify()
	}
}

func (p *Promise[T]) zero() (v T) { return }

func (p *Promise[T]) complete(value T, cause error, state uint32, cancel bool) bool {
	p.mu.Lock()
	if p.state.Load() != promisePending || (cancel && p.uncancellable) {
		p.mu.Unlock()
		return false
	}
	p.value = value
	p.cause = cause
	p.state.Store(state)
	close(p.done)
	notify := len(p.listeners) > 0
	p.mu.Unlock()
	if notify {
		if exec := p.Executor(); exec != nil && exec.InEventLoop() {
			p.notifyListeners()
		} else {
			p.postNotify()
		}
	}
	return true
}

func (p *Promise[T]) postNotify() {
	if exec := p.Executor(); exec != nil && !exec.IsTerminated() {
		if err := exec.Execute(p.notifyListeners); err == nil {
			return
		}
	}
	go p.notifyListeners()
}

// notifyListeners drains the listener list. Listeners appended while a pass is
// running are picked up by the same pass.
func (p *Promise[T]) notifyListeners() {
	p.mu.Lock()
	if p.notifying || len(p.listeners) == 0 {
		p.mu.Unlock()
		return
	}
	p.notifying = true
	pending := p.listeners
	p.listeners = nil
	p.mu.Unlock()

	for {
		for _, fn := range pending {
			p.notifyListener(fn)
		}
		p.mu.Lock()
		if len(p.listeners) == 0 {
			p.notifying = false
			p.mu.Unlock()
			return
		}
		pending = p.listeners
		p.listeners = nil
		p.mu.Unlock()
	}
}

func (p *Promise[T]) notifyListener(fn func(Future[T])) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Warn().Interface("panic", r).Msg("a future listener panicked")
		}
	}()
	fn(p)
}

// Join returns a future completing once every future completed. It fails with the
// first failure cause observed, after all of them are done.
func Join(executor EventExecutor, futures ...Future[struct{}]) *Promise[struct{}] {
	joined := NewPromise[struct{}](executor)
	if len(futures) == 0 {
		joined.TrySuccess(struct{}{})
		return joined
	}
	var (
		remaining atomic.Int32
		firstErr  atomic.Pointer[error]
	)
	remaining.Store(int32(len(futures)))
	for _, f := range futures {
		f.AddListener(func(f Future[struct{}]) {
			if cause := f.Cause(); cause != nil {
				firstErr.CompareAndSwap(nil, &cause)
			}
			if remaining.Add(-1) == 0 {
				if errp := firstErr.Load(); errp != nil {
					joined.TryFailure(*errp)
				} else {
					joined.TrySuccess(struct{}{})
				}
			}
		})
	}
	return joined
}
