// File: channel/promise.go
// License: Apache-2.0

package channel

import (
	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/concurrency"
)

// ChannelPromise is the completion of a channel operation. Listeners run on the
// channel's event loop once it is registered.
type ChannelPromise struct {
	*concurrency.Promise[struct{}]
	ch       *Channel
	progress *concurrency.ProgressivePromise[struct{}]
}

// NewChannelPromise creates a pending promise for ch. A nil ch creates a promise
// notified on fresh goroutines.
func NewChannelPromise(ch *Channel) *ChannelPromise {
	if ch == nil {
		return &ChannelPromise{Promise: concurrency.NewPromise[struct{}](nil)}
	}
	return &ChannelPromise{Promise: concurrency.NewLazyPromise[struct{}](ch.executor), ch: ch}
}

// NewChannelProgressivePromise creates a pending promise that also reports
// write progress: the bytes of the written message drained so far, out of its
// size.
func NewChannelProgressivePromise(ch *Channel) *ChannelPromise {
	var pp *concurrency.ProgressivePromise[struct{}]
	if ch == nil {
		pp = concurrency.NewProgressivePromise[struct{}](nil)
	} else {
		pp = concurrency.NewLazyProgressivePromise[struct{}](ch.executor)
	}
	return &ChannelPromise{Promise: pp.Promise, ch: ch, progress: pp}
}

// NewFailedChannelPromise returns a promise already failed with cause.
func NewFailedChannelPromise(ch *Channel, cause error) *ChannelPromise {
	p := NewChannelPromise(ch)
	p.TryFailure(cause)
	return p
}

// Channel returns the channel the promise belongs to. It may be nil for
// promises returned by failed bootstrap validation.
func (p *ChannelPromise) Channel() *Channel {
	return p.ch
}

// IsProgressive reports whether the promise was created to report progress.
func (p *ChannelPromise) IsProgressive() bool {
	return p.progress != nil
}

// AddProgressListener registers fn for write progress. It is a no-op unless
// the promise is progressive.
func (p *ChannelPromise) AddProgressListener(fn func(p *ChannelPromise, progress, total int64)) *ChannelPromise {
	if p.progress != nil {
		p.progress.AddProgressListener(func(_ concurrency.ProgressiveFuture[struct{}], progress, total int64) {
			fn(p, progress, total)
		})
	}
	return p
}

// TryProgress reports progress on a progressive promise. It returns false for
// other promises.
func (p *ChannelPromise) TryProgress(progress, total int64) bool {
	return p.progress != nil && p.progress.TryProgress(progress, total)
}

// Success completes the promise, ignoring an earlier completion.
func (p *ChannelPromise) Success() {
	p.TrySuccess(struct{}{})
}

// AddChannelListener is AddListener with the promise passed back typed.
func (p *ChannelPromise) AddChannelListener(fn func(*ChannelPromise)) *ChannelPromise {
	p.AddListener(func(concurrency.Future[struct{}]) { fn(p) })
	return p
}

// Cascade completes other with p's outcome once p is done.
func (p *ChannelPromise) Cascade(other *ChannelPromise) {
	p.AddListener(func(f concurrency.Future[struct{}]) {
		switch {
		case f.IsCancelled():
			other.Cancel()
		case f.Cause() != nil:
			other.TryFailure(f.Cause())
		default:
			other.TrySuccess(struct{}{})
		}
	})
}

// validPromise checks that p can still be completed by an operation on ch.
func validPromise(ch *Channel, p *ChannelPromise) error {
	if p.ch != nil && p.ch != ch {
		return api.ErrPromiseChannelMismatch
	}
	return nil
}
