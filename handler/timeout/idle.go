// File: handler/timeout/idle.go
// License: Apache-2.0
//
// Package timeout detects idle channels with timers on the channel's event
// loop, or on a shared concurrency.Timer.

package timeout

import (
	"time"

	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/concurrency"
)

// IdleState names the kind of inactivity detected.
type IdleState int

const (
	ReaderIdle IdleState = iota + 1 // nothing read for a while
	WriterIdle                      // nothing written for a while
	AllIdle                         // neither read nor written
)

func (s IdleState) String() string {
	switch s {
	case ReaderIdle:
		return "READER_IDLE"
	case WriterIdle:
		return "WRITER_IDLE"
	case AllIdle:
		return "ALL_IDLE"
	}
	return "UNKNOWN"
}

// IdleStateEvent is fired as a user event when a timeout expires. First is set
// on the first event since the last activity of that kind.
type IdleStateEvent struct {
	State IdleState
	First bool
}

func (e IdleStateEvent) String() string {
	if e.First {
		return "IdleStateEvent(" + e.State.String() + ", first)"
	}
	return "IdleStateEvent(" + e.State.String() + ")"
}

// minTimeout is the smallest accepted non-zero timeout.
const minTimeout = time.Millisecond

type idleTimer struct {
	timeout time.Duration
	pending interface{ Cancel() bool }
	first   bool
}

const (
	stateNew uint8 = iota
	stateRunning
	stateDestroyed
)

// IdleStateHandler fires an IdleStateEvent when a channel has not read,
// written, or done either for the configured time. Events repeat every
// timeout while the channel stays idle.
//
// Reads count when the read batch completes; writes count when the write
// completes. The handler holds per-channel timers and is not sharable.
type IdleStateHandler struct {
	wheel     concurrency.Timer
	timers    [3]idleTimer
	lastRead  int64
	lastWrite int64
	reading   bool
	state     uint8
}

// IdleOption configures an IdleStateHandler.
type IdleOption func(*IdleStateHandler)

// WithTimer arms the idle timers on t instead of the event loop's scheduler.
// Expiry is handed back to the event loop, so a coarse shared timer such as a
// concurrency.WheelTimer can serve many channels. The loop clock still
// measures idleness.
func WithTimer(t concurrency.Timer) IdleOption {
	return func(h *IdleStateHandler) {
		h.wheel = t
	}
}

// NewIdleStateHandler creates a handler. A non-positive duration disables
// that kind of detection; positive values below a millisecond are raised to
// one.
func NewIdleStateHandler(readerIdle, writerIdle, allIdle time.Duration, opts ...IdleOption) *IdleStateHandler {
	h := &IdleStateHandler{}
	for i, d := range []time.Duration{readerIdle, writerIdle, allIdle} {
		if d > 0 {
			h.timers[i].timeout = max(d, minTimeout)
		}
		h.timers[i].first = true
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *IdleStateHandler) timer(s IdleState) *idleTimer { return &h.timers[s-1] }

func (h *IdleStateHandler) ReaderIdleTime() time.Duration { return h.timer(ReaderIdle).timeout }
func (h *IdleStateHandler) WriterIdleTime() time.Duration { return h.timer(WriterIdle).timeout }
func (h *IdleStateHandler) AllIdleTime() time.Duration    { return h.timer(AllIdle).timeout }

func (h *IdleStateHandler) watchesReads() bool {
	return h.timer(ReaderIdle).timeout > 0 || h.timer(AllIdle).timeout > 0
}

func (h *IdleStateHandler) watchesWrites() bool {
	return h.timer(WriterIdle).timeout > 0 || h.timer(AllIdle).timeout > 0
}

func (h *IdleStateHandler) HandlerAdded(ctx *channel.HandlerContext) {
	if ch := ctx.Channel(); ch.IsActive() && ch.IsRegistered() {
		h.initialize(ctx)
	}
}

func (h *IdleStateHandler) HandlerRemoved(*channel.HandlerContext) { h.destroy() }

func (h *IdleStateHandler) ChannelRegistered(ctx *channel.HandlerContext) {
	if ctx.Channel().IsActive() {
		h.initialize(ctx)
	}
	ctx.FireChannelRegistered()
}

func (h *IdleStateHandler) ChannelActive(ctx *channel.HandlerContext) {
	h.initialize(ctx)
	ctx.FireChannelActive()
}

func (h *IdleStateHandler) ChannelInactive(ctx *channel.HandlerContext) {
	h.destroy()
	ctx.FireChannelInactive()
}

func (h *IdleStateHandler) ChannelRead(ctx *channel.HandlerContext, msg any) {
	if h.watchesReads() {
		h.reading = true
		h.timer(ReaderIdle).first = true
		h.timer(AllIdle).first = true
	}
	ctx.FireChannelRead(msg)
}

func (h *IdleStateHandler) ChannelReadComplete(ctx *channel.HandlerContext) {
	if h.watchesReads() && h.reading {
		h.lastRead = now(ctx)
		h.reading = false
	}
	ctx.FireChannelReadComplete()
}

func (h *IdleStateHandler) Write(ctx *channel.HandlerContext, msg any, p *channel.ChannelPromise) {
	if !h.watchesWrites() {
		ctx.Write(msg, p)
		return
	}
	ctx.Write(msg, p).AddChannelListener(func(*channel.ChannelPromise) {
		h.lastWrite = now(ctx)
		h.timer(WriterIdle).first = true
		h.timer(AllIdle).first = true
	})
}

func (h *IdleStateHandler) initialize(ctx *channel.HandlerContext) {
	if h.state != stateNew {
		return
	}
	h.state = stateRunning
	h.lastRead = now(ctx)
	h.lastWrite = h.lastRead
	for _, s := range []IdleState{ReaderIdle, WriterIdle, AllIdle} {
		if t := h.timer(s); t.timeout > 0 {
			h.schedule(ctx, s, t.timeout)
		}
	}
}

func (h *IdleStateHandler) destroy() {
	h.state = stateDestroyed
	for i := range h.timers {
		if p := h.timers[i].pending; p != nil {
			p.Cancel()
			h.timers[i].pending = nil
		}
	}
}

func (h *IdleStateHandler) schedule(ctx *channel.HandlerContext, s IdleState, delay time.Duration) {
	run := func() { h.expired(ctx, s) }
	if h.wheel != nil {
		to, err := h.wheel.NewTimeout(func(concurrency.Timeout) {
			// rejected only while the loop shuts down, which closes the channel
			_ = ctx.EventLoop().Execute(run)
		}, delay)
		if err == nil {
			h.timer(s).pending = to
			return
		}
		concurrency.Logger().Debug().Err(err).Msg("idle timer rejected, using the event loop scheduler")
	}
	h.timer(s).pending = ctx.EventLoop().Schedule(run, delay)
}

// expired checks whether the channel really was idle for the whole timeout
// and either fires an event or waits for the remainder.
func (h *IdleStateHandler) expired(ctx *channel.HandlerContext, s IdleState) {
	if !ctx.Channel().IsOpen() || h.state != stateRunning {
		return
	}
	t := h.timer(s)
	next := t.timeout
	if s == WriterIdle || !h.reading {
		next -= time.Duration(now(ctx) - h.lastActivity(s))
	}
	if next > 0 {
		h.schedule(ctx, s, next)
		return
	}
	h.schedule(ctx, s, t.timeout)
	first := t.first
	t.first = false
	ctx.FireUserEventTriggered(IdleStateEvent{State: s, First: first})
}

func (h *IdleStateHandler) lastActivity(s IdleState) int64 {
	switch s {
	case ReaderIdle:
		return h.lastRead
	case WriterIdle:
		return h.lastWrite
	}
	return max(h.lastRead, h.lastWrite)
}

// now reads the loop's clock, which is simulated on test loops.
func now(ctx *channel.HandlerContext) int64 {
	if c, ok := ctx.EventLoop().(concurrency.ScheduledTaskOwner); ok {
		return c.NanoTime()
	}
	return concurrency.MonotonicNanos()
}
