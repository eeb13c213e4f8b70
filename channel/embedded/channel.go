// File: channel/embedded/channel.go
// License: Apache-2.0
//
// Package embedded provides a channel without real I/O for testing handlers.
// Inbound messages are fed with WriteInbound and collected at the pipeline
// tail; outbound messages reaching the transport are collected as well.

package embedded

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/channel"
)

// Address is the address of every embedded channel.
type Address struct{}

func (Address) Network() string { return "embedded" }
func (Address) String() string  { return "embedded" }

type transport struct {
	ec     *Channel
	open   bool
	active bool
}

func (t *transport) Metadata() channel.Metadata { return channel.Metadata{} }
func (t *transport) IsOpen() bool               { return t.open }
func (t *transport) IsActive() bool             { return t.open && t.active }

func (t *transport) IsCompatible(loop channel.EventLoop) bool {
	_, ok := loop.(*EventLoop)
	return ok
}

func (t *transport) LocalAddress() net.Addr  { return Address{} }
func (t *transport) RemoteAddress() net.Addr { return Address{} }

func (t *transport) DoRegister(*channel.Channel) error {
	t.active = true
	return nil
}

func (t *transport) DoDeregister() error { return nil }

func (t *transport) DoClose() error {
	t.open = false
	return nil
}

func (t *transport) DoBind(net.Addr) error { return nil }
func (t *transport) DoBeginRead() error    { return nil }

func (t *transport) FilterOutbound(msg any) (any, error) { return msg, nil }

func (t *transport) DoWrite(out *channel.OutboundBuffer) error {
	for {
		msg := out.Current()
		if msg == nil {
			return nil
		}
		// Remove releases once; the collected copy keeps its own reference.
		api.Retain(msg)
		t.ec.outbound = append(t.ec.outbound, msg)
		out.Remove()
	}
}

func (t *transport) UnhandledInbound(msg any) {
	t.ec.inbound = append(t.ec.inbound, msg)
}

func (t *transport) UnhandledException(err error) {
	t.ec.recordException(err)
}

// Channel is a channel registered with its own EventLoop. It is not safe for
// concurrent use.
type Channel struct {
	*channel.Channel

	loop      *EventLoop
	inbound   []any
	outbound  []any
	lastError error
}

// New creates and registers a channel with handlers added in order.
// Registration failures surface through CheckException.
func New(handlers ...channel.Handler) *Channel {
	return NewWithOptions(nil, handlers...)
}

// NewWithOptions is New with channel options set before registration.
func NewWithOptions(opts []channel.OptionValue, handlers ...channel.Handler) *Channel {
	ec := &Channel{loop: NewEventLoop()}
	t := &transport{ec: ec, open: true}
	ec.Channel = channel.New(t, nil)
	if err := ec.Config().SetOptions(opts...); err != nil {
		ec.recordException(err)
	}
	for _, h := range handlers {
		if err := ec.Pipeline().AddLast("", h); err != nil {
			ec.recordException(err)
		}
	}
	p := ec.loop.Register(ec.Channel)
	ec.RunPendingTasks()
	if cause := p.Cause(); cause != nil {
		ec.recordException(cause)
	}
	return ec
}

// EventLoop returns the channel's manual loop.
func (ec *Channel) EventLoop() *EventLoop { return ec.loop }

func (ec *Channel) recordException(err error) {
	if ec.lastError == nil {
		ec.lastError = err
		return
	}
	channel.Logger().Warn().Err(err).Msg("more than one exception was raised; only the first is kept")
}

// CheckException returns and clears the first exception recorded since the
// last call.
func (ec *Channel) CheckException() error {
	err := ec.lastError
	ec.lastError = nil
	return err
}

// WriteInbound fires msgs as channelRead followed by one channelReadComplete.
// It reports whether messages reached the tail.
func (ec *Channel) WriteInbound(msgs ...any) (bool, error) {
	if !ec.IsOpen() {
		releaseAll(msgs)
		return false, api.ErrChannelClosed
	}
	p := ec.Pipeline()
	for _, m := range msgs {
		p.FireChannelRead(m)
	}
	p.FireChannelReadComplete()
	ec.RunPendingTasks()
	return len(ec.inbound) > 0, ec.CheckException()
}

// WriteOneInbound fires a single channelRead without readComplete.
func (ec *Channel) WriteOneInbound(msg any) error {
	if !ec.IsOpen() {
		api.SafeRelease(msg)
		return api.ErrChannelClosed
	}
	ec.Pipeline().FireChannelRead(msg)
	ec.RunPendingTasks()
	return ec.CheckException()
}

// WriteOutbound writes msgs through the pipeline and flushes. It reports
// whether messages reached the transport and returns the first failed write.
func (ec *Channel) WriteOutbound(msgs ...any) (bool, error) {
	if !ec.IsOpen() {
		releaseAll(msgs)
		return false, api.ErrChannelClosed
	}
	promises := make([]*channel.ChannelPromise, 0, len(msgs))
	for _, m := range msgs {
		promises = append(promises, ec.Write(m))
	}
	ec.Flush()
	ec.RunPendingTasks()
	var errs []error
	for _, p := range promises {
		if p.IsDone() && p.Cause() != nil {
			errs = append(errs, p.Cause())
		}
	}
	if err := ec.CheckException(); err != nil {
		errs = append(errs, err)
	}
	return len(ec.outbound) > 0, errors.Join(errs...)
}

// ReadInbound returns the oldest message that reached the tail, or nil.
func (ec *Channel) ReadInbound() any {
	return poll(&ec.inbound)
}

// ReadOutbound returns the oldest message that reached the transport, or nil.
func (ec *Channel) ReadOutbound() any {
	return poll(&ec.outbound)
}

// InboundMessages returns the messages not read yet.
func (ec *Channel) InboundMessages() []any { return ec.inbound }

// OutboundMessages returns the messages not read yet.
func (ec *Channel) OutboundMessages() []any { return ec.outbound }

// ReadInboundAs reads the next inbound message as T.
func ReadInboundAs[T any](ec *Channel) (T, error) {
	return as[T](ec.ReadInbound())
}

// ReadOutboundAs reads the next outbound message as T.
func ReadOutboundAs[T any](ec *Channel) (T, error) {
	return as[T](ec.ReadOutbound())
}

func as[T any](msg any) (T, error) {
	v, ok := msg.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: want %T, got %T", api.ErrInvalidArgument, zero, msg)
	}
	return v, nil
}

func poll(q *[]any) any {
	if len(*q) == 0 {
		return nil
	}
	m := (*q)[0]
	(*q)[0] = nil
	*q = (*q)[1:]
	return m
}

// RunPendingTasks runs queued tasks and the scheduled tasks already due.
func (ec *Channel) RunPendingTasks() {
	ec.loop.RunTasks()
	ec.loop.RunScheduledTasks()
	ec.loop.RunTasks()
}

// RunScheduledPendingTasks runs due scheduled tasks and returns the delay until
// the next one, or -1.
func (ec *Channel) RunScheduledPendingTasks() time.Duration {
	d := ec.loop.RunScheduledTasks()
	ec.loop.RunTasks()
	return d
}

// AdvanceTimeBy moves the loop's clock forward without running anything.
func (ec *Channel) AdvanceTimeBy(d time.Duration) {
	ec.loop.AdvanceTimeBy(d)
}

// Close closes the channel and runs the resulting tasks.
func (ec *Channel) Close() *channel.ChannelPromise {
	p := ec.Channel.Close()
	ec.RunPendingTasks()
	return p
}

// Finish closes the channel and reports whether unread messages remain.
func (ec *Channel) Finish() (bool, error) {
	ec.Close()
	return len(ec.inbound) > 0 || len(ec.outbound) > 0, ec.CheckException()
}

// FinishAndReleaseAll closes the channel and releases unread messages. It
// reports whether any were left.
func (ec *Channel) FinishAndReleaseAll() (bool, error) {
	left, err := ec.Finish()
	ec.ReleaseInbound()
	ec.ReleaseOutbound()
	return left, err
}

// ReleaseInbound releases and drops unread inbound messages.
func (ec *Channel) ReleaseInbound() bool {
	return releaseQueue(&ec.inbound)
}

// ReleaseOutbound releases and drops unread outbound messages.
func (ec *Channel) ReleaseOutbound() bool {
	return releaseQueue(&ec.outbound)
}

func releaseQueue(q *[]any) bool {
	had := len(*q) > 0
	releaseAll(*q)
	*q = nil
	return had
}

func releaseAll(msgs []any) {
	for _, m := range msgs {
		api.SafeRelease(m)
	}
}
