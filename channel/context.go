// File: channel/context.go
// License: Apache-2.0
//
// HandlerContext binds a handler to its pipeline position and dispatches
// events to the neighbouring contexts.

package channel

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/buffer"
	"github.com/momentics/hioload-nio/concurrency"
)

const (
	ctxInit int32 = iota
	ctxAddPending
	ctxAddComplete
	ctxRemoveComplete
)

// HandlerContext is a pipeline node. Inbound Fire* methods pass an event to the
// next context towards the tail; outbound methods pass an operation to the
// next context towards the head. Both may be called from any goroutine.
type HandlerContext struct {
	pipeline *Pipeline
	name     string
	handler  Handler
	mask     int

	prev  atomic.Pointer[HandlerContext]
	next  atomic.Pointer[HandlerContext]
	state atomic.Int32
}

func newHandlerContext(p *Pipeline, name string, h Handler) *HandlerContext {
	return &HandlerContext{pipeline: p, name: name, handler: h, mask: handlerMask(h)}
}

func (c *HandlerContext) Name() string        { return c.name }
func (c *HandlerContext) Handler() Handler    { return c.handler }
func (c *HandlerContext) Pipeline() *Pipeline { return c.pipeline }
func (c *HandlerContext) Channel() *Channel   { return c.pipeline.ch }

// EventLoop returns the channel's event loop, or nil before registration.
func (c *HandlerContext) EventLoop() EventLoop { return c.pipeline.ch.EventLoop() }

// Alloc returns the channel's buffer allocator.
func (c *HandlerContext) Alloc() buffer.Allocator { return c.pipeline.ch.config.Allocator() }

// NewPromise creates a promise for the context's channel.
func (c *HandlerContext) NewPromise() *ChannelPromise { return NewChannelPromise(c.pipeline.ch) }

func (c *HandlerContext) NewProgressivePromise() *ChannelPromise {
	return NewChannelProgressivePromise(c.pipeline.ch)
}

// IsRemoved reports whether the handler was removed from the pipeline.
func (c *HandlerContext) IsRemoved() bool { return c.state.Load() == ctxRemoveComplete }

func (c *HandlerContext) String() string {
	return fmt.Sprintf("HandlerContext(%s, %s)", c.name, c.pipeline.ch)
}

// invokeHandler reports whether the handler may see events. Contexts whose
// HandlerAdded callback has not run yet pass events through.
func (c *HandlerContext) invokeHandler() bool {
	return c.state.Load() == ctxAddComplete
}

func (c *HandlerContext) setAddComplete() bool {
	for {
		s := c.state.Load()
		if s == ctxRemoveComplete {
			return false
		}
		if c.state.CompareAndSwap(s, ctxAddComplete) {
			return true
		}
	}
}

func (c *HandlerContext) findInbound(mask int) *HandlerContext {
	ctx := c
	for {
		ctx = ctx.next.Load()
		if ctx.mask&mask != 0 {
			return ctx
		}
	}
}

func (c *HandlerContext) findOutbound(mask int) *HandlerContext {
	ctx := c
	for {
		ctx = ctx.prev.Load()
		if ctx.mask&mask != 0 {
			return ctx
		}
	}
}

// inLoop reports whether an event for this channel may run on the calling
// goroutine. Channels without a loop dispatch inline.
func (c *HandlerContext) inLoop() (concurrency.EventExecutor, bool) {
	exec := c.pipeline.ch.executor()
	return exec, exec == nil || exec.InEventLoop()
}

// dispatch runs task on the event loop. Failures to enqueue are logged.
func (c *HandlerContext) dispatch(event string, task func()) {
	exec, ok := c.inLoop()
	if ok {
		task()
		return
	}
	if err := exec.Execute(task); err != nil {
		Logger().Warn().Err(err).Str("handler", c.name).Str("event", event).Msg("event dropped, event loop rejected it")
	}
}

func (c *HandlerContext) recoverInbound(event string) {
	if r := recover(); r != nil {
		c.invokeExceptionCaught(api.HandlerError(c.name, event, api.FromPanic(r)))
	}
}

func (c *HandlerContext) recoverOutbound(event string, p *ChannelPromise) {
	if r := recover(); r != nil {
		p.TryFailure(api.HandlerError(c.name, event, api.FromPanic(r)))
	}
}

// Inbound.

func (c *HandlerContext) FireChannelRegistered() *HandlerContext {
	next := c.findInbound(maskChannelRegistered)
	next.dispatch("channelRegistered", next.invokeChannelRegistered)
	return c
}

func (c *HandlerContext) invokeChannelRegistered() {
	if !c.invokeHandler() {
		c.FireChannelRegistered()
		return
	}
	defer c.recoverInbound("channelRegistered")
	c.handler.(ChannelRegisteredHandler).ChannelRegistered(c)
}

func (c *HandlerContext) FireChannelUnregistered() *HandlerContext {
	next := c.findInbound(maskChannelUnregistered)
	next.dispatch("channelUnregistered", next.invokeChannelUnregistered)
	return c
}

func (c *HandlerContext) invokeChannelUnregistered() {
	if !c.invokeHandler() {
		c.FireChannelUnregistered()
		return
	}
	defer c.recoverInbound("channelUnregistered")
	c.handler.(ChannelUnregisteredHandler).ChannelUnregistered(c)
}

func (c *HandlerContext) FireChannelActive() *HandlerContext {
	next := c.findInbound(maskChannelActive)
	next.dispatch("channelActive", next.invokeChannelActive)
	return c
}

func (c *HandlerContext) invokeChannelActive() {
	if !c.invokeHandler() {
		c.FireChannelActive()
		return
	}
	defer c.recoverInbound("channelActive")
	c.handler.(ChannelActiveHandler).ChannelActive(c)
}

func (c *HandlerContext) FireChannelInactive() *HandlerContext {
	next := c.findInbound(maskChannelInactive)
	next.dispatch("channelInactive", next.invokeChannelInactive)
	return c
}

func (c *HandlerContext) invokeChannelInactive() {
	if !c.invokeHandler() {
		c.FireChannelInactive()
		return
	}
	defer c.recoverInbound("channelInactive")
	c.handler.(ChannelInactiveHandler).ChannelInactive(c)
}

// FireChannelRead passes msg on. Ownership of reference-counted messages moves
// with them.
func (c *HandlerContext) FireChannelRead(msg any) *HandlerContext {
	next := c.findInbound(maskChannelRead)
	if exec, ok := next.inLoop(); ok {
		next.invokeChannelRead(msg)
	} else if err := exec.Execute(func() { next.invokeChannelRead(msg) }); err != nil {
		api.SafeRelease(msg)
		Logger().Warn().Err(err).Str("handler", next.name).Msg("inbound message dropped, event loop rejected it")
	}
	return c
}

func (c *HandlerContext) invokeChannelRead(msg any) {
	if !c.invokeHandler() {
		c.FireChannelRead(msg)
		return
	}
	defer c.recoverInbound("channelRead")
	c.handler.(ChannelReadHandler).ChannelRead(c, msg)
}

func (c *HandlerContext) FireChannelReadComplete() *HandlerContext {
	next := c.findInbound(maskChannelReadComplete)
	next.dispatch("channelReadComplete", next.invokeChannelReadComplete)
	return c
}

func (c *HandlerContext) invokeChannelReadComplete() {
	if !c.invokeHandler() {
		c.FireChannelReadComplete()
		return
	}
	defer c.recoverInbound("channelReadComplete")
	c.handler.(ChannelReadCompleteHandler).ChannelReadComplete(c)
}

func (c *HandlerContext) FireUserEventTriggered(evt any) *HandlerContext {
	next := c.findInbound(maskUserEventTriggered)
	next.dispatch("userEventTriggered", func() { next.invokeUserEventTriggered(evt) })
	return c
}

func (c *HandlerContext) invokeUserEventTriggered(evt any) {
	if !c.invokeHandler() {
		c.FireUserEventTriggered(evt)
		return
	}
	defer c.recoverInbound("userEventTriggered")
	c.handler.(UserEventHandler).UserEventTriggered(c, evt)
}

func (c *HandlerContext) FireChannelWritabilityChanged() *HandlerContext {
	next := c.findInbound(maskChannelWritabilityChanged)
	next.dispatch("channelWritabilityChanged", next.invokeChannelWritabilityChanged)
	return c
}

func (c *HandlerContext) invokeChannelWritabilityChanged() {
	if !c.invokeHandler() {
		c.FireChannelWritabilityChanged()
		return
	}
	defer c.recoverInbound("channelWritabilityChanged")
	c.handler.(WritabilityChangedHandler).ChannelWritabilityChanged(c)
}

func (c *HandlerContext) FireExceptionCaught(err error) *HandlerContext {
	next := c.findInbound(maskExceptionCaught)
	next.dispatch("exceptionCaught", func() { next.invokeExceptionCaught(err) })
	return c
}

// invokeExceptionCaught never re-enters exceptionCaught: a panic raised by the
// handler itself is logged and dropped.
func (c *HandlerContext) invokeExceptionCaught(err error) {
	if !c.invokeHandler() || c.mask&maskExceptionCaught == 0 {
		c.FireExceptionCaught(err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			Logger().Warn().
				Str("handler", c.name).
				AnErr("cause", err).
				Interface("panic", r).
				Msg("exceptionCaught panicked while handling an error")
		}
	}()
	c.handler.(ExceptionHandler).ExceptionCaught(c, err)
}

// Outbound. A nil promise argument creates a new one. The promise is returned.

func (c *HandlerContext) promise(p *ChannelPromise) (*ChannelPromise, bool) {
	ch := c.pipeline.ch
	if p == nil {
		return NewChannelPromise(ch), true
	}
	if err := validPromise(ch, p); err != nil {
		return NewFailedChannelPromise(ch, err), false
	}
	if p.IsDone() {
		return p, false
	}
	return p, true
}

// outbound runs task on the loop or fails p when the loop rejects it.
func (c *HandlerContext) outbound(p *ChannelPromise, task func()) {
	exec, ok := c.inLoop()
	if ok {
		task()
		return
	}
	if err := exec.Execute(task); err != nil {
		p.TryFailure(err)
	}
}

func (c *HandlerContext) Bind(local net.Addr, p *ChannelPromise) *ChannelPromise {
	p, ok := c.promise(p)
	if !ok {
		return p
	}
	next := c.findOutbound(maskBind)
	next.outbound(p, func() { next.invokeBind(local, p) })
	return p
}

func (c *HandlerContext) invokeBind(local net.Addr, p *ChannelPromise) {
	if !c.invokeHandler() {
		c.Bind(local, p)
		return
	}
	defer c.recoverOutbound("bind", p)
	c.handler.(BindHandler).Bind(c, local, p)
}

func (c *HandlerContext) Connect(remote, local net.Addr, p *ChannelPromise) *ChannelPromise {
	p, ok := c.promise(p)
	if !ok {
		return p
	}
	next := c.findOutbound(maskConnect)
	next.outbound(p, func() { next.invokeConnect(remote, local, p) })
	return p
}

func (c *HandlerContext) invokeConnect(remote, local net.Addr, p *ChannelPromise) {
	if !c.invokeHandler() {
		c.Connect(remote, local, p)
		return
	}
	defer c.recoverOutbound("connect", p)
	c.handler.(ConnectHandler).Connect(c, remote, local, p)
}

// Disconnect turns into Close for transports without a distinct disconnect.
func (c *HandlerContext) Disconnect(p *ChannelPromise) *ChannelPromise {
	if !c.pipeline.ch.transport.Metadata().HasDisconnect {
		return c.Close(p)
	}
	p, ok := c.promise(p)
	if !ok {
		return p
	}
	next := c.findOutbound(maskDisconnect)
	next.outbound(p, func() { next.invokeDisconnect(p) })
	return p
}

func (c *HandlerContext) invokeDisconnect(p *ChannelPromise) {
	if !c.invokeHandler() {
		c.Disconnect(p)
		return
	}
	defer c.recoverOutbound("disconnect", p)
	c.handler.(DisconnectHandler).Disconnect(c, p)
}

func (c *HandlerContext) Close(p *ChannelPromise) *ChannelPromise {
	p, ok := c.promise(p)
	if !ok {
		return p
	}
	next := c.findOutbound(maskClose)
	next.outbound(p, func() { next.invokeClose(p) })
	return p
}

func (c *HandlerContext) invokeClose(p *ChannelPromise) {
	if !c.invokeHandler() {
		c.Close(p)
		return
	}
	defer c.recoverOutbound("close", p)
	c.handler.(CloseHandler).Close(c, p)
}

func (c *HandlerContext) Deregister(p *ChannelPromise) *ChannelPromise {
	p, ok := c.promise(p)
	if !ok {
		return p
	}
	next := c.findOutbound(maskDeregister)
	next.outbound(p, func() { next.invokeDeregister(p) })
	return p
}

func (c *HandlerContext) invokeDeregister(p *ChannelPromise) {
	if !c.invokeHandler() {
		c.Deregister(p)
		return
	}
	defer c.recoverOutbound("deregister", p)
	c.handler.(DeregisterHandler).Deregister(c, p)
}

// Read requests more inbound data.
func (c *HandlerContext) Read() *HandlerContext {
	next := c.findOutbound(maskRead)
	next.dispatch("read", next.invokeRead)
	return c
}

func (c *HandlerContext) invokeRead() {
	if !c.invokeHandler() {
		c.Read()
		return
	}
	defer c.recoverInbound("read")
	c.handler.(ReadHandler).Read(c)
}

// Write queues msg without flushing it.
func (c *HandlerContext) Write(msg any, p *ChannelPromise) *ChannelPromise {
	return c.write(msg, false, p)
}

// WriteAndFlush queues msg and flushes.
func (c *HandlerContext) WriteAndFlush(msg any, p *ChannelPromise) *ChannelPromise {
	return c.write(msg, true, p)
}

func (c *HandlerContext) write(msg any, flush bool, p *ChannelPromise) *ChannelPromise {
	p, ok := c.promise(p)
	if !ok {
		api.SafeRelease(msg)
		return p
	}
	mask := maskWrite
	if flush {
		mask |= maskFlush
	}
	next := c.findOutbound(mask)
	if exec, in := next.inLoop(); in {
		next.invokeWrite(msg, flush, p)
	} else if err := exec.Execute(func() { next.invokeWrite(msg, flush, p) }); err != nil {
		api.SafeRelease(msg)
		p.TryFailure(err)
	}
	return p
}

// invokeWrite delivers a write, and for WriteAndFlush the flush after it. The
// context may implement only one of the two; the other is forwarded.
func (c *HandlerContext) invokeWrite(msg any, flush bool, p *ChannelPromise) {
	if !c.invokeHandler() {
		c.write(msg, flush, p)
		return
	}
	if c.mask&maskWrite != 0 {
		c.invokeWrite0(msg, p)
	} else {
		c.write(msg, false, p)
	}
	if !flush {
		return
	}
	if c.mask&maskFlush != 0 {
		c.invokeFlush0()
	} else {
		c.Flush()
	}
}

func (c *HandlerContext) invokeWrite0(msg any, p *ChannelPromise) {
	defer c.recoverOutbound("write", p)
	c.handler.(WriteHandler).Write(c, msg, p)
}

// Flush asks the transport to write everything queued so far.
func (c *HandlerContext) Flush() *HandlerContext {
	next := c.findOutbound(maskFlush)
	next.dispatch("flush", next.invokeFlush)
	return c
}

func (c *HandlerContext) invokeFlush() {
	if !c.invokeHandler() {
		c.Flush()
		return
	}
	c.invokeFlush0()
}

func (c *HandlerContext) invokeFlush0() {
	defer c.recoverInbound("flush")
	c.handler.(FlushHandler).Flush(c)
}
