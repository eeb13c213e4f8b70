// File: channel/pipeline.go
// License: Apache-2.0
//
// Pipeline is the ordered handler chain of one channel, kept as a doubly
// linked list between a head and a tail sentinel.

package channel

import (
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"

	"github.com/momentics/hioload-nio/api"
)

const (
	headName = "HeadContext#0"
	tailName = "TailContext#0"
)

// Pointer handlers currently in some pipeline, for the non-sharable check.
// Entries are dropped when the handler is removed, when the pipeline is
// destroyed and when the channel fails or is closed before registering.
var addedHandlers sync.Map

func trackHandler(h Handler) error {
	if isSharable(h) || !isPointer(h) {
		return nil
	}
	if _, loaded := addedHandlers.LoadOrStore(h, struct{}{}); loaded {
		return fmt.Errorf("%w: %T", api.ErrHandlerNotSharable, h)
	}
	return nil
}

func untrackHandler(h Handler) {
	if !isSharable(h) && isPointer(h) {
		addedHandlers.Delete(h)
	}
}

// sameHandler compares handlers without panicking on non-comparable types.
func sameHandler(a, b Handler) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

func isPointer(h Handler) bool {
	t := reflect.TypeOf(h)
	return t != nil && t.Kind() == reflect.Pointer
}

type pendingCallback struct {
	ctx   *HandlerContext
	added bool
}

// Pipeline is safe for concurrent mutation. Handler callbacks always run on
// the channel's event loop once the channel is registered.
type Pipeline struct {
	ch   *Channel
	head *HandlerContext
	tail *HandlerContext

	mu                sync.Mutex
	registered        bool
	firstRegistration bool
	released          bool
	pending           []pendingCallback
}

func newPipeline(ch *Channel) *Pipeline {
	p := &Pipeline{ch: ch, firstRegistration: true}
	p.head = newHandlerContext(p, headName, &headHandler{})
	p.tail = newHandlerContext(p, tailName, tailHandler{})
	p.head.next.Store(p.tail)
	p.tail.prev.Store(p.head)
	p.head.setAddComplete()
	p.tail.setAddComplete()
	return p
}

// Channel returns the owning channel.
func (p *Pipeline) Channel() *Channel { return p.ch }

// AddFirst inserts h right after the head. An empty name is generated from
// the handler type.
func (p *Pipeline) AddFirst(name string, h Handler) error {
	return p.add(name, h, func(ctx *HandlerContext) error {
		p.linkAfter(p.head, ctx)
		return nil
	})
}

// AddLast inserts h right before the tail.
func (p *Pipeline) AddLast(name string, h Handler) error {
	return p.add(name, h, func(ctx *HandlerContext) error {
		p.linkAfter(p.tail.prev.Load(), ctx)
		return nil
	})
}

// AddBefore inserts h before the handler named base.
func (p *Pipeline) AddBefore(base, name string, h Handler) error {
	return p.add(name, h, func(ctx *HandlerContext) error {
		b := p.context0(base)
		if b == nil {
			return fmt.Errorf("%w: %q", api.ErrHandlerNotFound, base)
		}
		p.linkAfter(b.prev.Load(), ctx)
		return nil
	})
}

// AddAfter inserts h after the handler named base.
func (p *Pipeline) AddAfter(base, name string, h Handler) error {
	return p.add(name, h, func(ctx *HandlerContext) error {
		b := p.context0(base)
		if b == nil {
			return fmt.Errorf("%w: %q", api.ErrHandlerNotFound, base)
		}
		p.linkAfter(b, ctx)
		return nil
	})
}

func (p *Pipeline) add(name string, h Handler, link func(*HandlerContext) error) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler", api.ErrInvalidArgument)
	}
	p.mu.Lock()
	if name == "" {
		name = p.generateName(h)
	} else if p.context0(name) != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q", api.ErrDuplicateHandlerName, name)
	}
	if err := trackHandler(h); err != nil {
		p.mu.Unlock()
		return err
	}
	ctx := newHandlerContext(p, name, h)
	if err := link(ctx); err != nil {
		untrackHandler(h)
		p.mu.Unlock()
		return err
	}
	p.scheduleCallback(ctx, true)
	return nil
}

// scheduleCallback runs the added or removed callback for ctx. It is entered
// with p.mu held and releases it.
func (p *Pipeline) scheduleCallback(ctx *HandlerContext, added bool) {
	call := func() {
		if added {
			p.callHandlerAdded(ctx)
		} else {
			p.callHandlerRemoved(ctx)
		}
	}
	if !p.registered {
		if added {
			ctx.state.Store(ctxAddPending)
		}
		p.pending = append(p.pending, pendingCallback{ctx: ctx, added: added})
		p.mu.Unlock()
		return
	}
	exec := p.ch.executor()
	if exec != nil && !exec.InEventLoop() {
		if added {
			ctx.state.Store(ctxAddPending)
		}
		p.mu.Unlock()
		if err := exec.Execute(call); err != nil {
			Logger().Warn().Err(err).Str("handler", ctx.name).Msg("handler callback dropped, event loop rejected it")
		}
		return
	}
	p.mu.Unlock()
	call()
}

func (p *Pipeline) linkAfter(prev, ctx *HandlerContext) {
	next := prev.next.Load()
	ctx.prev.Store(prev)
	ctx.next.Store(next)
	prev.next.Store(ctx)
	next.prev.Store(ctx)
}

func (p *Pipeline) unlink(ctx *HandlerContext) {
	prev, next := ctx.prev.Load(), ctx.next.Load()
	prev.next.Store(next)
	next.prev.Store(prev)
}

func (p *Pipeline) generateName(h Handler) string {
	base := strings.TrimPrefix(reflect.TypeOf(h).String(), "*")
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s#%d", base, i)
		if p.context0(name) == nil {
			return name
		}
	}
}

func (p *Pipeline) context0(name string) *HandlerContext {
	for ctx := p.head.next.Load(); ctx != p.tail; ctx = ctx.next.Load() {
		if ctx.name == name {
			return ctx
		}
	}
	return nil
}

func (p *Pipeline) callHandlerAdded(ctx *HandlerContext) {
	if !ctx.setAddComplete() {
		return
	}
	h, ok := ctx.handler.(HandlerAddedHandler)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			cause := api.FromPanic(r)
			p.mu.Lock()
			removed := ctx.prev.Load() != nil && p.context0(ctx.name) == ctx
			if removed {
				p.unlink(ctx)
			}
			p.mu.Unlock()
			if removed {
				p.callHandlerRemoved(ctx)
			}
			p.FireExceptionCaught(api.NewError(api.ErrCodeHandlerAdded, "hioload: handlerAdded failed, handler removed").
				WithContext("handler", ctx.name).
				WithCause(cause))
		}
	}()
	h.HandlerAdded(ctx)
}

func (p *Pipeline) callHandlerRemoved(ctx *HandlerContext) {
	wasAdded := ctx.state.Swap(ctxRemoveComplete) == ctxAddComplete
	untrackHandler(ctx.handler)
	if !wasAdded {
		return
	}
	h, ok := ctx.handler.(HandlerRemovedHandler)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.FireExceptionCaught(api.NewError(api.ErrCodeHandlerRemoved, "hioload: handlerRemoved failed").
				WithContext("handler", ctx.name).
				WithCause(api.FromPanic(r)))
		}
	}()
	h.HandlerRemoved(ctx)
}

// invokeHandlerAddedIfNeeded replays the callbacks queued before the first
// registration, in insertion order. Runs on the event loop.
func (p *Pipeline) invokeHandlerAddedIfNeeded() {
	p.mu.Lock()
	if !p.firstRegistration {
		p.mu.Unlock()
		return
	}
	p.firstRegistration = false
	p.registered = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, pc := range pending {
		if pc.added {
			p.callHandlerAdded(pc.ctx)
		} else {
			p.callHandlerRemoved(pc.ctx)
		}
	}
}

// Remove removes h.
func (p *Pipeline) Remove(h Handler) error {
	_, err := p.remove(func() *HandlerContext {
		for ctx := p.head.next.Load(); ctx != p.tail; ctx = ctx.next.Load() {
			if sameHandler(ctx.handler, h) {
				return ctx
			}
		}
		return nil
	}, fmt.Sprintf("%T", h))
	return err
}

// RemoveByName removes the handler named name and returns it.
func (p *Pipeline) RemoveByName(name string) (Handler, error) {
	ctx, err := p.remove(func() *HandlerContext { return p.context0(name) }, name)
	if err != nil {
		return nil, err
	}
	return ctx.handler, nil
}

// RemoveByType removes the first handler of type T.
func RemoveByType[T Handler](p *Pipeline) (T, error) {
	var zero T
	ctx, err := p.remove(func() *HandlerContext {
		for ctx := p.head.next.Load(); ctx != p.tail; ctx = ctx.next.Load() {
			if _, ok := ctx.handler.(T); ok {
				return ctx
			}
		}
		return nil
	}, fmt.Sprintf("%T", zero))
	if err != nil {
		return zero, err
	}
	return ctx.handler.(T), nil
}

// RemoveFirst removes the handler next to the head.
func (p *Pipeline) RemoveFirst() (Handler, error) {
	ctx, err := p.remove(func() *HandlerContext {
		if first := p.head.next.Load(); first != p.tail {
			return first
		}
		return nil
	}, "first")
	if err != nil {
		return nil, err
	}
	return ctx.handler, nil
}

// RemoveLast removes the handler next to the tail.
func (p *Pipeline) RemoveLast() (Handler, error) {
	ctx, err := p.remove(func() *HandlerContext {
		if last := p.tail.prev.Load(); last != p.head {
			return last
		}
		return nil
	}, "last")
	if err != nil {
		return nil, err
	}
	return ctx.handler, nil
}

func (p *Pipeline) remove(find func() *HandlerContext, what string) (*HandlerContext, error) {
	p.mu.Lock()
	ctx := find()
	if ctx == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", api.ErrHandlerNotFound, what)
	}
	p.unlink(ctx)
	p.scheduleCallback(ctx, false)
	return ctx, nil
}

// Replace swaps the handler named oldName for h under newName (oldName when
// empty) and returns the old handler.
func (p *Pipeline) Replace(oldName, newName string, h Handler) (Handler, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", api.ErrInvalidArgument)
	}
	p.mu.Lock()
	old := p.context0(oldName)
	if old == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", api.ErrHandlerNotFound, oldName)
	}
	if newName == "" {
		newName = oldName
	} else if newName != oldName && p.context0(newName) != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", api.ErrDuplicateHandlerName, newName)
	}
	if err := trackHandler(h); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	ctx := newHandlerContext(p, newName, h)
	prev := old.prev.Load()
	p.unlink(old)
	p.linkAfter(prev, ctx)
	// Events already routed to old continue to the new handler.
	old.prev.Store(ctx)
	old.next.Store(ctx)

	if !p.registered {
		ctx.state.Store(ctxAddPending)
		p.pending = append(p.pending, pendingCallback{ctx: ctx, added: true}, pendingCallback{ctx: old})
		p.mu.Unlock()
		return old.handler, nil
	}
	p.mu.Unlock()
	replace := func() {
		p.callHandlerAdded(ctx)
		p.callHandlerRemoved(old)
	}
	if exec := p.ch.executor(); exec != nil && !exec.InEventLoop() {
		ctx.state.Store(ctxAddPending)
		if err := exec.Execute(replace); err != nil {
			return old.handler, err
		}
		return old.handler, nil
	}
	replace()
	return old.handler, nil
}

// Get returns the handler named name, or nil.
func (p *Pipeline) Get(name string) Handler {
	if ctx := p.Context(name); ctx != nil {
		return ctx.handler
	}
	return nil
}

// Context returns the context of the handler named name, or nil.
func (p *Pipeline) Context(name string) *HandlerContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.context0(name)
}

// ContextOf returns the context of the first handler of type T, or nil.
func ContextOf[T Handler](p *Pipeline) *HandlerContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ctx := p.head.next.Load(); ctx != p.tail; ctx = ctx.next.Load() {
		if _, ok := ctx.handler.(T); ok {
			return ctx
		}
	}
	return nil
}

// ContextFor returns the context holding h, or nil.
func (p *Pipeline) ContextFor(h Handler) *HandlerContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ctx := p.head.next.Load(); ctx != p.tail; ctx = ctx.next.Load() {
		if sameHandler(ctx.handler, h) {
			return ctx
		}
	}
	return nil
}

// Names returns the handler names from head to tail, sentinels included.
func (p *Pipeline) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for ctx := p.head; ctx != nil; ctx = ctx.next.Load() {
		names = append(names, ctx.name)
	}
	return names
}

// First returns the handler next to the head, or nil.
func (p *Pipeline) First() Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx := p.head.next.Load(); ctx != p.tail {
		return ctx.handler
	}
	return nil
}

// Last returns the handler next to the tail, or nil.
func (p *Pipeline) Last() Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx := p.tail.prev.Load(); ctx != p.head {
		return ctx.handler
	}
	return nil
}

// Len returns the number of user handlers.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for ctx := p.head.next.Load(); ctx != p.tail; ctx = ctx.next.Load() {
		n++
	}
	return n
}

func (p *Pipeline) String() string {
	names := p.Names()
	return fmt.Sprintf("Pipeline%v", names[1:len(names)-1])
}

// releaseHandlers drops the non-sharable claims of every handler still linked,
// without callbacks. Used when the channel dies before it registered.
func (p *Pipeline) releaseHandlers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	for ctx := p.head.next.Load(); ctx != p.tail; ctx = ctx.next.Load() {
		untrackHandler(ctx.handler)
	}
}

// destroy removes every handler from tail to head after the channel was
// closed and unregistered.
func (p *Pipeline) destroy() {
	p.mu.Lock()
	var ctxs []*HandlerContext
	for ctx := p.tail.prev.Load(); ctx != p.head; ctx = ctx.prev.Load() {
		ctxs = append(ctxs, ctx)
	}
	for _, ctx := range ctxs {
		p.unlink(ctx)
	}
	p.mu.Unlock()
	for _, ctx := range ctxs {
		p.callHandlerRemoved(ctx)
	}
}

// Inbound events enter at the head.

func (p *Pipeline) FireChannelRegistered() *Pipeline {
	p.head.dispatch("channelRegistered", p.head.invokeChannelRegistered)
	return p
}

func (p *Pipeline) FireChannelUnregistered() *Pipeline {
	p.head.dispatch("channelUnregistered", p.head.invokeChannelUnregistered)
	return p
}

func (p *Pipeline) FireChannelActive() *Pipeline {
	p.head.dispatch("channelActive", p.head.invokeChannelActive)
	return p
}

func (p *Pipeline) FireChannelInactive() *Pipeline {
	p.head.dispatch("channelInactive", p.head.invokeChannelInactive)
	return p
}

func (p *Pipeline) FireChannelRead(msg any) *Pipeline {
	p.head.dispatch("channelRead", func() { p.head.invokeChannelRead(msg) })
	return p
}

func (p *Pipeline) FireChannelReadComplete() *Pipeline {
	p.head.dispatch("channelReadComplete", p.head.invokeChannelReadComplete)
	return p
}

func (p *Pipeline) FireUserEventTriggered(evt any) *Pipeline {
	p.head.dispatch("userEventTriggered", func() { p.head.invokeUserEventTriggered(evt) })
	return p
}

func (p *Pipeline) FireChannelWritabilityChanged() *Pipeline {
	p.head.dispatch("channelWritabilityChanged", p.head.invokeChannelWritabilityChanged)
	return p
}

func (p *Pipeline) FireExceptionCaught(err error) *Pipeline {
	p.head.dispatch("exceptionCaught", func() { p.head.invokeExceptionCaught(err) })
	return p
}

// Outbound operations enter at the tail.

func (p *Pipeline) Bind(local net.Addr) *ChannelPromise { return p.tail.Bind(local, nil) }

func (p *Pipeline) Connect(remote, local net.Addr) *ChannelPromise {
	return p.tail.Connect(remote, local, nil)
}

func (p *Pipeline) Disconnect() *ChannelPromise { return p.tail.Disconnect(nil) }
func (p *Pipeline) Close() *ChannelPromise      { return p.tail.Close(nil) }
func (p *Pipeline) Deregister() *ChannelPromise { return p.tail.Deregister(nil) }

func (p *Pipeline) Write(msg any) *ChannelPromise         { return p.tail.Write(msg, nil) }
func (p *Pipeline) WriteAndFlush(msg any) *ChannelPromise { return p.tail.WriteAndFlush(msg, nil) }

func (p *Pipeline) Flush() *Pipeline {
	p.tail.Flush()
	return p
}

func (p *Pipeline) Read() *Pipeline {
	p.tail.Read()
	return p
}

// headHandler bridges outbound operations to the channel's Unsafe.
type headHandler struct{}

func (headHandler) unsafe(ctx *HandlerContext) *Unsafe { return ctx.pipeline.ch.unsafe }

func (h *headHandler) Bind(ctx *HandlerContext, local net.Addr, p *ChannelPromise) {
	h.unsafe(ctx).Bind(local, p)
}

func (h *headHandler) Connect(ctx *HandlerContext, remote, local net.Addr, p *ChannelPromise) {
	h.unsafe(ctx).Connect(remote, local, p)
}

func (h *headHandler) Disconnect(ctx *HandlerContext, p *ChannelPromise) {
	h.unsafe(ctx).Disconnect(p)
}

func (h *headHandler) Close(ctx *HandlerContext, p *ChannelPromise) { h.unsafe(ctx).Close(p) }

func (h *headHandler) Deregister(ctx *HandlerContext, p *ChannelPromise) {
	h.unsafe(ctx).Deregister(p)
}

func (h *headHandler) Read(ctx *HandlerContext) { h.unsafe(ctx).BeginRead() }

func (h *headHandler) Write(ctx *HandlerContext, msg any, p *ChannelPromise) {
	h.unsafe(ctx).Write(msg, p)
}

func (h *headHandler) Flush(ctx *HandlerContext) { h.unsafe(ctx).Flush() }

func (h *headHandler) ExceptionCaught(ctx *HandlerContext, err error) { ctx.FireExceptionCaught(err) }

func (h *headHandler) ChannelRegistered(ctx *HandlerContext) {
	ctx.pipeline.invokeHandlerAddedIfNeeded()
	ctx.FireChannelRegistered()
}

func (h *headHandler) ChannelUnregistered(ctx *HandlerContext) {
	ctx.FireChannelUnregistered()
	if !ctx.pipeline.ch.IsOpen() {
		ctx.pipeline.destroy()
	}
}

func (h *headHandler) ChannelActive(ctx *HandlerContext) {
	ctx.FireChannelActive()
	readIfAutoRead(ctx.pipeline.ch)
}

func (h *headHandler) ChannelInactive(ctx *HandlerContext) { ctx.FireChannelInactive() }

func (h *headHandler) ChannelRead(ctx *HandlerContext, msg any) { ctx.FireChannelRead(msg) }

func (h *headHandler) ChannelReadComplete(ctx *HandlerContext) {
	ctx.FireChannelReadComplete()
	readIfAutoRead(ctx.pipeline.ch)
}

func (h *headHandler) UserEventTriggered(ctx *HandlerContext, evt any) {
	ctx.FireUserEventTriggered(evt)
}

func (h *headHandler) ChannelWritabilityChanged(ctx *HandlerContext) {
	ctx.FireChannelWritabilityChanged()
}

func readIfAutoRead(ch *Channel) {
	if ch.config.AutoRead() {
		ch.Read()
	}
}

// tailHandler terminates inbound events nobody consumed.
type tailHandler struct{}

func (tailHandler) ChannelRegistered(*HandlerContext)         {}
func (tailHandler) ChannelUnregistered(*HandlerContext)       {}
func (tailHandler) ChannelActive(*HandlerContext)             {}
func (tailHandler) ChannelInactive(*HandlerContext)           {}
func (tailHandler) ChannelReadComplete(*HandlerContext)       {}
func (tailHandler) ChannelWritabilityChanged(*HandlerContext) {}

func (tailHandler) ChannelRead(ctx *HandlerContext, msg any) {
	if sink, ok := ctx.pipeline.ch.transport.(UnhandledSink); ok {
		sink.UnhandledInbound(msg)
		return
	}
	Logger().Debug().
		Str("channel", ctx.pipeline.ch.String()).
		Str("type", fmt.Sprintf("%T", msg)).
		Msg("discarded inbound message that reached the tail of the pipeline")
	api.SafeRelease(msg)
}

func (tailHandler) UserEventTriggered(_ *HandlerContext, evt any) {
	api.SafeRelease(evt)
}

func (tailHandler) ExceptionCaught(ctx *HandlerContext, err error) {
	if sink, ok := ctx.pipeline.ch.transport.(UnhandledSink); ok {
		sink.UnhandledException(err)
		return
	}
	Logger().Warn().
		Err(err).
		Str("channel", ctx.pipeline.ch.String()).
		Msg("exceptionCaught reached the tail of the pipeline; no handler dealt with it")
}
