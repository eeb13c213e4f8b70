// File: channel/channel.go
// License: Apache-2.0

package channel

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/concurrency"
)

// Channel is a connection or listener driven by one event loop. Its public
// operations may be called from any goroutine; they travel through the
// pipeline from the tail and complete their promise on the event loop.
type Channel struct {
	id        ID
	parent    *Channel
	transport Transport
	config    *Config
	pipeline  *Pipeline
	attrs     AttributeMap
	unsafe    *Unsafe

	loop  atomic.Pointer[EventLoop]
	state atomic.Int32

	registerAttempted atomic.Bool
	registered        atomic.Bool
	outbound          atomic.Pointer[OutboundBuffer]
	closePromise      *ChannelPromise

	// Event loop only.
	closeInitiated  bool
	closeCause      error
	draining        bool
	drainPromise    *ChannelPromise
	drainTimer      *concurrency.ScheduledFuture
	connectPromise  *ChannelPromise
	connectTimeout  *concurrency.ScheduledFuture
	requestedRemote net.Addr
	inFlush         bool
	recvHandle      RecvHandle
}

// New creates an unregistered channel over t. parent is the server channel
// that accepted it, or nil.
func New(t Transport, parent *Channel) *Channel {
	c := &Channel{id: NewID(), parent: parent, transport: t}
	c.config = newConfig(c, t.Metadata())
	c.outbound.Store(newOutboundBuffer(c))
	c.unsafe = &Unsafe{ch: c}
	c.pipeline = newPipeline(c)
	c.closePromise = NewChannelPromise(c)
	c.closePromise.SetUncancellable()
	return c
}

func (c *Channel) ID() ID                  { return c.id }
func (c *Channel) Parent() *Channel        { return c.parent }
func (c *Channel) Transport() Transport    { return c.transport }
func (c *Channel) Config() *Config         { return c.config }
func (c *Channel) Pipeline() *Pipeline     { return c.pipeline }
func (c *Channel) Attrs() *AttributeMap    { return &c.attrs }
func (c *Channel) Unsafe() *Unsafe         { return c.unsafe }
func (c *Channel) LocalAddress() net.Addr  { return c.transport.LocalAddress() }
func (c *Channel) RemoteAddress() net.Addr { return c.transport.RemoteAddress() }
func (c *Channel) IsOpen() bool            { return c.transport.IsOpen() }
func (c *Channel) IsActive() bool          { return c.transport.IsActive() }
func (c *Channel) IsRegistered() bool      { return c.registered.Load() }

// EventLoop returns the loop the channel is bound to, or nil before Register.
func (c *Channel) EventLoop() EventLoop {
	if l := c.loop.Load(); l != nil {
		return *l
	}
	return nil
}

func (c *Channel) executor() concurrency.EventExecutor {
	if l := c.loop.Load(); l != nil {
		return *l
	}
	return nil
}

// CloseFuture completes once the channel is closed. It cannot be completed or
// cancelled by callers.
func (c *Channel) CloseFuture() concurrency.Future[struct{}] { return c.closePromise.Promise }

// NewPromise creates a pending promise for the channel.
func (c *Channel) NewPromise() *ChannelPromise { return NewChannelPromise(c) }

// NewProgressivePromise returns a promise reporting write progress.
func (c *Channel) NewProgressivePromise() *ChannelPromise { return NewChannelProgressivePromise(c) }

// IsWritable reports whether writes are accepted without exceeding the high
// watermark. Closed channels are not writable.
func (c *Channel) IsWritable() bool {
	ob := c.outbound.Load()
	return ob != nil && ob.IsWritable()
}

// BytesBeforeUnwritable returns the bytes that can be queued before the
// channel turns unwritable.
func (c *Channel) BytesBeforeUnwritable() int64 {
	if ob := c.outbound.Load(); ob != nil {
		return ob.BytesBeforeUnwritable()
	}
	return 0
}

// BytesBeforeWritable returns the bytes that must drain before the channel
// turns writable.
func (c *Channel) BytesBeforeWritable() int64 {
	if ob := c.outbound.Load(); ob != nil {
		return ob.BytesBeforeWritable()
	}
	return 0
}

func (c *Channel) Bind(local net.Addr) *ChannelPromise { return c.pipeline.Bind(local) }

func (c *Channel) Connect(remote net.Addr) *ChannelPromise {
	return c.pipeline.Connect(remote, nil)
}

func (c *Channel) ConnectFrom(remote, local net.Addr) *ChannelPromise {
	return c.pipeline.Connect(remote, local)
}

func (c *Channel) Disconnect() *ChannelPromise { return c.pipeline.Disconnect() }
func (c *Channel) Close() *ChannelPromise      { return c.pipeline.Close() }
func (c *Channel) Deregister() *ChannelPromise { return c.pipeline.Deregister() }

func (c *Channel) Write(msg any) *ChannelPromise         { return c.pipeline.Write(msg) }
func (c *Channel) WriteAndFlush(msg any) *ChannelPromise { return c.pipeline.WriteAndFlush(msg) }

func (c *Channel) Flush() *Channel {
	c.pipeline.Flush()
	return c
}

// Read requests inbound data. With auto-read on it is issued automatically.
func (c *Channel) Read() *Channel {
	c.pipeline.Read()
	return c
}

func (c *Channel) String() string {
	local, remote := c.LocalAddress(), c.RemoteAddress()
	switch {
	case remote != nil:
		arrow := "-"
		if !c.IsActive() {
			arrow = "!"
		}
		return fmt.Sprintf("[id: %s, L:%v %s R:%v]", c.id.Short(), local, arrow, remote)
	case local != nil:
		return fmt.Sprintf("[id: %s, L:%v]", c.id.Short(), local)
	}
	return fmt.Sprintf("[id: %s]", c.id.Short())
}

// invokeLater runs task on the event loop after the current task. Channels
// without a loop run it inline.
func (c *Channel) invokeLater(task func()) {
	exec := c.executor()
	if exec == nil {
		task()
		return
	}
	if err := exec.Execute(task); err != nil {
		Logger().Warn().Err(err).Str("channel", c.String()).Msg("cannot invoke task later, event loop rejected it")
	}
}

// onLoop runs task now when on the event loop, later otherwise.
func (c *Channel) onLoop(task func()) {
	if exec := c.executor(); exec == nil || exec.InEventLoop() {
		task()
		return
	}
	c.invokeLater(task)
}

func (c *Channel) clearReadPending() {
	r, ok := c.transport.(ReadPendingClearer)
	if !ok {
		return
	}
	c.onLoop(r.ClearReadPending)
}

// onWaterMarkChanged re-evaluates writability against new thresholds.
func (c *Channel) onWaterMarkChanged() {
	c.onLoop(func() {
		ob := c.outbound.Load()
		if ob == nil {
			return
		}
		wm := c.config.WriteBufferWaterMark()
		switch total := ob.TotalPendingWriteBytes(); {
		case total > int64(wm.High):
			ob.setUnwritable(false)
		case total < int64(wm.Low):
			ob.setWritable(false)
		}
	})
}

// closedError describes why writes to a closed channel fail.
func (c *Channel) closedError() error {
	if c.closeCause != nil {
		return fmt.Errorf("%w: %w", api.ErrChannelClosed, c.closeCause)
	}
	return api.ErrChannelClosed
}

func (c *Channel) assertInLoop() {
	if !AssertEventLoop {
		return
	}
	if exec := c.executor(); exec != nil && !exec.InEventLoop() {
		panic(fmt.Sprintf("hioload: channel %s accessed off its event loop", c))
	}
}

