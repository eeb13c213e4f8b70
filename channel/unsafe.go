// File: channel/unsafe.go
// License: Apache-2.0
//
// Unsafe carries out channel operations against the transport. The pipeline
// head calls it; transports call it to report I/O progress. Every method must
// run on the channel's event loop, except Register.

package channel

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/concurrency"
)

// Unsafe is the transport-facing half of a Channel.
type Unsafe struct {
	ch *Channel
}

// Register binds the channel to loop. Registration is attempted at most once;
// later attempts fail p with api.ErrAlreadyRegistered.
func (u *Unsafe) Register(loop EventLoop, p *ChannelPromise) {
	ch := u.ch
	if loop == nil {
		p.TryFailure(api.ErrNilEventLoop)
		return
	}
	if !ch.transport.IsCompatible(loop) {
		p.TryFailure(fmt.Errorf("%w: %T", api.ErrIncompatibleEventLoop, loop))
		return
	}
	if !ch.registerAttempted.CompareAndSwap(false, true) {
		Logger().Error().Str("channel", ch.String()).Msg("registration rejected, channel already registered")
		p.TryFailure(api.ErrAlreadyRegistered)
		return
	}
	ch.loop.Store(&loop)
	if loop.InEventLoop() {
		u.register0(p)
		return
	}
	if err := loop.Execute(func() { u.register0(p) }); err != nil {
		Logger().Warn().Err(err).Str("channel", ch.String()).Msg("force-closing a channel whose registration task was not accepted by an event loop")
		u.CloseForcibly()
		ch.pipeline.releaseHandlers()
		ch.closePromise.Success()
		p.TryFailure(err)
	}
}

func (u *Unsafe) register0(p *ChannelPromise) {
	ch := u.ch
	if !p.SetUncancellable() {
		return
	}
	if !u.ensureOpen(p) {
		ch.pipeline.releaseHandlers()
		return
	}
	if err := ch.transport.DoRegister(ch); err != nil {
		u.CloseForcibly()
		ch.pipeline.releaseHandlers()
		ch.closePromise.Success()
		p.TryFailure(err)
		return
	}
	ch.registered.Store(true)
	ch.advance(StateRegistered)
	ch.pipeline.invokeHandlerAddedIfNeeded()
	p.Success()
	if obs := currentObserver(); obs != nil {
		obs.ChannelRegistered(ch.id.String())
	}
	ch.pipeline.FireChannelRegistered()
	if ch.IsActive() {
		u.fireActive()
	}
}

// fireActive fires channelActive the first time the channel becomes active.
func (u *Unsafe) fireActive() {
	if u.ch.advance(StateActive) {
		u.ch.pipeline.FireChannelActive()
	}
}

func (u *Unsafe) ensureOpen(p *ChannelPromise) bool {
	if u.ch.IsOpen() {
		return true
	}
	p.TryFailure(u.ch.closedError())
	return false
}

func (u *Unsafe) ensureRegistered(p *ChannelPromise) bool {
	if u.ch.registered.Load() {
		return true
	}
	p.TryFailure(api.ErrNotRegistered)
	return false
}

// Bind binds the transport to local.
func (u *Unsafe) Bind(local net.Addr, p *ChannelPromise) {
	ch := u.ch
	ch.assertInLoop()
	if !p.SetUncancellable() || !u.ensureRegistered(p) || !u.ensureOpen(p) {
		return
	}
	b, ok := ch.transport.(Bindable)
	if !ok {
		p.TryFailure(fmt.Errorf("%w: bind", api.ErrNotSupported))
		return
	}
	wasActive := ch.IsActive()
	if err := b.DoBind(local); err != nil {
		p.TryFailure(err)
		u.closeIfClosed()
		return
	}
	if !wasActive && ch.IsActive() {
		ch.invokeLater(u.fireActive)
	}
	p.Success()
}

// Connect starts a connection to remote. The promise stays cancellable until
// the connection completes; cancelling it closes the channel.
func (u *Unsafe) Connect(remote, local net.Addr, p *ChannelPromise) {
	ch := u.ch
	ch.assertInLoop()
	if p.IsDone() || !u.ensureRegistered(p) || !u.ensureOpen(p) {
		return
	}
	if ch.connectPromise != nil {
		p.TryFailure(api.ErrConnectionPending)
		return
	}
	if ch.IsActive() {
		p.TryFailure(api.ErrAlreadyConnected)
		return
	}
	c, ok := ch.transport.(Connectable)
	if !ok {
		p.TryFailure(fmt.Errorf("%w: connect", api.ErrNotSupported))
		return
	}
	wasActive := ch.IsActive()
	done, err := c.DoConnect(remote, local)
	if err != nil {
		p.TryFailure(annotateConnectError(err, remote))
		u.closeIfClosed()
		return
	}
	if done {
		u.fulfillConnect(p, wasActive)
		return
	}

	ch.connectPromise = p
	ch.requestedRemote = remote
	if timeout := ch.config.ConnectTimeout(); timeout > 0 {
		ch.connectTimeout = ch.executor().Schedule(func() {
			cp := ch.connectPromise
			if cp != nil && cp.TryFailure(fmt.Errorf("%w: %v", api.ErrConnectTimeout, remote)) {
				u.Close(NewChannelPromise(ch))
			}
		}, timeout)
	}
	p.AddListener(func(f concurrency.Future[struct{}]) {
		if !f.IsCancelled() {
			return
		}
		if ch.connectTimeout != nil {
			ch.connectTimeout.Cancel()
		}
		ch.connectPromise = nil
		u.Close(NewChannelPromise(ch))
	})
}

func annotateConnectError(err error, remote net.Addr) error {
	if remote == nil {
		return err
	}
	return fmt.Errorf("connect %v: %w", remote, err)
}

// FinishConnect completes a pending connect. finish checks the outcome of the
// transport's connection attempt.
func (u *Unsafe) FinishConnect(finish func() error) {
	ch := u.ch
	ch.assertInLoop()
	p := ch.connectPromise
	if p == nil {
		return
	}
	wasActive := ch.IsActive()
	if err := finish(); err != nil {
		p.TryFailure(annotateConnectError(err, ch.requestedRemote))
		u.closeIfClosed()
	} else {
		u.fulfillConnect(p, wasActive)
	}
	if ch.connectTimeout != nil {
		ch.connectTimeout.Cancel()
		ch.connectTimeout = nil
	}
	ch.connectPromise = nil
}

func (u *Unsafe) fulfillConnect(p *ChannelPromise, wasActive bool) {
	active := u.ch.IsActive()
	set := p.TrySuccess(struct{}{})
	if !wasActive && active {
		u.fireActive()
	}
	// Cancelled in the meantime.
	if !set {
		u.Close(NewChannelPromise(u.ch))
	}
}

// Disconnect disconnects transports supporting it and closes the others.
func (u *Unsafe) Disconnect(p *ChannelPromise) {
	ch := u.ch
	ch.assertInLoop()
	d, ok := ch.transport.(Disconnectable)
	if !ok {
		u.Close(p)
		return
	}
	if !p.SetUncancellable() {
		return
	}
	wasActive := ch.IsActive()
	if err := d.DoDisconnect(); err != nil {
		p.TryFailure(err)
		u.closeIfClosed()
		return
	}
	if wasActive && !ch.IsActive() {
		ch.invokeLater(func() {
			ch.advance(StateInactive)
			ch.pipeline.FireChannelInactive()
		})
	}
	p.Success()
	u.closeIfClosed()
}

// Close closes the channel. Repeated calls complete once the first close did.
// With CloseDrainTimeout set, flushed writes get that long to drain first;
// new writes are refused meanwhile.
func (u *Unsafe) Close(p *ChannelPromise) {
	u.close(p, nil)
}

func (u *Unsafe) close(p *ChannelPromise, cause error) {
	ch := u.ch
	ch.assertInLoop()
	if !p.SetUncancellable() {
		return
	}
	if ch.closeInitiated {
		ch.closePromise.Cascade(p)
		return
	}
	ch.closeInitiated = true
	if cause != nil {
		ch.closeCause = cause
	}

	ob := ch.outbound.Load()
	exec := ch.executor()
	if timeout := ch.config.CloseDrainTimeout(); timeout > 0 && exec != nil && ob != nil && !ob.IsEmpty() && ch.IsActive() {
		ch.draining = true
		ch.drainPromise = p
		ch.drainTimer = exec.Schedule(u.finishDrain, timeout)
		return
	}
	u.doCloseNow(p)
}

func (u *Unsafe) checkDrainComplete() {
	ch := u.ch
	if !ch.draining {
		return
	}
	if ob := ch.outbound.Load(); ob == nil || ob.IsEmpty() || !ch.IsActive() {
		u.finishDrain()
	}
}

func (u *Unsafe) finishDrain() {
	ch := u.ch
	if !ch.draining {
		return
	}
	ch.draining = false
	if ch.drainTimer != nil {
		ch.drainTimer.Cancel()
		ch.drainTimer = nil
	}
	p := ch.drainPromise
	ch.drainPromise = nil
	u.doCloseNow(p)
}

func (u *Unsafe) doCloseNow(p *ChannelPromise) {
	ch := u.ch
	wasActive := ch.IsActive()
	ob := ch.outbound.Swap(nil)

	err := ch.transport.DoClose()
	if cp := ch.connectPromise; cp != nil {
		ch.connectPromise = nil
		if ch.connectTimeout != nil {
			ch.connectTimeout.Cancel()
			ch.connectTimeout = nil
		}
		cp.TryFailure(ch.closedError())
	}
	ch.closePromise.Success()
	if err != nil {
		p.TryFailure(err)
	} else {
		p.Success()
	}
	if obs := currentObserver(); obs != nil {
		obs.ChannelClosed(ch.id.String())
	}

	closedErr := ch.closedError()
	finish := func() {
		if ob != nil {
			ob.FailFlushed(closedErr, false)
			ob.Close(closedErr)
		}
		u.deregister(NewChannelPromise(ch), wasActive && !ch.IsActive())
	}
	if ch.inFlush {
		ch.invokeLater(finish)
		return
	}
	finish()
}

// CloseForcibly closes the transport without events or promises.
func (u *Unsafe) CloseForcibly() {
	if err := u.ch.transport.DoClose(); err != nil {
		Logger().Warn().Err(err).Str("channel", u.ch.String()).Msg("failed to close a channel")
	}
}

func (u *Unsafe) closeIfClosed() {
	if u.ch.IsOpen() {
		return
	}
	u.Close(NewChannelPromise(u.ch))
}

// Deregister detaches the channel from its event loop.
func (u *Unsafe) Deregister(p *ChannelPromise) {
	u.ch.assertInLoop()
	u.deregister(p, false)
}

func (u *Unsafe) deregister(p *ChannelPromise, fireInactive bool) {
	ch := u.ch
	if !p.SetUncancellable() {
		return
	}
	if !ch.registered.Load() {
		if !ch.IsOpen() {
			ch.advance(StateClosed)
			ch.pipeline.releaseHandlers()
		}
		p.Success()
		return
	}
	// Later, so handlers still running for the current event finish first.
	ch.invokeLater(func() {
		if err := ch.transport.DoDeregister(); err != nil {
			Logger().Warn().Err(err).Str("channel", ch.String()).Msg("unexpected error on deregister")
		}
		if fireInactive {
			ch.advance(StateInactive)
			ch.pipeline.FireChannelInactive()
		}
		if ch.registered.CompareAndSwap(true, false) {
			ch.pipeline.FireChannelUnregistered()
		}
		if !ch.IsOpen() {
			ch.advance(StateClosed)
		}
		p.Success()
	})
}

// BeginRead declares read interest to the transport.
func (u *Unsafe) BeginRead() {
	ch := u.ch
	ch.assertInLoop()
	if !ch.IsActive() {
		return
	}
	r, ok := ch.transport.(Readable)
	if !ok {
		return
	}
	if err := r.DoBeginRead(); err != nil {
		ch.invokeLater(func() { ch.pipeline.FireExceptionCaught(err) })
		u.Close(NewChannelPromise(ch))
	}
}

// Write queues msg in the outbound buffer.
func (u *Unsafe) Write(msg any, p *ChannelPromise) {
	ch := u.ch
	ch.assertInLoop()
	ob := ch.outbound.Load()
	if ob == nil || ch.draining {
		p.TryFailure(ch.closedError())
		api.SafeRelease(msg)
		return
	}
	w, ok := ch.transport.(Writable)
	if !ok {
		p.TryFailure(fmt.Errorf("%w: write", api.ErrNotSupported))
		api.SafeRelease(msg)
		return
	}
	filtered, err := w.FilterOutbound(msg)
	if err != nil {
		p.TryFailure(err)
		api.SafeRelease(msg)
		return
	}
	ob.AddMessage(filtered, ch.config.MessageSizeEstimator().Size(filtered), p)
}

// Flush marks queued messages flushed and writes them.
func (u *Unsafe) Flush() {
	ch := u.ch
	ch.assertInLoop()
	ob := ch.outbound.Load()
	if ob == nil {
		return
	}
	ob.AddFlush()
	u.flush0()
}

// ForceFlush retries writing flushed messages, typically once the transport
// became writable again.
func (u *Unsafe) ForceFlush() {
	u.ch.assertInLoop()
	u.flush0()
}

func (u *Unsafe) flush0() {
	ch := u.ch
	if ch.inFlush {
		return
	}
	ob := ch.outbound.Load()
	if ob == nil || ob.IsEmpty() {
		u.checkDrainComplete()
		return
	}
	ch.inFlush = true
	u.doFlush(ob)
	ch.inFlush = false
	u.checkDrainComplete()
}

func (u *Unsafe) doFlush(ob *OutboundBuffer) {
	ch := u.ch
	if !ch.IsActive() {
		if ch.IsOpen() {
			ob.FailFlushed(api.ErrNotYetConnected, true)
		} else {
			ob.FailFlushed(ch.closedError(), false)
		}
		return
	}
	w, ok := ch.transport.(Writable)
	if !ok {
		ob.FailFlushed(fmt.Errorf("%w: write", api.ErrNotSupported), true)
		return
	}
	if err := w.DoWrite(ob); err != nil {
		if ch.config.AutoClose() {
			u.close(NewChannelPromise(ch), err)
			return
		}
		ob.FailFlushed(err, true)
	}
}

// OutboundBuffer returns the channel's outbound buffer, or nil once closed.
func (u *Unsafe) OutboundBuffer() *OutboundBuffer {
	return u.ch.outbound.Load()
}

// RecvHandle returns the channel's receive handle, created on first use.
func (u *Unsafe) RecvHandle() RecvHandle {
	if u.ch.recvHandle == nil {
		u.ch.recvHandle = u.ch.config.RecvAllocator().NewHandle()
	}
	return u.ch.recvHandle
}

// ReadBytes runs one read pass for byte stream transports. read fills p and
// returns the byte count; io.EOF marks the end of the stream and any other
// error is reported through exceptionCaught. Both close the channel. The pass
// stops as soon as a handler closes the channel.
func (u *Unsafe) ReadBytes(read func(p []byte) (int, error)) {
	ch := u.ch
	ch.assertInLoop()
	pipeline := ch.pipeline
	h := u.RecvHandle()
	h.Reset(ch.config)
	alloc := ch.config.Allocator()

	var (
		readErr error
		eof     bool
	)
	for ch.IsOpen() {
		buf := h.Allocate(alloc)
		h.SetAttemptedBytesRead(buf.WritableBytes())
		n, err := read(buf.WritableSlice())
		if n > 0 {
			// read filled at most the writable slice.
			buf.SetWriterIndex(buf.WriterIndex() + n)
		}
		h.SetLastBytesRead(n)
		if n <= 0 {
			buf.Release()
		} else {
			h.IncMessagesRead(1)
			if obs := currentObserver(); obs != nil {
				obs.BytesRead(ch.id.String(), n)
			}
			pipeline.FireChannelRead(buf)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				eof = true
			} else {
				readErr = err
			}
			break
		}
		if n <= 0 || !h.ContinueReading() {
			break
		}
	}
	h.ReadComplete()
	pipeline.FireChannelReadComplete()
	if readErr != nil {
		pipeline.FireExceptionCaught(readErr)
	}
	if (eof || readErr != nil) && ch.IsOpen() {
		u.Close(NewChannelPromise(ch))
	}
}

// ReadMessages runs one read pass for message transports. read returns the
// next message, or nil when none is ready.
func (u *Unsafe) ReadMessages(read func() (any, error)) {
	ch := u.ch
	ch.assertInLoop()
	h := u.RecvHandle()
	h.Reset(ch.config)

	var (
		msgs    []any
		readErr error
		closed  bool
	)
	for {
		msg, err := read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				closed = true
			} else {
				readErr = err
			}
			break
		}
		if msg == nil {
			break
		}
		msgs = append(msgs, msg)
		h.IncMessagesRead(1)
		if !h.ContinueReading() {
			break
		}
	}
	for _, m := range msgs {
		ch.pipeline.FireChannelRead(m)
	}
	h.ReadComplete()
	ch.pipeline.FireChannelReadComplete()
	if readErr != nil {
		ch.pipeline.FireExceptionCaught(readErr)
	}
	if closed && ch.IsOpen() {
		u.Close(NewChannelPromise(ch))
	}
}
