// File: fake/transport.go
// License: Apache-2.0
//
// Package fake provides scriptable stand-ins for tests: a byte stream
// transport whose reads, writes and failures are driven by the test, and an
// allocator that tracks every buffer it hands out.

package fake

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/buffer"
	"github.com/momentics/hioload-nio/channel"
)

// Addr is a named fake endpoint.
type Addr string

func (Addr) Network() string  { return "fake" }
func (a Addr) String() string { return string(a) }

const (
	stateOpen int32 = iota
	stateActive
	stateClosed
)

// Unlimited write capacity.
const Unlimited = -1

// Transport is a byte stream transport driven by the test. It runs on any
// event loop. Written bytes are recorded; inbound bytes are fed with Feed.
//
// Write capacity models a socket send buffer: each DoWrite accepts at most
// the remaining capacity and then reports the transport as full until Drain
// frees more.
type Transport struct {
	ch    *channel.Channel
	state atomic.Int32

	mu             sync.Mutex
	local, remote  net.Addr
	inbound        [][]byte
	eof            bool
	readErr        error
	written        bytes.Buffer
	writeCalls     int
	capacity       int
	bindErr        error
	connectErr     error
	writeErr       error
	closeErr       error
	deferConnect   bool
	closes         int
	readRequests   int
	unhandled      []any
	unhandledError []error

	// Event loop only.
	readPending bool
	full        bool
}

var (
	_ channel.Bindable       = (*Transport)(nil)
	_ channel.Connectable    = (*Transport)(nil)
	_ channel.Disconnectable = (*Transport)(nil)
	_ channel.Readable       = (*Transport)(nil)
	_ channel.Writable       = (*Transport)(nil)
	_ channel.UnhandledSink  = (*Transport)(nil)
)

// NewTransport creates an open, inactive transport with unlimited write
// capacity.
func NewTransport() *Transport {
	return &Transport{capacity: Unlimited}
}

// NewChannel creates an unregistered channel over a new transport.
func NewChannel() (*channel.Channel, *Transport) {
	t := NewTransport()
	return t.Channel(), t
}

// Channel returns the channel over t, creating it on first use.
func (t *Transport) Channel() *channel.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		t.ch = channel.New(t, nil)
	}
	return t.ch
}

// Factory returns a channel factory for bootstraps. Each call builds a
// channel over a fresh transport; created transports are sent to seen when
// it is non-nil.
func Factory(seen chan<- *Transport) func() *channel.Channel {
	return func() *channel.Channel {
		ch, t := NewChannel()
		if seen != nil {
			seen <- t
		}
		return ch
	}
}

// FailBind makes the next binds fail with err.
func (t *Transport) FailBind(err error) { t.set(func() { t.bindErr = err }) }

// FailConnect makes connects fail with err.
func (t *Transport) FailConnect(err error) { t.set(func() { t.connectErr = err }) }

// FailWrite makes DoWrite fail with err.
func (t *Transport) FailWrite(err error) { t.set(func() { t.writeErr = err }) }

// FailClose makes DoClose report err. The transport still closes.
func (t *Transport) FailClose(err error) { t.set(func() { t.closeErr = err }) }

// DeferConnect leaves connects pending until CompleteConnect.
func (t *Transport) DeferConnect() { t.set(func() { t.deferConnect = true }) }

// SetWriteCapacity sets how many more bytes DoWrite accepts. Unlimited
// removes the bound.
func (t *Transport) SetWriteCapacity(n int) { t.set(func() { t.capacity = n }) }

func (t *Transport) set(fn func()) {
	t.mu.Lock()
	fn()
	t.mu.Unlock()
}

func (t *Transport) Metadata() channel.Metadata {
	return channel.Metadata{HasDisconnect: true}
}

func (t *Transport) IsOpen() bool   { return t.state.Load() != stateClosed }
func (t *Transport) IsActive() bool { return t.state.Load() == stateActive }

// IsCompatible accepts every loop.
func (t *Transport) IsCompatible(channel.EventLoop) bool { return true }

func (t *Transport) LocalAddress() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *Transport) RemoteAddress() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *Transport) DoRegister(ch *channel.Channel) error {
	t.mu.Lock()
	t.ch = ch
	t.mu.Unlock()
	return nil
}

func (t *Transport) DoDeregister() error { return nil }

func (t *Transport) DoBind(local net.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bindErr != nil {
		return t.bindErr
	}
	t.local = local
	return nil
}

func (t *Transport) DoConnect(remote, local net.Addr) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return false, t.connectErr
	}
	t.remote = remote
	if local != nil {
		t.local = local
	} else if t.local == nil {
		t.local = Addr("fake-local")
	}
	if t.deferConnect {
		return false, nil
	}
	t.state.Store(stateActive)
	return true, nil
}

// CompleteConnect finishes a deferred connect on the channel's loop. A nil
// err makes the channel active.
func (t *Transport) CompleteConnect(err error) error {
	ch := t.Channel()
	return ch.EventLoop().Execute(func() {
		ch.Unsafe().FinishConnect(func() error {
			if err != nil {
				return err
			}
			if !t.state.CompareAndSwap(stateOpen, stateActive) {
				return api.ErrChannelClosed
			}
			return nil
		})
	})
}

// Activate marks the transport connected without a connect call, as an
// accepted child would be.
func (t *Transport) Activate(remote net.Addr) {
	t.mu.Lock()
	t.remote = remote
	t.mu.Unlock()
	t.state.CompareAndSwap(stateOpen, stateActive)
}

func (t *Transport) DoDisconnect() error { return t.DoClose() }

func (t *Transport) DoClose() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Swap(stateClosed) == stateClosed {
		return nil
	}
	t.closes++
	return t.closeErr
}

func (t *Transport) DoBeginRead() error {
	t.mu.Lock()
	t.readRequests++
	ready := len(t.inbound) > 0 || t.eof || t.readErr != nil
	t.mu.Unlock()
	t.readPending = true
	if ready {
		return t.ch.EventLoop().Execute(t.readNow)
	}
	return nil
}

func (t *Transport) ClearReadPending() { t.readPending = false }

// Feed queues inbound bytes and delivers them on the loop if a read is
// pending. A read call never spans two slices; a slice larger than the
// receive buffer is split.
func (t *Transport) Feed(data ...[]byte) error {
	t.mu.Lock()
	for _, d := range data {
		t.inbound = append(t.inbound, bytes.Clone(d))
	}
	t.mu.Unlock()
	return t.Channel().EventLoop().Execute(t.readNow)
}

// FeedEOF ends the inbound stream once queued data is read.
func (t *Transport) FeedEOF() error {
	t.set(func() { t.eof = true })
	return t.Channel().EventLoop().Execute(t.readNow)
}

// FeedError makes the next read fail with err once queued data is read.
func (t *Transport) FeedError(err error) error {
	t.set(func() { t.readErr = err })
	return t.Channel().EventLoop().Execute(t.readNow)
}

func (t *Transport) readNow() {
	if !t.readPending || !t.IsActive() {
		return
	}
	t.readPending = false
	t.ch.Unsafe().ReadBytes(t.read)
}

func (t *Transport) read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inbound) == 0 {
		switch {
		case t.readErr != nil:
			err := t.readErr
			t.readErr = nil
			return 0, err
		case t.eof:
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, t.inbound[0])
	if n == len(t.inbound[0]) {
		t.inbound = t.inbound[1:]
	} else {
		t.inbound[0] = t.inbound[0][n:]
	}
	return n, nil
}

// FilterOutbound accepts ByteBufs and byte slices.
func (t *Transport) FilterOutbound(msg any) (any, error) {
	switch m := msg.(type) {
	case *buffer.ByteBuf:
		return m, nil
	case []byte:
		return buffer.Wrap(m), nil
	}
	return nil, fmt.Errorf("%w: %T", api.ErrUnsupportedMessage, msg)
}

// DoWrite copies flushed bytes into the record, at most WriteSpinCount
// batches. Running out of capacity marks the transport full until Drain; an
// exhausted spin count reschedules the flush.
func (t *Transport) DoWrite(out *channel.OutboundBuffer) error {
	if err := t.writeError(); err != nil {
		return err
	}
	t.full = false
	for spin := t.ch.Config().WriteSpinCount(); spin > 0 && !out.IsEmpty(); spin-- {
		slices, _ := out.ByteSlices(16, 1<<20)
		if len(slices) == 0 {
			out.RemoveBytes(0)
			continue
		}
		n := t.accept(slices)
		if n == 0 {
			t.full = true
			return nil
		}
		out.RemoveBytes(int64(n))
	}
	if out.IsEmpty() {
		return nil
	}
	return t.ch.EventLoop().Execute(t.ch.Unsafe().ForceFlush)
}

func (t *Transport) writeError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeErr
}

// accept records as much of slices as capacity allows.
func (t *Transport) accept(slices [][]byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeCalls++
	n := 0
	for _, s := range slices {
		if t.capacity != Unlimited {
			s = s[:min(len(s), t.capacity-n)]
		}
		t.written.Write(s)
		n += len(s)
	}
	if t.capacity != Unlimited {
		t.capacity -= n
	}
	return n
}

// Drain frees n bytes of write capacity and, when the transport was full,
// resumes flushing on the loop.
func (t *Transport) Drain(n int) error {
	t.mu.Lock()
	if t.capacity != Unlimited {
		t.capacity += n
	}
	t.mu.Unlock()
	ch := t.Channel()
	return ch.EventLoop().Execute(func() {
		if t.full {
			ch.Unsafe().ForceFlush()
		}
	})
}

func (t *Transport) UnhandledInbound(msg any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unhandled = append(t.unhandled, msg)
}

func (t *Transport) UnhandledException(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unhandledError = append(t.unhandledError, err)
}

// Written returns a copy of every byte written so far.
func (t *Transport) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.written.Bytes())
}

// WriteCalls returns how many write batches DoWrite performed.
func (t *Transport) WriteCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeCalls
}

// Closes returns how many times the endpoint was actually closed.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// ReadRequests returns how many times read interest was declared.
func (t *Transport) ReadRequests() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readRequests
}

// Unhandled returns inbound messages and errors that reached the pipeline
// tail. Messages are not released.
func (t *Transport) Unhandled() ([]any, []error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]any(nil), t.unhandled...), append([]error(nil), t.unhandledError...)
}
