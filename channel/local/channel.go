// File: channel/local/channel.go
// License: Apache-2.0

package local

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/channel"
)

const (
	stateOpen int32 = iota
	stateBound
	stateConnected
	stateClosed
)

var metadata = channel.Metadata{RecvAllocator: channel.MessageRecvAllocator{}}

// transport is one end of a local connection: a client created by NewChannel
// or the child accepted by a ServerChannel. Written messages are appended to
// the peer's inbound queue and read on the peer's loop.
type transport struct {
	ch     *channel.Channel
	state  atomic.Int32
	peer   atomic.Pointer[transport]
	local  atomic.Pointer[Address]
	remote atomic.Pointer[Address]

	mu      sync.Mutex
	inbound *queue.Queue

	// Event loop only.
	readInProgress bool
}

func newTransport() *transport {
	return &transport{inbound: queue.New()}
}

// NewChannel creates an unregistered client channel. Connect it to the
// address of a bound ServerChannel.
func NewChannel() *channel.Channel {
	t := newTransport()
	t.ch = channel.New(t, nil)
	return t.ch
}

func (t *transport) Metadata() channel.Metadata { return metadata }
func (t *transport) IsOpen() bool               { return t.state.Load() != stateClosed }
func (t *transport) IsActive() bool             { return t.state.Load() == stateConnected }

// IsCompatible accepts every loop: local channels only need Execute.
func (t *transport) IsCompatible(channel.EventLoop) bool { return true }

func (t *transport) LocalAddress() net.Addr {
	if a := t.local.Load(); a != nil {
		return *a
	}
	return nil
}

func (t *transport) RemoteAddress() net.Addr {
	if a := t.remote.Load(); a != nil {
		return *a
	}
	return nil
}

func (t *transport) DoRegister(*channel.Channel) error {
	peer := t.peer.Load()
	if peer == nil || t.ch.Parent() == nil {
		return nil
	}
	// An accepted child: the connection is up once it has a loop.
	t.state.Store(stateConnected)
	if err := peer.ch.EventLoop().Execute(peer.finishConnect); err != nil {
		return fmt.Errorf("notify connecting peer: %w", err)
	}
	return nil
}

func (t *transport) finishConnect() {
	t.ch.Unsafe().FinishConnect(func() error {
		if !t.state.CompareAndSwap(stateBound, stateConnected) {
			return api.ErrChannelClosed
		}
		return nil
	})
}

func (t *transport) DoDeregister() error { return nil }

func (t *transport) DoBind(local net.Addr) error {
	addr, err := toAddress(local)
	if err != nil {
		return err
	}
	if addr == Any {
		addr = ephemeral(t.ch.ID())
	}
	t.local.Store(&addr)
	t.state.CompareAndSwap(stateOpen, stateBound)
	return nil
}

func (t *transport) DoConnect(remote, local net.Addr) (bool, error) {
	addr, err := toAddress(remote)
	if err != nil {
		return false, err
	}
	if local != nil {
		if err := t.DoBind(local); err != nil {
			return false, err
		}
	} else if t.local.Load() == nil {
		if err := t.DoBind(Any); err != nil {
			return false, err
		}
	}
	server := lookup(addr)
	if server == nil {
		return false, fmt.Errorf("%w: %v", api.ErrConnectionRefused, addr)
	}
	t.remote.Store(&addr)
	child, err := server.serve(t)
	if err != nil {
		return false, err
	}
	t.peer.Store(child)
	return false, nil
}

func (t *transport) DoBeginRead() error {
	if t.readInProgress {
		return nil
	}
	t.readInProgress = true
	if t.pending() > 0 {
		t.scheduleRead()
	}
	return nil
}

func (t *transport) ClearReadPending() { t.readInProgress = false }

func (t *transport) FilterOutbound(msg any) (any, error) { return msg, nil }

func (t *transport) DoWrite(out *channel.OutboundBuffer) error {
	peer := t.peer.Load()
	if peer == nil {
		return api.ErrNotYetConnected
	}
	for msg := out.Current(); msg != nil; msg = out.Current() {
		if !peer.IsActive() {
			out.RemoveError(api.ErrChannelClosed)
			continue
		}
		// Remove releases once; the peer takes over the retained reference.
		api.Retain(msg)
		peer.enqueue(msg)
		out.Remove()
	}
	peer.scheduleRead()
	return nil
}

func (t *transport) DoClose() error {
	old := t.state.Swap(stateClosed)
	if old == stateClosed {
		return nil
	}
	t.releaseInbound()
	peer := t.peer.Load()
	if peer == nil || !peer.IsOpen() {
		return nil
	}
	loop := peer.ch.EventLoop()
	if loop == nil {
		// Accepted but never registered.
		peer.state.Store(stateClosed)
		return nil
	}
	if err := loop.Execute(peer.closeFromPeer); err != nil {
		channel.Logger().Warn().Err(err).Str("channel", peer.ch.String()).Msg("cannot close local peer, its event loop rejected the task")
	}
	return nil
}

// closeFromPeer delivers what the peer already wrote, then closes.
func (t *transport) closeFromPeer() {
	t.readIfPending()
	t.ch.Unsafe().Close(t.ch.NewPromise())
}

func (t *transport) enqueue(msg any) {
	t.mu.Lock()
	t.inbound.Add(msg)
	t.mu.Unlock()
}

func (t *transport) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inbound.Length()
}

func (t *transport) poll() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inbound.Length() == 0 {
		return nil, nil
	}
	return t.inbound.Remove(), nil
}

func (t *transport) releaseInbound() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.inbound.Length() > 0 {
		api.SafeRelease(t.inbound.Remove())
	}
}

func (t *transport) scheduleRead() {
	loop := t.ch.EventLoop()
	if loop == nil {
		return
	}
	if err := loop.Execute(t.readIfPending); err != nil {
		channel.Logger().Warn().Err(err).Str("channel", t.ch.String()).Msg("cannot schedule local read, event loop rejected the task")
	}
}

func (t *transport) readIfPending() {
	if !t.readInProgress || t.pending() == 0 {
		return
	}
	t.readInProgress = false
	t.ch.Unsafe().ReadMessages(t.poll)
}

func toAddress(a net.Addr) (Address, error) {
	switch v := a.(type) {
	case Address:
		return v, nil
	case *Address:
		if v != nil {
			return *v, nil
		}
	}
	return Address{}, fmt.Errorf("%w: %T is not a local address", api.ErrInvalidArgument, a)
}
