//go:build linux

// File: channel/nio/channel_linux.go
// License: Apache-2.0

package nio

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/buffer"
	"github.com/momentics/hioload-nio/channel"
)

// socketTransport is a connected or connecting TCP socket.
type socketTransport struct {
	*sockOpts
	ch     *channel.Channel
	state  atomic.Int32
	local  atomic.Pointer[net.TCPAddr]
	remote atomic.Pointer[net.TCPAddr]

	// Event loop only.
	loop        *EventLoop
	fd          int
	io          interest
	readPending bool
}

func newSocketTransport() *socketTransport {
	return &socketTransport{sockOpts: newSockOpts(socketOptions), fd: -1, io: interest{fd: -1}}
}

// NewSocketChannel creates an unregistered client channel. The socket is
// created by Connect, or by Bind when a local address is needed first.
func NewSocketChannel() *channel.Channel {
	t := newSocketTransport()
	t.ch = channel.New(t, nil)
	return t.ch
}

// newAccepted wraps an accepted descriptor in a child channel of parent.
func newAccepted(parent *channel.Channel, fd int, remote *net.TCPAddr) (*channel.Channel, error) {
	t := newSocketTransport()
	if err := t.attach(fd, channel.Opt(TCPNoDelay, true)); err != nil {
		return nil, err
	}
	t.fd = fd
	t.local.Store(sockName(fd))
	t.remote.Store(remote)
	t.state.Store(stateActive)
	t.ch = channel.New(t, parent)
	return t.ch, nil
}

func (t *socketTransport) owner() *channel.Channel    { return t.ch }
func (t *socketTransport) Metadata() channel.Metadata { return channel.Metadata{} }
func (t *socketTransport) IsOpen() bool               { return t.state.Load() != stateClosed }
func (t *socketTransport) IsActive() bool             { return t.state.Load() == stateActive }

func (t *socketTransport) IsCompatible(loop channel.EventLoop) bool {
	_, ok := loop.(*EventLoop)
	return ok
}

func (t *socketTransport) LocalAddress() net.Addr {
	if a := t.local.Load(); a != nil {
		return a
	}
	return nil
}

func (t *socketTransport) RemoteAddress() net.Addr {
	if a := t.remote.Load(); a != nil {
		return a
	}
	return nil
}

func (t *socketTransport) DoRegister(ch *channel.Channel) error {
	t.loop = ch.EventLoop().(*EventLoop)
	if t.fd >= 0 {
		return t.io.register(t.loop.poller, t.fd, t)
	}
	return nil
}

func (t *socketTransport) DoDeregister() error {
	t.io.unregister()
	return nil
}

// open creates the socket for family and adds it to the poller.
func (t *socketTransport) open(family int) error {
	fd, err := newSocket(family)
	if err != nil {
		return err
	}
	if err := t.attach(fd, channel.Opt(TCPNoDelay, true)); err != nil {
		t.detach()
		_ = unix.Close(fd)
		return err
	}
	if err := t.io.register(t.loop.poller, fd, t); err != nil {
		t.detach()
		_ = unix.Close(fd)
		return err
	}
	t.fd = fd
	return nil
}

func (t *socketTransport) DoBind(local net.Addr) error {
	sa, family, err := toSockaddr(local)
	if err != nil {
		return err
	}
	if t.fd < 0 {
		if err := t.open(family); err != nil {
			return err
		}
	}
	if err := unix.Bind(t.fd, sa); err != nil {
		return syscallError("bind", err)
	}
	t.local.Store(sockName(t.fd))
	return nil
}

// DoConnect starts a non-blocking connect. A failed attempt closes the
// socket, so the channel closes with it.
func (t *socketTransport) DoConnect(remote, local net.Addr) (bool, error) {
	sa, family, err := toSockaddr(remote)
	if err != nil {
		return false, err
	}
	if t.fd < 0 {
		if err := t.open(family); err != nil {
			return false, err
		}
	}
	if local != nil {
		if err := t.DoBind(local); err != nil {
			_ = t.DoClose()
			return false, err
		}
	}
	t.remote.Store(remote.(*net.TCPAddr))
	err = unix.Connect(t.fd, sa)
	switch err {
	case nil:
		t.connected()
		return true, nil
	case unix.EINPROGRESS, unix.EINTR:
		t.state.Store(stateConnecting)
		if err := t.io.set(unix.EPOLLOUT); err != nil {
			_ = t.DoClose()
			return false, err
		}
		return false, nil
	default:
		_ = t.DoClose()
		return false, syscallError("connect", err)
	}
}

func (t *socketTransport) connected() {
	t.local.Store(sockName(t.fd))
	if peer := peerName(t.fd); peer != nil {
		t.remote.Store(peer)
	}
	t.state.Store(stateActive)
}

func (t *socketTransport) finishConnect() error {
	if t.state.Load() != stateConnecting {
		return api.ErrChannelClosed
	}
	errno, err := unix.GetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && errno != 0 {
		err = unix.Errno(errno)
	}
	if err != nil {
		_ = t.DoClose()
		return syscallError("connect", err)
	}
	if err := t.io.clear(unix.EPOLLOUT); err != nil {
		_ = t.DoClose()
		return err
	}
	t.connected()
	return nil
}

func (t *socketTransport) DoBeginRead() error {
	t.readPending = true
	return t.io.set(unix.EPOLLIN | unix.EPOLLRDHUP)
}

func (t *socketTransport) ClearReadPending() {
	t.readPending = false
	_ = t.io.clear(unix.EPOLLIN | unix.EPOLLRDHUP)
}

func (t *socketTransport) handleEvents(events uint32) {
	u := t.ch.Unsafe()
	if t.state.Load() == stateConnecting {
		if events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			u.FinishConnect(t.finishConnect)
		}
		return
	}
	if !t.IsActive() {
		return
	}
	if events&unix.EPOLLOUT != 0 {
		u.ForceFlush()
	}
	// Hang-ups and errors are reported regardless of interest, so they are
	// read even without a pending read to let the channel observe them.
	broken := events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
	if t.IsActive() && (broken || (t.readPending && events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0)) {
		t.readPending = false
		u.ReadBytes(t.read)
		if !t.readPending {
			_ = t.io.clear(unix.EPOLLIN | unix.EPOLLRDHUP)
		}
	}
}

func (t *socketTransport) read(p []byte) (int, error) {
	for {
		n, err := unix.Read(t.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, os.NewSyscallError("read", err)
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// FilterOutbound accepts ByteBufs, and byte slices wrapped without copying.
func (t *socketTransport) FilterOutbound(msg any) (any, error) {
	switch m := msg.(type) {
	case *buffer.ByteBuf:
		return m, nil
	case []byte:
		return buffer.Wrap(m), nil
	}
	return nil, fmt.Errorf("%w: %T", api.ErrUnsupportedMessage, msg)
}

// DoWrite gathers flushed buffers into writev calls, at most WriteSpinCount
// of them. A full socket buffer arms EPOLLOUT. An exhausted spin count hands
// the rest to a task so other channels get their turn.
func (t *socketTransport) DoWrite(out *channel.OutboundBuffer) error {
	full := false
	for spin := t.ch.Config().WriteSpinCount(); spin > 0 && !out.IsEmpty(); spin-- {
		slices, _ := out.ByteSlices(maxIovecs, maxGatheringWrite)
		if len(slices) == 0 {
			// Only empty or cancelled buffers at the front.
			out.RemoveBytes(0)
			continue
		}
		n, err := t.writev(slices)
		if err != nil {
			return err
		}
		if n == 0 {
			full = true
			break
		}
		out.RemoveBytes(int64(n))
	}
	if out.IsEmpty() {
		return t.io.clear(unix.EPOLLOUT)
	}
	if full {
		return t.io.set(unix.EPOLLOUT)
	}
	if err := t.io.clear(unix.EPOLLOUT); err != nil {
		return err
	}
	return t.loop.Execute(t.ch.Unsafe().ForceFlush)
}

func (t *socketTransport) writev(iovs [][]byte) (int, error) {
	for {
		n, err := unix.Writev(t.fd, iovs)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, nil
		default:
			return 0, os.NewSyscallError("writev", err)
		}
	}
}

func (t *socketTransport) DoClose() error {
	if t.state.Swap(stateClosed) == stateClosed {
		return nil
	}
	t.io.unregister()
	t.fd = -1
	if fd := t.detach(); fd >= 0 {
		return os.NewSyscallError("close", unix.Close(fd))
	}
	return nil
}

func (t *socketTransport) closeForcibly() {
	_ = t.DoClose()
}
