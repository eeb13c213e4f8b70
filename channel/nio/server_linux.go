//go:build linux

// File: channel/nio/server_linux.go
// License: Apache-2.0

package nio

import (
	"net"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-nio/channel"
)

var serverMetadata = channel.Metadata{RecvAllocator: channel.MessageRecvAllocator{}}

// serverTransport is a listening TCP socket. Accepted connections are read as
// *channel.Channel messages backed by socket transports.
type serverTransport struct {
	*sockOpts
	ch    *channel.Channel
	state atomic.Int32
	local atomic.Pointer[net.TCPAddr]

	// Event loop only.
	loop        *EventLoop
	fd          int
	io          interest
	readPending bool
}

// NewServerSocketChannel creates an unregistered listening channel. The
// socket is created by Bind.
func NewServerSocketChannel() *channel.Channel {
	s := &serverTransport{sockOpts: newSockOpts(serverOptions), fd: -1, io: interest{fd: -1}}
	s.ch = channel.New(s, nil)
	return s.ch
}

func (s *serverTransport) owner() *channel.Channel    { return s.ch }
func (s *serverTransport) Metadata() channel.Metadata { return serverMetadata }
func (s *serverTransport) IsOpen() bool               { return s.state.Load() != stateClosed }
func (s *serverTransport) IsActive() bool             { return s.state.Load() == stateActive }

func (s *serverTransport) IsCompatible(loop channel.EventLoop) bool {
	_, ok := loop.(*EventLoop)
	return ok
}

func (s *serverTransport) LocalAddress() net.Addr {
	if a := s.local.Load(); a != nil {
		return a
	}
	return nil
}

func (s *serverTransport) RemoteAddress() net.Addr { return nil }

func (s *serverTransport) DoRegister(ch *channel.Channel) error {
	s.loop = ch.EventLoop().(*EventLoop)
	return nil
}

func (s *serverTransport) DoDeregister() error {
	s.io.unregister()
	return nil
}

func (s *serverTransport) DoBind(local net.Addr) error {
	sa, family, err := toSockaddr(local)
	if err != nil {
		return err
	}
	fd, err := newSocket(family)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		s.detach()
		_ = unix.Close(fd)
		return err
	}
	if err := s.attach(fd, channel.Opt(SoReuseAddr, true)); err != nil {
		return fail(err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail(syscallError("bind", err))
	}
	backlog := SoBacklog.Default()
	if v, ok := s.value(SoBacklog); ok {
		backlog = v.(int)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail(syscallError("listen", err))
	}
	if err := s.io.register(s.loop.poller, fd, s); err != nil {
		return fail(err)
	}
	s.fd = fd
	s.local.Store(sockName(fd))
	s.state.Store(stateActive)
	return nil
}

func (s *serverTransport) DoBeginRead() error {
	s.readPending = true
	return s.io.set(unix.EPOLLIN)
}

func (s *serverTransport) ClearReadPending() {
	s.readPending = false
	_ = s.io.clear(unix.EPOLLIN)
}

func (s *serverTransport) DoClose() error {
	if s.state.Swap(stateClosed) == stateClosed {
		return nil
	}
	s.io.unregister()
	s.fd = -1
	if fd := s.detach(); fd >= 0 {
		return os.NewSyscallError("close", unix.Close(fd))
	}
	return nil
}

func (s *serverTransport) closeForcibly() {
	_ = s.DoClose()
}

func (s *serverTransport) handleEvents(events uint32) {
	if events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) == 0 || !s.readPending {
		return
	}
	s.readPending = false
	s.ch.Unsafe().ReadMessages(s.accept)
	if !s.readPending {
		_ = s.io.clear(unix.EPOLLIN)
	}
}

// accept returns the next accepted connection, or nil once the backlog is empty.
func (s *serverTransport) accept() (any, error) {
	for {
		nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return nil, nil
		default:
			return nil, os.NewSyscallError("accept4", err)
		}
		child, err := newAccepted(s.ch, nfd, fromSockaddr(sa))
		if err != nil {
			_ = unix.Close(nfd)
			return nil, err
		}
		return child, nil
	}
}
