//go:build linux

// File: channel/nio/socket_linux.go
// License: Apache-2.0

package nio

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/channel"
)

const (
	stateOpen int32 = iota
	stateConnecting
	stateActive
	stateClosed
)

// sockOpts keeps socket option values and applies them to the descriptor
// once it exists. Config.Set reaches it from any goroutine.
type sockOpts struct {
	mu        sync.Mutex
	fd        int
	supported []channel.AnyOption
	values    map[channel.AnyOption]any
}

func newSockOpts(supported []channel.AnyOption) *sockOpts {
	return &sockOpts{fd: -1, supported: supported, values: make(map[channel.AnyOption]any)}
}

func (s *sockOpts) SupportsOption(opt channel.AnyOption) bool {
	for _, o := range s.supported {
		if o == opt {
			return true
		}
	}
	return false
}

func (s *sockOpts) ApplyOption(opt channel.AnyOption, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[opt] = value
	if s.fd < 0 {
		return nil
	}
	return setSockOpt(s.fd, opt, value)
}

func (s *sockOpts) value(opt channel.AnyOption) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[opt]
	return v, ok
}

// attach applies the stored values to fd, plus defaults for options never set.
func (s *sockOpts) attach(fd int, defaults ...channel.OptionValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fd = fd
	for _, d := range defaults {
		if _, ok := s.values[d.Option]; !ok {
			if err := setSockOpt(fd, d.Option, d.Value); err != nil {
				return err
			}
		}
	}
	for opt, v := range s.values {
		if err := setSockOpt(fd, opt, v); err != nil {
			return err
		}
	}
	return nil
}

// detach forgets the descriptor and returns it, or -1.
func (s *sockOpts) detach() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd := s.fd
	s.fd = -1
	return fd
}

func setSockOpt(fd int, opt channel.AnyOption, value any) error {
	var err error
	switch opt {
	case SoReuseAddr:
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolInt(value.(bool)))
	case SoKeepAlive:
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolInt(value.(bool)))
	case TCPNoDelay:
		err = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(value.(bool)))
	case SoRcvBuf:
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, value.(int))
	case SoSndBuf:
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, value.(int))
	case SoLinger:
		var l unix.Linger
		if d := value.(time.Duration); d >= 0 {
			l.Onoff, l.Linger = 1, int32(d/time.Second)
		}
		err = unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &l)
	}
	if err != nil {
		return fmt.Errorf("set %s: %w", opt.Name(), os.NewSyscallError("setsockopt", err))
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func newSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

func toSockaddr(a net.Addr) (unix.Sockaddr, int, error) {
	tcp, ok := a.(*net.TCPAddr)
	if !ok || tcp == nil {
		return nil, 0, fmt.Errorf("%w: %T is not a TCP address", api.ErrInvalidArgument, a)
	}
	if ip4 := tcp.IP.To4(); ip4 != nil || len(tcp.IP) == 0 {
		sa := &unix.SockaddrInet4{Port: tcp.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: tcp.Port}
	copy(sa.Addr[:], tcp.IP.To16())
	if tcp.Zone != "" {
		if ifi, err := net.InterfaceByName(tcp.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, unix.AF_INET6, nil
}

func fromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), Port: v.Port}
	case *unix.SockaddrInet6:
		addr := &net.TCPAddr{IP: append(net.IP(nil), v.Addr[:]...), Port: v.Port}
		if v.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(v.ZoneId)); err == nil {
				addr.Zone = ifi.Name
			}
		}
		return addr
	}
	return nil
}

func sockName(fd int) *net.TCPAddr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return fromSockaddr(sa)
}

func peerName(fd int) *net.TCPAddr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return fromSockaddr(sa)
}

// syscallError maps errno values with a runtime-level meaning to api errors.
func syscallError(op string, err error) error {
	serr := os.NewSyscallError(op, err)
	switch {
	case errors.Is(err, unix.EADDRINUSE):
		return fmt.Errorf("%w: %w", api.ErrAddressInUse, serr)
	case errors.Is(err, unix.ECONNREFUSED):
		return fmt.Errorf("%w: %w", api.ErrConnectionRefused, serr)
	}
	return serr
}

// interest tracks the epoll event mask of one registered descriptor.
type interest struct {
	poller *poller
	fd     int
	events uint32
}

func (i *interest) set(flag uint32) error   { return i.update(i.events | flag) }
func (i *interest) clear(flag uint32) error { return i.update(i.events &^ flag) }

func (i *interest) update(events uint32) error {
	if events == i.events || i.poller == nil || i.fd < 0 {
		return nil
	}
	if err := i.poller.modify(i.fd, events); err != nil {
		return err
	}
	i.events = events
	return nil
}

func (i *interest) register(p *poller, fd int, h ioHandle) error {
	if err := p.add(fd, 0, h); err != nil {
		return err
	}
	i.poller, i.fd, i.events = p, fd, 0
	return nil
}

func (i *interest) unregister() {
	if i.poller != nil && i.fd >= 0 {
		i.poller.remove(i.fd)
	}
	i.poller, i.fd, i.events = nil, -1, 0
}
