//go:build linux

// File: channel/nio/poller_linux.go
// License: Apache-2.0

package nio

import (
	"encoding/binary"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/channel"
)

const maxEvents = 256

// ioHandle receives readiness for one registered descriptor.
type ioHandle interface {
	owner() *channel.Channel
	handleEvents(events uint32)
	closeForcibly()
}

// poller is a level-triggered epoll set plus an eventfd used to interrupt
// epoll_wait when tasks are submitted from other goroutines. It implements
// concurrency.IOHandler. Apart from Wakeup, it is used on its loop only.
type poller struct {
	epfd    int
	wakefd  int
	woken   atomic.Bool
	events  []unix.EpollEvent
	handles map[int32]ioHandle
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	return &poller{
		epfd:    epfd,
		wakefd:  wakefd,
		events:  make([]unix.EpollEvent, maxEvents),
		handles: make(map[int32]ioHandle),
	}, nil
}

// Run waits up to timeout for readiness and dispatches it. Timeouts are
// rounded up to whole milliseconds so delayed tasks are never run early.
func (p *poller) Run(timeout time.Duration) error {
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.EpollWait(p.epfd, p.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		if int(ev.Fd) == p.wakefd {
			p.drainWakeup()
			continue
		}
		if h, ok := p.handles[ev.Fd]; ok {
			p.dispatch(h, ev.Events)
		}
	}
	return nil
}

func (p *poller) dispatch(h ioHandle, events uint32) {
	defer func() {
		if r := recover(); r != nil {
			channel.Logger().Error().Err(api.FromPanic(r)).Msg("socket event handler panicked")
		}
	}()
	h.handleEvents(events)
}

// Wakeup interrupts a blocking Run. Concurrent calls coalesce into one write.
func (p *poller) Wakeup() {
	if !p.woken.CompareAndSwap(false, true) {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(p.wakefd, buf[:])
}

func (p *poller) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(p.wakefd, buf[:])
	p.woken.Store(false)
}

// Close closes every descriptor still registered, then the poller itself.
func (p *poller) Close() error {
	for fd, h := range p.handles {
		delete(p.handles, fd)
		h.closeForcibly()
	}
	err := unix.Close(p.wakefd)
	if cerr := unix.Close(p.epfd); err == nil {
		err = cerr
	}
	return err
}

func (p *poller) add(fd int, events uint32, h ioHandle) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	p.handles[int32(fd)] = h
	return nil
}

func (p *poller) modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	return nil
}

func (p *poller) remove(fd int) {
	delete(p.handles, int32(fd))
	// The descriptor may already be closed, which removed it implicitly.
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}
