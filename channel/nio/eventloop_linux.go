//go:build linux

// File: channel/nio/eventloop_linux.go
// License: Apache-2.0

package nio

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/concurrency"
)

// EventLoop is a SingleThreadEventLoop servicing an epoll poller. Socket
// channels can only be registered with an EventLoop.
type EventLoop struct {
	*channel.SingleThreadEventLoop
	poller *poller
}

// NewEventLoop creates a loop with its own poller. A WithIOHandler option in
// opts is overridden.
func NewEventLoop(opts ...concurrency.Option) (*EventLoop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	opts = append(opts[:len(opts):len(opts)], concurrency.WithIOHandler(p))
	return &EventLoop{SingleThreadEventLoop: channel.NewSingleThreadEventLoop(opts...), poller: p}, nil
}

func (l *EventLoop) Register(ch *channel.Channel) *channel.ChannelPromise {
	return channel.RegisterOn(l, ch)
}

// ShutdownGracefully closes the channels registered with the loop, then shuts
// the loop down.
func (l *EventLoop) ShutdownGracefully(quietPeriod, timeout time.Duration) concurrency.Future[struct{}] {
	_ = l.Execute(l.closeAll)
	return l.SingleThreadEventLoop.ShutdownGracefully(quietPeriod, timeout)
}

func (l *EventLoop) closeAll() {
	for _, h := range l.poller.handles {
		ch := h.owner()
		ch.Unsafe().Close(ch.NewPromise())
	}
}

// NewEventLoopGroup creates n EventLoops; n <= 0 uses
// concurrency.DefaultGroupSize.
func NewEventLoopGroup(n int, opts ...concurrency.Option) (*channel.EventLoopGroup, error) {
	name := concurrency.NameOf(append([]concurrency.Option{concurrency.WithName("nio")}, opts...)...)
	return channel.NewEventLoopGroupFunc(n, func(parent concurrency.EventExecutorGroup, i int) (channel.EventLoop, error) {
		childOpts := append(append([]concurrency.Option{}, opts...),
			concurrency.WithName(fmt.Sprintf("%s-%d", name, i)),
			concurrency.WithParent(parent),
		)
		l, err := NewEventLoop(childOpts...)
		if err != nil {
			return nil, err
		}
		return l, nil
	})
}
