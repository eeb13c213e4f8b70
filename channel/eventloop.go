// File: channel/eventloop.go
// License: Apache-2.0
//
// Event loops are executors that own channels.

package channel

import (
	"fmt"

	"github.com/momentics/hioload-nio/concurrency"
)

// EventLoop is an executor channels register with.
type EventLoop interface {
	concurrency.EventExecutor

	// Register binds ch to the loop. Handlers added before registration see
	// HandlerAdded before the returned promise completes.
	Register(ch *Channel) *ChannelPromise
}

// RegisterOn registers ch with loop. EventLoop implementations use it for
// Register.
func RegisterOn(loop EventLoop, ch *Channel) *ChannelPromise {
	p := NewChannelPromise(ch)
	ch.unsafe.Register(loop, p)
	return p
}

// SingleThreadEventLoop is an EventLoop running on a SingleThreadEventExecutor.
type SingleThreadEventLoop struct {
	*concurrency.SingleThreadEventExecutor
}

// NewSingleThreadEventLoop creates a loop. Pass concurrency.WithIOHandler to
// service transport I/O between task batches.
func NewSingleThreadEventLoop(opts ...concurrency.Option) *SingleThreadEventLoop {
	return &SingleThreadEventLoop{SingleThreadEventExecutor: concurrency.NewSingleThreadEventExecutor(opts...)}
}

func (l *SingleThreadEventLoop) Register(ch *Channel) *ChannelPromise {
	return RegisterOn(l, ch)
}

// EventLoopGroup hands out event loops round-robin.
type EventLoopGroup struct {
	*concurrency.Group[EventLoop]
}

// NewEventLoopGroup creates n SingleThreadEventLoops; n <= 0 uses
// concurrency.DefaultGroupSize. Loops are named after WithName with the index
// appended.
func NewEventLoopGroup(n int, opts ...concurrency.Option) (*EventLoopGroup, error) {
	name := concurrency.NameOf(append([]concurrency.Option{concurrency.WithName("loop")}, opts...)...)
	return NewEventLoopGroupFunc(n, func(parent concurrency.EventExecutorGroup, i int) (EventLoop, error) {
		childOpts := append(append([]concurrency.Option{}, opts...),
			concurrency.WithName(fmt.Sprintf("%s-%d", name, i)),
			concurrency.WithParent(parent),
		)
		return NewSingleThreadEventLoop(childOpts...), nil
	})
}

// NewEventLoopGroupFunc creates a group whose loops are built by newLoop.
// Transports with their own loop type use it.
func NewEventLoopGroupFunc(n int, newLoop func(parent concurrency.EventExecutorGroup, index int) (EventLoop, error)) (*EventLoopGroup, error) {
	g, err := concurrency.NewGroup(n, newLoop)
	if err != nil {
		return nil, err
	}
	return &EventLoopGroup{Group: g}, nil
}

// Register registers ch with the next loop.
func (g *EventLoopGroup) Register(ch *Channel) *ChannelPromise {
	return g.Next().Register(ch)
}
