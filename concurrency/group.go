// File: concurrency/group.go
// License: Apache-2.0
//
// Fixed-size executor groups.

package concurrency

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/momentics/hioload-nio/api"
)

// DefaultGroupSize is the member count used when a group is created with n <= 0.
func DefaultGroupSize() int {
	return 2 * runtime.NumCPU()
}

// Group owns n executors of type E and hands them out round-robin.
type Group[E EventExecutor] struct {
	children    []E
	chooser     Chooser[E]
	termination *Promise[struct{}]
}

// NewGroup creates n members with newChild. If any member fails to build, the
// members already created are shut down and the error is returned.
func NewGroup[E EventExecutor](n int, newChild func(parent EventExecutorGroup, index int) (E, error)) (*Group[E], error) {
	if n <= 0 {
		n = DefaultGroupSize()
	}
	g := &Group[E]{children: make([]E, 0, n)}
	for i := 0; i < n; i++ {
		child, err := newChild(g, i)
		if err != nil {
			for _, c := range g.children {
				c.ShutdownGracefully(0, 0)
			}
			return nil, fmt.Errorf("creating executor %d: %w", i, err)
		}
		g.children = append(g.children, child)
	}
	g.chooser = NewChooser(g.children)

	terms := make([]Future[struct{}], len(g.children))
	for i, c := range g.children {
		terms[i] = c.TerminationFuture()
	}
	g.termination = Join(nil, terms...)
	return g, nil
}

// NewEventExecutorGroup creates a group of n SingleThreadEventExecutors. A name
// set with WithName gets the member index appended.
func NewEventExecutorGroup(n int, opts ...Option) (*Group[*SingleThreadEventExecutor], error) {
	base := resolveOptions(opts)
	return NewGroup(n, func(parent EventExecutorGroup, i int) (*SingleThreadEventExecutor, error) {
		childOpts := append(append([]Option{}, opts...),
			WithName(fmt.Sprintf("%s-%d", base.name, i)),
			WithParent(parent),
		)
		return NewSingleThreadEventExecutor(childOpts...), nil
	})
}

// Next returns the next member.
func (g *Group[E]) Next() E {
	return g.chooser.Next()
}

// Executors returns the members in creation order.
func (g *Group[E]) Executors() []E {
	out := make([]E, len(g.children))
	copy(out, g.children)
	return out
}

// Len returns the member count.
func (g *Group[E]) Len() int {
	return len(g.children)
}

// ShutdownGracefully shuts every member down. The returned future completes once
// all of them terminated.
func (g *Group[E]) ShutdownGracefully(quietPeriod, timeout time.Duration) Future[struct{}] {
	for _, c := range g.children {
		c.ShutdownGracefully(quietPeriod, timeout)
	}
	return g.termination
}

func (g *Group[E]) TerminationFuture() Future[struct{}] {
	return g.termination
}

// AwaitTermination waits for every member to terminate. It must not be called
// from a member's goroutine.
func (g *Group[E]) AwaitTermination(ctx context.Context) error {
	for _, c := range g.children {
		if c.InEventLoop() {
			return api.ErrBlockingOperation
		}
	}
	return g.termination.Await(ctx)
}

func (g *Group[E]) IsShuttingDown() bool {
	for _, c := range g.children {
		if !c.IsShuttingDown() {
			return false
		}
	}
	return true
}

func (g *Group[E]) IsTerminated() bool {
	for _, c := range g.children {
		if !c.IsTerminated() {
			return false
		}
	}
	return true
}
