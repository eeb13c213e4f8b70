// File: channel/initializer.go
// License: Apache-2.0

package channel

import (
	"sync"

	"github.com/momentics/hioload-nio/api"
)

// Initializer is a one-shot handler that configures a channel's pipeline once
// the channel is registered, then removes itself. It is sharable, so one
// instance can serve every accepted child channel.
type Initializer struct {
	init func(ch *Channel) error

	mu          sync.Mutex
	initialized map[*HandlerContext]struct{}
}

// NewInitializer wraps init. A returned error or panic closes the channel.
func NewInitializer(init func(ch *Channel) error) *Initializer {
	return &Initializer{init: init, initialized: make(map[*HandlerContext]struct{})}
}

func (*Initializer) IsSharable() bool { return true }

func (i *Initializer) HandlerAdded(ctx *HandlerContext) {
	if ctx.Channel().IsRegistered() {
		i.initChannel(ctx)
	}
}

func (i *Initializer) ChannelRegistered(ctx *HandlerContext) {
	if i.initChannel(ctx) {
		// Handlers added by init must see the registration too.
		ctx.Pipeline().FireChannelRegistered()
		return
	}
	ctx.FireChannelRegistered()
}

func (i *Initializer) ExceptionCaught(ctx *HandlerContext, err error) {
	Logger().Warn().Err(err).Str("channel", ctx.Channel().String()).Msg("failed to initialize a channel, closing it")
	ctx.Close(nil)
}

func (i *Initializer) HandlerRemoved(ctx *HandlerContext) {
	i.mu.Lock()
	delete(i.initialized, ctx)
	i.mu.Unlock()
}

// initChannel runs init once per context and reports whether it did.
func (i *Initializer) initChannel(ctx *HandlerContext) (ran bool) {
	i.mu.Lock()
	if _, done := i.initialized[ctx]; done {
		i.mu.Unlock()
		return false
	}
	i.initialized[ctx] = struct{}{}
	i.mu.Unlock()

	defer func() {
		if !ctx.IsRemoved() {
			_, _ = ctx.Pipeline().RemoveByName(ctx.Name())
		}
	}()
	if err := i.run(ctx.Channel()); err != nil {
		i.ExceptionCaught(ctx, err)
	}
	return true
}

func (i *Initializer) run(ch *Channel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.FromPanic(r)
		}
	}()
	return i.init(ch)
}
