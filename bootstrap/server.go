// File: bootstrap/server.go
// License: Apache-2.0

package bootstrap

import (
	"net"
	"slices"
	"time"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/channel"
)

// acceptPause is how long a server channel stops accepting after an accept
// error, typically running out of file descriptors.
const acceptPause = time.Second

// ServerBootstrap creates server channels. Accepted child channels get the
// child handler, options and attributes and are registered with the child
// group.
type ServerBootstrap struct {
	s            settings
	childGroup   Group
	childHandler channel.Handler
	childOptions []channel.OptionValue
	childAttrs   []attrValue
}

// NewServer returns an empty ServerBootstrap.
func NewServer() *ServerBootstrap { return &ServerBootstrap{} }

// Group sets where the server channel and its children are registered.
// Passing the same group twice shares it.
func (b *ServerBootstrap) Group(parent, child Group) *ServerBootstrap {
	b.s.mu.Lock()
	b.s.group = parent
	b.childGroup = child
	b.s.mu.Unlock()
	return b
}

func (b *ServerBootstrap) ChannelFactory(f ChannelFactory) *ServerBootstrap {
	b.s.setFactory(f)
	return b
}

// Option sets a server channel option. A nil value removes it; a value of
// the wrong type panics.
func (b *ServerBootstrap) Option(opt channel.AnyOption, value any) *ServerBootstrap {
	b.s.setOption(opt, value)
	return b
}

func (b *ServerBootstrap) Attr(key channel.AnyAttributeKey, value any) *ServerBootstrap {
	b.s.setAttr(key, value)
	return b
}

// Handler sets an optional handler for the server channel itself.
func (b *ServerBootstrap) Handler(h channel.Handler) *ServerBootstrap {
	b.s.setHandler(h)
	return b
}

func (b *ServerBootstrap) LocalAddress(a net.Addr) *ServerBootstrap {
	b.s.setLocal(a)
	return b
}

// ChildOption sets an option applied to every accepted channel.
func (b *ServerBootstrap) ChildOption(opt channel.AnyOption, value any) *ServerBootstrap {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.childOptions = putOption(b.childOptions, opt, value)
	return b
}

// ChildAttr sets an attribute applied to every accepted channel.
func (b *ServerBootstrap) ChildAttr(key channel.AnyAttributeKey, value any) *ServerBootstrap {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.childAttrs = putAttr(b.childAttrs, key, value)
	return b
}

// ChildHandler sets the handler added to every accepted channel. It must be
// sharable; a channel.Initializer is.
func (b *ServerBootstrap) ChildHandler(h channel.Handler) *ServerBootstrap {
	b.s.mu.Lock()
	b.childHandler = h
	b.s.mu.Unlock()
	return b
}

// Clone returns an independent copy.
func (b *ServerBootstrap) Clone() *ServerBootstrap {
	c := &ServerBootstrap{s: b.s.clone()}
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	c.childGroup = b.childGroup
	c.childHandler = b.childHandler
	c.childOptions = slices.Clone(b.childOptions)
	c.childAttrs = slices.Clone(b.childAttrs)
	return c
}

// Validate reports the first missing setting.
func (b *ServerBootstrap) Validate() error {
	_, err := b.snapshot()
	return err
}

type serverSnapshot struct {
	s     settings
	child acceptor
}

func (b *ServerBootstrap) snapshot() (*serverSnapshot, error) {
	snap := &serverSnapshot{s: b.s.clone()}
	b.s.mu.Lock()
	snap.child = acceptor{
		group:   b.childGroup,
		handler: b.childHandler,
		options: slices.Clone(b.childOptions),
		attrs:   slices.Clone(b.childAttrs),
	}
	b.s.mu.Unlock()
	if err := snap.s.validate(); err != nil {
		return nil, err
	}
	if snap.child.group == nil {
		return nil, api.ErrChildGroupNotSet
	}
	if snap.child.handler == nil {
		return nil, api.ErrChildHandlerNotSet
	}
	return snap, nil
}

// Register creates a server channel and registers it without binding.
func (b *ServerBootstrap) Register() *channel.ChannelPromise {
	snap, err := b.snapshot()
	if err != nil {
		return failed(err)
	}
	return snap.s.initAndRegister(snap.init)
}

// Bind creates, registers and binds a server channel to local, or to the
// configured LocalAddress when local is nil.
func (b *ServerBootstrap) Bind(local net.Addr) *channel.ChannelPromise {
	snap, err := b.snapshot()
	if err != nil {
		return failed(err)
	}
	if local == nil {
		local = snap.s.local
	}
	if local == nil {
		return failed(api.ErrAddressNotSet)
	}
	return doBind(&snap.s, local, snap.init)
}

// init configures the server channel. The acceptor is added from a task once
// the channel is registered, so it ends up behind whatever the server handler
// installed.
func (snap *serverSnapshot) init(ch *channel.Channel) error {
	applyOptions(ch, snap.s.options)
	applyAttrs(ch, snap.s.attrs)
	handler := snap.s.handler
	child := snap.child
	return ch.Pipeline().AddLast("", channel.NewInitializer(func(ch *channel.Channel) error {
		if handler != nil {
			if err := ch.Pipeline().AddLast("", handler); err != nil {
				return err
			}
		}
		a := child
		return ch.EventLoop().Execute(func() {
			if err := ch.Pipeline().AddLast("acceptor", &a); err != nil {
				Logger().Error().Err(err).Str("channel", ch.String()).Msg("failed to install acceptor, closing server channel")
				ch.Close()
			}
		})
	}))
}

// acceptor sets up and registers channels accepted by a server channel.
type acceptor struct {
	group   Group
	handler channel.Handler
	options []channel.OptionValue
	attrs   []attrValue
}

func (a *acceptor) ChannelRead(ctx *channel.HandlerContext, msg any) {
	child, ok := msg.(*channel.Channel)
	if !ok {
		ctx.FireChannelRead(msg)
		return
	}
	if err := child.Pipeline().AddLast("", a.handler); err != nil {
		Logger().Warn().Err(err).Str("channel", child.String()).Msg("failed to set up accepted channel")
		child.Unsafe().CloseForcibly()
		return
	}
	applyOptions(child, a.options)
	applyAttrs(child, a.attrs)

	a.group.Register(child).AddChannelListener(func(p *channel.ChannelPromise) {
		if err := p.Cause(); err != nil {
			Logger().Warn().Err(err).Str("channel", child.String()).Msg("failed to register accepted channel")
			closeChannel(child)
		}
	})
}

// ExceptionCaught pauses accepting for a second, then resumes if auto-read
// was on.
func (a *acceptor) ExceptionCaught(ctx *channel.HandlerContext, err error) {
	cfg := ctx.Channel().Config()
	if cfg.AutoRead() {
		_ = cfg.Set(channel.AutoRead, false)
		ctx.EventLoop().Schedule(func() { _ = cfg.Set(channel.AutoRead, true) }, acceptPause)
	}
	ctx.FireExceptionCaught(err)
}
