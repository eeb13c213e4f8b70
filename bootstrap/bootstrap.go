// File: bootstrap/bootstrap.go
// License: Apache-2.0
//
// Package bootstrap composes event loops, channel factories, options and
// handlers into registered, bound or connected channels.

package bootstrap

import (
	"net"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/channel"
)

// Bootstrap creates client channels.
//
//	b := bootstrap.New().
//		Group(group).
//		ChannelFactory(nio.NewSocketChannel).
//		Option(channel.ConnectTimeout, 5*time.Second).
//		Handler(channel.NewInitializer(setup))
//	f := b.Connect(addr)
type Bootstrap struct {
	s      settings
	remote net.Addr
}

// New returns an empty Bootstrap.
func New() *Bootstrap { return &Bootstrap{} }

// Group sets where channels are registered.
func (b *Bootstrap) Group(g Group) *Bootstrap {
	b.s.setGroup(g)
	return b
}

// ChannelFactory sets the constructor of new channels.
func (b *Bootstrap) ChannelFactory(f ChannelFactory) *Bootstrap {
	b.s.setFactory(f)
	return b
}

// Option sets a channel option applied before registration. A nil value
// removes it; a value of the wrong type panics.
func (b *Bootstrap) Option(opt channel.AnyOption, value any) *Bootstrap {
	b.s.setOption(opt, value)
	return b
}

// Options sets several options at once.
func (b *Bootstrap) Options(values ...channel.OptionValue) *Bootstrap {
	for _, ov := range values {
		b.s.setOption(ov.Option, ov.Value)
	}
	return b
}

// Attr sets a channel attribute applied before registration. A nil value
// removes it; a value of the wrong type panics.
func (b *Bootstrap) Attr(key channel.AnyAttributeKey, value any) *Bootstrap {
	b.s.setAttr(key, value)
	return b
}

// Handler sets the handler added to every new channel's pipeline, usually a
// channel.Initializer.
func (b *Bootstrap) Handler(h channel.Handler) *Bootstrap {
	b.s.setHandler(h)
	return b
}

// LocalAddress sets the address Bind uses by default and Connect binds to.
func (b *Bootstrap) LocalAddress(a net.Addr) *Bootstrap {
	b.s.setLocal(a)
	return b
}

// RemoteAddress sets the address Connect uses by default.
func (b *Bootstrap) RemoteAddress(a net.Addr) *Bootstrap {
	b.s.mu.Lock()
	b.remote = a
	b.s.mu.Unlock()
	return b
}

// Clone returns an independent copy.
func (b *Bootstrap) Clone() *Bootstrap {
	c := &Bootstrap{s: b.s.clone()}
	b.s.mu.Lock()
	c.remote = b.remote
	b.s.mu.Unlock()
	return c
}

// Validate reports the first missing setting.
func (b *Bootstrap) Validate() error {
	s := b.s.clone()
	return b.validate(&s)
}

func (b *Bootstrap) validate(s *settings) error {
	if err := s.validate(); err != nil {
		return err
	}
	if s.handler == nil {
		return api.ErrHandlerNotSet
	}
	return nil
}

// Register creates a channel and registers it without binding or connecting.
func (b *Bootstrap) Register() *channel.ChannelPromise {
	s := b.s.clone()
	if err := b.validate(&s); err != nil {
		return failed(err)
	}
	return s.initAndRegister(func(ch *channel.Channel) error { return initClient(ch, &s) })
}

// Bind creates and registers a channel, then binds it to local, or to the
// configured LocalAddress when local is nil.
func (b *Bootstrap) Bind(local net.Addr) *channel.ChannelPromise {
	s := b.s.clone()
	if err := b.validate(&s); err != nil {
		return failed(err)
	}
	if local == nil {
		local = s.local
	}
	if local == nil {
		return failed(api.ErrAddressNotSet)
	}
	return doBind(&s, local, func(ch *channel.Channel) error { return initClient(ch, &s) })
}

// Connect creates and registers a channel, then connects it to remote, or to
// the configured RemoteAddress when remote is nil.
func (b *Bootstrap) Connect(remote net.Addr) *channel.ChannelPromise {
	return b.ConnectFrom(remote, nil)
}

// ConnectFrom is Connect with an explicit local address. A nil local uses the
// configured LocalAddress, if any.
func (b *Bootstrap) ConnectFrom(remote, local net.Addr) *channel.ChannelPromise {
	s := b.s.clone()
	b.s.mu.Lock()
	if remote == nil {
		remote = b.remote
	}
	b.s.mu.Unlock()
	if err := b.validate(&s); err != nil {
		return failed(err)
	}
	if remote == nil {
		return failed(api.ErrAddressNotSet)
	}
	if local == nil {
		local = s.local
	}
	reg := s.initAndRegister(func(ch *channel.Channel) error { return initClient(ch, &s) })
	return afterRegistration(reg, func(ch *channel.Channel) *channel.ChannelPromise {
		return ch.ConnectFrom(remote, local)
	})
}

func initClient(ch *channel.Channel, s *settings) error {
	if err := ch.Pipeline().AddLast("", s.handler); err != nil {
		return err
	}
	applyOptions(ch, s.options)
	applyAttrs(ch, s.attrs)
	return nil
}

// doBind registers a channel prepared by init and binds it. A failed bind
// closes the channel.
func doBind(s *settings, local net.Addr, init func(ch *channel.Channel) error) *channel.ChannelPromise {
	reg := s.initAndRegister(init)
	return afterRegistration(reg, func(ch *channel.Channel) *channel.ChannelPromise {
		return ch.Bind(local).AddChannelListener(func(p *channel.ChannelPromise) {
			if p.Cause() != nil {
				ch.Close()
			}
		})
	})
}
