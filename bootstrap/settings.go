// File: bootstrap/settings.go
// License: Apache-2.0

package bootstrap

import (
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/channel"
)

// Group is what channels are registered with: a *channel.EventLoopGroup or a
// single channel.EventLoop.
type Group interface {
	Register(ch *channel.Channel) *channel.ChannelPromise
}

// ChannelFactory creates an unregistered channel per bind or connect.
type ChannelFactory func() *channel.Channel

type attrValue struct {
	key   channel.AnyAttributeKey
	value any
}

// settings is the state both bootstraps share. Setters may be called from
// any goroutine; each operation works on a snapshot.
type settings struct {
	mu      sync.Mutex
	group   Group
	factory ChannelFactory
	local   net.Addr
	options []channel.OptionValue
	attrs   []attrValue
	handler channel.Handler
}

func (s *settings) clone() settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return settings{
		group:   s.group,
		factory: s.factory,
		local:   s.local,
		options: slices.Clone(s.options),
		attrs:   slices.Clone(s.attrs),
		handler: s.handler,
	}
}

func (s *settings) setGroup(g Group) {
	s.mu.Lock()
	s.group = g
	s.mu.Unlock()
}

func (s *settings) setFactory(f ChannelFactory) {
	s.mu.Lock()
	s.factory = f
	s.mu.Unlock()
}

func (s *settings) setLocal(a net.Addr) {
	s.mu.Lock()
	s.local = a
	s.mu.Unlock()
}

func (s *settings) setHandler(h channel.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *settings) setOption(opt channel.AnyOption, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options = putOption(s.options, opt, value)
}

func (s *settings) setAttr(key channel.AnyAttributeKey, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs = putAttr(s.attrs, key, value)
}

// putOption replaces or appends opt. A nil value removes it. A value of the
// wrong type panics: it is a programming error.
func putOption(list []channel.OptionValue, opt channel.AnyOption, value any) []channel.OptionValue {
	if opt == nil {
		panic(fmt.Errorf("%w: nil option", api.ErrInvalidOption))
	}
	list = slices.DeleteFunc(list, func(ov channel.OptionValue) bool { return ov.Option == opt })
	if value == nil {
		return list
	}
	if err := opt.Check(value); err != nil {
		panic(err)
	}
	return append(list, channel.OptionValue{Option: opt, Value: value})
}

func putAttr(list []attrValue, key channel.AnyAttributeKey, value any) []attrValue {
	if key == nil {
		panic(fmt.Errorf("%w: nil attribute key", api.ErrInvalidArgument))
	}
	list = slices.DeleteFunc(list, func(a attrValue) bool { return a.key == key })
	if value == nil {
		return list
	}
	if err := key.SetAny(&channel.AttributeMap{}, value); err != nil {
		panic(err)
	}
	return append(list, attrValue{key: key, value: value})
}

func (s *settings) validate() error {
	if s.group == nil {
		return api.ErrGroupNotSet
	}
	if s.factory == nil {
		return api.ErrChannelFactoryNotSet
	}
	return nil
}

// applyOptions sets every option on ch. Options the channel rejects are
// logged and skipped.
func applyOptions(ch *channel.Channel, options []channel.OptionValue) {
	for _, ov := range options {
		if err := ch.Config().Set(ov.Option, ov.Value); err != nil {
			Logger().Warn().Err(err).Str("channel", ch.String()).Str("option", ov.Option.Name()).Msg("channel rejected option")
		}
	}
}

func applyAttrs(ch *channel.Channel, attrs []attrValue) {
	for _, a := range attrs {
		// Types were checked when the attribute was configured.
		_ = a.key.SetAny(ch.Attrs(), a.value)
	}
}

// initAndRegister creates a channel, prepares it with init and registers it
// with s.group. Failures close the channel.
func (s *settings) initAndRegister(init func(ch *channel.Channel) error) *channel.ChannelPromise {
	ch, err := newChannel(s.factory)
	if err != nil {
		return channel.NewFailedChannelPromise(nil, err)
	}
	if err := init(ch); err != nil {
		ch.Unsafe().CloseForcibly()
		return channel.NewFailedChannelPromise(ch, err)
	}
	reg := s.group.Register(ch)
	reg.AddChannelListener(func(p *channel.ChannelPromise) {
		if p.Cause() == nil {
			return
		}
		Logger().Error().Err(p.Cause()).Str("channel", ch.String()).Msg("failed to register channel")
		closeChannel(ch)
	})
	return reg
}

func newChannel(factory ChannelFactory) (ch *channel.Channel, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel factory: %w", api.FromPanic(r))
		}
	}()
	ch = factory()
	if ch == nil {
		return nil, fmt.Errorf("%w: channel factory returned nil", api.ErrInvalidArgument)
	}
	return ch, nil
}

func closeChannel(ch *channel.Channel) {
	if ch.IsRegistered() {
		ch.Close()
		return
	}
	ch.Unsafe().CloseForcibly()
}

// afterRegistration runs op once reg succeeded and completes the returned
// promise with op's outcome. A failed registration fails it without running op.
func afterRegistration(reg *channel.ChannelPromise, op func(ch *channel.Channel) *channel.ChannelPromise) *channel.ChannelPromise {
	ch := reg.Channel()
	if reg.IsDone() && reg.Cause() != nil {
		return reg
	}
	p := channel.NewChannelPromise(ch)
	reg.AddChannelListener(func(r *channel.ChannelPromise) {
		if err := r.Cause(); err != nil {
			p.TryFailure(err)
			return
		}
		op(ch).Cascade(p)
	})
	return p
}

func failed(err error) *channel.ChannelPromise {
	Logger().Error().Err(err).Msg("invalid bootstrap configuration")
	return channel.NewFailedChannelPromise(nil, err)
}
