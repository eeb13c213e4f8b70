// File: handler/logging/logging.go
// License: Apache-2.0
//
// Package logging provides a pipeline handler that logs every event passing
// through it.

package logging

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-nio/buffer"
	"github.com/momentics/hioload-nio/channel"
)

var pkgLogger atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Str("component", "handler").Logger().Level(zerolog.WarnLevel)
	pkgLogger.Store(&l)
}

// SetLogger replaces the logger used by handlers created without WithLogger.
func SetLogger(l zerolog.Logger) {
	pkgLogger.Store(&l)
}

// Logger returns the package logger.
func Logger() *zerolog.Logger {
	return pkgLogger.Load()
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger logs to l instead of the package logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) { h.logger = &l }
}

// WithLevel sets the level events are logged at. The default is debug.
func WithLevel(level zerolog.Level) Option {
	return func(h *Handler) { h.level = level }
}

// WithPayloadLimit sets how many bytes of a buffer are dumped in hex. Zero,
// the default, logs only the size.
func WithPayloadLimit(n int) Option {
	return func(h *Handler) { h.payloadLimit = max(n, 0) }
}

// Handler logs inbound and outbound events with the channel id and
// addresses, then passes them on unchanged. It keeps no per-channel state and
// is sharable.
type Handler struct {
	logger       *zerolog.Logger
	level        zerolog.Level
	payloadLimit int
}

// New creates a handler.
func New(opts ...Option) *Handler {
	h := &Handler{level: zerolog.DebugLevel}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (*Handler) IsSharable() bool { return true }

// Level returns the level events are logged at.
func (h *Handler) Level() zerolog.Level { return h.level }

func (h *Handler) log() *zerolog.Logger {
	if h.logger != nil {
		return h.logger
	}
	return Logger()
}

// event starts a log entry for ctx's channel, or returns nil when the level
// is disabled. zerolog events are nil-safe.
func (h *Handler) event(ctx *channel.HandlerContext, name string) *zerolog.Event {
	l := h.log()
	if l.GetLevel() > h.level {
		return nil
	}
	ch := ctx.Channel()
	e := l.WithLevel(h.level).Str("channel", ch.ID().Short()).Str("event", name)
	if a := ch.LocalAddress(); a != nil {
		e = e.Str("local", a.String())
	}
	if a := ch.RemoteAddress(); a != nil {
		e = e.Str("remote", a.String())
	}
	return e
}

func (h *Handler) message(e *zerolog.Event, msg any) *zerolog.Event {
	if e == nil {
		return nil
	}
	switch m := msg.(type) {
	case *buffer.ByteBuf:
		e = e.Int("bytes", m.ReadableBytes())
		if h.payloadLimit > 0 {
			b := m.Bytes()
			e = e.Hex("payload", b[:min(len(b), h.payloadLimit)])
		}
		return e
	case []byte:
		return e.Int("bytes", len(m))
	case fmt.Stringer:
		return e.Stringer("msg", m)
	}
	return e.Str("type", fmt.Sprintf("%T", msg))
}

func (h *Handler) ChannelRegistered(ctx *channel.HandlerContext) {
	h.event(ctx, "REGISTERED").Send()
	ctx.FireChannelRegistered()
}

func (h *Handler) ChannelUnregistered(ctx *channel.HandlerContext) {
	h.event(ctx, "UNREGISTERED").Send()
	ctx.FireChannelUnregistered()
}

func (h *Handler) ChannelActive(ctx *channel.HandlerContext) {
	h.event(ctx, "ACTIVE").Send()
	ctx.FireChannelActive()
}

func (h *Handler) ChannelInactive(ctx *channel.HandlerContext) {
	h.event(ctx, "INACTIVE").Send()
	ctx.FireChannelInactive()
}

func (h *Handler) ChannelRead(ctx *channel.HandlerContext, msg any) {
	h.message(h.event(ctx, "READ"), msg).Send()
	ctx.FireChannelRead(msg)
}

func (h *Handler) ChannelReadComplete(ctx *channel.HandlerContext) {
	h.event(ctx, "READ COMPLETE").Send()
	ctx.FireChannelReadComplete()
}

func (h *Handler) UserEventTriggered(ctx *channel.HandlerContext, evt any) {
	h.event(ctx, "USER_EVENT").Str("evt", fmt.Sprint(evt)).Send()
	ctx.FireUserEventTriggered(evt)
}

func (h *Handler) ChannelWritabilityChanged(ctx *channel.HandlerContext) {
	h.event(ctx, "WRITABILITY CHANGED").Bool("writable", ctx.Channel().IsWritable()).Send()
	ctx.FireChannelWritabilityChanged()
}

func (h *Handler) ExceptionCaught(ctx *channel.HandlerContext, err error) {
	h.event(ctx, "EXCEPTION").Err(err).Send()
	ctx.FireExceptionCaught(err)
}

func (h *Handler) Bind(ctx *channel.HandlerContext, local net.Addr, p *channel.ChannelPromise) {
	h.event(ctx, "BIND").Stringer("addr", local).Send()
	ctx.Bind(local, p)
}

func (h *Handler) Connect(ctx *channel.HandlerContext, remote, local net.Addr, p *channel.ChannelPromise) {
	e := h.event(ctx, "CONNECT").Stringer("addr", remote)
	if local != nil {
		e = e.Stringer("from", local)
	}
	e.Send()
	ctx.Connect(remote, local, p)
}

func (h *Handler) Disconnect(ctx *channel.HandlerContext, p *channel.ChannelPromise) {
	h.event(ctx, "DISCONNECT").Send()
	ctx.Disconnect(p)
}

func (h *Handler) Close(ctx *channel.HandlerContext, p *channel.ChannelPromise) {
	h.event(ctx, "CLOSE").Send()
	ctx.Close(p)
}

func (h *Handler) Deregister(ctx *channel.HandlerContext, p *channel.ChannelPromise) {
	h.event(ctx, "DEREGISTER").Send()
	ctx.Deregister(p)
}

func (h *Handler) Read(ctx *channel.HandlerContext) {
	h.event(ctx, "READ REQUEST").Send()
	ctx.Read()
}

func (h *Handler) Write(ctx *channel.HandlerContext, msg any, p *channel.ChannelPromise) {
	h.message(h.event(ctx, "WRITE"), msg).Send()
	ctx.Write(msg, p)
}

func (h *Handler) Flush(ctx *channel.HandlerContext) {
	h.event(ctx, "FLUSH").Send()
	ctx.Flush()
}
