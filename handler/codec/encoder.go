// File: handler/codec/encoder.go
// License: Apache-2.0

package codec

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/buffer"
	"github.com/momentics/hioload-nio/channel"
)

// Encoder writes msg into out.
type Encoder[I any] interface {
	Encode(ctx *channel.HandlerContext, msg I, out *buffer.ByteBuf) error
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc[I any] func(ctx *channel.HandlerContext, msg I, out *buffer.ByteBuf) error

func (f EncoderFunc[I]) Encode(ctx *channel.HandlerContext, msg I, out *buffer.ByteBuf) error {
	return f(ctx, msg, out)
}

// MessageToByteEncoder encodes outbound messages of type I into a fresh
// buffer and writes that instead. Other messages pass through untouched.
// The encoded message is released once encoded.
//
// The encoder itself is stateless; it is sharable when the wrapped Encoder is.
type MessageToByteEncoder[I any] struct {
	encoder  Encoder[I]
	sharable bool
}

// NewMessageToByteEncoder wraps e. Pass sharable only if e keeps no
// per-channel state.
func NewMessageToByteEncoder[I any](e Encoder[I], sharable bool) *MessageToByteEncoder[I] {
	return &MessageToByteEncoder[I]{encoder: e, sharable: sharable}
}

func (e *MessageToByteEncoder[I]) IsSharable() bool { return e.sharable }

func (e *MessageToByteEncoder[I]) Write(ctx *channel.HandlerContext, msg any, p *channel.ChannelPromise) {
	m, ok := msg.(I)
	if !ok {
		ctx.Write(msg, p)
		return
	}
	buf := ctx.Alloc().IOBuffer(0)
	err := e.encode(ctx, m, buf)
	api.SafeRelease(m)
	if err != nil {
		buf.Release()
		failWrite(ctx, p, err)
		return
	}
	// Empty output is still written so that p completes in order.
	ctx.Write(buf, p)
}

func (e *MessageToByteEncoder[I]) encode(ctx *channel.HandlerContext, msg I, out *buffer.ByteBuf) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.FromPanic(r)
		}
	}()
	return e.encoder.Encode(ctx, msg, out)
}

func encoderError(err error) error {
	if errors.Is(err, api.ErrEncoder) {
		return err
	}
	return fmt.Errorf("%w: %w", api.ErrEncoder, err)
}

// failWrite fails p, or logs the failure of a write nobody waits for.
func failWrite(ctx *channel.HandlerContext, p *channel.ChannelPromise, err error) {
	err = encoderError(err)
	if p != nil {
		p.TryFailure(err)
		return
	}
	channel.Logger().Warn().Err(err).Str("channel", ctx.Channel().String()).Str("handler", ctx.Name()).Msg("outbound message dropped")
}
