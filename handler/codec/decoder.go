// File: handler/codec/decoder.go
// License: Apache-2.0
//
// Package codec provides handlers converting between byte buffers and
// messages: a cumulating decoder base, a typed encoder base and length-field
// framing on top of both.

package codec

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/buffer"
	"github.com/momentics/hioload-nio/channel"
)

// Decoder turns cumulated bytes into messages. Decode consumes what it used
// from in and appends the decoded messages to out. Returning with in untouched
// and nothing appended asks for more input.
type Decoder interface {
	Decode(ctx *channel.HandlerContext, in *buffer.ByteBuf, out []any) ([]any, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx *channel.HandlerContext, in *buffer.ByteBuf, out []any) ([]any, error)

func (f DecoderFunc) Decode(ctx *channel.HandlerContext, in *buffer.ByteBuf, out []any) ([]any, error) {
	return f(ctx, in, out)
}

// LastDecoder is implemented by decoders that handle the bytes left over when
// the channel goes inactive. Others get one more plain Decode call.
type LastDecoder interface {
	DecodeLast(ctx *channel.HandlerContext, in *buffer.ByteBuf, out []any) ([]any, error)
}

// Cumulator merges in into cumulation and releases in. It returns the buffer
// to cumulate into from now on.
type Cumulator func(alloc buffer.Allocator, cumulation, in *buffer.ByteBuf) (*buffer.ByteBuf, error)

// MergeCumulator copies in behind the readable bytes of cumulation, switching
// to a fresh buffer when cumulation is shared or cannot grow enough.
func MergeCumulator(alloc buffer.Allocator, cumulation, in *buffer.ByteBuf) (*buffer.ByteBuf, error) {
	defer in.Release()
	if cumulation.RefCnt() > 1 || cumulation.MaxWritableBytes() < in.ReadableBytes() {
		cumulation = expandCumulation(alloc, cumulation, in.ReadableBytes())
	}
	if _, err := cumulation.WriteBuf(in); err != nil {
		return cumulation, err
	}
	return cumulation, nil
}

func expandCumulation(alloc buffer.Allocator, old *buffer.ByteBuf, extra int) *buffer.ByteBuf {
	next := alloc.Buffer(old.ReadableBytes()+extra, 0)
	_, _ = next.WriteBuf(old)
	old.Release()
	return next
}

type decodeState uint8

const (
	stateInit decodeState = iota
	stateDecoding
	stateRemovePending
)

// DecoderOption configures a ByteToMessageDecoder.
type DecoderOption func(*ByteToMessageDecoder)

// WithCumulator replaces MergeCumulator.
func WithCumulator(c Cumulator) DecoderOption {
	return func(d *ByteToMessageDecoder) {
		if c != nil {
			d.cumulator = c
		}
	}
}

// WithSingleDecode stops after one decoded message per read, for protocols
// that switch handlers mid-stream.
func WithSingleDecode() DecoderOption {
	return func(d *ByteToMessageDecoder) { d.singleDecode = true }
}

// WithDiscardAfterReads sets how many reads may pass before consumed bytes are
// compacted out of the cumulation. The default is 16.
func WithDiscardAfterReads(n int) DecoderOption {
	return func(d *ByteToMessageDecoder) {
		if n > 0 {
			d.discardAfterReads = n
		}
	}
}

// ByteToMessageDecoder cumulates inbound *buffer.ByteBuf messages and runs a
// Decoder over them until it stops making progress. Other messages pass
// through. On channel inactive the remaining bytes are decoded one last time.
//
// It keeps per-channel state and is not sharable.
type ByteToMessageDecoder struct {
	decoder           Decoder
	cumulator         Cumulator
	singleDecode      bool
	discardAfterReads int

	cumulation *buffer.ByteBuf
	first      bool
	firedRead  bool
	numReads   int
	state      decodeState
}

// NewByteToMessageDecoder wraps d.
func NewByteToMessageDecoder(d Decoder, opts ...DecoderOption) *ByteToMessageDecoder {
	b := &ByteToMessageDecoder{decoder: d, cumulator: MergeCumulator, discardAfterReads: 16}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ActualReadableBytes returns the number of cumulated bytes not yet decoded.
func (b *ByteToMessageDecoder) ActualReadableBytes() int {
	if b.cumulation == nil {
		return 0
	}
	return b.cumulation.ReadableBytes()
}

func (b *ByteToMessageDecoder) ChannelRead(ctx *channel.HandlerContext, msg any) {
	data, ok := msg.(*buffer.ByteBuf)
	if !ok {
		ctx.FireChannelRead(msg)
		return
	}

	var (
		out []any
		err error
	)
	b.first = b.cumulation == nil
	if b.first {
		b.cumulation = data
	} else {
		b.cumulation, err = b.cumulator(ctx.Alloc(), b.cumulation, data)
	}
	if err == nil {
		out, err = b.callDecode(ctx, b.cumulation, out)
	}

	if b.cumulation != nil && !b.cumulation.IsReadable() {
		b.numReads = 0
		b.cumulation.Release()
		b.cumulation = nil
	} else if b.numReads++; b.numReads >= b.discardAfterReads {
		b.numReads = 0
		b.discardSomeReadBytes()
	}
	b.fire(ctx, out)
	if err != nil {
		ctx.FireExceptionCaught(decoderError(err))
	}
}

func (b *ByteToMessageDecoder) ChannelReadComplete(ctx *channel.HandlerContext) {
	b.numReads = 0
	b.discardSomeReadBytes()
	if !b.firedRead && !ctx.Channel().Config().AutoRead() {
		// Nothing decoded yet and nobody else will ask for more.
		ctx.Read()
	}
	b.firedRead = false
	ctx.FireChannelReadComplete()
}

func (b *ByteToMessageDecoder) ChannelInactive(ctx *channel.HandlerContext) {
	var (
		out []any
		err error
	)
	if b.cumulation != nil {
		out, err = b.callDecode(ctx, b.cumulation, out)
		if err == nil && b.cumulation != nil && b.cumulation.IsReadable() && !ctx.IsRemoved() {
			out, err = b.decode(ctx, b.cumulation, out, true)
		}
	}
	if b.cumulation != nil {
		b.cumulation.Release()
		b.cumulation = nil
	}
	b.fire(ctx, out)
	if len(out) > 0 {
		ctx.FireChannelReadComplete()
	}
	if err != nil {
		ctx.FireExceptionCaught(decoderError(err))
	}
	ctx.FireChannelInactive()
}

// HandlerRemoved passes undecoded bytes on to the next handler. A removal
// from inside Decode is deferred until Decode returns.
func (b *ByteToMessageDecoder) HandlerRemoved(ctx *channel.HandlerContext) {
	if b.state == stateDecoding {
		b.state = stateRemovePending
		return
	}
	buf := b.cumulation
	if buf == nil {
		return
	}
	b.cumulation = nil
	b.numReads = 0
	if !buf.IsReadable() {
		buf.Release()
		return
	}
	ctx.FireChannelRead(buf)
	ctx.FireChannelReadComplete()
}

// callDecode decodes until the decoder stops consuming input. Messages are
// fired as soon as the next round starts so that a handler replacing the
// decoder sees them first.
func (b *ByteToMessageDecoder) callDecode(ctx *channel.HandlerContext, in *buffer.ByteBuf, out []any) ([]any, error) {
	for in.IsReadable() {
		if len(out) > 0 {
			b.fire(ctx, out)
			out = nil
			if ctx.IsRemoved() {
				break
			}
		}

		before := in.ReadableBytes()
		var err error
		out, err = b.decode(ctx, in, out, false)
		if err != nil {
			return out, err
		}
		if ctx.IsRemoved() {
			break
		}
		if len(out) == 0 {
			if before == in.ReadableBytes() {
				break
			}
			continue
		}
		if before == in.ReadableBytes() {
			return out, fmt.Errorf("%T decoded a message without consuming input", b.decoder)
		}
		if b.singleDecode {
			break
		}
	}
	return out, nil
}

func (b *ByteToMessageDecoder) decode(ctx *channel.HandlerContext, in *buffer.ByteBuf, out []any, last bool) (res []any, err error) {
	b.state = stateDecoding
	defer func() {
		if r := recover(); r != nil {
			err = api.FromPanic(r)
		}
		removePending := b.state == stateRemovePending
		b.state = stateInit
		if removePending {
			b.fire(ctx, res)
			res = nil
			b.HandlerRemoved(ctx)
		}
	}()
	if ld, ok := b.decoder.(LastDecoder); ok && last {
		return ld.DecodeLast(ctx, in, out)
	}
	return b.decoder.Decode(ctx, in, out)
}

func (b *ByteToMessageDecoder) fire(ctx *channel.HandlerContext, out []any) {
	if len(out) == 0 {
		return
	}
	b.firedRead = true
	for _, msg := range out {
		ctx.FireChannelRead(msg)
	}
}

func (b *ByteToMessageDecoder) discardSomeReadBytes() {
	if b.cumulation != nil && !b.first && b.cumulation.RefCnt() == 1 {
		b.cumulation.DiscardReadBytes()
	}
}

func decoderError(err error) error {
	if errors.Is(err, api.ErrDecoder) {
		return err
	}
	return fmt.Errorf("%w: %w", api.ErrDecoder, err)
}
