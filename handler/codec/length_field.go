// File: handler/codec/length_field.go
// License: Apache-2.0

package codec

import (
	"fmt"
	"math"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/buffer"
	"github.com/momentics/hioload-nio/channel"
)

// LengthFieldConfig describes a frame whose length is carried in a header
// field. Lengths are big-endian unsigned integers of 1, 2, 3, 4 or 8 bytes.
type LengthFieldConfig struct {
	// MaxFrameLength bounds the whole frame, header included.
	MaxFrameLength int
	// LengthFieldOffset is where the length field starts.
	LengthFieldOffset int
	// LengthFieldLength is the width of the length field in bytes.
	LengthFieldLength int
	// LengthAdjustment is added to the field's value to get the number of
	// bytes following the length field.
	LengthAdjustment int
	// InitialBytesToStrip is removed from the front of each decoded frame.
	InitialBytesToStrip int
	// FailFast reports a too long frame as soon as its length is known
	// instead of after the whole frame was skipped.
	FailFast bool
}

func (c LengthFieldConfig) validate() error {
	switch {
	case c.MaxFrameLength <= 0:
		return fmt.Errorf("%w: max frame length must be positive, got %d", api.ErrInvalidArgument, c.MaxFrameLength)
	case c.LengthFieldOffset < 0:
		return fmt.Errorf("%w: length field offset must be non-negative, got %d", api.ErrInvalidArgument, c.LengthFieldOffset)
	case c.InitialBytesToStrip < 0:
		return fmt.Errorf("%w: initial bytes to strip must be non-negative, got %d", api.ErrInvalidArgument, c.InitialBytesToStrip)
	case c.LengthFieldOffset > c.MaxFrameLength-c.LengthFieldLength:
		return fmt.Errorf("%w: length field ends at %d, beyond max frame length %d",
			api.ErrInvalidArgument, c.LengthFieldOffset+c.LengthFieldLength, c.MaxFrameLength)
	}
	return checkFieldWidth(c.LengthFieldLength)
}

func checkFieldWidth(n int) error {
	switch n {
	case 1, 2, 3, 4, 8:
		return nil
	}
	return fmt.Errorf("%w: length field length must be 1, 2, 3, 4 or 8, got %d", api.ErrInvalidArgument, n)
}

// LengthFieldBasedFrameDecoder splits the byte stream into frames by a length
// header. Frames longer than MaxFrameLength are skipped and reported with
// api.ErrTooLongFrame.
type LengthFieldBasedFrameDecoder struct {
	*ByteToMessageDecoder

	cfg            LengthFieldConfig
	endOffset      int
	discarding     bool
	tooLongFrame   int64
	bytesToDiscard int64
}

// NewLengthFieldBasedFrameDecoder validates cfg and returns the decoder.
func NewLengthFieldBasedFrameDecoder(cfg LengthFieldConfig, opts ...DecoderOption) (*LengthFieldBasedFrameDecoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := &LengthFieldBasedFrameDecoder{cfg: cfg, endOffset: cfg.LengthFieldOffset + cfg.LengthFieldLength}
	d.ByteToMessageDecoder = NewByteToMessageDecoder(DecoderFunc(d.decodeFrame), opts...)
	return d, nil
}

// Every Skip stays within the readable bytes checked before it.
func (d *LengthFieldBasedFrameDecoder) decodeFrame(ctx *channel.HandlerContext, in *buffer.ByteBuf, out []any) ([]any, error) {
	if d.discarding {
		n := min(d.bytesToDiscard, int64(in.ReadableBytes()))
		in.Skip(int(n))
		d.bytesToDiscard -= n
		if err := d.failIfNecessary(false); err != nil {
			return out, err
		}
	}
	if in.ReadableBytes() < d.endOffset {
		return out, nil
	}

	field, err := in.GetUnsigned(in.ReaderIndex()+d.cfg.LengthFieldOffset, d.cfg.LengthFieldLength)
	if err != nil {
		return out, err
	}
	if field > math.MaxInt64-uint64(d.endOffset)-uint64(max(d.cfg.LengthAdjustment, 0)) {
		in.Skip(d.endOffset)
		return out, fmt.Errorf("%w: length field value %d out of range", api.ErrCorruptedFrame, field)
	}
	frameLength := int64(field) + int64(d.cfg.LengthAdjustment) + int64(d.endOffset)
	if frameLength < int64(d.endOffset) {
		in.Skip(d.endOffset)
		return out, fmt.Errorf("%w: adjusted frame length %d is less than length field end offset %d",
			api.ErrCorruptedFrame, frameLength, d.endOffset)
	}
	if frameLength > int64(d.cfg.MaxFrameLength) {
		return out, d.exceeded(in, frameLength)
	}

	n := int(frameLength)
	if in.ReadableBytes() < n {
		return out, nil
	}
	if d.cfg.InitialBytesToStrip > n {
		in.Skip(n)
		return out, fmt.Errorf("%w: adjusted frame length %d is less than initial bytes to strip %d",
			api.ErrCorruptedFrame, frameLength, d.cfg.InitialBytesToStrip)
	}
	in.Skip(d.cfg.InitialBytesToStrip)
	n -= d.cfg.InitialBytesToStrip

	frame := ctx.Alloc().Buffer(n, n)
	frame.Write(in.Bytes()[:n])
	in.Skip(n)
	return append(out, frame), nil
}

// exceeded starts skipping a frame that is too long.
func (d *LengthFieldBasedFrameDecoder) exceeded(in *buffer.ByteBuf, frameLength int64) error {
	discard := frameLength - int64(in.ReadableBytes())
	d.tooLongFrame = frameLength
	if discard < 0 {
		in.Skip(int(frameLength))
	} else {
		d.discarding = true
		d.bytesToDiscard = discard
		in.Skip(in.ReadableBytes())
	}
	return d.failIfNecessary(true)
}

func (d *LengthFieldBasedFrameDecoder) failIfNecessary(first bool) error {
	if d.bytesToDiscard == 0 {
		tooLong := d.tooLongFrame
		d.tooLongFrame = 0
		d.discarding = false
		if !d.cfg.FailFast || first {
			return d.tooLong(tooLong)
		}
		return nil
	}
	if d.cfg.FailFast && first {
		return d.tooLong(d.tooLongFrame)
	}
	return nil
}

func (d *LengthFieldBasedFrameDecoder) tooLong(frameLength int64) error {
	if frameLength > 0 {
		return fmt.Errorf("%w: %d bytes, max %d", api.ErrTooLongFrame, frameLength, d.cfg.MaxFrameLength)
	}
	return fmt.Errorf("%w: max %d, discarding", api.ErrTooLongFrame, d.cfg.MaxFrameLength)
}

// LengthFieldPrepender prefixes outbound buffers with their length.
type LengthFieldPrepender struct {
	*MessageToByteEncoder[*buffer.ByteBuf]

	width          int
	adjustment     int
	includesItself bool
}

// NewLengthFieldPrepender creates a prepender writing a width-byte length.
// The written value is the payload length plus adjustment, plus width when
// includesItself is set.
func NewLengthFieldPrepender(width, adjustment int, includesItself bool) (*LengthFieldPrepender, error) {
	if err := checkFieldWidth(width); err != nil {
		return nil, err
	}
	p := &LengthFieldPrepender{width: width, adjustment: adjustment, includesItself: includesItself}
	p.MessageToByteEncoder = NewMessageToByteEncoder[*buffer.ByteBuf](EncoderFunc[*buffer.ByteBuf](p.encode), true)
	return p, nil
}

func (p *LengthFieldPrepender) encode(_ *channel.HandlerContext, msg *buffer.ByteBuf, out *buffer.ByteBuf) error {
	length := int64(msg.ReadableBytes()) + int64(p.adjustment)
	if p.includesItself {
		length += int64(p.width)
	}
	if length < 0 {
		return fmt.Errorf("%w: adjusted frame length %d is negative", api.ErrInvalidArgument, length)
	}
	if p.width < 8 && length >= 1<<(8*p.width) {
		return fmt.Errorf("%w: length %d does not fit in %d bytes", api.ErrTooLongFrame, length, p.width)
	}
	if err := out.EnsureWritable(p.width + msg.ReadableBytes()); err != nil {
		return err
	}
	var hdr [8]byte
	for i := range p.width {
		hdr[p.width-1-i] = byte(length >> (8 * i))
	}
	if _, err := out.Write(hdr[:p.width]); err != nil {
		return err
	}
	_, err := out.WriteBuf(msg)
	return err
}
