package codec_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/buffer"
	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/channel/embedded"
	"github.com/momentics/hioload-nio/handler/codec"
)

func buf(s string) *buffer.ByteBuf { return buffer.CopiedBuffer([]byte(s)) }

// text reads the next inbound message as a string, releasing buffers.
func text(t *testing.T, msg any) string {
	t.Helper()
	switch m := msg.(type) {
	case *buffer.ByteBuf:
		defer m.Release()
		return string(m.Bytes())
	case string:
		return m
	}
	t.Fatalf("unexpected message %T", msg)
	return ""
}

// fixed decodes frames of n bytes into strings.
type fixed struct{ n int }

func (f fixed) Decode(_ *channel.HandlerContext, in *buffer.ByteBuf, out []any) ([]any, error) {
	if in.ReadableBytes() < f.n {
		return out, nil
	}
	b, err := in.ReadBytes(f.n)
	if err != nil {
		return out, err
	}
	return append(out, string(b)), nil
}

// rest also emits whatever is left when the channel closes.
type rest struct{ fixed }

func (rest) DecodeLast(_ *channel.HandlerContext, in *buffer.ByteBuf, out []any) ([]any, error) {
	b, err := in.ReadBytes(in.ReadableBytes())
	if err != nil {
		return out, err
	}
	return append(out, "last:"+string(b)), nil
}

func TestByteToMessageDecoder_CumulatesPartialInput(t *testing.T) {
	ec := embedded.New(codec.NewByteToMessageDecoder(fixed{n: 4}))

	got, err := ec.WriteInbound(buf("ab"))
	require.NoError(t, err)
	assert.False(t, got)
	_, err = ec.WriteInbound(buf("cdef"))
	require.NoError(t, err)
	_, err = ec.WriteInbound(buf("gh"), buf("i"))
	require.NoError(t, err)

	assert.Equal(t, "abcd", text(t, ec.ReadInbound()))
	assert.Equal(t, "efgh", text(t, ec.ReadInbound()))
	assert.Nil(t, ec.ReadInbound())

	left, err := ec.Finish()
	require.NoError(t, err)
	assert.False(t, left)
}

func TestByteToMessageDecoder_PassesOtherMessages(t *testing.T) {
	ec := embedded.New(codec.NewByteToMessageDecoder(fixed{n: 4}))
	_, err := ec.WriteInbound(42)
	require.NoError(t, err)
	assert.Equal(t, 42, ec.ReadInbound())
}

func TestByteToMessageDecoder_SingleDecode(t *testing.T) {
	ec := embedded.New(codec.NewByteToMessageDecoder(fixed{n: 2}, codec.WithSingleDecode()))
	_, err := ec.WriteInbound(buf("aabbcc"))
	require.NoError(t, err)
	assert.Equal(t, "aa", text(t, ec.ReadInbound()))
	assert.Nil(t, ec.ReadInbound())

	// The next read picks up where decoding stopped.
	_, err = ec.WriteInbound(buf("d"))
	require.NoError(t, err)
	assert.Equal(t, "bb", text(t, ec.ReadInbound()))
}

func TestByteToMessageDecoder_DecodesLastOnInactive(t *testing.T) {
	ec := embedded.New(codec.NewByteToMessageDecoder(rest{fixed{n: 4}}))
	_, err := ec.WriteInbound(buf("abcdxy"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", text(t, ec.ReadInbound()))

	left, err := ec.Finish()
	require.NoError(t, err)
	assert.True(t, left)
	assert.Equal(t, "last:xy", text(t, ec.ReadInbound()))
}

func TestByteToMessageDecoder_PlainDecoderGetsOneMoreCallOnInactive(t *testing.T) {
	calls := 0
	dec := codec.DecoderFunc(func(_ *channel.HandlerContext, in *buffer.ByteBuf, out []any) ([]any, error) {
		calls++
		return out, nil
	})
	ec := embedded.New(codec.NewByteToMessageDecoder(dec))
	_, err := ec.WriteInbound(buf("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = ec.Finish()
	require.NoError(t, err)
	// One round from the final callDecode, one from the last decode.
	assert.Equal(t, 3, calls)
}

func TestByteToMessageDecoder_ReportsErrors(t *testing.T) {
	errBad := errors.New("bad magic")
	dec := codec.DecoderFunc(func(_ *channel.HandlerContext, in *buffer.ByteBuf, out []any) ([]any, error) {
		_ = in.Skip(in.ReadableBytes())
		return out, errBad
	})
	ec := embedded.New(codec.NewByteToMessageDecoder(dec))
	_, err := ec.WriteInbound(buf("zzz"))
	assert.ErrorIs(t, err, api.ErrDecoder)
	assert.ErrorIs(t, err, errBad)
}

func TestByteToMessageDecoder_RecoversPanics(t *testing.T) {
	dec := codec.DecoderFunc(func(*channel.HandlerContext, *buffer.ByteBuf, []any) ([]any, error) {
		panic("decoder bug")
	})
	ec := embedded.New(codec.NewByteToMessageDecoder(dec))
	_, err := ec.WriteInbound(buf("zzz"))
	assert.ErrorIs(t, err, api.ErrDecoder)
	assert.ErrorContains(t, err, "decoder bug")
}

func TestByteToMessageDecoder_RejectsOutputWithoutProgress(t *testing.T) {
	dec := codec.DecoderFunc(func(_ *channel.HandlerContext, _ *buffer.ByteBuf, out []any) ([]any, error) {
		return append(out, "phantom"), nil
	})
	ec := embedded.New(codec.NewByteToMessageDecoder(dec))
	_, err := ec.WriteInbound(buf("a"))
	assert.ErrorIs(t, err, api.ErrDecoder)
	assert.Equal(t, "phantom", ec.ReadInbound())
}

func TestByteToMessageDecoder_RemovalForwardsLeftover(t *testing.T) {
	dec := codec.DecoderFunc(func(ctx *channel.HandlerContext, in *buffer.ByteBuf, out []any) ([]any, error) {
		if in.ReadableBytes() < 4 {
			return out, nil
		}
		b, _ := in.ReadBytes(4)
		// Switch protocols after the greeting.
		_ = ctx.Pipeline().Remove(ctx.Handler())
		return append(out, string(b)), nil
	})
	ec := embedded.New(codec.NewByteToMessageDecoder(dec))
	_, err := ec.WriteInbound(buf("helo"+"payload"))
	require.NoError(t, err)

	assert.Equal(t, "helo", text(t, ec.ReadInbound()))
	assert.Equal(t, "payload", text(t, ec.ReadInbound()))
	assert.Equal(t, 0, ec.Pipeline().Len())
}

func TestByteToMessageDecoder_ReleasesCumulationOnClose(t *testing.T) {
	in := buf("abc")
	ec := embedded.New(codec.NewByteToMessageDecoder(fixed{n: 4}))
	_, err := ec.WriteInbound(in)
	require.NoError(t, err)
	assert.Equal(t, int32(1), in.RefCnt())

	_, err = ec.Finish()
	require.NoError(t, err)
	assert.Equal(t, int32(0), in.RefCnt())
}

func lengthFieldDecoder(t *testing.T, cfg codec.LengthFieldConfig) *embedded.Channel {
	t.Helper()
	d, err := codec.NewLengthFieldBasedFrameDecoder(cfg)
	require.NoError(t, err)
	return embedded.New(d)
}

func TestLengthFieldBasedFrameDecoder_SplitsFrames(t *testing.T) {
	ec := lengthFieldDecoder(t, codec.LengthFieldConfig{
		MaxFrameLength:      64,
		LengthFieldLength:   2,
		InitialBytesToStrip: 2,
	})

	stream := "\x00\x03abc" + "\x00\x00" + "\x00\x02de"
	for i := range len(stream) {
		_, err := ec.WriteInbound(buf(stream[i : i+1]))
		require.NoError(t, err)
	}
	assert.Equal(t, "abc", text(t, ec.ReadInbound()))
	assert.Equal(t, "", text(t, ec.ReadInbound()))
	assert.Equal(t, "de", text(t, ec.ReadInbound()))
	assert.Nil(t, ec.ReadInbound())
}

func TestLengthFieldBasedFrameDecoder_OffsetAndAdjustment(t *testing.T) {
	// A magic byte, a 3-byte length covering the whole frame, then the body.
	ec := lengthFieldDecoder(t, codec.LengthFieldConfig{
		MaxFrameLength:    64,
		LengthFieldOffset: 1,
		LengthFieldLength: 3,
		LengthAdjustment:  -4,
	})
	_, err := ec.WriteInbound(buf("\xca\x00\x00\x06hi"))
	require.NoError(t, err)
	assert.Equal(t, "\xca\x00\x00\x06hi", text(t, ec.ReadInbound()))
}

func TestLengthFieldBasedFrameDecoder_SkipsTooLongFrame(t *testing.T) {
	ec := lengthFieldDecoder(t, codec.LengthFieldConfig{
		MaxFrameLength:      8,
		LengthFieldLength:   2,
		InitialBytesToStrip: 2,
	})

	// 20 bytes announced, 5 arrive: skipping starts, no error yet.
	_, err := ec.WriteInbound(buf("\x00\x14abcde"))
	require.NoError(t, err)
	_, err = ec.WriteInbound(buf(strings.Repeat("x", 15)))
	assert.ErrorIs(t, err, api.ErrTooLongFrame)
	assert.ErrorIs(t, err, api.ErrDecoder)

	_, err = ec.WriteInbound(buf("\x00\x01z"))
	require.NoError(t, err)
	assert.Equal(t, "z", text(t, ec.ReadInbound()))
}

func TestLengthFieldBasedFrameDecoder_FailFast(t *testing.T) {
	ec := lengthFieldDecoder(t, codec.LengthFieldConfig{
		MaxFrameLength:      8,
		LengthFieldLength:   2,
		InitialBytesToStrip: 2,
		FailFast:            true,
	})
	_, err := ec.WriteInbound(buf("\x00\x14abc"))
	assert.ErrorIs(t, err, api.ErrTooLongFrame)

	_, err = ec.WriteInbound(buf(strings.Repeat("x", 17) + "\x00\x01z"))
	require.NoError(t, err)
	assert.Equal(t, "z", text(t, ec.ReadInbound()))
}

func TestLengthFieldBasedFrameDecoder_CorruptedLength(t *testing.T) {
	ec := lengthFieldDecoder(t, codec.LengthFieldConfig{
		MaxFrameLength:    64,
		LengthFieldLength: 1,
		LengthAdjustment:  -5,
	})
	_, err := ec.WriteInbound(buf("\x01a"))
	assert.ErrorIs(t, err, api.ErrCorruptedFrame)
}

func TestLengthFieldConfig_Validation(t *testing.T) {
	for name, cfg := range map[string]codec.LengthFieldConfig{
		"width":    {MaxFrameLength: 16, LengthFieldLength: 5},
		"max":      {MaxFrameLength: 0, LengthFieldLength: 2},
		"offset":   {MaxFrameLength: 16, LengthFieldLength: 2, LengthFieldOffset: 15},
		"negative": {MaxFrameLength: 16, LengthFieldLength: 2, InitialBytesToStrip: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := codec.NewLengthFieldBasedFrameDecoder(cfg)
			assert.ErrorIs(t, err, api.ErrInvalidArgument)
		})
	}
	_, err := codec.NewLengthFieldPrepender(6, 0, false)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestLengthFieldPrepender(t *testing.T) {
	p, err := codec.NewLengthFieldPrepender(2, 0, false)
	require.NoError(t, err)
	ec := embedded.New(p)
	payload := buf("abc")
	_, err = ec.WriteOutbound(payload)
	require.NoError(t, err)
	assert.Equal(t, "\x00\x03abc", text(t, ec.ReadOutbound()))
	assert.Equal(t, int32(0), payload.RefCnt())

	p4, err := codec.NewLengthFieldPrepender(4, 1, true)
	require.NoError(t, err)
	ec = embedded.New(p4)
	_, err = ec.WriteOutbound(buf("ab"))
	require.NoError(t, err)
	assert.Equal(t, "\x00\x00\x00\x07ab", text(t, ec.ReadOutbound()))
}

func TestLengthFieldPrepender_TooLong(t *testing.T) {
	p, err := codec.NewLengthFieldPrepender(1, 0, false)
	require.NoError(t, err)
	ec := embedded.New(p)
	_, err = ec.WriteOutbound(buf(strings.Repeat("a", 256)))
	assert.ErrorIs(t, err, api.ErrEncoder)
	assert.ErrorIs(t, err, api.ErrTooLongFrame)
	assert.Nil(t, ec.ReadOutbound())
}

func TestLengthField_RoundTrip(t *testing.T) {
	p, err := codec.NewLengthFieldPrepender(4, 0, false)
	require.NoError(t, err)
	out := embedded.New(p)
	in := lengthFieldDecoder(t, codec.LengthFieldConfig{
		MaxFrameLength:      1 << 16,
		LengthFieldLength:   4,
		InitialBytesToStrip: 4,
	})

	msgs := []string{"one", strings.Repeat("two", 1000), "", "four"}
	for _, m := range msgs {
		_, err := out.WriteOutbound(buf(m))
		require.NoError(t, err)
	}
	for b := out.ReadOutbound(); b != nil; b = out.ReadOutbound() {
		_, err := in.WriteInbound(b)
		require.NoError(t, err)
	}
	for _, m := range msgs {
		assert.Equal(t, m, text(t, in.ReadInbound()))
	}
}

func TestMessageToByteEncoder(t *testing.T) {
	enc := codec.NewMessageToByteEncoder[string](codec.EncoderFunc[string](
		func(_ *channel.HandlerContext, msg string, out *buffer.ByteBuf) error {
			_, err := out.WriteString(strings.ToUpper(msg))
			return err
		}), true)
	assert.True(t, enc.IsSharable())

	ec := embedded.New(enc)
	_, err := ec.WriteOutbound("hello", 7)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", text(t, ec.ReadOutbound()))
	assert.Equal(t, 7, ec.ReadOutbound())
}

func TestMessageToByteEncoder_FailureFailsWrite(t *testing.T) {
	errEncode := errors.New("cannot encode")
	enc := codec.NewMessageToByteEncoder[string](codec.EncoderFunc[string](
		func(*channel.HandlerContext, string, *buffer.ByteBuf) error { return errEncode }), false)
	ec := embedded.New(enc)
	p := ec.WriteAndFlush("x")
	ec.RunPendingTasks()
	require.True(t, p.IsDone())
	assert.ErrorIs(t, p.Cause(), errEncode)
	assert.ErrorIs(t, p.Cause(), api.ErrEncoder)
}
