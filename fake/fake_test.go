package fake_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/buffer"
	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/channel/embedded"
	"github.com/momentics/hioload-nio/fake"
)

type collector struct{ data []byte }

func (c *collector) ChannelRead(_ *channel.HandlerContext, msg any) {
	b := msg.(*buffer.ByteBuf)
	c.data = append(c.data, b.Bytes()...)
	b.Release()
}

// connected returns an active channel over a fake transport on a manual loop.
func connected(t *testing.T, alloc *fake.Allocator, handlers ...channel.Handler) (*channel.Channel, *fake.Transport, *embedded.EventLoop) {
	t.Helper()
	ch, tr := fake.NewChannel()
	require.NoError(t, ch.Config().Set(channel.BufAllocator, buffer.Allocator(alloc)))
	for _, h := range handlers {
		require.NoError(t, ch.Pipeline().AddLast("", h))
	}
	loop := embedded.NewEventLoop()
	reg := loop.Register(ch)
	loop.RunTasks()
	require.True(t, reg.IsSuccess(), "register: %v", reg.Cause())
	p := ch.Connect(fake.Addr("peer"))
	loop.RunTasks()
	require.True(t, p.IsSuccess(), "connect: %v", p.Cause())
	return ch, tr, loop
}

func TestTransport_DeliversFedBytes(t *testing.T) {
	alloc := fake.NewAllocator()
	col := &collector{}
	ch, tr, loop := connected(t, alloc, col)
	assert.Equal(t, fake.Addr("peer"), ch.RemoteAddress())
	assert.Equal(t, fake.Addr("fake-local"), ch.LocalAddress())

	require.NoError(t, tr.Feed([]byte("hel"), []byte("lo")))
	loop.RunTasks()
	assert.Equal(t, "hello", string(col.data))
	assert.Positive(t, tr.ReadRequests())

	require.NoError(t, tr.FeedEOF())
	loop.RunTasks()
	assert.False(t, ch.IsOpen())
	assert.Equal(t, 1, tr.Closes())
	assert.Empty(t, alloc.Outstanding())
	assert.Positive(t, alloc.Allocated())
}

func TestTransport_ReadErrorClosesChannel(t *testing.T) {
	ch, tr, loop := connected(t, fake.NewAllocator())
	boom := errors.New("reset")
	require.NoError(t, tr.FeedError(boom))
	loop.RunTasks()
	assert.False(t, ch.IsOpen())
	_, errs := tr.Unhandled()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestTransport_PartialWritesResumeAfterDrain(t *testing.T) {
	ch, tr, loop := connected(t, fake.NewAllocator())
	tr.SetWriteCapacity(3)

	p := ch.WriteAndFlush(buffer.CopiedBuffer([]byte("abcdef")))
	loop.RunTasks()
	assert.Equal(t, "abc", string(tr.Written()))
	assert.False(t, p.IsDone())

	require.NoError(t, tr.Drain(10))
	loop.RunTasks()
	assert.Equal(t, "abcdef", string(tr.Written()))
	assert.True(t, p.IsSuccess())
}

func TestTransport_SpinCountBoundsOneFlush(t *testing.T) {
	ch, tr, loop := connected(t, fake.NewAllocator())
	require.NoError(t, ch.Config().Set(channel.WriteSpinCount, 1))
	tr.SetWriteCapacity(2)

	ch.WriteAndFlush([]byte("abcd"))
	require.NoError(t, tr.Drain(2))
	for i := 0; loop.PendingTasks() > 0 && i < 10; i++ {
		loop.RunTasks()
	}
	assert.Equal(t, "abcd", string(tr.Written()))
	assert.GreaterOrEqual(t, tr.WriteCalls(), 2)
}

func TestTransport_ClosingReleasesPendingWrites(t *testing.T) {
	alloc := fake.NewAllocator()
	ch, tr, loop := connected(t, alloc)
	tr.SetWriteCapacity(0)

	first := alloc.Buffer(8, 8)
	_, _ = first.WriteString("pending")
	second := alloc.Buffer(8, 8)
	_, _ = second.WriteString("queued")
	p1 := ch.WriteAndFlush(first)
	p2 := ch.Write(second)
	loop.RunTasks()
	require.Len(t, alloc.Outstanding(), 2)

	ch.Close()
	loop.RunTasks()
	assert.ErrorIs(t, p1.Cause(), api.ErrChannelClosed)
	assert.ErrorIs(t, p2.Cause(), api.ErrChannelClosed)
	assert.Empty(t, alloc.Outstanding())
}

func TestTransport_WriteFailureClosesChannel(t *testing.T) {
	ch, tr, loop := connected(t, fake.NewAllocator())
	boom := errors.New("broken pipe")
	tr.FailWrite(boom)

	p := ch.WriteAndFlush([]byte("x"))
	loop.RunTasks()
	assert.ErrorIs(t, p.Cause(), boom)
	assert.False(t, ch.IsOpen())
}

func TestTransport_RejectsUnsupportedMessages(t *testing.T) {
	ch, _, loop := connected(t, fake.NewAllocator())
	p := ch.WriteAndFlush(42)
	loop.RunTasks()
	assert.ErrorIs(t, p.Cause(), api.ErrUnsupportedMessage)
}

func TestTransport_DeferredConnect(t *testing.T) {
	ch, tr := fake.NewChannel()
	tr.DeferConnect()
	loop := embedded.NewEventLoop()
	loop.Register(ch)
	loop.RunTasks()

	p := ch.Connect(fake.Addr("slow"))
	loop.RunTasks()
	assert.False(t, p.IsDone())
	assert.False(t, ch.IsActive())

	require.NoError(t, tr.CompleteConnect(nil))
	loop.RunTasks()
	assert.True(t, p.IsSuccess())
	assert.True(t, ch.IsActive())
}

func TestTransport_FailedConnect(t *testing.T) {
	ch, tr := fake.NewChannel()
	refused := errors.New("refused")
	tr.FailConnect(refused)
	loop := embedded.NewEventLoop()
	loop.Register(ch)
	loop.RunTasks()

	p := ch.Connect(fake.Addr("nobody"))
	loop.RunTasks()
	assert.ErrorIs(t, p.Cause(), refused)
	assert.False(t, ch.IsActive())
}

func TestTransport_BindAndCloseErrors(t *testing.T) {
	ch, tr := fake.NewChannel()
	inUse := errors.New("in use")
	tr.FailBind(inUse)
	tr.FailClose(errors.New("close failed"))
	loop := embedded.NewEventLoop()
	loop.Register(ch)
	loop.RunTasks()

	p := ch.Bind(fake.Addr("here"))
	loop.RunTasks()
	assert.ErrorIs(t, p.Cause(), inUse)

	ch.Close()
	loop.RunTasks()
	assert.False(t, ch.IsOpen())
	assert.Equal(t, 1, tr.Closes())
}

func TestAllocator_TracksReleases(t *testing.T) {
	alloc := fake.NewAllocator()
	a := alloc.Buffer(4, 16)
	b := alloc.IOBuffer(0)
	assert.Equal(t, 2, alloc.Allocated())
	assert.Len(t, alloc.Outstanding(), 2)

	a.Release()
	assert.Equal(t, []*buffer.ByteBuf{b}, alloc.Outstanding())
	assert.Equal(t, buffer.Stats{TotalAlloc: 2, TotalFree: 1, InUse: 1}, alloc.Stats())
	b.Release()
	assert.Empty(t, alloc.Outstanding())
}
