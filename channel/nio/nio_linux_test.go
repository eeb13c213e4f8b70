//go:build linux

package nio_test

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/buffer"
	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/channel/nio"
	"github.com/momentics/hioload-nio/concurrency"
)

var loopback = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}

func newGroup(t *testing.T) *channel.EventLoopGroup {
	t.Helper()
	g, err := nio.NewEventLoopGroup(2, concurrency.WithName("nio-test"))
	require.NoError(t, err)
	t.Cleanup(func() {
		g.ShutdownGracefully(0, time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, g.AwaitTermination(ctx))
	})
	return g
}

func await(t *testing.T, f concurrency.Future[struct{}]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := f.Sync(ctx)
	return err
}

type echo struct{}

func (echo) IsSharable() bool { return true }

func (echo) ChannelRead(ctx *channel.HandlerContext, msg any) {
	ctx.WriteAndFlush(msg, nil)
}

type acceptor struct {
	group *channel.EventLoopGroup
}

func (a *acceptor) ChannelRead(_ *channel.HandlerContext, msg any) {
	child := msg.(*channel.Channel)
	if err := child.Pipeline().AddLast("echo", echo{}); err != nil {
		child.Unsafe().CloseForcibly()
		return
	}
	a.group.Register(child)
}

// sink collects every byte read by the channel.
type sink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *sink) ChannelRead(_ *channel.HandlerContext, msg any) {
	b := msg.(*buffer.ByteBuf)
	defer b.Release()
	s.mu.Lock()
	s.buf.Write(b.Bytes())
	s.mu.Unlock()
}

func (s *sink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func startServer(t *testing.T, g *channel.EventLoopGroup) *channel.Channel {
	t.Helper()
	server := nio.NewServerSocketChannel()
	require.NoError(t, server.Pipeline().AddLast("acceptor", &acceptor{group: g}))
	require.NoError(t, await(t, g.Register(server)))
	require.NoError(t, await(t, server.Bind(loopback)))
	t.Cleanup(func() { _ = await(t, server.Close()) })
	return server
}

func connect(t *testing.T, g *channel.EventLoopGroup, remote net.Addr, handlers ...channel.Handler) *channel.Channel {
	t.Helper()
	client := nio.NewSocketChannel()
	for _, h := range handlers {
		require.NoError(t, client.Pipeline().AddLast("", h))
	}
	require.NoError(t, await(t, g.Register(client)))
	require.NoError(t, await(t, client.Connect(remote)))
	t.Cleanup(func() { _ = await(t, client.Close()) })
	return client
}

func TestNIO_EchoOverLoopback(t *testing.T) {
	g := newGroup(t)
	server := startServer(t, g)
	addr := server.LocalAddress().(*net.TCPAddr)
	require.NotZero(t, addr.Port)

	s := &sink{}
	client := connect(t, g, addr, s)
	assert.True(t, client.IsActive())
	assert.Equal(t, addr.Port, client.RemoteAddress().(*net.TCPAddr).Port)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	require.NoError(t, await(t, client.WriteAndFlush(buffer.CopiedBuffer(payload))))

	require.Eventually(t, func() bool { return len(s.bytes()) == len(payload) }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, bytes.Equal(payload, s.bytes()))
}

func TestNIO_WritesByteSlices(t *testing.T) {
	g := newGroup(t)
	server := startServer(t, g)
	s := &sink{}
	client := connect(t, g, server.LocalAddress(), s)

	require.NoError(t, await(t, client.WriteAndFlush([]byte("ping"))))
	require.Eventually(t, func() bool { return string(s.bytes()) == "ping" }, 3*time.Second, 5*time.Millisecond)
}

func TestNIO_RejectsUnsupportedMessages(t *testing.T) {
	g := newGroup(t)
	server := startServer(t, g)
	client := connect(t, g, server.LocalAddress())

	err := await(t, client.WriteAndFlush("not bytes"))
	assert.ErrorIs(t, err, api.ErrUnsupportedMessage)
	assert.True(t, client.IsActive())
}

func TestNIO_ConnectRefused(t *testing.T) {
	g := newGroup(t)
	server := startServer(t, g)
	addr := server.LocalAddress()
	require.NoError(t, await(t, server.Close()))

	client := nio.NewSocketChannel()
	require.NoError(t, await(t, g.Register(client)))
	err := await(t, client.Connect(addr))
	assert.ErrorIs(t, err, api.ErrConnectionRefused)
	require.NoError(t, await(t, client.CloseFuture()))
}

func TestNIO_BindInUse(t *testing.T) {
	g := newGroup(t)
	server := startServer(t, g)

	second := nio.NewServerSocketChannel()
	require.NoError(t, await(t, g.Register(second)))
	err := await(t, second.Bind(server.LocalAddress()))
	assert.ErrorIs(t, err, api.ErrAddressInUse)
}

func TestNIO_PeerCloseClosesChannel(t *testing.T) {
	g := newGroup(t)
	children := make(chan *channel.Channel, 1)
	server := nio.NewServerSocketChannel()
	require.NoError(t, server.Pipeline().AddLast("accept", acceptFunc(func(child *channel.Channel) {
		g.Register(child)
		children <- child
	})))
	require.NoError(t, await(t, g.Register(server)))
	require.NoError(t, await(t, server.Bind(loopback)))
	defer server.Close()

	client := connect(t, g, server.LocalAddress())
	child := <-children
	require.NoError(t, await(t, child.Close()))
	require.NoError(t, await(t, client.CloseFuture()))
	assert.False(t, client.IsActive())
}

type acceptFunc func(*channel.Channel)

func (f acceptFunc) ChannelRead(_ *channel.HandlerContext, msg any) { f(msg.(*channel.Channel)) }

func TestNIO_RequiresNIOEventLoop(t *testing.T) {
	loop := channel.NewSingleThreadEventLoop(concurrency.WithName("plain"))
	t.Cleanup(func() { loop.ShutdownGracefully(0, time.Second) })

	err := await(t, loop.Register(nio.NewSocketChannel()))
	assert.ErrorIs(t, err, api.ErrIncompatibleEventLoop)
}

func TestNIO_SocketOptions(t *testing.T) {
	ch := nio.NewSocketChannel()
	require.NoError(t, ch.Config().SetOptions(
		channel.Opt(nio.TCPNoDelay, false),
		channel.Opt(nio.SoKeepAlive, true),
		channel.Opt(nio.SoLinger, 2*time.Second),
	))
	assert.Equal(t, false, ch.Config().Options()["TCP_NODELAY"])
	assert.ErrorIs(t, ch.Config().Set(nio.SoBacklog, 64), api.ErrInvalidOption)
	assert.ErrorIs(t, ch.Config().Set(nio.SoRcvBuf, -1), api.ErrInvalidOption)

	server := nio.NewServerSocketChannel()
	assert.NoError(t, server.Config().Set(nio.SoBacklog, 64))
}

func TestNIO_ApplyOptionsToLiveSocket(t *testing.T) {
	g := newGroup(t)
	server := startServer(t, g)
	client := connect(t, g, server.LocalAddress())
	assert.NoError(t, client.Config().Set(nio.SoSndBuf, 64*1024))
	assert.NoError(t, client.Config().Set(nio.TCPNoDelay, false))
}

func TestNIO_ShutdownClosesChannels(t *testing.T) {
	g, err := nio.NewEventLoopGroup(1)
	require.NoError(t, err)
	server := nio.NewServerSocketChannel()
	require.NoError(t, await(t, g.Register(server)))
	require.NoError(t, await(t, server.Bind(loopback)))

	g.ShutdownGracefully(0, time.Second)
	require.NoError(t, await(t, server.CloseFuture()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.AwaitTermination(ctx))
}

// closeOnRead closes the channel on the first read and records every
// exception raised afterwards.
type closeOnRead struct {
	mu   sync.Mutex
	errs []error
}

func (h *closeOnRead) ChannelRead(ctx *channel.HandlerContext, msg any) {
	api.Release(msg)
	ctx.Close(nil)
}

func (h *closeOnRead) ExceptionCaught(_ *channel.HandlerContext, err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *closeOnRead) exceptions() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func TestNIO_CloseInsideReadStopsReading(t *testing.T) {
	g := newGroup(t)
	children := make(chan *channel.Channel, 1)
	server := nio.NewServerSocketChannel()
	require.NoError(t, server.Pipeline().AddLast("accept", acceptFunc(func(child *channel.Channel) {
		children <- child
	})))
	require.NoError(t, await(t, g.Register(server)))
	require.NoError(t, await(t, server.Bind(loopback)))
	defer server.Close()

	conn, err := net.Dial("tcp", server.LocalAddress().String())
	require.NoError(t, err)
	defer conn.Close()
	child := <-children

	// Queue more than one read's worth before the child starts reading.
	_, err = conn.Write(bytes.Repeat([]byte{'x'}, 64*1024))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	h := &closeOnRead{}
	require.NoError(t, child.Pipeline().AddLast("close", h))
	require.NoError(t, await(t, g.Register(child)))
	require.NoError(t, await(t, child.CloseFuture()))

	drained := make(chan struct{})
	require.NoError(t, child.EventLoop().Execute(func() { close(drained) }))
	<-drained
	assert.Empty(t, h.exceptions())
}
