package bootstrap_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/bootstrap"
	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/channel/embedded"
	"github.com/momentics/hioload-nio/channel/local"
	"github.com/momentics/hioload-nio/channel/nio"
)

func nop() *channel.Initializer {
	return channel.NewInitializer(func(*channel.Channel) error { return nil })
}

// drain runs the loop until no task is left.
func drain(t *testing.T, loop *embedded.EventLoop) {
	t.Helper()
	for i := 0; loop.PendingTasks() > 0; i++ {
		require.Less(t, i, 100, "tasks keep scheduling tasks")
		loop.RunTasks()
	}
}

type echoHandler struct{}

func (echoHandler) IsSharable() bool { return true }

func (echoHandler) ChannelRead(ctx *channel.HandlerContext, msg any) {
	ctx.WriteAndFlush(msg, nil)
}

type collector struct{ msgs []any }

func (c *collector) ChannelRead(_ *channel.HandlerContext, msg any) { c.msgs = append(c.msgs, msg) }

func TestBootstrap_ValidateReportsMissingSettings(t *testing.T) {
	b := bootstrap.New()
	assert.ErrorIs(t, b.Validate(), api.ErrGroupNotSet)
	b.Group(embedded.NewEventLoop())
	assert.ErrorIs(t, b.Validate(), api.ErrChannelFactoryNotSet)
	b.ChannelFactory(local.NewChannel)
	assert.ErrorIs(t, b.Validate(), api.ErrHandlerNotSet)
	b.Handler(nop())
	assert.NoError(t, b.Validate())
}

func TestServerBootstrap_ValidateReportsMissingSettings(t *testing.T) {
	loop := embedded.NewEventLoop()
	b := bootstrap.NewServer().ChannelFactory(local.NewServerChannel)
	assert.ErrorIs(t, b.Validate(), api.ErrGroupNotSet)
	b.Group(loop, nil)
	assert.ErrorIs(t, b.Validate(), api.ErrChildGroupNotSet)
	b.Group(loop, loop)
	assert.ErrorIs(t, b.Validate(), api.ErrChildHandlerNotSet)
	b.ChildHandler(nop())
	assert.NoError(t, b.Validate())
}

func TestBootstrap_InvalidConfigurationFailsPromise(t *testing.T) {
	p := bootstrap.New().Connect(local.NewAddress("nowhere"))
	require.True(t, p.IsDone())
	assert.ErrorIs(t, p.Cause(), api.ErrGroupNotSet)
	assert.Nil(t, p.Channel())

	b := bootstrap.New().Group(embedded.NewEventLoop()).ChannelFactory(local.NewChannel).Handler(nop())
	assert.ErrorIs(t, b.Bind(nil).Cause(), api.ErrAddressNotSet)
	assert.ErrorIs(t, b.Connect(nil).Cause(), api.ErrAddressNotSet)
}

func TestBootstrap_OptionAndAttrTypesAreChecked(t *testing.T) {
	assert.Panics(t, func() { bootstrap.New().Option(channel.WriteSpinCount, "many") })
	assert.Panics(t, func() { bootstrap.New().Option(channel.WriteSpinCount, 0) })
	assert.Panics(t, func() { bootstrap.NewServer().ChildAttr(channel.NewAttributeKey[int]("n"), "x") })
	assert.NotPanics(t, func() {
		bootstrap.New().Option(channel.WriteSpinCount, 4).Option(channel.WriteSpinCount, nil)
	})
}

func TestServerBootstrap_AcceptsAndConfiguresChildren(t *testing.T) {
	loop := embedded.NewEventLoop()
	role := channel.NewAttributeKey[string]("role")
	name := channel.NewAttributeKey[string]("name")
	var accepted []*channel.Channel

	sb := bootstrap.NewServer().
		Group(loop, loop).
		ChannelFactory(local.NewServerChannel).
		Attr(name, "server").
		ChildOption(channel.WriteSpinCount, 4).
		ChildAttr(role, "child").
		ChildHandler(channel.NewInitializer(func(ch *channel.Channel) error {
			accepted = append(accepted, ch)
			return ch.Pipeline().AddLast("echo", echoHandler{})
		}))
	addr := local.NewAddress("bootstrap-accept")
	bound := sb.Bind(addr)
	drain(t, loop)
	require.True(t, bound.IsSuccess(), "bind: %v", bound.Cause())
	server := bound.Channel()
	defer server.Close()
	v, _ := channel.Attr(server.Attrs(), name).Get()
	assert.Equal(t, "server", v)

	col := &collector{}
	connected := bootstrap.New().Group(loop).ChannelFactory(local.NewChannel).Handler(col).Connect(addr)
	drain(t, loop)
	require.True(t, connected.IsSuccess(), "connect: %v", connected.Cause())

	require.Len(t, accepted, 1)
	child := accepted[0]
	assert.Same(t, server, child.Parent())
	assert.Equal(t, 4, child.Config().WriteSpinCount())
	r, ok := channel.Attr(child.Attrs(), role).Get()
	assert.True(t, ok)
	assert.Equal(t, "child", r)

	connected.Channel().WriteAndFlush("hello")
	drain(t, loop)
	assert.Equal(t, []any{"hello"}, col.msgs)
}

func TestBootstrap_RegistrationFailureSkipsConnect(t *testing.T) {
	p := bootstrap.New().
		Group(embedded.NewEventLoop()).
		ChannelFactory(nio.NewSocketChannel).
		Handler(nop()).
		Connect(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Await(ctx))
	assert.ErrorIs(t, p.Cause(), api.ErrIncompatibleEventLoop)
	assert.False(t, p.Channel().IsRegistered())
}

func TestBootstrap_FactoryPanicFailsPromise(t *testing.T) {
	p := bootstrap.New().
		Group(embedded.NewEventLoop()).
		ChannelFactory(func() *channel.Channel { panic("no sockets left") }).
		Handler(nop()).
		Register()
	require.True(t, p.IsDone())
	assert.ErrorContains(t, p.Cause(), "no sockets left")
}

func TestBootstrap_BindFailureClosesChannel(t *testing.T) {
	loop := embedded.NewEventLoop()
	addr := local.NewAddress("bootstrap-taken")
	sb := bootstrap.NewServer().Group(loop, loop).ChannelFactory(local.NewServerChannel).ChildHandler(nop())

	first := sb.Bind(addr)
	drain(t, loop)
	require.True(t, first.IsSuccess())
	defer first.Channel().Close()

	second := sb.Bind(addr)
	drain(t, loop)
	assert.ErrorIs(t, second.Cause(), api.ErrAddressInUse)
	assert.False(t, second.Channel().IsOpen())
}

func TestBootstrap_RegisterOnly(t *testing.T) {
	loop := embedded.NewEventLoop()
	p := bootstrap.New().Group(loop).ChannelFactory(local.NewChannel).Handler(nop()).Register()
	drain(t, loop)
	require.True(t, p.IsSuccess())
	assert.True(t, p.Channel().IsRegistered())
	assert.False(t, p.Channel().IsActive())
}

func TestBootstrap_CloneIsIndependent(t *testing.T) {
	b := bootstrap.New().Group(embedded.NewEventLoop()).ChannelFactory(local.NewChannel).Handler(nop())
	c := b.Clone().Handler(nil)
	assert.NoError(t, b.Validate())
	assert.ErrorIs(t, c.Validate(), api.ErrHandlerNotSet)

	sb := bootstrap.NewServer().Group(embedded.NewEventLoop(), embedded.NewEventLoop()).
		ChannelFactory(local.NewServerChannel).ChildHandler(nop())
	sc := sb.Clone().ChildHandler(nil)
	assert.NoError(t, sb.Validate())
	assert.ErrorIs(t, sc.Validate(), api.ErrChildHandlerNotSet)
}
