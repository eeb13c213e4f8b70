package channel_test

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/channel/embedded"
)

// recorder logs the events it sees and forwards them.
type recorder struct {
	name string
	log  *[]string
}

func (r *recorder) ChannelRead(ctx *channel.HandlerContext, msg any) {
	*r.log = append(*r.log, r.name+":read")
	ctx.FireChannelRead(msg)
}

func (r *recorder) ChannelActive(ctx *channel.HandlerContext) {
	*r.log = append(*r.log, r.name+":active")
	ctx.FireChannelActive()
}

func (r *recorder) Write(ctx *channel.HandlerContext, msg any, p *channel.ChannelPromise) {
	*r.log = append(*r.log, r.name+":write")
	ctx.Write(msg, p)
}

func (r *recorder) Flush(ctx *channel.HandlerContext) {
	*r.log = append(*r.log, r.name+":flush")
	ctx.Flush()
}

// inboundOnly only sees reads.
type inboundOnly struct{ reads int }

func (h *inboundOnly) ChannelRead(ctx *channel.HandlerContext, msg any) {
	h.reads++
	ctx.FireChannelRead(msg)
}

// outboundOnly only sees writes.
type outboundOnly struct{ writes int }

func (h *outboundOnly) Write(ctx *channel.HandlerContext, msg any, p *channel.ChannelPromise) {
	h.writes++
	ctx.Write(msg, p)
}

type sharable struct{ inboundOnly }

func (*sharable) IsSharable() bool { return true }

type lifecycle struct {
	added, removed int
	panicOnAdd     bool
}

func (h *lifecycle) HandlerAdded(*channel.HandlerContext) {
	h.added++
	if h.panicOnAdd {
		panic("boom")
	}
}

func (h *lifecycle) HandlerRemoved(*channel.HandlerContext) { h.removed++ }

func TestPipeline_InboundRunsHeadToTailOutboundTailToHead(t *testing.T) {
	var log []string
	ec := embedded.New(
		&recorder{name: "a", log: &log},
		&recorder{name: "b", log: &log},
		&recorder{name: "c", log: &log},
	)
	assert.Equal(t, []string{"a:active", "b:active", "c:active"}, log)

	log = nil
	ok, err := ec.WriteInbound("in")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a:read", "b:read", "c:read"}, log)
	assert.Equal(t, "in", ec.ReadInbound())

	log = nil
	ok, err = ec.WriteOutbound("out")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"c:write", "b:write", "a:write", "c:flush", "b:flush", "a:flush"}, log)
	assert.Equal(t, "out", ec.ReadOutbound())

	left, err := ec.Finish()
	require.NoError(t, err)
	assert.False(t, left)
}

func TestPipeline_EventsSkipHandlersWithoutInterest(t *testing.T) {
	in := &inboundOnly{}
	out := &outboundOnly{}
	ec := embedded.New(in, out)

	_, err := ec.WriteInbound("x")
	require.NoError(t, err)
	_, err = ec.WriteOutbound("y")
	require.NoError(t, err)

	assert.Equal(t, 1, in.reads)
	assert.Equal(t, 1, out.writes)
	assert.Equal(t, "x", ec.ReadInbound())
	assert.Equal(t, "y", ec.ReadOutbound())
}

func TestPipeline_GeneratedAndDuplicateNames(t *testing.T) {
	ec := embedded.New()
	p := ec.Pipeline()

	require.NoError(t, p.AddLast("", &inboundOnly{}))
	require.NoError(t, p.AddLast("", &inboundOnly{}))
	require.NoError(t, p.AddLast("named", &outboundOnly{}))

	names := p.Names()
	require.Len(t, names, 5)
	assert.Equal(t, "HeadContext#0", names[0])
	assert.True(t, strings.HasSuffix(names[1], "inboundOnly#0"), names[1])
	assert.True(t, strings.HasSuffix(names[2], "inboundOnly#1"), names[2])
	assert.Equal(t, "named", names[3])
	assert.Equal(t, "TailContext#0", names[4])

	err := p.AddFirst("named", &outboundOnly{})
	assert.ErrorIs(t, err, api.ErrDuplicateHandlerName)
	assert.Equal(t, 3, p.Len())
}

func TestPipeline_AddBeforeAndAfter(t *testing.T) {
	ec := embedded.New()
	p := ec.Pipeline()
	require.NoError(t, p.AddLast("b", &inboundOnly{}))
	require.NoError(t, p.AddBefore("b", "a", &inboundOnly{}))
	require.NoError(t, p.AddAfter("b", "c", &inboundOnly{}))

	assert.Equal(t, []string{"HeadContext#0", "a", "b", "c", "TailContext#0"}, p.Names())
	assert.ErrorIs(t, p.AddAfter("missing", "d", &inboundOnly{}), api.ErrHandlerNotFound)
}

func TestPipeline_NonSharableHandlerRejectedTwice(t *testing.T) {
	h := &inboundOnly{}
	ec1 := embedded.New(h)
	ec2 := embedded.New()

	err := ec2.Pipeline().AddLast("again", h)
	assert.ErrorIs(t, err, api.ErrHandlerNotSharable)

	require.NoError(t, ec1.Pipeline().Remove(h))
	require.NoError(t, ec2.Pipeline().AddLast("again", h))

	s := &sharable{}
	require.NoError(t, ec1.Pipeline().AddLast("s", s))
	require.NoError(t, ec2.Pipeline().AddLast("s", s))
}

func TestPipeline_FailedRegistrationReleasesHandlers(t *testing.T) {
	h := &inboundOnly{}
	st := newStub()
	st.registerErr = errors.New("no descriptor")
	ch := channel.New(st, nil)
	require.NoError(t, ch.Pipeline().AddLast("h", h))

	loop := embedded.NewEventLoop()
	p := loop.Register(ch)
	loop.RunTasks()
	require.Error(t, p.Cause())
	assert.False(t, ch.IsOpen())

	other := embedded.New()
	require.NoError(t, other.Pipeline().AddLast("h", h))
	// A second release of the dead pipeline must not free the live claim.
	ch.Unsafe().Deregister(ch.NewPromise())
	assert.ErrorIs(t, embedded.New().Pipeline().AddLast("h", h), api.ErrHandlerNotSharable)
}

type valueHandler struct{}

func (valueHandler) ChannelRead(ctx *channel.HandlerContext, msg any) { ctx.FireChannelRead(msg) }

func TestPipeline_ValueHandlersAreNotTracked(t *testing.T) {
	h := valueHandler{}
	require.NoError(t, embedded.New(h).CheckException())
	require.NoError(t, embedded.New(h).CheckException())
}

func TestPipeline_HandlerAddedBeforeRegistrationIsDeferred(t *testing.T) {
	h := &lifecycle{}
	ec := embedded.New(h)
	assert.Equal(t, 1, h.added)

	_, err := ec.Pipeline().RemoveByName(ec.Pipeline().ContextFor(h).Name())
	require.NoError(t, err)
	assert.Equal(t, 1, h.removed)
}

func TestPipeline_HandlerAddedPanicRemovesHandler(t *testing.T) {
	ec := embedded.New()
	h := &lifecycle{panicOnAdd: true}
	require.NoError(t, ec.Pipeline().AddLast("bad", h))
	ec.RunPendingTasks()

	assert.Nil(t, ec.Pipeline().Get("bad"))
	assert.Equal(t, 1, h.removed)
	err := ec.CheckException()
	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, api.ErrCodeHandlerAdded, apiErr.Code)
}

func TestPipeline_ReplaceKeepsPosition(t *testing.T) {
	old := &lifecycle{}
	ec := embedded.New()
	p := ec.Pipeline()
	require.NoError(t, p.AddLast("first", &inboundOnly{}))
	require.NoError(t, p.AddLast("mid", old))
	require.NoError(t, p.AddLast("last", &inboundOnly{}))

	repl := &lifecycle{}
	got, err := p.Replace("mid", "new", repl)
	require.NoError(t, err)
	assert.Same(t, old, got)
	assert.Equal(t, 1, old.removed)
	assert.Equal(t, 1, repl.added)
	assert.Equal(t, []string{"HeadContext#0", "first", "new", "last", "TailContext#0"}, p.Names())

	_, err = p.Replace("new", "first", &inboundOnly{})
	assert.ErrorIs(t, err, api.ErrDuplicateHandlerName)
}

func TestPipeline_RemoveByTypeFirstAndLast(t *testing.T) {
	ec := embedded.New(&inboundOnly{}, &outboundOnly{}, &lifecycle{})
	p := ec.Pipeline()

	out, err := channel.RemoveByType[*outboundOnly](p)
	require.NoError(t, err)
	require.NotNil(t, out)

	_, err = channel.RemoveByType[*outboundOnly](p)
	assert.ErrorIs(t, err, api.ErrHandlerNotFound)

	first, err := p.RemoveFirst()
	require.NoError(t, err)
	assert.IsType(t, &inboundOnly{}, first)
	last, err := p.RemoveLast()
	require.NoError(t, err)
	assert.IsType(t, &lifecycle{}, last)
	assert.Zero(t, p.Len())

	_, err = p.RemoveFirst()
	assert.ErrorIs(t, err, api.ErrHandlerNotFound)
}

type panicOnRead struct{}

func (panicOnRead) ChannelRead(*channel.HandlerContext, any) { panic("read failed") }

type catcher struct{ errs []error }

func (c *catcher) ExceptionCaught(_ *channel.HandlerContext, err error) { c.errs = append(c.errs, err) }

func TestPipeline_HandlerPanicBecomesExceptionCaught(t *testing.T) {
	c := &catcher{}
	ec := embedded.New(panicOnRead{}, c)

	_, err := ec.WriteInbound("x")
	require.NoError(t, err)
	require.Len(t, c.errs, 1)
	var pe api.PanicError
	assert.True(t, errors.As(c.errs[0], &pe))
	assert.True(t, ec.IsOpen())
}

type failingWriter struct{}

func (failingWriter) Write(*channel.HandlerContext, any, *channel.ChannelPromise) {
	panic("encode failed")
}

func TestPipeline_OutboundPanicFailsPromise(t *testing.T) {
	ec := embedded.New(failingWriter{})
	p := ec.WriteAndFlush("x")
	ec.RunPendingTasks()

	require.True(t, p.IsDone())
	assert.Error(t, p.Cause())
	assert.Nil(t, ec.ReadOutbound())
}

func TestPipeline_UserEventsAndContextLookup(t *testing.T) {
	type evt struct{ n int }
	var got []any
	h := &userEvents{seen: &got}
	ec := embedded.New(h)

	ec.Pipeline().FireUserEventTriggered(evt{n: 1})
	assert.Equal(t, []any{evt{n: 1}}, got)

	ctx := channel.ContextOf[*userEvents](ec.Pipeline())
	require.NotNil(t, ctx)
	assert.Same(t, ec.Channel, ctx.Channel())
	assert.Same(t, h, ctx.Handler())
	assert.Nil(t, channel.ContextOf[*catcher](ec.Pipeline()))
}

type userEvents struct{ seen *[]any }

func (u *userEvents) UserEventTriggered(ctx *channel.HandlerContext, evt any) {
	*u.seen = append(*u.seen, evt)
	ctx.FireUserEventTriggered(evt)
}

// TestPipeline_RandomMutationsMatchModel applies random add, remove and
// replace sequences and checks names and event order against a plain slice.
func TestPipeline_RandomMutationsMatchModel(t *testing.T) {
	const rounds, ops = 100, 30
	rng := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < rounds; round++ {
		ec := embedded.New()
		p := ec.Pipeline()
		var (
			model []string
			log   []string
		)
		next := 0
		fresh := func() (string, *recorder) {
			name := fmt.Sprintf("h%d", next)
			next++
			return name, &recorder{name: name, log: &log}
		}
		pick := func() (int, string) {
			i := rng.IntN(len(model))
			return i, model[i]
		}

		for op := 0; op < ops; op++ {
			kind := rng.IntN(6)
			if len(model) == 0 {
				kind = rng.IntN(2)
			}
			switch kind {
			case 0:
				name, h := fresh()
				require.NoError(t, p.AddFirst(name, h))
				model = append([]string{name}, model...)
			case 1:
				name, h := fresh()
				require.NoError(t, p.AddLast(name, h))
				model = append(model, name)
			case 2:
				i, base := pick()
				name, h := fresh()
				require.NoError(t, p.AddBefore(base, name, h))
				model = slices.Insert(model, i, name)
			case 3:
				i, base := pick()
				name, h := fresh()
				require.NoError(t, p.AddAfter(base, name, h))
				model = slices.Insert(model, i+1, name)
			case 4:
				i, name := pick()
				_, err := p.RemoveByName(name)
				require.NoError(t, err)
				model = slices.Delete(model, i, i+1)
			case 5:
				i, old := pick()
				name, h := fresh()
				_, err := p.Replace(old, name, h)
				require.NoError(t, err)
				model[i] = name
			}

			want := append(append([]string{"HeadContext#0"}, model...), "TailContext#0")
			require.Equal(t, want, p.Names(), "round %d op %d", round, op)
			require.Equal(t, len(model), p.Len())

			log = log[:0]
			_, err := ec.WriteInbound("in")
			require.NoError(t, err)
			_, err = ec.WriteOutbound("out")
			require.NoError(t, err)
			ec.ReadInbound()
			ec.ReadOutbound()

			events := []string{}
			for _, name := range model {
				events = append(events, name+":read")
			}
			for i := len(model) - 1; i >= 0; i-- {
				events = append(events, model[i]+":write")
			}
			for i := len(model) - 1; i >= 0; i-- {
				events = append(events, model[i]+":flush")
			}
			require.Equal(t, events, append([]string{}, log...), "round %d op %d", round, op)
		}
		_, err := ec.FinishAndReleaseAll()
		require.NoError(t, err)
	}
}
