package control

import (
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-nio/buffer"
	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/channel/embedded"
	"github.com/momentics/hioload-nio/concurrency"
)

func TestMetrics_RecordsExecutorTasks(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	e := concurrency.NewSingleThreadEventExecutor(concurrency.WithName("metrics"), concurrency.WithObserver(m))
	t.Cleanup(func() { e.ShutdownGracefully(0, time.Second) })

	require.NoError(t, e.Execute(func() {}))
	require.NoError(t, e.Execute(func() { panic("boom") }))
	require.NoError(t, e.Execute(func() {}))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.tasksExecuted.WithLabelValues("metrics")) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.taskPanics.WithLabelValues("metrics")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.taskLatency))
}

func TestMetrics_RecordsChannelEvents(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	channel.SetObserver(m)
	t.Cleanup(func() { channel.SetObserver(nil) })

	ec := embedded.NewWithOptions([]channel.OptionValue{
		channel.Opt(channel.WriteBufferWaterMark, channel.WaterMark{Low: 1, High: 4}),
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.channelsRegistered))

	ec.Write(buffer.CopiedBuffer([]byte("0123456789")))
	ec.RunPendingTasks()
	assert.False(t, ec.IsWritable())
	ec.Flush()
	ec.RunPendingTasks()
	assert.True(t, ec.IsWritable())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writability.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writability.WithLabelValues("true")))

	ec.FinishAndReleaseAll()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.channelsClosed))

	m.BytesRead("x", 10)
	m.BytesWritten("x", 7)
	assert.Equal(t, 10.0, testutil.ToFloat64(m.bytesRead))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.bytesWritten))
}

func TestMetrics_CountsBufferLeaks(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	d := buffer.NewLeakDetector(buffer.LeakParanoid, buffer.WithLeakReporter(m.BufferLeaked))
	leakBuffer(buffer.LeakAware(buffer.Unpooled, d))

	require.Eventually(t, func() bool {
		runtime.GC()
		return d.Leaks() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bufferLeaks))
}

//go:noinline
func leakBuffer(alloc buffer.Allocator) {
	_, _ = alloc.Buffer(32, 0).WriteString("dropped")
}

func TestMetrics_ReusesCollectorsOnSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewMetrics(reg)
	require.NoError(t, err)
	b, err := NewMetrics(reg)
	require.NoError(t, err)

	b.ChannelRegistered("x")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.channelsRegistered))
}

func TestWatchPending_SamplesQueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	g, err := concurrency.NewEventExecutorGroup(2, concurrency.WithName("pending"))
	require.NoError(t, err)
	t.Cleanup(func() { g.ShutdownGracefully(0, time.Second) })
	WatchPending(m, g)

	block := make(chan struct{})
	first := g.Executors()[0]
	require.NoError(t, first.Execute(func() { <-block }))
	require.NoError(t, first.Execute(func() {}))
	require.NoError(t, first.Execute(func() {}))
	require.Eventually(t, func() bool { return first.PendingTasks() == 2 }, 2*time.Second, time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(m.pending))
	families, err := reg.Gather()
	require.NoError(t, err)
	var got float64
	for _, f := range families {
		if f.GetName() != "hioload_executor_pending_tasks" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if metric.GetLabel()[0].GetValue() == "pending-0" {
				got = metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, got)
	close(block)
}
