package control_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/bootstrap"
	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/channel/embedded"
	"github.com/momentics/hioload-nio/channel/local"
	"github.com/momentics/hioload-nio/concurrency"
	"github.com/momentics/hioload-nio/control"
)

const sample = `
event_loop:
  boss_threads: 1
  worker_threads: 4
  task_budget: 5ms
  quiet_period: 100ms
  shutdown_timeout: 2s
channel:
  connect_timeout: 3s
child:
  write_spin_count: 4
  auto_read: false
  write_buffer_water_mark: {low: 100, high: 200}
  recv_allocator: {minimum: 64, initial: 1024, maximum: 65536}
  max_messages_per_read: 8
  close_drain_timeout: 1s
`

func drain(t *testing.T, loop *embedded.EventLoop) {
	t.Helper()
	for i := 0; loop.PendingTasks() > 0; i++ {
		require.Less(t, i, 100, "tasks keep scheduling tasks")
		loop.RunTasks()
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := control.ParseConfig([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.EventLoop.BossThreads)
	assert.Equal(t, 4, cfg.EventLoop.WorkerThreads)
	assert.Equal(t, 5*time.Millisecond, cfg.EventLoop.TaskBudget)
	assert.Equal(t, 3*time.Second, cfg.Channel.ConnectTimeout)
	require.NotNil(t, cfg.Child.AutoRead)
	assert.False(t, *cfg.Child.AutoRead)
	assert.Nil(t, cfg.Channel.AutoRead)
	assert.Equal(t, &control.WaterMarkConfig{Low: 100, High: 200}, cfg.Child.WriteBufferWaterMark)

	quiet, timeout := cfg.EventLoop.ShutdownTimings()
	assert.Equal(t, 100*time.Millisecond, quiet)
	assert.Equal(t, 2*time.Second, timeout)
}

func TestParseConfig_EmptyIsDefault(t *testing.T) {
	cfg, err := control.ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, control.DefaultConfig(), cfg)

	quiet, timeout := cfg.EventLoop.ShutdownTimings()
	assert.Equal(t, concurrency.DefaultQuietPeriod, quiet)
	assert.Equal(t, concurrency.DefaultShutdownTimeout, timeout)
}

func TestParseConfig_RejectsUnknownKeys(t *testing.T) {
	_, err := control.ParseConfig([]byte("channel:\n  autoread: true\n"))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = control.ParseConfig([]byte("event_loop:\n  task_budget: soon\n"))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestConfig_ValidateReportsEveryProblem(t *testing.T) {
	cfg := control.DefaultConfig()
	cfg.EventLoop.WorkerThreads = -1
	cfg.EventLoop.QuietPeriod = 3 * time.Second
	cfg.EventLoop.ShutdownTimeout = time.Second
	cfg.EventLoop.CPUs = []int{0, -1}
	cfg.Channel.WriteSpinCount = -2
	cfg.Child.WriteBufferWaterMark = &control.WaterMarkConfig{Low: 10, High: 5}
	cfg.Child.RecvAllocator = &control.RecvAllocatorConfig{Minimum: 0, Initial: 1, Maximum: 2}

	err := cfg.Validate()
	require.ErrorIs(t, err, api.ErrInvalidArgument)
	for _, want := range []string{
		"event_loop.worker_threads",
		"quiet_period 3s exceeds shutdown_timeout 1s",
		"event_loop.cpus: must not be negative, got -1",
		"channel.write_spin_count",
		"child.write_buffer_water_mark",
		"child.recv_allocator",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	cfg, err := control.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Child.MaxMessagesPerRead)

	_, err = control.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestChannelConfig_Options(t *testing.T) {
	cfg, err := control.ParseConfig([]byte(sample))
	require.NoError(t, err)

	opts, err := cfg.Child.Options()
	require.NoError(t, err)
	ec := embedded.NewWithOptions(opts)
	require.NoError(t, ec.CheckException())

	c := ec.Config()
	assert.Equal(t, 4, c.WriteSpinCount())
	assert.False(t, c.AutoRead())
	assert.Equal(t, channel.WaterMark{Low: 100, High: 200}, c.WriteBufferWaterMark())
	assert.Equal(t, 8, c.MaxMessagesPerRead())
	assert.Equal(t, time.Second, c.CloseDrainTimeout())
	assert.IsType(t, &channel.AdaptiveRecvAllocator{}, c.RecvAllocator())

	none, err := control.ChannelConfig{}.Options()
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEventLoopConfig_ExecutorOptions(t *testing.T) {
	el := control.EventLoopConfig{TaskBudget: time.Millisecond}
	opts := el.ExecutorOptions("worker")
	assert.Len(t, opts, 2)
	assert.Equal(t, "worker", concurrency.NameOf(opts...))

	el.CPUs = []int{0}
	assert.Len(t, el.ExecutorOptions("worker", concurrency.WithObserver(nil)), 4)
}

func TestConfig_ApplyServerBootstrap(t *testing.T) {
	cfg, err := control.ParseConfig([]byte("child:\n  write_spin_count: 3\n  max_messages_per_read: 2\n"))
	require.NoError(t, err)

	loop := embedded.NewEventLoop()
	var child *channel.Channel
	sb := bootstrap.NewServer().
		Group(loop, loop).
		ChannelFactory(local.NewServerChannel).
		ChildHandler(channel.NewInitializer(func(ch *channel.Channel) error {
			child = ch
			return nil
		}))
	require.NoError(t, cfg.ApplyServerBootstrap(sb))

	addr := local.NewAddress("control-apply")
	bound := sb.Bind(addr)
	drain(t, loop)
	require.True(t, bound.IsSuccess(), "bind: %v", bound.Cause())
	defer bound.Channel().Close()

	b := bootstrap.New().Group(loop).ChannelFactory(local.NewChannel).
		Handler(channel.NewInitializer(func(*channel.Channel) error { return nil }))
	require.NoError(t, cfg.ApplyBootstrap(b))
	connected := b.Connect(addr)
	drain(t, loop)
	require.True(t, connected.IsSuccess(), "connect: %v", connected.Cause())

	require.NotNil(t, child)
	assert.Equal(t, 3, child.Config().WriteSpinCount())
	assert.Equal(t, 2, child.Config().MaxMessagesPerRead())
}
