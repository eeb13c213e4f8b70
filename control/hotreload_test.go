package control_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-nio/api"
	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/channel/embedded"
	"github.com/momentics/hioload-nio/control"
)

func TestConfigStore_RejectsInvalidConfig(t *testing.T) {
	bad := control.DefaultConfig()
	bad.EventLoop.BossThreads = -1
	_, err := control.NewConfigStore(bad)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	s, err := control.NewConfigStore(nil)
	require.NoError(t, err)
	before := s.Current()
	assert.ErrorIs(t, s.Update(bad), api.ErrInvalidArgument)
	assert.Same(t, before, s.Current())
}

func TestConfigStore_RunsHooksInOrder(t *testing.T) {
	s, err := control.NewConfigStore(nil)
	require.NoError(t, err)
	first := s.Current()

	var calls []string
	s.OnReload(func(old, cur *control.Config) {
		assert.Same(t, first, old)
		calls = append(calls, "a")
	})
	s.OnReload(func(_, cur *control.Config) {
		assert.Equal(t, 6, cur.EventLoop.WorkerThreads)
		calls = append(calls, "b")
	})

	next := control.DefaultConfig()
	next.EventLoop.WorkerThreads = 6
	require.NoError(t, s.Update(next))
	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Same(t, next, s.Current())
}

func TestConfigStore_PushesLiveOptionsToTrackedChannels(t *testing.T) {
	s, err := control.NewConfigStore(nil)
	require.NoError(t, err)
	ec := embedded.New()
	s.Track(ec.Channel)
	assert.Equal(t, 1, s.Tracked())

	path := filepath.Join(t.TempDir(), "reload.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"child:\n  write_buffer_water_mark: {low: 10, high: 20}\n  write_spin_count: 2\n"), 0o600))
	require.NoError(t, s.Reload(path))

	assert.Equal(t, channel.WaterMark{Low: 10, High: 20}, ec.Config().WriteBufferWaterMark())
	assert.Equal(t, 2, ec.Config().WriteSpinCount())

	ec.Close()
	ec.RunPendingTasks()
	assert.Zero(t, s.Tracked())

	s.Track(ec.Channel)
	assert.Zero(t, s.Tracked(), "closed channels are not tracked")
}

func TestConfigStore_ReloadKeepsCurrentOnError(t *testing.T) {
	s, err := control.NewConfigStore(nil)
	require.NoError(t, err)
	before := s.Current()
	assert.Error(t, s.Reload(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Same(t, before, s.Current())
}
