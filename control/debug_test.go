package control_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/concurrency"
	"github.com/momentics/hioload-nio/control"
)

func TestDebugProbes_DumpState(t *testing.T) {
	dp := control.NewDebugProbes()
	dp.RegisterProbe("answer", func() any { return 42 })
	dp.RegisterProbe("broken", func() any { panic("no") })
	control.RegisterPlatformProbes(dp)

	state := dp.DumpState()
	assert.Equal(t, 42, state["answer"])
	assert.Equal(t, "probe panicked: no", state["broken"])
	assert.Positive(t, state["platform.cpus"])
	assert.Contains(t, dp.Names(), "platform.cpus")

	dp.UnregisterProbe("broken")
	assert.NotContains(t, dp.DumpState(), "broken")
}

func TestProbeGroup_ListsMembers(t *testing.T) {
	g, err := channel.NewEventLoopGroup(2, concurrency.WithName("probe"))
	require.NoError(t, err)

	dp := control.NewDebugProbes()
	control.ProbeGroup(dp, "workers", g.Group)

	states := dp.DumpState()["workers"].([]control.ExecutorState)
	require.Len(t, states, 2)
	assert.Equal(t, control.ExecutorState{Name: "probe-0", State: "not-started", PendingTasks: 0}, states[0])

	require.NoError(t, g.Executors()[0].Execute(func() {}))
	require.Eventually(t, func() bool {
		states := dp.DumpState()["workers"].([]control.ExecutorState)
		return states[0].State == "started"
	}, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.ShutdownGracefully(0, time.Second).Await(ctx))
	for _, st := range dp.DumpState()["workers"].([]control.ExecutorState) {
		assert.Equal(t, "terminated", st.State)
	}
}
