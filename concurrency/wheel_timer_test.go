package concurrency

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-nio/api"
)

func newTestWheel(t *testing.T, opts ...WheelOption) *WheelTimer {
	t.Helper()
	w := NewWheelTimer(append([]WheelOption{WithTickDuration(time.Millisecond), WithTicksPerWheel(8)}, opts...)...)
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestWheelTimer_RunsTasksNoEarlierThanDelay(t *testing.T) {
	w := newTestWheel(t)

	var mu sync.Mutex
	fired := map[int]time.Duration{}
	start := time.Now()
	delays := []time.Duration{0, 5 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	for i, d := range delays {
		_, err := w.NewTimeout(func(Timeout) {
			mu.Lock()
			fired[i] = time.Since(start)
			mu.Unlock()
		}, d)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == len(delays)
	}, 2*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for i, d := range delays {
		assert.GreaterOrEqual(t, fired[i], d, "timeout %d", i)
	}
	assert.Zero(t, w.PendingTimeouts())
}

func TestWheelTimer_DelayLongerThanOneRound(t *testing.T) {
	// 8 buckets of 1ms: 25ms needs three rounds.
	w := newTestWheel(t)
	start := time.Now()
	done := make(chan time.Duration, 1)
	to, err := w.NewTimeout(func(Timeout) { done <- time.Since(start) }, 25*time.Millisecond)
	require.NoError(t, err)

	select {
	case elapsed := <-done:
		assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout did not fire")
	}
	assert.True(t, to.IsExpired())
	assert.False(t, to.Cancel())
}

func TestWheelTimer_CancelPreventsRun(t *testing.T) {
	w := newTestWheel(t)
	var ran atomic.Bool
	to, err := w.NewTimeout(func(Timeout) { ran.Store(true) }, 20*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, w.PendingTimeouts())

	require.True(t, to.Cancel())
	assert.True(t, to.IsCancelled())
	assert.False(t, to.Cancel())
	assert.Same(t, w, to.Timer())

	require.Eventually(t, func() bool { return w.PendingTimeouts() == 0 }, time.Second, time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.False(t, ran.Load())
	assert.False(t, to.IsExpired())
}

func TestWheelTimer_MaxPendingTimeouts(t *testing.T) {
	w := newTestWheel(t, WithMaxPendingTimeouts(2))
	for range 2 {
		_, err := w.NewTimeout(func(Timeout) {}, time.Hour)
		require.NoError(t, err)
	}
	_, err := w.NewTimeout(func(Timeout) {}, time.Hour)
	assert.ErrorIs(t, err, api.ErrRejectedExecution)
	assert.EqualValues(t, 2, w.PendingTimeouts())
}

func TestWheelTimer_StopReturnsUnprocessed(t *testing.T) {
	w := NewWheelTimer(WithTickDuration(time.Millisecond))
	long, err := w.NewTimeout(func(Timeout) {}, time.Hour)
	require.NoError(t, err)
	cancelled, err := w.NewTimeout(func(Timeout) {}, time.Hour)
	require.NoError(t, err)
	require.True(t, cancelled.Cancel())

	unprocessed := w.Stop()
	require.Len(t, unprocessed, 1)
	assert.Same(t, long, unprocessed[0])
	assert.Nil(t, w.Stop())

	_, err = w.NewTimeout(func(Timeout) {}, time.Millisecond)
	assert.ErrorIs(t, err, api.ErrRejectedExecution)
}

func TestWheelTimer_StopFromTask(t *testing.T) {
	w := NewWheelTimer(WithTickDuration(time.Millisecond))
	stopped := make(chan []Timeout, 1)
	_, err := w.NewTimeout(func(Timeout) { stopped <- w.Stop() }, time.Millisecond)
	require.NoError(t, err)

	select {
	case got := <-stopped:
		assert.Nil(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	select {
	case <-w.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestWheelTimer_TaskPanicKeepsWorker(t *testing.T) {
	w := newTestWheel(t)
	_, err := w.NewTimeout(func(Timeout) { panic(errors.New("boom")) }, 0)
	require.NoError(t, err)
	done := make(chan struct{})
	_, err = w.NewTimeout(func(Timeout) { close(done) }, 2*time.Millisecond)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second task did not run")
	}
}

func TestWheelTimer_RejectsNilTask(t *testing.T) {
	w := NewWheelTimer()
	_, err := w.NewTimeout(nil, time.Second)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	assert.Nil(t, w.Stop())
	assert.Len(t, w.wheel, DefaultTicksPerWheel)
	assert.Equal(t, DefaultTickDuration, w.TickDuration())
}
