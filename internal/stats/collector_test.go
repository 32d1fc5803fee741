package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveAggregatesMinMaxAvg(t *testing.T) {
	c := New(nil)
	c.Observe(0, 1, int64(10*time.Millisecond))
	c.Observe(0, 1, int64(30*time.Millisecond))
	c.Observe(0, 1, int64(20*time.Millisecond))

	snaps := c.GetTaskStats()
	require.Len(t, snaps, 1)
	s := snaps[0]
	assert.Equal(t, uint64(3), s.Count)
	assert.Equal(t, int64(10*time.Millisecond), s.MinExec.AsDuration().Nanoseconds())
	assert.Equal(t, int64(30*time.Millisecond), s.MaxExec.AsDuration().Nanoseconds())
	assert.Equal(t, int64(20*time.Millisecond), s.AvgExec.AsDuration().Nanoseconds())
}

func TestRecordDeadlineMissIncrementsCounter(t *testing.T) {
	c := New(nil)
	c.Observe(0, 1, int64(time.Millisecond))
	c.RecordDeadlineMiss(1)
	c.RecordDeadlineMiss(1)

	snaps := c.GetTaskStats()
	require.Len(t, snaps, 1)
	assert.Equal(t, uint64(2), snaps[0].DeadlineMiss)
}

func TestContextSwitchesTrackedPerCore(t *testing.T) {
	c := New(nil)
	c.Observe(0, 1, int64(time.Millisecond))
	c.Observe(1, 2, int64(time.Millisecond))
	c.Observe(0, 3, int64(time.Millisecond))

	sys := c.GetSystemStats()
	assert.Equal(t, uint64(3), sys.Switches)
	assert.Equal(t, uint64(2), sys.SwitchesPerCore[0])
	assert.Equal(t, uint64(1), sys.SwitchesPerCore[1])
}

func TestBufferRegistrationRejectsDuplicateAndTracksSwap(t *testing.T) {
	c := New(nil)
	require.True(t, c.RegisterBuffer("frame", 0x1000, 0x2000, 256).Success())
	res := c.RegisterBuffer("frame", 0x1000, 0x2000, 256)
	assert.False(t, res.Success())

	require.True(t, c.SwapBuffer("frame").Success())
	bufs := c.GetBuffers()
	require.Len(t, bufs, 1)
	assert.Equal(t, uint64(1), bufs[0].SwapCount)
	assert.Equal(t, uintptr(0x2000), bufs[0].FrontAddr)
	assert.Equal(t, uintptr(0x1000), bufs[0].BackAddr)
}

func TestSwapUnknownBufferFails(t *testing.T) {
	c := New(nil)
	res := c.SwapBuffer("nope")
	assert.False(t, res.Success())
}

func TestTrendHintEmittedOnceAndDeduped(t *testing.T) {
	c := New(nil)
	for i := 0; i < maxSamplesPerTask+2; i++ {
		c.Observe(0, 42, int64(time.Duration(i+1)*time.Millisecond))
	}
	hints := c.GetHints()
	require.Len(t, hints, 1)
	assert.Equal(t, int64(42), hints[0].TaskID)
	assert.Equal(t, "exec_trend_up", hints[0].Kind)

	// Further increasing samples must not emit a second hint for the
	// same (task, kind) pair.
	for i := 0; i < 5; i++ {
		c.Observe(0, 42, int64(time.Duration(100+i)*time.Millisecond))
	}
	hints = c.GetHints()
	assert.Len(t, hints, 1)
}

func TestResetAllClearsCountersAndTasks(t *testing.T) {
	c := New(nil)
	c.Observe(0, 1, int64(time.Millisecond))
	c.ResetAll()
	assert.Len(t, c.GetTaskStats(), 0)
	assert.Equal(t, uint64(0), c.GetSystemStats().Switches)
}

func TestPrometheusMetricsRegisteredOnIndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}
