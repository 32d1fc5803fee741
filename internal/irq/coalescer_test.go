package irq

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalesceByCount(t *testing.T) {
	c := New(nil)
	var invocations int32
	handler := func(irqNum int, ctx interface{}) {
		atomic.AddInt32(&invocations, 1)
	}
	require.True(t, c.Register(7, handler, nil, 0).Success())
	require.True(t, c.ConfigureCoalescing(7, true, ModeCount, 0, 5).Success())

	now := time.Now()
	for i := 0; i < 5; i++ {
		c.Trigger(7, now)
	}

	result := c.Drain(now)
	assert.Equal(t, int32(5), atomic.LoadInt32(&invocations))
	assert.Equal(t, 1, result.IRQsDrained)

	stats := c.GetStats()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(1), stats[0].CoalesceTriggers)
	assert.Equal(t, uint32(5), stats[0].MaxCoalesceDepth)
}

func TestUnregisteredIRQIgnored(t *testing.T) {
	c := New(nil)
	assert.NotPanics(t, func() {
		c.Trigger(99, time.Now())
	})
}

func TestNonCoalescedFiresImmediately(t *testing.T) {
	c := New(nil)
	var count int32
	require.True(t, c.Register(1, func(int, interface{}) { atomic.AddInt32(&count, 1) }, nil, 0).Success())
	c.Trigger(1, time.Now())
	c.Trigger(1, time.Now())
	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestConfigureCoalescingIdempotent(t *testing.T) {
	c := New(nil)
	require.True(t, c.Register(2, func(int, interface{}) {}, nil, 0).Success())
	require.True(t, c.ConfigureCoalescing(2, true, ModeTime, 1000, 0).Success())
	require.True(t, c.ConfigureCoalescing(2, true, ModeTime, 1000, 0).Success())
}

func TestRegisterRejectsDuplicateIRQ(t *testing.T) {
	c := New(nil)
	require.True(t, c.Register(3, func(int, interface{}) {}, nil, 0).Success())
	res := c.Register(3, func(int, interface{}) {}, nil, 0)
	assert.False(t, res.Success())
}

func TestDrainTimeModeRespectsThreshold(t *testing.T) {
	c := New(nil)
	var count int32
	require.True(t, c.Register(4, func(int, interface{}) { atomic.AddInt32(&count, 1) }, nil, 0).Success())
	require.True(t, c.ConfigureCoalescing(4, true, ModeTime, 10_000, 0).Success())

	base := time.Now()
	c.Trigger(4, base)
	// Not enough elapsed time yet: drain should not fire.
	c.Drain(base.Add(1 * time.Millisecond))
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))

	// Past the threshold now.
	c.Drain(base.Add(11 * time.Millisecond))
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}
