package kernelctx

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duocore/kernel/internal/sched"
)

type lockedBuf struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuf) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuf) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewWiresAllSixComponents(t *testing.T) {
	console := &lockedBuf{}
	kc := New(Options{ConsoleWriter: console})
	require.NotNil(t, kc.Spinlocks)
	require.NotNil(t, kc.Protection)
	require.NotNil(t, kc.Scheduler)
	require.NotNil(t, kc.Interrupts)
	require.NotNil(t, kc.Log)
	require.NotNil(t, kc.Stats)
}

func TestStartAndShutdownRoundTrip(t *testing.T) {
	console := &lockedBuf{}
	kc := New(Options{ConsoleWriter: console, ShutdownTimeout: time.Second})

	_, err := kc.Scheduler.CreateTask(func(interface{}) {}, nil, 512, sched.PriorityNormal, "smoke", sched.Core0, sched.Persistent)
	require.True(t, err.Success())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, kc.Start(ctx))

	time.Sleep(50 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	err2 := kc.Shutdown(shutdownCtx)
	assert.NoError(t, err2)
}

func TestSchedulerObservationsReachStatsCollector(t *testing.T) {
	console := &lockedBuf{}
	kc := New(Options{ConsoleWriter: console})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, kc.Start(ctx))

	_, res := kc.Scheduler.CreateTask(func(interface{}) {}, nil, 512, sched.PriorityNormal, "observed", sched.Core0, sched.Oneshot)
	require.True(t, res.Success())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(kc.Stats.GetTaskStats()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	_ = kc.Shutdown(shutdownCtx)

	assert.NotEmpty(t, kc.Stats.GetTaskStats())
}
