package logpipe

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duocore/kernel/internal/spinlock"
)

func newTestRegistryAtFull() *spinlock.Registry {
	r := spinlock.New()
	r.AdvancePhase(spinlock.PhaseCore)
	r.AdvancePhase(spinlock.PhaseTracking)
	r.AdvancePhase(spinlock.PhaseFull)
	return r
}

type bufConsole struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *bufConsole) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *bufConsole) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recordingDest struct {
	name    string
	mu      sync.Mutex
	records []string
}

func (d *recordingDest) Name() string { return d.name }
func (d *recordingDest) WriteRecord(line string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, line)
	return nil
}

func TestLogBeforeInitWritesDirectlyToConsole(t *testing.T) {
	console := &bufConsole{}
	p := New(DefaultConfig(), console)
	p.Log(Info, 0, "boot", "starting up")
	assert.Contains(t, console.String(), "starting up")
}

func TestLogRoutesToDurableSinkAboveThreshold(t *testing.T) {
	console := &bufConsole{}
	cfg := DefaultConfig()
	cfg.SDCardLevel = Warn
	p := New(cfg, console)
	reg := newTestRegistryAtFull()
	p.AttachRegistry(reg)
	require.True(t, p.InitSpinlocks().Success())

	dest := &recordingDest{name: "sd"}
	p.AddDestination(dest)

	p.Log(Warn, 0, "mod", "overheating")
	p.Drain()

	dest.mu.Lock()
	defer dest.mu.Unlock()
	require.Len(t, dest.records, 1)
	assert.Contains(t, dest.records[0], "overheating")
}

func TestLogBelowDurableThresholdDoesNotQueue(t *testing.T) {
	console := &bufConsole{}
	cfg := DefaultConfig()
	cfg.SDCardLevel = Error
	cfg.FlashLevel = Error
	p := New(cfg, console)
	reg := newTestRegistryAtFull()
	p.AttachRegistry(reg)
	require.True(t, p.InitSpinlocks().Success())

	dest := &recordingDest{name: "sd"}
	p.AddDestination(dest)

	p.Log(Info, 0, "mod", "just info")
	p.Drain()

	dest.mu.Lock()
	defer dest.mu.Unlock()
	assert.Len(t, dest.records, 0)
}

func TestDrainCapsAtTwoRecordsPerActivation(t *testing.T) {
	console := &bufConsole{}
	cfg := DefaultConfig()
	cfg.SDCardLevel = Warn
	p := New(cfg, console)
	reg := newTestRegistryAtFull()
	p.AttachRegistry(reg)
	require.True(t, p.InitSpinlocks().Success())

	dest := &recordingDest{name: "sd"}
	p.AddDestination(dest)

	for i := 0; i < 5; i++ {
		p.Log(Warn, 0, "mod", "line")
	}
	p.Drain()

	dest.mu.Lock()
	got := len(dest.records)
	dest.mu.Unlock()
	assert.Equal(t, 2, got)

	p.Drain()
	dest.mu.Lock()
	got = len(dest.records)
	dest.mu.Unlock()
	assert.Equal(t, 4, got)
}

func TestOverflowCounterIncrementsWhenRingFull(t *testing.T) {
	console := &bufConsole{}
	cfg := DefaultConfig()
	cfg.BufferSize = 16
	cfg.SDCardLevel = Warn
	p := New(cfg, console)
	reg := newTestRegistryAtFull()
	p.AttachRegistry(reg)
	require.True(t, p.InitSpinlocks().Success())

	for i := 0; i < 10; i++ {
		p.Log(Warn, 0, "mod", "a reasonably long line that will overflow the tiny ring")
	}
	assert.Greater(t, p.Overflow(), uint64(0))
}
