package shellapi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duocore/kernel/internal/kernelctx"
)

type dispatcher interface {
	Dispatch(name string, args []string) (string, int)
}

func newTestRegistrar(t *testing.T) dispatcher {
	t.Helper()
	kc := kernelctx.New(kernelctx.Options{})
	r := NewRegistrar(kc)
	d, ok := r.(dispatcher)
	require.True(t, ok)
	return d
}

func TestTaskCreateThenPsListsIt(t *testing.T) {
	d := newTestRegistrar(t)
	out, code := d.Dispatch("task", []string{"create", "worker", "2", "0", "oneshot"})
	require.Equal(t, 0, code)
	assert.Contains(t, out, "created task")

	out, code = d.Dispatch("ps", nil)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "id\tname\tstate\tpriority\tcore\trun_count")
	assert.Contains(t, out, "worker")
}

func TestSchedulerStatusCommand(t *testing.T) {
	d := newTestRegistrar(t)
	out, code := d.Dispatch("scheduler", []string{"status"})
	assert.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(out, "context_switches="))
}

func TestTraceRejectsInvalidArg(t *testing.T) {
	d := newTestRegistrar(t)
	_, code := d.Dispatch("trace", []string{"maybe"})
	assert.Equal(t, 1, code)
}

func TestInterruptCoalesceOnUnregisteredIRQFails(t *testing.T) {
	// The shell surface has no "register" command (drivers register IRQs
	// at init time, not via shell), so configuring coalescing for an IRQ
	// nothing has registered must fail.
	d := newTestRegistrar(t)
	_, code := d.Dispatch("interrupt", []string{"coalesce", "7", "count", "0", "5"})
	assert.Equal(t, 1, code)
}

func TestTZFunctionRegistersSecureFunctionAndRejectsDuplicate(t *testing.T) {
	d := newTestRegistrar(t)
	out, code := d.Dispatch("tz", []string{"function", "veneer_a", "0x1000"})
	require.Equal(t, 0, code)
	assert.Contains(t, out, "secure function registered")

	_, code2 := d.Dispatch("tz", []string{"function", "veneer_a", "0x1000"})
	assert.Equal(t, 1, code2)
}

func TestUnknownCommandReturnsError(t *testing.T) {
	d := newTestRegistrar(t)
	_, code := d.Dispatch("nonexistent", nil)
	assert.Equal(t, 1, code)
}

func TestStatresetRequiresValidArg(t *testing.T) {
	d := newTestRegistrar(t)
	out, code := d.Dispatch("statreset", []string{"all"})
	assert.Equal(t, 0, code)
	assert.Equal(t, "reset all", out)

	_, code2 := d.Dispatch("statreset", []string{"bogus"})
	assert.Equal(t, 1, code2)
}
