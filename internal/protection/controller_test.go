package protection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegionProgrammer struct {
	calls int
	fail  bool
}

func (f *fakeRegionProgrammer) ProgramRegions(core int, regions []Region, stackBase, stackSize, codeBase, codeSize uintptr) error {
	f.calls++
	if f.fail {
		return assertError{"region overflow"}
	}
	return nil
}
func (f *fakeRegionProgrammer) DisableRegions(core int) error { return nil }

type fakeSecurityProgrammer struct {
	transitions []SecurityState
}

func (f *fakeSecurityProgrammer) Transition(core int, state SecurityState) error {
	f.transitions = append(f.transitions, state)
	return nil
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestApplyIdempotentPerCore(t *testing.T) {
	rp := &fakeRegionProgrammer{}
	sp := &fakeSecurityProgrammer{}
	c := New(true, rp, sp)
	require.True(t, c.ConfigureTask(1, []Region{{Base: 0x1000, Size: 0x100, Access: AccessReadWrite}}, 0, 0, 0, 0).Success())
	require.True(t, c.ConfigureSecurity(1, NonSecure, nil).Success())

	res1 := c.Apply(0, 1)
	require.True(t, res1.Success())
	res2 := c.Apply(0, 1)
	require.True(t, res2.Success())
	assert.Equal(t, 1, rp.calls, "second Apply for the same task on the same core should be a no-op")
}

func TestApplyDifferentTaskReapplies(t *testing.T) {
	rp := &fakeRegionProgrammer{}
	sp := &fakeSecurityProgrammer{}
	c := New(true, rp, sp)
	require.True(t, c.ConfigureTask(1, nil, 0, 0, 0, 0).Success())
	require.True(t, c.ConfigureTask(2, nil, 0, 0, 0, 0).Success())

	c.Apply(0, 1)
	c.Apply(0, 2)
	assert.Equal(t, 2, rp.calls)
}

func TestApplyDisabledIsNoop(t *testing.T) {
	rp := &fakeRegionProgrammer{}
	c := New(false, rp, nil)
	res := c.Apply(0, 42) // no config registered at all
	assert.True(t, res.Success())
	assert.Equal(t, 0, rp.calls)
}

func TestApplyKeepsPreviousDomainOnOverflow(t *testing.T) {
	rp := &fakeRegionProgrammer{fail: true}
	c := New(true, rp, &fakeSecurityProgrammer{})
	require.True(t, c.ConfigureTask(1, nil, 0, 0, 0, 0).Success())
	res := c.Apply(0, 1)
	assert.False(t, res.Success())
}

func TestBoundsCheckerRejectsOversizedRegion(t *testing.T) {
	c := New(true, &fakeRegionProgrammer{}, &fakeSecurityProgrammer{}, WithBoundsChecker(fixedBounds(1024)))
	res := c.ConfigureTask(1, []Region{{Base: 2000, Size: 100}}, 0, 0, 0, 0)
	assert.False(t, res.Success())
}

type fixedBounds uint64

func (f fixedBounds) TotalMemory() uint64 { return uint64(f) }

func TestRegisterSecureFunctionRejectsDuplicate(t *testing.T) {
	c := New(true, &fakeRegionProgrammer{}, &fakeSecurityProgrammer{})
	_, res := c.RegisterSecureFunction("veneer_a")
	require.True(t, res.Success())
	_, res2 := c.RegisterSecureFunction("veneer_a")
	assert.False(t, res2.Success())
}
