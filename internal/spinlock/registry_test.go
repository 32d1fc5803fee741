package spinlock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateNoDuplicateSlots(t *testing.T) {
	r := New()
	seen := make(map[Slot]bool)
	for i := 0; i < MaxSlots; i++ {
		slot, res := r.Allocate(CategoryTest, "owner")
		require.True(t, res.Success())
		assert.False(t, seen[slot], "slot %d allocated twice", slot)
		seen[slot] = true
	}
}

func TestAllocateExhaustion(t *testing.T) {
	r := New()
	for i := 0; i < MaxSlots; i++ {
		_, res := r.Allocate(CategoryTest, ownerName(i))
		require.True(t, res.Success())
	}
	_, res := r.Allocate(CategoryTest, "one-too-many")
	assert.False(t, res.Success())
	assert.Equal(t, "resource_exhausted", res.Kind.String())
}

func ownerName(i int) string {
	return "owner-" + string(rune('a'+i%26)) + string(rune('0'+i%10))
}

func TestFreeAndReallocate(t *testing.T) {
	r := New()
	slot, res := r.Allocate(CategoryTest, "first")
	require.True(t, res.Success())
	require.True(t, r.Free(slot).Success())
	slot2, res2 := r.Allocate(CategoryTest, "second")
	require.True(t, res2.Success())
	assert.Equal(t, slot, slot2)
}

func TestConcurrentDuplicateOwnerCollapsesToOneSlot(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	slots := make([]Slot, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			slot, res := r.Allocate(CategoryScheduler, "shared-owner")
			if res.Success() {
				slots[idx] = slot
			}
		}(i)
	}
	wg.Wait()
	first := slots[0]
	for _, s := range slots {
		assert.Equal(t, first, s)
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	r := New()
	slot, res := r.Allocate(CategoryTest, "owner")
	require.True(t, res.Success())

	var counter int
	var wg sync.WaitGroup
	for core := 0; core < 2; core++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				state := r.Acquire(slot, c%2)
				counter++
				r.Release(state)
			}
		}(core)
	}
	wg.Wait()
	assert.Equal(t, 2000, counter)
}

func TestPhaseMonotonicity(t *testing.T) {
	r := New()
	assert.Equal(t, PhaseNone, r.InitPhase())
	r.AdvancePhase(PhaseTracking)
	assert.Equal(t, PhaseTracking, r.InitPhase())
	r.AdvancePhase(PhaseCore) // lower phase, no-op
	assert.Equal(t, PhaseTracking, r.InitPhase())
	r.AdvancePhase(PhaseFull)
	assert.Equal(t, PhaseFull, r.InitPhase())
}

func TestRegisterComponentFiresAtPhase(t *testing.T) {
	r := New()
	fired := false
	r.RegisterComponent("comp", PhaseTracking, nil, func(interface{}) { fired = true })
	assert.False(t, fired)
	r.AdvancePhase(PhaseTracking)
	assert.True(t, fired)
}

func TestRegisterExternalPromotesBootstrapClaim(t *testing.T) {
	r := New()
	slot, res := r.BootstrapClaim(true)
	require.True(t, res.Success())
	require.True(t, r.RegisterExternal(slot, CategoryI2C, "driver").Success())
	owner, ok := r.Owner(slot)
	require.True(t, ok)
	assert.Equal(t, "driver", owner)
}
