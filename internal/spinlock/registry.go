// Package spinlock implements the named, categorized, hardware-backed
// spinlock registry described in spec §4.1. It is the single point of
// truth for who owns which lock slot and mediates every shared-state
// critical section used by the rest of the kernel.
//
// Grounded on the teacher's kernel/threads/sab EpochAllocator (bitmap +
// atomic-CAS allocation counter) and kernel/threads/sab HAL
// (MemoryProvider: an atomic register-file abstraction), adapted from
// SharedArrayBuffer offsets to a pool of hardware spinlock registers.
package spinlock

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/duocore/kernel/internal/kerrors"
)

// Category tags what a slot protects, per spec §3.
type Category int

const (
	CategoryScheduler Category = iota
	CategoryLogging
	CategoryI2C
	CategorySensor
	CategoryDebug
	CategoryTest
)

func (c Category) String() string {
	switch c {
	case CategoryScheduler:
		return "scheduler"
	case CategoryLogging:
		return "logging"
	case CategoryI2C:
		return "i2c"
	case CategorySensor:
		return "sensor"
	case CategoryDebug:
		return "debug"
	case CategoryTest:
		return "test"
	default:
		return "unknown"
	}
}

// Phase is the registry's system-wide init phase (spec §4.1).
type Phase int

const (
	PhaseNone Phase = iota
	PhaseCore
	PhaseTracking
	PhaseFull
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseCore:
		return "core"
	case PhaseTracking:
		return "tracking"
	case PhaseFull:
		return "full"
	default:
		return "unknown"
	}
}

// MaxSlots bounds the hardware spinlock pool, mirroring a typical
// dual-core MCU's fixed number of SIO spinlock registers (RP2040 has 32).
const MaxSlots = 32

// Slot identifies one allocated hardware lock.
type Slot int

// SavedState is the opaque token returned by Acquire and required by
// Release; it carries whatever interrupt-mask state must be restored.
type SavedState struct {
	slot          Slot
	coreID        int
	irqWasEnabled bool
}

type entry struct {
	owner      string
	category   Category
	registered bool // set by every allocation (bootstrap claims included) and by RegisterExternal
	mu         sync.Mutex
	held       atomic.Bool
}

// componentCallback is what register_component defers until the
// registry reaches its requested phase.
type componentCallback struct {
	name     string
	minPhase Phase
	fn       func(ctx interface{})
	ctx      interface{}
	fired    bool
}

// Registry is the kernel's spinlock allocator.
type Registry struct {
	mu        sync.Mutex
	entries   [MaxSlots]entry
	used      [MaxSlots]bool
	nextHint  uint32
	phase     atomic.Int32
	allocOnce singleflight.Group

	callbacksMu sync.Mutex
	callbacks   []*componentCallback

	// irqDisabled is a simulated per-core interrupt mask; this module
	// does not run on real hardware so "disabling interrupts" is
	// represented as a boolean that Acquire/TryAcquire set and Release
	// restores (spec §5: "acquiring ... disables interrupts on the
	// acquiring core"). Nothing outside this file reads it.
	irqDisabled [2]atomic.Bool
}

// New creates a registry at phase NONE.
func New() *Registry {
	return &Registry{}
}

// InitPhase returns the registry's current phase.
func (r *Registry) InitPhase() Phase {
	return Phase(r.phase.Load())
}

// AdvancePhase moves the phase forward. Phase is monotonically
// non-decreasing system-wide (spec §3 invariant); advancing to a lower
// or equal phase is a no-op.
func (r *Registry) AdvancePhase(p Phase) {
	for {
		cur := Phase(r.phase.Load())
		if p <= cur {
			return
		}
		if r.phase.CompareAndSwap(int32(cur), int32(p)) {
			r.fireCallbacks()
			return
		}
	}
}

// RegisterComponent defers fn until the registry reaches minPhase. If
// the registry has already reached minPhase, fn runs inline.
func (r *Registry) RegisterComponent(name string, minPhase Phase, ctx interface{}, fn func(ctx interface{})) {
	cb := &componentCallback{name: name, minPhase: minPhase, fn: fn, ctx: ctx}
	if r.InitPhase() >= minPhase {
		fn(ctx)
		cb.fired = true
	}
	r.callbacksMu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.callbacksMu.Unlock()
}

func (r *Registry) fireCallbacks() {
	r.callbacksMu.Lock()
	defer r.callbacksMu.Unlock()
	phase := r.InitPhase()
	for _, cb := range r.callbacks {
		if !cb.fired && phase >= cb.minPhase {
			cb.fn(cb.ctx)
			cb.fired = true
		}
	}
}

// Allocate reserves one hardware lock slot for owner in category.
// Concurrent allocate calls for the same owner name (a common race
// during phased init, when several components' register_component
// callbacks fire around the same phase transition) are collapsed with
// singleflight so only the first caller actually consumes a slot.
func (r *Registry) Allocate(category Category, owner string) (Slot, kerrors.Result) {
	v, err, _ := r.allocOnce.Do(owner, func() (interface{}, error) {
		slot, res := r.allocateLocked(category, owner)
		if !res.Success() {
			return Slot(-1), res.Err()
		}
		return slot, nil
	})
	if err != nil {
		return Slot(-1), kerrors.New(kerrors.ResourceExhausted, "%s", err.Error())
	}
	return v.(Slot), kerrors.Ok
}

func (r *Registry) allocateLocked(category Category, owner string) (Slot, kerrors.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.nextHint
	for i := uint32(0); i < MaxSlots; i++ {
		idx := (start + i) % MaxSlots
		if !r.used[idx] {
			r.used[idx] = true
			r.entries[idx] = entry{owner: owner, category: category, registered: true}
			r.nextHint = (idx + 1) % MaxSlots
			return Slot(idx), kerrors.Ok
		}
	}
	return Slot(-1), kerrors.New(kerrors.ResourceExhausted, "no free spinlock slot for owner %q", owner)
}

// BootstrapClaim reserves a slot before the registry itself has callers
// wired up for full registration (spec §4.1): early-boot code takes a
// slot with a placeholder owner, later reconciled by RegisterExternal.
func (r *Registry) BootstrapClaim(exclusive bool) (Slot, kerrors.Result) {
	return r.Allocate(CategoryDebug, "bootstrap")
}

// RegisterExternal promotes a bootstrap-claimed slot into a full entry.
func (r *Registry) RegisterExternal(slot Slot, category Category, owner string) kerrors.Result {
	if slot < 0 || int(slot) >= MaxSlots {
		return kerrors.New(kerrors.InvalidArgument, "slot %d out of range", slot)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.used[slot] {
		return kerrors.New(kerrors.InvalidState, "slot %d was never claimed", slot)
	}
	r.entries[slot].owner = owner
	r.entries[slot].category = category
	r.entries[slot].registered = true
	return kerrors.Ok
}

// Free reverses Allocate.
func (r *Registry) Free(slot Slot) kerrors.Result {
	if slot < 0 || int(slot) >= MaxSlots {
		return kerrors.New(kerrors.InvalidArgument, "slot %d out of range", slot)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.used[slot] {
		return kerrors.New(kerrors.InvalidState, "slot %d already free", slot)
	}
	r.used[slot] = false
	r.entries[slot] = entry{}
	return kerrors.Ok
}

// Owner returns the current owner name of slot, for diagnostics (`ps`-
// adjacent shell commands and tests); it takes no lock on the entry
// itself since owner is only written under Allocate/RegisterExternal.
func (r *Registry) Owner(slot Slot) (string, bool) {
	if slot < 0 || int(slot) >= MaxSlots {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.used[slot] {
		return "", false
	}
	return r.entries[slot].owner, true
}

// Acquire disables interrupts on the caller's core and takes the lock.
// Acquisition is spin-wait, legal from ISR context, and cannot fail once
// allocation succeeded (spec §4.1).
func (r *Registry) Acquire(slot Slot, coreID int) SavedState {
	e := &r.entries[slot]
	wasEnabled := !r.irqDisabled[coreID].Swap(true)
	for !e.held.CompareAndSwap(false, true) {
		// spin; never suspend, matching the hardware spinlock contract.
	}
	return SavedState{slot: slot, coreID: coreID, irqWasEnabled: wasEnabled}
}

// Release restores interrupt state and releases the lock.
func (r *Registry) Release(state SavedState) {
	e := &r.entries[state.slot]
	e.held.Store(false)
	if state.irqWasEnabled {
		r.irqDisabled[state.coreID].Store(false)
	}
}

// TryAcquire is a non-spinning variant of Acquire: it makes one attempt
// and reports false, leaving the interrupt mask untouched, if the lock
// is already held.
func (r *Registry) TryAcquire(slot Slot, coreID int) (SavedState, bool) {
	e := &r.entries[slot]
	if !e.held.CompareAndSwap(false, true) {
		return SavedState{}, false
	}
	wasEnabled := !r.irqDisabled[coreID].Swap(true)
	return SavedState{slot: slot, coreID: coreID, irqWasEnabled: wasEnabled}, true
}
