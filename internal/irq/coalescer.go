// Package irq implements the Interrupt Coalescer (spec §4.4): a uniform
// registration point for hardware IRQs that can batch user-handler
// invocations by time, count, or both.
//
// Grounded on the teacher's kernel/threads/foundation/message_queue.go
// (pending-counter-over-atomic-cursor shape, reused here for the
// per-IRQ pending counter) and kernel/threads/foundation/epoch.go
// (wait-free notification, reused for the coalescer's active-set
// snapshot-then-release pattern).
package irq

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/duocore/kernel/internal/kerrors"
)

// MaxManagedInterrupts bounds the IRQ table (spec §6 compile-time
// constant, boundary behavior in spec §8).
const MaxManagedInterrupts = 64

// DrainInterval is the fixed interrupt-drain period (spec §6).
const DrainInterval = 5 * time.Millisecond

// Mode selects the coalescing policy for one IRQ (spec §3).
type Mode int

const (
	ModeNone Mode = iota
	ModeTime
	ModeCount
	ModeHybrid
)

// Handler is a user interrupt handler.
type Handler func(irq int, context interface{})

// RateLimiter throttles the "global-event" notification hook so an
// interrupt storm cannot starve the coalescer lock with callback
// dispatch (SPEC_FULL §4.4 added); satisfied by
// yasserelgammal/rate-limiter/limiter's TokenBucket, keyed per IRQ number
// the same way the teacher's gossip manager keys its token bucket per
// peer ID (kernel/core/mesh/routing/gossip.go checkRateLimit).
type RateLimiter interface {
	Allow(key string) bool
}

// noopLimiter never throttles; used when no limiter is configured.
type noopLimiter struct{}

func (noopLimiter) Allow(string) bool { return true }

type entry struct {
	irq      int
	handler  Handler
	context  interface{}
	priority int
	enabled  bool

	coalescingEnabled bool
	mode              Mode
	timeThresholdUS   int64
	countThreshold    uint32

	pending        uint32
	activeCoalesced bool
	lastTriggered  time.Time
	lastHandled    time.Time

	totalInterrupts  uint64
	coalesceTriggers uint64
	maxCoalesceDepth uint32
	processingTime   time.Duration
}

// GlobalEventCallback is invoked (rate-limited) on every IRQ arrival,
// regardless of coalescing mode.
type GlobalEventCallback func(irq int)

// Coalescer is the Interrupt Coalescer.
type Coalescer struct {
	mu       sync.Mutex
	entries  [MaxManagedInterrupts]*entry
	byIRQ    map[int]int // irq number -> slot index

	globalCB GlobalEventCallback
	limiter  RateLimiter

	drainRequested atomic.Bool
	tracing        atomic.Bool
}

// New constructs a Coalescer. limiter may be nil (no throttling).
func New(limiter RateLimiter) *Coalescer {
	if limiter == nil {
		limiter = noopLimiter{}
	}
	return &Coalescer{
		byIRQ:   make(map[int]int),
		limiter: limiter,
	}
}

// SetGlobalEventCallback installs the notify-on-every-arrival hook.
func (c *Coalescer) SetGlobalEventCallback(cb GlobalEventCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globalCB = cb
}

// EnableTracing sets the tracing flag that Drain checks. Drain writes no
// trace output itself; each batch's id is returned in DrainResult.
func (c *Coalescer) EnableTracing(on bool) { c.tracing.Store(on) }

// Register implements register(irq, handler, context, priority).
func (c *Coalescer) Register(irqNum int, handler Handler, context interface{}, priority int) kerrors.Result {
	if handler == nil {
		return kerrors.New(kerrors.InvalidArgument, "nil handler for irq %d", irqNum)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byIRQ[irqNum]; exists {
		return kerrors.New(kerrors.InvalidState, "irq %d already registered", irqNum)
	}
	slot := -1
	for i, e := range c.entries {
		if e == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		return kerrors.New(kerrors.ResourceExhausted, "no free interrupt slot for irq %d", irqNum)
	}
	c.entries[slot] = &entry{irq: irqNum, handler: handler, context: context, priority: priority, enabled: true, lastHandled: time.Now()}
	c.byIRQ[irqNum] = slot
	return kerrors.Ok
}

// SetEnabled implements set_enabled(irq, bool).
func (c *Coalescer) SetEnabled(irqNum int, enabled bool) kerrors.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookupLocked(irqNum)
	if !ok {
		return kerrors.New(kerrors.InvalidArgument, "unknown irq %d", irqNum)
	}
	e.enabled = enabled
	return kerrors.Ok
}

// ConfigureCoalescing implements configure_coalescing. Idempotent: the
// same arguments repeated are a no-op (spec §8).
func (c *Coalescer) ConfigureCoalescing(irqNum int, enabled bool, mode Mode, timeThresholdUS int64, countThreshold uint32) kerrors.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookupLocked(irqNum)
	if !ok {
		return kerrors.New(kerrors.InvalidArgument, "unknown irq %d", irqNum)
	}
	if e.coalescingEnabled == enabled && e.mode == mode && e.timeThresholdUS == timeThresholdUS && e.countThreshold == countThreshold {
		return kerrors.Ok
	}
	e.coalescingEnabled = enabled
	e.mode = mode
	e.timeThresholdUS = timeThresholdUS
	e.countThreshold = countThreshold
	return kerrors.Ok
}

func (c *Coalescer) lookupLocked(irqNum int) (*entry, bool) {
	slot, ok := c.byIRQ[irqNum]
	if !ok {
		return nil, false
	}
	return c.entries[slot], true
}

// Trigger is the IRQ-context wrapper installed as the hardware handler
// (spec §4.4 "Wrapper behavior"). An IRQ arriving for an unregistered
// slot is silently ignored (spec §4.4 failure semantics).
func (c *Coalescer) Trigger(irqNum int, now time.Time) {
	c.mu.Lock()
	e, ok := c.lookupLocked(irqNum)
	if !ok || !e.enabled {
		c.mu.Unlock()
		return
	}

	e.totalInterrupts++
	e.lastTriggered = now
	cb := c.globalCB
	c.mu.Unlock()

	if cb != nil && c.limiter.Allow(strconv.Itoa(irqNum)) {
		cb(irqNum)
	}

	if !e.coalescingEnabled {
		start := now
		e.handler(irqNum, e.context)
		c.mu.Lock()
		e.processingTime += time.Since(start)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	e.pending++
	e.activeCoalesced = true
	needsDrain := (e.mode == ModeCount || e.mode == ModeHybrid) && e.pending >= e.countThreshold
	c.mu.Unlock()

	if needsDrain {
		// Non-blocking scheduler hint; the drain task's own timer will
		// pick this up within DrainInterval regardless, so a missed
		// hint is never a correctness issue — only a latency one.
		c.drainRequested.Store(true)
	}
}

// DrainRequested reports and clears whether Trigger asked for an
// out-of-band drain (a scheduler hint; SPEC_FULL's kernelctx wiring may
// use this to wake the drain task early, but a fixed DrainInterval
// ticker is sufficient on its own and is what this module always runs).
func (c *Coalescer) DrainRequested() bool {
	return c.drainRequested.Swap(false)
}

// DrainResult summarizes one Drain() pass for tracing/tests.
type DrainResult struct {
	BatchID     string
	IRQsDrained int
	TotalFired  int
}

// Drain implements the scheduled drain task (spec §4.4, every 5ms).
// Snapshots the active-coalesced set, releases the lock, then re-checks
// policy per IRQ before firing.
func (c *Coalescer) Drain(now time.Time) DrainResult {
	c.mu.Lock()
	var snapshot []int
	for i, e := range c.entries {
		if e != nil && e.activeCoalesced {
			snapshot = append(snapshot, i)
		}
	}
	c.mu.Unlock()

	result := DrainResult{BatchID: uuid.NewString()}
	for _, slot := range snapshot {
		c.mu.Lock()
		e := c.entries[slot]
		if e == nil || !e.activeCoalesced {
			c.mu.Unlock()
			continue
		}

		fire := false
		switch e.mode {
		case ModeTime, ModeHybrid:
			if now.Sub(e.lastHandled).Microseconds() >= e.timeThresholdUS {
				fire = true
			}
		}
		if e.mode == ModeCount || e.mode == ModeHybrid {
			if e.pending >= e.countThreshold {
				fire = true
			}
		}
		if !fire {
			c.mu.Unlock()
			continue
		}

		count := e.pending
		if count > e.maxCoalesceDepth {
			e.maxCoalesceDepth = count
		}
		e.pending = 0
		e.activeCoalesced = false
		e.lastHandled = now
		e.coalesceTriggers++
		handler := e.handler
		irqNum := e.irq
		ctx := e.context
		c.mu.Unlock()

		start := time.Now()
		for i := uint32(0); i < count; i++ {
			handler(irqNum, ctx)
		}
		elapsed := time.Since(start)

		c.mu.Lock()
		e.processingTime += elapsed
		c.mu.Unlock()

		result.IRQsDrained++
		result.TotalFired += int(count)

		if c.tracing.Load() {
			// Trace output intentionally omitted here; kernelctx's
			// wiring passes a Logger down through the log pipeline
			// rather than irq depending on it directly.
			_ = result.BatchID
		}
	}
	return result
}

// Stats is a per-IRQ snapshot for the `interrupt stats` shell command.
type Stats struct {
	IRQ              int
	TotalInterrupts  uint64
	Pending          uint32
	CoalesceTriggers uint64
	MaxCoalesceDepth uint32
	ProcessingTime   time.Duration
	LastTriggered    time.Time
	LastHandled      time.Time
}

// GetStats copies out every registered IRQ's stats.
func (c *Coalescer) GetStats() []Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Stats, 0, len(c.byIRQ))
	for _, e := range c.entries {
		if e == nil {
			continue
		}
		out = append(out, Stats{
			IRQ: e.irq, TotalInterrupts: e.totalInterrupts, Pending: e.pending,
			CoalesceTriggers: e.coalesceTriggers, MaxCoalesceDepth: e.maxCoalesceDepth,
			ProcessingTime: e.processingTime, LastTriggered: e.lastTriggered, LastHandled: e.lastHandled,
		})
	}
	return out
}

// Reset clears all counters for irqNum (the `interrupt reset` command).
func (c *Coalescer) Reset(irqNum int) kerrors.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookupLocked(irqNum)
	if !ok {
		return kerrors.New(kerrors.InvalidArgument, "unknown irq %d", irqNum)
	}
	*e = entry{irq: e.irq, handler: e.handler, context: e.context, priority: e.priority, enabled: e.enabled,
		coalescingEnabled: e.coalescingEnabled, mode: e.mode, timeThresholdUS: e.timeThresholdUS, countThreshold: e.countThreshold,
		lastHandled: time.Now()}
	return kerrors.Ok
}
