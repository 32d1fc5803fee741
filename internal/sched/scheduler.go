// Package sched implements the Scheduler Core (spec §4.3): the dual-core
// task table, the 10ms tick, and the priority+EDF hybrid dispatch
// decision.
//
// Grounded on the teacher's kernel/threads/intelligence/scheduling/
// engine.go (EDF priority-queue scheduling, deadline-aware priority
// scoring) and kernel/threads/foundation/message_queue.go (lock-free
// stats feed, see timing_ring.go); reworked from a single-core
// heap-based EDF queue into the spec's per-core round-robin-within-
// priority dispatch with a deadline-urgency override pass.
package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/duocore/kernel/internal/kerrors"
)

// MaxTasksPerCore bounds each core's task table (spec §6: "compile-time
// constant").
const MaxTasksPerCore = 64

// TickInterval is the fixed scheduler tick (spec §6).
const TickInterval = 10_000_000 // nanoseconds, 10ms

// urgencyFraction is the deadline-urgency threshold (spec §4.3, §9: kept
// fixed, not made configurable).
const urgencyFraction = 0.25

// Logger is the minimal logging surface the scheduler needs; defined
// here (not imported from internal/logpipe) so the two packages have no
// compile-time dependency on each other — kernelctx wires a concrete
// *logpipe.Pipeline in as this interface.
type Logger interface {
	Tracef(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// TimingSink receives per-task execution-time samples for the Stats
// Collector; defined locally for the same reason as Logger.
type TimingSink interface {
	Observe(core int, taskID ID, runtime int64)
}

// Protector applies and resets the protection domain on dispatch/return;
// satisfied by *protection.Controller without an import-cycle risk since
// protection has no dependency back on sched.
type Protector interface {
	Apply(core int, task int64) kerrors.Result
}

type noopLogger struct{}

func (noopLogger) Tracef(string, ...interface{}) {}
func (noopLogger) Warnf(string, ...interface{})  {}

type noopProtector struct{}

func (noopProtector) Apply(int, int64) kerrors.Result { return kerrors.Ok }

type coreState struct {
	mu        sync.Mutex
	tasks     []*TCB // dense table; nil entries are free slots
	cursor    int    // round-robin cursor for the priority+RR pass
	current   ID
	hasCurrent bool
	switches  uint64
	ring      *timingRing
}

// Scheduler is the Scheduler Core.
type Scheduler struct {
	clock     clock.Clock
	log       Logger
	protector Protector

	nextID   int64Gen
	anyAffinityRR uint64
	cores    [2]*coreState
	tracing  bool
	tracingMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats

	sink TimingSink

	singleCoreMode bool
}

// int64Gen is a tiny monotonic id generator; kept as its own type so the
// zero-cost path is obvious at the call site (New below).
type int64Gen struct {
	mu   sync.Mutex
	next int64
}

func (g *int64Gen) next_() ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return ID(g.next)
}

// New constructs a Scheduler. If the host reports fewer than two logical
// cores (checked via klauspost/cpuid/v2), the scheduler logs a warning
// and folds core 1 into core 0's cross-core fallback scan instead of
// failing (spec §4.3 added: "degraded-but-correct, never a hard
// failure").
func New(log Logger, protector Protector, sink TimingSink) *Scheduler {
	if log == nil {
		log = noopLogger{}
	}
	if protector == nil {
		protector = noopProtector{}
	}
	s := &Scheduler{
		clock:     clock.New(),
		log:       log,
		protector: protector,
		sink:      sink,
	}
	for i := range s.cores {
		s.cores[i] = &coreState{
			tasks: make([]*TCB, 0, MaxTasksPerCore),
			ring:  newTimingRing(256),
		}
	}
	if cpuid.CPU.LogicalCores < 2 {
		s.singleCoreMode = true
		s.log.Warnf("host reports %d logical core(s); core 1 dispatch loop disabled, folding into core 0 fallback scan", cpuid.CPU.LogicalCores)
	}
	return s
}

// WithClock overrides the real clock with a mock (tests use
// clock.NewMock()), per SPEC_FULL.md §3.
func (s *Scheduler) WithClock(c clock.Clock) *Scheduler {
	s.clock = c
	return s
}

// now returns the scheduler clock's current time as Unix nanoseconds
// (the mock clock used in tests starts at the Unix epoch), used for all
// deadline and execution-time math.
func (s *Scheduler) now() int64 {
	return s.clock.Now().UnixNano()
}

// CreateTask implements create_task (spec §4.3).
func (s *Scheduler) CreateTask(fn TaskFunc, params interface{}, stackSize uintptr, priority Priority, name string, affinity Affinity, typ TaskType) (ID, kerrors.Result) {
	if fn == nil {
		return 0, kerrors.New(kerrors.InvalidArgument, "task function is nil")
	}
	if affinity != Core0 && affinity != Core1 && affinity != Any {
		return 0, kerrors.New(kerrors.InvalidArgument, "invalid affinity %d", affinity)
	}

	tcb := &TCB{
		ID:        s.nextID.next_(),
		Name:      name,
		Fn:        fn,
		Params:    params,
		Priority:  priority,
		Type:      typ,
		State:     Ready,
		Affinity:  affinity,
		StackSize: stackSize,
	}

	core := s.homeCoreFor(affinity)
	cs := s.cores[core]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.tasks) >= MaxTasksPerCore {
		return 0, kerrors.New(kerrors.ResourceExhausted, "core %d task table full", core)
	}
	tcb.RunCore = core
	cs.tasks = append(cs.tasks, tcb)

	s.statsMu.Lock()
	s.stats.TasksCreated++
	s.statsMu.Unlock()

	return tcb.ID, kerrors.Ok
}

// homeCoreFor picks an initial table for a new task; ANY-affinity tasks
// are seeded round-robin across both tables so the cross-core fallback
// scan has somewhere concrete to start from. Uses its own counter rather
// than the task-id generator so CreateTask's returned ids stay
// consecutive regardless of affinity mix.
func (s *Scheduler) homeCoreFor(a Affinity) int {
	switch a {
	case Core0:
		return 0
	case Core1:
		return 1
	default:
		return int(atomic.AddUint64(&s.anyAffinityRR, 1)-1) % 2
	}
}

// findTask locates a task by id across both core tables. Returns the
// core index, the TCB, and whether it was found.
func (s *Scheduler) findTask(id ID) (int, *TCB, bool) {
	for core := 0; core < 2; core++ {
		cs := s.cores[core]
		cs.mu.Lock()
		for _, t := range cs.tasks {
			if t != nil && t.ID == id {
				cs.mu.Unlock()
				return core, t, true
			}
		}
		cs.mu.Unlock()
	}
	return 0, nil, false
}

// DeleteTask implements delete_task. Resolves spec.md's Open Question
// per SPEC_FULL.md §4.3: legal only for INACTIVE, READY, SUSPENDED, or
// COMPLETED tasks; rejected (false) for RUNNING rather than queued.
func (s *Scheduler) DeleteTask(id ID) bool {
	core, t, ok := s.findTask(id)
	if !ok {
		return false
	}
	cs := s.cores[core]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if t.State == Running {
		return false
	}
	for i, x := range cs.tasks {
		if x == t {
			cs.tasks = append(cs.tasks[:i], cs.tasks[i+1:]...)
			break
		}
	}
	s.statsMu.Lock()
	s.stats.TasksDeleted++
	s.statsMu.Unlock()
	return true
}

// SuspendTask implements suspend_task. Legal from READY or RUNNING; a
// RUNNING task is marked SUSPENDED at once, but its in-flight body is
// not interrupted (nothing here can stop a task body mid-function). When
// that body returns, a persistent task stays SUSPENDED until ResumeTask;
// a oneshot task is COMPLETED.
func (s *Scheduler) SuspendTask(id ID) bool {
	_, t, ok := s.findTask(id)
	if !ok {
		return false
	}
	core := t.RunCore
	cs := s.cores[core]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	switch t.State {
	case Ready, Running:
		t.State = Suspended
		return true
	default:
		return false
	}
}

// ResumeTask implements resume_task: SUSPENDED → READY. It is a
// scheduling hint only (spec §4.3) — it does not jump the round-robin
// cursor for other tasks at its priority.
func (s *Scheduler) ResumeTask(id ID) bool {
	_, t, ok := s.findTask(id)
	if !ok {
		return false
	}
	core := t.RunCore
	cs := s.cores[core]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if t.State != Suspended {
		return false
	}
	t.State = Ready
	return true
}

// GetTaskInfo implements get_task_info.
func (s *Scheduler) GetTaskInfo(id ID) (Info, bool) {
	_, t, ok := s.findTask(id)
	if !ok {
		return Info{}, false
	}
	cs := s.cores[t.RunCore]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return Info{
		ID: t.ID, Name: t.Name, Priority: t.Priority, Type: t.Type,
		State: t.State, Affinity: t.Affinity, Core: t.RunCore,
		RunCount: t.RunCount, TotalRuntime: t.TotalRuntime,
	}, true
}

// ListTasks returns every task's current Info across both core tables,
// including tasks that have never run (spec §6 `ps`: "print each
// task" — not just tasks the Stats Collector has already observed).
func (s *Scheduler) ListTasks() []Info {
	var out []Info
	for core := 0; core < 2; core++ {
		cs := s.cores[core]
		cs.mu.Lock()
		for _, t := range cs.tasks {
			if t == nil {
				continue
			}
			out = append(out, Info{
				ID: t.ID, Name: t.Name, Priority: t.Priority, Type: t.Type,
				State: t.State, Affinity: t.Affinity, Core: t.RunCore,
				RunCount: t.RunCount, TotalRuntime: t.TotalRuntime,
			})
		}
		cs.mu.Unlock()
	}
	return out
}

// GetStats implements get_stats.
func (s *Scheduler) GetStats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// GetCurrentTask implements get_current_task; returns -1 if core has no
// running task (core out of {0,1} also returns -1).
func (s *Scheduler) GetCurrentTask(core int) ID {
	if core != 0 && core != 1 {
		return -1
	}
	cs := s.cores[core]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.hasCurrent {
		return -1
	}
	return cs.current
}

// SetDeadline implements set_deadline. Promotes priority to at least
// HIGH for HARD deadlines (spec §3 invariant).
func (s *Scheduler) SetDeadline(id ID, typ DeadlineType, periodMS, deadlineMS, budgetUS int64) bool {
	if typ != DeadlineNone && (periodMS <= 0 || deadlineMS > periodMS) {
		return false
	}
	_, t, ok := s.findTask(id)
	if !ok {
		return false
	}
	cs := s.cores[t.RunCore]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	t.Deadline.Type = typ
	t.Deadline.PeriodMS = periodMS
	t.Deadline.DeadlineMS = deadlineMS
	t.Deadline.BudgetUS = budgetUS
	if typ == DeadlineHard && t.Priority < PriorityHigh {
		t.Priority = PriorityHigh
	}
	return true
}

// SetDeadlineMissHandler implements set_deadline_miss_handler.
func (s *Scheduler) SetDeadlineMissHandler(id ID, handler func(ID)) bool {
	_, t, ok := s.findTask(id)
	if !ok {
		return false
	}
	cs := s.cores[t.RunCore]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	t.Deadline.MissHandler = handler
	return true
}

// GetDeadlineInfo implements get_deadline_info.
func (s *Scheduler) GetDeadlineInfo(id ID) (DeadlineInfo, bool) {
	_, t, ok := s.findTask(id)
	if !ok {
		return DeadlineInfo{}, false
	}
	cs := s.cores[t.RunCore]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return DeadlineInfo{
		Type: t.Deadline.Type, PeriodMS: t.Deadline.PeriodMS,
		DeadlineMS: t.Deadline.DeadlineMS, BudgetUS: t.Deadline.BudgetUS,
		MissCount: t.Deadline.MissCount, LastStartTime: t.Deadline.LastStartTime,
		LastCompletionTime: t.Deadline.LastCompletionTime,
	}, true
}

// EnableTracing implements enable_tracing.
func (s *Scheduler) EnableTracing(on bool) {
	s.tracingMu.Lock()
	s.tracing = on
	s.tracingMu.Unlock()
}

func (s *Scheduler) isTracing() bool {
	s.tracingMu.Lock()
	defer s.tracingMu.Unlock()
	return s.tracing
}

// Yield implements yield(): demotes the caller's RUNNING task on core to
// READY. The caller (a task body) must supply its own core and id since
// the scheduler has no per-goroutine context to introspect.
func (s *Scheduler) Yield(core int, id ID) {
	cs := s.cores[core]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, t := range cs.tasks {
		if t != nil && t.ID == id && t.State == Running {
			t.State = Ready
		}
	}
}

// localDispatch runs the first two passes of the three-pass dispatch
// decision (spec §4.3) against core's own table. Caller must hold cs.mu.
func (s *Scheduler) localDispatch(cs *coreState) *TCB {
	now := s.now()
	if urgent := s.deadlinePass(cs, now); urgent != nil {
		return urgent
	}
	return s.priorityRoundRobinPass(cs)
}

func (s *Scheduler) deadlinePass(cs *coreState, now int64) *TCB {
	var best *TCB
	for _, t := range cs.tasks {
		if t == nil || t.State != Ready || t.Deadline.Type != DeadlineHard {
			continue
		}
		if t.Deadline.PeriodMS <= 0 || t.Deadline.DeadlineMS <= 0 {
			continue
		}
		periodNS := t.Deadline.PeriodMS * 1_000_000
		deadlineNS := t.Deadline.DeadlineMS * 1_000_000

		var periodStart int64
		if t.Deadline.LastStartTime == 0 {
			periodStart = now
		} else {
			last := int64(t.Deadline.LastStartTime)
			periodStart = (last/periodNS)*periodNS + periodNS
		}
		absoluteDeadline := periodStart + deadlineNS
		remaining := absoluteDeadline - now
		if float64(remaining) <= urgencyFraction*float64(deadlineNS) {
			if best == nil || t.Priority > best.Priority {
				best = t
			}
		}
	}
	return best
}

func (s *Scheduler) priorityRoundRobinPass(cs *coreState) *TCB {
	highest := PriorityIdle
	found := false
	for _, t := range cs.tasks {
		if t != nil && t.State == Ready {
			if !found || t.Priority > highest {
				highest = t.Priority
				found = true
			}
		}
	}
	if !found {
		return nil
	}

	n := len(cs.tasks)
	for i := 0; i < n; i++ {
		idx := (cs.cursor + 1 + i) % n
		t := cs.tasks[idx]
		if t != nil && t.State == Ready && t.Priority == highest {
			cs.cursor = idx
			return t
		}
	}
	return nil
}

// crossCoreFallback implements the third dispatch pass: borrow an
// ANY-affinity READY task from the other core's table. Unlike the
// teacher's single-core EDF queue, a task picked up this way must
// actually move between the two per-core tables so that every later
// read and write of its observable state (State, RunCount, RunCore,
// StartTime, Deadline.LastStartTime) is serialized under the same
// table lock as the home core's own dispatch loop (spec §5) — handing
// back a pointer still owned by the other core's table while only the
// caller's lock is held would let both loops mutate it concurrently
// under different locks.
//
// Must be called with neither core's lock held. Both tables are locked
// in a fixed, globally-consistent order (lower core index first) so
// core 0 borrowing from core 1 and core 1 borrowing from core 0 at the
// same time can never form a lock cycle.
func (s *Scheduler) crossCoreFallback(core int) *TCB {
	other := 1 - core
	lo, hi := core, other
	if lo > hi {
		lo, hi = hi, lo
	}
	s.cores[lo].mu.Lock()
	defer s.cores[lo].mu.Unlock()
	s.cores[hi].mu.Lock()
	defer s.cores[hi].mu.Unlock()

	cs := s.cores[core]
	oc := s.cores[other]

	bestIdx := -1
	for i, t := range oc.tasks {
		if t != nil && t.State == Ready && t.Affinity == Any {
			if bestIdx == -1 || t.Priority > oc.tasks[bestIdx].Priority {
				bestIdx = i
			}
		}
	}
	if bestIdx == -1 {
		return nil
	}

	best := oc.tasks[bestIdx]
	oc.tasks = append(oc.tasks[:bestIdx], oc.tasks[bestIdx+1:]...)
	best.RunCore = core
	cs.tasks = append(cs.tasks, best)
	return best
}

// runTick performs one tick's worth of work on core: demote RUNNING
// persistent tasks, dispatch the next task, run it, and perform
// execution accounting (spec §4.3).
func (s *Scheduler) runTick(ctx context.Context, core int) {
	cs := s.cores[core]

	cs.mu.Lock()
	for _, t := range cs.tasks {
		if t != nil && t.State == Running && t.Type == Persistent {
			t.State = Ready
		}
	}
	next := s.localDispatch(cs)
	if next != nil {
		s.beginRun(cs, core, next)
		cs.mu.Unlock()
		s.afterDispatch(ctx, core, next)
		return
	}
	cs.mu.Unlock()

	// The third pass borrows from the other core's table, which cannot
	// be done while still holding cs.mu (see crossCoreFallback's doc).
	next = s.crossCoreFallback(core)
	if next == nil {
		cs.mu.Lock()
		cs.hasCurrent = false
		cs.mu.Unlock()
		return
	}

	cs.mu.Lock()
	s.beginRun(cs, core, next)
	cs.mu.Unlock()
	s.afterDispatch(ctx, core, next)
}

// beginRun transitions next to RUNNING and updates per-core dispatch
// bookkeeping. Caller must hold cs.mu, and next must already be a
// member of cs.tasks (crossCoreFallback migrates a borrowed task in
// before this is called).
func (s *Scheduler) beginRun(cs *coreState, core int, next *TCB) {
	next.State = Running
	next.RunCount++
	next.RunCore = core
	now := s.now()
	next.StartTime = time.Duration(now)
	if next.Deadline.Type != DeadlineNone {
		next.Deadline.LastStartTime = time.Duration(now)
	}
	cs.current = next.ID
	cs.hasCurrent = true
	cs.switches++
}

func (s *Scheduler) afterDispatch(ctx context.Context, core int, next *TCB) {
	s.statsMu.Lock()
	s.stats.ContextSwitches++
	s.stats.ContextSwitchesPerCore[core]++
	s.statsMu.Unlock()

	if s.isTracing() {
		s.log.Tracef("core%d dispatch task=%d(%s) priority=%s", core, next.ID, next.Name, next.Priority)
	}

	_ = s.protector.Apply(core, int64(next.ID))

	s.runTaskBody(ctx, core, next)
}

// runTaskBody executes the task function with panic recovery (SPEC_FULL
// §4.3: a panicking task body surfaces as a recovered, logged error —
// never takes the other core down — and the task is left COMPLETED
// rather than crashing the process).
func (s *Scheduler) runTaskBody(ctx context.Context, core int, t *TCB) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warnf("task %d(%s) panicked: %v", t.ID, t.Name, r)
			s.finishTask(core, t, true)
		}
	}()

	start := s.now()
	t.Fn(t.Params)
	end := s.now()

	s.sink.Observe(core, t.ID, end-start)
	s.cores[core].ring.push(timingSample{taskID: t.ID, runtime: end - start})
	s.finishTask(core, t, false)
}

func (s *Scheduler) finishTask(core int, t *TCB, forcedComplete bool) {
	cs := s.cores[core]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := s.now()
	execTime := time.Duration(now) - t.StartTime
	t.TotalRuntime += execTime

	if t.Deadline.Type != DeadlineNone {
		t.Deadline.LastCompletionTime = time.Duration(now)
		budgetNS := t.Deadline.BudgetUS * 1000
		if budgetNS > 0 && int64(execTime) > budgetNS {
			t.Deadline.BudgetOverrunCount++
			if s.isTracing() {
				s.log.Tracef("task %d(%s) budget overrun: %dns > %dns", t.ID, t.Name, int64(execTime), budgetNS)
			}
		}
		periodNS := t.Deadline.PeriodMS * 1_000_000
		deadlineNS := t.Deadline.DeadlineMS * 1_000_000
		last := int64(t.Deadline.LastStartTime)
		periodStart := (last / periodNS) * periodNS
		absoluteDeadline := periodStart + deadlineNS
		if int64(t.Deadline.LastCompletionTime) > absoluteDeadline {
			t.Deadline.MissCount++
			t.DeadlineOverrun = true
			if t.Deadline.Type == DeadlineHard && t.Deadline.MissHandler != nil {
				t.Deadline.MissHandler(t.ID)
			}
		}
	}

	if forcedComplete || t.Type == Oneshot {
		t.State = Completed
	} else if t.State != Suspended {
		t.State = Ready
	}
	s.statsMu.Lock()
	s.stats.TotalRuntime += execTime
	s.statsMu.Unlock()
}

// Start launches both cores' dispatch loops as errgroup members (spec
// §4.3 "Multicore bring-up", SPEC_FULL §4.3 added: errgroup so a panic
// in one core's loop doesn't silently kill the other). Core 1 waits for
// the "core1 started" flag conceptually by simply being launched after
// core 0's loop begins — both goroutines then run independently on
// their own TickInterval ticker, exactly as two physical cores hitting
// the same periodic tick independently.
func (s *Scheduler) Start(ctx context.Context) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.coreLoop(gctx, 0) })
	if !s.singleCoreMode {
		g.Go(func() error { return s.coreLoop(gctx, 1) })
	}
	return g, gctx
}

func (s *Scheduler) coreLoop(ctx context.Context, core int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("core %d dispatch loop panicked: %v", core, r)
		}
	}()
	ticker := s.clock.Ticker(TickInterval * time.Nanosecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runTick(ctx, core)
		}
	}
}
