// Package stats implements the Stats Collector (spec §4.6): per-task
// timing aggregates, system-level counters, a double-buffer registry,
// and optimization-hint suggestions.
//
// Grounded on the teacher's kernel/threads/intelligence/scheduling/
// engine.go (SchedulingStats aggregate shape: counts + rates) and
// kernel/threads/foundation/epoch.go (EpochStats counter style),
// generalized from scheduling-engine-wide counters to per-task
// aggregates plus the buffer/hint registries spec §4.6 adds.
package stats

import (
	"math"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cdipaolo/goml/base"
	"github.com/cdipaolo/goml/linear"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/duocore/kernel/internal/kerrors"
)

// taskAggregate tracks min/max/avg execution time, period, jitter, and
// deadline misses for one task (spec §4.6).
type taskAggregate struct {
	count        uint64
	minExec      time.Duration
	maxExec      time.Duration
	sumExec      time.Duration
	lastStart    time.Time
	sumPeriod    time.Duration
	periodCount  uint64
	jitterSum    time.Duration
	deadlineMiss uint64

	samples []float64 // recent execution times (seconds), feeds trend regression
}

// maxSamplesPerTask bounds the regression window (SPEC_FULL §4.6).
const maxSamplesPerTask = 32

// SystemCounters are the system-wide counters spec §4.6 names
// ("uptime, temperature, voltage" are external sensor readings supplied
// by the caller; this package only aggregates CPU% from context-switch
// density, which it can compute itself).
type SystemCounters struct {
	UptimeMS     int64
	TemperatureC float64
	VoltageMV    int64
}

// BufferRegistration is one entry in the double-buffer registry (spec
// §4.6: "name, pointers, size, swap counts").
type BufferRegistration struct {
	Name       string
	FrontAddr  uintptr
	BackAddr   uintptr
	Size       uintptr
	SwapCount  uint64
}

// Hint is an optimization-hint suggestion.
type Hint struct {
	TaskID  int64
	Kind    string
	Message string
}

// Collector is the Stats Collector.
type Collector struct {
	mu       sync.Mutex
	tasks    map[int64]*taskAggregate
	buffers  map[string]*BufferRegistration

	contextSwitches       uint64
	contextSwitchesPerCore [2]uint64
	lastSwitchSample      time.Time
	lastSwitchCountSample uint64
	cpuPercent            [2]float64

	counters SystemCounters

	hintDedup *bloom.BloomFilter
	hintsMu   sync.Mutex
	hints     []Hint

	reg *prometheus.Registry
	metricSwitches   prometheus.Counter
	metricDeadlines  prometheus.Counter
	metricCPUPercent *prometheus.GaugeVec
	metricRuntime    *prometheus.HistogramVec
}

// New constructs a Collector and registers its Prometheus mirrors
// (SPEC_FULL §4.6 added) into reg. If reg is nil, a private registry is
// created so metric registration never panics on duplicate names across
// independent kernel instances in tests.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		tasks:     make(map[int64]*taskAggregate),
		buffers:   make(map[string]*BufferRegistration),
		hintDedup: bloom.NewWithEstimates(1000, 0.01),
		reg:       reg,
		metricSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "context_switches_total", Help: "Total scheduler context switches.",
		}),
		metricDeadlines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deadline_misses_total", Help: "Total deadline misses across all tasks.",
		}),
		metricCPUPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cpu_percent", Help: "Estimated CPU percent per core.",
		}, []string{"core"}),
		metricRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "task_runtime_seconds", Help: "Task execution time distribution.",
		}, []string{"task_id"}),
	}
	reg.MustRegister(c.metricSwitches, c.metricDeadlines, c.metricCPUPercent, c.metricRuntime)
	return c
}

// Registry exposes the Prometheus registry for external scraping
// (`sys_stats`/`hw_stats`, SPEC_FULL §4.6).
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Observe records one task execution (called by the scheduler's
// TimingSink adapter after a task body returns).
func (c *Collector) Observe(core int, taskID int64, runtimeNS int64) {
	d := time.Duration(runtimeNS)

	c.mu.Lock()
	agg, ok := c.tasks[taskID]
	if !ok {
		agg = &taskAggregate{minExec: d, maxExec: d}
		c.tasks[taskID] = agg
	}
	now := time.Now()
	if !agg.lastStart.IsZero() {
		period := now.Sub(agg.lastStart)
		agg.sumPeriod += period
		agg.periodCount++
		expected := agg.sumPeriod / time.Duration(agg.periodCount)
		jitter := period - expected
		if jitter < 0 {
			jitter = -jitter
		}
		agg.jitterSum += jitter
	}
	agg.lastStart = now

	if d < agg.minExec {
		agg.minExec = d
	}
	if d > agg.maxExec {
		agg.maxExec = d
	}
	agg.sumExec += d
	agg.count++

	agg.samples = append(agg.samples, d.Seconds())
	if len(agg.samples) > maxSamplesPerTask {
		agg.samples = agg.samples[len(agg.samples)-maxSamplesPerTask:]
	}

	c.contextSwitches++
	if core == 0 || core == 1 {
		c.contextSwitchesPerCore[core]++
	}
	c.mu.Unlock()

	c.metricSwitches.Inc()
	c.metricRuntime.WithLabelValues(formatTaskID(taskID)).Observe(d.Seconds())

	c.maybeEmitTrendHint(taskID, agg)
}

func formatTaskID(id int64) string {
	return "t" + itoa(id)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// RecordDeadlineMiss increments the global and per-task miss counters.
func (c *Collector) RecordDeadlineMiss(taskID int64) {
	c.mu.Lock()
	agg, ok := c.tasks[taskID]
	if ok {
		agg.deadlineMiss++
	}
	c.mu.Unlock()
	c.metricDeadlines.Inc()
}

// UpdateCPUPercent recomputes the estimated CPU percent per core from
// context-switch density over the elapsed sampling window (spec §4.6:
// "CPU percent per core estimated from context-switch density").
func (c *Collector) UpdateCPUPercent(core int, switchesThisWindow uint64, windowDuration time.Duration) {
	if windowDuration <= 0 {
		return
	}
	rate := float64(switchesThisWindow) / windowDuration.Seconds()
	pct := math.Min(100.0, rate*1.0) // density-to-percent scale is a fixed heuristic constant, not policy-configurable
	c.mu.Lock()
	if core == 0 || core == 1 {
		c.cpuPercent[core] = pct
	}
	c.mu.Unlock()
	c.metricCPUPercent.WithLabelValues(itoa(int64(core))).Set(pct)
}

// UpdateSystemCounters sets uptime/temperature/voltage (externally
// supplied sensor readings, spec §1 out-of-scope collaborators).
func (c *Collector) UpdateSystemCounters(counters SystemCounters) {
	c.mu.Lock()
	c.counters = counters
	c.mu.Unlock()
}

// TaskSnapshot is the copy-out accessor result for one task (spec §4.6:
// "enumerations copy into caller-provided arrays").
type TaskSnapshot struct {
	TaskID       int64
	Count        uint64
	MinExec      *durationpb.Duration
	MaxExec      *durationpb.Duration
	AvgExec      *durationpb.Duration
	AvgJitter    *durationpb.Duration
	DeadlineMiss uint64
}

// GetTaskStats copies out every tracked task's aggregate.
func (c *Collector) GetTaskStats() []TaskSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TaskSnapshot, 0, len(c.tasks))
	for id, agg := range c.tasks {
		var avg, avgJitter time.Duration
		if agg.count > 0 {
			avg = agg.sumExec / time.Duration(agg.count)
		}
		if agg.periodCount > 0 {
			avgJitter = agg.jitterSum / time.Duration(agg.periodCount)
		}
		out = append(out, TaskSnapshot{
			TaskID: id, Count: agg.count,
			MinExec: durationpb.New(agg.minExec), MaxExec: durationpb.New(agg.maxExec),
			AvgExec: durationpb.New(avg), AvgJitter: durationpb.New(avgJitter),
			DeadlineMiss: agg.deadlineMiss,
		})
	}
	return out
}

// SystemSnapshot bundles the system counters with a snapshot timestamp.
type SystemSnapshot struct {
	Counters  SystemCounters
	CPUPercent [2]float64
	Switches  uint64
	SwitchesPerCore [2]uint64
	SnapshotTime *timestamppb.Timestamp
}

// GetSystemStats copies out the current system-wide counters.
func (c *Collector) GetSystemStats() SystemSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SystemSnapshot{
		Counters: c.counters, CPUPercent: c.cpuPercent,
		Switches: c.contextSwitches, SwitchesPerCore: c.contextSwitchesPerCore,
		SnapshotTime: timestamppb.Now(),
	}
}

// RegisterBuffer implements the buffer registry (spec §4.6).
func (c *Collector) RegisterBuffer(name string, front, back uintptr, size uintptr) kerrors.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.buffers[name]; exists {
		return kerrors.New(kerrors.InvalidState, "buffer %q already registered", name)
	}
	c.buffers[name] = &BufferRegistration{Name: name, FrontAddr: front, BackAddr: back, Size: size}
	return kerrors.Ok
}

// SwapBuffer records one front/back swap for name.
func (c *Collector) SwapBuffer(name string) kerrors.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buffers[name]
	if !ok {
		return kerrors.New(kerrors.InvalidArgument, "unknown buffer %q", name)
	}
	b.FrontAddr, b.BackAddr = b.BackAddr, b.FrontAddr
	b.SwapCount++
	return kerrors.Ok
}

// GetBuffers copies out every registered buffer.
func (c *Collector) GetBuffers() []BufferRegistration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BufferRegistration, 0, len(c.buffers))
	for _, b := range c.buffers {
		out = append(out, *b)
	}
	return out
}

// maybeEmitTrendHint fits a tiny streaming linear regression over the
// task's recent execution-time samples (SPEC_FULL §4.6: goml's
// LeastSquares) and emits a hint at most once per detected trend,
// deduplicated by a bloom filter keyed on (task_id, hint_kind).
func (c *Collector) maybeEmitTrendHint(taskID int64, agg *taskAggregate) {
	if len(agg.samples) < maxSamplesPerTask {
		return
	}
	xs := make([][]float64, len(agg.samples))
	ys := make([]float64, len(agg.samples))
	for i, v := range agg.samples {
		xs[i] = []float64{float64(i)}
		ys[i] = v
	}
	model := linear.NewLeastSquares(base.BatchGA, 1e-4, 0, 300, xs, ys)
	if err := model.Learn(); err != nil {
		return
	}
	slope := model.Parameters[1]
	if slope <= 0 {
		return
	}

	key := []byte(formatTaskID(taskID) + ":exec_trend_up")
	c.hintsMu.Lock()
	defer c.hintsMu.Unlock()
	if c.hintDedup.Test(key) {
		return
	}
	c.hintDedup.Add(key)
	c.hints = append(c.hints, Hint{
		TaskID: taskID, Kind: "exec_trend_up",
		Message: "execution time trending up, consider raising budget",
	})
}

// GetHints copies out accumulated optimization hints (`opt suggest`).
func (c *Collector) GetHints() []Hint {
	c.hintsMu.Lock()
	defer c.hintsMu.Unlock()
	return append([]Hint(nil), c.hints...)
}

// ResetTasks clears all per-task aggregates (`statreset tasks`).
func (c *Collector) ResetTasks() {
	c.mu.Lock()
	c.tasks = make(map[int64]*taskAggregate)
	c.mu.Unlock()
}

// ResetAll clears every per-task aggregate and the context-switch
// counters (`statreset all`). CPU percent, system counters, registered
// buffers and accumulated hints are kept.
func (c *Collector) ResetAll() {
	c.mu.Lock()
	c.tasks = make(map[int64]*taskAggregate)
	c.contextSwitches = 0
	c.contextSwitchesPerCore = [2]uint64{}
	c.mu.Unlock()
}
