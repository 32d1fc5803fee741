// Package protection implements the Protection-Domain Controller: per-task
// memory-region and security-state isolation applied at dispatch (spec
// §4.2). The actual MPU/SAU register layout is intentionally opaque —
// callers supply a RegionProgrammer/SecurityProgrammer and this package
// only decides *what* to program and *when*, never *which bits*.
//
// Grounded on the teacher's kernel/threads/sab/guard.go RegionPolicy
// table (per-region access-mode policy keyed by region id), generalized
// from SharedArrayBuffer write-ownership to MPU-style memory regions.
package protection

import (
	"sync"

	"go.uber.org/multierr"

	"github.com/duocore/kernel/internal/kerrors"
)

// AccessMode mirrors spec §3's per-region access mode.
type AccessMode int

const (
	AccessReadOnly AccessMode = iota
	AccessReadWrite
	AccessExecute
)

// SecurityState is the task's requested security attribution (spec §3).
type SecurityState int

const (
	Secure SecurityState = iota
	NonSecure
	Transitional
)

// Region is one memory-region entry of a task's protection config.
type Region struct {
	Base   uintptr
	Size   uintptr
	Access AccessMode
}

// SecureCallableBinding names a veneer a non-secure caller may invoke.
type SecureCallableBinding struct {
	Name    string
	Veneer  uintptr
}

// TaskID identifies the owning task; defined locally to avoid importing
// the scheduler package (protection has no need to know about task
// state, priority, or affinity).
type TaskID int64

// Config is everything the controller stores per task via configure_task
// and configure_security.
type Config struct {
	Regions      []Region
	StackBase    uintptr
	StackSize    uintptr
	CodeBase     uintptr
	CodeSize     uintptr
	Security     SecurityState
	SecureBindings []SecureCallableBinding
}

// RegionProgrammer is the narrow interface that actually writes MPU-style
// region registers; spec §1 requires the register layout stay opaque, so
// a host build supplies the concrete implementation.
type RegionProgrammer interface {
	ProgramRegions(core int, regions []Region, stackBase, stackSize, codeBase, codeSize uintptr) error
	DisableRegions(core int) error
}

// SecurityProgrammer performs the security-state transition; invoked
// strictly after region programming (spec §4.2: "the transition may
// clobber the region view").
type SecurityProgrammer interface {
	Transition(core int, state SecurityState) error
}

// MemoryBoundsChecker reports the host's addressable memory size, used to
// reject a configured region whose base+size exceeds physical memory —
// standing in for the real MPU's physical address limit check.
type MemoryBoundsChecker interface {
	TotalMemory() uint64
}

type perCoreCache struct {
	mu       sync.Mutex
	lastTask TaskID
	valid    bool
}

// Controller is the Protection-Domain Controller.
type Controller struct {
	regionProg RegionProgrammer
	secProg    SecurityProgrammer
	bounds     MemoryBoundsChecker
	enabled    bool

	mu      sync.RWMutex
	configs map[TaskID]*Config

	cache [2]perCoreCache

	veneerMu  sync.Mutex
	veneerTop uintptr
	veneers   map[string]uintptr
}

// Option configures a Controller at construction.
type Option func(*Controller)

// WithBoundsChecker installs a MemoryBoundsChecker (spec §4.2 added:
// pbnjay/memory.TotalMemory at boot).
func WithBoundsChecker(b MemoryBoundsChecker) Option {
	return func(c *Controller) { c.bounds = b }
}

// New builds a Controller. If enabled is false, apply is always a no-op
// (spec §4.2: "apply is infallible when the controller is disabled").
func New(enabled bool, regionProg RegionProgrammer, secProg SecurityProgrammer, opts ...Option) *Controller {
	c := &Controller{
		enabled:    enabled,
		regionProg: regionProg,
		secProg:    secProg,
		configs:    make(map[TaskID]*Config),
		veneerTop:  0x1000_0000,
		veneers:    make(map[string]uintptr),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConfigureTask stores regions and ranges for later application;
// idempotent — calling it again simply replaces the stored config.
func (c *Controller) ConfigureTask(task TaskID, regions []Region, stackBase, stackSize, codeBase, codeSize uintptr) kerrors.Result {
	if c.bounds != nil {
		total := c.bounds.TotalMemory()
		var errs error
		for _, r := range regions {
			if uint64(r.Base)+uint64(r.Size) > total {
				errs = multierr.Append(errs, kerrors.New(kerrors.InvalidArgument,
					"region [0x%x,+0x%x) exceeds physical memory bound 0x%x", r.Base, r.Size, total).Err())
			}
		}
		if errs != nil {
			return kerrors.New(kerrors.InvalidArgument, "%s", errs.Error())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.configs[task]
	if !ok {
		cfg = &Config{}
		c.configs[task] = cfg
	}
	cfg.Regions = regions
	cfg.StackBase = stackBase
	cfg.StackSize = stackSize
	cfg.CodeBase = codeBase
	cfg.CodeSize = codeSize
	return kerrors.Ok
}

// ConfigureSecurity stores the security-state request and bindings;
// idempotent, same replace-on-repeat semantics as ConfigureTask.
func (c *Controller) ConfigureSecurity(task TaskID, state SecurityState, bindings []SecureCallableBinding) kerrors.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.configs[task]
	if !ok {
		cfg = &Config{}
		c.configs[task] = cfg
	}
	cfg.Security = state
	cfg.SecureBindings = bindings
	return kerrors.Ok
}

// Apply installs task's regions then, if it differs from the current
// state, transitions security. It is idempotent within the same core for
// the same task via a per-core "last applied" cache (spec §4.2, Design
// Notes §9: no lock needed to read the cache since writes only happen on
// the owning core — here we still take a small mutex since Go goroutines
// are not hardware cores and the scheduler may call Apply concurrently
// from host test code).
func (c *Controller) Apply(core int, task TaskID) kerrors.Result {
	if !c.enabled {
		return kerrors.Ok
	}
	if core != 0 && core != 1 {
		return kerrors.New(kerrors.InvalidArgument, "core %d out of range", core)
	}

	cache := &c.cache[core]
	cache.mu.Lock()
	if cache.valid && cache.lastTask == task {
		cache.mu.Unlock()
		return kerrors.Ok
	}
	prevTask, prevValid := cache.lastTask, cache.valid
	cache.mu.Unlock()

	c.mu.RLock()
	cfg, ok := c.configs[task]
	sameSecurity := false
	if prev, havePrev := c.configs[prevTask]; ok && prevValid && havePrev {
		sameSecurity = prev.Security == cfg.Security
	}
	c.mu.RUnlock()
	if !ok {
		return kerrors.New(kerrors.InvalidArgument, "task %d has no protection config", task)
	}

	var errs error
	if c.regionProg != nil {
		if err := c.regionProg.ProgramRegions(core, cfg.Regions, cfg.StackBase, cfg.StackSize, cfg.CodeBase, cfg.CodeSize); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs == nil && c.secProg != nil && !sameSecurity {
		if err := c.secProg.Transition(core, cfg.Security); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		// Region-configuration overflow: reported once, task keeps the
		// previous domain (spec §4.2 failure semantics) — the cache is
		// deliberately left untouched so the next Apply retries.
		return kerrors.New(kerrors.ResourceExhausted, "%s", errs.Error())
	}

	cache.mu.Lock()
	cache.lastTask = task
	cache.valid = true
	cache.mu.Unlock()
	return kerrors.Ok
}

// Reset restores the default kernel-trusted domain on core and
// invalidates that core's apply cache.
func (c *Controller) Reset(core int) kerrors.Result {
	if core != 0 && core != 1 {
		return kerrors.New(kerrors.InvalidArgument, "core %d out of range", core)
	}
	if c.enabled && c.regionProg != nil {
		if err := c.regionProg.DisableRegions(core); err != nil {
			return kerrors.New(kerrors.ResourceExhausted, "%s", err.Error())
		}
	}
	if c.enabled && c.secProg != nil {
		_ = c.secProg.Transition(core, Secure)
	}
	cache := &c.cache[core]
	cache.mu.Lock()
	cache.valid = false
	cache.mu.Unlock()
	return kerrors.Ok
}

// RegisterSecureFunction allocates a veneer address for the secure
// function registered under name and returns an opaque
// non-secure-callable handle (here: the bump-allocated
// address itself, typed distinctly so callers cannot treat it as a raw
// pointer).
type NonSecureCallable uintptr

func (c *Controller) RegisterSecureFunction(name string) (NonSecureCallable, kerrors.Result) {
	c.veneerMu.Lock()
	defer c.veneerMu.Unlock()
	if _, exists := c.veneers[name]; exists {
		return 0, kerrors.New(kerrors.InvalidState, "secure function %q already registered", name)
	}
	addr := c.veneerTop
	c.veneerTop += 32 // fixed veneer stride, matches a typical SG-instruction stub size
	c.veneers[name] = addr
	return NonSecureCallable(addr), kerrors.Ok
}
