// Package lifecycle sequences component shutdown so dependents unwind
// before their dependencies (SPEC_FULL §5: "reverse dependency order —
// log pipeline last, since every other component may still be logging
// while it unwinds").
//
// Grounded on the teacher's kernel/utils/graceful.go GracefulShutdown:
// kept the register-then-shutdown-with-timeout shape, reworked from
// concurrent LIFO goroutines to strict sequential reverse order (a
// kernel component's shutdown hook is expected to be quick and ordering
// matters more here than parallelism) and from a raw error channel to
// go.uber.org/multierr aggregation.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Logger is the minimal logging surface lifecycle needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Infof(string, ...interface{}) {}
func (noopLogger) Warnf(string, ...interface{}) {}

type registration struct {
	name string
	fn   func(ctx context.Context) error
}

// Sequencer registers components in dependency order and shuts them
// down in the reverse order under one overall timeout.
type Sequencer struct {
	mu      sync.Mutex
	regs    []registration
	timeout time.Duration
	log     Logger
}

// New builds a Sequencer with a bounded overall shutdown timeout.
func New(timeout time.Duration, log Logger) *Sequencer {
	if log == nil {
		log = noopLogger{}
	}
	return &Sequencer{timeout: timeout, log: log}
}

// Register adds a component's shutdown hook. Components must be
// registered in dependency (bring-up) order; Shutdown runs them in
// reverse.
func (s *Sequencer) Register(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs = append(s.regs, registration{name: name, fn: fn})
}

// Shutdown runs every registered hook in reverse registration order,
// aggregating non-fatal errors and continuing through the rest of the
// sequence even if one hook fails — a half-torn-down kernel should still
// attempt to quiesce every other component.
func (s *Sequencer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	regs := append([]registration(nil), s.regs...)
	s.mu.Unlock()

	s.log.Infof("starting shutdown of %d components", len(regs))

	shutdownCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var errs error
	done := make(chan struct{})
	go func() {
		for i := len(regs) - 1; i >= 0; i-- {
			r := regs[i]
			if err := r.fn(shutdownCtx); err != nil {
				s.log.Warnf("shutdown of %s failed: %v", r.name, err)
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.name, err))
			}
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Infof("shutdown complete")
		return errs
	case <-shutdownCtx.Done():
		s.log.Warnf("shutdown timed out")
		return multierr.Append(errs, fmt.Errorf("shutdown timeout after %s", s.timeout))
	}
}
