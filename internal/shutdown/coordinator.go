// Package shutdown sequences graceful termination: stop admitting mutating
// work, drain what is in flight, run the final push and the lock release with
// individual time boxes, and get the process out before the platform's grace
// deadline turns into a kill.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/warden/internal/clock"
)

// Phase enumerates the shutdown lifecycle.
type Phase int

const (
	PhaseRunning Phase = iota
	PhaseDraining
	PhaseFinalizing
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ErrDraining is returned by Begin once shutdown has started.
var ErrDraining = errors.New("shutdown: draining, no new mutating work")

// Defaults for the shutdown budget.
const (
	DefaultGrace         = 30 * time.Second
	DefaultMargin        = 2 * time.Second
	DefaultDrainFraction = 0.5
)

// Config configures a Coordinator.
type Config struct {
	// Grace is the platform's advertised termination deadline.
	Grace time.Duration
	// Margin is reserved headroom so the process exits before Grace elapses.
	Margin time.Duration
	// DrainFraction is the share of the remaining budget spent waiting for
	// in-flight work, in (0, 1).
	DrainFraction float64
	Logger        pslog.Logger
	Clock         clock.Clock
}

// Result reports what the shutdown sequence managed to do.
type Result struct {
	DrainedInTime bool
	Skipped       bool
	PushErr       error
	ReleaseErr    error
	Elapsed       time.Duration
}

// Coordinator tracks in-flight mutating work and runs the shutdown sequence.
type Coordinator struct {
	grace    time.Duration
	margin   time.Duration
	fraction float64
	logger   pslog.Logger
	clock    clock.Clock

	mu       sync.Mutex
	phase    Phase
	inflight int
	lost     bool
	drained  chan struct{}

	shutdownOnce sync.Once
}

// New returns a Coordinator in PhaseRunning.
func New(cfg Config) *Coordinator {
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	margin := cfg.Margin
	if margin <= 0 {
		margin = DefaultMargin
	}
	if margin >= grace {
		margin = grace / 4
	}
	fraction := cfg.DrainFraction
	if fraction <= 0 || fraction >= 1 {
		fraction = DefaultDrainFraction
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Coordinator{
		grace:    grace,
		margin:   margin,
		fraction: fraction,
		logger:   logger.With("sys", "shutdown"),
		clock:    clk,
		phase:    PhaseRunning,
		drained:  make(chan struct{}),
	}
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// InFlight returns the number of admitted mutating operations.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// Begin admits one mutating operation. The returned func must be called when
// the operation finishes. After shutdown starts, Begin fails with ErrDraining.
func (c *Coordinator) Begin() (func(), error) {
	c.mu.Lock()
	if c.phase != PhaseRunning {
		c.mu.Unlock()
		return nil, ErrDraining
	}
	c.inflight++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.inflight--
			if c.inflight == 0 && c.phase == PhaseDraining {
				close(c.drained)
			}
			c.mu.Unlock()
		})
	}, nil
}

// MarkLost records that the lease was lost. A lost shutdown skips the final
// push and the release: another holder owns the state already.
func (c *Coordinator) MarkLost() {
	c.mu.Lock()
	c.lost = true
	c.mu.Unlock()
}

// Shutdown runs the full sequence: drain, final push, release. pushFinal and
// release each get a time-boxed slice of the remaining budget; a step that
// cannot finish is abandoned so the process still exits inside the grace
// period. Safe to call once; later calls return an empty Result.
func (c *Coordinator) Shutdown(ctx context.Context, pushFinal, release func(context.Context) error) Result {
	var result Result
	c.shutdownOnce.Do(func() {
		result = c.run(ctx, pushFinal, release)
	})
	return result
}

func (c *Coordinator) run(ctx context.Context, pushFinal, release func(context.Context) error) Result {
	begin := c.clock.Now()
	budget := c.grace - c.margin

	c.mu.Lock()
	c.phase = PhaseDraining
	inflight := c.inflight
	lost := c.lost
	if inflight == 0 {
		close(c.drained)
	}
	c.mu.Unlock()
	c.logger.Info("shutdown.draining", "inflight", inflight, "budget", budget)

	result := Result{DrainedInTime: true}
	if lost {
		// Another holder owns the state already; in-flight work is fenced
		// out and not worth waiting for.
		if inflight > 0 {
			result.DrainedInTime = false
			c.logger.Warn("shutdown.drain.skipped", "reason", "lease_lost", "inflight", inflight)
		}
	} else {
		drainBudget := time.Duration(float64(budget) * c.fraction)
		select {
		case <-c.drained:
		case <-c.clock.After(drainBudget):
			result.DrainedInTime = false
			c.logger.Warn("shutdown.drain.timeout", "inflight", c.InFlight(), "drain_budget", drainBudget)
		case <-ctx.Done():
			result.DrainedInTime = false
		}
	}

	c.mu.Lock()
	c.phase = PhaseFinalizing
	lost = c.lost
	c.mu.Unlock()

	if lost {
		result.Skipped = true
		c.logger.Warn("shutdown.finalize.skipped", "reason", "lease_lost")
	} else {
		remaining := budget - c.clock.Now().Sub(begin)
		if remaining < 0 {
			remaining = 0
		}
		// Split what is left between the two finalize steps so a stuck push
		// cannot starve the release.
		stepBudget := remaining / 2
		if pushFinal != nil {
			result.PushErr = c.runStep(ctx, "push_final", stepBudget, pushFinal)
		}
		if release != nil {
			result.ReleaseErr = c.runStep(ctx, "release", stepBudget, release)
		}
	}

	c.mu.Lock()
	c.phase = PhaseStopped
	c.mu.Unlock()
	result.Elapsed = c.clock.Now().Sub(begin)
	c.logger.Info("shutdown.stopped",
		"elapsed", result.Elapsed,
		"drained_in_time", result.DrainedInTime,
		"skipped", result.Skipped,
	)
	return result
}

// runStep executes fn under a clock-driven time box. The context handed to fn
// is cancelled when the budget elapses, and runStep returns once fn does or
// the budget runs out, whichever comes first.
func (c *Coordinator) runStep(parent context.Context, name string, budget time.Duration, fn func(context.Context) error) error {
	if budget <= 0 {
		err := fmt.Errorf("shutdown: no budget left for %s", name)
		c.logger.Warn("shutdown.step.no_budget", "step", name)
		return err
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	timer := c.clock.After(budget)
	go func() {
		select {
		case <-timer:
			cancel()
		case <-ctx.Done():
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			c.logger.Warn("shutdown.step.failed", "step", name, "error", err)
		} else {
			c.logger.Debug("shutdown.step.done", "step", name)
		}
		return err
	case <-ctx.Done():
		c.logger.Warn("shutdown.step.abandoned", "step", name, "budget", budget)
		return fmt.Errorf("shutdown: %s abandoned after %v: %w", name, budget, ctx.Err())
	}
}
