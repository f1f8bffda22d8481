package warden

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"pkt.systems/warden/internal/clock"
	"pkt.systems/warden/internal/lease"
	"pkt.systems/warden/internal/metrics"
	"pkt.systems/warden/internal/shutdown"
	"pkt.systems/warden/internal/statesync"
	"pkt.systems/warden/internal/storage"
	"pkt.systems/warden/internal/svcfields"
)

// Sentinels surfaced to callers gating mutating work on the Guard.
var (
	// ErrDraining is returned by BeginMutation once shutdown has started.
	ErrDraining = shutdown.ErrDraining
	// ErrLeaseLost is returned by BeginMutation after the lease is lost.
	ErrLeaseLost = lease.ErrLeaseLost
	// ErrNotHeld is returned by BeginMutation before the lease is acquired.
	ErrNotHeld = lease.ErrNotHeld
)

// Hooks are the lifecycle callbacks an embedding application wires up.
// All of them are optional.
type Hooks struct {
	// OnReady fires after the lock is held and local state matches the store.
	// The supplied context is cancelled when the Guard starts stopping.
	OnReady func(context.Context)
	// OnStopping fires once shutdown begins, before draining.
	OnStopping func(context.Context)
	// OnLost fires exactly once if exclusivity is lost. Mutating work must
	// stop immediately; the fencing generation the caller captured at ready
	// time is no longer valid.
	OnLost func(error)
}

type guardOptions struct {
	logger     pslog.Logger
	backend    storage.Backend
	clk        clock.Clock
	hooks      Hooks
	registerer prometheus.Registerer
}

// Option customises Guard construction.
type Option func(*guardOptions)

// WithLogger overrides Config.Logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *guardOptions) { o.logger = logger }
}

// WithBackend supplies a pre-built storage backend. The caller keeps
// ownership; the Guard will not close it.
func WithBackend(backend storage.Backend) Option {
	return func(o *guardOptions) { o.backend = backend }
}

// WithClock substitutes the time source. Tests use a manual clock.
func WithClock(clk clock.Clock) Option {
	return func(o *guardOptions) { o.clk = clk }
}

// WithHooks wires the lifecycle callbacks.
func WithHooks(hooks Hooks) Option {
	return func(o *guardOptions) { o.hooks = hooks }
}

// WithMetricsRegisterer registers the Guard's collectors on reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *guardOptions) { o.registerer = reg }
}

// Guard ties the lease, state sync, and shutdown machinery together into the
// single-active-instance lifecycle: acquire, pull, serve, drain, push,
// release.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	clk    clock.Clock
	hooks  Hooks

	backend     storage.Backend
	ownsBackend bool
	lease       *lease.Manager
	syncer      *statesync.Syncer
	coord       *shutdown.Coordinator
	metrics     *metrics.Set
}

// New validates cfg and assembles a Guard. The backend is opened here so
// misconfiguration surfaces before Run.
func New(cfg Config, opts ...Option) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o guardOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = cfg.Logger
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.clk
	if clk == nil {
		clk = clock.Real{}
	}

	backend := o.backend
	ownsBackend := false
	if backend == nil {
		var err error
		backend, err = OpenBackend(cfg, logger)
		if err != nil {
			return nil, err
		}
		ownsBackend = true
	}

	g := &Guard{
		cfg:         cfg,
		logger:      svcfields.WithSubsystem(logger, "guard"),
		clk:         clk,
		hooks:       o.hooks,
		backend:     backend,
		ownsBackend: ownsBackend,
		metrics:     metrics.New(o.registerer),
	}
	g.coord = shutdown.New(shutdown.Config{
		Grace:         cfg.ShutdownGrace,
		Margin:        cfg.ShutdownMargin,
		DrainFraction: cfg.DrainFraction,
		Logger:        logger,
		Clock:         clk,
	})

	mgr, err := lease.NewManager(lease.Config{
		Backend:        backend,
		Key:            cfg.LockKey,
		OwnerID:        cfg.OwnerID,
		TTL:            cfg.LeaseTTL,
		RenewInterval:  cfg.RenewInterval,
		SkewMargin:     cfg.SkewMargin,
		AcquireBackoff: cfg.retryPolicy(),
		Logger:         logger,
		Clock:          clk,
		OnLost:         g.leaseLost,
		OnAttempt:      g.metrics.ObserveAcquireAttempt,
		OnRenewed:      func() { g.metrics.ObserveRenewal("ok") },
	})
	if err != nil {
		g.closeBackend()
		return nil, err
	}
	g.lease = mgr

	if cfg.LocalDir != "" {
		syncer, err := statesync.New(statesync.Config{
			Backend:  backend,
			LocalDir: cfg.LocalDir,
			Prefix:   cfg.SyncPrefix,
			Interval: cfg.SyncInterval,
			Logger:   logger,
			Clock:    clk,
			OnPush: func(stats statesync.Stats, err error) {
				g.observeSync("push", stats, err, 0)
			},
		})
		if err != nil {
			g.closeBackend()
			return nil, err
		}
		g.syncer = syncer
	}
	return g, nil
}

func (g *Guard) leaseLost(cause error) {
	g.metrics.ObserveLost()
	g.metrics.ObserveRenewal("failed")
	g.coord.MarkLost()
	if g.hooks.OnLost != nil {
		g.hooks.OnLost(cause)
	}
}

func (g *Guard) observeSync(direction string, stats statesync.Stats, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	g.metrics.ObserveSync(direction, result, stats.Bytes, elapsed)
}

// Run drives the full lifecycle and blocks until shutdown completes. It
// returns nil after a clean run, ErrLeaseLost if exclusivity was lost, or the
// error that prevented the instance from becoming ready.
func (g *Guard) Run(ctx context.Context) error {
	acquireStart := g.clk.Now()
	if err := g.lease.Acquire(ctx); err != nil {
		g.closeBackend()
		return fmt.Errorf("warden: acquire: %w", err)
	}
	g.metrics.ObserveAcquired(g.clk.Now().Sub(acquireStart), g.lease.Generation())

	if g.syncer != nil {
		pullStart := g.clk.Now()
		stats, err := g.syncer.Pull(ctx)
		g.observeSync("pull", stats, err, g.clk.Now().Sub(pullStart))
		if err != nil {
			// Never serve from unknown state. Give the lock back so a
			// healthier instance can take over.
			if rerr := g.lease.Release(context.WithoutCancel(ctx)); rerr != nil {
				g.logger.Warn("guard.release_after_pull_failure", "error", rerr)
			}
			g.metrics.ObserveReleased()
			g.closeBackend()
			return fmt.Errorf("warden: pull state: %w", err)
		}
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g.logger.Info("guard.ready",
		"owner_id", g.cfg.OwnerID,
		"generation", g.lease.Generation(),
		"key", g.cfg.LockKey,
	)
	if g.hooks.OnReady != nil {
		g.hooks.OnReady(runCtx)
	}

	renewDone := make(chan error, 1)
	go func() { renewDone <- g.lease.Run(runCtx) }()
	if g.syncer != nil {
		go func() { _ = g.syncer.Run(runCtx) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-renewDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}
	stop()

	if g.hooks.OnStopping != nil {
		g.hooks.OnStopping(context.WithoutCancel(ctx))
	}

	// The run context is gone by now; shutdown budgets come from the
	// coordinator's own clock-driven time boxes.
	result := g.coord.Shutdown(context.WithoutCancel(ctx), g.pushFinal, g.releaseLease)
	g.metrics.ObserveShutdown(result.Elapsed, result.DrainedInTime)
	g.metrics.ObserveReleased()
	g.closeBackend()

	if runErr != nil {
		return runErr
	}
	return nil
}

func (g *Guard) pushFinal(ctx context.Context) error {
	if g.syncer == nil {
		return nil
	}
	start := g.clk.Now()
	stats, err := g.syncer.PushFinal(ctx)
	g.observeSync("push_final", stats, err, g.clk.Now().Sub(start))
	return err
}

func (g *Guard) releaseLease(ctx context.Context) error {
	return g.lease.Release(ctx)
}

// BeginMutation admits one mutating operation while the lease is held and the
// Guard is running. The returned func must be called when the operation
// finishes; calling it more than once is harmless.
func (g *Guard) BeginMutation() (func(), error) {
	switch g.lease.State() {
	case lease.StateHeld:
	case lease.StateLost:
		g.metrics.ObserveMutationDenied()
		return nil, ErrLeaseLost
	default:
		g.metrics.ObserveMutationDenied()
		return nil, ErrNotHeld
	}
	done, err := g.coord.Begin()
	if err != nil {
		g.metrics.ObserveMutationDenied()
		return nil, err
	}
	g.metrics.ObserveMutationAdmitted()
	return func() {
		done()
		g.metrics.ObserveMutationDone()
	}, nil
}

// Generation returns the fencing generation of the held lease, 0 when unheld.
// Writers hand this to downstream systems so residual writes from a previous
// holder can be rejected.
func (g *Guard) Generation() int64 {
	return g.lease.Generation()
}

// LeaseInfo is a point-in-time snapshot of the Guard's view of the lease.
type LeaseInfo struct {
	State      string
	OwnerID    string
	Generation int64
	ExpiresAt  time.Time
}

// Lease returns a point-in-time snapshot of the lease state.
func (g *Guard) Lease() LeaseInfo {
	s := g.lease.Snapshot()
	return LeaseInfo{
		State:      s.State.String(),
		OwnerID:    s.OwnerID,
		Generation: s.Generation,
		ExpiresAt:  s.ExpiresAt,
	}
}

// Phase returns the shutdown phase as a string (running, draining,
// finalizing, stopped).
func (g *Guard) Phase() string {
	return g.coord.Phase().String()
}

// Backend exposes the storage backend, mainly for tests and tooling.
func (g *Guard) Backend() storage.Backend {
	return g.backend
}

func (g *Guard) closeBackend() {
	if !g.ownsBackend {
		return
	}
	if err := g.backend.Close(); err != nil {
		g.logger.Warn("guard.backend_close", "error", err)
	}
}
