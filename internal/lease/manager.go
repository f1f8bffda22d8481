// Package lease implements the leader lock state machine: acquisition with
// unbounded backoff, lease renewal, theft of expired leases with a generation
// bump, and idempotent release. The storage backend's conditional writes are
// the only cross-process arbiter; everything here is bookkeeping around them.
package lease

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/warden/internal/backoff"
	"pkt.systems/warden/internal/clock"
	"pkt.systems/warden/internal/storage"
)

// State enumerates the lock lifecycle.
type State int

const (
	StateUnheld State = iota
	StateAcquiring
	StateHeld
	StateReleasing
	StateLost
)

func (s State) String() string {
	switch s {
	case StateUnheld:
		return "unheld"
	case StateAcquiring:
		return "acquiring"
	case StateHeld:
		return "held"
	case StateReleasing:
		return "releasing"
	case StateLost:
		return "lost"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrLeaseLost is returned by the renewal loop when the backend rejects a
// renewal, meaning another process took the generation.
var ErrLeaseLost = errors.New("lease: lost to another holder")

// ErrNotHeld is returned by operations that require the lease.
var ErrNotHeld = errors.New("lease: not held")

// DefaultTTL is the default lease duration.
const DefaultTTL = 30 * time.Second

// Info is a point-in-time snapshot of the manager's view of the lease.
type Info struct {
	State      State
	OwnerID    string
	Generation int64
	ETag       string
	ExpiresAt  time.Time
}

// Config configures a Manager.
type Config struct {
	Backend storage.Backend
	// Key is the lock record key within the backend.
	Key     string
	OwnerID string
	// TTL is the lease duration stamped into the record.
	TTL time.Duration
	// RenewInterval defaults to TTL/3.
	RenewInterval time.Duration
	// SkewMargin is added to an observed expiry before theft, absorbing clock
	// skew between this process and the previous holder.
	SkewMargin time.Duration
	// AcquireBackoff paces acquisition retries while another lease is valid.
	AcquireBackoff backoff.Policy
	Logger         pslog.Logger
	Clock          clock.Clock
	// OnLost fires exactly once, before the renewal loop returns, when the
	// lease is lost. Mutating work must stop before anything else observes
	// success again.
	OnLost func(error)
	// OnAttempt fires before each acquisition round and OnRenewed after each
	// successful renewal. Both are optional instrumentation points.
	OnAttempt func()
	OnRenewed func()
}

// Manager drives a single lock key through the lease lifecycle.
type Manager struct {
	backend   storage.Backend
	key       string
	ownerID   string
	ttl       time.Duration
	renewAt   time.Duration
	skew      time.Duration
	policy    backoff.Policy
	logger    pslog.Logger
	clock     clock.Clock
	onLost    func(error)
	onAttempt func()
	onRenewed func()
	hostname  string
	pid       int

	mu         sync.RWMutex
	state      State
	record     *storage.Record
	etag       string
	generation int64

	lostOnce sync.Once
}

// NewManager validates cfg and returns a Manager in StateUnheld.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("lease: backend is required")
	}
	if cfg.Key == "" {
		return nil, errors.New("lease: key is required")
	}
	if cfg.OwnerID == "" {
		return nil, errors.New("lease: owner id is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	renewAt := cfg.RenewInterval
	if renewAt <= 0 {
		renewAt = ttl / 3
	}
	if renewAt >= ttl {
		return nil, fmt.Errorf("lease: renew interval %v must be shorter than ttl %v", renewAt, ttl)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	hostname, _ := os.Hostname()
	return &Manager{
		backend:   cfg.Backend,
		key:       cfg.Key,
		ownerID:   cfg.OwnerID,
		ttl:       ttl,
		renewAt:   renewAt,
		skew:      cfg.SkewMargin,
		policy:    cfg.AcquireBackoff,
		logger:    logger.With("sys", "lease", "key", cfg.Key, "owner_id", cfg.OwnerID),
		clock:     clk,
		onLost:    cfg.OnLost,
		onAttempt: cfg.OnAttempt,
		onRenewed: cfg.OnRenewed,
		hostname:  hostname,
		pid:       os.Getpid(),
	}, nil
}

// TTL returns the effective lease TTL.
func (m *Manager) TTL() time.Duration { return m.ttl }

// RenewInterval returns the effective renewal cadence.
func (m *Manager) RenewInterval() time.Duration { return m.renewAt }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Snapshot returns the manager's current view of the lease.
func (m *Manager) Snapshot() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := Info{
		State:      m.state,
		OwnerID:    m.ownerID,
		Generation: m.generation,
		ETag:       m.etag,
	}
	if m.record != nil {
		info.ExpiresAt = m.record.ExpiresAt()
	}
	return info
}

// Generation returns the fencing token of the held lease, zero when unheld.
func (m *Manager) Generation() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

func (m *Manager) newRecord(now time.Time, generation int64, acquiredAt int64) *storage.Record {
	if acquiredAt == 0 {
		acquiredAt = now.Unix()
	}
	return &storage.Record{
		OwnerID:         m.ownerID,
		Generation:      generation,
		AcquiredAtUnix:  acquiredAt,
		LeaseExpiryUnix: now.Add(m.ttl).Unix(),
		Hostname:        m.hostname,
		PID:             m.pid,
	}
}

func (m *Manager) setHeld(rec *storage.Record, etag string) {
	m.mu.Lock()
	m.state = StateHeld
	m.record = rec
	m.etag = etag
	m.generation = rec.Generation
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Acquire blocks until the lock is held, the context is cancelled, or a
// non-transient backend error occurs. Retries are unbounded: acquisition is
// this process's only path to useful work, so contention and transient store
// failures both just wait and try again.
func (m *Manager) Acquire(ctx context.Context) error {
	m.setState(StateAcquiring)
	m.logger.Info("lease.acquire.begin", "ttl", m.ttl)

	rng := rand.New(rand.NewSource(rngSeed(m.clock.Now(), m.ownerID)))
	var sub storage.ChangeSubscription
	if feed, ok := m.backend.(storage.ChangeFeed); ok {
		if s, err := feed.SubscribeRecordChanges(m.key); err == nil {
			sub = s
			defer sub.Close()
		}
	}

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			m.setState(StateUnheld)
			return err
		}
		if m.onAttempt != nil {
			m.onAttempt()
		}
		held, err := m.tryAcquire(ctx)
		if err != nil {
			if !storage.IsTransient(err) {
				m.setState(StateUnheld)
				return err
			}
			m.logger.Warn("lease.acquire.store_unavailable", "attempt", attempt, "error", err)
		}
		if held {
			m.logger.Info("lease.acquired", "generation", m.Generation(), "expires_at", m.Snapshot().ExpiresAt)
			return nil
		}
		delay := m.policy.Delay(attempt, rng)
		attempt++
		if err := m.waitForRetry(ctx, sub, delay); err != nil {
			m.setState(StateUnheld)
			return err
		}
	}
}

// tryAcquire performs one create-or-steal round. It returns true when the
// lease was obtained, false when a valid lease is held elsewhere or a race
// was lost.
func (m *Manager) tryAcquire(ctx context.Context) (bool, error) {
	now := m.clock.Now()
	rec := m.newRecord(now, 1, 0)
	etag, err := m.backend.StoreRecord(ctx, m.key, rec, "")
	if err == nil {
		m.setHeld(rec, etag)
		return true, nil
	}
	if !errors.Is(err, storage.ErrCASMismatch) {
		return false, err
	}

	cur, err := m.backend.LoadRecord(ctx, m.key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted between the create attempt and the read. The next
			// round's create will race for it.
			return false, nil
		}
		return false, err
	}
	now = m.clock.Now()
	if !cur.Record.Expired(now.Add(-m.skew)) {
		m.logger.Debug("lease.acquire.contended",
			"holder", cur.Record.OwnerID,
			"generation", cur.Record.Generation,
			"expires_at", cur.Record.ExpiresAt(),
		)
		return false, nil
	}

	// The holder is presumed dead. Steal by bumping the generation so any
	// residual write from the old holder fails its CAS check.
	stolen := m.newRecord(now, cur.Record.Generation+1, 0)
	etag, err = m.backend.StoreRecord(ctx, m.key, stolen, cur.ETag)
	if err == nil {
		m.logger.Warn("lease.stolen",
			"previous_owner", cur.Record.OwnerID,
			"previous_generation", cur.Record.Generation,
			"generation", stolen.Generation,
		)
		m.setHeld(stolen, etag)
		return true, nil
	}
	if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
		// Someone else stole or released it first.
		return false, nil
	}
	return false, err
}

// waitForRetry sleeps for delay, waking early when the change feed signals a
// record write (typically the holder releasing).
func (m *Manager) waitForRetry(ctx context.Context, sub storage.ChangeSubscription, delay time.Duration) error {
	if sub == nil {
		return backoff.Wait(ctx, m.clock, delay)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sub.Events():
		return nil
	case <-m.clock.After(delay):
		return nil
	}
}

// Run drives the renewal loop. It blocks until ctx is cancelled (returning
// ctx.Err()) or the lease is lost (returning ErrLeaseLost after firing
// OnLost). Call only while held.
func (m *Manager) Run(ctx context.Context) error {
	if m.State() != StateHeld {
		return ErrNotHeld
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.renewAt):
		}
		if m.State() != StateHeld {
			return ErrNotHeld
		}
		if err := m.renewOnce(ctx); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// renewOnce extends the lease expiry while preserving the generation. A CAS
// or not-found rejection means exclusivity is gone: the manager transitions
// to Lost and fires OnLost before returning, so callers stop mutating before
// observing anything else. Transient errors are retried as long as the lease
// is still within its TTL.
func (m *Manager) renewOnce(ctx context.Context) error {
	for {
		m.mu.RLock()
		cur := m.record
		etag := m.etag
		m.mu.RUnlock()
		if cur == nil {
			return ErrNotHeld
		}

		now := m.clock.Now()
		renewed := cur.Clone()
		renewed.LeaseExpiryUnix = now.Add(m.ttl).Unix()
		renewed.RenewedAtUnix = now.Unix()

		newETag, err := m.backend.StoreRecord(ctx, m.key, renewed, etag)
		if err == nil {
			m.mu.Lock()
			m.record = renewed
			m.etag = newETag
			m.mu.Unlock()
			m.logger.Debug("lease.renewed", "generation", renewed.Generation, "expires_at", renewed.ExpiresAt())
			if m.onRenewed != nil {
				m.onRenewed()
			}
			return nil
		}
		if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			m.markLost(fmt.Errorf("%w: renewal rejected: %v", ErrLeaseLost, err))
			return ErrLeaseLost
		}
		if !storage.IsTransient(err) {
			return fmt.Errorf("lease: renew: %w", err)
		}
		// Transient store failure. The lease is still ours until it expires,
		// so keep trying while there is runway left.
		if cur.Expired(m.clock.Now()) {
			m.markLost(fmt.Errorf("%w: lease expired during store outage: %v", ErrLeaseLost, err))
			return ErrLeaseLost
		}
		m.logger.Warn("lease.renew.store_unavailable", "error", err)
		if werr := backoff.Wait(ctx, m.clock, m.renewAt/4); werr != nil {
			return werr
		}
	}
}

func (m *Manager) markLost(cause error) {
	m.mu.Lock()
	m.state = StateLost
	m.mu.Unlock()
	m.logger.Error("lease.lost", "error", cause)
	m.lostOnce.Do(func() {
		if m.onLost != nil {
			m.onLost(cause)
		}
	})
}

// Release deletes the lock record with the last observed ETag. Not-found and
// CAS rejections count as success: either the lease already lapsed or another
// holder owns the key now, and in both cases there is nothing left to vacate.
// Safe to call repeatedly and from any state.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateHeld && m.state != StateLost {
		m.state = StateUnheld
		m.record = nil
		m.etag = ""
		m.mu.Unlock()
		return nil
	}
	wasLost := m.state == StateLost
	etag := m.etag
	m.state = StateReleasing
	m.mu.Unlock()

	var err error
	if !wasLost && etag != "" {
		err = m.backend.DeleteRecord(ctx, m.key, etag)
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrCASMismatch) {
			err = nil
		}
	}

	m.mu.Lock()
	m.state = StateUnheld
	m.record = nil
	m.etag = ""
	m.generation = 0
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("lease.release.failed", "error", err)
		return fmt.Errorf("lease: release: %w", err)
	}
	m.logger.Info("lease.released")
	return nil
}

func rngSeed(now time.Time, ownerID string) int64 {
	seed := now.UnixNano()
	if ownerID == "" {
		return seed
	}
	sum := sha256.Sum256([]byte(ownerID))
	return seed ^ int64(binary.LittleEndian.Uint64(sum[:8]))
}
