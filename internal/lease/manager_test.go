package lease

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/warden/internal/backoff"
	"pkt.systems/warden/internal/clock"
	"pkt.systems/warden/internal/storage"
	"pkt.systems/warden/internal/storage/memory"
)

func newTestManager(t *testing.T, back storage.Backend, clk clock.Clock, owner string, onLost func(error)) *Manager {
	t.Helper()
	mgr, err := NewManager(Config{
		Backend: back,
		Key:     "leader",
		OwnerID: owner,
		TTL:     30 * time.Second,
		AcquireBackoff: backoff.Policy{
			Base:       time.Second,
			Max:        5 * time.Second,
			Multiplier: 2,
			Jitter:     0,
		},
		Clock:  clk,
		OnLost: onLost,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr
}

func TestAcquireCreatesRecord(t *testing.T) {
	start := time.Unix(1000, 0).UTC()
	clk := clock.NewManual(start)
	back := memory.New()
	mgr := newTestManager(t, back, clk, "owner-a", nil)

	held, err := mgr.tryAcquire(context.Background())
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if !held {
		t.Fatal("expected acquisition to succeed on empty store")
	}
	if mgr.State() != StateHeld {
		t.Fatalf("state = %v, want held", mgr.State())
	}
	got, err := back.LoadRecord(context.Background(), "leader")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if got.Record.OwnerID != "owner-a" || got.Record.Generation != 1 {
		t.Fatalf("unexpected record: %+v", got.Record)
	}
	if got.Record.LeaseExpiryUnix != start.Add(30*time.Second).Unix() {
		t.Fatalf("unexpected expiry: %d", got.Record.LeaseExpiryUnix)
	}
}

func TestRenewExtendsExpiryAndPreservesGeneration(t *testing.T) {
	start := time.Unix(1000, 0).UTC()
	clk := clock.NewManual(start)
	back := memory.New()
	mgr := newTestManager(t, back, clk, "owner-a", nil)

	if held, err := mgr.tryAcquire(context.Background()); err != nil || !held {
		t.Fatalf("acquire: held=%v err=%v", held, err)
	}

	clk.Advance(10 * time.Second)
	if err := mgr.renewOnce(context.Background()); err != nil {
		t.Fatalf("renew: %v", err)
	}
	got, err := back.LoadRecord(context.Background(), "leader")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if got.Record.Generation != 1 {
		t.Fatalf("renewal must not bump generation, got %d", got.Record.Generation)
	}
	if want := clk.Now().Add(30 * time.Second).Unix(); got.Record.LeaseExpiryUnix != want {
		t.Fatalf("expiry = %d, want %d", got.Record.LeaseExpiryUnix, want)
	}
	if got.Record.RenewedAtUnix != clk.Now().Unix() {
		t.Fatalf("renewed_at = %d, want %d", got.Record.RenewedAtUnix, clk.Now().Unix())
	}
}

// Lease TTL 30s. A acquires at t=0 with generation 1 and crashes at t=5
// without releasing. B polls and keeps seeing a valid lease until t=30, steals
// at t=31 with generation 2. When A comes back at t=40 its renewal must be
// rejected and it must land in Lost.
func TestStealAfterCrashAndFencing(t *testing.T) {
	start := time.Unix(0, 0).UTC()
	clk := clock.NewManual(start)
	back := memory.New()

	var aLost atomic.Bool
	mgrA := newTestManager(t, back, clk, "owner-a", func(error) { aLost.Store(true) })
	mgrB := newTestManager(t, back, clk, "owner-b", nil)

	ctx := context.Background()
	if held, err := mgrA.tryAcquire(ctx); err != nil || !held {
		t.Fatalf("A acquire: held=%v err=%v", held, err)
	}

	// B contends while the lease is valid.
	clk.AdvanceTo(start.Add(5 * time.Second))
	if held, err := mgrB.tryAcquire(ctx); err != nil || held {
		t.Fatalf("B must not acquire at t=5: held=%v err=%v", held, err)
	}
	clk.AdvanceTo(start.Add(29 * time.Second))
	if held, err := mgrB.tryAcquire(ctx); err != nil || held {
		t.Fatalf("B must not acquire at t=29: held=%v err=%v", held, err)
	}

	// Past expiry B steals and bumps the generation.
	clk.AdvanceTo(start.Add(31 * time.Second))
	held, err := mgrB.tryAcquire(ctx)
	if err != nil {
		t.Fatalf("B steal: %v", err)
	}
	if !held {
		t.Fatal("B must steal the expired lease at t=31")
	}
	if mgrB.Generation() != 2 {
		t.Fatalf("stolen generation = %d, want 2", mgrB.Generation())
	}

	// A resumes at t=40 and tries to renew with its stale ETag.
	clk.AdvanceTo(start.Add(40 * time.Second))
	if err := mgrA.renewOnce(ctx); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale renewal: got %v, want ErrLeaseLost", err)
	}
	if mgrA.State() != StateLost {
		t.Fatalf("A state = %v, want lost", mgrA.State())
	}
	if !aLost.Load() {
		t.Fatal("OnLost must fire on fencing rejection")
	}

	// B is unaffected.
	got, err := back.LoadRecord(ctx, "leader")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if got.Record.OwnerID != "owner-b" || got.Record.Generation != 2 {
		t.Fatalf("B's record corrupted: %+v", got.Record)
	}
}

// Theft must wait out the skew margin past the observed expiry, so a holder
// whose wall clock runs slightly behind the contender's is not fenced while
// its lease is still arguably valid.
func TestStealWaitsOutSkewMargin(t *testing.T) {
	start := time.Unix(0, 0).UTC()
	clk := clock.NewManual(start)
	back := memory.New()

	mgrA := newTestManager(t, back, clk, "owner-a", nil)
	mgrB, err := NewManager(Config{
		Backend:    back,
		Key:        "leader",
		OwnerID:    "owner-b",
		TTL:        30 * time.Second,
		SkewMargin: 2 * time.Second,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx := context.Background()
	if held, err := mgrA.tryAcquire(ctx); err != nil || !held {
		t.Fatalf("A acquire: held=%v err=%v", held, err)
	}

	// Expired at t=30 by B's clock, but still inside the margin.
	clk.AdvanceTo(start.Add(31 * time.Second))
	if held, err := mgrB.tryAcquire(ctx); err != nil || held {
		t.Fatalf("B must not steal inside the skew margin: held=%v err=%v", held, err)
	}
	got, err := back.LoadRecord(ctx, "leader")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if got.Record.OwnerID != "owner-a" || got.Record.Generation != 1 {
		t.Fatalf("record disturbed inside the margin: %+v", got.Record)
	}

	// Past expiry plus the margin the holder is presumed dead.
	clk.AdvanceTo(start.Add(32 * time.Second))
	held, err := mgrB.tryAcquire(ctx)
	if err != nil {
		t.Fatalf("B steal: %v", err)
	}
	if !held {
		t.Fatal("B must steal once the skew margin has elapsed")
	}
	if mgrB.Generation() != 2 {
		t.Fatalf("stolen generation = %d, want 2", mgrB.Generation())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	start := time.Unix(1000, 0).UTC()
	clk := clock.NewManual(start)
	back := memory.New()
	mgr := newTestManager(t, back, clk, "owner-a", nil)

	ctx := context.Background()
	if held, err := mgr.tryAcquire(ctx); err != nil || !held {
		t.Fatalf("acquire: held=%v err=%v", held, err)
	}
	if err := mgr.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mgr.State() != StateUnheld {
		t.Fatalf("state = %v, want unheld", mgr.State())
	}
	if err := mgr.Release(ctx); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, err := back.LoadRecord(ctx, "leader"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("record should be gone, got %v", err)
	}
}

func TestReleaseAfterStealLeavesNewHolderAlone(t *testing.T) {
	start := time.Unix(0, 0).UTC()
	clk := clock.NewManual(start)
	back := memory.New()
	mgrA := newTestManager(t, back, clk, "owner-a", nil)
	mgrB := newTestManager(t, back, clk, "owner-b", nil)

	ctx := context.Background()
	if held, err := mgrA.tryAcquire(ctx); err != nil || !held {
		t.Fatalf("A acquire: held=%v err=%v", held, err)
	}
	clk.Advance(31 * time.Second)
	if held, err := mgrB.tryAcquire(ctx); err != nil || !held {
		t.Fatalf("B steal: held=%v err=%v", held, err)
	}

	// A's release presents a stale ETag; that must count as success and must
	// not touch B's record.
	if err := mgrA.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	got, err := back.LoadRecord(ctx, "leader")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if got.Record.OwnerID != "owner-b" || got.Record.Generation != 2 {
		t.Fatalf("release clobbered the new holder: %+v", got.Record)
	}
}

func TestReleaseFromLostSkipsDelete(t *testing.T) {
	start := time.Unix(0, 0).UTC()
	clk := clock.NewManual(start)
	back := memory.New()
	mgrA := newTestManager(t, back, clk, "owner-a", nil)
	mgrB := newTestManager(t, back, clk, "owner-b", nil)

	ctx := context.Background()
	if held, err := mgrA.tryAcquire(ctx); err != nil || !held {
		t.Fatalf("A acquire: held=%v err=%v", held, err)
	}
	clk.Advance(31 * time.Second)
	if held, err := mgrB.tryAcquire(ctx); err != nil || !held {
		t.Fatalf("B steal: held=%v err=%v", held, err)
	}
	if err := mgrA.renewOnce(ctx); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected lost, got %v", err)
	}
	if err := mgrA.Release(ctx); err != nil {
		t.Fatalf("release from lost: %v", err)
	}
	if _, err := back.LoadRecord(ctx, "leader"); err != nil {
		t.Fatalf("B's record must survive A's lost-release: %v", err)
	}
}

func TestAcquireWakesOnReleaseSignal(t *testing.T) {
	start := time.Unix(1000, 0).UTC()
	clk := clock.NewManual(start)
	back := memory.NewWithConfig(memory.Config{RecordWatch: true})
	mgrA := newTestManager(t, back, clk, "owner-a", nil)
	mgrB := newTestManager(t, back, clk, "owner-b", nil)

	ctx := context.Background()
	if held, err := mgrA.tryAcquire(ctx); err != nil || !held {
		t.Fatalf("A acquire: held=%v err=%v", held, err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- mgrB.Acquire(ctx)
	}()

	// B is parked on its backoff wait; the release signal must wake it
	// without any clock advance.
	time.Sleep(50 * time.Millisecond)
	if err := mgrA.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("B acquire: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("B did not acquire after release signal")
	}
	if mgrB.State() != StateHeld {
		t.Fatalf("B state = %v, want held", mgrB.State())
	}
}

func TestAcquireReturnsOnContextCancel(t *testing.T) {
	start := time.Unix(1000, 0).UTC()
	clk := clock.NewManual(start)
	back := memory.New()
	mgrA := newTestManager(t, back, clk, "owner-a", nil)
	mgrB := newTestManager(t, back, clk, "owner-b", nil)

	if held, err := mgrA.tryAcquire(context.Background()); err != nil || !held {
		t.Fatalf("A acquire: held=%v err=%v", held, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	acquired := make(chan error, 1)
	go func() {
		acquired <- mgrB.Acquire(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-acquired:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not return after cancel")
	}
	if mgrB.State() != StateUnheld {
		t.Fatalf("B state = %v, want unheld", mgrB.State())
	}
}

// flakyBackend fails StoreRecord with transient errors until failures is
// drained, then delegates to the inner backend.
type flakyBackend struct {
	storage.Backend
	failures atomic.Int32
}

func (f *flakyBackend) StoreRecord(ctx context.Context, key string, rec *storage.Record, expectedETag string) (string, error) {
	if f.failures.Add(-1) >= 0 {
		return "", storage.NewTransientError(errors.New("store offline"))
	}
	return f.Backend.StoreRecord(ctx, key, rec, expectedETag)
}

func TestRenewRetriesTransientWhileLeaseValid(t *testing.T) {
	start := time.Unix(1000, 0).UTC()
	clk := clock.NewManual(start)
	flaky := &flakyBackend{Backend: memory.New()}
	mgr := newTestManager(t, flaky, clk, "owner-a", nil)

	ctx := context.Background()
	if held, err := mgr.tryAcquire(ctx); err != nil || !held {
		t.Fatalf("acquire: held=%v err=%v", held, err)
	}
	flaky.failures.Store(1)

	done := make(chan error, 1)
	go func() {
		done <- mgr.renewOnce(ctx)
	}()
	// The first attempt fails transiently and parks on the backoff wait.
	deadline := time.Now().Add(5 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("renew never parked on backoff wait")
		}
		time.Sleep(time.Millisecond)
	}
	clk.Advance(10 * time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("renew after transient failure: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("renew did not complete")
	}
	if mgr.State() != StateHeld {
		t.Fatalf("state = %v, want held", mgr.State())
	}
}

func TestRenewMarksLostWhenLeaseExpiresDuringOutage(t *testing.T) {
	start := time.Unix(1000, 0).UTC()
	clk := clock.NewManual(start)
	flaky := &flakyBackend{Backend: memory.New()}
	var lost atomic.Bool
	mgr := newTestManager(t, flaky, clk, "owner-a", func(error) { lost.Store(true) })

	ctx := context.Background()
	if held, err := mgr.tryAcquire(ctx); err != nil || !held {
		t.Fatalf("acquire: held=%v err=%v", held, err)
	}
	flaky.failures.Store(100)
	clk.Advance(31 * time.Second)

	if err := mgr.renewOnce(ctx); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected lost after outage past expiry, got %v", err)
	}
	if !lost.Load() {
		t.Fatal("OnLost must fire when the lease expires during an outage")
	}
}
