package retry_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/warden/internal/backoff"
	"pkt.systems/warden/internal/clock"
	"pkt.systems/warden/internal/storage"
	"pkt.systems/warden/internal/storage/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
}

var _ clock.Clock = (*fakeClock)(nil)

type stubBackend struct {
	loadErrs  []error
	loadCalls int
	hook      func(int)

	putObjectErrs   []error
	putObjectCalls  int
	putObjectBodies []string
}

func (s *stubBackend) LoadRecord(ctx context.Context, key string) (storage.RecordResult, error) {
	s.loadCalls++
	if s.hook != nil {
		s.hook(s.loadCalls)
	}
	var err error
	if idx := s.loadCalls - 1; idx < len(s.loadErrs) {
		err = s.loadErrs[idx]
	}
	if err != nil {
		return storage.RecordResult{}, err
	}
	return storage.RecordResult{
		Record: &storage.Record{OwnerID: "stub", Generation: int64(s.loadCalls)},
		ETag:   fmt.Sprintf("etag-%d", s.loadCalls),
	}, nil
}

func (s *stubBackend) StoreRecord(context.Context, string, *storage.Record, string) (string, error) {
	return "", storage.ErrNotImplemented
}

func (s *stubBackend) DeleteRecord(context.Context, string, string) error {
	return storage.ErrNotImplemented
}

func (s *stubBackend) ListObjects(context.Context, storage.ListOptions) (*storage.ListResult, error) {
	return nil, storage.ErrNotImplemented
}

func (s *stubBackend) GetObject(context.Context, string) (storage.GetObjectResult, error) {
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(nil))}, storage.ErrNotImplemented
}

func (s *stubBackend) PutObject(_ context.Context, _ string, body io.Reader, _ storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	s.putObjectCalls++
	if body != nil {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		s.putObjectBodies = append(s.putObjectBodies, string(data))
	} else {
		s.putObjectBodies = append(s.putObjectBodies, "")
	}
	var err error
	if idx := s.putObjectCalls - 1; idx < len(s.putObjectErrs) {
		err = s.putObjectErrs[idx]
	}
	if err != nil {
		return nil, err
	}
	return &storage.ObjectInfo{
		Key:  "obj",
		ETag: fmt.Sprintf("obj-etag-%d", s.putObjectCalls),
		Size: int64(len(s.putObjectBodies[s.putObjectCalls-1])),
	}, nil
}

func (s *stubBackend) DeleteObject(context.Context, string, storage.DeleteObjectOptions) error {
	return storage.ErrNotImplemented
}

func (s *stubBackend) Close() error { return nil }

func testConfig() retry.Config {
	return retry.Config{
		MaxAttempts: 3,
		Policy: backoff.Policy{
			Base:       5 * time.Millisecond,
			Max:        10 * time.Millisecond,
			Multiplier: 2,
			Jitter:     0,
		},
	}
}

func TestWrapReturnsNilOnNilInner(t *testing.T) {
	t.Parallel()

	if retry.Wrap(nil, pslog.NoopLogger(), &fakeClock{}, retry.Config{}) != nil {
		t.Fatal("expected nil backend when inner is nil")
	}
}

func TestLoadRecordRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	back := &stubBackend{
		loadErrs: []error{
			storage.NewTransientError(errors.New("temporary")),
			nil,
		},
	}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, testConfig())
	res, err := wrapped.LoadRecord(context.Background(), "leader")
	if err != nil {
		t.Fatalf("LoadRecord returned error: %v", err)
	}
	if res.Record == nil || res.Record.Generation != 2 {
		t.Fatalf("unexpected record: %#v", res.Record)
	}
	if res.ETag != "etag-2" {
		t.Fatalf("unexpected etag: %q", res.ETag)
	}
	if back.loadCalls != 2 {
		t.Fatalf("expected 2 attempts, got %d", back.loadCalls)
	}
	if got := len(fc.sleeps); got != 1 {
		t.Fatalf("expected 1 recorded sleep, got %d", got)
	}
	if fc.sleeps[0] != 5*time.Millisecond {
		t.Fatalf("unexpected backoff duration: %v", fc.sleeps[0])
	}
}

func TestLoadRecordStopsOnNonTransientError(t *testing.T) {
	t.Parallel()

	back := &stubBackend{
		loadErrs: []error{
			errors.New("fatal"),
			nil,
		},
	}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, testConfig())
	_, err := wrapped.LoadRecord(context.Background(), "leader")
	if err == nil || err.Error() != "fatal" {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if back.loadCalls != 1 {
		t.Fatalf("unexpected number of attempts: %d", back.loadCalls)
	}
	if len(fc.sleeps) != 0 {
		t.Fatalf("unexpected sleeps: %+v", fc.sleeps)
	}
}

func TestCASMismatchPassesThrough(t *testing.T) {
	t.Parallel()

	back := &stubBackend{
		loadErrs: []error{storage.ErrCASMismatch},
	}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, testConfig())
	if _, err := wrapped.LoadRecord(context.Background(), "leader"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch passthrough, got %v", err)
	}
	if back.loadCalls != 1 {
		t.Fatalf("cas mismatch must not retry, got %d attempts", back.loadCalls)
	}
}

func TestLoadRecordRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	back := &stubBackend{
		loadErrs: []error{
			storage.NewTransientError(errors.New("flaky")),
			storage.NewTransientError(errors.New("flaky retry")),
		},
		hook: func(attempt int) {
			if attempt == 1 {
				cancel()
			}
		},
	}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 5})
	_, err := wrapped.LoadRecord(ctx, "leader")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancelled error, got %v", err)
	}
	if back.loadCalls != 1 {
		t.Fatalf("expected single attempt, got %d", back.loadCalls)
	}
}

func TestPutObjectRetriesReplayableBody(t *testing.T) {
	t.Parallel()

	back := &stubBackend{
		putObjectErrs: []error{
			storage.NewTransientError(errors.New("temporary")),
			nil,
		},
	}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, testConfig())

	info, err := wrapped.PutObject(context.Background(), "obj", bytes.NewReader([]byte("payload")), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("PutObject returned error: %v", err)
	}
	if info == nil || info.ETag == "" {
		t.Fatalf("expected object info, got %#v", info)
	}
	if back.putObjectCalls != 2 {
		t.Fatalf("expected 2 put attempts, got %d", back.putObjectCalls)
	}
	if len(back.putObjectBodies) != 2 || back.putObjectBodies[0] != "payload" || back.putObjectBodies[1] != "payload" {
		t.Fatalf("unexpected put payloads: %#v", back.putObjectBodies)
	}
}

func TestPutObjectFailsFastForNonReplayableBody(t *testing.T) {
	t.Parallel()

	back := &stubBackend{
		putObjectErrs: []error{
			storage.NewTransientError(errors.New("temporary")),
			nil,
		},
	}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, testConfig())

	_, err := wrapped.PutObject(context.Background(), "obj", bytes.NewBufferString("payload"), storage.PutObjectOptions{})
	if err == nil {
		t.Fatal("expected fail-fast error for non-replayable body")
	}
	if !errors.Is(err, retry.ErrNonReplayableBody) {
		t.Fatalf("expected ErrNonReplayableBody, got %v", err)
	}
	if back.putObjectCalls != 1 {
		t.Fatalf("expected single put attempt, got %d", back.putObjectCalls)
	}
	if len(fc.sleeps) != 0 {
		t.Fatalf("expected no sleep before fail-fast, got %d", len(fc.sleeps))
	}
}
