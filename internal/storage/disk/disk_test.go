package disk

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/warden/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Root: t.TempDir(), RecordWatch: true})
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordCASLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.LoadRecord(ctx, "leader"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing record, got %v", err)
	}

	rec := &storage.Record{OwnerID: "a", Generation: 1, LeaseExpiryUnix: 100}
	etag, err := store.StoreRecord(ctx, "leader", rec, "")
	if err != nil {
		t.Fatalf("create record: %v", err)
	}

	if _, err := store.StoreRecord(ctx, "leader", rec, ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("create over existing record should fail CAS, got %v", err)
	}

	loaded, err := store.LoadRecord(ctx, "leader")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if loaded.ETag != etag || loaded.Record.OwnerID != "a" || loaded.Record.Generation != 1 {
		t.Fatalf("unexpected load result: %+v etag=%q", loaded.Record, loaded.ETag)
	}

	rec.LeaseExpiryUnix = 130
	etag2, err := store.StoreRecord(ctx, "leader", rec, etag)
	if err != nil {
		t.Fatalf("renew record: %v", err)
	}
	if _, err := store.StoreRecord(ctx, "leader", rec, etag); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale etag write should fail CAS, got %v", err)
	}

	if err := store.DeleteRecord(ctx, "leader", etag); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale etag delete should fail CAS, got %v", err)
	}
	if err := store.DeleteRecord(ctx, "leader", etag2); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	if _, err := store.LoadRecord(ctx, "leader"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("record should be gone, got %v", err)
	}
}

func TestRecordSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	store, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	ctx := context.Background()
	rec := &storage.Record{OwnerID: "a", Generation: 4, LeaseExpiryUnix: 900}
	etag, err := store.StoreRecord(ctx, "leader", rec, "")
	if err != nil {
		t.Fatalf("store record: %v", err)
	}
	store.Close()

	reopened, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("reopen disk store: %v", err)
	}
	defer reopened.Close()
	loaded, err := reopened.LoadRecord(ctx, "leader")
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if loaded.ETag != etag || loaded.Record.Generation != 4 {
		t.Fatalf("unexpected record after reopen: %+v etag=%q", loaded.Record, loaded.ETag)
	}
}

func TestObjectRoundTripAndConditionalDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	info, err := store.PutObject(ctx, "state/nested/db", bytes.NewReader([]byte("payload")), storage.PutObjectOptions{ContentType: storage.ContentTypeOctetStream})
	if err != nil {
		t.Fatalf("put object: %v", err)
	}
	got, err := store.GetObject(ctx, "state/nested/db")
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	payload, err := io.ReadAll(got.Reader)
	got.Reader.Close()
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(payload) != "payload" {
		t.Fatalf("object payload %q, want %q", payload, "payload")
	}
	if got.Info.ETag != info.ETag || got.Info.Size != int64(len(payload)) {
		t.Fatalf("unexpected object info: %+v", got.Info)
	}

	if err := store.DeleteObject(ctx, "state/nested/db", storage.DeleteObjectOptions{ExpectedETag: "bogus"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale etag delete should fail CAS, got %v", err)
	}
	if err := store.DeleteObject(ctx, "state/nested/db", storage.DeleteObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete object: %v", err)
	}
	if err := store.DeleteObject(ctx, "state/nested/db", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("idempotent delete: %v", err)
	}
}

func TestListObjectsOrdersAndPaginates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"state/c", "state/a", "state/b", "other/x"} {
		if _, err := store.PutObject(ctx, key, bytes.NewReader([]byte(key)), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	page, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "state/", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Objects) != 2 || page.Objects[0].Key != "state/a" || page.Objects[1].Key != "state/b" {
		t.Fatalf("unexpected page: %+v", page.Objects)
	}
	if !page.Truncated || page.NextStartAfter != "state/b" {
		t.Fatalf("expected truncation after state/b, got %+v", page)
	}
	page, err = store.ListObjects(ctx, storage.ListOptions{Prefix: "state/", StartAfter: "state/b"})
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	if len(page.Objects) != 1 || page.Objects[0].Key != "state/c" {
		t.Fatalf("unexpected final page: %+v", page.Objects)
	}
}

func TestInvalidKeysRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "../escape", bytes.NewReader(nil), storage.PutObjectOptions{}); err == nil {
		t.Fatalf("expected traversal key to be rejected")
	}
	if _, err := store.LoadRecord(ctx, ""); err == nil {
		t.Fatalf("expected empty record key to be rejected")
	}
}

func TestRecordWatchSignalsOnWrite(t *testing.T) {
	store := newTestStore(t)
	if enabled, _, _ := store.RecordWatchStatus(); !enabled {
		t.Skip("record watch not supported on this filesystem")
	}
	sub, err := store.SubscribeRecordChanges("leader")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	if _, err := store.StoreRecord(ctx, "leader", &storage.Record{OwnerID: "a", Generation: 1}, ""); err != nil {
		t.Fatalf("store record: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(5 * time.Second):
		t.Fatalf("no change notification after record write")
	}
}
