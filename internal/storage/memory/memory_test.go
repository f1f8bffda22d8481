package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"pkt.systems/kryptograf"
	"pkt.systems/warden/internal/storage"
)

func TestRecordCASLifecycle(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.LoadRecord(ctx, "leader"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing record, got %v", err)
	}

	rec := &storage.Record{OwnerID: "a", Generation: 1, LeaseExpiryUnix: 100}
	etag, err := store.StoreRecord(ctx, "leader", rec, "")
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if etag == "" {
		t.Fatalf("expected non-empty etag")
	}

	if _, err := store.StoreRecord(ctx, "leader", rec, ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("create over existing record should fail CAS, got %v", err)
	}

	loaded, err := store.LoadRecord(ctx, "leader")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if loaded.ETag != etag {
		t.Fatalf("etag mismatch: got %q want %q", loaded.ETag, etag)
	}
	if loaded.Record.OwnerID != "a" || loaded.Record.Generation != 1 {
		t.Fatalf("unexpected record: %+v", loaded.Record)
	}

	// Mutating the returned copy must not leak into the store.
	loaded.Record.OwnerID = "mutated"
	again, err := store.LoadRecord(ctx, "leader")
	if err != nil {
		t.Fatalf("reload record: %v", err)
	}
	if again.Record.OwnerID != "a" {
		t.Fatalf("stored record mutated through returned copy")
	}

	rec2 := &storage.Record{OwnerID: "a", Generation: 1, LeaseExpiryUnix: 130}
	etag2, err := store.StoreRecord(ctx, "leader", rec2, etag)
	if err != nil {
		t.Fatalf("renew record: %v", err)
	}
	if etag2 == etag {
		t.Fatalf("renewal should produce a new etag")
	}

	if _, err := store.StoreRecord(ctx, "leader", rec2, etag); !errors.Is(err, storage.ErrCASMismatch) {
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

func TestObjectConditionalPut(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	info, err := store.PutObject(ctx, "state/a", bytes.NewReader([]byte("v1")), storage.PutObjectOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("initial put: %v", err)
	}
	if _, err := store.PutObject(ctx, "state/a", bytes.NewReader([]byte("v2")), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("IfNotExists over existing object should fail CAS, got %v", err)
	}
	if _, err := store.PutObject(ctx, "state/a", bytes.NewReader([]byte("v2")), storage.PutObjectOptions{ExpectedETag: "bogus"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("mismatched etag put should fail CAS, got %v", err)
	}
	if _, err := store.PutObject(ctx, "state/a", bytes.NewReader([]byte("v2")), storage.PutObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("matched etag put: %v", err)
	}

	got, err := store.GetObject(ctx, "state/a")
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	defer got.Reader.Close()
	payload, err := io.ReadAll(got.Reader)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(payload) != "v2" {
		t.Fatalf("object payload %q, want %q", payload, "v2")
	}
}

func TestListObjectsPrefixAndPagination(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	for _, key := range []string{"state/a", "state/b", "state/c", "other/x"} {
		if _, err := store.PutObject(ctx, key, bytes.NewReader([]byte(key)), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	page, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "state/", Limit: 2})
	if err != nil {
		t.Fatalf("list page 1: %v", err)
	}
	if len(page.Objects) != 2 || page.Objects[0].Key != "state/a" || page.Objects[1].Key != "state/b" {
		t.Fatalf("unexpected first page: %+v", page.Objects)
	}
	if !page.Truncated || page.NextStartAfter != "state/b" {
		t.Fatalf("expected truncated page continuing after state/b, got %+v", page)
	}

	page, err = store.ListObjects(ctx, storage.ListOptions{Prefix: "state/", StartAfter: page.NextStartAfter, Limit: 2})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page.Objects) != 1 || page.Objects[0].Key != "state/c" {
		t.Fatalf("unexpected second page: %+v", page.Objects)
	}
	if page.Truncated {
		t.Fatalf("second page should be final")
	}
}

func TestObjectEncryptionRoundTrip(t *testing.T) {
	root := kryptograf.MustGenerateRootKey()
	mat, err := kryptograf.New(root).MintDEK([]byte("record-context"))
	if err != nil {
		t.Fatalf("mint record material: %v", err)
	}
	descriptor := mat.Descriptor
	mat.Zero()
	crypto, err := storage.NewCrypto(storage.CryptoConfig{
		Enabled:          true,
		RootKey:          root,
		RecordDescriptor: descriptor,
		RecordContext:    []byte("record-context"),
	})
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}

	store := NewWithConfig(Config{RecordWatch: true, Crypto: crypto})
	defer store.Close()
	ctx := context.Background()

	plaintext := []byte("snapshot payload")
	info, err := store.PutObject(ctx, "state/db", bytes.NewReader(plaintext), storage.PutObjectOptions{ContentType: storage.ContentTypeOctetStream})
	if err != nil {
		t.Fatalf("put encrypted object: %v", err)
	}
	if len(info.Descriptor) == 0 {
		t.Fatalf("expected descriptor on encrypted object")
	}
	if info.ContentType != storage.ContentTypeOctetStreamEncrypted {
		t.Fatalf("content type %q, want %q", info.ContentType, storage.ContentTypeOctetStreamEncrypted)
	}

	got, err := store.GetObject(ctx, "state/db")
	if err != nil {
		t.Fatalf("get encrypted object: %v", err)
	}
	defer got.Reader.Close()
	payload, err := io.ReadAll(got.Reader)
	if err != nil {
		t.Fatalf("read encrypted object: %v", err)
	}
	if !bytes.Equal(payload, plaintext) {
		t.Fatalf("decrypted payload %q, want %q", payload, plaintext)
	}
}

func TestRecordChangeFeedSignalsWriters(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	sub, err := store.SubscribeRecordChanges("leader")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := store.StoreRecord(ctx, "leader", &storage.Record{OwnerID: "a", Generation: 1}, ""); err != nil {
		t.Fatalf("store record: %v", err)
	}
	select {
	case <-sub.Events():
	default:
		t.Fatalf("expected change notification after record write")
	}

	if err := store.DeleteRecord(ctx, "leader", ""); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	select {
	case <-sub.Events():
	default:
		t.Fatalf("expected change notification after record delete")
	}
}

// Closing a subscription while writers keep notifying must not panic: the
// send and the channel close are serialized on the same lock.
func TestRecordChangeFeedCloseDuringWrites(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	sub, err := store.SubscribeRecordChanges("leader")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			rec := &storage.Record{OwnerID: "a", Generation: int64(i + 1)}
			_, _ = store.StoreRecord(ctx, "leader", rec, "")
			_ = store.DeleteRecord(ctx, "leader", "")
		}
	}()

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	<-done
}
