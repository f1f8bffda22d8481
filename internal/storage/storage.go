// Package storage defines the backend contract warden coordinates through: a
// conditionally-writable lock record plus a flat object namespace holding the
// state snapshot. Backends must provide linearizable compare-and-swap on the
// record ETag and read-your-writes consistency on snapshot objects; everything
// stronger is layered on top by the lease manager.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content type constants shared by the object backends.
const (
	ContentTypeJSON                 = "application/json"
	ContentTypeJSONEncrypted        = "application/vnd.warden+json-encrypted"
	ContentTypeOctetStream          = "application/octet-stream"
	ContentTypeOctetStreamEncrypted = "application/vnd.warden.octet-stream+encrypted"
)

var (
	// ErrNotFound indicates the requested key is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against a newer version.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented marks optional capabilities a backend does not provide.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Record is the durable lock record. Exactly one exists per key; the holder is
// whoever last won a conditional write against it. Generation is the fencing
// token: it is bumped when the record is created and when an expired lease is
// stolen, never on renewal, so any write presenting a stale generation is
// detectable.
type Record struct {
	OwnerID         string `json:"owner_id"`
	Generation      int64  `json:"generation"`
	AcquiredAtUnix  int64  `json:"acquired_at_unix"`
	LeaseExpiryUnix int64  `json:"lease_expiry_unix"`
	RenewedAtUnix   int64  `json:"renewed_at_unix,omitempty"`
	Hostname        string `json:"hostname,omitempty"`
	PID             int    `json:"pid,omitempty"`
}

// ExpiresAt returns the lease expiry as a time.Time.
func (r *Record) ExpiresAt() time.Time {
	if r == nil || r.LeaseExpiryUnix == 0 {
		return time.Time{}
	}
	return time.Unix(r.LeaseExpiryUnix, 0).UTC()
}

// Expired reports whether the lease had lapsed at now.
func (r *Record) Expired(now time.Time) bool {
	if r == nil {
		return true
	}
	exp := r.ExpiresAt()
	return exp.IsZero() || !exp.After(now)
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// RecordResult pairs a record with the opaque ETag guarding it.
type RecordResult struct {
	Record *Record
	ETag   string
}

// ObjectInfo captures metadata for a stored snapshot object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
	// Descriptor carries the kryptograf key descriptor when the object is
	// encrypted at rest.
	Descriptor []byte
}

// GetObjectResult captures an object reader with its metadata. Callers must
// close the reader.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// PutObjectOptions controls conditional semantics and metadata for PutObject.
type PutObjectOptions struct {
	// ExpectedETag enables CAS semantics. Empty means unconditional.
	ExpectedETag string
	// IfNotExists enforces creation-only semantics. Ignored when
	// ExpectedETag is set.
	IfNotExists bool
	ContentType string
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures one page of a listing.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// Backend is the storage contract consumed by the lease manager and the state
// syncer. Record operations must be atomic with respect to the ETag check;
// this is the one hard requirement pushed onto the backing store.
type Backend interface {
	// LoadRecord returns the current lock record and its ETag.
	LoadRecord(ctx context.Context, key string) (RecordResult, error)
	// StoreRecord writes the record if the stored ETag matches expectedETag.
	// An empty expectedETag demands that no record exist (create-only);
	// existing records then fail with ErrCASMismatch.
	StoreRecord(ctx context.Context, key string, rec *Record, expectedETag string) (newETag string, err error)
	// DeleteRecord removes the record, enforcing CAS when expectedETag is set.
	DeleteRecord(ctx context.Context, key string, expectedETag string) error

	// ListObjects enumerates snapshot objects under the prefix in ascending
	// lexical order, limited by opts.Limit when >0 and resuming from
	// opts.StartAfter when provided.
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)
	// GetObject streams the object at key.
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	// PutObject writes a snapshot object, applying conditional semantics
	// when opts.ExpectedETag or opts.IfNotExists are set.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes the object at key.
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error

	// Close releases backend resources.
	Close() error
}

// ChangeSubscription delivers record-change notifications.
type ChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// ChangeFeed indicates the backend can notify waiters when a lock record
// changes, letting blocked acquirers react before their poll timer fires.
type ChangeFeed interface {
	SubscribeRecordChanges(key string) (ChangeSubscription, error)
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
