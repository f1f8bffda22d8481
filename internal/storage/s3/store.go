// Package s3 implements storage.Backend on S3-compatible object storage via
// the MinIO client. Conditional writes use If-Match/If-None-Match, which every
// modern S3 implementation (AWS, MinIO, Ceph, GCS interop) honours.
package s3

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/pslog"
	"pkt.systems/warden/internal/storage"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	Crypto         *storage.Crypto
}

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
	crypto *storage.Crypto
}

const descriptorMetadataKey = "warden-descriptor"

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	if cfg.CustomCreds != nil {
		creds = cfg.CustomCreds
	} else {
		chain := []credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}
		creds = credentials.NewChainCredentials(chain)
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg, crypto: cfg.Crypto}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if clone.ExpectContinueTimeout == 0 {
		clone.ExpectContinueTimeout = 1 * time.Second
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying MinIO client for diagnostics.
func (s *Store) Client() *minio.Client {
	return s.client
}

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "s3")
}

func (s *Store) recordObject(key string) string {
	return s.withPrefix(path.Join("records", key+".json"))
}

func (s *Store) objectKey(key string) string {
	return s.withPrefix(path.Join("objects", strings.TrimPrefix(key, "/")))
}

func (s *Store) withPrefix(p string) string {
	if s.cfg.Prefix == "" {
		return p
	}
	return path.Join(s.cfg.Prefix, p)
}

// LoadRecord downloads the lock record for key and returns its ETag.
func (s *Store) LoadRecord(ctx context.Context, key string) (storage.RecordResult, error) {
	logger := s.logger(ctx)
	start := time.Now()
	object := s.recordObject(key)
	logger.Trace("s3.load_record.begin", "key", key, "object", object)

	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.RecordResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.load_record.get_error", "key", key, "object", object, "error", err)
		return storage.RecordResult{}, s.wrapError(err, "s3: get record")
	}
	defer obj.Close()

	payload, err := io.ReadAll(io.LimitReader(obj, 1<<20))
	if err != nil {
		if errors.Is(err, io.EOF) || isNotFound(err) {
			logger.Debug("s3.load_record.not_found", "key", key, "object", object, "elapsed", time.Since(start))
			return storage.RecordResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.load_record.read_error", "key", key, "object", object, "error", err)
		return storage.RecordResult{}, s.wrapError(err, "s3: read record")
	}
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.RecordResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.load_record.stat_error", "key", key, "object", object, "error", err)
		return storage.RecordResult{}, s.wrapError(err, "s3: stat record")
	}
	rec, err := storage.UnmarshalRecord(payload, s.crypto)
	if err != nil {
		logger.Debug("s3.load_record.decode_error", "key", key, "object", object, "error", err)
		return storage.RecordResult{}, err
	}
	etag := stripETag(info.ETag)
	logger.Debug("s3.load_record.success",
		"key", key,
		"object", object,
		"etag", etag,
		"owner", rec.OwnerID,
		"generation", rec.Generation,
		"lease_expires_at", rec.LeaseExpiryUnix,
		"elapsed", time.Since(start),
	)
	return storage.RecordResult{Record: rec, ETag: etag}, nil
}

// StoreRecord uploads the lock record, applying conditional-put semantics via
// expectedETag. An empty expectedETag demands that no record exist yet.
func (s *Store) StoreRecord(ctx context.Context, key string, rec *storage.Record, expectedETag string) (string, error) {
	logger := s.logger(ctx)
	start := time.Now()
	object := s.recordObject(key)
	logger.Trace("s3.store_record.begin",
		"key", key,
		"object", object,
		"expected_etag", expectedETag,
		"owner", rec.OwnerID,
		"generation", rec.Generation,
	)
	payload, contentType, err := storage.MarshalRecord(rec, s.crypto)
	if err != nil {
		logger.Debug("s3.store_record.marshal_error", "key", key, "object", object, "error", err)
		return "", err
	}
	options := minio.PutObjectOptions{ContentType: contentType}
	s.applySSE(&options)
	if expectedETag != "" {
		options.SetMatchETag(expectedETag)
	} else {
		options.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), options)
	if err != nil {
		if isPreconditionFailed(err) {
			logger.Debug("s3.store_record.cas_mismatch", "key", key, "object", object, "expected_etag", expectedETag)
			return "", storage.ErrCASMismatch
		}
		if expectedETag != "" && isNotFound(err) {
			logger.Debug("s3.store_record.not_found", "key", key, "object", object, "expected_etag", expectedETag)
			return "", storage.ErrNotFound
		}
		logger.Debug("s3.store_record.put_error", "key", key, "object", object, "error", err)
		return "", s.wrapError(err, "s3: put record")
	}
	newETag := stripETag(info.ETag)
	logger.Debug("s3.store_record.success", "key", key, "object", object, "new_etag", newETag, "elapsed", time.Since(start))
	return newETag, nil
}

// DeleteRecord removes the lock record, enforcing CAS through a stat-compare
// step when expectedETag is supplied. S3 has no conditional delete, so a
// racing writer can still slip between stat and remove; callers treat delete
// as best-effort cleanup and never rely on it for mutual exclusion.
func (s *Store) DeleteRecord(ctx context.Context, key string, expectedETag string) error {
	logger := s.logger(ctx)
	start := time.Now()
	object := s.recordObject(key)
	logger.Trace("s3.delete_record.begin", "key", key, "object", object, "expected_etag", expectedETag)

	if expectedETag != "" {
		info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
		if err != nil {
			if isNotFound(err) {
				return storage.ErrNotFound
			}
			logger.Debug("s3.delete_record.stat_error", "key", key, "object", object, "error", err)
			return s.wrapError(err, "s3: stat record")
		}
		if stripETag(info.ETag) != expectedETag {
			logger.Debug("s3.delete_record.cas_mismatch", "key", key, "object", object, "expected_etag", expectedETag, "current_etag", stripETag(info.ETag))
			return storage.ErrCASMismatch
		}
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		logger.Debug("s3.delete_record.remove_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "s3: remove record")
	}
	logger.Debug("s3.delete_record.success", "key", key, "object", object, "elapsed", time.Since(start))
	return nil
}

// ListObjects enumerates snapshot objects matching opts.Prefix.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := s.logger(ctx)
	start := time.Now()
	logger.Trace("s3.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)

	root := s.withPrefix("objects") + "/"
	listOpts := minio.ListObjectsOptions{
		Prefix:    root + strings.TrimPrefix(opts.Prefix, "/"),
		Recursive: true,
	}
	if opts.StartAfter != "" {
		listOpts.StartAfter = root + strings.TrimPrefix(opts.StartAfter, "/")
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := &storage.ListResult{}
	lastKey := ""
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, listOpts) {
		if object.Err != nil {
			logger.Debug("s3.list_objects.error", "error", object.Err)
			return nil, s.wrapError(object.Err, "s3: list objects")
		}
		logicalKey := strings.TrimPrefix(object.Key, root)
		if logicalKey == object.Key {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = lastKey
			break
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          logicalKey,
			ETag:         stripETag(object.ETag),
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		})
		lastKey = logicalKey
	}
	logger.Debug("s3.list_objects.success", "prefix", opts.Prefix, "count", len(result.Objects), "truncated", result.Truncated, "elapsed", time.Since(start))
	return result, nil
}

// GetObject downloads the snapshot object at key, decrypting transparently
// when the store carries crypto material.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := s.logger(ctx)
	object := s.objectKey(key)
	logger.Trace("s3.get_object.begin", "key", key, "object", object)

	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		logger.Debug("s3.get_object.get_error", "key", key, "object", object, "error", err)
		return storage.GetObjectResult{}, s.wrapError(err, "s3: get object")
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.get_object.stat_error", "key", key, "object", object, "error", err)
		return storage.GetObjectResult{}, s.wrapError(err, "s3: stat object")
	}
	meta := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
	}
	descriptor, err := decodeDescriptor(info.UserMetadata)
	if err != nil {
		obj.Close()
		return storage.GetObjectResult{}, err
	}
	if len(descriptor) > 0 {
		meta.Descriptor = append([]byte(nil), descriptor...)
	}
	if s.crypto.Enabled() && len(descriptor) > 0 {
		reader, err := s.crypto.DecryptObjectReader(obj, storage.SnapshotContext(key), descriptor)
		if err != nil {
			obj.Close()
			logger.Debug("s3.get_object.decrypt_error", "key", key, "object", object, "error", err)
			return storage.GetObjectResult{}, err
		}
		return storage.GetObjectResult{Reader: reader, Info: meta}, nil
	}
	logger.Debug("s3.get_object.success", "key", key, "object", object, "etag", meta.ETag, "size", meta.Size)
	return storage.GetObjectResult{Reader: obj, Info: meta}, nil
}

// PutObject uploads a snapshot object with conditional guards.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx)
	object := s.objectKey(key)
	logger.Trace("s3.put_object.begin", "key", key, "object", object, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)

	plaintext, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("s3: read object body: %w", err)
	}
	payload := plaintext
	var descriptor []byte
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	if s.crypto.Enabled() {
		payload, descriptor, err = s.crypto.EncryptObject(storage.SnapshotContext(key), plaintext)
		if err != nil {
			logger.Debug("s3.put_object.encrypt_error", "key", key, "object", object, "error", err)
			return nil, err
		}
		if contentType == storage.ContentTypeOctetStream {
			contentType = storage.ContentTypeOctetStreamEncrypted
		}
	}

	putOpts := minio.PutObjectOptions{ContentType: contentType}
	s.applySSE(&putOpts)
	if len(descriptor) > 0 {
		putOpts.UserMetadata = map[string]string{descriptorMetadataKey: encodeDescriptor(descriptor)}
	}
	if opts.ExpectedETag != "" {
		putOpts.SetMatchETag(opts.ExpectedETag)
	} else if opts.IfNotExists {
		putOpts.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), putOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			logger.Debug("s3.put_object.cas_mismatch", "key", key, "object", object, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		}
		if opts.ExpectedETag != "" && isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		logger.Debug("s3.put_object.put_error", "key", key, "object", object, "error", err)
		return nil, s.wrapError(err, "s3: put object")
	}
	logger.Debug("s3.put_object.success", "key", key, "object", object, "etag", stripETag(info.ETag), "size", len(plaintext))
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         int64(len(plaintext)),
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
		Descriptor:   append([]byte(nil), descriptor...),
	}, nil
}

// DeleteObject removes a snapshot object with optional CAS.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := s.logger(ctx)
	object := s.objectKey(key)
	logger.Trace("s3.delete_object.begin", "key", key, "object", object, "expected_etag", opts.ExpectedETag, "ignore_not_found", opts.IgnoreNotFound)

	if opts.ExpectedETag != "" {
		info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
		if err != nil {
			if isNotFound(err) {
				if opts.IgnoreNotFound {
					return nil
				}
				return storage.ErrNotFound
			}
			logger.Debug("s3.delete_object.stat_error", "key", key, "object", object, "error", err)
			return s.wrapError(err, "s3: stat object")
		}
		if stripETag(info.ETag) != opts.ExpectedETag {
			logger.Debug("s3.delete_object.cas_mismatch", "key", key, "object", object, "expected_etag", opts.ExpectedETag, "current_etag", stripETag(info.ETag))
			return storage.ErrCASMismatch
		}
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		logger.Debug("s3.delete_object.remove_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "s3: delete object")
	}
	logger.Debug("s3.delete_object.success", "key", key, "object", object)
	return nil
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}

func encodeDescriptor(desc []byte) string {
	return base64.StdEncoding.EncodeToString(desc)
}

func decodeDescriptor(meta map[string]string) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	var val string
	for k, v := range meta {
		if strings.EqualFold(k, descriptorMetadataKey) {
			val = v
			break
		}
	}
	if val == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(val)
	if err != nil {
		return nil, fmt.Errorf("s3: decode descriptor: %w", err)
	}
	return decoded, nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		if errResp.StatusCode == http.StatusPreconditionFailed {
			return true
		}
		if errResp.StatusCode == http.StatusConflict {
			switch errResp.Code {
			case "ConditionalRequestConflict", "OperationAborted":
				return true
			}
		}
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}
