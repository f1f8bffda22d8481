// Package aws implements storage.Backend on AWS S3 with the official SDK.
// It exists alongside the generic s3 backend for deployments that need the
// SDK credential chain (SSO, IMDS role assumption, process providers) that
// the MinIO client does not cover.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/pslog"
	"pkt.systems/warden/internal/storage"
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	Prefix        string
	Insecure      bool
	ServerSideEnc string
	KMSKeyID      string
	Crypto        *storage.Crypto
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
	crypto *storage.Crypto
}

const awsOpTimeout = 5 * time.Minute

const descriptorMetadataKey = "warden-descriptor"

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &Store{client: client, cfg: cfg, crypto: cfg.Crypto}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
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
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying AWS client for diagnostics.
func (s *Store) Client() *s3.Client {
	return s.client
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
	return logger.With("storage_backend", "aws")
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= awsOpTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
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
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	start := time.Now()
	object := s.recordObject(key)
	logger.Trace("aws.load_record.begin", "key", key, "object", object)

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.RecordResult{}, storage.ErrNotFound
		}
		logger.Debug("aws.load_record.get_error", "key", key, "object", object, "error", err)
		return storage.RecordResult{}, s.wrapError(err, "aws: get record")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		logger.Debug("aws.load_record.read_error", "key", key, "object", object, "error", err)
		return storage.RecordResult{}, s.wrapError(err, "aws: read record")
	}
	rec, err := storage.UnmarshalRecord(payload, s.crypto)
	if err != nil {
		logger.Debug("aws.load_record.decode_error", "key", key, "object", object, "error", err)
		return storage.RecordResult{}, err
	}
	etag := stripETag(aws.ToString(resp.ETag))
	logger.Debug("aws.load_record.success",
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

// StoreRecord uploads the lock record, guarding with If-Match/If-None-Match.
func (s *Store) StoreRecord(ctx context.Context, key string, rec *storage.Record, expectedETag string) (string, error) {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	start := time.Now()
	object := s.recordObject(key)
	logger.Trace("aws.store_record.begin",
		"key", key,
		"object", object,
		"expected_etag", expectedETag,
		"owner", rec.OwnerID,
		"generation", rec.Generation,
	)
	payload, contentType, err := storage.MarshalRecord(rec, s.crypto)
	if err != nil {
		logger.Debug("aws.store_record.marshal_error", "key", key, "object", object, "error", err)
		return "", err
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(payload))),
	}
	if expectedETag != "" {
		input.IfMatch = aws.String(expectedETag)
	} else {
		input.IfNoneMatch = aws.String("*")
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	resp, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			logger.Debug("aws.store_record.cas_mismatch", "key", key, "object", object, "expected_etag", expectedETag)
			return "", storage.ErrCASMismatch
		}
		if expectedETag != "" && isNotFound(err) {
			logger.Debug("aws.store_record.not_found", "key", key, "object", object, "expected_etag", expectedETag)
			return "", storage.ErrNotFound
		}
		logger.Debug("aws.store_record.put_error", "key", key, "object", object, "error", err)
		return "", s.wrapError(err, "aws: put record")
	}
	newETag := stripETag(aws.ToString(resp.ETag))
	logger.Debug("aws.store_record.success", "key", key, "object", object, "new_etag", newETag, "elapsed", time.Since(start))
	return newETag, nil
}

// DeleteRecord removes the lock record, enforcing CAS through a head-compare
// step when expectedETag is supplied.
func (s *Store) DeleteRecord(ctx context.Context, key string, expectedETag string) error {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.recordObject(key)
	logger.Trace("aws.delete_record.begin", "key", key, "object", object, "expected_etag", expectedETag)

	if expectedETag != "" {
		stat, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
		if err != nil {
			if isNotFound(err) {
				return storage.ErrNotFound
			}
			logger.Debug("aws.delete_record.stat_error", "key", key, "object", object, "error", err)
			return s.wrapError(err, "aws: stat record")
		}
		if stripETag(aws.ToString(stat.ETag)) != expectedETag {
			logger.Debug("aws.delete_record.cas_mismatch", "key", key, "object", object, "expected_etag", expectedETag)
			return storage.ErrCASMismatch
		}
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}); err != nil {
		logger.Debug("aws.delete_record.remove_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "aws: remove record")
	}
	logger.Debug("aws.delete_record.success", "key", key, "object", object)
	return nil
}

// ListObjects enumerates snapshot objects matching opts.Prefix.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	root := s.withPrefix("objects") + "/"

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(root + strings.TrimPrefix(opts.Prefix, "/")),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(root + strings.TrimPrefix(opts.StartAfter, "/"))
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit + 1))
	}
	result := &storage.ListResult{}
	lastKey := ""
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			logger.Debug("aws.list_objects.error", "error", err)
			return nil, s.wrapError(err, "aws: list objects")
		}
		for _, object := range page.Contents {
			logicalKey := strings.TrimPrefix(aws.ToString(object.Key), root)
			if logicalKey == aws.ToString(object.Key) {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				result.NextStartAfter = lastKey
				return result, nil
			}
			result.Objects = append(result.Objects, storage.ObjectInfo{
				Key:          logicalKey,
				ETag:         stripETag(aws.ToString(object.ETag)),
				Size:         aws.ToInt64(object.Size),
				LastModified: aws.ToTime(object.LastModified),
			})
			lastKey = logicalKey
		}
	}
	return result, nil
}

// GetObject downloads the snapshot object at key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := s.logger(ctx)
	object := s.objectKey(key)
	logger.Trace("aws.get_object.begin", "key", key, "object", object)

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("aws.get_object.get_error", "key", key, "object", object, "error", err)
		return storage.GetObjectResult{}, s.wrapError(err, "aws: get object")
	}
	meta := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(resp.ETag)),
		Size:         aws.ToInt64(resp.ContentLength),
		LastModified: aws.ToTime(resp.LastModified),
		ContentType:  aws.ToString(resp.ContentType),
	}
	descriptor, err := decodeDescriptor(resp.Metadata)
	if err != nil {
		resp.Body.Close()
		return storage.GetObjectResult{}, err
	}
	if len(descriptor) > 0 {
		meta.Descriptor = append([]byte(nil), descriptor...)
	}
	if s.crypto.Enabled() && len(descriptor) > 0 {
		reader, err := s.crypto.DecryptObjectReader(resp.Body, storage.SnapshotContext(key), descriptor)
		if err != nil {
			resp.Body.Close()
			logger.Debug("aws.get_object.decrypt_error", "key", key, "object", object, "error", err)
			return storage.GetObjectResult{}, err
		}
		return storage.GetObjectResult{Reader: reader, Info: meta}, nil
	}
	return storage.GetObjectResult{Reader: resp.Body, Info: meta}, nil
}

// PutObject uploads a snapshot object with conditional guards.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.objectKey(key)
	logger.Trace("aws.put_object.begin", "key", key, "object", object, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)

	plaintext, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("aws: read object body: %w", err)
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
			logger.Debug("aws.put_object.encrypt_error", "key", key, "object", object, "error", err)
			return nil, err
		}
		if contentType == storage.ContentTypeOctetStream {
			contentType = storage.ContentTypeOctetStreamEncrypted
		}
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(payload))),
	}
	if len(descriptor) > 0 {
		input.Metadata = map[string]string{descriptorMetadataKey: encodeDescriptor(descriptor)}
	}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	} else if opts.IfNotExists {
		input.IfNoneMatch = aws.String("*")
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	resp, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			logger.Debug("aws.put_object.cas_mismatch", "key", key, "object", object, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		}
		if opts.ExpectedETag != "" && isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		logger.Debug("aws.put_object.put_error", "key", key, "object", object, "error", err)
		return nil, s.wrapError(err, "aws: put object")
	}
	logger.Debug("aws.put_object.success", "key", key, "object", object, "etag", stripETag(aws.ToString(resp.ETag)), "size", len(plaintext))
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(resp.ETag)),
		Size:         int64(len(plaintext)),
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
		Descriptor:   append([]byte(nil), descriptor...),
	}, nil
}

// DeleteObject removes a snapshot object with optional CAS.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.objectKey(key)
	logger.Trace("aws.delete_object.begin", "key", key, "object", object, "expected_etag", opts.ExpectedETag, "ignore_not_found", opts.IgnoreNotFound)

	if opts.ExpectedETag != "" {
		stat, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
		if err != nil {
			if isNotFound(err) {
				if opts.IgnoreNotFound {
					return nil
				}
				return storage.ErrNotFound
			}
			logger.Debug("aws.delete_object.stat_error", "key", key, "object", object, "error", err)
			return s.wrapError(err, "aws: stat object")
		}
		if stripETag(aws.ToString(stat.ETag)) != opts.ExpectedETag {
			logger.Debug("aws.delete_object.cas_mismatch", "key", key, "object", object, "expected_etag", opts.ExpectedETag)
			return storage.ErrCASMismatch
		}
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}); err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		logger.Debug("aws.delete_object.remove_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "aws: delete object")
	}
	logger.Debug("aws.delete_object.success", "key", key, "object", object)
	return nil
}

func applySSEToPut(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
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
		return nil, fmt.Errorf("aws: decode descriptor: %w", err)
	}
	return decoded, nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
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
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusRequestTimeout:
			return true
		}
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

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusPreconditionFailed || status == http.StatusConflict
	}
	return false
}
