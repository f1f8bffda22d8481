// Package azure implements storage.Backend on Azure Blob Storage. Blob ETag
// access conditions give the same conditional-write semantics the S3 backends
// rely on.
package azure

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/warden/internal/storage"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
	Crypto     *storage.Crypto
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
	crypto    *storage.Crypto
}

// Azure metadata keys must be valid C# identifiers, so underscores not
// hyphens.
const descriptorMetadataKey = "warden_descriptor"

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err = client.CreateContainer(ctx, cfg.Container, nil); err != nil {
		if !isContainerExists(err) {
			return nil, fmt.Errorf("azure: create container: %w", err)
		}
	}

	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		crypto:    cfg.Crypto,
	}, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	transport := defaultTransporter()
	if transport == nil {
		return nil
	}
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: transport,
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
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
	return transportAdapter{rt: clone}
}

// Client exposes the underlying Azure Blob client (primarily for
// diagnostics).
func (s *Store) Client() *azblob.Client {
	return s.client
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

// Close satisfies storage.Backend and is a no-op for the Azure client.
func (s *Store) Close() error { return nil }

func (s *Store) prefixed(parts ...string) string {
	name := path.Join(parts...)
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *Store) recordBlob(key string) string {
	return s.prefixed("records", url.PathEscape(key)+".json")
}

func (s *Store) objectBlob(key string) string {
	return s.prefixed("objects", strings.TrimPrefix(key, "/"))
}

func (s *Store) objectRoot() string {
	return s.prefixed("objects") + "/"
}

// LoadRecord downloads the lock record for key and returns its ETag.
func (s *Store) LoadRecord(ctx context.Context, key string) (storage.RecordResult, error) {
	blobName := s.recordBlob(key)
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.RecordResult{}, storage.ErrNotFound
		}
		return storage.RecordResult{}, wrapError(err, "azure: download record")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.RecordResult{}, wrapError(err, "azure: read record")
	}
	rec, err := storage.UnmarshalRecord(payload, s.crypto)
	if err != nil {
		return storage.RecordResult{}, err
	}
	etag := ""
	if resp.ETag != nil {
		etag = string(*resp.ETag)
	}
	return storage.RecordResult{Record: rec, ETag: etag}, nil
}

// StoreRecord writes the lock record using blob ETag access conditions.
func (s *Store) StoreRecord(ctx context.Context, key string, rec *storage.Record, expectedETag string) (string, error) {
	payload, contentType, err := storage.MarshalRecord(rec, s.crypto)
	if err != nil {
		return "", err
	}
	blobName := s.recordBlob(key)
	opts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(contentType),
		},
	}
	if expectedETag != "" {
		opts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: to.Ptr(azcore.ETag(expectedETag)),
			},
		}
	} else {
		opts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETag("*")),
			},
		}
	}
	resp, err := s.client.UploadStream(ctx, s.container, blobName, bytes.NewReader(payload), opts)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", storage.ErrCASMismatch
		}
		if expectedETag != "" && isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", wrapError(err, "azure: upload record")
	}
	if resp.ETag == nil {
		return "", fmt.Errorf("azure: upload record: missing etag")
	}
	return string(*resp.ETag), nil
}

// DeleteRecord removes the lock record with a conditional delete. Unlike the
// S3 backends this is atomic; Azure honours If-Match on delete.
func (s *Store) DeleteRecord(ctx context.Context, key string, expectedETag string) error {
	blobName := s.recordBlob(key)
	opts := &azblob.DeleteBlobOptions{}
	if expectedETag != "" {
		opts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: to.Ptr(azcore.ETag(expectedETag)),
			},
		}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, blobName, opts); err != nil {
		if isPreconditionFailed(err) {
			return storage.ErrCASMismatch
		}
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return wrapError(err, "azure: delete record")
	}
	return nil
}

// ListObjects enumerates snapshot blobs under opts.Prefix.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	root := s.objectRoot()
	prefixValue := root + strings.TrimPrefix(opts.Prefix, "/")
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefixValue,
	})
	result := &storage.ListResult{}
	lastKey := ""
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list objects")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			logicalKey := strings.TrimPrefix(*item.Name, root)
			if logicalKey == *item.Name {
				continue
			}
			if opts.StartAfter != "" && logicalKey <= opts.StartAfter {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				result.NextStartAfter = lastKey
				return result, nil
			}
			info := storage.ObjectInfo{Key: logicalKey}
			if item.Properties != nil {
				if item.Properties.ETag != nil {
					info.ETag = string(*item.Properties.ETag)
				}
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.LastModified = *item.Properties.LastModified
				}
				if item.Properties.ContentType != nil {
					info.ContentType = *item.Properties.ContentType
				}
			}
			result.Objects = append(result.Objects, info)
			lastKey = logicalKey
		}
	}
	return result, nil
}

// GetObject downloads the snapshot blob at key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	blobName := s.objectBlob(key)
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, wrapError(err, "azure: download object")
	}
	info := &storage.ObjectInfo{Key: key}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = *resp.LastModified
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	descriptor, err := decodeDescriptor(resp.Metadata)
	if err != nil {
		resp.Body.Close()
		return storage.GetObjectResult{}, err
	}
	if len(descriptor) > 0 {
		info.Descriptor = append([]byte(nil), descriptor...)
	}
	if s.crypto.Enabled() && len(descriptor) > 0 {
		reader, err := s.crypto.DecryptObjectReader(resp.Body, storage.SnapshotContext(key), descriptor)
		if err != nil {
			resp.Body.Close()
			return storage.GetObjectResult{}, err
		}
		return storage.GetObjectResult{Reader: reader, Info: info}, nil
	}
	return storage.GetObjectResult{Reader: resp.Body, Info: info}, nil
}

// PutObject uploads a snapshot blob with conditional guards.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	plaintext, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("azure: read object body: %w", err)
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
			return nil, err
		}
		if contentType == storage.ContentTypeOctetStream {
			contentType = storage.ContentTypeOctetStreamEncrypted
		}
	}
	blobName := s.objectBlob(key)
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(contentType),
		},
	}
	if len(descriptor) > 0 {
		uploadOpts.Metadata = map[string]*string{descriptorMetadataKey: to.Ptr(encodeDescriptor(descriptor))}
	}
	if opts.ExpectedETag != "" {
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: to.Ptr(azcore.ETag(opts.ExpectedETag)),
			},
		}
	} else if opts.IfNotExists {
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETag("*")),
			},
		}
	}
	resp, err := s.client.UploadStream(ctx, s.container, blobName, bytes.NewReader(payload), uploadOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			return nil, storage.ErrCASMismatch
		}
		if opts.ExpectedETag != "" && isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapError(err, "azure: upload object")
	}
	info := &storage.ObjectInfo{
		Key:          key,
		Size:         int64(len(plaintext)),
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
		Descriptor:   append([]byte(nil), descriptor...),
	}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	return info, nil
}

// DeleteObject removes a snapshot blob with optional CAS.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	blobName := s.objectBlob(key)
	deleteOpts := &azblob.DeleteBlobOptions{}
	if opts.ExpectedETag != "" {
		deleteOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: to.Ptr(azcore.ETag(opts.ExpectedETag)),
			},
		}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, blobName, deleteOpts); err != nil {
		if isPreconditionFailed(err) {
			return storage.ErrCASMismatch
		}
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return wrapError(err, "azure: delete object")
	}
	return nil
}

func encodeDescriptor(desc []byte) string {
	return hex.EncodeToString(desc)
}

func decodeDescriptor(meta map[string]*string) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	var candidate *string
	for key, val := range meta {
		if val == nil || *val == "" {
			continue
		}
		if strings.EqualFold(key, descriptorMetadataKey) {
			candidate = val
		}
	}
	if candidate == nil || *candidate == "" {
		return nil, nil
	}
	decoded, err := hex.DecodeString(*candidate)
	if err != nil {
		return nil, fmt.Errorf("azure: decode descriptor: %w", err)
	}
	return decoded, nil
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode >= http.StatusInternalServerError,
			respErr.StatusCode == http.StatusTooManyRequests,
			respErr.StatusCode == http.StatusRequestTimeout:
			return storage.NewTransientError(wrapped)
		}
		return wrapped
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
