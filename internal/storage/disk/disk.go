// Package disk implements storage.Backend on the local filesystem. It is
// meant for single-host deployments and tests; CAS is enforced with per-key
// advisory file locks, and every write goes through a temp file plus rename so
// readers never observe torn payloads.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/warden/internal/storage"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root        string
	RecordWatch bool
	Crypto      *storage.Crypto
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root      string
	recordDir string
	objectDir string
	tmpDir    string
	lockDir   string
	crypto    *storage.Crypto

	locks sync.Map

	watchEnabled bool
	watchMode    string
	watchReason  string
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

type recordInfo struct {
	ETag        string `json:"etag"`
	ContentType string `json:"content_type"`
	UpdatedUnix int64  `json:"updated_unix"`
}

type objectInfo struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type"`
	UpdatedUnix   int64  `json:"updated_unix"`
	PlaintextSize int64  `json:"plaintext_size"`
	Descriptor    []byte `json:"descriptor,omitempty"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	recordDir := filepath.Join(root, "records")
	objectDir := filepath.Join(root, "objects")
	tmpDir := filepath.Join(root, "tmp")
	lockDir := filepath.Join(root, "locks")
	for _, dir := range []string{recordDir, objectDir, tmpDir, lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s := &Store{
		root:      root,
		recordDir: recordDir,
		objectDir: objectDir,
		tmpDir:    tmpDir,
		lockDir:   lockDir,
		crypto:    cfg.Crypto,
	}
	s.watchMode = "polling"
	s.watchReason = "config_disabled"
	if cfg.RecordWatch {
		if recordWatchSupported(root) {
			s.watchEnabled = true
			s.watchMode = "fsnotify"
			s.watchReason = "filesystem_watch_enabled"
		} else {
			s.watchReason = "filesystem_not_supported"
		}
	}
	return s, nil
}

// RecordWatchStatus reports whether fsnotify-based record change
// notifications are active.
func (s *Store) RecordWatchStatus() (bool, string, string) {
	return s.watchEnabled, s.watchMode, s.watchReason
}

// Close satisfies storage.Backend; per-subscription watchers are shut down by
// their owners.
func (s *Store) Close() error { return nil }

func (s *Store) keyLock(key string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Store) acquireFileLock(encoded string) (*fileLock, error) {
	lockPath := filepath.Join(s.lockDir, encoded+".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	return &fileLock{file: f}, nil
}

func (s *Store) encodeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: key required")
	}
	encoded := url.PathEscape(key)
	if strings.Contains(encoded, "..") {
		return "", fmt.Errorf("disk: invalid key %q", key)
	}
	return encoded, nil
}

func (s *Store) recordDataPath(encoded string) string {
	return filepath.Join(s.recordDir, encoded+".json")
}

func (s *Store) recordInfoPath(encoded string) string {
	return filepath.Join(s.recordDir, encoded+".info.json")
}

func (s *Store) normalizeObjectKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(clean, "..") {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return strings.TrimPrefix(clean, "/"), nil
}

func (s *Store) objectDataPath(key string) (string, error) {
	normalized, err := s.normalizeObjectKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(normalized)), nil
}

func (s *Store) objectInfoPath(key string) (string, error) {
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return "", err
	}
	return dataPath + ".info.json", nil
}

// writeFileAtomic stages payload in the tmp dir, fsyncs, then renames into
// place.
func (s *Store) writeFileAtomic(dest string, payload []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "warden-*")
	if err != nil {
		return fmt.Errorf("disk: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("disk: write temp file: %w", err)
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("disk: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("disk: close temp file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("disk: prepare directory for %q: %w", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("disk: rename into %q: %w", dest, err)
	}
	return nil
}

func (s *Store) loadRecordInfo(encoded string) (*recordInfo, error) {
	payload, err := os.ReadFile(s.recordInfoPath(encoded))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, storage.NewTransientError(fmt.Errorf("disk: read record info: %w", err))
	}
	info := &recordInfo{}
	if err := json.Unmarshal(payload, info); err != nil {
		return nil, fmt.Errorf("disk: decode record info: %w", err)
	}
	return info, nil
}

// LoadRecord returns the lock record for key with its ETag.
func (s *Store) LoadRecord(_ context.Context, key string) (storage.RecordResult, error) {
	encoded, err := s.encodeKey(key)
	if err != nil {
		return storage.RecordResult{}, err
	}
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	info, err := s.loadRecordInfo(encoded)
	if err != nil {
		return storage.RecordResult{}, err
	}
	payload, err := os.ReadFile(s.recordDataPath(encoded))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.RecordResult{}, storage.ErrNotFound
		}
		return storage.RecordResult{}, storage.NewTransientError(fmt.Errorf("disk: read record: %w", err))
	}
	rec, err := storage.UnmarshalRecord(payload, s.crypto)
	if err != nil {
		return storage.RecordResult{}, err
	}
	return storage.RecordResult{Record: rec, ETag: info.ETag}, nil
}

// StoreRecord writes the lock record for key under CAS control.
func (s *Store) StoreRecord(_ context.Context, key string, rec *storage.Record, expectedETag string) (string, error) {
	encoded, err := s.encodeKey(key)
	if err != nil {
		return "", err
	}
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	flock, err := s.acquireFileLock(encoded)
	if err != nil {
		return "", storage.NewTransientError(err)
	}
	defer flock.Unlock()

	current, err := s.loadRecordInfo(encoded)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if expectedETag != "" {
			return "", storage.ErrNotFound
		}
	case err != nil:
		return "", err
	default:
		if expectedETag == "" {
			return "", storage.ErrCASMismatch
		}
		if current.ETag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	}

	payload, contentType, err := storage.MarshalRecord(rec, s.crypto)
	if err != nil {
		return "", err
	}
	etag := uuid.NewString()
	infoPayload, err := json.Marshal(&recordInfo{
		ETag:        etag,
		ContentType: contentType,
		UpdatedUnix: time.Now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("disk: encode record info: %w", err)
	}
	if err := s.writeFileAtomic(s.recordDataPath(encoded), payload); err != nil {
		return "", storage.NewTransientError(err)
	}
	// Info file lands last so a crash mid-write leaves the previous ETag
	// visible rather than a dangling one.
	if err := s.writeFileAtomic(s.recordInfoPath(encoded), infoPayload); err != nil {
		return "", storage.NewTransientError(err)
	}
	return etag, nil
}

// DeleteRecord removes the lock record for key, enforcing CAS when
// expectedETag is set.
func (s *Store) DeleteRecord(_ context.Context, key string, expectedETag string) error {
	encoded, err := s.encodeKey(key)
	if err != nil {
		return err
	}
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	flock, err := s.acquireFileLock(encoded)
	if err != nil {
		return storage.NewTransientError(err)
	}
	defer flock.Unlock()

	if expectedETag != "" {
		info, err := s.loadRecordInfo(encoded)
		if err != nil {
			return err
		}
		if info.ETag != expectedETag {
			return storage.ErrCASMismatch
		}
	}
	if err := os.Remove(s.recordInfoPath(encoded)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storage.NewTransientError(fmt.Errorf("disk: remove record info: %w", err))
	}
	if err := os.Remove(s.recordDataPath(encoded)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storage.NewTransientError(fmt.Errorf("disk: remove record: %w", err))
	}
	return nil
}

func (s *Store) loadObjectInfo(key string) (*objectInfo, error) {
	infoPath, err := s.objectInfoPath(key)
	if err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(infoPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, storage.NewTransientError(fmt.Errorf("disk: read object info: %w", err))
	}
	info := &objectInfo{}
	if err := json.Unmarshal(payload, info); err != nil {
		return nil, fmt.Errorf("disk: decode object info for %q: %w", key, err)
	}
	return info, nil
}

// ListObjects walks the object tree and returns entries sorted by key.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	var keys []string
	err := filepath.WalkDir(s.objectDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".info.json") {
			return nil
		}
		rel, err := filepath.Rel(s.objectDir, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, storage.NewTransientError(fmt.Errorf("disk: walk objects: %w", err))
	}
	sort.Strings(keys)

	result := &storage.ListResult{}
	added := 0
	for idx, key := range keys {
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			if added > 0 {
				break
			}
			continue
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			continue
		}
		info, err := s.loadObjectInfo(key)
		if errors.Is(err, storage.ErrNotFound) {
			// Data without a sidecar means a concurrent delete; skip.
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         info.ETag,
			Size:         info.PlaintextSize,
			LastModified: time.Unix(info.UpdatedUnix, 0).UTC(),
			ContentType:  info.ContentType,
			Descriptor:   append([]byte(nil), info.Descriptor...),
		})
		added++
		if opts.Limit > 0 && added >= opts.Limit {
			if idx+1 < len(keys) && (opts.Prefix == "" || strings.HasPrefix(keys[idx+1], opts.Prefix)) {
				result.Truncated = true
				result.NextStartAfter = key
			}
			break
		}
	}
	return result, nil
}

// GetObject streams the object at key, decrypting transparently when the
// store carries crypto material.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	info, err := s.loadObjectInfo(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, storage.NewTransientError(fmt.Errorf("disk: open object %q: %w", key, err))
	}
	result := storage.GetObjectResult{
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         info.ETag,
			Size:         info.PlaintextSize,
			LastModified: time.Unix(info.UpdatedUnix, 0).UTC(),
			ContentType:  info.ContentType,
			Descriptor:   append([]byte(nil), info.Descriptor...),
		},
	}
	if s.crypto.Enabled() && len(info.Descriptor) > 0 {
		reader, err := s.crypto.DecryptObjectReader(f, storage.SnapshotContext(key), info.Descriptor)
		if err != nil {
			f.Close()
			return storage.GetObjectResult{}, fmt.Errorf("disk: decrypt object %q: %w", key, err)
		}
		result.Reader = &readCloserPair{Reader: reader, underlying: f}
		return result, nil
	}
	result.Reader = f
	return result, nil
}

// PutObject stores or replaces the object at key under the conditional
// semantics carried in opts.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	normalized, err := s.normalizeObjectKey(key)
	if err != nil {
		return nil, err
	}
	key = normalized
	plaintext, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("disk: read object body for %q: %w", key, err)
	}
	mu := s.keyLock("obj:" + key)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.loadObjectInfo(key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if opts.ExpectedETag != "" {
			return nil, storage.ErrNotFound
		}
	case err != nil:
		return nil, err
	default:
		if opts.IfNotExists {
			return nil, storage.ErrCASMismatch
		}
		if opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag {
			return nil, storage.ErrCASMismatch
		}
	}

	payload := plaintext
	var descriptor []byte
	contentType := opts.ContentType
	if s.crypto.Enabled() {
		payload, descriptor, err = s.crypto.EncryptObject(storage.SnapshotContext(key), plaintext)
		if err != nil {
			return nil, fmt.Errorf("disk: encrypt object %q: %w", key, err)
		}
		if contentType == "" || contentType == storage.ContentTypeOctetStream {
			contentType = storage.ContentTypeOctetStreamEncrypted
		}
	}

	etag := uuid.NewString()
	now := time.Now().UTC()
	info := &objectInfo{
		ETag:          etag,
		ContentType:   contentType,
		UpdatedUnix:   now.Unix(),
		PlaintextSize: int64(len(plaintext)),
		Descriptor:    descriptor,
	}
	infoPayload, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("disk: encode object info for %q: %w", key, err)
	}
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return nil, err
	}
	infoPath, err := s.objectInfoPath(key)
	if err != nil {
		return nil, err
	}
	if err := s.writeFileAtomic(dataPath, payload); err != nil {
		return nil, storage.NewTransientError(err)
	}
	if err := s.writeFileAtomic(infoPath, infoPayload); err != nil {
		return nil, storage.NewTransientError(err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(plaintext)),
		LastModified: now,
		ContentType:  contentType,
		Descriptor:   append([]byte(nil), descriptor...),
	}, nil
}

// DeleteObject removes the object at key with optional CAS.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	normalized, err := s.normalizeObjectKey(key)
	if err != nil {
		return err
	}
	key = normalized
	mu := s.keyLock("obj:" + key)
	mu.Lock()
	defer mu.Unlock()

	info, err := s.loadObjectInfo(key)
	if errors.Is(err, storage.ErrNotFound) {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	infoPath, err := s.objectInfoPath(key)
	if err != nil {
		return err
	}
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(infoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storage.NewTransientError(fmt.Errorf("disk: remove object info %q: %w", key, err))
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storage.NewTransientError(fmt.Errorf("disk: remove object %q: %w", key, err))
	}
	return nil
}

type readCloserPair struct {
	io.Reader
	underlying io.Closer
}

func (r *readCloserPair) Close() error {
	var first error
	if c, ok := r.Reader.(io.Closer); ok {
		first = c.Close()
	}
	if err := r.underlying.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
