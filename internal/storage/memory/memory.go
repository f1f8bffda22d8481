// Package memory implements storage.Backend in process memory. It is the
// reference backend for tests and local development; CAS semantics match what
// the object-store backends provide.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/warden/internal/storage"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// RecordWatch enables in-process lock record change notifications.
	RecordWatch bool
	Crypto      *storage.Crypto
}

// Store implements storage.Backend in-memory.
type Store struct {
	mu      sync.RWMutex
	records map[string]*recordEntry
	objs    map[string]*objectEntry

	sortedKeys []string
	keysDirty  bool

	watchEnabled bool
	watchMu      sync.Mutex
	watchers     map[string]map[*recordSubscription]struct{}

	crypto *storage.Crypto
}

type recordEntry struct {
	data *storage.Record
	etag string
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
	descriptor  []byte
	plaintext   int64
}

// New returns a ready to use in-memory store with record change notifications
// enabled.
func New() *Store {
	return NewWithConfig(Config{RecordWatch: true})
}

// NewWithConfig returns a ready to use in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	store := &Store{
		records:   make(map[string]*recordEntry),
		objs:      make(map[string]*objectEntry),
		keysDirty: true,
		crypto:    cfg.Crypto,
	}
	if cfg.RecordWatch {
		store.watchEnabled = true
		store.watchers = make(map[string]map[*recordSubscription]struct{})
	}
	return store
}

// Close drops all subscriptions; stored data stays until the Store is
// garbage collected.
func (s *Store) Close() error {
	if !s.watchEnabled {
		return nil
	}
	s.watchMu.Lock()
	for _, watchers := range s.watchers {
		for sub := range watchers {
			sub.closeLocked()
		}
	}
	s.watchers = make(map[string]map[*recordSubscription]struct{})
	s.watchMu.Unlock()
	return nil
}

// LoadRecord returns a copy of the lock record stored for key.
func (s *Store) LoadRecord(_ context.Context, key string) (storage.RecordResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.records[key]
	if !ok {
		return storage.RecordResult{}, storage.ErrNotFound
	}
	return storage.RecordResult{Record: entry.data.Clone(), ETag: entry.etag}, nil
}

// StoreRecord writes the lock record for key, enforcing CAS when expectedETag
// is provided and create-only semantics when it is empty.
func (s *Store) StoreRecord(_ context.Context, key string, rec *storage.Record, expectedETag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.records[key]
	if expectedETag != "" {
		if !exists {
			return "", storage.ErrNotFound
		}
		if entry.etag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	} else if exists {
		return "", storage.ErrCASMismatch
	}
	etag := uuid.NewString()
	s.records[key] = &recordEntry{data: rec.Clone(), etag: etag}
	s.notifyRecordLocked(key)
	return etag, nil
}

// DeleteRecord removes the lock record for key, respecting the expected ETag
// when present.
func (s *Store) DeleteRecord(_ context.Context, key string, expectedETag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expectedETag != "" {
		entry, ok := s.records[key]
		if !ok {
			return storage.ErrNotFound
		}
		if entry.etag != expectedETag {
			return storage.ErrCASMismatch
		}
	}
	delete(s.records, key)
	s.notifyRecordLocked(key)
	return nil
}

// ListObjects returns in-memory objects sorted lexicographically.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keysDirty {
		s.sortedKeys = s.sortedKeys[:0]
		for key := range s.objs {
			s.sortedKeys = append(s.sortedKeys, key)
		}
		sort.Strings(s.sortedKeys)
		s.keysDirty = false
	}
	keys := s.sortedKeys
	startIdx := 0
	if opts.StartAfter != "" {
		startIdx = sort.Search(len(keys), func(i int) bool { return keys[i] > opts.StartAfter })
	}
	result := &storage.ListResult{}
	added := 0
	for idx := startIdx; idx < len(keys); idx++ {
		key := keys[idx]
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			if added > 0 {
				break
			}
			continue
		}
		entry := s.objs[key]
		size := entry.plaintext
		if size == 0 {
			size = int64(len(entry.payload))
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         entry.etag,
			Size:         size,
			LastModified: entry.updated,
			ContentType:  entry.contentType,
			Descriptor:   append([]byte(nil), entry.descriptor...),
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

// GetObject returns the payload for key if present, decrypting transparently
// when the store carries crypto material.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	entry, ok := s.objs[key]
	if !ok {
		s.mu.RUnlock()
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	payload := append([]byte(nil), entry.payload...)
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         entry.etag,
		Size:         int64(len(entry.payload)),
		LastModified: entry.updated,
		ContentType:  entry.contentType,
		Descriptor:   append([]byte(nil), entry.descriptor...),
	}
	if entry.plaintext > 0 {
		info.Size = entry.plaintext
	}
	s.mu.RUnlock()

	if s.crypto.Enabled() && len(info.Descriptor) > 0 {
		reader, err := s.crypto.DecryptObjectReader(bytes.NewReader(payload), storage.SnapshotContext(key), info.Descriptor)
		if err != nil {
			return storage.GetObjectResult{}, fmt.Errorf("memory: decrypt object %q: %w", key, err)
		}
		return storage.GetObjectResult{Reader: reader, Info: info}, nil
	}
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(payload)), Info: info}, nil
}

// PutObject stores or replaces the object for key depending on opts.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	plaintext, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	payload := plaintext
	var descriptor []byte
	contentType := opts.ContentType
	if s.crypto.Enabled() {
		payload, descriptor, err = s.crypto.EncryptObject(storage.SnapshotContext(key), plaintext)
		if err != nil {
			return nil, fmt.Errorf("memory: encrypt object %q: %w", key, err)
		}
		if contentType == "" || contentType == storage.ContentTypeOctetStream {
			contentType = storage.ContentTypeOctetStreamEncrypted
		}
	}
	s.mu.Lock()
	entry, exists := s.objs[key]
	switch {
	case opts.IfNotExists && exists:
		s.mu.Unlock()
		return nil, storage.ErrCASMismatch
	case opts.ExpectedETag != "":
		if !exists {
			s.mu.Unlock()
			return nil, storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			s.mu.Unlock()
			return nil, storage.ErrCASMismatch
		}
	}
	etag := uuid.NewString()
	now := time.Now().UTC()
	s.objs[key] = &objectEntry{
		payload:     payload,
		etag:        etag,
		contentType: contentType,
		updated:     now,
		descriptor:  descriptor,
		plaintext:   int64(len(plaintext)),
	}
	if !exists && !s.keysDirty {
		s.insertKeyLocked(key)
	}
	s.mu.Unlock()
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(plaintext)),
		LastModified: now,
		ContentType:  contentType,
		Descriptor:   append([]byte(nil), descriptor...),
	}, nil
}

// DeleteObject removes the object for key with optional CAS.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.objs[key]
	if !exists {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && entry.etag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.objs, key)
	if !s.keysDirty {
		s.removeKeyLocked(key)
	}
	return nil
}

// SubscribeRecordChanges implements storage.ChangeFeed for the in-memory
// backend.
func (s *Store) SubscribeRecordChanges(key string) (storage.ChangeSubscription, error) {
	if !s.watchEnabled {
		return nil, storage.ErrNotImplemented
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("memory: record key required")
	}
	sub := &recordSubscription{
		store:  s,
		key:    key,
		events: make(chan struct{}, 1),
	}
	s.watchMu.Lock()
	if s.watchers == nil {
		s.watchers = make(map[string]map[*recordSubscription]struct{})
	}
	watchers := s.watchers[key]
	if watchers == nil {
		watchers = make(map[*recordSubscription]struct{})
		s.watchers[key] = watchers
	}
	watchers[sub] = struct{}{}
	s.watchMu.Unlock()
	return sub, nil
}

func (s *Store) notifyRecordLocked(key string) {
	if !s.watchEnabled {
		return
	}
	s.watchMu.Lock()
	for sub := range s.watchers[key] {
		sub.signalLocked()
	}
	s.watchMu.Unlock()
}

func (s *Store) insertKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		return
	}
	s.sortedKeys = append(s.sortedKeys, "")
	copy(s.sortedKeys[idx+1:], s.sortedKeys[idx:])
	s.sortedKeys[idx] = key
}

func (s *Store) removeKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		s.sortedKeys = append(s.sortedKeys[:idx], s.sortedKeys[idx+1:]...)
	}
}

type recordSubscription struct {
	store  *Store
	key    string
	events chan struct{}
	closed bool // guarded by store.watchMu
}

func (s *recordSubscription) Events() <-chan struct{} {
	return s.events
}

// Close unregisters the subscription and closes the event channel under the
// same lock every signal send happens under, so a concurrent notification can
// never hit a closed channel.
func (s *recordSubscription) Close() error {
	st := s.store
	st.watchMu.Lock()
	defer st.watchMu.Unlock()
	if s.closed {
		return nil
	}
	if watchers, ok := st.watchers[s.key]; ok {
		delete(watchers, s)
		if len(watchers) == 0 {
			delete(st.watchers, s.key)
		}
	}
	s.closeLocked()
	return nil
}

func (s *recordSubscription) signalLocked() {
	if s.closed {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func (s *recordSubscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
