// Package statesync mirrors a local working directory into the object store
// and back. Pull runs once per acquisition before any traffic is served; Push
// runs on a fixed interval while the lease is held and once more, time-boxed,
// during shutdown. A path manifest keyed by content hash keeps periodic
// pushes incremental.
package statesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/warden/internal/clock"
	"pkt.systems/warden/internal/storage"
)

const listPageSize = 1000

// DefaultInterval is the default cadence for periodic pushes.
const DefaultInterval = 60 * time.Second

// entry records what the syncer last saw for one path.
type entry struct {
	Size   int64
	SHA256 string
	ETag   string
}

// Stats summarizes one sync round.
type Stats struct {
	Transferred int
	Skipped     int
	Pruned      int
	Bytes       int64
}

// Config configures a Syncer.
type Config struct {
	Backend storage.Backend
	// LocalDir is the local working directory mirrored to the store.
	LocalDir string
	// Prefix namespaces the snapshot within the backend's object keyspace.
	Prefix string
	// Interval is the periodic push cadence, DefaultInterval when unset.
	Interval time.Duration
	Logger   pslog.Logger
	Clock    clock.Clock
	// OnPush fires after every periodic push driven by Run. Optional
	// instrumentation point; direct Pull/Push calls report stats themselves.
	OnPush func(Stats, error)
}

// Syncer copies state between LocalDir and the backend. All rounds are
// serialized: an interval tick that fires while a push is still running waits
// for it instead of overlapping.
type Syncer struct {
	backend  storage.Backend
	localDir string
	prefix   string
	interval time.Duration
	logger   pslog.Logger
	clock    clock.Clock
	onPush   func(Stats, error)

	mu       sync.Mutex
	manifest map[string]entry
}

// New validates cfg and returns a Syncer.
func New(cfg Config) (*Syncer, error) {
	if cfg.Backend == nil {
		return nil, errors.New("statesync: backend is required")
	}
	if cfg.LocalDir == "" {
		return nil, errors.New("statesync: local dir is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Syncer{
		backend:  cfg.Backend,
		localDir: cfg.LocalDir,
		prefix:   prefix,
		interval: interval,
		logger:   logger.With("sys", "statesync"),
		clock:    clk,
		onPush:   cfg.OnPush,
		manifest: make(map[string]entry),
	}, nil
}

// Interval returns the effective push cadence.
func (s *Syncer) Interval() time.Duration { return s.interval }

func (s *Syncer) remoteKey(rel string) string {
	return s.prefix + rel
}

func (s *Syncer) relFromKey(key string) (string, bool) {
	if s.prefix == "" {
		return key, key != ""
	}
	rel := strings.TrimPrefix(key, s.prefix)
	if rel == key || rel == "" {
		return "", false
	}
	return rel, true
}

// Pull replaces the local working directory with the durable snapshot. Local
// files not present remotely are pruned so a new holder never serves from a
// previous process's leftovers. Any failure leaves the caller obliged to
// treat the acquisition as failed.
func (s *Syncer) Pull(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	begin := s.clock.Now()
	s.logger.Info("sync.pull.begin", "prefix", s.prefix)

	remote, err := s.listRemote(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("statesync: list remote: %w", err)
	}
	if err := os.MkdirAll(s.localDir, 0o755); err != nil {
		return Stats{}, fmt.Errorf("statesync: create local dir: %w", err)
	}

	var stats Stats
	manifest := make(map[string]entry, len(remote))
	for _, info := range remote {
		rel, ok := s.relFromKey(info.Key)
		if !ok {
			continue
		}
		ent, n, err := s.download(ctx, info, rel)
		if err != nil {
			return stats, fmt.Errorf("statesync: pull %s: %w", rel, err)
		}
		manifest[rel] = ent
		stats.Transferred++
		stats.Bytes += n
	}

	pruned, err := s.pruneLocal(manifest)
	if err != nil {
		return stats, err
	}
	stats.Pruned = pruned
	s.manifest = manifest

	s.logger.Info("sync.pull.done",
		"files", stats.Transferred,
		"bytes", stats.Bytes,
		"pruned", stats.Pruned,
		"elapsed", time.Since(begin),
	)
	return stats, nil
}

// Push uploads local files whose content hash differs from the manifest and
// prunes remote objects with no local counterpart.
func (s *Syncer) Push(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushLocked(ctx)
}

func (s *Syncer) pushLocked(ctx context.Context) (Stats, error) {
	begin := s.clock.Now()
	var stats Stats

	local, err := s.scanLocal()
	if err != nil {
		return stats, err
	}
	for _, rel := range sortedKeys(local) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		sum := local[rel]
		prev, seen := s.manifest[rel]
		if seen && prev.SHA256 == sum.SHA256 && prev.Size == sum.Size {
			stats.Skipped++
			continue
		}
		ent, n, err := s.upload(ctx, rel, sum)
		if err != nil {
			return stats, fmt.Errorf("statesync: push %s: %w", rel, err)
		}
		s.manifest[rel] = ent
		stats.Transferred++
		stats.Bytes += n
	}

	// Prune remote orphans: manifest entries and remote objects that no
	// longer exist locally.
	remote, err := s.listRemote(ctx)
	if err != nil {
		return stats, fmt.Errorf("statesync: list remote: %w", err)
	}
	for _, info := range remote {
		rel, ok := s.relFromKey(info.Key)
		if !ok {
			continue
		}
		if _, exists := local[rel]; exists {
			continue
		}
		if err := s.backend.DeleteObject(ctx, info.Key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
			return stats, fmt.Errorf("statesync: prune %s: %w", rel, err)
		}
		delete(s.manifest, rel)
		stats.Pruned++
	}

	s.logger.Debug("sync.push.done",
		"uploaded", stats.Transferred,
		"skipped", stats.Skipped,
		"pruned", stats.Pruned,
		"bytes", stats.Bytes,
		"elapsed", time.Since(begin),
	)
	return stats, nil
}

// PushFinal is the shutdown push. It is bounded by ctx's deadline; on timeout
// the partial push is abandoned and the error reported, leaving the last
// periodic push as the surviving snapshot.
func (s *Syncer) PushFinal(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("sync.push_final.begin")
	stats, err := s.pushLocked(ctx)
	if err != nil {
		s.logger.Warn("sync.push_final.failed", "error", err)
		return stats, err
	}
	s.logger.Info("sync.push_final.done", "uploaded", stats.Transferred, "bytes", stats.Bytes)
	return stats, nil
}

// Run pushes on the configured interval until ctx is cancelled. Push failures
// are logged and deferred to the next tick; the local copy stays
// authoritative until then.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.interval):
		}
		stats, err := s.Push(ctx)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if s.onPush != nil {
			s.onPush(stats, err)
		}
		if err != nil {
			s.logger.Warn("sync.push.failed", "error", err)
		}
	}
}

func (s *Syncer) listRemote(ctx context.Context) ([]storage.ObjectInfo, error) {
	var out []storage.ObjectInfo
	opts := storage.ListOptions{Prefix: s.prefix, Limit: listPageSize}
	for {
		page, err := s.backend.ListObjects(ctx, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if !page.Truncated {
			return out, nil
		}
		opts.StartAfter = page.NextStartAfter
	}
}

func (s *Syncer) download(ctx context.Context, info storage.ObjectInfo, rel string) (entry, int64, error) {
	res, err := s.backend.GetObject(ctx, info.Key)
	if err != nil {
		return entry{}, 0, err
	}
	defer res.Reader.Close()

	target := filepath.Join(s.localDir, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, filepath.Clean(s.localDir)+string(os.PathSeparator)) {
		return entry{}, 0, fmt.Errorf("key %q escapes local dir", info.Key)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return entry{}, 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".warden-pull-*")
	if err != nil {
		return entry{}, 0, err
	}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), res.Reader)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return entry{}, 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return entry{}, 0, err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return entry{}, 0, err
	}
	etag := ""
	if res.Info != nil {
		etag = res.Info.ETag
	}
	return entry{Size: n, SHA256: hex.EncodeToString(hasher.Sum(nil)), ETag: etag}, n, nil
}

func (s *Syncer) upload(ctx context.Context, rel string, sum entry) (entry, int64, error) {
	f, err := os.Open(filepath.Join(s.localDir, filepath.FromSlash(rel)))
	if err != nil {
		return entry{}, 0, err
	}
	defer f.Close()
	info, err := s.backend.PutObject(ctx, s.remoteKey(rel), f, storage.PutObjectOptions{})
	if err != nil {
		return entry{}, 0, err
	}
	out := entry{Size: sum.Size, SHA256: sum.SHA256}
	if info != nil {
		out.ETag = info.ETag
	}
	return out, sum.Size, nil
}

// scanLocal hashes every regular file under the local dir, keyed by
// slash-separated relative path.
func (s *Syncer) scanLocal() (map[string]entry, error) {
	out := make(map[string]entry)
	err := filepath.WalkDir(s.localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == s.localDir {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.localDir, p)
		if err != nil {
			return err
		}
		ent, err := hashFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = ent
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("statesync: scan local: %w", err)
	}
	return out, nil
}

func (s *Syncer) pruneLocal(keep map[string]entry) (int, error) {
	pruned := 0
	err := filepath.WalkDir(s.localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.localDir, p)
		if err != nil {
			return err
		}
		if _, ok := keep[filepath.ToSlash(rel)]; ok {
			return nil
		}
		if err := os.Remove(p); err != nil {
			return err
		}
		pruned++
		return nil
	})
	if err != nil {
		return pruned, fmt.Errorf("statesync: prune local: %w", err)
	}
	return pruned, nil
}

func hashFile(p string) (entry, error) {
	f, err := os.Open(p)
	if err != nil {
		return entry{}, err
	}
	defer f.Close()
	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return entry{}, err
	}
	return entry{Size: n, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
}

func sortedKeys(m map[string]entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
