package disk

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/warden/internal/storage"
)

// SubscribeRecordChanges registers a filesystem watcher for lock record
// changes. Only events touching the record's own files produce a signal.
func (s *Store) SubscribeRecordChanges(key string) (storage.ChangeSubscription, error) {
	if !s.watchEnabled {
		return nil, storage.ErrNotImplemented
	}
	encoded, err := s.encodeKey(key)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create record watcher: %w", err)
	}
	if err := watcher.Add(s.recordDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch record directory %q: %w", s.recordDir, err)
	}
	sub := &recordChangeSubscription{
		watcher:  watcher,
		infoPath: s.recordInfoPath(encoded),
		dataPath: s.recordDataPath(encoded),
		events:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type recordChangeSubscription struct {
	watcher  *fsnotify.Watcher
	infoPath string
	dataPath string
	events   chan struct{}
	stop     chan struct{}
	once     sync.Once
}

func (r *recordChangeSubscription) Events() <-chan struct{} {
	return r.events
}

func (r *recordChangeSubscription) Close() error {
	r.once.Do(func() {
		close(r.stop)
		r.watcher.Close()
	})
	return nil
}

func (r *recordChangeSubscription) run() {
	defer close(r.events)
	for {
		select {
		case <-r.stop:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if name == r.infoPath || name == r.dataPath {
				r.signal()
			}
		case <-r.watcher.Errors:
			r.signal()
		}
	}
}

func (r *recordChangeSubscription) signal() {
	select {
	case r.events <- struct{}{}:
	default:
	}
}
