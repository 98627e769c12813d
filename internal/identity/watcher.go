package identity

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"muse/internal/logging"
)

// =============================================================================
// DOCUMENT WATCHER
// =============================================================================

// Watcher reloads identity documents when they are edited externally, so
// long-running sessions pick up manual tweaks without a restart. Rapid
// editor save bursts are debounced.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	store       *Store
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher over the store's workspace directory.
func NewWatcher(store *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		store:       store,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching; non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.store.dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Identity("Watching identity documents in %s", w.store.dir)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to drain.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if !isCanonical(name) {
				continue
			}
			if w.debounced(name) {
				continue
			}
			logging.IdentityDebug("External change to %s, reloading", name)
			w.store.reload(name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.IdentityDebug("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) debounced(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if last, ok := w.debounceMap[name]; ok && now.Sub(last) < w.debounceDur {
		return true
	}
	w.debounceMap[name] = now
	return false
}

func isCanonical(name string) bool {
	for _, c := range canonicalDocs {
		if name == c {
			return true
		}
	}
	return false
}

// reload replaces the cached document from disk, keeping the in-memory
// awakening counter.
func (s *Store) reload(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	awakening := ""
	if name == DocIdentity {
		awakening = s.docs[DocIdentity].Get("awakening_count")
	}
	doc := s.loadOrRecover(name)
	if name == DocIdentity && awakening != "" {
		doc.Set("awakening_count", awakening)
	}
	s.docs[name] = doc
}
