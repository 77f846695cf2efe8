package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// selfWriteTTL bounds how long a self-write marker can suppress a reload.
// Past it, any event is treated as a foreign edit. Biasing toward accepting
// edits means the worst case is one redundant reload, never a lost one.
const selfWriteTTL = 5 * time.Second

// watcher keeps the pool in sync with the on-disk credentials document.
// It watches the parent directory rather than the file itself: editors and
// the atomic-write path replace the file by rename, which would silently
// detach a watch on the old inode.
type watcher struct {
	path     string
	debounce time.Duration
	store    *credentialsStore
	pool     *pool
	metrics  *metrics
	log      zerolog.Logger

	fsw *fsnotify.Watcher

	mu          sync.Mutex
	timer       *time.Timer
	selfHash    docHash
	selfHashSet bool
	selfHashAt  time.Time

	wg sync.WaitGroup
}

func newWatcher(path string, debounce time.Duration, store *credentialsStore, p *pool, log zerolog.Logger) *watcher {
	return &watcher{
		path:     path,
		debounce: debounce,
		store:    store,
		pool:     p,
		log:      log.With().Str("component", "watcher").Logger(),
	}
}

func (w *watcher) start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.loop()
	w.log.Info().Str("path", w.path).Dur("debounce", w.debounce).Msg("watching credentials document")
	return nil
}

func (w *watcher) close() {
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

// markSelfWrite records the content hash of a document the proxy just wrote,
// so the fs event it causes does not bounce back into a reload.
func (w *watcher) markSelfWrite(h docHash) {
	w.mu.Lock()
	w.selfHash = h
	w.selfHashSet = true
	w.selfHashAt = time.Now()
	w.mu.Unlock()
}

func (w *watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *watcher) relevant(event fsnotify.Event) bool {
	if event.Op&fsnotify.Chmod == fsnotify.Chmod {
		return false
	}
	return filepath.Base(event.Name) == filepath.Base(w.path)
}

// scheduleReload debounces bursts of events (editors fire several per save)
// into one reload attempt.
func (w *watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

// reload loads the document and applies it to the pool. A failed load leaves
// the pool untouched; a load matching a recent self-write is dropped.
func (w *watcher) reload() {
	records, hash, err := w.store.Load()
	if err != nil {
		w.log.Warn().Err(err).Msg("credentials reload failed; pool unchanged")
		return
	}

	w.mu.Lock()
	if w.selfHashSet && hash == w.selfHash && time.Since(w.selfHashAt) < selfWriteTTL {
		w.selfHashSet = false
		w.mu.Unlock()
		w.log.Debug().Msg("own credentials write detected; reload suppressed")
		return
	}
	w.selfHashSet = false
	w.mu.Unlock()

	w.pool.applyReload(records)
	w.metrics.observeReload()
}
