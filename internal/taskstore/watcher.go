package taskstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"overseer/internal/logging"
)

// Watcher reloads the store when another process rewrites tasks.json. Events
// are debounced because editors and atomic renames produce bursts.
type Watcher struct {
	store    *Store
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu        sync.Mutex
	pending   map[string]*time.Timer
	stats     WatcherStats
	cancel    context.CancelFunc
	done      chan struct{}
}

// WatcherStats counts watcher activity.
type WatcherStats struct {
	EventsSeen    int64
	Reloads       int64
	ReloadErrors  int64
	LastReloadAt  time.Time
}

// NewWatcher builds a watcher over the store's task file. Call Start to begin
// receiving events.
func NewWatcher(store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: atomic rename replaces the file inode, and a watch
	// on the old inode would go stale after the first save.
	if err := fsw.Add(filepath.Dir(store.path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch task directory: %w", err)
	}
	return &Watcher{
		store:    store,
		fsw:      fsw,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)
	logging.Tasks("task file watcher started: %s", w.store.path)
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	target := filepath.Clean(w.store.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.stats.EventsSeen++
			if timer, exists := w.pending[event.Name]; exists {
				timer.Stop()
			}
			w.pending[event.Name] = time.AfterFunc(w.debounce, func() {
				w.fire(event.Name)
			})
			w.mu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryTasks).Warn("watcher error: %v", err)
		}
	}
}

// fire performs the debounced reload.
func (w *Watcher) fire(name string) {
	w.mu.Lock()
	delete(w.pending, name)
	w.mu.Unlock()

	if err := w.store.Reload(); err != nil {
		w.mu.Lock()
		w.stats.ReloadErrors++
		w.mu.Unlock()
		logging.Get(logging.CategoryTasks).Warn("reload after file change failed: %v", err)
		return
	}
	w.mu.Lock()
	w.stats.Reloads++
	w.stats.LastReloadAt = time.Now().UTC()
	w.mu.Unlock()
	w.store.events.Emit("tasks:reloaded", map[string]interface{}{"path": w.store.path})
	logging.TasksDebug("task file reloaded after external change")
}

// Stats returns a snapshot of watcher counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Stop halts the loop and releases the underlying watcher.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		w.fsw.Close()
		return
	}
	w.cancel()
	w.mu.Lock()
	for name, timer := range w.pending {
		timer.Stop()
		delete(w.pending, name)
	}
	w.mu.Unlock()
	w.fsw.Close()
	<-w.done
	logging.Tasks("task file watcher stopped")
}
