package config

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roelfdiedericks/meshclaw/internal/bus"
	. "github.com/roelfdiedericks/meshclaw/internal/logging"
)

// TopicApplied is published on the bus with the new *Config after a reload.
const TopicApplied = "config.applied"

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 250 * time.Millisecond

// Live holds the current configuration and is safe for concurrent use.
type Live struct {
	current atomic.Pointer[Config]
}

// NewLive wraps an initial configuration.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.current.Store(cfg)
	return l
}

// Get returns the current configuration. Callers must not mutate it.
func (l *Live) Get() *Config {
	return l.current.Load()
}

// Set replaces the current configuration.
func (l *Live) Set(cfg *Config) {
	l.current.Store(cfg)
}

// Watcher reloads the config file when it changes on disk
type Watcher struct {
	path    string
	live    *Live
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// NewWatcher creates a watcher for the given config file
func NewWatcher(path string, live *Live) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    path,
		live:    live,
		watcher: w,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. The directory is watched rather than the file
// because editors commonly replace the file via rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	L_info("config: watching for changes", "file", w.path)

	go w.watchLoop(ctx)
	return nil
}

// Stop stops watching
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	w.running = false
	L_debug("config: watcher stopped")
}

func (w *Watcher) watchLoop(ctx context.Context) {
	target := filepath.Base(w.path)
	var pending <-chan time.Time

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
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("config: watcher error", "error", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		L_error("config: reload failed, keeping previous config", "error", err)
		return
	}
	w.live.Set(cfg)
	L_info("config: reloaded", "path", w.path)
	bus.PublishEvent(TopicApplied, cfg)
}
