package freerouter

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// configReloadDebounce: short enough to feel instant, long enough to
// coalesce an editor's write+rename pair into one reload.
const configReloadDebounce = 150 * time.Millisecond

// ConfigWatcher watches a resolved config file path and debounces fsnotify
// events into a reload callback. The /reload-config endpoint remains the
// primary reload surface; a ConfigWatcher is simply another caller of the
// same reload path.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	logger  *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped chan struct{}
}

// NewConfigWatcher creates a watcher on path. If logger is nil,
// slog.Default() is used.
func NewConfigWatcher(path string, logger *slog.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the containing directory rather than the file itself: editors
	// commonly replace a file via rename-over, which drops the original
	// inode's watch.
	dir := parentDir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &ConfigWatcher{watcher: w, path: path, logger: logger, stopped: make(chan struct{})}, nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Watch blocks, debouncing filesystem events on the watched path into a
// call to onReload, until Stop is called. Errors from onReload are logged,
// never returned: a bad edit shouldn't kill the watcher.
func (w *ConfigWatcher) Watch(onReload func() error) {
	for {
		select {
		case <-w.stopped:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.debounce(onReload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *ConfigWatcher) relevant(ev fsnotify.Event) bool {
	if ev.Name != w.path {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *ConfigWatcher) debounce(onReload func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(configReloadDebounce, func() {
		if _, err := os.Stat(w.path); err != nil {
			return
		}
		if err := onReload(); err != nil {
			w.logger.Error("config reload failed", "path", w.path, "error", err)
			return
		}
		w.logger.Info("config reloaded from file watch", "path", w.path)
	})
}

// Stop stops the watcher and releases the underlying fsnotify handle.
func (w *ConfigWatcher) Stop() error {
	select {
	case <-w.stopped:
	default:
		close(w.stopped)
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
