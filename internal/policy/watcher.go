package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ppiankov/chainseal/internal/logging"
)

// debounceDelay is how long the watcher waits after the last write
// before reloading.
const debounceDelay = 500 * time.Millisecond

// Watcher reloads a RuleAdapter when its policy file changes.
type Watcher struct {
	watcher *fsnotify.Watcher
	adapter *RuleAdapter
	path    string
	delay   time.Duration
	logger  *slog.Logger
	onLoad  func(error)
}

// NewWatcher watches the directory holding path, so editors that replace
// the file by rename are still seen.
func NewWatcher(adapter *RuleAdapter, path string, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("policy watcher: path is required")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("policy watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
	}
	return &Watcher{
		watcher: w,
		adapter: adapter,
		path:    filepath.Clean(path),
		delay:   debounceDelay,
		logger:  logging.OrDiscard(logger),
	}, nil
}

// OnReload registers a callback invoked after every reload attempt with
// its error (nil on success). Must be called before Run.
func (w *Watcher) OnReload(fn func(error)) {
	w.onLoad = fn
}

// Reload reads the policy file and swaps it in. On error the previous
// config stays active.
func (w *Watcher) Reload() error {
	cfg, hash, err := LoadConfigWithHash(w.path)
	if err != nil {
		return err
	}
	w.adapter.Swap(cfg, hash)
	return nil
}

// Run watches for changes and reloads. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(w.delay, func() {
					err := w.Reload()
					if err != nil {
						w.logger.Warn("policy reload failed, keeping previous policy", "path", w.path, "error", err)
					} else {
						w.logger.Info("policy reloaded", "path", w.path, "hash", w.adapter.Hash())
					}
					if w.onLoad != nil {
						w.onLoad(err)
					}
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}
