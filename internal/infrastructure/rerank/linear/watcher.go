package linear

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates the loader's digest cache when the artifact file is
// written, replaced or removed. It watches the parent directory so atomic
// rename-into-place updates are seen.
type Watcher struct {
	loader  *Loader
	key     string
	target  string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

func NewWatcher(loader *Loader, key string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create model watcher: %w", err)
	}
	target := loader.store.Resolve(key)
	if err := w.Add(filepath.Dir(target)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	return &Watcher{loader: loader, key: key, target: target, watcher: w, logger: logger}, nil
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rerank_model_watch_error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.target {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	w.loader.Invalidate(w.key)
	w.logger.Info("rerank_model_changed", "path", w.key, "op", event.Op.String())
}
