package seed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher re-applies a seed directory whenever a seed file in it is written
// or created.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	apply    func(ctx context.Context, files []File) error
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher watches dir. apply receives the freshly loaded directory after
// each burst of changes.
func NewWatcher(dir string, apply func(ctx context.Context, files []File) error, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("seed: create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("seed: watch %s: %w", dir, err)
	}
	return &Watcher{watcher: w, dir: dir, apply: apply, logger: logger, debounce: defaultDebounce}, nil
}

// Run blocks until ctx is cancelled, reloading after changes settle for
// the debounce interval.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !isSeedFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}

		case <-timer.C:
			w.reload(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("seed: watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	files, err := LoadDir(w.dir)
	if err != nil {
		w.logger.Error("seed: reload failed", "dir", w.dir, "error", err)
		return
	}
	if err := w.apply(ctx, files); err != nil {
		w.logger.Error("seed: apply failed", "dir", w.dir, "error", err)
		return
	}
	w.logger.Info("seed: directory reapplied", "dir", w.dir, "files", len(files))
}
