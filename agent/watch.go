package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-syncs the registry whenever the agent registry file changes.
type Watcher struct {
	path     string
	reg      Registry
	logger   *slog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	// onSync is called after every successful sync. Used by tests.
	onSync func([]Spec)
}

// NewWatcher watches path for changes. The parent directory is watched so
// that editors which replace the file on save are still picked up.
func NewWatcher(path string, reg Registry, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		reg:      reg,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		watcher:  fw,
	}, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(0)
	<-timer.C
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("agent registry watcher error", slog.Any("err", err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	specs, err := LoadSpecs(w.path)
	if err != nil {
		w.logger.Warn("agent registry reload failed", slog.String("path", w.path), slog.Any("err", err))
		return
	}
	if err := Sync(ctx, w.reg, specs); err != nil {
		w.logger.Warn("agent registry sync failed", slog.String("path", w.path), slog.Any("err", err))
		return
	}
	w.logger.Info("agent registry reloaded", slog.String("path", w.path), slog.Int("agents", len(specs)))
	if w.onSync != nil {
		w.onSync(specs)
	}
}
