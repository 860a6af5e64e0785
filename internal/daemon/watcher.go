package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/imq/internal/config"
	"git.home.luguber.info/inful/imq/internal/events"
	"git.home.luguber.info/inful/imq/internal/logfields"
	"git.home.luguber.info/inful/imq/internal/store"
)

// checkWatchDebounce coalesces the rapid write bursts editors produce.
const checkWatchDebounce = 2 * time.Second

// CheckWatcher reloads the check set when the configured check file changes
// on disk, applying it to the runtime configuration and the persisted row.
type CheckWatcher struct {
	path    string
	store   *store.Store
	runtime *config.Runtime
	hub     *events.Hub
	logger  *slog.Logger

	watcher  *fsnotify.Watcher
	debounce time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewCheckWatcher builds a watcher over the directory containing path.
// Watching the directory instead of the file survives editors that replace
// the file via rename.
func NewCheckWatcher(path string, st *store.Store, rt *config.Runtime, hub *events.Hub, logger *slog.Logger) (*CheckWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving check file path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &CheckWatcher{
		path:     abs,
		store:    st,
		runtime:  rt,
		hub:      hub,
		logger:   logger,
		watcher:  watcher,
		debounce: checkWatchDebounce,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the watch loop.
func (w *CheckWatcher) Start(ctx context.Context) {
	w.logger.Info("watching check file", slog.String("path", w.path))
	go w.loop(ctx)
}

// Stop terminates the watch loop and closes the underlying watcher.
func (w *CheckWatcher) Stop() {
	close(w.stop)
	_ = w.watcher.Close()
	<-w.done
}

func (w *CheckWatcher) loop(ctx context.Context) {
	defer close(w.done)

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("check file watcher error", logfields.Error(err))
		}
	}
}

// reload parses the file and, if valid, swaps the check set into the runtime
// configuration, persists it and broadcasts the change. A broken file leaves
// the previous set in effect.
func (w *CheckWatcher) reload() {
	checkCfg, err := config.LoadCheckFile(w.path)
	if err != nil {
		w.logger.Error("reloading check file", slog.String("path", w.path), logfields.Error(err))
		return
	}

	sys := w.runtime.Update(func(s *config.System) {
		s.Checks = checkCfg
		s.UpdatedAt = time.Now().UTC()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.PutSystem(ctx, &sys); err != nil {
		w.logger.Error("persisting reloaded check set", logfields.Error(err))
	}
	w.hub.Publish(events.TypeConfigUpdated, sys)

	w.logger.Info("check set reloaded",
		slog.String("path", w.path),
		slog.Int("checks", len(checkCfg.Checks)))
}
