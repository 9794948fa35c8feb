package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the config file when it changes on disk. Edits are
// debounced so editors that write in several syscalls trigger one
// reload.
type Watcher struct {
	logger  *zap.Logger
	path    string
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []func(*Config)
	running   bool
	timer     *time.Timer
	debounce  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(logger *zap.Logger, configPath string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		logger:   logger,
		path:     configPath,
		watcher:  fw,
		debounce: time.Second,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins watching. onChange receives the freshly loaded config;
// a file that fails to reload keeps the previous config in effect.
func (w *Watcher) Start(onChange func(*Config)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if onChange != nil {
		w.callbacks = append(w.callbacks, onChange)
	}

	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch file %s: %w", w.path, err)
	}

	// Watch the directory too so atomic-rename saves are seen.
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("failed to watch config directory",
			zap.String("dir", dir),
			zap.Error(err),
		)
	}

	w.running = true
	go w.handleEvents()

	w.logger.Info("config watcher started", zap.String("path", w.path))
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	w.cancel()
	w.watcher.Close()
	w.running = false

	if w.timer != nil {
		w.timer.Stop()
	}

	w.logger.Info("config watcher stopped")
}

// SetDebounce overrides the reload debounce period.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

func (w *Watcher) handleEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}

			switch {
			case event.Op&fsnotify.Write == fsnotify.Write:
				w.scheduleReload()
			case event.Op&fsnotify.Create == fsnotify.Create:
				// Recreated after a rename or delete.
				w.watcher.Add(w.path)
				w.scheduleReload()
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				w.logger.Warn("config file removed", zap.String("path", event.Name))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.debounce, func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Error("config reload failed, keeping previous config",
				zap.String("path", w.path),
				zap.Error(err),
			)
			return
		}

		w.mu.Lock()
		callbacks := make([]func(*Config), len(w.callbacks))
		copy(callbacks, w.callbacks)
		w.mu.Unlock()

		w.logger.Info("configuration reloaded", zap.String("path", w.path))
		for _, cb := range callbacks {
			cb(cfg)
		}
	})
}
