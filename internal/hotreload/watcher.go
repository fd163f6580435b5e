// Package hotreload applies steering policy changes from the config file
// without restarting the daemon.
package hotreload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/eventbus"
	"github.com/jordanhubbard/steerloop/internal/steering"
	"github.com/jordanhubbard/steerloop/pkg/config"
)

var ErrNoPath = errors.New("hot reload: config path is required")

// Target receives reloaded steering policy. *steering.Loop satisfies it.
type Target interface {
	UpdateConfig(steering.Config) error
}

// Config configures a Watcher.
type Config struct {
	Path     string
	Debounce time.Duration
	Target   Target
	EventBus *eventbus.EventBus
	Logger   *zap.Logger
}

// Watcher watches one config file. Editors often replace files by rename, so
// the parent directory is watched and events are filtered by name.
type Watcher struct {
	path     string
	debounce time.Duration
	target   Target
	eventBus *eventbus.EventBus
	logger   *zap.Logger
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	applied steering.Config
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a watcher. applied is the policy currently in effect; reloads
// that produce the same policy are not re-applied.
func New(cfg Config, applied steering.Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, ErrNoPath
	}
	if cfg.Target == nil {
		return nil, errors.New("hot reload: target is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		debounce: cfg.Debounce,
		target:   cfg.Target,
		eventBus: cfg.EventBus,
		logger:   cfg.Logger.Named("hotreload"),
		watcher:  fw,
		applied:  applied,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching in the background.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.running = true
	go w.run(ctx)
	w.logger.Info("Watching config file", zap.String("path", w.path), zap.Duration("debounce", w.debounce))
	return nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

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
			if !w.relevant(event) {
				continue
			}
			// Saves arrive as bursts of write/create/rename events.
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			pending = timer.C
		case <-pending:
			pending = nil
			if _, err := w.Reload(); err != nil {
				w.logger.Warn("Config reload failed; keeping current policy", zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// Reload reads the file and applies its steering section. It reports whether
// the policy changed. Also used for SIGHUP.
func (w *Watcher) Reload() (bool, error) {
	cfg, err := config.LoadConfigFromFile(w.path)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", w.path, err)
	}
	next := cfg.Steering.ToLoop()

	w.mu.Lock()
	defer w.mu.Unlock()
	if next == w.applied {
		w.logger.Debug("Config file changed but steering policy did not")
		return false, nil
	}
	if err := w.target.UpdateConfig(next); err != nil {
		return false, err
	}
	w.applied = next

	if w.eventBus != nil {
		_ = w.eventBus.Publish(&eventbus.Event{
			Type:   eventbus.EventTypeConfigUpdated,
			Source: "hotreload",
			Data: map[string]interface{}{
				"path":                       w.path,
				"ask_predict_timeout_ms":     next.AskPredictTimeout.Milliseconds(),
				"redirect_grace_period_ms":   next.RedirectGracePeriod.Milliseconds(),
				"max_concurrent_predictions": next.MaxConcurrentPredictions,
				"use_sovereignty_timeouts":   next.UseSovereigntyTimeouts,
			},
		})
	}
	w.logger.Info("Steering policy reloaded", zap.String("path", w.path))
	return true, nil
}
