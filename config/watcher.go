package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/goclaw/sagaflow/pkg/logger"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the configuration file when it changes and hands the new
// Config to the registered callbacks. The parent directory is watched, so
// editors that save by renaming a temp file over the original are seen too.
//
// Callbacks run one at a time on the watch goroutine, in registration order.
type Watcher struct {
	mu        sync.Mutex
	fs        *fsnotify.Watcher
	loader    *Loader
	path      string
	callbacks []func(*Config)
	debounce  time.Duration
	running   bool
	log       logger.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption is a functional option for Watcher configuration.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload failures.
func WithWatcherLogger(log logger.Logger) WatcherOption {
	return func(w *Watcher) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWatcher creates a watcher for configPath. The loader is reused for every
// reload.
func NewWatcher(configPath string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if configPath == "" {
		return nil, errors.New("config path is required for watching")
	}
	if loader == nil {
		loader = NewLoader()
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fs:       fsw,
		loader:   loader,
		path:     abs,
		debounce: defaultDebounce,
		stopCh:   make(chan struct{}),
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch blocks until ctx is done or Stop is called. It returns an error if the
// watcher is already running or the file's directory cannot be watched.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher is already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", w.path, err)
	}

	// nil until the first relevant event; a nil channel never fires
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-w.stopCh:
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", "error", err, "path", w.path)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

// reload loads the file and runs the callbacks. A file that fails to load or
// validate is logged and the previous configuration stays in effect.
func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path, nil)
	if err != nil {
		w.log.Error("failed to reload config", "error", err, "path", w.path)
		return
	}

	w.mu.Lock()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.log.Info("config reloaded", "path", w.path, "callbacks", len(callbacks))
	for _, cb := range callbacks {
		w.run(cb, cfg)
	}
}

func (w *Watcher) run(cb func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("config callback panic", "panic", r)
		}
	}()
	cb(cfg)
}

// OnChange registers a callback for reloaded configurations.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Stop ends Watch and releases the fsnotify watcher. It is safe to call more
// than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fs.Close()
	})
	return err
}

// IsRunning reports whether Watch is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// ConfigPath returns the absolute path being watched.
func (w *Watcher) ConfigPath() string {
	return w.path
}

// HotReloadableConfig holds the settings a running daemon may pick up from a
// reloaded file.
type HotReloadableConfig struct {
	LogLevel              string
	LogFormat             string
	AutoRecovery          bool
	RecoveryCheckInterval time.Duration
	CompensationStrategy  string
	MetricsEnabled        bool
}

// ExtractHotReloadable extracts hot-reloadable values from Config.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:              cfg.Log.Level,
		LogFormat:             cfg.Log.Format,
		AutoRecovery:          cfg.Engine.AutoRecovery,
		RecoveryCheckInterval: cfg.Engine.RecoveryCheckInterval,
		CompensationStrategy:  cfg.Compensation.Strategy,
		MetricsEnabled:        cfg.Metrics.Enabled,
	}
}

// Changed reports whether any hot-reloadable value differs.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h != other
}

// NeedsRestart reports whether other differs from h in a setting that only
// takes effect on restart. The log level is the one live setting.
func (h HotReloadableConfig) NeedsRestart(other HotReloadableConfig) bool {
	other.LogLevel = h.LogLevel
	return h != other
}
