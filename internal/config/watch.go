package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/nexus/internal/logging"
)

// ReloadFunc receives the result of reloading a watched file. Exactly one
// of cfg and err is non-nil.
type ReloadFunc func(cfg *Config, err error)

// WatchOption configures Watch.
type WatchOption func(*watchConfig)

type watchConfig struct {
	debounce time.Duration
	logger   logging.Logger
}

// WithDebounce sets how long Watch waits for a burst of writes to settle
// before reloading.
func WithDebounce(d time.Duration) WatchOption {
	return func(c *watchConfig) {
		if d >= 0 {
			c.debounce = d
		}
	}
}

// WithWatchLogger sets the logger used by Watch.
func WithWatchLogger(l logging.Logger) WatchOption {
	return func(c *watchConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Watch reloads the file at path with Load whenever it is written or
// created, and passes the result to fn. It watches the parent directory so
// that editors replacing the file are noticed. Watch blocks until ctx is
// done.
func Watch(ctx context.Context, path string, fn ReloadFunc, opts ...WatchOption) error {
	cfg := watchConfig{
		debounce: 100 * time.Millisecond,
		logger:   logging.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := logging.WithComponent(cfg.logger, "config")

	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(absPath), err)
	}
	logger.Debug("watching config file", "path", absPath)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != absPath {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(cfg.debounce)

		case <-timer.C:
			reloaded, err := Load(absPath)
			if err != nil {
				logger.Warn("config reload failed", "path", absPath, "error", err)
				fn(nil, err)
				continue
			}
			logger.Info("config reloaded", "path", absPath)
			fn(reloaded, nil)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
