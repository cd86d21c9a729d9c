package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const reloadDebounce = 50 * time.Millisecond

// ConfigReloader reloads the configuration file on change or on SIGHUP and
// hands accepted configurations to a callback.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	sighup  chan os.Signal

	mu       sync.RWMutex
	current  *Config
	onReload func(old, new *Config) error

	stop     chan struct{}
	stopOnce sync.Once
}

// NewConfigReloader creates a reloader for the file at path. With an empty
// path only SIGHUP is handled, and a reload fails because there is nothing
// to read.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	if cfg == nil {
		return nil, fmt.Errorf("initial config is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: cfg,
		sighup:  make(chan os.Signal, 1),
		stop:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are noticed.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.sighup, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback sets the function called with the old and new config
// after a reload passes validation. A callback error rejects the reload.
func (r *ConfigReloader) SetOnReloadCallback(fn func(old, new *Config) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = fn
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := *r.current
	return &c
}

// Start runs the reload loop until Stop is called.
func (r *ConfigReloader) Start() {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	target := filepath.Clean(r.path)

	for {
		select {
		case <-r.stop:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.WithError(err).Warn("Config file watcher error")
		case <-fire:
			fire = nil
			r.reloadAndLog("file change")
		case <-r.sighup:
			r.reloadAndLog("SIGHUP")
		}
	}
}

// Stop ends the reload loop and releases the watcher and signal handler.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		signal.Stop(r.sighup)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reloadAndLog(trigger string) {
	if err := r.Reload(); err != nil {
		r.logger.WithError(err).WithField("trigger", trigger).Error("Config reload rejected")
		return
	}
	r.logger.WithField("trigger", trigger).Info("Config reloaded")
}

// Reload reads the file, validates it and applies it.
func (r *ConfigReloader) Reload() error {
	if r.path == "" {
		return fmt.Errorf("no config file to reload")
	}
	next, err := LoadConfig(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current
	if err := r.validateReloadSafety(old, next); err != nil {
		return err
	}
	if r.onReload != nil {
		if err := r.onReload(old, next); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}
	r.current = next
	return nil
}

// validateReloadSafety rejects changes that need a restart.
func (r *ConfigReloader) validateReloadSafety(old, next *Config) error {
	if old.KeyStore.Type != next.KeyStore.Type {
		return fmt.Errorf("key_store.type cannot be changed during hot reload")
	}
	if old.KeyStore.File != next.KeyStore.File {
		return fmt.Errorf("key_store.file cannot be changed during hot reload")
	}
	if old.KeyStore.SQL != next.KeyStore.SQL {
		return fmt.Errorf("key_store.sql cannot be changed during hot reload")
	}
	if old.KeyStore.S3 != next.KeyStore.S3 {
		return fmt.Errorf("key_store.s3 cannot be changed during hot reload")
	}
	if old.Secrets != next.Secrets {
		return fmt.Errorf("secrets cannot be changed during hot reload")
	}
	if old.KMIP != next.KMIP {
		return fmt.Errorf("kmip cannot be changed during hot reload")
	}
	if old.DEKCache != next.DEKCache {
		return fmt.Errorf("dek_cache cannot be changed during hot reload")
	}
	if old.TLS != next.TLS {
		return fmt.Errorf("tls cannot be changed during hot reload")
	}
	if old.ListenAddr != next.ListenAddr {
		return fmt.Errorf("listen_addr cannot be changed during hot reload")
	}
	return nil
}
