package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileReloadDebounce = 50 * time.Millisecond

// FileStore serves keys from a YAML catalog on disk and can follow changes
// to the file.
type FileStore struct {
	*Memory

	path string
	opts options

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFileStore loads the catalog at path. It fails if the file is missing
// or invalid.
func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c, err := readCatalogFile(path)
	if err != nil {
		return nil, err
	}
	mem, err := NewMemory(c)
	if err != nil {
		return nil, fmt.Errorf("invalid key catalog %s: %w", path, err)
	}
	return &FileStore{
		Memory: mem,
		path:   path,
		opts:   o,
		done:   make(chan struct{}),
	}, nil
}

func readCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Reload re-reads the file. On failure the previous keys stay in place.
func (s *FileStore) Reload() error {
	c, err := readCatalogFile(s.path)
	return s.opts.swap("file", s.Memory, c, err)
}

// Watch starts following the file. Close stops it.
func (s *FileStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch key catalog directory: %w", err)
	}
	s.watcher = watcher
	s.wg.Add(1)
	go s.watch()
	return nil
}

func (s *FileStore) watch() {
	defer s.wg.Done()

	target := filepath.Clean(s.path)
	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-s.done:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(fileReloadDebounce)
			} else {
				debounce.Reset(fileReloadDebounce)
			}
			fire = debounce.C
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.opts.logger.WithError(err).Warn("Key catalog watcher error")
		case <-fire:
			fire = nil
			_ = s.Reload()
		}
	}
}

// Close stops watching. It is safe to call without Watch.
func (s *FileStore) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
		s.wg.Wait()
	})
	return err
}
