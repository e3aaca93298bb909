package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Watcher loads a GlobalConfig from a YAML file and keeps it current by
// watching the file for writes, the way a hot-reloadable deployment
// expects to pick up new delegation rules or tuning constants without a
// restart.
type Watcher struct {
	path string

	mu        sync.RWMutex
	current   *GlobalConfig
	watcher   *fsnotify.Watcher
	listeners []func(*GlobalConfig)

	closeOnce sync.Once
	done      chan struct{}
}

// Load reads and validates the config file at path, starting a filesystem
// watch that reloads and re-validates on every write. A reload that fails
// to read, parse or validate is dropped without notice: the previous
// valid configuration stays in effect and subscribers are not called.
func Load(path string) (*Watcher, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}

	w := &Watcher{path: path, current: cfg, watcher: fsw, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func readFile(path string) (*GlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get returns the current validated configuration snapshot. Components
// must treat the returned value as immutable and re-call Get (or react to
// Subscribe) rather than cache it across a tick.
func (w *Watcher) Get() *GlobalConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe registers fn to be called with every successfully reloaded
// configuration, including an immediate call with the currently loaded
// one.
func (w *Watcher) Subscribe(fn func(*GlobalConfig)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	current := w.current
	w.mu.Unlock()
	fn(current)
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := readFile(w.path)
	if err != nil {
		// Keep serving the last good configuration; a malformed edit
		// mid-write is common and should not interrupt the service.
		return
	}

	w.mu.Lock()
	w.current = cfg
	listeners := append([]func(*GlobalConfig){}, w.listeners...)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

// Save persists cfg to the watched file, used when the TLS (re-)issues
// this service's identity (see internal/tlsclient) and the assigned
// id/token must survive a restart. The in-memory snapshot is updated and
// listeners are notified synchronously, so callers observe the saved
// configuration immediately rather than after the filesystem watch fires.
func (w *Watcher) Save(cfg *GlobalConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := os.WriteFile(w.path, data, 0o600); err != nil {
		return fmt.Errorf("config: writing %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.current = cfg
	listeners := append([]func(*GlobalConfig){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Close stops the filesystem watch.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
