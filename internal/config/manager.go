package config

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Manager holds the live configuration and hot-reloads it when the backing
// file changes on disk.
type Manager struct {
	mu        sync.RWMutex
	path      string
	current   *Config
	watcher   *fsnotify.Watcher
	logger    *slog.Logger
	onReload  []func(*Config)
	closeOnce sync.Once
	done      chan struct{}
}

// NewManager loads the file and starts watching it. An empty path yields a
// manager over the environment-only config with no watcher.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{path: path, logger: logger, done: make(chan struct{})}

	if path == "" {
		m.current = FromEnv()
		return m, nil
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m.current = cfg

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	m.watcher = watcher
	go m.watch()
	return m, nil
}

// Current returns the live configuration snapshot.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnReload registers a callback invoked with each successfully reloaded
// config.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// Close stops the watcher.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		if m.watcher != nil {
			err = m.watcher.Close()
		}
	})
	return err
}

func (m *Manager) watch() {
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.reload()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		// Keep serving the last good config.
		m.logger.Error("config reload failed", "path", m.path, "error", err)
		return
	}

	m.mu.Lock()
	m.current = cfg
	callbacks := make([]func(*Config), len(m.onReload))
	copy(callbacks, m.onReload)
	m.mu.Unlock()

	m.logger.Info("configuration reloaded", "path", m.path)
	for _, fn := range callbacks {
		fn(cfg)
	}
}
