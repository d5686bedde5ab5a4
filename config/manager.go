package config

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager holds an immutable configuration snapshot and swaps it atomically
// when the backing file changes. Consumers read Snapshot() per operation, so a
// reload affects work admitted after the swap and never disturbs anything
// in flight.
type Manager struct {
	logger  *log.Logger
	v       *viper.Viper
	current atomic.Value // *Config

	mu          sync.Mutex
	subscribers []func(*Config)
}

// NewManager loads the initial snapshot and prepares the watcher.
func NewManager(path string, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[CONFIG] ", log.LstdFlags)
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	m := &Manager{logger: logger, v: v}
	cfg, err := m.unmarshal()
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	return m, nil
}

// NewStaticManager wraps a fixed config, for tests and programmatic wiring.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{logger: log.New(log.Writer(), "[CONFIG] ", log.LstdFlags)}
	m.current.Store(cfg)
	return m
}

func (m *Manager) unmarshal() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Snapshot returns the current immutable configuration.
func (m *Manager) Snapshot() *Config {
	return m.current.Load().(*Config)
}

// Subscribe registers a callback invoked with each new snapshot.
func (m *Manager) Subscribe(fn func(*Config)) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
}

// Watch starts reacting to config file changes. Invalid updates are rejected
// and logged; the previous snapshot stays active.
func (m *Manager) Watch() {
	if m.v == nil {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		m.logger.Printf("config file changed: %s", e.Name)
		if err := m.Reload(); err != nil {
			m.logger.Printf("error: config reload rejected: %v", err)
		}
	})
	m.v.WatchConfig()
}

// Reload re-reads the file and swaps the snapshot.
func (m *Manager) Reload() error {
	if m.v == nil {
		return fmt.Errorf("manager has no config source")
	}
	if err := m.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := m.unmarshal()
	if err != nil {
		return err
	}
	m.Swap(cfg)
	return nil
}

// Swap installs a new snapshot and notifies subscribers.
func (m *Manager) Swap(cfg *Config) {
	m.current.Store(cfg)
	m.mu.Lock()
	subs := append(([]func(*Config))(nil), m.subscribers...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
}
