package config

import (
	"fmt"
	"sync/atomic"
)

// Manager holds the live configuration behind an atomic pointer so readers
// never observe a partially-applied reload. Reload validates the candidate
// config before swapping, per the hierarchical-config requirement in the
// spec: no partial merge is ever committed.
type Manager struct {
	current atomic.Pointer[Config]
	path    string
}

// NewManager loads the config at path and returns a Manager wrapping it.
func NewManager(path string) (*Manager, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the currently active configuration. The returned pointer
// must be treated as immutable by the caller.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Reload re-reads the config file (or, if path is empty, the path the
// Manager was constructed with), validates it, and only then swaps the live
// pointer. On any error the previously active config remains in effect.
func (m *Manager) Reload(path string) error {
	if path == "" {
		path = m.path
	}
	candidate, err := LoadConfig(path)
	if err != nil {
		return fmt.Errorf("config reload: %w", err)
	}
	m.current.Store(candidate)
	return nil
}
