package config

import (
	"fmt"
	"sync"
)

// Store holds the current Config and swaps it atomically on Reload.
type Store struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewStore loads path and returns a Store bound to it.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, path: path}, nil
}

// NewStoreFromConfig wraps an already built Config. Reload is unavailable
// because there is no backing file.
func NewStoreFromConfig(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// Get returns the current config. Callers must not mutate it.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Path returns the backing file, or "" for stores built from a Config.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the backing file. On failure the previous config stays active.
func (s *Store) Reload() (*Config, error) {
	if s.path == "" {
		return nil, fmt.Errorf("config store has no backing file")
	}
	cfg, err := Load(s.path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return cfg, nil
}
