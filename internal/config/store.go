package config

import (
	"os"
	"sync"
	"time"
)

// Store holds the live configuration document. The scheduler reads it each
// cycle and RPC workers read or replace it concurrently; all access goes
// through the mutex so readers observe either the old or the new document,
// never a partial view.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// NewStore loads the document at path into a Store. A missing file is
// created with the default document; created reports when that happened.
// A malformed file falls back to the default document in memory (the file
// on disk is left alone) and the load error is returned alongside the
// usable Store.
func NewStore(path string) (s *Store, created bool, err error) {
	cfg, err := Load(path)
	if err != nil {
		return &Store{path: path, cfg: DefaultConfig()}, false, err
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if err := Save(cfg, path); err != nil {
			return &Store{path: path, cfg: cfg}, false, err
		}
		created = true
	}
	return &Store{path: path, cfg: cfg}, created, nil
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Replace swaps in a new document and flushes it to disk. The swap only
// happens if the write succeeds, so the file and the live config never
// diverge after a failed save.
func (s *Store) Replace(cfg *Config) error {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := Save(cfg, s.path); err != nil {
		return err
	}
	s.cfg = cfg.Clone()
	return nil
}

// Interval returns the current poll interval.
func (s *Store) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.cfg.IntervaloRevision) * time.Second
}

// Verbose reports whether the trace sink is enabled right now.
func (s *Store) Verbose() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.LogsCompletos
}

// Account returns a copy of the account at index, or false when out of range.
func (s *Store) Account(index int) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.cfg.Cuentas) {
		return Account{}, false
	}
	snap := s.cfg.Clone()
	return snap.Cuentas[index], true
}
