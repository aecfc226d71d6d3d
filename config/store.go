package config

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Store holds the active config snapshot and swaps it atomically on reload.
// Readers grab the pointer once per request and keep a consistent view for
// the request's whole lifetime.
type Store struct {
	path     string
	snapshot atomic.Pointer[Snapshot]
	logger   *zap.SugaredLogger
}

// NewStore loads the config at path, builds the initial snapshot, and
// returns a store serving it.
func NewStore(path string, logger *zap.SugaredLogger) (*Store, error) {
	store := &Store{path: path, logger: logger}
	if err := store.Reload(); err != nil {
		return nil, err
	}
	return store, nil
}

// Snapshot returns the active snapshot. Never nil after a successful
// NewStore.
func (s *Store) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Reload re-reads the config from disk and swaps in the new snapshot. On
// any load or validation error the prior snapshot stays in effect and the
// error is returned.
func (s *Store) Reload() error {
	config, err := Load(s.path, s.logger)
	if err != nil {
		return err
	}
	snapshot, err := config.Build()
	if err != nil {
		return err
	}
	s.snapshot.Store(snapshot)
	s.logger.Infow("Config snapshot swapped",
		"models", snapshot.Table.Models(), "built_at", snapshot.Table.BuiltAt())
	return nil
}
