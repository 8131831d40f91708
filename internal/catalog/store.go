package catalog

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Store holds the active catalog. Reads never touch the filesystem; the only
// way to pick up file changes is an explicit Reload.
type Store struct {
	dir    string
	logger *slog.Logger

	mu  sync.RWMutex
	cur *Catalog

	reloads singleflight.Group
}

// NewStore loads the catalog from dir (empty for embedded defaults). A load
// failure here is fatal for the caller: there is no previous catalog to keep.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	c, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	s := &Store{dir: dir, logger: logger, cur: c}
	if r := c.Validate(); !r.OK {
		logger.Warn("catalog: inconsistent references",
			"unknown_refs", len(r.UnknownRefs), "unmapped_modes", r.Unmapped)
	}
	return s, nil
}

// NewStaticStore wraps an already loaded catalog. Reload re-reads nothing and
// keeps it.
func NewStaticStore(c *Catalog, logger *slog.Logger) *Store {
	return &Store{logger: logger, cur: c}
}

// Current returns the active catalog snapshot.
func (s *Store) Current() *Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Reload re-reads the catalog directory. On failure the previous catalog
// stays active and the error is returned. Concurrent calls share one read.
func (s *Store) Reload() (*Catalog, error) {
	v, err, _ := s.reloads.Do("reload", func() (any, error) {
		return s.reload()
	})
	c, _ := v.(*Catalog)
	return c, err
}

func (s *Store) reload() (*Catalog, error) {
	if s.dir == "" && s.Current() != nil && s.Current().Source != "embedded" {
		return s.Current(), nil
	}
	c, err := LoadDir(s.dir)
	if err != nil {
		s.logger.Error("catalog: reload failed, keeping previous catalog", "dir", s.dir, "error", err)
		return s.Current(), fmt.Errorf("catalog: reload: %w", err)
	}
	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
	s.logger.Info("catalog: reloaded", "source", c.Source,
		"modes", len(c.Modes), "presets", len(c.Presets), "teams", len(c.Teams))
	return c, nil
}
