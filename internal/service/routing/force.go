package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// ForceOverride serves the model named in the force-override file. The file
// holds a bare model id or JSON {"model": "..."}. Model reads the cached
// value; only Reload and Watch touch the filesystem.
type ForceOverride struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	model   string
	modTime time.Time
	loaded  bool
}

// NewForceOverride creates an override for path and performs an initial
// load. An empty path yields an override that never returns a model.
func NewForceOverride(path string, logger *slog.Logger) *ForceOverride {
	f := &ForceOverride{path: path, logger: logger}
	if _, err := f.Reload(); err != nil {
		logger.Warn("routing: force model file not loaded", "path", path, "error", err)
	}
	return f
}

// Model returns the cached forced model, or "" when none is set.
func (f *ForceOverride) Model() string {
	if f == nil {
		return ""
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.model
}

// Reload re-reads the file when its modification time changed and reports
// whether the cached model changed. A missing file clears the override.
func (f *ForceOverride) Reload() (bool, error) {
	if f == nil || f.path == "" {
		return false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		changed := f.model != ""
		f.model, f.modTime, f.loaded = "", time.Time{}, true
		return changed, nil
	}
	if err != nil {
		return false, fmt.Errorf("routing: stat force file: %w", err)
	}
	if f.loaded && info.ModTime().Equal(f.modTime) {
		return false, nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return false, fmt.Errorf("routing: read force file: %w", err)
	}
	m, err := parseForceFile(data)
	if err != nil {
		return false, err
	}
	changed := m != f.model
	f.model, f.modTime, f.loaded = m, info.ModTime(), true
	if changed {
		f.logger.Info("routing: force model changed", "model", m)
	}
	return changed, nil
}

// Watch polls the file every interval until ctx ends.
func (f *ForceOverride) Watch(ctx context.Context, interval time.Duration) {
	if f == nil || f.path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.Reload(); err != nil {
				f.logger.Warn("routing: force model reload failed", "error", err)
			}
		}
	}
}

func parseForceFile(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", nil
	}
	if data[0] == '{' {
		var doc struct {
			Model string `json:"model"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return "", fmt.Errorf("routing: parse force file: %w", err)
		}
		return strings.TrimSpace(doc.Model), nil
	}
	return strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0]), nil
}
