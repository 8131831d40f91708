package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Fence is checked after the temp file is durable and before it replaces the
// target. A non-nil error aborts the write. Lock leases pass their Validate
// method so a holder that lost its lock never publishes.
type Fence func() error

// WriteJSONAtomic marshals v and atomically replaces path with it.
func WriteJSONAtomic(path string, v any, fence Fence) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data, fence)
}

// WriteTextAtomic atomically replaces path with s.
func WriteTextAtomic(path, s string, fence Fence) error {
	return WriteFileAtomic(path, []byte(s), fence)
}

// WriteFileAtomic writes data to a temp file in path's directory, fsyncs it,
// checks fence, and renames it over path. Readers see the old file or the new
// one, never a partial write.
func WriteFileAtomic(path string, data []byte, fence Fence) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("storage: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("storage: close temp file: %w", err)
	}
	if fence != nil {
		if err := fence(); err != nil {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("storage: fenced write of %s: %w", filepath.Base(path), err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("storage: rename temp file: %w", err)
	}
	return nil
}
