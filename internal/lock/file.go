package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	markerSuffix = ".lock"
	tombInfix    = ".tomb-"
)

// marker is the JSON body of a lock file.
type marker struct {
	ResourceID string    `json:"resource_id"`
	Holder     string    `json:"holder"`
	CreatedAt  time.Time `json:"created_at"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
}

// FileManager implements Manager with marker files in a shared directory.
type FileManager struct {
	dir    string
	logger *slog.Logger
	host   string
	pid    int
}

// NewFileManager creates the lock directory if needed.
func NewFileManager(dir string, logger *slog.Logger) (*FileManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: create dir %s: %w", dir, err)
	}
	host, _ := os.Hostname()
	return &FileManager{dir: dir, logger: logger, host: host, pid: os.Getpid()}, nil
}

// Dir returns the lock directory.
func (m *FileManager) Dir() string { return m.dir }

// markerPath maps a resource id onto a safe, collision-free file name.
func (m *FileManager) markerPath(resourceID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, resourceID)
	if len(clean) > 80 {
		clean = clean[:80]
	}
	return filepath.Join(m.dir, fmt.Sprintf("%s-%016x%s", clean, xxhash.Sum64String(resourceID), markerSuffix))
}

// Acquire creates the marker for resourceID, waiting up to opts.Timeout and
// reclaiming markers older than opts.StaleAfter.
func (m *FileManager) Acquire(ctx context.Context, resourceID string, opts Options) (Lease, error) {
	path := m.markerPath(resourceID)
	start := time.Now()
	deadline := start.Add(opts.Timeout)

	for {
		mk := marker{
			ResourceID: resourceID,
			Holder:     uuid.NewString(),
			CreatedAt:  time.Now().UTC(),
			PID:        m.pid,
			Host:       m.host,
		}
		created, err := createMarker(path, mk)
		if err != nil {
			return nil, err
		}
		if created {
			return &fileLease{path: path, resourceID: resourceID, holder: mk.Holder, logger: m.logger}, nil
		}

		existing, age, err := readMarker(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			return nil, err
		}
		if opts.StaleAfter > 0 && age > opts.StaleAfter {
			if m.reclaim(path, existing) {
				m.logger.Warn("lock: reclaimed stale lock",
					"resource", resourceID, "age", age.Round(time.Millisecond),
					"prev_holder", existing.Holder, "prev_pid", existing.PID, "prev_host", existing.Host)
			}
			continue
		}

		if !time.Now().Before(deadline) {
			return nil, busyError(resourceID, time.Since(start))
		}
		if err := waitOrDone(ctx, opts.poll()); err != nil {
			return nil, err
		}
	}
}

// Sweep removes every marker older than olderThan, plus tombs left behind by
// a crash in the middle of a reclaim.
func (m *FileManager) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("lock: sweep: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		name := e.Name()
		path := filepath.Join(m.dir, name)
		switch {
		case strings.Contains(name, tombInfix):
			if info, err := e.Info(); err == nil && time.Since(info.ModTime()) > olderThan {
				_ = os.Remove(path)
			}
		case strings.HasSuffix(name, markerSuffix):
			mk, age, err := readMarker(path)
			if err != nil || age <= olderThan {
				continue
			}
			if m.reclaim(path, mk) {
				removed++
				m.logger.Info("lock: swept lock", "resource", mk.ResourceID, "age", age.Round(time.Second))
			}
		}
	}
	return removed, nil
}

// reclaim moves a stale marker aside and deletes it only if it is still the
// marker that was judged stale. A fresh marker moved by mistake is linked
// back; if someone else created a marker in the gap, the fresh holder's
// lease fails validation instead of two holders both passing.
func (m *FileManager) reclaim(path string, stale marker) bool {
	tomb := path + tombInfix + uuid.NewString()
	if err := os.Rename(path, tomb); err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	moved, _, err := readMarker(tomb)
	if err == nil && moved.Holder != stale.Holder {
		if lerr := os.Link(tomb, path); lerr != nil {
			m.logger.Warn("lock: could not restore fresh marker", "resource", moved.ResourceID, "error", lerr)
		}
		_ = os.Remove(tomb)
		return false
	}
	_ = os.Remove(tomb)
	return true
}

func createMarker(path string, mk marker) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("lock: create marker: %w", err)
	}
	data, err := json.Marshal(mk)
	if err == nil {
		_, err = f.Write(data)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("lock: write marker: %w", err)
	}
	return true, nil
}

// readMarker parses a marker and reports its age. A marker that cannot be
// parsed yet (created but not written) is aged by its modification time.
func readMarker(path string) (marker, time.Duration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return marker{}, 0, err
	}
	var mk marker
	if jerr := json.Unmarshal(data, &mk); jerr == nil && !mk.CreatedAt.IsZero() {
		return mk, time.Since(mk.CreatedAt), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return marker{}, 0, err
	}
	return mk, time.Since(info.ModTime()), nil
}

type fileLease struct {
	path       string
	resourceID string
	holder     string
	logger     *slog.Logger

	once   sync.Once
	relErr error
}

func (l *fileLease) ResourceID() string { return l.resourceID }
func (l *fileLease) Holder() string     { return l.holder }

func (l *fileLease) Validate() error {
	mk, _, err := readMarker(l.path)
	if err != nil || mk.Holder != l.holder {
		return fmt.Errorf("%w: %s", ErrLockLost, l.resourceID)
	}
	return nil
}

func (l *fileLease) Release() error {
	l.once.Do(func() {
		tomb := l.path + tombInfix + uuid.NewString()
		if err := os.Rename(l.path, tomb); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				l.relErr = fmt.Errorf("%w: %s", ErrLockLost, l.resourceID)
				return
			}
			l.relErr = fmt.Errorf("lock: release: %w", err)
			return
		}
		mk, _, err := readMarker(tomb)
		if err == nil && mk.Holder != l.holder {
			// Not ours: the lock was reclaimed and re-acquired. Put it back.
			if lerr := os.Link(tomb, l.path); lerr != nil {
				l.logger.Warn("lock: could not restore foreign marker", "resource", l.resourceID, "error", lerr)
			}
			_ = os.Remove(tomb)
			l.relErr = fmt.Errorf("%w: %s", ErrLockLost, l.resourceID)
			return
		}
		_ = os.Remove(tomb)
	})
	return l.relErr
}
