package storage

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/ashita-ai/scriptorium/internal/model"
)

const (
	manifestFile = "manifest.json"
	stepsDir     = "steps"
	booksDir     = "_books"
)

// NewRunID returns a new time-ordered, globally unique run id.
func NewRunID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// ValidRunID reports whether id is a well-formed run id. Run ids become
// directory names, so anything else is rejected before touching the disk.
func ValidRunID(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}

// RunStore persists run manifests and step artifacts as JSON files:
//
//	<root>/<run_id>/manifest.json
//	<root>/<run_id>/steps/0001_WRITE.json
//	<root>/_books/<book_id>.json
type RunStore struct {
	root   string
	logger *slog.Logger
}

// NewRunStore creates the root directory layout if needed.
func NewRunStore(root string, logger *slog.Logger) (*RunStore, error) {
	if err := os.MkdirAll(filepath.Join(root, booksDir), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create runs dir %s: %w", root, err)
	}
	return &RunStore{root: root, logger: logger}, nil
}

// Root returns the runs directory.
func (s *RunStore) Root() string { return s.root }

// RunDir returns the folder of a run.
func (s *RunStore) RunDir(runID string) string { return filepath.Join(s.root, runID) }

// RunExists reports whether the run folder is present on disk.
func (s *RunStore) RunExists(runID string) bool {
	if !ValidRunID(runID) {
		return false
	}
	info, err := os.Stat(s.RunDir(runID))
	return err == nil && info.IsDir()
}

// CreateRun makes the run folder and writes its first manifest.
func (s *RunStore) CreateRun(rec model.RunRecord, fence Fence) error {
	if !ValidRunID(rec.RunID) {
		return fmt.Errorf("storage: invalid run id %q", rec.RunID)
	}
	if err := os.MkdirAll(filepath.Join(s.RunDir(rec.RunID), stepsDir), 0o755); err != nil {
		return fmt.Errorf("storage: create run dir: %w", err)
	}
	return s.SaveManifest(rec, fence)
}

// SaveManifest atomically replaces the run manifest.
func (s *RunStore) SaveManifest(rec model.RunRecord, fence Fence) error {
	return WriteJSONAtomic(filepath.Join(s.RunDir(rec.RunID), manifestFile), rec, fence)
}

// LoadManifest reads the run manifest.
func (s *RunStore) LoadManifest(runID string) (model.RunRecord, error) {
	var rec model.RunRecord
	if !ValidRunID(runID) {
		return rec, notFound("run", runID)
	}
	data, err := os.ReadFile(filepath.Join(s.RunDir(runID), manifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rec, notFound("run", runID)
		}
		return rec, fmt.Errorf("storage: read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("storage: parse manifest %s: %w", runID, err)
	}
	return rec, nil
}

// ArtifactPath returns the file path for a step artifact.
func (s *RunStore) ArtifactPath(runID string, index int, mode string) string {
	name := fmt.Sprintf("%04d_%s.json", index, safeName(mode))
	return filepath.Join(s.RunDir(runID), stepsDir, name)
}

// WriteArtifact persists one step artifact. Artifacts are immutable: an
// existing file for the same index is an error.
func (s *RunStore) WriteArtifact(runID string, art model.StepArtifact, fence Fence) error {
	path := s.ArtifactPath(runID, art.Index, art.Mode)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("storage: artifact %d already written for run %s", art.Index, runID)
	}
	return WriteJSONAtomic(path, art, fence)
}

// ListArtifacts returns the run's artifacts ordered by index.
func (s *RunStore) ListArtifacts(runID string) ([]model.StepArtifact, error) {
	dir := filepath.Join(s.RunDir(runID), stepsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []model.StepArtifact{}, nil
		}
		return nil, fmt.Errorf("storage: list artifacts: %w", err)
	}
	out := make([]model.StepArtifact, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("storage: read artifact %s: %w", name, err)
		}
		var art model.StepArtifact
		if err := json.Unmarshal(data, &art); err != nil {
			return nil, fmt.Errorf("storage: parse artifact %s: %w", name, err)
		}
		out = append(out, art)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Get returns the manifest and artifacts of a run.
func (s *RunStore) Get(runID string) (model.RunView, error) {
	rec, err := s.LoadManifest(runID)
	if err != nil {
		return model.RunView{}, err
	}
	arts, err := s.ListArtifacts(runID)
	if err != nil {
		return model.RunView{}, err
	}
	return model.RunView{Manifest: rec, Artifacts: arts}, nil
}

// LastRunForBook returns the most recent run id recorded for a book.
func (s *RunStore) LastRunForBook(bookID string) (string, bool, error) {
	if bookID == "" {
		return "", false, nil
	}
	data, err := os.ReadFile(s.bookPath(bookID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("storage: read book pointer: %w", err)
	}
	var ptr model.BookPointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return "", false, fmt.Errorf("storage: parse book pointer %s: %w", bookID, err)
	}
	return ptr.RunID, ptr.RunID != "", nil
}

// SetLastRunForBook records runID as the book's most recent run.
func (s *RunStore) SetLastRunForBook(ptr model.BookPointer, fence Fence) error {
	if ptr.BookID == "" {
		return nil
	}
	return WriteJSONAtomic(s.bookPath(ptr.BookID), ptr, fence)
}

func (s *RunStore) bookPath(bookID string) string {
	return filepath.Join(s.root, booksDir, safeName(bookID)+".json")
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func notFound(what, id string) error {
	return &model.Error{Kind: model.KindNotFound, Op: "storage.get", Msg: fmt.Sprintf("%s %q", what, id), Err: ErrNotFound}
}
