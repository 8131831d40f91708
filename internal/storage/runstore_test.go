package storage_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/storage"
	"github.com/ashita-ai/scriptorium/internal/testutil"
)

func TestNewRunID_IsValidAndUnique(t *testing.T) {
	a, b := storage.NewRunID(), storage.NewRunID()
	assert.True(t, storage.ValidRunID(a))
	assert.NotEqual(t, a, b)
	assert.False(t, storage.ValidRunID("../../etc"))
	assert.False(t, storage.ValidRunID(""))
}

func TestRunStore_CreateGetRoundTrip(t *testing.T) {
	s := testutil.NewRunStore(t)
	id := storage.NewRunID()
	now := time.Now().UTC()

	rec := model.RunRecord{RunID: id, BookID: "b1", Target: "draft", Status: model.RunStatusQueued, TotalSteps: 2, CreatedAt: now}
	require.NoError(t, s.CreateRun(rec, nil))
	assert.True(t, s.RunExists(id))

	for i, mode := range []string{"WRITE", "QUALITY"} {
		require.NoError(t, s.WriteArtifact(id, model.StepArtifact{
			Index: i + 1, Mode: mode, Tool: "t",
			Result: model.StepResult{Tool: "t", Payload: map[string]any{"n": float64(i)}},
		}, nil))
	}

	// A leftover temp file from a crashed write must be ignored.
	require.NoError(t, os.WriteFile(filepath.Join(s.RunDir(id), "steps", ".tmp-123"), []byte("{"), 0o600))

	view, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "draft", view.Manifest.Target)
	require.Len(t, view.Artifacts, 2)
	assert.Equal(t, "WRITE", view.Artifacts[0].Mode)
	assert.Equal(t, "QUALITY", view.Artifacts[1].Mode)
}

func TestRunStore_ArtifactsAreImmutable(t *testing.T) {
	s := testutil.NewRunStore(t)
	id := storage.NewRunID()
	require.NoError(t, s.CreateRun(model.RunRecord{RunID: id}, nil))
	art := model.StepArtifact{Index: 1, Mode: "WRITE"}
	require.NoError(t, s.WriteArtifact(id, art, nil))
	assert.Error(t, s.WriteArtifact(id, art, nil))
}

func TestRunStore_GetMissing(t *testing.T) {
	s := testutil.NewRunStore(t)
	_, err := s.Get(storage.NewRunID())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))

	_, err = s.Get("../etc")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunStore_BookPointer(t *testing.T) {
	s := testutil.NewRunStore(t)
	_, ok, err := s.LastRunForBook("b1")
	require.NoError(t, err)
	assert.False(t, ok)

	id := storage.NewRunID()
	require.NoError(t, s.SetLastRunForBook(model.BookPointer{BookID: "b1", RunID: id}, nil))
	got, ok, err := s.LastRunForBook("b1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, got)
}

func TestWriteJSONAtomic_FenceFailureLeavesOldFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, storage.WriteJSONAtomic(path, map[string]int{"v": 1}, nil))

	lost := errors.New("lease lost")
	err := storage.WriteJSONAtomic(path, map[string]int{"v": 2}, func() error { return lost })
	require.ErrorIs(t, err, lost)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v": 1}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be cleaned up")
}

func TestWriteTextAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, storage.WriteTextAtomic(path, "hello", func() error { return nil }))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}
