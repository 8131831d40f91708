// Package testutil provides shared test infrastructure: a discard logger, a
// migrated SQLite telemetry database in a temp dir, and catalog fixtures.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    db := testutil.NewTestDB(t)
//	    cat := testutil.DefaultCatalog(t)
//	    ...
//	}
package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/scriptorium/internal/catalog"
	"github.com/ashita-ai/scriptorium/internal/storage"
	"github.com/ashita-ai/scriptorium/migrations"
)

// TestLogger returns a logger that discards output.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTestDB opens a fresh SQLite database under t.TempDir and applies all
// migrations. The database is closed when the test ends.
func NewTestDB(t testing.TB) *storage.DB {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "telemetry.db"), TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.RunMigrations(ctx, migrations.FS))
	return db
}

// DefaultCatalog loads the embedded default catalog.
func DefaultCatalog(t testing.TB) *catalog.Catalog {
	t.Helper()
	c, err := catalog.LoadDir("")
	require.NoError(t, err)
	return c
}

// NewRunStore returns a run store rooted in a temp dir.
func NewRunStore(t testing.TB) *storage.RunStore {
	t.Helper()
	s, err := storage.NewRunStore(filepath.Join(t.TempDir(), "runs"), TestLogger())
	require.NoError(t, err)
	return s
}

// Ptr returns a pointer to v, for optional fields in literals.
func Ptr[T any](v T) *T { return &v }
