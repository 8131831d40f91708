package lock

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SQLiteManager implements Manager on a `locks` table in an embedded SQLite
// database. The table is created by the storage migrations.
type SQLiteManager struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteManager wraps an open database that already has the locks table.
func NewSQLiteManager(db *sql.DB, logger *slog.Logger) *SQLiteManager {
	return &SQLiteManager{db: db, logger: logger}
}

// Acquire inserts the lock row, deleting a stale row for the same resource
// first when opts.StaleAfter is set.
func (m *SQLiteManager) Acquire(ctx context.Context, resourceID string, opts Options) (Lease, error) {
	start := time.Now()
	deadline := start.Add(opts.Timeout)
	holder := uuid.NewString()

	for {
		ok, err := m.tryInsert(ctx, resourceID, holder, opts.StaleAfter)
		if err != nil {
			return nil, err
		}
		if ok {
			return &sqliteLease{m: m, resourceID: resourceID, holder: holder}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, busyError(resourceID, time.Since(start))
		}
		if err := waitOrDone(ctx, opts.poll()); err != nil {
			return nil, err
		}
	}
}

func (m *SQLiteManager) tryInsert(ctx context.Context, resourceID, holder string, staleAfter time.Duration) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("lock: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if staleAfter > 0 {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM locks WHERE resource_id = ? AND created_at < ?`,
			resourceID, now.Add(-staleAfter).UnixNano())
		if err != nil {
			return false, fmt.Errorf("lock: reclaim: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			m.logger.Warn("lock: reclaimed stale lock", "resource", resourceID, "backend", "sqlite")
		}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO locks (resource_id, holder, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(resource_id) DO NOTHING`,
		resourceID, holder, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("lock: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("lock: commit: %w", err)
	}
	return n == 1, nil
}

// Sweep deletes rows older than olderThan.
func (m *SQLiteManager) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM locks WHERE created_at < ?`,
		time.Now().UTC().Add(-olderThan).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("lock: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type sqliteLease struct {
	m          *SQLiteManager
	resourceID string
	holder     string

	once   sync.Once
	relErr error
}

func (l *sqliteLease) ResourceID() string { return l.resourceID }
func (l *sqliteLease) Holder() string     { return l.holder }

func (l *sqliteLease) Validate() error {
	var holder string
	err := l.m.db.QueryRow(`SELECT holder FROM locks WHERE resource_id = ?`, l.resourceID).Scan(&holder)
	if err != nil || holder != l.holder {
		return fmt.Errorf("%w: %s", ErrLockLost, l.resourceID)
	}
	return nil
}

func (l *sqliteLease) Release() error {
	l.once.Do(func() {
		res, err := l.m.db.Exec(`DELETE FROM locks WHERE resource_id = ? AND holder = ?`, l.resourceID, l.holder)
		if err != nil {
			l.relErr = fmt.Errorf("lock: release: %w", err)
			return
		}
		if n, _ := res.RowsAffected(); n == 0 {
			l.relErr = fmt.Errorf("%w: %s", ErrLockLost, l.resourceID)
		}
	})
	return l.relErr
}
