// Package lock provides named, exclusive, crash-recoverable locks.
//
// Two backends implement Manager: FileManager (marker files created with an
// atomic create-if-absent) and SQLiteManager (a row per held resource). Both
// hand out fenced leases: a holder whose lock was reclaimed as stale learns
// about it from Validate, and its Release never removes the new holder's lock.
// Every guarded write calls Validate immediately before it becomes visible.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/scriptorium/internal/model"
)

// ErrLockLost is returned by Lease.Validate and Lease.Release when the lock
// was reclaimed by another holder after being presumed stale.
var ErrLockLost = errors.New("lock: lease lost to another holder")

// Well-known resource ids.
const (
	RegistryResource = "uniqueness:registry"
)

// BookResource returns the lock id guarding a book's runs.
func BookResource(bookID string) string { return "book:" + bookID }

// RunResource returns the lock id guarding a single run folder.
func RunResource(runID string) string { return "run:" + runID }

// DefaultPoll is the sleep between acquisition attempts under contention.
const DefaultPoll = 25 * time.Millisecond

// Options bound a single acquisition.
type Options struct {
	Timeout    time.Duration // give up after this long; zero means one attempt
	StaleAfter time.Duration // reclaim an existing lock older than this; zero disables
	Poll       time.Duration // zero means DefaultPoll
}

func (o Options) poll() time.Duration {
	if o.Poll <= 0 {
		return DefaultPoll
	}
	return o.Poll
}

// Lease is a held lock.
type Lease interface {
	ResourceID() string
	Holder() string
	// Validate returns ErrLockLost if the lock is no longer held by this lease.
	Validate() error
	// Release drops the lock if this lease still owns it. It is idempotent.
	Release() error
}

// Manager acquires leases and heals locks abandoned by crashed processes.
type Manager interface {
	Acquire(ctx context.Context, resourceID string, opts Options) (Lease, error)
	// Sweep removes locks older than olderThan and reports how many it removed.
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

// WithLock runs fn while holding resourceID. The lease is released on every
// exit path, including a panic inside fn.
func WithLock(ctx context.Context, m Manager, resourceID string, opts Options, fn func(Lease) error) (err error) {
	lease, err := m.Acquire(ctx, resourceID, opts)
	if err != nil {
		return err
	}
	defer func() {
		rerr := lease.Release()
		if err == nil && rerr != nil {
			err = rerr
		}
	}()
	return fn(lease)
}

// busyError builds the LockError returned when acquisition times out.
func busyError(resourceID string, waited time.Duration) error {
	return model.Errorf(model.KindLock, "lock.acquire", "resource %q busy after %s", resourceID, waited.Round(time.Millisecond))
}

// waitOrDone sleeps for d unless ctx ends first.
func waitOrDone(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("lock: wait: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

// RunSweeper deletes locks older than ttl every interval until ctx ends.
func RunSweeper(ctx context.Context, m Manager, interval, ttl time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx, ttl)
			if err != nil {
				logger.Warn("lock: sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("lock: swept stale locks", "removed", n, "ttl", ttl)
			}
		}
	}
}
