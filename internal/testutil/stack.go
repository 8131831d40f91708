package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/scriptorium/internal/catalog"
	"github.com/ashita-ai/scriptorium/internal/lock"
	"github.com/ashita-ai/scriptorium/internal/service/generation"
	"github.com/ashita-ai/scriptorium/internal/service/pipeline"
	"github.com/ashita-ai/scriptorium/internal/service/quality"
	"github.com/ashita-ai/scriptorium/internal/service/routing"
	"github.com/ashita-ai/scriptorium/internal/service/tools"
	"github.com/ashita-ai/scriptorium/internal/service/uniqueness"
	"github.com/ashita-ai/scriptorium/internal/storage"
)

// Stack is a fully wired offline service stack rooted in a temp dir: file
// locks, the default catalog, the echo provider, and a migrated telemetry
// database.
type Stack struct {
	Dir      string
	Executor *pipeline.Executor
	Catalogs *catalog.Store
	Runs     *storage.RunStore
	Detector *uniqueness.Detector
	Policies *quality.PolicyStore
	Locks    *lock.FileManager
	DB       *storage.DB
}

type stackConfig struct {
	provider generation.Provider
	lockOpts lock.Options
}

// StackOption customizes NewStack.
type StackOption func(*stackConfig)

// WithProvider replaces the echo provider.
func WithProvider(p generation.Provider) StackOption {
	return func(c *stackConfig) { c.provider = p }
}

// WithBookLockOptions sets how the executor waits for book locks.
func WithBookLockOptions(o lock.Options) StackOption {
	return func(c *stackConfig) { c.lockOpts = o }
}

// NewStack builds a Stack. Retry backoff is skipped so gate retries do not
// slow tests down.
func NewStack(t testing.TB, opts ...StackOption) *Stack {
	t.Helper()
	dir := t.TempDir()
	logger := TestLogger()
	cfg := stackConfig{
		provider: generation.Echo{},
		lockOpts: lock.Options{Timeout: time.Second, StaleAfter: time.Minute, Poll: time.Millisecond},
	}
	for _, o := range opts {
		o(&cfg)
	}

	locks, err := lock.NewFileManager(filepath.Join(dir, "locks"), logger)
	require.NoError(t, err)
	det, err := uniqueness.NewDetector(uniqueness.Config{
		RegistryPath: filepath.Join(dir, "uniqueness.jsonl"),
		LockOptions:  lock.Options{Timeout: time.Second, Poll: time.Millisecond},
	}, locks, logger)
	require.NoError(t, err)

	s := &Stack{
		Dir:      dir,
		Catalogs: catalog.NewStaticStore(DefaultCatalog(t), logger),
		Runs:     NewRunStore(t),
		Detector: det,
		Policies: quality.NewPolicyStore(quality.DefaultPolicy()),
		Locks:    locks,
		DB:       NewTestDB(t),
	}
	gen := generation.NewResilient(cfg.provider, 1, logger)
	s.Executor = pipeline.New(pipeline.Deps{
		Catalogs: s.Catalogs,
		Resolver: routing.NewResolver(routing.Options{}),
		Tools:    tools.NewRegistry(tools.Deps{Provider: gen, Detector: det, Logger: logger}),
		Runs:     s.Runs,
		Locks:    locks,
		Policies: s.Policies,
		Events:   s.DB,
		Logger:   logger,
	},
		pipeline.WithLockOptions(cfg.lockOpts),
		pipeline.WithSleeper(func(context.Context, time.Duration) error { return nil }),
	)
	return s
}

// Prose is two paragraphs of clean narrative that pass the default quality
// gate.
const Prose = "Mara kept the lighthouse on Gull Point for eleven winters before the letter came. " +
	"She had learned to read the sea by its color, slate before a storm and pewter when the fog rolled in from the east. " +
	"Each night she trimmed the wick, polished the great lens, and wrote the weather into a ledger that no one else would ever read. " +
	"The supply boat came twice a month, and the boatman rarely stayed long enough to finish his tea.\n\n" +
	"The letter was short and written in her brother's careful hand. " +
	"Their mother was ill, it said, and the farm could not wait for spring. " +
	"Mara read it three times by lamplight, then folded it into the ledger between two pages of figures. " +
	"In the morning she climbed the tower one last time and watched the sun lift out of the water. " +
	"She left the lamp burning for whoever would come after her, and walked down to meet the boat."
