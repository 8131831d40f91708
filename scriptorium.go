// Package scriptorium is the public API for embedding the Scriptorium
// pipeline server.
//
//	app, err := scriptorium.New(
//	    scriptorium.WithVersion(version),
//	    scriptorium.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Public types that
// callers implement (Generator) live here and are adapted on the way in.
package scriptorium

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/scriptorium/api"
	"github.com/ashita-ai/scriptorium/internal/auth"
	"github.com/ashita-ai/scriptorium/internal/catalog"
	"github.com/ashita-ai/scriptorium/internal/config"
	"github.com/ashita-ai/scriptorium/internal/lock"
	"github.com/ashita-ai/scriptorium/internal/mcp"
	"github.com/ashita-ai/scriptorium/internal/ratelimit"
	"github.com/ashita-ai/scriptorium/internal/server"
	"github.com/ashita-ai/scriptorium/internal/service/generation"
	"github.com/ashita-ai/scriptorium/internal/service/pipeline"
	"github.com/ashita-ai/scriptorium/internal/service/quality"
	"github.com/ashita-ai/scriptorium/internal/service/routing"
	"github.com/ashita-ai/scriptorium/internal/service/tools"
	"github.com/ashita-ai/scriptorium/internal/service/uniqueness"
	"github.com/ashita-ai/scriptorium/internal/storage"
	"github.com/ashita-ai/scriptorium/internal/telemetry"
	"github.com/ashita-ai/scriptorium/migrations"
)

const (
	// feedbackWindow is how far back the feedback loop aggregates signals.
	feedbackWindow     = 24 * time.Hour
	feedbackMinSamples = 10

	forcePollInterval = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// App is the Scriptorium server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB // nil when telemetry persistence is off
	srv          *server.Server
	locks        lock.Manager
	force        *routing.ForceOverride
	feedback     *quality.FeedbackLoop // nil without db
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New wires every subsystem and returns a ready-to-run App. It does not start
// goroutines or listen; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else {
		// .env is a development convenience; production won't have one.
		_ = godotenv.Load()
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if o.port != 0 {
		cfg.Port = o.port
	}

	logger.Info("scriptorium starting", "version", version, "port", cfg.Port,
		"lock_backend", cfg.LockBackend, "policy_mode", cfg.PolicyMode)

	otelCfg := telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	}
	otelShutdown, err := telemetry.Init(context.Background(), otelCfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{cfg: cfg, otelShutdown: otelShutdown, logger: logger, version: version}
	if err := a.wire(o, otelCfg.Enabled()); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(o resolvedOptions, telemetryOn bool) error {
	cfg, logger := a.cfg, a.logger
	ctx := context.Background()

	if cfg.TelemetryDB != "" {
		db, err := storage.Open(ctx, cfg.TelemetryDB, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.db = db
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}

	switch cfg.LockBackend {
	case config.LockBackendSQLite:
		a.locks = lock.NewSQLiteManager(a.db.SQL(), logger)
	default:
		fm, err := lock.NewFileManager(cfg.LocksDir, logger)
		if err != nil {
			return fmt.Errorf("locks: %w", err)
		}
		a.locks = fm
	}

	catalogs, err := catalog.NewStore(cfg.CatalogDir, logger)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	runs, err := storage.NewRunStore(cfg.RunsDir, logger)
	if err != nil {
		return fmt.Errorf("runs: %w", err)
	}
	detector, err := uniqueness.NewDetector(uniqueness.Config{
		RegistryPath: cfg.RegistryPath,
		Threshold:    cfg.UniquenessThreshold,
		Window:       cfg.UniquenessWindow,
		LockOptions:  lock.Options{Timeout: cfg.LockTimeout, StaleAfter: cfg.LockStaleAfter},
	}, a.locks, logger)
	if err != nil {
		return fmt.Errorf("uniqueness: %w", err)
	}

	policy := quality.DefaultPolicy()
	if a.db != nil {
		if saved, ok, err := a.db.LatestPolicy(ctx); err != nil {
			logger.Warn("quality: could not restore policy, using defaults", "error", err)
		} else if ok {
			policy = saved
			logger.Info("quality: restored policy", "level", saved.Level, "max_retries", saved.MaxRetries)
		}
	}
	policies := quality.NewPolicyStore(policy)

	a.force = routing.NewForceOverride(cfg.ForceModelFile, logger)
	if _, err := a.force.Reload(); err != nil {
		logger.Warn("routing: force model file unreadable", "path", cfg.ForceModelFile, "error", err)
	}
	resolver := routing.NewResolver(routing.Options{
		Allowlist:    cfg.ModelAllowlist,
		PolicyMode:   cfg.PolicyMode,
		DefaultModel: cfg.DefaultModel,
		Force:        a.force,
	})

	gen := generation.NewResilient(newProvider(cfg, o.generator, logger), cfg.ProviderMaxAttempts, logger)

	// Interfaces stay nil rather than holding a typed nil *storage.DB.
	var events pipeline.EventRecorder
	var feedback server.FeedbackStore
	if a.db != nil {
		events, feedback = a.db, a.db
		a.feedback = quality.NewFeedbackLoop(a.db, policies, feedbackWindow, feedbackMinSamples, logger)
	}

	executor := pipeline.New(pipeline.Deps{
		Catalogs: catalogs,
		Resolver: resolver,
		Tools:    tools.NewRegistry(tools.Deps{Provider: gen, Detector: detector, Logger: logger}),
		Runs:     runs,
		Locks:    a.locks,
		Policies: policies,
		Events:   events,
		Logger:   logger,
	}, pipeline.WithLockOptions(lock.Options{
		Timeout:    cfg.LockTimeout,
		StaleAfter: cfg.LockStaleAfter,
	}))

	var jwtMgr *auth.JWTManager
	if cfg.JWTSecret != "" {
		if jwtMgr, err = auth.NewJWTManager(cfg.JWTSecret, cfg.JWTAudience, cfg.JWTExpiration); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	} else {
		logger.Warn("auth: SCRIPTORIUM_JWT_SECRET not set, trusting the X-Team header")
	}

	if cfg.RateLimitRPS > 0 {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	mcpSrv := mcp.New(mcp.Deps{
		Executor: executor,
		Catalogs: catalogs,
		Runs:     runs,
		Detector: detector,
		Policies: policies,
		Logger:   logger,
	}, a.version)

	a.srv = server.New(server.ServerConfig{
		Executor:            executor,
		Catalogs:            catalogs,
		Runs:                runs,
		Detector:            detector,
		Policies:            policies,
		Logger:              logger,
		Feedback:            feedback,
		Locks:               a.locks,
		JWTMgr:              jwtMgr,
		MCPServer:           mcpSrv.MCPServer(),
		Limiter:             a.limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		RequestTimeout:      cfg.RequestTimeout,
		LockStaleAfter:      cfg.LockStaleAfter,
		MaxConcurrent:       int64(cfg.MaxConcurrentPipelines),
		Version:             a.version,
		TelemetryEnabled:    telemetryOn,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})
	return nil
}

// newProvider picks the text generator: an embedder-supplied Generator, then
// OpenAI when a key is configured, else the offline echo provider.
func newProvider(cfg config.Config, g Generator, logger *slog.Logger) generation.Provider {
	switch {
	case g != nil:
		logger.Info("generation: using custom generator", "name", g.Name())
		return generatorAdapter{g: g}
	case cfg.OpenAIAPIKey != "":
		logger.Info("generation: using openai", "base_url", cfg.OpenAIBaseURL)
		return generation.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	default:
		logger.Warn("generation: OPENAI_API_KEY not set, using offline echo provider")
		return generation.Echo{}
	}
}

// Handler exposes the HTTP handler, mainly for tests that drive the App
// through httptest instead of a real listener.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run starts the background workers and the HTTP server, then blocks until
// ctx is cancelled or the server fails. Shutdown runs before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lock.RunSweeper(gctx, a.locks, a.cfg.LockSweepInterval, a.cfg.LockStaleAfter, a.logger)
		return nil
	})
	g.Go(func() error {
		a.force.Watch(gctx, forcePollInterval)
		return nil
	})
	if a.feedback != nil {
		g.Go(func() error {
			a.feedback.Run(gctx, a.cfg.FeedbackInterval)
			return nil
		})
	}
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown drains in-flight HTTP requests, then closes the database, the
// limiter, and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("scriptorium shutting down")
	var err error
	if a.srv != nil {
		if err = a.srv.Shutdown(ctx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
	}
	a.closeResources()
	a.logger.Info("scriptorium stopped")
	return err
}

func (a *App) closeResources() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("storage: close failed", "error", err)
		}
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

