package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/scriptorium/internal/auth"
	"github.com/ashita-ai/scriptorium/internal/catalog"
	"github.com/ashita-ai/scriptorium/internal/ctxutil"
	"github.com/ashita-ai/scriptorium/internal/lock"
	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/ratelimit"
	"github.com/ashita-ai/scriptorium/internal/service/pipeline"
	"github.com/ashita-ai/scriptorium/internal/service/quality"
	"github.com/ashita-ai/scriptorium/internal/service/uniqueness"
	"github.com/ashita-ai/scriptorium/internal/storage"
)

// Server is the Scriptorium HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Feedback, Locks, JWTMgr, MCPServer, Limiter,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Executor *pipeline.Executor
	Catalogs *catalog.Store
	Runs     *storage.RunStore
	Detector *uniqueness.Detector
	Policies *quality.PolicyStore
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Feedback  FeedbackStore
	Locks     lock.Manager
	JWTMgr    *auth.JWTManager
	MCPServer *mcpserver.MCPServer
	Limiter   ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	RequestTimeout      time.Duration
	LockStaleAfter      time.Duration
	MaxConcurrent       int64
	Version             string
	TelemetryEnabled    bool
	MaxRequestBodyBytes int64

	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Executor:            cfg.Executor,
		Catalogs:            cfg.Catalogs,
		Runs:                cfg.Runs,
		Detector:            cfg.Detector,
		Policies:            cfg.Policies,
		Feedback:            cfg.Feedback,
		Locks:               cfg.Locks,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		TelemetryEnabled:    cfg.TelemetryEnabled,
		MaxConcurrent:       cfg.MaxConcurrent,
		RequestTimeout:      cfg.RequestTimeout,
		LockStaleAfter:      cfg.LockStaleAfter,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	rl := ratelimit.Middleware(cfg.Limiter, callerKeyFunc, cfg.Logger, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "rate limit exceeded")
	})

	mux := http.NewServeMux()

	// Work endpoints (rate limited per caller).
	mux.Handle("POST /pipeline/step", rl(http.HandlerFunc(h.HandlePipelineStep)))
	mux.Handle("POST /quality/check", rl(http.HandlerFunc(h.HandleQualityCheck)))
	mux.Handle("POST /uniqueness/check", rl(http.HandlerFunc(h.HandleUniquenessCheck)))

	// Catalog.
	mux.HandleFunc("GET /pipeline/config/validate", h.HandleConfigValidate)
	mux.HandleFunc("POST /pipeline/config/reload", h.HandleConfigReload)

	// Run inspection and feedback.
	mux.HandleFunc("GET /runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /quality/policy", h.HandleQualityPolicy)
	mux.HandleFunc("POST /quality/feedback", h.HandleQualityFeedback)

	// MCP StreamableHTTP transport (auth required, rate limited).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", rl(mcpHTTP))
	}

	// OpenAPI spec and health (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// callerKeyFunc buckets requests by caller team, falling back to the client
// address for anonymous callers.
func callerKeyFunc(r *http.Request) string {
	if team := ctxutil.CallerTeam(r.Context()); team != "" {
		return "team:" + team
	}
	return ratelimit.IPKeyFunc(r)
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
