package scriptorium

import (
	"log/slog"

	"github.com/ashita-ai/scriptorium/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

type resolvedOptions struct {
	port      int
	cfg       *config.Config
	logger    *slog.Logger
	version   string
	generator Generator
}

// WithPort overrides the TCP port from config (SCRIPTORIUM_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithConfig skips environment loading and uses cfg as given. The config is
// still validated.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithGenerator replaces the configured text provider (OpenAI or the offline
// echo provider). Calls still go through the retrying wrapper, so a failing
// Generator degrades to fallback text instead of failing the run.
func WithGenerator(g Generator) Option {
	return func(o *resolvedOptions) { o.generator = g }
}
