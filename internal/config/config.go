// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Policy modes for model allowlist enforcement.
const (
	PolicyModeStrict     = "STRICT"
	PolicyModePermissive = "PERMISSIVE"
)

// Lock backends.
const (
	LockBackendFile   = "file"
	LockBackendSQLite = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration // Hard wall-clock limit for one pipeline request.

	// Catalog and storage locations.
	CatalogDir   string // Empty means use the embedded default catalog.
	RunsDir      string
	LocksDir     string
	RegistryPath string // Uniqueness fingerprint registry (JSONL).
	TelemetryDB  string // SQLite file; empty disables telemetry persistence.

	// Locking.
	LockBackend       string
	LockTimeout       time.Duration
	LockStaleAfter    time.Duration
	LockSweepInterval time.Duration

	// Model routing.
	ModelAllowlist []string
	PolicyMode     string
	DefaultModel   string
	ForceModelFile string

	// Uniqueness.
	UniquenessThreshold float64
	UniquenessWindow    int

	// Concurrency and throttling. A zero RateLimitRPS disables per-caller
	// rate limiting.
	MaxConcurrentPipelines int
	RateLimitRPS           float64
	RateLimitBurst         int

	// Text generation provider.
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	ProviderMaxAttempts int

	// Auth. Empty secret disables token verification.
	JWTSecret     string
	JWTAudience   string
	JWTExpiration time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	FeedbackInterval    time.Duration
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg Config
	var err error

	cfg.Port, err = envInt("SCRIPTORIUM_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("SCRIPTORIUM_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("SCRIPTORIUM_WRITE_TIMEOUT", 150*time.Second)
	collect(err)
	cfg.RequestTimeout, err = envDuration("SCRIPTORIUM_REQUEST_TIMEOUT", 120*time.Second)
	collect(err)

	cfg.CatalogDir = envStr("SCRIPTORIUM_CATALOG_DIR", "")
	cfg.RunsDir = envStr("SCRIPTORIUM_RUNS_DIR", filepath.Join("data", "runs"))
	cfg.LocksDir = envStr("SCRIPTORIUM_LOCKS_DIR", filepath.Join("data", "locks"))
	cfg.RegistryPath = envStr("SCRIPTORIUM_REGISTRY_PATH", filepath.Join("data", "uniqueness.jsonl"))
	cfg.TelemetryDB = envStr("SCRIPTORIUM_TELEMETRY_DB", filepath.Join("data", "telemetry.db"))

	cfg.LockBackend = strings.ToLower(envStr("SCRIPTORIUM_LOCK_BACKEND", LockBackendFile))
	cfg.LockTimeout, err = envDuration("SCRIPTORIUM_LOCK_TIMEOUT", 10*time.Second)
	collect(err)
	cfg.LockStaleAfter, err = envDuration("SCRIPTORIUM_LOCK_STALE_AFTER", 5*time.Minute)
	collect(err)
	cfg.LockSweepInterval, err = envDuration("SCRIPTORIUM_LOCK_SWEEP_INTERVAL", time.Minute)
	collect(err)

	cfg.ModelAllowlist = ParseAllowlist(envStr("MODEL_ALLOWLIST", ""))
	cfg.PolicyMode = strings.ToUpper(envStr("POLICY_MODE", PolicyModeStrict))
	cfg.DefaultModel = envStr("DEFAULT_MODEL", "")
	cfg.ForceModelFile = envStr("FORCE_MODEL_FILE", "")

	cfg.UniquenessThreshold, err = envFloat("UNIQUENESS_THRESHOLD", 0.90)
	collect(err)
	cfg.UniquenessWindow, err = envInt("UNIQUENESS_WINDOW", 800)
	collect(err)

	cfg.MaxConcurrentPipelines, err = envInt("SCRIPTORIUM_MAX_CONCURRENT_PIPELINES", 4)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("SCRIPTORIUM_RATE_LIMIT_RPS", 0)
	collect(err)
	cfg.RateLimitBurst, err = envInt("SCRIPTORIUM_RATE_LIMIT_BURST", 10)
	collect(err)

	cfg.OpenAIAPIKey = envStr("OPENAI_API_KEY", "")
	cfg.OpenAIBaseURL = envStr("OPENAI_BASE_URL", "")
	cfg.ProviderMaxAttempts, err = envInt("SCRIPTORIUM_PROVIDER_MAX_ATTEMPTS", 3)
	collect(err)

	cfg.JWTSecret = envStr("SCRIPTORIUM_JWT_SECRET", "")
	cfg.JWTAudience = envStr("SCRIPTORIUM_JWT_AUDIENCE", "scriptorium")
	cfg.JWTExpiration, err = envDuration("SCRIPTORIUM_JWT_EXPIRATION", 24*time.Hour)
	collect(err)

	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.OTELInsecure, err = envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	collect(err)
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "scriptorium")

	cfg.LogLevel = envStr("SCRIPTORIUM_LOG_LEVEL", "info")
	cfg.FeedbackInterval, err = envDuration("SCRIPTORIUM_FEEDBACK_INTERVAL", 5*time.Minute)
	collect(err)
	maxBody, err := envInt("SCRIPTORIUM_MAX_REQUEST_BODY_BYTES", 2*1024*1024) // 2 MB default
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are coherent.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("SCRIPTORIUM_PORT must be in 1..65535"))
	}
	if c.RunsDir == "" {
		errs = append(errs, fmt.Errorf("SCRIPTORIUM_RUNS_DIR is required"))
	}
	if c.PolicyMode != PolicyModeStrict && c.PolicyMode != PolicyModePermissive {
		errs = append(errs, fmt.Errorf("POLICY_MODE must be STRICT or PERMISSIVE (got %q)", c.PolicyMode))
	}
	if c.LockBackend != LockBackendFile && c.LockBackend != LockBackendSQLite {
		errs = append(errs, fmt.Errorf("SCRIPTORIUM_LOCK_BACKEND must be file or sqlite (got %q)", c.LockBackend))
	}
	if c.LockBackend == LockBackendSQLite && c.TelemetryDB == "" {
		errs = append(errs, fmt.Errorf("SCRIPTORIUM_LOCK_BACKEND=sqlite requires SCRIPTORIUM_TELEMETRY_DB"))
	}
	if c.LockBackend == LockBackendFile && c.LocksDir == "" {
		errs = append(errs, fmt.Errorf("SCRIPTORIUM_LOCKS_DIR is required for the file lock backend"))
	}
	if c.UniquenessThreshold <= 0 || c.UniquenessThreshold > 1 {
		errs = append(errs, fmt.Errorf("UNIQUENESS_THRESHOLD must be in (0, 1]"))
	}
	if c.UniquenessWindow <= 0 {
		errs = append(errs, fmt.Errorf("UNIQUENESS_WINDOW must be positive"))
	}
	if c.MaxConcurrentPipelines <= 0 {
		errs = append(errs, fmt.Errorf("SCRIPTORIUM_MAX_CONCURRENT_PIPELINES must be positive"))
	}
	if c.RateLimitRPS < 0 || (c.RateLimitRPS > 0 && c.RateLimitBurst <= 0) {
		errs = append(errs, fmt.Errorf("SCRIPTORIUM_RATE_LIMIT_RPS must be >= 0 with a positive SCRIPTORIUM_RATE_LIMIT_BURST"))
	}
	if c.ProviderMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("SCRIPTORIUM_PROVIDER_MAX_ATTEMPTS must be positive"))
	}
	if c.LockTimeout <= 0 || c.LockStaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("lock timeout and stale-after must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SCRIPTORIUM_REQUEST_TIMEOUT must be positive"))
	}
	if c.JWTSecret != "" && c.JWTExpiration <= 0 {
		errs = append(errs, fmt.Errorf("SCRIPTORIUM_JWT_EXPIRATION must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("SCRIPTORIUM_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseAllowlist splits a comma-separated model list, trimming blanks and
// dropping duplicates. The result is sorted.
func ParseAllowlist(raw string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		m := strings.TrimSpace(part)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
