package scriptorium

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/scriptorium/internal/config"
	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/testutil"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Port:                   8080,
		ReadTimeout:            5 * time.Second,
		WriteTimeout:           10 * time.Second,
		RequestTimeout:         5 * time.Second,
		RunsDir:                filepath.Join(dir, "runs"),
		LocksDir:               filepath.Join(dir, "locks"),
		RegistryPath:           filepath.Join(dir, "uniqueness.jsonl"),
		TelemetryDB:            filepath.Join(dir, "telemetry.db"),
		LockBackend:            config.LockBackendFile,
		LockTimeout:            time.Second,
		LockStaleAfter:         time.Minute,
		LockSweepInterval:      time.Minute,
		PolicyMode:             config.PolicyModePermissive,
		UniquenessThreshold:    0.9,
		UniquenessWindow:       800,
		MaxConcurrentPipelines: 2,
		ProviderMaxAttempts:    1,
		ServiceName:            "scriptorium-test",
		FeedbackInterval:       time.Minute,
		MaxRequestBodyBytes:    1 << 20,
	}
}

type staticGenerator struct {
	calls atomic.Int32
	text  string
	err   error
}

func (g *staticGenerator) Name() string { return "static" }

func (g *staticGenerator) Generate(_ context.Context, _ GenerateRequest) (string, error) {
	g.calls.Add(1)
	return g.text, g.err
}

func postStep(t *testing.T, h http.Handler, req model.PipelineStepRequest) model.PipelineStepResponse {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pipeline/step", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var env struct {
		Data model.PipelineStepResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Data
}

func TestNew_CustomGeneratorDrivesWriteStep(t *testing.T) {
	gen := &staticGenerator{text: testutil.Prose}
	app, err := New(WithConfig(testConfig(t)), WithLogger(testutil.TestLogger()), WithGenerator(gen), WithVersion("t"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	resp := postStep(t, app.Handler(), model.PipelineStepRequest{
		Mode:    "WRITE",
		BookID:  "lighthouse",
		Payload: map[string]any{"brief": "a keeper leaves her lighthouse"},
	})
	assert.True(t, resp.OK)
	require.Len(t, resp.Artifacts, 1)
	assert.Equal(t, testutil.Prose, resp.Artifacts[0].Result.Payload["text"])
	assert.EqualValues(t, 1, gen.calls.Load())
}

func TestNew_FailingGeneratorFallsBack(t *testing.T) {
	gen := &staticGenerator{err: errors.New("quota exhausted")}
	app, err := New(WithConfig(testConfig(t)), WithLogger(testutil.TestLogger()), WithGenerator(gen))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	resp := postStep(t, app.Handler(), model.PipelineStepRequest{
		Mode:    "WRITE",
		Payload: map[string]any{"brief": "anything"},
	})
	require.Len(t, resp.Artifacts, 1)
	payload := resp.Artifacts[0].Result.Payload
	assert.Equal(t, "anything", payload["text"], "the brief is carried forward")
	g, ok := payload["generation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, g["fallback"])
	assert.EqualValues(t, 1, gen.calls.Load())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.PolicyMode = "LAX"
	_, err := New(WithConfig(cfg), WithLogger(testutil.TestLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLICY_MODE")
}

func TestNew_SQLiteLockBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.LockBackend = config.LockBackendSQLite
	app, err := New(WithConfig(cfg), WithLogger(testutil.TestLogger()), WithGenerator(&staticGenerator{text: testutil.Prose}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	resp := postStep(t, app.Handler(), model.PipelineStepRequest{
		Preset:  "polish",
		BookID:  "lighthouse",
		Payload: map[string]any{"text": testutil.Prose},
	})
	assert.True(t, resp.OK)
	assert.Len(t, resp.Artifacts, 2)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	port := freePort(t)
	app, err := New(WithConfig(cfg), WithPort(port), WithLogger(testutil.TestLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:gosec // test-only local URL
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
