package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/scriptorium/api"
	"github.com/ashita-ai/scriptorium/internal/auth"
	"github.com/ashita-ai/scriptorium/internal/lock"
	"github.com/ashita-ai/scriptorium/internal/mcp"
	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/ratelimit"
	"github.com/ashita-ai/scriptorium/internal/server"
	"github.com/ashita-ai/scriptorium/internal/service/generation"
	"github.com/ashita-ai/scriptorium/internal/storage"
	"github.com/ashita-ai/scriptorium/internal/testutil"
)

const jwtSecret = "test-secret-0123456789"

type env struct {
	url   string
	stack *testutil.Stack
	jwt   *auth.JWTManager
}

type envOpts struct {
	jwt            bool
	limiter        ratelimit.Limiter
	requestTimeout time.Duration
	maxConcurrent  int64
	stackOpts      []testutil.StackOption
}

func newEnv(t *testing.T, o envOpts) *env {
	t.Helper()
	st := testutil.NewStack(t, o.stackOpts...)
	logger := testutil.TestLogger()

	e := &env{stack: st}
	if o.maxConcurrent == 0 {
		o.maxConcurrent = 4
	}
	if o.jwt {
		mgr, err := auth.NewJWTManager(jwtSecret, "", time.Hour)
		require.NoError(t, err)
		e.jwt = mgr
	}

	mcpSrv := mcp.New(mcp.Deps{
		Executor: st.Executor,
		Catalogs: st.Catalogs,
		Runs:     st.Runs,
		Detector: st.Detector,
		Policies: st.Policies,
		Logger:   logger,
	}, "test")

	srv := server.New(server.ServerConfig{
		Executor:            st.Executor,
		Catalogs:            st.Catalogs,
		Runs:                st.Runs,
		Detector:            st.Detector,
		Policies:            st.Policies,
		Feedback:            st.DB,
		Locks:               st.Locks,
		JWTMgr:              e.jwt,
		MCPServer:           mcpSrv.MCPServer(),
		Limiter:             o.limiter,
		Logger:              logger,
		RequestTimeout:      o.requestTimeout,
		LockStaleAfter:      time.Minute,
		MaxConcurrent:       o.maxConcurrent,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         api.OpenAPISpec,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	e.url = ts.URL
	return e
}

func (e *env) token(t *testing.T, team string) string {
	t.Helper()
	tok, _, err := e.jwt.IssueToken("svc-"+team, team)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			r = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.url+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decodeData[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var env struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	assert.NotEmpty(t, env.Meta.RequestID)
	return env.Data
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var body model.APIError
	require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	return body.Error.Code
}

func TestHealthEndpoint(t *testing.T) {
	e := newEnv(t, envOpts{jwt: true})
	status, raw := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, status)

	h := decodeData[model.HealthResponse](t, raw)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.Equal(t, "disabled", h.Telemetry)
	assert.Zero(t, h.InFlight)
}

func TestOpenAPISpecEndpoint(t *testing.T) {
	e := newEnv(t, envOpts{jwt: true})
	status, raw := e.do(t, http.MethodGet, "/openapi.yaml", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), "/pipeline/step")
}

func TestPipelineStep_DraftThenGetRun(t *testing.T) {
	e := newEnv(t, envOpts{})

	status, raw := e.do(t, http.MethodPost, "/pipeline/step", model.PipelineStepRequest{
		Preset:  "draft",
		BookID:  "lighthouse",
		Payload: map[string]any{"text": testutil.Prose},
	}, nil)
	require.Equal(t, http.StatusOK, status, string(raw))

	resp := decodeData[model.PipelineStepResponse](t, raw)
	assert.True(t, resp.OK)
	assert.Equal(t, model.RunStatusDone, resp.Status)
	assert.False(t, resp.Stopped)
	require.Len(t, resp.Artifacts, 4)
	assert.Equal(t, "QUALITY", resp.Artifacts[3].Mode)

	status, raw = e.do(t, http.MethodGet, "/runs/"+resp.RunID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	view := decodeData[model.RunView](t, raw)
	assert.Equal(t, model.RunStatusDone, view.Manifest.Status)
	assert.Equal(t, "lighthouse", view.Manifest.BookID)
	assert.Len(t, view.Artifacts, 4)
}

func TestPipelineStep_ToolFailureIsOKFalse(t *testing.T) {
	e := newEnv(t, envOpts{})
	status, raw := e.do(t, http.MethodPost, "/pipeline/step", model.PipelineStepRequest{
		Mode:    "WRITE",
		Payload: map[string]any{},
	}, nil)
	require.Equal(t, http.StatusOK, status, string(raw))

	resp := decodeData[model.PipelineStepResponse](t, raw)
	assert.False(t, resp.OK)
	assert.Equal(t, model.RunStatusError, resp.Status)
	require.Len(t, resp.Artifacts, 1)
	assert.NotEmpty(t, resp.Artifacts[0].Error)
}

func TestPipelineStep_ErrorMapping(t *testing.T) {
	e := newEnv(t, envOpts{})

	_, raw := e.do(t, http.MethodPost, "/pipeline/step", model.PipelineStepRequest{
		Mode: "WRITE", Payload: map[string]any{"text": testutil.Prose},
	}, nil)
	existing := decodeData[model.PipelineStepResponse](t, raw).RunID

	tests := []struct {
		name       string
		body       any
		headers    map[string]string
		wantStatus int
		wantCode   string
	}{
		{"no target", model.PipelineStepRequest{}, nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"mode and preset", model.PipelineStepRequest{Mode: "WRITE", Preset: "draft"}, nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown field", `{"mode":"WRITE","colour":"red"}`, nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown target", model.PipelineStepRequest{Mode: "NOPE"}, nil, http.StatusBadRequest, model.ErrCodeConfig},
		{"run id reused without resume", model.PipelineStepRequest{Mode: "WRITE", RunID: existing, Payload: map[string]any{"text": "x"}}, nil, http.StatusBadRequest, model.ErrCodeConfig},
		{"team may not run mode", model.PipelineStepRequest{Mode: "CRITIC", Team: "writers"}, nil, http.StatusUnprocessableEntity, model.ErrCodePolicyViolation},
		{"header team may not run mode", model.PipelineStepRequest{Mode: "CRITIC"}, map[string]string{server.HeaderTeam: "writers"}, http.StatusUnprocessableEntity, model.ErrCodePolicyViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, raw := e.do(t, http.MethodPost, "/pipeline/step", tt.body, tt.headers)
			assert.Equal(t, tt.wantStatus, status, string(raw))
			assert.Equal(t, tt.wantCode, errorCode(t, raw))
		})
	}
}

func TestPipelineStep_BusyBookIs409(t *testing.T) {
	e := newEnv(t, envOpts{stackOpts: []testutil.StackOption{
		testutil.WithBookLockOptions(lock.Options{Timeout: 20 * time.Millisecond, Poll: time.Millisecond}),
	}})
	held, err := e.stack.Locks.Acquire(context.Background(), lock.BookResource("busy"), lock.Options{})
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	status, raw := e.do(t, http.MethodPost, "/pipeline/step", model.PipelineStepRequest{
		Mode: "WRITE", BookID: "busy", Payload: map[string]any{"text": testutil.Prose},
	}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, model.ErrCodeLockBusy, errorCode(t, raw))
}

func TestPipelineStep_TimeoutIsAnsweredPromptly(t *testing.T) {
	release := make(chan struct{})
	slow := generation.Func(func(context.Context, generation.Request) (generation.Response, error) {
		<-release // ignores cancellation on purpose
		return generation.Response{Text: testutil.Prose}, nil
	})
	e := newEnv(t, envOpts{
		requestTimeout: 50 * time.Millisecond,
		stackOpts:      []testutil.StackOption{testutil.WithProvider(slow)},
	})

	start := time.Now()
	status, raw := e.do(t, http.MethodPost, "/pipeline/step", model.PipelineStepRequest{
		Mode: "WRITE", Payload: map[string]any{"prompt": "a lighthouse keeper leaves"},
	}, nil)
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, model.ErrCodeTimeout, errorCode(t, raw))
	assert.Less(t, time.Since(start), 2*time.Second)

	// Let the abandoned execution finish before the temp dir is removed.
	close(release)
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(e.stack.Runs.Root())
		if err != nil {
			return false
		}
		runs := 0
		for _, ent := range entries {
			if !storage.ValidRunID(ent.Name()) {
				continue
			}
			runs++
			rec, err := e.stack.Runs.LoadManifest(ent.Name())
			if err != nil || !rec.Status.Terminal() {
				return false
			}
		}
		return runs == 1
	}, 2*time.Second, 5*time.Millisecond)
}

// Executions abandoned by a timed-out request keep their pipeline slot until
// they return, so a slow provider never sees more than MaxConcurrent calls.
func TestPipelineStep_TimedOutExecutionsKeepTheirSlot(t *testing.T) {
	release := make(chan struct{})
	var running, peak atomic.Int32
	slow := generation.Func(func(context.Context, generation.Request) (generation.Response, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release // ignores cancellation on purpose
		running.Add(-1)
		return generation.Response{Text: testutil.Prose}, nil
	})
	e := newEnv(t, envOpts{
		requestTimeout: 30 * time.Millisecond,
		maxConcurrent:  2,
		stackOpts:      []testutil.StackOption{testutil.WithProvider(slow)},
	})

	for range 6 {
		status, raw := e.do(t, http.MethodPost, "/pipeline/step", model.PipelineStepRequest{
			Mode: "WRITE", Payload: map[string]any{"prompt": "a lighthouse keeper leaves"},
		}, nil)
		assert.Equal(t, http.StatusGatewayTimeout, status, string(raw))
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, peak.Load())

	_, raw := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.EqualValues(t, 2, decodeData[model.HealthResponse](t, raw).InFlight)

	close(release)
	require.Eventually(t, func() bool {
		_, raw := e.do(t, http.MethodGet, "/health", nil, nil)
		return decodeData[model.HealthResponse](t, raw).InFlight == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(e.stack.Runs.Root())
		if err != nil {
			return false
		}
		for _, ent := range entries {
			if !storage.ValidRunID(ent.Name()) {
				continue
			}
			rec, err := e.stack.Runs.LoadManifest(ent.Name())
			if err != nil || !rec.Status.Terminal() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPipelineStep_JWTTeam(t *testing.T) {
	e := newEnv(t, envOpts{jwt: true})
	writers := map[string]string{"Authorization": "Bearer " + e.token(t, "writers")}
	body := model.PipelineStepRequest{Mode: "WRITE", Payload: map[string]any{"text": testutil.Prose}}

	status, _ := e.do(t, http.MethodPost, "/pipeline/step", body, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, raw := e.do(t, http.MethodPost, "/pipeline/step", body, writers)
	require.Equal(t, http.StatusOK, status, string(raw))
	resp := decodeData[model.PipelineStepResponse](t, raw)
	require.Len(t, resp.Artifacts, 1)
	assert.Equal(t, "writers", resp.Artifacts[0].Team.ID)

	body.Team = "reviewers"
	status, raw = e.do(t, http.MethodPost, "/pipeline/step", body, writers)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, model.ErrCodePolicyViolation, errorCode(t, raw))
}

func TestGetRun_Errors(t *testing.T) {
	e := newEnv(t, envOpts{})

	status, raw := e.do(t, http.MethodGet, "/runs/not-a-run", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, raw))

	status, raw = e.do(t, http.MethodGet, "/runs/"+storage.NewRunID(), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, model.ErrCodeNotFound, errorCode(t, raw))
}

func TestQualityCheckEndpoint(t *testing.T) {
	e := newEnv(t, envOpts{})

	status, raw := e.do(t, http.MethodPost, "/quality/check", model.QualityCheckRequest{Text: testutil.Prose}, nil)
	require.Equal(t, http.StatusOK, status)
	v := decodeData[model.QualityVerdict](t, raw)
	assert.Equal(t, model.DecisionAccept, v.Decision)

	status, raw = e.do(t, http.MethodPost, "/quality/check", model.QualityCheckRequest{
		Text: "- one\n- two\n- three", RequireProse: testutil.Ptr(true),
	}, nil)
	require.Equal(t, http.StatusOK, status)
	v = decodeData[model.QualityVerdict](t, raw)
	assert.True(t, v.HasReason(model.ReasonListStructure))
}

func TestUniquenessCheckEndpoint(t *testing.T) {
	e := newEnv(t, envOpts{})

	for _, scope := range []string{"book-a", "book-b"} {
		status, raw := e.do(t, http.MethodPost, "/uniqueness/check", model.UniquenessCheckRequest{
			Text: testutil.Prose, ScopeID: scope,
		}, nil)
		require.Equal(t, http.StatusOK, status, string(raw))
		res := decodeData[model.UniquenessResult](t, raw)
		if scope == "book-b" {
			assert.Equal(t, model.DecisionRevise, res.Decision)
			require.NotNil(t, res.BestMatch)
			assert.Equal(t, "api", res.BestMatch.Source)
		}
	}

	status, raw := e.do(t, http.MethodPost, "/uniqueness/check", model.UniquenessCheckRequest{Text: "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, raw))
}

func TestQualityPolicyAndFeedback(t *testing.T) {
	e := newEnv(t, envOpts{})

	status, raw := e.do(t, http.MethodGet, "/quality/policy", nil, nil)
	require.Equal(t, http.StatusOK, status)
	pol := decodeData[model.RetryPolicy](t, raw)
	assert.Equal(t, model.LevelYellow, pol.Level)

	status, _ = e.do(t, http.MethodPost, "/quality/feedback", model.FeedbackRequest{
		RunID: storage.NewRunID(), Accepted: true, Satisfaction: 0.9,
	}, nil)
	assert.Equal(t, http.StatusAccepted, status)

	sig, err := e.stack.DB.FeedbackSignals(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.9, sig.UserSatisfaction, 1e-9)

	status, raw = e.do(t, http.MethodPost, "/quality/feedback", model.FeedbackRequest{RunID: "r", Satisfaction: 2}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, raw))
}

func TestConfigEndpoints(t *testing.T) {
	e := newEnv(t, envOpts{})

	status, raw := e.do(t, http.MethodGet, "/pipeline/config/validate", nil, nil)
	require.Equal(t, http.StatusOK, status)
	rep := decodeData[struct {
		OK    bool     `json:"ok"`
		Modes []string `json:"modes"`
	}](t, raw)
	assert.True(t, rep.OK)
	assert.Contains(t, rep.Modes, "WRITE")

	// The test stack serves a static catalog; reloading it keeps it.
	status, _ = e.do(t, http.MethodPost, "/pipeline/config/reload", nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	t.Cleanup(func() { _ = limiter.Close() })
	e := newEnv(t, envOpts{limiter: limiter})

	body := model.QualityCheckRequest{Text: testutil.Prose}
	writers := map[string]string{server.HeaderTeam: "writers"}
	for range 2 {
		status, _ := e.do(t, http.MethodPost, "/quality/check", body, writers)
		assert.Equal(t, http.StatusOK, status)
	}
	status, raw := e.do(t, http.MethodPost, "/quality/check", body, writers)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, model.ErrCodeRateLimited, errorCode(t, raw))

	// Another team has its own bucket; read-only endpoints are not limited.
	status, _ = e.do(t, http.MethodPost, "/quality/check", body, map[string]string{server.HeaderTeam: "reviewers"})
	assert.Equal(t, http.StatusOK, status)
	status, _ = e.do(t, http.MethodGet, "/quality/policy", nil, writers)
	assert.Equal(t, http.StatusOK, status)
}

func newMCPClient(t *testing.T, e *env, token string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		e.url+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	return c
}

func TestMCPOverHTTP(t *testing.T) {
	e := newEnv(t, envOpts{jwt: true})
	c := newMCPClient(t, e, e.token(t, "writers"))
	ctx := context.Background()

	toolsResult, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)
	names := make([]string, 0, len(toolsResult.Tools))
	for _, tool := range toolsResult.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"pipeline_run", "quality_check", "uniqueness_check", "config_validate"}, names)

	// The token's team reaches the tool handlers.
	result, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "pipeline_run",
			Arguments: map[string]any{"target": "CRITIC", "text": testutil.Prose},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "pipeline_run",
			Arguments: map[string]any{"target": "WRITE", "text": testutil.Prose},
		},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	resources, err := c.ListResources(ctx, mcplib.ListResourcesRequest{})
	require.NoError(t, err)
	assert.Len(t, resources.Resources, 2)
}

func TestMCPUnauthenticated(t *testing.T) {
	e := newEnv(t, envOpts{jwt: true})
	status, _ := e.do(t, http.MethodPost, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}
