package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/service/pipeline"
	"github.com/ashita-ai/scriptorium/internal/storage"
	"github.com/ashita-ai/scriptorium/internal/testutil"
)

func TestParseRunURI(t *testing.T) {
	id := storage.NewRunID()

	tests := []struct {
		name    string
		uri     string
		wantID  string
		wantErr string
	}{
		{name: "valid", uri: runPrefix + id, wantID: id},
		{name: "wrong scheme", uri: "other://runs/" + id, wantErr: "invalid run URI"},
		{name: "empty id", uri: runPrefix, wantErr: "invalid run id"},
		{name: "path traversal", uri: runPrefix + "../../etc", wantErr: "invalid run id"},
		{name: "empty string", uri: "", wantErr: "invalid run URI"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRunURI(tt.uri)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, got)
		})
	}
}

func readRequest(uri string) mcplib.ReadResourceRequest {
	var req mcplib.ReadResourceRequest
	req.Params.URI = uri
	return req
}

func resourceText(t *testing.T, contents []mcplib.ResourceContents) string {
	t.Helper()
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "application/json", tc.MIMEType)
	return tc.Text
}

func TestRunResource(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	res, err := st.Executor.Execute(ctx, pipeline.Request{
		Target:  "polish",
		Payload: map[string]any{"text": testutil.Prose},
	})
	require.NoError(t, err)

	contents, err := s.handleRun(ctx, readRequest(runPrefix+res.RunID))
	require.NoError(t, err)

	var view model.RunView
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &view))
	assert.Equal(t, res.RunID, view.Manifest.RunID)
	assert.Equal(t, model.RunStatusDone, view.Manifest.Status)
	require.Len(t, view.Artifacts, 2)
	assert.Equal(t, testutil.Prose, view.Artifacts[0].Result.Payload["text"], "resource is not truncated")

	_, err = s.handleRun(ctx, readRequest(runPrefix+storage.NewRunID()))
	assert.Error(t, err)
}

func TestCatalogAndPolicyResources(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	contents, err := s.handleCatalog(ctx, readRequest(uriCatalog))
	require.NoError(t, err)
	var rep struct {
		Modes []string `json:"modes"`
	}
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &rep))
	assert.Contains(t, rep.Modes, "QUALITY")

	contents, err = s.handlePolicy(ctx, readRequest(uriPolicy))
	require.NoError(t, err)
	var pol model.RetryPolicy
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &pol))
	assert.Equal(t, s.Policies.Get().MaxRetries, pol.MaxRetries)
}
