package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptRequest(args map[string]string) mcplib.GetPromptRequest {
	var req mcplib.GetPromptRequest
	req.Params.Arguments = args
	return req
}

func promptText(t *testing.T, res *mcplib.GetPromptResult) string {
	t.Helper()
	require.Len(t, res.Messages, 1)
	tc, ok := res.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestDraftChapterPrompt(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleDraftChapterPrompt(context.Background(), promptRequest(map[string]string{
		"book_id": "lighthouse",
		"brief":   "Mara leaves Gull Point",
	}))
	require.NoError(t, err)
	text := promptText(t, res)
	assert.Contains(t, text, `target="draft"`)
	assert.Contains(t, text, `book_id="lighthouse"`)
	assert.Contains(t, text, "Mara leaves Gull Point")
	assert.Contains(t, text, "uniqueness_check")

	_, err = s.handleDraftChapterPrompt(context.Background(), promptRequest(map[string]string{"book_id": "lighthouse"}))
	assert.Error(t, err)
}

func TestReviewChapterPrompt(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleReviewChapterPrompt(context.Background(), promptRequest(map[string]string{"book_id": "lighthouse"}))
	require.NoError(t, err)
	assert.Contains(t, promptText(t, res), `target="review"`)

	_, err = s.handleReviewChapterPrompt(context.Background(), promptRequest(nil))
	assert.Error(t, err)
}
