package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// draft-chapter — walks the agent through drafting with the draft preset.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("draft-chapter",
			mcplib.WithPromptDescription("Draft a chapter through the write, critique, edit, and quality pipeline"),
			mcplib.WithArgument("book_id",
				mcplib.ArgumentDescription("Book the chapter belongs to"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("brief",
				mcplib.ArgumentDescription("What the chapter should cover"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleDraftChapterPrompt,
	)

	// review-chapter — check finished text without rewriting it.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-chapter",
			mcplib.WithPromptDescription("Review existing chapter text for quality and duplication"),
			mcplib.WithArgument("book_id",
				mcplib.ArgumentDescription("Book the chapter belongs to"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewChapterPrompt,
	)
}

func (s *Server) handleDraftChapterPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	bookID := strings.TrimSpace(request.Params.Arguments["book_id"])
	brief := strings.TrimSpace(request.Params.Arguments["brief"])
	if bookID == "" || brief == "" {
		return nil, fmt.Errorf("book_id and brief arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Draft a chapter for %s", bookID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Draft a chapter for book %q.

Brief: %s

1. CALL pipeline_run with target="draft", book_id=%q, and the brief as prompt.

2. READ the result:
   - status DONE without stop: the chapter passed the quality gate.
   - stop set: the gate rejected the text. Read the QUALITY artifact reasons,
     adjust the brief, and run again.
   - status ERROR: a step failed. Call pipeline_run again with resume=true
     and the same book_id to continue from the failed step.

3. Before publishing, CALL uniqueness_check with the final text and
   scope_id=%q to make sure the chapter does not repeat earlier ones.`, bookID, brief, bookID, bookID),
				},
			},
		},
	}, nil
}

func (s *Server) handleReviewChapterPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	bookID := strings.TrimSpace(request.Params.Arguments["book_id"])
	if bookID == "" {
		return nil, fmt.Errorf("book_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Review a chapter of %s", bookID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Review the chapter text I give you for book %q.

CALL pipeline_run with target="review", book_id=%q, and the chapter as text.
The review preset critiques the text, gates it on quality, and checks it
against earlier chapters of the book. Report the critic notes, the quality
decision with its reasons, and any near-duplicate match.`, bookID, bookID),
				},
			},
		},
	}, nil
}
