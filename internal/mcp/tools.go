package mcp

import (
	"context"
	"errors"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/scriptorium/internal/ctxutil"
	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/service/pipeline"
	"github.com/ashita-ai/scriptorium/internal/service/quality"
	"github.com/ashita-ai/scriptorium/internal/service/tools"
)

func (s *Server) registerTools() {
	// pipeline_run — execute a mode or preset.
	s.mcpServer.AddTool(
		mcplib.NewTool("pipeline_run",
			mcplib.WithDescription(`Run a content pipeline: a single mode or a preset chain of modes.

WHEN TO USE: To draft, critique, edit, or check text. Call config_validate
first if you do not know which modes and presets exist.

WHAT YOU GET BACK:
- run_id: pass it back with resume=true to continue an interrupted run
- status: DONE or ERROR
- stop: set when the quality gate ended the run early
- artifacts: one entry per executed step, long text truncated

Runs on the same book_id are serialized; a busy book reports LOCK.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("target",
				mcplib.Description("Mode or preset id, e.g. draft or write"),
				mcplib.Required(),
			),
			mcplib.WithString("text", mcplib.Description("Input text for the first step")),
			mcplib.WithString("prompt", mcplib.Description("Generation prompt for write steps")),
			mcplib.WithString("book_id", mcplib.Description("Book the run belongs to; serializes runs per book")),
			mcplib.WithString("run_id", mcplib.Description("Existing run to resume")),
			mcplib.WithBoolean("resume", mcplib.Description("Continue run_id, or the book's last run when run_id is empty")),
			mcplib.WithString("team", mcplib.Description("Team to act as. Defaults to your authenticated team.")),
			mcplib.WithString("model", mcplib.Description("Requested model; subject to the allowlist")),
		),
		s.handlePipelineRun,
	)

	// quality_check — score text without running a pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("quality_check",
			mcplib.WithDescription(`Score text with the quality gate and return ACCEPT, REVISE, or REJECT with reasons.

WHEN TO USE: Before handing text to a reader, or to decide whether a draft
needs another editing pass. Does not record anything.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("text", mcplib.Description("Text to score"), mcplib.Required()),
			mcplib.WithNumber("min_words",
				mcplib.Description("Minimum word count; defaults to the catalog setting"),
				mcplib.Min(0),
			),
			mcplib.WithNumber("quality_floor",
				mcplib.Description("Score below which text is revised (0.0-1.0)"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
		),
		s.handleQualityCheck,
	)

	// uniqueness_check — compare text against earlier fingerprints in a scope.
	s.mcpServer.AddTool(
		mcplib.NewTool("uniqueness_check",
			mcplib.WithDescription(`Check text for near-duplicates of earlier text in the same scope and record its fingerprint.

WHEN TO USE: Before publishing a chapter, to catch content that repeats an
earlier chapter of the same book.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("text", mcplib.Description("Text to fingerprint"), mcplib.Required()),
			mcplib.WithString("scope_id", mcplib.Description("Comparison scope, usually the book id"), mcplib.Required()),
			mcplib.WithString("run_id", mcplib.Description("Run the text belongs to")),
		),
		s.handleUniquenessCheck,
	)

	// config_validate — report the loaded catalog.
	s.mcpServer.AddTool(
		mcplib.NewTool("config_validate",
			mcplib.WithDescription(`Validate the loaded catalog and list its modes, presets, and teams.

WHEN TO USE: To discover valid pipeline_run targets, or after editing the
catalog to confirm every reference resolves.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleConfigValidate,
	)
}

func (s *Server) handlePipelineRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	target := strings.TrimSpace(request.GetString("target", ""))
	if target == "" {
		return errorResult(errors.New("target is required")), nil
	}
	team, err := ctxutil.ResolveTeam(ctx, request.GetString("team", ""))
	if err != nil {
		return errorResult(err), nil
	}

	payload := map[string]any{}
	if text := request.GetString("text", ""); text != "" {
		if len(text) > model.MaxTextLen {
			return errorResult(errors.New("text exceeds maximum length")), nil
		}
		payload[tools.KeyText] = text
	}
	if prompt := request.GetString("prompt", ""); prompt != "" {
		payload[tools.KeyPrompt] = prompt
	}

	res, err := s.Executor.Execute(ctx, pipeline.Request{
		Target:     target,
		BookID:     request.GetString("book_id", ""),
		Payload:    payload,
		RunID:      request.GetString("run_id", ""),
		Resume:     request.GetBool("resume", false),
		CallerTeam: team,
		Model:      request.GetString("model", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(compactResult(res))
}

func (s *Server) handleQualityCheck(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	text := request.GetString("text", "")
	if len(text) > model.MaxTextLen {
		return errorResult(errors.New("text exceeds maximum length")), nil
	}
	th := quality.ScopeFor(s.Catalogs.Current().Quality, "", "", nil).Thresholds(s.Policies.Get())
	if v := request.GetInt("min_words", 0); v > 0 {
		th.MinWords = v
	}
	if v := request.GetFloat("quality_floor", 0); v > 0 {
		th.QualityFloor = v
	}
	return jsonResult(quality.Evaluate(text, th))
}

func (s *Server) handleUniquenessCheck(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	text := request.GetString("text", "")
	scopeID := strings.TrimSpace(request.GetString("scope_id", ""))
	if strings.TrimSpace(text) == "" || scopeID == "" {
		return errorResult(errors.New("text and scope_id are required")), nil
	}
	if len(text) > model.MaxTextLen || len(scopeID) > model.MaxIDLen {
		return errorResult(errors.New("text or scope_id exceeds maximum length")), nil
	}
	res, err := s.Detector.Check(ctx, text, scopeID, request.GetString("run_id", ""), "mcp")
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleConfigValidate(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.Catalogs.Current().Validate())
}
