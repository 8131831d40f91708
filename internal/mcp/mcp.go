// Package mcp implements the Model Context Protocol server for Scriptorium.
//
// The MCP server exposes the pipeline, the quality gate, and the uniqueness
// detector as MCP tools, and the catalog, active retry policy, and stored
// runs as resources, so MCP-compatible agents can drive content generation
// without speaking the HTTP API.
package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/scriptorium/internal/catalog"
	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/service/pipeline"
	"github.com/ashita-ai/scriptorium/internal/service/quality"
	"github.com/ashita-ai/scriptorium/internal/service/uniqueness"
	"github.com/ashita-ai/scriptorium/internal/storage"
)

// Deps are the services the MCP tools call.
type Deps struct {
	Executor *pipeline.Executor
	Catalogs *catalog.Store
	Runs     *storage.RunStore
	Detector *uniqueness.Detector
	Policies *quality.PolicyStore
	Logger   *slog.Logger
}

// Server wraps the MCP server with Scriptorium's service layer.
type Server struct {
	Deps
	mcpServer *mcpserver.MCPServer
}

// New creates and configures a new MCP server with all resources, tools,
// and prompts.
func New(d Deps, version string) *Server {
	s := &Server{Deps: d}

	s.mcpServer = mcpserver.NewMCPServer(
		"scriptorium",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions("Scriptorium runs content pipelines. "+
			"Call config_validate to see the available modes and presets, "+
			"then pipeline_run to execute one."),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

// errorResult reports a failure to the agent. Domain errors carry their
// kind so agents can tell a busy lock from a policy violation.
func errorResult(err error) *mcplib.CallToolResult {
	msg := err.Error()
	if kind := model.KindOf(err); kind != model.KindInternal {
		msg = string(kind) + ": " + msg
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
