package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/scriptorium/internal/storage"
)

const (
	uriCatalog = "scriptorium://catalog"
	uriPolicy  = "scriptorium://quality/policy"
	runPrefix  = "scriptorium://runs/"
)

func (s *Server) registerResources() {
	// scriptorium://catalog — validation report of the loaded catalog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriCatalog,
			"Catalog",
			mcplib.WithResourceDescription("Modes, presets, and teams of the loaded catalog with validation results"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCatalog,
	)

	// scriptorium://quality/policy — the active retry policy.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriPolicy,
			"Retry Policy",
			mcplib.WithResourceDescription("Active quality retry policy as tuned by user feedback"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePolicy,
	)

	// scriptorium://runs/{run_id} — manifest and full artifacts of one run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runPrefix+"{run_id}",
			"Run",
			mcplib.WithTemplateDescription("Manifest and step artifacts of a pipeline run"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRun,
	)
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleCatalog(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonContents(uriCatalog, s.Catalogs.Current().Validate())
}

func (s *Server) handlePolicy(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonContents(uriPolicy, s.Policies.Get())
}

func (s *Server) handleRun(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	runID, err := parseRunURI(uri)
	if err != nil {
		return nil, err
	}
	view, err := s.Runs.Get(runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run %s: %w", runID, err)
	}
	return jsonContents(uri, view)
}

// parseRunURI extracts the run id from scriptorium://runs/{run_id}.
func parseRunURI(uri string) (string, error) {
	runID, ok := strings.CutPrefix(uri, runPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	if !storage.ValidRunID(runID) {
		return "", fmt.Errorf("mcp: invalid run id in URI: %q", runID)
	}
	return runID, nil
}
