package scriptorium

import (
	"context"

	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/service/generation"
)

// GenerateRequest is one text generation call made by a WRITE or EDIT step.
// No internal package imports; safe to use from outside the module.
type GenerateRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Generator produces text for pipeline steps. Implementations must be safe for
// concurrent use and should honor ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	Name() string
}

// generatorAdapter lets a public Generator stand in for an internal provider.
type generatorAdapter struct {
	g Generator
}

func (a generatorAdapter) Name() string { return a.g.Name() }

func (a generatorAdapter) Generate(ctx context.Context, req generation.Request) (generation.Response, error) {
	text, err := a.g.Generate(ctx, GenerateRequest{
		Model:       req.Model,
		System:      req.System,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return generation.Response{}, model.Wrap(model.KindProvider, "generation."+a.g.Name(), err)
	}
	return generation.Response{Text: text, Model: req.Model}, nil
}
