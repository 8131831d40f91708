// Package generation produces text from a language model.
//
// Defines a Provider interface with an OpenAI-compatible implementation and a
// deterministic offline Echo provider. Resilient wraps any provider with
// bounded retries and degrades to a clearly marked fallback instead of
// failing the pipeline.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ashita-ai/scriptorium/internal/model"
)

// Request is a single generation call.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response is a generation result. Fallback marks text that did not come
// from the provider.
type Response struct {
	Text     string `json:"text"`
	Model    string `json:"model"`
	Fallback bool   `json:"fallback,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Provider generates text.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

// OpenAIProvider calls the Chat Completions API of OpenAI or any compatible
// endpoint.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a provider. baseURL may be empty. The client's
// own retries are disabled; wrap the provider in Resilient instead.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Response, error) {
	params := openai.ChatCompletionNewParams{Model: req.Model}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))
	params.Messages = messages

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, model.Wrap(model.KindProvider, "generation.openai", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, model.Errorf(model.KindProvider, "generation.openai", "no choices in response")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Response{}, model.Errorf(model.KindProvider, "generation.openai", "empty completion")
	}
	return Response{Text: text, Model: resp.Model}, nil
}

// Echo is a deterministic provider for offline use and tests. It returns
// the prompt's source text unchanged, so pipelines still move text forward.
type Echo struct{}

// Name implements Provider.
func (Echo) Name() string { return "echo" }

// Generate implements Provider.
func (Echo) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	text := req.Prompt
	if i := strings.LastIndex(text, SourceMarker); i >= 0 {
		text = text[i+len(SourceMarker):]
	}
	return Response{Text: strings.TrimSpace(text), Model: req.Model}, nil
}

// SourceMarker precedes the text a prompt asks the model to work on. Echo
// returns whatever follows the last marker.
const SourceMarker = "\n---\n"

// Func adapts a function to Provider.
type Func func(ctx context.Context, req Request) (Response, error)

// Name implements Provider.
func (Func) Name() string { return "func" }

// Generate implements Provider.
func (f Func) Generate(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// IsProviderError reports whether err came from a provider call.
func IsProviderError(err error) bool {
	var de *model.Error
	return errors.As(err, &de) && de.Kind == model.KindProvider
}

// errorText renders err for a fallback marker.
func errorText(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
