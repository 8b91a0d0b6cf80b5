// Package anyllm provides an LLM adapter backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more. It is the gateway's second reference adapter: one registration per
// backend name gives a routable provider without an SDK integration of its own.
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/convoke/pkg/llm"
)

// Provider implements llm.Provider by wrapping any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	name    string
}

var _ llm.Provider = (*Provider)(nil)

// New creates an adapter for the given backend name.
//
// backendName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq".
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). Without an API key option the backend falls back to
// its conventional environment variable (ANTHROPIC_API_KEY, …).
func New(backendName string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backendName must not be empty")
	}
	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}
	return &Provider{backend: backend, name: backendName}, nil
}

// createBackend creates the underlying any-llm-go provider for name.
func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq", name)
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return p.name }

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	backendChunks, backendErrs := p.backend.CompletionStream(ctx, p.buildParams(req))

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.Content == "" {
				continue
			}
			select {
			case ch <- llm.Chunk{Kind: llm.ChunkDelta, Text: delta.Content}:
			case <-ctx.Done():
				return
			}
		}

		// Backend errors surface after the chunk channel drains.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{Kind: llm.ChunkError, Err: llm.Categorize(p.name, 0, err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Call implements llm.Provider.
func (p *Provider) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, llm.Categorize(p.name, 0, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.Error{Kind: llm.KindTransient, Provider: p.name,
			Err: fmt.Errorf("empty choices in response")}
	}

	choice := resp.Choices[0]
	result := &llm.Response{
		Text: choice.Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return result, nil
}

// Ping implements llm.Provider. any-llm-go exposes no dedicated health call,
// so Ping issues a one-token completion against the backend's default model.
func (p *Provider) Ping(ctx context.Context) error {
	one := 1
	_, err := p.backend.Completion(ctx, anyllmlib.CompletionParams{
		Messages:  []anyllmlib.Message{{Role: "user", Content: "ping"}},
		MaxTokens: &one,
	})
	if err != nil {
		return llm.Categorize(p.name, 0, err)
	}
	return nil
}

// Capabilities implements llm.Provider. Backend-specific limits are not
// exposed by any-llm-go, so conservative defaults are reported.
func (p *Provider) Capabilities(model string) llm.Capabilities {
	caps := llm.Capabilities{
		ContextWindow:     128_000,
		MaxOutputTokens:   4_096,
		SupportsStreaming: true,
	}
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude-3-5"), strings.HasPrefix(lower, "claude-sonnet"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "gemini"):
		caps.ContextWindow = 1_000_000
		caps.MaxOutputTokens = 8_192
	}
	return caps
}

// buildParams converts an llm.Request into any-llm-go params.
func (p *Provider) buildParams(req llm.Request) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}
