// Package openai provides an LLM adapter backed by the OpenAI API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/convoke/pkg/llm"
)

// name is the stable provider identifier reported by [Provider.Name].
const name = "openai"

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
}

// Compile-time assertion that Provider satisfies the adapter contract.
var _ llm.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// New constructs a new OpenAI adapter. All instances share the process-wide
// pooled HTTP client so connections stay warm across requests.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(llm.SharedHTTPClient),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}

	return &Provider{client: oai.NewClient(reqOpts...)}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return name }

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	params := buildParams(req)
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, categorize(err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		var sawMeta bool
		for stream.Next() {
			chunk := stream.Current()

			if !sawMeta && chunk.ID != "" {
				sawMeta = true
				out := llm.Chunk{Kind: llm.ChunkMeta, Meta: map[string]string{
					"provider_message_id": chunk.ID,
					"model":               chunk.Model,
				}}
				select {
				case ch <- out:
				case <-ctx.Done():
					return
				}
			}

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				select {
				case ch <- llm.Chunk{Kind: llm.ChunkDelta, Text: chunk.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return
				}
			}

			// The usage frame arrives with an empty choice list when
			// IncludeUsage is set.
			if chunk.Usage.TotalTokens > 0 {
				out := llm.Chunk{Kind: llm.ChunkUsage, Usage: llm.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}}
				select {
				case ch <- out:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{Kind: llm.ChunkError, Err: categorize(err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Call implements llm.Provider.
func (p *Provider) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, buildParams(req))
	if err != nil {
		return nil, categorize(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.Error{Kind: llm.KindTransient, Provider: name,
			Err: fmt.Errorf("empty choices in response")}
	}

	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, &llm.Error{Kind: llm.KindSafetyRefusal, Provider: name,
			Err: fmt.Errorf("completion stopped by content filter")}
	}

	return &llm.Response{
		Text: choice.Message.Content,
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		ProviderMessageID: resp.ID,
	}, nil
}

// Ping implements llm.Provider. It lists models, the cheapest authenticated
// round trip the API offers, establishing a warm connection as a side effect.
func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx); err != nil {
		return categorize(err)
	}
	return nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities(model string) llm.Capabilities {
	caps := llm.Capabilities{
		ContextWindow:     128_000,
		MaxOutputTokens:   4_096,
		SupportsStreaming: true,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o-mini"), strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "gpt-4-turbo"):
		caps.MaxOutputTokens = 4_096
	case strings.HasPrefix(lower, "gpt-4"):
		caps.ContextWindow = 8_192
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
	}
	return caps
}

// buildParams converts an llm.Request into OpenAI SDK params.
func buildParams(req llm.Request) oai.ChatCompletionNewParams {
	var messages []oai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, oai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params
}

// categorize maps SDK errors onto the gateway error taxonomy.
func categorize(err error) *llm.Error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return llm.Categorize(name, apiErr.StatusCode, err)
	}
	return llm.Categorize(name, 0, err)
}
