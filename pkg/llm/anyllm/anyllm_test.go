package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/convoke/pkg/llm"
)

func TestNew(t *testing.T) {
	t.Run("rejects empty backend", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Error("empty backend name accepted")
		}
	})

	t.Run("rejects unknown backend", func(t *testing.T) {
		if _, err := New("carrier-pigeon", anyllmlib.WithAPIKey("k")); err == nil {
			t.Error("unknown backend name accepted")
		}
	})

	t.Run("known backends construct", func(t *testing.T) {
		for _, name := range []string{"anthropic", "ollama", "groq"} {
			p, err := New(name, anyllmlib.WithAPIKey("k"))
			if err != nil {
				t.Errorf("%s: %v", name, err)
				continue
			}
			if p.Name() != name {
				t.Errorf("Name() = %q, want %q", p.Name(), name)
			}
		}
	})

	t.Run("backend name is case insensitive", func(t *testing.T) {
		if _, err := New("Anthropic", anyllmlib.WithAPIKey("k")); err != nil {
			t.Errorf("mixed case backend rejected: %v", err)
		}
	})
}

func TestCapabilities(t *testing.T) {
	p := &Provider{name: "anthropic"}
	tests := []struct {
		model  string
		window int
	}{
		{"claude-sonnet-4-5", 200_000},
		{"claude-3-5-haiku-latest", 200_000},
		{"gemini-2.0-flash", 1_000_000},
		{"llama3", 128_000},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := p.Capabilities(tt.model)
			if caps.ContextWindow != tt.window {
				t.Errorf("window = %d, want %d", caps.ContextWindow, tt.window)
			}
			if !caps.SupportsStreaming {
				t.Error("streaming not reported")
			}
		})
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{name: "anthropic"}
	req := llm.Request{
		Model:        "claude-sonnet-4-5",
		SystemPrompt: "You are terse.",
		Messages: []llm.Message{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi"},
			{Role: "user", Content: "again"},
		},
		Temperature: 0.7,
		MaxTokens:   128,
	}
	params := p.buildParams(req)

	if params.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 4 || params.Messages[0].Role != "system" {
		t.Errorf("messages = %+v, want system prompt first", params.Messages)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Error("temperature not forwarded")
	}
	if params.MaxTokens == nil || *params.MaxTokens != 128 {
		t.Error("max tokens not forwarded")
	}

	bare := p.buildParams(llm.Request{Model: "m", Messages: []llm.Message{{Role: "user", Content: "x"}}})
	if bare.Temperature != nil || bare.MaxTokens != nil {
		t.Error("unset tuning fields were sent explicitly")
	}
	if len(bare.Messages) != 1 {
		t.Errorf("got %d messages, want 1 without a system prompt", len(bare.Messages))
	}
}
