package thread

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/convoke/pkg/llm"
)

// summarisationPrompt is the system prompt used when condensing older turns.
const summarisationPrompt = `Summarise the following conversation between a user and an assistant.
Preserve: facts the user stated about themselves, decisions made, open tasks,
and any names, projects, or preferences mentioned. Be concise.`

// Summariser condenses a slice of turns into a short summary string.
type Summariser interface {
	Summarise(ctx context.Context, turns []Turn) (string, error)
}

// LLMSummariser condenses turns with a short model call.
type LLMSummariser struct {
	provider llm.Provider
	model    string
}

// NewLLMSummariser creates a summariser backed by the given provider and
// model. A small, fast model is the right choice here.
func NewLLMSummariser(provider llm.Provider, model string) *LLMSummariser {
	return &LLMSummariser{provider: provider, model: model}
}

var _ Summariser = (*LLMSummariser)(nil)

// Summarise formats the turns into a transcript and asks the model for a
// condensed summary.
func (s *LLMSummariser) Summarise(ctx context.Context, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Role, t.Content)
	}

	resp, err := s.provider.Call(ctx, llm.Request{
		Model:        s.model,
		SystemPrompt: summarisationPrompt,
		Messages:     []llm.Message{{Role: RoleUser, Content: sb.String()}},
		Temperature:  0.3,
		MaxTokens:    256,
	})
	if err != nil {
		return "", fmt.Errorf("thread: summarise: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// headTailCondense is the degraded-path summary used when no model is
// reachable: it keeps the first and last turn of the condensed window and
// notes how many were elided.
func headTailCondense(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	head := clip(turns[0].Content, 160)
	if len(turns) == 1 {
		return head
	}
	tail := clip(turns[len(turns)-1].Content, 160)
	if len(turns) == 2 {
		return head + " … " + tail
	}
	return fmt.Sprintf("%s … [%d earlier turns elided] … %s", head, len(turns)-2, tail)
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
