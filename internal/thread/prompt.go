package thread

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MrWong99/convoke/pkg/llm"
)

// charsPerToken is the heuristic ratio used for token estimation. English
// text averages roughly 4 characters per token across common tokenizers.
// This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// promptBudgetRatio caps the total prompt at this fraction of the model's
// context window, leaving room for the completion.
const promptBudgetRatio = 0.70

// PromptInput is everything the context builder consumes for one request.
type PromptInput struct {
	Persona string
	Snap    Snapshot
	// Fragments are cross-thread memory texts, most relevant first.
	Fragments []string
	UserText  string
	// SafetyNote, when set, is appended to the system prompt.
	SafetyNote string
	// ContextWindow is the chosen model's context window in tokens.
	ContextWindow int
}

// BuildPrompt assembles the provider request body for one turn: system
// message (persona + summary + profile facts + fragments + safety note),
// prior turns in order, then the new user utterance.
//
// The estimated prompt size is capped at 70% of the context window. On
// overflow, prior turns are dropped from the prompt oldest-first; the
// summary, facts, and the new utterance are always included.
func BuildPrompt(in PromptInput) (systemPrompt string, messages []llm.Message) {
	var sys strings.Builder
	sys.WriteString(in.Persona)

	if in.Snap.Summary != "" {
		fmt.Fprintf(&sys, "\n\nEarlier in this conversation: %s", in.Snap.Summary)
	}
	if len(in.Snap.ProfileFacts) > 0 {
		keys := make([]string, 0, len(in.Snap.ProfileFacts))
		for k := range in.Snap.ProfileFacts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, in.Snap.ProfileFacts[k]))
		}
		fmt.Fprintf(&sys, "\n\nKnown about the user: %s.", strings.Join(parts, "; "))
	}
	if len(in.Fragments) > 0 {
		sys.WriteString("\n\nRelevant notes from earlier conversations:")
		for _, f := range in.Fragments {
			fmt.Fprintf(&sys, "\n- %s", f)
		}
	}
	if in.SafetyNote != "" {
		fmt.Fprintf(&sys, "\n\n%s", in.SafetyNote)
	}
	systemPrompt = sys.String()

	budget := int(float64(in.ContextWindow) * promptBudgetRatio)
	used := estimateTokens(systemPrompt) + estimateTokens(in.UserText) + 2

	// Walk prior turns newest-first to find how many fit, then emit them
	// in chronological order. System turns are persona concerns already
	// folded into the system prompt.
	history := make([]Turn, 0, len(in.Snap.Turns))
	for _, t := range in.Snap.Turns {
		if t.Role != RoleSystem {
			history = append(history, t)
		}
	}
	first := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := estimateTokens(history[i].Content) + 1
		if in.ContextWindow > 0 && used+cost > budget {
			break
		}
		used += cost
		first = i
	}

	messages = make([]llm.Message, 0, len(history)-first+1)
	for _, t := range history[first:] {
		messages = append(messages, llm.Message{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, llm.Message{Role: RoleUser, Content: in.UserText})
	return systemPrompt, messages
}

func estimateTokens(s string) int {
	tokens := len(s) / charsPerToken
	if tokens == 0 && len(s) > 0 {
		tokens = 1
	}
	return tokens
}
