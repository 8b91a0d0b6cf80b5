// Package intent classifies user utterances into a closed tag set that drives
// routing. Classification is a pure function over the utterance and recent
// turns: no I/O, no model calls, sub-millisecond.
package intent

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Tag is one of the closed set of intent labels.
type Tag string

const (
	SocialChat     Tag = "social_chat"
	QARetrieval    Tag = "qa_retrieval"
	CodingHelp     Tag = "coding_help"
	EditingWriting Tag = "editing_writing"
	ReasoningMath  Tag = "reasoning_math"
	AmbiguousOther Tag = "ambiguous_other"
)

// SubWebMultisearch is the qa_retrieval sub-tag selecting the
// multi-source web-search-then-synthesise pipeline.
const SubWebMultisearch = "web_multisearch"

// Result is the output of [Classify].
type Result struct {
	// Tag is the chosen intent label.
	Tag Tag

	// Sub distinguishes pipelines within a tag (e.g., "web_multisearch").
	// Empty for the default pipeline.
	Sub string

	// Confidence is a bounded heuristic in [0, 1] — match density over
	// utterance length. Used only by the router to decide whether to start
	// with a small model.
	Confidence float64
}

// String returns the full tag, joining tag and sub-tag with a colon.
func (r Result) String() string {
	if r.Sub == "" {
		return string(r.Tag)
	}
	return string(r.Tag) + ":" + r.Sub
}

// greetings are utterance shapes that resolve to social_chat when no
// interrogative structure is present. Matched fuzzily (Damerau-Levenshtein
// distance ≤ 1) so "helo" and "thansk" still land correctly.
var greetings = []string{
	"hi", "hello", "hey", "howdy", "yo", "thanks", "thank", "thx",
	"morning", "evening", "afternoon", "bye", "goodbye", "cheers",
}

// greetingPhrases are multi-word social openings checked as prefixes.
var greetingPhrases = []string{
	"how are you", "how's it going", "hows it going", "what's up", "whats up",
	"good morning", "good evening", "good afternoon", "good night",
	"nice to meet you", "thank you",
}

// timeIndicators mark a query as time-sensitive when combined with a topical
// noun, selecting the web_multisearch pipeline.
var timeIndicators = []string{
	"today", "yesterday", "tonight", "this week", "this month", "last week",
	"latest", "recent", "recently", "breaking", "right now", "currently",
	"days ago", "hours ago", "this morning", "news",
}

// codeVerbs are imperative verbs that suggest a coding request when paired
// with a programming context.
var codeVerbs = []string{
	"write", "implement", "debug", "refactor", "fix", "optimize", "optimise",
	"explain", "review", "test",
}

// codeContexts are tokens that establish a programming context.
var codeContexts = []string{
	"code", "function", "method", "class", "struct", "bug", "error",
	"compile", "script", "program", "api", "regex", "query", "algorithm",
	"python", "go", "golang", "javascript", "typescript", "java", "rust",
	"sql", "html", "css", "bash", "c++", "ruby", "kotlin", "swift",
}

// editVerbs select editing_writing.
var editVerbs = []string{
	"rewrite", "edit", "polish", "shorten", "lengthen", "proofread",
	"paraphrase", "summarize", "summarise", "condense", "rephrase", "tighten",
}

// mathMarkers select reasoning_math.
var mathMarkers = []string{
	"calculate", "compute", "solve", "prove", "proof", "theorem", "equation",
	"integral", "derivative", "probability", "percent", "sum of",
	"how many", "step by step",
}

// interrogatives open a direct qa_retrieval question.
var interrogatives = []string{"what", "who", "where", "when", "why", "how", "which"}

// Classify maps an utterance (plus recent turns, currently unused beyond
// future continuity heuristics) to an intent tag with a confidence score.
// Ties are broken by rule order: social, web-time, coding, editing, math,
// direct question, ambiguous.
func Classify(utterance string, _ []string) Result {
	text := strings.ToLower(strings.TrimSpace(utterance))
	tokens := tokenize(text)

	if len(tokens) == 0 {
		return Result{Tag: AmbiguousOther, Confidence: 0}
	}

	// 1. Social greetings: short, greeting-shaped, no interrogative structure.
	if isGreeting(text, tokens) {
		return Result{Tag: SocialChat, Confidence: confidence(len(tokens), len(tokens))}
	}

	// 2. Time-sensitive retrieval: a time indicator plus at least one
	// topical (non-stopword) noun.
	if n := countContains(text, timeIndicators); n > 0 && hasTopicalNoun(tokens) {
		return Result{Tag: QARetrieval, Sub: SubWebMultisearch, Confidence: confidence(n+1, len(tokens))}
	}

	// 3. Coding: imperative code verb with a programming context or fence.
	if hasAny(tokens, codeVerbs) && (strings.Contains(text, "```") || hasAny(tokens, codeContexts)) {
		return Result{Tag: CodingHelp, Confidence: confidence(2, len(tokens))}
	}

	// 4. Editing and rewriting.
	if hasAny(tokens, editVerbs) {
		return Result{Tag: EditingWriting, Confidence: confidence(1, len(tokens))}
	}

	// 5. Math and multi-step reasoning.
	if n := countContains(text, mathMarkers); n > 0 || hasArithmetic(text) {
		return Result{Tag: ReasoningMath, Confidence: confidence(n+1, len(tokens))}
	}

	// 6. Plain interrogatives with no time indicator: direct LLM retrieval.
	if hasAny(tokens[:1], interrogatives) || strings.HasSuffix(text, "?") {
		return Result{Tag: QARetrieval, Confidence: confidence(1, len(tokens))}
	}

	return Result{Tag: AmbiguousOther, Confidence: 0.3}
}

// isGreeting reports whether the utterance is a social opening: short, no
// question mark beyond rhetorical "how are you" shapes, and either a greeting
// phrase prefix or a fuzzy greeting-word match.
func isGreeting(text string, tokens []string) bool {
	if len(tokens) > 6 {
		return false
	}
	for _, p := range greetingPhrases {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	if strings.Contains(text, "?") {
		return false
	}
	for _, g := range greetings {
		// One edit of distance covers "helo" and "thx", but for words of
		// three letters or fewer it also covers most of the function-word
		// vocabulary ("the" is one edit from "thx"), so short tokens must
		// match exactly.
		if tokens[0] == g {
			return true
		}
		if len(tokens[0]) > 3 && matchr.DamerauLevenshtein(tokens[0], g) <= 1 {
			return true
		}
	}
	return false
}

// hasTopicalNoun reports whether at least one token is a plausible content
// word (≥ 4 letters and not an indicator/interrogative).
func hasTopicalNoun(tokens []string) bool {
	for _, t := range tokens {
		if len(t) < 4 || hasAny([]string{t}, interrogatives) {
			continue
		}
		isIndicator := false
		for _, ind := range timeIndicators {
			if strings.Contains(ind, t) {
				isIndicator = true
				break
			}
		}
		if !isIndicator {
			return true
		}
	}
	return false
}

// hasArithmetic reports whether the text contains an inline arithmetic
// expression such as "7*13" or "12 + 5".
func hasArithmetic(text string) bool {
	sawDigit := false
	for i, r := range text {
		if unicode.IsDigit(r) {
			sawDigit = true
			continue
		}
		if sawDigit && strings.ContainsRune("+-*/^%=", r) && i+1 < len(text) {
			rest := strings.TrimLeft(text[i+1:], " ")
			if rest != "" && unicode.IsDigit(rune(rest[0])) {
				return true
			}
		}
		if !unicode.IsSpace(r) {
			sawDigit = false
		}
	}
	return false
}

// tokenize splits text into lowercase word tokens, stripping punctuation.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '+'
	})
}

// hasAny reports whether any token equals any candidate.
func hasAny(tokens, candidates []string) bool {
	for _, t := range tokens {
		for _, c := range candidates {
			if t == c {
				return true
			}
		}
	}
	return false
}

// countContains counts how many candidates occur as substrings of text.
func countContains(text string, candidates []string) int {
	n := 0
	for _, c := range candidates {
		if strings.Contains(text, c) {
			n++
		}
	}
	return n
}

// confidence is matched-signal density over utterance length, clamped to
// [0.2, 1.0] so a single strong signal in a long utterance still registers.
func confidence(matches, tokens int) float64 {
	if tokens == 0 {
		return 0
	}
	c := float64(matches*2) / float64(tokens)
	if c > 1 {
		c = 1
	}
	if c < 0.2 {
		c = 0.2
	}
	return c
}
