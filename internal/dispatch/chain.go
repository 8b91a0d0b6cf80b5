package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/convoke/internal/coalesce"
	"github.com/MrWong99/convoke/internal/guard"
	"github.com/MrWong99/convoke/internal/intent"
	"github.com/MrWong99/convoke/internal/keys"
	"github.com/MrWong99/convoke/internal/pace"
	"github.com/MrWong99/convoke/internal/route"
	"github.com/MrWong99/convoke/internal/thread"
	"github.com/MrWong99/convoke/pkg/llm"
	"github.com/MrWong99/convoke/pkg/websearch"
)

// defaultContextWindow is assumed when an adapter reports no window for a
// model.
const defaultContextWindow = 128000

// chainStatus is the outcome of walking a fallback chain.
type chainStatus int

const (
	statusOK chainStatus = iota
	statusCancelled
	statusExhausted
	// statusInternal: the stream broke after deltas were already on the
	// wire, so neither fallback nor an error event is allowed.
	statusInternal
)

// chainResult carries everything the persist and post-turn steps need.
type chainResult struct {
	status    chainStatus
	text      string
	provider  string
	model     string
	usage     llm.Usage
	citations []llm.Citation
	refused   bool

	providersUsed   []string
	promptCanonical string
	queueWait       time.Duration
	ttft            time.Duration
}

// runChain walks the fallback ladder for one request, relaying chunks into
// the emitter. The outward SSE stream stays single and continuous across
// rungs: the meta event is only emitted once the winning rung produces its
// first delta.
func (c *Core) runChain(ctx context.Context, req Request, verdict guard.Verdict, res intent.Result,
	dec route.Decision, snap thread.Snapshot, fragments []string, em Emitter, logger *slog.Logger,
) chainResult {
	out := chainResult{status: statusExhausted}

	// The multisearch pipeline fronts the synthesiser with fresh results.
	var searchContext string
	if dec.Pipeline == route.PipelineWebMultisearch && c.search != nil {
		results, err := c.search.Search(ctx, verdict.Text, 5, 7)
		switch {
		case err != nil:
			logger.Warn("web search failed, synthesising without results", "error", err)
		case len(results) > 0:
			out.providersUsed = append(out.providersUsed, c.search.Name())
			searchContext = formatSearchResults(results)
			for _, r := range results {
				out.citations = append(out.citations, llm.Citation{Title: r.Title, URL: r.URL})
			}
		}
	}

	metaSent := false
	for _, target := range dec.Chain {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				out.status = statusCancelled
			}
			return out
		}

		provider, ok := c.providers[target.Provider]
		if !ok {
			logger.Warn("chain references unconfigured provider", "provider", target.Provider)
			continue
		}
		breaker := c.breakers.For(target.Provider, target.Model)
		if err := breaker.Allow(); err != nil {
			logger.Debug("circuit open, skipping rung",
				"provider", target.Provider, "model", target.Model)
			continue
		}
		// Per-org credentials decrypt lazily here and nowhere else. A
		// missing record falls through to the process-wide credential;
		// an undecryptable one disqualifies the rung.
		if _, err := c.keys.Get(ctx, req.OrgID, target.Provider); err != nil && !errors.Is(err, keys.ErrNotFound) {
			logger.Warn("credential unavailable, skipping rung",
				"provider", target.Provider, "error", err)
			continue
		}

		logger.Debug("attempting rung",
			"state", route.StatePaced.String(),
			"provider", target.Provider, "model", target.Model)

		lease, err := c.pacers.For(target.Provider).Acquire(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				out.status = statusCancelled
			}
			return out
		}
		out.queueWait = lease.QueueWait
		c.metrics.QueueWait.Record(ctx, lease.QueueWait.Seconds())

		caps := provider.Capabilities(target.Model)
		window := caps.ContextWindow
		if window <= 0 {
			window = defaultContextWindow
		}
		systemPrompt, messages := thread.BuildPrompt(thread.PromptInput{
			Persona:       c.persona,
			Snap:          snap,
			Fragments:     fragments,
			UserText:      composeUserText(verdict.Text, searchContext),
			SafetyNote:    verdict.SafetyNote,
			ContextWindow: window,
		})
		llmReq := llm.Request{
			Model:        target.Model,
			SystemPrompt: systemPrompt,
			Messages:     messages,
			Temperature:  0.7,
		}
		out.promptCanonical = canonicalPrompt(systemPrompt, messages)

		attempt := c.attempt(ctx, req, target, provider, llmReq, out.promptCanonical, em, &metaSent, res, dec)
		lease.Release(attempt.paceOutcome)
		c.metrics.RecordPacerState(ctx, target.Provider, c.pacers.For(target.Provider).Rate())

		switch attempt.verdict {
		case attemptSuccess:
			breaker.Record(true)
			c.metrics.RecordProviderRequest(ctx, target.Provider, target.Model, "ok")
			out.status = statusOK
			out.text = attempt.text
			out.provider = target.Provider
			out.model = target.Model
			out.usage = attempt.usage
			out.ttft = attempt.ttft
			out.providersUsed = append(out.providersUsed, target.Provider)
			return out

		case attemptRefused:
			// A safety refusal ends the chain; trying another model to
			// bypass it is forbidden.
			breaker.Record(true)
			c.metrics.RecordProviderRequest(ctx, target.Provider, target.Model, "refused")
			if !metaSent {
				c.emitMeta(req, res, dec, target, em, &metaSent)
			}
			_ = em.Delta(refusalText)
			out.status = statusOK
			out.text = refusalText
			out.refused = true
			out.provider = target.Provider
			out.model = target.Model
			out.providersUsed = append(out.providersUsed, target.Provider)
			return out

		case attemptCancelled:
			out.status = statusCancelled
			return out

		case attemptBrokeAfterDeltas:
			breaker.Record(false)
			c.metrics.RecordProviderRequest(ctx, target.Provider, target.Model, "error")
			out.status = statusInternal
			return out

		case attemptRetryable:
			breaker.Record(false)
			c.metrics.RecordProviderRequest(ctx, target.Provider, target.Model, "error")
			logger.Info("falling back to next rung",
				"state", route.StateFallingBack.String(),
				"provider", target.Provider,
				"model", target.Model,
				"error_kind", attempt.errKind.String(),
			)
		}
	}

	return out
}

// Attempt verdicts.
type attemptVerdict int

const (
	attemptSuccess attemptVerdict = iota
	attemptRetryable
	attemptRefused
	attemptCancelled
	attemptBrokeAfterDeltas
)

type attemptResult struct {
	verdict     attemptVerdict
	text        string
	usage       llm.Usage
	ttft        time.Duration
	errKind     llm.ErrorKind
	paceOutcome pace.Outcome
}

// attempt runs one rung: start (or join) the upstream stream and relay its
// chunks. metaSent flips exactly once, on the first delta of the whole
// request.
func (c *Core) attempt(ctx context.Context, req Request, target route.Target, provider llm.Provider,
	llmReq llm.Request, canonical string, em Emitter, metaSent *bool, res intent.Result, dec route.Decision,
) attemptResult {
	attemptCtx, cancelAttempt := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancelAttempt()

	producer := func(pctx context.Context) (<-chan llm.Chunk, error) {
		return provider.Stream(pctx, llmReq)
	}

	var (
		ch  <-chan llm.Chunk
		err error
	)
	if c.coalesceOn && !req.NoCoalesce {
		key := coalesce.Key(target.Provider, target.Model, canonical, req.Scope)
		var leader bool
		ch, leader, err = c.coalescer.Run(attemptCtx, key, producer)
		if err == nil {
			c.metrics.RecordCoalesce(ctx, target.Provider, leader)
		}
	} else {
		ch, err = producer(attemptCtx)
	}
	if err != nil {
		return c.classifyAttemptError(ctx, target, err, false)
	}

	var (
		text      strings.Builder
		usage     llm.Usage
		streamErr error
		ttft      time.Duration
	)
	for chunk := range ch {
		switch chunk.Kind {
		case llm.ChunkDelta:
			if !*metaSent {
				ttft = time.Since(req.AcceptedAt)
				c.metrics.TTFT.Record(ctx, ttft.Seconds())
				c.emitMeta(req, res, dec, target, em, metaSent)
			}
			_ = em.Delta(chunk.Text)
			text.WriteString(chunk.Text)

		case llm.ChunkUsage:
			usage = chunk.Usage

		case llm.ChunkError:
			streamErr = chunk.Err

		case llm.ChunkMeta:
			// Provider message ids ride into the audit via Call paths;
			// for streams they are informational only.
		}
	}

	// A cancel or timeout can close the channel with no trailing error
	// chunk; a partial transcript must never pass as success.
	if streamErr == nil {
		streamErr = attemptCtx.Err()
	}
	if streamErr != nil {
		return c.classifyAttemptError(ctx, target, streamErr, text.Len() > 0)
	}
	if text.Len() == 0 {
		// Empty output falls through to the next rung.
		return attemptResult{verdict: attemptRetryable, errKind: llm.KindTransient, paceOutcome: pace.OutcomeError}
	}
	return attemptResult{
		verdict:     attemptSuccess,
		text:        text.String(),
		usage:       usage,
		ttft:        ttft,
		paceOutcome: pace.OutcomeOK,
	}
}

// classifyAttemptError maps a categorised provider error onto the attempt
// verdict and the pacer outcome.
func (c *Core) classifyAttemptError(ctx context.Context, target route.Target, err error, deltasSent bool) attemptResult {
	kind := llm.KindOf(err)
	c.metrics.RecordProviderError(ctx, target.Provider, kind.String())

	r := attemptResult{errKind: kind, paceOutcome: pace.OutcomeError}
	switch kind {
	case llm.KindCanceled:
		r.verdict = attemptCancelled
		r.paceOutcome = pace.OutcomeOK
	case llm.KindSafetyRefusal:
		r.verdict = attemptRefused
		r.paceOutcome = pace.OutcomeOK
	case llm.KindRateLimited:
		r.verdict = attemptRetryable
		r.paceOutcome = pace.OutcomeRateLimited
		c.metrics.RateLimits.Add(ctx, 1)
	default:
		r.verdict = attemptRetryable
	}
	if deltasSent && r.verdict == attemptRetryable {
		r.verdict = attemptBrokeAfterDeltas
	}
	return r
}

// emitMeta writes the single meta event for the request.
func (c *Core) emitMeta(req Request, res intent.Result, dec route.Decision, target route.Target, em Emitter, metaSent *bool) {
	*metaSent = true
	// Meta carries the bare intent tag; the sub-shape rides in Pipeline.
	// The full tag stays internal (cache keys, ladder lookup, audit).
	_ = em.Meta(Meta{
		RequestID: req.RequestID,
		Intent:    string(res.Tag),
		Pipeline:  string(dec.Pipeline),
		Provider:  target.Provider,
		Model:     target.Model,
		TTFTMS:    time.Since(req.AcceptedAt).Milliseconds(),
	})
}

// composeUserText appends fresh search results beneath the user's question
// for the synthesiser.
func composeUserText(userText, searchContext string) string {
	if searchContext == "" {
		return userText
	}
	return userText + "\n\n" + searchContext
}

// formatSearchResults renders hits as dated bullets for the synthesiser,
// with an instruction to keep the dates in the answer.
func formatSearchResults(results []websearch.Result) string {
	var sb strings.Builder
	sb.WriteString("Recent web results (cite dates where relevant):\n")
	for _, r := range results {
		sb.WriteString("- ")
		if !r.Published.IsZero() {
			fmt.Fprintf(&sb, "[%s] ", r.Published.Format("2006-01-02"))
		}
		sb.WriteString(r.Title)
		if r.Snippet != "" {
			sb.WriteString(": ")
			sb.WriteString(r.Snippet)
		}
		sb.WriteString(" (")
		sb.WriteString(r.URL)
		sb.WriteString(")\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// canonicalPrompt flattens the prompt into the stable byte sequence used
// for coalesce keying and audit hashing.
func canonicalPrompt(systemPrompt string, messages []llm.Message) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	for _, m := range messages {
		sb.WriteString("\x1e")
		sb.WriteString(m.Role)
		sb.WriteString("\x1f")
		sb.WriteString(m.Content)
	}
	return sb.String()
}
