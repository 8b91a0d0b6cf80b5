package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/convoke/internal/audit"
	"github.com/MrWong99/convoke/internal/fragment"
	"github.com/MrWong99/convoke/internal/guard"
	"github.com/MrWong99/convoke/internal/intent"
	"github.com/MrWong99/convoke/internal/observe"
	"github.com/MrWong99/convoke/internal/respcache"
	"github.com/MrWong99/convoke/internal/route"
	"github.com/MrWong99/convoke/internal/thread"
)

// apologyText is the synthetic reply served when no provider could answer.
const apologyText = "I'm sorry — I wasn't able to get an answer for you just now. Please try again in a moment."

// refusalText is the user-facing reply for a safety refusal. The gateway
// never retries another model to get around a refusal.
const refusalText = "I can't help with that request."

// postTurnTimeout bounds the asynchronous cache, fragment, and audit writes
// that follow a completed turn.
const postTurnTimeout = 10 * time.Second

// Request is one accepted streaming request.
type Request struct {
	RequestID string
	OrgID     string
	ThreadID  string
	Content   string

	// ProviderHint and ModelHint are client preferences; the router
	// decides when they are empty.
	ProviderHint string
	ModelHint    string

	// Scope is ScopePrivate or ScopeShared. Defaults to private.
	Scope string

	// UseMemory enables cross-thread fragment retrieval.
	UseMemory bool

	// NoCoalesce opts this request out of in-flight coalescing. Set for
	// requests that carry side effects and must not be deduplicated.
	NoCoalesce bool

	// AcceptedAt is when the SSE connection was accepted; TTFT is
	// measured from it.
	AcceptedAt time.Time
}

// Handle runs the full dispatch pipeline for one request, writing events
// to em. The emitter's ping has already been sent by the transport layer.
func (c *Core) Handle(ctx context.Context, req Request, em Emitter) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.AcceptedAt.IsZero() {
		req.AcceptedAt = time.Now()
	}
	if req.Scope == "" {
		req.Scope = ScopePrivate
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.handles.register(&Handle{RequestID: req.RequestID, ThreadID: req.ThreadID, cancel: cancel})
	defer c.handles.remove(req.RequestID)

	ctx, cancelTotal := context.WithTimeout(ctx, c.totalTimeout)
	defer cancelTotal()

	ctx, span := observe.StartSpan(ctx, "dispatch.Handle",
		trace.WithAttributes(
			attribute.String("request_id", req.RequestID),
			attribute.String("org_id", req.OrgID),
		),
	)
	defer span.End()

	c.metrics.ActiveStreams.Add(ctx, 1)
	defer c.metrics.ActiveStreams.Add(ctx, -1)

	logger := c.logger.With(
		slog.String("request_id", req.RequestID),
		slog.String("thread_id", req.ThreadID),
		slog.String("org_id", req.OrgID),
	)

	// Step 1: sanitise. The transport layer already rejected empty
	// content pre-stream; a failure here still closes cleanly.
	verdict, err := guard.Sanitise(req.Content)
	if err != nil {
		_ = em.Error("invalid_request", err.Error())
		_ = em.Done(DoneInternal)
		return
	}
	if verdict.Injection {
		logger.Warn("prompt injection heuristic matched", "content", guard.MaskPII(verdict.Text))
	}

	// Steps 2–8 run under the per-thread lock so concurrent sends to one
	// thread serialise on their commits.
	unlock := c.threads.Lock(req.ThreadID)
	locked := true
	release := func() {
		if locked {
			locked = false
			unlock()
		}
	}
	defer release()

	if err := c.threads.Bootstrap(ctx, req.OrgID, req.ThreadID); err != nil {
		logger.Error("thread bootstrap failed", "error", err)
		_ = em.Error("internal", "could not load conversation state")
		_ = em.Done(DoneInternal)
		return
	}
	snap := c.threads.Snapshot(req.ThreadID)

	// Step 3: classify.
	recent := make([]string, 0, len(snap.Turns))
	for _, t := range snap.Turns {
		recent = append(recent, t.Content)
	}
	res := intent.Classify(verdict.Text, recent)
	span.SetAttributes(attribute.String("intent", res.String()))
	logger.Info("intent classified",
		slog.String("intent", res.String()),
		slog.Float64("confidence", res.Confidence),
	)

	// Step 4: response cache. On a hit nothing downstream runs.
	if entry, ok, lerr := c.cache.Lookup(ctx, req.ThreadID, verdict.Text, res.String()); lerr == nil && ok {
		c.metrics.RecordCacheLookup(ctx, res.String(), true)
		ttft := time.Since(req.AcceptedAt)
		c.metrics.TTFT.Record(ctx, ttft.Seconds())
		_ = em.Meta(Meta{
			RequestID: req.RequestID,
			Intent:    string(res.Tag),
			Pipeline:  entry.Pipeline,
			Provider:  entry.Provider,
			Model:     entry.Model,
			TTFTMS:    ttft.Milliseconds(),
			CacheHit:  true,
		})
		_ = em.Delta(entry.Text)
		_ = em.Done(DoneOK)
		return
	}
	c.metrics.RecordCacheLookup(ctx, res.String(), false)

	// Step 5: cross-thread memory.
	var fragments []string
	if req.UseMemory && c.fragments.Enabled() {
		fragments = c.fragments.Retrieve(ctx, req.OrgID, req.OrgID, req.ThreadID,
			verdict.Text, 0, req.Scope == ScopeShared)
	}

	// Step 6: route.
	var hint *route.Target
	if req.ProviderHint != "" {
		hint = &route.Target{Provider: req.ProviderHint, Model: req.ModelHint}
	}
	dec := c.router.Route(req.OrgID, res, hint)
	logger.Info("routed",
		slog.String("pipeline", string(dec.Pipeline)),
		slog.Int("chain_length", len(dec.Chain)),
	)

	if dec.Pipeline == route.PipelineDirectApology {
		c.emitApology(req, res, dec, em)
		return
	}

	// Step 7: walk the fallback chain, relaying chunks into the sink.
	out := c.runChain(ctx, req, verdict, res, dec, snap, fragments, em, logger)

	switch out.status {
	case statusCancelled:
		_ = em.Done(DoneCancelled)
		return

	case statusInternal:
		// Deltas were already on the wire when the stream broke; the
		// contract allows no error event after the first delta.
		_ = em.Done(DoneInternal)
		return

	case statusExhausted:
		c.emitApology(req, res, dec, em)
		return
	}

	_ = em.Done(DoneOK)

	// Step 8: persist both turns under the thread lock.
	userTurn := thread.Turn{
		Role:      thread.RoleUser,
		Content:   verdict.Text,
		RequestID: req.RequestID,
	}
	if _, err := c.threads.Append(ctx, req.ThreadID, userTurn); err != nil {
		logger.Error("persist user turn failed", "error", err)
		return
	}
	assistantTurn := thread.Turn{
		Role:      thread.RoleAssistant,
		Content:   out.text,
		RequestID: req.RequestID,
		Provider:  out.provider,
		Model:     out.model,
		Usage:     out.usage,
		Citations: out.citations,
		LatencyMS: time.Since(req.AcceptedAt).Milliseconds(),
	}
	if _, err := c.threads.Append(ctx, req.ThreadID, assistantTurn); err != nil {
		logger.Error("persist assistant turn failed", "error", err)
		return
	}
	c.threads.UpdateHints(ctx, req.ThreadID, thread.Hints{
		Intent:   res.String(),
		Provider: out.provider,
		Model:    out.model,
	}, thread.ExtractFacts(verdict.Text))
	release()

	// Step 9: post-turn writes, off the request path.
	go c.postTurn(req, verdict, res, dec, out)
}

// emitApology serves the synthetic apology: meta, one delta, terminal done.
func (c *Core) emitApology(req Request, res intent.Result, dec route.Decision, em Emitter) {
	ttft := time.Since(req.AcceptedAt)
	_ = em.Meta(Meta{
		RequestID: req.RequestID,
		Intent:    string(res.Tag),
		Pipeline:  string(route.PipelineDirectApology),
		TTFTMS:    ttft.Milliseconds(),
	})
	_ = em.Delta(apologyText)
	_ = em.Done(DoneFallbackExhausted)
}

// postTurn runs the asynchronous step-9 writes: response cache population,
// fragment extraction, and the audit record. Failures are logged, never
// surfaced to the (already closed) stream.
func (c *Core) postTurn(req Request, verdict guard.Verdict, res intent.Result, dec route.Decision, out chainResult) {
	ctx, cancel := context.WithTimeout(context.Background(), postTurnTimeout)
	defer cancel()

	var g errgroup.Group

	if c.cacheEligible(req, verdict, out) {
		g.Go(func() error {
			return c.cache.Store(ctx, req.ThreadID, verdict.Text, respcache.Entry{
				Text:      out.text,
				Intent:    res.String(),
				Provider:  out.provider,
				Model:     out.model,
				Pipeline:  string(dec.Pipeline),
				Usage:     out.usage,
				Citations: out.citations,
				CreatedAt: time.Now(),
			})
		})
	}

	if req.UseMemory && !out.refused {
		g.Go(func() error {
			return c.fragments.ExtractAndPersist(ctx, fragment.Provenance{
				OrgID:    req.OrgID,
				UserID:   req.OrgID,
				ThreadID: req.ThreadID,
				Provider: out.provider,
				Model:    out.model,
			}, req.Scope, verdict.Text)
		})
	}

	if c.audits != nil {
		g.Go(func() error {
			return c.audits.Append(ctx, audit.Record{
				RequestID:    req.RequestID,
				OrgID:        req.OrgID,
				ThreadID:     req.ThreadID,
				Scope:        req.Scope,
				Intent:       res.String(),
				Pipeline:     string(dec.Pipeline),
				Providers:    out.providersUsed,
				Model:        out.model,
				PromptHash:   audit.Hash(out.promptCanonical),
				ResponseHash: audit.Hash(out.text),
				QueueWaitMS:  out.queueWait.Milliseconds(),
				TTFTMS:       out.ttft.Milliseconds(),
				CreatedAt:    time.Now(),
			})
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("post-turn write failed",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

// cacheEligible reports whether a completed turn may populate the response
// cache: fully successful, not refused, and never PII-bearing content on a
// shared-scope thread.
func (c *Core) cacheEligible(req Request, verdict guard.Verdict, out chainResult) bool {
	if out.status != statusOK || out.refused || out.text == "" {
		return false
	}
	if verdict.PII && req.Scope == ScopeShared {
		return false
	}
	return true
}
