package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/convoke/internal/audit"
	"github.com/MrWong99/convoke/internal/coalesce"
	"github.com/MrWong99/convoke/internal/guard"
	"github.com/MrWong99/convoke/internal/keys"
	"github.com/MrWong99/convoke/internal/observe"
	"github.com/MrWong99/convoke/internal/pace"
	"github.com/MrWong99/convoke/internal/resilience"
	"github.com/MrWong99/convoke/internal/respcache"
	"github.com/MrWong99/convoke/internal/route"
	"github.com/MrWong99/convoke/internal/thread"
	"github.com/MrWong99/convoke/pkg/llm"
	"github.com/MrWong99/convoke/pkg/llm/mock"
	"github.com/MrWong99/convoke/pkg/websearch"
	searchmock "github.com/MrWong99/convoke/pkg/websearch/mock"
)

// recorder is an in-memory Emitter capturing the event stream of one
// request.
type recorder struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	name string
	meta Meta
	text string
}

func (r *recorder) append(e recorded) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Ping() error { return r.append(recorded{name: "ping"}) }

func (r *recorder) Meta(m Meta) error { return r.append(recorded{name: "meta", meta: m}) }

func (r *recorder) Delta(text string) error {
	return r.append(recorded{name: "delta", text: text})
}
func (r *recorder) Error(code, _ string) error {
	return r.append(recorded{name: "error", text: code})
}

func (r *recorder) Done(reason string) error {
	return r.append(recorded{name: "done", text: reason})
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.name)
	}
	return out
}

func (r *recorder) metaEvent(t *testing.T) Meta {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.name == "meta" {
			return e.meta
		}
	}
	t.Fatal("no meta event recorded")
	return Meta{}
}

func (r *recorder) deltaText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	for _, e := range r.events {
		if e.name == "delta" {
			sb.WriteString(e.text)
		}
	}
	return sb.String()
}

func (r *recorder) doneReason(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var reasons []string
	for _, e := range r.events {
		if e.name == "done" {
			reasons = append(reasons, e.text)
		}
	}
	if len(reasons) != 1 {
		t.Fatalf("got %d done events %v, want exactly 1", len(reasons), reasons)
	}
	return reasons[0]
}

type allowAll struct{}

func (allowAll) HasCredential(string, string) bool { return true }

// env bundles a Core with the stores the tests assert against.
type env struct {
	core      *Core
	cache     *respcache.Cache
	threads   *thread.Store
	audits    *audit.MemorySink
	coalescer *coalesce.Coalescer
}

func newEnv(t *testing.T, providers map[string]llm.Provider, ladders map[string][]route.Target, mutate func(*Config)) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	breakers := resilience.NewRegistry(resilience.Config{})
	ks, err := keys.NewStore(make([]byte, 32), keys.NewMemoryBackend())
	if err != nil {
		t.Fatal(err)
	}
	e := &env{
		cache:     respcache.New(respcache.NewMemoryBackend()),
		threads:   thread.NewStore(nil, thread.WithLogger(logger)),
		audits:    audit.NewMemorySink(),
		coalescer: coalesce.New(),
	}
	cfg := Config{
		Threads:   e.threads,
		Cache:     e.cache,
		Coalescer: e.coalescer,
		Pacers:    pace.NewSet(pace.Config{}, nil),
		Router:    route.New(route.Config{Ladders: ladders}, allowAll{}, breakers),
		Breakers:  breakers,
		Keys:      ks,
		Providers: providers,
		Audit:     e.audits,
		Metrics:   observe.DefaultMetrics(),
		Logger:    logger,
		Persona:   "You are a test assistant.",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e.core = New(cfg)
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func socialLadder(targets ...route.Target) map[string][]route.Target {
	return map[string][]route.Target{"social_chat": targets}
}

func TestHandleStreamsGreeting(t *testing.T) {
	alpha := &mock.Provider{
		ProviderName: "alpha",
		StreamChunks: []llm.Chunk{
			{Kind: llm.ChunkDelta, Text: "Hi"},
			{Kind: llm.ChunkDelta, Text: " there!"},
			{Kind: llm.ChunkUsage, Usage: llm.Usage{InputTokens: 5, OutputTokens: 3}},
		},
	}
	e := newEnv(t, map[string]llm.Provider{"alpha": alpha},
		socialLadder(route.Target{Provider: "alpha", Model: "small"}), nil)

	rec := &recorder{}
	e.core.Handle(context.Background(), Request{
		RequestID: "req-1", OrgID: "org1", ThreadID: "t1", Content: "hello",
	}, rec)

	want := []string{"meta", "delta", "delta", "done"}
	if got := rec.names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	if got := rec.doneReason(t); got != DoneOK {
		t.Errorf("done reason = %q, want %q", got, DoneOK)
	}
	meta := rec.metaEvent(t)
	if meta.Intent != "social_chat" || meta.Pipeline != "direct_llm" {
		t.Errorf("meta intent/pipeline = %q/%q", meta.Intent, meta.Pipeline)
	}
	if meta.Provider != "alpha" || meta.Model != "small" || meta.CacheHit {
		t.Errorf("meta provider = %+v", meta)
	}
	if got := rec.deltaText(); got != "Hi there!" {
		t.Errorf("delta text = %q", got)
	}

	snap := e.threads.Snapshot("t1")
	if len(snap.Turns) != 2 {
		t.Fatalf("got %d persisted turns, want 2", len(snap.Turns))
	}
	if snap.Turns[0].Role != thread.RoleUser || snap.Turns[0].Content != "hello" {
		t.Errorf("user turn = %+v", snap.Turns[0])
	}
	at := snap.Turns[1]
	if at.Role != thread.RoleAssistant || at.Content != "Hi there!" || at.Provider != "alpha" {
		t.Errorf("assistant turn = %+v", at)
	}
	if at.Usage.Total() != 8 {
		t.Errorf("assistant usage total = %d, want 8", at.Usage.Total())
	}

	waitFor(t, "audit record", func() bool {
		recs, _ := e.audits.ListByThread(context.Background(), "t1", 1)
		return len(recs) == 1
	})
	recs, _ := e.audits.ListByThread(context.Background(), "t1", 1)
	ar := recs[0]
	if !reflect.DeepEqual(ar.Providers, []string{"alpha"}) || ar.Intent != "social_chat" {
		t.Errorf("audit record = %+v", ar)
	}
	if ar.ResponseHash != audit.Hash("Hi there!") {
		t.Error("audit response hash does not match the reply")
	}

	waitFor(t, "cache population", func() bool {
		_, ok, _ := e.cache.Lookup(context.Background(), "t1", "hello", "social_chat")
		return ok
	})
}

func TestHandleServesFromCache(t *testing.T) {
	alpha := &mock.Provider{ProviderName: "alpha"}
	e := newEnv(t, map[string]llm.Provider{"alpha": alpha},
		socialLadder(route.Target{Provider: "alpha", Model: "small"}), nil)

	err := e.cache.Store(context.Background(), "t1", "hello", respcache.Entry{
		Text: "cached reply", Intent: "social_chat",
		Provider: "alpha", Model: "small",
		Pipeline: "web_multisearch", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	e.core.Handle(context.Background(), Request{
		RequestID: "req-1", OrgID: "org1", ThreadID: "t1", Content: "hello",
	}, rec)

	meta := rec.metaEvent(t)
	if !meta.CacheHit {
		t.Error("meta.CacheHit = false, want true")
	}
	if meta.Pipeline != "web_multisearch" {
		t.Errorf("meta.Pipeline = %q, want the producing pipeline echoed", meta.Pipeline)
	}
	if got := rec.deltaText(); got != "cached reply" {
		t.Errorf("delta text = %q, want the cached reply", got)
	}
	if got := rec.doneReason(t); got != DoneOK {
		t.Errorf("done reason = %q, want %q", got, DoneOK)
	}
	if alpha.StreamCallCount() != 0 {
		t.Error("cache hit still reached the provider")
	}
	if snap := e.threads.Snapshot("t1"); len(snap.Turns) != 0 {
		t.Errorf("cache hit persisted %d turns, want 0", len(snap.Turns))
	}
}

func TestHandleFallsBackToNextRung(t *testing.T) {
	alpha := &mock.Provider{
		ProviderName: "alpha",
		StreamErr:    &llm.Error{Kind: llm.KindTransient, Provider: "alpha", Err: errors.New("upstream 503")},
	}
	beta := &mock.Provider{
		ProviderName: "beta",
		StreamChunks: []llm.Chunk{{Kind: llm.ChunkDelta, Text: "recovered"}},
	}
	e := newEnv(t, map[string]llm.Provider{"alpha": alpha, "beta": beta},
		socialLadder(
			route.Target{Provider: "alpha", Model: "m1"},
			route.Target{Provider: "beta", Model: "m2"},
		), nil)

	rec := &recorder{}
	e.core.Handle(context.Background(), Request{
		RequestID: "req-1", OrgID: "org1", ThreadID: "t1", Content: "hello",
	}, rec)

	if alpha.StreamCallCount() != 1 || beta.StreamCallCount() != 1 {
		t.Errorf("stream calls alpha=%d beta=%d, want 1 each",
			alpha.StreamCallCount(), beta.StreamCallCount())
	}
	meta := rec.metaEvent(t)
	if meta.Provider != "beta" || meta.Model != "m2" {
		t.Errorf("meta names %s/%s, want the winning rung beta/m2", meta.Provider, meta.Model)
	}
	if got := rec.deltaText(); got != "recovered" {
		t.Errorf("delta text = %q", got)
	}
	if got := rec.doneReason(t); got != DoneOK {
		t.Errorf("done reason = %q, want %q", got, DoneOK)
	}

	waitFor(t, "audit record", func() bool {
		recs, _ := e.audits.ListByThread(context.Background(), "t1", 1)
		return len(recs) == 1
	})
	recs, _ := e.audits.ListByThread(context.Background(), "t1", 1)
	if !reflect.DeepEqual(recs[0].Providers, []string{"beta"}) {
		t.Errorf("audit providers = %v, want only the winner", recs[0].Providers)
	}
}

func TestHandleApologyWhenExhausted(t *testing.T) {
	fail := func(name string) *mock.Provider {
		return &mock.Provider{
			ProviderName: name,
			StreamErr:    &llm.Error{Kind: llm.KindTransient, Provider: name, Err: errors.New("down")},
		}
	}
	e := newEnv(t, map[string]llm.Provider{"alpha": fail("alpha"), "beta": fail("beta")},
		socialLadder(
			route.Target{Provider: "alpha", Model: "m1"},
			route.Target{Provider: "beta", Model: "m2"},
		), nil)

	rec := &recorder{}
	e.core.Handle(context.Background(), Request{
		RequestID: "req-1", OrgID: "org1", ThreadID: "t1", Content: "hello",
	}, rec)

	want := []string{"meta", "delta", "done"}
	if got := rec.names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	if meta := rec.metaEvent(t); meta.Pipeline != string(route.PipelineDirectApology) {
		t.Errorf("meta pipeline = %q, want apology", meta.Pipeline)
	}
	if got := rec.deltaText(); got != apologyText {
		t.Errorf("delta text = %q, want the apology", got)
	}
	if got := rec.doneReason(t); got != DoneFallbackExhausted {
		t.Errorf("done reason = %q, want %q", got, DoneFallbackExhausted)
	}
	if snap := e.threads.Snapshot("t1"); len(snap.Turns) != 0 {
		t.Errorf("apology persisted %d turns, want 0", len(snap.Turns))
	}
}

func TestHandleRefusalEndsChain(t *testing.T) {
	alpha := &mock.Provider{
		ProviderName: "alpha",
		StreamChunks: []llm.Chunk{{
			Kind: llm.ChunkError,
			Err:  &llm.Error{Kind: llm.KindSafetyRefusal, Provider: "alpha", Err: errors.New("content policy")},
		}},
	}
	beta := &mock.Provider{
		ProviderName: "beta",
		StreamChunks: []llm.Chunk{{Kind: llm.ChunkDelta, Text: "should never stream"}},
	}
	e := newEnv(t, map[string]llm.Provider{"alpha": alpha, "beta": beta},
		socialLadder(
			route.Target{Provider: "alpha", Model: "m1"},
			route.Target{Provider: "beta", Model: "m2"},
		), nil)

	rec := &recorder{}
	e.core.Handle(context.Background(), Request{
		RequestID: "req-1", OrgID: "org1", ThreadID: "t1", Content: "hello",
	}, rec)

	if beta.StreamCallCount() != 0 {
		t.Error("refusal fell through to the next rung")
	}
	if got := rec.deltaText(); got != refusalText {
		t.Errorf("delta text = %q, want the refusal reply", got)
	}
	if got := rec.doneReason(t); got != DoneOK {
		t.Errorf("done reason = %q, want %q", got, DoneOK)
	}

	snap := e.threads.Snapshot("t1")
	if len(snap.Turns) != 2 || snap.Turns[1].Content != refusalText {
		t.Errorf("refusal turn not persisted: %+v", snap.Turns)
	}

	waitFor(t, "audit record", func() bool {
		recs, _ := e.audits.ListByThread(context.Background(), "t1", 1)
		return len(recs) == 1
	})
	// Refusals never populate the cache; the write was never scheduled,
	// so this holds once the post-turn group has run.
	if _, ok, _ := e.cache.Lookup(context.Background(), "t1", "hello", "social_chat"); ok {
		t.Error("refusal populated the response cache")
	}
}

func TestHandleBrokenStreamAfterDeltas(t *testing.T) {
	alpha := &mock.Provider{
		ProviderName: "alpha",
		StreamChunks: []llm.Chunk{
			{Kind: llm.ChunkDelta, Text: "partial"},
			{Kind: llm.ChunkError, Err: &llm.Error{Kind: llm.KindTransient, Provider: "alpha", Err: errors.New("reset")}},
		},
	}
	beta := &mock.Provider{ProviderName: "beta"}
	e := newEnv(t, map[string]llm.Provider{"alpha": alpha, "beta": beta},
		socialLadder(
			route.Target{Provider: "alpha", Model: "m1"},
			route.Target{Provider: "beta", Model: "m2"},
		), nil)

	rec := &recorder{}
	e.core.Handle(context.Background(), Request{
		RequestID: "req-1", OrgID: "org1", ThreadID: "t1", Content: "hello",
	}, rec)

	want := []string{"meta", "delta", "done"}
	if got := rec.names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	if got := rec.doneReason(t); got != DoneInternal {
		t.Errorf("done reason = %q, want %q", got, DoneInternal)
	}
	if beta.StreamCallCount() != 0 {
		t.Error("broken mid-stream request still tried the next rung")
	}
	if snap := e.threads.Snapshot("t1"); len(snap.Turns) != 0 {
		t.Errorf("broken stream persisted %d turns, want 0", len(snap.Turns))
	}
}

func TestHandleCancellation(t *testing.T) {
	alpha := &mock.Provider{
		ProviderName: "alpha",
		ChunkDelay:   200 * time.Millisecond,
		StreamChunks: []llm.Chunk{
			{Kind: llm.ChunkDelta, Text: "never"},
			{Kind: llm.ChunkDelta, Text: " delivered"},
		},
	}
	e := newEnv(t, map[string]llm.Provider{"alpha": alpha},
		socialLadder(
			route.Target{Provider: "alpha", Model: "m1"},
			route.Target{Provider: "alpha", Model: "m2"},
		), nil)

	rec := &recorder{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.core.Handle(context.Background(), Request{
			RequestID: "req-cancel", OrgID: "org1", ThreadID: "t1", Content: "hello",
		}, rec)
	}()

	waitFor(t, "stream to start", func() bool { return alpha.StreamCallCount() == 1 })
	if !e.core.Cancel("req-cancel") {
		t.Fatal("Cancel did not find the in-flight request")
	}
	<-done

	if got := rec.doneReason(t); got != DoneCancelled {
		t.Errorf("done reason = %q, want %q", got, DoneCancelled)
	}
	if got := rec.deltaText(); got != "" {
		t.Errorf("cancelled request still emitted deltas: %q", got)
	}
	if snap := e.threads.Snapshot("t1"); len(snap.Turns) != 0 {
		t.Errorf("cancelled request persisted %d turns, want 0", len(snap.Turns))
	}
	if e.core.Cancel("req-cancel") {
		t.Error("Cancel found the request after completion")
	}
}

func TestHandleCancelAfterFirstDelta(t *testing.T) {
	alpha := &mock.Provider{
		ProviderName: "alpha",
		ChunkDelay:   100 * time.Millisecond,
		StreamChunks: []llm.Chunk{
			{Kind: llm.ChunkDelta, Text: "partial"},
			{Kind: llm.ChunkDelta, Text: " middle"},
			{Kind: llm.ChunkDelta, Text: " tail"},
		},
	}
	e := newEnv(t, map[string]llm.Provider{"alpha": alpha},
		socialLadder(route.Target{Provider: "alpha", Model: "m1"}), nil)

	rec := &recorder{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.core.Handle(context.Background(), Request{
			RequestID: "req-mid-cancel", OrgID: "org1", ThreadID: "t1", Content: "hello",
		}, rec)
	}()

	waitFor(t, "first delta", func() bool { return rec.deltaText() != "" })
	if !e.core.Cancel("req-mid-cancel") {
		t.Fatal("Cancel did not find the in-flight request")
	}
	<-done

	// A partial transcript must never be reported, persisted, or cached
	// as a completed answer.
	if got := rec.doneReason(t); got != DoneCancelled {
		t.Errorf("done reason = %q, want %q", got, DoneCancelled)
	}
	if got := rec.deltaText(); got == "partial middle tail" {
		t.Error("cancel did not interrupt the stream")
	}
	if snap := e.threads.Snapshot("t1"); len(snap.Turns) != 0 {
		t.Errorf("cancelled request persisted %d turns, want 0", len(snap.Turns))
	}
	if _, ok, _ := e.cache.Lookup(context.Background(), "t1", "hello", "social_chat"); ok {
		t.Error("cancelled request wrote a cache entry")
	}
}

func TestCancelUnknownRequest(t *testing.T) {
	e := newEnv(t, map[string]llm.Provider{}, nil, nil)
	if e.core.Cancel("nope") {
		t.Error("Cancel reported success for an unknown request id")
	}
}

func TestHandleCoalescesConcurrentRequests(t *testing.T) {
	alpha := &mock.Provider{
		ProviderName: "alpha",
		ChunkDelay:   40 * time.Millisecond,
		StreamChunks: []llm.Chunk{
			{Kind: llm.ChunkDelta, Text: "a"},
			{Kind: llm.ChunkDelta, Text: "b"},
			{Kind: llm.ChunkDelta, Text: "c"},
			{Kind: llm.ChunkDelta, Text: "d"},
			{Kind: llm.ChunkDelta, Text: "e"},
			{Kind: llm.ChunkDelta, Text: "f"},
		},
	}
	e := newEnv(t, map[string]llm.Provider{"alpha": alpha},
		socialLadder(route.Target{Provider: "alpha", Model: "m1"}),
		func(cfg *Config) {
			cfg.CoalesceEnabled = true
			cfg.StreamFanoutEnabled = true
		})

	rec1, rec2 := &recorder{}, &recorder{}
	done1, done2 := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(done1)
		e.core.Handle(context.Background(), Request{
			RequestID: "req-1", OrgID: "org1", ThreadID: "t1", Content: "hello",
		}, rec1)
	}()
	waitFor(t, "leader stream to start", func() bool { return alpha.StreamCallCount() == 1 })
	go func() {
		defer close(done2)
		e.core.Handle(context.Background(), Request{
			RequestID: "req-2", OrgID: "org1", ThreadID: "t2", Content: "hello",
		}, rec2)
	}()
	<-done1
	<-done2

	if got := alpha.StreamCallCount(); got != 1 {
		t.Fatalf("upstream streams = %d, want the two requests to share one", got)
	}
	if got := rec1.deltaText(); got != "abcdef" {
		t.Errorf("leader delta text = %q", got)
	}
	if got := rec2.deltaText(); got != "abcdef" {
		t.Errorf("follower delta text = %q", got)
	}
	if rec1.doneReason(t) != DoneOK || rec2.doneReason(t) != DoneOK {
		t.Error("both requests should finish ok")
	}
	if leaders, followers := e.coalescer.Stats(); leaders != 1 || followers != 1 {
		t.Errorf("coalesce stats = %d leaders / %d followers, want 1/1", leaders, followers)
	}
	if snap := e.threads.Snapshot("t2"); len(snap.Turns) != 2 || snap.Turns[1].Content != "abcdef" {
		t.Errorf("follower thread not persisted: %+v", snap.Turns)
	}
}

func TestHandleMultisearch(t *testing.T) {
	published := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	search := &searchmock.Provider{Results: []websearch.Result{
		{Title: "Regulation passes", URL: "https://example.com/a", Snippet: "The act passed.", Published: published},
		{Title: "Industry reacts", URL: "https://example.com/b"},
	}}
	alpha := &mock.Provider{
		ProviderName: "alpha",
		StreamChunks: []llm.Chunk{{Kind: llm.ChunkDelta, Text: "synthesised answer"}},
	}
	ladders := map[string][]route.Target{
		"qa_retrieval:web_multisearch": {{Provider: "alpha", Model: "big"}},
	}
	e := newEnv(t, map[string]llm.Provider{"alpha": alpha}, ladders,
		func(cfg *Config) { cfg.Search = search })

	rec := &recorder{}
	e.core.Handle(context.Background(), Request{
		RequestID: "req-1", OrgID: "org1", ThreadID: "t1", Content: "latest news on ai regulation",
	}, rec)

	meta := rec.metaEvent(t)
	if meta.Pipeline != string(route.PipelineWebMultisearch) {
		t.Errorf("meta pipeline = %q, want web_multisearch", meta.Pipeline)
	}
	// The bare tag goes on the wire; the sub-shape rides in the pipeline.
	if meta.Intent != "qa_retrieval" {
		t.Errorf("meta intent = %q, want the bare tag", meta.Intent)
	}
	if got := rec.doneReason(t); got != DoneOK {
		t.Fatalf("done reason = %q, want %q", got, DoneOK)
	}

	if want := []string{"latest news on ai regulation"}; !reflect.DeepEqual(search.Queries, want) {
		t.Errorf("search queries = %v, want %v", search.Queries, want)
	}
	if alpha.StreamCallCount() != 1 {
		t.Fatal("synthesiser was not called")
	}
	msgs := alpha.StreamCalls[0].Req.Messages
	last := msgs[len(msgs)-1].Content
	for _, frag := range []string{"latest news on ai regulation", "Recent web results", "[2026-08-20] Regulation passes", "https://example.com/b"} {
		if !strings.Contains(last, frag) {
			t.Errorf("synthesiser prompt missing %q:\n%s", frag, last)
		}
	}

	snap := e.threads.Snapshot("t1")
	if len(snap.Turns) != 2 {
		t.Fatalf("got %d persisted turns, want 2", len(snap.Turns))
	}
	if got := len(snap.Turns[1].Citations); got != 2 {
		t.Errorf("assistant turn has %d citations, want 2", got)
	}

	waitFor(t, "audit record", func() bool {
		recs, _ := e.audits.ListByThread(context.Background(), "t1", 1)
		return len(recs) == 1
	})
	recs, _ := e.audits.ListByThread(context.Background(), "t1", 1)
	if want := []string{"mock-search", "alpha"}; !reflect.DeepEqual(recs[0].Providers, want) {
		t.Errorf("audit providers = %v, want %v", recs[0].Providers, want)
	}
}

func TestHandleMultisearchDegradesOnSearchFailure(t *testing.T) {
	alpha := &mock.Provider{
		ProviderName: "alpha",
		StreamChunks: []llm.Chunk{{Kind: llm.ChunkDelta, Text: "best effort answer"}},
	}
	ladders := map[string][]route.Target{
		"qa_retrieval:web_multisearch": {{Provider: "alpha", Model: "big"}},
	}
	e := newEnv(t, map[string]llm.Provider{"alpha": alpha}, ladders,
		func(cfg *Config) { cfg.Search = &searchmock.Provider{Err: errors.New("search down")} })

	rec := &recorder{}
	e.core.Handle(context.Background(), Request{
		RequestID: "req-1", OrgID: "org1", ThreadID: "t1", Content: "latest news on ai regulation",
	}, rec)

	if got := rec.doneReason(t); got != DoneOK {
		t.Fatalf("done reason = %q, want synthesis without results", got)
	}
	if got := rec.deltaText(); got != "best effort answer" {
		t.Errorf("delta text = %q", got)
	}
	msgs := alpha.StreamCalls[0].Req.Messages
	if strings.Contains(msgs[len(msgs)-1].Content, "Recent web results") {
		t.Error("failed search still injected a results block")
	}
	snap := e.threads.Snapshot("t1")
	if got := len(snap.Turns[1].Citations); got != 0 {
		t.Errorf("assistant turn has %d citations, want none", got)
	}
}

func TestHandleRejectsUnusableContent(t *testing.T) {
	e := newEnv(t, map[string]llm.Provider{}, nil, nil)
	rec := &recorder{}
	e.core.Handle(context.Background(), Request{
		RequestID: "req-1", OrgID: "org1", ThreadID: "t1", Content: "   ",
	}, rec)

	want := []string{"error", "done"}
	if got := rec.names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	if got := rec.doneReason(t); got != DoneInternal {
		t.Errorf("done reason = %q, want %q", got, DoneInternal)
	}
}

func TestCacheEligible(t *testing.T) {
	e := newEnv(t, map[string]llm.Provider{}, nil, nil)
	okResult := chainResult{status: statusOK, text: "fine"}

	tests := []struct {
		name    string
		req     Request
		verdict guard.Verdict
		out     chainResult
		want    bool
	}{
		{"clean success", Request{Scope: ScopePrivate}, guard.Verdict{}, okResult, true},
		{"refused", Request{Scope: ScopePrivate}, guard.Verdict{}, chainResult{status: statusOK, text: "no", refused: true}, false},
		{"empty text", Request{Scope: ScopePrivate}, guard.Verdict{}, chainResult{status: statusOK}, false},
		{"exhausted", Request{Scope: ScopePrivate}, guard.Verdict{}, chainResult{status: statusExhausted, text: "apology"}, false},
		{"pii on shared scope", Request{Scope: ScopeShared}, guard.Verdict{PII: true}, okResult, false},
		{"pii on private scope", Request{Scope: ScopePrivate}, guard.Verdict{PII: true}, okResult, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.core.cacheEligible(tt.req, tt.verdict, tt.out); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
