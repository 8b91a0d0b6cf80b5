// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify what the dispatch pipeline sends
// upstream and to feed controlled chunk sequences without a live backend.
// All fields are safe to set before calling any method; mutating them during
// a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{{Kind: llm.ChunkDelta, Text: "Hello!"}},
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/convoke/pkg/llm"
)

// StreamCall records a single invocation of Stream.
type StreamCall struct {
	// Ctx is the context passed to Stream.
	Ctx context.Context
	// Req is the Request passed to Stream.
	Req llm.Request
}

// CallCall records a single invocation of Call.
type CallCall struct {
	Ctx context.Context
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject failures.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// --- Configurable responses ---

	// StreamChunks is the sequence emitted on the channel returned by Stream.
	// All chunks are sent before the channel is closed.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned from Stream instead of a channel.
	StreamErr error

	// ChunkDelay, when non-zero, is slept between consecutive chunks. Useful
	// for coalescer late-attach and cancellation tests.
	ChunkDelay time.Duration

	// CallResponse is returned by Call. May be nil (returns nil, nil).
	CallResponse *llm.Response

	// CallErr, if non-nil, is returned as the error from Call.
	CallErr error

	// PingErr, if non-nil, is returned from Ping.
	PingErr error

	// Caps is returned by Capabilities. A zero value is replaced with a
	// 128k-context streaming-capable default.
	Caps llm.Capabilities

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of Stream in order.
	StreamCalls []StreamCall

	// CallCalls records every invocation of Call in order.
	CallCalls []CallCall

	// PingCount is the number of times Ping was called.
	PingCount int
}

var _ llm.Provider = (*Provider)(nil)

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Stream records the call and returns a channel that emits StreamChunks.
// If StreamErr is set, it returns nil, StreamErr without opening a channel.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	delay := p.ChunkDelay
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Call records the call and returns the configured response or error.
func (p *Provider) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCalls = append(p.CallCalls, CallCall{Ctx: ctx, Req: req})
	if p.CallErr != nil {
		return nil, p.CallErr
	}
	return p.CallResponse, nil
}

// Ping records the call and returns PingErr.
func (p *Provider) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PingCount++
	return p.PingErr
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities(string) llm.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Caps == (llm.Capabilities{}) {
		return llm.Capabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsStreaming: true}
	}
	return p.Caps
}

// StreamCallCount returns the number of Stream invocations recorded so far.
// Safe to call concurrently with in-flight streams.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}
