// Package coalesce merges concurrent in-flight upstream requests that share a
// semantic key onto a single producer whose chunk stream is multicast to
// every caller.
//
// The first caller for a key becomes the leader and starts the producer; any
// caller arriving while the entry is live becomes a follower. Followers
// attaching late receive a full ordered replay of every chunk the leader has
// already produced, so the observed stream is identical for all readers.
//
// Keys derive from request content, never client identity. Requests carrying
// side effects must bypass the coalescer entirely (the dispatch pipeline
// honours a no-coalesce flag and calls the adapter directly).
package coalesce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/MrWong99/convoke/pkg/llm"
)

// DefaultNegativeTTL is how long an error-terminated entry keeps answering
// for its key, damping thundering herds against a failing upstream.
const DefaultNegativeTTL = 2 * time.Second

// readerBuf is the channel depth handed to each reader. Sized so a slow SSE
// sink does not immediately backpressure the replay goroutine.
const readerBuf = 32

// Producer starts the upstream stream for a leader. It must be cancel-aware:
// when ctx is cancelled the returned channel must close promptly.
type Producer func(ctx context.Context) (<-chan llm.Chunk, error)

// Key derives a stable coalescing key from the semantic content of a request:
// target provider and model, the canonical prompt, and the request scope.
func Key(provider, model, canonicalPrompt, scope string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{'\n'})
	h.Write([]byte(model))
	h.Write([]byte{'\n'})
	h.Write([]byte(canonicalPrompt))
	h.Write([]byte{'\n'})
	h.Write([]byte(scope))
	return hex.EncodeToString(h.Sum(nil))
}

// entry is one in-flight (or recently error-terminated) coalesced call.
type entry struct {
	mu     sync.Mutex
	buf    []llm.Chunk
	done   bool
	err    error
	notify chan struct{} // closed and replaced on every append/terminate

	refs      int
	cancel    context.CancelFunc
	expiresAt time.Time // negative-cache deadline, set on error termination
}

// appendChunk adds a chunk to the replay buffer and wakes blocked readers.
func (e *entry) appendChunk(c llm.Chunk) {
	e.mu.Lock()
	e.buf = append(e.buf, c)
	close(e.notify)
	e.notify = make(chan struct{})
	e.mu.Unlock()
}

// terminate marks the entry finished and wakes blocked readers.
func (e *entry) terminate(err error) {
	e.mu.Lock()
	e.done = true
	e.err = err
	if err != nil {
		e.expiresAt = time.Now().Add(DefaultNegativeTTL)
	}
	close(e.notify)
	e.notify = make(chan struct{})
	e.mu.Unlock()
}

// Coalescer is the keyed in-flight table. Safe for concurrent use; the table
// lock guards only insert/lookup/evict, never chunk delivery.
type Coalescer struct {
	negTTL time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	leaders   int64
	followers int64
}

// New creates an empty Coalescer.
func New() *Coalescer {
	return &Coalescer{
		negTTL:  DefaultNegativeTTL,
		entries: make(map[string]*entry),
	}
}

// Run attaches the caller to the in-flight call for key, starting producer
// as leader when none exists. The returned channel yields the full ordered
// chunk sequence (replayed from the start for late attachers) and is closed
// after the final chunk; a producer failure is delivered as a trailing
// ChunkError.
//
// leader reports whether this caller started the producer. Cancelling ctx
// detaches the reader; when the last reader detaches from a live entry the
// producer is cancelled too.
func (c *Coalescer) Run(ctx context.Context, key string, producer Producer) (<-chan llm.Chunk, bool, error) {
	now := time.Now()

	c.mu.Lock()
	e, exists := c.entries[key]
	if exists {
		e.mu.Lock()
		finished := e.done
		failed := e.err != nil
		expired := failed && now.After(e.expiresAt)
		e.mu.Unlock()

		// Success-terminated entries are never reused as a cache, and an
		// error entry past its negative TTL stops answering: both are
		// replaced by a fresh leader.
		if finished && (!failed || expired) {
			exists = false
		}
	}

	if !exists {
		prodCtx, cancel := context.WithCancel(context.Background())
		e = &entry{
			notify: make(chan struct{}),
			cancel: cancel,
		}
		e.refs = 1
		c.entries[key] = e
		c.leaders++
		c.mu.Unlock()

		go c.produce(prodCtx, key, e, producer)
		return c.newReader(ctx, key, e), true, nil
	}

	e.refs++
	c.followers++
	c.mu.Unlock()
	return c.newReader(ctx, key, e), false, nil
}

// Stats returns the total leader and follower attachments so far.
func (c *Coalescer) Stats() (leaders, followers int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaders, c.followers
}

// produce runs the leader's upstream call, feeding the replay buffer.
func (c *Coalescer) produce(ctx context.Context, key string, e *entry, producer Producer) {
	ch, err := producer(ctx)
	if err != nil {
		e.terminate(err)
		return
	}

	for chunk := range ch {
		if chunk.Kind == llm.ChunkError {
			e.terminate(chunk.Err)
			return
		}
		e.appendChunk(chunk)
	}

	if ctx.Err() != nil {
		e.terminate(ctx.Err())
		return
	}
	e.terminate(nil)
}

// newReader spawns the replay goroutine for one attached caller.
func (c *Coalescer) newReader(ctx context.Context, key string, e *entry) <-chan llm.Chunk {
	out := make(chan llm.Chunk, readerBuf)

	go func() {
		defer close(out)
		defer c.detach(key, e)

		next := 0
		for {
			e.mu.Lock()
			pending := make([]llm.Chunk, len(e.buf)-next)
			copy(pending, e.buf[next:])
			next = len(e.buf)
			finished := e.done
			err := e.err
			wait := e.notify
			e.mu.Unlock()

			for _, chunk := range pending {
				select {
				case out <- chunk:
				case <-ctx.Done():
					c.sendCancelled(ctx, out)
					return
				}
			}

			if finished {
				if err != nil {
					select {
					case out <- llm.Chunk{Kind: llm.ChunkError, Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}

			select {
			case <-wait:
			case <-ctx.Done():
				c.sendCancelled(ctx, out)
				return
			}
		}
	}()

	return out
}

// sendCancelled delivers a trailing cancellation chunk to a detaching
// reader so a partially relayed stream is never mistaken for a complete
// one. Best effort: the reader channel is buffered, and a full buffer
// means the consumer is gone anyway.
func (c *Coalescer) sendCancelled(ctx context.Context, out chan<- llm.Chunk) {
	select {
	case out <- llm.Chunk{Kind: llm.ChunkError, Err: ctx.Err()}:
	default:
	}
}

// detach drops one reference. The last detach from a live entry cancels the
// producer; error-terminated entries linger for the negative-cache TTL,
// everything else is evicted immediately.
func (c *Coalescer) detach(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.refs--
	if e.refs > 0 {
		return
	}

	e.mu.Lock()
	live := !e.done
	failed := e.err != nil
	e.mu.Unlock()

	if live {
		e.cancel()
	}

	if failed {
		// Keep the error entry answering until its TTL; a later Run past the
		// deadline replaces it, and the timer below reclaims it otherwise.
		time.AfterFunc(c.negTTL, func() {
			c.mu.Lock()
			if cur, ok := c.entries[key]; ok && cur == e && cur.refs == 0 {
				delete(c.entries, key)
			}
			c.mu.Unlock()
		})
		return
	}

	// Only evict if the table still maps key to this entry — a fresh leader
	// may have replaced a terminated one while readers were draining.
	if c.entries[key] == e {
		delete(c.entries, key)
	}
}
