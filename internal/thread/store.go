package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors returned by the store.
var (
	// ErrProtocol is returned when an append would violate the turn
	// protocol, e.g. an assistant turn whose preceding turn is not a user
	// turn.
	ErrProtocol = errors.New("thread: turn protocol violation")

	// ErrNotFound is returned when a thread does not exist in memory or in
	// durable storage.
	ErrNotFound = errors.New("thread: not found")
)

// defaultMaxTurns bounds the in-memory rolling buffer of non-system turns.
const defaultMaxTurns = 20

// Persistence is the durable backend the store bootstraps from and writes
// through to. A nil Persistence makes the store memory-only.
type Persistence interface {
	UpsertThread(ctx context.Context, orgID, threadID string) error
	AppendTurn(ctx context.Context, threadID string, t Turn) error
	// LoadTurns returns the last limit turns in ascending sequence order.
	LoadTurns(ctx context.Context, threadID string, limit int) ([]Turn, error)
	SaveThreadState(ctx context.Context, threadID, summary string, facts map[string]string, h Hints) error
	LoadThreadState(ctx context.Context, threadID string) (summary string, facts map[string]string, h Hints, err error)
}

type state struct {
	mu sync.Mutex

	orgID        string
	turns        []Turn
	summary      string
	facts        map[string]string
	hints        Hints
	nextSeq      int64
	bootstrapped bool
}

// Store is the in-process thread map. Reads and writes to a single thread
// are serialised by that thread's lock; independent threads do not contend.
type Store struct {
	maxTurns   int
	persist    Persistence
	summariser Summariser
	logger     *slog.Logger

	mu      sync.Mutex
	threads map[string]*state
}

// Option configures a [Store].
type Option func(*Store)

// WithMaxTurns overrides the rolling-buffer bound of non-system turns.
func WithMaxTurns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTurns = n
		}
	}
}

// WithSummariser sets the summariser used when the rolling buffer
// overflows. Without one the deterministic head/tail condenser is used.
func WithSummariser(sm Summariser) Option {
	return func(s *Store) { s.summariser = sm }
}

// WithLogger sets the logger for write-through and summarisation warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a thread store backed by persist. persist may be nil for
// a memory-only store.
func NewStore(persist Persistence, opts ...Option) *Store {
	s := &Store{
		maxTurns: defaultMaxTurns,
		persist:  persist,
		logger:   slog.Default(),
		threads:  make(map[string]*state),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) stateFor(threadID string) *state {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.threads[threadID]
	if !ok {
		st = &state{facts: make(map[string]string), nextSeq: 1}
		s.threads[threadID] = st
	}
	return st
}

// Lock acquires the per-thread mutex and returns its release func. Dispatch
// holds this across bootstrap, prompt construction, and turn persistence so
// concurrent sends to one thread serialise.
func (s *Store) Lock(threadID string) func() {
	st := s.stateFor(threadID)
	st.mu.Lock()
	return st.mu.Unlock
}

// Bootstrap repopulates a thread's in-memory state from durable storage.
// It is idempotent: a thread that already has in-memory turns, or that was
// already bootstrapped, is left untouched. Callers must hold the thread
// lock.
func (s *Store) Bootstrap(ctx context.Context, orgID, threadID string) error {
	st := s.stateFor(threadID)
	if st.bootstrapped || len(st.turns) > 0 {
		st.orgID = orgID
		return nil
	}
	st.orgID = orgID
	if s.persist == nil {
		st.bootstrapped = true
		return nil
	}

	// The latch flips only after a successful load: a transient store
	// error must leave the thread eligible for bootstrap on the next
	// request, or its history is silently lost.
	turns, err := s.persist.LoadTurns(ctx, threadID, s.maxTurns)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("thread: bootstrap %s: %w", threadID, err)
	}
	summary, facts, hints, stateErr := s.persist.LoadThreadState(ctx, threadID)
	if stateErr != nil && !errors.Is(stateErr, ErrNotFound) {
		return fmt.Errorf("thread: bootstrap state %s: %w", threadID, stateErr)
	}

	if len(turns) > 0 {
		st.turns = turns
		st.nextSeq = turns[len(turns)-1].Seq + 1
	}
	if stateErr == nil {
		st.summary = summary
		if facts != nil {
			st.facts = facts
		}
		st.hints = hints
	}
	st.bootstrapped = true
	return nil
}

// Append commits a turn to the in-memory buffer and writes it through to
// durable storage. The in-memory commit always precedes the write-through;
// a write-through failure is logged and does not undo the commit.
//
// An assistant turn whose immediately preceding turn is not a user turn is
// rejected with [ErrProtocol]. Callers must hold the thread lock.
func (s *Store) Append(ctx context.Context, threadID string, t Turn) (Turn, error) {
	st := s.stateFor(threadID)

	if t.Role == RoleAssistant {
		if len(st.turns) == 0 || st.turns[len(st.turns)-1].Role != RoleUser {
			return Turn{}, fmt.Errorf("%w: assistant turn must follow a user turn", ErrProtocol)
		}
	}

	t.Seq = st.nextSeq
	st.nextSeq++
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	st.turns = append(st.turns, t)
	s.compact(ctx, st)

	if s.persist != nil {
		if err := s.persist.UpsertThread(ctx, st.orgID, threadID); err != nil {
			s.logger.Warn("thread write-through failed", "thread_id", threadID, "error", err)
		} else if err := s.persist.AppendTurn(ctx, threadID, t); err != nil {
			s.logger.Warn("turn write-through failed", "thread_id", threadID, "seq", t.Seq, "error", err)
		}
	}
	return t, nil
}

// UpdateHints records routing continuity and new profile facts after a
// completed turn, and persists the thread state. Callers must hold the
// thread lock.
func (s *Store) UpdateHints(ctx context.Context, threadID string, h Hints, newFacts map[string]string) {
	st := s.stateFor(threadID)
	st.hints = h
	for k, v := range newFacts {
		st.facts[k] = v
	}
	if s.persist != nil {
		if err := s.persist.SaveThreadState(ctx, threadID, st.summary, st.facts, st.hints); err != nil {
			s.logger.Warn("thread state write-through failed", "thread_id", threadID, "error", err)
		}
	}
}

// Snapshot copies a thread's memory for use outside the lock. Callers must
// hold the thread lock while calling it.
func (s *Store) Snapshot(threadID string) Snapshot {
	st := s.stateFor(threadID)
	snap := Snapshot{
		ThreadID:     threadID,
		OrgID:        st.orgID,
		Turns:        make([]Turn, len(st.turns)),
		Summary:      st.summary,
		ProfileFacts: make(map[string]string, len(st.facts)),
		LastIntent:   st.hints.Intent,
		LastProvider: st.hints.Provider,
		LastModel:    st.hints.Model,
	}
	copy(snap.Turns, st.turns)
	for k, v := range st.facts {
		snap.ProfileFacts[k] = v
	}
	return snap
}

// Delete removes a thread from memory. Durable rows are removed by the
// admin API against the store backend directly.
func (s *Store) Delete(threadID string) {
	s.mu.Lock()
	delete(s.threads, threadID)
	s.mu.Unlock()
}

// compact enforces the rolling bound on non-system turns. When the bound is
// exceeded the oldest half of the buffer is condensed into the summary.
// Must be called with the thread lock held.
func (s *Store) compact(ctx context.Context, st *state) {
	nonSystem := 0
	for _, t := range st.turns {
		if t.Role != RoleSystem {
			nonSystem++
		}
	}
	if nonSystem <= s.maxTurns {
		return
	}

	half := len(st.turns) / 2
	if half == 0 {
		return
	}
	condensed := make([]Turn, half)
	copy(condensed, st.turns[:half])

	var summary string
	if s.summariser != nil {
		// The thread lock stays held across the LLM round trip:
		// releasing it would let a concurrent request on this thread
		// interleave its turns mid-commit. Overflow is rare and the
		// client's stream has already closed by the time Append runs;
		// other threads never contend on this lock.
		var err error
		summary, err = s.summariser.Summarise(ctx, condensed)
		if err != nil {
			s.logger.Warn("llm summarisation failed, using head/tail condenser", "error", err)
			summary = ""
		}
	}
	if summary == "" {
		summary = headTailCondense(condensed)
	}

	if st.summary != "" {
		st.summary = st.summary + " " + summary
	} else {
		st.summary = summary
	}
	st.turns = st.turns[half:]
}
