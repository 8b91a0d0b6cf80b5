package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/convoke/internal/thread"
	"github.com/MrWong99/convoke/pkg/llm"
)

// UpsertThread implements [thread.Persistence]. It creates the thread row
// if absent and bumps updated_at otherwise.
func (s *Store) UpsertThread(ctx context.Context, orgID, threadID string) error {
	const q = `
		INSERT INTO threads (id, org_id)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, threadID, orgID); err != nil {
		return fmt.Errorf("postgres store: upsert thread: %w", err)
	}
	return nil
}

// AppendTurn implements [thread.Persistence]. The (thread_id, seq) primary
// key enforces monotone, duplicate-free sequences at the storage layer.
func (s *Store) AppendTurn(ctx context.Context, threadID string, t thread.Turn) error {
	usage, err := json.Marshal(t.Usage)
	if err != nil {
		return fmt.Errorf("postgres store: marshal usage: %w", err)
	}
	citations := []byte("[]")
	if len(t.Citations) > 0 {
		if citations, err = json.Marshal(t.Citations); err != nil {
			return fmt.Errorf("postgres store: marshal citations: %w", err)
		}
	}

	const q = `
		INSERT INTO turns
		    (thread_id, seq, role, content, request_id, provider, model, usage, citations, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = s.pool.Exec(ctx, q,
		threadID, t.Seq, t.Role, t.Content, t.RequestID,
		t.Provider, t.Model, usage, citations, t.LatencyMS, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append turn: %w", err)
	}
	return nil
}

// LoadTurns implements [thread.Persistence]. It returns the last limit
// turns in ascending sequence order.
func (s *Store) LoadTurns(ctx context.Context, threadID string, limit int) ([]thread.Turn, error) {
	const q = `
		SELECT seq, role, content, request_id, provider, model, usage, citations, latency_ms, created_at
		FROM (
		    SELECT * FROM turns WHERE thread_id = $1 ORDER BY seq DESC LIMIT $2
		) recent
		ORDER BY seq ASC`

	rows, err := s.pool.Query(ctx, q, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load turns: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (thread.Turn, error) {
		var (
			t         thread.Turn
			usage     []byte
			citations []byte
		)
		if err := row.Scan(&t.Seq, &t.Role, &t.Content, &t.RequestID,
			&t.Provider, &t.Model, &usage, &citations, &t.LatencyMS, &t.CreatedAt); err != nil {
			return thread.Turn{}, err
		}
		if err := json.Unmarshal(usage, &t.Usage); err != nil {
			return thread.Turn{}, err
		}
		var cits []llm.Citation
		if err := json.Unmarshal(citations, &cits); err != nil {
			return thread.Turn{}, err
		}
		t.Citations = cits
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan turns: %w", err)
	}
	return turns, nil
}

// SaveThreadState implements [thread.Persistence].
func (s *Store) SaveThreadState(ctx context.Context, threadID, summary string, facts map[string]string, h thread.Hints) error {
	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("postgres store: marshal facts: %w", err)
	}
	const q = `
		UPDATE threads SET
		    summary       = $2,
		    profile_facts = $3,
		    last_intent   = $4,
		    last_provider = $5,
		    last_model    = $6,
		    updated_at    = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, threadID, summary, factsJSON, h.Intent, h.Provider, h.Model)
	if err != nil {
		return fmt.Errorf("postgres store: save thread state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return thread.ErrNotFound
	}
	return nil
}

// LoadThreadState implements [thread.Persistence].
func (s *Store) LoadThreadState(ctx context.Context, threadID string) (string, map[string]string, thread.Hints, error) {
	const q = `
		SELECT summary, profile_facts, last_intent, last_provider, last_model
		FROM threads WHERE id = $1`

	var (
		summary   string
		factsJSON []byte
		h         thread.Hints
	)
	err := s.pool.QueryRow(ctx, q, threadID).Scan(&summary, &factsJSON, &h.Intent, &h.Provider, &h.Model)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, thread.Hints{}, thread.ErrNotFound
	}
	if err != nil {
		return "", nil, thread.Hints{}, fmt.Errorf("postgres store: load thread state: %w", err)
	}
	facts := make(map[string]string)
	if err := json.Unmarshal(factsJSON, &facts); err != nil {
		return "", nil, thread.Hints{}, fmt.Errorf("postgres store: unmarshal facts: %w", err)
	}
	return summary, facts, h, nil
}

// DeleteThread removes a thread and, via cascade, its turns. Used by the
// admin API.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("postgres store: delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return thread.ErrNotFound
	}
	return nil
}
