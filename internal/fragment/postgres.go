package fragment

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// PostgresStore persists fragments in a pgvector-backed table with an HNSW
// index for approximate nearest-neighbour search.
//
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool. The pool must have pgvector
// types registered per connection; the store package does that centrally.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// Upsert implements [Store]. Fragments are keyed by content hash so a
// re-extracted factoid replaces the previous row.
func (s *PostgresStore) Upsert(ctx context.Context, f Fragment) error {
	if err := validate(f); err != nil {
		return err
	}
	const q = `
		INSERT INTO fragments
		    (id, org_id, user_id, thread_id, text, tier, provider, model, content_hash, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (content_hash) DO UPDATE SET
		    thread_id  = EXCLUDED.thread_id,
		    text       = EXCLUDED.text,
		    tier       = EXCLUDED.tier,
		    provider   = EXCLUDED.provider,
		    model      = EXCLUDED.model,
		    embedding  = EXCLUDED.embedding,
		    created_at = EXCLUDED.created_at`

	vec := pgvector.NewVector(f.Embedding)
	_, err := s.pool.Exec(ctx, q,
		f.ID,
		f.OrgID,
		f.UserID,
		f.ThreadID,
		f.Text,
		f.Tier,
		f.Provider,
		f.Model,
		f.ContentHash,
		vec,
		f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("fragment store: upsert: %w", err)
	}
	return nil
}

// Search implements [Store]. Results are ordered by ascending cosine
// distance, most similar first.
func (s *PostgresStore) Search(ctx context.Context, embedding []float32, topK int, filter Filter) ([]Result, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"org_id = " + next(filter.OrgID)}
	tiers := filter.Tiers
	if len(tiers) == 0 {
		tiers = []string{TierPrivate}
	}
	conditions = append(conditions, "tier = ANY("+next(tiers)+")")
	if filter.UserID != "" {
		// Shared-tier fragments are visible org-wide; private ones only
		// to their owner.
		conditions = append(conditions, "(tier = 'shared' OR user_id = "+next(filter.UserID)+")")
	}
	if filter.ExcludeThreadID != "" {
		conditions = append(conditions, "thread_id <> "+next(filter.ExcludeThreadID))
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, org_id, user_id, thread_id, text, tier, provider, model, content_hash, embedding, created_at,
		       embedding <=> $1 AS distance
		FROM   fragments
		WHERE  %s
		ORDER  BY distance
		LIMIT  %s`, strings.Join(conditions, "\n  AND "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fragment store: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Result, error) {
		var (
			r   Result
			vec pgvector.Vector
		)
		if err := row.Scan(
			&r.Fragment.ID,
			&r.Fragment.OrgID,
			&r.Fragment.UserID,
			&r.Fragment.ThreadID,
			&r.Fragment.Text,
			&r.Fragment.Tier,
			&r.Fragment.Provider,
			&r.Fragment.Model,
			&r.Fragment.ContentHash,
			&vec,
			&r.Fragment.CreatedAt,
			&r.Distance,
		); err != nil {
			return Result{}, err
		}
		r.Fragment.Embedding = vec.Slice()
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fragment store: scan rows: %w", err)
	}
	if results == nil {
		results = []Result{}
	}
	return results, nil
}
