package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/convoke/internal/audit"
)

// Append implements [audit.Sink]. The audit log is append-only; rows are
// never updated or deleted by the application.
func (s *Store) Append(ctx context.Context, r audit.Record) error {
	providers, err := json.Marshal(r.Providers)
	if err != nil {
		return fmt.Errorf("postgres store: marshal providers: %w", err)
	}
	const q = `
		INSERT INTO audit_log
		    (request_id, org_id, thread_id, scope, intent, pipeline, providers,
		     model, prompt_hash, response_hash, queue_wait_ms, ttft_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = s.pool.Exec(ctx, q,
		r.RequestID, r.OrgID, r.ThreadID, r.Scope, r.Intent, r.Pipeline, providers,
		r.Model, r.PromptHash, r.ResponseHash, r.QueueWaitMS, r.TTFTMS, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append audit record: %w", err)
	}
	return nil
}

// ListByThread implements [audit.Sink]. Records come back newest first.
func (s *Store) ListByThread(ctx context.Context, threadID string, limit int) ([]audit.Record, error) {
	const q = `
		SELECT request_id, org_id, thread_id, scope, intent, pipeline, providers,
		       model, prompt_hash, response_hash, queue_wait_ms, ttft_ms, created_at
		FROM audit_log
		WHERE thread_id = $1
		ORDER BY id DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, q, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list audit records: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (audit.Record, error) {
		var (
			r         audit.Record
			providers []byte
		)
		if err := row.Scan(&r.RequestID, &r.OrgID, &r.ThreadID, &r.Scope, &r.Intent,
			&r.Pipeline, &providers, &r.Model, &r.PromptHash, &r.ResponseHash,
			&r.QueueWaitMS, &r.TTFTMS, &r.CreatedAt); err != nil {
			return audit.Record{}, err
		}
		if err := json.Unmarshal(providers, &r.Providers); err != nil {
			return audit.Record{}, err
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan audit records: %w", err)
	}
	return records, nil
}
