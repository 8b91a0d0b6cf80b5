// Package postgres provides the durable persistence layer: threads and
// turns, encrypted provider credentials, the append-only audit log, and the
// pgvector-backed fragment table consumed by the fragment store.
//
// All tables share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it via CREATE
// EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlThreads = `
CREATE TABLE IF NOT EXISTS threads (
    id            TEXT         PRIMARY KEY,
    org_id        TEXT         NOT NULL,
    summary       TEXT         NOT NULL DEFAULT '',
    profile_facts JSONB        NOT NULL DEFAULT '{}',
    last_intent   TEXT         NOT NULL DEFAULT '',
    last_provider TEXT         NOT NULL DEFAULT '',
    last_model    TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_threads_org_id ON threads (org_id);

CREATE TABLE IF NOT EXISTS turns (
    thread_id   TEXT         NOT NULL REFERENCES threads (id) ON DELETE CASCADE,
    seq         BIGINT       NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    request_id  TEXT         NOT NULL DEFAULT '',
    provider    TEXT         NOT NULL DEFAULT '',
    model       TEXT         NOT NULL DEFAULT '',
    usage       JSONB        NOT NULL DEFAULT '{}',
    citations   JSONB        NOT NULL DEFAULT '[]',
    latency_ms  BIGINT       NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (thread_id, seq)
);
`

const ddlProviderKeys = `
CREATE TABLE IF NOT EXISTS provider_keys (
    org_id      TEXT         NOT NULL,
    provider    TEXT         NOT NULL,
    label       TEXT         NOT NULL DEFAULT '',
    ciphertext  BYTEA        NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (org_id, provider)
);
`

const ddlAudit = `
CREATE TABLE IF NOT EXISTS audit_log (
    id            BIGSERIAL    PRIMARY KEY,
    request_id    TEXT         NOT NULL,
    org_id        TEXT         NOT NULL,
    thread_id     TEXT         NOT NULL,
    scope         TEXT         NOT NULL DEFAULT 'private',
    intent        TEXT         NOT NULL DEFAULT '',
    pipeline      TEXT         NOT NULL DEFAULT '',
    providers     JSONB        NOT NULL DEFAULT '[]',
    model         TEXT         NOT NULL DEFAULT '',
    prompt_hash   TEXT         NOT NULL,
    response_hash TEXT         NOT NULL,
    queue_wait_ms BIGINT       NOT NULL DEFAULT 0,
    ttft_ms       BIGINT       NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_thread_id ON audit_log (thread_id);
`

// ddlFragments returns the fragment DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlFragments(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS fragments (
    id           TEXT         NOT NULL,
    org_id       TEXT         NOT NULL,
    user_id      TEXT         NOT NULL DEFAULT '',
    thread_id    TEXT         NOT NULL,
    text         TEXT         NOT NULL,
    tier         TEXT         NOT NULL DEFAULT 'private',
    provider     TEXT         NOT NULL DEFAULT '',
    model        TEXT         NOT NULL DEFAULT '',
    content_hash TEXT         PRIMARY KEY,
    embedding    vector(%d),
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_fragments_org_id ON fragments (org_id);

CREATE INDEX IF NOT EXISTS idx_fragments_embedding
    ON fragments USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It
// is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the configured embedding model (e.g. 1536
// for OpenAI text-embedding-3-small, 768 for nomic-embed-text). Changing it
// after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlThreads,
		ddlProviderKeys,
		ddlAudit,
		ddlFragments(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
