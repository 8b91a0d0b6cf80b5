package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/convoke/internal/keys"
)

// PutCredential implements [keys.Backend].
func (s *Store) PutCredential(ctx context.Context, orgID, provider, label string, ciphertext []byte) error {
	const q = `
		INSERT INTO provider_keys (org_id, provider, label, ciphertext)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, provider) DO UPDATE SET
		    label      = EXCLUDED.label,
		    ciphertext = EXCLUDED.ciphertext,
		    updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, orgID, provider, label, ciphertext); err != nil {
		return fmt.Errorf("postgres store: put credential: %w", err)
	}
	return nil
}

// GetCredential implements [keys.Backend].
func (s *Store) GetCredential(ctx context.Context, orgID, provider string) ([]byte, error) {
	var ct []byte
	err := s.pool.QueryRow(ctx,
		`SELECT ciphertext FROM provider_keys WHERE org_id = $1 AND provider = $2`,
		orgID, provider,
	).Scan(&ct)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, keys.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get credential: %w", err)
	}
	return ct, nil
}

// DeleteCredential implements [keys.Backend].
func (s *Store) DeleteCredential(ctx context.Context, orgID, provider string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM provider_keys WHERE org_id = $1 AND provider = $2`,
		orgID, provider,
	)
	if err != nil {
		return fmt.Errorf("postgres store: delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return keys.ErrNotFound
	}
	return nil
}

// ListCredentials implements [keys.Backend]. Ciphertext is never returned.
func (s *Store) ListCredentials(ctx context.Context, orgID string) ([]keys.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT org_id, provider, label, created_at, updated_at
		 FROM provider_keys WHERE org_id = $1 ORDER BY provider`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list credentials: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[keys.Record])
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan credentials: %w", err)
	}
	return records, nil
}
