package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/quarrier/internal/model"
)

// CreateAPIKeyWithAudit inserts a new API key and a mutation audit entry
// atomically within a single transaction.
func (db *DB) CreateAPIKeyWithAudit(ctx context.Context, key model.ApiKey, audit MutationAuditEntry) (model.ApiKey, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.ApiKey{}, fmt.Errorf("storage: begin create api key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, key_hash, agent_id, label, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.Prefix, key.KeyHash, key.AgentID, key.Label, key.CreatedAt,
	); err != nil {
		return model.ApiKey{}, fmt.Errorf("storage: create api key: %w", err)
	}

	audit.ResourceID = key.ID.String()
	audit.AfterData = key
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.ApiKey{}, fmt.Errorf("storage: audit in create api key tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ApiKey{}, fmt.Errorf("storage: commit create api key tx: %w", err)
	}
	return key, nil
}

// GetAPIKeyByPrefixAndAgent looks up a single active API key by (prefix,
// agent_id) as an O(1) pre-filter before Argon2 verification.
func (db *DB) GetAPIKeyByPrefixAndAgent(ctx context.Context, agentID, prefix string) (model.ApiKey, error) {
	var k model.ApiKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, prefix, key_hash, agent_id, label, created_at, last_used_at, revoked_at
		 FROM api_keys WHERE agent_id = $1 AND prefix = $2 AND revoked_at IS NULL LIMIT 1`,
		agentID, prefix,
	).Scan(&k.ID, &k.Prefix, &k.KeyHash, &k.AgentID, &k.Label, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ApiKey{}, ErrNotFound
		}
		return model.ApiKey{}, fmt.Errorf("storage: get api key by prefix: %w", err)
	}
	return k, nil
}

// GetActiveAPIKeysByPrefix returns every active key with the given prefix,
// across all agents. Prefixes are not guaranteed globally unique, so
// authentication verifies the Argon2id hash against each candidate.
func (db *DB) GetActiveAPIKeysByPrefix(ctx context.Context, prefix string) ([]model.ApiKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, prefix, key_hash, agent_id, label, created_at, last_used_at, revoked_at
		 FROM api_keys WHERE prefix = $1 AND revoked_at IS NULL`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get active api keys by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

// GetActiveAPIKeysByAgentID returns every active (not revoked) API key for an agent.
func (db *DB) GetActiveAPIKeysByAgentID(ctx context.Context, agentID string) ([]model.ApiKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, prefix, key_hash, agent_id, label, created_at, last_used_at, revoked_at
		 FROM api_keys WHERE agent_id = $1 AND revoked_at IS NULL ORDER BY created_at ASC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get active api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

// ListAPIKeysByAgent returns all keys for an agent, including revoked ones, most recent first.
func (db *DB) ListAPIKeysByAgent(ctx context.Context, agentID string) ([]model.ApiKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, prefix, key_hash, agent_id, label, created_at, last_used_at, revoked_at
		 FROM api_keys WHERE agent_id = $1 ORDER BY created_at DESC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func scanAPIKeys(rows pgx.Rows) ([]model.ApiKey, error) {
	var keys []model.ApiKey
	for rows.Next() {
		var k model.ApiKey
		if err := rows.Scan(&k.ID, &k.Prefix, &k.KeyHash, &k.AgentID, &k.Label, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKeyWithAudit sets revoked_at on an API key and records a mutation
// audit entry atomically.
func (db *DB) RevokeAPIKeyWithAudit(ctx context.Context, keyID uuid.UUID, audit MutationAuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin revoke api key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var before model.ApiKey
	err = tx.QueryRow(ctx,
		`SELECT id, prefix, key_hash, agent_id, label, created_at, last_used_at, revoked_at
		 FROM api_keys WHERE id = $1`, keyID,
	).Scan(&before.ID, &before.Prefix, &before.KeyHash, &before.AgentID, &before.Label, &before.CreatedAt, &before.LastUsedAt, &before.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: api key %s: %w", keyID, ErrNotFound)
		}
		return fmt.Errorf("storage: get api key for revocation: %w", err)
	}
	if before.RevokedAt != nil {
		return fmt.Errorf("storage: api key %s already revoked", keyID)
	}

	tag, err := tx.Exec(ctx, `UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, keyID)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: api key %s: %w", keyID, ErrNotFound)
	}

	audit.ResourceID = keyID.String()
	audit.BeforeData = before
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("storage: audit in revoke api key tx: %w", err)
	}

	return tx.Commit(ctx)
}

// TouchAPIKeyLastUsed updates last_used_at to now, fire-and-forget on every
// successful authentication.
func (db *DB) TouchAPIKeyLastUsed(ctx context.Context, keyID uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("storage: touch api key last_used: %w", err)
	}
	return nil
}
