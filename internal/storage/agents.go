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

// CreateAgentWithKey inserts a new agent and mints its initial API key
// atomically within a single transaction, per the registration invariant
// that an agent and its first credential come into existence together.
func (db *DB) CreateAgentWithKey(ctx context.Context, agent model.Agent, key model.ApiKey, audit MutationAuditEntry) (model.Agent, model.ApiKey, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, model.ApiKey{}, fmt.Errorf("storage: begin create agent+key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Metadata == nil {
		agent.Metadata = map[string]any{}
	}
	if agent.Tags == nil {
		agent.Tags = []string{}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO agents (id, agent_id, display_name, agent_type, role, tags, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		agent.ID, agent.AgentID, agent.DisplayName, agent.AgentType, string(agent.Role),
		agent.Tags, agent.Metadata, agent.CreatedAt, agent.UpdatedAt,
	); err != nil {
		return model.Agent{}, model.ApiKey{}, fmt.Errorf("storage: create agent: %w", err)
	}

	audit.ResourceID = agent.AgentID
	audit.AfterData = agent
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.Agent{}, model.ApiKey{}, fmt.Errorf("storage: audit in create agent tx: %w", err)
	}

	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, key_hash, agent_id, label, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.Prefix, key.KeyHash, key.AgentID, key.Label, key.CreatedAt,
	); err != nil {
		return model.Agent{}, model.ApiKey{}, fmt.Errorf("storage: create initial api key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, model.ApiKey{}, fmt.Errorf("storage: commit create agent+key tx: %w", err)
	}
	return agent, key, nil
}

// GetAgentByAgentID retrieves an agent by its external agent_id.
func (db *DB) GetAgentByAgentID(ctx context.Context, agentID string) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, display_name, agent_type, role, tags, metadata, created_at, updated_at, revoked_at
		 FROM agents WHERE agent_id = $1`, agentID,
	).Scan(&a.ID, &a.AgentID, &a.DisplayName, &a.AgentType, &a.Role, &a.Tags, &a.Metadata, &a.CreatedAt, &a.UpdatedAt, &a.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// GetAgentByID retrieves an agent by its internal UUID.
func (db *DB) GetAgentByID(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, display_name, agent_type, role, tags, metadata, created_at, updated_at, revoked_at
		 FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.AgentID, &a.DisplayName, &a.AgentType, &a.Role, &a.Tags, &a.Metadata, &a.CreatedAt, &a.UpdatedAt, &a.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent by id: %w", err)
	}
	return a, nil
}

// ListAgents returns agents with pagination. limit is clamped to [1, 1000]
// with a default of 200; a negative offset is treated as 0.
func (db *DB) ListAgents(ctx context.Context, limit, offset int) ([]model.Agent, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, display_name, agent_type, role, tags, metadata, created_at, updated_at, revoked_at
		 FROM agents ORDER BY created_at ASC LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.ID, &a.AgentID, &a.DisplayName, &a.AgentType, &a.Role, &a.Tags, &a.Metadata, &a.CreatedAt, &a.UpdatedAt, &a.RevokedAt); err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ListAgentIDsBySharedTags returns agent_ids that share at least one tag with
// the provided set (array-overlap), grounding the Permission Store's
// tag-based access resolution.
func (db *DB) ListAgentIDsBySharedTags(ctx context.Context, tags []string) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT agent_id FROM agents WHERE tags && $1`, tags)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents by shared tags: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan agent id by tag: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateAgent performs a partial update of an agent's display_name and/or
// metadata. Only non-nil/non-empty fields are applied.
func (db *DB) UpdateAgent(ctx context.Context, agentID string, displayName *string, metadata map[string]any) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`UPDATE agents
		 SET display_name = COALESCE($1, display_name),
		     metadata = CASE WHEN $2::jsonb IS NOT NULL THEN metadata || $2::jsonb ELSE metadata END,
		     updated_at = now()
		 WHERE agent_id = $3
		 RETURNING id, agent_id, display_name, agent_type, role, tags, metadata, created_at, updated_at, revoked_at`,
		displayName, metadata, agentID,
	).Scan(&a.ID, &a.AgentID, &a.DisplayName, &a.AgentType, &a.Role, &a.Tags, &a.Metadata, &a.CreatedAt, &a.UpdatedAt, &a.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: update agent: %w", err)
	}
	return a, nil
}

// UpdateAgentTags replaces the tags array for an agent.
func (db *DB) UpdateAgentTags(ctx context.Context, agentID string, tags []string) (model.Agent, error) {
	if tags == nil {
		tags = []string{}
	}
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`UPDATE agents SET tags = $1, updated_at = now() WHERE agent_id = $2
		 RETURNING id, agent_id, display_name, agent_type, role, tags, metadata, created_at, updated_at, revoked_at`,
		tags, agentID,
	).Scan(&a.ID, &a.AgentID, &a.DisplayName, &a.AgentType, &a.Role, &a.Tags, &a.Metadata, &a.CreatedAt, &a.UpdatedAt, &a.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: update agent tags: %w", err)
	}
	return a, nil
}

// RevokeAgentWithCascade marks an agent revoked and cascades the tombstone to
// its permissions and API keys atomically, per the ownership/lifecycle
// invariant: revocation destroys everything the agent exclusively owns
// except audit and cost history, which outlive it for compliance retention.
func (db *DB) RevokeAgentWithCascade(ctx context.Context, agentID string, audit MutationAuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin revoke agent tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE agents SET revoked_at = now(), updated_at = now() WHERE agent_id = $1 AND revoked_at IS NULL`, agentID)
	if err != nil {
		return fmt.Errorf("storage: revoke agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `UPDATE api_keys SET revoked_at = now() WHERE agent_id = $1 AND revoked_at IS NULL`, agentID); err != nil {
		return fmt.Errorf("storage: revoke agent api keys: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM permissions WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("storage: delete agent permissions: %w", err)
	}

	audit.ResourceID = agentID
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("storage: audit in revoke agent tx: %w", err)
	}

	return tx.Commit(ctx)
}
