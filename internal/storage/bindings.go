package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/quarrier/internal/model"
)

// UpsertBindingWithAudit replaces an agent's DatabaseBinding atomically.
// Exactly one binding may exist per agent at a time; update
// replaces the whole row rather than patching fields.
func (db *DB) UpsertBindingWithAudit(ctx context.Context, b model.DatabaseBinding, audit MutationAuditEntry) (model.DatabaseBinding, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.DatabaseBinding{}, fmt.Errorf("storage: begin upsert binding tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	endpointsJSON, err := marshalEndpoints(b.Endpoints)
	if err != nil {
		return model.DatabaseBinding{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO database_bindings (id, agent_id, driver_kind, connection_name, default_schema, endpoints,
		     active_endpoint_index, consecutive_failure_threshold, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)
		 ON CONFLICT (agent_id) DO UPDATE
		 SET driver_kind = EXCLUDED.driver_kind,
		     connection_name = EXCLUDED.connection_name,
		     default_schema = EXCLUDED.default_schema,
		     endpoints = EXCLUDED.endpoints,
		     active_endpoint_index = EXCLUDED.active_endpoint_index,
		     consecutive_failure_threshold = EXCLUDED.consecutive_failure_threshold,
		     updated_at = EXCLUDED.updated_at`,
		b.ID, b.AgentID, string(b.DriverKind), b.ConnectionName, b.DefaultSchema, endpointsJSON,
		b.ActiveEndpointIndex, b.ConsecutiveFailureThreshold, b.CreatedAt, b.UpdatedAt,
	); err != nil {
		return model.DatabaseBinding{}, fmt.Errorf("storage: upsert binding: %w", err)
	}

	audit.ResourceID = b.AgentID
	audit.AfterData = map[string]any{"driver_kind": b.DriverKind, "connection_name": b.ConnectionName}
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.DatabaseBinding{}, fmt.Errorf("storage: audit in upsert binding tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.DatabaseBinding{}, fmt.Errorf("storage: commit upsert binding tx: %w", err)
	}
	return b, nil
}

// GetBindingByAgent retrieves the single active binding for an agent.
func (db *DB) GetBindingByAgent(ctx context.Context, agentID string) (model.DatabaseBinding, error) {
	var b model.DatabaseBinding
	var endpointsJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, driver_kind, connection_name, default_schema, endpoints,
		     active_endpoint_index, consecutive_failure_threshold, created_at, updated_at
		 FROM database_bindings WHERE agent_id = $1`, agentID,
	).Scan(&b.ID, &b.AgentID, &b.DriverKind, &b.ConnectionName, &b.DefaultSchema, &endpointsJSON,
		&b.ActiveEndpointIndex, &b.ConsecutiveFailureThreshold, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DatabaseBinding{}, fmt.Errorf("storage: binding for agent %s: %w", agentID, ErrNotFound)
		}
		return model.DatabaseBinding{}, fmt.Errorf("storage: get binding: %w", err)
	}
	if b.Endpoints, err = unmarshalEndpoints(endpointsJSON); err != nil {
		return model.DatabaseBinding{}, err
	}
	return b, nil
}

// DeleteBindingWithAudit removes an agent's binding, closing off its
// Connector Factory + Pool entry for subsequent calls.
func (db *DB) DeleteBindingWithAudit(ctx context.Context, agentID string, audit MutationAuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin delete binding tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM database_bindings WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("storage: delete binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: binding for agent %s: %w", agentID, ErrNotFound)
	}

	audit.ResourceID = agentID
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("storage: audit in delete binding tx: %w", err)
	}

	return tx.Commit(ctx)
}

func marshalEndpoints(endpoints []model.Endpoint) ([]byte, error) {
	data, err := json.Marshal(endpoints)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal endpoints: %w", err)
	}
	return data, nil
}

func unmarshalEndpoints(data []byte) ([]model.Endpoint, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []model.Endpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("storage: unmarshal endpoints: %w", err)
	}
	return out, nil
}
