package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/quarrier/internal/model"
)

// SetPermission upserts the capability set an agent holds on a resource,
// grounding the Permission Store's set() operation.
func (db *DB) SetPermission(ctx context.Context, p model.Permission, audit MutationAuditEntry) (model.Permission, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Permission{}, fmt.Errorf("storage: begin set permission tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	caps := make([]string, len(p.Caps))
	for i, c := range p.Caps {
		caps[i] = string(c)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO permissions (agent_id, resource_id, resource_kind, caps, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (agent_id, resource_id) DO UPDATE
		 SET resource_kind = EXCLUDED.resource_kind, caps = EXCLUDED.caps, updated_at = EXCLUDED.updated_at`,
		p.AgentID, p.ResourceID, string(p.ResourceKind), caps, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return model.Permission{}, fmt.Errorf("storage: set permission: %w", err)
	}

	audit.ResourceID = p.ResourceID
	audit.AfterData = p
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.Permission{}, fmt.Errorf("storage: audit in set permission tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Permission{}, fmt.Errorf("storage: commit set permission tx: %w", err)
	}
	return p, nil
}

// RevokePermission removes an agent's permission entry on a resource.
// Absence after revocation means default deny.
func (db *DB) RevokePermission(ctx context.Context, agentID, resourceID string, audit MutationAuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin revoke permission tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM permissions WHERE agent_id = $1 AND resource_id = $2`, agentID, resourceID)
	if err != nil {
		return fmt.Errorf("storage: revoke permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: permission %s/%s: %w", agentID, resourceID, ErrNotFound)
	}

	audit.ResourceID = resourceID
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("storage: audit in revoke permission tx: %w", err)
	}

	return tx.Commit(ctx)
}

// GetPermission retrieves a single agent/resource permission entry.
func (db *DB) GetPermission(ctx context.Context, agentID, resourceID string) (model.Permission, error) {
	var p model.Permission
	var caps []string
	err := db.pool.QueryRow(ctx,
		`SELECT agent_id, resource_id, resource_kind, caps, created_at, updated_at
		 FROM permissions WHERE agent_id = $1 AND resource_id = $2`,
		agentID, resourceID,
	).Scan(&p.AgentID, &p.ResourceID, &p.ResourceKind, &caps, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Permission{}, fmt.Errorf("storage: permission %s/%s: %w", agentID, resourceID, ErrNotFound)
		}
		return model.Permission{}, fmt.Errorf("storage: get permission: %w", err)
	}
	p.Caps = make([]model.Capability, len(caps))
	for i, c := range caps {
		p.Caps[i] = model.Capability(c)
	}
	return p, nil
}

// ListPermissionsByAgent returns every permission entry held by an agent.
func (db *DB) ListPermissionsByAgent(ctx context.Context, agentID string) ([]model.Permission, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_id, resource_id, resource_kind, caps, created_at, updated_at
		 FROM permissions WHERE agent_id = $1 ORDER BY resource_id ASC`, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list permissions: %w", err)
	}
	defer rows.Close()

	var perms []model.Permission
	for rows.Next() {
		var p model.Permission
		var caps []string
		if err := rows.Scan(&p.AgentID, &p.ResourceID, &p.ResourceKind, &caps, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan permission: %w", err)
		}
		p.Caps = make([]model.Capability, len(caps))
		for i, c := range caps {
			p.Caps[i] = model.Capability(c)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
