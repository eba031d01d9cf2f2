package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MutationAuditEntry is an append-only audit record for an administrative
// mutation against the gateway's own metadata (agent CRUD, permission
// grants, binding updates). It is distinct from model.AuditEvent, which
// records the outcome of a pipeline call; this one records who changed what
// in the control plane.
type MutationAuditEntry struct {
	RequestID    string
	ActorAgentID string
	ActorRole    string
	Operation    string
	ResourceType string
	ResourceID   string
	BeforeData   any
	AfterData    any
	Metadata     map[string]any
}

// pgxExecer is the subset of pgx.Tx / pgxpool.Pool used for INSERT execution.
// Both *pgxpool.Pool and pgx.Tx satisfy this interface.
type pgxExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertMutationAudit(ctx context.Context, exec pgxExecer, e MutationAuditEntry) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}

	var beforeJSON, afterJSON []byte
	var err error
	if e.BeforeData != nil {
		if beforeJSON, err = json.Marshal(e.BeforeData); err != nil {
			return fmt.Errorf("storage: marshal mutation audit before_data: %w", err)
		}
	}
	if e.AfterData != nil {
		if afterJSON, err = json.Marshal(e.AfterData); err != nil {
			return fmt.Errorf("storage: marshal mutation audit after_data: %w", err)
		}
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal mutation audit metadata: %w", err)
	}

	_, err = exec.Exec(ctx,
		`INSERT INTO mutation_audit_log (
		     request_id, actor_agent_id, actor_role,
		     operation, resource_type, resource_id,
		     before_data, after_data, metadata
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb)`,
		e.RequestID, e.ActorAgentID, e.ActorRole,
		e.Operation, e.ResourceType, e.ResourceID,
		beforeJSON, afterJSON, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: insert mutation audit: %w", err)
	}
	return nil
}

// InsertMutationAudit appends a mutation audit event using the connection pool.
func (db *DB) InsertMutationAudit(ctx context.Context, e MutationAuditEntry) error {
	return insertMutationAudit(ctx, db.pool, e)
}

// InsertMutationAuditTx appends a mutation audit event within an existing
// transaction so it rolls back together with the mutation it describes.
func InsertMutationAuditTx(ctx context.Context, tx pgx.Tx, e MutationAuditEntry) error {
	return insertMutationAudit(ctx, tx, e)
}
