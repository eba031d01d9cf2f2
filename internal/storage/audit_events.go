package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/quarrier/internal/model"
)

// InsertAuditEvent appends a single audit event for a pipeline call outcome.
// Audit events are append-only: there is no update or delete path.
func (db *DB) InsertAuditEvent(ctx context.Context, e model.AuditEvent) error {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("storage: marshal audit event details: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO audit_events (event_id, timestamp, agent_id, action_kind, status, subject, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)`,
		e.EventID, e.Timestamp, e.AgentID, string(e.ActionKind), string(e.Status), e.Subject, detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit event: %w", err)
	}
	return nil
}

// InsertAuditEvents appends a batch of audit events using the COPY protocol,
// for sinks that buffer and flush rather than append synchronously.
func (db *DB) InsertAuditEvents(ctx context.Context, events []model.AuditEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{"event_id", "timestamp", "agent_id", "action_kind", "status", "subject", "details"}
	rows := make([][]any, len(events))
	for i, e := range events {
		if e.EventID == uuid.Nil {
			e.EventID = uuid.New()
		}
		detailsJSON, err := json.Marshal(e.Details)
		if err != nil {
			return 0, fmt.Errorf("storage: marshal audit event details: %w", err)
		}
		rows[i] = []any{e.EventID, e.Timestamp, e.AgentID, string(e.ActionKind), string(e.Status), e.Subject, detailsJSON}
	}

	copyCount, err := db.pool.CopyFrom(ctx, pgx.Identifier{"audit_events"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("storage: copy audit events: %w", err)
	}
	return copyCount, nil
}

// ListAuditEventsByAgent returns audit events for an agent, most recent first.
func (db *DB) ListAuditEventsByAgent(ctx context.Context, agentID string, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := db.pool.Query(ctx,
		`SELECT event_id, timestamp, agent_id, action_kind, status, subject, details
		 FROM audit_events WHERE agent_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit events: %w", err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

// ListAuditEventsByActionKind returns audit events of one action kind,
// most recent first.
func (db *DB) ListAuditEventsByActionKind(ctx context.Context, kind model.ActionKind, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := db.pool.Query(ctx,
		`SELECT event_id, timestamp, agent_id, action_kind, status, subject, details
		 FROM audit_events WHERE action_kind = $1 ORDER BY timestamp DESC LIMIT $2`,
		string(kind), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit events by action kind: %w", err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

// ListAuditEventsByTimeRange returns audit events timestamped in
// [from, to), most recent first.
func (db *DB) ListAuditEventsByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := db.pool.Query(ctx,
		`SELECT event_id, timestamp, agent_id, action_kind, status, subject, details
		 FROM audit_events WHERE timestamp >= $1 AND timestamp < $2 ORDER BY timestamp DESC LIMIT $3`,
		from, to, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit events by time range: %w", err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func scanAuditEvents(rows pgx.Rows) ([]model.AuditEvent, error) {
	var events []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var detailsJSON []byte
		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.AgentID, &e.ActionKind, &e.Status, &e.Subject, &detailsJSON); err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("storage: unmarshal audit event details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
