// Package audit implements the Audit Logger: an append-only record of every
// pipeline action, exposed behind a narrow interface so callers (tests, a
// future on-disk or external sink) can substitute an implementation without
// touching the pipeline. Grounded on the teacher's internal/model/event.go
// AgentEvent ("append-only event in the event log ... never mutated or
// deleted") and internal/storage/audit.go's MutationAuditEntry, which the
// same package already uses for control-plane mutations.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashita-ai/quarrier/internal/model"
	"github.com/ashita-ai/quarrier/internal/storage"
)

// Logger is the Audit Logger. Append is the only mutator; the read side
// supports the three filters the pipeline and operators need.
type Logger interface {
	Append(ctx context.Context, event model.AuditEvent) error
	ByAgent(ctx context.Context, agentID string, limit int) ([]model.AuditEvent, error)
	ByActionKind(ctx context.Context, kind model.ActionKind, limit int) ([]model.AuditEvent, error)
	ByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]model.AuditEvent, error)
}

// PostgresLogger is the production Logger, backed by the audit_events table.
type PostgresLogger struct {
	db     *storage.DB
	logger *slog.Logger
}

// New constructs a PostgresLogger.
func New(db *storage.DB, logger *slog.Logger) *PostgresLogger {
	return &PostgresLogger{db: db, logger: logger}
}

func (l *PostgresLogger) Append(ctx context.Context, event model.AuditEvent) error {
	if err := l.db.InsertAuditEvent(ctx, event); err != nil {
		l.logger.Error("audit: append failed", "action_kind", event.ActionKind, "error", err)
		return err
	}
	return nil
}

func (l *PostgresLogger) ByAgent(ctx context.Context, agentID string, limit int) ([]model.AuditEvent, error) {
	return l.db.ListAuditEventsByAgent(ctx, agentID, limit)
}

func (l *PostgresLogger) ByActionKind(ctx context.Context, kind model.ActionKind, limit int) ([]model.AuditEvent, error) {
	return l.db.ListAuditEventsByActionKind(ctx, kind, limit)
}

func (l *PostgresLogger) ByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]model.AuditEvent, error) {
	return l.db.ListAuditEventsByTimeRange(ctx, from, to, limit)
}

// FailoverRecorder returns a connector.FailoverFunc-shaped closure that
// persists a db_failover AuditEvent for agentID, satisfying the Connector
// Factory's injected failover callback without that package importing this
// one.
func (l *PostgresLogger) FailoverRecorder() func(agentID, fromEndpoint, toEndpoint string) {
	return func(agentID, fromEndpoint, toEndpoint string) {
		event := model.AuditEvent{
			Timestamp:  time.Now().UTC(),
			AgentID:    &agentID,
			ActionKind: model.ActionDBFailover,
			Status:     model.StatusOK,
			Subject:    agentID,
			Details: map[string]any{
				"from_endpoint": fromEndpoint,
				"to_endpoint":   toEndpoint,
			},
		}
		if err := l.Append(context.Background(), event); err != nil {
			l.logger.Error("audit: failed to record db_failover event", "agent_id", agentID, "error", err)
		}
	}
}
