package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/quarrier/internal/model"
)

// MemoryLogger is an in-memory Logger for tests and provider-less
// deployments; it satisfies the same append-only contract as PostgresLogger.
type MemoryLogger struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

// NewMemoryLogger constructs an empty MemoryLogger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Append(_ context.Context, event model.AuditEvent) error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *MemoryLogger) ByAgent(_ context.Context, agentID string, limit int) ([]model.AuditEvent, error) {
	return l.filter(limit, func(e model.AuditEvent) bool {
		return e.AgentID != nil && *e.AgentID == agentID
	}), nil
}

func (l *MemoryLogger) ByActionKind(_ context.Context, kind model.ActionKind, limit int) ([]model.AuditEvent, error) {
	return l.filter(limit, func(e model.AuditEvent) bool { return e.ActionKind == kind }), nil
}

func (l *MemoryLogger) ByTimeRange(_ context.Context, from, to time.Time, limit int) ([]model.AuditEvent, error) {
	return l.filter(limit, func(e model.AuditEvent) bool {
		return !e.Timestamp.Before(from) && e.Timestamp.Before(to)
	}), nil
}

// filter returns matching events newest-first, capped at limit (0 means
// unbounded).
func (l *MemoryLogger) filter(limit int, keep func(model.AuditEvent) bool) []model.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.AuditEvent
	for i := len(l.events) - 1; i >= 0; i-- {
		if keep(l.events[i]) {
			out = append(out, l.events[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}
