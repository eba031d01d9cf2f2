package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// DeadLetter records one failed call that exhausted retries.
type DeadLetter struct {
	ID        uuid.UUID
	RequestID string
	AgentID   string
	ErrorKind string
	Message   string
	SQLText   string
}

// InsertDeadLetter appends a dead-letter record and returns its ID. Dead
// letters are never updated; a replay or archival job is an external
// collaborator's concern.
func (db *DB) InsertDeadLetter(ctx context.Context, dl DeadLetter) (uuid.UUID, error) {
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO query_dead_letters (id, request_id, agent_id, error_kind, message, sql_text)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		dl.ID, dl.RequestID, dl.AgentID, dl.ErrorKind, dl.Message, dl.SQLText,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert dead letter: %w", err)
	}
	return dl.ID, nil
}
