package model

import (
	"time"

	"github.com/google/uuid"
)

// ActionKind names the pipeline action an AuditEvent describes.
type ActionKind string

const (
	ActionAuth        ActionKind = "auth"
	ActionSQLQuery     ActionKind = "sql_query"
	ActionNLQuery      ActionKind = "nl_query"
	ActionDBFailover   ActionKind = "db_failover"
	ActionProviderSwitch ActionKind = "provider_switch"
	ActionRevoke       ActionKind = "revoke"
	ActionBindingUpdate ActionKind = "binding_update"
	ActionPermissionChange ActionKind = "permission_change"
)

// EventStatus is the outcome recorded on an AuditEvent.
type EventStatus string

const (
	StatusOK      EventStatus = "ok"
	StatusDenied  EventStatus = "denied"
	StatusError   EventStatus = "error"
	StatusBlocked EventStatus = "blocked"
)

// AuditEvent is an append-only record of one pipeline action. Never mutated
// or deleted; outlives the Agent it references.
type AuditEvent struct {
	EventID    uuid.UUID      `json:"event_id"`
	Timestamp  time.Time      `json:"timestamp"`
	AgentID    *string        `json:"agent_id,omitempty"` // nil only for a failed-authentication event
	ActionKind ActionKind     `json:"action_kind"`
	Status     EventStatus    `json:"status"`
	Subject    string         `json:"subject"` // call_id, provider_id, or resource affected
	Details    map[string]any `json:"details"`
}
