package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentRole represents the RBAC role assigned to an agent.
type AgentRole string

const (
	RoleAdmin  AgentRole = "admin"
	RoleAgent  AgentRole = "agent"
	RoleReader AgentRole = "reader"
)

// Agent is a principal registered with the gateway. It owns exactly one
// DatabaseBinding, its ApiKeys, and its Permissions.
type Agent struct {
	ID          uuid.UUID      `json:"id"`
	AgentID     string         `json:"agent_id"`
	DisplayName string         `json:"display_name"`
	AgentType   string         `json:"agent_type"`
	Role        AgentRole      `json:"role"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	RevokedAt   *time.Time     `json:"revoked_at,omitempty"`
}

// Revoked reports whether the agent has been revoked.
func (a Agent) Revoked() bool {
	return a.RevokedAt != nil
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters — RoleAtLeast uses >= comparison.
func RoleRank(r AgentRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleAgent:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole AgentRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidateTag checks that a tag conforms to the allowed format.
// Tags must start with a lowercase letter and contain only lowercase
// alphanumeric characters, hyphens, and underscores.
func ValidateTag(tag string) error {
	if len(tag) == 0 {
		return fmt.Errorf("tag must not be empty")
	}
	if len(tag) > 64 {
		return fmt.Errorf("tag must be at most 64 characters")
	}
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return fmt.Errorf("tag must start with a lowercase letter, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("tag contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ValidateAgentID checks that an agent ID conforms to the allowed format.
// Agent IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("agent_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("agent_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
