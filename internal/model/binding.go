package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DriverKind names the connector driver a DatabaseBinding targets.
type DriverKind string

const (
	DriverPostgres  DriverKind = "postgres"
	DriverMySQL     DriverKind = "mysql"
	DriverMongo     DriverKind = "mongo"
	DriverBigQuery  DriverKind = "bigquery"
	DriverSnowflake DriverKind = "snowflake"
)

// IsPlugin reports whether k names a third-party plugin driver, i.e. it carries
// the "plugin:" prefix rather than one of the built-in kinds above.
func (k DriverKind) IsPlugin() bool {
	return len(k) > len(pluginPrefix) && string(k[:len(pluginPrefix)]) == pluginPrefix
}

// PluginName returns the registered name of a plugin driver kind, or "" if k
// is not a plugin kind.
func (k DriverKind) PluginName() string {
	if !k.IsPlugin() {
		return ""
	}
	return string(k[len(pluginPrefix):])
}

const pluginPrefix = "plugin:"

// CaseSensitive reports whether resource identifiers under this driver kind
// compare byte-for-byte rather than case-insensitively. Relational drivers
// lower-case identifiers for comparison; document stores compare byte-for-byte.
func (k DriverKind) CaseSensitive() bool {
	return k == DriverMongo
}

// Endpoint is one reachable address for a DatabaseBinding. A binding with
// more than one endpoint supports Connector Factory failover: the
// active endpoint is sticky until it fails ConsecutiveFailureThreshold times.
type Endpoint struct {
	Name string `json:"name"`
	// ParamsEncrypted holds the connector's connection parameters (DSN,
	// credentials, TLS material) as produced by the Credential Vault.
	ParamsEncrypted []byte `json:"params_encrypted"`
}

// DatabaseBinding is the single database attachment associated with an
// agent at a given time. Exactly one binding exists per agent; an update
// replaces it atomically.
type DatabaseBinding struct {
	ID                          uuid.UUID  `json:"id"`
	AgentID                     string     `json:"agent_id"`
	DriverKind                  DriverKind `json:"driver_kind"`
	ConnectionName              string     `json:"connection_name"`
	DefaultSchema               string     `json:"default_schema"`
	Endpoints                   []Endpoint `json:"endpoints"`
	ActiveEndpointIndex         int        `json:"active_endpoint_index"`
	ConsecutiveFailureThreshold int        `json:"consecutive_failure_threshold"`
	CreatedAt                   time.Time  `json:"created_at"`
	UpdatedAt                   time.Time  `json:"updated_at"`
}

// ActiveEndpoint returns the currently sticky endpoint.
func (b DatabaseBinding) ActiveEndpoint() (Endpoint, error) {
	if b.ActiveEndpointIndex < 0 || b.ActiveEndpointIndex >= len(b.Endpoints) {
		return Endpoint{}, fmt.Errorf("model: binding %s has no active endpoint", b.AgentID)
	}
	return b.Endpoints[b.ActiveEndpointIndex], nil
}

// ValidateDriverKind checks that a driver kind is either a recognized built-in
// or a well-formed plugin reference.
func ValidateDriverKind(k DriverKind) error {
	switch k {
	case DriverPostgres, DriverMySQL, DriverMongo, DriverBigQuery, DriverSnowflake:
		return nil
	}
	if k.IsPlugin() && k.PluginName() != "" {
		return nil
	}
	return fmt.Errorf("model: unrecognized driver_kind %q", k)
}
