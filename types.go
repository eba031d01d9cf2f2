// Package quarrier is the public API for embedding the governed query
// gateway: the one package an agent framework imports to register agents,
// grant resource permissions, and route SQL or natural-language calls
// through the Credential Vault, Agent Registry, Permission Store, SQL
// Inspector, Connector Factory, NL->SQL Converter, AI Provider Manager,
// Query Pipeline, Audit Logger, and Cost Tracker without importing any of
// those packages directly.
//
//	app, err := quarrier.New(
//	    quarrier.WithLogger(logger),
//	    quarrier.WithEventHook(myAuditSink{}),
//	)
//	if err != nil { ... }
//	go app.Run(ctx)
//	result, err := app.Call(ctx, quarrier.CallRequest{APIKey: key, Kind: quarrier.CallSQL, SQLText: "SELECT 1"})
//
// The import graph enforces a strict no-cycle rule: quarrier (root) imports
// internal/*, but internal/* never imports quarrier (root). Public types in
// this file are standalone structs with no internal imports; conversion
// helpers (toPublicAgent, fromPublicBinding, ...) live in quarrier.go because
// that is the only file that sees both sides of the boundary.
package quarrier

import (
	"time"

	"github.com/google/uuid"
)

// Role is an agent's RBAC role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleAgent  Role = "agent"
	RoleReader Role = "reader"
)

// Agent is the public representation of a registered principal.
type Agent struct {
	ID          uuid.UUID
	AgentID     string
	DisplayName string
	AgentType   string
	Role        Role
	Tags        []string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
	RevokedAt   *time.Time
}

// DriverKind names the connector driver a DatabaseBinding targets.
type DriverKind string

const (
	DriverPostgres  DriverKind = "postgres"
	DriverMySQL     DriverKind = "mysql"
	DriverMongo     DriverKind = "mongo"
	DriverBigQuery  DriverKind = "bigquery"
	DriverSnowflake DriverKind = "snowflake"
)

// Endpoint is one reachable database address for a DatabaseBinding. Params
// is the plaintext connection string or credential payload; RegisterAgent
// and UpdateDatabaseBinding seal it through the Credential Vault before it
// is ever written to storage — callers never hold a sealed value.
type Endpoint struct {
	Name   string
	Params string
}

// DatabaseBinding is the single database attachment associated with an
// agent at a given time.
type DatabaseBinding struct {
	ID                          uuid.UUID
	AgentID                     string
	DriverKind                  DriverKind
	ConnectionName              string
	DefaultSchema               string
	Endpoints                   []Endpoint
	ActiveEndpointIndex         int
	ConsecutiveFailureThreshold int
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}

// Capability is an access right on a resource.
type Capability string

const (
	CapRead  Capability = "read"
	CapWrite Capability = "write"
)

// ResourceKind names the shape of resource a Permission governs.
type ResourceKind string

const (
	ResourceTable      ResourceKind = "table"
	ResourceDataset    ResourceKind = "dataset"
	ResourceCollection ResourceKind = "collection"
)

// Permission grants an agent a set of capabilities on a resource.
type Permission struct {
	AgentID      string
	ResourceID   string
	ResourceKind ResourceKind
	Caps         []Capability
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProviderKind names the category of an AI provider.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderLocal     ProviderKind = "local"
	ProviderCustom    ProviderKind = "custom"
)

// RetryStrategy names a backoff curve for an AI provider's retry policy.
type RetryStrategy string

const (
	RetryNone        RetryStrategy = "none"
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// RetryPolicy configures retry behavior for one AI provider.
type RetryPolicy struct {
	Strategy    RetryStrategy
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// RateLimits configures the two-horizon token bucket for one AI provider.
type RateLimits struct {
	PerMinute int
	PerHour   int
}

// AIProviderConfig is a versioned configuration for one AI provider.
type AIProviderConfig struct {
	ProviderID    string
	Kind          ProviderKind
	Endpoint      string
	Model         string
	CredentialRef string
	RateLimits    RateLimits
	RetryPolicy   RetryPolicy
	Version       int
	CreatedAt     time.Time
}

// CallKind distinguishes a raw SQL call from a natural-language call.
type CallKind string

const (
	CallSQL CallKind = "sql"
	CallNL  CallKind = "natural_language"
)

// CallRequest is one call submitted to the gateway.
type CallRequest struct {
	RequestID string
	APIKey    string
	Kind      CallKind

	SQLText    string
	MongoWrite bool
	Params     []any
	AsDict     bool

	NLText     string
	ProviderID string

	Deadline time.Time
}

// TokenUsage reports the token counts a completion call consumed.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// QueryResult is the successful outcome of a Call.
type QueryResult struct {
	Rows          []map[string]any
	Columns       []string
	RowCount      int
	ExecutionMs   int64
	GeneratedSQL  string
	TablesTouched []string
}

// ActionKind names the pipeline action an AuditEvent describes.
type ActionKind string

const (
	ActionAuth             ActionKind = "auth"
	ActionSQLQuery         ActionKind = "sql_query"
	ActionNLQuery          ActionKind = "nl_query"
	ActionDBFailover       ActionKind = "db_failover"
	ActionProviderSwitch   ActionKind = "provider_switch"
	ActionRevoke           ActionKind = "revoke"
	ActionBindingUpdate    ActionKind = "binding_update"
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

// AuditEvent is an append-only record of one pipeline action.
type AuditEvent struct {
	EventID    uuid.UUID
	Timestamp  time.Time
	AgentID    *string
	ActionKind ActionKind
	Status     EventStatus
	Subject    string
	Details    map[string]any
}

// OperationKind names what a CostRecord attributes cost to.
type OperationKind string

const (
	OperationExecute    OperationKind = "execute"
	OperationGeneration OperationKind = "generation"
)

// CostRecord attributes cost for a single call.
type CostRecord struct {
	CallID           uuid.UUID
	Seq              int64
	Timestamp        time.Time
	AgentID          string
	ProviderID       *string
	Model            *string
	PromptTokens     *int
	CompletionTokens *int
	CostUSD          float64
	OperationKind    OperationKind
}

// CostAggregate is the result of a cost aggregation query.
type CostAggregate struct {
	TotalCost   float64
	ByProvider  map[string]float64
	ByOperation map[OperationKind]float64
	ByDay       map[string]float64
}

// AlertPeriod is the window over which a BudgetAlert's threshold is evaluated.
type AlertPeriod string

const (
	PeriodDaily   AlertPeriod = "daily"
	PeriodMonthly AlertPeriod = "monthly"
	PeriodCustom  AlertPeriod = "custom"
)

// AlertScope names what a BudgetAlert aggregates over.
type AlertScope string

const (
	ScopeGlobal   AlertScope = "global"
	ScopePerAgent AlertScope = "per_agent"
)

// BudgetAlert fires a single notification the first time an aggregate
// crosses ThresholdUSD within a period.
type BudgetAlert struct {
	Name              string
	ThresholdUSD      float64
	Period            AlertPeriod
	Scope             AlertScope
	AgentID           *string
	NotificationSinks []string
}

// ErrorKind is the closed taxonomy every gateway failure is classified into.
type ErrorKind string

const (
	ErrAuth                ErrorKind = "auth"
	ErrRevoked             ErrorKind = "revoked"
	ErrParse               ErrorKind = "parse"
	ErrPermissionDenied    ErrorKind = "permission_denied"
	ErrSchemaUnknown       ErrorKind = "schema_unknown"
	ErrGeneration          ErrorKind = "generation"
	ErrPoolTimeout         ErrorKind = "pool_timeout"
	ErrConnect             ErrorKind = "connect"
	ErrExecute             ErrorKind = "execute"
	ErrTimeout             ErrorKind = "timeout"
	ErrCancelled           ErrorKind = "cancelled"
	ErrRateLimited         ErrorKind = "rate_limited"
	ErrProviderUnavailable ErrorKind = "provider_unavailable"
	ErrBlocked             ErrorKind = "blocked"
	ErrConfig              ErrorKind = "config"
	ErrInternal            ErrorKind = "internal"
)

// ErrorReport is the structured explanation of a failed Call, recovered from
// a returned error via ErrorReportFrom.
type ErrorReport struct {
	Kind                ErrorKind
	UserFriendlyMessage string
	SuggestedFixes      []string
	ActionableDetails   map[string]any
	DeniedResources     []string
	GeneratedSQL        string
	RetryAfterMs        int64
	Retriable           bool
}
