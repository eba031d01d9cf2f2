package model

import "time"

// ProviderKind names the category of an AI provider.
type ProviderKind string

const (
	ProviderOpenAI ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderLocal  ProviderKind = "local"
	ProviderCustom ProviderKind = "custom"
)

// AdmissibleAirGapped reports whether this provider kind may be contacted
// when the gateway is running in air-gapped mode. Only local providers and
// custom providers pointed at a private endpoint are admissible; the
// private-endpoint check itself happens at registration via ValidateSourceURI.
func (k ProviderKind) AdmissibleAirGapped() bool {
	return k == ProviderLocal || k == ProviderCustom
}

// RetryStrategy names a backoff curve for the AI Provider Manager's retry policy.
type RetryStrategy string

const (
	RetryNone        RetryStrategy = "none"
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// RetryPolicy configures retry behavior for one provider.
type RetryPolicy struct {
	Strategy    RetryStrategy `json:"strategy"`
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Jitter      bool          `json:"jitter"`
}

// RateLimits configures the two-horizon token bucket for one provider.
type RateLimits struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
}

// AIProviderConfig is a versioned configuration for one AI provider.
// Rollback restores a prior version as current.
type AIProviderConfig struct {
	ProviderID    string       `json:"provider_id"`
	Kind          ProviderKind `json:"kind"`
	Endpoint      string       `json:"endpoint"`
	Model         string       `json:"model"`
	CredentialRef string       `json:"credential_ref"`
	RateLimits    RateLimits   `json:"rate_limits"`
	RetryPolicy   RetryPolicy  `json:"retry_policy"`
	Version       int          `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
}

// TokenUsage reports the token counts a completion call consumed. A provider
// that doesn't echo usage back leaves both fields at their estimated value.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// ProviderHealth is the health state of one provider within a FailoverGroup.
type ProviderHealth string

const (
	HealthHealthy   ProviderHealth = "healthy"
	HealthDegraded  ProviderHealth = "degraded"
	HealthUnhealthy ProviderHealth = "unhealthy"
)

// SwitchEvent is one append-only entry in a FailoverGroup's switch_history.
type SwitchEvent struct {
	At             time.Time `json:"at"`
	FromProviderID string    `json:"from_provider_id"`
	ToProviderID   string    `json:"to_provider_id"`
	Reason         string    `json:"reason"`
}

// FailoverGroup is the ordered set of AI providers among which the manager
// rotates on terminal failure. Invariant: CurrentActiveProviderID is always
// either PrimaryProviderID or one of OrderedBackups.
type FailoverGroup struct {
	AgentID                     string        `json:"agent_id"`
	PrimaryProviderID           string        `json:"primary_provider_id"`
	OrderedBackups              []string      `json:"ordered_backups"`
	HealthCheckEnabled          bool          `json:"health_check_enabled"`
	AutoFailoverEnabled         bool          `json:"auto_failover_enabled"`
	ConsecutiveFailureThreshold int           `json:"consecutive_failure_threshold"`
	CurrentActiveProviderID     string        `json:"current_active_provider_id"`
	RevertOnPrimaryRecovery     bool          `json:"revert_on_primary_recovery"`
	SwitchHistory               []SwitchEvent `json:"switch_history"`
}

// Candidates returns the ordered list of provider IDs eligible for this
// group: the primary followed by its backups.
func (g FailoverGroup) Candidates() []string {
	out := make([]string, 0, 1+len(g.OrderedBackups))
	out = append(out, g.PrimaryProviderID)
	out = append(out, g.OrderedBackups...)
	return out
}

// IsMember reports whether providerID is the primary or one of the backups.
func (g FailoverGroup) IsMember(providerID string) bool {
	for _, c := range g.Candidates() {
		if c == providerID {
			return true
		}
	}
	return false
}
