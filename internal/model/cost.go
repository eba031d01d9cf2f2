package model

import (
	"time"

	"github.com/google/uuid"
)

// OperationKind names what a CostRecord attributes cost to.
type OperationKind string

const (
	OperationExecute    OperationKind = "execute"
	OperationGeneration OperationKind = "generation"
)

// CostRecord attributes cost for a single call. Immutable once written;
// aggregated lazily by the Cost Tracker.
type CostRecord struct {
	CallID          uuid.UUID     `json:"call_id"`
	Seq             int64         `json:"seq"`
	Timestamp       time.Time     `json:"timestamp"`
	AgentID         string        `json:"agent_id"`
	ProviderID      *string       `json:"provider_id,omitempty"`
	Model           *string       `json:"model,omitempty"`
	PromptTokens    *int          `json:"prompt_tokens,omitempty"`
	CompletionTokens *int         `json:"completion_tokens,omitempty"`
	CostUSD         float64       `json:"cost_usd"`
	OperationKind   OperationKind `json:"operation_kind"`
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

// BudgetAlert fires a single notification event, edge-triggered (not level),
// the first time an aggregate crosses ThresholdUSD within a period.
type BudgetAlert struct {
	Name             string      `json:"name"`
	ThresholdUSD     float64     `json:"threshold_usd"`
	Period           AlertPeriod `json:"period"`
	Scope            AlertScope  `json:"scope"`
	AgentID          *string     `json:"agent_id,omitempty"` // set when Scope == ScopePerAgent
	NotificationSinks []string   `json:"notification_sinks"`
}

// CostAggregate is the result of Cost Tracker's aggregate query.
type CostAggregate struct {
	TotalCost     float64                  `json:"total_cost"`
	ByProvider    map[string]float64       `json:"by_provider"`
	ByOperation   map[OperationKind]float64 `json:"by_operation_kind"`
	ByDay         map[string]float64       `json:"by_day"`
}
