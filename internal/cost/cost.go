// Package cost implements the Cost Tracker: it records per-call cost
// attribution, serves aggregate queries, and evaluates budget alerts as an
// edge-triggered state machine (fires once on the call that first crosses a
// threshold within a period, not on every call above it). Grounded on the
// teacher's internal/billing package for usage-on-write accounting, and its
// internal/search/outbox.go poll-worker (FOR UPDATE SKIP LOCKED claim,
// exponential backoff on failure, graceful Drain) repointed from search-index
// entries to budget-alert notification delivery.
package cost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/quarrier/internal/errs"
	"github.com/ashita-ai/quarrier/internal/model"
	"github.com/ashita-ai/quarrier/internal/storage"
)

// Tracker is the Cost Tracker.
type Tracker struct {
	db     *storage.DB
	logger *slog.Logger
}

// New constructs a Tracker.
func New(db *storage.DB, logger *slog.Logger) *Tracker {
	return &Tracker{db: db, logger: logger}
}

// Record appends a cost record and evaluates every budget alert whose scope
// matches it, enqueueing a notification for any alert that newly crosses its
// threshold. Record never fails the caller's pipeline call over an alert
// evaluation error; those are logged, not returned.
func (t *Tracker) Record(ctx context.Context, r model.CostRecord) error {
	if err := t.db.InsertCostRecord(ctx, r); err != nil {
		return errs.Wrap(errs.KindInternal, err, "record cost for agent %s", r.AgentID).
			WithSuggestedFixes("retry the call", "contact an admin if the problem persists")
	}

	alerts, err := t.db.ListBudgetAlerts(ctx)
	if err != nil {
		t.logger.Error("cost: list budget alerts for evaluation", "error", err)
		return nil
	}
	for _, alert := range alerts {
		if !alertMatches(alert, r.AgentID) {
			continue
		}
		if err := t.evaluateAlert(ctx, alert, r.Timestamp); err != nil {
			t.logger.Error("cost: evaluate budget alert", "alert", alert.Name, "error", err)
		}
	}
	return nil
}

// Aggregate computes a CostAggregate over [from, to), scoped to agentID when
// non-empty.
func (t *Tracker) Aggregate(ctx context.Context, agentID string, from, to time.Time) (model.CostAggregate, error) {
	agg, err := t.db.AggregateCost(ctx, agentID, from, to)
	if err != nil {
		return agg, errs.Wrap(errs.KindInternal, err, "aggregate cost").
			WithSuggestedFixes("retry the request", "narrow the from/to window if it covers an unusually large range")
	}
	return agg, nil
}

// SetAlert creates or replaces a named budget alert.
func (t *Tracker) SetAlert(ctx context.Context, alert model.BudgetAlert, actorAgentID, actorRole string) error {
	if alert.Scope == model.ScopePerAgent && (alert.AgentID == nil || *alert.AgentID == "") {
		return errs.New(errs.KindConfig, "per-agent budget alert %q requires an agent_id", alert.Name).
			WithSuggestedFixes("set agent_id on the alert", "use scope global instead of per_agent")
	}
	err := t.db.UpsertBudgetAlertWithAudit(ctx, alert, storage.MutationAuditEntry{
		ActorAgentID: actorAgentID,
		ActorRole:    actorRole,
		Operation:    "budget_alert.upsert",
		ResourceType: "budget_alert",
	})
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "set budget alert %s", alert.Name).
			WithSuggestedFixes("retry the call", "contact an admin if the problem persists")
	}
	return nil
}

// ListAlerts returns every configured budget alert.
func (t *Tracker) ListAlerts(ctx context.Context) ([]model.BudgetAlert, error) {
	alerts, err := t.db.ListBudgetAlerts(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "list budget alerts").
			WithSuggestedFixes("retry the call")
	}
	return alerts, nil
}

// StreamSince returns cost records after cursor for asynchronous export
// (billing pipelines, data warehouses), along with the cursor to pass on the
// next call.
func (t *Tracker) StreamSince(ctx context.Context, cursor int64, limit int) ([]model.CostRecord, int64, error) {
	records, next, err := t.db.StreamCostRecordsSince(ctx, cursor, limit)
	if err != nil {
		return nil, cursor, errs.Wrap(errs.KindInternal, err, "stream cost records").
			WithSuggestedFixes("retry from the last known cursor")
	}
	return records, next, nil
}

func alertMatches(alert model.BudgetAlert, agentID string) bool {
	if alert.Scope == model.ScopeGlobal {
		return true
	}
	return alert.AgentID != nil && *alert.AgentID == agentID
}

func (t *Tracker) evaluateAlert(ctx context.Context, alert model.BudgetAlert, at time.Time) error {
	from, to, periodKey := periodWindow(alert.Period, at)

	scopedAgentID := ""
	if alert.Scope == model.ScopePerAgent && alert.AgentID != nil {
		scopedAgentID = *alert.AgentID
	}

	agg, err := t.db.AggregateCost(ctx, scopedAgentID, from, to)
	if err != nil {
		return fmt.Errorf("cost: aggregate for alert %s: %w", alert.Name, err)
	}
	if agg.TotalCost < alert.ThresholdUSD {
		return nil
	}

	fired, err := t.db.TryFireAlert(ctx, alert.Name, periodKey)
	if err != nil {
		return fmt.Errorf("cost: try fire alert %s: %w", alert.Name, err)
	}
	if !fired {
		return nil
	}

	payload := map[string]any{
		"alert":      alert.Name,
		"period":     string(alert.Period),
		"period_key": periodKey,
		"threshold_usd": alert.ThresholdUSD,
		"total_cost_usd": agg.TotalCost,
	}
	for _, sink := range alert.NotificationSinks {
		if err := t.db.EnqueueNotification(ctx, alert.Name, sink, payload); err != nil {
			t.logger.Error("cost: enqueue notification", "alert", alert.Name, "sink", sink, "error", err)
		}
	}
	t.logger.Info("cost: budget alert fired", "alert", alert.Name, "period_key", periodKey, "total_cost_usd", agg.TotalCost)
	return nil
}

// periodWindow returns the half-open [from, to) window containing at for
// period, and a stable key identifying that window instance for
// edge-trigger bookkeeping. PeriodCustom has no caller-configured bounds in
// BudgetAlert, so it is evaluated as an all-time running total: every call
// shares the same period_key, so it fires exactly once, ever, per alert.
func periodWindow(period model.AlertPeriod, at time.Time) (from, to time.Time, key string) {
	at = at.UTC()
	switch period {
	case model.PeriodDaily:
		from = time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		to = from.AddDate(0, 0, 1)
		return from, to, from.Format("2006-01-02")
	case model.PeriodMonthly:
		from = time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
		to = from.AddDate(0, 1, 0)
		return from, to, from.Format("2006-01")
	default:
		return time.Time{}, at.Add(time.Second), "all-time"
	}
}
