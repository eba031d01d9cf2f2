package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/quarrier/internal/model"
)

// InsertCostRecord appends an immutable per-call cost record. Cost records
// are never updated; aggregation happens lazily on read.
func (db *DB) InsertCostRecord(ctx context.Context, r model.CostRecord) error {
	if r.CallID == uuid.Nil {
		r.CallID = uuid.New()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO cost_records (call_id, timestamp, agent_id, provider_id, model,
		     prompt_tokens, completion_tokens, cost_usd, operation_kind)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.CallID, r.Timestamp, r.AgentID, r.ProviderID, r.Model,
		r.PromptTokens, r.CompletionTokens, r.CostUSD, string(r.OperationKind),
	)
	if err != nil {
		return fmt.Errorf("storage: insert cost record: %w", err)
	}
	return nil
}

// AggregateCost computes a CostAggregate over a half-open [from, to) window,
// scoped to agentID when non-empty.
func (db *DB) AggregateCost(ctx context.Context, agentID string, from, to time.Time) (model.CostAggregate, error) {
	agg := model.CostAggregate{
		ByProvider:  map[string]float64{},
		ByOperation: map[model.OperationKind]float64{},
		ByDay:       map[string]float64{},
	}

	where := `timestamp >= $1 AND timestamp < $2`
	args := []any{from, to}
	if agentID != "" {
		where += ` AND agent_id = $3`
		args = append(args, agentID)
	}

	var total float64
	if err := db.pool.QueryRow(ctx, `SELECT COALESCE(sum(cost_usd), 0) FROM cost_records WHERE `+where, args...).Scan(&total); err != nil {
		return agg, fmt.Errorf("storage: aggregate total cost: %w", err)
	}
	agg.TotalCost = total

	rows, err := db.pool.Query(ctx, `SELECT COALESCE(provider_id, ''), sum(cost_usd) FROM cost_records WHERE `+where+` GROUP BY provider_id`, args...)
	if err != nil {
		return agg, fmt.Errorf("storage: aggregate cost by provider: %w", err)
	}
	for rows.Next() {
		var provider string
		var cost float64
		if err := rows.Scan(&provider, &cost); err != nil {
			rows.Close()
			return agg, fmt.Errorf("storage: scan cost by provider: %w", err)
		}
		agg.ByProvider[provider] = cost
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return agg, fmt.Errorf("storage: aggregate cost by provider: %w", err)
	}

	rows, err = db.pool.Query(ctx, `SELECT operation_kind, sum(cost_usd) FROM cost_records WHERE `+where+` GROUP BY operation_kind`, args...)
	if err != nil {
		return agg, fmt.Errorf("storage: aggregate cost by operation: %w", err)
	}
	for rows.Next() {
		var kind string
		var cost float64
		if err := rows.Scan(&kind, &cost); err != nil {
			rows.Close()
			return agg, fmt.Errorf("storage: scan cost by operation: %w", err)
		}
		agg.ByOperation[model.OperationKind(kind)] = cost
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return agg, fmt.Errorf("storage: aggregate cost by operation: %w", err)
	}

	rows, err = db.pool.Query(ctx, `SELECT to_char(timestamp, 'YYYY-MM-DD'), sum(cost_usd) FROM cost_records WHERE `+where+` GROUP BY 1 ORDER BY 1`, args...)
	if err != nil {
		return agg, fmt.Errorf("storage: aggregate cost by day: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var day string
		var cost float64
		if err := rows.Scan(&day, &cost); err != nil {
			return agg, fmt.Errorf("storage: scan cost by day: %w", err)
		}
		agg.ByDay[day] = cost
	}
	return agg, rows.Err()
}

// UpsertBudgetAlertWithAudit inserts or replaces a named budget alert.
func (db *DB) UpsertBudgetAlertWithAudit(ctx context.Context, a model.BudgetAlert, audit MutationAuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin upsert budget alert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO budget_alerts (name, threshold_usd, period, scope, agent_id, notification_sinks)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (name) DO UPDATE
		 SET threshold_usd = EXCLUDED.threshold_usd, period = EXCLUDED.period,
		     scope = EXCLUDED.scope, agent_id = EXCLUDED.agent_id, notification_sinks = EXCLUDED.notification_sinks`,
		a.Name, a.ThresholdUSD, string(a.Period), string(a.Scope), a.AgentID, a.NotificationSinks,
	); err != nil {
		return fmt.Errorf("storage: upsert budget alert: %w", err)
	}

	audit.ResourceID = a.Name
	audit.AfterData = a
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("storage: audit in upsert budget alert tx: %w", err)
	}
	return tx.Commit(ctx)
}

// ListBudgetAlerts returns every configured budget alert.
func (db *DB) ListBudgetAlerts(ctx context.Context) ([]model.BudgetAlert, error) {
	rows, err := db.pool.Query(ctx, `SELECT name, threshold_usd, period, scope, agent_id, notification_sinks FROM budget_alerts`)
	if err != nil {
		return nil, fmt.Errorf("storage: list budget alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.BudgetAlert
	for rows.Next() {
		var a model.BudgetAlert
		if err := rows.Scan(&a.Name, &a.ThresholdUSD, &a.Period, &a.Scope, &a.AgentID, &a.NotificationSinks); err != nil {
			return nil, fmt.Errorf("storage: scan budget alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// TryFireAlert records the first crossing of alertName's threshold within
// periodKey (e.g. "2026-07-31" for a daily alert, "2026-07" for monthly) and
// reports whether this call is the one that fired it. A second call for the
// same (alertName, periodKey) reports false: the firing is edge-triggered,
// not level-triggered.
func (db *DB) TryFireAlert(ctx context.Context, alertName, periodKey string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO budget_alert_firings (alert_name, period_key) VALUES ($1, $2)
		 ON CONFLICT (alert_name, period_key) DO NOTHING`,
		alertName, periodKey,
	)
	if err != nil {
		return false, fmt.Errorf("storage: try fire alert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// EnqueueNotification queues a budget-alert firing for asynchronous delivery
// to sink. Delivery is handled by the notification worker, not by the caller.
func (db *DB) EnqueueNotification(ctx context.Context, alertName, sink string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("storage: marshal notification payload: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO notification_outbox (alert_name, sink, payload) VALUES ($1, $2, $3::jsonb)`,
		alertName, sink, payloadJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue notification: %w", err)
	}
	return nil
}

// NotificationOutboxEntry is a claimed row from the notification outbox.
type NotificationOutboxEntry struct {
	ID        int64
	AlertName string
	Sink      string
	Payload   map[string]any
	Attempts  int
}

// ClaimNotifications locks up to limit pending notification_outbox rows for
// delivery, excluding rows that have exhausted maxAttempts or aged past
// maxAge — both are abandoned rather than retried forever.
func (db *DB) ClaimNotifications(ctx context.Context, limit, maxAttempts int, maxAge time.Duration) ([]NotificationOutboxEntry, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim notifications tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, alert_name, sink, payload, attempts
		 FROM notification_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		   AND created_at > now() - $2::interval
		 ORDER BY created_at ASC
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		maxAttempts, maxAge, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select pending notifications: %w", err)
	}

	var entries []NotificationOutboxEntry
	for rows.Next() {
		var e NotificationOutboxEntry
		var payloadJSON []byte
		if err := rows.Scan(&e.ID, &e.AlertName, &e.Sink, &payloadJSON, &e.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan notification entry: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
				rows.Close()
				return nil, fmt.Errorf("storage: unmarshal notification payload: %w", err)
			}
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: scan pending notifications: %w", err)
	}
	if len(entries) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE notification_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lock notifications: %w", err)
	}

	return entries, tx.Commit(ctx)
}

// CompleteNotifications deletes successfully delivered notification_outbox rows.
func (db *DB) CompleteNotifications(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx, `DELETE FROM notification_outbox WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("storage: complete notifications: %w", err)
	}
	return nil
}

// FailNotifications increments the attempt count on delivery failure and
// applies an exponential backoff (capped at 5 minutes) before retry.
func (db *DB) FailNotifications(ctx context.Context, ids []int64, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE notification_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	)
	if err != nil {
		return fmt.Errorf("storage: fail notifications: %w", err)
	}
	return nil
}

// StreamCostRecordsSince returns cost records with seq > cursor, oldest
// first, capped at limit, along with the highest seq returned (pass it back
// as the next call's cursor; 0 means start from the beginning).
func (db *DB) StreamCostRecordsSince(ctx context.Context, cursor int64, limit int) ([]model.CostRecord, int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT call_id, seq, timestamp, agent_id, provider_id, model, prompt_tokens, completion_tokens, cost_usd, operation_kind
		 FROM cost_records WHERE seq > $1 ORDER BY seq ASC LIMIT $2`,
		cursor, limit,
	)
	if err != nil {
		return nil, cursor, fmt.Errorf("storage: stream cost records: %w", err)
	}
	defer rows.Close()

	var records []model.CostRecord
	nextCursor := cursor
	for rows.Next() {
		var r model.CostRecord
		var operationKind string
		if err := rows.Scan(&r.CallID, &r.Seq, &r.Timestamp, &r.AgentID, &r.ProviderID, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.CostUSD, &operationKind); err != nil {
			return nil, cursor, fmt.Errorf("storage: scan cost record: %w", err)
		}
		r.OperationKind = model.OperationKind(operationKind)
		records = append(records, r)
		if r.Seq > nextCursor {
			nextCursor = r.Seq
		}
	}
	return records, nextCursor, rows.Err()
}
