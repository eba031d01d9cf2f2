package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/quarrier/internal/model"
)

// CreateProviderVersionWithAudit inserts a new, versioned AIProviderConfig
// row. Versions accumulate; rollback restores a prior version as current,
// so history is append-only rather than overwritten.
func (db *DB) CreateProviderVersionWithAudit(ctx context.Context, cfg model.AIProviderConfig, audit MutationAuditEntry) (model.AIProviderConfig, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.AIProviderConfig{}, fmt.Errorf("storage: begin create provider version tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var maxVersion int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(max(version), 0) FROM ai_provider_configs WHERE provider_id = $1`, cfg.ProviderID).Scan(&maxVersion); err != nil {
		return model.AIProviderConfig{}, fmt.Errorf("storage: get max provider version: %w", err)
	}
	cfg.Version = maxVersion + 1
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}

	rateLimitsJSON, err := json.Marshal(cfg.RateLimits)
	if err != nil {
		return model.AIProviderConfig{}, fmt.Errorf("storage: marshal rate limits: %w", err)
	}
	retryJSON, err := json.Marshal(cfg.RetryPolicy)
	if err != nil {
		return model.AIProviderConfig{}, fmt.Errorf("storage: marshal retry policy: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ai_provider_configs (provider_id, kind, endpoint, model, credential_ref, rate_limits, retry_policy, version, created_at, is_current)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, true)`,
		cfg.ProviderID, string(cfg.Kind), cfg.Endpoint, cfg.Model, cfg.CredentialRef, rateLimitsJSON, retryJSON, cfg.Version, cfg.CreatedAt,
	); err != nil {
		return model.AIProviderConfig{}, fmt.Errorf("storage: insert provider version: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE ai_provider_configs SET is_current = false WHERE provider_id = $1 AND version != $2`, cfg.ProviderID, cfg.Version); err != nil {
		return model.AIProviderConfig{}, fmt.Errorf("storage: demote prior provider versions: %w", err)
	}

	audit.ResourceID = cfg.ProviderID
	audit.AfterData = cfg
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.AIProviderConfig{}, fmt.Errorf("storage: audit in create provider version tx: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.AIProviderConfig{}, fmt.Errorf("storage: commit create provider version tx: %w", err)
	}
	return cfg, nil
}

// GetCurrentProviderConfig returns the current version of a provider config.
func (db *DB) GetCurrentProviderConfig(ctx context.Context, providerID string) (model.AIProviderConfig, error) {
	var cfg model.AIProviderConfig
	var rateLimitsJSON, retryJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT provider_id, kind, endpoint, model, credential_ref, rate_limits, retry_policy, version, created_at
		 FROM ai_provider_configs WHERE provider_id = $1 AND is_current = true`, providerID,
	).Scan(&cfg.ProviderID, &cfg.Kind, &cfg.Endpoint, &cfg.Model, &cfg.CredentialRef, &rateLimitsJSON, &retryJSON, &cfg.Version, &cfg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AIProviderConfig{}, fmt.Errorf("storage: provider %s: %w", providerID, ErrNotFound)
		}
		return model.AIProviderConfig{}, fmt.Errorf("storage: get current provider config: %w", err)
	}
	if err := json.Unmarshal(rateLimitsJSON, &cfg.RateLimits); err != nil {
		return model.AIProviderConfig{}, fmt.Errorf("storage: unmarshal rate limits: %w", err)
	}
	if err := json.Unmarshal(retryJSON, &cfg.RetryPolicy); err != nil {
		return model.AIProviderConfig{}, fmt.Errorf("storage: unmarshal retry policy: %w", err)
	}
	return cfg, nil
}

// ListCurrentProviderConfigs returns the current version of every
// registered provider, for periodic health probing.
func (db *DB) ListCurrentProviderConfigs(ctx context.Context) ([]model.AIProviderConfig, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT provider_id, kind, endpoint, model, credential_ref, rate_limits, retry_policy, version, created_at
		 FROM ai_provider_configs WHERE is_current = true`)
	if err != nil {
		return nil, fmt.Errorf("storage: list current provider configs: %w", err)
	}
	defer rows.Close()

	var out []model.AIProviderConfig
	for rows.Next() {
		var cfg model.AIProviderConfig
		var rateLimitsJSON, retryJSON []byte
		if err := rows.Scan(&cfg.ProviderID, &cfg.Kind, &cfg.Endpoint, &cfg.Model, &cfg.CredentialRef, &rateLimitsJSON, &retryJSON, &cfg.Version, &cfg.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan provider config: %w", err)
		}
		if err := json.Unmarshal(rateLimitsJSON, &cfg.RateLimits); err != nil {
			return nil, fmt.Errorf("storage: unmarshal rate limits: %w", err)
		}
		if err := json.Unmarshal(retryJSON, &cfg.RetryPolicy); err != nil {
			return nil, fmt.Errorf("storage: unmarshal retry policy: %w", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list current provider configs: %w", err)
	}
	return out, nil
}

// RollbackProviderToVersion marks a prior version current again, appending
// to history rather than mutating it.
func (db *DB) RollbackProviderToVersion(ctx context.Context, providerID string, version int, audit MutationAuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin rollback provider tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE ai_provider_configs SET is_current = (version = $2) WHERE provider_id = $1`, providerID, version)
	if err != nil {
		return fmt.Errorf("storage: rollback provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: provider %s: %w", providerID, ErrNotFound)
	}

	audit.ResourceID = providerID
	audit.AfterData = map[string]any{"rolled_back_to_version": version}
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("storage: audit in rollback provider tx: %w", err)
	}
	return tx.Commit(ctx)
}

// UpsertFailoverGroupWithAudit inserts or replaces the failover group for an agent.
func (db *DB) UpsertFailoverGroupWithAudit(ctx context.Context, g model.FailoverGroup, audit MutationAuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin upsert failover group tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if g.CurrentActiveProviderID == "" {
		g.CurrentActiveProviderID = g.PrimaryProviderID
	}
	historyJSON, err := json.Marshal(g.SwitchHistory)
	if err != nil {
		return fmt.Errorf("storage: marshal switch history: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO failover_groups (agent_id, primary_provider_id, ordered_backups, health_check_enabled,
		     auto_failover_enabled, consecutive_failure_threshold, current_active_provider_id, revert_on_primary_recovery, switch_history)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		 ON CONFLICT (agent_id) DO UPDATE
		 SET primary_provider_id = EXCLUDED.primary_provider_id,
		     ordered_backups = EXCLUDED.ordered_backups,
		     health_check_enabled = EXCLUDED.health_check_enabled,
		     auto_failover_enabled = EXCLUDED.auto_failover_enabled,
		     consecutive_failure_threshold = EXCLUDED.consecutive_failure_threshold,
		     current_active_provider_id = EXCLUDED.current_active_provider_id,
		     revert_on_primary_recovery = EXCLUDED.revert_on_primary_recovery,
		     switch_history = EXCLUDED.switch_history`,
		g.AgentID, g.PrimaryProviderID, g.OrderedBackups, g.HealthCheckEnabled,
		g.AutoFailoverEnabled, g.ConsecutiveFailureThreshold, g.CurrentActiveProviderID, g.RevertOnPrimaryRecovery, historyJSON,
	); err != nil {
		return fmt.Errorf("storage: upsert failover group: %w", err)
	}

	audit.ResourceID = g.AgentID
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("storage: audit in upsert failover group tx: %w", err)
	}
	return tx.Commit(ctx)
}

// GetFailoverGroupByAgent retrieves the failover group configured for an agent.
func (db *DB) GetFailoverGroupByAgent(ctx context.Context, agentID string) (model.FailoverGroup, error) {
	var g model.FailoverGroup
	var historyJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT agent_id, primary_provider_id, ordered_backups, health_check_enabled,
		     auto_failover_enabled, consecutive_failure_threshold, current_active_provider_id, revert_on_primary_recovery, switch_history
		 FROM failover_groups WHERE agent_id = $1`, agentID,
	).Scan(&g.AgentID, &g.PrimaryProviderID, &g.OrderedBackups, &g.HealthCheckEnabled,
		&g.AutoFailoverEnabled, &g.ConsecutiveFailureThreshold, &g.CurrentActiveProviderID, &g.RevertOnPrimaryRecovery, &historyJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.FailoverGroup{}, fmt.Errorf("storage: failover group for agent %s: %w", agentID, ErrNotFound)
		}
		return model.FailoverGroup{}, fmt.Errorf("storage: get failover group: %w", err)
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &g.SwitchHistory); err != nil {
			return model.FailoverGroup{}, fmt.Errorf("storage: unmarshal switch history: %w", err)
		}
	}
	return g, nil
}

// AppendSwitchHistory records a failover transition, preserving the
// append-only invariant on FailoverGroup.switch_history.
func (db *DB) AppendSwitchHistory(ctx context.Context, agentID string, ev model.SwitchEvent) error {
	g, err := db.GetFailoverGroupByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	g.SwitchHistory = append(g.SwitchHistory, ev)
	g.CurrentActiveProviderID = ev.ToProviderID

	historyJSON, err := json.Marshal(g.SwitchHistory)
	if err != nil {
		return fmt.Errorf("storage: marshal switch history: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`UPDATE failover_groups SET current_active_provider_id = $1, switch_history = $2::jsonb WHERE agent_id = $3`,
		g.CurrentActiveProviderID, historyJSON, agentID,
	)
	if err != nil {
		return fmt.Errorf("storage: append switch history: %w", err)
	}
	return nil
}
