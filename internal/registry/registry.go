// Package registry implements the Agent Registry: it maps agent
// identifiers to credentials, database configuration, and hashed API keys.
// Grounded directly on the teacher's internal/storage/agents.go (atomic
// agent+key+audit insert in one pgx.Tx) and internal/auth/hash.go (Argon2id
// hashing plus DummyVerify to keep the malformed-vs-unknown timing profile
// identical on every authenticate failure path).
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/quarrier/internal/auth"
	"github.com/ashita-ai/quarrier/internal/model"
	"github.com/ashita-ai/quarrier/internal/storage"
	"github.com/ashita-ai/quarrier/internal/vault"
)

// ErrConflict is returned by Register when agent_id already exists.
var ErrConflict = errors.New("registry: agent_id already exists")

// ErrAuthFailed is returned by Authenticate on any credential mismatch. The
// same error is returned for a malformed key, an unknown prefix, a wrong
// secret, and a revoked agent — callers must not distinguish these cases,
// or authentication timing/response shape would leak which one occurred.
var ErrAuthFailed = errors.New("registry: authentication failed")

// InvalidationFunc is called after a binding changes or an agent is revoked
// so the Connector Factory's pool can drop stale connections. It is optional;
// a nil func is a no-op.
type InvalidationFunc func(agentID string)

// Registry is the Agent Registry service.
type Registry struct {
	db         *storage.DB
	vault      *vault.Vault
	logger     *slog.Logger
	invalidate InvalidationFunc
}

// New constructs a Registry. invalidate may be nil.
func New(db *storage.DB, v *vault.Vault, logger *slog.Logger, invalidate InvalidationFunc) *Registry {
	if invalidate == nil {
		invalidate = func(string) {}
	}
	return &Registry{db: db, vault: v, logger: logger, invalidate: invalidate}
}

// Register creates a new agent and mints its initial API key. The raw key
// is returned exactly once; only its Argon2id hash is persisted. If binding
// is non-nil its endpoint parameters are sealed through the Credential
// Vault before being written.
func (r *Registry) Register(ctx context.Context, agentID, displayName, agentType string, role model.AgentRole, tags []string, binding *model.DatabaseBinding, actorAgentID, actorRole string) (model.Agent, string, error) {
	if err := model.ValidateAgentID(agentID); err != nil {
		return model.Agent{}, "", err
	}
	if _, err := r.db.GetAgentByAgentID(ctx, agentID); err == nil {
		return model.Agent{}, "", ErrConflict
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.Agent{}, "", fmt.Errorf("registry: check existing agent: %w", err)
	}

	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		return model.Agent{}, "", fmt.Errorf("registry: generate api key: %w", err)
	}
	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		return model.Agent{}, "", fmt.Errorf("registry: hash api key: %w", err)
	}

	agent := model.Agent{
		AgentID:     agentID,
		DisplayName: displayName,
		AgentType:   agentType,
		Role:        role,
		Tags:        tags,
	}
	key := model.ApiKey{Prefix: prefix, KeyHash: hash, AgentID: agentID, Label: "initial"}

	saved, _, err := r.db.CreateAgentWithKey(ctx, agent, key, storage.MutationAuditEntry{
		ActorAgentID: actorAgentID,
		ActorRole:    actorRole,
		Operation:    "register_agent",
	})
	if err != nil {
		return model.Agent{}, "", fmt.Errorf("registry: create agent: %w", err)
	}

	if binding != nil {
		binding.AgentID = agentID
		if err := r.sealBindingEndpoints(binding); err != nil {
			return model.Agent{}, "", err
		}
		if _, err := r.db.UpsertBindingWithAudit(ctx, *binding, storage.MutationAuditEntry{
			ActorAgentID: actorAgentID,
			ActorRole:    actorRole,
			Operation:    "register_agent_binding",
		}); err != nil {
			return model.Agent{}, "", fmt.Errorf("registry: create initial binding: %w", err)
		}
	}

	return saved, rawKey, nil
}

// Authenticate verifies a raw API key and returns its owning agent. It
// never returns a revoked agent, and never reveals whether a failure was
// due to a malformed key, an unknown prefix, or a wrong secret.
func (r *Registry) Authenticate(ctx context.Context, rawKey string) (model.Agent, error) {
	prefix, fullKey, err := model.ParseRawKey(rawKey)
	if err != nil {
		auth.DummyVerify()
		return model.Agent{}, ErrAuthFailed
	}

	candidates, err := r.db.GetActiveAPIKeysByPrefix(ctx, prefix)
	if err != nil {
		return model.Agent{}, fmt.Errorf("registry: lookup api key candidates: %w", err)
	}
	if len(candidates) == 0 {
		auth.DummyVerify()
		return model.Agent{}, ErrAuthFailed
	}

	for _, candidate := range candidates {
		valid, err := auth.VerifyAPIKey(fullKey, candidate.KeyHash)
		if err != nil || !valid {
			continue
		}

		agent, err := r.db.GetAgentByAgentID(ctx, candidate.AgentID)
		if err != nil || agent.Revoked() {
			return model.Agent{}, ErrAuthFailed
		}

		if err := r.db.TouchAPIKeyLastUsed(ctx, candidate.ID); err != nil {
			r.logger.Warn("registry: touch api key last_used failed", "agent_id", agent.AgentID, "error", err)
		}
		return agent, nil
	}

	auth.DummyVerify()
	return model.Agent{}, ErrAuthFailed
}

// Get returns an agent by its external agent_id.
func (r *Registry) Get(ctx context.Context, agentID string) (model.Agent, error) {
	return r.db.GetAgentByAgentID(ctx, agentID)
}

// List returns agents with pagination.
func (r *Registry) List(ctx context.Context, limit, offset int) ([]model.Agent, error) {
	return r.db.ListAgents(ctx, limit, offset)
}

// Binding returns an agent's current DatabaseBinding, endpoint parameters
// still sealed — callers that need to dial out (the Connector Factory) hold
// the vault key to unseal them; callers that only need driver_kind or
// default_schema never need to.
func (r *Registry) Binding(ctx context.Context, agentID string) (model.DatabaseBinding, error) {
	return r.db.GetBindingByAgent(ctx, agentID)
}

// Revoke tombstones an agent, its API keys, and its permissions, then
// invalidates any pooled connections the Connector Factory holds for it.
func (r *Registry) Revoke(ctx context.Context, agentID, actorAgentID, actorRole string) error {
	if err := r.db.RevokeAgentWithCascade(ctx, agentID, storage.MutationAuditEntry{
		ActorAgentID: actorAgentID,
		ActorRole:    actorRole,
		Operation:    "revoke_agent",
	}); err != nil {
		return err
	}
	r.invalidate(agentID)
	return nil
}

// UpdateDatabase replaces an agent's DatabaseBinding atomically and
// invalidates its pooled connections.
func (r *Registry) UpdateDatabase(ctx context.Context, agentID string, binding model.DatabaseBinding, actorAgentID, actorRole string) (model.DatabaseBinding, error) {
	if err := model.ValidateDriverKind(binding.DriverKind); err != nil {
		return model.DatabaseBinding{}, err
	}
	binding.AgentID = agentID
	if err := r.sealBindingEndpoints(&binding); err != nil {
		return model.DatabaseBinding{}, err
	}

	saved, err := r.db.UpsertBindingWithAudit(ctx, binding, storage.MutationAuditEntry{
		ActorAgentID: actorAgentID,
		ActorRole:    actorRole,
		Operation:    "update_database_binding",
	})
	if err != nil {
		return model.DatabaseBinding{}, err
	}
	r.invalidate(agentID)
	return saved, nil
}

// sealBindingEndpoints seals each endpoint's connection parameters through
// the Credential Vault in place. Endpoints arriving already sealed (re-saved
// from a prior read) are passed through unchanged.
func (r *Registry) sealBindingEndpoints(b *model.DatabaseBinding) error {
	for i, ep := range b.Endpoints {
		if ep.ParamsEncrypted == nil {
			continue
		}
		sealed, err := r.vault.Encrypt(ep.ParamsEncrypted)
		if err != nil {
			return fmt.Errorf("registry: seal endpoint %q: %w", ep.Name, err)
		}
		b.Endpoints[i].ParamsEncrypted = sealed
	}
	return nil
}
