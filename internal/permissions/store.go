package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/quarrier/internal/model"
	"github.com/ashita-ai/quarrier/internal/storage"
)

// defaultCacheTTL matches the teacher's GrantCache default freshness window.
const defaultCacheTTL = 30 * time.Second

// Store is the Permission Store: set/revoke/check/check_batch over
// (agent, resource) capability grants, with a short-TTL cache in front of
// check_batch's per-pipeline-call resolution.
type Store struct {
	db     *storage.DB
	cache  *grantedSetCache
	logger *slog.Logger
}

// New constructs a Store backed by db, caching resolved permission sets for
// cacheTTL (zero or negative uses defaultCacheTTL).
func New(db *storage.DB, cacheTTL time.Duration, logger *slog.Logger) *Store {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Store{db: db, cache: newGrantedSetCache(cacheTTL), logger: logger}
}

// Close stops the cache's background eviction goroutine.
func (s *Store) Close() {
	s.cache.Close()
}

// Set upserts the capability set an agent holds on a resource. resourceID is
// normalized per driverKind's case-sensitivity policy before it is persisted,
// so a later Check against the same driver always matches.
func (s *Store) Set(ctx context.Context, agentID string, driverKind model.DriverKind, resourceID string, kind model.ResourceKind, caps []model.Capability, actorAgentID, actorRole string) (model.Permission, error) {
	if err := model.ValidateResourceID(resourceID); err != nil {
		return model.Permission{}, err
	}
	p := model.Permission{
		AgentID:      agentID,
		ResourceID:   model.NormalizeResourceID(driverKind, resourceID),
		ResourceKind: kind,
		Caps:         caps,
	}
	saved, err := s.db.SetPermission(ctx, p, storage.MutationAuditEntry{
		ActorAgentID: actorAgentID,
		ActorRole:    actorRole,
		Operation:    "set_permission",
		ResourceType: "permission",
	})
	if err != nil {
		return model.Permission{}, err
	}
	s.cache.invalidate(agentID)
	return saved, nil
}

// Revoke removes an agent's permission entry on a resource.
func (s *Store) Revoke(ctx context.Context, agentID string, driverKind model.DriverKind, resourceID, actorAgentID, actorRole string) error {
	err := s.db.RevokePermission(ctx, agentID, model.NormalizeResourceID(driverKind, resourceID), storage.MutationAuditEntry{
		ActorAgentID: actorAgentID,
		ActorRole:    actorRole,
		Operation:    "revoke_permission",
		ResourceType: "permission",
	})
	if err != nil {
		return err
	}
	s.cache.invalidate(agentID)
	return nil
}

// Check reports whether agentID holds at least required on resourceID.
// Role admin is unrestricted, matching the teacher's "nil granted set means
// unrestricted" convention carried forward for an operator role.
func (s *Store) Check(ctx context.Context, agentID string, role model.AgentRole, driverKind model.DriverKind, resourceID string, required model.Capability) (bool, error) {
	if model.RoleAtLeast(role, model.RoleAdmin) {
		return true, nil
	}
	granted, err := s.loadGrantedCaps(ctx, agentID)
	if err != nil {
		return false, err
	}
	normalized := model.NormalizeResourceID(driverKind, resourceID)
	caps, ok := granted[normalized]
	if !ok {
		return false, nil
	}
	return hasCapability(caps, required), nil
}

// ResourceCheck is one (resource, required capability) pair for CheckBatch.
type ResourceCheck struct {
	ResourceID string
	Required   model.Capability
}

// CheckBatchResult partitions a batch of resource checks into allowed and
// denied sets, keyed by the resource_id as the caller supplied it.
type CheckBatchResult struct {
	Allowed []string
	Denied  []string
}

// CheckBatch resolves every check in one pass against a single cached
// granted set, used by the pipeline after SQL parsing to validate
// every table a statement touches in one round trip.
func (s *Store) CheckBatch(ctx context.Context, agentID string, role model.AgentRole, driverKind model.DriverKind, checks []ResourceCheck) (CheckBatchResult, error) {
	result := CheckBatchResult{}
	if model.RoleAtLeast(role, model.RoleAdmin) {
		for _, c := range checks {
			result.Allowed = append(result.Allowed, c.ResourceID)
		}
		return result, nil
	}

	granted, err := s.loadGrantedCaps(ctx, agentID)
	if err != nil {
		return CheckBatchResult{}, err
	}

	for _, c := range checks {
		normalized := model.NormalizeResourceID(driverKind, c.ResourceID)
		if caps, ok := granted[normalized]; ok && hasCapability(caps, c.Required) {
			result.Allowed = append(result.Allowed, c.ResourceID)
		} else {
			result.Denied = append(result.Denied, c.ResourceID)
		}
	}
	return result, nil
}

// ListForAgent returns every permission entry held by an agent.
func (s *Store) ListForAgent(ctx context.Context, agentID string) ([]model.Permission, error) {
	return s.db.ListPermissionsByAgent(ctx, agentID)
}

// loadGrantedCaps resolves the full resource_id -> caps map for an agent,
// normalized to lowercase keys per driver case-sensitivity policy, served
// from cache when fresh.
func (s *Store) loadGrantedCaps(ctx context.Context, agentID string) (map[string][]string, error) {
	if cached, ok := s.cache.get(agentID); ok {
		return cached, nil
	}

	perms, err := s.db.ListPermissionsByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("permissions: load granted caps: %w", err)
	}

	granted := make(map[string][]string, len(perms))
	for _, p := range perms {
		caps := make([]string, len(p.Caps))
		for i, c := range p.Caps {
			caps[i] = string(c)
		}
		granted[p.ResourceID] = caps
	}

	s.cache.set(agentID, granted)
	return granted, nil
}

func hasCapability(caps []string, required model.Capability) bool {
	for _, c := range caps {
		if model.Capability(c) == required {
			return true
		}
	}
	return false
}
