// Package aiprovider implements the AI Provider Manager: every call to an
// AI provider is routed through a per-provider rate limiter, a configurable
// retry policy, and an agent's FailoverGroup state machine.
//
// Grounded on three pack sources: the teacher's internal/ratelimit/memory.go
// token bucket, used here twice per provider for the per-minute and
// per-hour horizons; the teacher's internal/storage/retry.go jittered
// backoff shape, generalized from Postgres SQLSTATEs to provider error
// classes and reimplemented on github.com/cenkalti/backoff/v5 (named in the
// googleapis-genai-toolbox manifest) for the named fixed/linear/exponential
// curves; and internal/model.ValidateSourceURI, reused unchanged to SSRF-guard
// a custom provider's endpoint before every registration and air-gapped check.
package aiprovider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ashita-ai/quarrier/internal/errs"
	"github.com/ashita-ai/quarrier/internal/model"
	"github.com/ashita-ai/quarrier/internal/ratelimit"
	"github.com/ashita-ai/quarrier/internal/storage"
)

// CallFunc performs one attempt against the given provider configuration.
type CallFunc func(ctx context.Context, cfg model.AIProviderConfig) (any, error)

type providerLimiter struct {
	perMinute *ratelimit.MemoryLimiter
	perHour   *ratelimit.MemoryLimiter
}

type healthTracker struct {
	state               model.ProviderHealth
	consecutiveFailures int
}

// Manager is the AI Provider Manager.
type Manager struct {
	db        *storage.DB
	logger    *slog.Logger
	airGapped bool

	mu       sync.Mutex
	limiters map[string]*providerLimiter
	health   map[string]*healthTracker
}

// New constructs a Manager. airGapped enforces the air-gapped invariant:
// only local providers and custom providers pointed at a private endpoint
// may be registered or called.
func New(db *storage.DB, logger *slog.Logger, airGapped bool) *Manager {
	return &Manager{
		db:        db,
		logger:    logger,
		airGapped: airGapped,
		limiters:  make(map[string]*providerLimiter),
		health:    make(map[string]*healthTracker),
	}
}

// RegisterProvider validates and persists a new version of a provider's
// configuration, rejecting kinds inadmissible under air-gapped mode and
// SSRF-unsafe custom endpoints.
func (m *Manager) RegisterProvider(ctx context.Context, cfg model.AIProviderConfig, actorAgentID, actorRole string) (model.AIProviderConfig, error) {
	if err := m.validateKind(cfg); err != nil {
		return model.AIProviderConfig{}, err
	}
	if cfg.Kind == model.ProviderCustom {
		if err := model.ValidateSourceURI(cfg.Endpoint, m.airGapped); err != nil {
			return model.AIProviderConfig{}, errs.Wrap(errs.KindConfig, err, "invalid custom provider endpoint").
				WithSuggestedFixes("point the custom provider at a public HTTPS endpoint", "register it as a local provider instead")
		}
	}

	saved, err := m.db.CreateProviderVersionWithAudit(ctx, cfg, storage.MutationAuditEntry{
		ActorAgentID: actorAgentID,
		ActorRole:    actorRole,
		Operation:    "register_ai_provider",
	})
	if err != nil {
		return model.AIProviderConfig{}, err
	}

	m.mu.Lock()
	m.limiters[cfg.ProviderID] = newProviderLimiter(cfg.RateLimits)
	m.mu.Unlock()
	return saved, nil
}

func (m *Manager) validateKind(cfg model.AIProviderConfig) error {
	if m.airGapped && !cfg.Kind.AdmissibleAirGapped() {
		return errs.New(errs.KindBlocked, "provider kind %q is not admissible in air-gapped mode", cfg.Kind).
			WithUserMessage("air-gapped mode only allows local or private-endpoint custom providers").
			WithSuggestedFixes("register a local provider", "register a custom provider with a private endpoint")
	}
	return nil
}

// RollbackProvider restores an earlier version of a provider's config as current.
func (m *Manager) RollbackProvider(ctx context.Context, providerID string, version int, actorAgentID, actorRole string) error {
	return m.db.RollbackProviderToVersion(ctx, providerID, version, storage.MutationAuditEntry{
		ActorAgentID: actorAgentID,
		ActorRole:    actorRole,
		Operation:    "rollback_ai_provider",
	})
}

// Current returns a provider's currently active configuration.
func (m *Manager) Current(ctx context.Context, providerID string) (model.AIProviderConfig, error) {
	return m.db.GetCurrentProviderConfig(ctx, providerID)
}

// SetFailoverGroup persists the ordered failover candidates for an agent.
func (m *Manager) SetFailoverGroup(ctx context.Context, group model.FailoverGroup, actorAgentID, actorRole string) error {
	if group.CurrentActiveProviderID == "" {
		group.CurrentActiveProviderID = group.PrimaryProviderID
	}
	return m.db.UpsertFailoverGroupWithAudit(ctx, group, storage.MutationAuditEntry{
		ActorAgentID: actorAgentID,
		ActorRole:    actorRole,
		Operation:    "set_failover_group",
	})
}

// Call invokes fn against providerID's current configuration, applying the
// provider's rate limit and retry policy. On terminal failure, if the
// agent's FailoverGroup has just reached its consecutive_failure_threshold
// on the failed provider, Call advances the group to the next candidate and
// retries fn against it within this same invocation, at most once per
// candidate — mirroring internal/connector.Factory.dialWithFailover's
// bounded endpoint loop. A failure that leaves the provider below the
// threshold is returned without trying another candidate. The returned
// GatewayError carries failed_over_to when the active provider changed
// during the call.
func (m *Manager) Call(ctx context.Context, agentID, providerID string, fn CallFunc) (any, error) {
	maxAttempts := 1
	if group, err := m.db.GetFailoverGroupByAgent(ctx, agentID); err == nil && group.AutoFailoverEnabled {
		if n := len(group.Candidates()); n > maxAttempts {
			maxAttempts = n
		}
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("aiprovider: load failover group failed", "agent_id", agentID, "error", err)
	}

	current := providerID
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := m.callOnce(ctx, current, fn)
		if err == nil {
			m.recordSuccess(current)
			return result, nil
		}
		lastErr = err
		m.recordFailure(current)

		if attempt == maxAttempts-1 {
			break
		}
		advanced, next, foErr := m.maybeFailover(ctx, agentID, current)
		if foErr != nil {
			m.logger.Warn("aiprovider: failover check failed", "agent_id", agentID, "provider_id", current, "error", foErr)
		}
		if !advanced {
			break
		}
		m.logger.Info("aiprovider: retrying call against failed-over provider", "agent_id", agentID, "from", current, "to", next)
		current = next
	}

	ge, ok := errs.As(lastErr)
	if !ok {
		ge = errs.Wrap(errs.KindProviderUnavailable, lastErr, "provider %s call failed", current)
	}
	if len(ge.SuggestedFixes) == 0 {
		ge = ge.WithSuggestedFixes("retry shortly", "configure a failover group for this agent")
	}
	if current != providerID {
		ge = ge.WithDetails(map[string]any{"failed_over_to": current})
	}
	return nil, ge
}

// callOnce loads providerID's current configuration and runs fn through the
// rate limiter and retry policy, without touching health state or failover.
func (m *Manager) callOnce(ctx context.Context, providerID string, fn CallFunc) (any, error) {
	cfg, err := m.db.GetCurrentProviderConfig(ctx, providerID)
	if err != nil {
		return nil, errs.Wrap(errs.KindProviderUnavailable, err, "load provider %s config", providerID).
			WithSuggestedFixes("check the provider_id is registered", "retry shortly")
	}
	if err := m.validateKind(cfg); err != nil {
		return nil, err
	}

	if retryAfter, limited := m.checkRateLimit(ctx, providerID); limited {
		return nil, errs.New(errs.KindRateLimited, "provider %s rate limit exceeded", providerID).
			WithUserMessage("the provider is rate limited, retry shortly").
			WithSuggestedFixes("retry after the rate limit window resets", "reduce request concurrency to this provider")
	} else if retryAfter > 0 {
		m.logger.Debug("aiprovider: rate limiter allowed call", "provider_id", providerID)
	}

	return m.runWithRetry(ctx, cfg, fn)
}

func (m *Manager) checkRateLimit(ctx context.Context, providerID string) (retryAfter time.Duration, limited bool) {
	m.mu.Lock()
	pl, ok := m.limiters[providerID]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	if allowed, _ := pl.perMinute.Allow(ctx, providerID); !allowed {
		return time.Minute, true
	}
	if allowed, _ := pl.perHour.Allow(ctx, providerID); !allowed {
		return time.Hour, true
	}
	return 0, false
}

func (m *Manager) runWithRetry(ctx context.Context, cfg model.AIProviderConfig, fn CallFunc) (any, error) {
	policy := cfg.RetryPolicy
	if policy.Strategy == model.RetryNone || policy.MaxAttempts <= 1 {
		return fn(ctx, cfg)
	}

	bo := backOffForStrategy(policy)
	return backoff.Retry(ctx, func() (any, error) {
		res, err := fn(ctx, cfg)
		if err == nil {
			return res, nil
		}
		if !isRetriable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(policy.MaxAttempts)))
}

func backOffForStrategy(policy model.RetryPolicy) backoff.BackOff {
	switch policy.Strategy {
	case model.RetryFixed:
		return backoff.NewConstantBackOff(policy.BaseDelay)
	case model.RetryLinear:
		return &linearBackOff{base: policy.BaseDelay, max: policy.MaxDelay}
	default: // model.RetryExponential
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = policy.BaseDelay
		eb.MaxInterval = policy.MaxDelay
		return eb
	}
}

// isRetriable classifies an error for retry purposes: a GatewayError defers
// to its Kind's Retriable() classification; anything else is treated
// as non-retriable, matching the teacher's own conservative default.
func isRetriable(err error) bool {
	if ge, ok := errs.As(err); ok {
		return ge.Kind.Retriable()
	}
	return false
}

// Health reports a provider's current tracked health state. A provider
// with no tracked calls or probes yet is reported healthy.
func (m *Manager) Health(providerID string) model.ProviderHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	ht, ok := m.health[providerID]
	if !ok {
		return model.HealthHealthy
	}
	return ht.state
}

func (m *Manager) recordSuccess(providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[providerID] = &healthTracker{state: model.HealthHealthy}
}

func (m *Manager) recordFailure(providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ht, ok := m.health[providerID]
	if !ok {
		ht = &healthTracker{}
		m.health[providerID] = ht
	}
	ht.consecutiveFailures++
	if ht.state == model.HealthHealthy {
		ht.state = model.HealthDegraded
	}
}

// maybeFailover advances an agent's FailoverGroup to the next candidate
// when the failed provider has accumulated consecutive_failure_threshold
// consecutive failures, recording an immutable switch_history entry.
func (m *Manager) maybeFailover(ctx context.Context, agentID, providerID string) (advanced bool, nextProviderID string, err error) {
	group, err := m.db.GetFailoverGroupByAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, "", nil
		}
		return false, "", err
	}
	if !group.AutoFailoverEnabled || group.CurrentActiveProviderID != providerID {
		return false, "", nil
	}

	m.mu.Lock()
	ht := m.health[providerID]
	m.mu.Unlock()
	threshold := group.ConsecutiveFailureThreshold
	if threshold <= 0 {
		threshold = 1
	}
	if ht == nil || ht.consecutiveFailures < threshold {
		return false, "", nil
	}

	m.mu.Lock()
	m.health[providerID].state = model.HealthUnhealthy
	m.mu.Unlock()

	candidates := group.Candidates()
	idx := indexOf(candidates, providerID)
	if idx < 0 || len(candidates) < 2 {
		return false, "", nil
	}
	next := candidates[(idx+1)%len(candidates)]

	if err := m.db.AppendSwitchHistory(ctx, agentID, model.SwitchEvent{
		At:             time.Now().UTC(),
		FromProviderID: providerID,
		ToProviderID:   next,
		Reason:         "consecutive_failure_threshold_exceeded",
	}); err != nil {
		return false, "", err
	}

	group.CurrentActiveProviderID = next
	if err := m.db.UpsertFailoverGroupWithAudit(ctx, group, storage.MutationAuditEntry{
		ActorAgentID: "system",
		ActorRole:    "system",
		Operation:    "auto_failover",
	}); err != nil {
		return false, "", err
	}
	return true, next, nil
}

func indexOf(s []string, v string) int {
	for i, c := range s {
		if c == v {
			return i
		}
	}
	return -1
}

func newProviderLimiter(limits model.RateLimits) *providerLimiter {
	perMinuteRate := float64(limits.PerMinute) / 60
	perHourRate := float64(limits.PerHour) / 3600
	return &providerLimiter{
		perMinute: ratelimit.NewMemoryLimiter(perMinuteRate, limits.PerMinute),
		perHour:   ratelimit.NewMemoryLimiter(perHourRate, limits.PerHour),
	}
}

// linearBackOff grows its delay by a fixed increment (base) each attempt,
// capped at max. cenkalti/backoff/v5 ships fixed and exponential curves but
// not linear, so this implements backoff.BackOff directly.
type linearBackOff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	d := time.Duration(l.attempt) * l.base
	if l.max > 0 && d > l.max {
		return l.max
	}
	return d
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}
