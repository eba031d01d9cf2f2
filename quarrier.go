package quarrier

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/quarrier/internal/aiprovider"
	"github.com/ashita-ai/quarrier/internal/audit"
	"github.com/ashita-ai/quarrier/internal/auth"
	"github.com/ashita-ai/quarrier/internal/config"
	"github.com/ashita-ai/quarrier/internal/connector"
	"github.com/ashita-ai/quarrier/internal/cost"
	"github.com/ashita-ai/quarrier/internal/errs"
	"github.com/ashita-ai/quarrier/internal/model"
	"github.com/ashita-ai/quarrier/internal/nlsql"
	"github.com/ashita-ai/quarrier/internal/permissions"
	"github.com/ashita-ai/quarrier/internal/pipeline"
	"github.com/ashita-ai/quarrier/internal/ratelimit"
	"github.com/ashita-ai/quarrier/internal/registry"
	"github.com/ashita-ai/quarrier/internal/storage"
	"github.com/ashita-ai/quarrier/internal/telemetry"
	"github.com/ashita-ai/quarrier/internal/vault"
	"github.com/ashita-ai/quarrier/migrations"
)

// permissionsCacheTTL bounds how long the Permission Store caches a granted
// set before re-reading it from storage.
const permissionsCacheTTL = 30 * time.Second

// connectorSweepInterval is how often the Connector Factory's idle
// connection sweeper runs, independent of how long an idle connection is
// allowed to live (QUARRIER_POOL_MAX_IDLE_AGE).
const connectorSweepInterval = time.Minute

// agentCallLimitRule is the per-agent call rate limit applied when a Redis
// connection is configured. It is independent of any per-provider limit the
// AI Provider Manager enforces.
var agentCallLimitRule = ratelimit.Rule{Prefix: "agent-call", Limit: 120, Window: time.Minute}

// App is the gateway's lifecycle and public facade. Construct with New(),
// run its background workers with Run(), submit calls with Call().
type App struct {
	cfg config.Config

	db           *storage.DB
	registry     *registry.Registry
	permissions  *permissions.Store
	connectors   *connector.Factory
	providers    *aiprovider.Manager
	converter    *nlsql.Converter
	auditLogger  audit.Logger
	costTracker  *cost.Tracker
	notifyWorker *cost.NotificationWorker
	callLimiter  *ratelimit.Limiter
	pipeline     *pipeline.Pipeline
	jwtManager   *auth.JWTManager

	providerProbe        aiprovider.Prober
	healthCheckInterval  time.Duration
	healthCheckCancel    context.CancelFunc
	healthCheckDone      chan struct{}

	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New wires the gateway: it loads configuration, connects to the metadata
// store, runs migrations, and constructs every component. Apart from the
// permission cache's eviction loop and the connector pool's idle sweeper,
// which their constructors start, it starts no background goroutines —
// call Run() for the rest.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// A missing .env is not an error; production deployments set real
	// environment variables instead.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("quarrier: load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("quarrier: starting", "version", version, "air_gapped", cfg.AirGapped, "dev_mode", cfg.DevMode)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("quarrier: telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("quarrier: storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("quarrier: migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("quarrier: extra migrations[%d]: %w", i, err)
		}
	}

	key, err := resolveEncryptionKey(cfg)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("quarrier: encryption key: %w", err)
	}
	v, err := vault.New(key)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("quarrier: vault: %w", err)
	}

	// Built before the Connector Factory so its FailoverRecorder closure
	// can be wired straight into connector.New.
	postgresAudit := audit.New(db, logger)
	var auditLogger audit.Logger = postgresAudit

	connectors := connector.New(v, logger, postgresAudit.FailoverRecorder(), cfg.PoolMaxOpen, cfg.PoolMinIdle, cfg.PoolMaxIdleAge, connectorSweepInterval)

	if len(o.eventHooks) > 0 {
		auditLogger = &hookedAuditLogger{inner: auditLogger, hooks: o.eventHooks, logger: logger}
	}

	reg := registry.New(db, v, logger, connectors.Invalidate)
	perms := permissions.New(db, permissionsCacheTTL, logger)
	providers := aiprovider.New(db, logger, cfg.AirGapped)

	var completionClient nlsql.CompletionClient
	if o.completionClient != nil {
		completionClient = &completionClientAdapter{pub: o.completionClient}
	}
	converter := nlsql.New(providers, completionClient, logger)

	costTracker := cost.New(db, logger)

	var notifySink cost.Sink
	if o.notificationSink != nil {
		notifySink = &notificationSinkAdapter{pub: o.notificationSink}
	} else {
		notifySink = cost.NewLogSink(logger)
	}
	notifyWorker := cost.NewNotificationWorker(db, notifySink, logger, cfg.DLQPollInterval, cfg.DLQBatchSize, cfg.DLQMaxAttempts, cfg.DLQMaxAge)

	p := pipeline.New(reg, perms, connectors, converter, auditLogger, costTracker, logger, cfg.PoolAcquireTimeout)
	p = p.WithDeadLetters(db)
	p = p.WithCostRates(cfg.CostPerExecutionMs, cfg.CostPerPromptToken, cfg.CostPerCompletionToken)

	var callLimiter *ratelimit.Limiter
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			perms.Close()
			connectors.Close(context.Background())
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("quarrier: parse redis url: %w", err)
		}
		callLimiter = ratelimit.New(redis.NewClient(redisOpts), logger, false)
		p = p.WithAgentCallLimit(callLimiter, agentCallLimitRule)
	}

	var probe aiprovider.Prober
	if o.providerProbe != nil {
		probe = (&providerProbeAdapter{pub: o.providerProbe}).probe
	}

	jwtManager, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return nil, fmt.Errorf("quarrier: build jwt manager: %w", err)
	}

	app := &App{
		cfg:                 cfg,
		db:                  db,
		registry:            reg,
		permissions:         perms,
		connectors:          connectors,
		providers:           providers,
		converter:           converter,
		auditLogger:         auditLogger,
		costTracker:         costTracker,
		notifyWorker:        notifyWorker,
		callLimiter:         callLimiter,
		pipeline:            p,
		jwtManager:          jwtManager,
		providerProbe:       probe,
		healthCheckInterval: cfg.ProviderHealthCheckInterval,
		otelShutdown:        otelShutdown,
		logger:              logger,
		version:             version,
	}

	if err := app.seedAdmin(context.Background(), cfg.AdminAPIKey); err != nil {
		app.Shutdown(context.Background())
		return nil, fmt.Errorf("quarrier: seed admin agent: %w", err)
	}

	return app, nil
}

// seedAdmin registers a bootstrap admin agent the first time the gateway
// starts against an empty agent table. signal being non-empty is only a
// request to seed; Registry.Register always mints its own random API key,
// so the generated key is logged once rather than echoed back from signal.
func (a *App) seedAdmin(ctx context.Context, signal string) error {
	if signal == "" {
		return nil
	}
	if _, err := a.registry.Get(ctx, "admin"); err == nil {
		return nil
	}
	_, rawKey, err := a.registry.Register(ctx, "admin", "Bootstrap Administrator", "operator", model.RoleAdmin, nil, nil, "system", "admin")
	if err != nil {
		if errors.Is(err, registry.ErrConflict) {
			return nil
		}
		return err
	}
	a.logger.Warn("quarrier: seeded bootstrap admin agent, this key is shown only once", "agent_id", "admin", "api_key", rawKey)
	return nil
}

// Run starts the gateway's background workers and blocks until ctx is
// canceled, then runs Shutdown with a fresh background context.
func (a *App) Run(ctx context.Context) error {
	a.notifyWorker.Start(ctx)
	if a.providerProbe != nil {
		probeCtx, cancel := context.WithCancel(context.Background())
		a.healthCheckCancel = cancel
		a.healthCheckDone = make(chan struct{})
		go func() {
			defer close(a.healthCheckDone)
			a.providers.HealthProbeLoop(probeCtx, a.providerProbe, a.healthCheckInterval)
		}()
	}
	a.logger.Info("quarrier: running", "version", a.version)

	<-ctx.Done()
	a.logger.Info("quarrier: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown drains the notification worker, closes the connector pool and
// permission cache, closes the rate limiter, closes the metadata store, and
// flushes telemetry, in that order. Safe to call once; a second call is a
// no-op beyond idempotent closes.
func (a *App) Shutdown(ctx context.Context) error {
	a.notifyWorker.Drain(ctx)
	if a.healthCheckCancel != nil {
		a.healthCheckCancel()
		select {
		case <-a.healthCheckDone:
		case <-ctx.Done():
			a.logger.Warn("quarrier: health probe loop did not stop before shutdown deadline")
		}
	}
	a.connectors.Close(ctx)
	a.permissions.Close()
	if a.callLimiter != nil {
		if err := a.callLimiter.Close(); err != nil {
			a.logger.Warn("quarrier: close rate limiter", "error", err)
		}
	}
	a.db.Close(ctx)
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.logger.Warn("quarrier: telemetry shutdown", "error", err)
		}
	}
	return nil
}

// Call submits one SQL or natural-language call through the Query Pipeline.
// A call with a zero Deadline gets the configured default deadline
// (QUARRIER_DEFAULT_DEADLINE_MS) when that default is positive.
func (a *App) Call(ctx context.Context, req CallRequest) (QueryResult, error) {
	if req.Deadline.IsZero() && a.cfg.DefaultDeadlineMs > 0 {
		req.Deadline = time.Now().Add(time.Duration(a.cfg.DefaultDeadlineMs) * time.Millisecond)
	}
	result, err := a.pipeline.Call(ctx, fromPublicCallRequest(req))
	if err != nil {
		return QueryResult{}, err
	}
	return toPublicQueryResult(result), nil
}

// RegisterAgent registers a new agent and returns its one-time raw API key.
func (a *App) RegisterAgent(ctx context.Context, agentID, displayName, agentType string, role Role, tags []string, binding *DatabaseBinding, actorAgentID, actorRole string) (Agent, string, error) {
	var internalBinding *model.DatabaseBinding
	if binding != nil {
		b := fromPublicBinding(*binding)
		internalBinding = &b
	}
	agent, rawKey, err := a.registry.Register(ctx, agentID, displayName, agentType, model.AgentRole(role), tags, internalBinding, actorAgentID, actorRole)
	if err != nil {
		return Agent{}, "", err
	}
	return toPublicAgent(agent), rawKey, nil
}

// GetAgent returns a registered agent by its agent_id.
func (a *App) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	agent, err := a.registry.Get(ctx, agentID)
	if err != nil {
		return Agent{}, err
	}
	return toPublicAgent(agent), nil
}

// ListAgents returns registered agents with pagination.
func (a *App) ListAgents(ctx context.Context, limit, offset int) ([]Agent, error) {
	agents, err := a.registry.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]Agent, len(agents))
	for i, ag := range agents {
		out[i] = toPublicAgent(ag)
	}
	return out, nil
}

// IssueAdminServiceToken mints a short-lived scoped token an admin agent
// presents back to RevokeAgent or RollbackAIProvider, so those internal
// admin operations are authorized by a signed, expiring credential rather
// than a bare actor_role string the caller could misreport.
func (a *App) IssueAdminServiceToken(ctx context.Context, actorAgentID string) (string, time.Time, error) {
	agent, err := a.registry.Get(ctx, actorAgentID)
	if err != nil {
		return "", time.Time{}, err
	}
	if !model.RoleAtLeast(agent.Role, model.RoleAdmin) {
		return "", time.Time{}, errs.New(errs.KindPermissionDenied, "agent %s is not an admin", actorAgentID).
			WithUserMessage("only an admin agent may issue a service token").
			WithSuggestedFixes("request the token from an agent with the admin role")
	}
	token, exp, err := a.jwtManager.IssueScopedToken(actorAgentID, agent, auth.MaxScopedTokenTTL)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("quarrier: issue admin service token: %w", err)
	}
	return token, exp, nil
}

// validateAdminServiceToken checks that serviceToken is a live token scoped
// by or issued to actorAgentID, the prerequisite for RevokeAgent and
// RollbackAIProvider.
func (a *App) validateAdminServiceToken(serviceToken, actorAgentID string) error {
	claims, err := a.jwtManager.ValidateToken(serviceToken)
	if err != nil {
		return errs.Wrap(errs.KindAuth, err, "validate admin service token").
			WithUserMessage("the service token is invalid or expired").
			WithSuggestedFixes("issue a new service token with IssueAdminServiceToken")
	}
	if claims.AgentID != actorAgentID && claims.ScopedBy != actorAgentID {
		return errs.New(errs.KindAuth, "service token was not issued for actor %s", actorAgentID).
			WithUserMessage("the service token does not authorize this actor").
			WithSuggestedFixes("issue a new service token as this actor")
	}
	return nil
}

// RevokeAgent tombstones an agent, its API keys, and its permissions.
// serviceToken must come from IssueAdminServiceToken for actorAgentID.
func (a *App) RevokeAgent(ctx context.Context, agentID, serviceToken, actorAgentID, actorRole string) error {
	if err := a.validateAdminServiceToken(serviceToken, actorAgentID); err != nil {
		return err
	}
	return a.registry.Revoke(ctx, agentID, actorAgentID, actorRole)
}

// RollbackAIProvider restores an earlier version of a provider's
// configuration as current — the key-rotation-trigger admin operation: an
// operator rolls a provider back to the version with the prior
// credential_ref once a replacement credential is confirmed bad.
// serviceToken must come from IssueAdminServiceToken for actorAgentID.
func (a *App) RollbackAIProvider(ctx context.Context, providerID string, version int, serviceToken, actorAgentID, actorRole string) error {
	if err := a.validateAdminServiceToken(serviceToken, actorAgentID); err != nil {
		return err
	}
	return a.providers.RollbackProvider(ctx, providerID, version, actorAgentID, actorRole)
}

// UpdateDatabaseBinding replaces an agent's DatabaseBinding.
func (a *App) UpdateDatabaseBinding(ctx context.Context, agentID string, binding DatabaseBinding, actorAgentID, actorRole string) (DatabaseBinding, error) {
	saved, err := a.registry.UpdateDatabase(ctx, agentID, fromPublicBinding(binding), actorAgentID, actorRole)
	if err != nil {
		return DatabaseBinding{}, err
	}
	return toPublicBinding(saved), nil
}

// SetPermission grants an agent a set of capabilities on a resource.
func (a *App) SetPermission(ctx context.Context, agentID string, driverKind DriverKind, resourceID string, kind ResourceKind, caps []Capability, actorAgentID, actorRole string) (Permission, error) {
	internalCaps := make([]model.Capability, len(caps))
	for i, c := range caps {
		internalCaps[i] = model.Capability(c)
	}
	perm, err := a.permissions.Set(ctx, agentID, model.DriverKind(driverKind), resourceID, model.ResourceKind(kind), internalCaps, actorAgentID, actorRole)
	if err != nil {
		return Permission{}, err
	}
	return toPublicPermission(perm), nil
}

// RevokePermission removes an agent's grant on a resource.
func (a *App) RevokePermission(ctx context.Context, agentID string, driverKind DriverKind, resourceID, actorAgentID, actorRole string) error {
	return a.permissions.Revoke(ctx, agentID, model.DriverKind(driverKind), resourceID, actorAgentID, actorRole)
}

// ListPermissions lists every permission granted to an agent.
func (a *App) ListPermissions(ctx context.Context, agentID string) ([]Permission, error) {
	perms, err := a.permissions.ListForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	out := make([]Permission, len(perms))
	for i, p := range perms {
		out[i] = toPublicPermission(p)
	}
	return out, nil
}

// RegisterAIProvider registers or updates an AI provider configuration.
func (a *App) RegisterAIProvider(ctx context.Context, cfg AIProviderConfig, actorAgentID, actorRole string) (AIProviderConfig, error) {
	saved, err := a.providers.RegisterProvider(ctx, fromPublicProviderConfig(cfg), actorAgentID, actorRole)
	if err != nil {
		return AIProviderConfig{}, err
	}
	return toPublicProviderConfig(saved), nil
}

// SetBudgetAlert registers or replaces a budget alert.
func (a *App) SetBudgetAlert(ctx context.Context, alert BudgetAlert, actorAgentID, actorRole string) error {
	return a.costTracker.SetAlert(ctx, fromPublicBudgetAlert(alert), actorAgentID, actorRole)
}

// ListBudgetAlerts lists every registered budget alert.
func (a *App) ListBudgetAlerts(ctx context.Context) ([]BudgetAlert, error) {
	alerts, err := a.costTracker.ListAlerts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BudgetAlert, len(alerts))
	for i, al := range alerts {
		out[i] = toPublicBudgetAlert(al)
	}
	return out, nil
}

// CostAggregate reports an agent's cost over [from, to).
func (a *App) CostAggregate(ctx context.Context, agentID string, from, to time.Time) (CostAggregate, error) {
	agg, err := a.costTracker.Aggregate(ctx, agentID, from, to)
	if err != nil {
		return CostAggregate{}, err
	}
	return toPublicCostAggregate(agg), nil
}

// AuditByAgent returns an agent's most recent audit events, newest first.
func (a *App) AuditByAgent(ctx context.Context, agentID string, limit int) ([]AuditEvent, error) {
	events, err := a.auditLogger.ByAgent(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	return toPublicAuditEvents(events), nil
}

// AuditByActionKind returns the most recent audit events of one kind.
func (a *App) AuditByActionKind(ctx context.Context, kind ActionKind, limit int) ([]AuditEvent, error) {
	events, err := a.auditLogger.ByActionKind(ctx, model.ActionKind(kind), limit)
	if err != nil {
		return nil, err
	}
	return toPublicAuditEvents(events), nil
}

// AuditByTimeRange returns audit events recorded within [from, to).
func (a *App) AuditByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]AuditEvent, error) {
	events, err := a.auditLogger.ByTimeRange(ctx, from, to, limit)
	if err != nil {
		return nil, err
	}
	return toPublicAuditEvents(events), nil
}

// ErrorReportFrom recovers the structured ErrorReport from an error Call (or
// any facade method) returned, if it is a classified gateway error. The
// second return is false for an unclassified error.
func ErrorReportFrom(err error) (ErrorReport, bool) {
	ge, ok := errs.As(err)
	if !ok {
		return ErrorReport{}, false
	}
	return ErrorReport{
		Kind:                ErrorKind(ge.Kind),
		UserFriendlyMessage: ge.UserFriendlyMessage,
		SuggestedFixes:      ge.SuggestedFixes,
		ActionableDetails:   ge.ActionableDetails,
		DeniedResources:     ge.DeniedResources,
		GeneratedSQL:        ge.GeneratedSQL,
		RetryAfterMs:        ge.RetryAfterMs,
		Retriable:           ge.Kind.Retriable(),
	}, true
}

// resolveEncryptionKey turns the configured key material into a 32-byte AES
// key. It accepts hex or base64 (standard or URL-safe) encoding, reads from
// EncryptionKeyFile when set, and in DevMode falls back to a random
// process-lifetime key so a local run needs no configuration at all.
func resolveEncryptionKey(cfg config.Config) ([]byte, error) {
	raw := cfg.EncryptionKey
	if cfg.EncryptionKeyFile != "" {
		data, err := os.ReadFile(cfg.EncryptionKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read encryption key file: %w", err)
		}
		raw = string(data)
	}
	raw = trimSpaceAndNewlines(raw)

	if raw == "" {
		if cfg.DevMode {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return nil, fmt.Errorf("generate dev-mode encryption key: %w", err)
			}
			return key, nil
		}
		return nil, fmt.Errorf("no encryption key configured (set QUARRIER_ENCRYPTION_KEY, QUARRIER_ENCRYPTION_KEY_FILE, or QUARRIER_DEV_MODE)")
	}

	if key, err := hex.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.URLEncoding.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, fmt.Errorf("encryption key must decode to exactly 32 bytes as hex or base64")
}

func trimSpaceAndNewlines(s string) string {
	start, end := 0, len(s)
	for start < end && isSpaceByte(s[start]) {
		start++
	}
	for end > start && isSpaceByte(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// hookedAuditLogger wraps an audit.Logger and, after a successful Append,
// fires every registered EventHook with a copy of the event in its own
// goroutine. A hook's failure is logged and never propagates back to the
// pipeline call that produced the event.
type hookedAuditLogger struct {
	inner  audit.Logger
	hooks  []EventHook
	logger *slog.Logger
}

func (h *hookedAuditLogger) Append(ctx context.Context, event model.AuditEvent) error {
	if err := h.inner.Append(ctx, event); err != nil {
		return err
	}
	pub := toPublicAuditEvent(event)
	for _, hook := range h.hooks {
		hook := hook
		go func() {
			hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := hook.OnAuditEvent(hookCtx, pub); err != nil {
				h.logger.Error("quarrier: event hook failed", "action_kind", event.ActionKind, "error", err)
			}
		}()
	}
	return nil
}

func (h *hookedAuditLogger) ByAgent(ctx context.Context, agentID string, limit int) ([]model.AuditEvent, error) {
	return h.inner.ByAgent(ctx, agentID, limit)
}

func (h *hookedAuditLogger) ByActionKind(ctx context.Context, kind model.ActionKind, limit int) ([]model.AuditEvent, error) {
	return h.inner.ByActionKind(ctx, kind, limit)
}

func (h *hookedAuditLogger) ByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]model.AuditEvent, error) {
	return h.inner.ByTimeRange(ctx, from, to, limit)
}

// completionClientAdapter adapts a caller-supplied public CompletionClient
// to nlsql.CompletionClient.
type completionClientAdapter struct {
	pub CompletionClient
}

func (c *completionClientAdapter) Complete(ctx context.Context, cfg model.AIProviderConfig, prompt string) (string, model.TokenUsage, error) {
	text, usage, err := c.pub.Complete(ctx, toPublicProviderConfig(cfg), prompt)
	return text, model.TokenUsage{PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens}, err
}

// providerProbeAdapter adapts a caller-supplied public ProviderProbe to
// aiprovider.Prober.
type providerProbeAdapter struct {
	pub ProviderProbe
}

func (p *providerProbeAdapter) probe(ctx context.Context, cfg model.AIProviderConfig) error {
	return p.pub.Probe(ctx, toPublicProviderConfig(cfg))
}

// notificationSinkAdapter adapts a caller-supplied public NotificationSink
// to cost.Sink.
type notificationSinkAdapter struct {
	pub NotificationSink
}

func (s *notificationSinkAdapter) Notify(ctx context.Context, sink string, payload map[string]any) error {
	return s.pub.Notify(ctx, sink, payload)
}

func toPublicAgent(a model.Agent) Agent {
	return Agent{
		ID:          a.ID,
		AgentID:     a.AgentID,
		DisplayName: a.DisplayName,
		AgentType:   a.AgentType,
		Role:        Role(a.Role),
		Tags:        a.Tags,
		Metadata:    a.Metadata,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
		RevokedAt:   a.RevokedAt,
	}
}

func fromPublicBinding(b DatabaseBinding) model.DatabaseBinding {
	endpoints := make([]model.Endpoint, len(b.Endpoints))
	for i, ep := range b.Endpoints {
		endpoints[i] = model.Endpoint{Name: ep.Name, ParamsEncrypted: []byte(ep.Params)}
	}
	return model.DatabaseBinding{
		ID:                          b.ID,
		AgentID:                     b.AgentID,
		DriverKind:                  model.DriverKind(b.DriverKind),
		ConnectionName:              b.ConnectionName,
		DefaultSchema:               b.DefaultSchema,
		Endpoints:                   endpoints,
		ActiveEndpointIndex:         b.ActiveEndpointIndex,
		ConsecutiveFailureThreshold: b.ConsecutiveFailureThreshold,
		CreatedAt:                   b.CreatedAt,
		UpdatedAt:                   b.UpdatedAt,
	}
}

// toPublicBinding intentionally drops endpoint params: a public caller never
// needs the sealed ciphertext, and the Credential Vault key required to
// unseal it is not exposed outside this package.
func toPublicBinding(b model.DatabaseBinding) DatabaseBinding {
	endpoints := make([]Endpoint, len(b.Endpoints))
	for i, ep := range b.Endpoints {
		endpoints[i] = Endpoint{Name: ep.Name}
	}
	return DatabaseBinding{
		ID:                          b.ID,
		AgentID:                     b.AgentID,
		DriverKind:                  DriverKind(b.DriverKind),
		ConnectionName:              b.ConnectionName,
		DefaultSchema:               b.DefaultSchema,
		Endpoints:                   endpoints,
		ActiveEndpointIndex:         b.ActiveEndpointIndex,
		ConsecutiveFailureThreshold: b.ConsecutiveFailureThreshold,
		CreatedAt:                   b.CreatedAt,
		UpdatedAt:                   b.UpdatedAt,
	}
}

func toPublicPermission(p model.Permission) Permission {
	caps := make([]Capability, len(p.Caps))
	for i, c := range p.Caps {
		caps[i] = Capability(c)
	}
	return Permission{
		AgentID:      p.AgentID,
		ResourceID:   p.ResourceID,
		ResourceKind: ResourceKind(p.ResourceKind),
		Caps:         caps,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func fromPublicProviderConfig(c AIProviderConfig) model.AIProviderConfig {
	return model.AIProviderConfig{
		ProviderID:    c.ProviderID,
		Kind:          model.ProviderKind(c.Kind),
		Endpoint:      c.Endpoint,
		Model:         c.Model,
		CredentialRef: c.CredentialRef,
		RateLimits:    model.RateLimits{PerMinute: c.RateLimits.PerMinute, PerHour: c.RateLimits.PerHour},
		RetryPolicy: model.RetryPolicy{
			Strategy:    model.RetryStrategy(c.RetryPolicy.Strategy),
			MaxAttempts: c.RetryPolicy.MaxAttempts,
			BaseDelay:   c.RetryPolicy.BaseDelay,
			MaxDelay:    c.RetryPolicy.MaxDelay,
			Jitter:      c.RetryPolicy.Jitter,
		},
		Version:   c.Version,
		CreatedAt: c.CreatedAt,
	}
}

func toPublicProviderConfig(c model.AIProviderConfig) AIProviderConfig {
	return AIProviderConfig{
		ProviderID:    c.ProviderID,
		Kind:          ProviderKind(c.Kind),
		Endpoint:      c.Endpoint,
		Model:         c.Model,
		CredentialRef: c.CredentialRef,
		RateLimits:    RateLimits{PerMinute: c.RateLimits.PerMinute, PerHour: c.RateLimits.PerHour},
		RetryPolicy: RetryPolicy{
			Strategy:    RetryStrategy(c.RetryPolicy.Strategy),
			MaxAttempts: c.RetryPolicy.MaxAttempts,
			BaseDelay:   c.RetryPolicy.BaseDelay,
			MaxDelay:    c.RetryPolicy.MaxDelay,
			Jitter:      c.RetryPolicy.Jitter,
		},
		Version:   c.Version,
		CreatedAt: c.CreatedAt,
	}
}

func fromPublicCallRequest(r CallRequest) pipeline.CallRequest {
	return pipeline.CallRequest{
		RequestID:  r.RequestID,
		APIKey:     r.APIKey,
		Kind:       model.CallKind(r.Kind),
		SQLText:    r.SQLText,
		MongoWrite: r.MongoWrite,
		Params:     r.Params,
		AsDict:     r.AsDict,
		NLText:     r.NLText,
		ProviderID: r.ProviderID,
		Deadline:   r.Deadline,
	}
}

func toPublicQueryResult(r model.QueryResult) QueryResult {
	return QueryResult{
		Rows:          r.Rows,
		Columns:       r.Columns,
		RowCount:      r.RowCount,
		ExecutionMs:   r.ExecutionMs,
		GeneratedSQL:  r.GeneratedSQL,
		TablesTouched: r.TablesTouched,
	}
}

func toPublicAuditEvent(e model.AuditEvent) AuditEvent {
	return AuditEvent{
		EventID:    e.EventID,
		Timestamp:  e.Timestamp,
		AgentID:    e.AgentID,
		ActionKind: ActionKind(e.ActionKind),
		Status:     EventStatus(e.Status),
		Subject:    e.Subject,
		Details:    e.Details,
	}
}

func toPublicAuditEvents(events []model.AuditEvent) []AuditEvent {
	out := make([]AuditEvent, len(events))
	for i, e := range events {
		out[i] = toPublicAuditEvent(e)
	}
	return out
}

func fromPublicBudgetAlert(a BudgetAlert) model.BudgetAlert {
	return model.BudgetAlert{
		Name:              a.Name,
		ThresholdUSD:      a.ThresholdUSD,
		Period:            model.AlertPeriod(a.Period),
		Scope:             model.AlertScope(a.Scope),
		AgentID:           a.AgentID,
		NotificationSinks: a.NotificationSinks,
	}
}

func toPublicBudgetAlert(a model.BudgetAlert) BudgetAlert {
	return BudgetAlert{
		Name:              a.Name,
		ThresholdUSD:      a.ThresholdUSD,
		Period:            AlertPeriod(a.Period),
		Scope:             AlertScope(a.Scope),
		AgentID:           a.AgentID,
		NotificationSinks: a.NotificationSinks,
	}
}

func toPublicCostAggregate(agg model.CostAggregate) CostAggregate {
	byOp := make(map[OperationKind]float64, len(agg.ByOperation))
	for k, v := range agg.ByOperation {
		byOp[OperationKind(k)] = v
	}
	return CostAggregate{
		TotalCost:   agg.TotalCost,
		ByProvider:  agg.ByProvider,
		ByOperation: byOp,
		ByDay:       agg.ByDay,
	}
}
