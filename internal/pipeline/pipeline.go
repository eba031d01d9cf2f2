// Package pipeline implements the Query Pipeline: the seven-stage flow
// every call takes from a raw API key to a QueryResult — authenticate,
// intake, parse, permit, execute, audit, cost. It is the one package that
// imports every other component, wiring them the way the teacher's
// internal/server/middleware.go wires its own request lifecycle (auth,
// then the handler, then logging/recovery) but generalized from an HTTP
// request to a single Call.
//
// The teacher threads request-scoped values through context.Value keys
// (internal/ctxutil: WithClaims, ClaimsFromContext, OrgIDFromContext). That
// pattern hides what a stage depends on behind a string key and a runtime
// type assertion. Here the same per-call state is carried in CallContext,
// an explicit struct passed as a parameter and extended as each stage
// completes, so a stage's dependencies are visible in its signature.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/quarrier/internal/audit"
	"github.com/ashita-ai/quarrier/internal/connector"
	"github.com/ashita-ai/quarrier/internal/cost"
	"github.com/ashita-ai/quarrier/internal/errs"
	"github.com/ashita-ai/quarrier/internal/model"
	"github.com/ashita-ai/quarrier/internal/nlsql"
	"github.com/ashita-ai/quarrier/internal/permissions"
	"github.com/ashita-ai/quarrier/internal/ratelimit"
	"github.com/ashita-ai/quarrier/internal/registry"
	"github.com/ashita-ai/quarrier/internal/sqlinspect"
	"github.com/ashita-ai/quarrier/internal/storage"
)

// CallContext carries the state one Call accumulates as it moves through
// the pipeline's stages. Stages receive it by pointer and fill in their
// own section; nothing here is read from or written to context.Context.
type CallContext struct {
	RequestID    string
	Agent        model.Agent
	Binding      model.DatabaseBinding
	Inspection   sqlinspect.Inspection
	GeneratedSQL string
	Usage        model.TokenUsage
}

// CallRequest is one call into the pipeline.
type CallRequest struct {
	// RequestID identifies the call for audit correlation; the caller
	// generates it (e.g. from its own transport layer) so a retry and its
	// original attempt can be told apart in the audit trail.
	RequestID string
	APIKey     string
	Kind       model.CallKind

	// SQLText is the statement to run for CallSQL, or the collection name
	// for a Mongo-bound agent's structured query.
	SQLText string
	// MongoWrite tells InspectCollection whether a Mongo call requires
	// write rather than read, since there is no SQL text to classify.
	MongoWrite bool
	// Params are positional bind parameters for a relational statement, or
	// a single bson.M filter document (params[0]) for a Mongo query.
	Params []any
	AsDict bool

	// NLText, ProviderID are used for CallNL; the converted statement is
	// re-validated through the SQL Inspector before Permit runs.
	NLText     string
	ProviderID string

	// Deadline bounds Execute at the driver level; zero means no deadline.
	Deadline time.Time
}

// Pipeline is the Query Pipeline.
type Pipeline struct {
	registry    *registry.Registry
	permissions *permissions.Store
	connectors  *connector.Factory
	converter   *nlsql.Converter
	audit       audit.Logger
	cost        *cost.Tracker
	logger      *slog.Logger

	acquireTimeout time.Duration

	// callLimiter throttles calls per agent, independent of the AI
	// Provider Manager's own per-provider limiter. It is Redis-backed
	// rather than in-process, since an agent's calls can land on any
	// replica of the gateway and the limit must hold cluster-wide. A nil
	// callLimiter (the zero value from New) disables the check entirely.
	callLimiter     *ratelimit.Limiter
	callLimiterRule ratelimit.Rule

	// deadLetters records calls that fail with execute or
	// provider_unavailable after retries were exhausted. A nil deadLetters
	// (the zero value from New) disables dead-letter recording.
	deadLetters *storage.DB

	// Cost Tracker pricing, applied by recordCost: execution cost is
	// ExecutionMs times costPerExecutionMs; a natural-language call adds its
	// prompt/completion token counts times their own per-token rate. All
	// three default to zero (a CostRecord with cost_usd=0 is still written).
	costPerExecutionMs     float64
	costPerPromptToken     float64
	costPerCompletionToken float64
}

// New constructs a Pipeline with no per-agent call rate limit.
func New(reg *registry.Registry, perms *permissions.Store, connectors *connector.Factory, converter *nlsql.Converter, auditLogger audit.Logger, costTracker *cost.Tracker, logger *slog.Logger, acquireTimeout time.Duration) *Pipeline {
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}
	return &Pipeline{
		registry:       reg,
		permissions:    perms,
		connectors:     connectors,
		converter:      converter,
		audit:          auditLogger,
		cost:           costTracker,
		logger:         logger,
		acquireTimeout: acquireTimeout,
	}
}

// WithDeadLetters attaches the store dead-letter records are written to.
// Returns the receiver for chaining.
func (p *Pipeline) WithDeadLetters(db *storage.DB) *Pipeline {
	p.deadLetters = db
	return p
}

// WithAgentCallLimit attaches a per-agent call rate limit, checked once per
// Call immediately after authentication. Returns the receiver for chaining.
func (p *Pipeline) WithAgentCallLimit(limiter *ratelimit.Limiter, rule ratelimit.Rule) *Pipeline {
	p.callLimiter = limiter
	p.callLimiterRule = rule
	return p
}

// WithCostRates sets the per-unit pricing recordCost applies to every call
// that reaches stage 5. Returns the receiver for chaining.
func (p *Pipeline) WithCostRates(perExecutionMs, perPromptToken, perCompletionToken float64) *Pipeline {
	p.costPerExecutionMs = perExecutionMs
	p.costPerPromptToken = perPromptToken
	p.costPerCompletionToken = perCompletionToken
	return p
}

// Call runs one request through authenticate, intake/parse, permit,
// execute, audit, and cost in sequence, stopping at the first failing
// stage. Every outcome — including a denial or a parse failure — is
// audited before Call returns.
func (p *Pipeline) Call(ctx context.Context, req CallRequest) (model.QueryResult, error) {
	start := time.Now()

	cc, err := p.authenticate(ctx, req)
	if err != nil {
		return model.QueryResult{}, err
	}

	if err := p.checkCallLimit(ctx, cc); err != nil {
		p.appendAudit(ctx, cc, req, model.StatusDenied, nil, err)
		return model.QueryResult{}, err
	}

	if err := p.intakeAndParse(ctx, cc, &req); err != nil {
		p.appendAudit(ctx, cc, req, model.StatusError, nil, err)
		return model.QueryResult{}, err
	}

	if err := p.verifyTablesKnown(ctx, cc); err != nil {
		p.appendAudit(ctx, cc, req, model.StatusError, nil, err)
		return model.QueryResult{}, err
	}

	if err := p.permit(ctx, cc); err != nil {
		p.appendAudit(ctx, cc, req, model.StatusDenied, nil, err)
		return model.QueryResult{}, err
	}

	result, err := p.execute(ctx, cc, req)
	if err != nil {
		err = p.deadLetter(ctx, cc, req, err)
		p.appendAudit(ctx, cc, req, model.StatusError, nil, err)
		return model.QueryResult{}, err
	}
	result.ExecutionMs = time.Since(start).Milliseconds()
	result.RowCount = len(result.Rows)
	result.GeneratedSQL = cc.GeneratedSQL
	result.TablesTouched = cc.Inspection.Tables

	p.appendAudit(ctx, cc, req, model.StatusOK, &result, nil)
	p.recordCost(ctx, cc, req, result)

	return result, nil
}

// authenticate resolves req.APIKey to its owning agent and that agent's
// current database binding. A failed key never reaches the audit log with
// an agent_id attached, matching Registry.Authenticate's refusal to reveal
// which way a credential was invalid.
func (p *Pipeline) authenticate(ctx context.Context, req CallRequest) (*CallContext, error) {
	agent, err := p.registry.Authenticate(ctx, req.APIKey)
	if err != nil {
		if auditErr := p.audit.Append(ctx, model.AuditEvent{
			Timestamp:  time.Now().UTC(),
			ActionKind: model.ActionAuth,
			Status:     model.StatusDenied,
			Subject:    req.RequestID,
		}); auditErr != nil {
			p.logger.Error("pipeline: append auth-failure audit event", "request_id", req.RequestID, "error", auditErr)
		}
		return nil, errs.Wrap(errs.KindAuth, err, "authenticate call %s", req.RequestID).
			WithUserMessage("authentication failed").
			WithSuggestedFixes("check the API key is correct and has not been revoked", "issue a new API key for this agent")
	}

	binding, err := p.registry.Binding(ctx, agent.AgentID)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "resolve database binding for agent %s", agent.AgentID).
			WithUserMessage("no database is configured for this agent").
			WithSuggestedFixes("bind a database to this agent before calling it", "contact an admin to configure the binding")
	}

	return &CallContext{RequestID: req.RequestID, Agent: agent, Binding: binding}, nil
}

// checkCallLimit enforces the per-agent call rate limit, when one is
// configured. It is a no-op when WithAgentCallLimit was never called.
func (p *Pipeline) checkCallLimit(ctx context.Context, cc *CallContext) error {
	if p.callLimiter == nil {
		return nil
	}
	res := p.callLimiter.Allow(ctx, p.callLimiterRule, cc.Agent.AgentID)
	if res.Allowed {
		return nil
	}
	ge := errs.New(errs.KindRateLimited, "agent %s exceeded its call rate limit", cc.Agent.AgentID).
		WithUserMessage("too many calls, slow down and retry shortly").
		WithSuggestedFixes("retry after the window resets", "reduce this agent's call frequency")
	ge.RetryAfterMs = time.Until(res.ResetAt).Milliseconds()
	return ge
}

// intakeAndParse dispatches on req.Kind: a SQL call is inspected directly
// (sqlparser for a relational driver, InspectCollection for Mongo); a
// natural-language call is first converted by the NL->SQL Converter, which
// re-inspects whatever SQL comes back before returning it.
func (p *Pipeline) intakeAndParse(ctx context.Context, cc *CallContext, req *CallRequest) error {
	switch req.Kind {
	case model.CallSQL:
		if cc.Binding.DriverKind == model.DriverMongo {
			insp, err := sqlinspect.InspectCollection(req.SQLText, req.MongoWrite)
			if err != nil {
				return err
			}
			cc.Inspection = insp
			return nil
		}
		insp, err := sqlinspect.Inspect(req.SQLText, cc.Binding.DriverKind, cc.Binding.DefaultSchema)
		if err != nil {
			return err
		}
		cc.Inspection = insp
		return nil

	case model.CallNL:
		schema, err := p.agentSchema(ctx, cc)
		if err != nil {
			return err
		}
		result, err := p.converter.Convert(ctx, nlsql.Request{
			Text:          req.NLText,
			Schema:        schema,
			DriverKind:    cc.Binding.DriverKind,
			DefaultSchema: cc.Binding.DefaultSchema,
			AgentID:       cc.Agent.AgentID,
			ProviderID:    req.ProviderID,
		})
		if err != nil {
			return err
		}
		cc.Inspection = result.Inspection
		cc.GeneratedSQL = result.SQL
		cc.Usage = result.Usage
		req.SQLText = result.SQL
		return nil

	default:
		return errs.New(errs.KindParse, "unrecognized call kind %q", req.Kind).
			WithSuggestedFixes(fmt.Sprintf("use %q or %q as the call kind", model.CallSQL, model.CallNL))
	}
}

// agentSchema lists the binding's live resources and filters them down to
// the ones the agent holds at least read on, so the NL->SQL Converter's
// prompt (and any SQL it generates) never references a table the agent
// cannot query.
func (p *Pipeline) agentSchema(ctx context.Context, cc *CallContext) (model.SchemaSnapshot, error) {
	full, err := p.connectors.Resources(ctx, cc.Binding, p.acquireTimeout)
	if err != nil {
		return model.SchemaSnapshot{}, err
	}
	if model.RoleAtLeast(cc.Agent.Role, model.RoleAdmin) {
		return full, nil
	}

	checks := make([]permissions.ResourceCheck, len(full.Tables))
	for i, t := range full.Tables {
		checks[i] = permissions.ResourceCheck{ResourceID: t.ResourceID, Required: model.CapRead}
	}
	batch, err := p.permissions.CheckBatch(ctx, cc.Agent.AgentID, cc.Agent.Role, cc.Binding.DriverKind, checks)
	if err != nil {
		return model.SchemaSnapshot{}, errs.Wrap(errs.KindInternal, err, "resolve schema permissions").
			WithSuggestedFixes("retry the call", "contact an admin if the problem persists")
	}
	allowed := make(map[string]bool, len(batch.Allowed))
	for _, id := range batch.Allowed {
		allowed[id] = true
	}

	filtered := model.SchemaSnapshot{DriverKind: full.DriverKind}
	for _, t := range full.Tables {
		if allowed[t.ResourceID] {
			filtered.Tables = append(filtered.Tables, t)
		}
	}
	return filtered, nil
}

// permit checks every table the parsed call touches against the
// Permission Store in one round trip, denying the whole call if any one
// table is missing its required capability.
func (p *Pipeline) permit(ctx context.Context, cc *CallContext) error {
	checks := make([]permissions.ResourceCheck, len(cc.Inspection.Tables))
	for i, t := range cc.Inspection.Tables {
		checks[i] = permissions.ResourceCheck{ResourceID: t, Required: cc.Inspection.RequiredCapability}
	}

	batch, err := p.permissions.CheckBatch(ctx, cc.Agent.AgentID, cc.Agent.Role, cc.Binding.DriverKind, checks)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "check permissions").
			WithSuggestedFixes("retry the call", "contact an admin if the problem persists")
	}
	if len(batch.Denied) > 0 {
		return errs.New(errs.KindPermissionDenied, "agent %s lacks %s on %d resource(s)", cc.Agent.AgentID, cc.Inspection.RequiredCapability, len(batch.Denied)).
			WithUserMessage("not authorized to access one or more resources in this query").
			WithSuggestedFixes("request access to the denied resource(s)", "rewrite the query to use an alternate table you already have access to").
			WithDeniedResources(batch.Denied...)
	}
	return nil
}

// verifyTablesKnown checks every table the parsed call touches against the
// binding's live schema, failing schema_unknown when one is absent — a
// mistyped or no-longer-existing table, distinct from permission_denied's
// "this table exists but you may not touch it". The error carries
// name-similarity suggestions drawn from the binding's actual tables.
func (p *Pipeline) verifyTablesKnown(ctx context.Context, cc *CallContext) error {
	if len(cc.Inspection.Tables) == 0 {
		return nil
	}
	schema, err := p.connectors.Resources(ctx, cc.Binding, p.acquireTimeout)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(schema.Tables))
	names := make([]string, len(schema.Tables))
	for i, t := range schema.Tables {
		known[t.ResourceID] = true
		names[i] = t.ResourceID
	}

	var unknown []string
	for _, t := range cc.Inspection.Tables {
		if !known[t] {
			unknown = append(unknown, t)
		}
	}
	if len(unknown) == 0 {
		return nil
	}

	var suggestions []string
	for _, u := range unknown {
		for _, name := range closestNames(u, names, 3) {
			suggestions = append(suggestions, fmt.Sprintf("did you mean %q instead of %q?", name, u))
		}
	}
	if len(suggestions) == 0 {
		suggestions = []string{"check the table name against the agent's database binding"}
	}

	return errs.New(errs.KindSchemaUnknown, "table(s) %s not found in agent %s's binding", strings.Join(unknown, ", "), cc.Agent.AgentID).
		WithUserMessage("one or more referenced tables are not part of this agent's database binding").
		WithSuggestedFixes(suggestions...)
}

// closestNames returns up to max names from candidates ranked by ascending
// Levenshtein distance to target, excluding any whose distance exceeds
// len(target)/2+1 — a close typo surfaces, an unrelated name doesn't.
func closestNames(target string, candidates []string, max int) []string {
	type scored struct {
		name string
		dist int
	}
	threshold := len(target)/2 + 1
	var ranked []scored
	for _, c := range candidates {
		d := levenshtein(strings.ToLower(target), strings.ToLower(c))
		if d <= threshold {
			ranked = append(ranked, scored{name: c, dist: d})
		}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].dist < ranked[j].dist })
	if len(ranked) > max {
		ranked = ranked[:max]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.name
	}
	return out
}

// levenshtein computes the edit distance between a and b.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// execute acquires a pooled connection for the call's binding, runs the
// statement, and always returns the connection — healthy or not — before
// returning.
func (p *Pipeline) execute(ctx context.Context, cc *CallContext, req CallRequest) (model.QueryResult, error) {
	h, err := p.connectors.Acquire(ctx, cc.Binding, p.acquireTimeout)
	if err != nil {
		return model.QueryResult{}, err
	}

	qr, err := p.connectors.Execute(ctx, h, req.SQLText, req.Params, req.AsDict, req.Deadline)
	if err != nil {
		p.connectors.Release(h, false)
		return model.QueryResult{}, err
	}
	p.connectors.Release(h, true)

	return model.QueryResult{Rows: qr.Rows, Columns: qr.Columns}, nil
}

// deadLetter persists callErr as a dead letter when it is an execute or
// provider_unavailable failure and a dead-letter store is configured,
// attaching the resulting reference to the returned error. Any other
// error, or a failure to persist, passes through unchanged.
func (p *Pipeline) deadLetter(ctx context.Context, cc *CallContext, req CallRequest, callErr error) error {
	if p.deadLetters == nil {
		return callErr
	}
	ge, ok := errs.As(callErr)
	if !ok || (ge.Kind != errs.KindExecute && ge.Kind != errs.KindProviderUnavailable) {
		return callErr
	}
	id, err := p.deadLetters.InsertDeadLetter(ctx, storage.DeadLetter{
		RequestID: req.RequestID,
		AgentID:   cc.Agent.AgentID,
		ErrorKind: string(ge.Kind),
		Message:   ge.Error(),
		SQLText:   req.SQLText,
	})
	if err != nil {
		p.logger.Error("pipeline: insert dead letter", "request_id", req.RequestID, "error", err)
		return callErr
	}
	return ge.WithDeadLetterRef(id.String())
}

func (p *Pipeline) appendAudit(ctx context.Context, cc *CallContext, req CallRequest, status model.EventStatus, result *model.QueryResult, callErr error) {
	action := model.ActionSQLQuery
	if req.Kind == model.CallNL {
		action = model.ActionNLQuery
	}

	details := map[string]any{"tables_touched": cc.Inspection.Tables}
	if result != nil {
		details["row_count"] = result.RowCount
		details["execution_ms"] = result.ExecutionMs
	}
	if callErr != nil {
		if ge, ok := errs.As(callErr); ok {
			details["error_kind"] = string(ge.Kind)
			if len(ge.DeniedResources) > 0 {
				details["denied_resources"] = ge.DeniedResources
			}
		}
	}

	agentID := cc.Agent.AgentID
	event := model.AuditEvent{
		Timestamp:  time.Now().UTC(),
		AgentID:    &agentID,
		ActionKind: action,
		Status:     status,
		Subject:    req.RequestID,
		Details:    details,
	}
	if err := p.audit.Append(ctx, event); err != nil {
		p.logger.Error("pipeline: append audit event", "request_id", req.RequestID, "error", err)
	}
}

// recordCost always writes a CostRecord for a call that reached stage 5.
// Execution cost is derived from result.ExecutionMs; a CallNL additionally
// prices the prompt and completion tokens the NL->SQL Converter's provider
// call consumed. A call priced entirely at zero rates still produces a
// CostRecord with cost_usd=0, so aggregation never silently drops a call.
func (p *Pipeline) recordCost(ctx context.Context, cc *CallContext, req CallRequest, result model.QueryResult) {
	opKind := model.OperationExecute
	costUSD := float64(result.ExecutionMs) * p.costPerExecutionMs

	var providerID *string
	var promptTokens, completionTokens *int
	if req.Kind == model.CallNL {
		opKind = model.OperationGeneration
		providerID = &req.ProviderID
		costUSD += float64(cc.Usage.PromptTokens)*p.costPerPromptToken + float64(cc.Usage.CompletionTokens)*p.costPerCompletionToken
		if cc.Usage.PromptTokens > 0 || cc.Usage.CompletionTokens > 0 {
			promptTokens = &cc.Usage.PromptTokens
			completionTokens = &cc.Usage.CompletionTokens
		}
	}

	record := model.CostRecord{
		CallID:           uuid.New(),
		Timestamp:        time.Now().UTC(),
		AgentID:          cc.Agent.AgentID,
		ProviderID:       providerID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          costUSD,
		OperationKind:    opKind,
	}
	if err := p.cost.Record(ctx, record); err != nil {
		p.logger.Error("pipeline: record cost", "request_id", req.RequestID, "error", err)
	}
}
