package connector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/quarrier/internal/errs"
	"github.com/ashita-ai/quarrier/internal/model"
	"github.com/ashita-ai/quarrier/internal/vault"
)

// FailoverFunc is called whenever the factory advances a binding's active
// endpoint, so the caller can record the db_failover audit event
// without this package depending on the audit logger directly.
type FailoverFunc func(agentID, fromEndpoint, toEndpoint string)

// pooledConn is one live connection held by an agentPool.
type pooledConn struct {
	conn       Conn
	createdAt  time.Time
	lastUsedAt time.Time
	inUse      bool
	discarded  bool
}

// Handle is an acquired connection, returned to the pipeline by Acquire and
// given back via Release.
type Handle struct {
	agentID string
	pc      *pooledConn
}

// agentPool holds the live connections for a single agent's DatabaseBinding.
type agentPool struct {
	mu                  sync.Mutex
	agentID             string
	binding             model.DatabaseBinding
	conns               []*pooledConn
	activeEndpointIndex int
	consecutiveFailures int
}

// Factory is the Connector Factory + Pool.
type Factory struct {
	mu            sync.Mutex
	pools         map[string]*agentPool
	vault         *vault.Vault
	logger        *slog.Logger
	onFailover    FailoverFunc
	maxOpen       int
	minIdle       int
	maxIdleAge    time.Duration
	sweepInterval time.Duration
	done          chan struct{}
}

// New constructs a Factory. maxOpen/minIdle/maxIdleAge bound every agent's
// pool identically; sweepInterval controls how often the background
// idle-connection sweeper runs.
func New(v *vault.Vault, logger *slog.Logger, onFailover FailoverFunc, maxOpen, minIdle int, maxIdleAge, sweepInterval time.Duration) *Factory {
	if onFailover == nil {
		onFailover = func(string, string, string) {}
	}
	f := &Factory{
		pools:         make(map[string]*agentPool),
		vault:         v,
		logger:        logger,
		onFailover:    onFailover,
		maxOpen:       maxOpen,
		minIdle:       minIdle,
		maxIdleAge:    maxIdleAge,
		sweepInterval: sweepInterval,
		done:          make(chan struct{}),
	}
	go f.sweepLoop()
	return f
}

// Close stops the idle sweeper and closes every pooled connection.
func (f *Factory) Close(ctx context.Context) {
	close(f.done)
	f.mu.Lock()
	pools := f.pools
	f.pools = make(map[string]*agentPool)
	f.mu.Unlock()

	for _, p := range pools {
		p.mu.Lock()
		for _, pc := range p.conns {
			_ = pc.conn.Close(ctx)
		}
		p.mu.Unlock()
	}
}

// Invalidate drops every pooled connection for an agent, forcing the next
// Acquire to dial fresh. Call this after a binding update or agent
// revocation.
func (f *Factory) Invalidate(agentID string) {
	f.mu.Lock()
	p, ok := f.pools[agentID]
	delete(f.pools, agentID)
	f.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.conns {
		_ = pc.conn.Close(context.Background())
	}
}

func (f *Factory) getOrCreatePool(binding model.DatabaseBinding) *agentPool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pools[binding.AgentID]
	if !ok {
		p = &agentPool{agentID: binding.AgentID, binding: binding, activeEndpointIndex: binding.ActiveEndpointIndex}
		f.pools[binding.AgentID] = p
	} else {
		p.mu.Lock()
		p.binding = binding
		p.mu.Unlock()
	}
	return p
}

// Acquire returns a live connection for binding.AgentID, dialing a fresh
// one (with endpoint failover) if the pool is below max_open, or waiting up
// to timeout for one to free up. Exceeding timeout yields a KindPoolTimeout
// GatewayError.
func (f *Factory) Acquire(ctx context.Context, binding model.DatabaseBinding, timeout time.Duration) (*Handle, error) {
	p := f.getOrCreatePool(binding)

	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	for {
		for _, pc := range p.conns {
			if !pc.inUse && !pc.discarded {
				pc.inUse = true
				pc.lastUsedAt = time.Now().UTC()
				p.mu.Unlock()
				return &Handle{agentID: binding.AgentID, pc: pc}, nil
			}
		}
		if len(p.conns) < f.maxOpen {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Unlock()
			return nil, errs.New(errs.KindPoolTimeout, "pool saturated for agent %s", binding.AgentID).
				WithUserMessage("the connection pool is at capacity, try again shortly").
				WithSuggestedFixes("retry after a short backoff", "raise the pool's max_open_connections")
		}
		waited := make(chan struct{})
		go func() {
			time.Sleep(minDuration(remaining, 25*time.Millisecond))
			close(waited)
		}()
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindCancelled, ctx.Err(), "acquire cancelled").
				WithSuggestedFixes("retry the call with a longer deadline")
		case <-waited:
		}
		p.mu.Lock()
	}
	p.mu.Unlock()

	conn, err := f.dialWithFailover(ctx, p)
	if err != nil {
		return nil, err
	}
	pc := &pooledConn{conn: conn, createdAt: time.Now().UTC(), lastUsedAt: time.Now().UTC(), inUse: true}
	p.mu.Lock()
	p.conns = append(p.conns, pc)
	p.mu.Unlock()
	return &Handle{agentID: binding.AgentID, pc: pc}, nil
}

// dialWithFailover dials the pool's currently active endpoint, advancing to
// the next endpoint in the binding (and recording a db_failover audit
// event) each time the active endpoint accumulates
// consecutive_failure_threshold consecutive ConnectErrors.
func (f *Factory) dialWithFailover(ctx context.Context, p *agentPool) (Conn, error) {
	p.mu.Lock()
	binding := p.binding
	p.mu.Unlock()

	if len(binding.Endpoints) == 0 {
		return nil, errs.New(errs.KindConnect, "agent %s has no database endpoints configured", binding.AgentID).
			WithSuggestedFixes("add at least one endpoint to this agent's database binding")
	}

	driver, err := lookup(binding.DriverKind)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "resolve driver for agent %s", binding.AgentID).
			WithSuggestedFixes("register a driver for this binding's driver_kind", "correct the binding's driver_kind")
	}

	threshold := binding.ConsecutiveFailureThreshold
	if threshold <= 0 {
		threshold = 1
	}

	var lastErr error
	for attempt := 0; attempt < len(binding.Endpoints); attempt++ {
		p.mu.Lock()
		idx := p.activeEndpointIndex % len(binding.Endpoints)
		ep := binding.Endpoints[idx]
		p.mu.Unlock()

		params, err := f.vault.DecryptString(ep.ParamsEncrypted)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "decrypt endpoint %q params", ep.Name).
				WithSuggestedFixes("re-register the endpoint's connection params", "contact an admin if the problem persists")
		}

		conn, err := driver.Connect(ctx, params)
		if err == nil {
			p.mu.Lock()
			p.consecutiveFailures = 0
			p.mu.Unlock()
			return conn, nil
		}

		lastErr = err
		p.mu.Lock()
		p.consecutiveFailures++
		failed := p.consecutiveFailures >= threshold
		if failed && len(binding.Endpoints) > 1 {
			fromName := ep.Name
			nextIdx := (idx + 1) % len(binding.Endpoints)
			p.activeEndpointIndex = nextIdx
			p.consecutiveFailures = 0
			toName := binding.Endpoints[nextIdx].Name
			p.mu.Unlock()
			f.logger.Warn("connector: endpoint failover", "agent_id", binding.AgentID, "from", fromName, "to", toName, "error", err)
			f.onFailover(binding.AgentID, fromName, toName)
			continue
		}
		p.mu.Unlock()
		break
	}

	return nil, errs.Wrap(errs.KindConnect, lastErr, "connect to agent %s database", binding.AgentID).
		WithSuggestedFixes("verify the database endpoint is reachable", "check the binding's connection parameters")
}

// Release returns a handle to its pool. healthy=false discards the
// connection instead of pooling it, per the driver-reported-fatal-error
// contract.
func (f *Factory) Release(h *Handle, healthy bool) {
	f.mu.Lock()
	p, ok := f.pools[h.agentID]
	f.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	h.pc.inUse = false
	if !healthy {
		h.pc.discarded = true
		_ = h.pc.conn.Close(context.Background())
		p.conns = removeConn(p.conns, h.pc)
	}
	p.mu.Unlock()
}

// Execute runs a statement over an acquired handle, cancelling at the
// driver level if deadline elapses and the driver supports it; a driver
// whose context ends up exceeding the deadline without honoring
// cancellation leaves its connection to be discarded by the caller via
// Release(h, false).
func (f *Factory) Execute(ctx context.Context, h *Handle, sqlText string, params []any, asDict bool, deadline time.Time) (QueryResult, error) {
	execCtx := ctx
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		execCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	result, err := h.pc.conn.Execute(execCtx, sqlText, params, asDict)
	if err != nil {
		switch {
		case execCtx.Err() == context.DeadlineExceeded:
			return QueryResult{}, errs.Wrap(errs.KindTimeout, err, "query exceeded deadline").
				WithSuggestedFixes("raise the call's deadline", "simplify the query to run faster")
		case execCtx.Err() == context.Canceled:
			return QueryResult{}, errs.Wrap(errs.KindCancelled, err, "query cancelled").
				WithSuggestedFixes("retry the call")
		default:
			return QueryResult{}, errs.Wrap(errs.KindExecute, err, "execute query").
				WithSuggestedFixes("check the statement is valid for this database", "retry shortly in case the database is temporarily unavailable")
		}
	}
	return result, nil
}

// Resources acquires a connection for binding, lists its visible schema,
// and releases the connection, for callers (the NL->SQL Converter's schema
// refresh path) that need a snapshot rather than a query result.
func (f *Factory) Resources(ctx context.Context, binding model.DatabaseBinding, timeout time.Duration) (model.SchemaSnapshot, error) {
	h, err := f.Acquire(ctx, binding, timeout)
	if err != nil {
		return model.SchemaSnapshot{}, err
	}
	snapshot, err := h.pc.conn.ListResources(ctx, binding.DefaultSchema)
	if err != nil {
		f.Release(h, false)
		return model.SchemaSnapshot{}, errs.Wrap(errs.KindExecute, err, "list resources for agent %s", binding.AgentID).
			WithSuggestedFixes("retry shortly in case the database is temporarily unavailable")
	}
	f.Release(h, true)
	return snapshot, nil
}

func (f *Factory) sweepLoop() {
	ticker := time.NewTicker(f.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.sweepIdle()
		}
	}
}

func (f *Factory) sweepIdle() {
	f.mu.Lock()
	pools := make([]*agentPool, 0, len(f.pools))
	for _, p := range f.pools {
		pools = append(pools, p)
	}
	f.mu.Unlock()

	now := time.Now().UTC()
	for _, p := range pools {
		p.mu.Lock()
		kept := p.conns[:0]
		for _, pc := range p.conns {
			if !pc.inUse && now.Sub(pc.lastUsedAt) > f.maxIdleAge && len(kept) >= f.minIdle {
				_ = pc.conn.Close(context.Background())
				continue
			}
			kept = append(kept, pc)
		}
		p.conns = kept
		p.mu.Unlock()
	}
}

func removeConn(conns []*pooledConn, target *pooledConn) []*pooledConn {
	out := conns[:0]
	for _, pc := range conns {
		if pc != target {
			out = append(out, pc)
		}
	}
	return out
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
