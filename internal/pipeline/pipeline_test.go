package pipeline_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/quarrier/internal/aiprovider"
	"github.com/ashita-ai/quarrier/internal/audit"
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
	"github.com/ashita-ai/quarrier/internal/testutil"
	"github.com/ashita-ai/quarrier/internal/vault"
)

var testDB *storage.DB
var testVault *vault.Vault

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		panic(err)
	}
	testVault, err = vault.New(make([]byte, 32))
	if err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

const fixtureKind model.DriverKind = "plugin:pipeline-fixture"

// fixtureConn is a minimal in-memory Conn: Execute always returns one row,
// ListResources always reports a single "orders" table.
type fixtureConn struct{}

func (fixtureConn) Execute(ctx context.Context, sqlText string, params []any, asDict bool) (connector.QueryResult, error) {
	return connector.QueryResult{Columns: []string{"id"}, Rows: []map[string]any{{"id": 1}}}, nil
}

func (fixtureConn) Close(ctx context.Context) error { return nil }
func (fixtureConn) Ping(ctx context.Context) error  { return nil }

func (fixtureConn) ListResources(ctx context.Context, defaultSchema string) (model.SchemaSnapshot, error) {
	return model.SchemaSnapshot{
		DriverKind: fixtureKind,
		Tables: []model.SchemaTable{
			{ResourceID: defaultSchema + ".orders", Columns: []model.SchemaColumn{{Name: "id", Type: "int"}}},
			{ResourceID: defaultSchema + ".secret_ledger", Columns: []model.SchemaColumn{{Name: "id", Type: "int"}}},
		},
	}, nil
}

type fixtureDriver struct{}

func (fixtureDriver) Kind() model.DriverKind { return fixtureKind }
func (fixtureDriver) Connect(ctx context.Context, params string) (connector.Conn, error) {
	return fixtureConn{}, nil
}

func init() {
	connector.Register(fixtureDriver{})
}

// stubCompletionClient always returns a canned SQL payload referencing the
// orders table, so a natural-language call exercises the full NL->SQL path
// without reaching a real AI provider.
type stubCompletionClient struct{ sql string }

func (s stubCompletionClient) Complete(ctx context.Context, cfg model.AIProviderConfig, prompt string) (string, model.TokenUsage, error) {
	return `{"sql": "` + s.sql + `", "confidence": 0.9}`, model.TokenUsage{PromptTokens: 20, CompletionTokens: 8}, nil
}

type harness struct {
	pipeline    *pipeline.Pipeline
	registry    *registry.Registry
	permissions *permissions.Store
	connectors  *connector.Factory
	auditLog    *audit.MemoryLogger
}

func newHarness(t *testing.T, completionSQL string) *harness {
	t.Helper()
	logger := testutil.TestLogger()

	reg := registry.New(testDB, testVault, logger, nil)
	perms := permissions.New(testDB, 0, logger)
	t.Cleanup(perms.Close)

	factory := connector.New(testVault, logger, nil, 4, 0, time.Minute, time.Hour)
	t.Cleanup(func() { factory.Close(context.Background()) })

	providers := aiprovider.New(testDB, logger, false)
	converter := nlsql.New(providers, stubCompletionClient{sql: completionSQL}, logger)
	auditLog := audit.NewMemoryLogger()
	costTracker := cost.New(testDB, logger)

	p := pipeline.New(reg, perms, factory, converter, auditLog, costTracker, logger, 2*time.Second)
	return &harness{pipeline: p, registry: reg, permissions: perms, connectors: factory, auditLog: auditLog}
}

func registerAgent(t *testing.T, h *harness, agentID string, role model.AgentRole) string {
	t.Helper()
	binding := &model.DatabaseBinding{
		DriverKind:     fixtureKind,
		ConnectionName: "fixture",
		DefaultSchema:  "app",
		Endpoints:      []model.Endpoint{{Name: "primary", ParamsEncrypted: []byte("fixture-dsn")}},
	}
	_, rawKey, err := h.registry.Register(context.Background(), agentID, "Test Agent", "analytics", role, nil, binding, "tester", string(model.RoleAdmin))
	require.NoError(t, err)
	return rawKey
}

func TestCallSQLHappyPath(t *testing.T) {
	h := newHarness(t, "")
	rawKey := registerAgent(t, h, "pipeline-agent-1", model.RoleAgent)

	_, err := h.permissions.Set(context.Background(), "pipeline-agent-1", fixtureKind, "app.orders", model.ResourceTable, []model.Capability{model.CapRead}, "tester", string(model.RoleAdmin))
	require.NoError(t, err)

	result, err := h.pipeline.Call(context.Background(), pipeline.CallRequest{
		RequestID: "req-1",
		APIKey:    rawKey,
		Kind:      model.CallSQL,
		SQLText:   "SELECT * FROM orders",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowCount)
	assert.Equal(t, []string{"app.orders"}, result.TablesTouched)

	events, err := h.auditLog.ByAgent(context.Background(), "pipeline-agent-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusOK, events[0].Status)
	assert.Equal(t, model.ActionSQLQuery, events[0].ActionKind)
}

func TestCallSQLDeniedWithoutPermission(t *testing.T) {
	h := newHarness(t, "")
	rawKey := registerAgent(t, h, "pipeline-agent-2", model.RoleAgent)

	_, err := h.pipeline.Call(context.Background(), pipeline.CallRequest{
		RequestID: "req-2",
		APIKey:    rawKey,
		Kind:      model.CallSQL,
		SQLText:   "SELECT * FROM orders",
	})
	require.Error(t, err)

	events, err := h.auditLog.ByAgent(context.Background(), "pipeline-agent-2", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusDenied, events[0].Status)
}

func TestCallAuthFailureRecordsNoAgentID(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.pipeline.Call(context.Background(), pipeline.CallRequest{
		RequestID: "req-3",
		APIKey:    "not-a-real-key",
		Kind:      model.CallSQL,
		SQLText:   "SELECT 1",
	})
	require.Error(t, err)

	events, err := h.auditLog.ByActionKind(context.Background(), model.ActionAuth, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].AgentID)
}

func TestCallNLConvertsAndFiltersSchemaByPermission(t *testing.T) {
	h := newHarness(t, "SELECT * FROM app.orders")
	rawKey := registerAgent(t, h, "pipeline-agent-3", model.RoleAgent)

	_, err := h.permissions.Set(context.Background(), "pipeline-agent-3", fixtureKind, "app.orders", model.ResourceTable, []model.Capability{model.CapRead}, "tester", string(model.RoleAdmin))
	require.NoError(t, err)

	_, err = aiprovider.New(testDB, testutil.TestLogger(), false).RegisterProvider(context.Background(), model.AIProviderConfig{
		ProviderID: "fixture-provider", Kind: model.ProviderLocal, Model: "fixture",
	}, "tester", string(model.RoleAdmin))
	require.NoError(t, err)

	result, err := h.pipeline.Call(context.Background(), pipeline.CallRequest{
		RequestID:  "req-4",
		APIKey:     rawKey,
		Kind:       model.CallNL,
		NLText:     "show me the orders",
		ProviderID: "fixture-provider",
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM app.orders", result.GeneratedSQL)
}

func TestCallWithAgentCallLimitInNoopModeStillSucceeds(t *testing.T) {
	h := newHarness(t, "")
	rawKey := registerAgent(t, h, "pipeline-agent-5", model.RoleAgent)
	_, err := h.permissions.Set(context.Background(), "pipeline-agent-5", fixtureKind, "app.orders", model.ResourceTable, []model.Capability{model.CapRead}, "tester", string(model.RoleAdmin))
	require.NoError(t, err)

	// A nil *redis.Client puts the Limiter in noop mode: every call is
	// allowed. This exercises the wiring without requiring a live Redis.
	limiter := ratelimit.New(nil, testutil.TestLogger(), false)
	h.pipeline.WithAgentCallLimit(limiter, ratelimit.Rule{Prefix: "pipeline-call", Limit: 100, Window: time.Minute})

	_, err = h.pipeline.Call(context.Background(), pipeline.CallRequest{
		RequestID: "req-6",
		APIKey:    rawKey,
		Kind:      model.CallSQL,
		SQLText:   "SELECT * FROM orders",
	})
	require.NoError(t, err)
}

func TestCallSQLFailsSchemaUnknownForTableOutsideBinding(t *testing.T) {
	h := newHarness(t, "")
	rawKey := registerAgent(t, h, "pipeline-agent-6", model.RoleAgent)
	_, err := h.permissions.Set(context.Background(), "pipeline-agent-6", fixtureKind, "app.orderz", model.ResourceTable, []model.Capability{model.CapRead}, "tester", string(model.RoleAdmin))
	require.NoError(t, err)

	_, err = h.pipeline.Call(context.Background(), pipeline.CallRequest{
		RequestID: "req-7",
		APIKey:    rawKey,
		Kind:      model.CallSQL,
		SQLText:   "SELECT * FROM orderz",
	})
	require.Error(t, err)
	ge, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindSchemaUnknown, ge.Kind)
	assert.NotEmpty(t, ge.SuggestedFixes)
}

func TestCallAlwaysRecordsCost(t *testing.T) {
	h := newHarness(t, "")
	h.pipeline.WithCostRates(0.01, 0.000003, 0.000015)
	rawKey := registerAgent(t, h, "pipeline-agent-4", model.RoleAgent)
	_, err := h.permissions.Set(context.Background(), "pipeline-agent-4", fixtureKind, "app.orders", model.ResourceTable, []model.Capability{model.CapRead}, "tester", string(model.RoleAdmin))
	require.NoError(t, err)

	_, err = h.pipeline.Call(context.Background(), pipeline.CallRequest{
		RequestID: "req-5",
		APIKey:    rawKey,
		Kind:      model.CallSQL,
		SQLText:   "SELECT * FROM orders",
	})
	require.NoError(t, err)

	agg, err := cost.New(testDB, testutil.TestLogger()).Aggregate(context.Background(), "pipeline-agent-4", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, ok := agg.ByOperation[model.OperationExecute]
	assert.True(t, ok)
}
