package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/quarrier/internal/model"
	"github.com/ashita-ai/quarrier/internal/storage"
	"github.com/ashita-ai/quarrier/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func testAudit(op string) storage.MutationAuditEntry {
	return storage.MutationAuditEntry{
		ActorAgentID: "tester",
		ActorRole:    string(model.RoleAdmin),
		Operation:    op,
	}
}

func TestCreateAgentWithKey(t *testing.T) {
	ctx := context.Background()
	agent := model.Agent{
		AgentID:     "agent-create-1",
		DisplayName: "Create Test",
		AgentType:   "worker",
		Role:        model.RoleAgent,
		Tags:        []string{"team-a"},
	}
	key := model.ApiKey{AgentID: agent.AgentID, Prefix: "abc123", KeyHash: "hashed"}

	saved, savedKey, err := testDB.CreateAgentWithKey(ctx, agent, key, testAudit("create_agent"))
	require.NoError(t, err)
	assert.Equal(t, agent.AgentID, saved.AgentID)
	assert.Equal(t, "abc123", savedKey.Prefix)

	fetched, err := testDB.GetAgentByAgentID(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, agent.DisplayName, fetched.DisplayName)
	assert.ElementsMatch(t, agent.Tags, fetched.Tags)
}

func TestGetAgentByAgentID_NotFound(t *testing.T) {
	_, err := testDB.GetAgentByAgentID(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateAgentTags(t *testing.T) {
	ctx := context.Background()
	agent := model.Agent{AgentID: "agent-tags-1", DisplayName: "Tags", Role: model.RoleAgent}
	key := model.ApiKey{AgentID: agent.AgentID, Prefix: "tagpfx", KeyHash: "h"}
	_, _, err := testDB.CreateAgentWithKey(ctx, agent, key, testAudit("create_agent"))
	require.NoError(t, err)

	updated, err := testDB.UpdateAgentTags(ctx, agent.AgentID, []string{"x", "y"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, updated.Tags)
}

func TestListAgentIDsBySharedTags(t *testing.T) {
	ctx := context.Background()
	a1 := model.Agent{AgentID: "agent-shared-1", DisplayName: "A1", Role: model.RoleAgent, Tags: []string{"shared-tag"}}
	a2 := model.Agent{AgentID: "agent-shared-2", DisplayName: "A2", Role: model.RoleAgent, Tags: []string{"other-tag"}}
	for _, a := range []model.Agent{a1, a2} {
		key := model.ApiKey{AgentID: a.AgentID, Prefix: a.AgentID[:6], KeyHash: "h"}
		_, _, err := testDB.CreateAgentWithKey(ctx, a, key, testAudit("create_agent"))
		require.NoError(t, err)
	}

	ids, err := testDB.ListAgentIDsBySharedTags(ctx, []string{"shared-tag"})
	require.NoError(t, err)
	assert.Contains(t, ids, a1.AgentID)
	assert.NotContains(t, ids, a2.AgentID)
}

func TestRevokeAgentWithCascade(t *testing.T) {
	ctx := context.Background()
	agent := model.Agent{AgentID: "agent-revoke-1", DisplayName: "Revoke", Role: model.RoleAgent}
	key := model.ApiKey{AgentID: agent.AgentID, Prefix: "revkey", KeyHash: "h"}
	_, _, err := testDB.CreateAgentWithKey(ctx, agent, key, testAudit("create_agent"))
	require.NoError(t, err)

	perm := model.Permission{AgentID: agent.AgentID, ResourceID: "public.orders", ResourceKind: model.ResourceTable, Caps: []model.Capability{model.CapRead}}
	_, err = testDB.SetPermission(ctx, perm, testAudit("set_permission"))
	require.NoError(t, err)

	err = testDB.RevokeAgentWithCascade(ctx, agent.AgentID, testAudit("revoke_agent"))
	require.NoError(t, err)

	fetched, err := testDB.GetAgentByAgentID(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.True(t, fetched.Revoked())

	_, err = testDB.GetPermission(ctx, agent.AgentID, "public.orders")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	keys, err := testDB.GetActiveAPIKeysByAgentID(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAPIKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	agent := model.Agent{AgentID: "agent-key-1", DisplayName: "Key", Role: model.RoleAgent}
	key := model.ApiKey{AgentID: agent.AgentID, Prefix: "keypfx", KeyHash: "h1"}
	_, savedKey, err := testDB.CreateAgentWithKey(ctx, agent, key, testAudit("create_agent"))
	require.NoError(t, err)

	fetched, err := testDB.GetAPIKeyByPrefixAndAgent(ctx, agent.AgentID, "keypfx")
	require.NoError(t, err)
	assert.Equal(t, savedKey.ID, fetched.ID)

	require.NoError(t, testDB.TouchAPIKeyLastUsed(ctx, fetched.ID))

	active, err := testDB.GetActiveAPIKeysByAgentID(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, testDB.RevokeAPIKeyWithAudit(ctx, fetched.ID, testAudit("revoke_key")))

	active, err = testDB.GetActiveAPIKeysByAgentID(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPermissionSetAndRevoke(t *testing.T) {
	ctx := context.Background()
	agent := model.Agent{AgentID: "agent-perm-1", DisplayName: "Perm", Role: model.RoleAgent}
	key := model.ApiKey{AgentID: agent.AgentID, Prefix: "permpfx", KeyHash: "h"}
	_, _, err := testDB.CreateAgentWithKey(ctx, agent, key, testAudit("create_agent"))
	require.NoError(t, err)

	p := model.Permission{AgentID: agent.AgentID, ResourceID: "analytics.events", ResourceKind: model.ResourceTable, Caps: []model.Capability{model.CapRead, model.CapWrite}}
	saved, err := testDB.SetPermission(ctx, p, testAudit("set_permission"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Capability{model.CapRead, model.CapWrite}, saved.Caps)

	fetched, err := testDB.GetPermission(ctx, agent.AgentID, "analytics.events")
	require.NoError(t, err)
	assert.True(t, fetched.HasCap(model.CapWrite))

	list, err := testDB.ListPermissionsByAgent(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, testDB.RevokePermission(ctx, agent.AgentID, "analytics.events", testAudit("revoke_permission")))
	_, err = testDB.GetPermission(ctx, agent.AgentID, "analytics.events")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBindingUpsertAndDelete(t *testing.T) {
	ctx := context.Background()
	agent := model.Agent{AgentID: "agent-bind-1", DisplayName: "Bind", Role: model.RoleAgent}
	key := model.ApiKey{AgentID: agent.AgentID, Prefix: "bindpfx", KeyHash: "h"}
	_, _, err := testDB.CreateAgentWithKey(ctx, agent, key, testAudit("create_agent"))
	require.NoError(t, err)

	b := model.DatabaseBinding{
		AgentID:        agent.AgentID,
		DriverKind:     model.DriverPostgres,
		ConnectionName: "primary",
		DefaultSchema:  "public",
		Endpoints:      []model.Endpoint{{Name: "primary", ParamsEncrypted: []byte("sealed-dsn")}},
	}
	saved, err := testDB.UpsertBindingWithAudit(ctx, b, testAudit("upsert_binding"))
	require.NoError(t, err)
	assert.Equal(t, "primary", saved.ConnectionName)

	fetched, err := testDB.GetBindingByAgent(ctx, agent.AgentID)
	require.NoError(t, err)
	require.Len(t, fetched.Endpoints, 1)
	assert.Equal(t, "primary", fetched.Endpoints[0].Name)

	require.NoError(t, testDB.DeleteBindingWithAudit(ctx, agent.AgentID, testAudit("delete_binding")))
	_, err = testDB.GetBindingByAgent(ctx, agent.AgentID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCostRecordAndAggregate(t *testing.T) {
	ctx := context.Background()
	agentID := "agent-cost-1"
	now := time.Now().UTC()
	openai, anthropic := "openai", "anthropic"
	gpt4, claude := "gpt-4", "claude"

	for _, r := range []model.CostRecord{
		{AgentID: agentID, ProviderID: &openai, Model: &gpt4, CostUSD: 1.5, OperationKind: model.OperationGeneration, Timestamp: now},
		{AgentID: agentID, ProviderID: &anthropic, Model: &claude, CostUSD: 2.5, OperationKind: model.OperationExecute, Timestamp: now},
	} {
		require.NoError(t, testDB.InsertCostRecord(ctx, r))
	}

	agg, err := testDB.AggregateCost(ctx, agentID, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 4.0, agg.TotalCost, 0.001)
	assert.InDelta(t, 1.5, agg.ByProvider["openai"], 0.001)
}

func TestBudgetAlertUpsertAndList(t *testing.T) {
	ctx := context.Background()
	alert := model.BudgetAlert{
		Name:         "daily-cap",
		ThresholdUSD: 100,
		Period:       model.PeriodDaily,
		Scope:        model.ScopeGlobal,
	}
	require.NoError(t, testDB.UpsertBudgetAlertWithAudit(ctx, alert, testAudit("upsert_budget_alert")))

	alerts, err := testDB.ListBudgetAlerts(ctx)
	require.NoError(t, err)
	var found bool
	for _, a := range alerts {
		if a.Name == "daily-cap" {
			found = true
			assert.Equal(t, 100.0, a.ThresholdUSD)
		}
	}
	assert.True(t, found)
}

func TestProviderVersioningAndRollback(t *testing.T) {
	ctx := context.Background()
	providerID := "provider-versioned-1"

	v1, err := testDB.CreateProviderVersionWithAudit(ctx, model.AIProviderConfig{
		ProviderID: providerID, Kind: model.ProviderOpenAI, Endpoint: "https://api.openai.com", Model: "gpt-4",
	}, testAudit("create_provider_version"))
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := testDB.CreateProviderVersionWithAudit(ctx, model.AIProviderConfig{
		ProviderID: providerID, Kind: model.ProviderOpenAI, Endpoint: "https://api.openai.com", Model: "gpt-4-turbo",
	}, testAudit("create_provider_version"))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	current, err := testDB.GetCurrentProviderConfig(ctx, providerID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4-turbo", current.Model)

	require.NoError(t, testDB.RollbackProviderToVersion(ctx, providerID, 1, testAudit("rollback_provider")))
	current, err = testDB.GetCurrentProviderConfig(ctx, providerID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", current.Model)
	assert.Equal(t, 1, current.Version)
}

func TestFailoverGroupSwitchHistoryAppendOnly(t *testing.T) {
	ctx := context.Background()
	agentID := "agent-failover-1"

	g := model.FailoverGroup{
		AgentID:             agentID,
		PrimaryProviderID:   "openai",
		OrderedBackups:      []string{"anthropic"},
		AutoFailoverEnabled: true,
	}
	require.NoError(t, testDB.UpsertFailoverGroupWithAudit(ctx, g, testAudit("upsert_failover_group")))

	require.NoError(t, testDB.AppendSwitchHistory(ctx, agentID, model.SwitchEvent{
		FromProviderID: "openai", ToProviderID: "anthropic", Reason: "consecutive_failures", At: time.Now().UTC(),
	}))

	fetched, err := testDB.GetFailoverGroupByAgent(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, fetched.SwitchHistory, 1)
	assert.Equal(t, "anthropic", fetched.CurrentActiveProviderID)

	require.NoError(t, testDB.AppendSwitchHistory(ctx, agentID, model.SwitchEvent{
		FromProviderID: "anthropic", ToProviderID: "openai", Reason: "primary_recovered", At: time.Now().UTC(),
	}))
	fetched, err = testDB.GetFailoverGroupByAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Len(t, fetched.SwitchHistory, 2, "switch history accumulates, never overwrites")
}

func TestAuditEventInsertAndList(t *testing.T) {
	ctx := context.Background()
	agentID := "agent-audit-1"

	n, err := testDB.InsertAuditEvents(ctx, []model.AuditEvent{
		{AgentID: &agentID, ActionKind: model.ActionSQLQuery, Status: model.StatusOK, Subject: "call-1", Timestamp: time.Now().UTC()},
		{AgentID: &agentID, ActionKind: model.ActionNLQuery, Status: model.StatusDenied, Subject: "call-2", Timestamp: time.Now().UTC()},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	events, err := testDB.ListAuditEventsByAgent(ctx, agentID, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestMutationAuditRecordedOnSetPermission(t *testing.T) {
	ctx := context.Background()
	agent := model.Agent{AgentID: "agent-mutaudit-1", DisplayName: "MutAudit", Role: model.RoleAgent}
	key := model.ApiKey{AgentID: agent.AgentID, Prefix: "mutpfx", KeyHash: "h"}
	_, _, err := testDB.CreateAgentWithKey(ctx, agent, key, testAudit("create_agent"))
	require.NoError(t, err)

	_, err = testDB.SetPermission(ctx, model.Permission{
		AgentID: agent.AgentID, ResourceID: "public.t1", ResourceKind: model.ResourceTable, Caps: []model.Capability{model.CapRead},
	}, testAudit("set_permission"))
	require.NoError(t, err)
}
