package permissions_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/quarrier/internal/model"
	"github.com/ashita-ai/quarrier/internal/permissions"
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

func seedAgent(t *testing.T, agentID string) {
	t.Helper()
	agent := model.Agent{AgentID: agentID, DisplayName: agentID, Role: model.RoleAgent}
	key := model.ApiKey{AgentID: agentID, Prefix: agentID, KeyHash: "h"}
	_, _, err := testDB.CreateAgentWithKey(context.Background(), agent, key, storage.MutationAuditEntry{
		ActorAgentID: "tester", ActorRole: string(model.RoleAdmin), Operation: "create_agent",
	})
	require.NoError(t, err)
}

func TestStoreSetAndCheck(t *testing.T) {
	ctx := context.Background()
	seedAgent(t, "perm-store-1")
	store := permissions.New(testDB, time.Second, testutil.TestLogger())
	defer store.Close()

	_, err := store.Set(ctx, "perm-store-1", model.DriverPostgres, "Public.Orders", model.ResourceTable, []model.Capability{model.CapRead}, "tester", string(model.RoleAdmin))
	require.NoError(t, err)

	allowed, err := store.Check(ctx, "perm-store-1", model.RoleAgent, model.DriverPostgres, "public.orders", model.CapRead)
	require.NoError(t, err)
	assert.True(t, allowed, "normalized lowercase lookup must match the normalized stored resource_id")

	denied, err := store.Check(ctx, "perm-store-1", model.RoleAgent, model.DriverPostgres, "public.orders", model.CapWrite)
	require.NoError(t, err)
	assert.False(t, denied)
}

func TestStoreCheckBatch(t *testing.T) {
	ctx := context.Background()
	seedAgent(t, "perm-store-2")
	store := permissions.New(testDB, time.Second, testutil.TestLogger())
	defer store.Close()

	_, err := store.Set(ctx, "perm-store-2", model.DriverPostgres, "public.customers", model.ResourceTable, []model.Capability{model.CapRead, model.CapWrite}, "tester", string(model.RoleAdmin))
	require.NoError(t, err)

	result, err := store.CheckBatch(ctx, "perm-store-2", model.RoleAgent, model.DriverPostgres, []permissions.ResourceCheck{
		{ResourceID: "public.customers", Required: model.CapRead},
		{ResourceID: "public.invoices", Required: model.CapRead},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"public.customers"}, result.Allowed)
	assert.Equal(t, []string{"public.invoices"}, result.Denied)
}

func TestStoreAdminBypassesChecks(t *testing.T) {
	ctx := context.Background()
	seedAgent(t, "perm-store-3")
	store := permissions.New(testDB, time.Second, testutil.TestLogger())
	defer store.Close()

	allowed, err := store.Check(ctx, "perm-store-3", model.RoleAdmin, model.DriverPostgres, "public.anything", model.CapWrite)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestStoreRevokeInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	seedAgent(t, "perm-store-4")
	store := permissions.New(testDB, time.Minute, testutil.TestLogger())
	defer store.Close()

	_, err := store.Set(ctx, "perm-store-4", model.DriverPostgres, "public.t1", model.ResourceTable, []model.Capability{model.CapRead}, "tester", string(model.RoleAdmin))
	require.NoError(t, err)

	allowed, err := store.Check(ctx, "perm-store-4", model.RoleAgent, model.DriverPostgres, "public.t1", model.CapRead)
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, store.Revoke(ctx, "perm-store-4", model.DriverPostgres, "public.t1", "tester", string(model.RoleAdmin)))

	allowed, err = store.Check(ctx, "perm-store-4", model.RoleAgent, model.DriverPostgres, "public.t1", model.CapRead)
	require.NoError(t, err)
	assert.False(t, allowed, "revoke must bust the cached granted set, not wait out the long TTL")
}
