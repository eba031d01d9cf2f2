package aiprovider_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/quarrier/internal/aiprovider"
	"github.com/ashita-ai/quarrier/internal/errs"
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

func newManager(airGapped bool) *aiprovider.Manager {
	return aiprovider.New(testDB, testutil.TestLogger(), airGapped)
}

func fixedRetryCfg(providerID string, maxAttempts int) model.AIProviderConfig {
	return model.AIProviderConfig{
		ProviderID: providerID,
		Kind:       model.ProviderLocal,
		Model:      "fixture-model",
		RateLimits: model.RateLimits{PerMinute: 1000, PerHour: 100000},
		RetryPolicy: model.RetryPolicy{
			Strategy:    model.RetryFixed,
			MaxAttempts: maxAttempts,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
		},
	}
}

func TestRegisterProviderRejectsInadmissibleKindUnderAirGap(t *testing.T) {
	m := newManager(true)
	_, err := m.RegisterProvider(context.Background(), model.AIProviderConfig{
		ProviderID: "cloud-1",
		Kind:       model.ProviderOpenAI,
		Model:      "gpt",
		RateLimits: model.RateLimits{PerMinute: 10, PerHour: 100},
	}, "admin-1", "admin")
	require.Error(t, err)
	ge, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindBlocked, ge.Kind)
}

func TestRegisterAndRetrieveProvider(t *testing.T) {
	m := newManager(false)
	cfg := fixedRetryCfg("provider-reg-1", 1)
	saved, err := m.RegisterProvider(context.Background(), cfg, "admin-1", "admin")
	require.NoError(t, err)
	assert.Equal(t, cfg.ProviderID, saved.ProviderID)

	got, err := m.Current(context.Background(), "provider-reg-1")
	require.NoError(t, err)
	assert.Equal(t, "fixture-model", got.Model)
}

func TestCallSucceedsWithoutRetry(t *testing.T) {
	m := newManager(false)
	cfg := fixedRetryCfg("provider-call-1", 3)
	_, err := m.RegisterProvider(context.Background(), cfg, "admin-1", "admin")
	require.NoError(t, err)

	calls := 0
	result, err := m.Call(context.Background(), "agent-call-1", "provider-call-1", func(ctx context.Context, cfg model.AIProviderConfig) (any, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
}

func TestCallRetriesRetriableErrorsUntilSuccess(t *testing.T) {
	m := newManager(false)
	cfg := fixedRetryCfg("provider-call-2", 5)
	_, err := m.RegisterProvider(context.Background(), cfg, "admin-1", "admin")
	require.NoError(t, err)

	calls := 0
	result, err := m.Call(context.Background(), "agent-call-2", "provider-call-2", func(ctx context.Context, cfg model.AIProviderConfig) (any, error) {
		calls++
		if calls < 3 {
			return nil, errs.New(errs.KindProviderUnavailable, "transient provider hiccup")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestCallDoesNotRetryNonRetriableErrors(t *testing.T) {
	m := newManager(false)
	cfg := fixedRetryCfg("provider-call-3", 5)
	_, err := m.RegisterProvider(context.Background(), cfg, "admin-1", "admin")
	require.NoError(t, err)

	calls := 0
	_, err = m.Call(context.Background(), "agent-call-3", "provider-call-3", func(ctx context.Context, cfg model.AIProviderConfig) (any, error) {
		calls++
		return nil, errs.New(errs.KindGeneration, "provider rejected the prompt")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallTriggersFailoverAfterThreshold(t *testing.T) {
	m := newManager(false)
	primary := fixedRetryCfg("provider-fo-primary", 1)
	backup := fixedRetryCfg("provider-fo-backup", 1)
	ctx := context.Background()
	_, err := m.RegisterProvider(ctx, primary, "admin-1", "admin")
	require.NoError(t, err)
	_, err = m.RegisterProvider(ctx, backup, "admin-1", "admin")
	require.NoError(t, err)

	err = m.SetFailoverGroup(ctx, model.FailoverGroup{
		AgentID:                     "agent-fo-1",
		PrimaryProviderID:           "provider-fo-primary",
		OrderedBackups:              []string{"provider-fo-backup"},
		AutoFailoverEnabled:         true,
		ConsecutiveFailureThreshold: 2,
		CurrentActiveProviderID:     "provider-fo-primary",
	}, "admin-1", "admin")
	require.NoError(t, err)

	failing := func(ctx context.Context, cfg model.AIProviderConfig) (any, error) {
		return nil, errs.New(errs.KindProviderUnavailable, "down")
	}

	_, err = m.Call(ctx, "agent-fo-1", "provider-fo-primary", failing)
	require.Error(t, err)
	ge, ok := errs.As(err)
	require.True(t, ok)
	assert.Nil(t, ge.ActionableDetails["failed_over_to"])

	_, err = m.Call(ctx, "agent-fo-1", "provider-fo-primary", failing)
	require.Error(t, err)
	ge, ok = errs.As(err)
	require.True(t, ok)
	assert.Equal(t, "provider-fo-backup", ge.ActionableDetails["failed_over_to"])

	group, err := testDB.GetFailoverGroupByAgent(ctx, "agent-fo-1")
	require.NoError(t, err)
	assert.Equal(t, "provider-fo-backup", group.CurrentActiveProviderID)
	require.Len(t, group.SwitchHistory, 1)
	assert.Equal(t, "provider-fo-primary", group.SwitchHistory[0].FromProviderID)
	assert.Equal(t, "provider-fo-backup", group.SwitchHistory[0].ToProviderID)
}

func TestProbeAllUpdatesHealthConcurrently(t *testing.T) {
	m := newManager(false)
	ctx := context.Background()
	healthy := fixedRetryCfg("provider-probe-healthy", 1)
	unhealthy := fixedRetryCfg("provider-probe-unhealthy", 1)
	_, err := m.RegisterProvider(ctx, healthy, "admin-1", "admin")
	require.NoError(t, err)
	_, err = m.RegisterProvider(ctx, unhealthy, "admin-1", "admin")
	require.NoError(t, err)

	probe := func(_ context.Context, cfg model.AIProviderConfig) error {
		if cfg.ProviderID == "provider-probe-unhealthy" {
			return errs.New(errs.KindProviderUnavailable, "unreachable")
		}
		return nil
	}

	require.NoError(t, m.ProbeAll(ctx, probe))
	assert.Equal(t, model.HealthHealthy, m.Health("provider-probe-healthy"))
	assert.Equal(t, model.HealthUnhealthy, m.Health("provider-probe-unhealthy"))
}

func TestRegisterCustomProviderValidatesEndpoint(t *testing.T) {
	m := newManager(false)
	_, err := m.RegisterProvider(context.Background(), model.AIProviderConfig{
		ProviderID: "provider-custom-bad",
		Kind:       model.ProviderCustom,
		Endpoint:   "not-a-url",
		Model:      "custom-model",
		RateLimits: model.RateLimits{PerMinute: 10, PerHour: 100},
	}, "admin-1", "admin")
	require.Error(t, err)
	ge, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindConfig, ge.Kind)
}

func TestRollbackRestoresPriorVersion(t *testing.T) {
	m := newManager(false)
	ctx := context.Background()
	cfg := fixedRetryCfg("provider-rollback-1", 1)
	cfg.Model = "model-v1"
	_, err := m.RegisterProvider(ctx, cfg, "admin-1", "admin")
	require.NoError(t, err)

	cfg.Model = "model-v2"
	_, err = m.RegisterProvider(ctx, cfg, "admin-1", "admin")
	require.NoError(t, err)

	err = m.RollbackProvider(ctx, "provider-rollback-1", 1, "admin-1", "admin")
	require.NoError(t, err)

	current, err := m.Current(ctx, "provider-rollback-1")
	require.NoError(t, err)
	assert.Equal(t, "model-v1", current.Model)
}
