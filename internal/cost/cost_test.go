package cost_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/quarrier/internal/cost"
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

func strPtr(s string) *string { return &s }

func TestRecordAndAggregate(t *testing.T) {
	tr := cost.New(testDB, testutil.TestLogger())
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, tr.Record(ctx, model.CostRecord{
		AgentID: "cost-agent-1", ProviderID: strPtr("openai-primary"),
		CostUSD: 1.50, OperationKind: model.OperationGeneration, Timestamp: now,
	}))
	require.NoError(t, tr.Record(ctx, model.CostRecord{
		AgentID: "cost-agent-1", ProviderID: strPtr("openai-primary"),
		CostUSD: 2.25, OperationKind: model.OperationExecute, Timestamp: now,
	}))

	agg, err := tr.Aggregate(ctx, "cost-agent-1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 3.75, agg.TotalCost, 0.001)
	assert.InDelta(t, 3.75, agg.ByProvider["openai-primary"], 0.001)
	assert.InDelta(t, 1.50, agg.ByOperation[model.OperationGeneration], 0.001)
	assert.InDelta(t, 2.25, agg.ByOperation[model.OperationExecute], 0.001)
}

func TestBudgetAlertFiresOnceOnFirstCrossing(t *testing.T) {
	tr := cost.New(testDB, testutil.TestLogger())
	ctx := context.Background()
	now := time.Now().UTC()

	alert := model.BudgetAlert{
		Name: "daily-agent-cap", ThresholdUSD: 5.00, Period: model.PeriodDaily,
		Scope: model.ScopePerAgent, AgentID: strPtr("cost-agent-2"),
		NotificationSinks: []string{"log"},
	}
	require.NoError(t, tr.SetAlert(ctx, alert, "operator-1", "admin"))

	// First call brings the period total to 3.00, below the 5.00 threshold.
	require.NoError(t, tr.Record(ctx, model.CostRecord{
		AgentID: "cost-agent-2", CostUSD: 3.00, OperationKind: model.OperationExecute, Timestamp: now,
	}))
	entriesBefore, err := testDB.ClaimNotifications(ctx, 10, 5, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, entriesBefore, "threshold not yet crossed")

	// Second call brings the total to 6.00, crossing the threshold for the
	// first time this period: this is the call that fires.
	require.NoError(t, tr.Record(ctx, model.CostRecord{
		AgentID: "cost-agent-2", CostUSD: 3.00, OperationKind: model.OperationExecute, Timestamp: now,
	}))

	entries, err := testDB.ClaimNotifications(ctx, 10, 5, time.Hour)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "daily-agent-cap", entries[0].AlertName)
	assert.Equal(t, "log", entries[0].Sink)
	require.NoError(t, testDB.CompleteNotifications(ctx, []int64{entries[0].ID}))

	// A second crossing in the same period must not fire again.
	require.NoError(t, tr.Record(ctx, model.CostRecord{
		AgentID: "cost-agent-2", CostUSD: 10.00, OperationKind: model.OperationExecute, Timestamp: now,
	}))
	entries, err = testDB.ClaimNotifications(ctx, 10, 5, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, entries, "alert already fired this period")
}

func TestBudgetAlertRequiresAgentIDForPerAgentScope(t *testing.T) {
	tr := cost.New(testDB, testutil.TestLogger())
	err := tr.SetAlert(context.Background(), model.BudgetAlert{
		Name: "broken-alert", ThresholdUSD: 1, Period: model.PeriodMonthly, Scope: model.ScopePerAgent,
	}, "operator-1", "admin")
	require.Error(t, err)
}

func TestStreamSinceAdvancesCursor(t *testing.T) {
	tr := cost.New(testDB, testutil.TestLogger())
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, tr.Record(ctx, model.CostRecord{
		AgentID: "cost-agent-3", CostUSD: 0.50, OperationKind: model.OperationExecute, Timestamp: now,
	}))
	require.NoError(t, tr.Record(ctx, model.CostRecord{
		AgentID: "cost-agent-3", CostUSD: 0.75, OperationKind: model.OperationExecute, Timestamp: now,
	}))

	records, cursor, err := tr.StreamSince(ctx, 0, 500)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Greater(t, cursor, int64(0))

	records2, cursor2, err := tr.StreamSince(ctx, cursor, 500)
	require.NoError(t, err)
	assert.Empty(t, records2)
	assert.Equal(t, cursor, cursor2)
}

func TestLogSinkNotifyDoesNotError(t *testing.T) {
	sink := cost.NewLogSink(testutil.TestLogger())
	err := sink.Notify(context.Background(), "log", map[string]any{"alert": "x"})
	require.NoError(t, err)
}
