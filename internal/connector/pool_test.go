package connector_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/quarrier/internal/connector"
	"github.com/ashita-ai/quarrier/internal/model"
	"github.com/ashita-ai/quarrier/internal/vault"
)

var discardLogger = slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

const testPluginKind model.DriverKind = "plugin:fixture"

type fixtureConn struct {
	closed int32
}

func (c *fixtureConn) Execute(ctx context.Context, sqlText string, params []any, asDict bool) (connector.QueryResult, error) {
	return connector.QueryResult{Columns: []string{"n"}, Rows: []map[string]any{{"n": 1}}}, nil
}

func (c *fixtureConn) Close(ctx context.Context) error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

func (c *fixtureConn) Ping(ctx context.Context) error { return nil }

func (c *fixtureConn) ListResources(ctx context.Context, defaultSchema string) (model.SchemaSnapshot, error) {
	return model.SchemaSnapshot{
		DriverKind: testPluginKind,
		Tables:     []model.SchemaTable{{ResourceID: defaultSchema + ".widgets"}},
	}, nil
}

type fixtureDriver struct {
	failEndpoints map[string]bool
}

var dialCount atomic.Int32

func (d fixtureDriver) Kind() model.DriverKind { return testPluginKind }

func (d fixtureDriver) Connect(ctx context.Context, params string) (connector.Conn, error) {
	if d.failEndpoints[params] {
		return nil, fmt.Errorf("fixture: endpoint %q refused connection", params)
	}
	dialCount.Add(1)
	return &fixtureConn{}, nil
}

func init() {
	connector.Register(fixtureDriver{failEndpoints: map[string]bool{"bad-endpoint": true}})
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(make([]byte, 32))
	require.NoError(t, err)
	return v
}

func sealedBinding(t *testing.T, v *vault.Vault, agentID string, endpointParams ...string) model.DatabaseBinding {
	t.Helper()
	endpoints := make([]model.Endpoint, len(endpointParams))
	for i, p := range endpointParams {
		sealed, err := v.EncryptString(p)
		require.NoError(t, err)
		endpoints[i] = model.Endpoint{Name: p, ParamsEncrypted: sealed}
	}
	return model.DatabaseBinding{
		AgentID:                     agentID,
		DriverKind:                  testPluginKind,
		ConnectionName:              "fixture",
		Endpoints:                   endpoints,
		ConsecutiveFailureThreshold: 1,
	}
}

func TestAcquireExecuteRelease(t *testing.T) {
	v := newTestVault(t)
	f := connector.New(v, discardLogger, nil, 2, 0, time.Minute, time.Hour)
	defer f.Close(context.Background())

	binding := sealedBinding(t, v, "conn-agent-1", "good-endpoint")
	h, err := f.Acquire(context.Background(), binding, time.Second)
	require.NoError(t, err)

	result, err := f.Execute(context.Background(), h, "SELECT 1", nil, false, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, result.Columns)

	f.Release(h, true)
}

func TestAcquireReusesReleasedConnection(t *testing.T) {
	v := newTestVault(t)
	f := connector.New(v, discardLogger, nil, 1, 0, time.Minute, time.Hour)
	defer f.Close(context.Background())

	binding := sealedBinding(t, v, "conn-agent-2", "good-endpoint")
	before := dialCount.Load()

	h1, err := f.Acquire(context.Background(), binding, time.Second)
	require.NoError(t, err)
	f.Release(h1, true)

	_, err = f.Acquire(context.Background(), binding, time.Second)
	require.NoError(t, err)
	assert.Equal(t, before+1, dialCount.Load(), "a released healthy connection must be reused, not re-dialed")
}

func TestPoolSaturationTimesOut(t *testing.T) {
	v := newTestVault(t)
	f := connector.New(v, discardLogger, nil, 1, 0, time.Minute, time.Hour)
	defer f.Close(context.Background())

	binding := sealedBinding(t, v, "conn-agent-3", "good-endpoint")
	h, err := f.Acquire(context.Background(), binding, time.Second)
	require.NoError(t, err)
	defer f.Release(h, true)

	_, err = f.Acquire(context.Background(), binding, 100*time.Millisecond)
	require.Error(t, err)
}

func TestFailoverAdvancesToNextEndpoint(t *testing.T) {
	v := newTestVault(t)
	var failedFrom, failedTo string
	f := connector.New(v, discardLogger, func(agentID, from, to string) {
		failedFrom, failedTo = from, to
	}, 2, 0, time.Minute, time.Hour)
	defer f.Close(context.Background())

	binding := sealedBinding(t, v, "conn-agent-4", "bad-endpoint", "good-endpoint")
	binding.ConsecutiveFailureThreshold = 1

	h, err := f.Acquire(context.Background(), binding, time.Second)
	require.NoError(t, err)
	defer f.Release(h, true)

	assert.Equal(t, "bad-endpoint", failedFrom)
	assert.Equal(t, "good-endpoint", failedTo)
}

func TestUnhealthyReleaseDiscardsConnection(t *testing.T) {
	v := newTestVault(t)
	f := connector.New(v, discardLogger, nil, 1, 0, time.Minute, time.Hour)
	defer f.Close(context.Background())

	binding := sealedBinding(t, v, "conn-agent-5", "good-endpoint")
	before := dialCount.Load()
	h, err := f.Acquire(context.Background(), binding, time.Second)
	require.NoError(t, err)

	f.Release(h, false)

	_, err = f.Acquire(context.Background(), binding, time.Second)
	require.NoError(t, err)
	assert.Equal(t, before+2, dialCount.Load(), "a connection released unhealthy must not be reused")
}

func TestResourcesListsSchemaAndReleasesConnection(t *testing.T) {
	v := newTestVault(t)
	f := connector.New(v, discardLogger, nil, 1, 0, time.Minute, time.Hour)
	defer f.Close(context.Background())

	binding := sealedBinding(t, v, "conn-agent-7", "good-endpoint")
	binding.DefaultSchema = "app"

	snapshot, err := f.Resources(context.Background(), binding, time.Second)
	require.NoError(t, err)
	require.Len(t, snapshot.Tables, 1)
	assert.Equal(t, "app.widgets", snapshot.Tables[0].ResourceID)

	h, err := f.Acquire(context.Background(), binding, time.Second)
	require.NoError(t, err)
	f.Release(h, true)
}

func TestInvalidateDropsPooledConnections(t *testing.T) {
	v := newTestVault(t)
	f := connector.New(v, discardLogger, nil, 1, 0, time.Minute, time.Hour)
	defer f.Close(context.Background())

	binding := sealedBinding(t, v, "conn-agent-6", "good-endpoint")
	before := dialCount.Load()
	h, err := f.Acquire(context.Background(), binding, time.Second)
	require.NoError(t, err)
	f.Release(h, true)

	f.Invalidate("conn-agent-6")

	_, err = f.Acquire(context.Background(), binding, time.Second)
	require.NoError(t, err)
	assert.Equal(t, before+2, dialCount.Load(), "invalidate must force a fresh connection")
}
