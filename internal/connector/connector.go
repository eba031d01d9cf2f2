// Package connector implements the Connector Factory + Pool: a
// per-agent pool of live driver connections, dispatched by DriverKind
// through a kind-keyed registry rather than a type switch, so a third-party
// plugin driver registers itself exactly the way a built-in one does.
//
// Grounded on two pack sources: the teacher's internal/storage/pool.go
// supplies the pool-lifecycle and reconnect-with-backoff-and-jitter shape
// for the Postgres driver; the googleapis-genai-toolbox manifest's
// kind-based plugin registry (Register(kind, constructor) called from
// init(), a map[string]Driver keyed by kind, a "compatible source" type
// assertion) supplies the dispatch contract used here for
// postgres|mysql|mongo|bigquery|snowflake|plugin:<name>.
package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashita-ai/quarrier/internal/model"
)

// QueryResult is the outcome of a single Execute call.
type QueryResult struct {
	Columns      []string
	Rows         []map[string]any
	RowsAffected int64
}

// Conn is a single live connection opened by a Driver. Implementations are
// not required to be safe for concurrent use; the pool serializes access
// to a given Conn via in_use bookkeeping.
type Conn interface {
	// Execute runs sqlText (or, for document stores, a structured query
	// carried in params[0]) and returns its result. asDict controls whether
	// row values are returned as driver-native types or JSON-safe scalars;
	// both are represented here as map[string]any per row.
	Execute(ctx context.Context, sqlText string, params []any, asDict bool) (QueryResult, error)
	// Close releases the underlying client/session.
	Close(ctx context.Context) error
	// Ping reports whether the connection is still usable. The pool's idle
	// sweeper and endpoint failover do not call it.
	Ping(ctx context.Context) error
	// ListResources returns every table, dataset, or collection visible
	// under defaultSchema, with column names and types where the driver
	// has them. The NL->SQL Converter's schema snapshot is built by
	// intersecting this against the calling agent's granted permissions,
	// never from ListResources output alone.
	ListResources(ctx context.Context, defaultSchema string) (model.SchemaSnapshot, error)
}

// Driver constructs Conns for one DriverKind from a sealed endpoint's
// decrypted connection parameters (a driver-specific DSN or URI string).
type Driver interface {
	Kind() model.DriverKind
	Connect(ctx context.Context, params string) (Conn, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Driver{}
)

// Register adds a driver to the registry under its own Kind(). It reports
// false without registering if the kind is already taken, mirroring the
// toolbox's init()-time self-registration pattern. Built-in drivers call
// this from their own init(); a third-party plugin does the same under a
// "plugin:<name>" kind.
func Register(d Driver) bool {
	registryMu.Lock()
	defer registryMu.Unlock()
	key := string(d.Kind())
	if _, exists := registry[key]; exists {
		return false
	}
	registry[key] = d
	return true
}

func lookup(kind model.DriverKind) (Driver, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[string(kind)]
	if !ok {
		return nil, fmt.Errorf("connector: no driver registered for kind %q", kind)
	}
	return d, nil
}
