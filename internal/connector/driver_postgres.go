package connector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/quarrier/internal/model"
)

func init() {
	if !Register(postgresDriver{}) {
		panic("connector: postgres driver already registered")
	}
}

type postgresDriver struct{}

func (postgresDriver) Kind() model.DriverKind { return model.DriverPostgres }

func (postgresDriver) Connect(ctx context.Context, dsn string) (Conn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connector: postgres connect: %w", err)
	}
	return &postgresConn{conn: conn}, nil
}

// postgresConn wraps a single pgx.Conn, the same driver the teacher uses
// for its own metadata store (internal/storage/pool.go), applied here to
// an agent-owned database instead.
type postgresConn struct {
	conn *pgx.Conn
}

func (c *postgresConn) Execute(ctx context.Context, sqlText string, params []any, asDict bool) (QueryResult, error) {
	rows, err := c.conn.Query(ctx, sqlText, params...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("connector: postgres query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = string(f.Name)
	}

	var resultRows []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return QueryResult{}, fmt.Errorf("connector: postgres scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("connector: postgres read rows: %w", err)
	}

	return QueryResult{Columns: columns, Rows: resultRows, RowsAffected: rows.CommandTag().RowsAffected()}, nil
}

// ListResources reads information_schema.columns for the given schema, the
// same catalog every Postgres-compatible engine exposes, so no
// pg_catalog-specific introspection is needed.
func (c *postgresConn) ListResources(ctx context.Context, defaultSchema string) (model.SchemaSnapshot, error) {
	if defaultSchema == "" {
		defaultSchema = "public"
	}
	rows, err := c.conn.Query(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position`, defaultSchema)
	if err != nil {
		return model.SchemaSnapshot{}, fmt.Errorf("connector: postgres list resources: %w", err)
	}
	defer rows.Close()

	tables := map[string]*model.SchemaTable{}
	var order []string
	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return model.SchemaSnapshot{}, fmt.Errorf("connector: postgres scan resource row: %w", err)
		}
		t, ok := tables[tableName]
		if !ok {
			t = &model.SchemaTable{ResourceID: tableName}
			tables[tableName] = t
			order = append(order, tableName)
		}
		t.Columns = append(t.Columns, model.SchemaColumn{Name: columnName, Type: dataType})
	}
	if err := rows.Err(); err != nil {
		return model.SchemaSnapshot{}, fmt.Errorf("connector: postgres read resource rows: %w", err)
	}

	snapshot := model.SchemaSnapshot{DriverKind: model.DriverPostgres}
	for _, name := range order {
		snapshot.Tables = append(snapshot.Tables, *tables[name])
	}
	return snapshot, nil
}

func (c *postgresConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

func (c *postgresConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}
