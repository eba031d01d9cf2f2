package connector

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/ashita-ai/quarrier/internal/model"
)

func init() {
	if !Register(mysqlDriver{}) {
		panic("connector: mysql driver already registered")
	}
}

type mysqlDriver struct{}

func (mysqlDriver) Kind() model.DriverKind { return model.DriverMySQL }

func (mysqlDriver) Connect(ctx context.Context, dsn string) (Conn, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connector: mysql open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connector: mysql ping: %w", err)
	}
	return &sqlConn{db: db, driverName: "mysql", kind: model.DriverMySQL}, nil
}

// sqlConn adapts a database/sql *sql.DB to Conn, shared by the mysql and
// snowflake drivers since both speak database/sql rather than a bespoke
// client, unlike postgres and mongo.
type sqlConn struct {
	db         *sql.DB
	driverName string
	kind       model.DriverKind
}

func (c *sqlConn) Execute(ctx context.Context, sqlText string, params []any, asDict bool) (QueryResult, error) {
	rows, err := c.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("connector: %s query: %w", c.driverName, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return QueryResult{}, fmt.Errorf("connector: %s read columns: %w", c.driverName, err)
	}

	var resultRows []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return QueryResult{}, fmt.Errorf("connector: %s scan row: %w", c.driverName, err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("connector: %s read rows: %w", c.driverName, err)
	}

	return QueryResult{Columns: columns, Rows: resultRows}, nil
}

// ListResources reads information_schema.columns, which both mysql and
// snowflake expose under the same ANSI-ish shape as Postgres.
func (c *sqlConn) ListResources(ctx context.Context, defaultSchema string) (model.SchemaSnapshot, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = ?
		ORDER BY table_name, ordinal_position`, defaultSchema)
	if err != nil {
		return model.SchemaSnapshot{}, fmt.Errorf("connector: %s list resources: %w", c.driverName, err)
	}
	defer rows.Close()

	tables := map[string]*model.SchemaTable{}
	var order []string
	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return model.SchemaSnapshot{}, fmt.Errorf("connector: %s scan resource row: %w", c.driverName, err)
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
		return model.SchemaSnapshot{}, fmt.Errorf("connector: %s read resource rows: %w", c.driverName, err)
	}

	snapshot := model.SchemaSnapshot{DriverKind: c.kind}
	for _, name := range order {
		snapshot.Tables = append(snapshot.Tables, *tables[name])
	}
	return snapshot, nil
}

func (c *sqlConn) Close(ctx context.Context) error {
	return c.db.Close()
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
