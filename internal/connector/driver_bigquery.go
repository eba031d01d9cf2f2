package connector

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/ashita-ai/quarrier/internal/model"
)

func init() {
	if !Register(bigqueryDriver{}) {
		panic("connector: bigquery driver already registered")
	}
}

type bigqueryDriver struct{}

func (bigqueryDriver) Kind() model.DriverKind { return model.DriverBigQuery }

// Connect treats params as the GCP project ID; BigQuery has no per-session
// handshake, so Connect only constructs the client and makes no API call.
func (bigqueryDriver) Connect(ctx context.Context, projectID string) (Conn, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("connector: bigquery new client: %w", err)
	}
	return &bigqueryConn{client: client}, nil
}

type bigqueryConn struct {
	client *bigquery.Client
}

func (c *bigqueryConn) Execute(ctx context.Context, sqlText string, params []any, asDict bool) (QueryResult, error) {
	q := c.client.Query(sqlText)
	for _, p := range params {
		q.Parameters = append(q.Parameters, bigquery.QueryParameter{Value: p})
	}

	it, err := q.Read(ctx)
	if err != nil {
		return QueryResult{}, fmt.Errorf("connector: bigquery run query: %w", err)
	}

	var rows []map[string]any
	for {
		var row map[string]bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return QueryResult{}, fmt.Errorf("connector: bigquery read row: %w", err)
		}
		out := make(map[string]any, len(row))
		for k, v := range row {
			out[k] = v
		}
		rows = append(rows, out)
	}

	columns := make([]string, 0, len(it.Schema))
	for _, f := range it.Schema {
		columns = append(columns, f.Name)
	}

	return QueryResult{Columns: columns, Rows: rows}, nil
}

// ListResources queries defaultSchema's INFORMATION_SCHEMA.COLUMNS view,
// where defaultSchema is a dataset ID in the connected project.
func (c *bigqueryConn) ListResources(ctx context.Context, defaultSchema string) (model.SchemaSnapshot, error) {
	q := c.client.Query(fmt.Sprintf(
		"SELECT table_name, column_name, data_type FROM `%s.INFORMATION_SCHEMA.COLUMNS` ORDER BY table_name, ordinal_position",
		defaultSchema))
	it, err := q.Read(ctx)
	if err != nil {
		return model.SchemaSnapshot{}, fmt.Errorf("connector: bigquery list resources: %w", err)
	}

	tables := map[string]*model.SchemaTable{}
	var order []string
	for {
		var row struct {
			TableName  string `bigquery:"table_name"`
			ColumnName string `bigquery:"column_name"`
			DataType   string `bigquery:"data_type"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return model.SchemaSnapshot{}, fmt.Errorf("connector: bigquery read resource row: %w", err)
		}
		t, ok := tables[row.TableName]
		if !ok {
			t = &model.SchemaTable{ResourceID: defaultSchema + "." + row.TableName}
			tables[row.TableName] = t
			order = append(order, row.TableName)
		}
		t.Columns = append(t.Columns, model.SchemaColumn{Name: row.ColumnName, Type: row.DataType})
	}

	snapshot := model.SchemaSnapshot{DriverKind: model.DriverBigQuery}
	for _, name := range order {
		snapshot.Tables = append(snapshot.Tables, *tables[name])
	}
	return snapshot, nil
}

func (c *bigqueryConn) Close(ctx context.Context) error {
	return c.client.Close()
}

func (c *bigqueryConn) Ping(ctx context.Context) error {
	_, err := c.client.Query("SELECT 1").Read(ctx)
	return err
}
