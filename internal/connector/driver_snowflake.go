package connector

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/snowflakedb/gosnowflake"

	"github.com/ashita-ai/quarrier/internal/model"
)

func init() {
	if !Register(snowflakeDriver{}) {
		panic("connector: snowflake driver already registered")
	}
}

type snowflakeDriver struct{}

func (snowflakeDriver) Kind() model.DriverKind { return model.DriverSnowflake }

func (snowflakeDriver) Connect(ctx context.Context, dsn string) (Conn, error) {
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("connector: snowflake open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connector: snowflake ping: %w", err)
	}
	return &sqlConn{db: db, driverName: "snowflake", kind: model.DriverSnowflake}, nil
}
