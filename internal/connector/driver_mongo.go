package connector

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ashita-ai/quarrier/internal/model"
)

func init() {
	if !Register(mongoDriver{}) {
		panic("connector: mongo driver already registered")
	}
}

type mongoDriver struct{}

func (mongoDriver) Kind() model.DriverKind { return model.DriverMongo }

// Connect dials a mongo client from a mongodb:// URI and pings it. A
// database named in the URI is not used: Execute always takes the database
// from its "database.collection" argument.
func (mongoDriver) Connect(ctx context.Context, uri string) (Conn, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connector: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("connector: mongo ping: %w", err)
	}
	return &mongoConn{client: client}, nil
}

// mongoConn implements Conn for the document-store carve-out: Mongo has no
// SQL text, only a collection name and a filter document.
type mongoConn struct {
	client *mongo.Client
}

// Execute treats collection as "database.collection" and params[0] (if
// present) as the bson.M filter for a find, per the SQL Inspector's
// document-store contract (InspectCollection).
func (c *mongoConn) Execute(ctx context.Context, collection string, params []any, asDict bool) (QueryResult, error) {
	dbName, collName, err := splitCollection(collection)
	if err != nil {
		return QueryResult{}, err
	}

	filter := bson.M{}
	if len(params) > 0 {
		if f, ok := params[0].(bson.M); ok {
			filter = f
		}
	}

	cursor, err := c.client.Database(dbName).Collection(collName).Find(ctx, filter)
	if err != nil {
		return QueryResult{}, fmt.Errorf("connector: mongo find: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return QueryResult{}, fmt.Errorf("connector: mongo read cursor: %w", err)
	}

	rows := make([]map[string]any, len(docs))
	for i, d := range docs {
		rows[i] = map[string]any(d)
	}
	return QueryResult{Rows: rows}, nil
}

// ListResources lists defaultSchema's collections. Mongo is schemaless, so
// no column information is available; each resource's Columns is empty and
// the NL->SQL Converter must work from collection names and sampled
// documents instead.
func (c *mongoConn) ListResources(ctx context.Context, defaultSchema string) (model.SchemaSnapshot, error) {
	names, err := c.client.Database(defaultSchema).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return model.SchemaSnapshot{}, fmt.Errorf("connector: mongo list resources: %w", err)
	}

	snapshot := model.SchemaSnapshot{DriverKind: model.DriverMongo}
	for _, name := range names {
		snapshot.Tables = append(snapshot.Tables, model.SchemaTable{
			ResourceID: defaultSchema + "." + name,
		})
	}
	return snapshot, nil
}

func (c *mongoConn) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

func (c *mongoConn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, nil)
}

func splitCollection(collection string) (db, coll string, err error) {
	for i := 0; i < len(collection); i++ {
		if collection[i] == '.' {
			return collection[:i], collection[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("connector: mongo collection %q must be database-qualified", collection)
}
