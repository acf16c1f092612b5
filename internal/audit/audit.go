// Package audit stores an append-only trail of committed ledger operations
// in MongoDB.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rongwang/points-ledger/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultTimeout = 10 * time.Second

// Config captures the settings required to establish a MongoDB connection.
type Config struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// Connect establishes a MongoDB client, verifies connectivity with a ping, and
// returns both the client and the selected database.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, *mongo.Database, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}

	return client, client.Database(cfg.Database), nil
}

// MongoRecorder writes audit entries to one collection.
type MongoRecorder struct {
	coll *mongo.Collection
}

// NewMongoRecorder creates a recorder backed by db.collection.
func NewMongoRecorder(db *mongo.Database, collection string) *MongoRecorder {
	return &MongoRecorder{coll: db.Collection(collection)}
}

// EnsureIndexes creates the lookup indexes on the audit collection.
func (r *MongoRecorder) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "transaction_ids", Value: 1}}},
		{Keys: bson.D{{Key: "owner_ids", Value: 1}, {Key: "at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("audit indexes: %w", err)
	}
	return nil
}

// Record inserts one entry.
func (r *MongoRecorder) Record(ctx context.Context, entry models.AuditEntry) error {
	if _, err := r.coll.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}
	return nil
}

// ForTransaction returns every entry that touched transactionID, oldest first.
func (r *MongoRecorder) ForTransaction(ctx context.Context, transactionID int64) ([]models.AuditEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: 1}})
	cur, err := r.coll.Find(ctx, bson.M{"transaction_ids": transactionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("audit find: %w", err)
	}
	defer cur.Close(ctx)

	entries := []models.AuditEntry{}
	if err := cur.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("audit decode: %w", err)
	}
	return entries, nil
}
