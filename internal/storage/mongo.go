package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/reelstore/reelstore/internal/config"
	reelerr "github.com/reelstore/reelstore/internal/errors"
	"github.com/reelstore/reelstore/internal/mongoclient"
)

const mongoChunksCollection = "chunks"

// mongoChunk is the document stored per chunk, in the GridFS chunk layout.
type mongoChunk struct {
	ObjectID string `bson:"object_id"`
	N        int64  `bson:"n"`
	Data     []byte `bson:"data"`
}

// MongoStore implements ChunkStore with one document per chunk. A unique
// index on (object_id, n) enforces write-once.
type MongoStore struct {
	coll *mongo.Collection
}

var _ ChunkStore = (*MongoStore)(nil)

// NewMongoStore connects using cfg and ensures the chunk index exists.
func NewMongoStore(ctx context.Context, cfg config.MongoConfig) (*MongoStore, error) {
	db, err := mongoclient.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	st, err := NewMongoStoreWithDB(ctx, db)
	if err != nil {
		_ = db.Client().Disconnect(ctx)
		return nil, err
	}
	slog.Info("Mongo chunk store initialized", "database", db.Name())
	return st, nil
}

// NewMongoStoreWithDB creates a MongoStore on an existing database handle.
func NewMongoStoreWithDB(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	coll := db.Collection(mongoChunksCollection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "object_id", Value: 1}, {Key: "n", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("creating chunk index: %w", err)
	}
	return &MongoStore{coll: coll}, nil
}

// PutChunk inserts the chunk document.
func (s *MongoStore) PutChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	_, err := s.coll.InsertOne(ctx, mongoChunk{ObjectID: objectID, N: seq, Data: data})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrDuplicateChunk)
		}
		return fmt.Errorf("inserting chunk %s/%d: %w", objectID, seq, err)
	}
	return nil
}

// GetChunk finds the chunk document.
func (s *MongoStore) GetChunk(ctx context.Context, objectID string, seq int64) ([]byte, error) {
	var doc mongoChunk
	err := s.coll.FindOne(ctx, bson.M{"object_id": objectID, "n": seq}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrChunkNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding chunk %s/%d: %w", objectID, seq, err)
	}
	return doc.Data, nil
}

// DeleteChunks removes all of the object's chunk documents.
func (s *MongoStore) DeleteChunks(ctx context.Context, objectID string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{"object_id": objectID}); err != nil {
		return fmt.Errorf("deleting chunks of %q: %w", objectID, err)
	}
	return nil
}

// HealthCheck pings the server.
func (s *MongoStore) HealthCheck(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}

// Close disconnects the underlying client.
func (s *MongoStore) Close() error {
	return s.coll.Database().Client().Disconnect(context.Background())
}
