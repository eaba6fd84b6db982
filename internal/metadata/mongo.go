package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/reelstore/reelstore/internal/config"
	reelerr "github.com/reelstore/reelstore/internal/errors"
	"github.com/reelstore/reelstore/internal/mongoclient"
)

const (
	mongoObjectsCollection = "objects"
	kID                    = "_id"
	kStatus                = "status"
	kLength                = "length"
	kUpdatedAt             = "updated_at"
)

// mongoObject is the stored form of an ObjectRecord.
type mongoObject struct {
	ID          string            `bson:"_id"`
	Length      int64             `bson:"length"`
	ChunkSize   int64             `bson:"chunk_size"`
	ContentType string            `bson:"content_type"`
	Attributes  map[string]string `bson:"attributes"`
	Status      string            `bson:"status"`
	CreatedAt   time.Time         `bson:"created_at"`
	UpdatedAt   time.Time         `bson:"updated_at"`
}

// MongoRegistry implements Registry on a MongoDB collection keyed by
// object id. Transitions are single-document updates filtered on status.
type MongoRegistry struct {
	coll *mongo.Collection
	opts options
}

var _ Registry = (*MongoRegistry)(nil)

// NewMongoRegistry connects using cfg and ensures the status index exists.
func NewMongoRegistry(ctx context.Context, cfg config.MongoConfig, opts ...Option) (*MongoRegistry, error) {
	db, err := mongoclient.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r, err := NewMongoRegistryWithDB(ctx, db, opts...)
	if err != nil {
		_ = db.Client().Disconnect(ctx)
		return nil, err
	}
	slog.Info("Mongo registry initialized", "database", db.Name())
	return r, nil
}

// NewMongoRegistryWithDB creates a MongoRegistry on an existing database
// handle.
func NewMongoRegistryWithDB(ctx context.Context, db *mongo.Database, opts ...Option) (*MongoRegistry, error) {
	coll := db.Collection(mongoObjectsCollection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: kStatus, Value: 1}, {Key: kUpdatedAt, Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("creating status index: %w", err)
	}
	return &MongoRegistry{coll: coll, opts: buildOptions(opts)}, nil
}

func (r *MongoRegistry) Ping(ctx context.Context) error {
	return r.coll.Database().Client().Ping(ctx, nil)
}

// Close disconnects the underlying client.
func (r *MongoRegistry) Close() error {
	return r.coll.Database().Client().Disconnect(context.Background())
}

func (r *MongoRegistry) BeginUpload(ctx context.Context, rec *ObjectRecord) error {
	cp, err := newRecord(rec, r.opts.clock.Now())
	if err != nil {
		return err
	}
	_, err = r.coll.InsertOne(ctx, mongoObject{
		ID:          cp.ID,
		Length:      cp.Length,
		ChunkSize:   cp.ChunkSize,
		ContentType: cp.ContentType,
		Attributes:  cp.Attributes,
		Status:      string(cp.Status),
		CreatedAt:   cp.CreatedAt,
		UpdatedAt:   cp.UpdatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return alreadyExists(cp.ID)
		}
		return fmt.Errorf("InsertOne: %w", err)
	}
	return nil
}

func (r *MongoRegistry) CompleteUpload(ctx context.Context, id string, length int64) error {
	if err := validateLength(length); err != nil {
		return err
	}
	return r.transition(ctx, id, StatusComplete, bson.M{kLength: length})
}

func (r *MongoRegistry) MarkFailed(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusFailed, nil)
}

func (r *MongoRegistry) MarkDeleted(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusDeleted, nil)
}

func (r *MongoRegistry) transition(ctx context.Context, id string, to Status, extra bson.M) error {
	set := bson.M{
		kStatus:    string(to),
		kUpdatedAt: stamp(r.opts.clock.Now()),
	}
	for k, v := range extra {
		set[k] = v
	}

	res, err := r.coll.UpdateOne(ctx,
		bson.M{kID: id, kStatus: string(sourceStatus(to))},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("UpdateOne: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	cur, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = checkTransition(id, cur.Status, to)
	return err
}

func (r *MongoRegistry) Get(ctx context.Context, id string) (*ObjectRecord, error) {
	var doc mongoObject
	err := r.coll.FindOne(ctx, bson.M{kID: id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("FindOne: %w", err)
	}
	return doc.record(), nil
}

func (r *MongoRegistry) List(ctx context.Context, opts ListOptions) ([]ObjectRecord, error) {
	filter := bson.M{}
	if opts.Status != "" {
		filter[kStatus] = string(opts.Status)
	}
	if !opts.UpdatedBefore.IsZero() {
		filter[kUpdatedAt] = bson.M{"$lt": opts.UpdatedBefore.UTC()}
	}

	findOpts := mongoopts.Find().SetSort(bson.D{{Key: kID, Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cur, err := r.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("Find: %w", err)
	}
	defer cur.Close(ctx)

	var out []ObjectRecord
	for cur.Next(ctx) {
		var doc mongoObject
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("Decode: %w", err)
		}
		out = append(out, *doc.record())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("cursor: %w", err)
	}
	return out, nil
}

func (r *MongoRegistry) Purge(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{
		kID:     id,
		kStatus: bson.M{"$in": bson.A{string(StatusFailed), string(StatusDeleted)}},
	})
	if err != nil {
		return fmt.Errorf("DeleteOne: %w", err)
	}
	if res.DeletedCount == 1 {
		return nil
	}
	cur, err := r.Get(ctx, id)
	if err != nil {
		if errors.Is(err, reelerr.ErrNotFound) {
			return nil
		}
		return err
	}
	return checkPurge(id, cur.Status)
}

func (d *mongoObject) record() *ObjectRecord {
	attrs := d.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &ObjectRecord{
		ID:          d.ID,
		Length:      d.Length,
		ChunkSize:   d.ChunkSize,
		ContentType: d.ContentType,
		Attributes:  attrs,
		Status:      Status(d.Status),
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}
