package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/reelstore/reelstore/internal/config"
)

// FirestoreRegistry implements Registry with one Firestore document per
// object. Transitions run inside Firestore transactions.
type FirestoreRegistry struct {
	client     *firestore.Client
	collection string
	opts       options
}

var _ Registry = (*FirestoreRegistry)(nil)

func docIDObject(id string) string {
	return "object_" + id
}

func NewFirestoreRegistry(ctx context.Context, cfg config.FirestoreConfig, opts ...Option) (*FirestoreRegistry, error) {
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "reelstore-objects"
	}

	slog.Info("Firestore registry initialized", "project", cfg.ProjectID, "collection", collection)
	return &FirestoreRegistry{
		client:     client,
		collection: collection,
		opts:       buildOptions(opts),
	}, nil
}

func (r *FirestoreRegistry) collectionRef() *firestore.CollectionRef {
	return r.client.Collection(r.collection)
}

func (r *FirestoreRegistry) Ping(ctx context.Context) error {
	_, err := r.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (r *FirestoreRegistry) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *FirestoreRegistry) BeginUpload(ctx context.Context, rec *ObjectRecord) error {
	cp, err := newRecord(rec, r.opts.clock.Now())
	if err != nil {
		return err
	}

	_, err = r.collectionRef().Doc(docIDObject(cp.ID)).Create(ctx, recordToDoc(cp))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return alreadyExists(cp.ID)
		}
		return fmt.Errorf("creating object %s: %w", cp.ID, err)
	}
	return nil
}

func (r *FirestoreRegistry) CompleteUpload(ctx context.Context, id string, length int64) error {
	if err := validateLength(length); err != nil {
		return err
	}
	return r.transition(ctx, id, StatusComplete, length)
}

func (r *FirestoreRegistry) MarkFailed(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusFailed, -1)
}

func (r *FirestoreRegistry) MarkDeleted(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusDeleted, -1)
}

func (r *FirestoreRegistry) transition(ctx context.Context, id string, to Status, length int64) error {
	docRef := r.collectionRef().Doc(docIDObject(id))
	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(docRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return notFound(id)
			}
			return fmt.Errorf("getting object %s: %w", id, err)
		}
		cur := docToRecord(doc.Data())
		apply, err := checkTransition(id, cur.Status, to)
		if err != nil || !apply {
			return err
		}

		updates := []firestore.Update{
			{Path: "status", Value: string(to)},
			{Path: "updated_at", Value: formatTime(stamp(r.opts.clock.Now()))},
		}
		if length >= 0 {
			updates = append(updates, firestore.Update{Path: "length", Value: length})
		}
		return tx.Update(docRef, updates)
	})
}

func (r *FirestoreRegistry) Get(ctx context.Context, id string) (*ObjectRecord, error) {
	doc, err := r.collectionRef().Doc(docIDObject(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("getting object %s: %w", id, err)
	}
	if !doc.Exists() {
		return nil, notFound(id)
	}
	return docToRecord(doc.Data()), nil
}

func (r *FirestoreRegistry) List(ctx context.Context, opts ListOptions) ([]ObjectRecord, error) {
	query := r.collectionRef().Where("type", "==", "object")
	if opts.Status != "" {
		query = query.Where("status", "==", string(opts.Status))
	}
	if !opts.UpdatedBefore.IsZero() {
		query = query.Where("updated_at", "<", formatTime(opts.UpdatedBefore))
	}

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}

	var out []ObjectRecord
	for _, doc := range docs {
		rec := docToRecord(doc.Data())
		if opts.match(rec) {
			out = append(out, *rec)
		}
	}
	slices.SortFunc(out, func(a, b ObjectRecord) int {
		return strings.Compare(a.ID, b.ID)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (r *FirestoreRegistry) Purge(ctx context.Context, id string) error {
	docRef := r.collectionRef().Doc(docIDObject(id))
	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(docRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return fmt.Errorf("getting object %s: %w", id, err)
		}
		if err := checkPurge(id, docToRecord(doc.Data()).Status); err != nil {
			return err
		}
		return tx.Delete(docRef)
	})
}

func recordToDoc(rec *ObjectRecord) map[string]any {
	attrs := make(map[string]any, len(rec.Attributes))
	for k, v := range rec.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"type":         "object",
		"id":           rec.ID,
		"length":       rec.Length,
		"chunk_size":   rec.ChunkSize,
		"content_type": rec.ContentType,
		"attributes":   attrs,
		"status":       string(rec.Status),
		"created_at":   formatTime(rec.CreatedAt),
		"updated_at":   formatTime(rec.UpdatedAt),
	}
}

func docToRecord(data map[string]any) *ObjectRecord {
	getString := func(key string) string {
		if v, ok := data[key].(string); ok {
			return v
		}
		return ""
	}
	getInt := func(key string) int64 {
		if v, ok := data[key].(int64); ok {
			return v
		}
		return 0
	}

	rec := &ObjectRecord{
		ID:          getString("id"),
		Length:      getInt("length"),
		ChunkSize:   getInt("chunk_size"),
		ContentType: getString("content_type"),
		Status:      Status(getString("status")),
		CreatedAt:   parseTime(getString("created_at")),
		UpdatedAt:   parseTime(getString("updated_at")),
		Attributes:  map[string]string{},
	}
	if attrs, ok := data["attributes"].(map[string]any); ok {
		for k, v := range attrs {
			if s, ok := v.(string); ok {
				rec.Attributes[k] = s
			}
		}
	}
	return rec
}
