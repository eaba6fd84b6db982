// Chunk store backed by a Google Cloud Storage bucket.
//
// Key mapping:
//
//	Chunks:  {prefix}{object_id}/{seq:012d}
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server) unless a
// credentials file is configured.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/reelstore/reelstore/internal/config"
	reelerr "github.com/reelstore/reelstore/internal/errors"
)

// GCSAPI defines the subset of the GCS client interface that GCSStore
// uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given object. With ifNotExist set,
	// Close fails with HTTP 412 when the object already exists.
	NewWriter(ctx context.Context, bucket, object string, ifNotExist bool) GCSWriter
	// NewReader returns a reader for the given object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given object.
	Delete(ctx context.Context, bucket, object string) error
	// ListObjects lists object names with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string, ifNotExist bool) GCSWriter {
	obj := c.client.Bucket(bucket).Object(object)
	if ifNotExist {
		obj = obj.If(gcs.Conditions{DoesNotExist: true})
	}
	return obj.NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCSStore implements ChunkStore on a single GCS bucket. Chunk writes carry
// a DoesNotExist precondition so the bucket enforces write-once.
type GCSStore struct {
	// Bucket is the GCS bucket name.
	Bucket string
	// Project is the GCP project ID.
	Project string
	// Prefix is the key prefix for all chunks in the bucket.
	Prefix string
	// DeleteConcurrency bounds parallel object deletions.
	DeleteConcurrency int

	client GCSAPI
}

var _ ChunkStore = (*GCSStore)(nil)

// NewGCSStore creates a GCSStore for cfg.Bucket and verifies the bucket is
// accessible.
func NewGCSStore(ctx context.Context, cfg config.GCPConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage.gcp.bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	st := NewGCSStoreWithClient(cfg.Bucket, cfg.Project, cfg.Prefix, &realGCSClient{client: client})
	if err := st.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("GCS chunk store initialized", "bucket", cfg.Bucket, "project", cfg.Project, "prefix", cfg.Prefix)
	return st, nil
}

// NewGCSStoreWithClient creates a GCSStore with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewGCSStoreWithClient(bucket, project, prefix string, client GCSAPI) *GCSStore {
	return &GCSStore{
		Bucket:            bucket,
		Project:           project,
		Prefix:            prefix,
		DeleteConcurrency: 8,
		client:            client,
	}
}

// PutChunk uploads the chunk as a new GCS object.
func (s *GCSStore) PutChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	w := s.client.NewWriter(ctx, s.Bucket, chunkKey(s.Prefix, objectID, seq), true)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading chunk %s/%d to GCS: %w", objectID, seq, err)
	}
	if err := w.Close(); err != nil {
		if isGCSPreconditionFailed(err) {
			return fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrDuplicateChunk)
		}
		return fmt.Errorf("finalizing chunk %s/%d upload: %w", objectID, seq, err)
	}
	return nil
}

// GetChunk downloads the chunk object.
func (s *GCSStore) GetChunk(ctx context.Context, objectID string, seq int64) ([]byte, error) {
	r, err := s.client.NewReader(ctx, s.Bucket, chunkKey(s.Prefix, objectID, seq))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrChunkNotFound)
		}
		return nil, fmt.Errorf("getting chunk %s/%d from GCS: %w", objectID, seq, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading chunk %s/%d body: %w", objectID, seq, err)
	}
	return data, nil
}

// DeleteChunks lists the object's chunks and deletes them in parallel.
// GCS has no batch delete in the client library.
func (s *GCSStore) DeleteChunks(ctx context.Context, objectID string) error {
	names, err := s.client.ListObjects(ctx, s.Bucket, objectPrefix(s.Prefix, objectID))
	if err != nil {
		return fmt.Errorf("listing chunks of %q: %w", objectID, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.DeleteConcurrency, 1))
	for _, name := range names {
		g.Go(func() error {
			if err := s.client.Delete(gctx, s.Bucket, name); err != nil && !isGCSNotFound(err) {
				return fmt.Errorf("deleting %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("deleting chunks of %q: %w", objectID, err)
	}
	return nil
}

// HealthCheck lists a prefix that never exists to prove bucket access.
func (s *GCSStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.ListObjects(ctx, s.Bucket, "\x00healthcheck\x00")
	return err
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}

// isGCSPreconditionFailed reports whether a DoesNotExist precondition failed.
func isGCSPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
