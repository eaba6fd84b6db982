// Chunk store for S3-compatible endpoints (MinIO, Ceph RGW, R2) via
// minio-go.
//
// Key mapping:
//
//	Chunks:  {prefix}{object_id}/{seq:012d}

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/reelstore/reelstore/internal/config"
	reelerr "github.com/reelstore/reelstore/internal/errors"
)

// MinioStore implements ChunkStore on a bucket of an S3-compatible server.
//
// Write-once is checked with StatObject before PutObject. The check is not
// atomic with the write; the single-writer lock in the blob engine is what
// keeps two writers off the same chunk.
type MinioStore struct {
	Bucket string
	Prefix string

	client *minio.Client
}

var _ ChunkStore = (*MinioStore)(nil)

// NewMinioStore connects to cfg.Endpoint and verifies the bucket exists.
func NewMinioStore(ctx context.Context, cfg config.MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("storage.minio.endpoint and storage.minio.bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	st := NewMinioStoreWithClient(cfg.Bucket, cfg.Prefix, client)
	if err := st.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access minio bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("MinIO chunk store initialized", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return st, nil
}

// NewMinioStoreWithClient creates a MinioStore around an existing client.
func NewMinioStoreWithClient(bucket, prefix string, client *minio.Client) *MinioStore {
	return &MinioStore{Bucket: bucket, Prefix: prefix, client: client}
}

// PutChunk uploads the chunk unless an object already exists at its key.
func (s *MinioStore) PutChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	key := chunkKey(s.Prefix, objectID, seq)

	_, err := s.client.StatObject(ctx, s.Bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrDuplicateChunk)
	}
	if !isMinioNotFound(err) {
		return fmt.Errorf("checking chunk %s/%d: %w", objectID, seq, err)
	}

	_, err = s.client.PutObject(ctx, s.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("uploading chunk %s/%d: %w", objectID, seq, err)
	}
	return nil
}

// GetChunk downloads the chunk. minio-go defers the request until the first
// read, so not-found surfaces from ReadAll.
func (s *MinioStore) GetChunk(ctx context.Context, objectID string, seq int64) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.Bucket, chunkKey(s.Prefix, objectID, seq), minio.GetObjectOptions{})
	if err == nil {
		defer obj.Close()
		var data []byte
		data, err = io.ReadAll(obj)
		if err == nil {
			return data, nil
		}
	}
	if isMinioNotFound(err) {
		return nil, fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrChunkNotFound)
	}
	return nil, fmt.Errorf("getting chunk %s/%d: %w", objectID, seq, err)
}

// DeleteChunks streams the listing of the object's prefix into the
// multi-object delete API.
func (s *MinioStore) DeleteChunks(ctx context.Context, objectID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listErr := make(chan error, 1)
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for info := range s.client.ListObjects(ctx, s.Bucket, minio.ListObjectsOptions{
			Prefix:    objectPrefix(s.Prefix, objectID),
			Recursive: true,
		}) {
			if info.Err != nil {
				listErr <- info.Err
				return
			}
			select {
			case objectsCh <- info:
			case <-ctx.Done():
				return
			}
		}
	}()

	for rerr := range s.client.RemoveObjects(ctx, s.Bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil && !isMinioNotFound(rerr.Err) {
			return fmt.Errorf("deleting %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	select {
	case err := <-listErr:
		return fmt.Errorf("listing chunks of %q: %w", objectID, err)
	default:
		return nil
	}
}

// HealthCheck verifies that the bucket exists.
func (s *MinioStore) HealthCheck(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", s.Bucket)
	}
	return nil
}

func isMinioNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchObject"
}
