// Chunk store backed by an AWS S3 bucket via the AWS SDK for Go v2.
//
// Key mapping:
//
//	Chunks:  {prefix}{object_id}/{seq:012d}
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.) unless static keys are
// configured.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/reelstore/reelstore/internal/config"
	reelerr "github.com/reelstore/reelstore/internal/errors"
)

// s3DeleteBatch is the most keys a single DeleteObjects call accepts.
const s3DeleteBatch = 1000

// S3API defines the subset of the AWS S3 client interface that S3Store
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store implements ChunkStore on a single S3 bucket. Every chunk is one
// S3 object, written with If-None-Match: * so the bucket itself enforces
// write-once.
type S3Store struct {
	// Bucket is the S3 bucket name.
	Bucket string
	// Prefix is the key prefix for all chunks in the bucket.
	Prefix string
	// DeleteConcurrency bounds parallel DeleteObjects batches.
	DeleteConcurrency int

	client S3API
}

var _ ChunkStore = (*S3Store)(nil)

// NewS3Store creates an S3Store for cfg.Bucket. It initializes the AWS SDK
// client using the default credential chain, with optional overrides for a
// custom endpoint, path-style addressing, and static credentials, and
// verifies that the bucket is reachable.
func NewS3Store(ctx context.Context, cfg config.AWSConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage.aws.bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	st := NewS3StoreWithClient(cfg.Bucket, cfg.Prefix, client)
	if err := st.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("S3 chunk store initialized", "bucket", cfg.Bucket, "region", region, "prefix", cfg.Prefix)
	return st, nil
}

// NewS3StoreWithClient creates an S3Store with a pre-configured S3 client.
// This is primarily used for testing with mock clients.
func NewS3StoreWithClient(bucket, prefix string, client S3API) *S3Store {
	return &S3Store{
		Bucket:            bucket,
		Prefix:            prefix,
		DeleteConcurrency: 4,
		client:            client,
	}
}

// PutChunk uploads the chunk as a new S3 object.
func (s *S3Store) PutChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(chunkKey(s.Prefix, objectID, seq)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		if isAWSPreconditionFailed(err) {
			return fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrDuplicateChunk)
		}
		return fmt.Errorf("uploading chunk %s/%d to S3: %w", objectID, seq, err)
	}
	return nil
}

// GetChunk downloads the chunk object.
func (s *S3Store) GetChunk(ctx context.Context, objectID string, seq int64) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(chunkKey(s.Prefix, objectID, seq)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrChunkNotFound)
		}
		return nil, fmt.Errorf("getting chunk %s/%d from S3: %w", objectID, seq, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading chunk %s/%d body: %w", objectID, seq, err)
	}
	return data, nil
}

// DeleteChunks lists every key under the object's prefix and removes them
// in batches, running up to DeleteConcurrency batches at once.
func (s *S3Store) DeleteChunks(ctx context.Context, objectID string) error {
	prefix := objectPrefix(s.Prefix, objectID)

	var keys []string
	var token *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("listing chunks of %q: %w", objectID, err)
		}
		for _, obj := range resp.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(resp.IsTruncated) || resp.NextContinuationToken == nil {
			break
		}
		token = resp.NextContinuationToken
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.DeleteConcurrency, 1))
	for start := 0; start < len(keys); start += s3DeleteBatch {
		batch := keys[start:min(start+s3DeleteBatch, len(keys))]
		g.Go(func() error {
			return s.deleteBatch(gctx, batch)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("deleting chunks of %q: %w", objectID, err)
	}
	return nil
}

func (s *S3Store) deleteBatch(ctx context.Context, keys []string) error {
	objects := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
	}
	resp, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.Bucket),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		first := resp.Errors[0]
		return fmt.Errorf("%d keys not deleted, first %s: %s", len(resp.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
	}
	return nil
}

// HealthCheck verifies the bucket is accessible.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.Bucket),
	})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

// isAWSPreconditionFailed reports whether a conditional write lost to an
// existing object.
func isAWSPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 412 {
		return true
	}
	return false
}
