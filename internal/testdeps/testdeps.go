// Package testdeps starts the external services that integration tests run
// against. Tests are skipped when SKIP_INTEGRATION=1.
package testdeps

import (
	"context"
	"os"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/testcontainers/testcontainers-go"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
)

const (
	accessKey = "minioadmin"
	secretKey = "minioadmin"
	bucket    = "reelstore-test"
	region    = "us-east-1"
)

type Env struct {
	t   *testing.T
	cfg *config

	mongoURL      string
	MinioEndpoint string
	MinioBucket   string
	MinioKey      string
	MinioSecret   string

	containers []testcontainers.Container
}

type Option func(*config)

type config struct {
	useMongo bool
	useMinio bool
}

func WithMongo() Option {
	return func(c *config) {
		c.useMongo = true
	}
}

func WithMinio() Option {
	return func(c *config) {
		c.useMinio = true
	}
}

// New starts the requested containers and terminates them when the test
// finishes. The test is skipped if SKIP_INTEGRATION=1 or no container
// runtime is reachable.
func New(ctx context.Context, t *testing.T, opts ...Option) *Env {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") == "1" {
		t.Skip("Skipping integration test")
	}
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	env := &Env{
		cfg:         cfg,
		MinioBucket: bucket,
		MinioKey:    accessKey,
		MinioSecret: secretKey,
		t:           t,
	}

	t.Cleanup(func() {
		for _, c := range env.containers {
			_ = testcontainers.TerminateContainer(c)
		}
	})

	if cfg.useMongo {
		env.startMongo(ctx)
	}
	if cfg.useMinio {
		env.startMinio(ctx)
	}

	return env
}

// MongoURL returns the URL to the Mongo server, or fails the test if Mongo is
// not enabled. Use WithMongo to enable it.
func (e *Env) MongoURL() string {
	e.t.Helper()

	if !e.cfg.useMongo {
		e.t.Fatalf("mongo is not enabled; use WithMongo to enable it")
	}
	return e.mongoURL
}

// MinioClient returns a client for the MinIO container, or fails the test if
// MinIO is not enabled. Use WithMinio to enable it.
func (e *Env) MinioClient() *minio.Client {
	e.t.Helper()

	if !e.cfg.useMinio {
		e.t.Fatalf("minio is not enabled; use WithMinio to enable it")
	}
	c, err := minio.New(e.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(e.MinioKey, e.MinioSecret, ""),
		Secure: false,
	})
	if err != nil {
		e.t.Fatalf("minio.New: %v", err)
	}
	return c
}

func (e *Env) startMongo(ctx context.Context) {
	mongoC, err := tcmongo.Run(ctx, "mongo:6")
	if err != nil {
		e.t.Fatalf("tcmongo.Run: %v", err)
	}
	e.containers = append(e.containers, mongoC)

	cs, err := mongoC.ConnectionString(ctx)
	if err != nil {
		e.t.Fatalf("ConnectionString: %v", err)
	}
	e.mongoURL = cs
}

func (e *Env) startMinio(ctx context.Context) {
	c, err := tcminio.Run(ctx,
		"minio/minio:latest",
		tcminio.WithUsername(accessKey),
		tcminio.WithPassword(secretKey))
	if err != nil {
		e.t.Fatalf("tcminio.Run: %v", err)
	}
	e.containers = append(e.containers, c)

	endpoint, err := c.ConnectionString(ctx)
	if err != nil {
		e.t.Fatalf("ConnectionString: %v", err)
	}
	e.MinioEndpoint = endpoint

	if err := e.MinioClient().MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		e.t.Fatalf("MakeBucket: %v", err)
	}
}
