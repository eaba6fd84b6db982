// Package main is the entry point for the ReelStore chunked blob server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/reelstore/reelstore/internal/blob"
	"github.com/reelstore/reelstore/internal/config"
	"github.com/reelstore/reelstore/internal/logging"
	"github.com/reelstore/reelstore/internal/metadata"
	"github.com/reelstore/reelstore/internal/metrics"
	"github.com/reelstore/reelstore/internal/server"
	"github.com/reelstore/reelstore/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	maxObjectSize := flag.Int64("max-object-size", 0, "maximum object size in bytes (default: from config or 5368709120)")
	chunkSize := flag.Int64("chunk-size", 0, "chunk size in bytes for new uploads (default: from config or 4194304)")
	backend := flag.String("storage", "", "chunk store backend (default: from config or local)")
	engine := flag.String("metadata", "", "metadata registry engine (default: from config or sqlite)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxObjectSize != 0 {
		cfg.Server.MaxObjectSize = *maxObjectSize
	}
	if *chunkSize != 0 {
		cfg.Blob.ChunkSize = *chunkSize
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *engine != "" {
		cfg.Metadata.Engine = *engine
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Observability.Metrics {
		metrics.Register()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Crash-only design: every startup is recovery. Temp files are cleaned
	// when the chunk store opens, and the first maintenance pass reaps
	// uploads and deletions a previous process left unfinished.
	registry, err := openRegistry(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata registry: %v\n", err)
		os.Exit(1)
	}
	defer registry.Close()

	chunks, err := openChunkStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize chunk store: %v\n", err)
		os.Exit(1)
	}
	if c, ok := chunks.(io.Closer); ok {
		defer c.Close()
	}
	if cfg.Blob.CacheChunks > 0 {
		cached, err := storage.NewCachedStore(chunks, cfg.Blob.CacheChunks)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize chunk cache: %v\n", err)
			os.Exit(1)
		}
		chunks = cached
		slog.Info("Chunk cache enabled", "chunks", cfg.Blob.CacheChunks)
	}

	store, err := blob.New(chunks, registry, blob.Config{
		ChunkSize:     cfg.Blob.ChunkSize,
		MaxObjectSize: cfg.Server.MaxObjectSize,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create blob store: %v\n", err)
		os.Exit(1)
	}

	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		store.RunMaintenance(ctx,
			time.Duration(cfg.Blob.ReapIntervalSeconds)*time.Second,
			time.Duration(cfg.Blob.UploadTTLSeconds)*time.Second)
	}()

	srv, err := server.New(cfg, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ReelStore listening", "addr", addr, "storage", cfg.Storage.Backend, "metadata", cfg.Metadata.Engine)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Received signal, shutting down")

		// Give in-flight requests time to complete. Uploads cut off by the
		// deadline clean up after themselves.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		<-maintenanceDone
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// openRegistry builds the metadata registry selected by cfg.Metadata.Engine.
func openRegistry(ctx context.Context, cfg *config.Config) (metadata.Registry, error) {
	switch cfg.Metadata.Engine {
	case "memory":
		slog.Info("Metadata registry initialized", "engine", "memory")
		return metadata.NewMemoryRegistry(), nil
	case "local":
		r, err := metadata.NewJournalRegistry(cfg.Metadata.Local)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata registry initialized", "engine", "local", "root", cfg.Metadata.Local.RootDir)
		return r, nil
	case "dynamodb":
		if cfg.Metadata.DynamoDB.Table == "" {
			return nil, fmt.Errorf("metadata.dynamodb.table is required when engine is 'dynamodb'")
		}
		return metadata.NewDynamoDBRegistry(ctx, cfg.Metadata.DynamoDB)
	case "firestore":
		if cfg.Metadata.Firestore.ProjectID == "" {
			return nil, fmt.Errorf("metadata.firestore.project_id is required when engine is 'firestore'")
		}
		return metadata.NewFirestoreRegistry(ctx, cfg.Metadata.Firestore)
	case "cosmos":
		if cfg.Metadata.Cosmos.Endpoint == "" {
			return nil, fmt.Errorf("metadata.cosmos.endpoint is required when engine is 'cosmos'")
		}
		return metadata.NewCosmosRegistry(ctx, cfg.Metadata.Cosmos)
	case "mongo":
		if cfg.Metadata.Mongo.URI == "" {
			return nil, fmt.Errorf("metadata.mongo.uri is required when engine is 'mongo'")
		}
		return metadata.NewMongoRegistry(ctx, cfg.Metadata.Mongo)
	case "sqlite":
		dbPath := cfg.Metadata.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating metadata directory: %w", err)
		}
		r, err := metadata.NewSQLiteRegistry(dbPath)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata registry initialized", "engine", "sqlite", "path", dbPath)
		return r, nil
	default:
		return nil, fmt.Errorf("unknown metadata engine %q", cfg.Metadata.Engine)
	}
}

// openChunkStore builds the chunk store selected by cfg.Storage.Backend.
func openChunkStore(ctx context.Context, cfg *config.Config) (storage.ChunkStore, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case "aws":
		if sc.AWS.Bucket == "" {
			return nil, fmt.Errorf("storage.aws.bucket is required when backend is 'aws'")
		}
		s, err := storage.NewS3Store(ctx, sc.AWS)
		if err != nil {
			return nil, err
		}
		s.DeleteConcurrency = sc.DeleteConcurrency
		slog.Info("Chunk store initialized", "backend", "aws", "bucket", sc.AWS.Bucket, "region", sc.AWS.Region, "prefix", sc.AWS.Prefix)
		return s, nil
	case "gcp":
		if sc.GCP.Bucket == "" {
			return nil, fmt.Errorf("storage.gcp.bucket is required when backend is 'gcp'")
		}
		s, err := storage.NewGCSStore(ctx, sc.GCP)
		if err != nil {
			return nil, err
		}
		s.DeleteConcurrency = sc.DeleteConcurrency
		slog.Info("Chunk store initialized", "backend", "gcp", "bucket", sc.GCP.Bucket, "prefix", sc.GCP.Prefix)
		return s, nil
	case "azure":
		if sc.Azure.Container == "" {
			return nil, fmt.Errorf("storage.azure.container is required when backend is 'azure'")
		}
		if sc.Azure.AccountURL == "" && sc.Azure.Account == "" && sc.Azure.ConnectionString == "" {
			return nil, fmt.Errorf("storage.azure.account, account_url or connection_string is required when backend is 'azure'")
		}
		s, err := storage.NewAzureStore(ctx, sc.Azure)
		if err != nil {
			return nil, err
		}
		s.DeleteConcurrency = sc.DeleteConcurrency
		slog.Info("Chunk store initialized", "backend", "azure", "container", sc.Azure.Container, "prefix", sc.Azure.Prefix)
		return s, nil
	case "minio":
		if sc.Minio.Endpoint == "" || sc.Minio.Bucket == "" {
			return nil, fmt.Errorf("storage.minio.endpoint and bucket are required when backend is 'minio'")
		}
		return storage.NewMinioStore(ctx, sc.Minio)
	case "mongo":
		if sc.Mongo.URI == "" {
			return nil, fmt.Errorf("storage.mongo.uri is required when backend is 'mongo'")
		}
		return storage.NewMongoStore(ctx, sc.Mongo)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(sc.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating chunk database directory: %w", err)
		}
		s, err := storage.NewSQLiteStore(sc.SQLite.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("Chunk store initialized", "backend", "sqlite", "path", sc.SQLite.Path)
		return s, nil
	case "memory":
		opts := []storage.MemoryOption{storage.WithMaxSize(sc.Memory.MaxSizeBytes)}
		if sc.Memory.SnapshotPath != "" {
			opts = append(opts, storage.WithSnapshot(sc.Memory.SnapshotPath, time.Duration(sc.Memory.SnapshotIntervalSeconds)*time.Second))
		}
		s, err := storage.NewMemoryStore(opts...)
		if err != nil {
			return nil, err
		}
		slog.Info("Chunk store initialized", "backend", "memory", "max_size_bytes", sc.Memory.MaxSizeBytes, "snapshot", sc.Memory.SnapshotPath)
		return s, nil
	case "local":
		s, err := storage.NewLocalStore(sc.Local.RootDir)
		if err != nil {
			return nil, err
		}
		// Temp files left behind are chunk writes interrupted by a crash.
		if err := s.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		slog.Info("Chunk store initialized", "backend", "local", "root", sc.Local.RootDir)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}
