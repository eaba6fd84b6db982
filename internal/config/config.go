// Package config handles loading and parsing of ReelStore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default values applied when the configuration leaves a field unset.
const (
	DefaultChunkSize           = 4 << 20 // 4 MiB
	DefaultMaxObjectSize       = 5 << 30 // 5 GiB
	DefaultCacheChunks         = 64
	DefaultUploadTTLSeconds    = 3600
	DefaultReapIntervalSeconds = 300
	DefaultShutdownTimeout     = 30
)

// Config is the top-level configuration for ReelStore.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Blob          BlobConfig          `yaml:"blob"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxObjectSize is the largest object accepted by an upload, in bytes.
	// Zero means the default; there is no "unlimited" setting.
	MaxObjectSize int64 `yaml:"max_object_size"`
}

// BlobConfig holds chunking and housekeeping settings for the blob engine.
type BlobConfig struct {
	// ChunkSize is the size in bytes of every chunk except possibly the last.
	// It is recorded per object, so changing it only affects new uploads.
	ChunkSize int64 `yaml:"chunk_size"`
	// CacheChunks is the number of chunks held in the read cache. 0 disables it.
	CacheChunks int `yaml:"cache_chunks"`
	// UploadTTLSeconds is how long an upload may stay in "uploading" since it
	// began before the reaper marks it failed. Set it above the longest
	// expected upload.
	UploadTTLSeconds int `yaml:"upload_ttl_seconds"`
	// ReapIntervalSeconds is the period of the stale-upload reaper.
	ReapIntervalSeconds int `yaml:"reap_interval_seconds"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// ObservabilityConfig toggles the operational endpoints.
type ObservabilityConfig struct {
	// Metrics enables the /metrics endpoint and request instrumentation.
	Metrics bool `yaml:"metrics"`
	// HealthCheck enables /readyz probing of the registry and chunk store.
	HealthCheck bool `yaml:"health_check"`
}

// MetadataConfig holds metadata registry settings.
type MetadataConfig struct {
	// Engine is the registry engine: "sqlite", "memory", "local",
	// "dynamodb", "firestore", "cosmos", or "mongo".
	Engine    string          `yaml:"engine"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Local     LocalMetaConfig `yaml:"local"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
	Mongo     MongoConfig     `yaml:"mongo"`
}

// SQLiteConfig holds SQLite database settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// LocalMetaConfig holds settings for the JSONL journal registry.
type LocalMetaConfig struct {
	RootDir string `yaml:"root_dir"`
	// CompactOnStartup rewrites the journal with live records only.
	CompactOnStartup bool `yaml:"compact_on_startup"`
}

// DynamoDBConfig holds DynamoDB registry settings.
type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds Firestore registry settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds Azure Cosmos DB registry settings.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// MongoConfig holds MongoDB connection settings, shared by the registry and
// the chunk store.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	// TimeoutSeconds bounds each driver operation.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// StorageConfig holds chunk store backend settings.
type StorageConfig struct {
	// Backend is the chunk store type: "local", "sqlite", "memory", "aws",
	// "gcp", "azure", "minio", or "mongo".
	Backend string       `yaml:"backend"`
	Local   LocalConfig  `yaml:"local"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Memory  MemoryConfig `yaml:"memory"`
	AWS     AWSConfig    `yaml:"aws"`
	GCP     GCPConfig    `yaml:"gcp"`
	Azure   AzureConfig  `yaml:"azure"`
	Minio   MinioConfig  `yaml:"minio"`
	Mongo   MongoConfig  `yaml:"mongo"`
	// DeleteConcurrency bounds parallel chunk removals on cloud backends.
	DeleteConcurrency int `yaml:"delete_concurrency"`
}

// LocalConfig holds local filesystem storage backend settings.
type LocalConfig struct {
	// RootDir is the base directory for chunk files.
	RootDir string `yaml:"root_dir"`
}

// MemoryConfig holds in-memory chunk store settings.
type MemoryConfig struct {
	// MaxSizeBytes caps the bytes held in memory. Zero means unlimited.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
	// SnapshotPath enables SQLite snapshot persistence when set.
	SnapshotPath            string `yaml:"snapshot_path"`
	SnapshotIntervalSeconds int    `yaml:"snapshot_interval_seconds"`
}

// AWSConfig holds S3 chunk store settings.
type AWSConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// Prefix is an optional key prefix for every chunk in the bucket.
	Prefix       string `yaml:"prefix"`
	EndpointURL  string `yaml:"endpoint_url"`
	UsePathStyle bool   `yaml:"use_path_style"`
	AccessKeyID  string `yaml:"access_key_id"`
	SecretKey    string `yaml:"secret_access_key"`
}

// GCPConfig holds Google Cloud Storage chunk store settings.
type GCPConfig struct {
	Bucket          string `yaml:"bucket"`
	Project         string `yaml:"project"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureConfig holds Azure Blob Storage chunk store settings.
type AzureConfig struct {
	Container string `yaml:"container"`
	// Account is the storage account name, used to build
	// https://{account}.blob.core.windows.net when AccountURL is empty.
	Account          string `yaml:"account"`
	AccountURL       string `yaml:"account_url"`
	Prefix           string `yaml:"prefix"`
	ConnectionString string `yaml:"connection_string"`
	// UseManagedIdentity selects managed identity over the default credential chain.
	UseManagedIdentity bool `yaml:"use_managed_identity"`
}

// MinioConfig holds settings for an S3-compatible MinIO endpoint.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed, validated Config with defaults applied.
// If the primary path fails, it falls back to reelstore.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "reelstore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "reelstore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated only with defaults.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// Validate rejects settings the blob engine cannot run with.
func (c *Config) Validate() error {
	if c.Blob.ChunkSize <= 0 {
		return fmt.Errorf("blob.chunk_size must be positive, got %d", c.Blob.ChunkSize)
	}
	if c.Server.MaxObjectSize < 0 {
		return fmt.Errorf("server.max_object_size must not be negative, got %d", c.Server.MaxObjectSize)
	}
	if c.Blob.CacheChunks < 0 {
		return fmt.Errorf("blob.cache_chunks must not be negative, got %d", c.Blob.CacheChunks)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults. Blob sizes are
// left for applyDefaults so that an explicit negative value in the file
// survives to Validate.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Blob: BlobConfig{
			CacheChunks:         DefaultCacheChunks,
			UploadTTLSeconds:    DefaultUploadTTLSeconds,
			ReapIntervalSeconds: DefaultReapIntervalSeconds,
		},
		Metadata: MetadataConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/metadata.db",
			},
		},
		Storage: StorageConfig{
			Backend: "local",
			Local: LocalConfig{
				RootDir: "./data/chunks",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxObjectSize == 0 {
		cfg.Server.MaxObjectSize = DefaultMaxObjectSize
	}
	if cfg.Blob.ChunkSize == 0 {
		cfg.Blob.ChunkSize = DefaultChunkSize
	}
	if cfg.Blob.UploadTTLSeconds == 0 {
		cfg.Blob.UploadTTLSeconds = DefaultUploadTTLSeconds
	}
	if cfg.Blob.ReapIntervalSeconds == 0 {
		cfg.Blob.ReapIntervalSeconds = DefaultReapIntervalSeconds
	}
	if cfg.Metadata.Engine == "" {
		cfg.Metadata.Engine = "sqlite"
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = "./data/metadata.db"
	}
	if cfg.Metadata.Local.RootDir == "" {
		cfg.Metadata.Local.RootDir = "./data/metadata"
	}
	if cfg.Metadata.DynamoDB.Region == "" {
		cfg.Metadata.DynamoDB.Region = "us-east-1"
	}
	if cfg.Metadata.Firestore.Collection == "" {
		cfg.Metadata.Firestore.Collection = "reelstore-objects"
	}
	if cfg.Metadata.Mongo.Database == "" {
		cfg.Metadata.Mongo.Database = "reelstore"
	}
	if cfg.Metadata.Mongo.TimeoutSeconds == 0 {
		cfg.Metadata.Mongo.TimeoutSeconds = 10
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = "./data/chunks"
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "./data/chunks.db"
	}
	if cfg.Storage.AWS.Region == "" {
		cfg.Storage.AWS.Region = "us-east-1"
	}
	if cfg.Storage.Mongo.Database == "" {
		cfg.Storage.Mongo.Database = "reelstore"
	}
	if cfg.Storage.Mongo.TimeoutSeconds == 0 {
		cfg.Storage.Mongo.TimeoutSeconds = 10
	}
	if cfg.Storage.DeleteConcurrency <= 0 {
		cfg.Storage.DeleteConcurrency = 8
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
