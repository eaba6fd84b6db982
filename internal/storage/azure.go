// Chunk store backed by an Azure Blob Storage container.
//
// Key mapping:
//
//	Chunks:  {prefix}{object_id}/{seq:012d}
//
// Credentials come from a connection string, managed identity, or
// DefaultAzureCredential (env vars, Azure CLI, etc.), in that order.

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/reelstore/reelstore/internal/config"
	reelerr "github.com/reelstore/reelstore/internal/errors"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that AzureStore uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a new blob. It fails with an
	// already-exists error if the blob is present.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	// DownloadBlob downloads a blob's contents.
	DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// ListBlobs returns the names of blobs with the given prefix.
	ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error)
	// CheckContainer verifies the container exists and is reachable.
	CheckContainer(ctx context.Context, containerName string) error
}

// AzureStore implements ChunkStore on a single Azure Blob container.
type AzureStore struct {
	// Container is the Azure Blob container name.
	Container string
	// AccountURL is the storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Prefix is the key prefix for all chunks in the container.
	Prefix string
	// DeleteConcurrency bounds parallel blob deletions.
	DeleteConcurrency int

	client AzureBlobAPI
}

var _ ChunkStore = (*AzureStore)(nil)

// NewAzureStore creates an AzureStore from cfg and verifies the container
// is accessible.
func NewAzureStore(ctx context.Context, cfg config.AzureConfig) (*AzureStore, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("storage.azure.container is required")
	}
	accountURL := cfg.AccountURL
	if accountURL == "" && cfg.ConnectionString == "" {
		if cfg.Account == "" {
			return nil, fmt.Errorf("storage.azure.account or storage.azure.account_url is required")
		}
		accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}

	client, err := newRealAzureClient(accountURL, cfg.ConnectionString, cfg.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	st := NewAzureStoreWithClient(cfg.Container, accountURL, cfg.Prefix, client)
	if err := st.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", cfg.Container, err)
	}

	slog.Info("Azure chunk store initialized", "container", cfg.Container, "account", accountURL, "prefix", cfg.Prefix)
	return st, nil
}

// NewAzureStoreWithClient creates an AzureStore with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewAzureStoreWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureStore {
	return &AzureStore{
		Container:         container,
		AccountURL:        accountURL,
		Prefix:            prefix,
		DeleteConcurrency: 8,
		client:            client,
	}
}

// PutChunk uploads the chunk as a new block blob.
func (s *AzureStore) PutChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	if err := s.client.UploadBlob(ctx, s.Container, chunkKey(s.Prefix, objectID, seq), data); err != nil {
		if isAzureAlreadyExists(err) {
			return fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrDuplicateChunk)
		}
		return fmt.Errorf("uploading chunk %s/%d to Azure Blob: %w", objectID, seq, err)
	}
	return nil
}

// GetChunk downloads the chunk blob.
func (s *AzureStore) GetChunk(ctx context.Context, objectID string, seq int64) ([]byte, error) {
	data, err := s.client.DownloadBlob(ctx, s.Container, chunkKey(s.Prefix, objectID, seq))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("chunk %s/%d: %w", objectID, seq, reelerr.ErrChunkNotFound)
		}
		return nil, fmt.Errorf("downloading chunk %s/%d from Azure Blob: %w", objectID, seq, err)
	}
	return data, nil
}

// DeleteChunks lists the object's chunk blobs and deletes them in parallel.
func (s *AzureStore) DeleteChunks(ctx context.Context, objectID string) error {
	names, err := s.client.ListBlobs(ctx, s.Container, objectPrefix(s.Prefix, objectID))
	if err != nil {
		return fmt.Errorf("listing chunks of %q: %w", objectID, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.DeleteConcurrency, 1))
	for _, name := range names {
		g.Go(func() error {
			if err := s.client.DeleteBlob(gctx, s.Container, name); err != nil && !isAzureNotFound(err) {
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

// HealthCheck verifies the container is accessible.
func (s *AzureStore) HealthCheck(ctx context.Context) error {
	return s.client.CheckContainer(ctx, s.Container)
}

// isAzureNotFound checks if an Azure error is a not-found error. The SDK's
// typed codes are checked first, with message matching as a fallback for
// wrapped errors.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if hasAzureCode(err, azureBlobNotFound, azureContainerNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist")
}

// isAzureAlreadyExists reports whether an If-None-Match upload lost to an
// existing blob.
func isAzureAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	if hasAzureCode(err, azureBlobAlreadyExists, azureConditionNotMet) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobalreadyexists") || strings.Contains(msg, "conditionnotmet")
}
