package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/reelstore/reelstore/internal/config"
	reelerr "github.com/reelstore/reelstore/internal/errors"
)

// cosmosPartition is the partition key value shared by every object item.
const cosmosPartition = "object"

// maxETagRetries bounds optimistic-concurrency retries on a contended record.
const maxETagRetries = 5

// CosmosRegistry implements Registry on an Azure Cosmos DB container.
// Transitions are read-modify-replace cycles guarded by the item's ETag.
type CosmosRegistry struct {
	client    *azcosmos.ContainerClient
	database  string
	container string
	opts      options
}

var _ Registry = (*CosmosRegistry)(nil)

type cosmosItem struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Length      int64             `json:"length"`
	ChunkSize   int64             `json:"chunk_size"`
	ContentType string            `json:"content_type,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Status      string            `json:"status"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

func NewCosmosRegistry(ctx context.Context, cfg config.CosmosConfig, opts ...Option) (*CosmosRegistry, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cosmos endpoint is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}

	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	containerClient, err := client.NewContainer(cfg.Database, cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	slog.Info("Cosmos registry initialized", "database", cfg.Database, "container", cfg.Container)
	return &CosmosRegistry{
		client:    containerClient,
		database:  cfg.Database,
		container: cfg.Container,
		opts:      buildOptions(opts),
	}, nil
}

func (r *CosmosRegistry) Ping(ctx context.Context) error {
	_, err := r.client.Read(ctx, nil)
	return err
}

func (r *CosmosRegistry) Close() error {
	return nil
}

func (r *CosmosRegistry) pk() azcosmos.PartitionKey {
	return azcosmos.NewPartitionKeyString(cosmosPartition)
}

func (r *CosmosRegistry) BeginUpload(ctx context.Context, rec *ObjectRecord) error {
	cp, err := newRecord(rec, r.opts.clock.Now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(recordToItem(cp))
	if err != nil {
		return fmt.Errorf("marshaling object: %w", err)
	}

	_, err = r.client.CreateItem(ctx, r.pk(), data, nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusConflict {
			return alreadyExists(cp.ID)
		}
		return fmt.Errorf("creating object %s: %w", cp.ID, err)
	}
	return nil
}

func (r *CosmosRegistry) CompleteUpload(ctx context.Context, id string, length int64) error {
	if err := validateLength(length); err != nil {
		return err
	}
	return r.transition(ctx, id, StatusComplete, length)
}

func (r *CosmosRegistry) MarkFailed(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusFailed, -1)
}

func (r *CosmosRegistry) MarkDeleted(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusDeleted, -1)
}

func (r *CosmosRegistry) transition(ctx context.Context, id string, to Status, length int64) error {
	for range maxETagRetries {
		item, etag, err := r.read(ctx, id)
		if err != nil {
			return err
		}
		apply, err := checkTransition(id, Status(item.Status), to)
		if err != nil || !apply {
			return err
		}

		item.Status = string(to)
		item.UpdatedAt = formatTime(stamp(r.opts.clock.Now()))
		if length >= 0 {
			item.Length = length
		}
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshaling object: %w", err)
		}

		_, err = r.client.ReplaceItem(ctx, r.pk(), id, data, &azcosmos.ItemOptions{IfMatchEtag: &etag})
		if err == nil {
			return nil
		}
		if cosmosStatus(err) != http.StatusPreconditionFailed {
			return fmt.Errorf("replacing object %s: %w", id, err)
		}
	}
	return fmt.Errorf("updating object %s: too much contention", id)
}

func (r *CosmosRegistry) read(ctx context.Context, id string) (*cosmosItem, azcore.ETag, error) {
	resp, err := r.client.ReadItem(ctx, r.pk(), id, nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, "", notFound(id)
		}
		return nil, "", fmt.Errorf("getting object %s: %w", id, err)
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, "", fmt.Errorf("unmarshaling object %s: %w", id, err)
	}
	return &item, resp.ETag, nil
}

func (r *CosmosRegistry) Get(ctx context.Context, id string) (*ObjectRecord, error) {
	item, _, err := r.read(ctx, id)
	if err != nil {
		return nil, err
	}
	return itemToRecordCosmos(item), nil
}

func (r *CosmosRegistry) List(ctx context.Context, opts ListOptions) ([]ObjectRecord, error) {
	query := "SELECT * FROM c WHERE c.type = 'object'"
	var params []azcosmos.QueryParameter
	if opts.Status != "" {
		query += " AND c.status = @status"
		params = append(params, azcosmos.QueryParameter{Name: "@status", Value: string(opts.Status)})
	}
	if !opts.UpdatedBefore.IsZero() {
		query += " AND c.updated_at < @before"
		params = append(params, azcosmos.QueryParameter{Name: "@before", Value: formatTime(opts.UpdatedBefore)})
	}

	pager := r.client.NewQueryItemsPager(query, r.pk(), &azcosmos.QueryOptions{
		QueryParameters: params,
	})

	var out []ObjectRecord
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects: %w", err)
		}
		for _, raw := range resp.Items {
			var item cosmosItem
			if err := json.Unmarshal(raw, &item); err != nil {
				continue
			}
			rec := itemToRecordCosmos(&item)
			if opts.match(rec) {
				out = append(out, *rec)
			}
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

func (r *CosmosRegistry) Purge(ctx context.Context, id string) error {
	item, etag, err := r.read(ctx, id)
	if err != nil {
		if errors.Is(err, reelerr.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := checkPurge(id, Status(item.Status)); err != nil {
		return err
	}
	_, err = r.client.DeleteItem(ctx, r.pk(), id, &azcosmos.ItemOptions{IfMatchEtag: &etag})
	switch cosmosStatus(err) {
	case 0, http.StatusNotFound:
		return nil
	case http.StatusPreconditionFailed:
		// Changed underneath us; re-evaluate against the new state.
		return r.Purge(ctx, id)
	}
	return fmt.Errorf("purging object %s: %w", id, err)
}

// cosmosStatus returns the HTTP status carried by a Cosmos error, or 0.
func cosmosStatus(err error) int {
	if err == nil {
		return 0
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return -1
}

func recordToItem(rec *ObjectRecord) *cosmosItem {
	return &cosmosItem{
		ID:          rec.ID,
		Type:        cosmosPartition,
		Length:      rec.Length,
		ChunkSize:   rec.ChunkSize,
		ContentType: rec.ContentType,
		Attributes:  rec.Attributes,
		Status:      string(rec.Status),
		CreatedAt:   formatTime(rec.CreatedAt),
		UpdatedAt:   formatTime(rec.UpdatedAt),
	}
}

func itemToRecordCosmos(item *cosmosItem) *ObjectRecord {
	attrs := item.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &ObjectRecord{
		ID:          item.ID,
		Length:      item.Length,
		ChunkSize:   item.ChunkSize,
		ContentType: item.ContentType,
		Attributes:  attrs,
		Status:      Status(item.Status),
		CreatedAt:   parseTime(item.CreatedAt),
		UpdatedAt:   parseTime(item.UpdatedAt),
	}
}
