package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/reelstore/reelstore/internal/config"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBRegistry.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBRegistry implements Registry on a single DynamoDB table with a
// composite (pk, sk) key. Transitions are conditional updates on the
// status attribute.
type DynamoDBRegistry struct {
	client    DynamoDBAPI
	tableName string
	opts      options
}

var _ Registry = (*DynamoDBRegistry)(nil)

func NewDynamoDBRegistry(ctx context.Context, cfg config.DynamoDBConfig, opts ...Option) (*DynamoDBRegistry, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	slog.Info("DynamoDB registry initialized", "table", cfg.Table, "region", region)
	return NewDynamoDBRegistryWithClient(cfg.Table, dynamodb.NewFromConfig(awsCfg), opts...), nil
}

// NewDynamoDBRegistryWithClient creates a DynamoDBRegistry on an existing
// client. This is primarily useful for testing with a mock client.
func NewDynamoDBRegistryWithClient(table string, client DynamoDBAPI, opts ...Option) *DynamoDBRegistry {
	return &DynamoDBRegistry{client: client, tableName: table, opts: buildOptions(opts)}
}

func (r *DynamoDBRegistry) Ping(ctx context.Context) error {
	_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(r.tableName),
	})
	return err
}

func (r *DynamoDBRegistry) Close() error {
	return nil
}

func pkObject(id string) string {
	return "OBJECT#" + id
}

func skMetadata() string {
	return "#METADATA"
}

func (r *DynamoDBRegistry) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pkObject(id)},
		"sk": &types.AttributeValueMemberS{Value: skMetadata()},
	}
}

func (r *DynamoDBRegistry) BeginUpload(ctx context.Context, rec *ObjectRecord) error {
	cp, err := newRecord(rec, r.opts.clock.Now())
	if err != nil {
		return err
	}
	attrs, err := json.Marshal(cp.Attributes)
	if err != nil {
		return fmt.Errorf("marshaling attributes: %w", err)
	}

	item := r.key(cp.ID)
	item["type"] = &types.AttributeValueMemberS{Value: "object"}
	item["id"] = &types.AttributeValueMemberS{Value: cp.ID}
	item["length"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cp.Length, 10)}
	item["chunk_size"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cp.ChunkSize, 10)}
	item["content_type"] = &types.AttributeValueMemberS{Value: cp.ContentType}
	item["attributes"] = &types.AttributeValueMemberS{Value: string(attrs)}
	item["status"] = &types.AttributeValueMemberS{Value: string(cp.Status)}
	item["created_at"] = &types.AttributeValueMemberS{Value: formatTime(cp.CreatedAt)}
	item["updated_at"] = &types.AttributeValueMemberS{Value: formatTime(cp.UpdatedAt)}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return alreadyExists(cp.ID)
		}
		return fmt.Errorf("creating object %s: %w", cp.ID, err)
	}
	return nil
}

func (r *DynamoDBRegistry) CompleteUpload(ctx context.Context, id string, length int64) error {
	if err := validateLength(length); err != nil {
		return err
	}
	return r.transition(ctx, id, StatusComplete, length)
}

func (r *DynamoDBRegistry) MarkFailed(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusFailed, -1)
}

func (r *DynamoDBRegistry) MarkDeleted(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusDeleted, -1)
}

func (r *DynamoDBRegistry) transition(ctx context.Context, id string, to Status, length int64) error {
	update := "SET #status = :to, updated_at = :now"
	values := map[string]types.AttributeValue{
		":to":   &types.AttributeValueMemberS{Value: string(to)},
		":from": &types.AttributeValueMemberS{Value: string(sourceStatus(to))},
		":now":  &types.AttributeValueMemberS{Value: formatTime(stamp(r.opts.clock.Now()))},
	}
	names := map[string]string{"#status": "status"}
	if length >= 0 {
		update += ", #length = :len"
		values[":len"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(length, 10)}
		names["#length"] = "length"
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       r.key(id),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_exists(pk) AND #status = :from"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err == nil {
		return nil
	}
	if !isConditionalCheckFailed(err) {
		return fmt.Errorf("updating object %s: %w", id, err)
	}

	cur, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = checkTransition(id, cur.Status, to)
	return err
}

func (r *DynamoDBRegistry) Get(ctx context.Context, id string) (*ObjectRecord, error) {
	resp, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object %s: %w", id, err)
	}
	if resp.Item == nil {
		return nil, notFound(id)
	}
	return itemToRecord(resp.Item), nil
}

func (r *DynamoDBRegistry) List(ctx context.Context, opts ListOptions) ([]ObjectRecord, error) {
	filter := []string{"#type = :object"}
	names := map[string]string{"#type": "type"}
	values := map[string]types.AttributeValue{
		":object": &types.AttributeValueMemberS{Value: "object"},
	}
	if opts.Status != "" {
		filter = append(filter, "#status = :status")
		names["#status"] = "status"
		values[":status"] = &types.AttributeValueMemberS{Value: string(opts.Status)}
	}
	if !opts.UpdatedBefore.IsZero() {
		filter = append(filter, "updated_at < :before")
		values[":before"] = &types.AttributeValueMemberS{Value: formatTime(opts.UpdatedBefore)}
	}

	var out []ObjectRecord
	var exclusiveStartKey map[string]types.AttributeValue
	for {
		resp, err := r.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(r.tableName),
			FilterExpression:          aws.String(strings.Join(filter, " AND ")),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         exclusiveStartKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning objects: %w", err)
		}
		for _, item := range resp.Items {
			rec := itemToRecord(item)
			if opts.match(rec) {
				out = append(out, *rec)
			}
		}
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}

	slices.SortFunc(out, func(a, b ObjectRecord) int {
		return strings.Compare(a.ID, b.ID)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (r *DynamoDBRegistry) Purge(ctx context.Context, id string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(r.tableName),
		Key:                      r.key(id),
		ConditionExpression:      aws.String("attribute_not_exists(pk) OR #status IN (:failed, :deleted)"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":  &types.AttributeValueMemberS{Value: string(StatusFailed)},
			":deleted": &types.AttributeValueMemberS{Value: string(StatusDeleted)},
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionalCheckFailed(err) {
		return fmt.Errorf("purging object %s: %w", id, err)
	}
	cur, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return checkPurge(id, cur.Status)
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	return strings.Contains(err.Error(), "ConditionalCheckFailedException")
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key]; ok {
		if sv, ok := v.(*types.AttributeValueMemberS); ok {
			return sv.Value
		}
	}
	return ""
}

func getNInt(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key]; ok {
		if nv, ok := v.(*types.AttributeValueMemberN); ok {
			n, err := strconv.ParseInt(nv.Value, 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func itemToRecord(item map[string]types.AttributeValue) *ObjectRecord {
	rec := &ObjectRecord{
		ID:          getString(item, "id"),
		Length:      getNInt(item, "length"),
		ChunkSize:   getNInt(item, "chunk_size"),
		ContentType: getString(item, "content_type"),
		Status:      Status(getString(item, "status")),
		CreatedAt:   parseTime(getString(item, "created_at")),
		UpdatedAt:   parseTime(getString(item, "updated_at")),
		Attributes:  map[string]string{},
	}
	if raw := getString(item, "attributes"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &rec.Attributes)
	}
	return rec
}
