package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoRecord is the wire form of an entry in DynamoDB. ExpiresAt drives
// the table's TTL attribute so the service reaps expired entries on its own.
type dynamoRecord struct {
	CacheKey    string `dynamodbav:"cache_key"` // partition key, SHA-256 of Key
	Key         string `dynamodbav:"key"`
	Value       []byte `dynamodbav:"value"`
	CreatedAt   int64  `dynamodbav:"created_at"`
	TTLSeconds  int64  `dynamodbav:"ttl_seconds"`
	ExpiresAt   int64  `dynamodbav:"expires_at"`
	AccessCount int64  `dynamodbav:"access_count"`
}

// Dynamo is a persistent tier backed by a DynamoDB table, shared between
// processes. Used when provisioning runs on more than one host.
type Dynamo struct {
	client *dynamodb.Client
	table  string
}

// NewDynamo creates the DynamoDB tier on the given table.
func NewDynamo(client *dynamodb.Client, table string) *Dynamo {
	return &Dynamo{client: client, table: table}
}

// NewDynamoFromConfig creates the DynamoDB tier with its own SDK client.
func NewDynamoFromConfig(cfg aws.Config, table string) *Dynamo {
	return NewDynamo(dynamodb.NewFromConfig(cfg), table)
}

// Get reads the entry for key. Mismatched or expired records are deleted
// and reported as a miss.
func (d *Dynamo) Get(ctx context.Context, key string) (*Entry, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       d.itemKey(key),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get error: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var record dynamoRecord
	if err := attributevalue.UnmarshalMap(out.Item, &record); err != nil {
		_ = d.Delete(ctx, key)
		return nil, ErrNotFound
	}

	entry := &Entry{
		Key:         record.Key,
		Value:       record.Value,
		CreatedAt:   time.Unix(record.CreatedAt, 0),
		TTL:         time.Duration(record.TTLSeconds) * time.Second,
		AccessCount: record.AccessCount,
	}

	if record.Key != key || entry.Expired(time.Now()) {
		_ = d.Delete(ctx, key)
		return nil, ErrNotFound
	}

	return entry, nil
}

// Set stores the entry with a TTL attribute for server-side expiry.
func (d *Dynamo) Set(ctx context.Context, entry *Entry) error {
	record := dynamoRecord{
		CacheKey:    hashKey(entry.Key),
		Key:         entry.Key,
		Value:       entry.Value,
		CreatedAt:   entry.CreatedAt.Unix(),
		TTLSeconds:  int64(entry.TTL / time.Second),
		ExpiresAt:   entry.CreatedAt.Add(entry.TTL).Unix(),
		AccessCount: entry.AccessCount,
	}

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// Delete removes the key.
func (d *Dynamo) Delete(ctx context.Context, key string) error {
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       d.itemKey(key),
	}); err != nil {
		return fmt.Errorf("dynamodb delete error: %w", err)
	}
	return nil
}

// Clear scans and deletes every record. Expensive; intended for tests and
// operator tooling, not the hot path.
func (d *Dynamo) Clear(ctx context.Context) error {
	paginator := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:            aws.String(d.table),
		ProjectionExpression: aws.String("cache_key"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("dynamodb scan error: %w", err)
		}
		for _, item := range page.Items {
			if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(d.table),
				Key:       map[string]types.AttributeValue{"cache_key": item["cache_key"]},
			}); err != nil {
				return fmt.Errorf("dynamodb clear error: %w", err)
			}
		}
	}
	return nil
}

// Close is a no-op; the SDK client is shared.
func (d *Dynamo) Close() error {
	return nil
}

func (d *Dynamo) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"cache_key": &types.AttributeValueMemberS{Value: hashKey(key)},
	}
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
