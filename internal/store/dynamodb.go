package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/dedup"
)

// DefaultDynamoTable is the table the pipeline's dedup stage writes to.
const DefaultDynamoTable = "transaction_dupcheck_log"

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStoreConfig holds configuration for DynamoStore.
type DynamoStoreConfig struct {
	Table    string
	Region   string
	Endpoint string // Optional custom endpoint (DynamoDB Local, LocalStack)
}

// DynamoStore keeps dedup claims in a DynamoDB table keyed by "key", with
// "arrivedAt" holding Unix milliseconds.
type DynamoStore struct {
	client DynamoAPI
	table  string
}

// Compile-time check that DynamoStore implements the dedup store interfaces.
var (
	_ dedup.Store     = (*DynamoStore)(nil)
	_ dedup.Inspector = (*DynamoStore)(nil)
	_ dedup.Pinger    = (*DynamoStore)(nil)
)

// NewDynamoStore loads the default AWS config and creates a DynamoDB-backed store.
func NewDynamoStore(ctx context.Context, cfg DynamoStoreConfig) (*DynamoStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamoStoreFromClient(client, cfg.Table), nil
}

// NewDynamoStoreFromClient wraps an existing client.
func NewDynamoStoreFromClient(client DynamoAPI, table string) *DynamoStore {
	if table == "" {
		table = DefaultDynamoTable
	}
	return &DynamoStore{client: client, table: table}
}

// PutIfStale writes the claim with a condition expression; DynamoDB evaluates
// the condition and the write as one atomic operation.
func (s *DynamoStore) PutIfStale(ctx context.Context, rec dedup.Record, cond dedup.Condition) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"key":       &types.AttributeValueMemberS{Value: string(rec.Key)},
			"arrivedAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ArrivedAt.UnixMilli(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(#k) OR #a < :windowStart"),
		ExpressionAttributeNames: map[string]string{
			"#k": "key",
			"#a": "arrivedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":windowStart": &types.AttributeValueMemberN{Value: strconv.FormatInt(cond.WindowStart.UnixMilli(), 10)},
		},
	})
	if err == nil {
		return nil
	}

	var ccfe *types.ConditionalCheckFailedException
	if errors.As(err, &ccfe) {
		return dedup.ErrConditionFailed
	}
	return fmt.Errorf("dynamodb claim: %w", err)
}

// Lookup implements dedup.Inspector with a strongly consistent read.
func (s *DynamoStore) Lookup(ctx context.Context, key dedup.Key) (dedup.Record, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{"key": &types.AttributeValueMemberS{Value: string(key)}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return dedup.Record{}, false, fmt.Errorf("dynamodb lookup: %w", err)
	}
	if len(out.Item) == 0 {
		return dedup.Record{}, false, nil
	}

	n, ok := out.Item["arrivedAt"].(*types.AttributeValueMemberN)
	if !ok {
		return dedup.Record{}, false, fmt.Errorf("dynamodb lookup: arrivedAt missing for %q", key)
	}
	ms, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return dedup.Record{}, false, fmt.Errorf("dynamodb lookup: invalid arrivedAt %q: %w", n.Value, err)
	}
	return dedup.Record{Key: key, ArrivedAt: time.UnixMilli(ms).UTC()}, true, nil
}

// Ping checks that the table is reachable.
func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		return fmt.Errorf("dynamodb describe table: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *DynamoStore) Close() error {
	return nil
}
