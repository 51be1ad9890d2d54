package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBAPI defines the DynamoDB operations used by the locker.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoLocker keeps leases in a DynamoDB table keyed by lock_key.
// expires_at is stored in unix seconds so the table TTL can reap stale rows.
type DynamoLocker struct {
	client DynamoDBAPI
	table  string
	holder string
	now    func() time.Time
}

// NewDynamoLocker creates a locker. An empty holder gets a generated id.
func NewDynamoLocker(client DynamoDBAPI, table, holder string) *DynamoLocker {
	if holder == "" {
		holder = NewHolderID()
	}
	return &DynamoLocker{client: client, table: table, holder: holder, now: time.Now}
}

// Holder returns the holder id.
func (l *DynamoLocker) Holder() string {
	return l.holder
}

// TryAcquire writes the lease row if it is absent or expired.
func (l *DynamoLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := l.now()

	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item: map[string]ddbtypes.AttributeValue{
			"lock_key":   &ddbtypes.AttributeValueMemberS{Value: key},
			"holder":     &ddbtypes.AttributeValueMemberS{Value: l.holder},
			"claimed_at": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			"expires_at": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(lock_key) OR expires_at <= :now"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":now": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return true, nil
}

// Release deletes the lease row if this locker still holds it.
func (l *DynamoLocker) Release(ctx context.Context, key string) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.table),
		Key: map[string]ddbtypes.AttributeValue{
			"lock_key": &ddbtypes.AttributeValueMemberS{Value: key},
		},
		ConditionExpression: aws.String("holder = :holder"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":holder": &ddbtypes.AttributeValueMemberS{Value: l.holder},
		},
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// lease expired and was taken over, or already gone
			return nil
		}
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
