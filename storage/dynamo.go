package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/yairfalse/tarkka/internal/filter"
	"github.com/yairfalse/tarkka/types"
)

// DynamoDBAPI defines the DynamoDB operations used by the record store.
type DynamoDBAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore keeps records in a DynamoDB table shared by every replica.
// Partition key pk is the scope key, sort key sk the instance id.
//
// Writes are not transactional across a scope; every step is idempotent so a
// re-run converges to the same state.
type DynamoStore struct {
	client DynamoDBAPI
	table  string
	now    func() time.Time
}

// NewDynamoStore creates a store over an existing table.
func NewDynamoStore(client DynamoDBAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table, now: time.Now}
}

// Close is a no-op; the SDK client owns no resources.
func (s *DynamoStore) Close() error {
	return nil
}

// Upsert writes each record with first_seen kept on existing items.
func (s *DynamoStore) Upsert(ctx context.Context, records ...types.ResourceRecord) (int64, error) {
	for _, r := range records {
		if _, err := s.upsert(ctx, r); err != nil {
			return 0, err
		}
	}
	return s.now().UnixNano(), nil
}

// MarkExpired expires the live items of scope that are absent from keepIDs.
func (s *DynamoStore) MarkExpired(ctx context.Context, scope types.Scope, keepIDs []string) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrScopeRequired, err)
	}

	keep := toSet(keepIDs)
	live, err := s.queryScope(ctx, scope, filter.Filter{})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, r := range live {
		if keep[r.InstanceID] {
			continue
		}
		ok, err := s.expire(ctx, r)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// ReconcileScope upserts records, then expires the absent ones.
func (s *DynamoStore) ReconcileScope(ctx context.Context, scope types.Scope, records []types.ResourceRecord) (ReconcileStats, error) {
	if err := scope.Validate(); err != nil {
		return ReconcileStats{}, fmt.Errorf("%w: %v", ErrScopeRequired, err)
	}
	for _, r := range records {
		if r.Scope() != scope {
			return ReconcileStats{}, fmt.Errorf("record %s outside scope %s", r.Key(), scope)
		}
	}

	stats := ReconcileStats{Revision: s.now().UnixNano()}
	for _, r := range records {
		inserted, err := s.upsert(ctx, r)
		if err != nil {
			return stats, err
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	expired, err := s.MarkExpired(ctx, scope, types.InstanceIDs(records))
	stats.Expired = expired
	if err != nil {
		return stats, err
	}
	return stats, nil
}

// Query reads one partition for a complete scope and scans the table otherwise.
func (s *DynamoStore) Query(ctx context.Context, scope types.Scope, f filter.Filter) ([]types.ResourceRecord, error) {
	if scope.Validate() == nil {
		return s.queryScope(ctx, scope, f)
	}

	var results []types.ResourceRecord
	var startKey map[string]ddbtypes.AttributeValue

	for {
		output, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.table, err)
		}

		for _, item := range output.Items {
			rec, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			if scope.Contains(rec) && f.Match(rec) {
				results = append(results, rec)
			}
		}

		if len(output.LastEvaluatedKey) == 0 {
			break
		}
		startKey = output.LastEvaluatedKey
	}

	return results, nil
}

func (s *DynamoStore) queryScope(ctx context.Context, scope types.Scope, f filter.Filter) ([]types.ResourceRecord, error) {
	var results []types.ResourceRecord
	var startKey map[string]ddbtypes.AttributeValue

	for {
		output, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":pk": &ddbtypes.AttributeValueMemberS{Value: scope.Key()},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", scope, err)
		}

		for _, item := range output.Items {
			rec, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			if f.Match(rec) {
				results = append(results, rec)
			}
		}

		if len(output.LastEvaluatedKey) == 0 {
			break
		}
		startKey = output.LastEvaluatedKey
	}

	return results, nil
}

func (s *DynamoStore) upsert(ctx context.Context, r types.ResourceRecord) (bool, error) {
	ext, err := json.Marshal(r.ExtInfo)
	if err != nil {
		return false, fmt.Errorf("encode ext info of %s: %w", r.Key(), err)
	}
	now := s.now().UTC().Format(time.RFC3339Nano)

	output, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(r),
		UpdateExpression: aws.String("SET cloud = :cloud, account = :account, #region = :region, resource_type = :type, " +
			"#name = :name, #state = :state, ext_info = :ext, is_expired = :false, updated_at = :now, " +
			"first_seen = if_not_exists(first_seen, :now)"),
		ExpressionAttributeNames: map[string]string{
			"#region": "region",
			"#name":   "name",
			"#state":  "state",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":cloud":   &ddbtypes.AttributeValueMemberS{Value: r.Cloud},
			":account": &ddbtypes.AttributeValueMemberS{Value: r.Account},
			":region":  &ddbtypes.AttributeValueMemberS{Value: r.Region},
			":type":    &ddbtypes.AttributeValueMemberS{Value: r.ResourceType},
			":name":    &ddbtypes.AttributeValueMemberS{Value: r.Name},
			":state":   &ddbtypes.AttributeValueMemberS{Value: r.State},
			":ext":     &ddbtypes.AttributeValueMemberS{Value: string(ext)},
			":false":   &ddbtypes.AttributeValueMemberBOOL{Value: false},
			":now":     &ddbtypes.AttributeValueMemberS{Value: now},
		},
		ReturnValues: ddbtypes.ReturnValueUpdatedOld,
	})
	if err != nil {
		return false, fmt.Errorf("upsert %s: %w", r.Key(), err)
	}

	// no old attributes means the item did not exist
	return len(output.Attributes) == 0, nil
}

func (s *DynamoStore) expire(ctx context.Context, r types.ResourceRecord) (bool, error) {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 itemKey(r),
		UpdateExpression:    aws.String("SET is_expired = :true, updated_at = :now"),
		ConditionExpression: aws.String("is_expired = :false"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":true":  &ddbtypes.AttributeValueMemberBOOL{Value: true},
			":false": &ddbtypes.AttributeValueMemberBOOL{Value: false},
			":now":   &ddbtypes.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// another replica got there first
			return false, nil
		}
		return false, fmt.Errorf("expire %s: %w", r.Key(), err)
	}
	return true, nil
}

func itemKey(r types.ResourceRecord) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"pk": &ddbtypes.AttributeValueMemberS{Value: r.Scope().Key()},
		"sk": &ddbtypes.AttributeValueMemberS{Value: r.InstanceID},
	}
}

func decodeItem(item map[string]ddbtypes.AttributeValue) (types.ResourceRecord, error) {
	rec := types.ResourceRecord{
		InstanceID:   attrString(item, "sk"),
		Name:         attrString(item, "name"),
		Cloud:        attrString(item, "cloud"),
		Account:      attrString(item, "account"),
		Region:       attrString(item, "region"),
		ResourceType: attrString(item, "resource_type"),
		State:        attrString(item, "state"),
	}

	if v, ok := item["is_expired"].(*ddbtypes.AttributeValueMemberBOOL); ok {
		rec.IsExpired = v.Value
	}
	if ext := attrString(item, "ext_info"); ext != "" && ext != "null" {
		if err := json.Unmarshal([]byte(ext), &rec.ExtInfo); err != nil {
			return rec, fmt.Errorf("decode ext info of %s: %w", rec.InstanceID, err)
		}
	}
	rec.FirstSeen = attrTime(item, "first_seen")
	rec.UpdatedAt = attrTime(item, "updated_at")

	return rec, nil
}

func attrString(item map[string]ddbtypes.AttributeValue, name string) string {
	switch v := item[name].(type) {
	case *ddbtypes.AttributeValueMemberS:
		return v.Value
	case *ddbtypes.AttributeValueMemberN:
		return v.Value
	}
	return ""
}

func attrTime(item map[string]ddbtypes.AttributeValue, name string) time.Time {
	raw := attrString(item, name)
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC()
	}
	return time.Time{}
}
