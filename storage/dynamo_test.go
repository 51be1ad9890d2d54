package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tarkka/internal/filter"
	"github.com/yairfalse/tarkka/types"
)

type mockDynamoClient struct {
	UpdateItemFunc func(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	QueryFunc      func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	ScanFunc       func(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

func (m *mockDynamoClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return m.UpdateItemFunc(ctx, params, optFns...)
}

func (m *mockDynamoClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return m.QueryFunc(ctx, params, optFns...)
}

func (m *mockDynamoClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return m.ScanFunc(ctx, params, optFns...)
}

func item(scope types.Scope, id string, expired bool) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"pk":            &ddbtypes.AttributeValueMemberS{Value: scope.Key()},
		"sk":            &ddbtypes.AttributeValueMemberS{Value: id},
		"cloud":         &ddbtypes.AttributeValueMemberS{Value: scope.Cloud},
		"account":       &ddbtypes.AttributeValueMemberS{Value: scope.Account},
		"region":        &ddbtypes.AttributeValueMemberS{Value: scope.Region},
		"resource_type": &ddbtypes.AttributeValueMemberS{Value: scope.ResourceType},
		"state":         &ddbtypes.AttributeValueMemberS{Value: "running"},
		"ext_info":      &ddbtypes.AttributeValueMemberS{Value: `{"renew_type":"auto"}`},
		"is_expired":    &ddbtypes.AttributeValueMemberBOOL{Value: expired},
		"first_seen":    &ddbtypes.AttributeValueMemberS{Value: "2024-03-01T10:00:00Z"},
	}
}

func TestDynamoStore_QueryPaginates(t *testing.T) {
	calls := 0
	mock := &mockDynamoClient{
		QueryFunc: func(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			calls++
			assert.Equal(t, testScope.Key(), params.ExpressionAttributeValues[":pk"].(*ddbtypes.AttributeValueMemberS).Value)
			if params.ExclusiveStartKey == nil {
				return &dynamodb.QueryOutput{
					Items:            []map[string]ddbtypes.AttributeValue{item(testScope, "A", false)},
					LastEvaluatedKey: item(testScope, "A", false),
				}, nil
			}
			return &dynamodb.QueryOutput{
				Items: []map[string]ddbtypes.AttributeValue{item(testScope, "B", true)},
			}, nil
		},
	}

	store := NewDynamoStore(mock, "records")
	got, err := store.Query(context.Background(), testScope, filter.Filter{IncludeExpired: true})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].InstanceID)
	assert.Equal(t, types.RenewTypeAuto, got[0].ExtInfo[types.ExtRenewType])
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), got[0].FirstSeen)
	assert.True(t, got[1].IsExpired)
}

func TestDynamoStore_QueryWildcardScans(t *testing.T) {
	lb := testScope
	lb.ResourceType = types.ResourceLB
	mock := &mockDynamoClient{
		ScanFunc: func(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
			return &dynamodb.ScanOutput{Items: []map[string]ddbtypes.AttributeValue{
				item(testScope, "A", false),
				item(lb, "B", false),
			}}, nil
		},
	}

	store := NewDynamoStore(mock, "records")
	got, err := store.Query(context.Background(), types.Scope{ResourceType: types.ResourceLB}, filter.Filter{})

	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, types.InstanceIDs(got))
}

func TestDynamoStore_ReconcileScope(t *testing.T) {
	var expiredIDs []string
	mock := &mockDynamoClient{
		UpdateItemFunc: func(_ context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			id := params.Key["sk"].(*ddbtypes.AttributeValueMemberS).Value
			if params.ConditionExpression != nil {
				expiredIDs = append(expiredIDs, id)
				return &dynamodb.UpdateItemOutput{}, nil
			}
			if id == "A" {
				// existing item
				return &dynamodb.UpdateItemOutput{Attributes: item(testScope, "A", false)}, nil
			}
			return &dynamodb.UpdateItemOutput{}, nil
		},
		QueryFunc: func(_ context.Context, _ *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{Items: []map[string]ddbtypes.AttributeValue{
				item(testScope, "A", false),
				item(testScope, "B", false),
				item(testScope, "C", true),
				item(testScope, "D", false),
			}}, nil
		},
	}

	store := NewDynamoStore(mock, "records")
	stats, err := store.ReconcileScope(context.Background(), testScope, []types.ResourceRecord{
		rec(testScope, "A"), rec(testScope, "D"),
	})

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, []string{"B"}, expiredIDs)
}

func TestDynamoStore_ExpireRaceIsNotAnError(t *testing.T) {
	mock := &mockDynamoClient{
		UpdateItemFunc: func(_ context.Context, _ *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("already expired")}
		},
		QueryFunc: func(_ context.Context, _ *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{Items: []map[string]ddbtypes.AttributeValue{item(testScope, "B", false)}}, nil
		},
	}

	store := NewDynamoStore(mock, "records")
	n, err := store.MarkExpired(context.Background(), testScope, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDynamoStore_UpsertError(t *testing.T) {
	mock := &mockDynamoClient{
		UpdateItemFunc: func(_ context.Context, _ *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			return nil, errors.New("throttled")
		},
	}

	store := NewDynamoStore(mock, "records")
	_, err := store.ReconcileScope(context.Background(), testScope, []types.ResourceRecord{rec(testScope, "A")})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestDynamoStore_RequiresScope(t *testing.T) {
	store := NewDynamoStore(&mockDynamoClient{}, "records")

	_, err := store.ReconcileScope(context.Background(), types.Scope{Cloud: "aws"}, nil)
	assert.ErrorIs(t, err, ErrScopeRequired)
}
