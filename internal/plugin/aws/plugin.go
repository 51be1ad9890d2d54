// Package aws implements the AWS inventory provider for Tarkka.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/memorydb"
	"github.com/aws/aws-sdk-go-v2/service/rds"

	"github.com/yairfalse/tarkka/providers"
	"github.com/yairfalse/tarkka/types"
)

// Cloud is the registry name of this provider.
const Cloud = "aws"

type listFunc func(ctx context.Context, cursor string, pageSize int32) (providers.Page, error)

type detailFunc func(ctx context.Context, id string) (providers.Detail, error)

// Inventory lists one AWS scope.
type Inventory struct {
	scope  types.Scope
	list   listFunc
	detail detailFunc
}

// Scope returns the listed scope.
func (i *Inventory) Scope() types.Scope {
	return i.scope
}

// ListPage fetches one page.
func (i *Inventory) ListPage(ctx context.Context, cursor string, pageSize int32) (providers.Page, error) {
	return i.list(ctx, cursor, pageSize)
}

// GetDetail fetches extra fields for one instance.
func (i *Inventory) GetDetail(ctx context.Context, id string) (providers.Detail, error) {
	if i.detail == nil {
		return nil, nil
	}
	return i.detail(ctx, id)
}

// newRecord fills the fields every AWS record shares.
func newRecord(scope types.Scope, id, name, state string) types.ResourceRecord {
	return types.ResourceRecord{
		InstanceID:   id,
		Name:         name,
		Cloud:        scope.Cloud,
		Account:      scope.Account,
		Region:       scope.Region,
		ResourceType: scope.ResourceType,
		State:        state,
		ExtInfo:      map[string]any{types.ExtChargeType: types.ChargeTypeOnDemand},
	}
}

// clamp keeps a page size inside what an API accepts.
func clamp(size, lo, hi int32) *int32 {
	switch {
	case size < lo:
		size = lo
	case size > hi:
		size = hi
	}
	return aws.Int32(size)
}

func cursorPtr(cursor string) *string {
	if cursor == "" {
		return nil
	}
	return aws.String(cursor)
}

// Clients bundles the service clients an account needs.
type Clients struct {
	EC2      EC2API
	ELB      ELBAPI
	RDS      RDSAPI
	EKS      EKSAPI
	MemoryDB MemoryDBAPI
}

// NewInventory returns the inventory for scope's resource type.
func NewInventory(scope types.Scope, c Clients) (*Inventory, error) {
	switch scope.ResourceType {
	case types.ResourceServer:
		return newEC2Inventory(scope, c.EC2), nil
	case types.ResourceLB:
		return newELBInventory(scope, c.ELB), nil
	case types.ResourceMySQL:
		return newRDSInventory(scope, c.RDS), nil
	case types.ResourceCluster:
		return newEKSInventory(scope, c.EKS), nil
	case types.ResourceRedis:
		return newMemoryDBInventory(scope, c.MemoryDB), nil
	default:
		return nil, fmt.Errorf("aws: resource type %q not supported", scope.ResourceType)
	}
}

// Factory builds inventories from the default credential chain, honoring
// the target's profile and endpoint.
func Factory(ctx context.Context, target providers.Target) (providers.InventoryClient, error) {
	if err := target.Scope.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(target.Scope.Region)}
	if target.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(target.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if target.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(target.Endpoint)
	}

	var c Clients
	switch target.Scope.ResourceType {
	case types.ResourceServer:
		c.EC2 = ec2.NewFromConfig(awsCfg)
	case types.ResourceLB:
		c.ELB = elasticloadbalancingv2.NewFromConfig(awsCfg)
	case types.ResourceMySQL:
		c.RDS = rds.NewFromConfig(awsCfg)
	case types.ResourceCluster:
		c.EKS = eks.NewFromConfig(awsCfg)
	case types.ResourceRedis:
		c.MemoryDB = memorydb.NewFromConfig(awsCfg)
	}
	return NewInventory(target.Scope, c)
}

// Register adds the AWS factory to r.
func Register(r *providers.Registry) {
	r.Register(Cloud, Factory)
}
