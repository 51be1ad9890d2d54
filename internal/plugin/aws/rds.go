package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/yairfalse/tarkka/providers"
	"github.com/yairfalse/tarkka/types"
)

// engines listed as mysql
var mysqlEngines = []string{"mysql", "aurora-mysql", "mariadb"}

func newRDSInventory(scope types.Scope, client RDSAPI) *Inventory {
	return &Inventory{
		scope: scope,
		list: func(ctx context.Context, cursor string, pageSize int32) (providers.Page, error) {
			output, err := client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
				Marker:     cursorPtr(cursor),
				MaxRecords: clamp(pageSize, 20, 100),
				Filters: []rdstypes.Filter{
					{Name: aws.String("engine"), Values: mysqlEngines},
				},
			})
			if err != nil {
				return providers.Page{}, fmt.Errorf("describe db instances: %w", err)
			}

			page := providers.Page{NextCursor: aws.ToString(output.Marker)}
			for _, instance := range output.DBInstances {
				page.Records = append(page.Records, convertRDSInstance(scope, instance))
			}
			return page, nil
		},
		detail: func(ctx context.Context, id string) (providers.Detail, error) {
			output, err := client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
				DBInstanceIdentifier: aws.String(id),
			})
			if err != nil {
				return nil, fmt.Errorf("describe db instance %s: %w", id, err)
			}
			if len(output.DBInstances) == 0 {
				return nil, nil
			}

			instance := output.DBInstances[0]
			groups := make([]string, 0, len(instance.VpcSecurityGroups))
			for _, g := range instance.VpcSecurityGroups {
				groups = append(groups, aws.ToString(g.VpcSecurityGroupId))
			}
			return providers.Detail{
				types.ExtSecurityGroupIDs: groups,
				"multi_az":                aws.ToBool(instance.MultiAZ),
				"deletion_protection":     aws.ToBool(instance.DeletionProtection),
				"storage_encrypted":       aws.ToBool(instance.StorageEncrypted),
			}, nil
		},
	}
}

func convertRDSInstance(scope types.Scope, instance rdstypes.DBInstance) types.ResourceRecord {
	id := aws.ToString(instance.DBInstanceIdentifier)
	r := newRecord(scope, id, id, aws.ToString(instance.DBInstanceStatus))
	r.SetExt(types.ExtInstanceType, aws.ToString(instance.DBInstanceClass))
	r.SetExt("engine", aws.ToString(instance.Engine))
	r.SetExt("engine_version", aws.ToString(instance.EngineVersion))
	if instance.AvailabilityZone != nil {
		r.SetExt(types.ExtZone, aws.ToString(instance.AvailabilityZone))
	}
	if instance.DBSubnetGroup != nil && instance.DBSubnetGroup.VpcId != nil {
		r.SetExt(types.ExtVpcID, aws.ToString(instance.DBSubnetGroup.VpcId))
	}
	return r
}
