package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"

	"github.com/yairfalse/tarkka/providers"
	"github.com/yairfalse/tarkka/types"
)

// ListClusters only returns names, so each page describes its clusters.
// A cluster whose describe fails is still listed so it is not expired.
func newEKSInventory(scope types.Scope, client EKSAPI) *Inventory {
	return &Inventory{
		scope: scope,
		list: func(ctx context.Context, cursor string, pageSize int32) (providers.Page, error) {
			output, err := client.ListClusters(ctx, &eks.ListClustersInput{
				NextToken:  cursorPtr(cursor),
				MaxResults: clamp(pageSize, 1, 100),
			})
			if err != nil {
				return providers.Page{}, fmt.Errorf("list clusters: %w", err)
			}

			page := providers.Page{NextCursor: aws.ToString(output.NextToken)}
			for _, name := range output.Clusters {
				desc, err := client.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
				if err != nil || desc.Cluster == nil {
					if ctx.Err() != nil {
						return providers.Page{}, ctx.Err()
					}
					page.Records = append(page.Records, newRecord(scope, name, name, "unknown"))
					continue
				}
				page.Records = append(page.Records, convertEKSCluster(scope, desc.Cluster))
			}
			return page, nil
		},
	}
}

func convertEKSCluster(scope types.Scope, cluster *ekstypes.Cluster) types.ResourceRecord {
	name := aws.ToString(cluster.Name)
	r := newRecord(scope, name, name, string(cluster.Status))
	r.SetExt("arn", aws.ToString(cluster.Arn))
	r.SetExt("version", aws.ToString(cluster.Version))
	r.SetExt("endpoint", aws.ToString(cluster.Endpoint))
	if vpc := cluster.ResourcesVpcConfig; vpc != nil {
		r.SetExt(types.ExtVpcID, aws.ToString(vpc.VpcId))
		groups := append([]string{}, vpc.SecurityGroupIds...)
		if vpc.ClusterSecurityGroupId != nil {
			groups = append(groups, aws.ToString(vpc.ClusterSecurityGroupId))
		}
		r.SetExt(types.ExtSecurityGroupIDs, groups)
	}
	return r
}
