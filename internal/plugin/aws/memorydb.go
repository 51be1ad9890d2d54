package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/memorydb"
	memorydbtypes "github.com/aws/aws-sdk-go-v2/service/memorydb/types"

	"github.com/yairfalse/tarkka/providers"
	"github.com/yairfalse/tarkka/types"
)

func newMemoryDBInventory(scope types.Scope, client MemoryDBAPI) *Inventory {
	return &Inventory{
		scope: scope,
		list: func(ctx context.Context, cursor string, pageSize int32) (providers.Page, error) {
			output, err := client.DescribeClusters(ctx, &memorydb.DescribeClustersInput{
				NextToken:  cursorPtr(cursor),
				MaxResults: clamp(pageSize, 1, 100),
			})
			if err != nil {
				return providers.Page{}, fmt.Errorf("describe memorydb clusters: %w", err)
			}

			page := providers.Page{NextCursor: aws.ToString(output.NextToken)}
			for _, cluster := range output.Clusters {
				page.Records = append(page.Records, convertMemoryDBCluster(scope, cluster))
			}
			return page, nil
		},
		detail: func(ctx context.Context, name string) (providers.Detail, error) {
			output, err := client.DescribeClusters(ctx, &memorydb.DescribeClustersInput{
				ClusterName:      aws.String(name),
				ShowShardDetails: aws.Bool(true),
			})
			if err != nil {
				return nil, fmt.Errorf("describe memorydb cluster %s: %w", name, err)
			}
			if len(output.Clusters) == 0 {
				return nil, nil
			}

			cluster := output.Clusters[0]
			nodes := 0
			for _, shard := range cluster.Shards {
				nodes += len(shard.Nodes)
			}
			return providers.Detail{
				"shards": len(cluster.Shards),
				"nodes":  nodes,
			}, nil
		},
	}
}

func convertMemoryDBCluster(scope types.Scope, cluster memorydbtypes.Cluster) types.ResourceRecord {
	name := aws.ToString(cluster.Name)
	r := newRecord(scope, name, name, aws.ToString(cluster.Status))
	r.SetExt(types.ExtInstanceType, aws.ToString(cluster.NodeType))
	r.SetExt("arn", aws.ToString(cluster.ARN))
	r.SetExt("engine_version", aws.ToString(cluster.EngineVersion))

	groups := make([]string, 0, len(cluster.SecurityGroups))
	for _, g := range cluster.SecurityGroups {
		groups = append(groups, aws.ToString(g.SecurityGroupId))
	}
	if len(groups) > 0 {
		r.SetExt(types.ExtSecurityGroupIDs, groups)
	}
	return r
}
