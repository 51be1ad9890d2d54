package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/yairfalse/tarkka/providers"
	"github.com/yairfalse/tarkka/types"
)

// Load balancers are keyed by ARN; the attributes call needs it.
func newELBInventory(scope types.Scope, client ELBAPI) *Inventory {
	return &Inventory{
		scope: scope,
		list: func(ctx context.Context, cursor string, pageSize int32) (providers.Page, error) {
			output, err := client.DescribeLoadBalancers(ctx, &elasticloadbalancingv2.DescribeLoadBalancersInput{
				Marker:   cursorPtr(cursor),
				PageSize: clamp(pageSize, 1, 400),
			})
			if err != nil {
				return providers.Page{}, fmt.Errorf("describe load balancers: %w", err)
			}

			page := providers.Page{NextCursor: aws.ToString(output.NextMarker)}
			for _, lb := range output.LoadBalancers {
				page.Records = append(page.Records, convertELB(scope, lb))
			}
			return page, nil
		},
		detail: func(ctx context.Context, arn string) (providers.Detail, error) {
			output, err := client.DescribeLoadBalancerAttributes(ctx, &elasticloadbalancingv2.DescribeLoadBalancerAttributesInput{
				LoadBalancerArn: aws.String(arn),
			})
			if err != nil {
				return nil, fmt.Errorf("describe load balancer attributes: %w", err)
			}
			if len(output.Attributes) == 0 {
				return nil, nil
			}

			attrs := make(map[string]string, len(output.Attributes))
			for _, a := range output.Attributes {
				attrs[aws.ToString(a.Key)] = aws.ToString(a.Value)
			}
			return providers.Detail{"attributes": attrs}, nil
		},
	}
}

func convertELB(scope types.Scope, lb elbtypes.LoadBalancer) types.ResourceRecord {
	state := "unknown"
	if lb.State != nil {
		state = string(lb.State.Code)
	}
	r := newRecord(scope, aws.ToString(lb.LoadBalancerArn), aws.ToString(lb.LoadBalancerName), state)
	r.SetExt("lb_type", string(lb.Type))
	r.SetExt("scheme", string(lb.Scheme))
	r.SetExt("dns_name", aws.ToString(lb.DNSName))
	if lb.VpcId != nil {
		r.SetExt(types.ExtVpcID, aws.ToString(lb.VpcId))
	}
	if len(lb.SecurityGroups) > 0 {
		r.SetExt(types.ExtSecurityGroupIDs, lb.SecurityGroups)
	}
	return r
}
