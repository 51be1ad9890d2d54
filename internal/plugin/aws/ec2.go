package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/tarkka/providers"
	"github.com/yairfalse/tarkka/types"
)

func newEC2Inventory(scope types.Scope, client EC2API) *Inventory {
	return &Inventory{
		scope: scope,
		list: func(ctx context.Context, cursor string, pageSize int32) (providers.Page, error) {
			output, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
				NextToken:  cursorPtr(cursor),
				MaxResults: clamp(pageSize, 5, 1000),
			})
			if err != nil {
				return providers.Page{}, fmt.Errorf("describe instances: %w", err)
			}

			page := providers.Page{NextCursor: aws.ToString(output.NextToken)}
			for _, reservation := range output.Reservations {
				for _, instance := range reservation.Instances {
					page.Records = append(page.Records, convertEC2Instance(scope, instance))
				}
			}
			return page, nil
		},
		detail: func(ctx context.Context, id string) (providers.Detail, error) {
			output, err := client.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{
				Filters: []ec2types.Filter{
					{Name: aws.String("attachment.instance-id"), Values: []string{id}},
				},
			})
			if err != nil {
				return nil, fmt.Errorf("describe network interfaces: %w", err)
			}
			return ec2InterfaceDetail(output.NetworkInterfaces), nil
		},
	}
}

func convertEC2Instance(scope types.Scope, instance ec2types.Instance) types.ResourceRecord {
	state := ""
	if instance.State != nil {
		state = string(instance.State.Name)
	}
	r := newRecord(scope, aws.ToString(instance.InstanceId), extractNameTag(instance.Tags), state)

	if instance.InstanceLifecycle == ec2types.InstanceLifecycleTypeSpot {
		r.SetExt(types.ExtChargeType, types.ChargeTypeSpot)
	}
	r.SetExt(types.ExtInstanceType, string(instance.InstanceType))
	if instance.Placement != nil {
		r.SetExt(types.ExtZone, aws.ToString(instance.Placement.AvailabilityZone))
	}
	if instance.VpcId != nil {
		r.SetExt(types.ExtVpcID, aws.ToString(instance.VpcId))
	}
	if instance.PrivateIpAddress != nil {
		r.SetExt("private_ip", aws.ToString(instance.PrivateIpAddress))
	}
	return r
}

// ec2InterfaceDetail collects security groups and private ips across every
// attached interface.
func ec2InterfaceDetail(enis []ec2types.NetworkInterface) providers.Detail {
	if len(enis) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	groups := []string{}
	ips := []string{}
	for _, eni := range enis {
		for _, g := range eni.Groups {
			id := aws.ToString(g.GroupId)
			if id != "" && !seen[id] {
				seen[id] = true
				groups = append(groups, id)
			}
		}
		if eni.PrivateIpAddress != nil {
			ips = append(ips, aws.ToString(eni.PrivateIpAddress))
		}
	}

	return providers.Detail{
		types.ExtSecurityGroupIDs: groups,
		"private_ips":             ips,
	}
}

func extractNameTag(tags []ec2types.Tag) string {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == "Name" {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}
