package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/yairfalse/kartta/internal/source"
	"github.com/yairfalse/kartta/types"
)

// Resource types produced by the lister. Partitions are named after them.
const (
	TypeInstance      = "aws:ec2:instance"
	TypeVPC           = "aws:ec2:vpc"
	TypeSubnet        = "aws:ec2:subnet"
	TypeSecurityGroup = "aws:ec2:security-group"
	TypeVolume        = "aws:ec2:volume"
	TypeNATGateway    = "aws:ec2:nat-gateway"
	TypeDBInstance    = "aws:rds:db"
	TypeLoadBalancer  = "aws:elbv2:loadbalancer"
	TypeFunction      = "aws:lambda:function"
	TypeCluster       = "aws:eks:cluster"
	TypeAutoScaling   = "aws:autoscaling:group"
	TypeTable         = "aws:dynamodb:table"
	TypeQueue         = "aws:sqs:queue"
	TypeRole          = "aws:iam:role"
	TypeBucket        = "aws:s3:bucket"
)

type service struct {
	global bool
	list   func(ctx context.Context, c Clients, loc location, token string) (source.Page, error)
}

var services = map[string]service{
	TypeInstance:      {list: listInstances},
	TypeVPC:           {list: listVPCs},
	TypeSubnet:        {list: listSubnets},
	TypeSecurityGroup: {list: listSecurityGroups},
	TypeVolume:        {list: listVolumes},
	TypeNATGateway:    {list: listNATGateways},
	TypeDBInstance:    {list: listDBInstances},
	TypeLoadBalancer:  {list: listLoadBalancers},
	TypeFunction:      {list: listFunctions},
	TypeCluster:       {list: listClusters},
	TypeAutoScaling:   {list: listAutoScalingGroups},
	TypeTable:         {list: listTables},
	TypeQueue:         {list: listQueues},
	TypeRole:          {global: true, list: listRoles},
	TypeBucket:        {global: true, list: listBuckets},
}

// resourceTypes returns the regional or global resource types, sorted.
func resourceTypes(global bool) []string {
	var out []string
	for typ, svc := range services {
		if svc.global == global {
			out = append(out, typ)
		}
	}
	sort.Strings(out)
	return out
}

// location identifies where a partition is listed.
type location struct {
	account string
	region  string // empty for global services
	unitID  string
}

func (l location) arn(service, resource string) string {
	return "arn:aws:" + service + ":" + l.region + ":" + l.account + ":" + resource
}

func (l location) ec2ARN(kind, id string) string {
	if id == "" {
		return ""
	}
	return l.arn("ec2", kind+"/"+id)
}

func (l location) resource(typ, id, name string) types.RawResource {
	return types.RawResource{
		ID:       id,
		Type:     typ,
		Name:     name,
		Region:   l.region,
		UnitID:   l.unitID,
		Provider: Provider,
		Attrs:    map[string]string{"account": l.account},
		Props:    map[string]any{},
	}
}

// refs collects references, skipping empty targets.
type refs []types.Reference

func (rs *refs) add(field types.RefField, targets ...string) {
	for _, t := range targets {
		if t != "" {
			*rs = append(*rs, types.Reference{Field: field, Target: t})
		}
	}
}

func (rs refs) sorted() []types.Reference {
	return types.SortReferences(rs)
}

func token(t string) *string {
	if t == "" {
		return nil
	}
	return aws.String(t)
}

func ec2Tags(tags []ec2types.Tag) types.Tags {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		if k := aws.ToString(t.Key); k != "" {
			m[k] = aws.ToString(t.Value)
		}
	}
	return types.TagsFromMap(m)
}

func rdsTags(tags []rdstypes.Tag) types.Tags {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		if k := aws.ToString(t.Key); k != "" {
			m[k] = aws.ToString(t.Value)
		}
	}
	return types.TagsFromMap(m)
}

func asgTags(tags []asgtypes.TagDescription) types.Tags {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		if k := aws.ToString(t.Key); k != "" {
			m[k] = aws.ToString(t.Value)
		}
	}
	return types.TagsFromMap(m)
}

// nameOr returns the Name tag, or fallback when it is missing.
func nameOr(tags types.Tags, fallback string) string {
	if n := tags.Get("Name"); n != "" {
		return n
	}
	return fallback
}

func (l location) ec2ARNs(kind string, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.ec2ARN(kind, id))
	}
	return out
}

func listInstances(ctx context.Context, c Clients, loc location, t string) (source.Page, error) {
	if c.EC2 == nil {
		return source.Page{}, errNoClient("ec2")
	}
	out, err := c.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{NextToken: token(t)})
	if err != nil {
		return source.Page{}, fmt.Errorf("describe instances: %w", err)
	}

	var page source.Page
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			id := aws.ToString(inst.InstanceId)
			tags := ec2Tags(inst.Tags)
			r := loc.resource(TypeInstance, loc.ec2ARN("instance", id), nameOr(tags, id))
			r.Tags = tags
			r.Props["instance_id"] = id
			r.Props["instance_type"] = string(inst.InstanceType)
			if inst.State != nil {
				r.Props["state"] = string(inst.State.Name)
			}
			if inst.Placement != nil {
				r.Props["availability_zone"] = aws.ToString(inst.Placement.AvailabilityZone)
			}

			var rs refs
			rs.add(types.RefSubnet, loc.ec2ARN("subnet", aws.ToString(inst.SubnetId)))
			rs.add(types.RefVirtualNetwork, loc.ec2ARN("vpc", aws.ToString(inst.VpcId)))
			for _, sg := range inst.SecurityGroups {
				rs.add(types.RefSecurityGroup, loc.ec2ARN("security-group", aws.ToString(sg.GroupId)))
			}
			r.Refs = rs.sorted()
			page.Resources = append(page.Resources, r)
		}
	}
	page.NextPageToken = aws.ToString(out.NextToken)
	return page, nil
}

func listVPCs(ctx context.Context, c Clients, loc location, t string) (source.Page, error) {
	if c.EC2 == nil {
		return source.Page{}, errNoClient("ec2")
	}
	out, err := c.EC2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{NextToken: token(t)})
	if err != nil {
		return source.Page{}, fmt.Errorf("describe vpcs: %w", err)
	}

	page := source.Page{NextPageToken: aws.ToString(out.NextToken)}
	for _, vpc := range out.Vpcs {
		id := aws.ToString(vpc.VpcId)
		tags := ec2Tags(vpc.Tags)
		r := loc.resource(TypeVPC, loc.ec2ARN("vpc", id), nameOr(tags, id))
		r.Tags = tags
		r.Props["vpc_id"] = id
		r.Props["cidr_block"] = aws.ToString(vpc.CidrBlock)
		r.Props["is_default"] = aws.ToBool(vpc.IsDefault)
		page.Resources = append(page.Resources, r)
	}
	return page, nil
}

func listSubnets(ctx context.Context, c Clients, loc location, t string) (source.Page, error) {
	if c.EC2 == nil {
		return source.Page{}, errNoClient("ec2")
	}
	out, err := c.EC2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{NextToken: token(t)})
	if err != nil {
		return source.Page{}, fmt.Errorf("describe subnets: %w", err)
	}

	page := source.Page{NextPageToken: aws.ToString(out.NextToken)}
	for _, subnet := range out.Subnets {
		id := aws.ToString(subnet.SubnetId)
		arn := aws.ToString(subnet.SubnetArn)
		if arn == "" {
			arn = loc.ec2ARN("subnet", id)
		}
		tags := ec2Tags(subnet.Tags)
		r := loc.resource(TypeSubnet, arn, nameOr(tags, id))
		r.Tags = tags
		r.Props["subnet_id"] = id
		r.Props["cidr_block"] = aws.ToString(subnet.CidrBlock)
		r.Props["availability_zone"] = aws.ToString(subnet.AvailabilityZone)

		var rs refs
		rs.add(types.RefVirtualNetwork, loc.ec2ARN("vpc", aws.ToString(subnet.VpcId)))
		r.Refs = rs.sorted()
		page.Resources = append(page.Resources, r)
	}
	return page, nil
}

func listSecurityGroups(ctx context.Context, c Clients, loc location, t string) (source.Page, error) {
	if c.EC2 == nil {
		return source.Page{}, errNoClient("ec2")
	}
	out, err := c.EC2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{NextToken: token(t)})
	if err != nil {
		return source.Page{}, fmt.Errorf("describe security groups: %w", err)
	}

	page := source.Page{NextPageToken: aws.ToString(out.NextToken)}
	for _, sg := range out.SecurityGroups {
		id := aws.ToString(sg.GroupId)
		r := loc.resource(TypeSecurityGroup, loc.ec2ARN("security-group", id), aws.ToString(sg.GroupName))
		r.Tags = ec2Tags(sg.Tags)
		r.Props["group_id"] = id
		r.Props["description"] = aws.ToString(sg.Description)

		var rs refs
		rs.add(types.RefVirtualNetwork, loc.ec2ARN("vpc", aws.ToString(sg.VpcId)))
		// Ingress rules that name another group connect the two.
		for _, perm := range sg.IpPermissions {
			for _, pair := range perm.UserIdGroupPairs {
				if peer := aws.ToString(pair.GroupId); peer != "" && peer != id {
					rs.add(types.RefSecurityGroup, loc.ec2ARN("security-group", peer))
				}
			}
		}
		r.Refs = rs.sorted()
		page.Resources = append(page.Resources, r)
	}
	return page, nil
}

func listVolumes(ctx context.Context, c Clients, loc location, t string) (source.Page, error) {
	if c.EC2 == nil {
		return source.Page{}, errNoClient("ec2")
	}
	out, err := c.EC2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{NextToken: token(t)})
	if err != nil {
		return source.Page{}, fmt.Errorf("describe volumes: %w", err)
	}

	page := source.Page{NextPageToken: aws.ToString(out.NextToken)}
	for _, vol := range out.Volumes {
		id := aws.ToString(vol.VolumeId)
		tags := ec2Tags(vol.Tags)
		r := loc.resource(TypeVolume, loc.ec2ARN("volume", id), nameOr(tags, id))
		r.Tags = tags
		r.Props["volume_id"] = id
		r.Props["size_gb"] = aws.ToInt32(vol.Size)
		r.Props["volume_type"] = string(vol.VolumeType)
		r.Props["state"] = string(vol.State)

		var rs refs
		for _, att := range vol.Attachments {
			rs.add(types.RefAttachedTo, loc.ec2ARN("instance", aws.ToString(att.InstanceId)))
		}
		r.Refs = rs.sorted()
		page.Resources = append(page.Resources, r)
	}
	return page, nil
}

func listNATGateways(ctx context.Context, c Clients, loc location, t string) (source.Page, error) {
	if c.EC2 == nil {
		return source.Page{}, errNoClient("ec2")
	}
	out, err := c.EC2.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{NextToken: token(t)})
	if err != nil {
		return source.Page{}, fmt.Errorf("describe nat gateways: %w", err)
	}

	page := source.Page{NextPageToken: aws.ToString(out.NextToken)}
	for _, nat := range out.NatGateways {
		id := aws.ToString(nat.NatGatewayId)
		tags := ec2Tags(nat.Tags)
		r := loc.resource(TypeNATGateway, loc.ec2ARN("natgateway", id), nameOr(tags, id))
		r.Tags = tags
		r.Props["state"] = string(nat.State)

		var rs refs
		rs.add(types.RefSubnet, loc.ec2ARN("subnet", aws.ToString(nat.SubnetId)))
		rs.add(types.RefVirtualNetwork, loc.ec2ARN("vpc", aws.ToString(nat.VpcId)))
		r.Refs = rs.sorted()
		page.Resources = append(page.Resources, r)
	}
	return page, nil
}

func listDBInstances(ctx context.Context, c Clients, loc location, t string) (source.Page, error) {
	if c.RDS == nil {
		return source.Page{}, errNoClient("rds")
	}
	out, err := c.RDS.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{Marker: token(t)})
	if err != nil {
		return source.Page{}, fmt.Errorf("describe db instances: %w", err)
	}

	page := source.Page{NextPageToken: aws.ToString(out.Marker)}
	for _, db := range out.DBInstances {
		r := loc.resource(TypeDBInstance, aws.ToString(db.DBInstanceArn), aws.ToString(db.DBInstanceIdentifier))
		r.Tags = rdsTags(db.TagList)
		r.Props["engine"] = aws.ToString(db.Engine)
		r.Props["instance_class"] = aws.ToString(db.DBInstanceClass)
		r.Props["status"] = aws.ToString(db.DBInstanceStatus)

		var rs refs
		for _, sg := range db.VpcSecurityGroups {
			rs.add(types.RefSecurityGroup, loc.ec2ARN("security-group", aws.ToString(sg.VpcSecurityGroupId)))
		}
		if group := db.DBSubnetGroup; group != nil {
			rs.add(types.RefVirtualNetwork, loc.ec2ARN("vpc", aws.ToString(group.VpcId)))
			for _, subnet := range group.Subnets {
				rs.add(types.RefSubnet, loc.ec2ARN("subnet", aws.ToString(subnet.SubnetIdentifier)))
			}
		}
		r.Refs = rs.sorted()
		page.Resources = append(page.Resources, r)
	}
	return page, nil
}

func listLoadBalancers(ctx context.Context, c Clients, loc location, t string) (source.Page, error) {
	if c.ELB == nil {
		return source.Page{}, errNoClient("elbv2")
	}
	out, err := c.ELB.DescribeLoadBalancers(ctx, &elasticloadbalancingv2.DescribeLoadBalancersInput{Marker: token(t)})
	if err != nil {
		return source.Page{}, fmt.Errorf("describe load balancers: %w", err)
	}

	page := source.Page{NextPageToken: aws.ToString(out.NextMarker)}
	for _, lb := range out.LoadBalancers {
		r := loc.resource(TypeLoadBalancer, aws.ToString(lb.LoadBalancerArn), aws.ToString(lb.LoadBalancerName))
		r.Props["dns_name"] = aws.ToString(lb.DNSName)
		r.Props["type"] = string(lb.Type)
		r.Props["scheme"] = string(lb.Scheme)

		var rs refs
		rs.add(types.RefVirtualNetwork, loc.ec2ARN("vpc", aws.ToString(lb.VpcId)))
		rs.add(types.RefSecurityGroup, loc.ec2ARNs("security-group", lb.SecurityGroups)...)
		for _, az := range lb.AvailabilityZones {
			rs.add(types.RefSubnet, loc.ec2ARN("subnet", aws.ToString(az.SubnetId)))
		}
		r.Refs = rs.sorted()
		page.Resources = append(page.Resources, r)
	}
	return page, nil
}

func listFunctions(ctx context.Context, c Clients, loc location, t string) (source.Page, error) {
	if c.Lambda == nil {
		return source.Page{}, errNoClient("lambda")
	}
	out, err := c.Lambda.ListFunctions(ctx, &lambda.ListFunctionsInput{Marker: token(t)})
	if err != nil {
		return source.Page{}, fmt.Errorf("list functions: %w", err)
	}

	page := source.Page{NextPageToken: aws.ToString(out.NextMarker)}
	for _, fn := range out.Functions {
		r := loc.resource(TypeFunction, aws.ToString(fn.FunctionArn), aws.ToString(fn.FunctionName))
		r.Props["runtime"] = string(fn.Runtime)

		var rs refs
		rs.add(types.RefIdentity, aws.ToString(fn.Role))
		if vpc := fn.VpcConfig; vpc != nil {
			rs.add(types.RefVirtualNetwork, loc.ec2ARN("vpc", aws.ToString(vpc.VpcId)))
			rs.add(types.RefSubnet, loc.ec2ARNs("subnet", vpc.SubnetIds)...)
			rs.add(types.RefSecurityGroup, loc.ec2ARNs("security-group", vpc.SecurityGroupIds)...)
		}
		r.Refs = rs.sorted()
		page.Resources = append(page.Resources, r)
	}
	return page, nil
}

// listClusters describes every cluster named on the page.
func listClusters(ctx context.Context, c Clients, loc location, t string) (source.Page, error) {
	if c.EKS == nil {
		return source.Page{}, errNoClient("eks")
	}
	out, err := c.EKS.ListClusters(ctx, &eks.ListClustersInput{NextToken: token(t)})
	if err != nil {
		return source.Page{}, fmt.Errorf("list clusters: %w", err)
	}

	page := source.Page{NextPageToken: aws.ToString(out.NextToken)}
	for _, name := range out.Clusters {
		desc, err := c.EKS.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
		if err != nil {
			return source.Page{}, fmt.Errorf("describe cluster %s: %w", name, err)
		}
		cluster := desc.Cluster
		if cluster == nil {
			continue
		}
		r := loc.resource(TypeCluster, aws.ToString(cluster.Arn), aws.ToString(cluster.Name))
		r.Tags = types.TagsFromMap(cluster.Tags)
		r.Props["version"] = aws.ToString(cluster.Version)
		r.Props["status"] = string(cluster.Status)

		var rs refs
		rs.add(types.RefIdentity, aws.ToString(cluster.RoleArn))
		if vpc := cluster.ResourcesVpcConfig; vpc != nil {
			rs.add(types.RefVirtualNetwork, loc.ec2ARN("vpc", aws.ToString(vpc.VpcId)))
			rs.add(types.RefSubnet, loc.ec2ARNs("subnet", vpc.SubnetIds)...)
			rs.add(types.RefSecurityGroup, loc.ec2ARNs("security-group", vpc.SecurityGroupIds)...)
		}
		r.Refs = rs.sorted()
		page.Resources = append(page.Resources, r)
	}
	return page, nil
}

func listAutoScalingGroups(ctx context.Context, c Clients, loc location, t string) (source.Page, error) {
	if c.AutoScaling == nil {
		return source.Page{}, errNoClient("autoscaling")
	}
	out, err := c.AutoScaling.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{NextToken: token(t)})
	if err != nil {
		return source.Page{}, fmt.Errorf("describe auto scaling groups: %w", err)
	}

	page := source.Page{NextPageToken: aws.ToString(out.NextToken)}
	for _, group := range out.AutoScalingGroups {
		r := loc.resource(TypeAutoScaling, aws.ToString(group.AutoScalingGroupARN), aws.ToString(group.AutoScalingGroupName))
		r.Tags = asgTags(group.Tags)
		r.Props["desired_capacity"] = aws.ToInt32(group.DesiredCapacity)
		r.Props["instance_count"] = len(group.Instances)

		var rs refs
		// VPCZoneIdentifier is a comma-separated subnet list.
		for _, subnet := range strings.Split(aws.ToString(group.VPCZoneIdentifier), ",") {
			rs.add(types.RefSubnet, loc.ec2ARN("subnet", strings.TrimSpace(subnet)))
		}
		r.Refs = rs.sorted()
		page.Resources = append(page.Resources, r)
	}
	return page, nil
}

// listTables describes every table named on the page.
func listTables(ctx context.Context, c Clients, loc location, t string) (source.Page, error) {
	if c.DynamoDB == nil {
		return source.Page{}, errNoClient("dynamodb")
	}
	out, err := c.DynamoDB.ListTables(ctx, &dynamodb.ListTablesInput{ExclusiveStartTableName: token(t)})
	if err != nil {
		return source.Page{}, fmt.Errorf("list tables: %w", err)
	}

	page := source.Page{NextPageToken: aws.ToString(out.LastEvaluatedTableName)}
	for _, name := range out.TableNames {
		desc, err := c.DynamoDB.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
		if err != nil {
			return source.Page{}, fmt.Errorf("describe table %s: %w", name, err)
		}
		arn := loc.arn("dynamodb", "table/"+name)
		if desc.Table != nil && desc.Table.TableArn != nil {
			arn = aws.ToString(desc.Table.TableArn)
		}
		r := loc.resource(TypeTable, arn, name)
		if desc.Table != nil {
			r.Props["status"] = string(desc.Table.TableStatus)
			r.Props["item_count"] = aws.ToInt64(desc.Table.ItemCount)
		}
		page.Resources = append(page.Resources, r)
	}
	return page, nil
}

func listQueues(ctx context.Context, c Clients, loc location, t string) (source.Page, error) {
	if c.SQS == nil {
		return source.Page{}, errNoClient("sqs")
	}
	// SQS only pages when MaxResults is set.
	out, err := c.SQS.ListQueues(ctx, &sqs.ListQueuesInput{NextToken: token(t), MaxResults: aws.Int32(1000)})
	if err != nil {
		return source.Page{}, fmt.Errorf("list queues: %w", err)
	}

	page := source.Page{NextPageToken: aws.ToString(out.NextToken)}
	for _, url := range out.QueueUrls {
		name := queueName(url)
		r := loc.resource(TypeQueue, loc.arn("sqs", name), name)
		r.Props["queue_url"] = url
		page.Resources = append(page.Resources, r)
	}
	return page, nil
}

func queueName(queueURL string) string {
	if i := strings.LastIndex(queueURL, "/"); i >= 0 {
		return queueURL[i+1:]
	}
	return queueURL
}

func listRoles(ctx context.Context, c Clients, loc location, t string) (source.Page, error) {
	if c.IAM == nil {
		return source.Page{}, errNoClient("iam")
	}
	out, err := c.IAM.ListRoles(ctx, &iam.ListRolesInput{Marker: token(t)})
	if err != nil {
		return source.Page{}, fmt.Errorf("list roles: %w", err)
	}

	var page source.Page
	if out.IsTruncated {
		page.NextPageToken = aws.ToString(out.Marker)
	}
	for _, role := range out.Roles {
		r := loc.resource(TypeRole, aws.ToString(role.Arn), aws.ToString(role.RoleName))
		r.Props["path"] = aws.ToString(role.Path)
		page.Resources = append(page.Resources, r)
	}
	return page, nil
}

// listBuckets returns every bucket on one page.
func listBuckets(ctx context.Context, c Clients, loc location, _ string) (source.Page, error) {
	if c.S3 == nil {
		return source.Page{}, errNoClient("s3")
	}
	out, err := c.S3.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return source.Page{}, fmt.Errorf("list buckets: %w", err)
	}

	var page source.Page
	for _, bucket := range out.Buckets {
		name := aws.ToString(bucket.Name)
		r := loc.resource(TypeBucket, "arn:aws:s3:::"+name, name)
		if bucket.CreationDate != nil {
			r.Props["created_at"] = bucket.CreationDate.UTC()
		}
		page.Resources = append(page.Resources, r)
	}
	return page, nil
}
