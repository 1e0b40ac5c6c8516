package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/kartta/internal/source"
	"github.com/yairfalse/kartta/types"
)

// mockEC2Client implements EC2API for testing.
type mockEC2Client struct {
	describeRegionsFunc   func(ctx context.Context, params *ec2.DescribeRegionsInput) (*ec2.DescribeRegionsOutput, error)
	describeInstancesFunc func(ctx context.Context, params *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
}

func (m *mockEC2Client) DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, _ ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	if m.describeRegionsFunc != nil {
		return m.describeRegionsFunc(ctx, params)
	}
	return &ec2.DescribeRegionsOutput{}, nil
}

func (m *mockEC2Client) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if m.describeInstancesFunc != nil {
		return m.describeInstancesFunc(ctx, params)
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (m *mockEC2Client) DescribeVpcs(context.Context, *ec2.DescribeVpcsInput, ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	return &ec2.DescribeVpcsOutput{}, nil
}

func (m *mockEC2Client) DescribeSubnets(context.Context, *ec2.DescribeSubnetsInput, ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	return &ec2.DescribeSubnetsOutput{}, nil
}

func (m *mockEC2Client) DescribeSecurityGroups(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	return &ec2.DescribeSecurityGroupsOutput{}, nil
}

func (m *mockEC2Client) DescribeVolumes(context.Context, *ec2.DescribeVolumesInput, ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	return &ec2.DescribeVolumesOutput{}, nil
}

func (m *mockEC2Client) DescribeNatGateways(context.Context, *ec2.DescribeNatGatewaysInput, ...func(*ec2.Options)) (*ec2.DescribeNatGatewaysOutput, error) {
	return &ec2.DescribeNatGatewaysOutput{}, nil
}

// mockIAMClient implements IAMAPI for testing.
type mockIAMClient struct {
	listRolesFunc func(ctx context.Context, params *iam.ListRolesInput) (*iam.ListRolesOutput, error)
}

func (m *mockIAMClient) ListRoles(ctx context.Context, params *iam.ListRolesInput, _ ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	if m.listRolesFunc != nil {
		return m.listRolesFunc(ctx, params)
	}
	return &iam.ListRolesOutput{}, nil
}

// mockLambdaClient implements LambdaAPI for testing.
type mockLambdaClient struct {
	output *lambda.ListFunctionsOutput
}

func (m *mockLambdaClient) ListFunctions(context.Context, *lambda.ListFunctionsInput, ...func(*lambda.Options)) (*lambda.ListFunctionsOutput, error) {
	return m.output, nil
}

const testAccount = "123456789012"

func newTestLister(c Clients, regions ...string) (*Lister, *[]string) {
	var built []string
	factory := func(region string) Clients {
		built = append(built, region)
		return c
	}
	return NewWithFactory(factory, Options{Regions: regions}), &built
}

func accountUnit() types.ScopeUnit {
	return types.SubscriptionUnit("", testAccount)
}

func partition(t *testing.T, l *Lister, region, typ string) types.ScopeUnit {
	t.Helper()
	name := region
	if name == "" {
		name = globalGroup
	}
	group := types.ResourceGroupUnit(accountUnit().ID, name)
	group.Attrs = map[string]string{"account": testAccount}
	page, err := l.List(context.Background(), group, "")
	require.NoError(t, err)
	for _, p := range page.Children {
		if p.Attr("resource_type") == typ {
			return p
		}
	}
	t.Fatalf("no partition %s under %s", typ, group.ID)
	return types.ScopeUnit{}
}

func TestLister_AccountListsConfiguredRegions(t *testing.T) {
	l, _ := newTestLister(Clients{}, "us-east-1", "eu-west-1")

	page, err := l.List(context.Background(), accountUnit(), "")
	require.NoError(t, err)

	require.Len(t, page.Children, 3)
	assert.Equal(t, "global", page.Children[0].Name)
	assert.Empty(t, page.Children[0].Attr("location"))
	assert.Equal(t, "us-east-1", page.Children[1].Name)
	assert.Equal(t, "us-east-1", page.Children[1].Attr("location"))
	assert.Equal(t, "eu-west-1", page.Children[2].Attr("location"))
	for _, child := range page.Children {
		assert.Equal(t, types.ScopeResourceGroup, child.Kind)
		assert.Equal(t, accountUnit().ID, child.ParentID)
		assert.Equal(t, testAccount, child.Attr("account"))
	}
	assert.Empty(t, page.Resources)
	assert.Empty(t, page.NextPageToken)
}

func TestLister_AccountDescribesEnabledRegions(t *testing.T) {
	mock := &mockEC2Client{
		describeRegionsFunc: func(ctx context.Context, params *ec2.DescribeRegionsInput) (*ec2.DescribeRegionsOutput, error) {
			return &ec2.DescribeRegionsOutput{Regions: []ec2types.Region{
				{RegionName: aws.String("us-west-2"), OptInStatus: aws.String("opt-in-not-required")},
				{RegionName: aws.String("af-south-1"), OptInStatus: aws.String("not-opted-in")},
				{RegionName: aws.String("eu-north-1"), OptInStatus: aws.String("opted-in")},
			}}, nil
		},
	}
	l, built := newTestLister(Clients{EC2: mock})

	page, err := l.List(context.Background(), accountUnit(), "")
	require.NoError(t, err)

	var names []string
	for _, child := range page.Children {
		names = append(names, child.Name)
	}
	assert.Equal(t, []string{"global", "eu-north-1", "us-west-2"}, names)
	assert.Equal(t, []string{defaultHomeRegion}, *built)
}

func TestLister_GroupListsPartitions(t *testing.T) {
	l, built := newTestLister(Clients{})

	regional := types.ResourceGroupUnit(accountUnit().ID, "eu-west-1")
	regional.Attrs = map[string]string{"account": testAccount, "location": "eu-west-1"}
	page, err := l.List(context.Background(), regional, "")
	require.NoError(t, err)
	require.Len(t, page.Children, len(resourceTypes(false)))
	for _, p := range page.Children {
		assert.Equal(t, types.ScopePartition, p.Kind)
		assert.Equal(t, regional.ID, p.ParentID)
		assert.Equal(t, "eu-west-1", p.Attr("region"))
		assert.Equal(t, testAccount, p.Attr("account"))
		assert.False(t, services[p.Attr("resource_type")].global)
	}

	global := types.ResourceGroupUnit(accountUnit().ID, globalGroup)
	global.Attrs = map[string]string{"account": testAccount}
	page, err = l.List(context.Background(), global, "")
	require.NoError(t, err)
	var typesListed []string
	for _, p := range page.Children {
		typesListed = append(typesListed, p.Attr("resource_type"))
		assert.Empty(t, p.Attr("region"))
	}
	assert.Equal(t, []string{TypeRole, TypeBucket}, typesListed)

	assert.Empty(t, *built, "groups list without calling the provider")
}

func TestLister_InstancesCarryNetworkReferences(t *testing.T) {
	var tokens []string
	mock := &mockEC2Client{
		describeInstancesFunc: func(ctx context.Context, params *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			tokens = append(tokens, aws.ToString(params.NextToken))
			if params.NextToken == nil {
				return &ec2.DescribeInstancesOutput{
					NextToken: aws.String("page-2"),
					Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{{
						InstanceId:     aws.String("i-123"),
						InstanceType:   ec2types.InstanceTypeT3Micro,
						State:          &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
						SubnetId:       aws.String("subnet-1"),
						VpcId:          aws.String("vpc-1"),
						SecurityGroups: []ec2types.GroupIdentifier{{GroupId: aws.String("sg-1")}},
						Tags:           []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String("web")}, {Key: aws.String("env"), Value: aws.String("prod")}},
					}}}},
				}, nil
			}
			return &ec2.DescribeInstancesOutput{}, nil
		},
	}
	l, _ := newTestLister(Clients{EC2: mock})
	unit := partition(t, l, "eu-west-1", TypeInstance)

	page, err := l.List(context.Background(), unit, "")
	require.NoError(t, err)
	assert.Equal(t, "page-2", page.NextPageToken)
	require.Len(t, page.Resources, 1)

	r := page.Resources[0]
	assert.Equal(t, "arn:aws:ec2:eu-west-1:123456789012:instance/i-123", r.ID)
	assert.Equal(t, TypeInstance, r.Type)
	assert.Equal(t, "web", r.Name)
	assert.Equal(t, "eu-west-1", r.Region)
	assert.Equal(t, unit.ID, r.UnitID)
	assert.Equal(t, "prod", r.Tags.Get("env"))
	assert.Equal(t, "running", r.Props["state"])
	assert.Equal(t, []types.Reference{
		{Field: types.RefSecurityGroup, Target: "arn:aws:ec2:eu-west-1:123456789012:security-group/sg-1"},
		{Field: types.RefSubnet, Target: "arn:aws:ec2:eu-west-1:123456789012:subnet/subnet-1"},
		{Field: types.RefVirtualNetwork, Target: "arn:aws:ec2:eu-west-1:123456789012:vpc/vpc-1"},
	}, r.Refs)

	page, err = l.List(context.Background(), unit, "page-2")
	require.NoError(t, err)
	assert.Empty(t, page.NextPageToken)
	assert.Equal(t, []string{"", "page-2"}, tokens)
}

func TestLister_FunctionsReferenceTheirRole(t *testing.T) {
	mock := &mockLambdaClient{output: &lambda.ListFunctionsOutput{Functions: []lambdatypes.FunctionConfiguration{{
		FunctionArn:  aws.String("arn:aws:lambda:eu-west-1:123456789012:function:resize"),
		FunctionName: aws.String("resize"),
		Role:         aws.String("arn:aws:iam::123456789012:role/resize-exec"),
		VpcConfig: &lambdatypes.VpcConfigResponse{
			SubnetIds: []string{"subnet-2"},
		},
	}}}}
	l, _ := newTestLister(Clients{Lambda: mock})

	page, err := l.List(context.Background(), partition(t, l, "eu-west-1", TypeFunction), "")
	require.NoError(t, err)
	require.Len(t, page.Resources, 1)
	assert.Equal(t, []types.Reference{
		{Field: types.RefIdentity, Target: "arn:aws:iam::123456789012:role/resize-exec"},
		{Field: types.RefSubnet, Target: "arn:aws:ec2:eu-west-1:123456789012:subnet/subnet-2"},
	}, page.Resources[0].Refs)
	assert.Equal(t, types.IdentityAccess, page.Resources[0].Refs[0].Field.RelationshipKind())
}

func TestLister_RolesPageOnlyWhenTruncated(t *testing.T) {
	calls := 0
	mock := &mockIAMClient{
		listRolesFunc: func(ctx context.Context, params *iam.ListRolesInput) (*iam.ListRolesOutput, error) {
			calls++
			return &iam.ListRolesOutput{
				IsTruncated: calls == 1,
				Marker:      aws.String("m-1"),
				Roles:       []iamtypes.Role{{Arn: aws.String("arn:aws:iam::123456789012:role/r"), RoleName: aws.String("r")}},
			}, nil
		},
	}
	l, built := newTestLister(Clients{IAM: mock}, "eu-west-1")
	unit := partition(t, l, "", TypeRole)

	page, err := l.List(context.Background(), unit, "")
	require.NoError(t, err)
	assert.Equal(t, "m-1", page.NextPageToken)
	require.Len(t, page.Resources, 1)
	assert.Empty(t, page.Resources[0].Region)

	page, err = l.List(context.Background(), unit, page.NextPageToken)
	require.NoError(t, err)
	assert.Empty(t, page.NextPageToken)

	assert.Equal(t, []string{defaultHomeRegion}, *built, "global services use the home region")
}

func TestLister_ClassifiesProviderErrors(t *testing.T) {
	tests := []struct {
		code string
		want types.ErrorKind
	}{
		{"UnauthorizedOperation", types.KindPermissionDenied},
		{"AccessDeniedException", types.KindPermissionDenied},
		{"RequestLimitExceeded", types.KindTransientSource},
		{"ExpiredToken", types.KindCredential},
		{"InternalError", types.KindTransientSource},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			mock := &mockEC2Client{
				describeInstancesFunc: func(ctx context.Context, params *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
					return nil, &smithy.GenericAPIError{Code: tt.code, Message: "boom"}
				},
			}
			l, _ := newTestLister(Clients{EC2: mock})

			_, err := l.List(context.Background(), partition(t, l, "eu-west-1", TypeInstance), "")
			require.Error(t, err)
			kind, _ := source.Classify(err)
			assert.Equal(t, tt.want, kind)

			var apiErr smithy.APIError
			assert.True(t, errors.As(err, &apiErr), "provider error stays reachable")
		})
	}
}

func TestLister_MissingClient(t *testing.T) {
	l, _ := newTestLister(Clients{})

	_, err := l.List(context.Background(), partition(t, l, "eu-west-1", TypeQueue), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sqs client")
}

func TestLister_UnknownPartition(t *testing.T) {
	l, _ := newTestLister(Clients{})
	unit := types.PartitionUnit(accountUnit().ID+"/resourcegroups/eu-west-1", "aws:made:up")

	_, err := l.List(context.Background(), unit, "")
	assert.Error(t, err)
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "orders", queueName("https://sqs.eu-west-1.amazonaws.com/123456789012/orders"))
	assert.Equal(t, "plain", queueName("plain"))
}
