// Package aws lists AWS accounts through the paged source contract.
//
// An account is a subscription unit. Its children are one group per
// enabled region plus a "global" group for account-wide services, and
// every group lists one partition per resource type. Partitions page
// through a single service API using its native continuation token.
package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/kartta/internal/source"
	"github.com/yairfalse/kartta/types"
)

const (
	// Provider is the lister name used in scopes and registries.
	Provider = "aws"

	globalGroup       = "global"
	defaultHomeRegion = "us-east-1"
)

// Options configures the AWS lister.
type Options struct {
	Profile string
	// Regions to list. Empty means every region enabled for the account.
	Regions []string
	// HomeRegion serves region discovery and the global services.
	HomeRegion string
}

// Lister implements source.Lister for AWS.
type Lister struct {
	factory ClientFactory
	regions []string
	home    string

	mu      sync.Mutex
	clients map[string]Clients
}

var _ source.Lister = (*Lister)(nil)

// LoadConfig resolves the default AWS credential chain for opts.
func LoadConfig(ctx context.Context, opts Options) (aws.Config, error) {
	home := opts.HomeRegion
	if home == "" {
		home = defaultHomeRegion
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(home)}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// New loads the default AWS credential chain and creates a lister.
func New(ctx context.Context, opts Options) (*Lister, error) {
	awsCfg, err := LoadConfig(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(awsCfg, opts), nil
}

// NewFromConfig creates a lister whose regional clients derive from awsCfg.
func NewFromConfig(awsCfg aws.Config, opts Options) *Lister {
	factory := func(region string) Clients {
		cfg := awsCfg.Copy()
		cfg.Region = region
		return Clients{
			EC2:         ec2.NewFromConfig(cfg),
			RDS:         rds.NewFromConfig(cfg),
			ELB:         elasticloadbalancingv2.NewFromConfig(cfg),
			Lambda:      lambda.NewFromConfig(cfg),
			IAM:         iam.NewFromConfig(cfg),
			S3:          s3.NewFromConfig(cfg),
			DynamoDB:    dynamodb.NewFromConfig(cfg),
			SQS:         sqs.NewFromConfig(cfg),
			EKS:         eks.NewFromConfig(cfg),
			AutoScaling: autoscaling.NewFromConfig(cfg),
		}
	}
	return NewWithFactory(factory, opts)
}

// NewWithFactory creates a lister over caller-supplied clients.
func NewWithFactory(factory ClientFactory, opts Options) *Lister {
	home := opts.HomeRegion
	if home == "" {
		home = defaultHomeRegion
	}
	return &Lister{
		factory: factory,
		regions: append([]string(nil), opts.Regions...),
		home:    home,
		clients: make(map[string]Clients),
	}
}

// Name returns the provider name.
func (l *Lister) Name() string { return Provider }

// List returns one page of the unit.
func (l *Lister) List(ctx context.Context, unit types.ScopeUnit, pageToken string) (source.Page, error) {
	switch unit.Kind {
	case types.ScopeSubscription:
		return l.listAccount(ctx, unit)
	case types.ScopeResourceGroup:
		return l.listGroup(unit), nil
	case types.ScopePartition:
		return l.listPartition(ctx, unit, pageToken)
	}
	return source.Page{}, fmt.Errorf("aws: unsupported unit kind %q", unit.Kind)
}

func (l *Lister) regionClients(region string) Clients {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[region]
	if !ok {
		c = l.factory(region)
		l.clients[region] = c
	}
	return c
}

func (l *Lister) listAccount(ctx context.Context, unit types.ScopeUnit) (source.Page, error) {
	account := unit.Name
	regions := l.regions
	if len(regions) == 0 {
		var err error
		regions, err = l.enabledRegions(ctx)
		if err != nil {
			return source.Page{}, classify(err)
		}
	}

	children := make([]types.ScopeUnit, 0, len(regions)+1)
	for _, region := range append([]string{globalGroup}, regions...) {
		group := types.ResourceGroupUnit(unit.ID, region)
		group.Attrs = map[string]string{"account": account}
		if region != globalGroup {
			group.Attrs["location"] = region
		}
		children = append(children, group)
	}
	log.Debug().Str("account", account).Int("regions", len(regions)).Msg("listed aws account")
	return source.Page{Children: children}, nil
}

func (l *Lister) enabledRegions(ctx context.Context) ([]string, error) {
	c := l.regionClients(l.home)
	if c.EC2 == nil {
		return nil, errNoClient("ec2")
	}
	out, err := c.EC2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, fmt.Errorf("describe regions: %w", err)
	}
	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		if aws.ToString(r.OptInStatus) == "not-opted-in" {
			continue
		}
		if name := aws.ToString(r.RegionName); name != "" {
			regions = append(regions, name)
		}
	}
	sort.Strings(regions)
	return regions, nil
}

// listGroup returns the partitions of a region group. It makes no calls.
func (l *Lister) listGroup(unit types.ScopeUnit) source.Page {
	global := unit.Name == globalGroup
	account := unit.Attr("account")
	if account == "" {
		account = strings.TrimPrefix(unit.ParentID, types.SubscriptionUnitID(""))
	}
	var children []types.ScopeUnit
	for _, typ := range resourceTypes(global) {
		p := types.PartitionUnit(unit.ID, typ)
		p.Attrs["account"] = account
		if !global {
			p.Attrs["region"] = unit.Name
		}
		children = append(children, p)
	}
	return source.Page{Children: children}
}

func (l *Lister) listPartition(ctx context.Context, unit types.ScopeUnit, pageToken string) (source.Page, error) {
	typ := unit.Attr("resource_type")
	svc, ok := services[typ]
	if !ok {
		return source.Page{}, fmt.Errorf("aws: unknown resource type %q", typ)
	}

	loc := location{
		account: unit.Attr("account"),
		region:  unit.Attr("region"),
		unitID:  unit.ID,
	}
	region := loc.region
	if svc.global {
		region = l.home
	}

	page, err := svc.list(ctx, l.regionClients(region), loc, pageToken)
	if err != nil {
		return source.Page{}, classify(err)
	}
	return page, nil
}

func errNoClient(service string) error {
	return fmt.Errorf("aws: no %s client configured", service)
}
