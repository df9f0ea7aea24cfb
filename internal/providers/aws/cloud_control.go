package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudcontrol"
	cctypes "github.com/aws/aws-sdk-go-v2/service/cloudcontrol/types"

	"github.com/catherinevee/cloudauditor/internal/discovery"
	"github.com/catherinevee/cloudauditor/internal/logger"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

// CloudControlCatalog is the fixed set of types enumerated per region
var CloudControlCatalog = []string{
	"AWS::EC2::Instance",
	"AWS::EC2::Volume",
	"AWS::EC2::SecurityGroup",
	"AWS::EC2::VPC",
	"AWS::EC2::Subnet",
	"AWS::RDS::DBInstance",
	"AWS::RDS::DBCluster",
	"AWS::S3::Bucket",
	"AWS::Lambda::Function",
	"AWS::DynamoDB::Table",
	"AWS::ECS::Cluster",
	"AWS::ECS::Service",
	"AWS::EKS::Cluster",
	"AWS::ElasticLoadBalancingV2::LoadBalancer",
	"AWS::SNS::Topic",
	"AWS::SQS::Queue",
	"AWS::CloudFormation::Stack",
	"AWS::ApiGateway::RestApi",
	"AWS::CloudWatch::Alarm",
	"AWS::Events::Rule",
}

// nameProperties are checked in order for a display name
var nameProperties = []string{"Name", "ResourceName", "FunctionName", "DBInstanceIdentifier", "ClusterName"}

// CloudControlAPI is the subset of the Cloud Control client used here
type CloudControlAPI interface {
	ListResourceRequests(ctx context.Context, params *cloudcontrol.ListResourceRequestsInput, optFns ...func(*cloudcontrol.Options)) (*cloudcontrol.ListResourceRequestsOutput, error)
	cloudcontrol.ListResourcesAPIClient
}

// CloudControlAdapter is the per-type enumeration backend
type CloudControlAdapter struct {
	home      string
	newClient func(region string) CloudControlAPI

	mu      sync.Mutex
	clients map[string]CloudControlAPI

	log logger.Logger
}

var _ discovery.EnumerationAdapter = (*CloudControlAdapter)(nil)

// controlRecord carries the listing context Convert needs
type controlRecord struct {
	desc         cctypes.ResourceDescription
	resourceType string
	region       string
	account      string
}

// NewCloudControlAdapter creates an adapter whose home region is the config's
func NewCloudControlAdapter(cfg aws.Config) *CloudControlAdapter {
	return newCloudControlAdapter(cfg.Region, func(region string) CloudControlAPI {
		return cloudcontrol.NewFromConfig(cfg, func(o *cloudcontrol.Options) {
			o.Region = region
		})
	})
}

func newCloudControlAdapter(home string, newClient func(string) CloudControlAPI) *CloudControlAdapter {
	return &CloudControlAdapter{
		home:      home,
		newClient: newClient,
		clients:   make(map[string]CloudControlAPI),
		log:       logger.New("cloud_control"),
	}
}

func (a *CloudControlAdapter) client(region string) CloudControlAPI {
	if region == "" {
		region = a.home
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.clients[region]
	if !ok {
		c = a.newClient(region)
		a.clients[region] = c
	}
	return c
}

func (a *CloudControlAdapter) Source() models.DiscoverySource {
	return models.SourceCloudControl
}

// Probe issues a minimal request in the home region
func (a *CloudControlAdapter) Probe(ctx context.Context) bool {
	_, err := a.client(a.home).ListResourceRequests(ctx, &cloudcontrol.ListResourceRequestsInput{
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		a.log.Warn("cloud control unavailable", logger.String("region", a.home), logger.Error(err))
		return false
	}
	return true
}

// Catalog returns the enumerated types
func (a *CloudControlAdapter) Catalog() []string {
	return append([]string{}, CloudControlCatalog...)
}

// ListRaw lists every resource of q.Types[0] in q.Regions[0]
func (a *CloudControlAdapter) ListRaw(ctx context.Context, q discovery.Query) iter.Seq2[discovery.RawRecord, error] {
	return func(yield func(discovery.RawRecord, error) bool) {
		if len(q.Types) == 0 {
			yield(nil, fmt.Errorf("cloud control listing needs a resource type"))
			return
		}
		resourceType := q.Types[0]
		region := a.home
		if len(q.Regions) > 0 {
			region = q.Regions[0]
		}

		paginator := cloudcontrol.NewListResourcesPaginator(a.client(region), &cloudcontrol.ListResourcesInput{
			TypeName: aws.String(resourceType),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				if code := ErrorCode(err); code == "UnsupportedActionException" || code == "TypeNotFoundException" {
					a.log.Debug("type not listable", logger.String("resource_type", resourceType), logger.String("region", region), logger.String("code", code))
				}
				yield(nil, fmt.Errorf("failed to list %s in %s: %w", resourceType, region, err))
				return
			}
			for _, d := range page.ResourceDescriptions {
				if !yield(controlRecord{desc: d, resourceType: resourceType, region: region, account: q.AccountID}, nil) {
					return
				}
			}
		}
	}
}

// Convert decodes the properties document. Records without an Arn property
// get a synthesized identity from (identifier, type, region, account).
func (a *CloudControlAdapter) Convert(raw discovery.RawRecord) (models.Resource, error) {
	r, ok := raw.(controlRecord)
	if !ok {
		return models.Resource{}, fmt.Errorf("unexpected record type %T", raw)
	}

	identifier := aws.ToString(r.desc.Identifier)
	properties := map[string]any{}
	if doc := aws.ToString(r.desc.Properties); doc != "" {
		if err := json.Unmarshal([]byte(doc), &properties); err != nil {
			return models.Resource{}, fmt.Errorf("invalid properties for %s %q: %w", r.resourceType, identifier, err)
		}
	}

	identity := firstString(properties, "Arn", "ARN")
	if identity == "" {
		if identifier == "" {
			return models.Resource{}, fmt.Errorf("%s record has neither Arn nor identifier", r.resourceType)
		}
		identity = models.SynthesizeARN(identifier, r.resourceType, r.region, r.account)
	}

	region, account := r.region, models.UnknownAccount
	if parsedRegion, parsedAccount, ok := models.ParseScope(identity); ok {
		region, account = parsedRegion, parsedAccount
	}

	name := firstString(properties, nameProperties...)
	if name == "" {
		name = identifier
	}

	return models.Resource{
		ARN:           identity,
		Type:          r.resourceType,
		Region:        region,
		AccountID:     account,
		Name:          name,
		Tags:          tagList(properties["Tags"]),
		Configuration: properties,
		Relationships: []string{},
		Source:        models.SourceCloudControl,
	}, nil
}
