package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	cfgtypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"golang.org/x/time/rate"

	"github.com/catherinevee/cloudauditor/internal/discovery"
	"github.com/catherinevee/cloudauditor/internal/logger"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

// DefaultRequestsPerSecond paces Config API calls when no rate is configured
const DefaultRequestsPerSecond = 5

// CommonConfigTypes is reported when the recorder records all supported types
var CommonConfigTypes = []string{
	"AWS::EC2::Instance",
	"AWS::EC2::Volume",
	"AWS::EC2::SecurityGroup",
	"AWS::EC2::VPC",
	"AWS::EC2::Subnet",
	"AWS::RDS::DBInstance",
	"AWS::RDS::DBCluster",
	"AWS::S3::Bucket",
	"AWS::Lambda::Function",
	"AWS::IAM::User",
	"AWS::IAM::Role",
	"AWS::IAM::Policy",
	"AWS::DynamoDB::Table",
	"AWS::ECS::Cluster",
	"AWS::ECS::Service",
	"AWS::EKS::Cluster",
	"AWS::ElasticLoadBalancingV2::LoadBalancer",
	"AWS::CloudFormation::Stack",
	"AWS::SNS::Topic",
	"AWS::SQS::Queue",
}

// ConfigAPI is the subset of the AWS Config client used here
type ConfigAPI interface {
	DescribeConfigurationRecorders(ctx context.Context, params *configservice.DescribeConfigurationRecordersInput, optFns ...func(*configservice.Options)) (*configservice.DescribeConfigurationRecordersOutput, error)
	DescribeConfigurationRecorderStatus(ctx context.Context, params *configservice.DescribeConfigurationRecorderStatusInput, optFns ...func(*configservice.Options)) (*configservice.DescribeConfigurationRecorderStatusOutput, error)
	BatchGetResourceConfig(ctx context.Context, params *configservice.BatchGetResourceConfigInput, optFns ...func(*configservice.Options)) (*configservice.BatchGetResourceConfigOutput, error)
	configservice.ListDiscoveredResourcesAPIClient
}

// ConfigAdapter is the change-ledger backend. It samples at most batchSize
// identifiers per type and materializes them in one batch call.
type ConfigAdapter struct {
	region    string
	client    ConfigAPI
	batchSize int
	limiter   *rate.Limiter
	log       logger.Logger
}

var _ discovery.LedgerAdapter = (*ConfigAdapter)(nil)

// identifierRecord is an identifier the batch call did not materialize
type identifierRecord struct {
	id      cfgtypes.ResourceIdentifier
	region  string
	account string
}

// NewConfigAdapter creates an adapter in the config's region
func NewConfigAdapter(cfg aws.Config, batchSize int, requestsPerSecond float64) *ConfigAdapter {
	return newConfigAdapter(cfg.Region, configservice.NewFromConfig(cfg), batchSize, requestsPerSecond)
}

func newConfigAdapter(region string, client ConfigAPI, batchSize int, requestsPerSecond float64) *ConfigAdapter {
	if batchSize <= 0 || batchSize > models.DefaultBatchSize {
		batchSize = models.DefaultBatchSize
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	return &ConfigAdapter{
		region:    region,
		client:    client,
		batchSize: batchSize,
		limiter:   rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		log:       logger.New("config").WithFields(logger.String("region", region)),
	}
}

func (a *ConfigAdapter) Source() models.DiscoverySource {
	return models.SourceConfig
}

// Probe reports whether a recorder exists and at least one is recording
func (a *ConfigAdapter) Probe(ctx context.Context) bool {
	if err := a.limiter.Wait(ctx); err != nil {
		return false
	}
	recorders, err := a.client.DescribeConfigurationRecorders(ctx, &configservice.DescribeConfigurationRecordersInput{})
	if err != nil {
		a.log.Warn("failed to describe recorders", logger.Error(err))
		return false
	}
	if len(recorders.ConfigurationRecorders) == 0 {
		a.log.Info("no configuration recorders found")
		return false
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return false
	}
	status, err := a.client.DescribeConfigurationRecorderStatus(ctx, &configservice.DescribeConfigurationRecorderStatusInput{})
	if err != nil {
		a.log.Warn("failed to describe recorder status", logger.Error(err))
		return false
	}
	for _, s := range status.ConfigurationRecordersStatus {
		if s.Recording {
			return true
		}
	}
	a.log.Info("configuration recorders exist but none is recording")
	return false
}

// SupportedTypes returns the types the first recorder records
func (a *ConfigAdapter) SupportedTypes(ctx context.Context) ([]string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := a.client.DescribeConfigurationRecorders(ctx, &configservice.DescribeConfigurationRecordersInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to describe recorders: %w", err)
	}
	if len(out.ConfigurationRecorders) == 0 {
		return nil, nil
	}

	group := out.ConfigurationRecorders[0].RecordingGroup
	if group == nil || group.AllSupported {
		return append([]string{}, CommonConfigTypes...), nil
	}
	types := make([]string, 0, len(group.ResourceTypes))
	for _, t := range group.ResourceTypes {
		types = append(types, string(t))
	}
	return types, nil
}

// ListRaw samples identifiers of q.Types[0] and materializes them. Keys the
// batch call leaves unprocessed come back as identifier-only records.
func (a *ConfigAdapter) ListRaw(ctx context.Context, q discovery.Query) iter.Seq2[discovery.RawRecord, error] {
	return func(yield func(discovery.RawRecord, error) bool) {
		if len(q.Types) == 0 {
			yield(nil, fmt.Errorf("config listing needs a resource type"))
			return
		}
		resourceType := q.Types[0]

		ids, err := a.sample(ctx, resourceType)
		if err != nil {
			if !yield(nil, err) {
				return
			}
		}
		if len(ids) == 0 {
			return
		}

		stub := func(id cfgtypes.ResourceIdentifier) identifierRecord {
			return identifierRecord{id: id, region: a.region, account: q.AccountID}
		}

		keys := make([]cfgtypes.ResourceKey, len(ids))
		byID := make(map[string]cfgtypes.ResourceIdentifier, len(ids))
		for i, id := range ids {
			keys[i] = cfgtypes.ResourceKey{ResourceId: id.ResourceId, ResourceType: id.ResourceType}
			byID[aws.ToString(id.ResourceId)] = id
		}

		if err := a.limiter.Wait(ctx); err != nil {
			yield(nil, err)
			return
		}
		out, err := a.client.BatchGetResourceConfig(ctx, &configservice.BatchGetResourceConfigInput{ResourceKeys: keys})
		if err != nil {
			if !yield(nil, fmt.Errorf("batch get for %s failed: %w", resourceType, err)) {
				return
			}
			for _, id := range ids {
				if !yield(stub(id), nil) {
					return
				}
			}
			return
		}

		for _, item := range out.BaseConfigurationItems {
			if !yield(item, nil) {
				return
			}
		}
		for _, key := range out.UnprocessedResourceKeys {
			id, ok := byID[aws.ToString(key.ResourceId)]
			if !ok {
				id = cfgtypes.ResourceIdentifier{ResourceId: key.ResourceId, ResourceType: key.ResourceType}
			}
			if !yield(stub(id), nil) {
				return
			}
		}
	}
}

// sample pages ListDiscoveredResources until batchSize identifiers are held
func (a *ConfigAdapter) sample(ctx context.Context, resourceType string) ([]cfgtypes.ResourceIdentifier, error) {
	paginator := configservice.NewListDiscoveredResourcesPaginator(a.client, &configservice.ListDiscoveredResourcesInput{
		ResourceType: cfgtypes.ResourceType(resourceType),
	}, func(o *configservice.ListDiscoveredResourcesPaginatorOptions) {
		o.Limit = int32(a.batchSize)
	})

	var ids []cfgtypes.ResourceIdentifier
	for paginator.HasMorePages() && len(ids) < a.batchSize {
		if err := a.limiter.Wait(ctx); err != nil {
			return ids, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return ids, fmt.Errorf("failed to list %s: %w", resourceType, err)
		}
		ids = append(ids, page.ResourceIdentifiers...)
	}
	if len(ids) > a.batchSize {
		ids = ids[:a.batchSize]
	}
	a.log.Debug("sampled identifiers", logger.String("resource_type", resourceType), logger.Int("count", len(ids)))
	return ids, nil
}

// Convert maps a configuration item, or an identifier-only record, to a
// Resource.
func (a *ConfigAdapter) Convert(raw discovery.RawRecord) (models.Resource, error) {
	switch r := raw.(type) {
	case cfgtypes.BaseConfigurationItem:
		return a.convertItem(r)
	case identifierRecord:
		return convertIdentifier(r), nil
	default:
		return models.Resource{}, fmt.Errorf("unexpected record type %T", raw)
	}
}

func (a *ConfigAdapter) convertItem(item cfgtypes.BaseConfigurationItem) (models.Resource, error) {
	resourceType := string(item.ResourceType)
	id := aws.ToString(item.ResourceId)
	region := aws.ToString(item.AwsRegion)
	account := aws.ToString(item.AccountId)

	identity := aws.ToString(item.Arn)
	if identity == "" {
		if id == "" {
			return models.Resource{}, fmt.Errorf("configuration item of type %s has neither ARN nor id", resourceType)
		}
		if region == "" {
			region = a.region
		}
		identity = models.SynthesizeARN(id, resourceType, region, account)
	}
	parsedRegion, parsedAccount, _ := models.ParseScope(identity)
	if region == "" {
		region = parsedRegion
	}
	if account == "" {
		account = parsedAccount
	}

	configuration := map[string]any{}
	if doc := aws.ToString(item.Configuration); doc != "" {
		if err := json.Unmarshal([]byte(doc), &configuration); err != nil {
			return models.Resource{}, fmt.Errorf("invalid configuration for %s: %w", identity, err)
		}
	}
	for k, v := range item.SupplementaryConfiguration {
		configuration["supplementary:"+k] = v
	}

	name := aws.ToString(item.ResourceName)
	if name == "" {
		name = id
	}

	return models.Resource{
		ARN:           identity,
		Type:          resourceType,
		Region:        region,
		AccountID:     account,
		Name:          name,
		Tags:          map[string]string{},
		Configuration: configuration,
		CreatedAt:     timePtr(item.ResourceCreationTime),
		LastModified:  timePtr(item.ConfigurationItemCaptureTime),
		Source:        models.SourceConfig,
	}, nil
}

// convertIdentifier builds a minimal Resource with a synthesized identity
func convertIdentifier(r identifierRecord) models.Resource {
	id := aws.ToString(r.id.ResourceId)
	resourceType := string(r.id.ResourceType)
	name := aws.ToString(r.id.ResourceName)
	if name == "" {
		name = id
	}
	account := r.account
	if account == "" {
		account = models.UnknownAccount
	}
	return models.Resource{
		ARN:           models.SynthesizeARN(id, resourceType, r.region, account),
		Type:          resourceType,
		Region:        r.region,
		AccountID:     account,
		Name:          name,
		Tags:          map[string]string{},
		Configuration: map[string]any{},
		Source:        models.SourceConfig,
	}
}
