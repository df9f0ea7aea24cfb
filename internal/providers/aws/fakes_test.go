package aws

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudcontrol"
	cctypes "github.com/aws/aws-sdk-go-v2/service/cloudcontrol/types"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	cfgtypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/aws-sdk-go-v2/service/resourceexplorer2"
	retypes "github.com/aws/aws-sdk-go-v2/service/resourceexplorer2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/mock"
)

const testAccount = "111122223333"

// MockSTSClient is a mock implementation of STSAPI
type MockSTSClient struct {
	mock.Mock
}

func (m *MockSTSClient) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sts.GetCallerIdentityOutput), args.Error(1)
}

func (m *MockSTSClient) AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sts.AssumeRoleOutput), args.Error(1)
}

// MockRegionsClient is a mock implementation of RegionsAPI
type MockRegionsClient struct {
	mock.Mock
}

func (m *MockRegionsClient) DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ec2.DescribeRegionsOutput), args.Error(1)
}

// MockOrganizationsClient is a mock implementation of OrganizationsAPI
type MockOrganizationsClient struct {
	mock.Mock
}

func (m *MockOrganizationsClient) ListAccounts(ctx context.Context, params *organizations.ListAccountsInput, optFns ...func(*organizations.Options)) (*organizations.ListAccountsOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*organizations.ListAccountsOutput), args.Error(1)
}

// apiError implements smithy.APIError
type apiError struct {
	code string
}

func (e *apiError) Error() string                 { return "api error " + e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

// pageToken encodes a page index as a NextToken
func pageToken(i, total int) *string {
	if i+1 >= total {
		return nil
	}
	return aws.String(strconv.Itoa(i + 1))
}

func pageIndex(token *string) int {
	if token == nil {
		return 0
	}
	i, _ := strconv.Atoi(*token)
	return i
}

// fakeExplorer serves Search pages and a fixed index answer
type fakeExplorer struct {
	indexes  int
	listErr  error
	index    *resourceexplorer2.GetIndexOutput
	indexErr error

	pages     [][]retypes.Resource
	searchErr error
	queries   []string
}

func (f *fakeExplorer) ListIndexes(context.Context, *resourceexplorer2.ListIndexesInput, ...func(*resourceexplorer2.Options)) (*resourceexplorer2.ListIndexesOutput, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &resourceexplorer2.ListIndexesOutput{Indexes: make([]retypes.Index, f.indexes)}, nil
}

func (f *fakeExplorer) GetIndex(context.Context, *resourceexplorer2.GetIndexInput, ...func(*resourceexplorer2.Options)) (*resourceexplorer2.GetIndexOutput, error) {
	if f.indexErr != nil {
		return nil, f.indexErr
	}
	return f.index, nil
}

func (f *fakeExplorer) Search(_ context.Context, in *resourceexplorer2.SearchInput, _ ...func(*resourceexplorer2.Options)) (*resourceexplorer2.SearchOutput, error) {
	f.queries = append(f.queries, aws.ToString(in.QueryString))
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if len(f.pages) == 0 {
		return &resourceexplorer2.SearchOutput{}, nil
	}
	i := pageIndex(in.NextToken)
	return &resourceexplorer2.SearchOutput{Resources: f.pages[i], NextToken: pageToken(i, len(f.pages))}, nil
}

// fakeConfig serves paged identifiers and a batch call
type fakeConfig struct {
	recorders    []cfgtypes.ConfigurationRecorder
	recordersErr error
	statuses     []cfgtypes.ConfigurationRecorderStatus

	pages     [][]cfgtypes.ResourceIdentifier
	listErr   error
	listCalls int

	batchErr    error
	unprocessed int
	batchKeys   []cfgtypes.ResourceKey
}

func (f *fakeConfig) DescribeConfigurationRecorders(context.Context, *configservice.DescribeConfigurationRecordersInput, ...func(*configservice.Options)) (*configservice.DescribeConfigurationRecordersOutput, error) {
	if f.recordersErr != nil {
		return nil, f.recordersErr
	}
	return &configservice.DescribeConfigurationRecordersOutput{ConfigurationRecorders: f.recorders}, nil
}

func (f *fakeConfig) DescribeConfigurationRecorderStatus(context.Context, *configservice.DescribeConfigurationRecorderStatusInput, ...func(*configservice.Options)) (*configservice.DescribeConfigurationRecorderStatusOutput, error) {
	return &configservice.DescribeConfigurationRecorderStatusOutput{ConfigurationRecordersStatus: f.statuses}, nil
}

func (f *fakeConfig) ListDiscoveredResources(_ context.Context, in *configservice.ListDiscoveredResourcesInput, _ ...func(*configservice.Options)) (*configservice.ListDiscoveredResourcesOutput, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.pages) == 0 {
		return &configservice.ListDiscoveredResourcesOutput{}, nil
	}
	i := pageIndex(in.NextToken)
	return &configservice.ListDiscoveredResourcesOutput{ResourceIdentifiers: f.pages[i], NextToken: pageToken(i, len(f.pages))}, nil
}

func (f *fakeConfig) BatchGetResourceConfig(_ context.Context, in *configservice.BatchGetResourceConfigInput, _ ...func(*configservice.Options)) (*configservice.BatchGetResourceConfigOutput, error) {
	f.batchKeys = append(f.batchKeys, in.ResourceKeys...)
	if f.batchErr != nil {
		return nil, f.batchErr
	}

	processed := len(in.ResourceKeys) - f.unprocessed
	if processed < 0 {
		processed = 0
	}
	out := &configservice.BatchGetResourceConfigOutput{UnprocessedResourceKeys: in.ResourceKeys[processed:]}
	for _, k := range in.ResourceKeys[:processed] {
		id := aws.ToString(k.ResourceId)
		out.BaseConfigurationItems = append(out.BaseConfigurationItems, cfgtypes.BaseConfigurationItem{
			Arn:           aws.String(fmt.Sprintf("arn:aws:ec2:us-east-1:%s:instance/%s", testAccount, id)),
			AccountId:     aws.String(testAccount),
			AwsRegion:     aws.String("us-east-1"),
			ResourceId:    k.ResourceId,
			ResourceType:  k.ResourceType,
			Configuration: aws.String(`{"instanceType":"t3.micro"}`),
		})
	}
	return out, nil
}

func identifiers(start, n int, resourceType string) []cfgtypes.ResourceIdentifier {
	out := make([]cfgtypes.ResourceIdentifier, n)
	for i := range out {
		out[i] = cfgtypes.ResourceIdentifier{
			ResourceId:   aws.String(fmt.Sprintf("i-%04d", start+i)),
			ResourceType: cfgtypes.ResourceType(resourceType),
		}
	}
	return out
}

// fakeControl serves ListResources per region
type fakeControl struct {
	mu       sync.Mutex
	region   string
	pages    map[string][][]cctypes.ResourceDescription
	listErr  error
	probeErr error
	types    []string
}

func (f *fakeControl) ListResourceRequests(context.Context, *cloudcontrol.ListResourceRequestsInput, ...func(*cloudcontrol.Options)) (*cloudcontrol.ListResourceRequestsOutput, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return &cloudcontrol.ListResourceRequestsOutput{}, nil
}

func (f *fakeControl) ListResources(_ context.Context, in *cloudcontrol.ListResourcesInput, _ ...func(*cloudcontrol.Options)) (*cloudcontrol.ListResourcesOutput, error) {
	f.mu.Lock()
	f.types = append(f.types, aws.ToString(in.TypeName))
	f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	pages := f.pages[aws.ToString(in.TypeName)]
	if len(pages) == 0 {
		return &cloudcontrol.ListResourcesOutput{}, nil
	}
	i := pageIndex(in.NextToken)
	return &cloudcontrol.ListResourcesOutput{ResourceDescriptions: pages[i], NextToken: pageToken(i, len(pages))}, nil
}
