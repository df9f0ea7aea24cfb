package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/resourceexplorer2"
	retypes "github.com/aws/aws-sdk-go-v2/service/resourceexplorer2/types"

	"github.com/catherinevee/cloudauditor/internal/discovery"
	"github.com/catherinevee/cloudauditor/internal/logger"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

// searchPageSize is the largest page Search accepts
const searchPageSize = 1000

// ResourceExplorerAPI is the subset of the Resource Explorer client used here
type ResourceExplorerAPI interface {
	ListIndexes(ctx context.Context, params *resourceexplorer2.ListIndexesInput, optFns ...func(*resourceexplorer2.Options)) (*resourceexplorer2.ListIndexesOutput, error)
	GetIndex(ctx context.Context, params *resourceexplorer2.GetIndexInput, optFns ...func(*resourceexplorer2.Options)) (*resourceexplorer2.GetIndexOutput, error)
	resourceexplorer2.SearchAPIClient
}

// ResourceExplorerAdapter is the fast-index backend
type ResourceExplorerAdapter struct {
	region    string
	client    ResourceExplorerAPI
	newClient func(region string) ResourceExplorerAPI
	log       logger.Logger
}

var _ discovery.IndexAdapter = (*ResourceExplorerAdapter)(nil)

// NewResourceExplorerAdapter creates an adapter bound to the config's region
func NewResourceExplorerAdapter(cfg aws.Config) *ResourceExplorerAdapter {
	newClient := func(region string) ResourceExplorerAPI {
		return resourceexplorer2.NewFromConfig(cfg, func(o *resourceexplorer2.Options) {
			o.Region = region
		})
	}
	return newResourceExplorerAdapter(cfg.Region, newClient)
}

func newResourceExplorerAdapter(region string, newClient func(string) ResourceExplorerAPI) *ResourceExplorerAdapter {
	return &ResourceExplorerAdapter{
		region:    region,
		client:    newClient(region),
		newClient: newClient,
		log:       logger.New("resource_explorer").WithFields(logger.String("region", region)),
	}
}

func (a *ResourceExplorerAdapter) Source() models.DiscoverySource {
	return models.SourceResourceExplorer
}

// Probe reports whether any index exists
func (a *ResourceExplorerAdapter) Probe(ctx context.Context) bool {
	out, err := a.client.ListIndexes(ctx, &resourceexplorer2.ListIndexesInput{})
	if err != nil {
		a.log.Warn("failed to list indexes", logger.Error(err))
		return false
	}
	return len(out.Indexes) > 0
}

// Mode reports the type of the index in this adapter's region
func (a *ResourceExplorerAdapter) Mode(ctx context.Context) (discovery.IndexMode, error) {
	out, err := a.client.GetIndex(ctx, &resourceexplorer2.GetIndexInput{})
	if err != nil {
		var notFound *retypes.ResourceNotFoundException
		if errors.As(err, &notFound) || ErrorCode(err) == "ResourceNotFoundException" {
			return discovery.IndexModeNone, nil
		}
		return discovery.IndexModeNone, fmt.Errorf("failed to get index in %s: %w", a.region, err)
	}

	if out.Type == retypes.IndexTypeAggregator {
		return discovery.IndexModeAggregator, nil
	}
	return discovery.IndexModeScoped, nil
}

// ForRegion returns an adapter querying the index in region
func (a *ResourceExplorerAdapter) ForRegion(region string) discovery.IndexAdapter {
	return newResourceExplorerAdapter(region, a.newClient)
}

// ListRaw pages through Search results for the query
func (a *ResourceExplorerAdapter) ListRaw(ctx context.Context, q discovery.Query) iter.Seq2[discovery.RawRecord, error] {
	return func(yield func(discovery.RawRecord, error) bool) {
		query := BuildQuery(q)
		a.log.Debug("searching index", logger.String("query", query))

		paginator := resourceexplorer2.NewSearchPaginator(a.client, &resourceexplorer2.SearchInput{
			QueryString: aws.String(query),
			MaxResults:  aws.Int32(searchPageSize),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(nil, fmt.Errorf("search failed in %s: %w", a.region, err))
				return
			}
			for _, r := range page.Resources {
				if !yield(r, nil) {
					return
				}
			}
		}
	}
}

// Convert maps a Search result to a Resource. Properties prefixed with
// "tag:" become tags; everything else lands in Configuration.
func (a *ResourceExplorerAdapter) Convert(raw discovery.RawRecord) (models.Resource, error) {
	r, ok := raw.(retypes.Resource)
	if !ok {
		return models.Resource{}, fmt.Errorf("unexpected record type %T", raw)
	}

	identity := aws.ToString(r.Arn)
	if identity == "" {
		return models.Resource{}, errors.New("search result has no ARN")
	}
	region, account, ok := models.ParseScope(identity)
	if !ok {
		return models.Resource{}, fmt.Errorf("malformed ARN %q", identity)
	}

	res := models.Resource{
		ARN:           identity,
		Type:          aws.ToString(r.ResourceType),
		Region:        region,
		AccountID:     account,
		Tags:          map[string]string{},
		Configuration: map[string]any{},
		LastModified:  timePtr(r.LastReportedAt),
		Source:        models.SourceResourceExplorer,
	}
	if res.Type == "" {
		res.Type = "Unknown"
	}

	for _, p := range r.Properties {
		name := aws.ToString(p.Name)
		value, err := propertyValue(p)
		if err != nil {
			return models.Resource{}, fmt.Errorf("property %q of %s: %w", name, identity, err)
		}

		switch {
		case strings.HasPrefix(name, "tag:"):
			res.Tags[strings.TrimPrefix(name, "tag:")] = fmt.Sprint(value)
		case strings.EqualFold(name, "tags"):
			for k, v := range tagList(value) {
				res.Tags[k] = v
			}
		default:
			res.Configuration[name] = value
		}

		if res.Name == "" && (name == "Name" || name == "name" || name == "ResourceName") {
			if s, ok := value.(string); ok {
				res.Name = s
			}
		}
	}
	return res, nil
}

// propertyValue decodes a property document into plain JSON values
func propertyValue(p retypes.ResourceProperty) (any, error) {
	if p.Data == nil {
		return nil, nil
	}
	data, err := p.Data.MarshalSmithyDocument()
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return v, nil
}

// tagList reads a [{"Key": k, "Value": v}] list, in either key casing
func tagList(value any) map[string]string {
	out := map[string]string{}
	list, ok := value.([]any)
	if !ok {
		return out
	}
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		key := firstString(m, "Key", "key")
		if key == "" {
			continue
		}
		out[key] = firstString(m, "Value", "value")
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
