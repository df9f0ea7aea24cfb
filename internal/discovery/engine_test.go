package discovery

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/cloudauditor/internal/logger"
	"github.com/catherinevee/cloudauditor/internal/regions"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

const (
	typeBucket   = "AWS::S3::Bucket"
	typeInstance = "AWS::EC2::Instance"
	typeFunction = "AWS::Lambda::Function"
)

func indexOnly() models.DiscoveryConfig {
	cfg := models.DefaultDiscoveryConfig()
	cfg.UseConfig = false
	return cfg
}

func newTestEngine(session Session, backends Backends, cfg models.DiscoveryConfig) *Engine {
	return NewEngine(session, backends, cfg,
		WithLogger(logger.Nop()),
		WithRunIDs(func() string { return "run-test" }))
}

func errorsContaining(result *models.DiscoveryResult, fragment string) []string {
	var out []string
	for _, e := range result.Errors {
		if strings.Contains(e, fragment) {
			out = append(out, e)
		}
	}
	return out
}

func TestMergeFirstWriterWins(t *testing.T) {
	a := models.Resource{ARN: "X", Tags: map[string]string{"tag": "a"}}
	b := models.Resource{ARN: "X", Tags: map[string]string{"tag": "b"}}
	c := models.Resource{ARN: "Y"}

	merged := Merge([]models.Resource{a}, []models.Resource{b, c}, []models.Resource{c})

	require.Len(t, merged, 2)
	assert.Equal(t, "a", merged[0].Tags["tag"])
	assert.Equal(t, "Y", merged[1].ARN)
	assert.Empty(t, Merge())
}

func TestDiscoverDedupAcrossStages(t *testing.T) {
	x := res("arn:aws:s3:::x", typeBucket)
	x.Tags = map[string]string{"tag": "a"}
	xLater := x
	xLater.Tags = map[string]string{"tag": "b"}

	index := newIndex(IndexModeAggregator, rec(x))
	ledger := newLedger(map[string][]item{
		typeBucket: {rec(xLater), rec(res("arn:aws:s3:::y", typeBucket))},
	}, typeBucket)

	result := newTestEngine(newSession(testAccount, "us-east-1"), Backends{Index: index, Ledger: ledger}, models.DefaultDiscoveryConfig()).
		Discover(context.Background())

	require.True(t, result.Success, result.Errors)
	require.Equal(t, 2, result.TotalCount)
	assert.Equal(t, "a", result.Resources[0].Tags["tag"])
	assert.Equal(t, models.SourceResourceExplorer, result.Resources[0].Source)
	assert.Equal(t, models.SourceConfig, result.Resources[1].Source)
	assert.Equal(t, 1, result.StageCounts[models.SourceResourceExplorer])
	assert.Equal(t, 1, result.StageCounts[models.SourceConfig])
}

func TestSecondaryThreshold(t *testing.T) {
	tests := []struct {
		name          string
		primary       int
		wantSecondary bool
	}{
		{"nine triggers secondary", 9, true},
		{"ten skips secondary", 10, false},
		{"zero triggers secondary", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index := newIndex(IndexModeAggregator, many(tt.primary, "p", typeInstance)...)
			ledger := newLedger(map[string][]item{typeBucket: many(2, "l", typeBucket)}, typeBucket)

			result := newTestEngine(newSession(testAccount, "us-east-1"), Backends{Index: index, Ledger: ledger}, models.DefaultDiscoveryConfig()).
				Discover(context.Background())

			assert.True(t, result.Success)
			if tt.wantSecondary {
				assert.Equal(t, 1, ledger.TypeCalls())
				assert.Equal(t, tt.primary+2, result.TotalCount)
			} else {
				assert.Equal(t, 0, ledger.TypeCalls())
				assert.Empty(t, ledger.Queries())
				assert.Equal(t, tt.primary, result.TotalCount)
			}
		})
	}
}

func TestThresholdCountsDistinctPrimaryResources(t *testing.T) {
	dupes := make([]item, 0, 12)
	for i := 0; i < 12; i++ {
		dupes = append(dupes, rec(res("arn:aws:s3:::same", typeBucket)))
	}
	index := newIndex(IndexModeAggregator, dupes...)
	ledger := newLedger(nil, typeBucket)

	result := newTestEngine(newSession(testAccount), Backends{Index: index, Ledger: ledger}, models.DefaultDiscoveryConfig()).
		Discover(context.Background())

	assert.Equal(t, 1, result.TotalCount)
	assert.Equal(t, 1, ledger.TypeCalls())
}

func TestAggregatorIssuesOneQuery(t *testing.T) {
	index := newIndex(IndexModeAggregator, many(3, "a", typeBucket)...)
	cfg := indexOnly()
	cfg.Regions = []string{"us-east-1", "eu-west-1", "ap-south-1"}
	cfg.IncludeTypes = []string{typeBucket}
	cfg.Tags = map[string]string{}

	result := newTestEngine(newSession(testAccount), Backends{Index: index}, cfg).Discover(context.Background())

	require.True(t, result.Success, result.Errors)
	queries := index.Queries()
	require.Len(t, queries, 1)
	assert.Equal(t, cfg.Regions, queries[0].Regions)
	assert.Equal(t, []string{typeBucket}, queries[0].Types)
	assert.Equal(t, testAccount, queries[0].AccountID)
}

func TestAggregatorWithAutoRegionsHasNoRegionPredicate(t *testing.T) {
	index := newIndex(IndexModeAggregator)

	newTestEngine(newSession(testAccount, "us-east-1", "us-west-2"), Backends{Index: index}, indexOnly()).
		Discover(context.Background())

	queries := index.Queries()
	require.Len(t, queries, 1)
	assert.Nil(t, queries[0].Regions)
	assert.Nil(t, queries[0].Types)
}

func TestScopedIssuesOneQueryPerRegion(t *testing.T) {
	index := newIndex(IndexModeScoped, many(1, "s", typeBucket)...)
	cfg := indexOnly()
	cfg.Regions = []string{"us-east-1", "eu-west-1", "ap-south-1"}

	result := newTestEngine(newSession(testAccount), Backends{Index: index}, cfg).Discover(context.Background())

	assert.True(t, result.Success)
	assert.Len(t, index.Queries(), 3)
	assert.Equal(t, 1, result.TotalCount, "same identity from every region is merged")
}

func TestScopedSkipsRegionWithoutIndex(t *testing.T) {
	index := newIndex(IndexModeNone, many(2, "s", typeBucket)...)
	index.regional = map[string]IndexMode{"eu-west-1": IndexModeNone}

	result := newTestEngine(newSession(testAccount, "us-east-1", "eu-west-1", "ap-south-1"), Backends{Index: index}, indexOnly()).
		Discover(context.Background())

	assert.True(t, result.Success)
	assert.Empty(t, result.Errors)
	assert.Len(t, index.Queries(), 2)
	assert.Equal(t, []string{"us-east-1", "eu-west-1", "ap-south-1"}, result.Regions)
}

func TestScopedRegionModeFailureIsRecorded(t *testing.T) {
	index := newIndex(IndexModeScoped)
	flaky := &regionFailingIndex{fakeIndex: index, failRegion: "eu-west-1"}

	result := newTestEngine(newSession(testAccount, "us-east-1", "eu-west-1"), Backends{Index: flaky}, indexOnly()).
		Discover(context.Background())

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "region=eu-west-1")
	assert.Contains(t, result.Errors[0], "AdapterCallFailure")
	assert.Len(t, index.Queries(), 1)
}

type regionFailingIndex struct {
	*fakeIndex
	failRegion string
}

func (f *regionFailingIndex) ForRegion(region string) IndexAdapter {
	inner := f.fakeIndex.ForRegion(region).(*fakeIndex)
	if region == f.failRegion {
		inner.modeErr = errors.New("access denied")
	}
	return inner
}

func TestFilterPrecedence(t *testing.T) {
	index := newIndex(IndexModeAggregator,
		rec(res("arn:1", typeBucket)),
		rec(res("arn:2", typeInstance)),
		rec(res("arn:3", typeFunction)),
	)
	cfg := indexOnly()
	cfg.IncludeTypes = []string{typeBucket, typeInstance}
	cfg.ExcludeTypes = []string{typeBucket}

	result := newTestEngine(newSession(testAccount), Backends{Index: index}, cfg).Discover(context.Background())

	require.Equal(t, 1, result.TotalCount)
	assert.Equal(t, typeInstance, result.Resources[0].Type)
}

func TestTagFilter(t *testing.T) {
	tagged := res("arn:1", typeBucket)
	tagged.Tags = map[string]string{"env": "prod"}
	index := newIndex(IndexModeAggregator, rec(tagged), rec(res("arn:2", typeBucket)))
	cfg := indexOnly()
	cfg.Tags = map[string]string{"env": "prod"}

	result := newTestEngine(newSession(testAccount), Backends{Index: index}, cfg).Discover(context.Background())

	require.Equal(t, 1, result.TotalCount)
	assert.Equal(t, "arn:1", result.Resources[0].ARN)
	assert.Equal(t, map[string]string{"env": "prod"}, index.Queries()[0].Tags)
}

func TestTagFilterKeepsLedgerResources(t *testing.T) {
	tagged := res("arn:1", typeBucket)
	tagged.Tags = map[string]string{"env": "prod"}
	index := newIndex(IndexModeAggregator, rec(tagged), rec(res("arn:2", typeBucket)))
	ledger := newLedger(map[string][]item{typeInstance: many(5, "l", typeInstance)}, typeInstance)
	cfg := models.DefaultDiscoveryConfig()
	cfg.Tags = map[string]string{"env": "prod"}

	result := newTestEngine(newSession(testAccount), Backends{Index: index, Ledger: ledger}, cfg).Discover(context.Background())

	require.True(t, result.Success, result.Errors)
	assert.Equal(t, 6, result.TotalCount)
	assert.Equal(t, 1, result.StageCounts[models.SourceResourceExplorer])
	assert.Equal(t, 5, result.StageCounts[models.SourceConfig])
	for _, r := range result.Resources {
		assert.NotEqual(t, "arn:2", r.ARN)
	}
}

func TestScenarioA_IndexOnly(t *testing.T) {
	index := newIndex(IndexModeAggregator, many(3, "a", typeBucket)...)

	result := newTestEngine(newSession(testAccount, "us-east-1"), Backends{Index: index}, indexOnly()).
		Discover(context.Background())

	assert.Equal(t, 3, result.TotalCount)
	assert.True(t, result.Success)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "run-test", result.RunID)
	assert.Equal(t, testAccount, result.AccountID)
}

func TestScenarioB_ProbeFailureFallsBackToLedger(t *testing.T) {
	index := newIndex(IndexModeAggregator, many(50, "a", typeBucket)...)
	index.probeOK = false

	ledger := newLedger(map[string][]item{
		typeBucket:   many(3, "b", typeBucket),
		typeInstance: many(2, "i", typeInstance),
	}, typeBucket, typeInstance)

	cfg := models.DefaultDiscoveryConfig()
	cfg.MaxWorkers = 2

	result := newTestEngine(newSession(testAccount, "us-east-1"), Backends{Index: index, Ledger: ledger}, cfg).
		Discover(context.Background())

	assert.Equal(t, 5, result.TotalCount)
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "AdapterUnavailable")
	assert.Contains(t, result.Errors[0], "source=resource_explorer")
	assert.Empty(t, index.Queries())
	assert.Len(t, ledger.Queries(), 2)
}

func TestScenarioC_AccountDetectionFailure(t *testing.T) {
	session := &MockSession{}
	session.On("AccountID", mock.Anything).Return("", errors.New("ExpiredToken"))

	index := newIndex(IndexModeAggregator, many(3, "a", typeBucket)...)
	ledger := newLedger(nil, typeBucket)
	enum := newEnum(nil, typeBucket)
	cfg := models.DefaultDiscoveryConfig()
	cfg.UseCloudControl = true

	result := newTestEngine(session, Backends{Index: index, Ledger: ledger, Enumeration: enum}, cfg).
		Discover(context.Background())

	assert.Equal(t, 0, result.TotalCount)
	assert.Empty(t, result.Resources)
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "AccountDetectionFailure")
	assert.Zero(t, index.Probes())
	assert.Zero(t, ledger.Probes())
	assert.Zero(t, enum.Probes())
	session.AssertNotCalled(t, "EnabledRegions", mock.Anything)
}

func TestEmptyAccountIsFatal(t *testing.T) {
	session := &MockSession{}
	session.On("AccountID", mock.Anything).Return("", nil)

	result := newTestEngine(session, Backends{}, models.DefaultDiscoveryConfig()).Discover(context.Background())

	assert.False(t, result.Success)
	assert.Len(t, result.Errors, 1)

	nilSession := newTestEngine(nil, Backends{}, models.DefaultDiscoveryConfig()).Discover(context.Background())
	assert.Len(t, nilSession.Errors, 1)
}

func TestRegionEnumerationFailureFallsBack(t *testing.T) {
	session := &MockSession{}
	session.On("AccountID", mock.Anything).Return(testAccount, nil)
	session.On("EnabledRegions", mock.Anything).Return(nil, errors.New("UnauthorizedOperation"))

	index := newIndex(IndexModeScoped)

	result := newTestEngine(session, Backends{Index: index}, indexOnly()).Discover(context.Background())

	assert.Equal(t, regions.DefaultRegions, result.Regions)
	assert.Len(t, index.Queries(), len(regions.DefaultRegions))
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "RegionEnumerationFailure")
	assert.False(t, result.Success)
}

func TestBackendEnabledButMissing(t *testing.T) {
	result := newTestEngine(newSession(testAccount, "us-east-1"), Backends{}, models.DefaultDiscoveryConfig()).
		Discover(context.Background())

	assert.Len(t, errorsContaining(result, "AdapterUnavailable"), 2)
	assert.Equal(t, 0, result.TotalCount)
}

func TestDisabledBackendsAreNotProbed(t *testing.T) {
	index := newIndex(IndexModeAggregator)
	ledger := newLedger(nil)
	cfg := models.DefaultDiscoveryConfig()
	cfg.UseResourceExplorer = false
	cfg.UseConfig = false

	result := newTestEngine(newSession(testAccount), Backends{Index: index, Ledger: ledger}, cfg).Discover(context.Background())

	assert.True(t, result.Success)
	assert.Zero(t, index.Probes())
	assert.Zero(t, ledger.Probes())
}

func TestForeignAccountResourcesDropped(t *testing.T) {
	foreign := res("arn:aws:s3:us-east-1:999999999999:bucket/x", typeBucket)
	foreign.AccountID = "999999999999"
	unknown := res("arn:aws:s3:::shared", typeBucket)
	unknown.AccountID = models.UnknownAccount

	index := newIndex(IndexModeAggregator, rec(foreign), rec(unknown), rec(res("arn:mine", typeBucket)))

	result := newTestEngine(newSession(testAccount), Backends{Index: index}, indexOnly()).Discover(context.Background())

	assert.Equal(t, 2, result.TotalCount)
	for _, r := range result.Resources {
		assert.NotEqual(t, "999999999999", r.AccountID)
	}
}

func TestPerItemFailuresDoNotAbortListing(t *testing.T) {
	index := newIndex(IndexModeAggregator,
		rec(res("arn:1", typeBucket)),
		malformed(),
		failing("throttled page"),
		rec(res("arn:2", typeBucket)),
	)

	result := newTestEngine(newSession(testAccount), Backends{Index: index}, indexOnly()).Discover(context.Background())

	assert.Equal(t, 2, result.TotalCount)
	assert.False(t, result.Success)
	assert.Len(t, errorsContaining(result, "ConversionError"), 1)
	assert.Len(t, errorsContaining(result, "throttled page"), 1)
	for _, e := range result.Errors {
		assert.Contains(t, e, "stage=primary")
	}
}

func TestSecondaryTypeFailureIsIsolated(t *testing.T) {
	ledger := newLedger(map[string][]item{
		typeBucket:   {failing("AccessDenied")},
		typeInstance: many(4, "i", typeInstance),
	}, typeBucket, typeInstance, typeFunction)
	cfg := models.DefaultDiscoveryConfig()
	cfg.UseResourceExplorer = false

	result := newTestEngine(newSession(testAccount), Backends{Ledger: ledger}, cfg).Discover(context.Background())

	assert.Equal(t, 4, result.TotalCount)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "type="+typeBucket)
	assert.Contains(t, result.Errors[0], "stage=secondary")
}

func TestSecondaryHonoursTypeFilters(t *testing.T) {
	ledger := newLedger(map[string][]item{}, typeBucket, typeInstance, typeFunction)
	cfg := models.DefaultDiscoveryConfig()
	cfg.UseResourceExplorer = false
	cfg.IncludeTypes = []string{typeBucket, typeInstance}
	cfg.ExcludeTypes = []string{typeInstance}

	newTestEngine(newSession(testAccount), Backends{Ledger: ledger}, cfg).Discover(context.Background())

	queries := ledger.Queries()
	require.Len(t, queries, 1)
	assert.Equal(t, []string{typeBucket}, queries[0].Types)
}

func TestSupportedTypesFailure(t *testing.T) {
	ledger := newLedger(nil)
	ledger.typesErr = errors.New("NoSuchConfigurationRecorder")
	cfg := models.DefaultDiscoveryConfig()
	cfg.UseResourceExplorer = false

	result := newTestEngine(newSession(testAccount), Backends{Ledger: ledger}, cfg).Discover(context.Background())

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "failed to list supported types")
}

func TestTertiaryRunsPerTypeAndRegion(t *testing.T) {
	enum := newEnum(map[string][]item{
		typeBucket + "@us-east-1":   many(2, "b", typeBucket),
		typeInstance + "@eu-west-1": {failing("UnsupportedActionException")},
	}, typeBucket, typeInstance, typeFunction)
	cfg := models.DefaultDiscoveryConfig()
	cfg.UseResourceExplorer = false
	cfg.UseConfig = false
	cfg.UseCloudControl = true
	cfg.Regions = []string{"us-east-1", "eu-west-1"}
	cfg.ExcludeTypes = []string{typeFunction}

	result := newTestEngine(newSession(testAccount), Backends{Enumeration: enum}, cfg).Discover(context.Background())

	assert.Equal(t, 2, result.TotalCount)
	assert.Len(t, enum.Queries(), 4)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "region=eu-west-1")
	assert.Contains(t, result.Errors[0], "type="+typeInstance)
}

func TestTertiaryNotRunUnlessEnabled(t *testing.T) {
	enum := newEnum(nil, typeBucket)
	result := newTestEngine(newSession(testAccount), Backends{Index: newIndex(IndexModeAggregator, many(10, "x", typeBucket)...), Enumeration: enum}, indexOnly()).
		Discover(context.Background())

	assert.True(t, result.Success)
	assert.Zero(t, enum.Probes())
	assert.Empty(t, enum.Queries())
}

func TestAdapterPanicsAreRecorded(t *testing.T) {
	index := newIndex(IndexModeAggregator)
	index.panicOn = "list"
	ledger := newLedger(nil, typeBucket)
	ledger.panicOn = "probe"

	var result *models.DiscoveryResult
	require.NotPanics(t, func() {
		result = newTestEngine(newSession(testAccount), Backends{Index: index, Ledger: ledger}, models.DefaultDiscoveryConfig()).
			Discover(context.Background())
	})

	assert.False(t, result.Success)
	assert.NotEmpty(t, errorsContaining(result, "panic: list exploded"))
	assert.NotEmpty(t, errorsContaining(result, "panic: probe exploded"))
	assert.NotEmpty(t, errorsContaining(result, "AdapterUnavailable"))
}

func TestEngineCopiesConfig(t *testing.T) {
	cfg := indexOnly()
	cfg.ExcludeTypes = []string{typeBucket}
	engine := newTestEngine(newSession(testAccount), Backends{Index: newIndex(IndexModeAggregator, rec(res("arn:1", typeBucket)))}, cfg)

	cfg.ExcludeTypes[0] = typeInstance

	result := engine.Discover(context.Background())
	assert.Equal(t, 0, result.TotalCount)
	assert.Equal(t, []string{typeBucket}, engine.Config().ExcludeTypes)
}
