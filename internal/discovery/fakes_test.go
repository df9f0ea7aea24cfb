package discovery

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/catherinevee/cloudauditor/pkg/models"
)

// MockSession implements Session
type MockSession struct {
	mock.Mock
}

func (m *MockSession) AccountID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockSession) EnabledRegions(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// newSession returns a session whose enabled regions default to us-east-1
func newSession(account string, regions ...string) *MockSession {
	if len(regions) == 0 {
		regions = []string{"us-east-1"}
	}
	s := &MockSession{}
	s.On("AccountID", mock.Anything).Return(account, nil)
	s.On("EnabledRegions", mock.Anything).Return(regions, nil)
	return s
}

// item is one entry of a fake listing: a record, a malformed record, or
// a listing error.
type item struct {
	res     models.Resource
	bad     bool
	listErr error
}

func rec(r models.Resource) item { return item{res: r} }
func malformed() item            { return item{bad: true} }
func failing(msg string) item    { return item{listErr: errors.New(msg)} }

func res(arn, typ string) models.Resource {
	return models.Resource{ARN: arn, Type: typ, Region: "us-east-1", AccountID: testAccount}
}

func many(n int, prefix, typ string) []item {
	out := make([]item, n)
	for i := range out {
		out[i] = rec(res(fmt.Sprintf("arn:aws:x:us-east-1:%s:%s/%d", testAccount, prefix, i), typ))
	}
	return out
}

const testAccount = "111122223333"

// fakeBase records queries and serves a fixed listing
type fakeBase struct {
	source  models.DiscoverySource
	probeOK bool
	panicOn string

	mu      sync.Mutex
	queries []Query
	items   func(q Query) []item
	probes  int
}

func (f *fakeBase) Source() models.DiscoverySource { return f.source }

func (f *fakeBase) Probe(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.panicOn == "probe" {
		panic("probe exploded")
	}
	return f.probeOK
}

func (f *fakeBase) ListRaw(_ context.Context, q Query) iter.Seq2[RawRecord, error] {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	return func(yield func(RawRecord, error) bool) {
		if f.panicOn == "list" {
			panic("list exploded")
		}
		if f.items == nil {
			return
		}
		for _, it := range f.items(q) {
			var cont bool
			if it.listErr != nil {
				cont = yield(nil, it.listErr)
			} else {
				cont = yield(it, nil)
			}
			if !cont {
				return
			}
		}
	}
}

func (f *fakeBase) Convert(raw RawRecord) (models.Resource, error) {
	it, ok := raw.(item)
	if !ok || it.bad {
		return models.Resource{}, errors.New("malformed record")
	}
	r := it.res
	r.Source = f.source
	return r, nil
}

func (f *fakeBase) Queries() []Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Query{}, f.queries...)
}

func (f *fakeBase) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

// fakeIndex is a fast index; regional instances share the parent's query log
type fakeIndex struct {
	*fakeBase
	mode     IndexMode
	modeErr  error
	regional map[string]IndexMode
	region   string
	parent   *fakeIndex
}

func newIndex(mode IndexMode, items ...item) *fakeIndex {
	return &fakeIndex{
		fakeBase: &fakeBase{
			source:  models.SourceResourceExplorer,
			probeOK: true,
			items:   func(Query) []item { return items },
		},
		mode: mode,
	}
}

func (f *fakeIndex) Mode(context.Context) (IndexMode, error) {
	if f.modeErr != nil {
		return IndexModeNone, f.modeErr
	}
	if f.parent != nil {
		if m, ok := f.parent.regional[f.region]; ok {
			return m, nil
		}
		return IndexModeScoped, nil
	}
	return f.mode, nil
}

func (f *fakeIndex) ForRegion(region string) IndexAdapter {
	return &fakeIndex{fakeBase: f.fakeBase, region: region, parent: f}
}

// fakeLedger is a change ledger keyed by type
type fakeLedger struct {
	*fakeBase
	types    []string
	typesErr error
	typeCall int
}

func newLedger(byType map[string][]item, types ...string) *fakeLedger {
	return &fakeLedger{
		fakeBase: &fakeBase{
			source:  models.SourceConfig,
			probeOK: true,
			items:   func(q Query) []item { return byType[q.Types[0]] },
		},
		types: types,
	}
}

func (f *fakeLedger) SupportedTypes(context.Context) ([]string, error) {
	f.mu.Lock()
	f.typeCall++
	f.mu.Unlock()
	return f.types, f.typesErr
}

func (f *fakeLedger) TypeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typeCall
}

// fakeEnum is a per-type enumerator keyed by type and region
type fakeEnum struct {
	*fakeBase
	catalog []string
}

func newEnum(byTypeRegion map[string][]item, catalog ...string) *fakeEnum {
	return &fakeEnum{
		fakeBase: &fakeBase{
			source:  models.SourceCloudControl,
			probeOK: true,
			items: func(q Query) []item {
				return byTypeRegion[q.Types[0]+"@"+q.Regions[0]]
			},
		},
		catalog: catalog,
	}
}

func (f *fakeEnum) Catalog() []string { return f.catalog }
