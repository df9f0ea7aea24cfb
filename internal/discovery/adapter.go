package discovery

import (
	"context"
	"iter"

	"github.com/catherinevee/cloudauditor/pkg/models"
)

// RawRecord is a provider-native record as returned by a backend listing.
type RawRecord any

// Query is the structured predicate an adapter reduces to its native query
// syntax. Nil slices mean "no constraint".
type Query struct {
	AccountID string
	Types     []string
	Tags      map[string]string
	Regions   []string
}

// Adapter is the contract shared by every discovery backend.
//
// Probe is a cheap availability check and never fails loudly. ListRaw is
// lazy, finite and restartable by calling it again; an error yielded for one
// item does not end the caller's iteration. Convert is pure.
type Adapter interface {
	Source() models.DiscoverySource
	Probe(ctx context.Context) bool
	ListRaw(ctx context.Context, q Query) iter.Seq2[RawRecord, error]
	Convert(raw RawRecord) (models.Resource, error)
}

// IndexMode describes how a fast index covers the account's regions.
type IndexMode int

const (
	// IndexModeNone: no index in this region
	IndexModeNone IndexMode = iota
	// IndexModeScoped: the index covers only its own region
	IndexModeScoped
	// IndexModeAggregator: one index covers every region
	IndexModeAggregator
)

func (m IndexMode) String() string {
	switch m {
	case IndexModeAggregator:
		return "aggregator"
	case IndexModeScoped:
		return "scoped"
	default:
		return "none"
	}
}

// IndexAdapter is the fast-index variant. Mode reports the index kind in
// the adapter's own region; ForRegion returns an instance bound to region.
type IndexAdapter interface {
	Adapter
	Mode(ctx context.Context) (IndexMode, error)
	ForRegion(region string) IndexAdapter
}

// LedgerAdapter is the change-ledger variant. SupportedTypes is called once
// per run; ListRaw is called with exactly one type.
type LedgerAdapter interface {
	Adapter
	SupportedTypes(ctx context.Context) ([]string, error)
}

// EnumerationAdapter is the per-type enumeration variant. ListRaw is called
// with exactly one type and one region.
type EnumerationAdapter interface {
	Adapter
	Catalog() []string
}

// Backends holds the concrete adapters an engine may use. Which of them run
// is decided by the DiscoveryConfig flags.
type Backends struct {
	Index       IndexAdapter
	Ledger      LedgerAdapter
	Enumeration EnumerationAdapter
}

// Session is the account/region scope provider.
type Session interface {
	AccountID(ctx context.Context) (string, error)
	EnabledRegions(ctx context.Context) ([]string, error)
}

// Sink persists a run's resources with an upsert on (identity, type,
// region, account).
type Sink interface {
	UpsertResources(ctx context.Context, resources []models.Resource) (int, error)
}
