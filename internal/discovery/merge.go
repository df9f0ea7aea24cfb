package discovery

import "github.com/catherinevee/cloudauditor/pkg/models"

// mergeSet accumulates resources in insertion order, keeping the first
// resource seen for each identity.
type mergeSet struct {
	seen      map[string]struct{}
	resources []models.Resource
}

func newMergeSet() *mergeSet {
	return &mergeSet{seen: make(map[string]struct{})}
}

// add appends every resource whose identity is new and returns how many
// were appended.
func (m *mergeSet) add(resources []models.Resource) int {
	added := 0
	for _, r := range resources {
		if _, dup := m.seen[r.ARN]; dup {
			continue
		}
		m.seen[r.ARN] = struct{}{}
		m.resources = append(m.resources, r)
		added++
	}
	return added
}

// Merge combines stage outputs in order; the first writer of an identity wins.
func Merge(stages ...[]models.Resource) []models.Resource {
	m := newMergeSet()
	for _, s := range stages {
		m.add(s)
	}
	if m.resources == nil {
		return []models.Resource{}
	}
	return m.resources
}

// applyFilters drops excluded types, then types outside a non-nil include
// list, then resources missing a configured tag. untagged counts kept
// resources whose source reports no tags while a tag filter is set.
func applyFilters(cfg models.DiscoveryConfig, resources []models.Resource) (out []models.Resource, untagged int) {
	out = make([]models.Resource, 0, len(resources))
	for _, r := range resources {
		if !cfg.ShouldIncludeType(r.Type) {
			continue
		}
		if !cfg.MatchesTags(r) {
			continue
		}
		if len(cfg.Tags) > 0 && !r.Source.ReportsTags() {
			untagged++
		}
		out = append(out, r)
	}
	return out, untagged
}
