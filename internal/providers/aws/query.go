package aws

import (
	"fmt"
	"sort"
	"strings"

	"github.com/catherinevee/cloudauditor/internal/discovery"
)

// BuildQuery reduces a discovery query to a Resource Explorer query string.
// Types and regions become OR lists, each tag its own term, all joined
// with AND. An empty query matches everything.
func BuildQuery(q discovery.Query) string {
	var parts []string

	if len(q.Types) > 0 {
		parts = append(parts, orGroup("resourcetype", q.Types))
	}

	keys := make([]string, 0, len(q.Tags))
	for k := range q.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("tag:%s=%s", k, q.Tags[k]))
	}

	if len(q.Regions) > 0 {
		parts = append(parts, orGroup("region", q.Regions))
	}

	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " AND ")
}

func orGroup(field string, values []string) string {
	terms := make([]string, len(values))
	for i, v := range values {
		terms[i] = field + ":" + v
	}
	return strings.Join(terms, " OR ")
}
