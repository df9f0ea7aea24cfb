package models

import (
	"time"
)

// DiscoverySource identifies the backend that produced a resource.
type DiscoverySource string

const (
	SourceResourceExplorer DiscoverySource = "resource_explorer"
	SourceConfig           DiscoverySource = "config"
	SourceCloudControl     DiscoverySource = "cloud_control"
)

// String returns the wire name of the source
func (s DiscoverySource) String() string {
	return string(s)
}

// ReportsTags is false for the change ledger, whose configuration items
// carry no tags.
func (s DiscoverySource) ReportsTags() bool {
	return s != SourceConfig
}

const (
	// GlobalRegion is the region sentinel for resources that are not regional.
	GlobalRegion = "global"
	// UnknownAccount is used when an identity carries no account field.
	UnknownAccount = "unknown"
)

// Resource is the canonical record for one discovered cloud resource.
// Resources are built once by an adapter's conversion and never mutated.
type Resource struct {
	ARN           string                 `json:"arn" csv:"arn"`
	Type          string                 `json:"resource_type" csv:"resource_type"`
	Region        string                 `json:"region" csv:"region"`
	AccountID     string                 `json:"account_id" csv:"account_id"`
	Name          string                 `json:"name,omitempty" csv:"name"`
	Tags          map[string]string      `json:"tags,omitempty" csv:"-"`
	Configuration map[string]interface{} `json:"configuration,omitempty" csv:"-"`
	Relationships []string               `json:"relationships,omitempty" csv:"-"`
	CreatedAt     *time.Time             `json:"created_at,omitempty" csv:"-"`
	LastModified  *time.Time             `json:"last_modified,omitempty" csv:"-"`
	Source        DiscoverySource        `json:"discovery_source" csv:"discovery_source"`
}

// ResourceKey is the composite key a persistence sink deduplicates on.
type ResourceKey struct {
	ARN       string
	Type      string
	Region    string
	AccountID string
}

// Key returns the persistence key of the resource
func (r Resource) Key() ResourceKey {
	return ResourceKey{ARN: r.ARN, Type: r.Type, Region: r.Region, AccountID: r.AccountID}
}

// HasTag reports whether the resource carries tag key with the given value.
// An empty value matches any value.
func (r Resource) HasTag(key, value string) bool {
	v, ok := r.Tags[key]
	if !ok {
		return false
	}
	return value == "" || v == value
}

// Record flattens the resource into the map handed to persistence and report sinks.
func (r Resource) Record() map[string]interface{} {
	record := map[string]interface{}{
		"arn":              r.ARN,
		"resource_type":    r.Type,
		"region":           r.Region,
		"account_id":       r.AccountID,
		"name":             r.Name,
		"tags":             r.Tags,
		"configuration":    r.Configuration,
		"relationships":    r.Relationships,
		"discovery_source": r.Source.String(),
	}
	if r.CreatedAt != nil {
		record["created_at"] = r.CreatedAt.UTC().Format(time.RFC3339)
	}
	if r.LastModified != nil {
		record["last_modified"] = r.LastModified.UTC().Format(time.RFC3339)
	}
	return record
}
