package models

import (
	"sort"
	"time"
)

// DiscoveryConfig controls one discovery run. It is copied by the engine and
// treated as read-only for the duration of the run.
type DiscoveryConfig struct {
	UseResourceExplorer bool `json:"use_resource_explorer" yaml:"use_resource_explorer"`
	UseConfig           bool `json:"use_config" yaml:"use_config"`
	UseCloudControl     bool `json:"use_cloud_control" yaml:"use_cloud_control"`

	// IncludeTypes nil means every type.
	IncludeTypes []string          `json:"include_types,omitempty" yaml:"include_types"`
	ExcludeTypes []string          `json:"exclude_types,omitempty" yaml:"exclude_types"`
	Tags         map[string]string `json:"tags,omitempty" yaml:"tags"`

	// Regions nil means auto-detect.
	Regions  []string `json:"regions,omitempty" yaml:"regions"`
	Accounts []string `json:"accounts,omitempty" yaml:"accounts"`

	BatchSize  int `json:"batch_size" yaml:"batch_size"`
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`

	// Reserved. Provider calls are not retried by the engine.
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

const (
	DefaultBatchSize  = 100
	DefaultMaxWorkers = 10
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2 * time.Second
)

// DefaultDiscoveryConfig returns the configuration used when nothing is set.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		UseResourceExplorer: true,
		UseConfig:           true,
		UseCloudControl:     false,
		BatchSize:           DefaultBatchSize,
		MaxWorkers:          DefaultMaxWorkers,
		MaxRetries:          DefaultMaxRetries,
		RetryDelay:          DefaultRetryDelay,
	}
}

// Normalize fills zero-valued numeric fields with defaults.
func (c DiscoveryConfig) Normalize() DiscoveryConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	return c
}

// Clone returns a deep copy so callers cannot mutate a running config.
func (c DiscoveryConfig) Clone() DiscoveryConfig {
	out := c
	if c.IncludeTypes != nil {
		out.IncludeTypes = append([]string{}, c.IncludeTypes...)
	}
	if c.ExcludeTypes != nil {
		out.ExcludeTypes = append([]string{}, c.ExcludeTypes...)
	}
	if c.Regions != nil {
		out.Regions = append([]string{}, c.Regions...)
	}
	if c.Accounts != nil {
		out.Accounts = append([]string{}, c.Accounts...)
	}
	if c.Tags != nil {
		out.Tags = make(map[string]string, len(c.Tags))
		for k, v := range c.Tags {
			out.Tags[k] = v
		}
	}
	return out
}

// ShouldIncludeType applies the type filters. Exclusion always wins.
func (c DiscoveryConfig) ShouldIncludeType(resourceType string) bool {
	for _, t := range c.ExcludeTypes {
		if t == resourceType {
			return false
		}
	}
	if c.IncludeTypes == nil {
		return true
	}
	for _, t := range c.IncludeTypes {
		if t == resourceType {
			return true
		}
	}
	return false
}

// MatchesTags reports whether the resource satisfies every configured tag.
// Resources from a source that reports no tags always match.
func (c DiscoveryConfig) MatchesTags(r Resource) bool {
	if !r.Source.ReportsTags() {
		return true
	}
	for k, v := range c.Tags {
		if !r.HasTag(k, v) {
			return false
		}
	}
	return true
}

// DiscoveryResult is the outcome of one run.
type DiscoveryResult struct {
	RunID       string                  `json:"run_id"`
	AccountID   string                  `json:"account_id,omitempty"`
	Regions     []string                `json:"regions,omitempty"`
	Resources   []Resource              `json:"resources"`
	TotalCount  int                     `json:"total_count"`
	Success     bool                    `json:"success"`
	Errors      []string                `json:"errors"`
	Duration    time.Duration           `json:"duration"`
	StartedAt   time.Time               `json:"started_at"`
	StageCounts map[DiscoverySource]int `json:"stage_counts,omitempty"`
}

// NewDiscoveryResult returns an empty, successful result.
func NewDiscoveryResult(runID string) *DiscoveryResult {
	return &DiscoveryResult{
		RunID:       runID,
		Resources:   []Resource{},
		Errors:      []string{},
		Success:     true,
		StartedAt:   time.Now(),
		StageCounts: make(map[DiscoverySource]int),
	}
}

// AddError records a non-fatal failure and marks the run unsuccessful.
func (r *DiscoveryResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Success = false
}

// TypeCount is one row of a result summary.
type TypeCount struct {
	Type  string `json:"resource_type" csv:"resource_type"`
	Count int    `json:"count" csv:"count"`
}

// Summary counts resources per type, largest first.
func (r *DiscoveryResult) Summary() []TypeCount {
	counts := make(map[string]int)
	for _, res := range r.Resources {
		counts[res.Type]++
	}

	summary := make([]TypeCount, 0, len(counts))
	for t, n := range counts {
		summary = append(summary, TypeCount{Type: t, Count: n})
	}
	sort.Slice(summary, func(i, j int) bool {
		if summary[i].Count != summary[j].Count {
			return summary[i].Count > summary[j].Count
		}
		return summary[i].Type < summary[j].Type
	})
	return summary
}
