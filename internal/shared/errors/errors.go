package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the category of a discovery failure
type Kind string

const (
	// KindAdapterUnavailable: probe failed or the backend was not configured
	KindAdapterUnavailable Kind = "AdapterUnavailable"
	// KindAdapterCallFailure: a listing or lookup call failed mid-run
	KindAdapterCallFailure Kind = "AdapterCallFailure"
	// KindRegionEnumeration: the enabled region list could not be fetched
	KindRegionEnumeration Kind = "RegionEnumerationFailure"
	// KindAccountDetection: the account identity could not be resolved (fatal)
	KindAccountDetection Kind = "AccountDetectionFailure"
	// KindConversion: one raw record could not be converted
	KindConversion Kind = "ConversionError"
)

// Stage names used as error context
const (
	StageInit      = "init"
	StagePrimary   = "primary"
	StageSecondary = "secondary"
	StageTertiary  = "tertiary"
	StageRegions   = "regions"
	StageAccount   = "account"
	StageAudit     = "audit"
)

// DiscoveryError carries enough context to locate a failure by stage,
// source, type and region.
type DiscoveryError struct {
	Kind      Kind                   `json:"kind"`
	Stage     string                 `json:"stage,omitempty"`
	Source    string                 `json:"source,omitempty"`
	Type      string                 `json:"resource_type,omitempty"`
	Region    string                 `json:"region,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Wrapped   error                  `json:"-"`
}

// Error implements the error interface
func (e *DiscoveryError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Kind)

	var scope []string
	for _, kv := range [][2]string{
		{"stage", e.Stage},
		{"source", e.Source},
		{"type", e.Type},
		{"region", e.Region},
	} {
		if kv[1] != "" {
			scope = append(scope, kv[0]+"="+kv[1])
		}
	}
	if len(scope) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(scope, " "))
	}

	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Wrapped != nil {
		b.WriteString(": ")
		b.WriteString(e.Wrapped.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped error
func (e *DiscoveryError) Unwrap() error {
	return e.Wrapped
}

// Is matches any DiscoveryError of the same kind
func (e *DiscoveryError) Is(target error) bool {
	t, ok := target.(*DiscoveryError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Fatal reports whether the failure aborts a run
func (e *DiscoveryError) Fatal() bool {
	return e.Kind == KindAccountDetection
}

// Sentinels for errors.Is
var (
	ErrAdapterUnavailable = &DiscoveryError{Kind: KindAdapterUnavailable}
	ErrAdapterCall        = &DiscoveryError{Kind: KindAdapterCallFailure}
	ErrRegionEnumeration  = &DiscoveryError{Kind: KindRegionEnumeration}
	ErrAccountDetection   = &DiscoveryError{Kind: KindAccountDetection}
	ErrConversion         = &DiscoveryError{Kind: KindConversion}
)

// KindOf returns the kind of err, or "" when err is not a DiscoveryError.
func KindOf(err error) Kind {
	var de *DiscoveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// Builder provides a fluent API for building errors
type Builder struct {
	err *DiscoveryError
}

// New starts a new error of the given kind
func New(kind Kind, message string) *Builder {
	return &Builder{
		err: &DiscoveryError{
			Kind:      kind,
			Message:   message,
			Timestamp: time.Now(),
		},
	}
}

// Newf starts a new error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Builder {
	return New(kind, fmt.Sprintf(format, args...))
}

func (b *Builder) WithStage(stage string) *Builder {
	b.err.Stage = stage
	return b
}

func (b *Builder) WithSource(source string) *Builder {
	b.err.Source = source
	return b
}

func (b *Builder) WithType(resourceType string) *Builder {
	b.err.Type = resourceType
	return b
}

func (b *Builder) WithRegion(region string) *Builder {
	b.err.Region = region
	return b
}

func (b *Builder) WithDetails(key string, value interface{}) *Builder {
	if b.err.Details == nil {
		b.err.Details = make(map[string]interface{})
	}
	b.err.Details[key] = value
	return b
}

func (b *Builder) WithWrapped(err error) *Builder {
	b.err.Wrapped = err
	return b
}

// Build returns the built error
func (b *Builder) Build() *DiscoveryError {
	return b.err
}

// Err returns the built error as an error value
func (b *Builder) Err() error {
	return b.err
}
