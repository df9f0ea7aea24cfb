package regions

import (
	"context"
	"regexp"

	discoveryerrors "github.com/catherinevee/cloudauditor/internal/shared/errors"
)

// DefaultRegions is the documented fallback used when enabled regions
// cannot be enumerated.
var DefaultRegions = []string{
	"us-east-1", "us-east-2", "us-west-1", "us-west-2",
	"eu-west-1", "eu-west-2", "eu-west-3", "eu-central-1",
	"ap-southeast-1", "ap-southeast-2", "ap-northeast-1", "ap-northeast-2",
	"ap-south-1", "sa-east-1", "ca-central-1",
}

// Lister returns the regions enabled for the current account
type Lister interface {
	EnabledRegions(ctx context.Context) ([]string, error)
}

// Resolution is the outcome of resolving a run's region set
type Resolution struct {
	Regions []string
	// Explicit is true when the regions came from configuration.
	Explicit bool
	// Err is a RegionEnumerationFailure when the fallback set was used.
	Err error
}

// Resolver decides which regions a run covers
type Resolver struct {
	lister Lister
}

// NewResolver creates a resolver backed by lister
func NewResolver(lister Lister) *Resolver {
	return &Resolver{lister: lister}
}

// Resolve returns the explicit list verbatim when one is configured.
// Otherwise it asks the lister and falls back to DefaultRegions on failure.
func (r *Resolver) Resolve(ctx context.Context, explicit []string) Resolution {
	if explicit != nil {
		return Resolution{Regions: append([]string{}, explicit...), Explicit: true}
	}

	if r.lister == nil {
		return fallback(discoveryerrors.New(discoveryerrors.KindRegionEnumeration, "no region lister configured"))
	}

	enabled, err := r.lister.EnabledRegions(ctx)
	if err != nil {
		return fallback(discoveryerrors.New(discoveryerrors.KindRegionEnumeration, "failed to list enabled regions").WithWrapped(err))
	}
	if len(enabled) == 0 {
		return fallback(discoveryerrors.New(discoveryerrors.KindRegionEnumeration, "enabled region list is empty"))
	}
	return Resolution{Regions: enabled}
}

func fallback(b *discoveryerrors.Builder) Resolution {
	return Resolution{
		Regions: append([]string{}, DefaultRegions...),
		Err: b.WithStage(discoveryerrors.StageRegions).
			WithDetails("fallback", DefaultRegions).
			Err(),
	}
}

var regionPattern = regexp.MustCompile(`^[a-z]{2}(-gov|-iso[a-z]?)?-[a-z]+-[0-9]{1,2}$`)

// IsValidRegionName reports whether region looks like an AWS region code
func IsValidRegionName(region string) bool {
	return regionPattern.MatchString(region)
}
